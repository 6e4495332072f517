package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// LayoutError is the error returned from Layout.Validate when a layout's size is not a multiple of its alignment
var LayoutError error = errors.New("layout size must be a multiple of its alignment")
