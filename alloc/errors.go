package alloc

import "github.com/pkg/errors"

// ErrUnknownAllocation is returned from Deallocate when the address was not allocated by the allocator
// or was already deallocated
var ErrUnknownAllocation error = errors.New("address was not allocated by this allocator")

// ErrLayoutMismatch is returned from Deallocate when the Layout differs from the Layout the address was
// allocated with
var ErrLayoutMismatch error = errors.New("deallocation layout does not match allocation layout")

// ErrOutOfPages is returned from Allocate when a slab has reached its page limit and no page can fit
// the requested layout
var ErrOutOfPages error = errors.New("slab page limit reached")

// ErrTypeMismatch is returned from Allocate when the provided type does not have the requested layout
var ErrTypeMismatch error = errors.New("allocated type does not match the requested layout")
