package memutils

import (
	"reflect"

	cerrors "github.com/cockroachdb/errors"
)

// Layout is the size and alignment of a single block of memory. It is the currency exchanged with
// allocators: a block is always freed with the same Layout it was allocated with.
type Layout struct {
	Size  uintptr
	Align uintptr
}

// LayoutOf returns the Layout of values of the provided type
func LayoutOf(t reflect.Type) Layout {
	return Layout{Size: t.Size(), Align: uintptr(t.Align())}
}

// Validate returns an error if the alignment is not a power of two or the size is not a
// multiple of the alignment
func (l Layout) Validate() error {
	err := CheckPow2(l.Align, "alignment")
	if err != nil {
		return err
	}

	if l.Size%l.Align != 0 {
		return cerrors.Wrapf(LayoutError, "size %d, alignment %d", l.Size, l.Align)
	}

	return nil
}

// Extend appends a field with the Layout next to the end of this Layout, the way a struct lays out
// its fields. It returns the combined Layout, not yet padded to its alignment, and the offset at which
// next begins.
func (l Layout) Extend(next Layout) (Layout, uintptr) {
	offset := AlignUpPtr(l.Size, next.Align)

	align := l.Align
	if next.Align > align {
		align = next.Align
	}

	return Layout{Size: offset + next.Size, Align: align}, offset
}

// PadToAlign rounds the size of this Layout up to a multiple of its alignment
func (l Layout) PadToAlign() Layout {
	return Layout{Size: AlignUpPtr(l.Size, l.Align), Align: l.Align}
}
