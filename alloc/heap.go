package alloc

import (
	"reflect"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/narrow/memutils"
)

// Heap allocates every block from the garbage-collected heap as a value of the block's own type.
// Deallocate releases nothing: the collector reclaims a block once nothing refers to it.
type Heap struct{}

var _ Allocator = Heap{}

func (Heap) Allocate(layout memutils.Layout, typ reflect.Type) (unsafe.Pointer, error) {
	memutils.DebugValidateLayout(layout)

	if typ == nil {
		return nil, cerrors.Wrap(ErrTypeMismatch, "heap allocation requires a type")
	}

	if memutils.LayoutOf(typ) != layout {
		return nil, cerrors.Wrapf(ErrTypeMismatch, "type %s has size %d and alignment %d, requested size %d and alignment %d",
			typ, typ.Size(), typ.Align(), layout.Size, layout.Align)
	}

	return reflect.New(typ).UnsafePointer(), nil
}

func (Heap) Deallocate(ptr unsafe.Pointer, layout memutils.Layout) error {
	if ptr == nil {
		return cerrors.Wrap(ErrUnknownAllocation, "nil address")
	}

	return nil
}
