package alloc

import (
	"reflect"
	"unsafe"

	"github.com/vkngwrapper/narrow/memutils"
)

// Allocator is the allocate/deallocate service that owning handles draw their blocks from.
//
// Allocate returns the address of a block of at least layout.Size bytes aligned to layout.Align.
// typ is the Go type that will be stored in the block and always has layout's size and alignment;
// implementations backed by the garbage collector must use it to allocate, since a block that holds
// pointers has to be visible to the collector as that type.
//
// Deallocate releases a block previously returned by Allocate. It must be called with exactly the
// Layout the block was allocated with, and at most once per block.
type Allocator interface {
	Allocate(layout memutils.Layout, typ reflect.Type) (unsafe.Pointer, error)
	Deallocate(ptr unsafe.Pointer, layout memutils.Layout) error
}
