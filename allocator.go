package narrow

import (
	"sync/atomic"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/narrow/alloc"
	"github.com/vkngwrapper/narrow/memutils"
)

type allocatorBox struct {
	alloc.Allocator
}

var globalAllocator atomic.Pointer[allocatorBox]

// SetAllocator installs the allocator every subsequent handle draws its block from and returns the
// previously installed one. Passing nil restores the default heap allocator.
//
// A block is always returned to the allocator that is installed when it is dropped, so the allocator
// should be installed before any handle is created and not replaced while handles are live.
func SetAllocator(a alloc.Allocator) alloc.Allocator {
	var next *allocatorBox
	if a != nil {
		next = &allocatorBox{Allocator: a}
	}

	prev := globalAllocator.Swap(next)
	if prev == nil {
		return alloc.Heap{}
	}

	return prev.Allocator
}

// CurrentAllocator returns the installed allocator
func CurrentAllocator() alloc.Allocator {
	box := globalAllocator.Load()
	if box == nil {
		return alloc.Heap{}
	}

	return box.Allocator
}

func allocateBlock[T any]() *repr[T] {
	typ := blockType[T]()
	ptr, err := CurrentAllocator().Allocate(memutils.LayoutOf(typ), typ)
	if err != nil {
		panic(cerrors.Wrapf(err, "failed to allocate a block for %s", typ))
	}

	return (*repr[T])(ptr)
}

func deallocateBlock(block unsafe.Pointer, layout memutils.Layout) {
	err := CurrentAllocator().Deallocate(block, layout)
	if err != nil {
		panic(cerrors.Wrapf(err, "failed to deallocate block at %p", block))
	}
}
