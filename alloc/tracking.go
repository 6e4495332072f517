package alloc

import (
	"reflect"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/narrow/internal/utils"
	"github.com/vkngwrapper/narrow/memutils"
)

// Tracking wraps another Allocator and records every live block. Deallocate fails, without reaching
// the wrapped allocator, when the address is unknown or the Layout does not match the one the block
// was allocated with.
type Tracking struct {
	inner Allocator
	mutex utils.OptionalMutex

	live          *swiss.Map[uintptr, memutils.Layout]
	liveBytes     int
	allocations   int
	deallocations int
}

var _ Allocator = &Tracking{}

func NewTracking(inner Allocator) *Tracking {
	return &Tracking{
		inner: inner,
		mutex: utils.OptionalMutex{UseMutex: true},
		live:  swiss.NewMap[uintptr, memutils.Layout](16),
	}
}

func (t *Tracking) Allocate(layout memutils.Layout, typ reflect.Type) (unsafe.Pointer, error) {
	ptr, err := t.inner.Allocate(layout, typ)
	if err != nil {
		return nil, err
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.live.Put(uintptr(ptr), layout)
	t.liveBytes += int(layout.Size)
	t.allocations++

	return ptr, nil
}

func (t *Tracking) Deallocate(ptr unsafe.Pointer, layout memutils.Layout) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	address := uintptr(ptr)
	allocated, ok := t.live.Get(address)
	if !ok {
		return cerrors.Wrapf(ErrUnknownAllocation, "address %#x", address)
	}

	if allocated != layout {
		return cerrors.Wrapf(ErrLayoutMismatch, "allocated with %+v, deallocated with %+v", allocated, layout)
	}

	err := t.inner.Deallocate(ptr, layout)
	if err != nil {
		return err
	}

	t.live.Delete(address)
	t.liveBytes -= int(layout.Size)
	t.deallocations++

	return nil
}

// Layout returns the Layout of a live block
func (t *Tracking) Layout(ptr unsafe.Pointer) (memutils.Layout, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.live.Get(uintptr(ptr))
}

// LiveCount returns the number of blocks allocated and not yet deallocated
func (t *Tracking) LiveCount() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.live.Count()
}

// LiveBytes returns the total size of blocks allocated and not yet deallocated
func (t *Tracking) LiveBytes() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.liveBytes
}

// Allocations returns the number of successful Allocate calls
func (t *Tracking) Allocations() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.allocations
}

// Deallocations returns the number of successful Deallocate calls
func (t *Tracking) Deallocations() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.deallocations
}
