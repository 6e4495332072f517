package narrow_test

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/narrow"
	"github.com/vkngwrapper/narrow/alloc"
)

type counted struct {
	id    int
	drops *int
}

func (c *counted) Finalize() {
	*c.drops++
}

func (c *counted) String() string {
	return fmt.Sprintf("counted#%d", c.id)
}

type counter struct {
	n int
}

func (c *counter) Inc() {
	c.n++
}

func (c *counter) Value() int {
	return c.n
}

type incrementer interface {
	Inc()
	Value() int
}

func useTracking(t *testing.T) *alloc.Tracking {
	tracking := alloc.NewTracking(alloc.Heap{})
	prev := narrow.SetAllocator(tracking)
	t.Cleanup(func() {
		narrow.SetAllocator(prev)
		require.Equal(t, 0, tracking.LiveCount())
		require.Equal(t, tracking.Allocations(), tracking.Deallocations())
	})

	return tracking
}

func TestHandleIsOneWord(t *testing.T) {
	word := unsafe.Sizeof(uintptr(0))

	require.Equal(t, word, unsafe.Sizeof(narrow.Handle[int]{}))
	require.Equal(t, word, unsafe.Sizeof(narrow.Handle[[64]byte]{}))
	require.Equal(t, word, unsafe.Sizeof(narrow.Handle[error]{}))
	require.Equal(t, word, unsafe.Sizeof(narrow.Handle[any]{}))
	require.Equal(t, word, unsafe.Sizeof(narrow.Handle[[]int]{}))
}

func TestEraseAndDowncastRoundTrip(t *testing.T) {
	useTracking(t)

	value := [4]string{"a", "b", "c", "d"}
	h := narrow.NewErased[[]string](value)
	require.True(t, h.IsErased())

	sized := narrow.DowncastUnchecked[[4]string](&h)
	require.True(t, h.IsZero())
	require.False(t, sized.IsErased())
	require.Equal(t, value, narrow.Unwrap(&sized))
	require.True(t, sized.IsZero())
}

func TestSliceView(t *testing.T) {
	tracking := useTracking(t)

	h := narrow.NewErased[[]int]([6]int{1, 2, 3, 4, 5, 6})
	defer h.Drop()

	require.Equal(t, 1, tracking.LiveCount())
	require.Equal(t, 6, h.Len())
	require.Equal(t, narrow.Metadata(6), h.Metadata())
	require.Equal(t, []int{1, 2, 3, 4, 5, 6}, h.Get())

	h.Get()[2] = 30
	require.Equal(t, 30, h.Get()[2])

	arr, ok := narrow.As[[6]int](h)
	require.True(t, ok)
	require.Equal(t, [6]int{1, 2, 30, 4, 5, 6}, *arr)

	_, ok = narrow.As[[5]int](h)
	require.False(t, ok)
}

func TestPathErrorDowncast(t *testing.T) {
	useTracking(t)

	_, err := os.ReadFile("/nonexistent/narrow-test")
	require.Error(t, err)

	var pathErr *fs.PathError
	require.True(t, errors.As(err, &pathErr))

	h := narrow.NewErased[error](*pathErr)
	defer h.Drop()

	require.Equal(t, err.Error(), h.Get().Error())
	require.Equal(t, 1, h.Len())

	_, ok := narrow.Downcast[os.LinkError](&h)
	require.False(t, ok)
	require.False(t, h.IsZero())
	require.Equal(t, err.Error(), h.Get().Error())
	require.ErrorIs(t, h.Get(), fs.ErrNotExist)

	linkErr, ok := narrow.As[os.LinkError](h)
	require.False(t, ok)
	require.Nil(t, linkErr)

	sized, ok := narrow.Downcast[fs.PathError](&h)
	require.True(t, ok)
	require.True(t, h.IsZero())
	defer sized.Drop()

	require.Equal(t, *pathErr, *sized.Ptr())
}

func TestFailedDowncastStillDrops(t *testing.T) {
	tracking := useTracking(t)

	drops := 0
	h := narrow.NewErased[fmt.Stringer](counted{id: 1, drops: &drops})

	_, ok := narrow.Downcast[counter](&h)
	require.False(t, ok)
	require.Equal(t, "counted#1", h.Get().String())

	h.Drop()
	require.Equal(t, 1, drops)
	require.Equal(t, 0, tracking.LiveCount())
}

func TestFinalizerCounts(t *testing.T) {
	useTracking(t)

	drops := 0
	erased := narrow.NewErased[fmt.Stringer](counted{id: 1, drops: &drops})
	erased.Drop()
	require.Equal(t, 1, drops)
	require.True(t, erased.IsZero())

	erased.Drop()
	require.Equal(t, 1, drops)

	sized := narrow.New(counted{id: 2, drops: &drops})
	value := narrow.Unwrap(&sized)
	require.Equal(t, 2, value.id)
	require.Equal(t, 1, drops)

	sized = narrow.New(counted{id: 3, drops: &drops})
	sized.Drop()
	require.Equal(t, 2, drops)
}

func TestSliceFinalizesEachElement(t *testing.T) {
	useTracking(t)

	drops := 0
	h := narrow.NewErased[[]counted]([3]counted{
		{id: 1, drops: &drops},
		{id: 2, drops: &drops},
		{id: 3, drops: &drops},
	})
	h.Drop()

	require.Equal(t, 3, drops)
}

func TestEraseInPlace(t *testing.T) {
	tracking := useTracking(t)

	h := narrow.New(counter{n: 4})
	addr := h.Addr()

	erased := narrow.Erase[incrementer](&h)
	require.True(t, h.IsZero())
	require.Equal(t, addr, erased.Addr())
	require.Equal(t, 1, tracking.Allocations())

	erased.Get().Inc()
	erased.Get().Inc()
	require.Equal(t, 6, erased.Get().Value())

	ptr, ok := narrow.As[counter](erased)
	require.True(t, ok)
	require.Equal(t, 6, ptr.n)

	sized := narrow.DowncastUnchecked[counter](&erased)
	require.Equal(t, addr, sized.Addr())
	require.Equal(t, counter{n: 6}, narrow.Unwrap(&sized))
}

func TestEraseSliceInPlace(t *testing.T) {
	tracking := useTracking(t)

	h := narrow.New([5]int{5, 4, 3, 2, 1})
	addr := h.Addr()
	layout, ok := tracking.Layout(addr)
	require.True(t, ok)

	erased := narrow.Erase[[]int](&h)
	require.True(t, h.IsZero())
	require.Equal(t, addr, erased.Addr())
	require.True(t, erased.IsErased())
	require.Equal(t, 5, erased.Len())
	require.Equal(t, []int{5, 4, 3, 2, 1}, erased.Get())
	require.Equal(t, 1, tracking.Allocations())

	recorded, ok := tracking.Layout(erased.Addr())
	require.True(t, ok)
	require.Equal(t, layout, recorded)

	erased.Drop()
	require.Equal(t, 1, tracking.Deallocations())
	require.Equal(t, 0, tracking.LiveCount())
}

func TestEraseToEmptyInterface(t *testing.T) {
	useTracking(t)

	h := narrow.NewErased[any](counter{n: 2})
	defer h.Drop()

	require.Equal(t, reflect.TypeFor[*counter](), reflect.TypeOf(h.Get()))
	require.Equal(t, &counter{n: 2}, h.Get())
}

func TestSizedHandles(t *testing.T) {
	useTracking(t)

	h := narrow.New(5)
	require.False(t, h.IsErased())
	require.Equal(t, narrow.Inert, h.Metadata())
	require.Equal(t, 5, h.Get())

	*h.Ptr() = 9
	require.Equal(t, 9, h.Get())

	_, ok := narrow.Downcast[int64](&h)
	require.False(t, ok)

	same, ok := narrow.Downcast[int](&h)
	require.True(t, ok)
	require.Equal(t, 9, narrow.Unwrap(&same))

	err := errors.New("sized")
	errHandle := narrow.New[error](err)
	require.False(t, errHandle.IsErased())
	require.Equal(t, err, errHandle.Get())
	errHandle.Drop()

	slice := narrow.New([]int{1, 2})
	require.Equal(t, 2, slice.Len())
	slice.Drop()

	empty := narrow.New(struct{}{})
	empty.Drop()
}

func TestErasedHandleContracts(t *testing.T) {
	useTracking(t)

	h := narrow.NewErased[[]int]([2]int{1, 2})
	defer h.Drop()

	require.Panics(t, func() {
		h.Ptr()
	})

	require.Panics(t, func() {
		sized := narrow.Handle[[]int]{}
		narrow.Unwrap(&sized)
	})

	require.Panics(t, func() {
		narrow.Synthesize[fmt.Stringer, int]()
	})

	require.Panics(t, func() {
		narrow.Synthesize[[]int, [3]uint]()
	})

	_, err := narrow.SynthesizeFor(reflect.TypeFor[fmt.Stringer](), reflect.TypeFor[int]())
	require.ErrorIs(t, err, narrow.ErrNotErasable)
}

func TestFormat(t *testing.T) {
	useTracking(t)

	h := narrow.NewErased[error](fs.PathError{Op: "open", Path: "/x", Err: fs.ErrNotExist})
	defer h.Drop()
	require.Equal(t, "open /x: file does not exist", fmt.Sprint(h))

	n := narrow.New(42)
	defer n.Drop()
	require.Equal(t, "42", fmt.Sprintf("%v", n))
	require.Equal(t, "  42", fmt.Sprintf("%4d", n))
	require.Equal(t, "2a", fmt.Sprintf("%x", n))

	require.Equal(t, "<nil>", fmt.Sprint(narrow.Handle[int]{}))
}

func TestFormatErasedValue(t *testing.T) {
	useTracking(t)

	erased := narrow.NewErased[any](counter{n: 2})
	defer erased.Drop()
	sized := narrow.New(counter{n: 2})
	defer sized.Drop()

	require.Equal(t, "{2}", fmt.Sprint(erased))
	require.Equal(t, fmt.Sprint(sized), fmt.Sprint(erased))
	require.Equal(t, "{n:2}", fmt.Sprintf("%+v", erased))
	require.Equal(t, fmt.Sprintf("%+v", sized), fmt.Sprintf("%+v", erased))

	drops := 0
	stringer := narrow.NewErased[fmt.Stringer](counted{id: 5, drops: &drops})
	defer stringer.Drop()
	require.Equal(t, "counted#5", fmt.Sprint(stringer))
}

func TestDropReturnsBlockToInstalledAllocator(t *testing.T) {
	prev := narrow.SetAllocator(nil)
	defer narrow.SetAllocator(prev)

	h := narrow.New(7)

	tracking := alloc.NewTracking(alloc.Heap{})
	narrow.SetAllocator(tracking)

	var recovered any
	func() {
		defer func() {
			recovered = recover()
		}()
		h.Drop()
	}()

	err, ok := recovered.(error)
	require.True(t, ok)
	require.ErrorIs(t, err, alloc.ErrUnknownAllocation)
	require.True(t, h.IsZero())
	require.Equal(t, 0, tracking.Deallocations())

	narrow.SetAllocator(nil)
	h = narrow.New(8)
	h.Drop()
	require.True(t, h.IsZero())
}

func TestDropAll(t *testing.T) {
	tracking := useTracking(t)

	drops := 0
	handles := make([]narrow.Handle[fmt.Stringer], 0, 8)
	for i := 0; i < 8; i++ {
		handles = append(handles, narrow.NewErased[fmt.Stringer](counted{id: i, drops: &drops}))
	}
	require.Equal(t, 8, tracking.LiveCount())

	narrow.DropAll(handles)
	require.Equal(t, 8, drops)
	for _, h := range handles {
		require.True(t, h.IsZero())
	}
}

func TestSetAllocatorDefault(t *testing.T) {
	prev := narrow.SetAllocator(nil)
	defer narrow.SetAllocator(prev)

	require.Equal(t, alloc.Heap{}, narrow.CurrentAllocator())
}
