package narrow

import (
	"fmt"
	"io"
	"reflect"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/narrow/memutils"
)

// Finalizer is implemented by payloads that need to release something when their handle is dropped.
// Finalize is called through a pointer to the payload, so it is usually a pointer method.
type Finalizer interface {
	Finalize()
}

var finalizerType = reflect.TypeFor[Finalizer]()

// Handle is a one-word owning reference to a value viewed as a D. The zero Handle owns nothing.
//
// A sized Handle stores a D directly. An erased Handle stores some concrete type T behind a D
// that is either an interface *T implements, or a slice []E when T is [N]E.
type Handle[D any] struct {
	block unsafe.Pointer
}

// New moves v into a freshly allocated block
func New[T any](v T) Handle[T] {
	block := allocateBlock[T]()
	block.meta = Inert
	block.value = v

	return Handle[T]{block: unsafe.Pointer(block)}
}

// NewErased moves v into a freshly allocated block that is viewed as a D. D must be an interface
// implemented by *T, or []E with T = [N]E.
func NewErased[D, T any](v T) Handle[D] {
	meta := Synthesize[D, T]()
	if meta != Inert {
		checkErasable[T]()
	}

	block := allocateBlock[T]()
	block.meta = meta
	block.value = v

	return Handle[D]{block: unsafe.Pointer(block)}
}

// Erase turns a sized handle into a handle viewed as a D over the same block. Nothing is reallocated
// or moved: only the header changes. h is consumed.
func Erase[D, T any](h *Handle[T]) Handle[D] {
	hdr := h.header()
	if hdr.meta != Inert {
		panic(cerrors.AssertionFailedf("handle of %s is already erased", reflect.TypeFor[T]()))
	}

	meta := Synthesize[D, T]()
	if meta != Inert {
		checkErasable[T]()
	}

	hdr.meta = meta
	out := Handle[D]{block: h.block}
	h.block = nil

	return out
}

func (h Handle[D]) header() *header {
	if h.block == nil {
		panic(cerrors.AssertionFailedf("use of a zero handle of %s", reflect.TypeFor[D]()))
	}

	return (*header)(h.block)
}

// Get returns the full view of the payload. For an erased interface handle the result holds a
// pointer to the payload, so pointer methods called on it act on the payload in place. For an erased
// slice handle the result aliases the payload.
func (h Handle[D]) Get() D {
	meta := h.header().meta
	if meta == Inert {
		return (*repr[D])(h.block).value
	}

	if shapeOf(reflect.TypeFor[D]()) == shapeInterface {
		return assembleInterface[D](meta, payload(h.block))
	}

	return assembleSlice[D](int(meta), payload(h.block))
}

// Ptr returns a pointer to the payload of a sized handle. It panics on an erased handle.
func (h Handle[D]) Ptr() *D {
	if h.header().meta != Inert {
		panic(cerrors.AssertionFailedf("Ptr called on an erased handle of %s", reflect.TypeFor[D]()))
	}

	return &(*repr[D])(h.block).value
}

// Len returns the number of elements in a slice view, and 1 for any other handle
func (h Handle[D]) Len() int {
	if shapeOf(reflect.TypeFor[D]()) != shapeSlice {
		h.header()
		return 1
	}

	d := h.Get()
	return (*sliceWords)(unsafe.Pointer(&d)).len
}

// Addr returns the address of the block the handle owns
func (h Handle[D]) Addr() unsafe.Pointer {
	return h.block
}

// Metadata returns the descriptor stored in the block header
func (h Handle[D]) Metadata() Metadata {
	return h.header().meta
}

func (h Handle[D]) IsErased() bool {
	return h.header().meta != Inert
}

func (h Handle[D]) IsZero() bool {
	return h.block == nil
}

// Format formats the payload as though it had been passed to fmt directly. An erased interface view
// holds a pointer to the payload; unless that pointer formats itself through a method, the payload is
// printed as a value, the same as a sized handle would print it.
func (h Handle[D]) Format(f fmt.State, verb rune) {
	if h.block == nil {
		_, _ = io.WriteString(f, "<nil>")
		return
	}

	var view any = h.Get()
	if h.IsErased() && shapeOf(reflect.TypeFor[D]()) == shapeInterface && !formatsItself(view) {
		view = reflect.ValueOf(view).Elem().Interface()
	}

	fmt.Fprintf(f, fmt.FormatString(f, verb), view)
}

func formatsItself(v any) bool {
	switch v.(type) {
	case fmt.Formatter, fmt.Stringer, fmt.GoStringer, error:
		return true
	default:
		return false
	}
}

// Drop finalizes the payload and returns the block to the allocator. The handle is left zero;
// dropping a zero handle does nothing.
func (h *Handle[D]) Drop() {
	if h.block == nil {
		return
	}

	block := h.block
	h.block = nil

	meta := (*header)(block).meta
	if meta == Inert {
		if f, ok := any(&(*repr[D])(block).value).(Finalizer); ok {
			f.Finalize()
		}

		deallocateBlock(block, memutils.LayoutOf(blockType[D]()))
		return
	}

	abstract := reflect.TypeFor[D]()
	var payloadLayout memutils.Layout

	if shapeOf(abstract) == shapeInterface {
		d := assembleInterface[D](meta, payload(block))
		if f, ok := any(d).(Finalizer); ok {
			f.Finalize()
		}

		payloadLayout = memutils.LayoutOf(reflect.TypeOf(any(d)).Elem())
	} else {
		count := int(meta)
		elem := abstract.Elem()
		if reflect.PointerTo(elem).Implements(finalizerType) {
			elems := reflect.ValueOf(assembleSlice[D](count, payload(block)))
			for i := 0; i < count; i++ {
				elems.Index(i).Addr().Interface().(Finalizer).Finalize()
			}
		}

		payloadLayout = memutils.Layout{Size: uintptr(count) * elem.Size(), Align: uintptr(elem.Align())}
	}

	deallocateBlock(block, reprLayout(payloadLayout))
}

// Unwrap moves the payload out of a sized handle and frees the block without finalizing. h is
// consumed. Unwrap panics on an erased handle.
func Unwrap[T any](h *Handle[T]) T {
	if h.header().meta != Inert {
		panic(cerrors.AssertionFailedf("Unwrap called on an erased handle of %s", reflect.TypeFor[T]()))
	}

	block := h.block
	h.block = nil

	value := (*repr[T])(block).value
	deallocateBlock(block, memutils.LayoutOf(blockType[T]()))

	return value
}

// DropAll drops every handle in the slice
func DropAll[D any](handles []Handle[D]) {
	for i := range handles {
		handles[i].Drop()
	}
}
