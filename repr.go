package narrow

import (
	"reflect"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/narrow/memutils"
)

// header is the erased view of every block: its size and alignment do not depend on the payload
type header struct {
	meta Metadata
}

// repr is the full layout of a block holding a T
type repr[T any] struct {
	header
	value T
}

const (
	headerSize  = unsafe.Sizeof(header{})
	headerAlign = unsafe.Alignof(header{})
)

// ifaceWords overlays the two words of an interface value
type ifaceWords struct {
	tab  uintptr
	data unsafe.Pointer
}

// sliceWords overlays a slice header
type sliceWords struct {
	data unsafe.Pointer
	len  int
	cap  int
}

type shape uint8

const (
	shapeSized shape = iota
	shapeInterface
	shapeSlice
)

func shapeOf(t reflect.Type) shape {
	switch t.Kind() {
	case reflect.Interface:
		return shapeInterface
	case reflect.Slice:
		return shapeSlice
	default:
		return shapeSized
	}
}

// reprLayout is the layout the compiler gives repr[T] for a payload with the provided layout
func reprLayout(payload memutils.Layout) memutils.Layout {
	layout, _ := memutils.Layout{Size: headerSize, Align: headerAlign}.Extend(payload)
	if payload.Size == 0 {
		// a zero-size final field is padded so its address stays inside the block
		layout.Size++
	}

	return layout.PadToAlign()
}

// payload returns the payload address of an erased block. Erased payloads are never aligned more
// strictly than the header, so the payload always starts right after it.
func payload(block unsafe.Pointer) unsafe.Pointer {
	return unsafe.Add(block, headerSize)
}

func checkErasable[T any]() {
	var zero T
	if unsafe.Alignof(zero) > headerAlign {
		panic(cerrors.AssertionFailedf("%s has alignment %d, which exceeds the block header alignment %d",
			reflect.TypeFor[T](), unsafe.Alignof(zero), headerAlign))
	}
}

func assembleInterface[D any](meta Metadata, data unsafe.Pointer) D {
	var d D
	words := (*ifaceWords)(unsafe.Pointer(&d))
	words.tab = uintptr(meta)
	words.data = data
	return d
}

func assembleSlice[D any](count int, data unsafe.Pointer) D {
	var d D
	words := (*sliceWords)(unsafe.Pointer(&d))
	words.data = data
	words.len = count
	words.cap = count
	return d
}

func blockType[T any]() reflect.Type {
	return reflect.TypeFor[repr[T]]()
}
