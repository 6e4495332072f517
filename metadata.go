package narrow

import (
	"reflect"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/narrow/internal/utils"
)

// Metadata is the descriptor stored in a block header. For an interface target it is the type word
// (itab, or type pointer for empty interfaces) that an interface holding a pointer to the payload
// carries. For a slice target it is the element count of the array payload. Sized blocks hold Inert.
type Metadata uintptr

// Inert marks a block whose payload is exactly the handle's type parameter
const Inert Metadata = ^Metadata(0)

// ErrNotErasable is returned from SynthesizeFor when the concrete type cannot be viewed as the
// abstract type
var ErrNotErasable error = errors.New("concrete type cannot be erased to the abstract type")

// Synthesize returns the descriptor a D referring to a T would carry, without needing a T. For an
// interface D it converts a nil *T to D and reads the type word back off the result; for D = []E it
// requires T = [N]E and returns N. Synthesize panics if *T does not implement D or the shapes do not
// match.
func Synthesize[D, T any]() Metadata {
	abstract := reflect.TypeFor[D]()
	concrete := reflect.TypeFor[T]()
	if abstract == concrete {
		return Inert
	}

	switch shapeOf(abstract) {
	case shapeInterface:
		d, ok := any((*T)(nil)).(D)
		if !ok {
			panic(cerrors.AssertionFailedf("*%s does not implement %s", concrete, abstract))
		}
		return Metadata((*ifaceWords)(unsafe.Pointer(&d)).tab)
	case shapeSlice:
		if concrete.Kind() != reflect.Array || concrete.Elem() != abstract.Elem() {
			panic(cerrors.AssertionFailedf("%s is not an array of %s", concrete, abstract.Elem()))
		}
		return Metadata(concrete.Len())
	default:
		panic(cerrors.AssertionFailedf("%s is sized and cannot hold a %s", abstract, concrete))
	}
}

type typePair struct {
	abstract reflect.Type
	concrete reflect.Type
}

var registry = struct {
	mutex   utils.OptionalRWMutex
	entries *swiss.Map[typePair, Metadata]
}{
	mutex:   utils.OptionalRWMutex{UseMutex: true},
	entries: swiss.NewMap[typePair, Metadata](16),
}

// SynthesizeFor is Synthesize for types only known at runtime. The descriptor is derived through
// reflection and memoized per type pair.
func SynthesizeFor(abstract, concrete reflect.Type) (Metadata, error) {
	key := typePair{abstract: abstract, concrete: concrete}

	registry.mutex.RLock()
	meta, ok := registry.entries.Get(key)
	registry.mutex.RUnlock()
	if ok {
		return meta, nil
	}

	meta, err := synthesizeReflect(abstract, concrete)
	if err != nil {
		return 0, err
	}

	registry.mutex.Lock()
	registry.entries.Put(key, meta)
	registry.mutex.Unlock()

	return meta, nil
}

func synthesizeReflect(abstract, concrete reflect.Type) (Metadata, error) {
	if abstract == concrete {
		return Inert, nil
	}

	switch shapeOf(abstract) {
	case shapeInterface:
		pointer := reflect.PointerTo(concrete)
		if !pointer.Implements(abstract) {
			return 0, cerrors.Wrapf(ErrNotErasable, "%s does not implement %s", pointer, abstract)
		}

		slot := reflect.New(abstract)
		slot.Elem().Set(reflect.Zero(pointer))
		return Metadata((*ifaceWords)(slot.UnsafePointer()).tab), nil
	case shapeSlice:
		if concrete.Kind() != reflect.Array || concrete.Elem() != abstract.Elem() {
			return 0, cerrors.Wrapf(ErrNotErasable, "%s is not an array of %s", concrete, abstract.Elem())
		}
		return Metadata(concrete.Len()), nil
	default:
		return 0, cerrors.Wrapf(ErrNotErasable, "%s is sized and cannot hold a %s", abstract, concrete)
	}
}
