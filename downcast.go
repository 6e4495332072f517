package narrow

import "reflect"

// DowncastUnchecked turns h into a sized handle of its concrete type T over the same block. h is
// consumed. T must be the type the block was created with; nothing is checked.
func DowncastUnchecked[T, D any](h *Handle[D]) Handle[T] {
	h.header().meta = Inert

	out := Handle[T]{block: h.block}
	h.block = nil

	return out
}

// Downcast is DowncastUnchecked when the payload is a T. Otherwise it returns false and h is left
// untouched.
func Downcast[T, D any](h *Handle[D]) (Handle[T], bool) {
	if h.block == nil || !holds[T](*h) {
		return Handle[T]{}, false
	}

	return DowncastUnchecked[T](h), true
}

// PtrUnchecked returns a pointer to the payload as a T without transferring ownership
func PtrUnchecked[T, D any](h Handle[D]) *T {
	h.header()
	return &(*repr[T])(h.block).value
}

// As returns a pointer to the payload when it is a T
func As[T, D any](h Handle[D]) (*T, bool) {
	if h.block == nil || !holds[T](h) {
		return nil, false
	}

	return PtrUnchecked[T](h), true
}

// holds reports whether the payload of h is a T
func holds[T, D any](h Handle[D]) bool {
	concrete := reflect.TypeFor[T]()
	abstract := reflect.TypeFor[D]()

	meta := h.header().meta
	if meta == Inert {
		return concrete == abstract
	}

	if shapeOf(abstract) == shapeInterface {
		return reflect.TypeOf(any(h.Get())) == reflect.PointerTo(concrete)
	}

	return concrete.Kind() == reflect.Array &&
		concrete.Elem() == abstract.Elem() &&
		Metadata(concrete.Len()) == meta
}
