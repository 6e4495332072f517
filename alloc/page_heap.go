//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package alloc

// mapPage falls back to a heap byte slice where anonymous mappings are unavailable. Pages only
// ever hold pointer-free data, so the collector not scanning them is correct.
func mapPage(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapPage(data []byte) error {
	return nil
}
