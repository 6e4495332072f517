package narrow_test

import (
	"io/fs"
	"strconv"
	"testing"
	"unsafe"

	"github.com/vkngwrapper/narrow"
)

const benchCount = 1024

func pathErrors() []fs.PathError {
	errs := make([]fs.PathError, benchCount)
	for i := range errs {
		errs[i] = fs.PathError{Op: "open", Path: "/tmp/" + strconv.Itoa(i), Err: fs.ErrNotExist}
	}
	return errs
}

func BenchmarkInterfaceSlice(b *testing.B) {
	src := pathErrors()
	errs := make([]error, len(src))
	for i := range src {
		errs[i] = &src[i]
	}

	b.ReportMetric(float64(unsafe.Sizeof(errs[0])), "bytes/element")
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		total := 0
		for _, err := range errs {
			total += len(err.Error())
		}
		_ = total
	}
}

func BenchmarkHandleSlice(b *testing.B) {
	handles := make([]narrow.Handle[error], 0, benchCount)
	for _, err := range pathErrors() {
		handles = append(handles, narrow.NewErased[error](err))
	}
	defer narrow.DropAll(handles)

	b.ReportMetric(float64(unsafe.Sizeof(handles[0])), "bytes/element")
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		total := 0
		for _, h := range handles {
			total += len(h.Get().Error())
		}
		_ = total
	}
}

func BenchmarkEmptyInterfaceSlice(b *testing.B) {
	values := make([]any, benchCount)
	for i := range values {
		values[i] = &counter{n: i}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		total := 0
		for _, v := range values {
			total += v.(*counter).n
		}
		_ = total
	}
}

func BenchmarkEmptyInterfaceHandleSlice(b *testing.B) {
	handles := make([]narrow.Handle[any], benchCount)
	for i := range handles {
		handles[i] = narrow.NewErased[any](counter{n: i})
	}
	defer narrow.DropAll(handles)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		total := 0
		for _, h := range handles {
			total += h.Get().(*counter).n
		}
		_ = total
	}
}

func BenchmarkNewErasedDrop(b *testing.B) {
	for i := 0; i < b.N; i++ {
		h := narrow.NewErased[[]int]([8]int{i})
		h.Drop()
	}
}
