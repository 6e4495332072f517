package alloc_test

import (
	"bytes"
	"encoding/json"
	"reflect"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/narrow/alloc"
	"github.com/vkngwrapper/narrow/memutils"
	"golang.org/x/exp/slog"
)

func newSlab(t *testing.T, options alloc.CreateOptions) *alloc.Slab {
	slab, err := alloc.NewSlab(slog.Default(), options)
	require.NoError(t, err)
	return slab
}

func TestSlabOptions(t *testing.T) {
	_, err := alloc.NewSlab(nil, alloc.CreateOptions{PageSize: 3000})
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	_, err = alloc.NewSlab(nil, alloc.CreateOptions{MaxPages: -1})
	require.Error(t, err)

	_, err = alloc.NewSlab(nil, alloc.CreateOptions{PageSize: 1024, DedicatedThreshold: 2048})
	require.Error(t, err)

	require.Equal(t, "None", alloc.CreateFlags(0).String())
	require.Equal(t, "CreateExternallySynchronized", alloc.CreateExternallySynchronized.String())
}

func TestSlabSuballocates(t *testing.T) {
	slab := newSlab(t, alloc.CreateOptions{PageSize: 4096})

	typ := reflect.TypeFor[pointerFree]()
	layout := memutils.LayoutOf(typ)

	first, err := slab.Allocate(layout, typ)
	require.NoError(t, err)
	second, err := slab.Allocate(layout, typ)
	require.NoError(t, err)

	require.Equal(t, 1, slab.PageCount())
	require.Equal(t, 2, slab.LiveCount())
	require.NotEqual(t, first, second)
	require.Zero(t, uintptr(first)%layout.Align)
	require.Zero(t, uintptr(second)%layout.Align)

	(*pointerFree)(first).a = 11
	(*pointerFree)(second).a = 22
	require.Equal(t, uint64(11), (*pointerFree)(first).a)

	stats := slab.Statistics()
	require.Equal(t, memutils.Statistics{
		PageCount:       1,
		AllocationCount: 2,
		PageBytes:       4096,
		AllocationBytes: 2 * int(layout.Size),
	}, stats)
	require.NoError(t, slab.Validate())
	require.NoError(t, slab.CheckCorruption())

	err = slab.Deallocate(first, memutils.Layout{Size: layout.Size * 2, Align: layout.Align})
	require.ErrorIs(t, err, alloc.ErrLayoutMismatch)

	require.NoError(t, slab.Deallocate(first, layout))
	require.NoError(t, slab.Deallocate(second, layout))
	require.Equal(t, 0, slab.LiveCount())

	var unknown uint64
	require.ErrorIs(t, slab.Deallocate(unsafe.Pointer(&unknown), layout), alloc.ErrUnknownAllocation)

	require.NoError(t, slab.Destroy())
	require.Equal(t, 0, slab.PageCount())
}

func TestSlabDedicatedAllocations(t *testing.T) {
	slab := newSlab(t, alloc.CreateOptions{PageSize: 1024, DedicatedThreshold: 64})

	pointers := reflect.TypeFor[pointerBearing]()
	large := reflect.TypeFor[[32]uint64]()

	withPointers, err := slab.Allocate(memutils.LayoutOf(pointers), pointers)
	require.NoError(t, err)
	big, err := slab.Allocate(memutils.LayoutOf(large), large)
	require.NoError(t, err)

	require.Equal(t, 0, slab.PageCount())
	require.Equal(t, 2, slab.LiveCount())

	stats := slab.DetailedStatistics()
	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, int(pointers.Size()+large.Size()), stats.AllocationBytes)
	require.Equal(t, int(pointers.Size()), stats.AllocationSizeMin)
	require.Equal(t, int(large.Size()), stats.AllocationSizeMax)

	require.Error(t, slab.Destroy())

	require.NoError(t, slab.Deallocate(withPointers, memutils.LayoutOf(pointers)))
	require.NoError(t, slab.Deallocate(big, memutils.LayoutOf(large)))
	require.NoError(t, slab.Destroy())
}

func TestSlabPageLimit(t *testing.T) {
	slab := newSlab(t, alloc.CreateOptions{
		Flags:              alloc.CreateExternallySynchronized,
		PageSize:           256,
		MaxPages:           1,
		DedicatedThreshold: 256,
	})

	typ := reflect.TypeFor[[24]uint64]()
	layout := memutils.LayoutOf(typ)

	first, err := slab.Allocate(layout, typ)
	require.NoError(t, err)

	_, err = slab.Allocate(layout, typ)
	require.ErrorIs(t, err, alloc.ErrOutOfPages)

	require.NoError(t, slab.Deallocate(first, layout))
	require.NoError(t, slab.FreeEmptyPages())
	require.Equal(t, 0, slab.PageCount())

	second, err := slab.Allocate(layout, typ)
	require.NoError(t, err)
	require.NoError(t, slab.Deallocate(second, layout))
	require.NoError(t, slab.Destroy())
}

func TestSlabStatsString(t *testing.T) {
	slab := newSlab(t, alloc.CreateOptions{PageSize: 4096})

	typ := reflect.TypeFor[pointerFree]()
	layout := memutils.LayoutOf(typ)

	ptr, err := slab.Allocate(layout, typ)
	require.NoError(t, err)

	var summary struct {
		Total struct {
			PageCount       int
			AllocationCount int
			AllocationBytes int
		}
		Dedicated struct {
			Count int
		}
		Pages map[string]struct {
			TotalBytes     int
			Allocations    int
			Suballocations []struct {
				Offset int
				Size   int
				Type   string
			}
		}
	}

	require.NoError(t, json.Unmarshal([]byte(slab.BuildStatsString(false)), &summary))
	require.Equal(t, 1, summary.Total.PageCount)
	require.Equal(t, 1, summary.Total.AllocationCount)
	require.Equal(t, int(layout.Size), summary.Total.AllocationBytes)
	require.Equal(t, 0, summary.Dedicated.Count)
	require.Empty(t, summary.Pages)

	require.NoError(t, json.Unmarshal([]byte(slab.BuildStatsString(true)), &summary))
	require.Len(t, summary.Pages, 1)
	page := summary.Pages["0"]
	require.Equal(t, 4096, page.TotalBytes)
	require.Equal(t, 1, page.Allocations)
	regionCount := 2
	if memutils.DebugMargin > 0 {
		regionCount++
	}
	require.Len(t, page.Suballocations, regionCount)

	var blocks, free int
	for _, region := range page.Suballocations {
		switch region.Type {
		case "Block":
			blocks++
			require.Equal(t, 0, region.Offset)
			require.Equal(t, int(layout.Size), region.Size)
		case "Free":
			free += region.Size
		}
	}
	require.Equal(t, 1, blocks)
	require.Equal(t, 4096-int(layout.Size), free)

	require.NoError(t, slab.Deallocate(ptr, layout))
	require.NoError(t, slab.Destroy())
}

func TestSlabDestroyLogsUnreleasedBlocks(t *testing.T) {
	var out bytes.Buffer
	logger := slog.New(slog.HandlerOptions{Level: slog.LevelDebug}.NewTextHandler(&out))

	slab, err := alloc.NewSlab(logger, alloc.CreateOptions{PageSize: 4096})
	require.NoError(t, err)

	typ := reflect.TypeFor[pointerFree]()
	layout := memutils.LayoutOf(typ)

	ptr, err := slab.Allocate(layout, typ)
	require.NoError(t, err)

	require.Error(t, slab.Destroy())
	require.Contains(t, out.String(), "unfreed slab block")
	require.Contains(t, out.String(), "tlsf region")
	require.Contains(t, out.String(), "page=0")
	require.Equal(t, 1, slab.PageCount())

	require.NoError(t, slab.Deallocate(ptr, layout))
	require.NoError(t, slab.Destroy())
}
