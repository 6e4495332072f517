package metadata

import (
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/narrow/memutils"
)

// PageMetadata tracks the regions of a single contiguous page of memory. It manages suballocations
// within the page, allowing regions to be requested and freed, as well as enumerated and queried.
// It never touches the page's memory itself, except in CheckCorruption.
type PageMetadata interface {
	// Init must be called before the PageMetadata is used. It sizes the managed page in bytes.
	Init(size int)
	// Size retrieves the size in bytes that the page was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. These checks may be expensive.
	// When the implementation is functioning correctly, it should not be possible for this method
	// to return an error.
	Validate() error
	// AllocationCount returns the number of suballocations currently live in the page
	AllocationCount() int
	// FreeRegionsCount returns the number of distinct free regions in the page
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes in the page
	SumFreeSize() int
	// IsEmpty will return true if this page has no live suballocations
	IsEmpty() bool

	// VisitAllRegions calls the provided callback once for each allocation and free region in the
	// page. This can be slow and should be used for diagnostics.
	VisitAllRegions(handleRegion func(handle RegionHandle, offset int, size int, userData any, free bool) error) error

	// AllocationOffset returns the offset in bytes of the region mapped to the provided handle
	AllocationOffset(allocHandle RegionHandle) (int, error)
	// AllocationUserData returns the userData value provided for the live allocation mapped to
	// the provided handle
	AllocationUserData(allocHandle RegionHandle) (any, error)
	// SetAllocationUserData replaces the userData value of the live allocation mapped to the
	// provided handle
	SetAllocationUserData(allocHandle RegionHandle, userData any) error

	// AddDetailedStatistics sums this page's statistics into the provided DetailedStatistics
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this page's statistics into the provided Statistics
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all allocations
	Clear()
	// PageJsonData populates a json object with summary information about this page
	PageJsonData(json *jwriter.ObjectState)

	// CheckCorruption accepts a pointer to the memory this page manages and verifies that the
	// markers written by memutils.WriteMagicValue after each allocation are intact. Markers are only
	// written when built with the debug_mem_utils tag.
	CheckCorruption(pageData unsafe.Pointer) error

	// CreateAllocationRequest finds where the implementation would place an allocation of the
	// provided size and alignment. The first return value is false when the page cannot fit it.
	// The request can be passed to Alloc to commit it.
	CreateAllocationRequest(allocSize int, allocAlignment uint, strategy AllocationStrategy) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest. It returns an error if the request is no longer valid.
	Alloc(request AllocationRequest, userData any) error

	// Free returns a suballocation to the page's free regions
	Free(allocHandle RegionHandle) error
}

// PageMetadataBase provides the few pieces of state shared by PageMetadata implementations
type PageMetadataBase struct {
	size int
}

// Init sizes the page in bytes
func (m *PageMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the page in bytes
func (m *PageMetadataBase) Size() int { return m.size }

func (m *PageMetadataBase) writeJsonHeader(json *jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
