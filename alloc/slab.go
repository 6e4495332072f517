package alloc

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/narrow/internal/utils"
	"github.com/vkngwrapper/narrow/memutils"
	"github.com/vkngwrapper/narrow/memutils/metadata"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific slab behaviors to activate or deactivate
type CreateFlags int32

const (
	// CreateExternallySynchronized ensures that the slab will not be synchronized internally. The
	// consumer must guarantee it is used from only one goroutine at a time.
	CreateExternallySynchronized CreateFlags = 1 << iota
)

var createFlagsMapping = map[CreateFlags]string{
	CreateExternallySynchronized: "CreateExternallySynchronized",
}

func (f CreateFlags) String() string {
	var names []string
	for flag, name := range createFlagsMapping {
		if f&flag != 0 {
			names = append(names, name)
		}
	}

	if len(names) == 0 {
		return "None"
	}

	return strings.Join(names, "|")
}

const (
	// defaultPageSize is the value used as the PageSize when none is provided via CreateOptions.
	// It is equal to 64Kb.
	defaultPageSize int = 64 * 1024
	// defaultDedicatedDivisor sets DedicatedThreshold to a fraction of the page size when none is provided
	defaultDedicatedDivisor int = 8
)

// CreateOptions contains optional settings when creating a Slab. It is valid to leave all fields blank.
type CreateOptions struct {
	// Flags indicates specific slab behaviors to activate or deactivate
	Flags CreateFlags
	// PageSize is the size in bytes of each page the slab maps. It must be a power of two.
	PageSize int
	// MaxPages is the maximum number of pages the slab will map at once, or 0 for no limit
	MaxPages int
	// DedicatedThreshold is the largest layout, in bytes, that will be suballocated from a page.
	// Larger layouts receive their own heap allocation.
	DedicatedThreshold int
	// Strategy chooses where new suballocations are placed within a page
	Strategy metadata.AllocationStrategy
}

type slabPage struct {
	id       int
	memory   []byte
	metadata *metadata.TLSFPageMetadata
}

func (p *slabPage) base() unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(p.memory))
}

type slabAllocation struct {
	page   *slabPage
	region metadata.RegionHandle
	layout memutils.Layout
}

// Slab is an Allocator that suballocates pointer-free blocks from large pages mapped outside the Go
// heap, using a TLSF metadata per page. Blocks that contain pointers, or that are larger than the
// dedicated threshold, are allocated individually from the Go heap so that the collector can see
// them.
type Slab struct {
	logger *slog.Logger
	mutex  utils.OptionalMutex

	pageSize           int
	maxPages           int
	dedicatedThreshold int
	strategy           metadata.AllocationStrategy

	pages      []*slabPage
	nextPageID int
	live       *swiss.Map[uintptr, slabAllocation]

	dedicated      Heap
	dedicatedLive  *swiss.Map[uintptr, memutils.Layout]
	dedicatedBytes int
}

var _ Allocator = &Slab{}

// NewSlab creates a new Slab. No pages are mapped until the first allocation.
func NewSlab(logger *slog.Logger, options CreateOptions) (*Slab, error) {
	if logger == nil {
		logger = slog.Default()
	}

	slab := &Slab{
		logger: logger,
		mutex: utils.OptionalMutex{
			UseMutex: options.Flags&CreateExternallySynchronized == 0,
		},
		maxPages:      options.MaxPages,
		strategy:      options.Strategy,
		live:          swiss.NewMap[uintptr, slabAllocation](64),
		dedicatedLive: swiss.NewMap[uintptr, memutils.Layout](8),
	}

	slab.pageSize = options.PageSize
	if slab.pageSize == 0 {
		slab.pageSize = defaultPageSize
	}

	err := memutils.CheckPow2(slab.pageSize, "CreateOptions.PageSize")
	if err != nil {
		return nil, err
	}

	if options.MaxPages < 0 {
		return nil, errors.Errorf("CreateOptions.MaxPages must not be negative, but was %d", options.MaxPages)
	}

	slab.dedicatedThreshold = options.DedicatedThreshold
	if slab.dedicatedThreshold == 0 {
		slab.dedicatedThreshold = slab.pageSize / defaultDedicatedDivisor
	} else if slab.dedicatedThreshold > slab.pageSize {
		return nil, errors.Errorf("CreateOptions.DedicatedThreshold %d is larger than the page size %d", slab.dedicatedThreshold, slab.pageSize)
	}

	return slab, nil
}

// PageCount returns the number of pages currently mapped
func (s *Slab) PageCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return len(s.pages)
}

// LiveCount returns the number of blocks allocated and not yet deallocated
func (s *Slab) LiveCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.live.Count() + s.dedicatedLive.Count()
}

func (s *Slab) Allocate(layout memutils.Layout, typ reflect.Type) (unsafe.Pointer, error) {
	memutils.DebugValidateLayout(layout)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if int(layout.Size) > s.dedicatedThreshold || typ == nil || HasPointers(typ) {
		return s.allocateDedicated(layout, typ)
	}

	size := int(layout.Size)
	if size == 0 {
		size = 1
	}

	for _, page := range s.pages {
		ptr, ok, err := s.allocateFromPage(page, size, layout)
		if err != nil {
			return nil, err
		}
		if ok {
			return ptr, nil
		}
	}

	page, err := s.createPage()
	if err != nil {
		return nil, err
	}

	ptr, ok, err := s.allocateFromPage(page, size, layout)
	if err != nil {
		return nil, err
	}
	if !ok {
		panic(fmt.Sprintf("a fresh page of %d bytes could not fit an allocation of %d bytes", s.pageSize, size))
	}

	return ptr, nil
}

func (s *Slab) allocateDedicated(layout memutils.Layout, typ reflect.Type) (unsafe.Pointer, error) {
	ptr, err := s.dedicated.Allocate(layout, typ)
	if err != nil {
		return nil, err
	}

	s.dedicatedLive.Put(uintptr(ptr), layout)
	s.dedicatedBytes += int(layout.Size)

	return ptr, nil
}

func (s *Slab) allocateFromPage(page *slabPage, size int, layout memutils.Layout) (unsafe.Pointer, bool, error) {
	success, req, err := page.metadata.CreateAllocationRequest(size, uint(layout.Align), s.strategy)
	if err != nil || !success {
		return nil, false, err
	}

	err = page.metadata.Alloc(req, layout)
	if err != nil {
		return nil, false, err
	}

	offset := int(req.AlgorithmData)
	clear(page.memory[offset : offset+size])
	memutils.WriteMagicValue(page.base(), offset+size)

	ptr := unsafe.Add(page.base(), offset)
	s.live.Put(uintptr(ptr), slabAllocation{
		page:   page,
		region: req.RegionHandle,
		layout: layout,
	})

	return ptr, true, nil
}

func (s *Slab) createPage() (*slabPage, error) {
	if s.maxPages > 0 && len(s.pages) >= s.maxPages {
		return nil, cerrors.Wrapf(ErrOutOfPages, "%d pages of %d bytes", len(s.pages), s.pageSize)
	}

	memory, err := mapPage(s.pageSize)
	if err != nil {
		return nil, err
	}

	page := &slabPage{
		id:       s.nextPageID,
		memory:   memory,
		metadata: metadata.NewTLSFPageMetadata(),
	}
	page.metadata.Init(s.pageSize)
	s.nextPageID++
	s.pages = append(s.pages, page)

	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "mapped slab page",
		slog.Int("id", page.id),
		slog.Int("size", s.pageSize),
		slog.Int("pageCount", len(s.pages)),
	)

	return page, nil
}

func (s *Slab) Deallocate(ptr unsafe.Pointer, layout memutils.Layout) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	address := uintptr(ptr)
	allocation, ok := s.live.Get(address)
	if !ok {
		return s.deallocateDedicated(ptr, layout)
	}

	if allocation.layout != layout {
		return cerrors.Wrapf(ErrLayoutMismatch, "allocated with %+v, deallocated with %+v", allocation.layout, layout)
	}

	page := allocation.page
	offset, err := page.metadata.AllocationOffset(allocation.region)
	if err != nil {
		return err
	}

	size := int(layout.Size)
	if size == 0 {
		size = 1
	}

	if !memutils.ValidateMagicValue(page.base(), offset+size) {
		panic("MEMORY CORRUPTION DETECTED AFTER FREED ALLOCATION")
	}

	err = page.metadata.Free(allocation.region)
	if err != nil {
		return err
	}
	s.live.Delete(address)

	if page.metadata.IsEmpty() && len(s.pages) > 1 {
		return s.releasePage(page)
	}

	return nil
}

func (s *Slab) deallocateDedicated(ptr unsafe.Pointer, layout memutils.Layout) error {
	address := uintptr(ptr)
	allocated, ok := s.dedicatedLive.Get(address)
	if !ok {
		return cerrors.Wrapf(ErrUnknownAllocation, "address %#x", address)
	}

	if allocated != layout {
		return cerrors.Wrapf(ErrLayoutMismatch, "allocated with %+v, deallocated with %+v", allocated, layout)
	}

	err := s.dedicated.Deallocate(ptr, layout)
	if err != nil {
		return err
	}

	s.dedicatedLive.Delete(address)
	s.dedicatedBytes -= int(layout.Size)
	return nil
}

func (s *Slab) releasePage(page *slabPage) error {
	for i, candidate := range s.pages {
		if candidate != page {
			continue
		}

		s.pages = append(s.pages[:i], s.pages[i+1:]...)

		err := unmapPage(page.memory)
		if err != nil {
			return cerrors.Wrapf(err, "failed to release slab page %d", page.id)
		}

		s.logger.LogAttrs(context.Background(), slog.LevelDebug, "released slab page",
			slog.Int("id", page.id),
			slog.Int("pageCount", len(s.pages)),
		)
		page.memory = nil
		return nil
	}

	panic(fmt.Sprintf("attempted to release slab page %d, which is not owned by this slab", page.id))
}

// FreeEmptyPages releases every page that holds no live allocations
func (s *Slab) FreeEmptyPages() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var empty []*slabPage
	for _, page := range s.pages {
		if page.metadata.IsEmpty() {
			empty = append(empty, page)
		}
	}

	for _, page := range empty {
		err := s.releasePage(page)
		if err != nil {
			return err
		}
	}

	return nil
}

// Statistics returns running totals across all pages and dedicated allocations
func (s *Slab) Statistics() memutils.Statistics {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var stats memutils.Statistics
	for _, page := range s.pages {
		page.metadata.AddStatistics(&stats)
	}

	stats.PageCount += s.dedicatedLive.Count()
	stats.PageBytes += s.dedicatedBytes
	stats.AllocationCount += s.dedicatedLive.Count()
	stats.AllocationBytes += s.dedicatedBytes

	return stats
}

// DetailedStatistics returns totals along with allocation and free range size distributions
func (s *Slab) DetailedStatistics() memutils.DetailedStatistics {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var stats memutils.DetailedStatistics
	stats.Clear()
	for _, page := range s.pages {
		page.metadata.AddDetailedStatistics(&stats)
	}

	s.dedicatedLive.Iter(func(address uintptr, layout memutils.Layout) bool {
		stats.PageCount++
		stats.PageBytes += int(layout.Size)
		stats.AddAllocation(int(layout.Size))
		return false
	})

	return stats
}

// Validate runs consistency checks over every page. It should not be possible for it to fail.
func (s *Slab) Validate() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	allocationCount := 0
	for _, page := range s.pages {
		if len(page.memory) != s.pageSize {
			return errors.Errorf("slab page %d has %d bytes of memory, expected %d", page.id, len(page.memory), s.pageSize)
		}

		err := page.metadata.Validate()
		if err != nil {
			return cerrors.Wrapf(err, "slab page %d", page.id)
		}

		allocationCount += page.metadata.AllocationCount()
	}

	if allocationCount != s.live.Count() {
		return errors.Errorf("slab pages hold %d allocations, but %d addresses are live", allocationCount, s.live.Count())
	}

	return nil
}

// CheckCorruption verifies the debug markers after every live allocation. Markers are only written
// when built with the debug_mem_utils tag.
func (s *Slab) CheckCorruption() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, page := range s.pages {
		err := page.metadata.CheckCorruption(page.base())
		if err != nil {
			return cerrors.Wrapf(err, "slab page %d", page.id)
		}
	}

	return nil
}

// BuildStatsString returns a json document describing the slab. When detailedMap is true, every
// region of every page is listed.
func (s *Slab) BuildStatsString(detailedMap bool) string {
	stats := s.DetailedStatistics()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	writer := jwriter.NewWriter()
	obj := writer.Object()

	total := obj.Name("Total").Object()
	writeDetailedStatistics(&total, &stats)
	total.End()

	dedicated := obj.Name("Dedicated").Object()
	dedicated.Name("Count").Int(s.dedicatedLive.Count())
	dedicated.Name("Bytes").Int(s.dedicatedBytes)
	dedicated.End()

	if detailedMap {
		pages := obj.Name("Pages").Object()
		for _, page := range s.pages {
			pageObj := pages.Name(strconv.Itoa(page.id)).Object()
			page.metadata.PageJsonData(&pageObj)
			s.writeRegions(page, &pageObj)
			pageObj.End()
		}
		pages.End()
	}

	obj.End()
	return string(writer.Bytes())
}

func writeDetailedStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("PageCount").Int(stats.PageCount)
	json.Name("PageBytes").Int(stats.PageBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)

	if stats.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}

	if stats.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}

func (s *Slab) writeRegions(page *slabPage, json *jwriter.ObjectState) {
	regions := json.Name("Suballocations").Array()
	defer regions.End()

	_ = page.metadata.VisitAllRegions(func(handle metadata.RegionHandle, offset int, size int, userData any, free bool) error {
		obj := regions.Object()
		defer obj.End()

		obj.Name("Offset").Int(offset)
		obj.Name("Size").Int(size)
		if free {
			obj.Name("Type").String("Free")
			return nil
		}

		obj.Name("Type").String("Block")
		if layout, ok := userData.(memutils.Layout); ok {
			obj.Name("Align").Int(int(layout.Align))
		}
		return nil
	})
}

// Destroy releases every page. It fails, logging each block that is still live, if any allocation
// has not been deallocated.
func (s *Slab) Destroy() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.live.Count() > 0 || s.dedicatedLive.Count() > 0 {
		for _, page := range s.pages {
			page.metadata.DebugLogAllAllocations(s.logger, func(log *slog.Logger, offset int, size int, userData any) {
				log.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed slab block",
					slog.Int("page", page.id),
					slog.Int("offset", offset),
					slog.Int("size", size),
				)
			})
			page.metadata.LogRegions(s.logger.With(slog.Int("page", page.id)))
		}

		s.dedicatedLive.Iter(func(address uintptr, layout memutils.Layout) bool {
			s.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed dedicated block",
				slog.Uint64("address", uint64(address)),
				slog.Int("size", int(layout.Size)),
			)
			return false
		})

		return errors.New("some allocations were not freed before the destruction of this slab!")
	}

	for len(s.pages) > 0 {
		err := s.releasePage(s.pages[len(s.pages)-1])
		if err != nil {
			return err
		}
	}

	return nil
}
