package metadata

import (
	"context"
	"fmt"
	"math"
	"math/bits"
	"sync"
	"unsafe"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/narrow/memutils"
	"golang.org/x/exp/slog"
)

const (
	SmallBufferSize        = 256
	SecondLevelIndex uint8 = 5
	MemoryClassShift       = 7
	MaxMemoryClasses       = 65 - MemoryClassShift
)

var regionPool = sync.Pool{
	New: func() any {
		return &tlsfRegion{}
	},
}

type tlsfRegion struct {
	offset       int
	size         int
	prevPhysical *tlsfRegion
	nextPhysical *tlsfRegion

	prevFree *tlsfRegion
	nextFree *tlsfRegion

	userData any
	handle   RegionHandle
}

func (r *tlsfRegion) MarkFree() {
	r.prevFree = nil
}

func (r *tlsfRegion) MarkTaken() {
	r.prevFree = r
}

func (r *tlsfRegion) IsFree() bool {
	return r.prevFree != r
}

// TLSFPageMetadata is a two-level segregated fit suballocator. Free regions are bucketed by size class
// so that finding a fitting region is O(1), and physically adjacent free regions are merged on free.
// The trailing free region of the page is the "null region" and is tracked outside the free lists.
type TLSFPageMetadata struct {
	PageMetadataBase

	allocCount        int
	regionsFreeCount  int
	regionsFreeSize   int
	isFreeBitmap      uint32
	memoryClasses     int
	innerIsFreeBitmap [MaxMemoryClasses]uint32

	nextHandle RegionHandle
	handleKey  *swiss.Map[RegionHandle, *tlsfRegion]
	freeList   []*tlsfRegion
	nullRegion *tlsfRegion
	tailRegion *tlsfRegion
}

var _ PageMetadata = &TLSFPageMetadata{}

func NewTLSFPageMetadata() *TLSFPageMetadata {
	return &TLSFPageMetadata{}
}

func (m *TLSFPageMetadata) allocateRegion() *tlsfRegion {
	r := regionPool.Get().(*tlsfRegion)
	r.offset = 0
	r.size = 0
	r.prevPhysical = nil
	r.nextPhysical = nil
	r.nextFree = nil
	r.prevFree = nil
	r.userData = nil
	m.nextHandle++
	r.handle = m.nextHandle
	m.handleKey.Put(r.handle, r)
	return r
}

func (m *TLSFPageMetadata) freeRegion(r *tlsfRegion) {
	m.handleKey.Delete(r.handle)
	r.userData = nil
	regionPool.Put(r)
}

func (m *TLSFPageMetadata) getRegion(handle RegionHandle) (*tlsfRegion, error) {
	region, ok := m.handleKey.Get(handle)
	if !ok {
		return nil, errors.New("received a handle that was incompatible with this metadata")
	}
	return region, nil
}

func (m *TLSFPageMetadata) Init(size int) {
	m.PageMetadataBase.Init(size)
	m.handleKey = swiss.NewMap[RegionHandle, *tlsfRegion](42)

	m.nullRegion = m.allocateRegion()
	m.nullRegion.size = size
	m.nullRegion.MarkFree()
	m.tailRegion = m.nullRegion
	memoryClass := m.sizeToMemoryClass(size)
	sli := m.sizeToSecondIndex(size, memoryClass)

	listSize := 1
	sliMask := int(uint(1) << SecondLevelIndex)
	if memoryClass != 0 {
		listSize = int(memoryClass-1)*sliMask + int(sli+1)
	}

	listSize += 4

	m.memoryClasses = int(memoryClass + 2)
	m.freeList = make([]*tlsfRegion, listSize)
}

func (m *TLSFPageMetadata) Validate() error {
	if m.SumFreeSize() > m.Size() {
		return errors.New("invalid metadata free size")
	}

	calculatedSize := m.nullRegion.size
	calculatedFreeSize := m.nullRegion.size
	var allocCount, freeCount, freeListCount int

	// Check integrity of free lists
	for listIndex := 0; listIndex < len(m.freeList); listIndex++ {
		region := m.freeList[listIndex]
		if region == nil {
			continue
		}

		if !region.IsFree() {
			return errors.Errorf("region at offset %d is in the free list but is not free", region.offset)
		}

		if region.prevFree != nil {
			return errors.Errorf("region at offset %d is the head of a free list but has a previous region", region.offset)
		}

		freeListCount++
		for region.nextFree != nil {
			if !region.nextFree.IsFree() {
				return errors.Errorf("region at offset %d is in the free list but it is not free", region.nextFree.offset)
			}
			if region.nextFree.prevFree != region {
				return errors.Errorf("region at offset %d lists the region at offset %d as its next region, but the reverse reference is broken", region.offset, region.nextFree.offset)
			}

			freeListCount++
			region = region.nextFree
		}
	}

	if m.nullRegion.nextPhysical != nil {
		return errors.New("null region must be the tail of its physical chain")
	}

	if m.nullRegion.prevPhysical != nil && m.nullRegion.prevPhysical.nextPhysical != m.nullRegion {
		return errors.New("null region has a physical region before it in its chain, but the reverse reference is broken")
	}

	nextOffset := m.nullRegion.offset

	for prev := m.nullRegion.prevPhysical; prev != nil; prev = prev.prevPhysical {
		if prev.offset+prev.size != nextOffset {
			return errors.Errorf("physical region at offset %d does not end at the next region's start offset", prev.offset)
		}

		nextOffset = prev.offset
		calculatedSize += prev.size

		if prev.IsFree() {
			freeCount++
			calculatedFreeSize += prev.size
		} else {
			allocCount++
		}

		if prev.prevPhysical != nil && prev.prevPhysical.nextPhysical != prev {
			return errors.Errorf("region at offset %d has a previous physical region, but the reverse reference is broken", prev.offset)
		}
	}

	if freeListCount != freeCount {
		return errors.Errorf("the number of free regions in the physical list and the number of regions in the free list do not match! free list size: %d, physical list free regions: %d", freeListCount, freeCount)
	}

	if nextOffset != 0 {
		return errors.Errorf("the first physical region should have an offset of 0, but instead it has an offset of %d", nextOffset)
	}

	if calculatedSize != m.Size() {
		return errors.Errorf("the full size of the metadata is %d, but the regions only added up to %d", m.Size(), calculatedSize)
	}

	if calculatedFreeSize != m.SumFreeSize() {
		return errors.Errorf("the free size of the metadata is %d, but the free regions only added up to %d", m.SumFreeSize(), calculatedFreeSize)
	}

	if allocCount != m.allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, but the taken regions only added up to %d", m.allocCount, allocCount)
	}

	if freeCount != m.regionsFreeCount {
		return errors.Errorf("the free region count of the metadata is %d, but there were only %d free regions", m.regionsFreeCount, freeCount)
	}

	return nil
}

func (m *TLSFPageMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.PageCount++
	stats.PageBytes += m.Size()
	if m.nullRegion.size > 0 {
		stats.AddUnusedRange(m.nullRegion.size)
	}

	for region := m.nullRegion.prevPhysical; region != nil; region = region.prevPhysical {
		if region.IsFree() {
			stats.AddUnusedRange(region.size)
		} else {
			stats.AddAllocation(region.size)
		}
	}
}

func (m *TLSFPageMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.PageCount++
	stats.AllocationCount += m.allocCount
	stats.PageBytes += m.Size()
	stats.AllocationBytes += m.Size() - m.SumFreeSize()
}

func (m *TLSFPageMetadata) getListIndexFromSize(size int) int {
	memoryClass := m.sizeToMemoryClass(size)
	secondIndex := m.sizeToSecondIndex(size, memoryClass)
	return m.getListIndex(memoryClass, secondIndex)
}

func (m *TLSFPageMetadata) getListIndex(memoryClass uint8, secondIndex uint16) int {
	if memoryClass == 0 {
		return int(secondIndex)
	}

	i := uint32(memoryClass-1)*uint32(uint(1)<<SecondLevelIndex) + uint32(secondIndex)

	return int(i) + 4
}

func (m *TLSFPageMetadata) AllocationCount() int {
	return m.allocCount
}

func (m *TLSFPageMetadata) FreeRegionsCount() int {
	if m.nullRegion.size > 0 {
		return m.regionsFreeCount + 1
	}

	return m.regionsFreeCount
}

func (m *TLSFPageMetadata) SumFreeSize() int {
	return m.regionsFreeSize + m.nullRegion.size
}

func (m *TLSFPageMetadata) IsEmpty() bool {
	return m.nullRegion.offset == 0
}

func (m *TLSFPageMetadata) sizeToMemoryClass(size int) uint8 {
	if size > SmallBufferSize {
		mostSignificantBit := uint8(63 - bits.LeadingZeros64(uint64(size)))
		return mostSignificantBit - MemoryClassShift
	}

	return 0
}

func (m *TLSFPageMetadata) sizeToSecondIndex(size int, memoryClass uint8) uint16 {
	if memoryClass != 0 {
		mask := uint(1) << SecondLevelIndex
		indexVal := uint(size) >> (memoryClass + MemoryClassShift - SecondLevelIndex)
		return uint16(indexVal ^ mask)
	}

	return uint16((size - 1) / 64)
}

func (m *TLSFPageMetadata) CreateAllocationRequest(
	allocSize int, allocAlignment uint,
	strategy AllocationStrategy,
) (bool, AllocationRequest, error) {
	var allocRequest AllocationRequest

	if allocSize < 1 {
		return false, allocRequest, errors.Errorf("invalid allocSize: %d", allocSize)
	}

	if err := memutils.CheckPow2(allocAlignment, "allocAlignment"); err != nil {
		return false, allocRequest, err
	}

	memutils.DebugValidate(m)

	allocSize += memutils.DebugMargin

	// Is the page big enough?
	if allocSize > m.SumFreeSize() {
		return false, allocRequest, nil
	}

	// Any free regions in the page?
	if m.regionsFreeCount == 0 {
		success := m.checkRegion(m.nullRegion, len(m.freeList), allocSize, allocAlignment, &allocRequest)
		return success, allocRequest, nil
	}

	// Round up to the next list
	sizeForNextList := allocSize

	smallSizeStep := SmallBufferSize / 4
	if allocSize > SmallBufferSize {
		mostSignificantBit := 63 - bits.LeadingZeros64(uint64(allocSize))
		sizeForNextList += int(uint(1) << (mostSignificantBit - int(SecondLevelIndex)))
	} else if allocSize > SmallBufferSize-smallSizeStep {
		sizeForNextList = SmallBufferSize + 1
	} else {
		sizeForNextList += smallSizeStep
	}

	nextListIndex := 0
	prevListIndex := 0
	doFullSearch := false
	var nextListRegion, prevListRegion *tlsfRegion

	if strategy&AllocationStrategyMinTime != 0 {
		// Check for larger region first
		nextListRegion, nextListIndex = m.findFreeRegion(sizeForNextList)

		if nextListRegion != nil {
			doFullSearch = true
			if m.checkRegion(nextListRegion, nextListIndex, allocSize, allocAlignment, &allocRequest) {
				return true, allocRequest, nil
			}
		}

		// If not fitted then null region
		if m.checkRegion(m.nullRegion, len(m.freeList), allocSize, allocAlignment, &allocRequest) {
			return true, allocRequest, nil
		}

		// Null region failed, search larger bucket
		for nextListRegion != nil {
			if m.checkRegion(nextListRegion, nextListIndex, allocSize, allocAlignment, &allocRequest) {
				return true, allocRequest, nil
			}

			nextListRegion = nextListRegion.nextFree
		}

		// Failed again, check best fit bucket
		prevListRegion, prevListIndex = m.findFreeRegion(allocSize)

		for prevListRegion != nil {
			if m.checkRegion(prevListRegion, prevListIndex, allocSize, allocAlignment, &allocRequest) {
				return true, allocRequest, nil
			}

			prevListRegion = prevListRegion.nextFree
		}
	} else if strategy&AllocationStrategyMinMemory != 0 {
		// Check best fit bucket
		prevListRegion, prevListIndex = m.findFreeRegion(allocSize)

		for prevListRegion != nil {
			if m.checkRegion(prevListRegion, prevListIndex, allocSize, allocAlignment, &allocRequest) {
				return true, allocRequest, nil
			}

			prevListRegion = prevListRegion.nextFree
		}

		// If failed check null region
		if m.checkRegion(m.nullRegion, len(m.freeList), allocSize, allocAlignment, &allocRequest) {
			return true, allocRequest, nil
		}

		// Check larger bucket
		nextListRegion, nextListIndex = m.findFreeRegion(sizeForNextList)

		for nextListRegion != nil {
			doFullSearch = true
			if m.checkRegion(nextListRegion, nextListIndex, allocSize, allocAlignment, &allocRequest) {
				return true, allocRequest, nil
			}

			nextListRegion = nextListRegion.nextFree
		}
	} else if strategy&AllocationStrategyMinOffset != 0 {
		// Walk forward from the physical tail so the lowest offset wins
		if m.minOffsetCheckRegions(allocSize, allocAlignment, &allocRequest) {
			return true, allocRequest, nil
		}

		if m.checkRegion(m.nullRegion, len(m.freeList), allocSize, allocAlignment, &allocRequest) {
			return true, allocRequest, nil
		}

		// Whole range searched, no more memory
		return false, allocRequest, nil
	} else {
		// Check larger bucket
		nextListRegion, nextListIndex = m.findFreeRegion(sizeForNextList)

		for nextListRegion != nil {
			doFullSearch = true
			if m.checkRegion(nextListRegion, nextListIndex, allocSize, allocAlignment, &allocRequest) {
				return true, allocRequest, nil
			}

			nextListRegion = nextListRegion.nextFree
		}

		// If failed, check null region
		if m.checkRegion(m.nullRegion, len(m.freeList), allocSize, allocAlignment, &allocRequest) {
			return true, allocRequest, nil
		}

		// Check best fit bucket
		prevListRegion, prevListIndex = m.findFreeRegion(allocSize)

		for prevListRegion != nil {
			if m.checkRegion(prevListRegion, prevListIndex, allocSize, allocAlignment, &allocRequest) {
				return true, allocRequest, nil
			}

			prevListRegion = prevListRegion.nextFree
		}
	}

	if !doFullSearch {
		return false, allocRequest, nil
	}

	// Worst case, full search has to be done
	for nextListIndex++; nextListIndex < len(m.freeList); nextListIndex++ {
		nextListRegion = m.freeList[nextListIndex]
		for nextListRegion != nil {
			if m.checkRegion(nextListRegion, nextListIndex, allocSize, allocAlignment, &allocRequest) {
				return true, allocRequest, nil
			}

			nextListRegion = nextListRegion.nextFree
		}
	}

	// No more memory to check
	return false, allocRequest, nil
}

func (m *TLSFPageMetadata) minOffsetCheckRegions(
	allocSize int,
	allocAlignment uint,
	allocRequest *AllocationRequest,
) bool {
	for region := m.tailRegion; region != nil; region = region.nextPhysical {
		if region.IsFree() && region.size >= allocSize && region != m.nullRegion {
			if m.checkRegion(region, m.getListIndexFromSize(region.size), allocSize, allocAlignment, allocRequest) {
				return true
			}
		}
	}

	return false
}

func (m *TLSFPageMetadata) checkRegion(
	region *tlsfRegion,
	listIndex int,
	allocSize int,
	allocAlignment uint,
	allocRequest *AllocationRequest,
) bool {
	if !region.IsFree() {
		panic(fmt.Sprintf("region at offset %d is already taken", region.offset))
	}

	alignedOffset := memutils.AlignUp(region.offset, allocAlignment)

	if region.size < allocSize+alignedOffset-region.offset {
		return false
	}

	// Alloc will work
	allocRequest.Type = AllocationRequestTLSF
	allocRequest.RegionHandle = region.handle
	allocRequest.Size = allocSize - memutils.DebugMargin
	allocRequest.AlgorithmData = uint64(alignedOffset)

	// Place region at the start of list if it's a normal region
	if listIndex != len(m.freeList) && region.prevFree != nil {
		region.prevFree.nextFree = region.nextFree
		if region.nextFree != nil {
			region.nextFree.prevFree = region.prevFree
		}

		region.prevFree = nil
		region.nextFree = m.freeList[listIndex]
		m.freeList[listIndex] = region
		if region.nextFree != nil {
			region.nextFree.prevFree = region
		}
	}

	return true
}

func (m *TLSFPageMetadata) findFreeRegion(size int) (*tlsfRegion, int) {
	memoryClass := m.sizeToMemoryClass(size)
	innerFreeMap := m.innerIsFreeBitmap[memoryClass] & (math.MaxUint32 << m.sizeToSecondIndex(size, memoryClass))

	if innerFreeMap == 0 {
		// Check higher levels for available regions
		freeMap := m.isFreeBitmap & (math.MaxUint32 << (memoryClass + 1))
		if freeMap == 0 {
			return nil, 0
		}

		// Find lowest free class
		memoryClass = uint8(bits.TrailingZeros32(freeMap))
		innerFreeMap = m.innerIsFreeBitmap[memoryClass]
		if innerFreeMap == 0 {
			panic("free bitmap is in an invalid state")
		}
	}

	// Find lowest free subclass
	listIndex := m.getListIndex(memoryClass, uint16(bits.TrailingZeros32(innerFreeMap)))
	if m.freeList[listIndex] == nil {
		panic(fmt.Sprintf("free list index %d was listed as having free regions, but no regions were in the free list", listIndex))
	}

	return m.freeList[listIndex], listIndex
}

func (m *TLSFPageMetadata) PageJsonData(json *jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	m.writeJsonHeader(json, stats.PageBytes-stats.AllocationBytes, stats.AllocationCount, stats.UnusedRangeCount)
}

func (m *TLSFPageMetadata) CheckCorruption(pageData unsafe.Pointer) error {
	for region := m.nullRegion.prevPhysical; region != nil; region = region.prevPhysical {
		if !region.IsFree() {
			if !memutils.ValidateMagicValue(pageData, region.offset+region.size) {
				return errors.New("memory corruption detected after validated allocation")
			}
		}
	}

	return nil
}

func (m *TLSFPageMetadata) Alloc(req AllocationRequest, userData any) error {
	if req.Type != AllocationRequestTLSF {
		return errors.New("allocation request was received by an incompatible metadata")
	}

	// Get region and pop it from the free list
	currentRegion, err := m.getRegion(req.RegionHandle)
	if err != nil {
		return err
	}

	offset := int(req.AlgorithmData)
	if currentRegion.offset > offset {
		return errors.New("allocation request had a region handle that was incompatible with the requested offset")
	}
	if !currentRegion.IsFree() {
		return errors.New("allocation request targets a region that is no longer free")
	}

	if currentRegion != m.nullRegion {
		m.removeFreeRegion(currentRegion)
	}

	missingAlignment := offset - currentRegion.offset

	// Append missing alignment to the previous region or create a new one
	if missingAlignment != 0 {
		prevRegion := currentRegion.prevPhysical

		if prevRegion == nil {
			return errors.New("somehow had missing alignment at offset 0")
		}

		if prevRegion.IsFree() && prevRegion.size != memutils.DebugMargin {
			oldListIndex := m.getListIndexFromSize(prevRegion.size)
			prevRegion.size += missingAlignment

			// If the new region size moves the region to another list
			if oldListIndex != m.getListIndexFromSize(prevRegion.size) {
				prevRegion.size -= missingAlignment
				m.removeFreeRegion(prevRegion)

				prevRegion.size += missingAlignment
				m.insertFreeRegion(prevRegion)
			} else {
				m.regionsFreeSize += missingAlignment
			}
		} else {
			newRegion := m.allocateRegion()
			currentRegion.prevPhysical = newRegion
			prevRegion.nextPhysical = newRegion
			newRegion.prevPhysical = prevRegion
			newRegion.nextPhysical = currentRegion
			newRegion.size = missingAlignment
			newRegion.offset = currentRegion.offset
			newRegion.MarkTaken()

			m.insertFreeRegion(newRegion)
		}

		currentRegion.size -= missingAlignment
		currentRegion.offset += missingAlignment
	}

	size := req.Size + memutils.DebugMargin
	if currentRegion.size == size {
		if currentRegion == m.nullRegion {
			// Set up a new, empty null region
			m.nullRegion = m.allocateRegion()
			m.nullRegion.size = 0
			m.nullRegion.offset = currentRegion.offset + size
			m.nullRegion.prevPhysical = currentRegion
			m.nullRegion.nextPhysical = nil
			m.nullRegion.MarkFree()
			m.nullRegion.nextFree = nil
			currentRegion.nextPhysical = m.nullRegion
			currentRegion.MarkTaken()
		}
	} else if currentRegion.size < size {
		return errors.New("allocation request had a region too small for the request")
	} else {
		// Create a new free region from the remainder
		newRegion := m.allocateRegion()
		newRegion.size = currentRegion.size - size
		newRegion.offset = currentRegion.offset + size
		newRegion.prevPhysical = currentRegion
		newRegion.nextPhysical = currentRegion.nextPhysical
		currentRegion.nextPhysical = newRegion
		currentRegion.size = size

		if currentRegion == m.nullRegion {
			m.nullRegion = newRegion
			m.nullRegion.MarkFree()
			m.nullRegion.nextFree = nil
			currentRegion.MarkTaken()
		} else {
			newRegion.nextPhysical.prevPhysical = newRegion
			newRegion.MarkTaken()
			m.insertFreeRegion(newRegion)
		}
	}

	currentRegion.userData = userData

	if memutils.DebugMargin > 0 {
		currentRegion.size -= memutils.DebugMargin
		newRegion := m.allocateRegion()
		newRegion.size = memutils.DebugMargin
		newRegion.offset = currentRegion.offset + currentRegion.size
		newRegion.prevPhysical = currentRegion
		newRegion.nextPhysical = currentRegion.nextPhysical
		newRegion.MarkTaken()
		currentRegion.nextPhysical.prevPhysical = newRegion
		currentRegion.nextPhysical = newRegion
		m.insertFreeRegion(newRegion)
	}

	m.allocCount++

	return nil
}

func (m *TLSFPageMetadata) Free(allocHandle RegionHandle) error {
	region, err := m.getRegion(allocHandle)
	if err != nil {
		return err
	}
	if region.IsFree() {
		return errors.New("region is already free")
	}

	next := region.nextPhysical
	m.allocCount--
	region.userData = nil

	if memutils.DebugMargin > 0 {
		m.removeFreeRegion(next)

		m.mergeRegion(next, region)

		region = next
		next = next.nextPhysical
	}

	// Try merging
	prev := region.prevPhysical
	if prev != nil && prev.IsFree() && prev.size != memutils.DebugMargin {
		m.removeFreeRegion(prev)
		m.mergeRegion(region, prev)
	}

	if !next.IsFree() {
		m.insertFreeRegion(region)
	} else if next == m.nullRegion {
		m.mergeRegion(m.nullRegion, region)
	} else {
		m.removeFreeRegion(next)
		m.mergeRegion(next, region)

		m.insertFreeRegion(next)
	}

	return nil
}

func (m *TLSFPageMetadata) removeFreeRegion(region *tlsfRegion) {
	if region == m.nullRegion {
		panic("cannot remove the null region")
	}
	if !region.IsFree() {
		panic("provided region is not free")
	}

	// Remove from free list chain
	if region.nextFree != nil {
		region.nextFree.prevFree = region.prevFree
	}
	if region.prevFree != nil {
		region.prevFree.nextFree = region.nextFree
	} else {
		memClass := m.sizeToMemoryClass(region.size)
		secondIndex := m.sizeToSecondIndex(region.size, memClass)
		index := m.getListIndex(memClass, secondIndex)

		if m.freeList[index] != region {
			panic("region was not in the free list at the expected location")
		}
		m.freeList[index] = region.nextFree
		if region.nextFree == nil {
			m.innerIsFreeBitmap[memClass] &= ^(uint32(1) << secondIndex)
			if m.innerIsFreeBitmap[memClass] == 0 {
				m.isFreeBitmap &= ^(uint32(1) << memClass)
			}
		}
	}

	// Set up region for use
	region.MarkTaken()
	region.userData = nil
	m.regionsFreeCount--
	m.regionsFreeSize -= region.size
}

func (m *TLSFPageMetadata) insertFreeRegion(region *tlsfRegion) {
	if region == m.nullRegion {
		panic("cannot insert the null region")
	}

	if region.IsFree() {
		panic("region is already free")
	}

	memClass := m.sizeToMemoryClass(region.size)
	secondIndex := m.sizeToSecondIndex(region.size, memClass)
	index := m.getListIndex(memClass, secondIndex)

	if index >= len(m.freeList) {
		panic("invalid free list index found for region")
	}

	region.prevFree = nil
	region.nextFree = m.freeList[index]
	m.freeList[index] = region
	if region.nextFree != nil {
		region.nextFree.prevFree = region
	} else {
		m.innerIsFreeBitmap[memClass] |= uint32(1) << secondIndex
		m.isFreeBitmap |= uint32(1) << memClass
	}
	m.regionsFreeCount++
	m.regionsFreeSize += region.size
}

func (m *TLSFPageMetadata) mergeRegion(region *tlsfRegion, prev *tlsfRegion) {
	if region.prevPhysical != prev {
		panic("cannot merge separate physical regions")
	}
	if prev.IsFree() {
		panic("cannot merge a region that belongs to the free list")
	}

	region.offset = prev.offset
	region.size += prev.size
	region.prevPhysical = prev.prevPhysical
	if region.prevPhysical != nil {
		region.prevPhysical.nextPhysical = region
	} else {
		m.tailRegion = region
	}

	m.freeRegion(prev)
}

func (m *TLSFPageMetadata) VisitAllRegions(handleRegion func(handle RegionHandle, offset int, size int, userData any, free bool) error) error {
	for region := m.nullRegion; region != nil; region = region.prevPhysical {
		err := handleRegion(region.handle, region.offset, region.size, region.userData, region.IsFree())
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *TLSFPageMetadata) Clear() {
	m.allocCount = 0
	m.regionsFreeCount = 0
	m.regionsFreeSize = 0
	m.isFreeBitmap = 0
	m.nullRegion.offset = 0
	m.nullRegion.size = m.Size()
	region := m.nullRegion.prevPhysical
	m.nullRegion.prevPhysical = nil
	m.tailRegion = m.nullRegion

	for region != nil {
		prev := region.prevPhysical
		m.freeRegion(region)
		region = prev
	}

	m.freeList = make([]*tlsfRegion, len(m.freeList))
	m.innerIsFreeBitmap = [MaxMemoryClasses]uint32{}
}

// DebugLogAllAllocations calls logFunc for every live allocation in the page
func (m *TLSFPageMetadata) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int, userData any)) {
	for region := m.nullRegion.prevPhysical; region != nil; region = region.prevPhysical {
		if !region.IsFree() {
			logFunc(logger, region.offset, region.size, region.userData)
		}
	}
}

// LogRegions writes one debug record per region of the page
func (m *TLSFPageMetadata) LogRegions(logger *slog.Logger) {
	_ = m.VisitAllRegions(func(handle RegionHandle, offset int, size int, userData any, free bool) error {
		logger.LogAttrs(context.Background(), slog.LevelDebug, "tlsf region",
			slog.Uint64("handle", uint64(handle)),
			slog.Int("offset", offset),
			slog.Int("size", size),
			slog.Bool("free", free),
		)
		return nil
	})
}

func (m *TLSFPageMetadata) AllocationOffset(allocHandle RegionHandle) (int, error) {
	region, err := m.getRegion(allocHandle)
	if err != nil {
		return 0, err
	}

	return region.offset, nil
}

func (m *TLSFPageMetadata) AllocationUserData(allocHandle RegionHandle) (any, error) {
	region, err := m.getRegion(allocHandle)
	if err != nil {
		return nil, err
	}

	if region.IsFree() {
		return nil, errors.New("user data cannot be retrieved for a free region")
	}

	return region.userData, nil
}

func (m *TLSFPageMetadata) SetAllocationUserData(allocHandle RegionHandle, userData any) error {
	region, err := m.getRegion(allocHandle)
	if err != nil {
		return err
	}

	if region.IsFree() {
		return errors.New("user data cannot be set for a free region")
	}

	region.userData = userData
	return nil
}
