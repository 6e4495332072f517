package metadata

// AllocationRequestType identifies the PageMetadata implementation that produced an AllocationRequest
type AllocationRequestType uint32

const (
	// AllocationRequestTLSF indicates that the allocation request was sourced from TLSFPageMetadata
	AllocationRequestTLSF AllocationRequestType = iota
)

var allocationRequestMapping = map[AllocationRequestType]string{
	AllocationRequestTLSF: "TLSF",
}

func (t AllocationRequestType) String() string {
	return allocationRequestMapping[t]
}

// AllocationRequest is returned from PageMetadata.CreateAllocationRequest and indicates where the
// metadata intends to place a new allocation. It is committed with PageMetadata.Alloc.
type AllocationRequest struct {
	// RegionHandle identifies the free region the allocation will be carved from
	RegionHandle RegionHandle
	// Size is the size in bytes of the allocation
	Size int
	// Type identifies the PageMetadata implementation that produced this request
	Type AllocationRequestType
	// AlgorithmData is arbitrary data used by the PageMetadata implementation for internal purposes
	AlgorithmData uint64
}
