package metadata

import "math"

// RegionHandle is a numeric handle identifying a region within a PageMetadata
type RegionHandle uint64

const (
	NoRegion RegionHandle = math.MaxUint64
)
