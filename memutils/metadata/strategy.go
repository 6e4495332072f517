package metadata

// AllocationStrategy exposes several options for choosing the location of a new allocation. If none
// is chosen, a balanced strategy will be used.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory chooses the smallest-possible free range for the allocation to
	// minimize memory usage and fragmentation, possibly at the expense of allocation time
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime chooses the first suitable free range, minimizing allocation time
	AllocationStrategyMinTime
	// AllocationStrategyMinOffset chooses the lowest offset in available space
	AllocationStrategyMinOffset
)
