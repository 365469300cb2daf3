package metadata

// AllocationStrategy exposes several options for choosing the location of a new suballocation.
// If none is chosen, a balanced strategy is used. The linear metadata ignores strategies since it
// only ever allocates at the top of its stack.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory chooses the smallest free range that fits, at the expense of
	// search time
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime chooses the first suitable free range that is cheap to find
	AllocationStrategyMinTime
	// AllocationStrategyMinOffset chooses the lowest offset available, which packs data tightly
	// toward the start of the block
	AllocationStrategyMinOffset
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	AllocationStrategyMinMemory: "MinMemory",
	AllocationStrategyMinTime:   "MinTime",
	AllocationStrategyMinOffset: "MinOffset",
}

func (s AllocationStrategy) String() string {
	if s == 0 {
		return "Balanced"
	}
	str, ok := allocationStrategyMapping[s]
	if !ok {
		return "Mixed"
	}
	return str
}
