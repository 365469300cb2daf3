package metadata

import "math"

type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

// Suballocation is one region of a linear block. A nil UserData marks a freed region that has
// not been reclaimed yet.
type Suballocation struct {
	Offset   int
	Size     int
	UserData any
	Type     uint32
}

func (s *Suballocation) free() bool {
	return s.UserData == nil
}
