package aiv

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/mediaheap/memutils"
	"github.com/vkngwrapper/mediaheap/memutils/metadata"
)

// Algorithm selects the free-space manager used to carve records out of the arena
type Algorithm int32

const (
	// AlgorithmTLSF is a general purpose two-level segregated fit allocator
	AlgorithmTLSF Algorithm = iota
	// AlgorithmLinear bump-allocates and reclaims from the top. It suits buffers that are
	// released in roughly the order they were acquired, such as frames in a stream.
	AlgorithmLinear
)

var algorithmMapping = map[Algorithm]string{
	AlgorithmTLSF:   "TLSF",
	AlgorithmLinear: "Linear",
}

func (a Algorithm) String() string {
	return algorithmMapping[a]
}

// DefaultAlignment is the alignment of every record when Options.Alignment is 0
const DefaultAlignment uint = 16

// Options contains optional settings for the arena backend
type Options struct {
	// Algorithm chooses the free-space manager. The default is AlgorithmTLSF.
	Algorithm Algorithm
	// Strategy is passed to the free-space manager when searching for space
	Strategy metadata.AllocationStrategy
	// Alignment is the alignment of the start of each record within the arena. It must be a
	// power of two.
	Alignment uint
}

func (o Options) validate() error {
	if _, ok := algorithmMapping[o.Algorithm]; !ok {
		return errors.Wrapf(memutils.ErrInvalidArgument, "unknown algorithm %d", o.Algorithm)
	}

	if o.Alignment != 0 {
		err := memutils.CheckPow2(o.Alignment, "Alignment")
		if err != nil {
			return errors.Mark(err, memutils.ErrInvalidArgument)
		}
	}

	return nil
}

func (o Options) newMetadata() metadata.BlockMetadata {
	if o.Algorithm == AlgorithmLinear {
		return metadata.NewLinearBlockMetadata()
	}
	return metadata.NewTLSFBlockMetadata()
}
