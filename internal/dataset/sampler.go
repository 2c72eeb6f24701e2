package dataset

import (
	"math/rand"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// DistributedSampler assigns each rank a disjoint slice of the dataset
// indices. The assignment is reshuffled every epoch from seed+epoch, so it is
// reproducible for a given (seed, epoch, world size) and covers every index
// exactly once across ranks. Shards differ in size by at most one; no index is
// repeated to pad them.
type DistributedSampler struct {
	size      int
	worldSize int
	rank      int
	seed      int64
	shuffle   bool
	epoch     int
}

// NewDistributedSampler returns the sampler for rank in a group of worldSize.
func NewDistributedSampler(size, worldSize, rank int, seed int64, shuffle bool) (*DistributedSampler, error) {
	if size <= 0 {
		return nil, errors.Errorf("sampler: size must be > 0 (got %d)", size)
	}
	if worldSize <= 0 {
		return nil, errors.Errorf("sampler: world size must be > 0 (got %d)", worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return nil, errors.Errorf("sampler: rank %d out of range [0, %d)", rank, worldSize)
	}
	return &DistributedSampler{
		size:      size,
		worldSize: worldSize,
		rank:      rank,
		seed:      seed,
		shuffle:   shuffle,
	}, nil
}

// SetEpoch selects the shuffle used by subsequent calls to Indices.
func (s *DistributedSampler) SetEpoch(epoch int) {
	s.epoch = epoch
}

// Epoch returns the current epoch.
func (s *DistributedSampler) Epoch() int {
	return s.epoch
}

// Rank returns the rank this sampler serves.
func (s *DistributedSampler) Rank() int {
	return s.rank
}

// WorldSize returns the number of ranks sharing the dataset.
func (s *DistributedSampler) WorldSize() int {
	return s.worldSize
}

// Len returns the number of indices assigned to this rank.
func (s *DistributedSampler) Len() int {
	n := s.size / s.worldSize
	if s.rank < s.size%s.worldSize {
		n++
	}
	return n
}

// MaxLen returns the largest shard size over all ranks.
func (s *DistributedSampler) MaxLen() int {
	return ceilDiv(s.size, s.worldSize)
}

// Indices returns this rank's indices for the current epoch.
func (s *DistributedSampler) Indices() []int {
	var order []int
	if s.shuffle {
		rng := rand.New(rand.NewSource(s.seed + int64(s.epoch)))
		order = rng.Perm(s.size)
	} else {
		order = make([]int, s.size)
		for i := range order {
			order[i] = i
		}
	}
	out := make([]int, 0, s.Len())
	for i := s.rank; i < len(order); i += s.worldSize {
		out = append(out, order[i])
	}
	return out
}

// ceilDiv returns the least integer greater than or equal to numerator / denominator.
func ceilDiv[T constraints.Integer](numerator, denominator T) T {
	if numerator%denominator == 0 {
		return numerator / denominator
	}
	return numerator/denominator + 1
}
