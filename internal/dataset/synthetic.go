package dataset

import (
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Sample is one (input, label) pair.
type Sample struct {
	Index int
	Input []float64
	Label float64
}

// Source supplies samples by index.
type Source interface {
	Len() int
	Get(index int) (Sample, error)
}

// Synthetic is an in-memory source whose samples are a pure function of
// (seed, index). Inputs are uniform in [0, 1); the label is 1 when a fixed
// hidden hyperplane puts the centered input on its positive side.
type Synthetic struct {
	size      int
	inputSize int
	seed      int64
	hidden    []float64
}

// NewSynthetic constructs a source of size samples of inputSize features.
func NewSynthetic(size, inputSize int, seed int64) (*Synthetic, error) {
	if size <= 0 {
		return nil, errors.Errorf("dataset: size must be > 0 (got %d)", size)
	}
	if inputSize <= 0 {
		return nil, errors.Errorf("dataset: input size must be > 0 (got %d)", inputSize)
	}
	rng := rand.New(rand.NewSource(seed))
	hidden := make([]float64, inputSize)
	for i := range hidden {
		hidden[i] = rng.NormFloat64()
	}
	return &Synthetic{size: size, inputSize: inputSize, seed: seed, hidden: hidden}, nil
}

// Len returns the number of samples.
func (s *Synthetic) Len() int {
	return s.size
}

// InputSize returns the feature dimension.
func (s *Synthetic) InputSize() int {
	return s.inputSize
}

// Get returns sample index.
func (s *Synthetic) Get(index int) (Sample, error) {
	if index < 0 || index >= s.size {
		return Sample{}, errors.Errorf("dataset: index %d out of range [0, %d)", index, s.size)
	}
	rng := rand.New(rand.NewSource(sampleSeed(s.seed, index)))
	input := make([]float64, s.inputSize)
	for i := range input {
		input[i] = rng.Float64()
	}
	centered := make([]float64, s.inputSize)
	copy(centered, input)
	floats.AddConst(-0.5, centered)
	label := 0.0
	if floats.Dot(s.hidden, centered) > 0 {
		label = 1
	}
	return Sample{Index: index, Input: input, Label: label}, nil
}

func sampleSeed(seed int64, index int) int64 {
	return int64(uint64(seed) ^ (uint64(index)+1)*0x9E3779B97F4A7C15)
}
