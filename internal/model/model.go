package model

import "github.com/pkg/errors"

// ErrNonFiniteLoss is returned when a batch produces a NaN or infinite loss.
var ErrNonFiniteLoss = errors.New("model: non-finite loss")

// Batch represents a minibatch of features and labels.
type Batch struct {
	Indices []int
	Inputs  [][]float64
	Labels  []float64
}

// Len returns the number of samples in the batch.
func (b Batch) Len() int {
	return len(b.Inputs)
}

// Model is a replica whose parameters live in one flat vector.
type Model interface {
	// Parameters returns the live parameter vector. Optimizers update it in place.
	Parameters() []float64
	// SetParameters copies values into the parameter vector.
	SetParameters(values []float64) error
	// Gradients runs forward and backward over batch and returns the mean loss
	// and the mean gradient. An empty batch yields a zero loss and zero gradient.
	Gradients(batch Batch) (float64, []float64, error)
	// StateDict returns a copy of the parameters keyed by name.
	StateDict() map[string][]float64
	// LoadStateDict replaces the parameters from a named mapping.
	LoadStateDict(state map[string][]float64) error
}

// Optimizer applies a gradient to a parameter vector.
type Optimizer interface {
	Step(params, grads []float64)
}
