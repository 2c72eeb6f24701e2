package model

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Parameter names used by Linear.StateDict.
const (
	WeightName = "weight"
	BiasName   = "bias"
)

// Linear is a single-logit linear classifier trained with binary cross-entropy.
// Parameters are laid out as [weight..., bias].
type Linear struct {
	inputSize int
	params    []float64
}

// NewLinear constructs the model with uniform initialization in
// [-1/sqrt(inputSize), 1/sqrt(inputSize)].
func NewLinear(inputSize int, seed int64) *Linear {
	if inputSize <= 0 {
		inputSize = 20
	}
	rng := rand.New(rand.NewSource(seed))
	bound := 1 / math.Sqrt(float64(inputSize))
	params := make([]float64, inputSize+1)
	for i := range params {
		params[i] = (rng.Float64()*2 - 1) * bound
	}
	return &Linear{inputSize: inputSize, params: params}
}

// InputSize returns the expected input dimension.
func (m *Linear) InputSize() int {
	return m.inputSize
}

// Parameters returns the live parameter vector.
func (m *Linear) Parameters() []float64 {
	return m.params
}

// SetParameters copies values into the parameter vector.
func (m *Linear) SetParameters(values []float64) error {
	if len(values) != len(m.params) {
		return errors.Errorf("model: expected %d parameters, got %d", len(m.params), len(values))
	}
	copy(m.params, values)
	return nil
}

// Forward returns the logit for one input.
func (m *Linear) Forward(input []float64) float64 {
	return floats.Dot(m.params[:m.inputSize], input) + m.params[m.inputSize]
}

// Gradients computes the mean binary cross-entropy over batch and its gradient.
func (m *Linear) Gradients(batch Batch) (float64, []float64, error) {
	grads := make([]float64, len(m.params))
	if batch.Len() == 0 {
		return 0, grads, nil
	}
	if len(batch.Labels) != batch.Len() {
		return 0, nil, errors.Errorf("model: %d inputs but %d labels", batch.Len(), len(batch.Labels))
	}
	gw := grads[:m.inputSize]
	totalLoss := 0.0
	for i, input := range batch.Inputs {
		if len(input) != m.inputSize {
			return 0, nil, errors.Errorf("model: input %d has %d features, want %d", i, len(input), m.inputSize)
		}
		z := m.Forward(input)
		y := batch.Labels[i]
		totalLoss += bceWithLogits(z, y)

		dz := sigmoid(z) - y
		floats.AddScaled(gw, dz, input)
		grads[m.inputSize] += dz
	}
	n := float64(batch.Len())
	loss := totalLoss / n
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, nil, errors.Wrapf(ErrNonFiniteLoss, "loss=%v over %d samples", loss, batch.Len())
	}
	floats.Scale(1/n, grads)
	return loss, grads, nil
}

// Predict returns the probability of the positive class.
func (m *Linear) Predict(input []float64) float64 {
	return sigmoid(m.Forward(input))
}

// StateDict returns a copy of the parameters keyed by name.
func (m *Linear) StateDict() map[string][]float64 {
	return map[string][]float64{
		WeightName: append([]float64(nil), m.params[:m.inputSize]...),
		BiasName:   append([]float64(nil), m.params[m.inputSize:]...),
	}
}

// LoadStateDict replaces the parameters from a named mapping.
func (m *Linear) LoadStateDict(state map[string][]float64) error {
	weight, ok := state[WeightName]
	if !ok {
		return errors.Errorf("model: state is missing %q", WeightName)
	}
	bias, ok := state[BiasName]
	if !ok {
		return errors.Errorf("model: state is missing %q", BiasName)
	}
	if len(weight) != m.inputSize || len(bias) != 1 {
		return errors.Errorf("model: state shapes weight=%d bias=%d, want %d and 1", len(weight), len(bias), m.inputSize)
	}
	copy(m.params, weight)
	m.params[m.inputSize] = bias[0]
	return nil
}

// bceWithLogits is the numerically stable form of
// -y*log(sigmoid(z)) - (1-y)*log(1-sigmoid(z)).
func bceWithLogits(z, y float64) float64 {
	return math.Max(z, 0) - z*y + math.Log1p(math.Exp(-math.Abs(z)))
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}
