package model

import "gonum.org/v1/gonum/floats"

// SGD is stochastic gradient descent with optional momentum.
type SGD struct {
	LearningRate float64
	Momentum     float64
	velocity     []float64
}

// NewSGD returns an optimizer with the given learning rate and momentum.
func NewSGD(lr, momentum float64) *SGD {
	if lr <= 0 {
		lr = 1e-3
	}
	return &SGD{LearningRate: lr, Momentum: momentum}
}

// Step updates params in place.
func (o *SGD) Step(params, grads []float64) {
	if o.Momentum == 0 {
		floats.AddScaled(params, -o.LearningRate, grads)
		return
	}
	if len(o.velocity) != len(grads) {
		o.velocity = make([]float64, len(grads))
	}
	floats.Scale(o.Momentum, o.velocity)
	floats.Add(o.velocity, grads)
	floats.AddScaled(params, -o.LearningRate, o.velocity)
}
