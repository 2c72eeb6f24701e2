package ddp

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"ddp-forge/internal/model"
)

// Communicator is the subset of a collective group a Replica needs.
type Communicator interface {
	Rank() int
	WorldSize() int
	AllReduceMean(ctx context.Context, values []float64, weight float64) ([]float64, float64, error)
	Broadcast(ctx context.Context, values []float64) ([]float64, error)
	Barrier(ctx context.Context) error
}

// StepResult describes one synchronized optimizer step.
type StepResult struct {
	Loss        float64
	Samples     int
	GlobalCount float64
	ComputeTime time.Duration
	SyncTime    time.Duration
}

// Replica keeps one model copy in lockstep with the copies on every other
// rank. Each step runs three explicit stages: ComputeGradients on the local
// batch, Synchronize to average gradients across ranks, and Apply to step
// the optimizer with the averaged gradient.
type Replica struct {
	module model.Model
	opt    model.Optimizer
	comm   Communicator

	grads  []float64
	weight float64
	total  float64
	synced bool
}

// New wraps module and broadcasts rank 0's parameters so every replica
// starts from the same point.
func New(ctx context.Context, module model.Model, opt model.Optimizer, comm Communicator) (*Replica, error) {
	if module == nil || opt == nil || comm == nil {
		return nil, errors.New("ddp: module, optimizer and communicator are required")
	}
	params, err := comm.Broadcast(ctx, module.Parameters())
	if err != nil {
		return nil, errors.WithMessage(err, "ddp: broadcast initial parameters")
	}
	if err := module.SetParameters(params); err != nil {
		return nil, err
	}
	klog.V(1).Infof("ddp: rank %d synchronized %d parameters from rank 0", comm.Rank(), len(params))
	return &Replica{module: module, opt: opt, comm: comm}, nil
}

// Module returns the wrapped model.
func (r *Replica) Module() model.Model {
	return r.module
}

// ComputeGradients runs forward and backward on the local batch. An empty
// batch still takes part in the following Synchronize with zero weight.
func (r *Replica) ComputeGradients(batch model.Batch) (float64, error) {
	loss, grads, err := r.module.Gradients(batch)
	if err != nil {
		return 0, err
	}
	r.grads = grads
	r.weight = float64(batch.Len())
	r.synced = false
	return loss, nil
}

// Synchronize replaces the local gradient with the sample-weighted mean over
// all ranks, the gradient of the combined global batch. It blocks until every
// rank has called it.
func (r *Replica) Synchronize(ctx context.Context) error {
	if r.grads == nil {
		return errors.New("ddp: Synchronize called before ComputeGradients")
	}
	avg, total, err := r.comm.AllReduceMean(ctx, r.grads, r.weight)
	if err != nil {
		return errors.WithMessage(err, "ddp: synchronize gradients")
	}
	r.grads = avg
	r.total = total
	r.synced = true
	return nil
}

// Apply steps the optimizer with the synchronized gradient. It is a no-op
// when no rank had samples this step.
func (r *Replica) Apply() error {
	if !r.synced {
		return errors.New("ddp: Apply called before Synchronize")
	}
	if r.total > 0 {
		r.opt.Step(r.module.Parameters(), r.grads)
	}
	r.grads = nil
	r.synced = false
	return nil
}

// Step runs ComputeGradients, Synchronize and Apply on batch.
func (r *Replica) Step(ctx context.Context, batch model.Batch) (StepResult, error) {
	res := StepResult{Samples: batch.Len()}
	start := time.Now()
	loss, err := r.ComputeGradients(batch)
	if err != nil {
		return res, err
	}
	res.Loss = loss
	res.ComputeTime = time.Since(start)

	start = time.Now()
	if err := r.Synchronize(ctx); err != nil {
		return res, err
	}
	res.SyncTime = time.Since(start)
	res.GlobalCount = r.total

	start = time.Now()
	if err := r.Apply(); err != nil {
		return res, err
	}
	res.ComputeTime += time.Since(start)
	return res, nil
}
