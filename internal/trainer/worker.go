package trainer

import (
	"context"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"ddp-forge/internal/collective"
	"ddp-forge/internal/config"
	"ddp-forge/internal/dataset"
	"ddp-forge/internal/ddp"
	"ddp-forge/internal/device"
	"ddp-forge/internal/model"
)

// Result summarizes a finished worker.
type Result struct {
	Rank        int
	RunID       string
	Params      map[string][]float64
	Steps       int
	LastLoss    float64
	Checkpoints []int
}

// RunWorker joins the group described by opts, trains cfg.TotalEpochs epochs
// and leaves the group. On error the group is left as is: the worker is
// expected to exit and the surviving ranks stall or fail on their own.
func RunWorker(ctx context.Context, cfg *config.Config, opts collective.Options) (*Result, error) {
	if cfg == nil {
		return nil, errors.New("trainer: config is nil")
	}
	group, err := collective.Init(ctx, opts)
	if err != nil {
		return nil, err
	}
	rank := group.Rank()
	klog.Infof("[GPU%d] joined run %s (world size %d) on %s", rank, group.RunID(), group.WorldSize(), device.Describe(rank, device.Count()))

	source, err := dataset.NewSynthetic(cfg.DatasetSize, cfg.InputSize, cfg.Seed)
	if err != nil {
		return nil, err
	}
	sampler, err := dataset.NewDistributedSampler(source.Len(), group.WorldSize(), rank, cfg.Seed, true)
	if err != nil {
		return nil, err
	}
	loader, err := dataset.NewLoader(source, sampler, dataset.LoaderOptions{
		BatchSize:  cfg.BatchSize,
		NumWorkers: cfg.NumWorkers,
	})
	if err != nil {
		return nil, err
	}
	if rank == 0 {
		klog.Infof("dataset: %s samples, %d features, %d steps per epoch", humanize.Comma(int64(source.Len())), source.InputSize(), loader.StepsPerEpoch())
	}

	// Replicas start from different weights; construction broadcasts rank 0's.
	module := model.NewLinear(cfg.InputSize, cfg.Seed+int64(rank))
	replica, err := ddp.New(ctx, module, model.NewSGD(cfg.LearningRate, cfg.Momentum), group)
	if err != nil {
		return nil, err
	}

	opt := Options{
		Rank:           rank,
		RunID:          group.RunID(),
		SaveEvery:      cfg.SaveEvery,
		LogEvery:       cfg.LogEvery,
		CheckpointPath: cfg.CheckpointPath,
		SyncCheckpoint: cfg.SyncCheckpoint,
	}
	if cfg.Progress {
		opt.Progress = os.Stderr
	}
	t, err := New(replica, loader, group, opt)
	if err != nil {
		return nil, err
	}
	if err := t.Train(ctx, cfg.TotalEpochs); err != nil {
		return nil, errors.WithMessagef(err, "rank %d", rank)
	}

	res := &Result{
		Rank:        rank,
		RunID:       group.RunID(),
		Params:      module.StateDict(),
		Steps:       t.GlobalStep(),
		LastLoss:    t.LastLoss(),
		Checkpoints: t.Checkpoints(),
	}
	if err := group.Destroy(ctx); err != nil {
		return res, err
	}
	klog.Infof("[GPU%d] done after %d steps, last loss %.4f", rank, res.Steps, res.LastLoss)
	return res, nil
}
