package trainer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"ddp-forge/internal/checkpoint"
	"ddp-forge/internal/dataset"
	"ddp-forge/internal/ddp"
	"ddp-forge/internal/metrics"
	"ddp-forge/internal/model"
)

// Options configures a Trainer.
type Options struct {
	Rank           int
	RunID          string
	SaveEvery      int
	LogEvery       int
	CheckpointPath string
	// SyncCheckpoint makes every rank wait at a barrier after each checkpoint
	// epoch until rank 0 has finished writing. Off by default: other ranks
	// move on while rank 0 is still saving.
	SyncCheckpoint bool
	// Progress receives a per-epoch progress bar on rank 0. Nil disables it.
	Progress io.Writer
}

// Trainer drives one rank through its epochs.
type Trainer struct {
	opts    Options
	replica *ddp.Replica
	loader  *dataset.Loader
	comm    ddp.Communicator
	window  metrics.Window

	globalStep  int
	lastLoss    float64
	checkpoints []int
}

// New returns a trainer for replica fed by loader.
func New(replica *ddp.Replica, loader *dataset.Loader, comm ddp.Communicator, opts Options) (*Trainer, error) {
	if replica == nil || loader == nil || comm == nil {
		return nil, errors.New("trainer: replica, loader and communicator are required")
	}
	if opts.SaveEvery <= 0 {
		return nil, errors.Errorf("trainer: save every must be > 0 (got %d)", opts.SaveEvery)
	}
	if opts.LogEvery <= 0 {
		opts.LogEvery = 10
	}
	if opts.CheckpointPath == "" {
		opts.CheckpointPath = checkpoint.DefaultPath
	}
	return &Trainer{opts: opts, replica: replica, loader: loader, comm: comm}, nil
}

// Train runs epochs [0, maxEpochs). Rank 0 checkpoints after every epoch
// divisible by SaveEvery.
func (t *Trainer) Train(ctx context.Context, maxEpochs int) error {
	for epoch := 0; epoch < maxEpochs; epoch++ {
		if err := t.runEpoch(ctx, epoch); err != nil {
			return err
		}
		if checkpoint.ShouldSave(t.opts.Rank, epoch, t.opts.SaveEvery) {
			if err := t.saveCheckpoint(epoch); err != nil {
				return err
			}
		}
		if t.opts.SyncCheckpoint && epoch%t.opts.SaveEvery == 0 {
			if err := t.comm.Barrier(ctx); err != nil {
				return errors.WithMessagef(err, "trainer: checkpoint barrier after epoch %d", epoch)
			}
		}
	}
	return nil
}

// GlobalStep returns the number of optimizer steps taken.
func (t *Trainer) GlobalStep() int {
	return t.globalStep
}

// LastLoss returns the loss of the most recent non-empty local batch.
func (t *Trainer) LastLoss() float64 {
	return t.lastLoss
}

// Checkpoints returns the epochs this rank saved.
func (t *Trainer) Checkpoints() []int {
	return t.checkpoints
}

func (t *Trainer) runEpoch(ctx context.Context, epoch int) error {
	t.loader.Sampler().SetEpoch(epoch)
	numBatches := t.loader.NumBatches()
	steps := t.loader.StepsPerEpoch()
	klog.Infof("[GPU%d] Epoch %d | Batchsize: %d | Steps: %d", t.opts.Rank, epoch, t.loader.BatchSize(), numBatches)

	epochCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	batches, errs := t.loader.Stream(epochCtx)
	bar := t.progressBar(epoch, steps)

	for step := 0; step < steps; step++ {
		startData := time.Now()
		var batch model.Batch
		if step < numBatches {
			var err error
			batch, err = nextBatch(epochCtx, batches, errs)
			if err != nil {
				return errors.WithMessagef(err, "trainer: epoch %d step %d", epoch, step)
			}
		}
		dataTime := time.Since(startData)

		res, err := t.replica.Step(ctx, batch)
		if err != nil {
			return errors.WithMessagef(err, "trainer: epoch %d step %d", epoch, step)
		}
		if res.Samples > 0 {
			t.lastLoss = res.Loss
		}
		t.window.Record(res.Samples, dataTime, res.ComputeTime, res.SyncTime, t.lastLoss)
		t.globalStep++

		if t.globalStep%t.opts.LogEvery == 0 {
			snap := t.window.Snapshot()
			klog.Infof("[GPU%d] step=%d samples_per_sec=%.1f data_ms=%.2f compute_ms=%.2f sync_ms=%.2f loss=%.4f",
				t.opts.Rank,
				t.globalStep,
				snap.SamplesPerSec,
				snap.AvgDataMS,
				snap.AvgComputeMS,
				snap.AvgSyncMS,
				snap.LastLoss,
			)
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return nil
}

func (t *Trainer) saveCheckpoint(epoch int) error {
	snap := checkpoint.Snapshot{
		Epoch:     epoch,
		RunID:     t.opts.RunID,
		WorldSize: t.comm.WorldSize(),
		Params:    t.replica.Module().StateDict(),
	}
	size, err := checkpoint.Save(t.opts.CheckpointPath, snap)
	if err != nil {
		return errors.WithMessagef(err, "trainer: epoch %d", epoch)
	}
	t.checkpoints = append(t.checkpoints, epoch)
	klog.Infof("Epoch %d | Training checkpoint saved at %s (%s)", epoch, t.opts.CheckpointPath, humanize.Bytes(uint64(size)))
	return nil
}

func (t *Trainer) progressBar(epoch, steps int) *progressbar.ProgressBar {
	if t.opts.Progress == nil || t.opts.Rank != 0 {
		return nil
	}
	return progressbar.NewOptions(steps,
		progressbar.OptionSetDescription(fmt.Sprintf("[GPU%d] epoch %d", t.opts.Rank, epoch)),
		progressbar.OptionSetWriter(t.opts.Progress),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionClearOnFinish(),
	)
}

func nextBatch(ctx context.Context, batches <-chan model.Batch, errs <-chan error) (model.Batch, error) {
	for {
		select {
		case <-ctx.Done():
			return model.Batch{}, ctx.Err()
		case err, ok := <-errs:
			if ok && err != nil {
				return model.Batch{}, err
			}
			if !ok {
				errs = nil
			}
		case batch, ok := <-batches:
			if !ok {
				if errs != nil {
					if err := <-errs; err != nil {
						return model.Batch{}, err
					}
				}
				return model.Batch{}, errors.New("loader closed before the epoch ended")
			}
			return batch, nil
		}
	}
}
