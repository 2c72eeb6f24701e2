package dataset

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"ddp-forge/internal/model"
)

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	BatchSize  int
	NumWorkers int
}

// Loader groups a rank's sampled indices into fixed-size batches. It keeps
// the sampler's order; the final batch may be short.
type Loader struct {
	source     Source
	sampler    *DistributedSampler
	batchSize  int
	numWorkers int
}

// NewLoader wraps source and sampler.
func NewLoader(source Source, sampler *DistributedSampler, opts LoaderOptions) (*Loader, error) {
	if source == nil || sampler == nil {
		return nil, errors.New("loader: source and sampler are required")
	}
	if source.Len() != sampler.size {
		return nil, errors.Errorf("loader: source has %d samples but sampler covers %d", source.Len(), sampler.size)
	}
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("loader: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	return &Loader{
		source:     source,
		sampler:    sampler,
		batchSize:  opts.BatchSize,
		numWorkers: opts.NumWorkers,
	}, nil
}

// Sampler returns the partitioner feeding this loader.
func (l *Loader) Sampler() *DistributedSampler {
	return l.sampler
}

// BatchSize returns the configured batch size.
func (l *Loader) BatchSize() int {
	return l.batchSize
}

// NumBatches returns the number of batches this rank yields per epoch.
func (l *Loader) NumBatches() int {
	return ceilDiv(l.sampler.Len(), l.batchSize)
}

// StepsPerEpoch returns the number of steps every rank runs per epoch: the
// batch count of the largest shard.
func (l *Loader) StepsPerEpoch() int {
	return ceilDiv(l.sampler.MaxLen(), l.batchSize)
}

// Batches returns the index groups for the sampler's current epoch.
func (l *Loader) Batches() [][]int {
	indices := l.sampler.Indices()
	groups := make([][]int, 0, l.NumBatches())
	for start := 0; start < len(indices); start += l.batchSize {
		end := min(start+l.batchSize, len(indices))
		groups = append(groups, indices[start:end])
	}
	return groups
}

// Stream materializes the current epoch's batches with NumWorkers goroutines
// and delivers them in order. Both channels are closed when the epoch is
// exhausted, an error occurs, or ctx is canceled.
func (l *Loader) Stream(parent context.Context) (<-chan model.Batch, <-chan error) {
	groups := l.Batches()
	ctx, cancel := context.WithCancel(parent)

	jobs := make(chan batchJob, l.numWorkers)
	results := make(chan batchResult, l.numWorkers)
	out := make(chan model.Batch, l.numWorkers)
	errCh := make(chan error, 1)

	go produceBatchJobs(ctx, jobs, groups)

	var wg sync.WaitGroup
	for i := 0; i < l.numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.materialize(ctx, jobs, results)
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)
		if err := reorder(ctx, len(groups), results, out); err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}

type batchJob struct {
	id      int
	indices []int
}

type batchResult struct {
	id    int
	batch model.Batch
	err   error
}

func produceBatchJobs(ctx context.Context, jobs chan<- batchJob, groups [][]int) {
	defer close(jobs)
	for id, indices := range groups {
		select {
		case <-ctx.Done():
			return
		case jobs <- batchJob{id: id, indices: indices}:
		}
	}
}

func (l *Loader) materialize(ctx context.Context, jobs <-chan batchJob, results chan<- batchResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			res := batchResult{id: job.id}
			res.batch, res.err = l.collate(job.indices)
			select {
			case <-ctx.Done():
				return
			case results <- res:
			}
		}
	}
}

func (l *Loader) collate(indices []int) (model.Batch, error) {
	batch := model.Batch{
		Indices: indices,
		Inputs:  make([][]float64, 0, len(indices)),
		Labels:  make([]float64, 0, len(indices)),
	}
	for _, index := range indices {
		sample, err := l.source.Get(index)
		if err != nil {
			return model.Batch{}, err
		}
		batch.Inputs = append(batch.Inputs, sample.Input)
		batch.Labels = append(batch.Labels, sample.Label)
	}
	return batch, nil
}

// reorder forwards results to out in id order.
func reorder(ctx context.Context, total int, results <-chan batchResult, out chan<- model.Batch) error {
	pending := make(map[int]model.Batch)
	for next := 0; next < total; {
		batch, ok := pending[next]
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case res, ok := <-results:
				if !ok {
					if err := ctx.Err(); err != nil {
						return err
					}
					return errors.Errorf("loader: workers stopped after %d of %d batches", next, total)
				}
				if res.err != nil {
					return errors.WithMessagef(res.err, "loader: batch %d", res.id)
				}
				pending[res.id] = res.batch
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- batch:
		}
		delete(pending, next)
		next++
	}
	return nil
}
