package dataset

import (
	"context"
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ddp-forge/internal/model"
)

func newLoader(t *testing.T, size, worldSize, rank, batchSize, numWorkers int) *Loader {
	t.Helper()
	src := must.M1(NewSynthetic(size, 20, 0))
	sampler := must.M1(NewDistributedSampler(size, worldSize, rank, 0, true))
	return must.M1(NewLoader(src, sampler, LoaderOptions{BatchSize: batchSize, NumWorkers: numWorkers}))
}

func collect(t *testing.T, batches <-chan model.Batch, errs <-chan error) ([]model.Batch, error) {
	t.Helper()
	var out []model.Batch
	deadline := time.After(5 * time.Second)
	for batches != nil || errs != nil {
		select {
		case b, ok := <-batches:
			if !ok {
				batches = nil
				continue
			}
			out = append(out, b)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			return out, err
		case <-deadline:
			t.Fatal("timed out waiting for batches")
		}
	}
	return out, nil
}

func TestLoaderBatchCounts(t *testing.T) {
	l := newLoader(t, 2048, 2, 0, 32, 1)
	assert.Equal(t, 32, l.NumBatches())
	assert.Equal(t, 32, l.StepsPerEpoch())
	groups := l.Batches()
	require.Len(t, groups, 32)
	for _, g := range groups {
		assert.Len(t, g, 32)
	}

	short := newLoader(t, 100, 3, 2, 8, 1)
	// Rank 2 holds 33 indices, rank 0 holds 34.
	assert.Equal(t, 5, short.NumBatches())
	assert.Equal(t, 5, short.StepsPerEpoch())
	groups = short.Batches()
	assert.Len(t, groups[len(groups)-1], 1)

	uneven := newLoader(t, 2049, 2, 1, 32, 1)
	assert.Equal(t, 32, uneven.NumBatches())
	assert.Equal(t, 33, uneven.StepsPerEpoch())
}

func TestLoaderStreamPreservesOrder(t *testing.T) {
	l := newLoader(t, 500, 2, 1, 16, 4)
	l.Sampler().SetEpoch(2)
	want := l.Batches()

	batches, errs := l.Stream(context.Background())
	got, err := collect(t, batches, errs)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i, batch := range got {
		require.Equal(t, want[i], batch.Indices)
		require.Equal(t, len(want[i]), batch.Len())
		sample := must.M1(l.source.Get(batch.Indices[0]))
		require.Equal(t, sample.Input, batch.Inputs[0])
		require.Equal(t, sample.Label, batch.Labels[0])
	}
}

type failingSource struct {
	Source
	bad int
}

func (f failingSource) Get(index int) (Sample, error) {
	if index == f.bad {
		return Sample{}, errors.New("boom")
	}
	return f.Source.Get(index)
}

func TestLoaderStreamReportsSourceErrors(t *testing.T) {
	src := failingSource{Source: must.M1(NewSynthetic(64, 4, 0)), bad: 13}
	sampler := must.M1(NewDistributedSampler(64, 1, 0, 0, true))
	l := must.M1(NewLoader(src, sampler, LoaderOptions{BatchSize: 8, NumWorkers: 3}))

	batches, errs := l.Stream(context.Background())
	_, err := collect(t, batches, errs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestLoaderStreamCanceled(t *testing.T) {
	l := newLoader(t, 2048, 1, 0, 4, 2)
	ctx, cancel := context.WithCancel(context.Background())
	batches, errs := l.Stream(ctx)
	<-batches
	cancel()
	_, err := collect(t, batches, errs)
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestLoaderValidation(t *testing.T) {
	src := must.M1(NewSynthetic(10, 2, 0))
	sampler := must.M1(NewDistributedSampler(10, 1, 0, 0, true))
	_, err := NewLoader(src, sampler, LoaderOptions{BatchSize: 0})
	require.Error(t, err)
	other := must.M1(NewDistributedSampler(11, 1, 0, 0, true))
	_, err = NewLoader(src, other, LoaderOptions{BatchSize: 2})
	require.Error(t, err)
	_, err = NewLoader(nil, sampler, LoaderOptions{BatchSize: 2})
	require.Error(t, err)
}
