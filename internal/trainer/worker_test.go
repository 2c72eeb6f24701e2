package trainer

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"ddp-forge/internal/checkpoint"
	"ddp-forge/internal/collective"
	"ddp-forge/internal/config"
	"ddp-forge/internal/dataset"
	"ddp-forge/internal/model"
)

func testConfig(t *testing.T, totalEpochs, saveEvery int) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.TotalEpochs = totalEpochs
	cfg.SaveEvery = saveEvery
	cfg.DatasetSize = 101
	cfg.BatchSize = 10
	cfg.LearningRate = 0.1
	cfg.Seed = 7
	cfg.CheckpointPath = filepath.Join(t.TempDir(), checkpoint.DefaultPath)
	require.NoError(t, cfg.Validate())
	return cfg
}

func runWorkers(t *testing.T, cfg *config.Config, worldSize int) []*Result {
	t.Helper()
	lis := must.M1(net.Listen("tcp", "127.0.0.1:0"))
	port := lis.Addr().(*net.TCPAddr).Port
	results := make([]*Result, worldSize)
	var eg errgroup.Group
	for rank := 0; rank < worldSize; rank++ {
		eg.Go(func() error {
			opts := collective.Options{Rank: rank, WorldSize: worldSize, Addr: "127.0.0.1", Port: port, Timeout: 10 * time.Second}
			if rank == 0 {
				opts.Listener = lis
			}
			res, err := RunWorker(context.Background(), cfg, opts)
			results[rank] = res
			return err
		})
	}
	require.NoError(t, eg.Wait())
	return results
}

func TestRunWorkersKeepReplicasIdentical(t *testing.T) {
	cfg := testConfig(t, 3, 10)
	results := runWorkers(t, cfg, 2)

	for _, res := range results[1:] {
		assert.Equal(t, results[0].RunID, res.RunID)
		assert.Equal(t, results[0].Params, res.Params)
	}
	// 101 samples over 2 ranks: shards of 51 and 50, 6 steps each epoch.
	assert.Equal(t, 18, results[0].Steps)
	assert.Equal(t, 18, results[1].Steps)
}

func TestRunWorkersCheckpointSchedule(t *testing.T) {
	cfg := testConfig(t, 10, 5)
	results := runWorkers(t, cfg, 2)

	assert.Equal(t, []int{0, 5}, results[0].Checkpoints)
	assert.Empty(t, results[1].Checkpoints)

	snap := must.M1(checkpoint.Load(cfg.CheckpointPath))
	assert.Equal(t, 5, snap.Epoch)
	assert.Equal(t, 2, snap.WorldSize)
	assert.Equal(t, results[0].RunID, snap.RunID)
	assert.Len(t, snap.Params["weight"], cfg.InputSize)
	assert.Len(t, snap.Params["bias"], 1)
}

func TestRunWorkersSyncCheckpoint(t *testing.T) {
	cfg := testConfig(t, 4, 2)
	cfg.SyncCheckpoint = true
	results := runWorkers(t, cfg, 3)

	assert.Equal(t, []int{0, 2}, results[0].Checkpoints)
	assert.Equal(t, results[0].Params, results[2].Params)
}

func fullBatchLoss(t *testing.T, cfg *config.Config, params map[string][]float64) float64 {
	t.Helper()
	src := must.M1(dataset.NewSynthetic(cfg.DatasetSize, cfg.InputSize, cfg.Seed))
	var batch model.Batch
	for i := 0; i < src.Len(); i++ {
		s := must.M1(src.Get(i))
		batch.Indices = append(batch.Indices, i)
		batch.Inputs = append(batch.Inputs, s.Input)
		batch.Labels = append(batch.Labels, s.Label)
	}
	m := model.NewLinear(cfg.InputSize, 0)
	require.NoError(t, m.LoadStateDict(params))
	loss, _, err := m.Gradients(batch)
	require.NoError(t, err)
	return loss
}

func TestRunWorkerSingleRankLearns(t *testing.T) {
	cfg := testConfig(t, 20, 100)
	res := runWorkers(t, cfg, 1)[0]

	initial := model.NewLinear(cfg.InputSize, cfg.Seed).StateDict()
	assert.Less(t, fullBatchLoss(t, cfg, res.Params), fullBatchLoss(t, cfg, initial))
}

func TestRunWorkerRejectsNilConfig(t *testing.T) {
	_, err := RunWorker(context.Background(), nil, collective.Options{})
	require.Error(t, err)
}

func TestRunWorkersZeroEpochs(t *testing.T) {
	cfg := testConfig(t, 0, 1)
	results := runWorkers(t, cfg, 2)

	for _, res := range results {
		assert.Zero(t, res.Steps)
		assert.Empty(t, res.Checkpoints)
	}
	assert.NoFileExists(t, cfg.CheckpointPath)
}
