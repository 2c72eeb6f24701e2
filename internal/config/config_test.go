package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "train.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
total_epochs: 10
save_every: 5
batch_size: 64
momentum: 0.9
rendezvous:
  port: 23456
  timeout: 30s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.TotalEpochs)
	assert.Equal(t, 5, cfg.SaveEvery)
	assert.Equal(t, 64, cfg.BatchSize)
	assert.Equal(t, 0.9, cfg.Momentum)
	assert.Equal(t, 2048, cfg.DatasetSize)
	assert.Equal(t, "localhost", cfg.Rendezvous.Addr)
	assert.Equal(t, 23456, cfg.Rendezvous.Port)
	assert.Equal(t, 30*time.Second, cfg.Rendezvous.Timeout)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "total_epochs: 1\nwarp_factor: 9\n"))
	require.Error(t, err)
	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	cfg.ApplyOverrides(Overrides{
		TotalEpochs:    3,
		SaveEvery:      1,
		BatchSize:      16,
		MasterAddr:     "127.0.0.1",
		MasterPort:     40000,
		CheckpointPath: "/tmp/ckpt.gob",
		SyncCheckpoint: true,
	})
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.TotalEpochs)
	assert.Equal(t, 16, cfg.BatchSize)
	assert.Equal(t, "127.0.0.1", cfg.Rendezvous.Addr)
	assert.Equal(t, 40000, cfg.Rendezvous.Port)
	assert.Equal(t, "/tmp/ckpt.gob", cfg.CheckpointPath)
	assert.True(t, cfg.SyncCheckpoint)
	assert.False(t, cfg.Progress)

	// Zero values leave the config untouched.
	cfg.ApplyOverrides(Overrides{})
	assert.Equal(t, 16, cfg.BatchSize)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.TotalEpochs, cfg.SaveEvery = 10, 5
		return cfg
	}
	require.NoError(t, valid().Validate())

	for name, mutate := range map[string]func(*Config){
		"epochs":    func(c *Config) { c.TotalEpochs = -1 },
		"saveEvery": func(c *Config) { c.SaveEvery = 0 },
		"batch":     func(c *Config) { c.BatchSize = -1 },
		"dataset":   func(c *Config) { c.DatasetSize = 0 },
		"input":     func(c *Config) { c.InputSize = 0 },
		"lr":        func(c *Config) { c.LearningRate = 0 },
		"momentum":  func(c *Config) { c.Momentum = 1 },
		"ckpt":      func(c *Config) { c.CheckpointPath = "" },
		"addr":      func(c *Config) { c.Rendezvous.Addr = "" },
		"port":      func(c *Config) { c.Rendezvous.Port = 70000 },
	} {
		cfg := valid()
		mutate(cfg)
		assert.Error(t, cfg.Validate(), name)
	}

	cfg := valid()
	cfg.NumWorkers, cfg.LogEvery, cfg.Rendezvous.Timeout = 0, 0, 0
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.NumWorkers)
	assert.Equal(t, 10, cfg.LogEvery)
	assert.Equal(t, 5*time.Minute, cfg.Rendezvous.Timeout)

	// Zero epochs is a valid, empty run.
	cfg = valid()
	cfg.TotalEpochs = 0
	require.NoError(t, cfg.Validate())

	var nilCfg *Config
	assert.Error(t, nilCfg.Validate())
}
