package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	TotalEpochs    int        `yaml:"total_epochs"`
	SaveEvery      int        `yaml:"save_every"`
	BatchSize      int        `yaml:"batch_size"`
	DatasetSize    int        `yaml:"dataset_size"`
	InputSize      int        `yaml:"input_size"`
	LearningRate   float64    `yaml:"learning_rate"`
	Momentum       float64    `yaml:"momentum"`
	Seed           int64      `yaml:"seed"`
	NumWorkers     int        `yaml:"num_workers"`
	LogEvery       int        `yaml:"log_every"`
	CheckpointPath string     `yaml:"checkpoint_path"`
	SyncCheckpoint bool       `yaml:"sync_checkpoint"`
	Progress       bool       `yaml:"progress"`
	Rendezvous     Rendezvous `yaml:"rendezvous"`
}

// Rendezvous locates the group's rendezvous endpoint.
type Rendezvous struct {
	Addr    string        `yaml:"addr"`
	Port    int           `yaml:"port"`
	Timeout time.Duration `yaml:"timeout"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	TotalEpochs    int
	SaveEvery      int
	BatchSize      int
	DatasetSize    int
	LearningRate   float64
	Seed           int64
	NumWorkers     int
	LogEvery       int
	CheckpointPath string
	SyncCheckpoint bool
	Progress       bool
	MasterAddr     string
	MasterPort     int
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		BatchSize:      32,
		DatasetSize:    2048,
		InputSize:      20,
		LearningRate:   1e-3,
		NumWorkers:     2,
		LogEvery:       10,
		CheckpointPath: "checkpoint.gob",
		Rendezvous: Rendezvous{
			Addr:    "localhost",
			Port:    12355,
			Timeout: 5 * time.Minute,
		},
	}
}

// Load reads a Config from YAML on top of Default. Unknown keys are errors.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	cfg := Default()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.TotalEpochs > 0 {
		c.TotalEpochs = o.TotalEpochs
	}
	if o.SaveEvery > 0 {
		c.SaveEvery = o.SaveEvery
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.DatasetSize > 0 {
		c.DatasetSize = o.DatasetSize
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.CheckpointPath != "" {
		c.CheckpointPath = o.CheckpointPath
	}
	if o.SyncCheckpoint {
		c.SyncCheckpoint = true
	}
	if o.Progress {
		c.Progress = true
	}
	if o.MasterAddr != "" {
		c.Rendezvous.Addr = o.MasterAddr
	}
	if o.MasterPort > 0 {
		c.Rendezvous.Port = o.MasterPort
	}
}

// Validate verifies the config is runnable, filling defaults for optional
// knobs left at zero.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.TotalEpochs < 0 {
		return errors.Errorf("total_epochs must be >= 0 (got %d)", c.TotalEpochs)
	}
	if c.SaveEvery <= 0 {
		return errors.Errorf("save_every must be > 0 (got %d)", c.SaveEvery)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.DatasetSize <= 0 {
		return errors.Errorf("dataset_size must be > 0 (got %d)", c.DatasetSize)
	}
	if c.InputSize <= 0 {
		return errors.Errorf("input_size must be > 0 (got %d)", c.InputSize)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("learning_rate must be > 0 (got %g)", c.LearningRate)
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return errors.Errorf("momentum must be in [0, 1) (got %g)", c.Momentum)
	}
	if c.CheckpointPath == "" {
		return errors.New("checkpoint_path must be set")
	}
	if c.Rendezvous.Addr == "" {
		return errors.New("rendezvous.addr must be set")
	}
	if c.Rendezvous.Port <= 0 || c.Rendezvous.Port > 65535 {
		return errors.Errorf("rendezvous.port must be in [1, 65535] (got %d)", c.Rendezvous.Port)
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = 1
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 10
	}
	if c.Rendezvous.Timeout <= 0 {
		c.Rendezvous.Timeout = 5 * time.Minute
	}
	return nil
}
