package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"ddp-forge/internal/collective"
	"ddp-forge/internal/config"
	"ddp-forge/internal/device"
	"ddp-forge/internal/launcher"
	"ddp-forge/internal/trainer"
)

var (
	flagConfig         = flag.String("config", "", "Path to an optional YAML config")
	flagBatchSize      = flag.Int("batch_size", 0, "Input batch size on each device (default 32)")
	flagNumProcs       = flag.Int("nproc", 0, "Number of worker processes; defaults to the number of visible devices")
	flagMasterAddr     = flag.String("master_addr", "", "Rendezvous address (default localhost)")
	flagMasterPort     = flag.Int("master_port", 0, "Rendezvous port (default 12355)")
	flagCheckpoint     = flag.String("checkpoint", "", "Checkpoint path (default checkpoint.gob)")
	flagDatasetSize    = flag.Int("dataset_size", 0, "Number of synthetic samples (default 2048)")
	flagLearningRate   = flag.Float64("lr", 0, "SGD learning rate (default 1e-3)")
	flagSeed           = flag.Int64("seed", 0, "PRNG seed for data, shuffling and initialization")
	flagLogEvery       = flag.Int("log_every", 0, "Log step metrics every N steps (default 10)")
	flagNumWorkers     = flag.Int("num_workers", 0, "Batch materialization goroutines per worker")
	flagProgress       = flag.Bool("progress", false, "Show a progress bar on rank 0")
	flagSyncCheckpoint = flag.Bool("sync_checkpoint", false, "Make all ranks wait for rank 0's checkpoint save")

	// Set by the launcher on the worker command line.
	flagRank      = flag.Int("rank", -1, "Worker rank (internal)")
	flagWorldSize = flag.Int("world_size", 0, "Worker group size (internal)")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] total_epochs save_every\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()
	defer klog.Flush()

	cfg, err := loadConfig()
	if err != nil {
		flag.Usage()
		klog.Fatalf("invalid configuration: %+v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *flagRank >= 0 {
		err = runWorker(ctx, cfg)
	} else {
		err = launch(ctx)
	}
	if err != nil {
		klog.Fatalf("training failed: %+v", err)
	}
}

func loadConfig() (*config.Config, error) {
	positional, err := positionalArgs()
	if err != nil {
		return nil, err
	}
	cfg := config.Default()
	if *flagConfig != "" {
		if cfg, err = config.Load(*flagConfig); err != nil {
			return nil, err
		}
	}
	overrides := config.Overrides{
		BatchSize:      *flagBatchSize,
		DatasetSize:    *flagDatasetSize,
		LearningRate:   *flagLearningRate,
		Seed:           *flagSeed,
		NumWorkers:     *flagNumWorkers,
		LogEvery:       *flagLogEvery,
		CheckpointPath: *flagCheckpoint,
		SyncCheckpoint: *flagSyncCheckpoint,
		Progress:       *flagProgress,
		MasterAddr:     *flagMasterAddr,
		MasterPort:     *flagMasterPort,
	}
	cfg.ApplyOverrides(overrides)
	switch len(positional) {
	case 0:
		if *flagConfig == "" {
			return nil, errors.New("expected total_epochs and save_every")
		}
	case 2:
		if cfg.TotalEpochs, err = strconv.Atoi(positional[0]); err != nil {
			return nil, errors.Wrap(err, "total_epochs")
		}
		if cfg.SaveEvery, err = strconv.Atoi(positional[1]); err != nil {
			return nil, errors.Wrap(err, "save_every")
		}
	default:
		return nil, errors.Errorf("expected total_epochs and save_every, got %d arguments", len(positional))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// positionalArgs collects the non-flag arguments, parsing flags that follow
// them as well, so "10 5 --batch_size 16" works like "--batch_size 16 10 5".
func positionalArgs() ([]string, error) {
	var positional []string
	for args := flag.Args(); len(args) > 0; args = flag.Args() {
		positional = append(positional, args[0])
		if err := flag.CommandLine.Parse(args[1:]); err != nil {
			return nil, err
		}
	}
	return positional, nil
}

func runWorker(ctx context.Context, cfg *config.Config) error {
	_, err := trainer.RunWorker(ctx, cfg, collective.Options{
		Rank:      *flagRank,
		WorldSize: *flagWorldSize,
		Addr:      cfg.Rendezvous.Addr,
		Port:      cfg.Rendezvous.Port,
		Timeout:   cfg.Rendezvous.Timeout,
	})
	return err
}

func launch(ctx context.Context) error {
	opts, err := launchOptions(os.Args[1:])
	if err != nil {
		return err
	}
	klog.Infof("launching %d workers", opts.NumProcs)
	return launcher.Spawn(ctx, opts)
}

// launchOptions re-runs this binary once per device with the launcher's own
// arguments.
func launchOptions(args []string) (launcher.Options, error) {
	numProcs := *flagNumProcs
	if numProcs <= 0 {
		numProcs = device.Count()
		if numProcs == 0 {
			return launcher.Options{}, errors.New("no accelerator devices found; pass --nproc to run on the CPU")
		}
	}
	self, err := os.Executable()
	if err != nil {
		return launcher.Options{}, errors.Wrap(err, "locate own executable")
	}
	return launcher.Options{
		NumProcs: numProcs,
		Command:  []string{self},
		Args:     args,
	}, nil
}
