package launcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Options describes the worker processes to spawn.
type Options struct {
	NumProcs int
	// Command is the program and any leading arguments. Worker flags
	// --rank and --world_size follow it, then Args.
	Command []string
	Args    []string
	// Env is appended to the launcher's own environment.
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// WorkerArgs returns the arguments following Command for rank.
func (o Options) WorkerArgs(rank int) []string {
	args := []string{
		"--rank=" + strconv.Itoa(rank),
		"--world_size=" + strconv.Itoa(o.NumProcs),
	}
	return append(args, o.Args...)
}

// Spawn starts NumProcs workers and waits for all of them. A failing worker
// neither stops nor restarts its siblings; the first failure is returned
// once every worker has exited. Canceling ctx kills the workers.
func Spawn(ctx context.Context, opts Options) error {
	if opts.NumProcs <= 0 {
		return errors.Errorf("launcher: need at least one process (got %d)", opts.NumProcs)
	}
	if len(opts.Command) == 0 {
		return errors.New("launcher: command is empty")
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	var stdoutMu, stderrMu sync.Mutex

	var eg errgroup.Group
	for rank := 0; rank < opts.NumProcs; rank++ {
		prefix := fmt.Sprintf("[rank %d] ", rank)
		stdout := &prefixWriter{mu: &stdoutMu, dst: opts.Stdout, prefix: []byte(prefix)}
		stderr := &prefixWriter{mu: &stderrMu, dst: opts.Stderr, prefix: []byte(prefix)}

		args := append(append([]string(nil), opts.Command[1:]...), opts.WorkerArgs(rank)...)
		cmd := exec.CommandContext(ctx, opts.Command[0], args...)
		cmd.Env = append(os.Environ(), opts.Env...)
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		if err := cmd.Start(); err != nil {
			// Workers already running keep going; wait for them before reporting.
			_ = eg.Wait()
			return errors.Wrapf(err, "launcher: start rank %d", rank)
		}
		klog.V(1).Infof("launcher: rank %d started as pid %d", rank, cmd.Process.Pid)

		eg.Go(func() error {
			err := cmd.Wait()
			stdout.Flush()
			stderr.Flush()
			if err != nil {
				klog.Errorf("launcher: rank %d failed: %v", rank, err)
				return errors.Wrapf(err, "launcher: rank %d", rank)
			}
			klog.V(1).Infof("launcher: rank %d exited", rank)
			return nil
		})
	}
	return eg.Wait()
}

// prefixWriter writes complete lines to dst, each preceded by prefix. A
// carriage return also ends a line and is passed through, so progress bars
// redraw in place. Writers sharing dst share mu so lines from different
// ranks do not interleave.
type prefixWriter struct {
	mu     *sync.Mutex
	dst    io.Writer
	prefix []byte
	buf    []byte
}

func (w *prefixWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexAny(w.buf, "\r\n")
		if i < 0 {
			break
		}
		if err := w.emit(w.buf[:i+1]); err != nil {
			return len(p), err
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush writes any trailing partial line.
func (w *prefixWriter) Flush() {
	if len(w.buf) == 0 {
		return
	}
	_ = w.emit(append(w.buf, '\n'))
	w.buf = nil
}

func (w *prefixWriter) emit(line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(line) == 1 {
		_, err := w.dst.Write(line)
		return err
	}
	if _, err := w.dst.Write(w.prefix); err != nil {
		return err
	}
	_, err := w.dst.Write(line)
	return err
}
