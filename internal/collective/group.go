package collective

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"k8s.io/klog/v2"
)

// DefaultTimeout bounds rendezvous and teardown when Options.Timeout is zero.
const DefaultTimeout = 5 * time.Minute

// ErrClosed is returned by collectives on a destroyed group.
var ErrClosed = errors.New("collective: group destroyed")

// Options identifies a rank and the rendezvous endpoint of its group.
type Options struct {
	Rank      int
	WorldSize int
	Addr      string
	Port      int
	// Timeout bounds Join and, on rank 0, waiting for all ranks to leave.
	// Collectives themselves have no timeout.
	Timeout time.Duration
	// Listener, if set on rank 0, is served instead of binding Addr:Port.
	Listener net.Listener
}

// Target returns the rendezvous address in host:port form.
func (o Options) Target() string {
	return net.JoinHostPort(o.Addr, strconv.Itoa(o.Port))
}

func (o *Options) validate() error {
	if o.WorldSize <= 0 {
		return errors.Errorf("collective: world size must be > 0 (got %d)", o.WorldSize)
	}
	if o.Rank < 0 || o.Rank >= o.WorldSize {
		return errors.Errorf("collective: rank %d out of range [0, %d)", o.Rank, o.WorldSize)
	}
	if o.Addr == "" {
		return errors.New("collective: rendezvous address must be set")
	}
	if o.Port <= 0 || o.Port > 65535 {
		return errors.Errorf("collective: invalid rendezvous port %d", o.Port)
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return nil
}

// Group is one rank's membership in a synchronization group. All ranks must
// issue the same collectives in the same order. A Group is not safe for
// concurrent use.
type Group struct {
	opts   Options
	conn   *grpc.ClientConn
	server *Server
	served chan error
	runID  string
	seq    uint64
	closed bool
}

// Init joins the group described by opts. Rank 0 hosts the rendezvous; a
// failure to bind it is returned and not retried. Init blocks until every
// rank has joined or opts.Timeout elapses.
func Init(ctx context.Context, opts Options) (*Group, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	g := &Group{opts: opts}

	if opts.Rank == 0 {
		if opts.Listener != nil {
			g.server = NewServer(opts.Listener, opts.WorldSize)
		} else {
			srv, err := Listen(opts.Target(), opts.WorldSize)
			if err != nil {
				return nil, err
			}
			g.server = srv
		}
		g.served = make(chan error, 1)
		go func() {
			g.served <- g.server.Serve()
		}()
		klog.V(1).Infof("collective: rendezvous serving on %s", g.server.Addr())
	}

	conn, err := grpc.NewClient(opts.Target(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(gobCodec{})),
	)
	if err != nil {
		g.stopServer(false)
		return nil, errors.Wrapf(err, "collective: dial %s", opts.Target())
	}
	g.conn = conn

	joinCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	var resp JoinResponse
	req := &JoinRequest{Rank: opts.Rank, WorldSize: opts.WorldSize}
	if err := conn.Invoke(joinCtx, methodJoin, req, &resp, grpc.WaitForReady(true)); err != nil {
		_ = conn.Close()
		g.stopServer(false)
		return nil, errors.Wrapf(err, "collective: rank %d join %s", opts.Rank, opts.Target())
	}
	g.runID = resp.RunID
	return g, nil
}

// Rank returns this process's rank.
func (g *Group) Rank() int {
	return g.opts.Rank
}

// WorldSize returns the number of ranks in the group.
func (g *Group) WorldSize() int {
	return g.opts.WorldSize
}

// RunID returns the identifier shared by all ranks of this group.
func (g *Group) RunID() string {
	return g.runID
}

// AllReduceMean returns the weighted mean of values across ranks, and the sum
// of the weights. Ranks with weight zero take part in the collective without
// affecting the result; if every weight is zero the result is all zeros.
// Every rank receives bit-identical values.
func (g *Group) AllReduceMean(ctx context.Context, values []float64, weight float64) ([]float64, float64, error) {
	if g.closed {
		return nil, 0, ErrClosed
	}
	req := &ReduceRequest{Rank: g.opts.Rank, Seq: g.seq, Values: values, Weight: weight}
	g.seq++
	var resp ReduceResponse
	if err := g.conn.Invoke(ctx, methodAllReduce, req, &resp); err != nil {
		return nil, 0, errors.Wrapf(err, "collective: all-reduce %d on rank %d", req.Seq, g.opts.Rank)
	}
	if resp.Values == nil {
		resp.Values = make([]float64, len(values))
	}
	return resp.Values, resp.TotalWeight, nil
}

// Broadcast returns rank 0's values on every rank.
func (g *Group) Broadcast(ctx context.Context, values []float64) ([]float64, error) {
	weight := 0.0
	if g.opts.Rank == 0 {
		weight = 1
	}
	out, _, err := g.AllReduceMean(ctx, values, weight)
	if err != nil {
		return nil, errors.WithMessage(err, "broadcast")
	}
	return out, nil
}

// Barrier blocks until every rank reaches it.
func (g *Group) Barrier(ctx context.Context) error {
	_, _, err := g.AllReduceMean(ctx, nil, 0)
	return errors.WithMessage(err, "barrier")
}

// Destroy leaves the group. On rank 0 it waits for every rank to leave,
// bounded by Options.Timeout, then stops the rendezvous server.
func (g *Group) Destroy(ctx context.Context) error {
	if g.closed {
		return nil
	}
	g.closed = true

	var firstErr error
	leaveCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()
	var resp LeaveResponse
	if err := g.conn.Invoke(leaveCtx, methodLeave, &LeaveRequest{Rank: g.opts.Rank}, &resp); err != nil {
		firstErr = errors.Wrapf(err, "collective: rank %d leave", g.opts.Rank)
	}
	if err := g.conn.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "collective: close connection")
	}
	if g.server != nil {
		err := g.server.WaitAllLeft(leaveCtx)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		g.stopServer(err == nil)
	}
	return firstErr
}

func (g *Group) stopServer(graceful bool) {
	if g.server == nil {
		return
	}
	if graceful {
		g.server.Stop()
	} else {
		g.server.Close()
	}
	if err := <-g.served; err != nil {
		klog.Warningf("collective: rendezvous server: %v", err)
	}
	g.server = nil
}
