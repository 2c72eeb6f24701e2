package collective

import (
	"context"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

// Server hosts the group rendezvous and the reduction of every collective.
// It runs inside the rank 0 process.
type Server struct {
	worldSize int
	runID     string

	grpcServer *grpc.Server
	lis        net.Listener

	mu       sync.Mutex
	joined   map[int]bool
	joinDone chan struct{}
	rounds   map[uint64]*round
	left     map[int]bool
	allLeft  chan struct{}
}

type round struct {
	values  [][]float64
	weights []float64
	arrived int
	pending int
	done    chan struct{}
	result  *ReduceResponse
	err     error
}

// NewServer wraps lis; call Serve to start accepting ranks.
func NewServer(lis net.Listener, worldSize int) *Server {
	s := &Server{
		worldSize: worldSize,
		runID:     uuid.NewString(),
		lis:       lis,
		joined:    make(map[int]bool, worldSize),
		joinDone:  make(chan struct{}),
		rounds:    make(map[uint64]*round),
		left:      make(map[int]bool, worldSize),
		allLeft:   make(chan struct{}),
	}
	s.grpcServer = grpc.NewServer(
		grpc.ForceServerCodec(gobCodec{}),
		grpc.UnaryInterceptor(logCalls),
	)
	s.grpcServer.RegisterService(&groupServiceDesc, s)
	return s
}

// Listen binds addr and returns a server for worldSize ranks.
func Listen(addr string, worldSize int) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "collective: listen on %s", addr)
	}
	return NewServer(lis, worldSize), nil
}

// Addr returns the address the server accepts connections on.
func (s *Server) Addr() net.Addr {
	return s.lis.Addr()
}

// RunID returns the identifier handed to every rank at Join.
func (s *Server) RunID() string {
	return s.runID
}

// Serve blocks serving requests until Stop is called.
func (s *Server) Serve() error {
	if err := s.grpcServer.Serve(s.lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return errors.Wrap(err, "collective: serve")
	}
	return nil
}

// WaitAllLeft blocks until every rank has called Leave or ctx is done.
func (s *Server) WaitAllLeft(ctx context.Context) error {
	select {
	case <-s.allLeft:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "collective: waiting for ranks to leave")
	}
}

// Stop drains in-flight calls and closes the listener.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}

// Close aborts in-flight calls and closes the listener.
func (s *Server) Close() {
	s.grpcServer.Stop()
}

// Join implements GroupServer.
func (s *Server) Join(ctx context.Context, in *JoinRequest) (*JoinResponse, error) {
	if in.WorldSize != s.worldSize {
		return nil, status.Errorf(codes.InvalidArgument, "world size %d does not match group size %d", in.WorldSize, s.worldSize)
	}
	if err := s.checkRank(in.Rank); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.joined[in.Rank] {
		s.mu.Unlock()
		return nil, status.Errorf(codes.AlreadyExists, "rank %d already joined", in.Rank)
	}
	s.joined[in.Rank] = true
	count := len(s.joined)
	if count == s.worldSize {
		close(s.joinDone)
	}
	s.mu.Unlock()
	klog.V(1).Infof("collective: rank %d joined (%d/%d)", in.Rank, count, s.worldSize)

	select {
	case <-s.joinDone:
		return &JoinResponse{RunID: s.runID, WorldSize: s.worldSize}, nil
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

// AllReduce implements GroupServer. Every rank must submit the same Seq; the
// call blocks until all of them have.
func (s *Server) AllReduce(ctx context.Context, in *ReduceRequest) (*ReduceResponse, error) {
	if err := s.checkRank(in.Rank); err != nil {
		return nil, err
	}
	if in.Weight < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "negative weight %v", in.Weight)
	}

	s.mu.Lock()
	r, ok := s.rounds[in.Seq]
	if !ok {
		r = &round{
			values:  make([][]float64, s.worldSize),
			weights: make([]float64, s.worldSize),
			pending: s.worldSize,
			done:    make(chan struct{}),
		}
		s.rounds[in.Seq] = r
	}
	if r.values[in.Rank] != nil {
		s.mu.Unlock()
		return nil, status.Errorf(codes.AlreadyExists, "rank %d already contributed to collective %d", in.Rank, in.Seq)
	}
	r.values[in.Rank] = in.Values
	if r.values[in.Rank] == nil {
		r.values[in.Rank] = []float64{}
	}
	r.weights[in.Rank] = in.Weight
	r.arrived++
	if r.arrived == s.worldSize {
		r.result, r.err = reduce(r.values, r.weights)
		close(r.done)
	}
	s.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		s.release(in.Seq, r)
		return nil, status.FromContextError(ctx.Err()).Err()
	}
	s.release(in.Seq, r)

	if r.err != nil {
		return nil, r.err
	}
	return r.result, nil
}

// release drops the caller's hold on round seq, forgetting the round once
// every rank has returned from it.
func (s *Server) release(seq uint64, r *round) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.pending--
	if r.pending == 0 {
		delete(s.rounds, seq)
	}
}

// Leave implements GroupServer.
func (s *Server) Leave(_ context.Context, in *LeaveRequest) (*LeaveResponse, error) {
	if err := s.checkRank(in.Rank); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.left[in.Rank] {
		s.left[in.Rank] = true
		if len(s.left) == s.worldSize {
			close(s.allLeft)
		}
	}
	return &LeaveResponse{Remaining: s.worldSize - len(s.left)}, nil
}

func (s *Server) checkRank(rank int) error {
	if rank < 0 || rank >= s.worldSize {
		return status.Errorf(codes.InvalidArgument, "rank %d out of range [0, %d)", rank, s.worldSize)
	}
	return nil
}

// reduce computes the weighted mean in rank order so the result does not
// depend on arrival order.
func reduce(values [][]float64, weights []float64) (*ReduceResponse, error) {
	n := len(values[0])
	for rank, v := range values {
		if len(v) != n {
			return nil, status.Errorf(codes.FailedPrecondition, "rank %d sent %d values, rank 0 sent %d", rank, len(v), n)
		}
	}
	out := make([]float64, n)
	total := 0.0
	for rank, v := range values {
		w := weights[rank]
		if w == 0 {
			continue
		}
		floats.AddScaled(out, w, v)
		total += w
	}
	if total > 0 {
		floats.Scale(1/total, out)
	}
	return &ReduceResponse{Values: out, TotalWeight: total}, nil
}

func logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		klog.V(1).Infof("collective: %s failed: %v", info.FullMethod, err)
	} else {
		klog.V(2).Infof("collective: %s", info.FullMethod)
	}
	return resp, err
}
