package collective

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "ddpforge.collective.Group"

const (
	methodJoin      = "/" + serviceName + "/Join"
	methodAllReduce = "/" + serviceName + "/AllReduce"
	methodLeave     = "/" + serviceName + "/Leave"
)

// JoinRequest registers a rank with the group.
type JoinRequest struct {
	Rank      int
	WorldSize int
}

// JoinResponse is returned once every rank has joined.
type JoinResponse struct {
	RunID     string
	WorldSize int
}

// ReduceRequest is one rank's contribution to collective number Seq.
type ReduceRequest struct {
	Rank   int
	Seq    uint64
	Values []float64
	Weight float64
}

// ReduceResponse holds the weighted mean of all contributions and the sum of
// their weights.
type ReduceResponse struct {
	Values      []float64
	TotalWeight float64
}

// LeaveRequest removes a rank from the group.
type LeaveRequest struct {
	Rank int
}

// LeaveResponse reports how many ranks are still in the group.
type LeaveResponse struct {
	Remaining int
}

// GroupServer is the server API for the group service.
type GroupServer interface {
	Join(context.Context, *JoinRequest) (*JoinResponse, error)
	AllReduce(context.Context, *ReduceRequest) (*ReduceResponse, error)
	Leave(context.Context, *LeaveRequest) (*LeaveResponse, error)
}

var groupServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*GroupServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Join", Handler: joinHandler},
		{MethodName: "AllReduce", Handler: allReduceHandler},
		{MethodName: "Leave", Handler: leaveHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "collective",
}

func joinHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(JoinRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GroupServer).Join(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodJoin}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GroupServer).Join(ctx, req.(*JoinRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func allReduceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReduceRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GroupServer).AllReduce(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodAllReduce}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GroupServer).AllReduce(ctx, req.(*ReduceRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func leaveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(LeaveRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GroupServer).Leave(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodLeave}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GroupServer).Leave(ctx, req.(*LeaveRequest))
	}
	return interceptor(ctx, in, info, handler)
}
