package federation

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"grid/pkg/event"
)

// The federation service carries JSON documents in BytesValue messages so
// the wire needs no generated code.
const (
	serviceName    = "grid.federation.v0.Federation"
	getEventMethod = "/" + serviceName + "/GetEvent"
	pushMethod     = "/" + serviceName + "/Push"
	frontierMethod = "/" + serviceName + "/GetFrontier"

	// originHeader names the metadata key carrying the caller's domain
	originHeader = "grid-origin"
)

// FederationServer is the server API of the federation service
type FederationServer interface {
	GetEvent(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Push(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	GetFrontier(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

type getEventRequest struct {
	Channel string `json:"channel"`
	Event   string `json:"event"`
}

type pushRequest struct {
	Version string          `json:"version"`
	Event   json.RawMessage `json:"event"`
}

type pushResponse struct {
	Authorization event.Authorization `json:"authorization"`
}

type frontierRequest struct {
	Channel string `json:"channel"`
}

type frontierResponse struct {
	Version     string   `json:"version"`
	Extremities []string `json:"extremities"`
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*FederationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetEvent", Handler: getEventHandler},
		{MethodName: "Push", Handler: pushHandler},
		{MethodName: "GetFrontier", Handler: frontierHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "grid/federation/v0",
}

// RegisterFederationServer registers srv on s
func RegisterFederationServer(s grpc.ServiceRegistrar, srv FederationServer) {
	s.RegisterService(&serviceDesc, srv)
}

func getEventHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FederationServer).GetEvent(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getEventMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FederationServer).GetEvent(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func pushHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FederationServer).Push(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: pushMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FederationServer).Push(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func frontierHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FederationServer).GetFrontier(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: frontierMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FederationServer).GetFrontier(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}
