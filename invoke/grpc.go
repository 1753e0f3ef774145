// Package invoke implements the signed invocation protocol: a client that
// builds, signs, and retries capability requests, and a server that verifies,
// executes, and audits them.
//
// The transport is gRPC carrying canonical envelope bytes in protobuf
// well-known wrapper types, so this package does not require a protoc/codegen
// toolchain. All authentication lives in the envelopes, not the transport.
package invoke

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// InvokerServer is the server API for the Invoker gRPC service.
//
// Proto definition: invoker.proto.
type InvokerServer interface {
	Invoke(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	InvokeStream(*wrapperspb.BytesValue, Invoker_InvokeStreamServer) error
}

// UnimplementedInvokerServer can be embedded to have forward compatible implementations.
type UnimplementedInvokerServer struct{}

func (UnimplementedInvokerServer) Invoke(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Invoke not implemented")
}
func (UnimplementedInvokerServer) InvokeStream(*wrapperspb.BytesValue, Invoker_InvokeStreamServer) error {
	return status.Error(codes.Unimplemented, "method InvokeStream not implemented")
}

// RegisterInvokerServer registers the Invoker service on a gRPC server.
func RegisterInvokerServer(s grpc.ServiceRegistrar, srv InvokerServer) {
	s.RegisterService(&Invoker_ServiceDesc, srv)
}

type Invoker_InvokeStreamServer interface {
	Send(*wrapperspb.BytesValue) error
	grpc.ServerStream
}

type invokerInvokeStreamServer struct{ grpc.ServerStream }

func (x *invokerInvokeStreamServer) Send(m *wrapperspb.BytesValue) error {
	return x.ServerStream.SendMsg(m)
}

// InvokerClient is the client API for the Invoker gRPC service.
type InvokerClient interface {
	Invoke(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
	InvokeStream(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (Invoker_InvokeStreamClient, error)
}

type invokerClient struct{ cc grpc.ClientConnInterface }

func NewInvokerClient(cc grpc.ClientConnInterface) InvokerClient { return &invokerClient{cc: cc} }

func (c *invokerClient) Invoke(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	err := c.cc.Invoke(ctx, "/xdao.capres.invoke.v1.Invoker/Invoke", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *invokerClient) InvokeStream(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (Invoker_InvokeStreamClient, error) {
	stream, err := c.cc.NewStream(ctx, &Invoker_ServiceDesc.Streams[0], "/xdao.capres.invoke.v1.Invoker/InvokeStream", opts...)
	if err != nil {
		return nil, err
	}
	x := &invokerInvokeStreamClient{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type Invoker_InvokeStreamClient interface {
	Recv() (*wrapperspb.BytesValue, error)
	grpc.ClientStream
}

type invokerInvokeStreamClient struct{ grpc.ClientStream }

func (x *invokerInvokeStreamClient) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func _Invoker_Invoke_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InvokerServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/xdao.capres.invoke.v1.Invoker/Invoke"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(InvokerServer).Invoke(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Invoker_InvokeStream_Handler(srv interface{}, stream grpc.ServerStream) error {
	in := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(InvokerServer).InvokeStream(in, &invokerInvokeStreamServer{ServerStream: stream})
}

// Invoker_ServiceDesc is the grpc.ServiceDesc for the Invoker service.
var Invoker_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "xdao.capres.invoke.v1.Invoker",
	HandlerType: (*InvokerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: _Invoker_Invoke_Handler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "InvokeStream", Handler: _Invoker_InvokeStream_Handler, ServerStreams: true},
	},
	Metadata: "invoker.proto",
}
