package meshtesting

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/altgrid/grpcmesh"
)

// This file is the static dispatch table a code generator would emit for
// the test service: the server interface, the service descriptor with its
// method handlers, and the typed client stubs.

// TestServiceServer is the server API for the TestService service.
type TestServiceServer interface {
	Unary(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ClientStream(TestService_ClientStreamServer) error
	ServerStream(*structpb.Struct, TestService_ServerStreamServer) error
	BidiStream(TestService_BidiStreamServer) error
}

// RegisterTestServiceServer registers a TestService implementation with
// the given registrar (a server or a grpcmesh.HandlerMap).
func RegisterTestServiceServer(reg grpc.ServiceRegistrar, srv TestServiceServer) {
	reg.RegisterService(&testServiceDesc, srv)
}

func _TestService_Unary_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TestServiceServer).Unary(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/meshtesting.TestService/Unary",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TestServiceServer).Unary(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _TestService_ClientStream_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(TestServiceServer).ClientStream(&testServiceClientStreamServer{stream})
}

// TestService_ClientStreamServer is the server side of the client-stream
// method.
type TestService_ClientStreamServer interface {
	SendAndClose(*structpb.Struct) error
	Recv() (*structpb.Struct, error)
	grpc.ServerStream
}

type testServiceClientStreamServer struct {
	grpc.ServerStream
}

func (x *testServiceClientStreamServer) SendAndClose(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

func (x *testServiceClientStreamServer) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func _TestService_ServerStream_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(structpb.Struct)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(TestServiceServer).ServerStream(m, &testServiceServerStreamServer{stream})
}

// TestService_ServerStreamServer is the server side of the server-stream
// method.
type TestService_ServerStreamServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type testServiceServerStreamServer struct {
	grpc.ServerStream
}

func (x *testServiceServerStreamServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

func _TestService_BidiStream_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(TestServiceServer).BidiStream(&testServiceBidiStreamServer{stream})
}

// TestService_BidiStreamServer is the server side of the bidi-stream
// method.
type TestService_BidiStreamServer interface {
	Send(*structpb.Struct) error
	Recv() (*structpb.Struct, error)
	grpc.ServerStream
}

type testServiceBidiStreamServer struct {
	grpc.ServerStream
}

func (x *testServiceBidiStreamServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

func (x *testServiceBidiStreamServer) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

var testServiceDesc = grpc.ServiceDesc{
	ServiceName: "meshtesting.TestService",
	HandlerType: (*TestServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Unary",
			Handler:    _TestService_Unary_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ClientStream",
			Handler:       _TestService_ClientStream_Handler,
			ClientStreams: true,
		},
		{
			StreamName:    "ServerStream",
			Handler:       _TestService_ServerStream_Handler,
			ServerStreams: true,
		},
		{
			StreamName:    "BidiStream",
			Handler:       _TestService_BidiStream_Handler,
			ClientStreams: true,
			ServerStreams: true,
		},
	},
	Metadata: "meshtesting.proto",
}

// TestServiceClient is the client API for the TestService service.
type TestServiceClient interface {
	Unary(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	ClientStream(ctx context.Context, opts ...grpc.CallOption) (TestService_ClientStreamClient, error)
	ServerStream(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (TestService_ServerStreamClient, error)
	BidiStream(ctx context.Context, opts ...grpc.CallOption) (TestService_BidiStreamClient, error)
}

// NewTestServiceClient creates a TestService client backed by the given
// channel.
func NewTestServiceClient(ch grpcmesh.Channel) TestServiceClient {
	return &testServiceClient{ch: ch}
}

type testServiceClient struct {
	ch grpcmesh.Channel
}

func (c *testServiceClient) Unary(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.ch.Invoke(ctx, "/meshtesting.TestService/Unary", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *testServiceClient) ClientStream(ctx context.Context, opts ...grpc.CallOption) (TestService_ClientStreamClient, error) {
	desc := &testServiceDesc.Streams[0]
	sd := &grpc.StreamDesc{StreamName: desc.StreamName, ClientStreams: desc.ClientStreams, ServerStreams: desc.ServerStreams}
	stream, err := c.ch.NewStream(ctx, sd, "/meshtesting.TestService/ClientStream", opts...)
	if err != nil {
		return nil, err
	}
	return &testServiceClientStreamClient{stream}, nil
}

// TestService_ClientStreamClient is the client side of the client-stream
// method.
type TestService_ClientStreamClient interface {
	Send(*structpb.Struct) error
	CloseAndRecv() (*structpb.Struct, error)
	grpc.ClientStream
}

type testServiceClientStreamClient struct {
	grpc.ClientStream
}

func (x *testServiceClientStreamClient) Send(m *structpb.Struct) error {
	return x.ClientStream.SendMsg(m)
}

func (x *testServiceClientStreamClient) CloseAndRecv() (*structpb.Struct, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *testServiceClient) ServerStream(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (TestService_ServerStreamClient, error) {
	desc := &testServiceDesc.Streams[1]
	sd := &grpc.StreamDesc{StreamName: desc.StreamName, ClientStreams: desc.ClientStreams, ServerStreams: desc.ServerStreams}
	stream, err := c.ch.NewStream(ctx, sd, "/meshtesting.TestService/ServerStream", opts...)
	if err != nil {
		return nil, err
	}
	x := &testServiceServerStreamClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// TestService_ServerStreamClient is the client side of the server-stream
// method.
type TestService_ServerStreamClient interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type testServiceServerStreamClient struct {
	grpc.ClientStream
}

func (x *testServiceServerStreamClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *testServiceClient) BidiStream(ctx context.Context, opts ...grpc.CallOption) (TestService_BidiStreamClient, error) {
	desc := &testServiceDesc.Streams[2]
	sd := &grpc.StreamDesc{StreamName: desc.StreamName, ClientStreams: desc.ClientStreams, ServerStreams: desc.ServerStreams}
	stream, err := c.ch.NewStream(ctx, sd, "/meshtesting.TestService/BidiStream", opts...)
	if err != nil {
		return nil, err
	}
	return &testServiceBidiStreamClient{stream}, nil
}

// TestService_BidiStreamClient is the client side of the bidi-stream
// method.
type TestService_BidiStreamClient interface {
	Send(*structpb.Struct) error
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type testServiceBidiStreamClient struct {
	grpc.ClientStream
}

func (x *testServiceBidiStreamClient) Send(m *structpb.Struct) error {
	return x.ClientStream.SendMsg(m)
}

func (x *testServiceBidiStreamClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
