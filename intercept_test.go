package grpcmesh_test

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/altgrid/grpcmesh"
	"github.com/altgrid/grpcmesh/internal"
	"github.com/altgrid/grpcmesh/meshtesting"
)

func TestInterceptServerUnary(t *testing.T) {
	svr := &meshtesting.TestServer{}
	handlers := grpcmesh.HandlerMap{}

	// composition: the interceptor supplied at dispatch time wraps the one
	// given at registration time
	var lastSeen string
	outerInt := func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		lastSeen = "a"
		return handler(ctx, req)
	}

	var successCount, failCount int
	meshtesting.RegisterTestServiceServer(grpcmesh.WithInterceptor(handlers,
		func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
			if lastSeen != "a" {
				return nil, fmt.Errorf("outer interceptor should have run first")
			}
			lastSeen = "b"
			resp, err := handler(ctx, req)
			if err != nil {
				failCount++
			} else {
				successCount++
			}
			return resp, err
		}, nil), svr)

	sd, ss := handlers.QueryService("meshtesting.TestService")
	if ss != svr {
		t.Fatalf("queried handler does not match registered handler! %v != %v", ss, svr)
	}
	if sd == nil {
		t.Fatalf("service descriptor not found")
	}
	md := internal.FindUnaryMethod("Unary", sd.Methods)
	if md == nil {
		t.Fatalf("method descriptor not found")
	}

	req := meshtesting.NewMessage(map[string]interface{}{"payload": "knock knock"})
	dec := func(out interface{}) error {
		out.(*structpb.Struct).Fields = req.GetFields()
		return nil
	}

	// success
	resp, err := md.Handler(svr, context.Background(), dec, outerInt)
	if err != nil {
		t.Fatalf("RPC failed: %v", err)
	}
	if got := resp.(*structpb.Struct).GetFields()["payload"].GetStringValue(); got != "knock knock" {
		t.Fatalf("unexpected reply payload: %q", got)
	}
	if lastSeen != "b" {
		t.Fatalf("interceptors not composed correctly")
	}

	// failure
	req = meshtesting.NewMessage(map[string]interface{}{"code": float64(codes.Aborted)})
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("foo", "bar"))
	_, err = md.Handler(svr, ctx, dec, outerInt)
	if err == nil {
		t.Fatalf("expected RPC to fail")
	}
	if s, ok := status.FromError(err); !ok || s.Code() != codes.Aborted {
		t.Fatalf("wrong error: %v", err)
	}
	if lastSeen != "b" {
		t.Fatalf("interceptors not composed correctly")
	}

	if successCount != 1 || failCount != 1 {
		t.Fatalf("interceptor observed wrong RPC counts: %d successes, %d failures", successCount, failCount)
	}
}

// TestChainUnaryServerOrder checks the composition law: chaining [a, b, c]
// behaves as a wrapping b wrapping c wrapping the handler.
func TestChainUnaryServerOrder(t *testing.T) {
	var events []string
	mkInt := func(name string) grpc.UnaryServerInterceptor {
		return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
			events = append(events, "pre:"+name)
			resp, err := handler(ctx, req)
			events = append(events, "post:"+name)
			return resp, err
		}
	}

	handlers := grpcmesh.HandlerMap{}
	reg := grpcmesh.WithUnaryInterceptors(handlers, mkInt("a"), mkInt("b"), mkInt("c"))
	meshtesting.RegisterTestServiceServer(reg, &meshtesting.TestServer{})

	sd, _ := handlers.QueryService("meshtesting.TestService")
	md := internal.FindUnaryMethod("Unary", sd.Methods)

	req := meshtesting.NewMessage(map[string]interface{}{"payload": "x"})
	dec := func(out interface{}) error {
		out.(*structpb.Struct).Fields = req.GetFields()
		return nil
	}
	if _, err := md.Handler(&meshtesting.TestServer{}, context.Background(), dec, nil); err != nil {
		t.Fatalf("RPC failed: %v", err)
	}

	want := []string{"pre:a", "pre:b", "pre:c", "post:c", "post:b", "post:a"}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("wrong interceptor order: %v", events)
	}
}

func TestInterceptServerStream(t *testing.T) {
	svr := &meshtesting.TestServer{}
	handlers := grpcmesh.HandlerMap{}

	var messageCount, completions int
	meshtesting.RegisterTestServiceServer(grpcmesh.WithInterceptor(handlers, nil,
		func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
			err := handler(srv, &countingServerStream{ServerStream: ss, count: &messageCount})
			completions++
			return err
		}), svr)

	sd, _ := handlers.QueryService("meshtesting.TestService")
	csdesc := internal.FindStreamingMethod("ClientStream", sd.Streams)
	if csdesc == nil {
		t.Fatalf("ClientStream stream descriptor not found")
	}

	reqs := []*structpb.Struct{
		meshtesting.NewMessage(map[string]interface{}{"payload": "one"}),
		meshtesting.NewMessage(map[string]interface{}{"payload": "two"}),
	}
	fake := &fakeServerStream{ctx: context.Background(), toRecv: reqs}
	if err := csdesc.Handler(svr, fake); err != nil {
		t.Fatalf("RPC failed: %v", err)
	}

	if messageCount != 3 {
		// two received plus one sent
		t.Fatalf("interceptor observed %d messages; want 3", messageCount)
	}
	if completions != 1 {
		t.Fatalf("interceptor observed %d completions; want 1", completions)
	}
	if len(fake.sent) != 1 {
		t.Fatalf("server sent %d responses; want 1", len(fake.sent))
	}
	if got := fake.sent[0].GetFields()["count"].GetNumberValue(); got != 2 {
		t.Fatalf("server counted %v requests; want 2", got)
	}
}

// countingServerStream counts every message that crosses the stream in
// either direction.
type countingServerStream struct {
	grpc.ServerStream
	count *int
}

func (s *countingServerStream) SendMsg(m interface{}) error {
	err := s.ServerStream.SendMsg(m)
	if err == nil {
		*s.count++
	}
	return err
}

func (s *countingServerStream) RecvMsg(m interface{}) error {
	err := s.ServerStream.RecvMsg(m)
	if err == nil {
		*s.count++
	}
	return err
}

// fakeServerStream feeds canned requests to a handler and records what it
// sends back.
type fakeServerStream struct {
	ctx    context.Context
	toRecv []*structpb.Struct
	sent   []*structpb.Struct
	hdrs   metadata.MD
	tlrs   metadata.MD
}

func (s *fakeServerStream) SetHeader(md metadata.MD) error {
	s.hdrs = metadata.Join(s.hdrs, md)
	return nil
}

func (s *fakeServerStream) SendHeader(md metadata.MD) error {
	return s.SetHeader(md)
}

func (s *fakeServerStream) SetTrailer(md metadata.MD) {
	s.tlrs = metadata.Join(s.tlrs, md)
}

func (s *fakeServerStream) Context() context.Context {
	return s.ctx
}

func (s *fakeServerStream) SendMsg(m interface{}) error {
	s.sent = append(s.sent, m.(*structpb.Struct))
	return nil
}

func (s *fakeServerStream) RecvMsg(m interface{}) error {
	if len(s.toRecv) == 0 {
		return io.EOF
	}
	m.(*structpb.Struct).Fields = s.toRecv[0].GetFields()
	s.toRecv = s.toRecv[1:]
	return nil
}

func TestInterceptClientConnUnary(t *testing.T) {
	var events []string
	mkInt := func(name string) grpc.UnaryClientInterceptor {
		return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
			events = append(events, "pre:"+name)
			err := invoker(ctx, method, req, reply, cc, opts...)
			events = append(events, "post:"+name)
			return err
		}
	}

	base := &recordingChannel{}
	ch := grpcmesh.InterceptClientConnUnary(base, mkInt("a"), mkInt("b"))

	w, ok := ch.(grpcmesh.WrappedClientConn)
	if !ok {
		t.Fatalf("intercepted channel does not implement WrappedClientConn")
	}
	if w.Unwrap() != grpc.ClientConnInterface(base) {
		t.Fatalf("Unwrap did not return the base channel")
	}

	err := ch.Invoke(context.Background(), "/foo.Bar/Baz", nil, nil)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	want := []string{"pre:a", "pre:b", "post:b", "post:a"}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("wrong interceptor order: %v", events)
	}
	if base.invocations != 1 {
		t.Fatalf("base channel invoked %d times; want 1", base.invocations)
	}

	// stacking another interceptor collapses into a single wrapper
	ch2 := grpcmesh.InterceptClientConnUnary(ch, mkInt("outer"))
	events = nil
	if err := ch2.Invoke(context.Background(), "/foo.Bar/Baz", nil, nil); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	want = []string{"pre:outer", "pre:a", "pre:b", "post:b", "post:a", "post:outer"}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("wrong stacked interceptor order: %v", events)
	}
	if w2, ok := ch2.(grpcmesh.WrappedClientConn); !ok || w2.Unwrap() != grpc.ClientConnInterface(base) {
		t.Fatalf("stacked wrapper does not unwrap to the base channel")
	}
}

type recordingChannel struct {
	invocations int
	streams     int
}

func (c *recordingChannel) Invoke(ctx context.Context, method string, req, reply interface{}, opts ...grpc.CallOption) error {
	c.invocations++
	return nil
}

func (c *recordingChannel) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	c.streams++
	return nil, nil
}
