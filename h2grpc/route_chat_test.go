package h2grpc_test

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/altgrid/grpcmesh/h2grpc"
)

// chatServer replies to each inbound note with every prior note recorded
// at the same location, exercising genuinely interleaved bidi traffic.
type chatServer struct {
	mu    sync.Mutex
	notes map[string][]*structpb.Struct
}

func (s *chatServer) chat(stream grpc.ServerStream) error {
	for {
		note := new(structpb.Struct)
		if err := stream.RecvMsg(note); err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		loc := note.GetFields()["location"].GetStringValue()

		s.mu.Lock()
		prior := append([]*structpb.Struct(nil), s.notes[loc]...)
		s.notes[loc] = append(s.notes[loc], note)
		s.mu.Unlock()

		for _, p := range prior {
			if err := stream.SendMsg(p); err != nil {
				return err
			}
		}
	}
}

var chatServiceDesc = grpc.ServiceDesc{
	ServiceName: "routechat.RouteChat",
	HandlerType: (*interface{})(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Chat",
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				return srv.(*chatServer).chat(stream)
			},
			ClientStreams: true,
			ServerStreams: true,
		},
	},
}

func TestRouteChatHistory(t *testing.T) {
	svr := h2grpc.NewServer()
	svr.RegisterService(&chatServiceDesc, &chatServer{notes: map[string][]*structpb.Struct{}})
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	go svr.Serve(lis)
	t.Cleanup(func() { svr.Stop() })

	sc := h2grpc.NewSubchannel(h2grpc.Endpoint{Host: "127.0.0.1", Port: lis.Addr().(*net.TCPAddr).Port})
	defer sc.Stop()

	desc := &grpc.StreamDesc{StreamName: "Chat", ClientStreams: true, ServerStreams: true}
	stream, err := sc.NewStream(context.Background(), desc, "/routechat.RouteChat/Chat")
	if err != nil {
		t.Fatalf("opening stream: %v", err)
	}

	note := func(loc, msg string) *structpb.Struct {
		m, _ := structpb.NewStruct(map[string]interface{}{"location": loc, "message": msg})
		return m
	}
	// locations A, B, A: only the third note has history to replay
	for _, n := range []*structpb.Struct{note("A", "first"), note("B", "second"), note("A", "third")} {
		if err := stream.SendMsg(n); err != nil {
			t.Fatalf("sending note: %v", err)
		}
	}
	if err := stream.CloseSend(); err != nil {
		t.Fatalf("closing send: %v", err)
	}

	var got []*structpb.Struct
	for {
		m := new(structpb.Struct)
		err := stream.RecvMsg(m)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("receiving: %v", err)
		}
		got = append(got, m)
	}

	if len(got) != 1 {
		t.Fatalf("expected exactly one replayed note; got %d", len(got))
	}
	if msg := got[0].GetFields()["message"].GetStringValue(); msg != "first" {
		t.Fatalf("wrong note replayed: %q", msg)
	}
}
