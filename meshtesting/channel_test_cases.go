package meshtesting

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/golang/protobuf/proto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/altgrid/grpcmesh"
)

// RunChannelTestCases runs numerous test cases to exercise the behavior of
// the given channel. The server side of the channel needs to have a
// *TestServer (in this package) registered as the implementation of
// meshtesting.TestService.
//
// The test cases are defined as child tests by invoking t.Run on the given
// *testing.T.
func RunChannelTestCases(t *testing.T, ch grpcmesh.Channel) {
	cli := NewTestServiceClient(ch)
	t.Run("unary", func(t *testing.T) { testUnary(t, cli) })
	t.Run("client-stream", func(t *testing.T) { testClientStream(t, cli) })
	t.Run("server-stream", func(t *testing.T) { testServerStream(t, cli) })
	t.Run("bidi-stream", func(t *testing.T) { testBidiStream(t, cli) })
}

var (
	testPayload = "worthwhile-payload"

	testOutgoingMd = map[string]string{
		"foo":        "bar",
		"baz":        "bedazzle",
		"pickle-bin": "\x01\x02\x03\x00\x7f",
	}

	testMdHeaders = map[string]string{
		"foo1":        "bar4",
		"baz2":        "bedazzle5",
		"pickle3-bin": "\x04\x05\x06",
	}

	testMdTrailers = map[string]string{
		"4foo4":        "7bar7",
		"5baz5":        "8bedazzle8",
		"6pickle6-bin": "\x07\x08\x09",
	}
)

// reqFields builds the standard request: echo the payload and set the test
// headers and trailers on the response.
func reqFields() map[string]interface{} {
	return map[string]interface{}{
		"payload":  testPayload,
		"headers":  asInterfaceMap(testMdHeaders),
		"trailers": asInterfaceMap(testMdTrailers),
	}
}

func asInterfaceMap(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func testUnary(t *testing.T, cli TestServiceClient) {
	ctx := metadata.NewOutgoingContext(context.Background(), metadata.New(testOutgoingMd))

	t.Run("success", func(t *testing.T) {
		var hdr, tlr metadata.MD
		rsp, err := cli.Unary(ctx, NewMessage(reqFields()), grpc.Header(&hdr), grpc.Trailer(&tlr))
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}
		if got := getString(rsp, "payload"); got != testPayload {
			t.Fatalf("wrong payload returned: expecting %q; got %q", testPayload, got)
		}
		checkRequestHeaders(t, testOutgoingMd, rsp)
		checkMetadata(t, testMdHeaders, hdr, "header")
		checkMetadata(t, testMdTrailers, tlr, "trailer")
	})

	t.Run("failure", func(t *testing.T) {
		fields := reqFields()
		fields["code"] = float64(codes.AlreadyExists)
		fields["details"] = true
		_, err := cli.Unary(ctx, NewMessage(fields))
		checkError(t, err, codes.AlreadyExists, true)
	})

	t.Run("timeout", func(t *testing.T) {
		fields := reqFields()
		fields["delay_ms"] = 500.0
		tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		_, err := cli.Unary(tctx, NewMessage(fields))
		checkError(t, err, codes.DeadlineExceeded, false)
	})

	t.Run("canceled", func(t *testing.T) {
		fields := reqFields()
		fields["delay_ms"] = 500.0
		cctx, cancel := context.WithCancel(ctx)
		time.AfterFunc(100*time.Millisecond, cancel)
		_, err := cli.Unary(cctx, NewMessage(fields))
		checkError(t, err, codes.Canceled, false)
	})
}

func testClientStream(t *testing.T, cli TestServiceClient) {
	ctx := metadata.NewOutgoingContext(context.Background(), metadata.New(testOutgoingMd))

	t.Run("success", func(t *testing.T) {
		cs, err := cli.ClientStream(ctx)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}
		for i := 0; i < 3; i++ {
			if err := cs.Send(NewMessage(reqFields())); err != nil {
				t.Fatalf("sending message #%d failed: %v", i+1, err)
			}
		}
		m, err := cs.CloseAndRecv()
		if err != nil {
			t.Fatalf("receiving message failed: %v", err)
		}
		if got := getString(m, "payload"); got != testPayload {
			t.Fatalf("wrong payload returned: expecting %q; got %q", testPayload, got)
		}
		if got := getInt(m, "count"); got != 3 {
			t.Fatalf("wrong count returned: expecting %d; got %d", 3, got)
		}
		checkRequestHeaders(t, testOutgoingMd, m)
		checkResponseMetadata(t, cs, testMdHeaders, testMdTrailers)
	})

	t.Run("failure", func(t *testing.T) {
		cs, err := cli.ClientStream(ctx)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}
		fields := reqFields()
		fields["code"] = float64(codes.ResourceExhausted)
		fields["details"] = true
		if err := cs.Send(NewMessage(fields)); err != nil {
			t.Fatalf("sending message failed: %v", err)
		}
		_, err = cs.CloseAndRecv()
		checkError(t, err, codes.ResourceExhausted, true)
		checkResponseMetadata(t, cs, testMdHeaders, testMdTrailers)
	})

	t.Run("timeout", func(t *testing.T) {
		tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		cs, err := cli.ClientStream(tctx)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}
		fields := reqFields()
		fields["delay_ms"] = 500.0
		if err := cs.Send(NewMessage(fields)); err != nil {
			t.Fatalf("sending message failed: %v", err)
		}
		_, err = cs.CloseAndRecv()
		checkError(t, err, codes.DeadlineExceeded, false)
	})

	t.Run("canceled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		time.AfterFunc(100*time.Millisecond, cancel)
		cs, err := cli.ClientStream(cctx)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}
		fields := reqFields()
		fields["delay_ms"] = 500.0
		if err := cs.Send(NewMessage(fields)); err != nil {
			t.Fatalf("sending message failed: %v", err)
		}
		_, err = cs.CloseAndRecv()
		checkError(t, err, codes.Canceled, false)
	})
}

func testServerStream(t *testing.T, cli TestServiceClient) {
	ctx := metadata.NewOutgoingContext(context.Background(), metadata.New(testOutgoingMd))

	t.Run("success", func(t *testing.T) {
		fields := reqFields()
		fields["count"] = 5.0
		ss, err := cli.ServerStream(ctx, NewMessage(fields))
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}
		checkResponseHeaders(t, ss, testMdHeaders)
		for i := 0; i < 5; i++ {
			m, err := ss.Recv()
			if err != nil {
				t.Fatalf("receiving message #%d failed: %v", i+1, err)
			}
			if got := getString(m, "payload"); got != testPayload {
				t.Fatalf("wrong payload returned: expecting %q; got %q", testPayload, got)
			}
			checkRequestHeaders(t, testOutgoingMd, m)
		}
		if _, err := ss.Recv(); err != io.EOF {
			t.Fatalf("expected EOF; got %v", err)
		}
		checkResponseTrailers(t, ss, testMdTrailers)
	})

	t.Run("failure", func(t *testing.T) {
		fields := reqFields()
		fields["count"] = 2.0
		fields["code"] = float64(codes.FailedPrecondition)
		fields["details"] = true
		ss, err := cli.ServerStream(ctx, NewMessage(fields))
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}
		checkResponseHeaders(t, ss, testMdHeaders)
		for i := 0; i < 2; i++ {
			if _, err := ss.Recv(); err != nil {
				t.Fatalf("receiving message #%d failed: %v", i+1, err)
			}
		}
		_, err = ss.Recv()
		checkError(t, err, codes.FailedPrecondition, true)
		checkResponseTrailers(t, ss, testMdTrailers)
	})

	t.Run("timeout", func(t *testing.T) {
		fields := reqFields()
		fields["delay_ms"] = 500.0
		tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		ss, err := cli.ServerStream(tctx, NewMessage(fields))
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}
		_, err = ss.Recv()
		checkError(t, err, codes.DeadlineExceeded, false)
	})
}

func testBidiStream(t *testing.T, cli TestServiceClient) {
	ctx := metadata.NewOutgoingContext(context.Background(), metadata.New(testOutgoingMd))

	t.Run("full-duplex", func(t *testing.T) {
		bs, err := cli.BidiStream(ctx)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}
		// ping-pong: each echo observed before the next send
		for i := 1; i <= 3; i++ {
			if err := bs.Send(NewMessage(reqFields())); err != nil {
				t.Fatalf("sending message #%d failed: %v", i, err)
			}
			m, err := bs.Recv()
			if err != nil {
				t.Fatalf("receiving message #%d failed: %v", i, err)
			}
			if got := getInt(m, "count"); got != i {
				t.Fatalf("wrong count returned: expecting %d; got %d", i, got)
			}
			if got := getString(m, "payload"); got != testPayload {
				t.Fatalf("wrong payload returned: expecting %q; got %q", testPayload, got)
			}
		}
		if err := bs.CloseSend(); err != nil {
			t.Fatalf("closing send failed: %v", err)
		}
		if _, err := bs.Recv(); err != io.EOF {
			t.Fatalf("expected EOF; got %v", err)
		}
		checkResponseMetadata(t, bs, testMdHeaders, testMdTrailers)
	})

	t.Run("failure", func(t *testing.T) {
		bs, err := cli.BidiStream(ctx)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}
		fields := reqFields()
		fields["code"] = float64(codes.Aborted)
		if err := bs.Send(NewMessage(fields)); err != nil {
			t.Fatalf("sending message failed: %v", err)
		}
		if err := bs.CloseSend(); err != nil {
			t.Fatalf("closing send failed: %v", err)
		}
		_, err = bs.Recv()
		checkError(t, err, codes.Aborted, false)
	})
}

type headerer interface {
	Header() (metadata.MD, error)
}

type trailerer interface {
	Trailer() metadata.MD
}

func checkResponseMetadata(t *testing.T, str interface {
	headerer
	trailerer
}, hdrs, tlrs map[string]string) {
	t.Helper()
	checkResponseHeaders(t, str, hdrs)
	checkResponseTrailers(t, str, tlrs)
}

func checkResponseHeaders(t *testing.T, str headerer, hdrs map[string]string) {
	t.Helper()
	hdr, err := str.Header()
	if err != nil {
		t.Fatalf("failed to get header metadata: %v", err)
	}
	checkMetadata(t, hdrs, hdr, "header")
}

func checkResponseTrailers(t *testing.T, str trailerer, tlrs map[string]string) {
	t.Helper()
	checkMetadata(t, tlrs, str.Trailer(), "trailer")
}

// checkRequestHeaders verifies that the metadata the server observed (the
// "md" echo field in its responses) includes the metadata the client sent.
func checkRequestHeaders(t *testing.T, want map[string]string, rsp *structpb.Struct) {
	t.Helper()
	echo, ok := rsp.GetFields()["md"]
	if !ok {
		t.Fatalf("response contains no metadata echo")
	}
	got := echo.GetStructValue().GetFields()
	for k, v := range want {
		f, ok := got[k]
		if !ok {
			t.Errorf("server did not observe metadata %q", k)
			continue
		}
		if f.GetStringValue() != v {
			t.Errorf("server observed wrong value for metadata %q: expecting %q; got %q", k, v, f.GetStringValue())
		}
	}
}

func checkMetadata(t *testing.T, want map[string]string, got metadata.MD, what string) {
	t.Helper()
	for k, v := range want {
		vs := got.Get(k)
		found := false
		for _, g := range vs {
			if g == v {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("%s metadata %q: expecting value %q; got %v", what, k, v, vs)
		}
	}
}

func checkError(t *testing.T, err error, code codes.Code, wantDetails bool) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected RPC to fail with code %v", code)
	}
	st, ok := status.FromError(err)
	if !ok {
		t.Fatalf("wrong type of error %T: %v", err, err)
	}
	if st.Code() != code {
		t.Fatalf("wrong error code: %v != %v (%v)", st.Code(), code, err)
	}
	if wantDetails {
		details := st.Details()
		if len(details) != len(TestErrorDetails) {
			t.Fatalf("wrong number of error details: expecting %d; got %d", len(TestErrorDetails), len(details))
		}
		for i, d := range details {
			msg, ok := d.(proto.Message)
			if !ok {
				t.Fatalf("error detail #%d is not a message: %T", i, d)
			}
			if !proto.Equal(msg, TestErrorDetails[i]) {
				t.Fatalf("wrong error detail #%d: expecting %v; got %v", i, TestErrorDetails[i], msg)
			}
		}
	}
}
