package meshtesting

import (
	"context"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/protobuf/types/known/anypb"
)

// TestServer has default responses to the various kinds of methods. The
// request message drives its behavior: see message.go for the fields.
type TestServer struct{}

var _ TestServiceServer = (*TestServer)(nil)

// Unary implements the TestService server interface.
func (s *TestServer) Unary(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if d := getInt(req, "delay_ms"); d > 0 {
		time.Sleep(time.Duration(d) * time.Millisecond)
	}
	grpc.SetHeader(ctx, getMetadata(req, "headers"))
	grpc.SetTrailer(ctx, getMetadata(req, "trailers"))
	if getInt(req, "code") != 0 {
		return nil, statusFromRequest(req)
	}
	md, _ := metadata.FromIncomingContext(ctx)
	return response(md, getString(req, "payload"), 0), nil
}

// ClientStream implements the TestService server interface. It counts the
// request messages; the last message's fields control the response.
func (s *TestServer) ClientStream(cs TestService_ClientStreamServer) error {
	var req *structpb.Struct
	count := 0
	for {
		r, err := cs.Recv()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		req = r
		count++
		if getInt(req, "code") != 0 {
			break
		}
	}
	if req == nil {
		req = &structpb.Struct{}
	}
	if d := getInt(req, "delay_ms"); d > 0 {
		time.Sleep(time.Duration(d) * time.Millisecond)
	}
	if err := cs.SendHeader(getMetadata(req, "headers")); err != nil {
		return err
	}
	cs.SetTrailer(getMetadata(req, "trailers"))
	if getInt(req, "code") != 0 {
		return statusFromRequest(req)
	}
	md, _ := metadata.FromIncomingContext(cs.Context())
	return cs.SendAndClose(response(md, getString(req, "payload"), count))
}

// ServerStream implements the TestService server interface. It sends the
// requested count of copies of the payload.
func (s *TestServer) ServerStream(req *structpb.Struct, ss TestService_ServerStreamServer) error {
	if d := getInt(req, "delay_ms"); d > 0 {
		time.Sleep(time.Duration(d) * time.Millisecond)
	}
	md, _ := metadata.FromIncomingContext(ss.Context())
	if err := ss.SetHeader(getMetadata(req, "headers")); err != nil {
		return err
	}
	for i := 0; i < getInt(req, "count"); i++ {
		if err := ss.Send(response(md, getString(req, "payload"), 0)); err != nil {
			return err
		}
	}
	ss.SetTrailer(getMetadata(req, "trailers"))
	if getInt(req, "code") != 0 {
		return statusFromRequest(req)
	}
	return nil
}

// BidiStream implements the TestService server interface. Each request is
// echoed as it arrives; a request with a non-zero code terminates the
// stream with that status.
func (s *TestServer) BidiStream(str TestService_BidiStreamServer) error {
	md, _ := metadata.FromIncomingContext(str.Context())
	var req *structpb.Struct
	count := 0
	for {
		r, err := str.Recv()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		req = r
		if d := getInt(req, "delay_ms"); d > 0 {
			time.Sleep(time.Duration(d) * time.Millisecond)
		}
		if count == 0 {
			// headers must go out before the first echoed message
			if err := str.SetHeader(getMetadata(req, "headers")); err != nil {
				return err
			}
		}
		count++
		if getInt(req, "code") != 0 {
			break
		}
		if err := str.Send(response(md, getString(req, "payload"), count)); err != nil {
			return err
		}
	}
	if req != nil {
		str.SetTrailer(getMetadata(req, "trailers"))
		if getInt(req, "code") != 0 {
			return statusFromRequest(req)
		}
	}
	return nil
}

func response(md metadata.MD, payload string, count int) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"payload": structpb.NewStringValue(payload),
		"md":      mdAsValue(md),
	}
	if count > 0 {
		fields["count"] = structpb.NewNumberValue(float64(count))
	}
	return &structpb.Struct{Fields: fields}
}

// TestErrorDetails are the error details attached to failure statuses when
// the request sets the details flag.
var TestErrorDetails = []*wrapperspb.StringValue{
	wrapperspb.String("detail-one"),
	wrapperspb.String("detail-two"),
}

func statusFromRequest(req *structpb.Struct) error {
	stpb := &spb.Status{
		Code:    int32(getInt(req, "code")),
		Message: "error",
	}
	if getBool(req, "details") {
		for _, d := range TestErrorDetails {
			a, err := anypb.New(d)
			if err != nil {
				panic(err)
			}
			stpb.Details = append(stpb.Details, a)
		}
	}
	return status.FromProto(stpb).Err()
}
