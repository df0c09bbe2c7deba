package h2grpc

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/stats"
	"google.golang.org/grpc/status"

	"github.com/altgrid/grpcmesh/internal"
	"github.com/altgrid/grpcmesh/wire"
)

// serverStream is the server half of one call: it enforces the per-stream
// state machine (headers once, then message frames, then exactly one
// terminal status) over the HTTP/2 request/response pair.
type serverStream struct {
	ctx context.Context

	codec     encoding.Codec
	recvComp  wire.Compressor
	sendComp  wire.Compressor
	acceptEnc string
	maxRecv   int
	maxSend   int

	stats     stats.Handler
	beginTime time.Time

	// respStream/reqStream record the method's shape so the stream can
	// reject handler or peer behavior the shape forbids.
	respStream bool
	reqStream  bool

	// rmu serializes reads from r and protects recvd
	rmu   sync.Mutex
	r     *http.Request
	recvd int

	// wmu serializes writes to w and protects the header/trailer state
	wmu         sync.Mutex
	w           http.ResponseWriter
	hdrs        metadata.MD
	headersSent bool
	sentMsgs    int
	writeFailed bool
	finished    bool
	trailers    []metadata.MD
}

var _ grpc.ServerStream = (*serverStream)(nil)

func (s *serverStream) Context() context.Context {
	return s.ctx
}

func (s *serverStream) SetHeader(md metadata.MD) error {
	return s.setHeader(md, false)
}

func (s *serverStream) SendHeader(md metadata.MD) error {
	return s.setHeader(md, true)
}

func (s *serverStream) setHeader(md metadata.MD, send bool) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if s.headersSent {
		return status.Error(codes.Internal, "headers already sent")
	}
	if len(md) > 0 {
		if s.hdrs == nil {
			s.hdrs = metadata.MD{}
		}
		for k, v := range md {
			s.hdrs[k] = append(s.hdrs[k], v...)
		}
	}
	if send {
		s.sendHeadersLocked()
	}
	return nil
}

// sendHeadersLocked writes the response HEADERS frame: content type,
// negotiated encoding, accepted encodings, and any buffered user metadata.
// Callers must hold wmu.
func (s *serverStream) sendHeadersLocked() {
	h := s.w.Header()
	h.Set("Content-Type", wire.ContentType(s.codec.Name()))
	if s.sendComp != nil {
		h.Set("Grpc-Encoding", s.sendComp.Name())
	}
	h.Set("Grpc-Accept-Encoding", s.acceptEnc)
	wire.ToHeaders(s.hdrs, h, "")
	s.w.WriteHeader(http.StatusOK)
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	s.headersSent = true
	if s.stats != nil {
		s.stats.HandleRPC(s.ctx, &stats.OutHeader{Header: s.hdrs.Copy()})
	}
}

func (s *serverStream) SetTrailer(md metadata.MD) {
	_ = s.TrySetTrailer(md)
}

// TrySetTrailer buffers trailer metadata, failing once the terminal status
// has been written.
func (s *serverStream) TrySetTrailer(md metadata.MD) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if s.finished {
		return status.Error(codes.Internal, "trailers already sent")
	}
	s.trailers = append(s.trailers, md)
	return nil
}

func (s *serverStream) SendMsg(m interface{}) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if s.writeFailed {
		// Matches real gRPC: the stream is closed after a write failure
		// and further sends report EOF.
		return io.EOF
	}
	if s.finished {
		return io.EOF
	}
	if !s.respStream && s.sentMsgs > 0 {
		return status.Error(codes.Internal, "method sends at most 1 response message")
	}

	b, err := s.codec.Marshal(m)
	if err != nil {
		return status.Errorf(codes.Internal, "grpc: error while marshaling: %v", err)
	}
	if s.maxSend > 0 && len(b) > s.maxSend {
		return status.Errorf(codes.ResourceExhausted, "grpc: trying to send message larger than max (%d vs. %d)", len(b), s.maxSend)
	}
	payload := b
	compressed := false
	if s.sendComp != nil {
		if payload, err = s.sendComp.Compress(b); err != nil {
			return status.Errorf(codes.Internal, "grpc: error while compressing: %v", err)
		}
		compressed = true
	}

	if !s.headersSent {
		s.sendHeadersLocked()
	}
	if err := wire.WriteFrame(s.w, payload, compressed); err != nil {
		s.writeFailed = true
		return err
	}
	s.sentMsgs++
	if s.stats != nil {
		s.stats.HandleRPC(s.ctx, &stats.OutPayload{
			Payload:    m,
			Length:     len(b),
			WireLength: len(payload) + 5,
			SentTime:   time.Now(),
		})
	}
	return nil
}

func (s *serverStream) RecvMsg(m interface{}) error {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	if !s.reqStream && s.recvd > 0 {
		return io.EOF
	}
	s.recvd++

	payload, compressed, err := wire.ReadFrame(s.r.Body, s.maxRecv)
	if err != nil {
		return s.translateRecvError(err)
	}

	b := payload
	if compressed {
		if s.recvComp == nil {
			return status.Error(codes.Internal, "grpc: compressed flag set with identity or unset encoding")
		}
		if b, err = s.recvComp.Decompress(payload); err != nil {
			return status.Errorf(codes.Internal, "grpc: failed to decompress the received message: %v", err)
		}
		if len(b) > s.maxRecv {
			return status.Errorf(codes.ResourceExhausted, "grpc: received message after decompression larger than max (%d vs. %d)", len(b), s.maxRecv)
		}
	}
	if err := s.codec.Unmarshal(b, m); err != nil {
		return status.Errorf(codes.Internal, "grpc: failed to unmarshal the received message: %v", err)
	}

	if !s.reqStream {
		// The shape allows exactly one request; the next read must be the
		// client's half-close.
		if _, _, err := wire.ReadFrame(s.r.Body, s.maxRecv); err != io.EOF {
			return status.Error(codes.InvalidArgument, "method accepts 1 request message but client sent more")
		}
	}

	if s.stats != nil {
		s.stats.HandleRPC(s.ctx, &stats.InPayload{
			Payload:    m,
			Length:     len(b),
			WireLength: len(payload) + 5,
			RecvTime:   time.Now(),
		})
	}
	return nil
}

// translateRecvError classifies a failed body read: the peer's half-close
// is end-of-stream, a cancelled call maps to its context error, a stream
// that died mid-frame is Unavailable.
func (s *serverStream) translateRecvError(err error) error {
	if err == io.EOF {
		return io.EOF
	}
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return internal.TranslateContextError(ctxErr)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return status.Error(codes.Unavailable, "stream closed mid-frame")
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Errorf(codes.Internal, "grpc: error reading request frame: %v", err)
}

// finish writes the call's terminal status exactly once. If nothing has
// been written yet the response is trailer-only: status and trailer
// metadata travel in the single HEADERS frame. Otherwise they are written
// as HTTP trailers after the message frames.
func (s *serverStream) finish(ctx context.Context, st *status.Status) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if s.finished {
		return
	}
	s.finished = true

	trailerMD := metadata.Join(s.trailers...)
	if !s.writeFailed {
		if !s.headersSent {
			// Trailer-only: headers and trailers combine in the single
			// HEADERS frame.
			h := s.w.Header()
			h.Set("Content-Type", wire.ContentType(s.codec.Name()))
			wire.ToHeaders(s.hdrs, h, "")
			wire.ToHeaders(trailerMD, h, "")
			wire.WriteStatus(h, "", st)
			s.w.WriteHeader(http.StatusOK)
		} else {
			h := s.w.Header()
			wire.ToHeaders(trailerMD, h, http.TrailerPrefix)
			wire.WriteStatus(h, http.TrailerPrefix, st)
		}
	}

	if s.stats != nil {
		s.stats.HandleRPC(ctx, &stats.OutTrailer{Trailer: trailerMD.Copy()})
		end := &stats.End{BeginTime: s.beginTime, EndTime: time.Now(), Trailer: trailerMD.Copy()}
		if st.Code() != codes.OK {
			end.Error = st.Err()
		}
		s.stats.HandleRPC(ctx, end)
	}
}
