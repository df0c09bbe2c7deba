package h2grpc

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/stats"
	"google.golang.org/grpc/status"

	"github.com/altgrid/grpcmesh/internal"
	"github.com/altgrid/grpcmesh/wire"
)

// clientStream is the client half of one call. A goroutine (run) performs
// the HTTP/2 round trip and decodes the response stream into messages
// delivered via rCh; sending is synchronous, framing messages onto the
// pipe that feeds the request body, which is how HTTP/2 flow-control
// back-pressure reaches the caller.
type clientStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	sc     *Subchannel

	// respStream records whether the method's reply is a stream; when
	// false the stream enforces the single-response contract.
	respStream bool

	sendComp wire.Compressor

	beginTime time.Time

	// hd and hdErr are populated when ready is done
	ready sync.WaitGroup
	hdErr error
	hd    metadata.MD

	// rCh delivers decompressed message payloads from run to RecvMsg.
	// done must be set before rCh is closed.
	rCh chan []byte

	// rMu protects done, rErr, recvComp, st, and tr
	rMu      sync.RWMutex
	done     bool
	rErr     error
	recvComp wire.Compressor
	st       *status.Status
	tr       metadata.MD

	// wMu protects w and wErr
	wMu  sync.Mutex
	w    io.WriteCloser
	wErr error
}

var _ grpc.ClientStream = (*clientStream)(nil)

func newClientStream(ctx context.Context, cancel context.CancelFunc, w io.WriteCloser, recvStream bool, sc *Subchannel, sendComp wire.Compressor) *clientStream {
	cs := &clientStream{
		ctx:        ctx,
		cancel:     cancel,
		sc:         sc,
		w:          w,
		respStream: recvStream,
		sendComp:   sendComp,
		beginTime:  time.Now(),
		rCh:        make(chan []byte),
	}
	cs.ready.Add(1)
	return cs
}

// Header blocks until the response HEADERS frame arrives (nil for
// trailer-only responses).
func (cs *clientStream) Header() (metadata.MD, error) {
	cs.ready.Wait()
	return cs.hd, cs.hdErr
}

// Trailer returns the trailer metadata. It is only populated after the
// stream has completed.
func (cs *clientStream) Trailer() metadata.MD {
	cs.rMu.RLock()
	defer cs.rMu.RUnlock()
	if cs.done {
		return cs.tr
	}
	return nil
}

// CloseSend half-closes the stream from the client side.
func (cs *clientStream) CloseSend() error {
	cs.wMu.Lock()
	defer cs.wMu.Unlock()
	return cs.w.Close()
}

func (cs *clientStream) Context() context.Context {
	return cs.ctx
}

// readErrorIfDone reports the stream's terminal condition: io.EOF for an
// OK status, the status error otherwise.
func (cs *clientStream) readErrorIfDone() (bool, error) {
	cs.rMu.RLock()
	defer cs.rMu.RUnlock()
	if !cs.done {
		return false, nil
	}
	if cs.rErr != nil {
		return true, cs.rErr
	}
	if cs.st == nil || cs.st.Code() == codes.OK {
		return true, io.EOF
	}
	return true, cs.st.Err()
}

func (cs *clientStream) SendMsg(m interface{}) error {
	// attempts to send on a completed stream report EOF; the real error,
	// if any, comes from RecvMsg
	if done, _ := cs.readErrorIfDone(); done {
		return io.EOF
	}

	cs.wMu.Lock()
	defer cs.wMu.Unlock()
	if cs.wErr != nil {
		return io.EOF
	}

	codec := internal.GetCodec(cs.sc.opts.codecName)
	b, err := codec.Marshal(m)
	if err != nil {
		return status.Errorf(codes.Internal, "grpc: error while marshaling: %v", err)
	}
	if max := cs.sc.opts.maxSend; max > 0 && len(b) > max {
		return status.Errorf(codes.ResourceExhausted, "grpc: trying to send message larger than max (%d vs. %d)", len(b), max)
	}
	payload := b
	compressed := false
	if cs.sendComp != nil {
		if payload, err = cs.sendComp.Compress(b); err != nil {
			return status.Errorf(codes.Internal, "grpc: error while compressing: %v", err)
		}
		compressed = true
	}

	if cs.wErr = wire.WriteFrame(cs.w, payload, compressed); cs.wErr != nil {
		// a send that raced the stream's completion reports EOF; the
		// terminal status is what RecvMsg returns
		if done, _ := cs.readErrorIfDone(); done {
			return io.EOF
		}
		return cs.wErr
	}
	if h := cs.sc.opts.stats; h != nil {
		h.HandleRPC(cs.ctx, &stats.OutPayload{
			Client:     true,
			Payload:    m,
			Length:     len(b),
			WireLength: len(payload) + 5,
			SentTime:   time.Now(),
		})
	}
	return nil
}

func (cs *clientStream) RecvMsg(m interface{}) error {
	if done, err := cs.readErrorIfDone(); done {
		return err
	}

	select {
	case <-cs.ctx.Done():
		return internal.TranslateContextError(cs.ctx.Err())
	case msg, ok := <-cs.rCh:
		if !ok {
			_, err := cs.readErrorIfDone()
			return err
		}
		codec := internal.GetCodec(cs.sc.opts.codecName)
		if err := codec.Unmarshal(msg, m); err != nil {
			return status.Errorf(codes.Internal, "grpc: server sent invalid message: %v", err)
		}
		if h := cs.sc.opts.stats; h != nil {
			h.HandleRPC(cs.ctx, &stats.InPayload{
				Client:   true,
				Payload:  m,
				Length:   len(msg),
				RecvTime: time.Now(),
			})
		}
		if !cs.respStream {
			// A single-response method: the next event on the channel must
			// be end-of-stream. Either way we must observe the close so
			// that trailers are available afterwards.
			select {
			case <-cs.ctx.Done():
				return internal.TranslateContextError(cs.ctx.Err())
			case _, ok := <-cs.rCh:
				if ok {
					cs.rMu.Lock()
					defer cs.rMu.Unlock()
					if cs.rErr == nil {
						cs.rErr = status.Error(codes.Internal, "method should return 1 response message but server sent more")
						cs.done = true
						// run would otherwise hang feeding the channel
						cs.cancel()
					}
					return cs.rErr
				}
				done, err := cs.readErrorIfDone()
				if !done {
					panic("rCh was closed but stream not marked done")
				}
				if err != io.EOF {
					return err
				}
			}
		}
		return nil
	}
}

// finishRecv records the stream's terminal condition. It must be called
// exactly once, before rCh is closed.
func (cs *clientStream) finishRecv(st *status.Status, tr metadata.MD, err error) {
	cs.rMu.Lock()
	defer cs.rMu.Unlock()
	if cs.rErr == nil {
		cs.rErr = err
	}
	if cs.st == nil {
		cs.st = st
	}
	if tr != nil {
		cs.tr = tr
	}
	cs.done = true
}

// run performs the HTTP round trip and feeds response messages to the
// stream until end-of-stream, the trailers, or a failure.
func (cs *clientStream) run(cc *http2.ClientConn, req *http.Request) {
	headersDone := false
	onReady := func(err error, headers metadata.MD) {
		if !headersDone {
			cs.hdErr = err
			cs.hd = headers
			cs.ready.Done()
			headersDone = true
		}
	}

	defer func() {
		// Unblock any sender still parked on the request body pipe; the
		// stream is over. io.Pipe's Close is safe concurrently with Write.
		cs.w.Close()
		close(cs.rCh)
		if h := cs.sc.opts.stats; h != nil {
			end := &stats.End{Client: true, BeginTime: cs.beginTime, EndTime: time.Now(), Trailer: cs.Trailer()}
			if _, err := cs.readErrorIfDone(); err != nil && err != io.EOF {
				end.Error = err
			}
			h.HandleRPC(cs.ctx, end)
		}
	}()

	reply, err := cc.RoundTrip(req)
	if err != nil {
		// a round trip cut short by the caller's context is a deadline or
		// cancellation, not a transport failure
		if ctxErr := cs.ctx.Err(); ctxErr != nil {
			err = internal.TranslateContextError(ctxErr)
		} else {
			cs.sc.connBroke(cc)
			err = status.Errorf(codes.Unavailable, "transport failure: %v", err)
		}
		cs.finishRecv(nil, nil, err)
		onReady(err, nil)
		return
	}
	defer reply.Body.Close()

	if reply.StatusCode != http.StatusOK {
		err := status.Error(codeFromHTTPStatus(reply.StatusCode), http.StatusText(reply.StatusCode))
		cs.finishRecv(nil, nil, err)
		onReady(err, nil)
		return
	}
	if _, ok := wire.ContentSubtype(reply.Header.Get("Content-Type")); !ok {
		err := status.Errorf(codes.Internal, "server returned non-gRPC content type %q", reply.Header.Get("Content-Type"))
		cs.finishRecv(nil, nil, err)
		onReady(err, nil)
		return
	}

	md, err := wire.ToMetadata(reply.Header)
	if err != nil {
		err = status.Errorf(codes.Internal, "%v", err)
		cs.finishRecv(nil, nil, err)
		onReady(err, nil)
		return
	}

	if st, ok := wire.ReadStatus(reply.Header); ok {
		// Trailer-only response: status and trailer metadata arrived in
		// the sole HEADERS frame, and there is no body to read.
		cs.finishRecv(st, md, nil)
		onReady(nil, nil)
		if h := cs.sc.opts.stats; h != nil {
			h.HandleRPC(cs.ctx, &stats.InTrailer{Client: true, Trailer: md.Copy()})
		}
		return
	}

	recvComp, err := wire.GetCompressor(reply.Header.Get("Grpc-Encoding"))
	if err != nil {
		err = status.Errorf(codes.Internal, "%v", err)
		cs.finishRecv(nil, nil, err)
		onReady(err, nil)
		return
	}

	onReady(nil, md)
	if h := cs.sc.opts.stats; h != nil {
		h.HandleRPC(cs.ctx, &stats.InHeader{Client: true, Header: md.Copy(), Compression: reply.Header.Get("Grpc-Encoding")})
	}

	for {
		payload, compressed, err := wire.ReadFrame(reply.Body, cs.sc.opts.maxRecv)
		if err == io.EOF {
			// end of DATA; the terminal status is in the trailers
			tr, terr := wire.ToMetadata(http.Header(reply.Trailer))
			if terr != nil {
				cs.finishRecv(nil, nil, status.Errorf(codes.Internal, "%v", terr))
				return
			}
			st, ok := wire.ReadStatus(http.Header(reply.Trailer))
			if !ok {
				cs.finishRecv(nil, tr, status.Error(codes.Internal, "server closed the stream without sending grpc-status"))
				return
			}
			cs.finishRecv(st, tr, nil)
			if h := cs.sc.opts.stats; h != nil {
				h.HandleRPC(cs.ctx, &stats.InTrailer{Client: true, Trailer: tr.Copy()})
			}
			return
		}
		if err != nil {
			if err == io.ErrUnexpectedEOF {
				cs.sc.connBroke(cc)
				err = status.Error(codes.Unavailable, "stream closed mid-frame")
			} else if ctxErr := cs.ctx.Err(); ctxErr != nil {
				err = internal.TranslateContextError(ctxErr)
			} else if _, ok := status.FromError(err); !ok {
				err = status.Errorf(codes.Internal, "error reading response frame: %v", err)
			}
			cs.finishRecv(nil, nil, err)
			return
		}

		msg := payload
		if compressed {
			if recvComp == nil {
				cs.finishRecv(nil, nil, status.Error(codes.Internal, "grpc: compressed flag set with identity or unset encoding"))
				return
			}
			if msg, err = recvComp.Decompress(payload); err != nil {
				cs.finishRecv(nil, nil, status.Errorf(codes.Internal, "grpc: failed to decompress the received message: %v", err))
				return
			}
		}

		select {
		case <-cs.ctx.Done():
			cs.finishRecv(nil, nil, internal.TranslateContextError(cs.ctx.Err()))
			return
		case cs.rCh <- msg:
		}
	}
}

// codeFromHTTPStatus maps a non-200 HTTP response to a status code, for
// replies that never reached the gRPC layer (proxies, overload shedding).
func codeFromHTTPStatus(httpStatus int) codes.Code {
	switch httpStatus {
	case http.StatusBadRequest:
		return codes.Internal
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.Unimplemented
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return codes.Unavailable
	}
	return codes.Unknown
}
