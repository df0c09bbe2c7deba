package h2grpc

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/grpclog"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/stats"
	"google.golang.org/grpc/status"

	"github.com/altgrid/grpcmesh"
	"github.com/altgrid/grpcmesh/internal"
	"github.com/altgrid/grpcmesh/wire"
)

var logger = grpclog.Component("h2grpc")

// Server is a gRPC-over-HTTP/2 server. It acts as a grpc.ServiceRegistrar,
// for registering service implementations, and implements http.Handler, so
// it can either own its listeners via Serve or be mounted on an existing
// HTTP/2 server.
//
// The handler registry is read-only once the server starts serving:
// RegisterService must not be called concurrently with ServeHTTP.
type Server struct {
	handlers   grpcmesh.HandlerMap
	unaryInt   grpc.UnaryServerInterceptor
	streamInt  grpc.StreamServerInterceptor
	stats      stats.Handler
	tlsConfig  *tls.Config
	respComp   string
	maxRecv    int
	maxSend    int
	draining   atomic.Bool
	calls      sync.WaitGroup
	httpServer *http.Server
}

// ServerOption is an option used when constructing a NewServer.
type ServerOption interface {
	apply(*Server)
}

type serverOptFunc func(*Server)

func (fn serverOptFunc) apply(s *Server) {
	fn(s)
}

// WithServerUnaryInterceptor configures the server to dispatch unary RPCs
// through the given interceptor.
func WithServerUnaryInterceptor(interceptor grpc.UnaryServerInterceptor) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.unaryInt = interceptor
	})
}

// WithServerStreamInterceptor configures the server to dispatch streaming
// RPCs through the given interceptor.
func WithServerStreamInterceptor(interceptor grpc.StreamServerInterceptor) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.streamInt = interceptor
	})
}

// WithServerStatsHandler configures the server to report call lifecycle and
// payload events to the given handler.
func WithServerStatsHandler(h stats.Handler) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.stats = h
	})
}

// WithServerTLS configures the server to terminate TLS with the given
// config on listeners passed to Serve. Without it, Serve speaks plaintext
// HTTP/2 (h2c).
func WithServerTLS(cfg *tls.Config) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.tlsConfig = cfg
	})
}

// WithResponseCompression names the encoding the server prefers for
// responses. It is only used for calls whose grpc-accept-encoding includes
// it; other calls fall back to mirroring the request encoding or identity.
func WithResponseCompression(name string) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.respComp = name
	})
}

// WithMaxReceiveMessageSize caps the size of a single received message
// payload. Frames over the limit fail the call with ResourceExhausted.
func WithMaxReceiveMessageSize(n int) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.maxRecv = n
	})
}

// WithMaxSendMessageSize caps the size of a single sent message payload.
func WithMaxSendMessageSize(n int) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.maxSend = n
	})
}

// NewServer returns a new gRPC-over-HTTP/2 server.
func NewServer(opts ...ServerOption) *Server {
	s := Server{
		handlers: grpcmesh.HandlerMap{},
		maxRecv:  wire.DefaultMaxRecvSize,
	}
	for _, o := range opts {
		o.apply(&s)
	}
	return &s
}

// RegisterService registers the given service and implementation. Like a
// normal gRPC server, only a single implementation is allowed for a
// particular service, identified by its fully-qualified name.
func (s *Server) RegisterService(desc *grpc.ServiceDesc, svr interface{}) {
	s.handlers.RegisterService(grpcmesh.InterceptServer(desc, nil, s.streamInt), svr)
}

// GetServiceInfo returns information about the registered services.
func (s *Server) GetServiceInfo() map[string]grpc.ServiceInfo {
	return s.handlers.GetServiceInfo()
}

// Serve accepts connections on the given listener until the server is
// stopped. Plaintext listeners are served via h2c; if the server was built
// with WithServerTLS the listener is wrapped in TLS and ALPN-negotiated
// HTTP/2 is used instead. Serve returns once the server has stopped; the
// listener bind itself is the caller's problem, so a bad address fails
// before Serve is ever reached.
func (s *Server) Serve(lis net.Listener) error {
	h2s := &http2.Server{}
	hs := &http.Server{}
	if s.tlsConfig != nil {
		cfg := s.tlsConfig.Clone()
		if !hasALPN(cfg.NextProtos, http2.NextProtoTLS) {
			cfg.NextProtos = append([]string{http2.NextProtoTLS}, cfg.NextProtos...)
		}
		hs.Handler = s
		hs.TLSConfig = cfg
		if err := http2.ConfigureServer(hs, h2s); err != nil {
			return err
		}
		lis = tls.NewListener(lis, cfg)
	} else {
		hs.Handler = h2c.NewHandler(s, h2s)
	}
	s.httpServer = hs
	err := hs.Serve(lis)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func hasALPN(protos []string, want string) bool {
	for _, p := range protos {
		if p == want {
			return true
		}
	}
	return false
}

// GracefulStop stops accepting new streams and waits for in-flight calls
// to finish. New streams arriving during the drain are rejected with
// Unavailable. If ctx expires first, the remaining calls are torn down:
// their contexts are cancelled and their clients observe the stream reset
// as Unavailable.
//
// The drain is tracked per call rather than delegated to
// http.Server.Shutdown, which does not wait for hijacked (h2c)
// connections.
func (s *Server) GracefulStop(ctx context.Context) error {
	s.draining.Store(true)
	drained := make(chan struct{})
	go func() {
		s.calls.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		if s.httpServer != nil {
			// Listeners close; drained h2c connections linger until the
			// peer closes, but the draining flag rejects any new stream.
			return s.httpServer.Shutdown(ctx)
		}
		return nil
	case <-ctx.Done():
		logger.Warningf("drain deadline reached, cancelling remaining calls: %v", ctx.Err())
		if s.httpServer != nil {
			s.httpServer.Close()
		}
		return ctx.Err()
	}
}

// Stop immediately terminates the server and all in-flight calls.
func (s *Server) Stop() error {
	s.draining.Store(true)
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

// ServeHTTP dispatches one gRPC stream. The request must be an HTTP/2 POST
// with a gRPC content type; the path identifies the method.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.ProtoMajor != 2 {
		http.Error(w, "gRPC requires HTTP/2", http.StatusHTTPVersionNotSupported)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	codecName, ok := wire.ContentSubtype(r.Header.Get("Content-Type"))
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnsupportedMediaType), http.StatusUnsupportedMediaType)
		return
	}
	codec := internal.GetCodec(codecName)
	if codec == nil {
		http.Error(w, http.StatusText(http.StatusUnsupportedMediaType), http.StatusUnsupportedMediaType)
		return
	}

	fullMethod, svcDesc, svr := s.lookupMethod(r.URL.Path)
	if svcDesc == nil {
		writeTrailerOnly(w, status.Newf(codes.Unimplemented, "method %s not implemented", fullMethod), nil)
		return
	}
	if s.draining.Load() {
		writeTrailerOnly(w, status.New(codes.Unavailable, "server is draining"), nil)
		return
	}
	s.calls.Add(1)
	defer s.calls.Done()

	recvComp, err := wire.GetCompressor(r.Header.Get("Grpc-Encoding"))
	if err != nil {
		// The unsupported encoding is reported together with the set of
		// encodings this server does accept.
		w.Header().Set("Grpc-Accept-Encoding", wire.AcceptEncoding())
		writeTrailerOnly(w, status.Newf(codes.Unimplemented, "%v", err), nil)
		return
	}

	ctx, cancel, err := s.contextForCall(r)
	if err != nil {
		writeTrailerOnly(w, status.Newf(codes.Internal, "malformed request metadata: %v", err), nil)
		return
	}
	defer cancel()

	methodName := fullMethod[strings.LastIndexByte(fullMethod, '/')+1:]

	str := &serverStream{
		r:         r,
		w:         w,
		codec:     codec,
		recvComp:  recvComp,
		sendComp:  s.pickResponseCompressor(r),
		acceptEnc: wire.AcceptEncoding(),
		maxRecv:   s.maxRecv,
		maxSend:   s.maxSend,
		stats:     s.stats,
		beginTime: time.Now(),
	}

	if s.stats != nil {
		ctx = s.stats.TagRPC(ctx, &stats.RPCTagInfo{FullMethodName: fullMethod})
		s.stats.HandleRPC(ctx, &stats.Begin{BeginTime: str.beginTime})
		md, _ := metadata.FromIncomingContext(ctx)
		s.stats.HandleRPC(ctx, &stats.InHeader{
			FullMethod:  fullMethod,
			Compression: r.Header.Get("Grpc-Encoding"),
			Header:      md,
		})
	}

	if md := internal.FindUnaryMethod(methodName, svcDesc.Methods); md != nil {
		str.respStream = false
		str.reqStream = false
		s.dispatchUnary(ctx, fullMethod, md, svr, str)
	} else if sd := internal.FindStreamingMethod(methodName, svcDesc.Streams); sd != nil {
		str.respStream = sd.ServerStreams
		str.reqStream = sd.ClientStreams
		s.dispatchStream(ctx, fullMethod, sd, svr, str)
	} else {
		writeTrailerOnly(w, status.Newf(codes.Unimplemented, "method %s not implemented", fullMethod), nil)
	}
}

// lookupMethod resolves "/package.Service/Method" against the registry.
func (s *Server) lookupMethod(path string) (fullMethod string, desc *grpc.ServiceDesc, svr interface{}) {
	name := strings.TrimPrefix(path, "/")
	fullMethod = "/" + name
	pos := strings.LastIndexByte(name, '/')
	if pos < 0 {
		return fullMethod, nil, nil
	}
	desc, svr = s.handlers.QueryService(name[:pos])
	return fullMethod, desc, svr
}

// pickResponseCompressor applies the negotiation rule: the server's
// preferred encoding if the client accepts it, else the request's own
// encoding, else identity.
func (s *Server) pickResponseCompressor(r *http.Request) wire.Compressor {
	accept := r.Header.Get("Grpc-Accept-Encoding")
	if s.respComp != "" && wire.Accepts(accept, s.respComp) {
		if c, err := wire.GetCompressor(s.respComp); err == nil {
			return c
		}
	}
	if reqEnc := r.Header.Get("Grpc-Encoding"); reqEnc != "" && wire.Accepts(accept, reqEnc) {
		if c, err := wire.GetCompressor(reqEnc); err == nil {
			return c
		}
	}
	return nil
}

// contextForCall derives the call context from the request: inbound
// metadata, peer identity, and the grpc-timeout deadline if present.
func (s *Server) contextForCall(r *http.Request) (context.Context, context.CancelFunc, error) {
	ctx := r.Context()
	pr := &peer.Peer{Addr: strAddr(r.RemoteAddr)}
	if r.TLS != nil {
		pr.AuthInfo = credentials.TLSInfo{State: *r.TLS}
	}
	ctx = peer.NewContext(ctx, pr)

	md, err := wire.ToMetadata(r.Header)
	if err != nil {
		return nil, nil, err
	}
	ctx = metadata.NewIncomingContext(ctx, md)

	cancel := context.CancelFunc(func() {})
	if timeout := r.Header.Get("Grpc-Timeout"); timeout != "" {
		d, err := wire.DecodeTimeout(timeout)
		if err != nil {
			return nil, nil, err
		}
		ctx, cancel = context.WithTimeout(ctx, d)
	}
	return ctx, cancel, nil
}

func (s *Server) dispatchUnary(ctx context.Context, fullMethod string, md *grpc.MethodDesc, svr interface{}, str *serverStream) {
	sts := internal.UnaryServerTransportStream{Name: fullMethod}
	ctx = grpc.NewContextWithServerTransportStream(ctx, &sts)
	str.ctx = ctx

	resp, err := func() (resp interface{}, err error) {
		defer func() {
			if p := recover(); p != nil {
				logger.Errorf("panic in handler for %s: %v", fullMethod, p)
				resp, err = nil, status.Error(codes.Unknown, "unexpected error in RPC handling")
			}
		}()
		return md.Handler(svr, ctx, str.RecvMsg, s.unaryInt)
	}()

	// Headers and trailers the handler set via grpc.SetHeader/SetTrailer
	// are folded into the stream before anything is written.
	str.SetHeader(sts.GetHeaders())
	str.SetTrailer(sts.GetTrailers())
	sts.Finish()

	if err != nil {
		str.finish(ctx, internal.StatusFromError(err, codes.Internal))
		return
	}
	if err := str.SendMsg(resp); err != nil {
		str.finish(ctx, internal.StatusFromError(err, codes.Internal))
		return
	}
	str.finish(ctx, status.New(codes.OK, ""))
}

func (s *Server) dispatchStream(ctx context.Context, fullMethod string, sd *grpc.StreamDesc, svr interface{}, str *serverStream) {
	sts := internal.ServerTransportStream{Name: fullMethod, Stream: str}
	str.ctx = grpc.NewContextWithServerTransportStream(ctx, &sts)

	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				logger.Errorf("panic in handler for %s: %v", fullMethod, p)
				err = status.Error(codes.Unknown, "unexpected error in RPC handling")
			}
		}()
		// Stream interceptors were folded into sd.Handler at registration.
		return sd.Handler(svr, str)
	}()

	if err != nil {
		str.finish(str.ctx, internal.StatusFromError(err, codes.Internal))
		return
	}
	str.finish(str.ctx, status.New(codes.OK, ""))
}

// writeTrailerOnly terminates a stream that never produced headers or
// messages: the status and any trailer metadata travel in the single
// HEADERS frame.
func writeTrailerOnly(w http.ResponseWriter, st *status.Status, md metadata.MD) {
	h := w.Header()
	h.Set("Content-Type", wire.ContentType("proto"))
	wire.ToHeaders(md, h, "")
	wire.WriteStatus(h, "", st)
	w.WriteHeader(http.StatusOK)
}

var _ grpc.ServiceRegistrar = (*Server)(nil)
var _ http.Handler = (*Server)(nil)
