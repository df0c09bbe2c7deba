package h2grpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/stats"
	"google.golang.org/grpc/status"

	"github.com/altgrid/grpcmesh"
	"github.com/altgrid/grpcmesh/internal"
	"github.com/altgrid/grpcmesh/wire"
)

// Endpoint identifies one backend a subchannel connects to. A nil TLS
// config means plaintext HTTP/2 (h2c).
type Endpoint struct {
	Host string
	Port int
	TLS  *tls.Config
}

// Addr returns the endpoint's dial address.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	if e.TLS != nil {
		return "tls://" + e.Addr()
	}
	return "h2c://" + e.Addr()
}

// State is a subchannel's connectivity state.
type State int

const (
	Idle State = iota
	Connecting
	Ready
	Down
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Connecting:
		return "CONNECTING"
	case Ready:
		return "READY"
	case Down:
		return "DOWN"
	case Stopped:
		return "STOPPED"
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

const (
	backoffBase   = 1 * time.Second
	backoffMax    = 120 * time.Second
	backoffJitter = 0.2

	defaultDialTimeout = 20 * time.Second
)

// Subchannel owns one HTTP/2 connection to one endpoint and originates
// client streams on it. It dials lazily on first use, and when the
// transport fails it moves to Down, fails in-flight calls with
// Unavailable, and reconnects with exponential backoff.
//
// A Subchannel is a complete channel in its own right; the pool package
// aggregates several of them behind a balancer.
type Subchannel struct {
	endpoint Endpoint
	opts     subchannelOpts

	mu          sync.Mutex
	state       State
	cc          *http2.ClientConn
	conn        net.Conn
	loopRunning bool          // a connectLoop goroutine is alive
	readyCh     chan struct{} // closed and replaced on every state change

	transport *http2.Transport
	backoff   *internal.Backoff
	stopCh    chan struct{}
}

var _ grpcmesh.Channel = (*Subchannel)(nil)
var _ grpc.ClientConnInterface = (*Subchannel)(nil)

type subchannelOpts struct {
	codecName   string
	compName    string
	maxRecv     int
	maxSend     int
	stats       stats.Handler
	userAgent   string
	dialTimeout time.Duration
}

// SubchannelOption configures a Subchannel.
type SubchannelOption func(*subchannelOpts)

// WithCompression makes the subchannel compress outbound messages with the
// named registered encoding.
func WithCompression(name string) SubchannelOption {
	return func(o *subchannelOpts) { o.compName = name }
}

// WithCodec selects the message codec by registered name. The default is
// the proto codec.
func WithCodec(name string) SubchannelOption {
	return func(o *subchannelOpts) { o.codecName = name }
}

// WithStatsHandler reports client-side call lifecycle and payload events to
// the given handler.
func WithStatsHandler(h stats.Handler) SubchannelOption {
	return func(o *subchannelOpts) { o.stats = h }
}

// WithMaxRecvSize caps the size of a single received message payload.
func WithMaxRecvSize(n int) SubchannelOption {
	return func(o *subchannelOpts) { o.maxRecv = n }
}

// WithDialTimeout bounds each connection attempt.
func WithDialTimeout(d time.Duration) SubchannelOption {
	return func(o *subchannelOpts) { o.dialTimeout = d }
}

// WithUserAgent overrides the user-agent sent on calls.
func WithUserAgent(ua string) SubchannelOption {
	return func(o *subchannelOpts) { o.userAgent = ua }
}

// NewSubchannel returns an idle subchannel for the given endpoint. No
// connection is attempted until the first call (or Connect).
func NewSubchannel(ep Endpoint, opts ...SubchannelOption) *Subchannel {
	o := subchannelOpts{
		codecName:   "proto",
		maxRecv:     wire.DefaultMaxRecvSize,
		userAgent:   "grpcmesh/1.0",
		dialTimeout: defaultDialTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Subchannel{
		endpoint:  ep,
		opts:      o,
		state:     Idle,
		readyCh:   make(chan struct{}),
		transport: &http2.Transport{AllowHTTP: ep.TLS == nil},
		backoff:   internal.NewBackoff(backoffBase, backoffMax, backoffJitter),
		stopCh:    make(chan struct{}),
	}
}

// State reports the subchannel's current connectivity state.
func (sc *Subchannel) State() State {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

// IsReady reports whether the subchannel has a live connection that can
// take new streams.
func (sc *Subchannel) IsReady() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state == Ready && sc.cc != nil && sc.cc.CanTakeNewRequest()
}

// Endpoint returns the endpoint this subchannel connects to.
func (sc *Subchannel) Endpoint() Endpoint {
	return sc.endpoint
}

// Connect kicks off connection establishment if the subchannel is idle or
// down. It does not wait for the connection to become ready.
func (sc *Subchannel) Connect() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.kickConnectLocked()
}

func (sc *Subchannel) kickConnectLocked() {
	if sc.loopRunning {
		// an existing loop will retry on its own schedule
		return
	}
	if sc.state == Idle || sc.state == Down {
		sc.state = Connecting
		sc.loopRunning = true
		sc.notifyLocked()
		go sc.connectLoop()
	}
}

// notifyLocked wakes every waiter watching for a state change.
func (sc *Subchannel) notifyLocked() {
	close(sc.readyCh)
	sc.readyCh = make(chan struct{})
}

// Stop permanently shuts the subchannel down, closing the connection and
// failing all future calls.
func (sc *Subchannel) Stop() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.state == Stopped {
		return
	}
	sc.state = Stopped
	close(sc.stopCh)
	if sc.cc != nil {
		sc.cc.Close()
		sc.cc = nil
	}
	if sc.conn != nil {
		sc.conn.Close()
		sc.conn = nil
	}
	sc.notifyLocked()
}

// connectLoop dials the endpoint, establishing one HTTP/2 connection at a
// time, and watches it until it dies. Each failed attempt backs off
// exponentially with jitter; a successful connection resets the schedule.
func (sc *Subchannel) connectLoop() {
	defer func() {
		sc.mu.Lock()
		sc.loopRunning = false
		sc.mu.Unlock()
	}()
	for {
		select {
		case <-sc.stopCh:
			return
		default:
		}

		conn, cc, err := sc.dial()

		sc.mu.Lock()
		if sc.state == Stopped {
			sc.mu.Unlock()
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			sc.state = Down
			sc.notifyLocked()
			sc.mu.Unlock()
			delay := sc.backoff.Next()
			logger.Warningf("subchannel %v: connect failed (retrying in %v): %v", sc.endpoint, delay, err)
			select {
			case <-sc.stopCh:
				return
			case <-time.After(delay):
			}
			sc.mu.Lock()
			if sc.state != Stopped {
				sc.state = Connecting
				sc.notifyLocked()
			}
			sc.mu.Unlock()
			continue
		}
		sc.conn = conn
		sc.cc = cc
		sc.state = Ready
		sc.backoff.Reset()
		sc.notifyLocked()
		sc.mu.Unlock()
		logger.Infof("subchannel %v: connected", sc.endpoint)

		sc.watch(cc)

		sc.mu.Lock()
		if sc.state == Stopped {
			sc.mu.Unlock()
			return
		}
		sc.state = Down
		if sc.cc == cc {
			sc.cc = nil
		}
		sc.notifyLocked()
		sc.mu.Unlock()
		conn.Close()
		logger.Warningf("subchannel %v: connection lost, reconnecting", sc.endpoint)
	}
}

func (sc *Subchannel) dial() (net.Conn, *http2.ClientConn, error) {
	addr := sc.endpoint.Addr()
	var conn net.Conn
	var err error
	if sc.endpoint.TLS != nil {
		cfg := sc.endpoint.TLS.Clone()
		if !hasALPN(cfg.NextProtos, http2.NextProtoTLS) {
			cfg.NextProtos = append([]string{http2.NextProtoTLS}, cfg.NextProtos...)
		}
		d := &tls.Dialer{NetDialer: &net.Dialer{Timeout: sc.opts.dialTimeout}, Config: cfg}
		conn, err = d.Dial("tcp", addr)
	} else {
		conn, err = net.DialTimeout("tcp", addr, sc.opts.dialTimeout)
	}
	if err != nil {
		return nil, nil, err
	}
	cc, err := sc.transport.NewClientConn(conn)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, cc, nil
}

// watch blocks until the given connection can no longer serve requests or
// the subchannel is stopped.
func (sc *Subchannel) watch(cc *http2.ClientConn) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-sc.stopCh:
			return
		case <-ticker.C:
			st := cc.State()
			if st.Closed || st.Closing {
				return
			}
		}
	}
}

// connBroke is called by streams that hit a transport-level error. It closes
// the connection so that no new stream is started on it; the watcher notices
// the closed connection at its next poll.
func (sc *Subchannel) connBroke(cc *http2.ClientConn) {
	if cc != nil {
		cc.Close()
	}
}

// ready returns a connection that can take a new stream, waiting (bounded
// by ctx) for the subchannel to connect if necessary.
func (sc *Subchannel) ready(ctx context.Context) (*http2.ClientConn, error) {
	for {
		sc.mu.Lock()
		switch sc.state {
		case Stopped:
			sc.mu.Unlock()
			return nil, status.Error(codes.Unavailable, "subchannel is stopped")
		case Ready:
			cc := sc.cc
			if cc != nil && cc.CanTakeNewRequest() {
				sc.mu.Unlock()
				return cc, nil
			}
			// connection present but saturated or dying; fall through and
			// wait for the next state change
		case Idle, Down:
			sc.kickConnectLocked()
		}
		ch := sc.readyCh
		sc.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, internal.TranslateContextError(ctx.Err())
		case <-ch:
		}
	}
}

// Invoke executes a unary RPC over the subchannel.
func (sc *Subchannel) Invoke(ctx context.Context, methodName string, req, resp interface{}, opts ...grpc.CallOption) error {
	cs, err := sc.NewStream(ctx, &grpc.StreamDesc{StreamName: methodName}, methodName, opts...)
	if err != nil {
		return err
	}
	// An io.EOF from the send side means the stream already terminated;
	// RecvMsg surfaces the terminal status.
	if err := cs.SendMsg(req); err != nil && err != io.EOF {
		return err
	}
	if err := cs.CloseSend(); err != nil {
		return err
	}
	if err := cs.RecvMsg(resp); err != nil {
		return err
	}
	applyCallOptions(cs, sc.endpoint, opts)
	return nil
}

// NewStream originates a stream for the given method. The stream's shape
// comes from desc; for a unary method both stream flags are false and the
// stream enforces the single-response contract.
func (sc *Subchannel) NewStream(ctx context.Context, desc *grpc.StreamDesc, methodName string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	cc, err := sc.ready(ctx)
	if err != nil {
		return nil, err
	}

	if !strings.HasPrefix(methodName, "/") {
		methodName = "/" + methodName
	}
	if sc.opts.stats != nil {
		ctx = sc.opts.stats.TagRPC(ctx, &stats.RPCTagInfo{FullMethodName: methodName})
	}
	ctx, cancel := context.WithCancel(ctx)

	scheme := "http"
	if sc.endpoint.TLS != nil {
		scheme = "https"
	}
	reqURL := url.URL{Scheme: scheme, Host: sc.endpoint.Addr(), Path: methodName}

	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL.String(), pr)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header = sc.headersFromContext(ctx)

	var sendComp wire.Compressor
	if sc.opts.compName != "" {
		if sendComp, err = wire.GetCompressor(sc.opts.compName); err != nil {
			cancel()
			return nil, status.Errorf(codes.Internal, "%v", err)
		}
	}

	cs := newClientStream(ctx, cancel, pw, desc.ServerStreams, sc, sendComp)
	// Guarantee the context is released even if the caller abandons the
	// stream without consuming or cancelling it.
	runtime.SetFinalizer(cs, func(*clientStream) { cancel() })

	if sc.opts.stats != nil {
		md, _ := metadata.FromOutgoingContext(ctx)
		sc.opts.stats.HandleRPC(ctx, &stats.Begin{Client: true, BeginTime: cs.beginTime})
		sc.opts.stats.HandleRPC(ctx, &stats.OutHeader{Client: true, FullMethod: methodName, Header: md.Copy(), Compression: sc.opts.compName})
	}

	go cs.run(cc, req)

	return cs, nil
}

// headersFromContext builds the request HEADERS: gRPC pseudo-required
// fields, negotiated encodings, outbound metadata, and a grpc-timeout
// reflecting the context deadline.
func (sc *Subchannel) headersFromContext(ctx context.Context) http.Header {
	h := http.Header{}
	h.Set("Content-Type", wire.ContentType(sc.opts.codecName))
	h.Set("TE", "trailers")
	h.Set("User-Agent", sc.opts.userAgent)
	h.Set("Grpc-Accept-Encoding", wire.AcceptEncoding())
	if sc.opts.compName != "" && sc.opts.compName != wire.Identity {
		h.Set("Grpc-Encoding", sc.opts.compName)
	}
	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		wire.ToHeaders(md, h, "")
	}
	if deadline, ok := ctx.Deadline(); ok {
		h.Set("Grpc-Timeout", wire.EncodeTimeout(time.Until(deadline)))
	}
	return h
}

// applyCallOptions back-fills the exported metadata-capturing call options
// once a unary call has completed.
func applyCallOptions(cs grpc.ClientStream, ep Endpoint, opts []grpc.CallOption) {
	for _, opt := range opts {
		switch o := opt.(type) {
		case grpc.HeaderCallOption:
			if md, err := cs.Header(); err == nil {
				*o.HeaderAddr = md
			}
		case grpc.TrailerCallOption:
			*o.TrailerAddr = cs.Trailer()
		case grpc.PeerCallOption:
			*o.PeerAddr = peer.Peer{Addr: strAddr(ep.Addr())}
		}
	}
}
