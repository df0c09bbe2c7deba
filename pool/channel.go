package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/grpclog"
	"google.golang.org/grpc/status"

	"github.com/altgrid/grpcmesh"
	"github.com/altgrid/grpcmesh/h2grpc"
	"github.com/altgrid/grpcmesh/internal"
)

var logger = grpclog.Component("pool")

// ErrNoEndpoints is returned when a channel has no endpoints to pick
// from: its resolver produced an empty set.
var ErrNoEndpoints = errors.New("pool: channel has no endpoints")

// pickWaitInterval paces re-checks while a pick waits for a subchannel to
// become ready (or for a claim lease to free up).
const pickWaitInterval = 10 * time.Millisecond

// Channel is a named pool of subchannels over a set of endpoints, with a
// balancer choosing a subchannel per call. It implements
// grpc.ClientConnInterface, so generated client stubs run against it
// directly; interceptors and a stats handler configured on the channel
// apply to every call.
//
// Channel names are unique within the process: New registers the channel
// in the process-wide registry and Stop removes it.
type Channel struct {
	name   string
	target string
	opts   channelOpts

	balancer Balancer
	conn     grpc.ClientConnInterface // self, wrapped by configured interceptors

	mu      sync.Mutex
	subs    map[string]*h2grpc.Subchannel // keyed by Endpoint.String()
	order   []string                      // sorted keys: the stable pick order
	stopped bool
	stopCh  chan struct{}
}

type channelOpts struct {
	balancerName    string
	resolver        Resolver
	refreshInterval time.Duration
	unaryInt        grpc.UnaryClientInterceptor
	streamInt       grpc.StreamClientInterceptor
	subOpts         []h2grpc.SubchannelOption
	syncStart       bool
}

// ChannelOption configures a Channel.
type ChannelOption func(*channelOpts)

// WithBalancer selects the balancer strategy by name: RoundRobin (the
// default), Random, Hash, Direct, or Claim.
func WithBalancer(name string) ChannelOption {
	return func(o *channelOpts) { o.balancerName = name }
}

// WithResolver installs a resolver consulted for the channel's endpoint
// set instead of the statically configured endpoints.
func WithResolver(r Resolver) ChannelOption {
	return func(o *channelOpts) { o.resolver = r }
}

// WithRefreshInterval re-resolves the endpoint set periodically, starting
// subchannels for endpoints that appear and stopping those that vanish.
func WithRefreshInterval(d time.Duration) ChannelOption {
	return func(o *channelOpts) { o.refreshInterval = d }
}

// WithUnaryInterceptor wraps every unary call issued through the channel.
func WithUnaryInterceptor(i grpc.UnaryClientInterceptor) ChannelOption {
	return func(o *channelOpts) { o.unaryInt = i }
}

// WithStreamInterceptor wraps every stream opened through the channel.
func WithStreamInterceptor(i grpc.StreamClientInterceptor) ChannelOption {
	return func(o *channelOpts) { o.streamInt = i }
}

// WithSubchannelOptions forwards options (codec, compression, stats
// handler, dial timeout) to every subchannel the channel creates.
func WithSubchannelOptions(opts ...h2grpc.SubchannelOption) ChannelOption {
	return func(o *channelOpts) { o.subOpts = append(o.subOpts, opts...) }
}

// WithSyncStart makes New connect every subchannel before returning,
// bounded by New's context. The default is a lazy start: the channel
// returns idle and dials on first use.
func WithSyncStart() ChannelOption {
	return func(o *channelOpts) { o.syncStart = true }
}

// New creates and registers a channel. Endpoints may be given statically,
// via a resolver option, or both (the resolver wins). With WithSyncStart
// the call blocks, bounded by ctx, until every subchannel is connected —
// and an empty endpoint set is then fatal rather than something to resolve
// later.
func New(ctx context.Context, name string, endpoints []h2grpc.Endpoint, opts ...ChannelOption) (*Channel, error) {
	c := &Channel{
		name:   name,
		target: name,
		subs:   map[string]*h2grpc.Subchannel{},
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&c.opts)
	}

	var err error
	if c.balancer, err = newBalancer(c.opts.balancerName); err != nil {
		return nil, err
	}
	if c.opts.resolver == nil {
		c.opts.resolver = StaticResolver(endpoints)
	}

	resolved, err := c.opts.resolver.Resolve(c.target)
	if err != nil {
		return nil, fmt.Errorf("pool: resolving %q: %w", c.target, err)
	}
	if len(resolved) == 0 && c.opts.syncStart {
		return nil, fmt.Errorf("pool: channel %q: %w", name, ErrNoEndpoints)
	}
	for _, ep := range resolved {
		c.addSubchannelLocked(ep)
	}

	if err := registerChannel(c); err != nil {
		c.stopSubchannels()
		return nil, err
	}

	if c.opts.refreshInterval > 0 {
		go c.refreshLoop()
	}

	c.conn = grpcmesh.InterceptClientConn(rawChannel{c}, c.opts.unaryInt, c.opts.streamInt)

	if c.opts.syncStart {
		if err := c.waitAllReady(ctx); err != nil {
			c.Stop("sync start failed")
			return nil, err
		}
	}
	return c, nil
}

// Name returns the channel's registered name.
func (c *Channel) Name() string { return c.name }

// addSubchannelLocked creates an idle subchannel for ep and splices it
// into the stable order. Callers must hold c.mu (or have exclusive access
// during construction).
func (c *Channel) addSubchannelLocked(ep h2grpc.Endpoint) {
	key := ep.String()
	if _, ok := c.subs[key]; ok {
		return
	}
	c.subs[key] = h2grpc.NewSubchannel(ep, c.opts.subOpts...)
	c.order = append(c.order, key)
	sort.Strings(c.order)
}

// readySnapshot returns the ready subchannels in stable order, plus the
// total number of endpoints.
func (c *Channel) readySnapshot() (ready []*h2grpc.Subchannel, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.order {
		sc := c.subs[key]
		if sc.IsReady() {
			ready = append(ready, sc)
		}
	}
	return ready, len(c.order)
}

// connectAll kicks every subchannel that is not already connecting.
func (c *Channel) connectAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sc := range c.subs {
		sc.Connect()
	}
}

// IsReady reports whether at least one subchannel is connected.
func (c *Channel) IsReady() bool {
	ready, _ := c.readySnapshot()
	return len(ready) > 0
}

// waitAllReady blocks until every subchannel is ready or ctx expires.
func (c *Channel) waitAllReady(ctx context.Context) error {
	c.connectAll()
	for {
		allReady := true
		c.mu.Lock()
		for _, sc := range c.subs {
			if !sc.IsReady() {
				allReady = false
				break
			}
		}
		c.mu.Unlock()
		if allReady {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("pool: channel %q did not become ready: %w", c.name, ctx.Err())
		case <-c.stopCh:
			return status.Error(codes.Unavailable, "channel stopped")
		case <-time.After(pickWaitInterval):
		}
	}
}

// Pick selects a ready subchannel per the channel's balancer. It suspends,
// bounded by ctx, while the channel connects or while every subchannel is
// leased out (claim); a channel whose endpoint set is empty fails
// immediately with ErrNoEndpoints.
//
// Callers of Pick on a Claim channel own the returned subchannel until
// they Release it. Calls issued through Invoke and NewStream release
// automatically when the call completes.
func (c *Channel) Pick(ctx context.Context) (*h2grpc.Subchannel, error) {
	for {
		c.mu.Lock()
		stopped := c.stopped
		c.mu.Unlock()
		if stopped {
			return nil, status.Error(codes.Unavailable, "channel stopped")
		}

		ready, total := c.readySnapshot()
		if total == 0 {
			return nil, ErrNoEndpoints
		}
		if len(ready) > 0 {
			sc, err := c.balancer.Pick(ctx, ready)
			if err == nil {
				return sc, nil
			}
			if err != errNotPickable {
				return nil, err
			}
		} else {
			c.connectAll()
		}

		select {
		case <-ctx.Done():
			return nil, internal.TranslateContextError(ctx.Err())
		case <-c.stopCh:
			return nil, status.Error(codes.Unavailable, "channel stopped")
		case <-time.After(pickWaitInterval):
		}
	}
}

// Release returns a subchannel obtained from Pick. Only the claim
// balancer tracks leases; for other strategies this is a no-op.
func (c *Channel) Release(sc *h2grpc.Subchannel) {
	if cb, ok := c.balancer.(*claimBalancer); ok {
		cb.release(sc)
	}
}

// Stop cancels pending calls, stops every subchannel, and removes the
// channel from the registry. The reason appears in the log only.
func (c *Channel) Stop(reason string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopCh)
	c.mu.Unlock()

	logger.Infof("channel %q stopping: %s", c.name, reason)
	unregisterChannel(c.name)
	if cb, ok := c.balancer.(*claimBalancer); ok {
		cb.releaseAll()
	}
	c.stopSubchannels()
}

func (c *Channel) stopSubchannels() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sc := range c.subs {
		sc.Stop()
	}
}

// refreshLoop periodically re-resolves the endpoint set and diffs it
// against the live subchannels.
func (c *Channel) refreshLoop() {
	ticker := time.NewTicker(c.opts.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
		}
		resolved, err := c.opts.resolver.Resolve(c.target)
		if err != nil {
			logger.Warningf("channel %q: resolver refresh failed: %v", c.name, err)
			continue
		}
		c.applyEndpoints(resolved)
	}
}

func (c *Channel) applyEndpoints(endpoints []h2grpc.Endpoint) {
	want := map[string]h2grpc.Endpoint{}
	for _, ep := range endpoints {
		want[ep.String()] = ep
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	for key, ep := range want {
		if _, ok := c.subs[key]; !ok {
			logger.Infof("channel %q: adding endpoint %v", c.name, ep)
			c.addSubchannelLocked(ep)
		}
	}
	for key, sc := range c.subs {
		if _, ok := want[key]; !ok {
			logger.Infof("channel %q: removing endpoint %v", c.name, sc.Endpoint())
			sc.Stop()
			delete(c.subs, key)
		}
	}
	c.order = c.order[:0]
	for key := range c.subs {
		c.order = append(c.order, key)
	}
	sort.Strings(c.order)
}

// Invoke executes a unary RPC through the channel: pick, call, release.
func (c *Channel) Invoke(ctx context.Context, method string, req, reply interface{}, opts ...grpc.CallOption) error {
	return c.conn.Invoke(ctx, method, req, reply, opts...)
}

// NewStream opens a stream through the channel. On a Claim channel the
// lease is held until the stream terminates.
func (c *Channel) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return c.conn.NewStream(ctx, desc, method, opts...)
}

var _ grpcmesh.Channel = (*Channel)(nil)
var _ grpc.ClientConnInterface = (*Channel)(nil)

// rawChannel is the unintercepted call path: the configured interceptors
// wrap it via grpcmesh.InterceptClientConn.
type rawChannel struct {
	c *Channel
}

func (r rawChannel) Invoke(ctx context.Context, method string, req, reply interface{}, opts ...grpc.CallOption) error {
	sc, err := r.c.Pick(ctx)
	if err != nil {
		return asStatusErr(err)
	}
	defer r.c.Release(sc)
	return sc.Invoke(ctx, method, req, reply, opts...)
}

func (r rawChannel) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	sc, err := r.c.Pick(ctx)
	if err != nil {
		return nil, asStatusErr(err)
	}
	cs, err := sc.NewStream(ctx, desc, method, opts...)
	if err != nil {
		r.c.Release(sc)
		return nil, err
	}
	return &leasedStream{ClientStream: cs, release: func() { r.c.Release(sc) }}, nil
}

func asStatusErr(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, ErrNoEndpoints) {
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Unknown, err.Error())
}

// leasedStream releases its subchannel lease once the stream reaches a
// terminal condition on the receive path.
type leasedStream struct {
	grpc.ClientStream
	once    sync.Once
	release func()
}

func (s *leasedStream) RecvMsg(m interface{}) error {
	err := s.ClientStream.RecvMsg(m)
	if err != nil {
		s.once.Do(s.release)
	}
	return err
}
