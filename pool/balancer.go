package pool

import (
	"context"
	"errors"
	"hash/fnv"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/altgrid/grpcmesh/h2grpc"
)

// Balancer selects a subchannel from the ready set for one call. Pick is
// called with a consistent snapshot of the ready subchannels in a stable
// order; it must not block.
type Balancer interface {
	Name() string
	Pick(ctx context.Context, ready []*h2grpc.Subchannel) (*h2grpc.Subchannel, error)
}

// errNotPickable tells the channel that the ready set, while non-empty,
// has no subchannel this balancer is currently willing to hand out (all
// claimed). The channel keeps waiting, bounded by the caller's context.
var errNotPickable = errors.New("pool: no pickable subchannel")

// Balancer strategy names accepted by WithBalancer.
const (
	RoundRobin = "round_robin"
	Random     = "random"
	Hash       = "hash"
	Direct     = "direct"
	Claim      = "claim"
)

func newBalancer(name string) (Balancer, error) {
	switch name {
	case "", RoundRobin:
		return &roundRobinBalancer{}, nil
	case Random:
		return &randomBalancer{}, nil
	case Hash:
		return &hashBalancer{}, nil
	case Direct:
		return &directBalancer{}, nil
	case Claim:
		return &claimBalancer{leases: map[*h2grpc.Subchannel]bool{}}, nil
	}
	return nil, errors.New("pool: unknown balancer strategy " + name)
}

// roundRobinBalancer rotates through the ready set in its stable order.
// Over N ready subchannels, any N consecutive picks visit each exactly
// once.
type roundRobinBalancer struct {
	next atomic.Uint64
}

func (b *roundRobinBalancer) Name() string { return RoundRobin }

func (b *roundRobinBalancer) Pick(_ context.Context, ready []*h2grpc.Subchannel) (*h2grpc.Subchannel, error) {
	n := b.next.Add(1) - 1
	return ready[n%uint64(len(ready))], nil
}

type randomBalancer struct{}

func (randomBalancer) Name() string { return Random }

func (randomBalancer) Pick(_ context.Context, ready []*h2grpc.Subchannel) (*h2grpc.Subchannel, error) {
	return ready[rand.Intn(len(ready))], nil
}

type hashKeyContextKey struct{}

// WithHashKey attaches the key the hash balancer consistently hashes for
// calls issued with the returned context.
func WithHashKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, hashKeyContextKey{}, key)
}

// HashKey returns the hash-balancer key carried by ctx, if any.
func HashKey(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(hashKeyContextKey{}).(string)
	return key, ok
}

// hashBalancer maps a caller-supplied key onto the ready set, so that
// identical keys land on the same subchannel for as long as the ready set
// is unchanged. Calls without a key fail rather than silently randomize.
type hashBalancer struct{}

func (hashBalancer) Name() string { return Hash }

func (hashBalancer) Pick(ctx context.Context, ready []*h2grpc.Subchannel) (*h2grpc.Subchannel, error) {
	key, ok := HashKey(ctx)
	if !ok {
		return nil, errors.New("pool: hash balancer requires a key (see WithHashKey)")
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return ready[h.Sum32()%uint32(len(ready))], nil
}

// directBalancer serves a single-endpoint channel with no balancing.
type directBalancer struct{}

func (directBalancer) Name() string { return Direct }

func (directBalancer) Pick(_ context.Context, ready []*h2grpc.Subchannel) (*h2grpc.Subchannel, error) {
	if len(ready) != 1 {
		return nil, errors.New("pool: direct balancer requires exactly one endpoint")
	}
	return ready[0], nil
}

// claimBalancer leases each subchannel exclusively to one caller until it
// is released. With every ready subchannel leased out, picks wait (via
// errNotPickable) until a lease is returned or the caller's context
// expires.
type claimBalancer struct {
	mu     sync.Mutex
	leases map[*h2grpc.Subchannel]bool
}

func (b *claimBalancer) Name() string { return Claim }

func (b *claimBalancer) Pick(_ context.Context, ready []*h2grpc.Subchannel) (*h2grpc.Subchannel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sc := range ready {
		if !b.leases[sc] {
			b.leases[sc] = true
			return sc, nil
		}
	}
	return nil, errNotPickable
}

// release returns a lease. Releasing a subchannel that is not leased is a
// no-op.
func (b *claimBalancer) release(sc *h2grpc.Subchannel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.leases, sc)
}

// releaseAll drops every outstanding lease; used when the channel stops.
func (b *claimBalancer) releaseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sc := range b.leases {
		delete(b.leases, sc)
	}
}
