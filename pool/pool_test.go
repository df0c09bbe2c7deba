package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/altgrid/grpcmesh/h2grpc"
)

func testEndpoints(ports ...int) []h2grpc.Endpoint {
	eps := make([]h2grpc.Endpoint, len(ports))
	for i, p := range ports {
		eps[i] = h2grpc.Endpoint{Host: "127.0.0.1", Port: p}
	}
	return eps
}

func TestRegistry(t *testing.T) {
	ch, err := New(context.Background(), "reg-test", testEndpoints(9001))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer ch.Stop("test over")

	got, err := Lookup("reg-test")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got != ch {
		t.Fatal("Lookup returned a different channel")
	}

	if _, err := New(context.Background(), "reg-test", testEndpoints(9002)); err == nil {
		t.Fatal("expected duplicate name to fail")
	}

	if _, err := Lookup("no-such-channel"); !errors.Is(err, ErrUndefinedChannel) {
		t.Fatalf("expected ErrUndefinedChannel; got %v", err)
	}

	ch.Stop("done")
	if _, err := Lookup("reg-test"); !errors.Is(err, ErrUndefinedChannel) {
		t.Fatal("stopped channel still registered")
	}
}

func TestPickNoEndpoints(t *testing.T) {
	ch, err := New(context.Background(), "empty-test", nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer ch.Stop("test over")

	if _, err := ch.Pick(context.Background()); !errors.Is(err, ErrNoEndpoints) {
		t.Fatalf("expected ErrNoEndpoints; got %v", err)
	}
}

func TestPickDeadlineWhileConnecting(t *testing.T) {
	// nothing listens on this port, so the channel can never become ready
	ch, err := New(context.Background(), "unreachable-test", testEndpoints(1))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer ch.Stop("test over")

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	_, err = ch.Pick(ctx)
	if status.Code(err) != codes.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded; got %v", err)
	}
}

func TestSyncStartEmptyEndpointsFatal(t *testing.T) {
	_, err := New(context.Background(), "sync-empty-test", nil, WithSyncStart())
	if !errors.Is(err, ErrNoEndpoints) {
		t.Fatalf("expected ErrNoEndpoints; got %v", err)
	}
}

func TestStopFailsPicks(t *testing.T) {
	ch, err := New(context.Background(), "stop-test", testEndpoints(9003))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ch.Stop("going away")

	_, err = ch.Pick(context.Background())
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("expected Unavailable after stop; got %v", err)
	}
}

func TestResolverRefreshDiff(t *testing.T) {
	res := &switchableResolver{eps: testEndpoints(9010, 9011)}
	ch, err := New(context.Background(), "refresh-test", nil,
		WithResolver(res),
		WithRefreshInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer ch.Stop("test over")

	if got := len(ch.order); got != 2 {
		t.Fatalf("expected 2 subchannels initially; got %d", got)
	}

	res.set(testEndpoints(9011, 9012, 9013))
	deadline := time.Now().Add(2 * time.Second)
	for {
		ch.mu.Lock()
		n := len(ch.order)
		_, stillThere := ch.subs["h2c://127.0.0.1:9010"]
		ch.mu.Unlock()
		if n == 3 && !stillThere {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("refresh did not converge: %d subchannels", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type switchableResolver struct {
	mu  sync.Mutex
	eps []h2grpc.Endpoint
}

func (r *switchableResolver) set(eps []h2grpc.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eps = eps
}

func (r *switchableResolver) Resolve(string) ([]h2grpc.Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eps, nil
}
