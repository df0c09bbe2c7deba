package pool

import (
	"context"
	"testing"

	"github.com/altgrid/grpcmesh/h2grpc"
)

func fakeReadySet(n int) []*h2grpc.Subchannel {
	subs := make([]*h2grpc.Subchannel, n)
	for i := range subs {
		subs[i] = h2grpc.NewSubchannel(h2grpc.Endpoint{Host: "127.0.0.1", Port: 9000 + i})
	}
	return subs
}

func TestRoundRobinFairness(t *testing.T) {
	b, err := newBalancer(RoundRobin)
	if err != nil {
		t.Fatal(err)
	}
	ready := fakeReadySet(5)

	// any N consecutive picks must visit each subchannel exactly once
	for round := 0; round < 3; round++ {
		seen := map[*h2grpc.Subchannel]int{}
		for i := 0; i < len(ready); i++ {
			sc, err := b.Pick(context.Background(), ready)
			if err != nil {
				t.Fatalf("pick failed: %v", err)
			}
			seen[sc]++
		}
		for i, sc := range ready {
			if seen[sc] != 1 {
				t.Fatalf("round %d: subchannel #%d picked %d times", round, i, seen[sc])
			}
		}
	}
}

func TestRandomBalancer(t *testing.T) {
	b, _ := newBalancer(Random)
	ready := fakeReadySet(3)
	for i := 0; i < 50; i++ {
		sc, err := b.Pick(context.Background(), ready)
		if err != nil {
			t.Fatalf("pick failed: %v", err)
		}
		found := false
		for _, want := range ready {
			if sc == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("picked a subchannel outside the ready set")
		}
	}
}

func TestHashBalancerStability(t *testing.T) {
	b, _ := newBalancer(Hash)
	ready := fakeReadySet(4)

	ctx := WithHashKey(context.Background(), "tenant-42")
	first, err := b.Pick(ctx, ready)
	if err != nil {
		t.Fatalf("pick failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		sc, err := b.Pick(ctx, ready)
		if err != nil {
			t.Fatalf("pick failed: %v", err)
		}
		if sc != first {
			t.Fatalf("hash pick not stable for identical key and ready set")
		}
	}

	if _, err := b.Pick(context.Background(), ready); err == nil {
		t.Fatal("expected pick without a hash key to fail")
	}
}

func TestDirectBalancer(t *testing.T) {
	b, _ := newBalancer(Direct)
	one := fakeReadySet(1)
	sc, err := b.Pick(context.Background(), one)
	if err != nil || sc != one[0] {
		t.Fatalf("direct pick = %v, %v", sc, err)
	}
	if _, err := b.Pick(context.Background(), fakeReadySet(2)); err == nil {
		t.Fatal("direct balancer accepted multiple endpoints")
	}
}

func TestClaimBalancerExclusivity(t *testing.T) {
	b, _ := newBalancer(Claim)
	cb := b.(*claimBalancer)
	ready := fakeReadySet(2)

	first, err := b.Pick(context.Background(), ready)
	if err != nil {
		t.Fatalf("pick failed: %v", err)
	}
	second, err := b.Pick(context.Background(), ready)
	if err != nil {
		t.Fatalf("pick failed: %v", err)
	}
	if first == second {
		t.Fatal("claim balancer leased the same subchannel twice")
	}

	if _, err := b.Pick(context.Background(), ready); err != errNotPickable {
		t.Fatalf("expected errNotPickable with all subchannels leased; got %v", err)
	}

	cb.release(first)
	again, err := b.Pick(context.Background(), ready)
	if err != nil {
		t.Fatalf("pick after release failed: %v", err)
	}
	if again != first {
		t.Fatal("released subchannel was not reusable")
	}

	// double release is a no-op
	cb.release(first)
	cb.release(first)

	cb.releaseAll()
	if _, err := b.Pick(context.Background(), ready); err != nil {
		t.Fatalf("pick after releaseAll failed: %v", err)
	}
}

func TestUnknownBalancer(t *testing.T) {
	if _, err := newBalancer("least_loaded"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}
