package pool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrUndefinedChannel is returned by Lookup for a name no channel is
// registered under.
var ErrUndefinedChannel = errors.New("pool: undefined channel")

// The process-wide channel registry. Names are globally unique within the
// process. Lookups read an immutable snapshot, so the call path never
// contends with registration; writers copy on write under a mutex.
var registry = struct {
	mu       sync.Mutex
	channels atomic.Value // map[string]*Channel
}{}

func init() {
	registry.channels.Store(map[string]*Channel{})
}

func registerChannel(ch *Channel) error {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	old := registry.channels.Load().(map[string]*Channel)
	if _, ok := old[ch.name]; ok {
		return fmt.Errorf("pool: channel %q already registered", ch.name)
	}
	next := make(map[string]*Channel, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[ch.name] = ch
	registry.channels.Store(next)
	return nil
}

func unregisterChannel(name string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	old := registry.channels.Load().(map[string]*Channel)
	if _, ok := old[name]; !ok {
		return
	}
	next := make(map[string]*Channel, len(old))
	for k, v := range old {
		if k != name {
			next[k] = v
		}
	}
	registry.channels.Store(next)
}

// Lookup returns the channel registered under name.
func Lookup(name string) (*Channel, error) {
	channels := registry.channels.Load().(map[string]*Channel)
	if ch, ok := channels[name]; ok {
		return ch, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUndefinedChannel, name)
}

// Names returns the names of all registered channels.
func Names() []string {
	channels := registry.channels.Load().(map[string]*Channel)
	names := make([]string, 0, len(channels))
	for name := range channels {
		names = append(names, name)
	}
	return names
}
