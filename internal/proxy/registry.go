package proxy

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Registry caches one channel per endpoint URL. Concurrent GetOrCreate calls
// for a URL without a Ready channel share a single handshake.
type Registry struct {
	mu       sync.Mutex
	channels map[string]*Channel
	group    singleflight.Group
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]*Channel)}
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// GetOrCreate returns the process-wide channel for endpointURL.
func GetOrCreate(ctx context.Context, endpointURL string, cfg Config) (*Channel, error) {
	return defaultRegistry.GetOrCreate(ctx, endpointURL, cfg)
}

// GetOrCreate returns the cached Ready channel for endpointURL, creating and
// opening one if needed. Failed or closed channels are replaced. cfg only
// applies when a new channel is created.
func (r *Registry) GetOrCreate(ctx context.Context, endpointURL string, cfg Config) (*Channel, error) {
	if ch := r.ready(endpointURL); ch != nil {
		return ch, nil
	}

	resCh := r.group.DoChan(endpointURL, func() (any, error) {
		if ch := r.ready(endpointURL); ch != nil {
			return ch, nil
		}

		ch := New(endpointURL, cfg)
		// Shared by every waiter, so no single caller's cancellation applies.
		if err := ch.Open(context.WithoutCancel(ctx)); err != nil {
			_ = ch.Close()
			return nil, err
		}

		r.mu.Lock()
		if old := r.channels[endpointURL]; old != nil && old != ch {
			_ = old.Close()
		}
		r.channels[endpointURL] = ch
		r.mu.Unlock()
		return ch, nil
	})

	select {
	case res := <-resCh:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Channel), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) ready(endpointURL string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[endpointURL]
	if !ok {
		return nil
	}
	if ch.State() == StateReady {
		return ch
	}
	delete(r.channels, endpointURL)
	return nil
}

// Lookup returns the cached channel for endpointURL regardless of state.
func (r *Registry) Lookup(endpointURL string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[endpointURL]
	return ch, ok
}

// Remove disposes and forgets the channel for endpointURL.
func (r *Registry) Remove(endpointURL string) bool {
	r.mu.Lock()
	ch, ok := r.channels[endpointURL]
	delete(r.channels, endpointURL)
	r.mu.Unlock()
	if ok {
		_ = ch.Close()
	}
	return ok
}

// Close disposes every cached channel.
func (r *Registry) Close() error {
	r.mu.Lock()
	channels := r.channels
	r.channels = make(map[string]*Channel)
	r.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	return nil
}
