// Package memstore is the dependency-free reference implementation of
// store.Store: mutex-guarded maps plus a fan-out notification list for
// change-event subscribers, in the shape of the teacher's
// tunnel/server/keyset.go RWMutex-guarded map and the single-shot
// channel-notification pattern used by registry-style relays in the
// retrieval pack.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/ttfgw/ttf/store"
)

// Store is an in-memory store.Store implementation suitable for tests and
// single-process deployments.
type Store struct {
	mu          sync.RWMutex
	bindings    map[string]store.Binding // by channel_id
	byTunnelID  map[string]string        // tunnel_id -> channel_id
	pending     map[string]store.PendingRequest
	rateLimits  map[string]*rateCounter

	subMu sync.Mutex
	subs  map[*subscription]struct{}
}

type rateCounter struct {
	count     int64
	expiresAt time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		bindings:   make(map[string]store.Binding),
		byTunnelID: make(map[string]string),
		pending:    make(map[string]store.PendingRequest),
		rateLimits: make(map[string]*rateCounter),
		subs:       make(map[*subscription]struct{}),
	}
}

func (s *Store) PutBinding(_ context.Context, b store.Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.bindings[b.ChannelID]; ok {
		delete(s.byTunnelID, old.TunnelID)
	}
	s.bindings[b.ChannelID] = b
	s.byTunnelID[b.TunnelID] = b.ChannelID
	return nil
}

func (s *Store) GetBindingByChannelID(_ context.Context, channelID string) (store.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[channelID]
	if !ok {
		return store.Binding{}, store.ErrNotFound
	}
	return b, nil
}

func (s *Store) GetBindingByTunnelID(_ context.Context, tunnelID string) (store.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	channelID, ok := s.byTunnelID[tunnelID]
	if !ok {
		return store.Binding{}, store.ErrNotFound
	}
	b, ok := s.bindings[channelID]
	if !ok {
		return store.Binding{}, store.ErrNotFound
	}
	return b, nil
}

func (s *Store) DeleteBinding(_ context.Context, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bindings[channelID]; ok {
		delete(s.byTunnelID, b.TunnelID)
		delete(s.bindings, channelID)
	}
	return nil
}

func (s *Store) PutPending(_ context.Context, p store.PendingRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[p.RequestID] = p
	return nil
}

func (s *Store) GetPending(_ context.Context, requestID string) (store.PendingRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pending[requestID]
	if !ok {
		return store.PendingRequest{}, store.ErrNotFound
	}
	return p, nil
}

func (s *Store) CompletePending(_ context.Context, requestID string, payload []byte) error {
	s.mu.Lock()
	p, ok := s.pending[requestID]
	if !ok || p.Status == store.StatusCompleted {
		s.mu.Unlock()
		return nil // already gone or already completed: no-op, not an error
	}
	p.Status = store.StatusCompleted
	p.ResponsePayload = payload
	s.pending[requestID] = p
	s.mu.Unlock()

	s.publish(store.Completion{RequestID: requestID})
	return nil
}

func (s *Store) DeletePending(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, requestID)
	return nil
}

func (s *Store) IncrementRateLimit(_ context.Context, tunnelID string, window time.Duration) (int64, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rateLimits[tunnelID]
	if !ok || now.After(c.expiresAt) {
		c = &rateCounter{expiresAt: now.Add(window)}
		s.rateLimits[tunnelID] = c
	}
	c.count++
	return c.count, nil
}

func (s *Store) SweepExpired(_ context.Context, now time.Time) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bindingsRemoved := 0
	for id, b := range s.bindings {
		if now.After(b.ExpiresAt) {
			delete(s.byTunnelID, b.TunnelID)
			delete(s.bindings, id)
			bindingsRemoved++
		}
	}

	pendingRemoved := 0
	for id, p := range s.pending {
		if now.After(p.ExpiresAt) {
			delete(s.pending, id)
			pendingRemoved++
		}
	}

	for id, c := range s.rateLimits {
		if now.After(c.expiresAt) {
			delete(s.rateLimits, id)
		}
	}

	return bindingsRemoved, pendingRemoved, nil
}

// subscription is a single-shot notification feed: each completed pending
// entry fans out to every live subscriber at most once (a subscriber whose
// buffer is full misses it, see publish), grounded on the
// pending-waiter-map pattern used by registry-style relays in the
// retrieval pack.
type subscription struct {
	ch chan store.Completion
	s  *Store
}

func (sub *subscription) C() <-chan store.Completion { return sub.ch }

func (sub *subscription) Close() error {
	sub.s.subMu.Lock()
	defer sub.s.subMu.Unlock()
	if _, ok := sub.s.subs[sub]; ok {
		delete(sub.s.subs, sub)
		close(sub.ch)
	}
	return nil
}

func (s *Store) Subscribe(_ context.Context) (store.Subscription, error) {
	sub := &subscription{ch: make(chan store.Completion, 64), s: s}
	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()
	return sub, nil
}

func (s *Store) publish(c store.Completion) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subs {
		select {
		case sub.ch <- c:
		default:
			// Slow subscriber: drop rather than block the completing
			// writer. The forwarder falls back to its own timeout.
		}
	}
}
