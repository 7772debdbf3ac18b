// Package store defines the abstract key-value mapping service spec.md §1
// and §6 treat as an external collaborator: secondary-index lookup,
// conditional updates, change-event subscription, and time-to-live
// eviction. Concrete drivers live in store/memstore (reference, dependency
// free) and store/redisstore (production, backed by go-redis/v9).
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup misses.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a conditional update's precondition fails
// (for example, updating a pending entry that is no longer pending).
var ErrConflict = errors.New("store: conditional update failed")

// Binding is the tunnel binding entity, spec.md §3.1.
type Binding struct {
	ChannelID  string
	TunnelID   string
	PublicURL  string
	ClientInfo string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// RequestStatus is the pending request's monotone status field.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusCompleted RequestStatus = "completed"
)

// PendingRequest is the in-flight public HTTP call entity, spec.md §3.1.
type PendingRequest struct {
	RequestID       string
	ChannelID       string
	Status          RequestStatus
	ResponsePayload []byte
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

// Completion is published on the change-event stream when a pending entry
// transitions to completed (spec.md §4.3.5).
type Completion struct {
	RequestID string
}

// Subscription is a live change-event feed. Callers must call Close when
// done.
type Subscription interface {
	// C delivers completions as they are published. The channel is closed
	// when the subscription ends.
	C() <-chan Completion
	Close() error
}

// Store is the abstract mapping service every gateway component is built
// against. Implementations must provide linearizable single-key reads and
// writes (spec.md §5).
type Store interface {
	// PutBinding writes a new binding, replacing any existing binding for
	// the same ChannelID.
	PutBinding(ctx context.Context, b Binding) error
	// GetBindingByChannelID looks up a binding by its primary key.
	GetBindingByChannelID(ctx context.Context, channelID string) (Binding, error)
	// GetBindingByTunnelID resolves the tunnel_id secondary index.
	GetBindingByTunnelID(ctx context.Context, tunnelID string) (Binding, error)
	// DeleteBinding removes a binding by ChannelID. It does not error if
	// the binding is already gone.
	DeleteBinding(ctx context.Context, channelID string) error

	// PutPending writes a new pending request entry.
	PutPending(ctx context.Context, p PendingRequest) error
	// GetPending reads a pending entry by RequestID.
	GetPending(ctx context.Context, requestID string) (PendingRequest, error)
	// CompletePending performs the conditional pending->completed update.
	// It must no-op without error when the entry has already expired or
	// been deleted (spec.md §4.3.6).
	CompletePending(ctx context.Context, requestID string, payload []byte) error
	// DeletePending removes a pending entry. It does not error if the
	// entry is already gone.
	DeletePending(ctx context.Context, requestID string) error

	// Subscribe opens a change-event feed for pending-request completions
	// (event-driven mode, spec.md §4.3.5).
	Subscribe(ctx context.Context) (Subscription, error)

	// IncrementRateLimit atomically increments the per-tunnel-per-window
	// counter and returns the post-increment value, creating the counter
	// with the given TTL if absent (spec.md §4.3.4 step 3).
	IncrementRateLimit(ctx context.Context, tunnelID string, window time.Duration) (int64, error)

	// SweepExpired deletes bindings and pending entries whose ExpiresAt is
	// past "now", returning the counts removed (spec.md §4.3.7).
	SweepExpired(ctx context.Context, now time.Time) (bindings int, pending int, err error)
}
