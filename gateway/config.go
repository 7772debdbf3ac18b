// Package gateway implements C2 (the event router) and C3 (the
// registration & correlation engine), grounded on the teacher's
// tunnel/server/server.go: a Config+DefaultConfig()+New() constructor
// shape, a mutex-guarded channel registry, a bounded per-channel outbound
// write queue, and a ticker-driven cleanup loop, all re-pointed at
// request/response correlation instead of yamux stream pairing.
package gateway

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/ttfgw/ttf/observability"
)

// Config mirrors the "Environment configuration (handler)" table in
// spec.md §6.
type Config struct {
	BaseDomain string

	RequireAuth bool
	JWTSecret   []byte
	JWKSKeys    map[string]ed25519.PublicKey

	PerTunnelRateLimit int
	RateLimitWindow    time.Duration

	UseEventDriven bool

	BindingTTL          time.Duration // 2h, spec.md §3.1
	PendingTTL          time.Duration // 60s, spec.md §3.1
	CorrelationDeadline time.Duration // 25s ceiling, spec.md §4.3.5
	PollStart           time.Duration // 50ms, spec.md §4.3.5
	PollMax             time.Duration // 500ms, spec.md §4.3.5
	SweepInterval       time.Duration // 12h, spec.md §4.3.7

	HandshakePushDelays []time.Duration // 100/200/400ms, spec.md §4.3.2

	LRUSize int           // bounded in-process cache, spec.md §4.3.4 step 4
	LRUTTL  time.Duration // <=30s

	Observer observability.GatewayObserver
}

// DefaultConfig returns spec.md's named defaults.
func DefaultConfig() Config {
	return Config{
		BaseDomain:          "tunnel.example.com",
		RequireAuth:         false,
		PerTunnelRateLimit:  0, // 0 disables rate limiting
		RateLimitWindow:     time.Minute,
		UseEventDriven:      true,
		BindingTTL:          2 * time.Hour,
		PendingTTL:          60 * time.Second,
		CorrelationDeadline: 25 * time.Second,
		PollStart:           50 * time.Millisecond,
		PollMax:             500 * time.Millisecond,
		SweepInterval:       12 * time.Hour,
		HandshakePushDelays: []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond},
		LRUSize:             4096,
		LRUTTL:              30 * time.Second,
		Observer:            observability.NoopGatewayObserver,
	}
}

func (c Config) validate() error {
	if c.BaseDomain == "" {
		return fmt.Errorf("gateway: BaseDomain must not be empty")
	}
	if c.RequireAuth && len(c.JWTSecret) == 0 && len(c.JWKSKeys) == 0 {
		return fmt.Errorf("gateway: RequireAuth set but no JWTSecret or JWKSKeys configured")
	}
	if c.CorrelationDeadline <= 0 || c.CorrelationDeadline > 25*time.Second {
		return fmt.Errorf("gateway: CorrelationDeadline must be in (0, 25s]")
	}
	return nil
}
