// Package agent implements C5, the dev-machine agent: it dials the
// gateway's channel endpoint, performs the Ready handshake, and forwards
// every http_request frame to a local HTTP service, grounded on the
// teacher's client/dial.go connect-option shape and proxy/http1.go's
// local-upstream dispatch, adapted from a chunked proxy stream to a single
// whole-body request/response per frame.
package agent

import (
	"fmt"
	"time"

	"github.com/ttfgw/ttf/observability"
)

// Config holds everything needed to dial a gateway and forward to a local
// service, mirroring spec.md §6's agent CLI flag table.
type Config struct {
	Endpoint string // wss:// or ws:// gateway channel URL
	Token    string

	LocalHost string // default 127.0.0.1
	LocalPort int    // default 3000

	ConnectTimeout time.Duration // default 10s
	RequestTimeout time.Duration // default 25s

	Verbose bool

	Observer observability.AgentObserver

	// OnEstablished is called with the gateway-assigned public_url each
	// time the handshake completes (spec.md §4.5: "on receipt, print
	// public_url to stdout"). Optional; nil is a no-op.
	OnEstablished func(publicURL string)
}

// DefaultConfig returns spec.md §6's named CLI defaults.
func DefaultConfig() Config {
	return Config{
		LocalHost:      "127.0.0.1",
		LocalPort:      3000,
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 25 * time.Second,
		Observer:       observability.NoopAgentObserver,
	}
}

func (c Config) validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("agent: Endpoint must not be empty")
	}
	if c.LocalHost == "" {
		return fmt.Errorf("agent: LocalHost must not be empty")
	}
	if c.LocalPort <= 0 || c.LocalPort > 65535 {
		return fmt.Errorf("agent: LocalPort out of range: %d", c.LocalPort)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("agent: ConnectTimeout must be positive")
	}
	if c.RequestTimeout <= 0 || c.RequestTimeout > 25*time.Second {
		return fmt.Errorf("agent: RequestTimeout must be in (0, 25s]")
	}
	return nil
}

func (c Config) localBaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.LocalHost, c.LocalPort)
}
