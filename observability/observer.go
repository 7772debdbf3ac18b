// Package observability defines the metrics surface shared by the gateway
// and the agent: a pair of Observer interfaces with no-op and hot-swappable
// implementations, following the teacher's observability package shape
// (NoopTunnelObserver / AtomicTunnelObserver), renamed to the
// tunnel-forwarding domain (requests forwarded, correlation latency,
// rewrite application, reconnects) instead of the teacher's attach/replace/
// RPC counters.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// ForwardResult is the outcome of one public-request forwarding flow.
type ForwardResult string

const (
	ForwardResultOK           ForwardResult = "ok"
	ForwardResultNotFound     ForwardResult = "not_found"
	ForwardResultRateLimited  ForwardResult = "rate_limited"
	ForwardResultUpstreamGone ForwardResult = "upstream_gone"
	ForwardResultTimeout      ForwardResult = "timeout"
	ForwardResultError        ForwardResult = "error"
)

// RoutingMode distinguishes subdomain vs path tunnel-id extraction.
type RoutingMode string

const (
	RoutingModeSubdomain RoutingMode = "subdomain"
	RoutingModePath      RoutingMode = "path"
)

// ReconnectReason labels why the agent's channel dropped.
type ReconnectReason string

const (
	ReconnectReasonPeerClosed ReconnectReason = "peer_closed"
	ReconnectReasonReadError  ReconnectReason = "read_error"
	ReconnectReasonHandshake  ReconnectReason = "handshake_timeout"
	ReconnectReasonShutdown   ReconnectReason = "shutdown"
)

// GatewayObserver receives gateway-side metric events.
type GatewayObserver interface {
	ChannelCount(n int)
	Forward(result ForwardResult, mode RoutingMode)
	CorrelationLatency(d time.Duration)
	RewriteApplied(applied bool)
	HandshakePush(attempt int, ok bool)
}

// AgentObserver receives agent-side metric events.
type AgentObserver interface {
	Reconnect(reason ReconnectReason)
	LocalRequest(status int, d time.Duration)
	LocalRequestFailed()
}

type noopGatewayObserver struct{}

func (noopGatewayObserver) ChannelCount(int)                   {}
func (noopGatewayObserver) Forward(ForwardResult, RoutingMode) {}
func (noopGatewayObserver) CorrelationLatency(time.Duration)   {}
func (noopGatewayObserver) RewriteApplied(bool)                {}
func (noopGatewayObserver) HandshakePush(int, bool)            {}

type noopAgentObserver struct{}

func (noopAgentObserver) Reconnect(ReconnectReason)       {}
func (noopAgentObserver) LocalRequest(int, time.Duration) {}
func (noopAgentObserver) LocalRequestFailed()             {}

// NoopGatewayObserver is a zero-cost observer used when metrics are disabled.
var NoopGatewayObserver GatewayObserver = noopGatewayObserver{}

// NoopAgentObserver is a zero-cost observer used when metrics are disabled.
var NoopAgentObserver AgentObserver = noopAgentObserver{}

// AtomicGatewayObserver swaps its delegate at runtime.
type AtomicGatewayObserver struct {
	once sync.Once
	v    atomic.Value
}

type gatewayObserverHolder struct{ obs GatewayObserver }

// NewAtomicGatewayObserver returns an initialized atomic observer.
func NewAtomicGatewayObserver() *AtomicGatewayObserver {
	a := &AtomicGatewayObserver{}
	a.once.Do(func() { a.v.Store(&gatewayObserverHolder{obs: NoopGatewayObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicGatewayObserver) Set(obs GatewayObserver) {
	if obs == nil {
		obs = NoopGatewayObserver
	}
	a.once.Do(func() { a.v.Store(&gatewayObserverHolder{obs: NoopGatewayObserver}) })
	a.v.Store(&gatewayObserverHolder{obs: obs})
}

func (a *AtomicGatewayObserver) load() GatewayObserver {
	a.once.Do(func() { a.v.Store(&gatewayObserverHolder{obs: NoopGatewayObserver}) })
	return a.v.Load().(*gatewayObserverHolder).obs
}

func (a *AtomicGatewayObserver) ChannelCount(n int) { a.load().ChannelCount(n) }
func (a *AtomicGatewayObserver) Forward(result ForwardResult, mode RoutingMode) {
	a.load().Forward(result, mode)
}
func (a *AtomicGatewayObserver) CorrelationLatency(d time.Duration) { a.load().CorrelationLatency(d) }
func (a *AtomicGatewayObserver) RewriteApplied(applied bool)        { a.load().RewriteApplied(applied) }
func (a *AtomicGatewayObserver) HandshakePush(attempt int, ok bool) {
	a.load().HandshakePush(attempt, ok)
}

// AtomicAgentObserver swaps its delegate at runtime.
type AtomicAgentObserver struct {
	once sync.Once
	v    atomic.Value
}

type agentObserverHolder struct{ obs AgentObserver }

// NewAtomicAgentObserver returns an initialized atomic observer.
func NewAtomicAgentObserver() *AtomicAgentObserver {
	a := &AtomicAgentObserver{}
	a.once.Do(func() { a.v.Store(&agentObserverHolder{obs: NoopAgentObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicAgentObserver) Set(obs AgentObserver) {
	if obs == nil {
		obs = NoopAgentObserver
	}
	a.once.Do(func() { a.v.Store(&agentObserverHolder{obs: NoopAgentObserver}) })
	a.v.Store(&agentObserverHolder{obs: obs})
}

func (a *AtomicAgentObserver) load() AgentObserver {
	a.once.Do(func() { a.v.Store(&agentObserverHolder{obs: NoopAgentObserver}) })
	return a.v.Load().(*agentObserverHolder).obs
}

func (a *AtomicAgentObserver) Reconnect(reason ReconnectReason) { a.load().Reconnect(reason) }
func (a *AtomicAgentObserver) LocalRequest(status int, d time.Duration) {
	a.load().LocalRequest(status, d)
}
func (a *AtomicAgentObserver) LocalRequestFailed() { a.load().LocalRequestFailed() }
