package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/ttfgw/ttf/internal/idgen"
	"github.com/ttfgw/ttf/internal/ttferrors"
	"github.com/ttfgw/ttf/observability"
	"github.com/ttfgw/ttf/protocol"
	"github.com/ttfgw/ttf/store"
	"github.com/ttfgw/ttf/transform"
)

// Engine is C3, the registration & correlation engine: it owns the two
// logical tables (via Store), resolves tunnel ids to channels, dispatches
// framed requests, and delivers completions to waiters. Grounded on the
// teacher's tunnel/server/server.go Config/New() constructor shape and
// mutex-guarded channel registry, re-pointed at request/response
// correlation.
type Engine struct {
	cfg    Config
	store  store.Store
	pusher ChannelPusher
	log    *logrus.Entry

	// tunnelCache is the bounded in-process LRU named in spec.md §4.3.4
	// step 4 and §5's "Sharing & mutation" paragraph: entries are strictly
	// hints, invalidated on channel close, and a stale hit simply produces
	// a push failure the forwarder already handles.
	tunnelCache *expirable.LRU[string, string]
}

// NewEngine constructs an Engine. pusher may be nil initially and set
// later via SetPusher once the websocket layer is wired up — the two are
// constructed together in cmd/ttf-gateway but kept as separate types here
// so the correlation logic can be tested against a fake pusher.
func NewEngine(cfg Config, st store.Store, pusher ChannelPusher, log *logrus.Entry) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		cfg:         cfg,
		store:       st,
		pusher:      pusher,
		log:         log,
		tunnelCache: expirable.NewLRU[string, string](cfg.LRUSize, nil, cfg.LRUTTL),
	}, nil
}

// SetPusher wires the channel pusher once the transport layer is ready.
func (e *Engine) SetPusher(p ChannelPusher) { e.pusher = p }

// ChannelOpen implements spec.md §4.3.1: authenticate, mint tunnel_id,
// write the binding, and return it. It does not push anything to the
// channel — see Ready.
func (e *Engine) ChannelOpen(ctx context.Context, channelID, token, clientInfo string) (store.Binding, error) {
	if err := e.cfg.verifyToken(token); err != nil {
		return store.Binding{}, err
	}

	var tunnelID string
	for attempt := 0; attempt < 8; attempt++ {
		candidate, err := idgen.NewTunnelID()
		if err != nil {
			return store.Binding{}, ttferrors.Wrap(ttferrors.KindInternal, "tunnel id generation failed", err)
		}
		if _, err := e.store.GetBindingByTunnelID(ctx, candidate); err == store.ErrNotFound {
			tunnelID = candidate
			break
		}
	}
	if tunnelID == "" {
		return store.Binding{}, ttferrors.New(ttferrors.KindInternal, "exhausted tunnel id minting attempts")
	}

	now := time.Now()
	b := store.Binding{
		ChannelID:  channelID,
		TunnelID:   tunnelID,
		PublicURL:  e.publicURL(tunnelID),
		ClientInfo: clientInfo,
		CreatedAt:  now,
		ExpiresAt:  now.Add(e.cfg.BindingTTL),
	}
	if err := e.store.PutBinding(ctx, b); err != nil {
		return store.Binding{}, ttferrors.Wrap(ttferrors.KindInternal, "failed to write binding", err)
	}
	return b, nil
}

func (e *Engine) publicURL(tunnelID string) string {
	return fmt.Sprintf("https://%s.%s", tunnelID, e.cfg.BaseDomain)
}

// Ready implements spec.md §4.3.2: push ConnectionEstablished with retry
// up to three times at 100/200/400ms. If all retries fail, it surfaces
// nothing — the agent observes its own handshake timeout and reconnects.
func (e *Engine) Ready(ctx context.Context, channelID string) {
	b, err := e.store.GetBindingByChannelID(ctx, channelID)
	if err != nil {
		e.log.WithField("channel_id", channelID).Warn("ready handshake for unknown channel")
		return
	}

	frame, err := protocol.Encode(protocol.TypeConnectionEstablished, protocol.ConnectionEstablished{
		ChannelID: b.ChannelID,
		TunnelID:  b.TunnelID,
		PublicURL: b.PublicURL,
	})
	if err != nil {
		e.log.WithError(err).Error("failed to encode connection_established frame")
		return
	}

	delays := append([]time.Duration{0}, e.cfg.HandshakePushDelays...)
	for attempt, delay := range delays {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		pushErr := e.pusher.Push(ctx, channelID, frame)
		e.cfg.Observer.HandshakePush(attempt, pushErr == nil)
		if pushErr == nil {
			return
		}
	}
	e.log.WithField("channel_id", channelID).Warn("connection_established push exhausted retries")
}

// ChannelClose implements spec.md §4.3.3.
func (e *Engine) ChannelClose(ctx context.Context, channelID string) error {
	b, err := e.store.GetBindingByChannelID(ctx, channelID)
	if err == nil {
		e.tunnelCache.Remove(b.TunnelID)
	}
	return e.store.DeleteBinding(ctx, channelID)
}

// completionPayload is the shape CompletePending stores and HandleAgentFrame
// produces: exactly one of Response or Error is set, mirroring the
// http_response / error frame distinction of spec.md §4.3.6.
type completionPayload struct {
	Response *protocol.HTTPResponse `json:"response,omitempty"`
	Error    *protocol.ErrorFrame   `json:"error,omitempty"`
}

// ForwardRequest implements spec.md §4.3.4 end to end: extract and
// validate the tunnel id, rate-limit, resolve to a channel, dispatch, and
// await completion, transforming the body in path mode.
func (e *Engine) ForwardRequest(ctx context.Context, host, path, method string, headers protocol.Headers, body []byte) (status int, respHeaders protocol.Headers, respBody []byte, mode RoutingMode, rewritten bool) {
	start := time.Now()
	tunnelIDCandidate, forwardPath, mode := ExtractTunnelID(host, path, e.cfg.BaseDomain)

	if !idgen.ValidTunnelID(tunnelIDCandidate) {
		return e.notFound(mode)
	}

	if e.cfg.PerTunnelRateLimit > 0 {
		n, err := e.store.IncrementRateLimit(ctx, tunnelIDCandidate, e.cfg.RateLimitWindow)
		if err == nil && int(n) > e.cfg.PerTunnelRateLimit {
			e.observeForward(observability.ForwardResultRateLimited, mode)
			return 429, protocol.Headers{"Retry-After": {"60"}}, []byte(`{"kind":"rate_limited"}`), mode, false
		}
	}

	if err := protocol.ValidateURI(forwardPath); err != nil {
		return e.notFound(mode)
	}
	if err := protocol.ValidateHeaders(headers); err != nil {
		e.observeForward(observability.ForwardResultError, mode)
		return 413, nil, []byte(err.Error()), mode, false
	}
	if len(body) > protocol.MaxBodyBytes {
		e.observeForward(observability.ForwardResultError, mode)
		return 413, nil, []byte("payload too large"), mode, false
	}

	channelID, ok := e.resolveChannel(ctx, tunnelIDCandidate)
	if !ok {
		return e.notFound(mode)
	}

	requestID := idgen.NewRequestID()
	now := time.Now()
	pending := store.PendingRequest{
		RequestID: requestID,
		ChannelID: channelID,
		Status:    store.StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(e.cfg.PendingTTL),
	}
	if err := e.store.PutPending(ctx, pending); err != nil {
		return e.internalError(mode)
	}

	frame, err := protocol.Encode(protocol.TypeHTTPRequest, protocol.HTTPRequest{
		RequestID: requestID,
		Method:    method,
		URI:       forwardPath,
		Headers:   stripHopByHop(headers),
		Body:      protocol.EncodeBody(body),
		Timestamp: now.Unix(),
	})
	if err != nil {
		_ = e.store.DeletePending(ctx, requestID)
		return e.internalError(mode)
	}

	if err := e.pusher.Push(ctx, channelID, frame); err != nil {
		_ = e.store.DeletePending(ctx, requestID)
		if err == ErrChannelGone {
			_ = e.store.DeleteBinding(ctx, channelID)
			e.tunnelCache.Remove(tunnelIDCandidate)
		}
		e.observeForward(observability.ForwardResultUpstreamGone, mode)
		return 502, nil, []byte("upstream channel gone"), mode, false
	}

	completed, err := e.awaitCompletion(ctx, requestID)
	_ = e.store.DeletePending(ctx, requestID)
	e.cfg.Observer.CorrelationLatency(time.Since(start))
	if err != nil {
		e.observeForward(observability.ForwardResultTimeout, mode)
		return 504, nil, []byte("deadline exceeded"), mode, false
	}

	var payload completionPayload
	if err := json.Unmarshal(completed.ResponsePayload, &payload); err != nil {
		return e.internalError(mode)
	}
	if payload.Error != nil {
		e.observeForward(observability.ForwardResultError, mode)
		return statusForErrorCode(payload.Error.Code), nil, []byte(payload.Error.Message), mode, false
	}
	if payload.Response == nil {
		return e.internalError(mode)
	}
	resp := *payload.Response

	respBody, err = protocol.DecodeBody(resp.Body)
	if err != nil {
		return e.internalError(mode)
	}

	rewritten = false
	if mode == ModePath {
		ct, _ := resp.Headers.Get("Content-Type")
		res := transform.Apply(ct, respBody, tunnelIDCandidate)
		respBody = res.Body
		rewritten = res.Applied
		e.cfg.Observer.RewriteApplied(rewritten)
	}

	e.observeForward(observability.ForwardResultOK, mode)
	return resp.StatusCode, resp.Headers, respBody, mode, rewritten
}

// awaitCompletion implements spec.md §4.3.5: prefer the event-driven
// subscription, falling back to exponential-backoff polling, both bounded
// by the 25s correlation deadline.
func (e *Engine) awaitCompletion(ctx context.Context, requestID string) (store.PendingRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CorrelationDeadline)
	defer cancel()

	if p, err := e.store.GetPending(ctx, requestID); err == nil && p.Status == store.StatusCompleted {
		return p, nil
	}

	if e.cfg.UseEventDriven {
		sub, err := e.store.Subscribe(ctx)
		if err == nil {
			defer sub.Close()
			for {
				select {
				case c, ok := <-sub.C():
					if !ok {
						return store.PendingRequest{}, ttferrors.New(ttferrors.KindTimeout, "completion subscription closed")
					}
					if c.RequestID != requestID {
						continue
					}
					p, err := e.store.GetPending(ctx, requestID)
					if err != nil {
						return store.PendingRequest{}, err
					}
					return p, nil
				case <-ctx.Done():
					return store.PendingRequest{}, ctx.Err()
				}
			}
		}
	}

	delay := e.cfg.PollStart
	for {
		p, err := e.store.GetPending(ctx, requestID)
		if err == nil && p.Status == store.StatusCompleted {
			return p, nil
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return store.PendingRequest{}, ctx.Err()
		}
		delay *= 2
		if delay > e.cfg.PollMax {
			delay = e.cfg.PollMax
		}
	}
}

// HandleAgentFrame implements spec.md §4.3.6: http_response and error
// frames perform the conditional pending->completed transition (a no-op if
// the entry is already gone), ping is answered with pong, pong is ignored.
func (e *Engine) HandleAgentFrame(ctx context.Context, data []byte) ([]byte, error) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case protocol.TypeHTTPResponse:
		var resp protocol.HTTPResponse
		if err := json.Unmarshal(env.Payload, &resp); err != nil {
			return nil, err
		}
		payload, err := json.Marshal(completionPayload{Response: &resp})
		if err != nil {
			return nil, err
		}
		return nil, e.store.CompletePending(ctx, resp.RequestID, payload)

	case protocol.TypeError:
		var ef protocol.ErrorFrame
		if err := json.Unmarshal(env.Payload, &ef); err != nil {
			return nil, err
		}
		payload, err := json.Marshal(completionPayload{Error: &ef})
		if err != nil {
			return nil, err
		}
		return nil, e.store.CompletePending(ctx, ef.RequestID, payload)

	case protocol.TypePing:
		return protocol.Encode(protocol.TypePong, protocol.Pong{})

	case protocol.TypePong:
		return nil, nil

	default:
		return nil, fmt.Errorf("gateway: unexpected frame type %q from agent", env.Type)
	}
}

// Sweep implements spec.md §4.3.7: the scheduled task batch-deletes
// bindings and pending entries whose ExpiresAt has passed.
func (e *Engine) Sweep(ctx context.Context) (bindings int, pending int, err error) {
	bindings, pending, err = e.store.SweepExpired(ctx, time.Now())
	if err != nil {
		e.log.WithError(err).Error("sweep failed")
		return bindings, pending, err
	}
	if bindings > 0 || pending > 0 {
		e.log.WithFields(logrus.Fields{"bindings": bindings, "pending": pending}).Debug("sweep removed expired entries")
	}
	return bindings, pending, nil
}

// resolveChannel resolves tunnel_id to channel_id via the secondary index,
// short-circuited by the bounded LRU cache (spec.md §4.3.4 step 4).
func (e *Engine) resolveChannel(ctx context.Context, tunnelID string) (string, bool) {
	if channelID, ok := e.tunnelCache.Get(tunnelID); ok {
		return channelID, true
	}
	b, err := e.store.GetBindingByTunnelID(ctx, tunnelID)
	if err != nil {
		return "", false
	}
	e.tunnelCache.Add(tunnelID, b.ChannelID)
	return b.ChannelID, true
}

func (e *Engine) observeForward(result observability.ForwardResult, mode RoutingMode) {
	e.cfg.Observer.Forward(result, observability.RoutingMode(mode.String()))
}

func (e *Engine) notFound(mode RoutingMode) (int, protocol.Headers, []byte, RoutingMode, bool) {
	e.observeForward(observability.ForwardResultNotFound, mode)
	return 404, nil, []byte(`{"kind":"not_found"}`), mode, false
}

func (e *Engine) internalError(mode RoutingMode) (int, protocol.Headers, []byte, RoutingMode, bool) {
	e.observeForward(observability.ForwardResultError, mode)
	return 500, nil, []byte(`{"kind":"internal"}`), mode, false
}

// statusForErrorCode maps an agent-reported error code to the HTTP status
// the public caller sees, spec.md §4.3.8.
func statusForErrorCode(code protocol.ErrorCode) int {
	switch code {
	case protocol.ErrorCodeInvalidRequest:
		return 400
	case protocol.ErrorCodeUnauthorized:
		return 401
	case protocol.ErrorCodeRateLimitExceeded:
		return 429
	case protocol.ErrorCodeLocalServiceUnavailable:
		return 503
	case protocol.ErrorCodeTimeout:
		return 504
	default:
		return 500
	}
}

// hopByHop is the standard RFC 7230 set of connection-scoped headers that
// must never be forwarded across the tunnel, replacing the teacher's
// allowlist model (proxy/headers.go) with the denylist spec.md §4.3.4 step
// 6 calls for ("original headers minus hop-by-hop").
var hopByHop = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

func stripHopByHop(h protocol.Headers) protocol.Headers {
	out := make(protocol.Headers, len(h))
	for k, v := range h {
		if _, skip := hopByHop[strings.ToLower(k)]; skip {
			continue
		}
		out[k] = v
	}
	return out
}
