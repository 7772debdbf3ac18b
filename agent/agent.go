package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ttfgw/ttf/internal/wsutil"
	"github.com/ttfgw/ttf/observability"
	"github.com/ttfgw/ttf/protocol"
)

// maxFrameBytes mirrors gateway/ws.go's inbound message size cap: a
// websocket message in this protocol is at most one http_request's
// base64-encoded body plus header overhead.
var maxFrameBytes = wsutil.ReadLimit(0, base64.StdEncoding.EncodedLen(protocol.MaxBodyBytes)+64*1024)

// State is the agent's connection state machine, spec.md §4.5.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateHandshakeSent
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateHandshakeSent:
		return "handshake_sent"
	case StateEstablished:
		return "established"
	default:
		return "unknown"
	}
}

const heartbeatInterval = 5 * time.Minute

// Agent dials a gateway channel, performs the handshake, and forwards
// every http_request it receives to the local service, reconnecting with
// exponential backoff on any disruption (spec.md §4.5).
type Agent struct {
	cfg Config
	log *logrus.Entry

	httpClient *http.Client

	mu    sync.RWMutex
	state State
}

// New constructs an Agent from a validated Config.
func New(cfg Config, log *logrus.Entry) (*Agent, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Agent{
		cfg: cfg,
		log: log,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DisableCompression:  true,
				MaxIdleConnsPerHost: 8,
			},
		},
		state: StateDisconnected,
	}, nil
}

// State returns the agent's current connection state.
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Run dials the gateway and serves forever, reconnecting with exponential
// backoff (1s floor, 60s cap, reset after reaching Established) until ctx
// is canceled.
func (a *Agent) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 60 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		reachedEstablished, runErr := a.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if reachedEstablished {
			b.Reset()
		}
		if runErr != nil {
			a.log.WithError(runErr).Warn("connection dropped, reconnecting")
		}

		select {
		case <-time.After(b.NextBackOff()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runOnce performs one connect-handshake-serve cycle. It returns whether
// the connection ever reached Established, used to decide whether the
// reconnect backoff resets.
func (a *Agent) runOnce(ctx context.Context) (reachedEstablished bool, err error) {
	a.setState(StateConnecting)

	// spec.md §4.5: Connecting and HandshakeSent share one deadline — the
	// agent must observe its own handshake timeout and reconnect if
	// ConnectionEstablished never arrives (§4.3.2).
	handshakeDeadline := time.Now().Add(a.cfg.ConnectTimeout)

	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	if a.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+a.cfg.Token)
	}

	conn, _, dialErr := websocket.DefaultDialer.DialContext(dialCtx, a.cfg.Endpoint, header)
	if dialErr != nil {
		a.setState(StateDisconnected)
		a.cfg.Observer.Reconnect(observability.ReconnectReasonReadError)
		return false, dialErr
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameBytes)
	a.setState(StateOpen)

	readyFrame, err := protocol.Encode(protocol.TypeReady, protocol.Ready{})
	if err != nil {
		return false, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, readyFrame); err != nil {
		a.setState(StateDisconnected)
		return false, err
	}
	a.setState(StateHandshakeSent)
	if err := conn.SetReadDeadline(handshakeDeadline); err != nil {
		return false, err
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	var wg sync.WaitGroup
	writeCh := make(chan []byte, 64)

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.writeLoop(runCtx, conn, writeCh)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.heartbeatLoop(runCtx, writeCh)
	}()

	established, readErr := a.readLoop(runCtx, conn, writeCh)
	reachedEstablished = established

	runCancel()
	wg.Wait()
	a.setState(StateDisconnected)

	reason := observability.ReconnectReasonPeerClosed
	switch {
	case readErr != nil && !reachedEstablished && isTimeout(readErr):
		reason = observability.ReconnectReasonHandshake
	case readErr != nil:
		reason = observability.ReconnectReasonReadError
	}
	a.cfg.Observer.Reconnect(reason)

	return reachedEstablished, readErr
}

// isTimeout reports whether err is a read-deadline expiry, distinguishing
// the handshake timeout (spec.md §4.3.2) from an ordinary connection drop.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (a *Agent) writeLoop(ctx context.Context, conn *websocket.Conn, ch <-chan []byte) {
	for {
		select {
		case frame, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context, ch chan<- []byte) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			frame, err := protocol.Encode(protocol.TypePing, protocol.Ping{})
			if err != nil {
				continue
			}
			select {
			case ch <- frame:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// readLoop consumes inbound frames until the connection breaks. The first
// connection_established it sees marks the handshake complete; every
// http_request is dispatched to a worker goroutine that replies on ch.
func (a *Agent) readLoop(ctx context.Context, conn *websocket.Conn, ch chan<- []byte) (established bool, err error) {
	for {
		_, data, readErr := conn.ReadMessage()
		if readErr != nil {
			return established, readErr
		}

		env, decodeErr := protocol.DecodeEnvelope(data)
		if decodeErr != nil {
			continue
		}

		switch env.Type {
		case protocol.TypeConnectionEstablished:
			var ce protocol.ConnectionEstablished
			if jsonErr := json.Unmarshal(env.Payload, &ce); jsonErr != nil {
				continue
			}
			established = true
			a.setState(StateEstablished)
			// The handshake deadline only bounds Connecting+HandshakeSent;
			// once established, reads block on the connection's lifetime
			// (broken only by the peer, a read error, or shutdown).
			if dlErr := conn.SetReadDeadline(time.Time{}); dlErr != nil {
				return established, dlErr
			}
			if a.cfg.OnEstablished != nil {
				a.cfg.OnEstablished(ce.PublicURL)
			}

		case protocol.TypeHTTPRequest:
			var req protocol.HTTPRequest
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				continue
			}
			go a.handleRequest(ctx, req, ch)

		case protocol.TypePing:
			frame, _ := protocol.Encode(protocol.TypePong, protocol.Pong{})
			select {
			case ch <- frame:
			case <-ctx.Done():
			}

		case protocol.TypePong:
			// heartbeat acknowledged, nothing to do

		default:
			a.log.WithField("type", env.Type).Debug("ignoring unexpected frame from gateway")
		}
	}
}
