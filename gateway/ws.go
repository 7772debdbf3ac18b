package gateway

import (
	"context"
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ttfgw/ttf/internal/wsutil"
	"github.com/ttfgw/ttf/protocol"
)

// maxFrameBytes bounds a single inbound websocket message: a frame carries
// at most one base64-encoded HTTP body plus header overhead, so the read
// limit is sized off protocol.MaxBodyBytes rather than the teacher's E2EE
// handshake/record sizing.
var maxFrameBytes = wsutil.ReadLimit(0, base64.StdEncoding.EncodedLen(protocol.MaxBodyBytes)+64*1024)

func newChannelID() string { return "chan_" + uuid.New().String() }

// Hub is the websocket transport for the agent channel: it accepts the
// long-lived connection an agent opens, maintains a bounded outbound write
// queue per channel (grounded on the teacher's endpointConn.outQueue/
// sync.Cond pattern in tunnel/server/server.go, simplified from a
// multiplexed yamux stream to one JSON frame stream per channel), and
// dispatches inbound frames to the Engine.
type Hub struct {
	engine   *Engine
	upgrader websocket.Upgrader
	log      *logrus.Entry

	mu    sync.Mutex
	conns map[string]*channelConn
}

// NewHub wires a Hub to its Engine and registers itself as the engine's
// ChannelPusher.
func NewHub(engine *Engine, log *logrus.Entry) *Hub {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	h := &Hub{
		engine: engine,
		log:    log,
		conns:  make(map[string]*channelConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	engine.SetPusher(h)
	return h
}

// channelConn wraps one agent connection with a bounded outbound queue so a
// slow agent cannot block the gateway goroutine pushing to it.
type channelConn struct {
	channelID string
	conn      *websocket.Conn
	out       chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

const outQueueSize = 256

func newChannelConn(channelID string, conn *websocket.Conn) *channelConn {
	return &channelConn{
		channelID: channelID,
		conn:      conn,
		out:       make(chan []byte, outQueueSize),
		done:      make(chan struct{}),
	}
}

func (c *channelConn) writeLoop(log *logrus.Entry) {
	for {
		select {
		case frame, ok := <-c.out:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.WithError(err).WithField("channel_id", c.channelID).Warn("write to agent failed")
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *channelConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// ServeChannel upgrades an incoming HTTP request to a websocket connection
// representing one agent channel, implementing the channel_open ->
// Ready handshake -> channel_close lifecycle (spec.md §4.3.1-§4.3.3).
func (h *Hub) ServeChannel(w http.ResponseWriter, r *http.Request, token, clientInfo string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	channelID := newChannelID()
	ctx := r.Context()

	if _, err := h.engine.ChannelOpen(ctx, channelID, token, clientInfo); err != nil {
		h.log.WithError(err).WithField("channel_id", channelID).Warn("channel_open rejected")
		_ = conn.Close()
		return
	}

	cc := newChannelConn(channelID, conn)
	h.mu.Lock()
	h.conns[channelID] = cc
	h.engine.cfg.Observer.ChannelCount(len(h.conns))
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, channelID)
		h.engine.cfg.Observer.ChannelCount(len(h.conns))
		h.mu.Unlock()
		cc.close()
		_ = h.engine.ChannelClose(context.Background(), channelID)
	}()

	go cc.writeLoop(h.log)

	h.readLoop(cc)
}

// readLoop implements spec.md §4.3.2's "first message after open is ready"
// and §4.3.6's frame dispatch for every subsequent inbound message.
func (h *Hub) readLoop(cc *channelConn) {
	first := true
	for {
		_, data, err := cc.conn.ReadMessage()
		if err != nil {
			return
		}

		if first {
			first = false
			// The ready handshake push happens regardless of the first
			// frame's exact shape: spec.md §4.3.2 treats the channel's
			// transition to fully open, not a particular payload, as the
			// trigger, so the push is fired in a goroutine and failures
			// are retried independently of the read loop.
			go h.engine.Ready(context.Background(), cc.channelID)
		}

		reply, err := h.engine.HandleAgentFrame(context.Background(), data)
		if err != nil {
			h.log.WithError(err).WithField("channel_id", cc.channelID).Debug("dropping unrecognized agent frame")
			continue
		}
		if reply != nil {
			select {
			case cc.out <- reply:
			default:
				h.log.WithField("channel_id", cc.channelID).Warn("outbound queue full, dropping pong")
			}
		}
	}
}

// Push implements ChannelPusher by enqueueing the frame on the channel's
// bounded outbound queue (spec.md §5: "the agent's outbound channel is
// bounded, producing natural backpressure").
func (h *Hub) Push(ctx context.Context, channelID string, frame []byte) error {
	h.mu.Lock()
	cc, ok := h.conns[channelID]
	h.mu.Unlock()
	if !ok {
		return ErrChannelGone
	}

	select {
	case cc.out <- frame:
		return nil
	case <-cc.done:
		return ErrChannelGone
	case <-time.After(2 * time.Second):
		return ErrChannelNotReady
	case <-ctx.Done():
		return ctx.Err()
	}
}
