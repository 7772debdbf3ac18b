package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ttfgw/ttf/protocol"
	"github.com/ttfgw/ttf/store"
	"github.com/ttfgw/ttf/store/memstore"
)

// fakePusher lets tests control exactly how many Push calls fail before
// succeeding, and lets tests answer a pushed http_request with a canned
// completion through the same store the engine awaits on.
type fakePusher struct {
	mu        sync.Mutex
	failCount int32 // number of calls that should fail before succeeding
	calls     int32
	lastFrame []byte
	lastChan  string
	gone      bool
	onPush    func(channelID string, frame []byte)
}

func (p *fakePusher) Push(_ context.Context, channelID string, frame []byte) error {
	n := atomic.AddInt32(&p.calls, 1)
	p.mu.Lock()
	p.lastFrame = frame
	p.lastChan = channelID
	p.mu.Unlock()
	if p.gone {
		return ErrChannelGone
	}
	if n <= atomic.LoadInt32(&p.failCount) {
		return ErrChannelNotReady
	}
	if p.onPush != nil {
		p.onPush(channelID, frame)
	}
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CorrelationDeadline = 2 * time.Second
	cfg.PollStart = 5 * time.Millisecond
	cfg.PollMax = 20 * time.Millisecond
	cfg.HandshakePushDelays = []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}
	return cfg
}

func TestChannelOpenMintsTunnelIDAndBinding(t *testing.T) {
	st := memstore.New()
	eng, err := NewEngine(testConfig(), st, &fakePusher{}, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	b, err := eng.ChannelOpen(context.Background(), "chan_1", "", "test-client")
	if err != nil {
		t.Fatalf("ChannelOpen: %v", err)
	}
	if len(b.TunnelID) != 12 {
		t.Fatalf("expected 12-char tunnel id, got %q", b.TunnelID)
	}
	if got, err := st.GetBindingByChannelID(context.Background(), "chan_1"); err != nil || got.TunnelID != b.TunnelID {
		t.Fatalf("binding not persisted correctly: %v %v", got, err)
	}
}

func TestReadyRetriesThenSucceeds(t *testing.T) {
	st := memstore.New()
	pusher := &fakePusher{failCount: 2} // first two pushes fail, third succeeds
	eng, _ := NewEngine(testConfig(), st, pusher, nil)

	b, err := eng.ChannelOpen(context.Background(), "chan_2", "", "")
	if err != nil {
		t.Fatalf("ChannelOpen: %v", err)
	}

	start := time.Now()
	eng.Ready(context.Background(), "chan_2")
	elapsed := time.Since(start)

	if atomic.LoadInt32(&pusher.calls) != 3 {
		t.Fatalf("expected 3 push attempts, got %d", pusher.calls)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("handshake took too long: %v", elapsed)
	}
	_ = b
}

func TestChannelCloseRemovesBindingAndCacheEntry(t *testing.T) {
	st := memstore.New()
	eng, _ := NewEngine(testConfig(), st, &fakePusher{}, nil)
	b, _ := eng.ChannelOpen(context.Background(), "chan_3", "", "")

	// warm the cache
	eng.resolveChannel(context.Background(), b.TunnelID)

	if err := eng.ChannelClose(context.Background(), "chan_3"); err != nil {
		t.Fatalf("ChannelClose: %v", err)
	}
	if _, err := st.GetBindingByChannelID(context.Background(), "chan_3"); err != store.ErrNotFound {
		t.Fatalf("expected binding removed, got err=%v", err)
	}
	if _, ok := eng.resolveChannel(context.Background(), b.TunnelID); ok {
		t.Fatalf("expected tunnel id no longer resolvable after close")
	}
}

// respondAsync simulates the agent side: decode the pushed
// http_request frame and complete it through the store directly, as
// HandleAgentFrame would after receiving an http_response over the wire.
func respondAsync(t *testing.T, st store.Store, frame []byte, status int, body []byte, headers protocol.Headers) {
	t.Helper()
	// Runs on a goroutine the test spawns, so failures are logged rather
	// than reported fatally: t.Fatalf from a non-test goroutine is unsafe.
	env, err := protocol.DecodeEnvelope(frame)
	if err != nil {
		t.Logf("decode pushed frame: %v", err)
		return
	}
	var req protocol.HTTPRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		t.Logf("decode http_request payload: %v", err)
		return
	}
	resp := protocol.HTTPResponse{
		RequestID:  req.RequestID,
		StatusCode: status,
		Headers:    headers,
		Body:       protocol.EncodeBody(body),
	}
	payload, _ := json.Marshal(completionPayload{Response: &resp})
	if err := st.CompletePending(context.Background(), req.RequestID, payload); err != nil {
		t.Logf("CompletePending: %v", err)
	}
}

func TestForwardRequestEndToEndPathMode(t *testing.T) {
	st := memstore.New()
	pusher := &fakePusher{}
	eng, _ := NewEngine(testConfig(), st, pusher, nil)
	b, _ := eng.ChannelOpen(context.Background(), "chan_4", "", "")

	pusher.onPush = func(channelID string, frame []byte) {
		go respondAsync(t, st, frame, 200, []byte(`{"href":"/a"}`), protocol.Headers{"Content-Type": {"application/json"}})
	}

	status, _, body, mode, rewritten := eng.ForwardRequest(
		context.Background(), "gateway.invalid", "/"+b.TunnelID+"/api", "GET", protocol.Headers{}, nil,
	)
	if status != 200 {
		t.Fatalf("expected 200, got %d (%s)", status, body)
	}
	if mode != ModePath {
		t.Fatalf("expected ModePath, got %v", mode)
	}
	if !rewritten {
		t.Fatalf("expected body rewritten in path mode")
	}
	want := `{"href":"/` + b.TunnelID + `/a"}`
	if string(body) != want {
		t.Fatalf("expected %s, got %s", want, body)
	}
}

func TestForwardRequestUnknownTunnelIs404(t *testing.T) {
	st := memstore.New()
	eng, _ := NewEngine(testConfig(), st, &fakePusher{}, nil)
	status, _, _, _, _ := eng.ForwardRequest(context.Background(), "gateway.invalid", "/abcdefghijkl/x", "GET", protocol.Headers{}, nil)
	if status != 404 {
		t.Fatalf("expected 404, got %d", status)
	}
}

func TestForwardRequestTimesOutAt504(t *testing.T) {
	st := memstore.New()
	pusher := &fakePusher{} // never responds
	cfg := testConfig()
	cfg.CorrelationDeadline = 50 * time.Millisecond
	cfg.PollStart = 5 * time.Millisecond
	cfg.PollMax = 10 * time.Millisecond
	eng, _ := NewEngine(cfg, st, pusher, nil)
	b, _ := eng.ChannelOpen(context.Background(), "chan_5", "", "")

	status, _, _, _, _ := eng.ForwardRequest(context.Background(), "gateway.invalid", "/"+b.TunnelID, "GET", protocol.Headers{}, nil)
	if status != 504 {
		t.Fatalf("expected 504, got %d", status)
	}
}

func TestForwardRequestChannelGoneDeletesBindingAndReturns502(t *testing.T) {
	st := memstore.New()
	pusher := &fakePusher{gone: true}
	eng, _ := NewEngine(testConfig(), st, pusher, nil)
	b, _ := eng.ChannelOpen(context.Background(), "chan_6", "", "")

	status, _, _, _, _ := eng.ForwardRequest(context.Background(), "gateway.invalid", "/"+b.TunnelID, "GET", protocol.Headers{}, nil)
	if status != 502 {
		t.Fatalf("expected 502, got %d", status)
	}
	if _, err := st.GetBindingByChannelID(context.Background(), "chan_6"); err != store.ErrNotFound {
		t.Fatalf("expected binding deleted after channel gone")
	}
}

func TestForwardRequestRateLimited(t *testing.T) {
	st := memstore.New()
	pusher := &fakePusher{}
	cfg := testConfig()
	cfg.PerTunnelRateLimit = 1
	cfg.RateLimitWindow = time.Minute
	eng, _ := NewEngine(cfg, st, pusher, nil)
	b, _ := eng.ChannelOpen(context.Background(), "chan_7", "", "")

	pusher.onPush = func(channelID string, frame []byte) {
		go respondAsync(t, st, frame, 200, nil, nil)
	}

	first, _, _, _, _ := eng.ForwardRequest(context.Background(), "gateway.invalid", "/"+b.TunnelID, "GET", protocol.Headers{}, nil)
	if first == 429 {
		t.Fatalf("first request should not be rate limited")
	}
	second, _, _, _, _ := eng.ForwardRequest(context.Background(), "gateway.invalid", "/"+b.TunnelID, "GET", protocol.Headers{}, nil)
	if second != 429 {
		t.Fatalf("expected second request rate limited, got %d", second)
	}
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	st := memstore.New()
	eng, _ := NewEngine(testConfig(), st, &fakePusher{}, nil)

	expired := store.Binding{ChannelID: "old", TunnelID: "oldoldoldold", CreatedAt: time.Now().Add(-3 * time.Hour), ExpiresAt: time.Now().Add(-time.Hour)}
	_ = st.PutBinding(context.Background(), expired)

	bindings, _, err := eng.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if bindings != 1 {
		t.Fatalf("expected 1 binding swept, got %d", bindings)
	}
}

func TestHandleAgentFramePingProducesPong(t *testing.T) {
	st := memstore.New()
	eng, _ := NewEngine(testConfig(), st, &fakePusher{}, nil)
	frame, _ := protocol.Encode(protocol.TypePing, protocol.Ping{})
	reply, err := eng.HandleAgentFrame(context.Background(), frame)
	if err != nil {
		t.Fatalf("HandleAgentFrame: %v", err)
	}
	env, err := protocol.DecodeEnvelope(reply)
	if err != nil || env.Type != protocol.TypePong {
		t.Fatalf("expected pong reply, got %v %v", env, err)
	}
}
