// Package redisstore is the production store.Store driver: Redis key
// expiry satisfies the two tables' TTL attributes natively, PUBLISH/
// SUBSCRIBE satisfies the change-event-subscription requirement for
// event-driven completion delivery, and INCR+EXPIRE satisfies the
// atomic-increment-with-conditional-check rate-limit counter. Grounded on
// redis/go-redis/v9, used directly by the bridge relay repository in the
// retrieval pack.
package redisstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ttfgw/ttf/store"
)

const completionsChannel = "pending:completions"

// Store is a Redis-backed store.Store.
type Store struct {
	rdb            *redis.Client
	bindingPrefix  string
	tunnelPrefix   string
	pendingPrefix  string
	rateLimitPrefix string
}

// Config names the key prefixes for the two logical tables, matching
// spec.md §6's BINDINGS_TABLE / PENDING_TABLE environment options.
type Config struct {
	BindingsTable string
	PendingTable  string
}

// DefaultConfig returns the default table-name prefixes.
func DefaultConfig() Config {
	return Config{BindingsTable: "bindings", PendingTable: "pending"}
}

// New wraps an existing redis.Client.
func New(rdb *redis.Client, cfg Config) *Store {
	if cfg.BindingsTable == "" {
		cfg.BindingsTable = DefaultConfig().BindingsTable
	}
	if cfg.PendingTable == "" {
		cfg.PendingTable = DefaultConfig().PendingTable
	}
	return &Store{
		rdb:             rdb,
		bindingPrefix:   cfg.BindingsTable + ":channel:",
		tunnelPrefix:    cfg.BindingsTable + ":tunnel:",
		pendingPrefix:   cfg.PendingTable + ":",
		rateLimitPrefix: "ratelimit:",
	}
}

type bindingRecord struct {
	ChannelID  string    `json:"channel_id"`
	TunnelID   string    `json:"tunnel_id"`
	PublicURL  string    `json:"public_url"`
	ClientInfo string    `json:"client_info,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func toRecord(b store.Binding) bindingRecord {
	return bindingRecord(b)
}

func (r bindingRecord) toBinding() store.Binding { return store.Binding(r) }

func (s *Store) PutBinding(ctx context.Context, b store.Binding) error {
	raw, err := json.Marshal(toRecord(b))
	if err != nil {
		return fmt.Errorf("redisstore: marshal binding: %w", err)
	}
	ttl := time.Until(b.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.bindingPrefix+b.ChannelID, raw, ttl)
	pipe.Set(ctx, s.tunnelPrefix+b.TunnelID, b.ChannelID, ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) GetBindingByChannelID(ctx context.Context, channelID string) (store.Binding, error) {
	raw, err := s.rdb.Get(ctx, s.bindingPrefix+channelID).Bytes()
	if err == redis.Nil {
		return store.Binding{}, store.ErrNotFound
	}
	if err != nil {
		return store.Binding{}, err
	}
	var rec bindingRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return store.Binding{}, fmt.Errorf("redisstore: unmarshal binding: %w", err)
	}
	return rec.toBinding(), nil
}

func (s *Store) GetBindingByTunnelID(ctx context.Context, tunnelID string) (store.Binding, error) {
	channelID, err := s.rdb.Get(ctx, s.tunnelPrefix+tunnelID).Result()
	if err == redis.Nil {
		return store.Binding{}, store.ErrNotFound
	}
	if err != nil {
		return store.Binding{}, err
	}
	return s.GetBindingByChannelID(ctx, channelID)
}

func (s *Store) DeleteBinding(ctx context.Context, channelID string) error {
	b, err := s.GetBindingByChannelID(ctx, channelID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.bindingPrefix+channelID)
	pipe.Del(ctx, s.tunnelPrefix+b.TunnelID)
	_, err = pipe.Exec(ctx)
	return err
}

type pendingRecord struct {
	RequestID       string              `json:"request_id"`
	ChannelID       string              `json:"channel_id"`
	Status          store.RequestStatus `json:"status"`
	ResponsePayload []byte              `json:"response_payload,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	ExpiresAt       time.Time           `json:"expires_at"`
}

func toPendingRecord(p store.PendingRequest) pendingRecord { return pendingRecord(p) }

func (r pendingRecord) toPending() store.PendingRequest { return store.PendingRequest(r) }

func (s *Store) PutPending(ctx context.Context, p store.PendingRequest) error {
	raw, err := json.Marshal(toPendingRecord(p))
	if err != nil {
		return fmt.Errorf("redisstore: marshal pending: %w", err)
	}
	ttl := time.Until(p.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	return s.rdb.Set(ctx, s.pendingPrefix+p.RequestID, raw, ttl).Err()
}

func (s *Store) GetPending(ctx context.Context, requestID string) (store.PendingRequest, error) {
	raw, err := s.rdb.Get(ctx, s.pendingPrefix+requestID).Bytes()
	if err == redis.Nil {
		return store.PendingRequest{}, store.ErrNotFound
	}
	if err != nil {
		return store.PendingRequest{}, err
	}
	var rec pendingRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return store.PendingRequest{}, fmt.Errorf("redisstore: unmarshal pending: %w", err)
	}
	return rec.toPending(), nil
}

// CompletePending performs a conditional update via a Lua script so the
// read-modify-write is atomic: it no-ops without error if the key is
// already gone (expired) per spec.md §4.3.6.
var completeScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if raw == false then
	return 0
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl <= 0 then
	ttl = 1000
end
local rec = cjson.decode(raw)
rec["status"] = "completed"
rec["response_payload"] = ARGV[1]
redis.call("PSETEX", KEYS[1], ttl, cjson.encode(rec))
return 1
`)

func (s *Store) CompletePending(ctx context.Context, requestID string, payload []byte) error {
	key := s.pendingPrefix + requestID
	// response_payload is stored base64-encoded, the form encoding/json uses
	// for pendingRecord's []byte field, so GetPending can decode it.
	res, err := completeScript.Run(ctx, s.rdb, []string{key}, base64.StdEncoding.EncodeToString(payload)).Int()
	if err != nil {
		return fmt.Errorf("redisstore: complete pending: %w", err)
	}
	if res == 1 {
		if err := s.rdb.Publish(ctx, completionsChannel, requestID).Err(); err != nil {
			return fmt.Errorf("redisstore: publish completion: %w", err)
		}
	}
	return nil
}

func (s *Store) DeletePending(ctx context.Context, requestID string) error {
	return s.rdb.Del(ctx, s.pendingPrefix+requestID).Err()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan store.Completion
	cancel context.CancelFunc
}

func (sub *redisSubscription) C() <-chan store.Completion { return sub.ch }

func (sub *redisSubscription) Close() error {
	sub.cancel()
	return sub.pubsub.Close()
}

func (s *Store) Subscribe(ctx context.Context) (store.Subscription, error) {
	pubsub := s.rdb.Subscribe(ctx, completionsChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redisstore: subscribe: %w", err)
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{pubsub: pubsub, ch: make(chan store.Completion, 64), cancel: cancel}

	go func() {
		defer close(sub.ch)
		msgs := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case sub.ch <- store.Completion{RequestID: msg.Payload}:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return sub, nil
}

func (s *Store) IncrementRateLimit(ctx context.Context, tunnelID string, window time.Duration) (int64, error) {
	bucket := time.Now().Truncate(window).Unix()
	key := fmt.Sprintf("%s%s:%d", s.rateLimitPrefix, tunnelID, bucket)
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redisstore: incr rate limit: %w", err)
	}
	return incr.Val(), nil
}

// SweepExpired is a no-op for Redis: key expiry is native. The gateway's
// scheduled sweeper still calls this on a fixed interval per spec.md
// §4.3.7 ("the store's native TTL mechanism is the primary cleanup; the
// sweeper guarantees bounded lag") — with Redis, the sweeper's only job is
// bounding lag on the pending-requests secondary structures, which Redis
// does not need, so counts are always zero.
func (s *Store) SweepExpired(_ context.Context, _ time.Time) (int, int, error) {
	return 0, 0, nil
}
