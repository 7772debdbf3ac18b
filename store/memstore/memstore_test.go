package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/ttfgw/ttf/store"
)

func TestPutAndGetBindingBothKeys(t *testing.T) {
	s := New()
	ctx := context.Background()
	b := store.Binding{ChannelID: "chan1", TunnelID: "abc123xyz456", PublicURL: "https://abc123xyz456.example.com"}
	if err := s.PutBinding(ctx, b); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.GetBindingByChannelID(ctx, "chan1")
	if err != nil || got.TunnelID != b.TunnelID {
		t.Fatalf("unexpected get by channel: %+v %v", got, err)
	}
	got2, err := s.GetBindingByTunnelID(ctx, "abc123xyz456")
	if err != nil || got2.ChannelID != "chan1" {
		t.Fatalf("unexpected get by tunnel: %+v %v", got2, err)
	}
}

func TestDeleteBindingRemovesSecondaryIndex(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.PutBinding(ctx, store.Binding{ChannelID: "chan1", TunnelID: "tid"})
	if err := s.DeleteBinding(ctx, "chan1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetBindingByChannelID(ctx, "chan1"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetBindingByTunnelID(ctx, "tid"); err != store.ErrNotFound {
		t.Fatalf("expected secondary index cleared, got %v", err)
	}
}

func TestCompletePendingIsMonotoneAndNoopsWhenGone(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.PutPending(ctx, store.PendingRequest{RequestID: "req_1", Status: store.StatusPending})

	if err := s.CompletePending(ctx, "req_1", []byte("ok")); err != nil {
		t.Fatalf("complete: %v", err)
	}
	p, err := s.GetPending(ctx, "req_1")
	if err != nil || p.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %+v %v", p, err)
	}

	// Completing an already-gone entry must no-op, not error.
	if err := s.CompletePending(ctx, "req_missing", []byte("x")); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestSubscribePublishesOnCompletion(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.PutPending(ctx, store.PendingRequest{RequestID: "req_1", Status: store.StatusPending})

	sub, err := s.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := s.CompletePending(ctx, "req_1", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	select {
	case c := <-sub.C():
		if c.RequestID != "req_1" {
			t.Fatalf("unexpected completion: %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for completion event")
	}
}

func TestIncrementRateLimitResetsAfterWindow(t *testing.T) {
	s := New()
	ctx := context.Background()
	n1, err := s.IncrementRateLimit(ctx, "tid", time.Millisecond)
	if err != nil || n1 != 1 {
		t.Fatalf("unexpected first increment: %d %v", n1, err)
	}
	n2, _ := s.IncrementRateLimit(ctx, "tid", time.Millisecond)
	if n2 != 2 {
		t.Fatalf("expected counter to accumulate within window, got %d", n2)
	}
	time.Sleep(5 * time.Millisecond)
	n3, _ := s.IncrementRateLimit(ctx, "tid", time.Millisecond)
	if n3 != 1 {
		t.Fatalf("expected counter reset after window expiry, got %d", n3)
	}
}

func TestSweepExpiredRemovesPastEntries(t *testing.T) {
	s := New()
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	_ = s.PutBinding(ctx, store.Binding{ChannelID: "c1", TunnelID: "t1", ExpiresAt: past})
	_ = s.PutBinding(ctx, store.Binding{ChannelID: "c2", TunnelID: "t2", ExpiresAt: future})
	_ = s.PutPending(ctx, store.PendingRequest{RequestID: "r1", ExpiresAt: past})
	_ = s.PutPending(ctx, store.PendingRequest{RequestID: "r2", ExpiresAt: future})

	bindings, pending, err := s.SweepExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if bindings != 1 || pending != 1 {
		t.Fatalf("unexpected sweep counts: bindings=%d pending=%d", bindings, pending)
	}
	if _, err := s.GetBindingByChannelID(ctx, "c1"); err != store.ErrNotFound {
		t.Fatalf("expected c1 removed")
	}
	if _, err := s.GetBindingByChannelID(ctx, "c2"); err != nil {
		t.Fatalf("expected c2 to remain: %v", err)
	}
}
