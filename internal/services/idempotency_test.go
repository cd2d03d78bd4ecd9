package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"fincore/internal/core"
	"fincore/internal/log"
	"fincore/internal/storage/memory"
)

func newTestGuard(store *memory.Store, now func() time.Time) *IdempotencyGuard {
	return NewIdempotencyGuard(store, nil, time.Hour, now, log.Nop())
}

func TestRequestHash(t *testing.T) {
	a, err := RequestHash(map[string]int{"a": 1})
	if err != nil {
		t.Fatalf("RequestHash() error: %v", err)
	}
	b, _ := RequestHash(map[string]int{"a": 1})
	c, _ := RequestHash(map[string]int{"a": 2})

	if a != b {
		t.Error("equal requests must hash equally")
	}
	if a == c {
		t.Error("different requests must hash differently")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
}

func TestIdempotencyGuard_StoresAndReplays(t *testing.T) {
	store := memory.New()
	clock := newTestClock()
	g := newTestGuard(store, clock.Now)
	calls := 0
	fn := func(context.Context) ([]byte, error) {
		calls++
		return []byte(`{"ok":true}`), nil
	}

	resp, replayed, err := g.Do(context.Background(), testUser, "k1", ScopeCreateRecord, "h1", fn)
	if err != nil || replayed || string(resp) != `{"ok":true}` {
		t.Fatalf("first Do() = %s, %v, %v", resp, replayed, err)
	}
	resp, replayed, err = g.Do(context.Background(), testUser, "k1", ScopeCreateRecord, "h1", fn)
	if err != nil || !replayed || string(resp) != `{"ok":true}` {
		t.Fatalf("second Do() = %s, %v, %v", resp, replayed, err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	// Keys are scoped per user.
	if _, replayed, _ := g.Do(context.Background(), "user-2", "k1", ScopeCreateRecord, "h1", fn); replayed {
		t.Error("another user's key must not replay")
	}
}

func TestIdempotencyGuard_InProgressReservation(t *testing.T) {
	store := memory.New()
	clock := newTestClock()
	now := clock.Now()
	if err := store.SaveIdempotency(context.Background(), &core.IdempotencyRecord{
		UserID:      testUser,
		Key:         "k1",
		Scope:       ScopeCreateRecord,
		RequestHash: "h1",
		Response:    []byte{},
		CreatedAt:   now,
		ExpiresAt:   now.Add(reservationTTL),
	}); err != nil {
		t.Fatalf("SaveIdempotency() error: %v", err)
	}

	g := newTestGuard(store, clock.Now)
	_, _, err := g.Do(context.Background(), testUser, "k1", ScopeCreateRecord, "h1", func(context.Context) ([]byte, error) {
		t.Error("fn must not run while another caller holds the key")
		return nil, nil
	})
	if !core.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestIdempotencyGuard_ExpiredReservationIsReclaimed(t *testing.T) {
	store := memory.New()
	clock := newTestClock()
	stale := clock.Now().Add(-time.Hour)
	if err := store.SaveIdempotency(context.Background(), &core.IdempotencyRecord{
		UserID:      testUser,
		Key:         "k1",
		RequestHash: "h1",
		Response:    []byte{},
		CreatedAt:   stale,
		ExpiresAt:   stale.Add(reservationTTL),
	}); err != nil {
		t.Fatalf("SaveIdempotency() error: %v", err)
	}

	g := newTestGuard(store, clock.Now)
	ran := false
	_, replayed, err := g.Do(context.Background(), testUser, "k1", ScopeCreateRecord, "h1", func(context.Context) ([]byte, error) {
		ran = true
		return []byte(`1`), nil
	})
	if err != nil || replayed || !ran {
		t.Fatalf("Do() = replayed %v, ran %v, err %v", replayed, ran, err)
	}
}

func TestIdempotencyGuard_ErrorReleasesKey(t *testing.T) {
	store := memory.New()
	clock := newTestClock()
	g := newTestGuard(store, clock.Now)
	boom := errors.New("boom")

	_, _, err := g.Do(context.Background(), testUser, "k1", ScopeCreateRecord, "h1", func(context.Context) ([]byte, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if _, err := store.GetIdempotency(context.Background(), testUser, "k1", clock.Now()); !core.IsNotFound(err) {
		t.Errorf("key should be released, got %v", err)
	}
}

func TestIdempotencyGuard_UnsettledErrorHoldsKey(t *testing.T) {
	store := memory.New()
	clock := newTestClock()
	g := newTestGuard(store, clock.Now)
	unsettled := &core.PersistenceError{Op: "charge", Err: errors.Join(core.ErrUnsettled, errors.New("boom"))}

	_, _, err := g.Do(context.Background(), testUser, "k1", ScopeCreateRecord, "h1", func(context.Context) ([]byte, error) {
		return nil, unsettled
	})
	if !core.IsUnsettled(err) {
		t.Fatalf("expected unsettled error, got %v", err)
	}

	// Past the reservation window the key is still held.
	later := newTestGuard(store, func() time.Time { return clock.Peek().Add(30 * time.Minute) })
	ran := false
	_, _, err = later.Do(context.Background(), testUser, "k1", ScopeCreateRecord, "h1", func(context.Context) ([]byte, error) {
		ran = true
		return []byte(`1`), nil
	})
	if !core.IsValidation(err) || ran {
		t.Fatalf("retry while held: ran %v, err %v", ran, err)
	}

	if err := later.Release(context.Background(), testUser, "k1"); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	_, replayed, err := later.Do(context.Background(), testUser, "k1", ScopeCreateRecord, "h1", func(context.Context) ([]byte, error) {
		ran = true
		return []byte(`1`), nil
	})
	if err != nil || replayed || !ran {
		t.Fatalf("Do() after Release = replayed %v, ran %v, err %v", replayed, ran, err)
	}
}

func TestIdempotencyGuard_ReleaseKeepsStoredResponse(t *testing.T) {
	store := memory.New()
	clock := newTestClock()
	g := newTestGuard(store, clock.Now)

	if _, _, err := g.Do(context.Background(), testUser, "k1", ScopeCreateRecord, "h1", func(context.Context) ([]byte, error) {
		return []byte(`1`), nil
	}); err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if err := g.Release(context.Background(), testUser, "k1"); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if err := g.Release(context.Background(), testUser, "missing"); err != nil {
		t.Fatalf("Release(missing) error: %v", err)
	}
	rec, err := store.GetIdempotency(context.Background(), testUser, "k1", clock.Now())
	if err != nil || string(rec.Response) != `1` {
		t.Errorf("stored response must survive Release, got %+v, %v", rec, err)
	}
}

func TestIdempotencyGuard_Purge(t *testing.T) {
	store := memory.New()
	clock := newTestClock()
	g := newTestGuard(store, clock.Now)

	if _, _, err := g.Do(context.Background(), testUser, "k1", ScopeCreateRecord, "h1", func(context.Context) ([]byte, error) {
		return []byte(`1`), nil
	}); err != nil {
		t.Fatalf("Do() error: %v", err)
	}

	later := newTestGuard(store, func() time.Time { return clock.Peek().Add(2 * time.Hour) })
	n, err := later.Purge(context.Background())
	if err != nil {
		t.Fatalf("Purge() error: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
}
