package ledgerbase

import (
	"context"
	"errors"
	"testing"
	"time"
)

// downStore fails every operation until revived.
type downStore struct {
	fakeStore
	down bool
}

func (d *downStore) Get(ctx context.Context, id string) (Document, error) {
	if d.down {
		return nil, errors.New("connection reset")
	}
	return Document{FieldDocID: id, FieldRev: "1-0"}, nil
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	inner := &downStore{down: true}
	store := NewBreakerStore(inner, NewCircuitBreaker(3, time.Hour))

	for i := 0; i < 3; i++ {
		if _, err := store.Get(ctx, "transaction:x"); err == nil {
			t.Fatal("expected failure from downed backend")
		}
	}
	if store.Breaker().State() != BreakerOpen {
		t.Fatalf("state = %v after 3 failures, want open", store.Breaker().State())
	}

	t.Run("open circuit fails fast", func(t *testing.T) {
		inner.down = false // Backend recovered, but circuit still open
		_, err := store.Get(ctx, "transaction:x")
		if !IsConnectionFailed(err) {
			t.Errorf("open circuit should fail with ErrConnectionFailed, got %v", err)
		}
	})

	t.Run("reset closes the circuit", func(t *testing.T) {
		store.Breaker().Reset()
		if _, err := store.Get(ctx, "transaction:x"); err != nil {
			t.Errorf("closed circuit should pass through, got %v", err)
		}
	})
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	ctx := context.Background()
	inner := &downStore{down: true}
	breaker := NewCircuitBreaker(1, 10*time.Millisecond)

	var transitions []BreakerState
	breaker.WithStateChangeCallback(func(from, to BreakerState) {
		transitions = append(transitions, to)
	})
	store := NewBreakerStore(inner, breaker)

	if _, err := store.Get(ctx, "transaction:x"); err == nil {
		t.Fatal("expected failure")
	}
	if breaker.State() != BreakerOpen {
		t.Fatalf("state = %v, want open", breaker.State())
	}

	inner.down = false
	time.Sleep(20 * time.Millisecond)

	if _, err := store.Get(ctx, "transaction:x"); err != nil {
		t.Fatalf("probe through half-open circuit failed: %v", err)
	}
	if breaker.State() != BreakerClosed {
		t.Errorf("state = %v after successful probe, want closed", breaker.State())
	}

	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transitions[%d] = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreakerIgnoresExpectedOutcomes(t *testing.T) {
	ctx := context.Background()
	store := NewBreakerStore(newTestFilesystemStore(t), NewCircuitBreaker(1, time.Hour))

	// Not-found and conflict are healthy-backend results
	if _, err := store.Get(ctx, "transaction:missing"); !IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.Put(ctx, Document{FieldDocID: "transaction:y", FieldRev: "9-stale"}); !IsConflict(err) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if store.Breaker().State() != BreakerClosed {
		t.Errorf("state = %v, want closed (expected outcomes are not failures)", store.Breaker().State())
	}
	if store.Breaker().Failures() != 0 {
		t.Errorf("failures = %d, want 0", store.Breaker().Failures())
	}
}

func TestBreakerStoreDelegates(t *testing.T) {
	ctx := context.Background()
	store := NewBreakerStore(newTestFilesystemStore(t), NewCircuitBreaker(5, time.Minute))

	rev, err := store.Put(ctx, Document{FieldDocID: "transaction:ok", "amount": 1.0})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	doc, err := store.Get(ctx, "transaction:ok")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc.Rev() != rev {
		t.Errorf("rev = %q, want %q", doc.Rev(), rev)
	}
}
