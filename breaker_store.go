package ledgerbase

import (
	"context"
	"sync"
	"time"
)

// BreakerState is the circuit breaker position.
type BreakerState string

const (
	// BreakerClosed passes operations through normally.
	BreakerClosed BreakerState = "closed"

	// BreakerOpen fails operations fast without touching the backend.
	BreakerOpen BreakerState = "open"

	// BreakerHalfOpen lets a probe operation through to test recovery.
	BreakerHalfOpen BreakerState = "half-open"
)

// CircuitBreaker counts consecutive backend failures and opens after a
// threshold, so a dead remote fails fast instead of stalling every caller
// on its timeout. After resetTimeout it half-opens and one success closes
// it again.
//
// Conflicts, not-found and validation outcomes are normal results of a
// healthy backend and never count as failures.
type CircuitBreaker struct {
	mu            sync.RWMutex
	maxFailures   int
	resetTimeout  time.Duration
	failures      int
	lastFailTime  time.Time
	state         BreakerState
	onStateChange func(from, to BreakerState)
}

// NewCircuitBreaker creates a breaker that opens after maxFailures
// consecutive failures and half-opens after resetTimeout.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        BreakerClosed,
	}
}

// WithStateChangeCallback adds a callback for state transitions.
func (cb *CircuitBreaker) WithStateChangeCallback(fn func(from, to BreakerState)) *CircuitBreaker {
	cb.onStateChange = fn
	return cb
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.allow() {
		return WithContext(ErrConnectionFailed, map[string]interface{}{
			"reason": "circuit breaker is open",
			"state":  string(cb.State()),
		})
	}
	err := fn()
	cb.recordResult(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if time.Since(cb.lastFailTime) > cb.resetTimeout {
			cb.setState(BreakerHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && !IsConflict(err) && !IsNotFound(err) && !IsValidation(err) {
		cb.failures++
		cb.lastFailTime = time.Now()
		if cb.failures >= cb.maxFailures && cb.state != BreakerOpen {
			cb.setState(BreakerOpen)
		}
		return
	}

	if cb.state == BreakerHalfOpen {
		cb.setState(BreakerClosed)
	}
	cb.failures = 0
}

func (cb *CircuitBreaker) setState(next BreakerState) {
	prev := cb.state
	cb.state = next
	if cb.onStateChange != nil {
		cb.onStateChange(prev, next)
	}
}

// State returns the current breaker position.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// Reset manually closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.setState(BreakerClosed)
}

// BreakerStore wraps a DocumentStore with a circuit breaker. Meant for the
// remote side, where the backend can disappear for minutes at a time.
type BreakerStore struct {
	inner   DocumentStore
	breaker *CircuitBreaker
}

// NewBreakerStore wraps a store with a circuit breaker.
func NewBreakerStore(inner DocumentStore, breaker *CircuitBreaker) *BreakerStore {
	return &BreakerStore{inner: inner, breaker: breaker}
}

// Breaker returns the underlying circuit breaker for inspection.
func (s *BreakerStore) Breaker() *CircuitBreaker { return s.breaker }

func (s *BreakerStore) Put(ctx context.Context, doc Document) (string, error) {
	var rev string
	err := s.breaker.Execute(ctx, func() error {
		var err error
		rev, err = s.inner.Put(ctx, doc)
		return err
	})
	return rev, err
}

func (s *BreakerStore) Get(ctx context.Context, id string) (Document, error) {
	var doc Document
	err := s.breaker.Execute(ctx, func() error {
		var err error
		doc, err = s.inner.Get(ctx, id)
		return err
	})
	return doc, err
}

func (s *BreakerStore) Remove(ctx context.Context, doc Document) error {
	return s.breaker.Execute(ctx, func() error {
		return s.inner.Remove(ctx, doc)
	})
}

func (s *BreakerStore) AllDocs(ctx context.Context, opts AllDocsOptions) ([]Document, error) {
	var docs []Document
	err := s.breaker.Execute(ctx, func() error {
		var err error
		docs, err = s.inner.AllDocs(ctx, opts)
		return err
	})
	return docs, err
}

func (s *BreakerStore) Find(ctx context.Context, query FindQuery) ([]Document, error) {
	var docs []Document
	err := s.breaker.Execute(ctx, func() error {
		var err error
		docs, err = s.inner.Find(ctx, query)
		return err
	})
	return docs, err
}

func (s *BreakerStore) CreateIndex(ctx context.Context, spec IndexSpec) error {
	return s.breaker.Execute(ctx, func() error {
		return s.inner.CreateIndex(ctx, spec)
	})
}

func (s *BreakerStore) Info(ctx context.Context) (StoreInfo, error) {
	var info StoreInfo
	err := s.breaker.Execute(ctx, func() error {
		var err error
		info, err = s.inner.Info(ctx)
		return err
	})
	return info, err
}

func (s *BreakerStore) Destroy(ctx context.Context) error {
	return s.breaker.Execute(ctx, func() error {
		return s.inner.Destroy(ctx)
	})
}

func (s *BreakerStore) Close() error {
	return s.inner.Close()
}
