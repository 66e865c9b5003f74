package ledgerbase

import (
	"context"
	"sync"
	"time"
)

// ConnectionState describes where a managed handle sits in its lifecycle.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

// StoreFactory builds a DocumentStore. Factories are called lazily and
// may be called again after Disconnect or a failed attempt.
type StoreFactory func(ctx context.Context) (DocumentStore, error)

// ConnectionManager lazily opens the local and remote stores, retrying
// failed opens with a linearly growing delay. Handles are cached until
// Disconnect; both "connect" methods are safe to call concurrently.
type ConnectionManager struct {
	mu sync.Mutex

	localFactory  StoreFactory
	remoteFactory StoreFactory

	local  DocumentStore
	remote DocumentStore

	localState  ConnectionState
	remoteState ConnectionState

	retry   RetryConfig
	sleep   func(ctx context.Context, d time.Duration) error
	logger  Logger
	metrics Metrics
}

// ConnectionManagerOption configures a ConnectionManager.
type ConnectionManagerOption func(*ConnectionManager)

// WithRetryConfig overrides the remote connect retry schedule.
func WithRetryConfig(rc RetryConfig) ConnectionManagerOption {
	return func(m *ConnectionManager) { m.retry = rc }
}

// WithConnectionLogger sets the logger for connection lifecycle events.
func WithConnectionLogger(l Logger) ConnectionManagerOption {
	return func(m *ConnectionManager) { m.logger = l }
}

// WithConnectionMetrics sets the metrics sink for connect attempts.
func WithConnectionMetrics(mt Metrics) ConnectionManagerOption {
	return func(m *ConnectionManager) { m.metrics = mt }
}

// withSleep replaces the inter-attempt sleep. Used by tests to verify the
// retry schedule without waiting it out.
func withSleep(fn func(ctx context.Context, d time.Duration) error) ConnectionManagerOption {
	return func(m *ConnectionManager) { m.sleep = fn }
}

// NewConnectionManager creates a manager over a local and a remote store
// factory. Either factory may be nil if that side is unused.
func NewConnectionManager(local, remote StoreFactory, opts ...ConnectionManagerOption) *ConnectionManager {
	m := &ConnectionManager{
		localFactory:  local,
		remoteFactory: remote,
		localState:    StateDisconnected,
		remoteState:   StateDisconnected,
		retry: RetryConfig{
			MaxAttempts: DefaultConnectAttempts,
			BackoffBase: ConnectBackoffBase,
		},
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
		logger:  &NoOpLogger{},
		metrics: &NoOpMetrics{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Local returns the local store, opening it on first use. Local and
// remote opens share the same retry contract: up to MaxAttempts tries
// with a delay of BackoffBase * attempt between them.
func (m *ConnectionManager) Local(ctx context.Context) (DocumentStore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.local != nil {
		return m.local, nil
	}
	store, err := m.connectLocked(ctx, "local", m.localFactory, &m.localState)
	if err != nil {
		return nil, err
	}
	m.local = store
	return store, nil
}

// Remote returns the remote store, opening it on first use with up to
// MaxAttempts tries. The delay before retry n is BackoffBase * n, so the
// default schedule is 1s then 2s before the final attempt.
func (m *ConnectionManager) Remote(ctx context.Context) (DocumentStore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.remote != nil {
		return m.remote, nil
	}
	store, err := m.connectLocked(ctx, "remote", m.remoteFactory, &m.remoteState)
	if err != nil {
		return nil, err
	}
	m.remote = store
	return store, nil
}

// connectLocked runs the retry loop for one side. The caller holds m.mu.
func (m *ConnectionManager) connectLocked(ctx context.Context, backend string, factory StoreFactory, state *ConnectionState) (DocumentStore, error) {
	if factory == nil {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"reason": "no " + backend + " store factory configured",
		})
	}
	if err := m.retry.Validate(); err != nil {
		return nil, err
	}

	*state = StateConnecting
	var lastErr error
	for attempt := 1; attempt <= m.retry.MaxAttempts; attempt++ {
		m.metrics.Increment(MetricConnectAttempts)
		store, err := factory(ctx)
		if err == nil {
			*state = StateConnected
			m.metrics.Increment(MetricConnectSuccess)
			m.logger.Info(backend+" store connected", "attempt", attempt)
			return store, nil
		}

		lastErr = err
		m.logger.Warn(backend+" connect failed",
			"attempt", attempt,
			"max_attempts", m.retry.MaxAttempts,
			"error", err)

		if attempt < m.retry.MaxAttempts {
			delay := m.retry.BackoffBase * time.Duration(attempt)
			if err := m.sleep(ctx, delay); err != nil {
				*state = StateError
				m.metrics.Increment(MetricConnectError)
				return nil, err
			}
		}
	}

	*state = StateError
	m.metrics.Increment(MetricConnectError)
	return nil, WithContext(ErrConnectionFailed, map[string]interface{}{
		"backend":  backend,
		"attempts": m.retry.MaxAttempts,
		"cause":    lastErr.Error(),
	})
}

// TestLocalConnection reports whether the local store is reachable. It
// never returns an error value to the caller; failures come back as false.
func (m *ConnectionManager) TestLocalConnection(ctx context.Context) bool {
	store, err := m.Local(ctx)
	if err != nil {
		return false
	}
	_, err = store.Info(ctx)
	return err == nil
}

// TestRemoteConnection reports whether the remote store is reachable.
func (m *ConnectionManager) TestRemoteConnection(ctx context.Context) bool {
	store, err := m.Remote(ctx)
	if err != nil {
		return false
	}
	_, err = store.Info(ctx)
	return err == nil
}

// LocalState returns the local handle's lifecycle state.
func (m *ConnectionManager) LocalState() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localState
}

// RemoteState returns the remote handle's lifecycle state.
func (m *ConnectionManager) RemoteState() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remoteState
}

// Disconnect closes any open handles and resets both sides to
// disconnected. Calling it with nothing open is a no-op.
func (m *ConnectionManager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	if m.local != nil {
		if err := m.local.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.local = nil
	}
	if m.remote != nil {
		if err := m.remote.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.remote = nil
	}
	m.localState = StateDisconnected
	m.remoteState = StateDisconnected
	m.logger.Info("stores disconnected")
	return firstErr
}

// Reconnect drops both handles without closing them and resets both
// sides to disconnected. Close is skipped on purpose: a handle being
// reconnected away from is usually known-bad, and closing it may hang.
// Fresh handles are opened lazily on the next Local or Remote call.
func (m *ConnectionManager) Reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.local = nil
	m.remote = nil
	m.localState = StateDisconnected
	m.remoteState = StateDisconnected
	m.logger.Info("handles dropped for reconnect")
}
