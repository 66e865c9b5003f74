package ledgerbase

import "time"

// Configuration constants for ledgerbase operations
const (
	// Connection establishment retry configuration.
	// Attempt n sleeps ConnectBackoffBase * n before the next try.
	DefaultConnectAttempts = 3
	ConnectBackoffBase     = 1000 * time.Millisecond

	// Migration configuration.
	// MigrationRecordEstimate is the assumed per-record copy cost used
	// when estimating how long a run will take.
	DefaultMigrationBatchSize = 50
	MigrationRecordEstimate   = 10 * time.Millisecond

	// Validation configuration.
	// Timestamps within this window count as equal; it absorbs
	// processing-time jitter, not correctness violations.
	DefaultTimeTolerance = 1000 * time.Millisecond

	// File backend configuration
	DefaultFilePermissions = 0644
	DefaultDirPermissions  = 0755
)

// RetryConfig holds configuration for connection establishment retries
type RetryConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: DefaultConnectAttempts,
		BackoffBase: ConnectBackoffBase,
	}
}

// Validate checks if the RetryConfig is valid
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxAttempts",
			"value":  c.MaxAttempts,
			"reason": "must be at least 1",
		})
	}
	if c.BackoffBase <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "BackoffBase",
			"value":  c.BackoffBase,
			"reason": "must be positive",
		})
	}
	return nil
}
