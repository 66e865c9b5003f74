package ledgerbase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockHeld means another process holds the migration lock.
var ErrLockHeld = errors.New("lock already held")

// MigrationLock serializes migrations across processes with a Redis lease.
// Two concurrent migrations into the same target would duplicate every
// record, so whoever holds the lease migrates and everyone else backs off.
type MigrationLock struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewMigrationLock creates a lock manager. The TTL bounds how long a
// crashed holder can block others; a healthy run releases explicitly.
func NewMigrationLock(client *redis.Client, keyPrefix string, ttl time.Duration) *MigrationLock {
	if keyPrefix == "" {
		keyPrefix = "ledgerbase"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MigrationLock{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (l *MigrationLock) lockKey(name string) string {
	return l.keyPrefix + ":lock:" + name
}

// Acquire takes the named lease. The returned release function must be
// called; it only deletes the key if this holder still owns it, so an
// expired lease never clobbers a successor's.
func (l *MigrationLock) Acquire(ctx context.Context, name string) (func(), error) {
	key := l.lockKey(name)
	token := fmt.Sprintf("%d", time.Now().UnixNano())

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, WithContext(ErrLockHeld, map[string]interface{}{
			"name": name,
			"ttl":  l.ttl.String(),
		})
	}

	release := func() {
		script := `
			if redis.call("get", KEYS[1]) == ARGV[1] then
				return redis.call("del", KEYS[1])
			else
				return 0
			end
		`
		// Background context so release works even after cancellation
		l.client.Eval(context.Background(), script, []string{key}, token)
	}
	return release, nil
}

// GuardedMigrate runs a migration while holding the lease named after the
// source and target stores.
func (l *MigrationLock) GuardedMigrate(ctx context.Context, m *Migrator, source, target *Repository[Transaction], opts MigrateOptions) (*MigrationResult, error) {
	release, err := l.Acquire(ctx, "migrate")
	if err != nil {
		return nil, err
	}
	defer release()
	return m.Migrate(ctx, source, target, opts)
}
