package ledgerbase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestMigrationLock(t *testing.T) (*MigrationLock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewMigrationLock(client, "test", time.Minute), mr
}

func TestMigrationLockMutualExclusion(t *testing.T) {
	ctx := context.Background()
	lock, _ := newTestMigrationLock(t)

	release, err := lock.Acquire(ctx, "migrate")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	t.Run("second holder is rejected", func(t *testing.T) {
		_, err := lock.Acquire(ctx, "migrate")
		if !errors.Is(err, ErrLockHeld) {
			t.Errorf("expected ErrLockHeld, got %v", err)
		}
	})

	t.Run("different name is independent", func(t *testing.T) {
		release2, err := lock.Acquire(ctx, "validate")
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		release2()
	})

	release()
	if _, err := lock.Acquire(ctx, "migrate"); err != nil {
		t.Errorf("released lock should be acquirable, got %v", err)
	}
}

func TestMigrationLockExpiry(t *testing.T) {
	ctx := context.Background()
	lock, mr := newTestMigrationLock(t)

	if _, err := lock.Acquire(ctx, "migrate"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// A crashed holder never releases; the lease must expire on its own
	mr.FastForward(2 * time.Minute)

	release, err := lock.Acquire(ctx, "migrate")
	if err != nil {
		t.Fatalf("expired lease should be acquirable, got %v", err)
	}
	release()
}

func TestGuardedMigrate(t *testing.T) {
	ctx := context.Background()
	lock, _ := newTestMigrationLock(t)
	source, target := newMigrationPair(t)
	seedSource(t, source, 2)

	result, err := lock.GuardedMigrate(ctx, NewMigrator(), source, target, MigrateOptions{})
	if err != nil {
		t.Fatalf("GuardedMigrate: %v", err)
	}
	if result.MigratedCount != 2 {
		t.Errorf("migrated %d, want 2", result.MigratedCount)
	}

	// Lease released after the run
	release, err := lock.Acquire(ctx, "migrate")
	if err != nil {
		t.Errorf("lock should be free after GuardedMigrate, got %v", err)
	} else {
		release()
	}
}
