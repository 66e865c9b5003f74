package ledgerbase

import (
	"context"
	"testing"
)

func newTestFactory(t *testing.T) *RepositoryFactory {
	t.Helper()
	localDir := t.TempDir()
	remoteDir := t.TempDir()
	conns := NewConnectionManager(
		func(ctx context.Context) (DocumentStore, error) { return NewFilesystemStore(localDir) },
		func(ctx context.Context) (DocumentStore, error) { return NewFilesystemStore(remoteDir) },
	)
	return NewRepositoryFactory(conns)
}

func TestFactoryMemoization(t *testing.T) {
	ctx := context.Background()
	f := newTestFactory(t)

	a, err := f.TransactionsFor(ctx, KindLocal)
	if err != nil {
		t.Fatalf("TransactionsFor: %v", err)
	}
	b, err := f.TransactionsFor(ctx, KindLocal)
	if err != nil {
		t.Fatalf("TransactionsFor: %v", err)
	}
	if a != b {
		t.Error("repeated calls for the same kind should return the same repository")
	}

	remote, err := f.TransactionsFor(ctx, KindSync)
	if err != nil {
		t.Fatalf("TransactionsFor: %v", err)
	}
	if remote == a {
		t.Error("different kinds must get different repositories")
	}
}

func TestFactorySetImplementation(t *testing.T) {
	ctx := context.Background()
	f := newTestFactory(t)

	if f.Implementation() != KindLocal {
		t.Errorf("default implementation = %v, want local", f.Implementation())
	}

	local, err := f.Transactions(ctx)
	if err != nil {
		t.Fatalf("Transactions: %v", err)
	}

	if err := f.SetImplementation(KindSync); err != nil {
		t.Fatalf("SetImplementation: %v", err)
	}
	remote, err := f.Transactions(ctx)
	if err != nil {
		t.Fatalf("Transactions: %v", err)
	}
	if remote == local {
		t.Error("switching the implementation should change which repository is handed out")
	}

	t.Run("unknown kind is rejected", func(t *testing.T) {
		if err := f.SetImplementation("tape"); err == nil {
			t.Error("expected error for unknown backend kind")
		}
	})
}

func TestFactoryWritesLandOnSelectedBackend(t *testing.T) {
	ctx := context.Background()
	f := newTestFactory(t)

	local, err := f.TransactionsFor(ctx, KindLocal)
	if err != nil {
		t.Fatalf("TransactionsFor: %v", err)
	}
	remote, err := f.TransactionsFor(ctx, KindSync)
	if err != nil {
		t.Fatalf("TransactionsFor: %v", err)
	}

	if _, err := local.Create(ctx, &Transaction{Amount: 1, Type: TypeDebit}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	localCount, err := local.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	remoteCount, err := remote.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if localCount != 1 || remoteCount != 0 {
		t.Errorf("counts = %d local, %d remote; want 1 and 0", localCount, remoteCount)
	}
}

func TestFactoryReset(t *testing.T) {
	ctx := context.Background()
	f := newTestFactory(t)

	before, err := f.TransactionsFor(ctx, KindLocal)
	if err != nil {
		t.Fatalf("TransactionsFor: %v", err)
	}
	if err := f.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	after, err := f.TransactionsFor(ctx, KindLocal)
	if err != nil {
		t.Fatalf("TransactionsFor: %v", err)
	}
	if before == after {
		t.Error("Reset should drop memoized repositories")
	}
}

func TestFactoryCompareImplementations(t *testing.T) {
	ctx := context.Background()
	f := newTestFactory(t)

	local, err := f.TransactionsFor(ctx, KindLocal)
	if err != nil {
		t.Fatalf("TransactionsFor: %v", err)
	}
	if _, err := local.Create(ctx, &Transaction{Amount: 3, Type: TypeDebit}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	cmp, err := f.CompareImplementations(ctx)
	if err != nil {
		t.Fatalf("CompareImplementations: %v", err)
	}
	if cmp.InSync {
		t.Error("backends with divergent counts should not report in sync")
	}
	if cmp.Local.Count != 1 || cmp.Sync.Count != 0 {
		t.Errorf("counts = %d/%d, want 1/0", cmp.Local.Count, cmp.Sync.Count)
	}
	if cmp.Local.Backend == "" || cmp.Sync.Backend == "" {
		t.Error("comparison should name both backends")
	}

	t.Run("matching counts report in sync", func(t *testing.T) {
		remote, err := f.TransactionsFor(ctx, KindSync)
		if err != nil {
			t.Fatalf("TransactionsFor: %v", err)
		}
		if _, err := remote.Create(ctx, &Transaction{Amount: 3, Type: TypeDebit}); err != nil {
			t.Fatalf("Create: %v", err)
		}
		cmp, err := f.CompareImplementations(ctx)
		if err != nil {
			t.Fatalf("CompareImplementations: %v", err)
		}
		if !cmp.InSync {
			t.Errorf("comparison = %+v, want in sync", cmp)
		}
	})
}
