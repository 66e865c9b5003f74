package ledgerbase

import (
	"context"
	"sync"
)

// BackendKind selects which store a factory hands out.
type BackendKind string

const (
	// KindLocal is the filesystem-backed, local-only store.
	KindLocal BackendKind = "local"

	// KindSync is the replicating store (Redis, S3, GCS or Postgres).
	KindSync BackendKind = "sync"
)

// Valid reports whether the kind is one of the known backends.
func (k BackendKind) Valid() bool {
	return k == KindLocal || k == KindSync
}

// RepositoryFactory hands out repositories bound to a selected backend.
// Repositories are memoized per backend kind, so repeated calls with the
// same kind return the same instances and share the same store handle.
//
// Switching the active implementation swaps which backend untagged calls
// get; already-issued repositories keep their binding.
type RepositoryFactory struct {
	mu sync.Mutex

	conns  *ConnectionManager
	active BackendKind
	logger Logger

	transactions map[BackendKind]*TransactionRepository
	categories   map[BackendKind]*CategoryRepository
}

// NewRepositoryFactory creates a factory over a connection manager. The
// active backend starts as local.
func NewRepositoryFactory(conns *ConnectionManager) *RepositoryFactory {
	return &RepositoryFactory{
		conns:        conns,
		active:       KindLocal,
		logger:       &NoOpLogger{},
		transactions: make(map[BackendKind]*TransactionRepository),
		categories:   make(map[BackendKind]*CategoryRepository),
	}
}

// SetLogger attaches a logger to the factory and to repositories it
// creates from now on.
func (f *RepositoryFactory) SetLogger(l Logger) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logger = l
}

// SetImplementation switches the backend that untagged repository calls
// resolve to.
func (f *RepositoryFactory) SetImplementation(kind BackendKind) error {
	if !kind.Valid() {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"kind": string(kind),
		})
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind != f.active {
		f.logger.Info("active backend switched", "from", string(f.active), "to", string(kind))
	}
	f.active = kind
	return nil
}

// Implementation returns the currently active backend kind.
func (f *RepositoryFactory) Implementation() BackendKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// Transactions returns the transaction repository for the active backend.
func (f *RepositoryFactory) Transactions(ctx context.Context) (*TransactionRepository, error) {
	return f.TransactionsFor(ctx, f.Implementation())
}

// TransactionsFor returns the transaction repository for a specific backend.
func (f *RepositoryFactory) TransactionsFor(ctx context.Context, kind BackendKind) (*TransactionRepository, error) {
	f.mu.Lock()
	if repo, ok := f.transactions[kind]; ok {
		f.mu.Unlock()
		return repo, nil
	}
	logger := f.logger
	f.mu.Unlock()

	store, err := f.storeFor(ctx, kind)
	if err != nil {
		return nil, err
	}

	repo := NewTransactionRepository(store, WithRepositoryLogger[Transaction](logger))

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.transactions[kind]; ok {
		return existing, nil
	}
	f.transactions[kind] = repo
	return repo, nil
}

// Categories returns the category repository for the active backend.
func (f *RepositoryFactory) Categories(ctx context.Context) (*CategoryRepository, error) {
	return f.CategoriesFor(ctx, f.Implementation())
}

// CategoriesFor returns the category repository for a specific backend.
func (f *RepositoryFactory) CategoriesFor(ctx context.Context, kind BackendKind) (*CategoryRepository, error) {
	f.mu.Lock()
	if repo, ok := f.categories[kind]; ok {
		f.mu.Unlock()
		return repo, nil
	}
	logger := f.logger
	f.mu.Unlock()

	store, err := f.storeFor(ctx, kind)
	if err != nil {
		return nil, err
	}

	repo := NewCategoryRepository(store, WithRepositoryLogger[Category](logger))

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.categories[kind]; ok {
		return existing, nil
	}
	f.categories[kind] = repo
	return repo, nil
}

// Reset drops memoized repositories and disconnects both stores. The next
// repository call reconnects lazily.
func (f *RepositoryFactory) Reset() error {
	f.mu.Lock()
	f.transactions = make(map[BackendKind]*TransactionRepository)
	f.categories = make(map[BackendKind]*CategoryRepository)
	f.mu.Unlock()
	return f.conns.Disconnect()
}

// BackendSummary is one side of an implementation comparison.
type BackendSummary struct {
	Backend string
	Count   int
}

// ImplementationComparison is a cheap diagnostic over both backends'
// aggregate info. Matching counts do not imply the data matches
// field-for-field; the Validator does that comparison.
type ImplementationComparison struct {
	Local  BackendSummary
	Sync   BackendSummary
	InSync bool
}

// CompareImplementations reports whether the local and sync transaction
// stores currently hold the same number of records.
func (f *RepositoryFactory) CompareImplementations(ctx context.Context) (*ImplementationComparison, error) {
	local, err := f.TransactionsFor(ctx, KindLocal)
	if err != nil {
		return nil, err
	}
	remote, err := f.TransactionsFor(ctx, KindSync)
	if err != nil {
		return nil, err
	}

	cmp := &ImplementationComparison{}
	for _, side := range []struct {
		repo    *TransactionRepository
		summary *BackendSummary
	}{
		{local, &cmp.Local},
		{remote, &cmp.Sync},
	} {
		info, err := side.repo.GetInfo(ctx)
		if err != nil {
			return nil, err
		}
		count, err := side.repo.Count(ctx)
		if err != nil {
			return nil, err
		}
		side.summary.Backend = info.Name
		side.summary.Count = count
	}
	cmp.InSync = cmp.Local.Count == cmp.Sync.Count

	f.logger.Debug("implementations compared",
		"local", cmp.Local.Count,
		"sync", cmp.Sync.Count,
		"in_sync", cmp.InSync)
	return cmp, nil
}

func (f *RepositoryFactory) storeFor(ctx context.Context, kind BackendKind) (DocumentStore, error) {
	switch kind {
	case KindLocal:
		return f.conns.Local(ctx)
	case KindSync:
		return f.conns.Remote(ctx)
	default:
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"kind": string(kind),
		})
	}
}
