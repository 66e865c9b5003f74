package ledgerbase

import (
	"context"
	"fmt"
	"time"
)

// ConflictResolver picks the surviving document when a replicating store
// reports multiple live revisions. It returns the winner; every other
// revision is discarded.
type ConflictResolver func(current Document, conflicts []Document) Document

// PreferCurrentResolver keeps the store's winning revision and drops the
// rest. This is the default policy.
func PreferCurrentResolver(current Document, conflicts []Document) Document {
	return current
}

// Repository is the typed record API over a DocumentStore. It owns identity
// assignment, timestamp stamping, validation, and the translation between
// store errors and the caller-facing contract:
//
//   - GetByID on a missing record returns (nil, nil), not an error
//   - Delete on a missing record succeeds silently
//   - Update on a missing record fails with ErrNotFound
//
// All other store failures pass through wrapped with operation context.
type Repository[T any] struct {
	store    DocumentStore
	codec    RecordCodec[T]
	logger   Logger
	metrics  Metrics
	resolver ConflictResolver
	now      func() time.Time
}

// RepositoryOption configures a Repository.
type RepositoryOption[T any] func(*Repository[T])

// WithRepositoryLogger sets the logger.
func WithRepositoryLogger[T any](l Logger) RepositoryOption[T] {
	return func(r *Repository[T]) { r.logger = l }
}

// WithRepositoryMetrics sets the metrics sink.
func WithRepositoryMetrics[T any](m Metrics) RepositoryOption[T] {
	return func(r *Repository[T]) { r.metrics = m }
}

// WithConflictResolver replaces the default keep-current conflict policy.
func WithConflictResolver[T any](fn ConflictResolver) RepositoryOption[T] {
	return func(r *Repository[T]) { r.resolver = fn }
}

// withClock replaces the timestamp source. Used by tests.
func withClock[T any](now func() time.Time) RepositoryOption[T] {
	return func(r *Repository[T]) { r.now = now }
}

// NewRepository creates a repository binding a codec to a store.
func NewRepository[T any](store DocumentStore, codec RecordCodec[T], opts ...RepositoryOption[T]) *Repository[T] {
	r := &Repository[T]{
		store:    store,
		codec:    codec,
		logger:   &NoOpLogger{},
		metrics:  &NoOpMetrics{},
		resolver: PreferCurrentResolver,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store exposes the underlying DocumentStore for migration and validation.
func (r *Repository[T]) Store() DocumentStore { return r.store }

// Codec exposes the record codec.
func (r *Repository[T]) Codec() RecordCodec[T] { return r.codec }

// Create validates the record, assigns a fresh id and creation timestamps,
// and writes it. The input record's id and timestamps are ignored.
func (r *Repository[T]) Create(ctx context.Context, rec *T) (*T, error) {
	if err := r.codec.Validate(rec); err != nil {
		r.metrics.Increment(MetricPutError)
		return nil, err
	}

	now := r.now().UTC()
	stamped := r.codec.WithIdentity(rec, NewID(), now, now)

	start := time.Now()
	_, err := r.store.Put(ctx, r.codec.ToDocument(stamped))
	r.metrics.Timing(MetricPutDuration, time.Since(start))
	if err != nil {
		r.metrics.Increment(MetricPutError)
		return nil, wrapBackendErr(err, "create "+r.codec.Kind())
	}

	r.metrics.Increment(MetricPutSuccess)
	r.logger.Debug("record created", "kind", r.codec.Kind(), "id", r.codec.ID(stamped))
	return stamped, nil
}

// BulkCreate creates records one by one, stopping at the first failure and
// returning the records written so far alongside the error.
func (r *Repository[T]) BulkCreate(ctx context.Context, recs []*T) ([]*T, error) {
	created := make([]*T, 0, len(recs))
	for i, rec := range recs {
		out, err := r.Create(ctx, rec)
		if err != nil {
			return created, WithContext(err, map[string]interface{}{
				"index": i,
			})
		}
		created = append(created, out)
	}
	return created, nil
}

// GetByID fetches a record. A missing id is not an error: callers that
// probe for existence get (nil, nil).
func (r *Repository[T]) GetByID(ctx context.Context, id string) (*T, error) {
	start := time.Now()
	doc, err := r.store.Get(ctx, r.codec.DocID(id))
	r.metrics.Timing(MetricGetDuration, time.Since(start))
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		r.metrics.Increment(MetricGetError)
		return nil, wrapBackendErr(err, "get "+r.codec.Kind())
	}
	r.metrics.Increment(MetricGetSuccess)
	return r.codec.FromDocument(doc)
}

// GetAll returns every record of this kind in document-id order.
func (r *Repository[T]) GetAll(ctx context.Context) ([]*T, error) {
	start := time.Now()
	docs, err := r.store.AllDocs(ctx, AllDocsOptions{
		StartKey: r.codec.Kind() + ":",
		EndKey:   r.codec.Kind() + ":￰",
	})
	r.metrics.Timing(MetricQueryDuration, time.Since(start))
	if err != nil {
		return nil, wrapBackendErr(err, "list "+r.codec.Kind())
	}
	return r.decodeAll(docs)
}

// Count returns the number of records of this kind.
func (r *Repository[T]) Count(ctx context.Context) (int, error) {
	docs, err := r.store.AllDocs(ctx, AllDocsOptions{
		StartKey: r.codec.Kind() + ":",
		EndKey:   r.codec.Kind() + ":￰",
	})
	if err != nil {
		return 0, wrapBackendErr(err, "count "+r.codec.Kind())
	}
	return len(docs), nil
}

// Update loads the current revision, applies mutate to the decoded record,
// re-validates, stamps UpdatedAt, and writes back carrying the loaded
// revision token. A concurrent writer in the window surfaces as ErrConflict.
// Updating a missing record is ErrNotFound.
func (r *Repository[T]) Update(ctx context.Context, id string, mutate func(*T)) (*T, error) {
	doc, err := r.store.Get(ctx, r.codec.DocID(id))
	if IsNotFound(err) {
		return nil, WithContext(ErrNotFound, map[string]interface{}{
			"kind": r.codec.Kind(),
			"id":   id,
		})
	}
	if err != nil {
		return nil, wrapBackendErr(err, "update "+r.codec.Kind())
	}

	rec, err := r.codec.FromDocument(doc)
	if err != nil {
		return nil, err
	}
	mutate(rec)
	rec = r.codec.Touch(rec, r.now().UTC())
	if err := r.codec.Validate(rec); err != nil {
		return nil, err
	}

	updated := r.codec.ToDocument(rec)
	updated[FieldRev] = doc.Rev()

	start := time.Now()
	_, err = r.store.Put(ctx, updated)
	r.metrics.Timing(MetricPutDuration, time.Since(start))
	if err != nil {
		if IsConflict(err) {
			r.metrics.Increment(MetricPutConflict)
		} else {
			r.metrics.Increment(MetricPutError)
		}
		return nil, wrapBackendErr(err, "update "+r.codec.Kind())
	}

	r.metrics.Increment(MetricPutSuccess)
	r.logger.Debug("record updated", "kind", r.codec.Kind(), "id", id)
	return rec, nil
}

// Delete removes a record. Deleting an id that does not exist is success:
// the end state is identical either way.
func (r *Repository[T]) Delete(ctx context.Context, id string) error {
	doc, err := r.store.Get(ctx, r.codec.DocID(id))
	if IsNotFound(err) {
		return nil
	}
	if err != nil {
		return wrapBackendErr(err, "delete "+r.codec.Kind())
	}

	if err := r.store.Remove(ctx, doc); err != nil {
		if IsNotFound(err) {
			return nil
		}
		r.metrics.Increment(MetricDeleteError)
		return wrapBackendErr(err, "delete "+r.codec.Kind())
	}
	r.metrics.Increment(MetricDeleteSuccess)
	r.logger.Debug("record deleted", "kind", r.codec.Kind(), "id", id)
	return nil
}

// Clear removes every record of this kind.
func (r *Repository[T]) Clear(ctx context.Context) (int, error) {
	docs, err := r.store.AllDocs(ctx, AllDocsOptions{
		StartKey: r.codec.Kind() + ":",
		EndKey:   r.codec.Kind() + ":￰",
	})
	if err != nil {
		return 0, wrapBackendErr(err, "clear "+r.codec.Kind())
	}
	removed := 0
	for _, doc := range docs {
		if err := r.store.Remove(ctx, doc); err != nil && !IsNotFound(err) {
			return removed, wrapBackendErr(err, "clear "+r.codec.Kind())
		}
		removed++
	}
	r.logger.Info("records cleared", "kind", r.codec.Kind(), "count", removed)
	return removed, nil
}

// Find runs a structured query scoped to this record kind. The store
// query spans every kind, so the limit is applied after kind filtering;
// pushed down, foreign documents would consume it.
func (r *Repository[T]) Find(ctx context.Context, query FindQuery) ([]*T, error) {
	start := time.Now()
	storeQuery := query
	storeQuery.Limit = 0
	docs, err := r.store.Find(ctx, storeQuery)
	r.metrics.Timing(MetricQueryDuration, time.Since(start))
	if err != nil {
		return nil, wrapBackendErr(err, "find "+r.codec.Kind())
	}
	docs = r.filterKind(docs)
	if query.Limit > 0 && len(docs) > query.Limit {
		docs = docs[:query.Limit]
	}
	r.metrics.Histogram(MetricQueryResults, float64(len(docs)))
	return r.decodeAll(docs)
}

// EnsureIndex creates a secondary index on the given fields if missing.
func (r *Repository[T]) EnsureIndex(ctx context.Context, fields ...string) error {
	name := r.codec.Kind()
	for _, f := range fields {
		name += "-" + f
	}
	if err := r.store.CreateIndex(ctx, IndexSpec{Name: name, Fields: fields}); err != nil {
		return wrapBackendErr(err, "create index")
	}
	return nil
}

// GetInfo returns aggregate store metadata.
func (r *Repository[T]) GetInfo(ctx context.Context) (StoreInfo, error) {
	info, err := r.store.Info(ctx)
	if err != nil {
		return StoreInfo{}, wrapBackendErr(err, "info")
	}
	return info, nil
}

// ResolveConflicts applies the conflict policy to a document that has
// divergent live revisions, returning how many were discarded. Stores
// without conflict tracking resolve zero conflicts.
func (r *Repository[T]) ResolveConflicts(ctx context.Context, id string) (int, error) {
	cs, ok := r.store.(ConflictStore)
	if !ok {
		return 0, nil
	}
	docID := r.codec.DocID(id)

	conflicts, err := cs.ListConflicts(ctx, docID)
	if err != nil {
		return 0, wrapBackendErr(err, "list conflicts")
	}
	if len(conflicts) == 0 {
		return 0, nil
	}

	current, err := r.store.Get(ctx, docID)
	if err != nil {
		return 0, wrapBackendErr(err, "resolve conflicts")
	}

	winner := r.resolver(current, conflicts)
	resolved := 0
	for _, c := range conflicts {
		if c.Rev() == winner.Rev() {
			continue
		}
		if err := cs.RemoveConflict(ctx, docID, c.Rev()); err != nil {
			return resolved, wrapBackendErr(err, "remove conflict")
		}
		resolved++
	}
	if winner.Rev() != current.Rev() {
		// The policy picked a losing revision; promote it
		promoted := winner.Clone()
		promoted[FieldRev] = current.Rev()
		if _, err := r.store.Put(ctx, promoted); err != nil {
			return resolved, wrapBackendErr(err, "promote conflict winner")
		}
		if err := cs.RemoveConflict(ctx, docID, current.Rev()); err != nil && !IsNotFound(err) {
			return resolved, wrapBackendErr(err, "remove conflict")
		}
	}

	r.metrics.Increment(MetricConflictResolved)
	r.logger.Info("conflicts resolved", "kind", r.codec.Kind(), "id", id, "discarded", resolved)
	return resolved, nil
}

func (r *Repository[T]) decodeAll(docs []Document) ([]*T, error) {
	recs := make([]*T, 0, len(docs))
	for _, doc := range docs {
		rec, err := r.codec.FromDocument(doc)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", doc.ID(), err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// filterKind keeps only documents whose id carries this codec's prefix.
// Find queries hit the whole store, so other kinds can leak in.
func (r *Repository[T]) filterKind(docs []Document) []Document {
	prefix := r.codec.Kind() + ":"
	out := docs[:0]
	for _, doc := range docs {
		if len(doc.ID()) > len(prefix) && doc.ID()[:len(prefix)] == prefix {
			out = append(out, doc)
		}
	}
	return out
}

// TransactionRepository adds transaction-specific queries over the generic
// repository.
type TransactionRepository struct {
	*Repository[Transaction]
}

// NewTransactionRepository creates a transaction repository.
func NewTransactionRepository(store DocumentStore, opts ...RepositoryOption[Transaction]) *TransactionRepository {
	return &TransactionRepository{NewRepository[Transaction](store, TransactionCodec{}, opts...)}
}

// GetByDateRange returns transactions dated within [from, to], oldest first.
func (r *TransactionRepository) GetByDateRange(ctx context.Context, from, to time.Time) ([]*Transaction, error) {
	return r.Find(ctx, FindQuery{
		Conditions: []Condition{
			{Field: "date", Op: OpGte, Value: formatTime(from)},
			{Field: "date", Op: OpLte, Value: formatTime(to)},
		},
		SortBy: "date",
	})
}

// GetByCategory returns transactions in a category.
func (r *TransactionRepository) GetByCategory(ctx context.Context, category string) ([]*Transaction, error) {
	return r.Find(ctx, FindQuery{
		Conditions: []Condition{{Field: "category", Op: OpEq, Value: category}},
	})
}

// GetByType returns transactions of one direction.
func (r *TransactionRepository) GetByType(ctx context.Context, t TransactionType) ([]*Transaction, error) {
	return r.Find(ctx, FindQuery{
		Conditions: []Condition{{Field: "type", Op: OpEq, Value: string(t)}},
	})
}

// SearchByDescription returns transactions whose description contains the
// term, case-insensitively.
func (r *TransactionRepository) SearchByDescription(ctx context.Context, term string) ([]*Transaction, error) {
	return r.Find(ctx, FindQuery{
		Conditions: []Condition{{Field: "description", Op: OpContains, Value: term}},
	})
}

// CategoryRepository is the typed repository for categories.
type CategoryRepository struct {
	*Repository[Category]
}

// NewCategoryRepository creates a category repository.
func NewCategoryRepository(store DocumentStore, opts ...RepositoryOption[Category]) *CategoryRepository {
	return &CategoryRepository{NewRepository[Category](store, CategoryCodec{}, opts...)}
}

// GetByName returns the category with the given name, or nil.
func (r *CategoryRepository) GetByName(ctx context.Context, name string) (*Category, error) {
	cats, err := r.Find(ctx, FindQuery{
		Conditions: []Condition{{Field: "name", Op: OpEq, Value: name}},
		Limit:      1,
	})
	if err != nil {
		return nil, err
	}
	if len(cats) == 0 {
		return nil, nil
	}
	return cats[0], nil
}
