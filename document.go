package ledgerbase

import (
	"context"
	"sort"
	"strings"
)

// Document is the backend-specific encoding of a record: the domain fields
// plus two metadata fields, "_id" (deterministic document id) and "_rev"
// (opaque revision token assigned by the store on every successful write).
// A write carrying a stale "_rev" is rejected with ErrConflict, never
// silently overwritten.
type Document map[string]interface{}

// Well-known metadata fields carried by every stored document
const (
	FieldDocID = "_id"
	FieldRev   = "_rev"
)

// ID returns the document id, or "" if unset
func (d Document) ID() string {
	id, _ := d[FieldDocID].(string)
	return id
}

// Rev returns the revision token, or "" if the document was never written
func (d Document) Rev() string {
	rev, _ := d[FieldRev].(string)
	return rev
}

// Clone returns a shallow copy. Stores clone before mutating metadata so
// caller-held documents are never modified in place.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// CompareOp is a comparison operator for Find selectors
type CompareOp string

const (
	OpEq       CompareOp = "eq"
	OpGte      CompareOp = "gte"
	OpLte      CompareOp = "lte"
	OpContains CompareOp = "contains" // case-insensitive substring match
)

// Condition is one field comparison in a selector. Conditions in a query
// are combined with AND.
type Condition struct {
	Field string
	Op    CompareOp
	Value interface{}
}

// FindQuery is a structured query executed by a DocumentStore. Selectors on
// indexed fields are fast; unindexed selectors fall back to a full scan,
// which is correct but not guaranteed to be fast.
type FindQuery struct {
	Conditions []Condition
	SortBy     string
	Descending bool
	Limit      int
}

// AllDocsOptions controls a key-range scan over document ids
type AllDocsOptions struct {
	StartKey string
	EndKey   string
	Limit    int
}

// IndexSpec describes a secondary index over document fields
type IndexSpec struct {
	Name   string
	Fields []string
}

// StoreInfo is aggregate metadata about a store
type StoreInfo struct {
	Name      string
	DocCount  int
	SizeBytes int64
}

// DocumentStore is the contract every storage backend implements. The local
// and replicating implementations are interchangeable behind this interface;
// callers never see backend-native types or errors.
type DocumentStore interface {
	// Put writes the document and returns the new revision token.
	// If the document carries a "_rev" that is no longer current, Put
	// fails with ErrConflict. A missing "_rev" means create; creating
	// over an existing document is also a conflict.
	Put(ctx context.Context, doc Document) (string, error)

	// Get returns the document with its current revision token, or
	// ErrNotFound.
	Get(ctx context.Context, id string) (Document, error)

	// Remove deletes the document. Removing an absent id returns
	// ErrNotFound; the repository layer maps that to silent success.
	Remove(ctx context.Context, doc Document) error

	// AllDocs returns documents in id order within the key range.
	AllDocs(ctx context.Context, opts AllDocsOptions) ([]Document, error)

	// Find executes a structured selector query.
	Find(ctx context.Context, query FindQuery) ([]Document, error)

	// CreateIndex creates a secondary index. Idempotent: an index that
	// already exists is success, not an error.
	CreateIndex(ctx context.Context, spec IndexSpec) error

	// Info returns aggregate metadata (used as the cheap health probe).
	Info(ctx context.Context) (StoreInfo, error)

	// Destroy deletes all data held by the store.
	Destroy(ctx context.Context) error

	// Close releases resources without deleting data.
	Close() error
}

// ConflictStore is implemented by replicating stores that can hold multiple
// live revisions of a document after a sync. Local-only stores never have
// conflicts and do not implement it.
type ConflictStore interface {
	// ListConflicts returns the non-current live revisions for a document.
	ListConflicts(ctx context.Context, id string) ([]Document, error)

	// RemoveConflict discards one conflicting revision.
	RemoveConflict(ctx context.Context, id, rev string) error
}

// matchConditions reports whether a document satisfies every condition.
// Document values come from JSON, so numbers are float64 and times are
// RFC3339 strings; string comparison on RFC3339 is chronological.
func matchConditions(doc Document, conditions []Condition) bool {
	for _, c := range conditions {
		val, ok := doc[c.Field]
		if !ok {
			return false
		}
		if !matchCondition(val, c) {
			return false
		}
	}
	return true
}

func matchCondition(val interface{}, c Condition) bool {
	switch c.Op {
	case OpEq:
		return val == c.Value
	case OpGte:
		cmp, ok := compareValues(val, c.Value)
		return ok && cmp >= 0
	case OpLte:
		cmp, ok := compareValues(val, c.Value)
		return ok && cmp <= 0
	case OpContains:
		s, okS := val.(string)
		sub, okSub := c.Value.(string)
		return okS && okSub && strings.Contains(strings.ToLower(s), strings.ToLower(sub))
	default:
		return false
	}
}

// compareValues orders two document values of the same kind.
// Returns -1, 0 or 1 and whether the pair was comparable.
func compareValues(a, b interface{}) (int, bool) {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case float64:
		bv, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		default:
			return 0, true
		}
	case int:
		return compareValues(float64(av), b)
	default:
		return 0, false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// sortAndLimit applies a query's sort field and limit to scanned results.
// Shared by stores whose Find is scan-based.
func sortAndLimit(docs []Document, query FindQuery) []Document {
	if query.SortBy != "" {
		sort.SliceStable(docs, func(i, j int) bool {
			cmp, ok := compareValues(docs[i][query.SortBy], docs[j][query.SortBy])
			if !ok {
				return false
			}
			if query.Descending {
				return cmp > 0
			}
			return cmp < 0
		})
	}
	if query.Limit > 0 && len(docs) > query.Limit {
		docs = docs[:query.Limit]
	}
	return docs
}

// sortByDocID orders documents by id for key-range semantics
func sortByDocID(docs []Document) {
	sort.Slice(docs, func(i, j int) bool {
		return docs[i].ID() < docs[j].ID()
	})
}

// inKeyRange reports whether an id falls inside an AllDocs key range
func inKeyRange(id string, opts AllDocsOptions) bool {
	if opts.StartKey != "" && id < opts.StartKey {
		return false
	}
	if opts.EndKey != "" && id > opts.EndKey {
		return false
	}
	return true
}
