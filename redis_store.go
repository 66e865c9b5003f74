package ledgerbase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a replicating backend holding documents in Redis. Revision
// tokens are compared and swapped inside a WATCH/MULTI/EXEC transaction, so
// a stale token always fails with ErrConflict. Secondary indexes are Redis
// sets keyed by field value.
//
// Replication between peers can leave a document with more than one live
// revision; the losing revisions are parked in a per-document conflicts
// bucket and surfaced through the ConflictStore interface.
type RedisStore struct {
	client    *redis.Client
	namespace string

	mu      sync.RWMutex
	indexes map[string]IndexSpec
}

// NewRedisStore creates a Redis store. All keys are prefixed with the
// namespace so several stores can share one Redis database.
func NewRedisStore(client *redis.Client, namespace string) *RedisStore {
	if namespace == "" {
		namespace = "ledgerbase"
	}
	return &RedisStore{
		client:    client,
		namespace: namespace,
		indexes:   make(map[string]IndexSpec),
	}
}

func (s *RedisStore) docKey(id string) string      { return s.namespace + ":doc:" + id }
func (s *RedisStore) conflictKey(id string) string { return s.namespace + ":conflict:" + id }
func (s *RedisStore) indexKey(field string, value interface{}) string {
	return fmt.Sprintf("%s:index:%s:%v", s.namespace, field, value)
}

func (s *RedisStore) Put(ctx context.Context, doc Document) (string, error) {
	id := doc.ID()
	if id == "" {
		return "", WithContext(ErrBackend, map[string]interface{}{
			"op":     "put",
			"reason": "document has no _id",
		})
	}

	key := s.docKey(id)
	newRev := nextRevision(doc)
	stored := doc.Clone()
	stored[FieldRev] = newRev

	data, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
	}

	var prior Document
	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		switch {
		case err == nil:
			var current Document
			if err := json.Unmarshal([]byte(raw), &current); err != nil {
				return fmt.Errorf("decode document %s: %w", id, err)
			}
			if doc.Rev() != current.Rev() {
				return WithContext(ErrConflict, map[string]interface{}{
					"id":       id,
					"expected": doc.Rev(),
					"actual":   current.Rev(),
				})
			}
			prior = current
		case errors.Is(err, redis.Nil):
			if doc.Rev() != "" {
				return WithContext(ErrConflict, map[string]interface{}{
					"id":       id,
					"expected": doc.Rev(),
					"actual":   "",
				})
			}
		default:
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			s.updateIndexes(ctx, pipe, prior, stored)
			return nil
		})
		return err
	}

	if err := s.client.Watch(ctx, txn, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			// Another writer landed between watch and exec
			return "", WithContext(ErrConflict, map[string]interface{}{"id": id})
		}
		return "", err
	}
	return newRev, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Document, error) {
	raw, err := s.client.Get(ctx, s.docKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", id, err)
	}
	return doc, nil
}

func (s *RedisStore) Remove(ctx context.Context, doc Document) error {
	id := doc.ID()
	key := s.docKey(id)

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var current Document
		if err := json.Unmarshal([]byte(raw), &current); err != nil {
			return fmt.Errorf("decode document %s: %w", id, err)
		}
		if doc.Rev() != "" && doc.Rev() != current.Rev() {
			return WithContext(ErrConflict, map[string]interface{}{
				"id":       id,
				"expected": doc.Rev(),
				"actual":   current.Rev(),
			})
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key, s.conflictKey(id))
			s.updateIndexes(ctx, pipe, current, nil)
			return nil
		})
		return err
	}

	if err := s.client.Watch(ctx, txn, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return WithContext(ErrConflict, map[string]interface{}{"id": id})
		}
		return err
	}
	return nil
}

func (s *RedisStore) AllDocs(ctx context.Context, opts AllDocsOptions) ([]Document, error) {
	docs, err := s.scanAll(ctx)
	if err != nil {
		return nil, err
	}

	filtered := docs[:0]
	for _, doc := range docs {
		if inKeyRange(doc.ID(), opts) {
			filtered = append(filtered, doc)
		}
	}
	sortByDocID(filtered)
	if opts.Limit > 0 && len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}
	return filtered, nil
}

// Find uses an index set when an equality condition hits an indexed field,
// and falls back to a full scan otherwise.
func (s *RedisStore) Find(ctx context.Context, query FindQuery) ([]Document, error) {
	var candidates []Document
	var indexed *Condition

	s.mu.RLock()
	for i, c := range query.Conditions {
		if c.Op != OpEq {
			continue
		}
		for _, spec := range s.indexes {
			for _, f := range spec.Fields {
				if f == c.Field {
					indexed = &query.Conditions[i]
				}
			}
		}
		if indexed != nil {
			break
		}
	}
	s.mu.RUnlock()

	if indexed != nil {
		ids, err := s.client.SMembers(ctx, s.indexKey(indexed.Field, indexed.Value)).Result()
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			doc, err := s.Get(ctx, id)
			if IsNotFound(err) {
				continue // Index entry outlived the document
			}
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, doc)
		}
	} else {
		var err error
		if candidates, err = s.scanAll(ctx); err != nil {
			return nil, err
		}
	}

	var matched []Document
	for _, doc := range candidates {
		if matchConditions(doc, query.Conditions) {
			matched = append(matched, doc)
		}
	}
	return sortAndLimit(matched, query), nil
}

// CreateIndex registers a secondary index and backfills it from existing
// documents. Re-creating an index with the same name is success.
func (s *RedisStore) CreateIndex(ctx context.Context, spec IndexSpec) error {
	s.mu.Lock()
	if _, exists := s.indexes[spec.Name]; exists {
		s.mu.Unlock()
		return nil
	}
	s.indexes[spec.Name] = spec
	s.mu.Unlock()

	docs, err := s.scanAll(ctx)
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	for _, doc := range docs {
		for _, field := range spec.Fields {
			if val, ok := doc[field]; ok {
				pipe.SAdd(ctx, s.indexKey(field, val), doc.ID())
			}
		}
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Info(ctx context.Context) (StoreInfo, error) {
	info := StoreInfo{Name: "redis:" + s.namespace}

	iter := s.client.Scan(ctx, 0, s.namespace+":doc:*", 0).Iterator()
	for iter.Next(ctx) {
		info.DocCount++
		size, err := s.client.StrLen(ctx, iter.Val()).Result()
		if err == nil {
			info.SizeBytes += size
		}
	}
	return info, iter.Err()
}

func (s *RedisStore) Destroy(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.namespace+":*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) Close() error {
	// The client is owned by the caller; nothing of ours to release
	return nil
}

// RegisterConflict parks a losing revision in the document's conflicts
// bucket. The replication layer calls this when a pulled revision loses to
// the local one under single-writer policy.
func (s *RedisStore) RegisterConflict(ctx context.Context, doc Document) error {
	if doc.ID() == "" || doc.Rev() == "" {
		return WithContext(ErrBackend, map[string]interface{}{
			"op":     "register_conflict",
			"reason": "conflicting revision needs _id and _rev",
		})
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.conflictKey(doc.ID()), doc.Rev(), data).Err()
}

// ListConflicts returns the parked non-current revisions for a document
func (s *RedisStore) ListConflicts(ctx context.Context, id string) ([]Document, error) {
	entries, err := s.client.HGetAll(ctx, s.conflictKey(id)).Result()
	if err != nil {
		return nil, err
	}
	docs := make([]Document, 0, len(entries))
	for _, raw := range entries {
		var doc Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("decode conflict revision for %s: %w", id, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// RemoveConflict discards one parked revision
func (s *RedisStore) RemoveConflict(ctx context.Context, id, rev string) error {
	return s.client.HDel(ctx, s.conflictKey(id), rev).Err()
}

// scanAll reads every document in the namespace
func (s *RedisStore) scanAll(ctx context.Context) ([]Document, error) {
	iter := s.client.Scan(ctx, 0, s.namespace+":doc:*", 0).Iterator()
	var docs []Document
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			continue // Deleted mid-scan
		}
		if err != nil {
			return nil, err
		}
		var doc Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("decode document at %s: %w", iter.Val(), err)
		}
		docs = append(docs, doc)
	}
	return docs, iter.Err()
}

// updateIndexes adjusts index-set membership when a document changes.
// prior is nil on create; next is nil on delete.
func (s *RedisStore) updateIndexes(ctx context.Context, pipe redis.Pipeliner, prior, next Document) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, spec := range s.indexes {
		for _, field := range spec.Fields {
			var oldVal, newVal interface{}
			var hadOld, hasNew bool
			if prior != nil {
				oldVal, hadOld = prior[field]
			}
			if next != nil {
				newVal, hasNew = next[field]
			}
			if hadOld && (!hasNew || oldVal != newVal) {
				pipe.SRem(ctx, s.indexKey(field, oldVal), prior.ID())
			}
			if hasNew && (!hadOld || oldVal != newVal) {
				pipe.SAdd(ctx, s.indexKey(field, newVal), next.ID())
			}
		}
	}
}
