package ledgerbase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a replicating backend holding documents as JSONB rows.
// The revision token is a dedicated column, so the stale-revision check is
// a single conditional UPDATE with no read-modify-write window.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresStore creates a Postgres store and its table if missing.
// The table name is interpolated into DDL, so it must come from
// configuration, never from user input.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, table string) (*PostgresStore, error) {
	if table == "" {
		table = "ledgerbase_documents"
	}
	s := &PostgresStore{pool: pool, table: table}

	_, err := pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id  TEXT PRIMARY KEY,
			rev TEXT NOT NULL,
			doc JSONB NOT NULL
		)`, table))
	if err != nil {
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}
	return s, nil
}

func (s *PostgresStore) Put(ctx context.Context, doc Document) (string, error) {
	id := doc.ID()
	if id == "" {
		return "", WithContext(ErrBackend, map[string]interface{}{
			"op":     "put",
			"reason": "document has no _id",
		})
	}

	newRev := nextRevision(doc)
	stored := doc.Clone()
	stored[FieldRev] = newRev

	data, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
	}

	if doc.Rev() == "" {
		tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, rev, doc) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO NOTHING`, s.table),
			id, newRev, data)
		if err != nil {
			return "", err
		}
		if tag.RowsAffected() == 0 {
			// Document already exists; create without a rev is a conflict
			return "", WithContext(ErrConflict, map[string]interface{}{
				"id":       id,
				"expected": "",
			})
		}
		return newRev, nil
	}

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET rev = $1, doc = $2 WHERE id = $3 AND rev = $4`, s.table),
		newRev, data, id, doc.Rev())
	if err != nil {
		return "", err
	}
	if tag.RowsAffected() == 0 {
		return "", WithContext(ErrConflict, map[string]interface{}{
			"id":       id,
			"expected": doc.Rev(),
		})
	}
	return newRev, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Document, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, s.table), id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", id, err)
	}
	return doc, nil
}

func (s *PostgresStore) Remove(ctx context.Context, doc Document) error {
	id := doc.ID()
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE id = $1 AND ($2 = '' OR rev = $2)`, s.table),
		id, doc.Rev())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Distinguish absent from stale
		if _, err := s.Get(ctx, id); IsNotFound(err) {
			return ErrNotFound
		}
		return WithContext(ErrConflict, map[string]interface{}{
			"id":       id,
			"expected": doc.Rev(),
		})
	}
	return nil
}

func (s *PostgresStore) AllDocs(ctx context.Context, opts AllDocsOptions) ([]Document, error) {
	query := fmt.Sprintf(`SELECT doc FROM %s WHERE ($1 = '' OR id >= $1) AND ($2 = '' OR id <= $2) ORDER BY id`, s.table)
	args := []interface{}{opts.StartKey, opts.EndKey}
	if opts.Limit > 0 {
		query += " LIMIT $3"
		args = append(args, opts.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Find pushes equality conditions into a JSONB containment filter, which a
// GIN index on the doc column accelerates; range and substring conditions
// are applied in memory.
func (s *PostgresStore) Find(ctx context.Context, query FindQuery) ([]Document, error) {
	eq := make(map[string]interface{})
	for _, c := range query.Conditions {
		if c.Op == OpEq {
			eq[c.Field] = c.Value
		}
	}

	sql := fmt.Sprintf(`SELECT doc FROM %s`, s.table)
	var args []interface{}
	if len(eq) > 0 {
		filter, err := json.Marshal(eq)
		if err != nil {
			return nil, err
		}
		sql += ` WHERE doc @> $1`
		args = append(args, filter)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matched []Document
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		if matchConditions(doc, query.Conditions) {
			matched = append(matched, doc)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sortAndLimit(matched, query), nil
}

func (s *PostgresStore) CreateIndex(ctx context.Context, spec IndexSpec) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON %s USING GIN (doc)`,
		pgx.Identifier{spec.Name}.Sanitize(), s.table))
	return err
}

func (s *PostgresStore) Info(ctx context.Context) (StoreInfo, error) {
	info := StoreInfo{Name: "postgres:" + s.table}

	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT count(*), COALESCE(pg_total_relation_size('%s'), 0) FROM %s`,
		s.table, s.table)).Scan(&info.DocCount, &info.SizeBytes)
	return info, err
}

func (s *PostgresStore) Destroy(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`TRUNCATE TABLE %s`, s.table))
	return err
}

func (s *PostgresStore) Close() error {
	// The pool is owned by the caller; nothing of ours to release
	return nil
}
