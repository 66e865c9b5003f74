package ledgerbase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSStore is a replicating backend over Google Cloud Storage. Unlike S3,
// GCS supports true conditional writes via generation preconditions, so the
// revision check here has no race window: a write racing another writer
// fails the precondition and surfaces as ErrConflict.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string

	mu      sync.Mutex
	indexes map[string]IndexSpec
}

// GCSConfig contains GCS-specific configuration
type GCSConfig struct {
	Bucket          string
	Prefix          string
	CredentialsFile string // Path to service account JSON file (optional, uses ADC if empty)
}

// NewGCSStore creates a GCS store
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	// If no credentials file, uses Application Default Credentials (ADC)

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "ledgerbase"
	}
	return &GCSStore{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  prefix,
		indexes: make(map[string]IndexSpec),
	}, nil
}

func (s *GCSStore) objectKey(id string) string {
	return s.prefix + "/" + strings.Replace(id, ":", "/", 1) + ".json"
}

func (s *GCSStore) Put(ctx context.Context, doc Document) (string, error) {
	id := doc.ID()
	if id == "" {
		return "", WithContext(ErrBackend, map[string]interface{}{
			"op":     "put",
			"reason": "document has no _id",
		})
	}

	obj := s.client.Bucket(s.bucket).Object(s.objectKey(id))

	// Read the current revision and its generation so the write can carry
	// a precondition matching exactly what we compared against.
	var generation int64
	attrs, err := obj.Attrs(ctx)
	switch {
	case err == nil:
		generation = attrs.Generation
		current, err := s.readObject(ctx, obj)
		if err != nil {
			return "", err
		}
		if doc.Rev() != current.Rev() {
			return "", WithContext(ErrConflict, map[string]interface{}{
				"id":       id,
				"expected": doc.Rev(),
				"actual":   current.Rev(),
			})
		}
	case err == storage.ErrObjectNotExist:
		if doc.Rev() != "" {
			return "", WithContext(ErrConflict, map[string]interface{}{
				"id":       id,
				"expected": doc.Rev(),
				"actual":   "",
			})
		}
	default:
		return "", err
	}

	newRev := nextRevision(doc)
	stored := doc.Clone()
	stored[FieldRev] = newRev

	data, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
	}

	cond := storage.Conditions{GenerationMatch: generation}
	if generation == 0 {
		cond = storage.Conditions{DoesNotExist: true}
	}
	writer := obj.If(cond).NewWriter(ctx)
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close() //nolint:errcheck // Already failing
		return "", err
	}
	if err := writer.Close(); err != nil {
		if strings.Contains(err.Error(), "conditionNotMet") || strings.Contains(err.Error(), "precondition") {
			return "", WithContext(ErrConflict, map[string]interface{}{"id": id})
		}
		return "", err
	}
	return newRev, nil
}

func (s *GCSStore) Get(ctx context.Context, id string) (Document, error) {
	obj := s.client.Bucket(s.bucket).Object(s.objectKey(id))
	doc, err := s.readObject(ctx, obj)
	if err == storage.ErrObjectNotExist {
		return nil, ErrNotFound
	}
	return doc, err
}

func (s *GCSStore) readObject(ctx context.Context, obj *storage.ObjectHandle) (Document, error) {
	reader, err := obj.NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

func (s *GCSStore) Remove(ctx context.Context, doc Document) error {
	id := doc.ID()
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if doc.Rev() != "" && doc.Rev() != current.Rev() {
		return WithContext(ErrConflict, map[string]interface{}{
			"id":       id,
			"expected": doc.Rev(),
			"actual":   current.Rev(),
		})
	}

	err = s.client.Bucket(s.bucket).Object(s.objectKey(id)).Delete(ctx)
	if err == storage.ErrObjectNotExist {
		return ErrNotFound
	}
	return err
}

func (s *GCSStore) AllDocs(ctx context.Context, opts AllDocsOptions) ([]Document, error) {
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

func (s *GCSStore) Find(ctx context.Context, query FindQuery) ([]Document, error) {
	all, err := s.scanAll(ctx)
	if err != nil {
		return nil, err
	}
	var matched []Document
	for _, doc := range all {
		if matchConditions(doc, query.Conditions) {
			matched = append(matched, doc)
		}
	}
	return sortAndLimit(matched, query), nil
}

func (s *GCSStore) CreateIndex(ctx context.Context, spec IndexSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexes[spec.Name] = spec
	return nil
}

func (s *GCSStore) Info(ctx context.Context) (StoreInfo, error) {
	info := StoreInfo{Name: "gcs:" + s.bucket + "/" + s.prefix}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix + "/"})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return info, err
		}
		info.DocCount++
		info.SizeBytes += attrs.Size
	}
	return info, nil
}

func (s *GCSStore) Destroy(ctx context.Context) error {
	bucket := s.client.Bucket(s.bucket)
	it := bucket.Objects(ctx, &storage.Query{Prefix: s.prefix + "/"})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return err
		}
		if err := bucket.Object(attrs.Name).Delete(ctx); err != nil && err != storage.ErrObjectNotExist {
			return err
		}
	}
	return nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) scanAll(ctx context.Context) ([]Document, error) {
	bucket := s.client.Bucket(s.bucket)
	it := bucket.Objects(ctx, &storage.Query{Prefix: s.prefix + "/"})

	var docs []Document
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		doc, err := s.readObject(ctx, bucket.Object(attrs.Name))
		if err == storage.ErrObjectNotExist {
			continue // Deleted mid-scan
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
