package ledgerbase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Store is a replicating backend over AWS S3 or any S3-compatible service
// (MinIO and friends). One object per document; the revision token lives
// inside the document body.
//
// The revision check is best-effort: S3 PutObject has no If-Match, so there
// is a small window between the read and the write where a concurrent
// writer can land. Acceptable for single-writer-per-device replication,
// which is the only topology this store is used in; use RedisStore or
// PostgresStore when true compare-and-swap is required.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string

	mu      sync.Mutex
	indexes map[string]IndexSpec
}

// NewS3Store creates an S3 store. prefix namespaces all object keys.
func NewS3Store(client *s3.Client, bucket, prefix string) *S3Store {
	if prefix == "" {
		prefix = "ledgerbase"
	}
	return &S3Store{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		indexes: make(map[string]IndexSpec),
	}
}

// objectKey maps a document id like "transaction:abc" to
// "<prefix>/transaction/abc.json"
func (s *S3Store) objectKey(id string) string {
	return s.prefix + "/" + strings.Replace(id, ":", "/", 1) + ".json"
}

func (s *S3Store) Put(ctx context.Context, doc Document) (string, error) {
	id := doc.ID()
	if id == "" {
		return "", WithContext(ErrBackend, map[string]interface{}{
			"op":     "put",
			"reason": "document has no _id",
		})
	}

	current, err := s.Get(ctx, id)
	switch {
	case err == nil:
		if doc.Rev() != current.Rev() {
			return "", WithContext(ErrConflict, map[string]interface{}{
				"id":       id,
				"expected": doc.Rev(),
				"actual":   current.Rev(),
			})
		}
	case IsNotFound(err):
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

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(id)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", err
	}
	return newRev, nil
}

func (s *S3Store) Get(ctx context.Context, id string) (Document, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(id)),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchKey") {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer func() { _ = result.Body.Close() }() //nolint:errcheck // Deferred close

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", id, err)
	}
	return doc, nil
}

func (s *S3Store) Remove(ctx context.Context, doc Document) error {
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

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(id)),
	})
	return err
}

func (s *S3Store) AllDocs(ctx context.Context, opts AllDocsOptions) ([]Document, error) {
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

// Find is scan-based; S3 has no query engine to push selectors into
func (s *S3Store) Find(ctx context.Context, query FindQuery) ([]Document, error) {
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

func (s *S3Store) CreateIndex(ctx context.Context, spec IndexSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexes[spec.Name] = spec
	return nil
}

func (s *S3Store) Info(ctx context.Context) (StoreInfo, error) {
	info := StoreInfo{Name: "s3:" + s.bucket + "/" + s.prefix}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix + "/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return info, err
		}
		for _, obj := range page.Contents {
			info.DocCount++
			info.SizeBytes += aws.ToInt64(obj.Size)
		}
	}
	return info, nil
}

func (s *S3Store) Destroy(ctx context.Context) error {
	keys, err := s.listKeys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *S3Store) Close() error {
	// S3 client doesn't need explicit closing
	return nil
}

func (s *S3Store) listKeys(ctx context.Context) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix + "/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (s *S3Store) scanAll(ctx context.Context) ([]Document, error) {
	keys, err := s.listKeys(ctx)
	if err != nil {
		return nil, err
	}

	var docs []Document
	for _, key := range keys {
		result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if strings.Contains(err.Error(), "NoSuchKey") {
				continue // Deleted mid-scan
			}
			return nil, err
		}
		data, err := io.ReadAll(result.Body)
		_ = result.Body.Close() //nolint:errcheck // Best-effort close
		if err != nil {
			return nil, err
		}
		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			continue // Not a document object
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
