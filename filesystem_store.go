package ledgerbase

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// FilesystemStore is the local-only backend: one JSON file per document
// under a base directory, with CouchDB-style "<generation>-<hash>" revision
// tokens computed on every write. It never replicates and never has
// conflicting live revisions.
type FilesystemStore struct {
	basePath string
	locks    *StripedLocks // Fine-grained locking per document id

	mu      sync.Mutex
	indexes map[string]IndexSpec
}

// NewFilesystemStore creates a filesystem store rooted at basePath
func NewFilesystemStore(basePath string) (*FilesystemStore, error) {
	if err := os.MkdirAll(basePath, DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("create base path: %w", err)
	}
	return &FilesystemStore{
		basePath: basePath,
		locks:    NewStripedLocks(32),
		indexes:  make(map[string]IndexSpec),
	}, nil
}

// docPath maps a document id like "transaction:abc" to
// "<base>/transaction/abc.json"
func (s *FilesystemStore) docPath(id string) string {
	kind, rest, found := strings.Cut(id, ":")
	if !found {
		return filepath.Join(s.basePath, id+".json")
	}
	return filepath.Join(s.basePath, kind, rest+".json")
}

func (s *FilesystemStore) Put(ctx context.Context, doc Document) (string, error) {
	id := doc.ID()
	if id == "" {
		return "", WithContext(ErrBackend, map[string]interface{}{
			"op":     "put",
			"reason": "document has no _id",
		})
	}

	// Lock this document for an atomic check-and-write
	unlock := s.locks.Lock(id)
	defer unlock()

	current, err := s.readDoc(id)
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

	path := s.docPath(id)
	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, DefaultFilePermissions); err != nil {
		return "", err
	}
	return newRev, nil
}

func (s *FilesystemStore) Get(ctx context.Context, id string) (Document, error) {
	unlock := s.locks.RLock(id)
	defer unlock()
	return s.readDoc(id)
}

func (s *FilesystemStore) readDoc(id string) (Document, error) {
	data, err := os.ReadFile(s.docPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", id, err)
	}
	return doc, nil
}

func (s *FilesystemStore) Remove(ctx context.Context, doc Document) error {
	id := doc.ID()
	unlock := s.locks.Lock(id)
	defer unlock()

	current, err := s.readDoc(id)
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

	err = os.Remove(s.docPath(id))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

func (s *FilesystemStore) AllDocs(ctx context.Context, opts AllDocsOptions) ([]Document, error) {
	var docs []Document

	err := filepath.Walk(s.basePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil // Removed between walk and read
		}
		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil // Not a document file
		}
		if inKeyRange(doc.ID(), opts) {
			docs = append(docs, doc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortByDocID(docs)
	if opts.Limit > 0 && len(docs) > opts.Limit {
		docs = docs[:opts.Limit]
	}
	return docs, nil
}

// Find is scan-based: every document is read and filtered in memory.
// Correct for any selector, fast only for small stores; that is the
// local backend's contract.
func (s *FilesystemStore) Find(ctx context.Context, query FindQuery) ([]Document, error) {
	all, err := s.AllDocs(ctx, AllDocsOptions{})
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

// CreateIndex records the index spec. Scans serve every selector here, so
// the spec only matters for parity with replicating backends; creating the
// same index twice is success.
func (s *FilesystemStore) CreateIndex(ctx context.Context, spec IndexSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexes[spec.Name] = spec
	return nil
}

func (s *FilesystemStore) Info(ctx context.Context) (StoreInfo, error) {
	info := StoreInfo{Name: "filesystem:" + s.basePath}

	err := filepath.Walk(s.basePath, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !fi.IsDir() && strings.HasSuffix(path, ".json") {
			info.DocCount++
			info.SizeBytes += fi.Size()
		}
		return nil
	})
	return info, err
}

func (s *FilesystemStore) Destroy(ctx context.Context) error {
	return os.RemoveAll(s.basePath)
}

func (s *FilesystemStore) Close() error {
	// Nothing to release for the filesystem
	return nil
}

// nextRevision computes the successor revision token for a document write:
// the generation counter incremented, joined to a content hash.
func nextRevision(doc Document) string {
	gen := revGeneration(doc.Rev()) + 1

	body := doc.Clone()
	delete(body, FieldRev)
	data, _ := json.Marshal(body)

	sum := md5.Sum(append(data, []byte(strconv.Itoa(gen))...))
	return fmt.Sprintf("%d-%s", gen, hex.EncodeToString(sum[:]))
}

// revGeneration parses the generation counter out of a revision token
func revGeneration(rev string) int {
	if rev == "" {
		return 0
	}
	genStr, _, found := strings.Cut(rev, "-")
	if !found {
		return 0
	}
	gen, err := strconv.Atoi(genStr)
	if err != nil {
		return 0
	}
	return gen
}
