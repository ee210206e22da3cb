package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/docflow/custody/model"
)

// maxUpdateAttempts bounds optimistic-concurrency retries in Update
const maxUpdateAttempts = 5

// DocumentFilter narrows List results
type DocumentFilter struct {
	Status     model.DocumentStatus
	Department string // only documents whose chain contains this department
	SharedWith string // ...or that are shared with this user
}

// UpdateFunc mutates a private copy of a document. Returning an error aborts
// the update and leaves the stored row untouched.
type UpdateFunc func(doc *model.Document) error

// DocumentStore persists documents, their ledgers and file references
type DocumentStore interface {
	Create(ctx context.Context, doc *model.Document) error
	Get(ctx context.Context, id string) (*model.Document, error)
	List(ctx context.Context, filter DocumentFilter) ([]*model.Document, error)
	// Update applies fn to the current row and writes it back only if no one
	// else wrote in between, re-reading and re-applying fn on conflict.
	Update(ctx context.Context, id string, fn UpdateFunc) (*model.Document, error)
	Delete(ctx context.Context, id string) error
	FindByProjectID(ctx context.Context, projectID string) (*model.Document, error)
	AddFile(ctx context.Context, file *model.DocumentFile) error
	Files(ctx context.Context, documentID string) ([]*model.DocumentFile, error)
}

// AuditLog is the append-only transition history
type AuditLog interface {
	Append(ctx context.Context, entry *model.AuditEntry) error
	ListByDocument(ctx context.Context, documentID string) ([]model.AuditEntry, error)
}

// MemoryStore keeps documents, files and audit entries in process memory.
// It backs the "memory" database driver and the package tests.
type MemoryStore struct {
	mu        sync.RWMutex
	documents map[string]*model.Document
	files     map[string][]*model.DocumentFile
	audit     map[string][]model.AuditEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents: make(map[string]*model.Document),
		files:     make(map[string][]*model.DocumentFile),
		audit:     make(map[string][]model.AuditEntry),
	}
}

func (s *MemoryStore) Create(ctx context.Context, doc *model.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.documents[doc.ID]; exists {
		return model.Validation("id", "document "+doc.ID+" already exists")
	}
	stored := doc.Clone()
	if stored.Version == 0 {
		stored.Version = 1
	}
	doc.Version = stored.Version
	s.documents[doc.ID] = stored
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[id]
	if !ok {
		return nil, model.ErrDocumentNotFound
	}
	return doc.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, filter DocumentFilter) ([]*model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Document
	for _, d := range s.documents {
		if matchesFilter(d, filter) {
			result = append(result, d.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func matchesFilter(d *model.Document, f DocumentFilter) bool {
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.Department == "" && f.SharedWith == "" {
		return true
	}
	if f.Department != "" && d.Ledger.Chain.Contains(f.Department) {
		return true
	}
	return f.SharedWith != "" && d.Ledger.SharedWith.Contains(f.SharedWith)
}

// Update holds the write lock for the whole read-modify-write, so in memory
// a version conflict cannot occur.
func (s *MemoryStore) Update(ctx context.Context, id string, fn UpdateFunc) (*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.documents[id]
	if !ok {
		return nil, model.ErrDocumentNotFound
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = current.ID
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now()
	s.documents[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.documents[id]; !ok {
		return model.ErrDocumentNotFound
	}
	delete(s.documents, id)
	delete(s.files, id)
	return nil
}

func (s *MemoryStore) FindByProjectID(ctx context.Context, projectID string) (*model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if projectID == "" {
		return nil, model.ErrProjectNotFound
	}
	for _, d := range s.documents {
		if d.Ledger.Signing.ProjectID == projectID {
			return d.Clone(), nil
		}
	}
	return nil, model.ErrProjectNotFound
}

func (s *MemoryStore) AddFile(ctx context.Context, file *model.DocumentFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.documents[file.DocumentID]; !ok {
		return model.ErrDocumentNotFound
	}
	f := *file
	if f.IsPrimary {
		for _, existing := range s.files[file.DocumentID] {
			existing.IsPrimary = false
		}
	}
	s.files[file.DocumentID] = append(s.files[file.DocumentID], &f)
	return nil
}

func (s *MemoryStore) Files(ctx context.Context, documentID string) ([]*model.DocumentFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files := s.files[documentID]
	out := make([]*model.DocumentFile, 0, len(files))
	for _, f := range files {
		c := *f
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryStore) Append(ctx context.Context, entry *model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audit[entry.DocumentID] = append(s.audit[entry.DocumentID], *entry)
	return nil
}

func (s *MemoryStore) ListByDocument(ctx context.Context, documentID string) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := append([]model.AuditEntry(nil), s.audit[documentID]...)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].OccurredAt.Before(entries[j].OccurredAt)
	})
	return entries, nil
}

// Count returns the number of documents in the store
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.documents)
}

// PrimaryFile returns the file flagged primary, or the newest one
func PrimaryFile(files []*model.DocumentFile) *model.DocumentFile {
	var newest *model.DocumentFile
	for _, f := range files {
		if f.IsPrimary {
			return f
		}
		if newest == nil || f.CreatedAt.After(newest.CreatedAt) {
			newest = f
		}
	}
	return newest
}
