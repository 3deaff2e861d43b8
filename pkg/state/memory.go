package state

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*Document
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*Document)}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(doc), nil
}

func (s *MemoryStore) Create(_ context.Context, id string, definition json.RawMessage) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[id]; ok {
		return nil, ErrConflict
	}
	doc := newDocument(id, definition)
	s.docs[id] = doc
	return clone(doc), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, definition json.RawMessage, eTag string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if eTag != "" && eTag != doc.ETag {
		return nil, ErrPreconditionFailed
	}
	touch(doc, definition)
	return clone(doc), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[id]; !ok {
		return ErrNotFound
	}
	delete(s.docs, id)
	return nil
}

func clone(doc *Document) *Document {
	c := *doc
	c.Definition = append(json.RawMessage(nil), doc.Definition...)
	return &c
}

func (s *MemoryStore) List(_ context.Context) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]Summary, 0, len(s.docs))
	for _, doc := range s.docs {
		summaries = append(summaries, summaryOf(doc))
	}
	sortSummaries(summaries)
	return summaries, nil
}
