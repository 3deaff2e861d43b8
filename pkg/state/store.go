package state

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no document exists for a key.
	ErrNotFound = errors.New("state not found")
	// ErrConflict is returned when creating a key that already exists.
	ErrConflict = errors.New("state already exists")
	// ErrPreconditionFailed is returned when an update carries a stale eTag.
	ErrPreconditionFailed = errors.New("state eTag does not match")
)

// Document is a single keyed state record.
type Document struct {
	ID           string          `json:"id"`
	ETag         string          `json:"eTag"`
	Created      time.Time       `json:"created"`
	LastModified time.Time       `json:"lastModified"`
	Definition   json.RawMessage `json:"definition"`
}

// Summary identifies a stored document without its definition.
type Summary struct {
	ID           string    `json:"id"`
	ETag         string    `json:"eTag"`
	LastModified time.Time `json:"lastModified"`
}

// Decode unmarshals the document definition into v.
func (d *Document) Decode(v any) error {
	return json.Unmarshal(d.Definition, v)
}

// Store maps string keys to JSON documents.
//
// Update with an empty eTag is unconditional; otherwise the eTag must match the
// stored one.
type Store interface {
	Get(ctx context.Context, id string) (*Document, error)
	Create(ctx context.Context, id string, definition json.RawMessage) (*Document, error)
	Update(ctx context.Context, id string, definition json.RawMessage, eTag string) (*Document, error)
	Delete(ctx context.Context, id string) error
	// List summarizes every document, ordered by ID.
	List(ctx context.Context) ([]Summary, error)
}

func newDocument(id string, definition json.RawMessage) *Document {
	now := time.Now().UTC()
	return &Document{
		ID:           id,
		ETag:         uuid.NewString(),
		Created:      now,
		LastModified: now,
		Definition:   definition,
	}
}

func summaryOf(doc *Document) Summary {
	return Summary{ID: doc.ID, ETag: doc.ETag, LastModified: doc.LastModified}
}

func sortSummaries(summaries []Summary) {
	slices.SortFunc(summaries, func(a, b Summary) int {
		return strings.Compare(a.ID, b.ID)
	})
}

func touch(doc *Document, definition json.RawMessage) {
	doc.Definition = definition
	doc.ETag = uuid.NewString()
	doc.LastModified = time.Now().UTC()
}
