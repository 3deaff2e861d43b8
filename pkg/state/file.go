package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore keeps one JSON file per key under basePath. State survives process
// restarts, which is what the one-time setup markers rely on.
type FileStore struct {
	basePath string
	mu       sync.Mutex
}

// NewFileStore creates basePath if needed and returns a store rooted there.
func NewFileStore(basePath string) (*FileStore, error) {
	err := os.MkdirAll(basePath, 0755)
	if err != nil {
		return nil, err
	}

	return &FileStore{basePath: basePath}, nil
}

func (fs *FileStore) Get(_ context.Context, id string) (*Document, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.load(id)
}

func (fs *FileStore) Create(_ context.Context, id string, definition json.RawMessage) (*Document, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	path, err := fs.path(id)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		return nil, ErrConflict
	}

	doc := newDocument(id, definition)
	if err := fs.save(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (fs *FileStore) Update(_ context.Context, id string, definition json.RawMessage, eTag string) (*Document, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	doc, err := fs.load(id)
	if err != nil {
		return nil, err
	}
	if eTag != "" && eTag != doc.ETag {
		return nil, ErrPreconditionFailed
	}

	touch(doc, definition)
	if err := fs.save(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (fs *FileStore) Delete(_ context.Context, id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	path, err := fs.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete state file: %w", err)
	}
	return nil
}

func (fs *FileStore) List(_ context.Context) ([]Summary, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	summaries := []Summary{}
	for _, entry := range entries {
		id, ok := strings.CutSuffix(entry.Name(), ".json")
		if entry.IsDir() || !ok {
			continue
		}
		doc, err := fs.load(id)
		if err != nil {
			// Skips files that are not state documents.
			continue
		}
		summaries = append(summaries, summaryOf(doc))
	}
	sortSummaries(summaries)
	return summaries, nil
}

func (fs *FileStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid state id %q", id)
	}
	return filepath.Join(fs.basePath, id+".json"), nil
}

func (fs *FileStore) load(id string) (*Document, error) {
	path, err := fs.path(id)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	var doc Document
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode state %s: %w", id, err)
	}
	return &doc, nil
}

// save writes through a temp file so readers never see a partial document.
func (fs *FileStore) save(doc *Document) error {
	path, err := fs.path(doc.ID)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(fs.basePath, doc.ID+".*.tmp")
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	return os.Rename(tmp.Name(), path)
}
