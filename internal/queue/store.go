package queue

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/lucasnoah/tacx/internal/pipeline"
)

// FileStore keeps the queue in one markdown file.
type FileStore struct {
	path string
}

// NewFileStore returns a store for the queue file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the queue file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the queue. A missing file is an empty queue.
func (s *FileStore) Load() (*Queue, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Queue{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	q, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return q, nil
}

// Save replaces the queue file atomically.
func (s *FileStore) Save(q *Queue) error {
	if err := pipeline.WriteAtomic(s.path, Render(q)); err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	return nil
}

// Update loads the queue, applies fn, and saves it if fn succeeds.
func (s *FileStore) Update(fn func(*Queue) error) error {
	q, err := s.Load()
	if err != nil {
		return err
	}
	if err := fn(q); err != nil {
		return err
	}
	return s.Save(q)
}
