package lock

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Store reads and writes a lock file.
//
// Writes are atomic and durable (file sync + atomic rename + dir sync).
type Store struct {
	path string
}

// NewStore returns a store for the lock file at path.
func NewStore(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("lock path is required")
	}
	return &Store{path: path}, nil
}

// Path returns the lock file path.
func (s *Store) Path() string { return s.path }

// Load reads the lock file. A missing file is an empty lock.
func (s *Store) Load() (*Lock, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return New(), nil
		}
		return nil, fmt.Errorf("read lock: %w", err)
	}
	var f fileFormat
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return New(), nil
		}
		return nil, fmt.Errorf("parse lock: %w", err)
	}
	if f.Schema != SchemaVersion {
		return nil, fmt.Errorf("parse lock: unsupported schema %d", f.Schema)
	}
	l := New()
	for name, e := range f.Stages {
		if e == nil {
			return nil, fmt.Errorf("parse lock: stage %q has no entry", name)
		}
		l.stages[name] = e
	}
	return l, nil
}

// Save writes l atomically.
func (s *Store) Save(l *Lock) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(l.snapshot()); err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	if err := writeFileAtomicDurable(s.path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write lock: %w", err)
	}
	return nil
}

func writeFileAtomicDurable(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
