// Package store persists small JSON documents on disk.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

var ErrBadName = errors.New("store: invalid document name")

// Document is one JSON file. Reads and read-modify-write cycles are
// serialized in-process by a mutex and across processes by a file lock.
type Document[T any] struct {
	mu   sync.Mutex
	path string
	lock *flock.Flock
}

// Open prepares the document at path; the file is created on first Update.
func Open[T any](path string) (*Document[T], error) {
	if path == "" {
		return nil, fmt.Errorf("empty document path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Document[T]{path: path, lock: flock.New(path + ".lock")}, nil
}

// Path returns the file location.
func (d *Document[T]) Path() string { return d.path }

// Load returns the zero value when the file does not exist yet.
func (d *Document[T]) Load() (T, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.lock.RLock(); err != nil {
		var zero T
		return zero, fmt.Errorf("lock %s: %w", d.path, err)
	}
	defer d.lock.Unlock()
	return d.read()
}

// Update loads the document, applies fn and writes the result back. When
// fn returns an error nothing is written.
func (d *Document[T]) Update(fn func(*T) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", d.path, err)
	}
	defer d.lock.Unlock()

	v, err := d.read()
	if err != nil {
		return err
	}
	if err := fn(&v); err != nil {
		return err
	}
	return d.write(v)
}

// Remove deletes the file. A missing file is not an error.
func (d *Document[T]) Remove() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", d.path, err)
	}
	defer d.lock.Unlock()
	if err := os.Remove(d.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (d *Document[T]) read() (T, error) {
	var v T
	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return v, nil
		}
		return v, err
	}
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", d.path, err)
	}
	return v, nil
}

func (d *Document[T]) write(v T) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, d.path)
}

// Collection hands out one Document per name inside a directory, so every
// caller of the same name shares one mutex.
type Collection[T any] struct {
	dir string

	mu   sync.Mutex
	docs map[string]*Document[T]
}

func NewCollection[T any](dir string) (*Collection[T], error) {
	if dir == "" {
		return nil, fmt.Errorf("empty collection directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Collection[T]{dir: dir, docs: make(map[string]*Document[T])}, nil
}

// Doc returns the document stored as <dir>/<name>.json.
func (c *Collection[T]) Doc(name string) (*Document[T], error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("%w: %q", ErrBadName, name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.docs[name]; ok {
		return d, nil
	}
	d, err := Open[T](filepath.Join(c.dir, name+".json"))
	if err != nil {
		return nil, err
	}
	c.docs[name] = d
	return d, nil
}
