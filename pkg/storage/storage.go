// Package storage abstracts the ephemeral location run artifacts are written
// to. The pipeline only needs create/open/remove/list, so a directory on
// local disk ships as the default and the embedding layer can substitute
// object storage without touching the pipeline.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrInvalidName is returned for artifact names that would escape the store.
var ErrInvalidName = errors.New("invalid artifact name")

// Store is the capability the pipeline needs from an output location.
// Artifacts are flat: names carry no directory structure. Implementations
// must be safe for concurrent use across distinct names.
type Store interface {
	// Create opens a new artifact for writing, replacing any previous
	// one with the same name.
	Create(ctx context.Context, name string) (io.WriteCloser, error)

	// Open opens an existing artifact for reading.
	Open(ctx context.Context, name string) (io.ReadCloser, error)

	// Remove deletes an artifact. Removing a missing artifact is not an
	// error.
	Remove(ctx context.Context, name string) error

	// List returns all artifact names, sorted.
	List(ctx context.Context) ([]string, error)

	// Path reports where an artifact lives, for logs and results. The
	// form is implementation-specific.
	Path(name string) string
}

// Dir is a Store backed by a flat directory on local disk.
type Dir struct {
	root string
}

// NewDir creates the directory if needed and returns a store over it.
func NewDir(root string) (*Dir, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Dir{root: root}, nil
}

// checkName rejects names with path structure so artifacts cannot escape
// the root.
func checkName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func (d *Dir) Create(_ context.Context, name string) (io.WriteCloser, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	f, err := os.Create(filepath.Join(d.root, name))
	if err != nil {
		return nil, fmt.Errorf("create artifact %s: %w", name, err)
	}
	return f, nil
}

func (d *Dir) Open(_ context.Context, name string) (io.ReadCloser, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(d.root, name))
	if err != nil {
		return nil, fmt.Errorf("open artifact %s: %w", name, err)
	}
	return f, nil
}

func (d *Dir) Remove(_ context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(d.root, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove artifact %s: %w", name, err)
	}
	return nil
}

func (d *Dir) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (d *Dir) Path(name string) string {
	return filepath.Join(d.root, name)
}
