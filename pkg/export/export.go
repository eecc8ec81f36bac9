// Package export serializes a dataset to CSV on a storage handle. Output is
// all-or-nothing: a failure or cancellation mid-write removes the partial
// file instead of leaving it truncated.
package export

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"

	"github.com/openarmenia/cpc-extract/pkg/aggregate"
	"github.com/openarmenia/cpc-extract/pkg/storage"
	"github.com/rs/zerolog/log"
)

// ErrStorageWrite indicates the destination rejected or interrupted the
// write. Fatal to the run, never retried.
var ErrStorageWrite = errors.New("storage write failed")

// cancelCheckEvery is how many rows pass between context checks.
const cancelCheckEvery = 256

// StorageError wraps the cause of a failed artifact write. errors.Is matches
// it against ErrStorageWrite.
type StorageError struct {
	Name string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("write artifact %s: %v", e.Name, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageWrite
}

// Write serializes the dataset to a named CSV artifact and returns the row
// count. The header row always comes first, in the dataset's canonical
// column order; a zero-row dataset yields a valid header-only file. On any
// error or on cancellation the partial artifact is removed.
func Write(ctx context.Context, ds *aggregate.Dataset, store storage.Store, name string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("csv write cancelled: %w", err)
	}

	f, err := store.Create(ctx, name)
	if err != nil {
		return 0, &StorageError{Name: name, Err: err}
	}

	w := csv.NewWriter(f)

	if err := w.Write(ds.Columns); err != nil {
		discard(store, name, f)
		return 0, &StorageError{Name: name, Err: fmt.Errorf("header: %w", err)}
	}

	line := make([]string, len(ds.Columns))
	for i, row := range ds.Rows {
		if i%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				discard(store, name, f)
				return 0, fmt.Errorf("csv write cancelled: %w", err)
			}
		}
		for j, col := range ds.Columns {
			line[j] = row[col]
		}
		if err := w.Write(line); err != nil {
			discard(store, name, f)
			return 0, &StorageError{Name: name, Err: fmt.Errorf("row %d: %w", i+1, err)}
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		discard(store, name, f)
		return 0, &StorageError{Name: name, Err: err}
	}
	if err := f.Close(); err != nil {
		discard(store, name, nil)
		return 0, &StorageError{Name: name, Err: fmt.Errorf("close: %w", err)}
	}

	return len(ds.Rows), nil
}

// discard closes and removes a partial artifact. Removal runs on a fresh
// context so cleanup still happens when the run's context is already dead.
func discard(store storage.Store, name string, f interface{ Close() error }) {
	if f != nil {
		f.Close()
	}
	if err := store.Remove(context.Background(), name); err != nil {
		log.Warn().Err(err).Str("artifact", name).Msg("Failed to remove partial artifact")
	}
}
