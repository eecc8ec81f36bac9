package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/openarmenia/cpc-extract/pkg/aggregate"
	"github.com/openarmenia/cpc-extract/pkg/client"
	"github.com/openarmenia/cpc-extract/pkg/storage"
	"github.com/rs/zerolog/log"
)

// metadataSuffix names the sidecar written next to each run's CSV.
const metadataSuffix = ".json"

// Metadata is the JSON sidecar describing a completed run. It is what
// History serves after the process that ran the extraction is gone.
type Metadata struct {
	RunID     string                    `json:"run_id"`
	Query     client.Query              `json:"query"`
	CSVFile   string                    `json:"csv_file"`
	Rows      int                       `json:"rows"`
	Skipped   []aggregate.SkippedRecord `json:"skipped,omitempty"`
	Anomalies int                       `json:"anomalies"`
	Pages     int                       `json:"pages"`
	Status    string                    `json:"status"`
	SavedAt   time.Time                 `json:"saved_at"`
}

// saveMetadata writes the sidecar for a run.
func saveMetadata(ctx context.Context, store storage.Store, md Metadata) error {
	f, err := store.Create(ctx, md.RunID+metadataSuffix)
	if err != nil {
		return fmt.Errorf("create metadata sidecar: %w", err)
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(md); err != nil {
		f.Close()
		store.Remove(context.Background(), md.RunID+metadataSuffix)
		return fmt.Errorf("encode metadata sidecar: %w", err)
	}
	if err := f.Close(); err != nil {
		store.Remove(context.Background(), md.RunID+metadataSuffix)
		return fmt.Errorf("close metadata sidecar: %w", err)
	}
	return nil
}

// LoadMetadata reads one run's sidecar by run ID.
func LoadMetadata(ctx context.Context, store storage.Store, runID string) (Metadata, error) {
	f, err := store.Open(ctx, runID+metadataSuffix)
	if err != nil {
		return Metadata{}, fmt.Errorf("open metadata sidecar: %w", err)
	}
	defer f.Close()

	var md Metadata
	if err := json.NewDecoder(f).Decode(&md); err != nil {
		return Metadata{}, fmt.Errorf("decode metadata sidecar %s: %w", runID, err)
	}
	return md, nil
}

// History returns the metadata of all completed runs on the store, newest
// first. Sidecars that no longer decode are skipped with a warning.
func History(ctx context.Context, store storage.Store) ([]Metadata, error) {
	names, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list run history: %w", err)
	}

	history := make([]Metadata, 0, len(names))
	for _, name := range names {
		if !strings.HasSuffix(name, metadataSuffix) {
			continue
		}
		md, err := loadSidecar(ctx, store, name)
		if err != nil {
			log.Warn().Err(err).Str("artifact", name).Msg("Skipping unreadable run sidecar")
			continue
		}
		history = append(history, md)
	}

	sort.Slice(history, func(i, j int) bool {
		return history[i].SavedAt.After(history[j].SavedAt)
	})
	return history, nil
}

func loadSidecar(ctx context.Context, store storage.Store, name string) (Metadata, error) {
	f, err := store.Open(ctx, name)
	if err != nil {
		return Metadata{}, err
	}
	defer f.Close()

	body, err := io.ReadAll(f)
	if err != nil {
		return Metadata{}, err
	}

	var md Metadata
	if err := json.Unmarshal(body, &md); err != nil {
		return Metadata{}, err
	}
	return md, nil
}
