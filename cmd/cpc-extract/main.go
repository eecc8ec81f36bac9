// Package main provides the cpc-extract command-line tool for one-shot
// extraction runs against the declaration registry.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/openarmenia/cpc-extract/internal/config"
	"github.com/openarmenia/cpc-extract/internal/preview"
	"github.com/openarmenia/cpc-extract/pkg/aggregate"
	"github.com/openarmenia/cpc-extract/pkg/batch"
	"github.com/openarmenia/cpc-extract/pkg/client"
	"github.com/openarmenia/cpc-extract/pkg/logging"
	"github.com/openarmenia/cpc-extract/pkg/pipeline"
	"github.com/openarmenia/cpc-extract/pkg/ratelimit"
	"github.com/openarmenia/cpc-extract/pkg/schema"
	"github.com/openarmenia/cpc-extract/pkg/storage"
	"github.com/redis/go-redis/v9"
)

// defaultConfigFile is read when -config is not given and the file exists
// in the working directory.
const defaultConfigFile = "cpc-extract.yaml"

func main() {
	// Command-line flags
	configFile := flag.String("config", "", "Path to YAML configuration file")
	recordType := flag.String("record-type", "", "Record type to extract ("+strings.Join(schema.RecordTypes(), ", ")+")")
	year := flag.Int("year", 0, "Declaration year to extract")
	declarantType := flag.Int("declarant-type", 0, "Filter by declarant type (0 = all)")
	declarationType := flag.Int("declaration-type", 0, "Filter by declaration type (0 = all)")
	institutionGroup := flag.Int("institution-group", 0, "Filter by institution group (0 = all)")
	institution := flag.Int("institution", 0, "Filter by institution (0 = all)")
	pageSize := flag.Int("page-size", 0, "Records per page (0 = configured default)")
	offset := flag.Int("offset", 0, "Records to skip at the start of the registry")
	previewRows := flag.Int("preview", 10, "Rows of the result to print after the run (0 = none)")
	flag.Parse()

	if *recordType == "" || *year == 0 {
		fmt.Fprintln(os.Stderr, "both -record-type and -year are required")
		flag.Usage()
		os.Exit(2)
	}

	// Load configuration; without -config, pick up cpc-extract.yaml from the
	// working directory when present.
	path := *configFile
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Logging.Setup())

	// Cooldown state: shared via Redis when configured, process-local
	// otherwise.
	var stateStore ratelimit.StateStore = ratelimit.NewMemoryStore()
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to Redis")
		}
		defer redisClient.Close()

		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
		stateStore = ratelimit.NewRedisStore(redisClient)
	}
	tracker := ratelimit.NewTrackerWithCooldown(stateStore, cfg.RateLimit.Cooldown(), logger)

	// Registry client
	cpcClient, err := client.New(client.Config{
		BaseURL:   cfg.Upstream.BaseURL,
		UserAgent: cfg.Upstream.UserAgent,
		Timeout:   cfg.Upstream.Timeout(),
		PageSize:  cfg.Limits.PageSize,
		Retry:     cfg.Retry.Policy(),
		Tracker:   tracker,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create registry client")
	}

	// Output directory
	store, err := storage.NewDir(cfg.Output.Dir)
	if err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.Output.Dir).Msg("Failed to open output directory")
	}

	detail := batch.DefaultConfig()
	detail.Workers = cfg.Limits.DetailWorkers

	orch := pipeline.New(cpcClient, store, pipeline.Config{
		Aggregate: aggregateConfig(cfg, detail),
	})

	q := client.Query{
		Year:             *year,
		RecordType:       *recordType,
		DeclarantType:    *declarantType,
		DeclarationType:  *declarationType,
		InstitutionGroup: *institutionGroup,
		Institution:      *institution,
		PageSize:         *pageSize,
		Offset:           *offset,
	}

	// Ctrl-C cancels the run; partial output is discarded.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res := orch.Run(ctx, q)
	if !res.OK() {
		fmt.Fprintf(os.Stderr, "extraction failed (%s): %s\n", res.Failure.Kind, res.Failure.Message)
		os.Exit(1)
	}

	if *previewRows > 0 {
		if err := printPreview(ctx, store, res.RunID, *previewRows); err != nil {
			logger.Warn().Err(err).Msg("Failed to render preview")
		}
	}

	fmt.Printf("extracted %d rows across %d pages (%d skipped, %d anomalies) in %s -> %s\n",
		res.Rows, res.Pages, res.Skipped, res.Anomalies,
		res.Duration.Round(time.Millisecond), res.CSVPath)
}

// aggregateConfig maps the configured limits onto the page walk.
func aggregateConfig(cfg config.Config, detail batch.Config) aggregate.Config {
	return aggregate.Config{
		MaxPages: cfg.Limits.MaxPages,
		Detail:   detail,
	}
}

// printPreview reads the first n rows back from the written CSV and prints
// them as an aligned table.
func printPreview(ctx context.Context, store storage.Store, runID string, n int) error {
	f, err := store.Open(ctx, runID+".csv")
	if err != nil {
		return err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	var rows [][]string
	for len(rows) < n {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	fmt.Print(preview.Table(header, rows))
	return nil
}
