// Package main implements the tapstream command: it syncs the selected
// streams of a catalog and writes SCHEMA, RECORD, STATE, ACTIVATE_VERSION and
// BATCH messages to stdout.
package main

import (
	"bufio"
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/c360/tapstream/batch"
	"github.com/c360/tapstream/bookmark"
	"github.com/c360/tapstream/catalog"
	"github.com/c360/tapstream/componentregistry"
	"github.com/c360/tapstream/config"
	"github.com/c360/tapstream/emitter"
	"github.com/c360/tapstream/metric"
	"github.com/c360/tapstream/schema"
	"github.com/c360/tapstream/storage"
	"github.com/c360/tapstream/tap"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "tapstream"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	if stderrors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

// app holds what a sync run needs.
type app struct {
	cli       *CLIConfig
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *metric.MetricsRegistry
	encodings *batch.EncodingRegistry
	backends  *storage.Registry
	catalog   *catalog.Catalog
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	// Parse and validate CLI flags
	cliCfg, err := parseFlags(args)
	if err != nil {
		return err
	}
	if cliCfg.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		return flag.ErrHelp
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	logger := setupLogger(stderr, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	a, err := initialize(cliCfg, logger)
	if err != nil {
		return err
	}

	if cliCfg.Discover {
		return a.discover(stdout)
	}
	return a.sync(ctx, stdout)
}

// initialize loads configuration and the catalog and builds the registries.
func initialize(cliCfg *CLIConfig, logger *slog.Logger) (*app, error) {
	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	metricsRegistry := metric.NewMetricsRegistry()
	encodings, backends, err := componentregistry.NewDefault(metricsRegistry, logger)
	if err != nil {
		return nil, fmt.Errorf("register components: %w", err)
	}
	slog.Debug("Components registered", "formats", encodings.Formats(), "schemes", backends.Schemes())

	if err := cfg.Validate(encodings, backends); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cat, err := catalog.LoadFile(cliCfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	return &app{
		cli:       cliCfg,
		cfg:       cfg,
		logger:    logger,
		metrics:   metricsRegistry,
		encodings: encodings,
		backends:  backends,
		catalog:   cat,
	}, nil
}

// loadConfig loads configuration from the specified file path. Without a
// path the defaults and environment overrides apply.
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// discover fills in standard metadata for catalog entries that carry none
// and writes the catalog.
func (a *app) discover(w io.Writer) error {
	for i := range a.catalog.Streams {
		entry := &a.catalog.Streams[i]
		if len(entry.Metadata) > 0 {
			continue
		}
		s, err := schema.Parse(entry.Schema)
		if err != nil {
			return fmt.Errorf("parse schema of %s: %w", entry.ID(), err)
		}
		keys := entry.PrimaryKey()
		replicationKey := entry.ReplicationKey
		if sc, ok := a.cfg.Stream(entry.ID()); ok {
			if len(sc.KeyProperties) > 0 {
				keys = sc.KeyProperties
			}
			if sc.ReplicationKey != "" {
				replicationKey = sc.ReplicationKey
			}
		}
		entry.Metadata = catalog.Standard(s, entry.ReplicationMethod, keys, replicationKey)
	}
	return a.catalog.Write(w)
}

// sync runs every selected stream that has a configured row source.
func (a *app) sync(ctx context.Context, stdout io.Writer) (err error) {
	bookmarks := bookmark.New()
	if a.cli.StatePath != "" {
		if bookmarks, err = bookmark.LoadFile(a.cli.StatePath); err != nil {
			return fmt.Errorf("load state: %w", err)
		}
	}

	out, closeOut, err := a.openOutput(stdout)
	if err != nil {
		return err
	}
	em := emitter.New(out, emitter.WithLogger(a.logger), emitter.WithMetrics(a.metrics))

	stopMetrics, err := a.startMetricsServer()
	if err != nil {
		return err
	}
	defer stopMetrics()

	streams, err := a.buildStreams(bookmarks, em)
	if err != nil {
		return err
	}
	if len(streams) == 0 {
		slog.Warn("No streams to sync")
		return nil
	}

	start := time.Now()
	slog.Info("Starting sync", "streams", len(streams), "parallelism", a.cfg.MaxParallelStreams)

	runErr := tap.NewRunner(streams,
		tap.WithParallelism(a.cfg.MaxParallelStreams),
		tap.WithRunnerLogger(a.logger),
	).Run(ctx)

	if closeErr := closeOut(); closeErr != nil && runErr == nil {
		runErr = fmt.Errorf("close output: %w", closeErr)
	}

	messages, written := em.Stats()
	slog.Info("Sync finished",
		"messages", messages,
		"written", humanize.Bytes(uint64(written)),
		"duration", time.Since(start).Round(time.Millisecond).String(),
		"ok", runErr == nil)

	return runErr
}

// openOutput returns the message sink and a function that flushes and
// releases it. Without -output messages go to stdout.
func (a *app) openOutput(stdout io.Writer) (io.Writer, func() error, error) {
	if a.cli.OutputPath == "" {
		out := bufio.NewWriterSize(stdout, emitter.DefaultBufferSize)
		return out, out.Flush, nil
	}
	f, err := emitter.OpenFile(a.cli.OutputPath, false)
	if err != nil {
		return nil, nil, fmt.Errorf("open output: %w", err)
	}
	slog.Info("Writing messages to file", "path", f.Name())
	return f, f.Close, nil
}

func (a *app) startMetricsServer() (func(), error) {
	if a.cfg.Metrics.Port == 0 {
		return func() {}, nil
	}
	server := metric.NewServer(a.cfg.Metrics.Port, a.cfg.Metrics.Path, a.metrics)
	if err := server.Listen(); err != nil {
		return nil, fmt.Errorf("start metrics server: %w", err)
	}
	go func() {
		if err := server.Serve(); err != nil {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
	slog.Info("Metrics server listening", "address", server.Address(), "path", a.cfg.Metrics.Path)
	return func() {
		if err := server.Stop(); err != nil {
			slog.Error("Error stopping metrics server", "error", err)
		}
	}, nil
}

func (a *app) buildStreams(bookmarks *bookmark.Store, em *emitter.Emitter) ([]*tap.Stream, error) {
	opts := []tap.Option{
		tap.WithLogger(a.logger),
		tap.WithMetrics(a.metrics),
		tap.WithLogInterval(a.cfg.Metrics.LogInterval),
	}
	if a.cfg.Batch != nil {
		opts = append(opts, tap.WithBatchWriter(batch.NewWriter(a.encodings, a.backends,
			batch.WithLogger(a.logger),
			batch.WithMetrics(a.metrics),
		)))
	}

	var streams []*tap.Stream
	for _, entry := range a.catalog.SelectedStreams() {
		sc, ok := a.cfg.Stream(entry.ID())
		if !ok || sc.Rows == "" {
			slog.Warn("Selected stream has no row source, skipping", "stream", entry.ID())
			continue
		}

		s, err := schema.Parse(entry.Schema)
		if err != nil {
			return nil, fmt.Errorf("parse schema of %s: %w", entry.ID(), err)
		}

		keys := sc.KeyProperties
		if len(keys) == 0 {
			keys = entry.PrimaryKey()
		}
		replicationKey := sc.ReplicationKey
		if replicationKey == "" {
			replicationKey = entry.ReplicationKey
		}

		stream, err := tap.NewStream(tap.StreamConfig{
			ID:                    entry.ID(),
			Schema:                s,
			KeyProperties:         keys,
			ReplicationKey:        replicationKey,
			Metadata:              entry.Metadata,
			StateMessageFrequency: a.cfg.StateMessageFrequency,
			Batch:                 a.cfg.Batch,
		}, tap.JSONLSource{Path: sc.Rows}, bookmarks, em, opts...)
		if err != nil {
			return nil, fmt.Errorf("create stream %s: %w", entry.ID(), err)
		}
		streams = append(streams, stream)
	}
	return streams, nil
}
