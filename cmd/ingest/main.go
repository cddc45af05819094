package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"datapreview/internal/config"
	"datapreview/internal/ingest"
	"datapreview/internal/metrics"
	"datapreview/internal/metrics/datadog"
	"datapreview/internal/storage"

	// register all backends with the storage factory.
	_ "datapreview/internal/storage/all"
)

// main runs one ingestion pass over the configured data root and prints the
// run summary as indented JSON.
func main() {
	var (
		cfgPath  string
		root     string
		validate bool
	)

	flag.StringVar(&cfgPath, "config", "", "config JSON path (optional)")
	flag.StringVar(&root, "root", "", "override data root directory")
	flag.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatalf("load config: %v", err)
	}
	if root != "" {
		cfg.DataRoot = root
	}

	issues := cfg.Validate()
	hasError := false
	for _, iss := range issues {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
		if iss.Severity == config.SeverityError {
			hasError = true
		}
	}
	if hasError {
		fatalf("configuration is invalid")
	}
	if validate {
		log.Printf("configuration is valid")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := newMetricsBackend(ctx, cfg, "ingest")
	defer func() {
		if err := m.Close(); err != nil {
			log.Printf("metrics: close: %v", err)
		}
	}()

	runner := ingest.NewRunner(
		storage.Config{Kind: cfg.StorageKind, DSN: cfg.StorageDSN},
		ingest.Options{Root: cfg.DataRoot, BatchSize: cfg.BatchSize, Metrics: m},
	)

	sum, err := runner.Run(ctx)
	if err != nil {
		fatalf("ingestion: %v", err)
	}

	out, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		fatalf("encode summary: %v", err)
	}
	fmt.Println(string(out))
}

func newMetricsBackend(ctx context.Context, cfg config.Config, job string) metrics.Backend {
	if cfg.MetricsBackend != "datadog" {
		return metrics.Noop()
	}
	b, err := datadog.NewBackend(ctx, datadog.Options{
		JobName: job,
		Tags:    datadog.ParseTagsCSV(cfg.MetricsTags),
	})
	if err != nil {
		log.Printf("metrics: datadog init failed: %v; using nop", err)
		return metrics.Noop()
	}
	return b
}

func fatalf(format string, args ...any) {
	log.Printf(format, args...)
	os.Exit(1)
}
