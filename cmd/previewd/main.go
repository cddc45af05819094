package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"datapreview/internal/api"
	"datapreview/internal/config"
	"datapreview/internal/metrics"
	"datapreview/internal/metrics/datadog"

	// register all backends with the storage factory.
	_ "datapreview/internal/storage/all"
)

// main serves the preview API until interrupted, then shuts down gracefully.
func main() {
	var (
		cfgPath  string
		addr     string
		validate bool
	)

	flag.StringVar(&cfgPath, "config", "", "config JSON path (optional)")
	flag.StringVar(&addr, "addr", "", "override listen address")
	flag.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatalf("load config: %v", err)
	}
	if addr != "" {
		cfg.ListenAddr = addr
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

	m := newMetricsBackend(ctx, cfg, "previewd")
	defer func() {
		if err := m.Close(); err != nil {
			log.Printf("metrics: close: %v", err)
		}
	}()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(cfg, m).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s (storage=%s root=%s)", cfg.ListenAddr, cfg.StorageKind, cfg.DataRoot)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatalf("serve: %v", err)
		}
	case <-ctx.Done():
		log.Printf("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}
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
