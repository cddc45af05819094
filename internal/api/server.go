// Package api serves the preview read API and the admin ingestion trigger.
//
// Every operation acquires a store, uses it, and releases it before the
// response is written, so a long-idle server holds no connections. Identifier
// path parameters are normalized and re-checked before they reach a backend.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"datapreview/internal/config"
	"datapreview/internal/ingest"
	"datapreview/internal/metrics"
	"datapreview/internal/storage"
)

const (
	defaultLimit = 50
	maxLimit     = 200
	maxSearchLen = 200
)

// Server wires the HTTP handlers to storage and the ingestion engine.
type Server struct {
	// NewStore acquires a store for one operation. Tests can replace it.
	NewStore func(ctx context.Context) (storage.Store, error)

	// RunIngest triggers one ingestion run. Tests can replace it.
	RunIngest func(ctx context.Context) (ingest.Summary, error)

	adminSecret string
	metrics     metrics.Backend
}

// NewServer builds a Server from config, wiring the production store factory
// and ingestion runner.
func NewServer(cfg config.Config, m metrics.Backend) *Server {
	if m == nil {
		m = metrics.Noop()
	}
	storeCfg := storage.Config{Kind: cfg.StorageKind, DSN: cfg.StorageDSN}
	runner := ingest.NewRunner(storeCfg, ingest.Options{
		Root:      cfg.DataRoot,
		BatchSize: cfg.BatchSize,
		Metrics:   m,
	})
	return &Server{
		NewStore: func(ctx context.Context) (storage.Store, error) {
			return storage.New(ctx, storeCfg)
		},
		RunIngest:   runner.Run,
		adminSecret: cfg.AdminSecret,
		metrics:     m,
	}
}

// Router returns the configured HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))
	r.Use(s.observe)

	r.Get("/", s.handleHealth)
	r.Post("/admin/ingest-json", s.handleIngest)
	r.Get("/datasets", s.handleDatasets)
	r.Get("/datasets/{dataset}/sheets", s.handleSheets)
	r.Get("/datasets/{dataset}/sheets/{sheet}/rows", s.handleRows)
	r.Get("/schemas/{table}", s.handleSchema)

	return r
}

// observe records request count and latency per status class.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		class := fmt.Sprintf("%dxx", ww.Status()/100)
		s.metrics.IncCounter(metrics.HTTPRequestsTotal, 1, metrics.Labels{"status": class})
		s.metrics.ObserveHistogram(metrics.HTTPRequestDurationSeconds, time.Since(start).Seconds(), metrics.Labels{"status": class})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// sanitizeIdent normalizes a caller-supplied identifier and re-checks it
// against the safe alphabet before any SQL sees it.
func sanitizeIdent(raw string) (string, error) {
	id := ingest.NormalizeIdentifier(raw)
	if !storage.ValidIdent(id) {
		return "", fmt.Errorf("invalid identifier")
	}
	return id, nil
}

// withStore acquires a store for one handler invocation and guarantees
// release on every exit path.
func (s *Server) withStore(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, st storage.Store) error) {
	st, err := s.NewStore(r.Context())
	if err != nil {
		log.Printf("api: open store: %v", err)
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	defer st.Close()

	if err := fn(r.Context(), st); err != nil {
		switch {
		case errors.Is(err, storage.ErrTableNotFound):
			writeError(w, http.StatusNotFound, "Table not found")
		case errors.Is(err, storage.ErrUnknownColumn):
			writeError(w, http.StatusBadRequest, "Invalid order_by")
		default:
			log.Printf("api: %s %s: %v", r.Method, r.URL.Path, err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Healthy"})
}

func clientIsLocal(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// handleIngest triggers one ingestion run. With a configured shared secret
// the X-Admin-Secret header must match; without one only loopback clients
// are allowed.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.adminSecret != "" {
		if r.Header.Get("X-Admin-Secret") != s.adminSecret {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
	} else if !clientIsLocal(r.RemoteAddr) {
		writeError(w, http.StatusUnauthorized, "Unauthorized (local-only)")
		return
	}

	sum, err := s.RunIngest(r.Context())
	if err != nil {
		log.Printf("api: ingest run: %v", err)
		writeError(w, http.StatusInternalServerError, "ingestion failed")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type datasetItem struct {
	Dataset string   `json:"dataset"`
	Tables  []string `json:"tables"`
}

// handleDatasets groups preview tables (names containing "__") by dataset
// prefix. Tables without the separator are not preview tables and are
// skipped.
func (s *Server) handleDatasets(w http.ResponseWriter, r *http.Request) {
	s.withStore(w, r, func(ctx context.Context, st storage.Store) error {
		tables, err := st.ListTables(ctx)
		if err != nil {
			return err
		}

		var order []string
		grouped := map[string][]string{}
		for _, t := range tables {
			ds, _, found := strings.Cut(t, "__")
			if !found {
				continue
			}
			if _, seen := grouped[ds]; !seen {
				order = append(order, ds)
			}
			grouped[ds] = append(grouped[ds], t)
		}

		items := []datasetItem{}
		for _, ds := range order {
			items = append(items, datasetItem{Dataset: ds, Tables: grouped[ds]})
		}
		writeJSON(w, http.StatusOK, items)
		return nil
	})
}

type sheetInfo struct {
	Sheet string `json:"sheet"`
	Table string `json:"table"`
	Count int64  `json:"count"`
}

func (s *Server) handleSheets(w http.ResponseWriter, r *http.Request) {
	ds, err := sanitizeIdent(chi.URLParam(r, "dataset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid identifier")
		return
	}
	prefix := ds + "__"

	s.withStore(w, r, func(ctx context.Context, st storage.Store) error {
		tables, err := st.ListTables(ctx)
		if err != nil {
			return err
		}

		infos := []sheetInfo{}
		for _, t := range tables {
			if !strings.HasPrefix(t, prefix) {
				continue
			}
			count, err := st.CountRows(ctx, t)
			if err != nil {
				return err
			}
			infos = append(infos, sheetInfo{
				Sheet: strings.TrimPrefix(t, prefix),
				Table: t,
				Count: count,
			})
		}
		writeJSON(w, http.StatusOK, infos)
		return nil
	})
}

type rowPage struct {
	Total  int64            `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
	Rows   []map[string]any `json:"rows"`
}

func (s *Server) handleRows(w http.ResponseWriter, r *http.Request) {
	ds, err := sanitizeIdent(chi.URLParam(r, "dataset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid identifier")
		return
	}
	sheet, err := sanitizeIdent(chi.URLParam(r, "sheet"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid identifier")
		return
	}
	table := ds + "__" + sheet

	q := r.URL.Query()

	limit := defaultLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxLimit {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		offset = n
	}

	search := q.Get("search")
	if len(search) > maxSearchLen {
		writeError(w, http.StatusBadRequest, "Invalid search")
		return
	}

	desc := false
	if v := q.Get("order_dir"); v != "" {
		switch strings.ToLower(v) {
		case "asc":
		case "desc":
			desc = true
		default:
			writeError(w, http.StatusBadRequest, "Invalid order_dir")
			return
		}
	}

	orderBy := ""
	if v := q.Get("order_by"); v != "" {
		ob, err := sanitizeIdent(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid order_by")
			return
		}
		orderBy = ob
	}

	s.withStore(w, r, func(ctx context.Context, st storage.Store) error {
		page, err := st.FetchPage(ctx, table, storage.PageOptions{
			Limit:     limit,
			Offset:    offset,
			Search:    search,
			OrderBy:   orderBy,
			OrderDesc: desc,
		})
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, rowPage{
			Total:  page.Total,
			Limit:  limit,
			Offset: offset,
			Rows:   page.Rows,
		})
		return nil
	})
}

type tableSchema struct {
	Table   string              `json:"table"`
	Columns []storage.ColumnDef `json:"columns"`
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	// Table names are already canonical ("dataset__sheet"); normalizing again
	// would collapse the separator, so only the alphabet is checked here.
	table := chi.URLParam(r, "table")
	if !storage.ValidIdent(table) {
		writeError(w, http.StatusBadRequest, "Invalid identifier")
		return
	}

	s.withStore(w, r, func(ctx context.Context, st storage.Store) error {
		cols, err := st.TableColumns(ctx, table)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, tableSchema{Table: table, Columns: cols})
		return nil
	})
}
