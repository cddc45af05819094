// Package storage defines the backend-agnostic store interface the ingestion
// engine and the preview API run against, plus the factory registry that
// selects a backend by kind.
//
// Backends register themselves from an init() function (see storage/sqlite
// and storage/postgres); importing storage/all links every backend in.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Config is the minimal configuration needed to open a store.
//
// Kind must match a registered backend kind; DSN is passed through to the
// backend factory and validated there.
type Config struct {
	Kind string
	DSN  string
}

// ColumnDef is one column of a live table: normalized name plus the storage
// type it was created with (INTEGER, REAL, DATETIME, TEXT).
type ColumnDef struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// PageOptions control a paginated row fetch.
//
// Search, when non-empty, applies a substring match OR-ed across all
// TEXT-typed columns; a table with no TEXT columns ignores it. OrderBy must
// name an existing column or the fetch fails with ErrUnknownColumn.
type PageOptions struct {
	Limit     int
	Offset    int
	Search    string
	OrderBy   string
	OrderDesc bool
}

// Page is one page of rows plus the total row count after filtering.
type Page struct {
	Total int64
	Rows  []map[string]any
}

// Sentinel errors backends translate their driver errors into, so callers
// can map them without knowing the dialect.
var (
	ErrTableNotFound = errors.New("storage: table not found")
	ErrUnknownColumn = errors.New("storage: unknown column")
)

// Store is the narrow set of operations the ingestion engine and the read
// API need. Each backend implements the semantics in its own dialect
// (sqlite PRAGMA introspection vs postgres information_schema, ? vs $n
// placeholders, LIKE vs ILIKE).
//
// Identifier safety: all table and column names crossing this interface must
// already be normalized ([a-z0-9_], bounded length). Backends re-check with
// ValidIdent before interpolating a name into SQL and reject violations;
// values always travel as query parameters.
type Store interface {
	// Close releases the underlying connection or pool. Call once.
	Close()

	// EnsureTable creates the table if absent with the given columns, and
	// adds any column missing from the live table. It never drops or retypes
	// an existing column: schema evolution is strictly additive.
	EnsureTable(ctx context.Context, table string, columns []ColumnDef) error

	// Truncate removes all rows, keeping the table and its schema.
	Truncate(ctx context.Context, table string) error

	// InsertRows bulk-inserts rows positionally aligned with columns and
	// returns the number of rows written.
	InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)

	// ListTables returns all table names, sorted ascending.
	ListTables(ctx context.Context) ([]string, error)

	// CountRows returns the total row count, or ErrTableNotFound.
	CountRows(ctx context.Context, table string) (int64, error)

	// TableColumns returns the live schema in column order, or
	// ErrTableNotFound.
	TableColumns(ctx context.Context, table string) ([]ColumnDef, error)

	// FetchPage returns one page of rows per opt, or ErrTableNotFound /
	// ErrUnknownColumn.
	FetchPage(ctx context.Context, table string, opt PageOptions) (Page, error)
}

// ValidIdent reports whether id is safe to interpolate as a quoted SQL
// identifier: non-empty and only [a-z0-9_]. Defense-in-depth; the ingest
// layer normalizes every identifier before it gets here.
func ValidIdent(id string) bool {
	if id == "" {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' {
			continue
		}
		return false
	}
	return true
}

// ---- backend factories ----

type factory func(ctx context.Context, cfg Config) (Store, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a store backend under a kind (e.g. "sqlite",
// "postgres"). Call from an init() function in a backend package.
//
// Panics on empty kind, nil factory, or duplicate registration; failing fast
// here avoids ambiguous backend selection at runtime.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New opens a store using the registered factory for cfg.Kind.
//
// Returns an error if the kind is empty or unregistered, or whatever error
// the backend factory returns. Safe for concurrent use with Register.
func New(ctx context.Context, cfg Config) (Store, error) {
	kind := strings.TrimSpace(cfg.Kind)
	if kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind=%s", kind)
	}
	return f(ctx, cfg)
}
