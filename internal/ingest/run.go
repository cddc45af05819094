package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"datapreview/internal/metrics"
	"datapreview/internal/storage"
)

// SheetResult summarizes one materialized sheet.
type SheetResult struct {
	Sheet    string            `json:"sheet"`
	Table    string            `json:"table"`
	Inserted int64             `json:"inserted"`
	Columns  map[string]string `json:"columns"`
}

// FileResult summarizes one source file. Error, when set, is an opaque error
// kind (never message content); Sheets holds whatever completed before the
// failure.
type FileResult struct {
	File    string        `json:"file"`
	Dataset string        `json:"dataset"`
	Sheets  []SheetResult `json:"sheets"`
	Error   string        `json:"error,omitempty"`
}

// Summary is the result of one ingestion run. Message is present only when
// no source files were discovered.
type Summary struct {
	Root    string       `json:"root"`
	Files   []FileResult `json:"files"`
	Message string       `json:"message,omitempty"`
}

const defaultBatchSize = 500

// Options configure a Runner beyond its storage target.
type Options struct {
	// Root is the directory scanned (non-recursively) for *.json files.
	Root string
	// BatchSize bounds insert batch memory; defaults to 500.
	BatchSize int
	// Metrics receives run counters; defaults to the no-op backend.
	Metrics metrics.Backend
}

// Runner drives ingestion runs. A run is strictly sequential (one store, one
// file and one sheet at a time) and the caller is responsible for not
// overlapping concurrent runs: truncate-then-load is not atomic against a
// concurrent reader.
type Runner struct {
	// NewStore is the storage factory seam. Production uses storage.New with
	// the configured backend; tests can replace it.
	NewStore func(ctx context.Context) (storage.Store, error)

	opts Options
}

// NewRunner builds a Runner that opens its store from cfg on every run and
// closes it when the run ends, success or failure.
func NewRunner(cfg storage.Config, opts Options) *Runner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop()
	}
	return &Runner{
		NewStore: func(ctx context.Context) (storage.Store, error) {
			return storage.New(ctx, cfg)
		},
		opts: opts,
	}
}

// Run ingests every JSON file under the configured root and returns the run
// summary.
//
// Failure isolation is per file: an error while processing one file marks
// that file's entry with an error kind and the run continues. An unreadable
// or missing root is not an error; it reports as "no files found". Only a
// store that cannot be opened fails the run itself.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	sum := Summary{Root: r.opts.Root, Files: []FileResult{}}

	files := discoverJSONFiles(r.opts.Root)
	if len(files) == 0 {
		sum.Message = "No JSON files found"
		return sum, nil
	}

	st, err := r.NewStore(ctx)
	if err != nil {
		return sum, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	for _, path := range files {
		start := time.Now()
		entry := r.processFile(ctx, st, path)
		sum.Files = append(sum.Files, entry)

		status := "ok"
		if entry.Error != "" {
			status = "error"
		}
		r.opts.Metrics.IncCounter(metrics.FilesTotal, 1, metrics.Labels{"status": status})
		r.opts.Metrics.ObserveHistogram(metrics.FileDurationSeconds, time.Since(start).Seconds(), metrics.Labels{"status": status})
	}
	return sum, nil
}

// processFile runs inference and loading for every sheet of one file. An
// error during any sheet aborts the file's remaining sheets and marks the
// entry; sheets already loaded stay in the summary.
func (r *Runner) processFile(ctx context.Context, st storage.Store, path string) FileResult {
	base := filepath.Base(path)
	dataset := NormalizeIdentifier(strings.TrimSuffix(base, filepath.Ext(base)))
	entry := FileResult{File: path, Dataset: dataset, Sheets: []SheetResult{}}

	f, err := os.Open(path)
	if err != nil {
		entry.Error = errorKind(err)
		return entry
	}
	defer f.Close()

	sheets, err := ParseDocument(f)
	if err != nil {
		entry.Error = errorKind(err)
		return entry
	}

	for _, sh := range sheets {
		res, err := r.loadSheet(ctx, st, dataset, sh)
		if err != nil {
			entry.Error = errorKind(err)
			return entry
		}
		entry.Sheets = append(entry.Sheets, res)
		r.opts.Metrics.IncCounter(metrics.RowsTotal, float64(res.Inserted), metrics.Labels{"dataset": dataset})
	}
	return entry
}

func (r *Runner) loadSheet(ctx context.Context, st storage.Store, dataset string, sh Sheet) (SheetResult, error) {
	sheetName := NormalizeIdentifier(sh.Name)
	// Segments are normalized individually; the "__" separator must survive
	// because the read side discovers preview tables by it.
	table := dataset + "__" + sheetName
	schema := InferSchema(sh.Rows)

	defs := make([]storage.ColumnDef, 0, schema.Len())
	colTypes := make(map[string]string, schema.Len())
	for _, c := range schema.Columns() {
		defs = append(defs, storage.ColumnDef{Name: c.Name, Type: string(c.Type)})
		colTypes[c.Name] = string(c.Type)
	}

	if err := st.EnsureTable(ctx, table, defs); err != nil {
		return SheetResult{}, &storeOpError{op: "ensure table " + table, err: err}
	}
	if err := st.Truncate(ctx, table); err != nil {
		return SheetResult{}, &storeOpError{op: "truncate " + table, err: err}
	}
	inserted, err := r.loadRows(ctx, st, table, schema, sh.Rows)
	if err != nil {
		return SheetResult{}, err
	}

	return SheetResult{
		Sheet:    sheetName,
		Table:    table,
		Inserted: inserted,
		Columns:  colTypes,
	}, nil
}

// loadRows coerces each valid row against the schema and inserts in
// fixed-size batches. Non-mapping rows are skipped and not counted. When two
// distinct keys normalize to the same column, the first in document order
// wins for that row.
func (r *Runner) loadRows(ctx context.Context, st storage.Store, table string, schema *Schema, rows []Row) (int64, error) {
	cols := schema.Columns()
	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, c.Name)
	}

	var count int64
	batch := make([][]any, 0, r.opts.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := st.InsertRows(ctx, table, names, batch); err != nil {
			return &storeOpError{op: "insert into " + table, err: err}
		}
		count += int64(len(batch))
		batch = batch[:0]
		r.opts.Metrics.IncCounter(metrics.BatchesTotal, 1, nil)
		return nil
	}

	for _, row := range rows {
		if !row.OK {
			continue
		}
		vals := make([]any, 0, len(cols))
		for _, c := range cols {
			v := Null
			for _, f := range row.Fields {
				if f.Norm == c.Name {
					v = f.Value
					break
				}
			}
			vals = append(vals, Coerce(c.Type, v))
		}
		batch = append(batch, vals)
		if len(batch) >= r.opts.BatchSize {
			if err := flush(); err != nil {
				return count, err
			}
		}
	}
	if err := flush(); err != nil {
		return count, err
	}
	return count, nil
}

// discoverJSONFiles lists *.json files (case-insensitive extension, symlinks
// followed) in root's immediate directory, most recently modified first. Ties
// break by name so the ordering is deterministic. A missing or unreadable
// root yields an empty list.
func discoverJSONFiles(root string) []string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}

	type candidate struct {
		path string
		name string
		mod  time.Time
	}
	var cands []candidate
	for _, e := range entries {
		if !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			continue
		}
		path := filepath.Join(root, e.Name())
		// Stat follows symlinks, so a link to a file elsewhere still counts
		// while directories and dangling links drop out.
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		cands = append(cands, candidate{
			path: path,
			name: e.Name(),
			mod:  info.ModTime(),
		})
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].mod.Equal(cands[j].mod) {
			return cands[i].name < cands[j].name
		}
		return cands[i].mod.After(cands[j].mod)
	})

	out := make([]string, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.path)
	}
	return out
}

// storeOpError tags storage failures so the per-file error kind can tell
// them apart from parse and read failures.
type storeOpError struct {
	op  string
	err error
}

func (e *storeOpError) Error() string { return e.op + ": " + e.err.Error() }
func (e *storeOpError) Unwrap() error { return e.err }

// errorKind maps a processing error to a stable, opaque kind for the run
// summary. Message content never leaks into the summary.
func errorKind(err error) string {
	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	if errors.As(err, &syn) || errors.As(err, &typ) || errors.Is(err, io.ErrUnexpectedEOF) {
		return "invalid_json"
	}
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return "read_error"
	}
	var soe *storeOpError
	if errors.As(err, &soe) {
		return "storage_error"
	}
	return "ingest_error"
}
