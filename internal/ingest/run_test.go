package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"datapreview/internal/storage"
)

// fakeStore records calls and keeps rows in memory so runs can be asserted
// without a real database.
type fakeStore struct {
	tables    map[string][]storage.ColumnDef
	rows      map[string][][]any
	truncates []string
	inserts   []int // batch sizes in call order

	failInsertOn string // table name that fails InsertRows
	closed       bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tables: map[string][]storage.ColumnDef{},
		rows:   map[string][][]any{},
	}
}

func (f *fakeStore) Close() { f.closed = true }

func (f *fakeStore) EnsureTable(_ context.Context, table string, columns []storage.ColumnDef) error {
	existing := f.tables[table]
	have := map[string]bool{}
	for _, c := range existing {
		have[c.Name] = true
	}
	for _, c := range columns {
		if !have[c.Name] {
			existing = append(existing, c)
		}
	}
	f.tables[table] = existing
	return nil
}

func (f *fakeStore) Truncate(_ context.Context, table string) error {
	f.truncates = append(f.truncates, table)
	f.rows[table] = nil
	return nil
}

func (f *fakeStore) InsertRows(_ context.Context, table string, _ []string, rows [][]any) (int64, error) {
	if table == f.failInsertOn {
		return 0, errors.New("disk full")
	}
	f.inserts = append(f.inserts, len(rows))
	f.rows[table] = append(f.rows[table], rows...)
	return int64(len(rows)), nil
}

func (f *fakeStore) ListTables(context.Context) ([]string, error) {
	out := make([]string, 0, len(f.tables))
	for t := range f.tables {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeStore) CountRows(_ context.Context, table string) (int64, error) {
	if _, ok := f.tables[table]; !ok {
		return 0, storage.ErrTableNotFound
	}
	return int64(len(f.rows[table])), nil
}

func (f *fakeStore) TableColumns(_ context.Context, table string) ([]storage.ColumnDef, error) {
	cols, ok := f.tables[table]
	if !ok {
		return nil, storage.ErrTableNotFound
	}
	return cols, nil
}

func (f *fakeStore) FetchPage(context.Context, string, storage.PageOptions) (storage.Page, error) {
	return storage.Page{}, errors.New("not implemented")
}

func newTestRunner(root string, st *fakeStore, batch int) *Runner {
	r := NewRunner(storage.Config{Kind: "sqlite", DSN: ":memory:"}, Options{Root: root, BatchSize: batch})
	r.NewStore = func(context.Context) (storage.Store, error) { return st, nil }
	return r
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestRunEmptyRoot(t *testing.T) {
	t.Parallel()

	r := newTestRunner(t.TempDir(), newFakeStore(), 0)
	sum, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Message != "No JSON files found" {
		t.Fatalf("message = %q", sum.Message)
	}
	if len(sum.Files) != 0 {
		t.Fatalf("files = %+v", sum.Files)
	}
}

func TestRunMissingRoot(t *testing.T) {
	t.Parallel()

	r := newTestRunner(filepath.Join(t.TempDir(), "nope"), newFakeStore(), 0)
	sum, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Message != "No JSON files found" {
		t.Fatalf("message = %q", sum.Message)
	}
}

// TestRunSingleFile covers the happy path end to end: dataset and table
// naming, schema inference across rows, coercion, and the summary shape.
func TestRunSingleFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "People Data.json", `{
		"people": [
			{"id": 1, "name": "Ada", "joined": "2024-01-15T10:00:00Z"},
			{"id": 2, "name": "Grace", "joined": null, "extra": {"k": "v"}}
		]
	}`)

	st := newFakeStore()
	r := newTestRunner(dir, st, 0)

	sum, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sum.Files) != 1 {
		t.Fatalf("files = %+v", sum.Files)
	}

	fr := sum.Files[0]
	if fr.Dataset != "people_data" || fr.Error != "" {
		t.Fatalf("file result = %+v", fr)
	}
	if len(fr.Sheets) != 1 {
		t.Fatalf("sheets = %+v", fr.Sheets)
	}

	sh := fr.Sheets[0]
	if sh.Table != "people_data__people" || sh.Inserted != 2 {
		t.Fatalf("sheet = %+v", sh)
	}
	want := map[string]string{"id": "INTEGER", "name": "TEXT", "joined": "DATETIME", "extra": "TEXT"}
	for k, v := range want {
		if sh.Columns[k] != v {
			t.Fatalf("column %s = %q, want %q", k, sh.Columns[k], v)
		}
	}

	rows := st.rows["people_data__people"]
	if len(rows) != 2 {
		t.Fatalf("stored rows = %+v", rows)
	}
	// Columns are id, name, joined, extra in first-seen order. Missing keys
	// insert as nil.
	if rows[0][2] != "2024-01-15T10:00:00+00:00" {
		t.Fatalf("row 0 joined = %#v", rows[0][2])
	}
	if rows[0][3] != nil {
		t.Fatalf("row 0 extra = %#v", rows[0][3])
	}
	if rows[1][2] != nil || rows[1][3] != `{"k":"v"}` {
		t.Fatalf("row 1 = %#v", rows[1])
	}
}

// TestRunIdempotent: the same file ingested twice truncates and reloads,
// never duplicating rows.
func TestRunIdempotent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "items.json", `[{"a": 1}, {"a": 2}]`)

	st := newFakeStore()
	r := newTestRunner(dir, st, 0)

	for i := 0; i < 2; i++ {
		if _, err := r.Run(context.Background()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	if got := len(st.rows["items__data"]); got != 2 {
		t.Fatalf("rows after two runs = %d, want 2", got)
	}
	if len(st.truncates) != 2 {
		t.Fatalf("truncates = %v", st.truncates)
	}
}

// TestRunFileIsolation: a malformed file is reported with an opaque kind and
// does not stop other files from loading.
func TestRunFileIsolation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "bad.json", `{"broken": [`)
	writeFile(t, dir, "good.json", `[{"x": 1}]`)

	st := newFakeStore()
	r := newTestRunner(dir, st, 0)

	sum, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sum.Files) != 2 {
		t.Fatalf("files = %+v", sum.Files)
	}

	byDataset := map[string]FileResult{}
	for _, f := range sum.Files {
		byDataset[f.Dataset] = f
	}
	if byDataset["bad"].Error != "invalid_json" {
		t.Fatalf("bad error = %q", byDataset["bad"].Error)
	}
	if byDataset["good"].Error != "" || len(byDataset["good"].Sheets) != 1 {
		t.Fatalf("good = %+v", byDataset["good"])
	}
	if got := len(st.rows["good__data"]); got != 1 {
		t.Fatalf("good rows = %d", got)
	}
}

// TestRunStorageErrorKind: backend failures surface as storage_error for the
// file, and the run continues.
func TestRunStorageErrorKind(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "a.json", `[{"x": 1}]`)

	st := newFakeStore()
	st.failInsertOn = "a__data"
	r := newTestRunner(dir, st, 0)

	sum, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Files[0].Error != "storage_error" {
		t.Fatalf("error = %q", sum.Files[0].Error)
	}
}

func TestRunBatching(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "n.json", `[{"a":1},{"a":2},{"a":3},{"a":4},{"a":5}]`)

	st := newFakeStore()
	r := newTestRunner(dir, st, 2)

	sum, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Files[0].Sheets[0].Inserted != 5 {
		t.Fatalf("inserted = %d", sum.Files[0].Sheets[0].Inserted)
	}
	wantBatches := []int{2, 2, 1}
	if len(st.inserts) != len(wantBatches) {
		t.Fatalf("insert calls = %v", st.inserts)
	}
	for i, w := range wantBatches {
		if st.inserts[i] != w {
			t.Fatalf("batch %d = %d, want %d", i, st.inserts[i], w)
		}
	}
}

// TestRunEmptySheet: a sheet with no usable rows still materializes its
// fallback table with zero rows.
func TestRunEmptySheet(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "empty.json", `{"stuff": []}`)

	st := newFakeStore()
	r := newTestRunner(dir, st, 0)

	sum, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	sh := sum.Files[0].Sheets[0]
	if sh.Table != "empty__stuff" || sh.Inserted != 0 {
		t.Fatalf("sheet = %+v", sh)
	}
	if sh.Columns["_row"] != "TEXT" {
		t.Fatalf("columns = %+v", sh.Columns)
	}
	if _, ok := st.tables["empty__stuff"]; !ok {
		t.Fatalf("table not created")
	}
}

func TestDiscoverJSONFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	old := writeFile(t, dir, "old.json", `[]`)
	newer := writeFile(t, dir, "newer.JSON", `[]`)
	writeFile(t, dir, "ignored.txt", "x")
	if err := os.Mkdir(filepath.Join(dir, "sub.json"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	base := time.Now().Add(-time.Hour)
	if err := os.Chtimes(old, base, base); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := os.Chtimes(newer, base.Add(time.Minute), base.Add(time.Minute)); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	got := discoverJSONFiles(dir)
	want := []string{newer, old}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("discover = %v, want %v", got, want)
	}
}

func TestDiscoverFollowsSymlinks(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	target := writeFile(t, t.TempDir(), "real.json", `[]`)
	link := filepath.Join(dir, "linked.json")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if err := os.Symlink(filepath.Join(dir, "absent"), filepath.Join(dir, "dangling.json")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	got := discoverJSONFiles(dir)
	want := []string{link}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("discover = %v, want %v", got, want)
	}
}
