package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"datapreview/internal/ingest"
	"datapreview/internal/metrics"
	"datapreview/internal/storage"
)

// fakeStore serves canned tables so handlers can be exercised without a
// database.
type fakeStore struct {
	tables  map[string][]storage.ColumnDef
	counts  map[string]int64
	page    storage.Page
	pageErr error

	lastTable string
	lastOpts  storage.PageOptions
	closed    bool
}

func (f *fakeStore) Close() { f.closed = true }

func (f *fakeStore) EnsureTable(context.Context, string, []storage.ColumnDef) error { return nil }
func (f *fakeStore) Truncate(context.Context, string) error                         { return nil }
func (f *fakeStore) InsertRows(context.Context, string, []string, [][]any) (int64, error) {
	return 0, nil
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
	return f.counts[table], nil
}

func (f *fakeStore) TableColumns(_ context.Context, table string) ([]storage.ColumnDef, error) {
	cols, ok := f.tables[table]
	if !ok {
		return nil, storage.ErrTableNotFound
	}
	return cols, nil
}

func (f *fakeStore) FetchPage(_ context.Context, table string, opt storage.PageOptions) (storage.Page, error) {
	if _, ok := f.tables[table]; !ok {
		return storage.Page{}, storage.ErrTableNotFound
	}
	f.lastTable = table
	f.lastOpts = opt
	if f.pageErr != nil {
		return storage.Page{}, f.pageErr
	}
	return f.page, nil
}

func newTestServer(st *fakeStore, secret string) *Server {
	return &Server{
		NewStore: func(context.Context) (storage.Store, error) { return st, nil },
		RunIngest: func(context.Context) (ingest.Summary, error) {
			return ingest.Summary{Root: "data", Files: []ingest.FileResult{}}, nil
		},
		adminSecret: secret,
		metrics:     metrics.Noop(),
	}
}

func doRequest(t *testing.T, s *Server, method, target, remoteAddr, secret string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	if secret != "" {
		req.Header.Set("X-Admin-Secret", secret)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeStore{}, "")
	rec := doRequest(t, s, http.MethodGet, "/", "", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "Healthy", body["message"])
}

func TestIngestAuth(t *testing.T) {
	t.Parallel()

	t.Run("secret required when configured", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(&fakeStore{}, "s3cret")

		rec := doRequest(t, s, http.MethodPost, "/admin/ingest-json", "10.0.0.9:1234", "")
		require.Equal(t, http.StatusUnauthorized, rec.Code)

		rec = doRequest(t, s, http.MethodPost, "/admin/ingest-json", "10.0.0.9:1234", "wrong")
		require.Equal(t, http.StatusUnauthorized, rec.Code)

		rec = doRequest(t, s, http.MethodPost, "/admin/ingest-json", "10.0.0.9:1234", "s3cret")
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("loopback only without secret", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(&fakeStore{}, "")

		rec := doRequest(t, s, http.MethodPost, "/admin/ingest-json", "192.0.2.1:1234", "")
		require.Equal(t, http.StatusUnauthorized, rec.Code)

		rec = doRequest(t, s, http.MethodPost, "/admin/ingest-json", "127.0.0.1:9999", "")
		require.Equal(t, http.StatusOK, rec.Code)

		rec = doRequest(t, s, http.MethodPost, "/admin/ingest-json", "[::1]:9999", "")
		require.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestIngestReturnsSummary(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeStore{}, "")
	s.RunIngest = func(context.Context) (ingest.Summary, error) {
		return ingest.Summary{Root: "/srv/data", Files: []ingest.FileResult{}, Message: "No JSON files found"}, nil
	}

	rec := doRequest(t, s, http.MethodPost, "/admin/ingest-json", "127.0.0.1:1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var sum ingest.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	require.Equal(t, "/srv/data", sum.Root)
	require.Equal(t, "No JSON files found", sum.Message)
}

func TestDatasets(t *testing.T) {
	t.Parallel()

	st := &fakeStore{tables: map[string][]storage.ColumnDef{
		"people__people": {{Name: "id", Type: "INTEGER"}},
		"people__teams":  {{Name: "name", Type: "TEXT"}},
		"sales__q1":      {{Name: "amount", Type: "REAL"}},
		"not_a_preview":  {{Name: "x", Type: "TEXT"}},
	}}
	s := newTestServer(st, "")

	rec := doRequest(t, s, http.MethodGet, "/datasets", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var items []datasetItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 2)
	require.Equal(t, "people", items[0].Dataset)
	require.Equal(t, []string{"people__people", "people__teams"}, items[0].Tables)
	require.Equal(t, "sales", items[1].Dataset)
	require.True(t, st.closed)
}

func TestSheets(t *testing.T) {
	t.Parallel()

	st := &fakeStore{
		tables: map[string][]storage.ColumnDef{
			"people__people": {{Name: "id", Type: "INTEGER"}},
			"people__teams":  {{Name: "name", Type: "TEXT"}},
			"sales__q1":      {{Name: "amount", Type: "REAL"}},
		},
		counts: map[string]int64{"people__people": 7, "people__teams": 2},
	}
	s := newTestServer(st, "")

	rec := doRequest(t, s, http.MethodGet, "/datasets/people/sheets", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var infos []sheetInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	require.Equal(t, []sheetInfo{
		{Sheet: "people", Table: "people__people", Count: 7},
		{Sheet: "teams", Table: "people__teams", Count: 2},
	}, infos)
}

func TestRows(t *testing.T) {
	t.Parallel()

	st := &fakeStore{
		tables: map[string][]storage.ColumnDef{
			"people__people": {{Name: "id", Type: "INTEGER"}, {Name: "name", Type: "TEXT"}},
		},
		page: storage.Page{Total: 1, Rows: []map[string]any{{"id": int64(1), "name": "Ada"}}},
	}
	s := newTestServer(st, "")

	rec := doRequest(t, s, http.MethodGet,
		"/datasets/people/sheets/people/rows?limit=10&offset=5&search=ad&order_by=name&order_dir=DESC", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, "people__people", st.lastTable)
	require.Equal(t, storage.PageOptions{
		Limit: 10, Offset: 5, Search: "ad", OrderBy: "name", OrderDesc: true,
	}, st.lastOpts)

	var page rowPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Equal(t, int64(1), page.Total)
	require.Equal(t, 10, page.Limit)
	require.Equal(t, 5, page.Offset)
	require.Len(t, page.Rows, 1)
}

func TestRowsParamValidation(t *testing.T) {
	t.Parallel()

	st := &fakeStore{tables: map[string][]storage.ColumnDef{
		"d__s": {{Name: "a", Type: "TEXT"}},
	}}
	s := newTestServer(st, "")

	for _, target := range []string{
		"/datasets/d/sheets/s/rows?limit=0",
		"/datasets/d/sheets/s/rows?limit=201",
		"/datasets/d/sheets/s/rows?limit=abc",
		"/datasets/d/sheets/s/rows?offset=-1",
		"/datasets/d/sheets/s/rows?order_dir=sideways",
	} {
		rec := doRequest(t, s, http.MethodGet, target, "", "")
		require.Equalf(t, http.StatusBadRequest, rec.Code, "target %s", target)
	}
}

func TestRowsErrors(t *testing.T) {
	t.Parallel()

	st := &fakeStore{tables: map[string][]storage.ColumnDef{
		"d__s": {{Name: "a", Type: "TEXT"}},
	}}
	s := newTestServer(st, "")

	rec := doRequest(t, s, http.MethodGet, "/datasets/missing/sheets/s/rows", "", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	st.pageErr = storage.ErrUnknownColumn
	rec = doRequest(t, s, http.MethodGet, "/datasets/d/sheets/s/rows?order_by=bad", "", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	st.pageErr = errors.New("boom")
	rec = doRequest(t, s, http.MethodGet, "/datasets/d/sheets/s/rows", "", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSchema(t *testing.T) {
	t.Parallel()

	st := &fakeStore{tables: map[string][]storage.ColumnDef{
		"people__people": {{Name: "id", Type: "INTEGER"}, {Name: "name", Type: "TEXT"}},
	}}
	s := newTestServer(st, "")

	rec := doRequest(t, s, http.MethodGet, "/schemas/people__people", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var ts tableSchema
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ts))
	require.Equal(t, "people__people", ts.Table)
	require.Len(t, ts.Columns, 2)

	rec = doRequest(t, s, http.MethodGet, "/schemas/missing", "", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
