// Package sqlite implements storage.Store on SQLite via modernc.org/sqlite,
// a pure-Go driver that needs no cgo.
//
// Notes on SQLite behavior this backend relies on:
//   - Declared column types (INTEGER, REAL, DATETIME, TEXT) are affinities,
//     not constraints; a text fallback value inserts cleanly into any column.
//   - DATETIME declarations get NUMERIC affinity and values round-trip as the
//     TEXT they were inserted as, which is exactly what the canonical ISO
//     rendering wants.
//   - LIKE is case-insensitive for ASCII by default, so search needs no
//     lower() wrapping.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"datapreview/internal/storage"
)

// Store implements storage.Store for SQLite.
type Store struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

// New opens (creating if needed) the SQLite database at cfg.DSN.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlite: empty DSN")
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	// Pragmas apply per connection; a single pooled connection keeps them in
	// force for every statement (and serializes writers, which SQLite wants).
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, pragma := range []string{
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() { _ = s.db.Close() }

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func checkIdents(table string, columns []string) error {
	if !storage.ValidIdent(table) {
		return fmt.Errorf("sqlite: unsafe table name %q", table)
	}
	for _, c := range columns {
		if !storage.ValidIdent(c) {
			return fmt.Errorf("sqlite: unsafe column name %q", c)
		}
	}
	return nil
}

// EnsureTable creates the table if absent and adds any missing columns.
// Existing columns are never retyped or dropped.
func (s *Store) EnsureTable(ctx context.Context, table string, columns []storage.ColumnDef) error {
	names := make([]string, 0, len(columns))
	for _, c := range columns {
		names = append(names, c.Name)
	}
	if err := checkIdents(table, names); err != nil {
		return err
	}
	if len(columns) == 0 {
		return fmt.Errorf("sqlite: table %s needs at least one column", table)
	}

	defs := make([]string, 0, len(columns))
	for _, c := range columns {
		defs = append(defs, sqlIdent(c.Name)+" "+c.Type)
	}
	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);",
		sqlIdent(table), strings.Join(defs, ",\n  "))
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}

	existing, err := s.columnNames(ctx, table)
	if err != nil {
		return err
	}
	for _, c := range columns {
		if existing[c.Name] {
			continue
		}
		alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
			sqlIdent(table), sqlIdent(c.Name), c.Type)
		if _, err := s.db.ExecContext(ctx, alter); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, c.Name, err)
		}
	}
	return nil
}

func (s *Store) Truncate(ctx context.Context, table string) error {
	if !storage.ValidIdent(table) {
		return fmt.Errorf("sqlite: unsafe table name %q", table)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM "+sqlIdent(table)); err != nil {
		return fmt.Errorf("truncate %s: %w", table, err)
	}
	return nil
}

func (s *Store) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := checkIdents(table, columns); err != nil {
		return 0, err
	}

	colList := make([]string, 0, len(columns))
	for _, c := range columns {
		colList = append(colList, sqlIdent(c))
	}
	placeholders := "(" + strings.TrimRight(strings.Repeat("?,", len(columns)), ",") + ")"

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	b.WriteString(strings.Join(colList, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if len(row) != len(columns) {
			return 0, fmt.Errorf("sqlite: row %d has %d values, want %d", i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		args = append(args, row...)
	}

	res, err := s.db.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("insert into %s: %w", table, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	if _, err := s.TableColumns(ctx, table); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+sqlIdent(table)).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// TableColumns reads the live schema via PRAGMA table_info, which reports
// columns in table order.
func (s *Store) TableColumns(ctx context.Context, table string) ([]storage.ColumnDef, error) {
	if !storage.ValidIdent(table) {
		return nil, fmt.Errorf("sqlite: unsafe table name %q", table)
	}
	rows, err := s.db.QueryContext(ctx, "PRAGMA table_info("+sqlIdent(table)+")")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []storage.ColumnDef
	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, storage.ColumnDef{Name: name, Type: strings.ToUpper(typ)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s", storage.ErrTableNotFound, table)
	}
	return cols, nil
}

func (s *Store) columnNames(ctx context.Context, table string) (map[string]bool, error) {
	cols, err := s.TableColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(cols))
	for _, c := range cols {
		out[c.Name] = true
	}
	return out, nil
}

// FetchPage returns one page of rows. Search applies LIKE over the TEXT
// columns; OrderBy must name a live column.
func (s *Store) FetchPage(ctx context.Context, table string, opt storage.PageOptions) (storage.Page, error) {
	cols, err := s.TableColumns(ctx, table)
	if err != nil {
		return storage.Page{}, err
	}

	where := ""
	var args []any
	if opt.Search != "" {
		var parts []string
		for _, c := range cols {
			if c.Type != "TEXT" {
				continue
			}
			parts = append(parts, sqlIdent(c.Name)+" LIKE ?")
			args = append(args, "%"+opt.Search+"%")
		}
		if len(parts) > 0 {
			where = " WHERE " + strings.Join(parts, " OR ")
		}
	}

	var total int64
	countQ := "SELECT COUNT(*) FROM " + sqlIdent(table) + where
	if err := s.db.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return storage.Page{}, err
	}

	order := ""
	if opt.OrderBy != "" {
		found := false
		for _, c := range cols {
			if c.Name == opt.OrderBy {
				found = true
				break
			}
		}
		if !found {
			return storage.Page{}, fmt.Errorf("%w: %s", storage.ErrUnknownColumn, opt.OrderBy)
		}
		order = " ORDER BY " + sqlIdent(opt.OrderBy)
		if opt.OrderDesc {
			order += " DESC"
		} else {
			order += " ASC"
		}
	}

	q := "SELECT * FROM " + sqlIdent(table) + where + order + " LIMIT ? OFFSET ?"
	qargs := append(append([]any{}, args...), opt.Limit, opt.Offset)

	rows, err := s.db.QueryContext(ctx, q, qargs...)
	if err != nil {
		return storage.Page{}, err
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return storage.Page{}, err
	}

	page := storage.Page{Total: total, Rows: []map[string]any{}}
	for rows.Next() {
		vals := make([]any, len(names))
		scan := make([]any, len(names))
		for i := range vals {
			scan[i] = &vals[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return storage.Page{}, err
		}
		m := make(map[string]any, len(names))
		for i, n := range names {
			// The driver hands TEXT back as []byte; JSON encoding wants string.
			if b, ok := vals[i].([]byte); ok {
				m[n] = string(b)
			} else {
				m[n] = vals[i]
			}
		}
		page.Rows = append(page.Rows, m)
	}
	return page, rows.Err()
}
