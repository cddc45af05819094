// Package postgres implements storage.Store on PostgreSQL via pgxpool.
//
// Differences from the sqlite backend a caller should know about:
//   - Postgres types are strict. Inferred types map to bigint, double
//     precision, timestamptz and text; a text fallback value aimed at a
//     non-text column fails the insert and surfaces as a storage error for
//     that file.
//   - ILIKE replaces LIKE for search, matching sqlite's case-insensitive
//     default.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"datapreview/internal/storage"
)

// Store implements storage.Store for PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

// New opens a connection pool against cfg.DSN and verifies connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres: empty DSN")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func checkIdents(table string, columns []string) error {
	if !storage.ValidIdent(table) {
		return fmt.Errorf("postgres: unsafe table name %q", table)
	}
	for _, c := range columns {
		if !storage.ValidIdent(c) {
			return fmt.Errorf("postgres: unsafe column name %q", c)
		}
	}
	return nil
}

// pgType maps an inferred storage type to the Postgres column type.
func pgType(t string) string {
	switch t {
	case "INTEGER":
		return "bigint"
	case "REAL":
		return "double precision"
	case "DATETIME":
		return "timestamptz"
	default:
		return "text"
	}
}

// storageType maps a live Postgres column type back to the inferred vocabulary
// so introspection reports the same names as the sqlite backend.
func storageType(pg string) string {
	switch strings.ToLower(pg) {
	case "bigint", "integer", "smallint":
		return "INTEGER"
	case "double precision", "real", "numeric":
		return "REAL"
	case "timestamp with time zone", "timestamp without time zone":
		return "DATETIME"
	default:
		return "TEXT"
	}
}

func (s *Store) EnsureTable(ctx context.Context, table string, columns []storage.ColumnDef) error {
	names := make([]string, 0, len(columns))
	for _, c := range columns {
		names = append(names, c.Name)
	}
	if err := checkIdents(table, names); err != nil {
		return err
	}
	if len(columns) == 0 {
		return fmt.Errorf("postgres: table %s needs at least one column", table)
	}

	defs := make([]string, 0, len(columns))
	for _, c := range columns {
		defs = append(defs, sqlIdent(c.Name)+" "+pgType(c.Type))
	}
	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)",
		sqlIdent(table), strings.Join(defs, ",\n  "))
	if _, err := s.pool.Exec(ctx, create); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}

	for _, c := range columns {
		alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
			sqlIdent(table), sqlIdent(c.Name), pgType(c.Type))
		if _, err := s.pool.Exec(ctx, alter); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, c.Name, err)
		}
	}
	return nil
}

func (s *Store) Truncate(ctx context.Context, table string) error {
	if !storage.ValidIdent(table) {
		return fmt.Errorf("postgres: unsafe table name %q", table)
	}
	if _, err := s.pool.Exec(ctx, "DELETE FROM "+sqlIdent(table)); err != nil {
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

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	b.WriteString(strings.Join(colList, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	n := 1
	for i, row := range rows {
		if len(row) != len(columns) {
			return 0, fmt.Errorf("postgres: row %d has %d values, want %d", i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range row {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", n)
			n++
		}
		b.WriteString(")")
		args = append(args, row...)
	}

	tag, err := s.pool.Exec(ctx, b.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("insert into %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
		 ORDER BY table_name`)
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
	var count int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+sqlIdent(table)).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) TableColumns(ctx context.Context, table string) ([]storage.ColumnDef, error) {
	if !storage.ValidIdent(table) {
		return nil, fmt.Errorf("postgres: unsafe table name %q", table)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT column_name, data_type FROM information_schema.columns
		 WHERE table_schema = 'public' AND table_name = $1
		 ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []storage.ColumnDef
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, err
		}
		cols = append(cols, storage.ColumnDef{Name: name, Type: storageType(typ)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s", storage.ErrTableNotFound, table)
	}
	return cols, nil
}

func (s *Store) FetchPage(ctx context.Context, table string, opt storage.PageOptions) (storage.Page, error) {
	cols, err := s.TableColumns(ctx, table)
	if err != nil {
		return storage.Page{}, err
	}

	where := ""
	var args []any
	n := 1
	if opt.Search != "" {
		var parts []string
		for _, c := range cols {
			if c.Type != "TEXT" {
				continue
			}
			parts = append(parts, fmt.Sprintf("%s ILIKE $%d", sqlIdent(c.Name), n))
			args = append(args, "%"+opt.Search+"%")
			n++
		}
		if len(parts) > 0 {
			where = " WHERE " + strings.Join(parts, " OR ")
		}
	}

	var total int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+sqlIdent(table)+where, args...).Scan(&total); err != nil {
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

	q := fmt.Sprintf("SELECT * FROM %s%s%s LIMIT $%d OFFSET $%d",
		sqlIdent(table), where, order, n, n+1)
	qargs := append(append([]any{}, args...), opt.Limit, opt.Offset)

	rows, err := s.pool.Query(ctx, q, qargs...)
	if err != nil {
		return storage.Page{}, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	page := storage.Page{Total: total, Rows: []map[string]any{}}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return storage.Page{}, err
		}
		m := make(map[string]any, len(fields))
		for i, f := range fields {
			m[string(f.Name)] = vals[i]
		}
		page.Rows = append(page.Rows, m)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return storage.Page{}, err
	}
	return page, nil
}
