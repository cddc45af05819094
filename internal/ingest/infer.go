package ingest

import (
	"strconv"
	"strings"
)

// ColumnType is the storage type inferred for a column. TypeUnknown is the
// lattice bottom and never reaches storage: folding at least one value (or an
// all-null column) always lands on a concrete type.
type ColumnType string

const (
	TypeUnknown  ColumnType = ""
	TypeInteger  ColumnType = "INTEGER"
	TypeReal     ColumnType = "REAL"
	TypeDatetime ColumnType = "DATETIME"
	TypeText     ColumnType = "TEXT"
)

// Widen folds one observed value into the current inferred type for a column.
//
// The precedence is deliberate and pinned by tests; in particular DATETIME is
// incomparable with the numeric types, and the first numeric observation wins
// over later datetime-looking strings:
//
//   - null keeps the current type, or TEXT when nothing has been seen yet
//   - bool and integral values propose INTEGER
//   - floats propose REAL and widen INTEGER
//   - datetime-looking strings propose DATETIME unless a numeric type holds
//   - numeric-looking strings propose INTEGER/REAL and may narrow TEXT
//   - any other string, and all objects/arrays, force TEXT
func Widen(current ColumnType, v Value) ColumnType {
	switch v.Kind {
	case KindNull:
		if current == TypeUnknown {
			return TypeText
		}
		return current

	case KindBool, KindInt:
		if current == TypeUnknown || current == TypeInteger {
			return TypeInteger
		}
		return current

	case KindFloat:
		if current == TypeUnknown || current == TypeInteger || current == TypeReal {
			return TypeReal
		}
		return current

	case KindString:
		return widenString(current, v.Str)

	default: // KindObject, KindArray
		return TypeText
	}
}

func widenString(current ColumnType, s string) ColumnType {
	if _, ok := parseISODatetime(s); ok {
		if current == TypeUnknown || current == TypeText || current == TypeDatetime {
			return TypeDatetime
		}
		return current
	}

	trimmed := strings.TrimSpace(s)
	if strings.Contains(trimmed, ".") {
		if _, err := strconv.ParseFloat(trimmed, 64); err == nil {
			if current == TypeUnknown || current == TypeInteger || current == TypeReal || current == TypeText {
				return TypeReal
			}
			return current
		}
		return TypeText
	}
	if _, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		if current == TypeUnknown || current == TypeInteger || current == TypeText {
			return TypeInteger
		}
		return current
	}
	return TypeText
}

// Column is one entry of an inferred sheet schema.
type Column struct {
	Name string
	Type ColumnType
}

// Schema is the ordered union of normalized keys observed across a sheet's
// rows. Order is first-seen document order, which keeps generated DDL and
// insert column lists deterministic.
type Schema struct {
	cols  []Column
	index map[string]int
}

// Columns returns the schema entries in first-seen order. The slice is shared;
// callers must not mutate it.
func (s *Schema) Columns() []Column { return s.cols }

// Len returns the number of columns.
func (s *Schema) Len() int { return len(s.cols) }

// Type returns the inferred type for a normalized column name.
func (s *Schema) Type(name string) (ColumnType, bool) {
	i, ok := s.index[name]
	if !ok {
		return TypeUnknown, false
	}
	return s.cols[i].Type, true
}

func (s *Schema) observe(name string, v Value) {
	i, ok := s.index[name]
	if !ok {
		i = len(s.cols)
		s.cols = append(s.cols, Column{Name: name})
		s.index[name] = i
	}
	s.cols[i].Type = Widen(s.cols[i].Type, v)
}

// fallbackColumn names the single TEXT column a sheet gets when none of its
// rows is a usable mapping.
const fallbackColumn = "_row"

// InferSchema folds Widen over every field of every valid row. Non-mapping
// rows contribute nothing. A sheet with zero valid rows still materializes,
// with the single fallback column.
func InferSchema(rows []Row) *Schema {
	s := &Schema{index: make(map[string]int)}
	for _, r := range rows {
		if !r.OK {
			continue
		}
		for _, f := range r.Fields {
			s.observe(f.Norm, f.Value)
		}
	}
	if len(s.cols) == 0 {
		s.observe(fallbackColumn, stringValue(""))
		s.cols[0].Type = TypeText
	}
	return s
}
