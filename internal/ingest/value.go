// Package ingest implements the schema-inference and safe-materialization
// engine that loads heterogeneous JSON documents into relational tables.
//
// The engine is responsible for:
//   - Normalizing arbitrary names into safe, bounded identifiers
//   - Folding a widening type lattice over observed column values
//   - Coercing raw JSON values into the inferred storage representation
//   - Materializing tables additively and reloading them truncate-then-insert
//   - Driving a whole-directory ingestion run with per-file failure isolation
//
// Design constraints:
//   - Coercion is best-effort and must never fail a run; values that do not
//     fit their inferred type degrade to a text representation.
//   - A run is sequential: one store, one writer, no parallel files or sheets.
//   - The engine knows nothing about HTTP or processes; it takes a root
//     directory and a storage handle and returns a structured summary.
package ingest

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Kind discriminates the closed set of JSON value shapes the engine handles.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindObject
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	default:
		return "invalid"
	}
}

// Value is a tagged variant holding one decoded JSON value.
//
// Exactly one payload field is meaningful, selected by Kind. Objects and
// arrays are opaque to inference and coercion; they carry their compact JSON
// serialization in Composite so TEXT coercion is lossless and preserves the
// original key order.
type Value struct {
	Kind      Kind
	Bool      bool
	Int       int64
	Float     float64
	Str       string
	Composite json.RawMessage
}

// Null is the canonical null value.
var Null = Value{Kind: KindNull}

func boolValue(b bool) Value     { return Value{Kind: KindBool, Bool: b} }
func stringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// numberValue converts a json.Number token into an int or float variant.
// Integral literals (no fraction, no exponent) become KindInt; everything
// else becomes KindFloat. Literals that overflow int64 fall back to float.
func numberValue(n json.Number) Value {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Value{Kind: KindInt, Int: i}
		}
	}
	f, err := n.Float64()
	if err != nil {
		// Malformed number tokens cannot come out of encoding/json, but the
		// variant must stay total: keep the literal as text.
		return stringValue(s)
	}
	return Value{Kind: KindFloat, Float: f}
}

// textForm renders a value the way it is stored under TEXT affinity:
// composites as compact JSON, scalars as their plain string form.
func textForm(v Value) string {
	switch v.Kind {
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindString:
		return v.Str
	case KindObject, KindArray:
		return string(v.Composite)
	default:
		return ""
	}
}
