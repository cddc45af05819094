package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// implicitSheet names the single sheet a document gets when its root is not a
// mapping (a bare array of rows, or a lone scalar).
const implicitSheet = "data"

// Field is one key/value pair of a row, in original document order. Norm is
// the normalized column name the key maps to; distinct keys may share a Norm,
// and the loader resolves that collision first-match-wins in field order.
type Field struct {
	Key   string
	Norm  string
	Value Value
}

// Row is one entry of a sheet's row sequence. Non-mapping entries parse into
// a Row with OK=false; they are skipped by inference and never inserted.
type Row struct {
	Fields []Field
	OK     bool
}

// Sheet is a named group of rows within one source document. Name is the raw
// sheet key; normalization happens when the table name is derived.
type Sheet struct {
	Name string
	Rows []Row
}

// ParseDocument decodes one source document into its sheets.
//
// A mapping root yields one sheet per top-level key; any other root is
// wrapped as the single implicit "data" sheet. A sheet value that is not an
// array is treated as a singleton row list.
//
// Decoding is token-level so that row key order survives: key-collision
// resolution and schema column order both depend on document order, which a
// map-based decode would destroy.
func ParseDocument(r io.Reader) ([]Sheet, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("document: empty input: %w", io.ErrUnexpectedEOF)
		}
		return nil, fmt.Errorf("document: %w", err)
	}

	var sheets []Sheet
	if d, ok := tok.(json.Delim); ok && d == '{' {
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("document: read sheet name: %w", err)
			}
			key, ok := keyTok.(string)
			if !ok {
				return nil, fmt.Errorf("document: sheet name not a string (got %T)", keyTok)
			}
			valTok, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("document: read sheet %q: %w", key, err)
			}
			rows, err := decodeSheetRows(dec, valTok)
			if err != nil {
				return nil, fmt.Errorf("document: sheet %q: %w", key, err)
			}
			sheets = append(sheets, Sheet{Name: key, Rows: rows})
		}
		if end, err := dec.Token(); err != nil {
			return nil, fmt.Errorf("document: read root end: %w", err)
		} else if end != json.Delim('}') {
			return nil, fmt.Errorf("document: expected '}', got %v", end)
		}
	} else {
		rows, err := decodeSheetRows(dec, tok)
		if err != nil {
			return nil, fmt.Errorf("document: %w", err)
		}
		sheets = []Sheet{{Name: implicitSheet, Rows: rows}}
	}

	// A document is exactly one JSON value; trailing content is malformed.
	if _, err := dec.Token(); err != io.EOF {
		if err != nil {
			return nil, fmt.Errorf("document: %w", err)
		}
		return nil, fmt.Errorf("document: trailing data after root value: %w", io.ErrUnexpectedEOF)
	}
	return sheets, nil
}

// decodeSheetRows decodes a sheet value whose first token is tok. Arrays
// stream element by element; any other value becomes a singleton row list.
func decodeSheetRows(dec *json.Decoder, tok json.Token) ([]Row, error) {
	if d, ok := tok.(json.Delim); ok && d == '[' {
		rows := []Row{}
		for dec.More() {
			t, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("read row: %w", err)
			}
			row, err := decodeRow(dec, t)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
		if end, err := dec.Token(); err != nil {
			return nil, fmt.Errorf("read rows end: %w", err)
		} else if end != json.Delim(']') {
			return nil, fmt.Errorf("expected ']', got %v", end)
		}
		return rows, nil
	}

	row, err := decodeRow(dec, tok)
	if err != nil {
		return nil, err
	}
	return []Row{row}, nil
}

func decodeRow(dec *json.Decoder, tok json.Token) (Row, error) {
	if d, ok := tok.(json.Delim); ok && d == '{' {
		fields, err := decodeFields(dec)
		if err != nil {
			return Row{}, err
		}
		return Row{Fields: fields, OK: true}, nil
	}
	// Not a mapping: consume the value so the stream stays aligned, then
	// return a row the rest of the engine will skip.
	if _, err := decodeValue(dec, tok); err != nil {
		return Row{}, err
	}
	return Row{}, nil
}

func decodeFields(dec *json.Decoder) ([]Field, error) {
	var fields []Field
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("read field key: %w", err)
		}
		key, ok := kt.(string)
		if !ok {
			return nil, fmt.Errorf("field key not a string (got %T)", kt)
		}
		vt, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("read field %q: %w", key, err)
		}
		val, err := decodeValue(dec, vt)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		fields = append(fields, Field{
			Key:   key,
			Norm:  NormalizeIdentifier(key),
			Value: val,
		})
	}
	if end, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("read row end: %w", err)
	} else if end != json.Delim('}') {
		return nil, fmt.Errorf("expected '}', got %v", end)
	}
	return fields, nil
}

// decodeValue builds a Value for the JSON value whose first token is tok.
// Composites are captured as compact JSON with original key order intact.
func decodeValue(dec *json.Decoder, tok json.Token) (Value, error) {
	switch t := tok.(type) {
	case json.Delim:
		kind := KindObject
		if t == '[' {
			kind = KindArray
		} else if t != '{' {
			return Null, fmt.Errorf("unexpected delimiter %q", t)
		}
		var buf bytes.Buffer
		if err := compactValue(dec, tok, &buf); err != nil {
			return Null, err
		}
		raw := make(json.RawMessage, buf.Len())
		copy(raw, buf.Bytes())
		return Value{Kind: kind, Composite: raw}, nil
	case nil:
		return Null, nil
	case bool:
		return boolValue(t), nil
	case json.Number:
		return numberValue(t), nil
	case string:
		return stringValue(t), nil
	default:
		return Null, fmt.Errorf("unexpected token %T", tok)
	}
}

// compactValue re-serializes the value whose first token is tok into buf as
// compact JSON, preserving object key order.
func compactValue(dec *json.Decoder, tok json.Token, buf *bytes.Buffer) error {
	d, ok := tok.(json.Delim)
	if !ok {
		return writeScalar(buf, tok)
	}

	switch d {
	case '{':
		buf.WriteByte('{')
		first := true
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return fmt.Errorf("read nested key: %w", err)
			}
			key, ok := kt.(string)
			if !ok {
				return fmt.Errorf("nested key not a string (got %T)", kt)
			}
			if !first {
				buf.WriteByte(',')
			}
			first = false
			if err := writeScalar(buf, key); err != nil {
				return err
			}
			buf.WriteByte(':')
			vt, err := dec.Token()
			if err != nil {
				return fmt.Errorf("read nested value: %w", err)
			}
			if err := compactValue(dec, vt, buf); err != nil {
				return err
			}
		}
		if end, err := dec.Token(); err != nil {
			return fmt.Errorf("read nested object end: %w", err)
		} else if end != json.Delim('}') {
			return fmt.Errorf("expected '}', got %v", end)
		}
		buf.WriteByte('}')
		return nil

	case '[':
		buf.WriteByte('[')
		first := true
		for dec.More() {
			vt, err := dec.Token()
			if err != nil {
				return fmt.Errorf("read nested element: %w", err)
			}
			if !first {
				buf.WriteByte(',')
			}
			first = false
			if err := compactValue(dec, vt, buf); err != nil {
				return err
			}
		}
		if end, err := dec.Token(); err != nil {
			return fmt.Errorf("read nested array end: %w", err)
		} else if end != json.Delim(']') {
			return fmt.Errorf("expected ']', got %v", end)
		}
		buf.WriteByte(']')
		return nil

	default:
		return fmt.Errorf("unexpected delimiter %q", d)
	}
}

func writeScalar(buf *bytes.Buffer, tok json.Token) error {
	switch t := tok.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(t.String())
	case string:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	default:
		return fmt.Errorf("unexpected scalar token %T", tok)
	}
	return nil
}
