package ingest

import "strings"

// MaxIdentifierLen bounds each normalized identifier segment. A combined
// "<dataset>__<sheet>" table name joins two bounded segments, so its length
// is bounded too.
const MaxIdentifierLen = 60

// NormalizeIdentifier converts an arbitrary string into a safe, lowercase
// relational identifier.
//
// Every maximal run of characters outside [0-9a-zA-Z] collapses into a single
// underscore; leading and trailing underscores are stripped, the result is
// lowercased and truncated to MaxIdentifierLen bytes. An empty result yields
// the literal fallback "unnamed".
//
// The function is pure and deterministic. Column identity across rows depends
// on that: two raw keys denote the same column exactly when their normalized
// forms are equal.
func NormalizeIdentifier(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))

	lastUnderscore := false
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}

	s := strings.Trim(b.String(), "_")
	if s == "" {
		return "unnamed"
	}
	if len(s) > MaxIdentifierLen {
		s = s[:MaxIdentifierLen]
	}
	return s
}

// SafeIdentifier reports whether s is usable as a relational identifier
// without quoting surprises: non-empty, only [a-z0-9_], at most
// MaxIdentifierLen bytes.
//
// This is a defense-in-depth check before any identifier reaches SQL text;
// every name the engine produces already satisfies it by construction.
func SafeIdentifier(s string) bool {
	if s == "" || len(s) > MaxIdentifierLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' {
			continue
		}
		return false
	}
	return true
}
