package ingest

import (
	"fmt"
	"strings"
	"time"
)

// isoTime is a parsed ISO-8601 datetime that remembers whether the source
// carried a UTC offset. Naive and aware datetimes re-emit differently, so the
// distinction must survive parsing.
type isoTime struct {
	t         time.Time
	hasOffset bool
}

// Layout order matters: offset-carrying layouts must be tried first so a
// trailing "Z" or "+02:00" is not silently dropped by a naive layout.
var isoOffsetLayouts = []string{
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04Z07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04Z07:00",
}

var isoNaiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseISODatetime parses the ISO-8601 forms the engine accepts: a date with
// optional time (T or space separator), optional fractional seconds, and an
// optional offset where a trailing "Z" means UTC.
func parseISODatetime(s string) (isoTime, bool) {
	s = strings.TrimSpace(s)
	if len(s) < len("2006-01-02") {
		return isoTime{}, false
	}
	for _, layout := range isoOffsetLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return isoTime{t: t, hasOffset: true}, true
		}
	}
	for _, layout := range isoNaiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return isoTime{t: t}, true
		}
	}
	return isoTime{}, false
}

// canonicalISO renders the storage form of a datetime:
// "2006-01-02T15:04:05[.ffffff][±hh:mm]". Fractional seconds appear only when
// non-zero, the offset only when the source had one ("Z" becomes "+00:00").
// The output re-parses to an equivalent instant.
func canonicalISO(it isoTime) string {
	out := it.t.Format("2006-01-02T15:04:05")
	if us := it.t.Nanosecond() / 1000; us != 0 {
		out += fmt.Sprintf(".%06d", us)
	}
	if it.hasOffset {
		out += it.t.Format("-07:00")
	}
	return out
}
