// Package metrics defines the minimal metrics surface the ingestion engine
// and HTTP layer emit into. Concrete backends (see metrics/datadog) buffer
// and ship the values; the no-op backend makes instrumentation free when
// metrics are disabled.
package metrics

// Labels attach low-cardinality dimensions to a metric observation.
type Labels map[string]string

// Metric names understood by the backends. Unknown names are ignored by
// design, so call sites never need feature checks.
const (
	// FilesTotal counts processed source files. Labels: status=ok|error.
	FilesTotal = "ingest_files_total"
	// RowsTotal counts inserted rows. Labels: dataset.
	RowsTotal = "ingest_rows_total"
	// BatchesTotal counts insert batches flushed to storage.
	BatchesTotal = "ingest_batches_total"
	// FileDurationSeconds observes per-file processing time. Labels: status.
	FileDurationSeconds = "ingest_file_duration_seconds"
	// HTTPRequestsTotal counts API requests. Labels: status (class, e.g. 2xx).
	HTTPRequestsTotal = "api_http_requests_total"
	// HTTPRequestDurationSeconds observes API request latency. Labels: status.
	HTTPRequestDurationSeconds = "api_http_request_duration_seconds"
)

// Backend receives metric observations. Implementations must be safe for
// concurrent use; Flush and Close ship anything buffered.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
	Close() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }
func (nopBackend) Close() error                             { return nil }

// Noop returns a backend that discards everything.
func Noop() Backend { return nopBackend{} }
