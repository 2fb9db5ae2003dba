package merklekv

// Metrics is the injectable counter/gauge sink used by components that
// need to record a count or outcome (LWW anomalies, Publisher overflow,
// Applicator applied/skipped/conflict/anomaly counts, anti-entropy
// session outcomes). It intentionally stays tiny: a full OpenTelemetry
// pipeline is not wired here (see DESIGN.md) because nothing in this
// module's scope needs traces or an exporter, only counters a host
// process can read.
type Metrics interface {
	// Inc increments the named counter by delta (delta may be 0 to just
	// register the name).
	Inc(name string, delta int64)
	// Set records the current value of the named gauge.
	Set(name string, value int64)
}

// NopMetrics discards everything. It is the default when no Metrics is
// supplied at construction.
type NopMetrics struct{}

func (NopMetrics) Inc(string, int64) {}
func (NopMetrics) Set(string, int64) {}
