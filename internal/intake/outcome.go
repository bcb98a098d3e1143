package intake

import (
	"sync"

	"wis2sub/pkg/metrics"
)

// Status is the terminal result of one message's trip through the pipeline.
type Status string

const (
	StatusDecodeFailed     Status = "decode-failed"
	StatusValidationFailed Status = "validation-failed"
	StatusFilteredOut      Status = "filtered-out"
	StatusDispatched       Status = "dispatched"
	StatusDispatchFailed   Status = "dispatch-failed"
)

// Outcome is produced exactly once per processed message.
type Outcome struct {
	Topic  string
	Status Status
	Err    error
}

// Reporter observes outcomes. Implementations must not feed back into
// filtering or dispatch decisions.
type Reporter interface {
	Record(outcome Outcome)
}

// MetricsReporter tallies outcomes into prometheus counters.
type MetricsReporter struct{}

func NewMetricsReporter() *MetricsReporter {
	return &MetricsReporter{}
}

func (r *MetricsReporter) Record(outcome Outcome) {
	metrics.PipelineOutcomesTotal.WithLabelValues(string(outcome.Status)).Inc()
}

// CounterReporter keeps an in-memory tally for the status endpoint and for
// the final shutdown summary.
type CounterReporter struct {
	mu     sync.Mutex
	counts map[Status]uint64
}

func NewCounterReporter() *CounterReporter {
	return &CounterReporter{counts: make(map[Status]uint64)}
}

func (r *CounterReporter) Record(outcome Outcome) {
	r.mu.Lock()
	r.counts[outcome.Status]++
	r.mu.Unlock()
}

// Snapshot returns a copy of the current tallies.
func (r *CounterReporter) Snapshot() map[Status]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[Status]uint64, len(r.counts))
	for status, count := range r.counts {
		out[status] = count
	}
	return out
}

// MultiReporter fans one outcome out to several reporters.
type MultiReporter []Reporter

func (m MultiReporter) Record(outcome Outcome) {
	for _, r := range m {
		r.Record(outcome)
	}
}

// NopReporter discards outcomes, for tests and optional wiring.
type NopReporter struct{}

func (NopReporter) Record(Outcome) {}
