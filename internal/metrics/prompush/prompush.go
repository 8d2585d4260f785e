// Package prompush implements a Prometheus Pushgateway backend for the
// metrics package. Import runs are short-lived batch jobs, so metrics are
// pushed at the end of the run rather than exposed on a scrape endpoint.
//
// All Prometheus-specific dependencies live here so the rest of the project
// stays decoupled from the concrete metric system.
package prompush

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"itemdb/internal/metrics"
)

// Backend is a Prometheus Pushgateway metrics backend.
type Backend struct {
	gatewayURL string
	jobName    string // Pushgateway "job" group
	reg        *prometheus.Registry

	stepCounter   *prometheus.CounterVec // import_step_total
	stepDuration  *prometheus.SummaryVec // import_step_duration_seconds
	recordCounter *prometheus.CounterVec // import_records_total
	batchCounter  *prometheus.CounterVec // import_batches_total
}

// NewBackend constructs a Pushgateway backend. jobName groups all series of
// one import run; gatewayURL is the base URL of the Pushgateway server.
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: gateway URL is required")
	}
	if jobName == "" {
		jobName = "itemdb_import"
	}

	reg := prometheus.NewRegistry()

	stepCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "import_step_total",
			Help: "Total pipeline step executions, partitioned by step and status.",
		},
		[]string{"step", "status"},
	)
	stepDuration := prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name:       "import_step_duration_seconds",
			Help:       "Duration of pipeline steps in seconds, partitioned by step and status.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"step", "status"},
	)
	recordCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "import_records_total",
			Help: "Record-level counts per kind (processed, invalid, created, updated, ...).",
		},
		[]string{"kind"},
	)
	batchCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "import_batches_total",
			Help: "Committed batches per pass.",
		},
		[]string{"pass"},
	)

	for _, c := range []prometheus.Collector{stepCounter, stepDuration, recordCounter, batchCounter} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("prompush: register collector: %w", err)
		}
	}

	return &Backend{
		gatewayURL:    gatewayURL,
		jobName:       jobName,
		reg:           reg,
		stepCounter:   stepCounter,
		stepDuration:  stepDuration,
		recordCounter: recordCounter,
		batchCounter:  batchCounter,
	}, nil
}

// IncCounter routes known counter names onto their collectors. Unknown names
// are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	switch name {
	case "import_step_total":
		b.stepCounter.WithLabelValues(labels["step"], labels["status"]).Add(delta)
	case "import_records_total":
		b.recordCounter.WithLabelValues(labels["kind"]).Add(delta)
	case "import_batches_total":
		b.batchCounter.WithLabelValues(labels["pass"]).Add(delta)
	}
}

// ObserveDuration records step durations; other names are ignored.
func (b *Backend) ObserveDuration(name string, value float64, labels metrics.Labels) {
	if name != "import_step_duration_seconds" {
		return
	}
	b.stepDuration.WithLabelValues(labels["step"], labels["status"]).Observe(value)
}

// Flush pushes the current registry to the Pushgateway.
func (b *Backend) Flush() error {
	return push.New(b.gatewayURL, b.jobName).
		Gatherer(b.reg).
		Push()
}
