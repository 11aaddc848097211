// Package metrics exposes Prometheus collectors for the error lifecycle and
// the periodic jobs.
//
// Gauges are a snapshot recomputed from the store by Refresh, which the
// scheduler runs on its own cron; counters and histograms are updated inline.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/kiranshivaraju/deadletter/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
)

// RefreshJobName is the scheduler job that recomputes the gauges.
const RefreshJobName = "refresh-metrics"

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

// SnapshotStore provides the counts behind the gauges.
type SnapshotStore interface {
	CountErrorsByState(ctx context.Context) (map[models.ErrorState]int, error)
	CountErrorGroupsWithoutTicket(ctx context.Context) (int, error)
}

// Metrics holds every collector of the service. All methods are safe for
// concurrent use.
type Metrics struct {
	errorsByState    *prometheus.GaugeVec
	openErrorGroups  prometheus.Gauge
	errorsReceived   *prometheus.CounterVec
	resends          *prometheus.CounterVec
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	lastRefreshEpoch prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		errorsByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "deadletter_errors",
				Help: "Number of stored errors by lifecycle state.",
			},
			[]string{"state"},
		),
		openErrorGroups: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "deadletter_error_groups_open",
				Help: "Number of error groups without a ticket number.",
			},
		),
		errorsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deadletter_errors_received_total",
				Help: "Total number of reported processing failures by temporality.",
			},
			[]string{"temporality"},
		),
		resends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deadletter_resends_total",
				Help: "Total number of causing event resends by outcome.",
			},
			[]string{"outcome"},
		),
		jobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deadletter_job_runs_total",
				Help: "Total number of periodic job runs by job and result.",
			},
			[]string{"job", "result"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deadletter_job_duration_seconds",
				Help:    "Duration of periodic job runs in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 1800},
			},
			[]string{"job"},
		),
		lastRefreshEpoch: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "deadletter_metrics_last_refresh_timestamp_seconds",
				Help: "Unix time of the last successful gauge refresh.",
			},
		),
	}
	reg.MustRegister(
		m.errorsByState,
		m.openErrorGroups,
		m.errorsReceived,
		m.resends,
		m.jobRuns,
		m.jobDuration,
		m.lastRefreshEpoch,
	)
	return m
}

func (m *Metrics) ErrorReceived(t models.Temporality) {
	m.errorsReceived.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) ResendAttempted(ok bool) {
	outcome := ResultSuccess
	if !ok {
		outcome = ResultFailure
	}
	m.resends.WithLabelValues(outcome).Inc()
}

// JobFinished records one run of job. result is one of the Result constants.
func (m *Metrics) JobFinished(job, result string, d time.Duration) {
	m.jobRuns.WithLabelValues(job, result).Inc()
	if result != ResultSkipped {
		m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
	}
}

// Refresh recomputes the gauges from s. States without errors are reported
// as zero so that drained states do not keep their last value.
func (m *Metrics) Refresh(ctx context.Context, s SnapshotStore) error {
	counts, err := s.CountErrorsByState(ctx)
	if err != nil {
		return fmt.Errorf("count errors by state: %w", err)
	}
	open, err := s.CountErrorGroupsWithoutTicket(ctx)
	if err != nil {
		return fmt.Errorf("count open error groups: %w", err)
	}

	for _, state := range models.AllErrorStates {
		m.errorsByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
	m.openErrorGroups.Set(float64(open))
	m.lastRefreshEpoch.SetToCurrentTime()
	return nil
}
