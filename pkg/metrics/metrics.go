// Package metrics records stage outcomes in Prometheus format. Training hosts
// rarely run a scrape endpoint for a batch job, so the registry is written to a
// node-exporter textfile at the end of each run.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the pipeline metrics on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	stageResults  *prometheus.CounterVec
	stageDuration *prometheus.GaugeVec
	runOutcome    *prometheus.GaugeVec
	lastRun       prometheus.Gauge
}

// NewRecorder creates a recorder with its own registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		stageResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tunepipe_stage_results_total",
			Help: "Stage results by stage name, status and failure kind",
		}, []string{"stage", "status", "kind"}),
		stageDuration: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tunepipe_stage_duration_seconds",
			Help: "Wall time of the most recent execution of each stage",
		}, []string{"stage"}),
		runOutcome: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tunepipe_run_outcome",
			Help: "1 for the outcome of the most recent run, 0 otherwise",
		}, []string{"outcome"}),
		lastRun: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tunepipe_last_run_timestamp_seconds",
			Help: "Unix time the most recent run finished",
		}),
	}
}

// ObserveStage records one stage result.
func (r *Recorder) ObserveStage(stage, status, kind string, duration time.Duration) {
	if r == nil {
		return
	}
	r.stageResults.WithLabelValues(stage, status, kind).Inc()
	if status != "skipped" {
		r.stageDuration.WithLabelValues(stage).Set(duration.Seconds())
	}
}

// ObserveRun records the overall outcome.
func (r *Recorder) ObserveRun(outcome string, finished time.Time) {
	if r == nil {
		return
	}
	r.runOutcome.Reset()
	r.runOutcome.WithLabelValues(outcome).Set(1)
	r.lastRun.Set(float64(finished.Unix()))
}

// Gatherer exposes the registry.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// WriteTextfile writes the registry atomically in the text exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.registry)
}
