// Package metrics records audit execution metrics on a private Prometheus
// registry and exports them for the node_exporter textfile collector.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/models"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/registry"
)

// Recorder implements registry.Observer and the engine's scope observer.
// It is safe for concurrent use.
type Recorder struct {
	reg *prometheus.Registry

	checksTotal   *prometheus.CounterVec
	checkFaults   *prometheus.CounterVec
	skipped       *prometheus.CounterVec
	checkDuration *prometheus.HistogramVec
	findingsTotal *prometheus.CounterVec
	cacheFetches  prometheus.Counter
	cacheHits     prometheus.Counter
	scopesTotal   *prometheus.CounterVec
}

// NewRecorder returns a Recorder with its collectors registered.
func NewRecorder() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		checksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pa_checks_total",
			Help: "Checks executed, by auditor and check.",
		}, []string{"auditor", "check"}),
		checkFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pa_check_faults_total",
			Help: "Checks that faulted, by auditor and check.",
		}, []string{"auditor", "check"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pa_resources_skipped_total",
			Help: "Resources a check could not evaluate, by auditor and check.",
		}, []string{"auditor", "check"}),
		checkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pa_check_duration_seconds",
			Help:    "Histogram tracking check durations in seconds.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"auditor"}),
		findingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pa_findings_total",
			Help: "Findings emitted, by auditor, severity and compliance status.",
		}, []string{"auditor", "severity", "compliance"}),
		cacheFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pa_cache_fetches_total",
			Help: "Upstream fetches performed through the response cache.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pa_cache_hits_total",
			Help: "Response cache lookups served without a fetch.",
		}),
		scopesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pa_scopes_total",
			Help: "Scopes audited, by final run state.",
		}, []string{"state"}),
	}
	r.reg.MustRegister(
		r.checksTotal,
		r.checkFaults,
		r.skipped,
		r.checkDuration,
		r.findingsTotal,
		r.cacheFetches,
		r.cacheHits,
		r.scopesTotal,
	)
	return r
}

// Registry exposes the underlying registry, for tests and HTTP exposition.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

func (r *Recorder) CheckFinished(_ models.Scope, res registry.CheckResult) {
	if res.Skipped {
		return
	}
	r.checksTotal.WithLabelValues(res.Auditor, res.Check).Inc()
	r.checkDuration.WithLabelValues(res.Auditor).Observe(res.Duration.Seconds())
	if res.Err != nil {
		r.checkFaults.WithLabelValues(res.Auditor, res.Check).Inc()
	}
	if res.ResourcesSkipped > 0 {
		r.skipped.WithLabelValues(res.Auditor, res.Check).Add(float64(res.ResourcesSkipped))
	}
}

func (r *Recorder) FindingEmitted(_ models.Scope, f models.Finding) {
	r.findingsTotal.WithLabelValues(f.Auditor, string(f.Severity), string(f.Compliance.Status)).Inc()
}

// ScopeFinished records the scope's response cache activity.
func (r *Recorder) ScopeFinished(s models.ScopeSummary) {
	r.cacheFetches.Add(float64(s.CacheFetches))
	r.cacheHits.Add(float64(s.CacheHits))
	r.scopesTotal.WithLabelValues(s.State).Inc()
}

// WriteTextfile writes every metric to path atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
