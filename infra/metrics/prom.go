// Package metrics provides the Prometheus and InfluxDB implementations of
// the core metrics sink.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	coremetrics "github.com/fdcrail/railsched/core/metrics"
)

// PromSink records pipeline events in Prometheus metrics.
type PromSink struct {
	stages    *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	conflicts *prometheus.GaugeVec
	runs      *prometheus.CounterVec
}

// NewPromSink registers pipeline metrics on the default Prometheus
// registerer. The Prometheus server is started separately with
// StartPromServer.
func NewPromSink(cfg coremetrics.Config) (*PromSink, error) {
	return NewPromSinkWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer. A nil
// registerer defaults to the global one.
func NewPromSinkWithRegistry(cfg coremetrics.Config, reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	stages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "railsched_stage_runs_total",
		Help: "Total number of executed pipeline stages",
	}, []string{"stage"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "railsched_stage_duration_seconds",
		Help:    "Wall time spent per pipeline stage",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
	conflicts := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "railsched_stage_conflicts",
		Help: "Conflicts remaining after each pipeline stage",
	}, []string{"stage"})
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "railsched_runs_total",
		Help: "Total optimization runs by outcome",
	}, []string{"resolved"})

	for _, c := range []prometheus.Collector{stages, duration, conflicts, runs} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return nil, err
			}
		}
	}
	return &PromSink{stages: stages, duration: duration, conflicts: conflicts, runs: runs}, nil
}

// RecordStage implements coremetrics.MetricsSink.
func (s *PromSink) RecordStage(res coremetrics.StageResult) error {
	s.stages.WithLabelValues(res.Stage).Inc()
	s.duration.WithLabelValues(res.Stage).Observe(res.Duration.Seconds())
	s.conflicts.WithLabelValues(res.Stage).Set(float64(res.Conflicts))
	return nil
}

// RecordRun implements coremetrics.RunRecorder.
func (s *PromSink) RecordRun(res coremetrics.RunResult) error {
	s.runs.WithLabelValues(strconv.FormatBool(res.Resolved)).Inc()
	return nil
}

// StartPromServer exposes /metrics on the given port and blocks.
func StartPromServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
