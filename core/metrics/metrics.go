package metrics

import "time"

// StageResult is a per-stage measurement recorded by the pipeline.
type StageResult struct {
	RunID     string
	Stage     string
	Conflicts int
	Duration  time.Duration
	Time      time.Time
}

// MetricsSink records stage results for observability purposes.
type MetricsSink interface {
	RecordStage(res StageResult) error
}

// RunResult summarizes a whole optimization run.
type RunResult struct {
	RunID     string
	Trains    int
	Residual  int
	Resolved  bool
	Cancelled bool
	Duration  time.Duration
	Time      time.Time
}

// RunRecorder records run summaries. Sinks may implement it in addition to
// MetricsSink.
type RunRecorder interface {
	RecordRun(res RunResult) error
}

// RefinerResult captures genetic-refiner statistics.
type RefinerResult struct {
	RunID       string
	Generations int
	BestFitness float64
	Residual    int
	Time        time.Time
}

// RefinerRecorder records refiner statistics.
type RefinerRecorder interface {
	RecordRefiner(res RefinerResult) error
}

// NopSink discards every record.
type NopSink struct{}

func (NopSink) RecordStage(StageResult) error     { return nil }
func (NopSink) RecordRun(RunResult) error         { return nil }
func (NopSink) RecordRefiner(RefinerResult) error { return nil }
