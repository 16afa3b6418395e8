package metrics

import coremetrics "github.com/fdcrail/railsched/core/metrics"

// MultiSink fans records out to multiple sinks.
type MultiSink struct {
	Sinks []coremetrics.MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...coremetrics.MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordStage forwards the record to all sinks, returning the first error.
func (m *MultiSink) RecordStage(res coremetrics.StageResult) error {
	for _, s := range m.Sinks {
		if err := s.RecordStage(res); err != nil {
			return err
		}
	}
	return nil
}

// RecordRun forwards run summaries to sinks that support them.
func (m *MultiSink) RecordRun(res coremetrics.RunResult) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(coremetrics.RunRecorder); ok {
			if err := rec.RecordRun(res); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordRefiner forwards refiner statistics to sinks that support them.
func (m *MultiSink) RecordRefiner(res coremetrics.RefinerResult) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(coremetrics.RefinerRecorder); ok {
			if err := rec.RecordRefiner(res); err != nil {
				return err
			}
		}
	}
	return nil
}
