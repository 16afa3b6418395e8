// Package events defines the progress events emitted by the optimization
// pipeline. They travel over the internal event bus; external bridges (MQTT,
// logs) subscribe to them.
package events

import "time"

// StageStatus marks the lifecycle of one pipeline stage.
type StageStatus string

const (
	StageStarted  StageStatus = "started"
	StageFinished StageStatus = "finished"
	StageSkipped  StageStatus = "skipped"
)

// StageEvent reports progress of one pipeline stage for one run.
type StageEvent struct {
	RunID     string      `json:"run_id"`
	Stage     string      `json:"stage"`
	Status    StageStatus `json:"status"`
	Conflicts int         `json:"conflicts"`
	Time      time.Time   `json:"time"`
}

// RunEvent reports the completion of a whole optimization run.
type RunEvent struct {
	RunID     string        `json:"run_id"`
	Resolved  bool          `json:"resolved"`
	Residual  int           `json:"residual"`
	Cancelled bool          `json:"cancelled"`
	Duration  time.Duration `json:"duration"`
	Time      time.Time     `json:"time"`
}

// HotspotEvent reports a ranked bottleneck station.
type HotspotEvent struct {
	RunID     string `json:"run_id"`
	StationID string `json:"station_id"`
	Count     int    `json:"count"`
	Severe    bool   `json:"severe"`
}
