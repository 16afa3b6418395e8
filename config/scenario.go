package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/fdcrail/railsched/core/model"
)

// Scenario is the on-disk description of a network plus the train runs to
// schedule. Existing trains are immutable constraints.
type Scenario struct {
	Stations []StationConfig `json:"stations"`
	Tracks   []TrackConfig   `json:"tracks"`
	Trains   []TrainConfig   `json:"trains"`
	Existing []TrainConfig   `json:"existing"`
}

// StationConfig describes one node.
type StationConfig struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Platforms int    `json:"platforms"`
	Kind      string `json:"kind"`
}

// TrackConfig describes one edge.
type TrackConfig struct {
	ID            string  `json:"id"`
	From          string  `json:"from"`
	To            string  `json:"to"`
	LengthKm      float64 `json:"length_km"`
	Kind          string  `json:"kind"`
	SpeedLimitKmh float64 `json:"speed_limit_kmh"`
	Capacity      int     `json:"capacity"`
}

// StopConfig describes one stop of a train run.
type StopConfig struct {
	Station          string `json:"station"`
	DwellSeconds     int    `json:"dwell_seconds"`
	Track            string `json:"track"`
	Skip             bool   `json:"skip"`
	PlannedArrival   string `json:"planned_arrival"`
	PlannedDeparture string `json:"planned_departure"`
}

// TrainConfig describes one train run.
type TrainConfig struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Departure   string       `json:"departure"`
	MaxSpeedKmh float64      `json:"max_speed_kmh"`
	Priority    int          `json:"priority"`
	AccelMS2    float64      `json:"accel_ms2"`
	DecelMS2    float64      `json:"decel_ms2"`
	Stops       []StopConfig `json:"stops"`
}

// LoadScenario reads a scenario file in YAML or JSON.
func LoadScenario(path string) (*Scenario, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported scenario format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	var s Scenario
	if err := k.UnmarshalWithConf("", &s, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	return &s, nil
}

// Network materializes the infrastructure graph.
func (s *Scenario) Network() (*model.Network, error) {
	stations := make([]*model.Station, 0, len(s.Stations))
	for _, sc := range s.Stations {
		kind := model.StationKind(sc.Kind)
		if kind == "" {
			kind = model.StationStandard
		}
		platforms := sc.Platforms
		if platforms <= 0 {
			platforms = 1
		}
		stations = append(stations, &model.Station{ID: sc.ID, Name: sc.Name, Platforms: platforms, Kind: kind})
	}
	tracks := make([]*model.Track, 0, len(s.Tracks))
	for _, tc := range s.Tracks {
		kind := model.TrackKind(tc.Kind)
		if kind == "" {
			kind = model.TrackSingle
		}
		tracks = append(tracks, &model.Track{
			ID: tc.ID, From: tc.From, To: tc.To, LengthKm: tc.LengthKm,
			Kind: kind, SpeedLimitKmh: tc.SpeedLimitKmh, Capacity: tc.Capacity,
		})
	}
	net := model.NewNetwork(stations, tracks)
	if err := net.Validate(); err != nil {
		return nil, err
	}
	return net, nil
}

// NewTrains materializes the mutable train runs.
func (s *Scenario) NewTrains() ([]*model.TrainRun, error) {
	return buildTrains(s.Trains)
}

// ExistingTrains materializes the immutable train runs.
func (s *Scenario) ExistingTrains() ([]*model.TrainRun, error) {
	return buildTrains(s.Existing)
}

func buildTrains(configs []TrainConfig) ([]*model.TrainRun, error) {
	trains := make([]*model.TrainRun, 0, len(configs))
	for _, tc := range configs {
		dep, err := time.Parse(time.RFC3339, tc.Departure)
		if err != nil {
			return nil, fmt.Errorf("train %s: departure: %w", tc.ID, err)
		}
		t := &model.TrainRun{
			ID: tc.ID, Name: tc.Name, Departure: dep,
			MaxSpeedKmh: tc.MaxSpeedKmh, Priority: tc.Priority,
			Profile: model.TrainProfile{AccelMS2: tc.AccelMS2, DecelMS2: tc.DecelMS2},
		}
		for _, sc := range tc.Stops {
			stop := &model.Stop{
				StationID: sc.Station,
				MinDwell:  time.Duration(sc.DwellSeconds) * time.Second,
				Track:     sc.Track,
				Skip:      sc.Skip,
			}
			if sc.PlannedArrival != "" {
				ts, err := time.Parse(time.RFC3339, sc.PlannedArrival)
				if err != nil {
					return nil, fmt.Errorf("train %s: planned arrival at %s: %w", tc.ID, sc.Station, err)
				}
				stop.PlannedArrival = &ts
			}
			if sc.PlannedDeparture != "" {
				ts, err := time.Parse(time.RFC3339, sc.PlannedDeparture)
				if err != nil {
					return nil, fmt.Errorf("train %s: planned departure at %s: %w", tc.ID, sc.Station, err)
				}
				stop.PlannedDeparture = &ts
			}
			t.Stops = append(t.Stops, stop)
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}
		trains = append(trains, t)
	}
	return trains, nil
}
