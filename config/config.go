package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/fdcrail/railsched/core/ctc"
	"github.com/fdcrail/railsched/core/genetic"
	"github.com/fdcrail/railsched/core/metrics"
	"github.com/fdcrail/railsched/core/pipeline"
	"github.com/fdcrail/railsched/infra/mqtt"
	"github.com/fdcrail/railsched/infra/remoteopt"
)

// Config aggregates the settings of every pipeline collaborator.
type Config struct {
	Pipeline pipeline.Config  `json:"pipeline"`
	CTC      ctc.Config       `json:"ctc"`
	Genetic  genetic.Config   `json:"genetic"`
	Remote   remoteopt.Config `json:"remote"`
	Metrics  metrics.Config   `json:"metrics"`
	MQTT     mqtt.Config      `json:"mqtt"`
}

// Load reads a YAML or JSON configuration file, applies RAILSCHED_
// environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides.
	if err := k.Load(env.Provider("RAILSCHED_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "railsched_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.Pipeline.SetDefaults()
	cfg.CTC.SetDefaults()
	cfg.Genetic.SetDefaults()
	cfg.Remote.SetDefaults()
	cfg.Metrics.SetDefaults()
	cfg.MQTT.SetDefaults()
	return &cfg, nil
}
