package strategy

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents a strategy configuration entry in YAML.
type Config struct {
	ID         string             `yaml:"id" json:"id"`
	Type       string             `yaml:"type" json:"type"`
	Weight     float64            `yaml:"weight" json:"weight,omitempty"`
	MinHistory int                `yaml:"min_history" json:"min_history,omitempty"`
	Parameters map[string]any     `yaml:"parameters" json:"parameters,omitempty"`
	Weights    map[string]float64 `yaml:"weights" json:"weights,omitempty"` // linear model only
	Bias       float64            `yaml:"bias" json:"bias,omitempty"`       // linear model only
	IsActive   *bool              `yaml:"is_active" json:"is_active,omitempty"`
}

// Active reports whether the entry is enabled. Entries are active unless disabled.
func (c Config) Active() bool {
	return c.IsActive == nil || *c.IsActive
}

// ConfigFile represents the top-level YAML structure.
type ConfigFile struct {
	Aggregation string   `yaml:"aggregation"`
	Strategies  []Config `yaml:"strategies"`
}

// DefaultConfigFile is used when no strategy file is configured.
func DefaultConfigFile() ConfigFile {
	return ConfigFile{
		Aggregation: AggMean,
		Strategies: []Config{
			{ID: "digits", Type: "digit_frequency"},
			{ID: "parity", Type: "parity", Parameters: map[string]any{"streak_weight": 0.02}},
			{ID: "momentum", Type: "momentum"},
			{ID: "linear", Type: "linear", Weights: map[string]float64{
				"even_share": -6, "streak": -0.15, "momentum": 40,
			}, Bias: 3},
		},
	}
}

// LoadConfig reads a strategy set from a YAML file.
func LoadConfig(path string) (ConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ConfigFile{}, err
	}

	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return ConfigFile{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(file.Strategies) == 0 {
		return ConfigFile{}, fmt.Errorf("%s: no strategies defined", path)
	}
	return file, nil
}

// BuildOptions carries dependencies for strategies that need them.
type BuildOptions struct {
	ModelAddr    string
	ModelTimeout time.Duration
	// Remote, when set, is used for "remote" entries instead of dialing ModelAddr.
	Remote *Remote
}

// Build instantiates the strategies of a config file and wraps them in a Provider.
func Build(file ConfigFile, opts BuildOptions) (*Provider, error) {
	agg, err := AggregatorByName(file.Aggregation)
	if err != nil {
		return nil, err
	}
	var members []Member
	for _, c := range file.Strategies {
		if !c.Active() {
			continue
		}
		s, err := newStrategy(c, opts)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", c.ID, err)
		}
		members = append(members, Member{Strategy: s, Weight: c.Weight})
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("no active strategies")
	}
	return NewProvider(agg, members...), nil
}

func newStrategy(c Config, opts BuildOptions) (Strategy, error) {
	id := c.ID
	if id == "" {
		id = c.Type
	}
	p := c.Parameters
	switch c.Type {
	case "digit_frequency":
		return NewDigitFrequency(id, c.MinHistory, int(param(p, "lookback", 0))), nil
	case "parity":
		return NewParity(id, c.MinHistory, param(p, "streak_weight", 0.02)), nil
	case "momentum":
		return NewMomentum(id, c.MinHistory,
			int(param(p, "short", 0)), int(param(p, "long", 0)), int(param(p, "rsi", 0))), nil
	case "linear":
		if len(c.Weights) == 0 {
			return nil, fmt.Errorf("linear model needs weights")
		}
		return NewLinear(id, c.MinHistory, c.Bias, c.Weights), nil
	case "remote":
		if opts.Remote != nil {
			return opts.Remote, nil
		}
		if opts.ModelAddr == "" {
			return nil, fmt.Errorf("remote model address not configured")
		}
		return DialRemote(id, opts.ModelAddr, c.MinHistory, opts.ModelTimeout)
	}
	return nil, fmt.Errorf("unknown strategy type %q", c.Type)
}
