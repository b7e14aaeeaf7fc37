package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server     ServerConfig     `toml:"server"`
	Database   DatabaseConfig   `toml:"database"`
	Auth       AuthConfig       `toml:"auth"`
	Experiment ExperimentConfig `toml:"experiment"`
	Safety     SafetyConfig     `toml:"safety"`
	Meta       MetaConfig       `toml:"meta"`
	Instance   InstanceConfig   `toml:"instance"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type DatabaseConfig struct {
	Path      string `toml:"path"`
	AuditPath string `toml:"audit_path"`
}

type AuthConfig struct {
	JWTSecret      string `toml:"jwt_secret"`
	TokenExpiryMin int    `toml:"token_expiry_min"`
}

type ExperimentConfig struct {
	// CandidatePercent of traffic keys route to the candidate arm (0-100).
	CandidatePercent    int     `toml:"candidate_percent"`
	MinRunsPerArm       int     `toml:"min_runs_per_arm"`
	PromoteMargin       float64 `toml:"promote_margin"`
	EvaluateIntervalSec int     `toml:"evaluate_interval_sec"`
	Strategy            string  `toml:"strategy"`
}

type SafetyConfig struct {
	// GateURL points at the external constitution evaluator. Empty selects
	// the built-in pattern gate.
	GateURL    string  `toml:"gate_url"`
	TimeoutSec int     `toml:"timeout_sec"`
	MinScore   float64 `toml:"min_score"`
}

type MetaConfig struct {
	Enabled     bool `toml:"enabled"`
	CycleHours  int  `toml:"cycle_hours"`
	WindowHours int  `toml:"window_hours"`
	MinTraces   int  `toml:"min_traces"`
}

type InstanceConfig struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Database: DatabaseConfig{
			Path:      "data/metagov.db",
			AuditPath: "data/audit.db",
		},
		Auth: AuthConfig{
			JWTSecret:      "change-me-in-production",
			TokenExpiryMin: 1440, // 24h
		},
		Experiment: ExperimentConfig{
			CandidatePercent:    20,
			MinRunsPerArm:       10,
			PromoteMargin:       0.05,
			EvaluateIntervalSec: 60,
			Strategy:            "mean_margin",
		},
		Safety: SafetyConfig{
			TimeoutSec: 5,
			MinScore:   0.5,
		},
		Meta: MetaConfig{
			Enabled:     false,
			CycleHours:  24,
			WindowHours: 72,
			MinTraces:   10,
		},
		Instance: InstanceConfig{
			ID:   "local",
			Name: "metagov-local",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Experiment.CandidatePercent < 0 || cfg.Experiment.CandidatePercent > 100 {
		return nil, fmt.Errorf("experiment.candidate_percent must be 0-100, got %d", cfg.Experiment.CandidatePercent)
	}
	return cfg, nil
}
