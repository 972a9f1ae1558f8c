// Package config loads and validates the run configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quantfall/microgate/internal/pipeline"
	"github.com/quantfall/microgate/internal/sink"
)

// Config is the full run configuration. Thresholds live here, never in the
// evaluators.
type Config struct {
	Run        RunConfig                 `yaml:"run"`
	Gates      pipeline.GateConfig       `yaml:"gates"`
	Classifier pipeline.ClassifierConfig `yaml:"classifier"`
	Dedup      pipeline.DedupConfig      `yaml:"dedup"`
	Retry      pipeline.RetryConfig      `yaml:"retry"`
	JSONL      sink.JSONLConfig          `yaml:"jsonl"`
	SQLite     sink.SQLiteConfig         `yaml:"sqlite"`
	Parity     ParityConfig              `yaml:"parity"`
}

// RunConfig identifies and scopes one engine run.
type RunConfig struct {
	// RunID is generated (uuid) when empty.
	RunID  string `yaml:"run_id"`
	Regime string `yaml:"regime"`

	// Sinks selects attached backends: jsonl, sqlite, null.
	Sinks []string `yaml:"sinks"`
}

// ParityConfig tunes the offline parity check.
type ParityConfig struct {
	// ThresholdPct is the per-minute percentage difference above which a
	// minute fails.
	ThresholdPct float64 `yaml:"threshold_pct"`

	// TopN limits the largest-discrepancy list in parity_diff.json.
	TopN int `yaml:"top_n"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Run: RunConfig{
			Regime: "unknown",
			Sinks:  []string{"jsonl", "sqlite"},
		},
		Gates: pipeline.GateConfig{
			MaxSpreadBps:   8.0,
			MaxLagSec:      2.0,
			MinConsistency: 0.4,
			WeakSignal:     0.3,
		},
		Classifier: pipeline.ClassifierConfig{
			WeakThreshold:   0.3,
			StrongThreshold: 0.7,
		},
		Dedup: pipeline.DedupConfig{HashContent: true},
		Retry: pipeline.RetryConfig{MaxAttempts: 3, BaseDelayMs: 50},
		JSONL: sink.JSONLConfig{RotateEverySec: 60},
		SQLite: sink.SQLiteConfig{
			BatchSize: 200,
		},
		Parity: ParityConfig{ThresholdPct: 0.0, TopN: 10},
	}
}

// Load reads a YAML config over the defaults. An empty path returns
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot honor.
func (c *Config) Validate() error {
	if c.Gates.MaxSpreadBps <= 0 {
		return fmt.Errorf("gates.max_spread_bps must be positive, got %f", c.Gates.MaxSpreadBps)
	}
	if c.Gates.MaxLagSec <= 0 {
		return fmt.Errorf("gates.max_lag_sec must be positive, got %f", c.Gates.MaxLagSec)
	}
	if c.Gates.MinConsistency < 0 || c.Gates.MinConsistency > 1 {
		return fmt.Errorf("gates.min_consistency must be in [0,1], got %f", c.Gates.MinConsistency)
	}
	if c.Gates.WeakSignal < 0 {
		return fmt.Errorf("gates.weak_signal must be non-negative, got %f", c.Gates.WeakSignal)
	}
	if c.Classifier.StrongThreshold < c.Classifier.WeakThreshold {
		return fmt.Errorf("classifier.strong_threshold %f below weak_threshold %f",
			c.Classifier.StrongThreshold, c.Classifier.WeakThreshold)
	}
	if c.SQLite.BatchSize < 0 {
		return fmt.Errorf("sqlite.batch_size must be non-negative, got %d", c.SQLite.BatchSize)
	}
	if c.Parity.ThresholdPct < 0 {
		return fmt.Errorf("parity.threshold_pct must be non-negative, got %f", c.Parity.ThresholdPct)
	}
	for _, s := range c.Run.Sinks {
		switch s {
		case "jsonl", "sqlite", "null":
		default:
			return fmt.Errorf("unknown sink: %q", s)
		}
	}
	return nil
}
