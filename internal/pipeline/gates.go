package pipeline

import "math"

// GateConfig holds the run-configured thresholds for the ordered gate list.
// Thresholds are configuration, never hard-coded in the evaluator.
type GateConfig struct {
	MaxSpreadBps   float64 `yaml:"max_spread_bps"`
	MaxLagSec      float64 `yaml:"max_lag_sec"`
	MinConsistency float64 `yaml:"min_consistency"`
	WeakSignal     float64 `yaml:"weak_signal"`

	// RequireActivity enables the market_inactive check on the row's
	// activity map (zero or absent trade count blocks).
	RequireActivity bool `yaml:"require_activity"`
}

// GateResult is the terminal outcome of gate evaluation: either confirmed
// with no reason, or blocked with exactly one.
type GateResult struct {
	Confirm bool
	Reason  GuardReason
}

// EvaluateGates runs the ordered guard checks against a row. The first
// failing guard wins; reasons are never coalesced, because downstream
// analytics aggregate per-reason counts to detect miscalibration.
// Pure: output depends only on (row, consistency, score, cfg).
func EvaluateGates(row *FeatureRow, consistency, score float64, cfg GateConfig) GateResult {
	if row.Warmup {
		return GateResult{Confirm: false, Reason: GuardWarmup}
	}
	if row.SpreadBps > cfg.MaxSpreadBps {
		return GateResult{Confirm: false, Reason: GuardSpreadExceeded}
	}
	if row.LagSec > cfg.MaxLagSec {
		return GateResult{Confirm: false, Reason: GuardLagExceeded}
	}
	if cfg.RequireActivity && !marketActive(row.Activity) {
		return GateResult{Confirm: false, Reason: GuardMarketInactive}
	}
	if consistency < cfg.MinConsistency {
		return GateResult{Confirm: false, Reason: GuardLowConsistency}
	}
	if math.Abs(score) < cfg.WeakSignal {
		return GateResult{Confirm: false, Reason: GuardWeakSignal}
	}
	return GateResult{Confirm: true}
}

func marketActive(activity map[string]interface{}) bool {
	if len(activity) == 0 {
		return false
	}
	v, ok := activity["trades"]
	if !ok {
		return false
	}
	switch n := v.(type) {
	case float64:
		return n > 0
	case int:
		return n > 0
	case int64:
		return n > 0
	default:
		return false
	}
}
