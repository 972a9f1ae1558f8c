package pipeline

import "math"

// ClassifierConfig holds the magnitude thresholds separating weak from
// strong signals, per direction.
type ClassifierConfig struct {
	WeakThreshold   float64 `yaml:"weak_threshold"`
	StrongThreshold float64 `yaml:"strong_threshold"`
}

// ClassifySignal maps a confirmed directional score to a signal type: sign
// selects buy vs sell, magnitude against the strong threshold selects the
// strength tier. Scores below the weak threshold should have been gated
// already (weak_signal), so SignalNone here indicates a configuration where
// the classifier floor sits above the gate floor.
func ClassifySignal(score float64, cfg ClassifierConfig) SignalType {
	mag := math.Abs(score)
	if mag < cfg.WeakThreshold {
		return SignalNone
	}
	if score > 0 {
		if mag >= cfg.StrongThreshold {
			return SignalStrongBuy
		}
		return SignalBuy
	}
	if mag >= cfg.StrongThreshold {
		return SignalStrongSell
	}
	return SignalSell
}
