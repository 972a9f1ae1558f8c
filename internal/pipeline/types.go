package pipeline

import (
	"encoding/json"
	"fmt"
)

// GuardReason identifies why a signal was blocked. The set is closed:
// reporting code aggregates counts by reason, so a value outside this
// enumeration is a contract violation.
type GuardReason string

const (
	GuardWarmup         GuardReason = "warmup"
	GuardSpreadExceeded GuardReason = "spread_bps_exceeded"
	GuardLagExceeded    GuardReason = "lag_sec_exceeded"
	GuardLowConsistency GuardReason = "low_consistency"
	GuardWeakSignal     GuardReason = "weak_signal"
	GuardMarketInactive GuardReason = "market_inactive"
	GuardMissingField   GuardReason = "missing_field"
	GuardInvalidValue   GuardReason = "invalid_value"
)

// AllGuardReasons lists every valid reason, in gate evaluation order.
var AllGuardReasons = []GuardReason{
	GuardWarmup,
	GuardSpreadExceeded,
	GuardLagExceeded,
	GuardLowConsistency,
	GuardWeakSignal,
	GuardMarketInactive,
	GuardMissingField,
	GuardInvalidValue,
}

// ParseGuardReason validates a raw string against the closed enumeration.
func ParseGuardReason(s string) (GuardReason, error) {
	for _, r := range AllGuardReasons {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown guard reason: %q", s)
}

// SignalType classifies a confirmed directional signal.
type SignalType string

const (
	SignalBuy        SignalType = "buy"
	SignalStrongBuy  SignalType = "strong_buy"
	SignalSell       SignalType = "sell"
	SignalStrongSell SignalType = "strong_sell"
	SignalNone       SignalType = "none"
)

// FeatureRow is one externally computed microstructure observation for a
// (symbol, tick). Rows are immutable and may be redelivered by overlapping
// replay windows, so everything downstream must be idempotent.
type FeatureRow struct {
	TsMs        int64                  `json:"ts_ms"`
	Symbol      string                 `json:"symbol"`
	ZOFI        *float64               `json:"z_ofi"`
	ZCVD        *float64               `json:"z_cvd"`
	SpreadBps   float64                `json:"spread_bps"`
	LagSec      float64                `json:"lag_sec"`
	Consistency *float64               `json:"consistency,omitempty"`
	Warmup      bool                   `json:"warmup"`
	FusionScore float64                `json:"fusion_score"`
	Activity    map[string]interface{} `json:"activity,omitempty"`
	DivType     *string                `json:"div_type,omitempty"`
}

// UnmarshalJSON accepts the legacy ofi_z/cvd_z field aliases alongside the
// canonical names.
func (r *FeatureRow) UnmarshalJSON(data []byte) error {
	type alias FeatureRow
	aux := struct {
		*alias
		OFIZAlias *float64 `json:"ofi_z"`
		CVDZAlias *float64 `json:"cvd_z"`
	}{alias: (*alias)(r)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if r.ZOFI == nil && aux.OFIZAlias != nil {
		r.ZOFI = aux.OFIZAlias
	}
	if r.ZCVD == nil && aux.CVDZAlias != nil {
		r.ZCVD = aux.CVDZAlias
	}
	return nil
}

// Decision is the engine's persisted outcome for one non-duplicate row.
// Immutable once emitted; each sink receives its own copy.
type Decision struct {
	TsMs        int64       `json:"ts_ms" db:"ts_ms"`
	Symbol      string      `json:"symbol" db:"symbol"`
	RunID       string      `json:"run_id" db:"run_id"`
	Score       float64     `json:"score" db:"score"`
	ZOFI        *float64    `json:"z_ofi" db:"z_ofi"`
	ZCVD        *float64    `json:"z_cvd" db:"z_cvd"`
	Regime      string      `json:"regime" db:"regime"`
	DivType     *string     `json:"div_type" db:"div_type"`
	SignalType  SignalType  `json:"signal_type" db:"signal_type"`
	Confirm     bool        `json:"confirm" db:"confirm"`
	Gating      bool        `json:"gating" db:"gating"`
	GuardReason GuardReason `json:"guard_reason,omitempty" db:"guard_reason"`
}

// Clone returns an independent copy, including pointer fields, so sink
// fan-out can hand every backend its own Decision.
func (d *Decision) Clone() *Decision {
	c := *d
	if d.ZOFI != nil {
		v := *d.ZOFI
		c.ZOFI = &v
	}
	if d.ZCVD != nil {
		v := *d.ZCVD
		c.ZCVD = &v
	}
	if d.DivType != nil {
		v := *d.DivType
		c.DivType = &v
	}
	return &c
}

// RunStats holds the run-scoped counters. One instance per engine, never a
// process-wide global, so parallel backtest trials cannot cross-contaminate.
type RunStats struct {
	RowsIn         int64 `json:"rows_in"`
	RowsRejected   int64 `json:"rows_rejected"`
	Emitted        int64 `json:"emitted"`
	Confirmed      int64 `json:"confirmed"`
	WarmupBlocked  int64 `json:"warmup_blocked"`
	GatingBlocked  int64 `json:"gating_blocked"`
	Deduplicated   int64 `json:"deduplicated"`
	FusionFallback int64 `json:"fusion_fallback"`
	SinkErrors     int64 `json:"sink_errors"`
}

// ValidateRow applies the shared required-fields check before a row may
// reach the engine.
func ValidateRow(row *FeatureRow) error {
	if row.TsMs <= 0 {
		return fmt.Errorf("ts_ms missing or non-positive: %d", row.TsMs)
	}
	if row.Symbol == "" {
		return fmt.Errorf("symbol missing")
	}
	if row.SpreadBps < 0 {
		return fmt.Errorf("spread_bps negative: %f", row.SpreadBps)
	}
	if row.LagSec < 0 {
		return fmt.Errorf("lag_sec negative: %f", row.LagSec)
	}
	return nil
}
