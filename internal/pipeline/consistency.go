package pipeline

import (
	"context"
	"math"

	"github.com/rs/zerolog/log"
)

// FusionEngine is the optional external scorer that can enrich a row with a
// directional-consistency value. It is duck-typed on purpose: the engine must
// keep working when no fusion engine is attached, when it errors, or when it
// returns a malformed answer.
type FusionEngine interface {
	Score(ctx context.Context, row *FeatureRow) (map[string]float64, error)
}

// FallbackConsistency computes the closed-form alignment score between the
// two primary sub-signals. Missing inputs, opposite signs, or an all-zero
// pair score 0; otherwise the ratio of the smaller to the larger magnitude,
// which lands in [0,1] by construction.
func FallbackConsistency(zOFI, zCVD *float64) float64 {
	if zOFI == nil || zCVD == nil {
		return 0.0
	}
	a, b := *zOFI, *zCVD
	if a == 0 && b == 0 {
		return 0.0
	}
	if (a > 0) != (b > 0) || a == 0 || b == 0 {
		return 0.0
	}
	absA, absB := math.Abs(a), math.Abs(b)
	return clamp01(math.Min(absA, absB) / math.Max(absA, absB))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0.0
	}
	if v > 1 {
		return 1.0
	}
	return v
}

// ConsistencyResolver chooses between an attached fusion engine and the
// closed-form fallback, once, at construction.
type ConsistencyResolver struct {
	fusion FusionEngine
	stats  *RunStats
}

// NewConsistencyResolver builds a resolver; fusion may be nil.
func NewConsistencyResolver(fusion FusionEngine, stats *RunStats) *ConsistencyResolver {
	return &ConsistencyResolver{fusion: fusion, stats: stats}
}

// Resolve returns the consistency score for a row. A fusion failure is
// recovered locally and silently: the optional enrichment must never fail or
// block the decision path.
func (r *ConsistencyResolver) Resolve(ctx context.Context, row *FeatureRow) float64 {
	if r.fusion == nil {
		return FallbackConsistency(row.ZOFI, row.ZCVD)
	}

	scores, err := r.fusion.Score(ctx, row)
	if err != nil {
		r.noteFallback(row, "fusion engine error")
		return FallbackConsistency(row.ZOFI, row.ZCVD)
	}

	v, ok := scores["consistency"]
	if !ok {
		r.noteFallback(row, "fusion answer missing consistency key")
		return FallbackConsistency(row.ZOFI, row.ZCVD)
	}
	return clamp01(v)
}

func (r *ConsistencyResolver) noteFallback(row *FeatureRow, why string) {
	if r.stats != nil {
		r.stats.FusionFallback++
	}
	log.Debug().
		Str("symbol", row.Symbol).
		Int64("ts_ms", row.TsMs).
		Str("cause", why).
		Msg("Fusion fallback engaged")
}
