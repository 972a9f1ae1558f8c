package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// Sink is the narrow capability the engine needs from a durable backend.
// internal/sink provides the concrete implementations.
type Sink interface {
	Name() string
	Emit(d *Decision) error
	Close() error
}

// transienter is implemented by sink errors that may succeed on retry.
type transienter interface {
	IsTransient() bool
}

// RetryConfig bounds the backoff applied to transient sink write errors.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMs int `yaml:"base_delay_ms"`
}

// EngineConfig is the per-run configuration threaded through the engine.
type EngineConfig struct {
	RunID      string
	Regime     string
	Gates      GateConfig
	Classifier ClassifierConfig
	Dedup      DedupConfig
	Retry      RetryConfig
}

// Engine runs the decision path: resolve consistency, gate, deduplicate,
// classify, fan out to sinks. Rows are processed strictly in arrival order
// on the caller's goroutine; gating and deduplication are order-sensitive,
// so there is no speculative concurrency here. All state is scoped to one
// run_id.
type Engine struct {
	cfg      EngineConfig
	resolver *ConsistencyResolver
	dedup    *Deduplicator
	sinks    []Sink

	stats         RunStats
	gateBreakdown map[GuardReason]int64
	closeOrder    []string
	closed        bool
}

// NewEngine builds an engine for one run. fusion may be nil; the resolver
// then uses the closed-form fallback exclusively.
func NewEngine(cfg EngineConfig, fusion FusionEngine, sinks ...Sink) *Engine {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = RetryConfig{MaxAttempts: 3, BaseDelayMs: 50}
	}
	e := &Engine{
		cfg:           cfg,
		dedup:         NewDeduplicator(cfg.Dedup),
		sinks:         sinks,
		gateBreakdown: make(map[GuardReason]int64),
	}
	e.resolver = NewConsistencyResolver(fusion, &e.stats)
	return e
}

// Process runs one FeatureRow through the decision path. A malformed row or
// a sink hiccup is counted and survived; Process only errors after Close.
func (e *Engine) Process(ctx context.Context, row *FeatureRow) error {
	if e.closed {
		return errors.New("engine is closed")
	}

	e.stats.RowsIn++
	metricRowsIn.WithLabelValues(e.cfg.RunID).Inc()

	if err := ValidateRow(row); err != nil {
		e.stats.RowsRejected++
		metricRowsRejected.WithLabelValues(e.cfg.RunID).Inc()
		log.Warn().Err(err).Str("symbol", row.Symbol).Int64("ts_ms", row.TsMs).Msg("Rejected malformed row")
		return nil
	}

	// A duplicate yields no Decision at all, unlike a gated row.
	if e.dedup.Seen(row) {
		e.stats.Deduplicated++
		metricDeduplicated.WithLabelValues(e.cfg.RunID).Inc()
		return nil
	}

	consistency := e.resolver.Resolve(ctx, row)
	score := row.FusionScore

	decision := &Decision{
		TsMs:    row.TsMs,
		Symbol:  row.Symbol,
		RunID:   e.cfg.RunID,
		Score:   score,
		ZOFI:    row.ZOFI,
		ZCVD:    row.ZCVD,
		Regime:  e.cfg.Regime,
		DivType: row.DivType,
	}

	gate := EvaluateGates(row, consistency, score, e.cfg.Gates)
	if gate.Confirm {
		decision.Confirm = true
		decision.SignalType = ClassifySignal(score, e.cfg.Classifier)
		e.stats.Confirmed++
	} else {
		decision.Gating = true
		decision.GuardReason = gate.Reason
		decision.SignalType = SignalNone
		e.gateBreakdown[gate.Reason]++
		if gate.Reason == GuardWarmup {
			e.stats.WarmupBlocked++
		} else {
			e.stats.GatingBlocked++
		}
		metricBlocked.WithLabelValues(e.cfg.RunID, string(gate.Reason)).Inc()
	}

	e.stats.Emitted++
	metricDecisions.WithLabelValues(e.cfg.RunID, confirmLabel(decision.Confirm)).Inc()

	e.fanOut(decision)
	return nil
}

// RecordRejected counts a row that could not even be decoded into a
// FeatureRow. Decode-level rejects share the rows_rejected counter with
// validation rejects.
func (e *Engine) RecordRejected() {
	e.stats.RowsIn++
	e.stats.RowsRejected++
	metricRowsIn.WithLabelValues(e.cfg.RunID).Inc()
	metricRowsRejected.WithLabelValues(e.cfg.RunID).Inc()
}

// fanOut delivers an independent copy to every sink, so one sink's internal
// bookkeeping can never leak into another's output. A write failure is
// counted and processing continues.
func (e *Engine) fanOut(d *Decision) {
	for _, s := range e.sinks {
		dup := d.Clone()
		if err := e.emitWithRetry(s, dup); err != nil {
			e.stats.SinkErrors++
			metricSinkErrors.WithLabelValues(e.cfg.RunID, s.Name()).Inc()
			log.Error().Err(err).Str("sink", s.Name()).Str("symbol", d.Symbol).Int64("ts_ms", d.TsMs).Msg("Sink write failed")
		}
	}
}

func (e *Engine) emitWithRetry(s Sink, d *Decision) error {
	var lastErr error
	delay := time.Duration(e.cfg.Retry.BaseDelayMs) * time.Millisecond
	for attempt := 1; attempt <= e.cfg.Retry.MaxAttempts; attempt++ {
		lastErr = s.Emit(d)
		if lastErr == nil {
			return nil
		}
		var tr transienter
		if !errors.As(lastErr, &tr) || !tr.IsTransient() {
			return lastErr
		}
		if attempt < e.cfg.Retry.MaxAttempts {
			log.Warn().Err(lastErr).Str("sink", s.Name()).Int("attempt", attempt).Dur("backoff", delay).Msg("Transient sink error, retrying")
			time.Sleep(delay)
			delay *= 2
		}
	}
	return lastErr
}

// Close closes every attached sink, recording the order for the manifest.
// A close failure implies possible data loss for that sink and is logged
// loudly, but it must not block the other sinks' own close.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true

	var firstErr error
	for _, s := range e.sinks {
		e.closeOrder = append(e.closeOrder, s.Name())
		if err := s.Close(); err != nil {
			log.Error().Err(err).Str("sink", s.Name()).Msg("Sink close failed, buffered rows may be lost")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		log.Info().Str("sink", s.Name()).Msg("Sink closed")
	}
	return firstErr
}

// Stats returns a snapshot of the run counters.
func (e *Engine) Stats() RunStats { return e.stats }

// GateReasonBreakdown returns per-reason block counts for the manifest.
func (e *Engine) GateReasonBreakdown() map[string]int64 {
	out := make(map[string]int64, len(e.gateBreakdown))
	for reason, n := range e.gateBreakdown {
		out[string(reason)] = n
	}
	return out
}

// CloseOrder reports the order sinks were closed in, for postmortems.
func (e *Engine) CloseOrder() []string { return e.closeOrder }

func confirmLabel(confirm bool) string {
	if confirm {
		return "true"
	}
	return "false"
}
