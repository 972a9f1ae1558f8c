package sink

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/quantfall/microgate/internal/pipeline"
)

// SQLiteConfig tunes the sqlite backend.
type SQLiteConfig struct {
	Path      string `yaml:"path"`
	BatchSize int    `yaml:"batch_size"`
}

// signalsSchema uses the composite key so replays of the same window across
// runs never collide and retried writes are naturally idempotent. A
// surrogate autoincrement key would break both properties.
const signalsSchema = `
CREATE TABLE IF NOT EXISTS signals (
	run_id       TEXT    NOT NULL,
	ts_ms        INTEGER NOT NULL,
	symbol       TEXT    NOT NULL,
	score        REAL    NOT NULL,
	z_ofi        REAL,
	z_cvd        REAL,
	regime       TEXT    NOT NULL,
	div_type     TEXT,
	signal_type  TEXT    NOT NULL,
	confirm      INTEGER NOT NULL,
	gating       INTEGER NOT NULL,
	guard_reason TEXT,
	PRIMARY KEY (run_id, ts_ms, symbol)
);`

const insertSignal = `
INSERT OR IGNORE INTO signals
	(run_id, ts_ms, symbol, score, z_ofi, z_cvd, regime, div_type, signal_type, confirm, gating, guard_reason)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SQLite buffers Decisions and writes them in batches inside a transaction.
// Emit may return before a row is durable; Close blocks until every
// buffered row is, then checkpoints the WAL into the main database file
// before the connection closes.
type SQLite struct {
	cfg     SQLiteConfig
	db      *sqlx.DB
	buffer  []*pipeline.Decision
	breaker *gobreaker.CircuitBreaker
}

// NewSQLite opens (or creates) the database in WAL mode and ensures the
// signals table exists.
func NewSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}

	db, err := sqlx.Connect("sqlite3", cfg.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	if _, err := db.Exec(signalsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create signals table: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "sqlite-sink",
		Timeout: 5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	return &SQLite{
		cfg:     cfg,
		db:      db,
		buffer:  make([]*pipeline.Decision, 0, cfg.BatchSize),
		breaker: breaker,
	}, nil
}

func (s *SQLite) Name() string { return "sqlite" }

// Emit buffers the Decision, flushing a full batch.
func (s *SQLite) Emit(d *pipeline.Decision) error {
	s.buffer = append(s.buffer, d)
	if len(s.buffer) >= s.cfg.BatchSize {
		return s.flush()
	}
	return nil
}

// Close flushes the partial batch, checkpoints the WAL, and closes the
// connection, logging each step so operators can confirm no buffered rows
// were silently dropped.
func (s *SQLite) Close() error {
	buffered := len(s.buffer)
	if err := s.flush(); err != nil {
		// The buffered rows are lost either way; the connection must not be.
		if closeErr := s.db.Close(); closeErr != nil {
			log.Error().Err(closeErr).Str("path", s.cfg.Path).Msg("Sqlite sink: close after failed flush also failed")
		}
		log.Error().Err(err).Int("rows", buffered).Str("path", s.cfg.Path).Msg("Sqlite sink: final flush failed, buffered rows lost")
		return err
	}
	log.Info().Int("rows", buffered).Str("path", s.cfg.Path).Msg("Sqlite sink: final batch flushed")

	if _, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		s.db.Close()
		return &Error{Sink: s.Name(), Op: "wal_checkpoint", Err: err}
	}
	log.Info().Str("path", s.cfg.Path).Msg("Sqlite sink: WAL checkpoint complete")

	if err := s.db.Close(); err != nil {
		return &Error{Sink: s.Name(), Op: "close", Err: err}
	}
	log.Info().Str("path", s.cfg.Path).Msg("Sqlite sink: connection closed")
	return nil
}

// flush writes the buffered batch in one transaction. The circuit breaker
// keeps a dead database from burning retries on every subsequent batch.
func (s *SQLite) flush() error {
	if len(s.buffer) == 0 {
		return nil
	}

	batch := s.buffer
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.writeBatch(batch)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return &Error{Sink: s.Name(), Op: "flush", Err: err}
	}
	if err != nil {
		return &Error{Sink: s.Name(), Op: "flush", Transient: true, Err: err}
	}

	s.buffer = s.buffer[:0]
	return nil
}

func (s *SQLite) writeBatch(batch []*pipeline.Decision) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(insertSignal)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range batch {
		var reason interface{}
		if d.GuardReason != "" {
			reason = string(d.GuardReason)
		}
		_, err := stmt.Exec(
			d.RunID, d.TsMs, d.Symbol, d.Score, d.ZOFI, d.ZCVD,
			d.Regime, d.DivType, string(d.SignalType),
			boolToInt(d.Confirm), boolToInt(d.Gating), reason,
		)
		if err != nil {
			return fmt.Errorf("failed to insert signal: %w", err)
		}
	}

	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
