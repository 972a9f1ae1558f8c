package sink

import (
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfall/microgate/internal/pipeline"
)

func newTestSQLite(t *testing.T) (*SQLite, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signals.db")
	s, err := NewSQLite(SQLiteConfig{Path: path, BatchSize: 2})
	require.NoError(t, err)
	return s, path
}

func TestSQLite_RoundTripViaFreshConnection(t *testing.T) {
	s, path := newTestSQLite(t)

	want := testDecision(1700000000000, "BTCUSDT")
	require.NoError(t, s.Emit(want))
	require.NoError(t, s.Close())

	db, err := sqlx.Connect("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	var got struct {
		Symbol  string  `db:"symbol"`
		Score   float64 `db:"score"`
		Confirm int     `db:"confirm"`
		Gating  int     `db:"gating"`
	}
	err = db.Get(&got, `SELECT symbol, score, confirm, gating FROM signals WHERE run_id = ?`, want.RunID)
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.Equal(t, 0.85, got.Score)
	assert.Equal(t, 1, got.Confirm, "confirm stored as 0/1")
	assert.Equal(t, 0, got.Gating)
}

func TestSQLite_BatchFlushOnSize(t *testing.T) {
	s, path := newTestSQLite(t)
	defer s.Close()

	require.NoError(t, s.Emit(testDecision(1000, "BTCUSDT")))
	require.NoError(t, s.Emit(testDecision(2000, "BTCUSDT")))

	// Batch size 2: the rows above are already committed.
	db, err := sqlx.Connect("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.Get(&count, `SELECT COUNT(*) FROM signals`))
	assert.Equal(t, 2, count)
}

func TestSQLite_ReplayedWriteIsIdempotent(t *testing.T) {
	s, path := newTestSQLite(t)

	d := testDecision(1700000000000, "BTCUSDT")
	require.NoError(t, s.Emit(d.Clone()))
	require.NoError(t, s.Emit(d.Clone()))
	require.NoError(t, s.Close())

	db, err := sqlx.Connect("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	// Composite primary key plus INSERT OR IGNORE: replaying the same
	// (run_id, ts_ms, symbol) never produces a second row.
	var count int
	require.NoError(t, db.Get(&count, `SELECT COUNT(*) FROM signals`))
	assert.Equal(t, 1, count)
}

func TestSQLite_DistinctRunsDoNotCollide(t *testing.T) {
	s, path := newTestSQLite(t)

	first := testDecision(1700000000000, "BTCUSDT")
	second := testDecision(1700000000000, "BTCUSDT")
	second.RunID = "run-replay"
	require.NoError(t, s.Emit(first))
	require.NoError(t, s.Emit(second))
	require.NoError(t, s.Close())

	db, err := sqlx.Connect("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.Get(&count, `SELECT COUNT(*) FROM signals`))
	assert.Equal(t, 2, count, "same window across runs must coexist")
}

func TestSQLite_CloseAfterFailedFlushReleasesConnection(t *testing.T) {
	s, path := newTestSQLite(t)

	// Break the final flush by dropping the table out from under the sink.
	db, err := sqlx.Connect("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`DROP TABLE signals`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	require.NoError(t, s.Emit(testDecision(1700000000000, "BTCUSDT")))

	err = s.Close()
	require.Error(t, err)
	var sinkErr *Error
	require.ErrorAs(t, err, &sinkErr)
	assert.Equal(t, "flush", sinkErr.Op)
	assert.Error(t, s.db.Ping(), "handle must be closed even when the flush fails")
}

func TestSQLite_NullableColumns(t *testing.T) {
	s, path := newTestSQLite(t)

	d := testDecision(1700000000000, "BTCUSDT")
	d.ZOFI = nil
	d.ZCVD = nil
	d.DivType = nil
	d.Confirm = false
	d.Gating = true
	d.GuardReason = pipeline.GuardWarmup
	d.SignalType = pipeline.SignalNone
	require.NoError(t, s.Emit(d))
	require.NoError(t, s.Close())

	db, err := sqlx.Connect("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	var got struct {
		ZOFI        *float64 `db:"z_ofi"`
		GuardReason *string  `db:"guard_reason"`
		Gating      int      `db:"gating"`
	}
	require.NoError(t, db.Get(&got, `SELECT z_ofi, guard_reason, gating FROM signals`))
	assert.Nil(t, got.ZOFI)
	require.NotNil(t, got.GuardReason)
	assert.Equal(t, "warmup", *got.GuardReason)
	assert.Equal(t, 1, got.Gating)
}
