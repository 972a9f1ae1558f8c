package sink

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfall/microgate/internal/pipeline"
)

func fptr(v float64) *float64 { return &v }

func testDecision(tsMs int64, symbol string) *pipeline.Decision {
	return &pipeline.Decision{
		TsMs:       tsMs,
		Symbol:     symbol,
		RunID:      "run-jsonl-test",
		Score:      0.85,
		ZOFI:       fptr(1.2),
		ZCVD:       fptr(0.9),
		Regime:     "trending",
		SignalType: pipeline.SignalStrongBuy,
		Confirm:    true,
	}
}

func TestJSONL_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewJSONL(JSONLConfig{Dir: dir, RotateEverySec: 60})
	require.NoError(t, err)

	want := testDecision(1700000000000, "BTCUSDT")
	require.NoError(t, s.Emit(want))
	require.NoError(t, s.Close())

	files, err := filepath.Glob(filepath.Join(dir, "BTCUSDT", "signals_*.jsonl"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	file, err := os.Open(files[0])
	require.NoError(t, err)
	defer file.Close()

	scanner := bufio.NewScanner(file)
	require.True(t, scanner.Scan())

	var got pipeline.Decision
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &got))
	assert.Equal(t, want.Symbol, got.Symbol)
	assert.Equal(t, want.Score, got.Score)
	assert.Equal(t, want.Confirm, got.Confirm)
	assert.Equal(t, want.Gating, got.Gating)
	assert.False(t, scanner.Scan(), "exactly one line expected")
}

func TestJSONL_RotatesOnMinuteBoundary(t *testing.T) {
	dir := t.TempDir()
	s, err := NewJSONL(JSONLConfig{Dir: dir, RotateEverySec: 60})
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	require.NoError(t, s.Emit(testDecision(base, "BTCUSDT")))
	require.NoError(t, s.Emit(testDecision(base+30_000, "BTCUSDT")))
	require.NoError(t, s.Emit(testDecision(base+61_000, "BTCUSDT")))
	require.NoError(t, s.Close())

	files, err := filepath.Glob(filepath.Join(dir, "BTCUSDT", "signals_*.jsonl"))
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestJSONL_PartitionsBySymbol(t *testing.T) {
	dir := t.TempDir()
	s, err := NewJSONL(JSONLConfig{Dir: dir, RotateEverySec: 60})
	require.NoError(t, err)

	require.NoError(t, s.Emit(testDecision(1700000000000, "BTCUSDT")))
	require.NoError(t, s.Emit(testDecision(1700000000000, "ETHUSDT")))
	require.NoError(t, s.Close())

	for _, symbol := range []string{"BTCUSDT", "ETHUSDT"} {
		files, err := filepath.Glob(filepath.Join(dir, symbol, "signals_*.jsonl"))
		require.NoError(t, err)
		assert.Len(t, files, 1, symbol)
	}
}

func TestJSONL_SidecarRecordsRowCount(t *testing.T) {
	dir := t.TempDir()
	s, err := NewJSONL(JSONLConfig{Dir: dir, RotateEverySec: 60})
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	require.NoError(t, s.Emit(testDecision(base, "BTCUSDT")))
	require.NoError(t, s.Emit(testDecision(base+1000, "BTCUSDT")))
	require.NoError(t, s.Close())

	sidecars, err := filepath.Glob(filepath.Join(dir, "BTCUSDT", "signals_*.jsonl.meta.json"))
	require.NoError(t, err)
	require.Len(t, sidecars, 1)

	raw, err := os.ReadFile(sidecars[0])
	require.NoError(t, err)

	var meta struct {
		SchemaVersion int `json:"schema_version"`
		Rows          int `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.Equal(t, JSONLSchemaVersion, meta.SchemaVersion)
	assert.Equal(t, 2, meta.Rows)
}

func TestJSONL_SidecarStaysCumulativeOnBucketRevisit(t *testing.T) {
	dir := t.TempDir()
	s, err := NewJSONL(JSONLConfig{Dir: dir, RotateEverySec: 60})
	require.NoError(t, err)

	// Out-of-order input: the 12:01 row closes the 12:00 bucket, then a late
	// 12:00 row reopens it. The data file accumulates in append mode; the
	// sidecar must count every session, not just the last one.
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	require.NoError(t, s.Emit(testDecision(base, "BTCUSDT")))
	require.NoError(t, s.Emit(testDecision(base+1000, "BTCUSDT")))
	require.NoError(t, s.Emit(testDecision(base+61_000, "BTCUSDT")))
	require.NoError(t, s.Emit(testDecision(base+2000, "BTCUSDT")))
	require.NoError(t, s.Close())

	path := filepath.Join(dir, "BTCUSDT", "signals_20260301T1200.jsonl")
	assert.Equal(t, 3, countLines(t, path))

	raw, err := os.ReadFile(path + ".meta.json")
	require.NoError(t, err)
	var meta struct {
		Rows int `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.Equal(t, 3, meta.Rows)
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	n := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			n++
		}
	}
	require.NoError(t, scanner.Err())
	return n
}

func TestJSONL_ReplayAppendsToSameBucketFile(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()

	// Two sink lifetimes over the same bucket: file buckets derive from row
	// timestamps, so both land in the same file.
	s, err := NewJSONL(JSONLConfig{Dir: dir, RotateEverySec: 60})
	require.NoError(t, err)
	require.NoError(t, s.Emit(testDecision(base, "BTCUSDT")))
	require.NoError(t, s.Close())

	s, err = NewJSONL(JSONLConfig{Dir: dir, RotateEverySec: 60})
	require.NoError(t, err)
	require.NoError(t, s.Emit(testDecision(base+1000, "BTCUSDT")))
	require.NoError(t, s.Close())

	files, err := filepath.Glob(filepath.Join(dir, "BTCUSDT", "signals_*.jsonl"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, 2, countLines(t, files[0]))

	raw, err := os.ReadFile(files[0] + ".meta.json")
	require.NoError(t, err)
	var meta struct {
		Rows int `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.Equal(t, 2, meta.Rows, "sidecar covers both sink lifetimes")
}
