package verify

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// minuteFormat keys per-minute buckets in parity output.
const minuteFormat = "2006-01-02T15:04"

// BackendStats summarizes one backend's rows for the parity report.
type BackendStats struct {
	TotalRows   int64            `json:"total_rows"`
	Minutes     int              `json:"minutes"`
	FirstMinute string           `json:"first_minute,omitempty"`
	LastMinute  string           `json:"last_minute,omitempty"`
	PerMinute   map[string]int64 `json:"per_minute"`
}

// MinuteDiff is one per-minute discrepancy between the two backends.
type MinuteDiff struct {
	Minute      string  `json:"minute"`
	JSONLCount  int64   `json:"jsonl_count"`
	SQLiteCount int64   `json:"sqlite_count"`
	Diff        int64   `json:"diff"`
	DiffPct     float64 `json:"diff_pct"`
}

// WindowAlignment describes the overlap actually shared by both backends.
type WindowAlignment struct {
	Status         string `json:"status"` // aligned, partial, disjoint, empty
	FirstMinute    string `json:"first_minute,omitempty"`
	LastMinute     string `json:"last_minute,omitempty"`
	OverlapMinutes int    `json:"overlap_minutes"`
}

// ParityReport is the parity_diff.json payload.
type ParityReport struct {
	JSONLStats               BackendStats    `json:"jsonl_stats"`
	SQLiteStats              BackendStats    `json:"sqlite_stats"`
	Differences              ParitySummary   `json:"differences"`
	Threshold                float64         `json:"threshold"`
	Passed                   bool            `json:"passed"`
	WindowAlignment          WindowAlignment `json:"window_alignment"`
	TopMinuteDiffs           []MinuteDiff    `json:"top_minute_diffs"`
	ThresholdExceededMinutes []string        `json:"threshold_exceeded_minutes"`
}

// ParitySummary aggregates the per-minute comparison.
type ParitySummary struct {
	MinutesCompared   int     `json:"minutes_compared"`
	MinutesMismatched int     `json:"minutes_mismatched"`
	TotalAbsDiff      int64   `json:"total_abs_diff"`
	MaxDiffPct        float64 `json:"max_diff_pct"`
}

// CheckParity compares the JSONL and sqlite outputs of one run as two
// independent measurements of the same thing. thresholdPct is the maximum
// tolerated per-minute percentage difference inside the overlap window;
// topN limits the largest-discrepancy list.
func CheckParity(jsonlDir, sqlitePath string, thresholdPct float64, topN int) (*ParityReport, error) {
	jsonlStats, err := jsonlMinuteCounts(jsonlDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read jsonl output: %w", err)
	}
	sqliteStats, err := sqliteMinuteCounts(sqlitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read sqlite output: %w", err)
	}

	report := &ParityReport{
		JSONLStats:  *jsonlStats,
		SQLiteStats: *sqliteStats,
		Threshold:   thresholdPct,
		Passed:      true,
	}

	overlap := overlapMinutes(jsonlStats.PerMinute, sqliteStats.PerMinute)
	report.WindowAlignment = alignWindows(jsonlStats, sqliteStats, overlap)

	var diffs []MinuteDiff
	for _, minute := range overlap {
		j := jsonlStats.PerMinute[minute]
		s := sqliteStats.PerMinute[minute]
		diff := j - s
		if diff < 0 {
			diff = -diff
		}
		pct := 0.0
		if denom := math.Max(float64(j), float64(s)); denom > 0 {
			pct = float64(diff) / denom * 100
		}

		report.Differences.MinutesCompared++
		if diff != 0 {
			report.Differences.MinutesMismatched++
			report.Differences.TotalAbsDiff += diff
			diffs = append(diffs, MinuteDiff{
				Minute: minute, JSONLCount: j, SQLiteCount: s, Diff: diff, DiffPct: pct,
			})
		}
		if pct > report.Differences.MaxDiffPct {
			report.Differences.MaxDiffPct = pct
		}
		if pct > thresholdPct {
			report.Passed = false
			report.ThresholdExceededMinutes = append(report.ThresholdExceededMinutes, minute)
		}
	}

	// A disjoint window means the two backends did not record the same run.
	if report.WindowAlignment.Status == "disjoint" {
		report.Passed = false
	}

	sort.Slice(diffs, func(i, j int) bool {
		if diffs[i].Diff != diffs[j].Diff {
			return diffs[i].Diff > diffs[j].Diff
		}
		return diffs[i].Minute < diffs[j].Minute
	})
	if topN > 0 && len(diffs) > topN {
		diffs = diffs[:topN]
	}
	report.TopMinuteDiffs = diffs

	log.Info().
		Int("minutes_compared", report.Differences.MinutesCompared).
		Int("minutes_mismatched", report.Differences.MinutesMismatched).
		Bool("passed", report.Passed).
		Msg("Parity comparison completed")

	return report, nil
}

// WriteReport writes parity_diff.json into the run directory.
func WriteReport(report *ParityReport, runDir string) error {
	path := filepath.Join(runDir, "parity_diff.json")
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create parity report: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		return fmt.Errorf("failed to encode parity report: %w", err)
	}
	return nil
}

func jsonlMinuteCounts(dir string) (*BackendStats, error) {
	stats := &BackendStats{PerMinute: make(map[string]int64)}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasPrefix(d.Name(), "signals_") || !strings.HasSuffix(d.Name(), ".jsonl") {
			return nil
		}
		return countFileMinutes(path, stats)
	})
	if err != nil {
		return nil, err
	}

	finishStats(stats)
	return stats, nil
}

func countFileMinutes(path string, stats *BackendStats) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var row struct {
			TsMs int64 `json:"ts_ms"`
		}
		if err := json.Unmarshal(line, &row); err != nil {
			return fmt.Errorf("malformed line in %s: %w", path, err)
		}
		stats.PerMinute[minuteKey(row.TsMs)]++
		stats.TotalRows++
	}
	return scanner.Err()
}

func sqliteMinuteCounts(path string) (*BackendStats, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := sqlx.Connect("sqlite3", path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT (ts_ms / 60000) * 60000 AS bucket, COUNT(*) FROM signals GROUP BY bucket`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &BackendStats{PerMinute: make(map[string]int64)}
	for rows.Next() {
		var bucket, count int64
		if err := rows.Scan(&bucket, &count); err != nil {
			return nil, err
		}
		stats.PerMinute[minuteKey(bucket)] = count
		stats.TotalRows += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	finishStats(stats)
	return stats, nil
}

func minuteKey(tsMs int64) string {
	return time.UnixMilli(tsMs).UTC().Truncate(time.Minute).Format(minuteFormat)
}

func finishStats(stats *BackendStats) {
	stats.Minutes = len(stats.PerMinute)
	minutes := sortedMinutes(stats.PerMinute)
	if len(minutes) > 0 {
		stats.FirstMinute = minutes[0]
		stats.LastMinute = minutes[len(minutes)-1]
	}
}

func sortedMinutes(perMinute map[string]int64) []string {
	out := make([]string, 0, len(perMinute))
	for m := range perMinute {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func overlapMinutes(a, b map[string]int64) []string {
	var out []string
	for m := range a {
		if _, ok := b[m]; ok {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

func alignWindows(jsonl, sqlite *BackendStats, overlap []string) WindowAlignment {
	switch {
	case jsonl.Minutes == 0 && sqlite.Minutes == 0:
		return WindowAlignment{Status: "empty"}
	case len(overlap) == 0:
		return WindowAlignment{Status: "disjoint"}
	}

	wa := WindowAlignment{
		FirstMinute:    overlap[0],
		LastMinute:     overlap[len(overlap)-1],
		OverlapMinutes: len(overlap),
	}
	if len(overlap) == jsonl.Minutes && len(overlap) == sqlite.Minutes {
		wa.Status = "aligned"
	} else {
		wa.Status = "partial"
	}
	return wa
}
