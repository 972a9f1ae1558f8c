// Package manifest models and persists run_manifest.json, the per-run
// artifact the verifier tools consume.
package manifest

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/quantfall/microgate/internal/pipeline"
)

// SchemaVersion is bumped whenever the manifest layout changes.
const SchemaVersion = 1

// Filename is the canonical manifest name inside a run directory.
const Filename = "run_manifest.json"

// Manifest is the durable record of one run's outcome.
type Manifest struct {
	SchemaVersion int       `json:"schema_version"`
	RunID         string    `json:"run_id"`
	GeneratedAt   time.Time `json:"generated_at"`
	GitRevision   string    `json:"git_revision,omitempty"`
	ConfigHash    string    `json:"config_hash"`

	Stats            pipeline.RunStats `json:"stats"`
	GateReasonCounts map[string]int64  `json:"gate_reason_breakdown"`
	SinkCloseOrder   []string          `json:"sink_close_order"`
	Perf             *PerfBlock        `json:"perf,omitempty"`
	VerifierResults  json.RawMessage   `json:"verifier_results,omitempty"`
}

// PerfBlock holds wall-clock measurements; the determinism verifier strips
// it before hashing.
type PerfBlock struct {
	WallTimeMs int64   `json:"wall_time_ms"`
	RowsPerSec float64 `json:"rows_per_sec"`
}

// ConfigHash returns the sha256 of a canonical serialization, recorded so
// the determinism verifier can confirm two runs shared a configuration.
func ConfigHash(cfg interface{}) (string, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to serialize config for hashing: %w", err)
	}
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("%x", sum), nil
}

// Save writes the manifest atomically: temp file, fsync, rename.
func Save(m *Manifest, runDir string) error {
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	path := filepath.Join(runDir, Filename)
	tempPath := path + ".tmp"

	tempFile, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp manifest: %w", err)
	}
	defer func() {
		tempFile.Close()
		os.Remove(tempPath)
	}()

	encoder := json.NewEncoder(tempFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(m); err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync manifest: %w", err)
	}
	tempFile.Close()

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to replace manifest: %w", err)
	}
	return nil
}

// Load reads a run directory's manifest.
func Load(runDir string) (*Manifest, error) {
	path := filepath.Join(runDir, Filename)
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer file.Close()

	var m Manifest
	if err := json.NewDecoder(file).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return &m, nil
}

// AttachVerifierResult merges one verifier's report into the run manifest
// under its key ("parity", "determinism") and rewrites the manifest
// atomically. Earlier attachments under other keys survive.
func AttachVerifierResult(runDir, key string, result interface{}) error {
	m, err := Load(runDir)
	if err != nil {
		return err
	}

	results := make(map[string]json.RawMessage)
	if len(m.VerifierResults) > 0 {
		if err := json.Unmarshal(m.VerifierResults, &results); err != nil {
			return fmt.Errorf("failed to decode existing verifier results: %w", err)
		}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode verifier result: %w", err)
	}
	results[key] = raw

	merged, err := json.Marshal(results)
	if err != nil {
		return err
	}
	m.VerifierResults = merged
	return Save(m, runDir)
}

// Canonicalize strips the non-deterministic fields (wall-clock timestamps,
// VCS revision, perf counters, attached verifier reports) and returns a
// stable serialization suitable for cross-run hashing. Verifier attachments
// are post-run operational records; a verified run and an unverified twin
// must still fingerprint equal.
func Canonicalize(m *Manifest) ([]byte, error) {
	clean := *m
	clean.GeneratedAt = time.Time{}
	clean.GitRevision = ""
	clean.Perf = nil
	clean.VerifierResults = nil
	return json.Marshal(&clean)
}
