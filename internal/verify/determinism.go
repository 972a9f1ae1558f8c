// Package verify holds the offline parity and determinism checkers. Both
// are CI tools: they read finished run directories, never live engine
// state, and report regressions through their exit status.
package verify

import (
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/quantfall/microgate/internal/manifest"
)

// canonicalFiles are the run artifacts whose bytes must be a pure function
// of (config, input). Matched by base name against the run directory tree.
var canonicalFiles = []string{"trades.jsonl", "daily_pnl.jsonl"}

// FileHash records one canonical file's digest within a run.
type FileHash struct {
	Path   string `json:"path"` // relative to the run directory
	SHA256 string `json:"sha256"`
}

// RunFingerprint is the combined determinism fingerprint of one run dir.
type RunFingerprint struct {
	RunDir       string     `json:"run_dir"`
	Combined     string     `json:"combined_sha256"`
	Files        []FileHash `json:"files"`
	ManifestHash string     `json:"manifest_sha256"`
}

// DeterminismReport compares fingerprints across ≥2 runs of identical
// config and input.
type DeterminismReport struct {
	Passed       bool             `json:"passed"`
	Fingerprints []RunFingerprint `json:"fingerprints"`
	FirstDiff    string           `json:"first_diff,omitempty"`
}

// CheckDeterminism fingerprints each run directory and asserts all combined
// hashes match. A mismatch is a hard regression: the pipeline must be a
// pure function of (config, input).
func CheckDeterminism(runDirs []string) (*DeterminismReport, error) {
	if len(runDirs) < 2 {
		return nil, fmt.Errorf("determinism check needs at least 2 run directories, got %d", len(runDirs))
	}

	report := &DeterminismReport{Passed: true}
	for _, dir := range runDirs {
		fp, err := Fingerprint(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to fingerprint %s: %w", dir, err)
		}
		report.Fingerprints = append(report.Fingerprints, *fp)
	}

	base := report.Fingerprints[0]
	for _, fp := range report.Fingerprints[1:] {
		if fp.Combined == base.Combined {
			continue
		}
		report.Passed = false
		report.FirstDiff = firstDifferingFile(base, fp)
		log.Error().
			Str("baseline", base.RunDir).
			Str("candidate", fp.RunDir).
			Str("first_diff", report.FirstDiff).
			Msg("Determinism mismatch")
	}
	return report, nil
}

// Fingerprint hashes a run directory's canonical artifacts: every signals
// JSONL file, the fixed-name outputs when present, and the canonicalized
// manifest with non-deterministic fields stripped.
func Fingerprint(runDir string) (*RunFingerprint, error) {
	fp := &RunFingerprint{RunDir: runDir}

	err := filepath.WalkDir(runDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isCanonical(d.Name()) {
			return nil
		}
		sum, err := hashFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(runDir, path)
		if err != nil {
			return err
		}
		fp.Files = append(fp.Files, FileHash{Path: filepath.ToSlash(rel), SHA256: sum})
		return nil
	})
	if err != nil {
		return nil, err
	}

	m, err := manifest.Load(runDir)
	if err != nil {
		return nil, err
	}
	canonical, err := manifest.Canonicalize(m)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canonical)
	fp.ManifestHash = fmt.Sprintf("%x", sum)

	// Stable ordering, then one digest over (path, hash) pairs plus the
	// manifest hash.
	sort.Slice(fp.Files, func(i, j int) bool { return fp.Files[i].Path < fp.Files[j].Path })
	combined := sha256.New()
	for _, f := range fp.Files {
		fmt.Fprintf(combined, "%s %s\n", f.Path, f.SHA256)
	}
	fmt.Fprintf(combined, "manifest %s\n", fp.ManifestHash)
	fp.Combined = fmt.Sprintf("%x", combined.Sum(nil))

	return fp, nil
}

func isCanonical(name string) bool {
	if strings.HasPrefix(name, "signals_") && strings.HasSuffix(name, ".jsonl") {
		return true
	}
	for _, f := range canonicalFiles {
		if name == f {
			return true
		}
	}
	return false
}

func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func firstDifferingFile(a, b RunFingerprint) string {
	byPath := make(map[string]string, len(a.Files))
	for _, f := range a.Files {
		byPath[f.Path] = f.SHA256
	}
	for _, f := range b.Files {
		if sum, ok := byPath[f.Path]; !ok || sum != f.SHA256 {
			return f.Path
		}
	}
	for _, f := range a.Files {
		found := false
		for _, g := range b.Files {
			if g.Path == f.Path {
				found = true
				break
			}
		}
		if !found {
			return f.Path
		}
	}
	if a.ManifestHash != b.ManifestHash {
		return manifest.Filename
	}
	return ""
}
