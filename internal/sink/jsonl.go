package sink

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfall/microgate/internal/pipeline"
)

// JSONLSchemaVersion is recorded in each data file's sidecar.
const JSONLSchemaVersion = 1

// JSONLConfig tunes the line-delimited backend.
type JSONLConfig struct {
	Dir string `yaml:"dir"`

	// RotateEverySec is the time-bucket width for file partitioning, in
	// seconds. Buckets are derived from row ts_ms, not wall clock, so
	// replays land in the same files.
	RotateEverySec int `yaml:"rotate_every_sec"`
}

// JSONL appends Decisions to one UTF-8 JSON-lines file per (symbol,
// time-bucket). On rotation and on close, buffered writes are flushed and
// fsync'd before the handle closes: a crash just after a minute boundary
// must not lose the completed file. A sidecar meta.json records the schema
// version and row count for each completed data file.
type JSONL struct {
	cfg    JSONLConfig
	bucket time.Duration
	parts  map[string]*jsonlPart // keyed by symbol
}

type jsonlPart struct {
	symbol string
	bucket time.Time
	path   string
	file   *os.File
	buf    *bufio.Writer
	rows   int
}

// NewJSONL creates the backend rooted at cfg.Dir.
func NewJSONL(cfg JSONLConfig) (*JSONL, error) {
	bucket := time.Duration(cfg.RotateEverySec) * time.Second
	if bucket <= 0 {
		bucket = time.Minute
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create jsonl dir: %w", err)
	}
	return &JSONL{cfg: cfg, bucket: bucket, parts: make(map[string]*jsonlPart)}, nil
}

func (s *JSONL) Name() string { return "jsonl" }

// Emit appends one Decision line, rotating the symbol's file when the row
// crosses a bucket boundary.
func (s *JSONL) Emit(d *pipeline.Decision) error {
	bucket := time.UnixMilli(d.TsMs).UTC().Truncate(s.bucket)

	part, ok := s.parts[d.Symbol]
	if ok && !part.bucket.Equal(bucket) {
		if err := s.closePart(part); err != nil {
			return err
		}
		ok = false
	}
	if !ok {
		p, err := s.openPart(d.Symbol, bucket)
		if err != nil {
			return err
		}
		s.parts[d.Symbol] = p
		part = p
	}

	line, err := json.Marshal(d)
	if err != nil {
		return &Error{Sink: s.Name(), Op: "marshal", Err: err}
	}
	if _, err := part.buf.Write(line); err != nil {
		return &Error{Sink: s.Name(), Op: "write", Transient: true, Err: err}
	}
	if err := part.buf.WriteByte('\n'); err != nil {
		return &Error{Sink: s.Name(), Op: "write", Transient: true, Err: err}
	}
	part.rows++
	return nil
}

// Close flushes and fsyncs every open partition, writing its sidecar.
func (s *JSONL) Close() error {
	var firstErr error
	for _, part := range s.parts {
		if err := s.closePart(part); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.parts = make(map[string]*jsonlPart)
	return firstErr
}

func (s *JSONL) openPart(symbol string, bucket time.Time) (*jsonlPart, error) {
	dir := filepath.Join(s.cfg.Dir, symbol)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &Error{Sink: s.Name(), Op: "mkdir", Err: err}
	}

	path := filepath.Join(dir, fmt.Sprintf("signals_%s.jsonl", bucket.Format("20060102T1504")))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, &Error{Sink: s.Name(), Op: "open", Transient: true, Err: err}
	}

	return &jsonlPart{
		symbol: symbol,
		bucket: bucket,
		path:   path,
		file:   file,
		buf:    bufio.NewWriter(file),
		rows:   seedRowCount(path),
	}, nil
}

// seedRowCount recovers the row count of an existing data file so the
// sidecar stays cumulative when a bucket is revisited, either within one
// sink lifetime (out-of-order rows reopen a closed bucket) or across
// lifetimes (replay appends in O_APPEND mode). The prior sidecar is the
// cheap source; a missing or unreadable one falls back to counting lines.
func seedRowCount(path string) int {
	if raw, err := os.ReadFile(path + ".meta.json"); err == nil {
		var meta struct {
			Rows int `json:"rows"`
		}
		if json.Unmarshal(raw, &meta) == nil && meta.Rows > 0 {
			return meta.Rows
		}
	}

	file, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer file.Close()

	rows := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			rows++
		}
	}
	return rows
}

// closePart forces unflushed writes to disk before the handle closes.
func (s *JSONL) closePart(part *jsonlPart) error {
	if err := part.buf.Flush(); err != nil {
		part.file.Close()
		return &Error{Sink: s.Name(), Op: "flush", Transient: true, Err: err}
	}
	if err := part.file.Sync(); err != nil {
		part.file.Close()
		return &Error{Sink: s.Name(), Op: "sync", Err: err}
	}
	if err := part.file.Close(); err != nil {
		return &Error{Sink: s.Name(), Op: "close", Err: err}
	}

	if err := s.writeSidecar(part); err != nil {
		// The data file itself is durable; a lost sidecar is log-worthy
		// but not data loss.
		log.Warn().Err(err).Str("path", part.path).Msg("Failed to write jsonl sidecar")
	}
	return nil
}

func (s *JSONL) writeSidecar(part *jsonlPart) error {
	meta := map[string]interface{}{
		"schema_version": JSONLSchemaVersion,
		"rows":           part.rows,
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(part.path+".meta.json", append(raw, '\n'), 0644)
}
