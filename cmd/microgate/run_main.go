package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantfall/microgate/internal/config"
	"github.com/quantfall/microgate/internal/manifest"
	"github.com/quantfall/microgate/internal/pipeline"
	"github.com/quantfall/microgate/internal/sink"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process a stream of feature rows through the decision pipeline",
		Long: `Streams FeatureRow JSON lines from --input through the engine: resolve
consistency, gate, deduplicate, classify, fan out to the configured sinks,
then write run_manifest.json into the run directory.`,
		RunE: runPipeline,
	}

	cmd.Flags().String("input", "-", "Input JSONL file of feature rows (- for stdin)")
	cmd.Flags().String("config", "", "YAML config path (defaults when empty)")
	cmd.Flags().String("out", "out/run", "Run directory for sink outputs and the manifest")
	cmd.Flags().StringSlice("sinks", nil, "Sink override: jsonl,sqlite,null")
	cmd.Flags().String("run-id", "", "Run ID override (generated when empty)")
	cmd.Flags().Bool("dry-run", false, "Attach only the null sink")

	return cmd
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	inputPath, _ := cmd.Flags().GetString("input")
	configPath, _ := cmd.Flags().GetString("config")
	outDir, _ := cmd.Flags().GetString("out")
	sinkOverride, _ := cmd.Flags().GetStringSlice("sinks")
	runIDFlag, _ := cmd.Flags().GetString("run-id")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if len(sinkOverride) > 0 {
		cfg.Run.Sinks = sinkOverride
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if runIDFlag != "" {
		cfg.Run.RunID = runIDFlag
	}
	if cfg.Run.RunID == "" {
		cfg.Run.RunID = uuid.NewString()
	}
	if dryRun {
		cfg.Run.Sinks = []string{"null"}
	}

	configHash, err := manifest.ConfigHash(cfg)
	if err != nil {
		return err
	}

	sinks, err := buildSinks(cfg, outDir)
	if err != nil {
		return err
	}

	engine := pipeline.NewEngine(pipeline.EngineConfig{
		RunID:      cfg.Run.RunID,
		Regime:     cfg.Run.Regime,
		Gates:      cfg.Gates,
		Classifier: cfg.Classifier,
		Dedup:      cfg.Dedup,
		Retry:      cfg.Retry,
	}, nil, sinks...)

	log.Info().
		Str("run_id", cfg.Run.RunID).
		Str("input", inputPath).
		Strs("sinks", cfg.Run.Sinks).
		Msg("Run starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	started := time.Now()
	streamErr := streamRows(ctx, inputPath, engine)

	// Graceful shutdown: every sink gets its own Close before exit, even
	// when the input loop was interrupted.
	closeErr := engine.Close()

	stats := engine.Stats()
	m := &manifest.Manifest{
		SchemaVersion:    manifest.SchemaVersion,
		RunID:            cfg.Run.RunID,
		GeneratedAt:      time.Now().UTC(),
		GitRevision:      gitRevision(),
		ConfigHash:       configHash,
		Stats:            stats,
		GateReasonCounts: engine.GateReasonBreakdown(),
		SinkCloseOrder:   engine.CloseOrder(),
		Perf: &manifest.PerfBlock{
			WallTimeMs: time.Since(started).Milliseconds(),
			RowsPerSec: float64(stats.RowsIn) / time.Since(started).Seconds(),
		},
	}
	if err := manifest.Save(m, outDir); err != nil {
		return err
	}

	log.Info().
		Int64("rows_in", stats.RowsIn).
		Int64("emitted", stats.Emitted).
		Int64("confirmed", stats.Confirmed).
		Int64("deduplicated", stats.Deduplicated).
		Int64("sink_errors", stats.SinkErrors).
		Msg("Run complete")

	if streamErr != nil {
		return streamErr
	}
	return closeErr
}

func buildSinks(cfg *config.Config, outDir string) ([]pipeline.Sink, error) {
	var sinks []pipeline.Sink
	for _, name := range cfg.Run.Sinks {
		switch name {
		case "null":
			sinks = append(sinks, sink.NewNull())
		case "jsonl":
			jcfg := cfg.JSONL
			if jcfg.Dir == "" {
				jcfg.Dir = filepath.Join(outDir, "jsonl")
			}
			js, err := sink.NewJSONL(jcfg)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, js)
		case "sqlite":
			scfg := cfg.SQLite
			if scfg.Path == "" {
				if err := os.MkdirAll(outDir, 0755); err != nil {
					return nil, err
				}
				scfg.Path = filepath.Join(outDir, "signals.db")
			}
			ss, err := sink.NewSQLite(scfg)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, ss)
		default:
			return nil, fmt.Errorf("unknown sink: %q", name)
		}
	}
	return sinks, nil
}

// streamRows feeds input lines to the engine strictly in arrival order.
// There is no mid-row cancellation; the context is checked between rows.
func streamRows(ctx context.Context, path string, engine *pipeline.Engine) error {
	var reader io.Reader
	if path == "-" {
		reader = os.Stdin
	} else {
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer file.Close()
		reader = file
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			log.Warn().Msg("Terminating signal received, shutting down")
			return nil
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var row pipeline.FeatureRow
		if err := json.Unmarshal(line, &row); err != nil {
			engine.RecordRejected()
			log.Warn().Err(err).Msg("Rejected undecodable row")
			continue
		}
		if err := engine.Process(ctx, &row); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func gitRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			return setting.Value
		}
	}
	return ""
}
