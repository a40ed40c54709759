package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/deepnoodle-ai/campaign"
	"github.com/deepnoodle-ai/campaign/checkpoint"
	"github.com/deepnoodle-ai/campaign/config"
	"github.com/deepnoodle-ai/campaign/drivers"
	"github.com/deepnoodle-ai/campaign/matrix"
	"github.com/deepnoodle-ai/campaign/matrix/sqlstore"
	"github.com/deepnoodle-ai/campaign/stats"
	"github.com/fatih/color"
)

// CLI flags
type Flags struct {
	ConfigFile string
	Reset      bool
	Yes        bool
	JSON       bool
	Verbose    bool
	Timeout    time.Duration
	MergeInto  string
}

func main() {
	flags := parseFlags()
	if flags.ConfigFile == "" {
		color.Red("Error: campaign file is required")
		flag.Usage()
		os.Exit(1)
	}
	if err := run(flags); err != nil {
		var cErr *campaign.Error
		if errors.As(err, &cErr) {
			color.Red("Error (%s): %s", cErr.Type, cErr.Cause)
		} else {
			color.Red("Error: %v", err)
		}
		os.Exit(1)
	}
}

func parseFlags() *Flags {
	flags := &Flags{}

	flag.StringVar(&flags.ConfigFile, "config", "", "Path to the YAML campaign file (required)")
	flag.StringVar(&flags.ConfigFile, "c", "", "Path to the YAML campaign file (shorthand)")
	flag.BoolVar(&flags.Reset, "reset", false, "Discard the checkpoint and matrices of a previous run")
	flag.BoolVar(&flags.Yes, "yes", false, "Trust checkpoint backups without asking")
	flag.BoolVar(&flags.JSON, "json", false, "Log and print results in JSON format")
	flag.BoolVar(&flags.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&flags.Verbose, "v", false, "Enable verbose logging (shorthand)")
	flag.DurationVar(&flags.Timeout, "timeout", 0, "Campaign timeout (e.g., 30m, 4h)")
	flag.StringVar(&flags.MergeInto, "merge-into", "", "Directory of matrices to merge the results into")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Campaign CLI - Run coverage and mutation test campaigns

Usage: %s [options] -config <campaign.yaml>

Examples:
  # Run or resume a campaign
  %s -c campaign.yaml

  # Start over, discarding previous progress
  %s -c campaign.yaml -reset

Options:
`, os.Args[0], os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()
	return flags
}

func setupLogger(flags *Flags) *slog.Logger {
	if flags.JSON {
		return campaign.NewJSONLogger()
	}
	if flags.Verbose {
		return campaign.NewLevelLogger(slog.LevelDebug)
	}
	return campaign.NewLevelLogger(slog.LevelWarn)
}

func run(flags *Flags) error {
	cfg, err := config.LoadFile(flags.ConfigFile)
	if err != nil {
		return campaign.NewError(campaign.ErrorTypeConfiguration, err.Error())
	}
	logger := setupLogger(flags)

	var confirmer checkpoint.Confirmer = checkpoint.NewTerminalConfirmer()
	if flags.Yes {
		confirmer = checkpoint.AutoConfirmer(true)
	}
	cp, published, err := openCheckpoints(cfg, flags.Reset, confirmer, logger)
	if err != nil {
		return err
	}
	if flags.Reset {
		color.Yellow("Previous progress discarded")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if flags.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flags.Timeout)
		defer cancel()
	}

	executorOpts := cfg.ExecutorOptions()
	executorOpts.Logger = logger
	executor, err := drivers.NewCommandExecutor(ctx, executorOpts)
	if err != nil {
		return campaign.NewError(campaign.ErrorTypeConfiguration, err.Error())
	}
	toolOpts := cfg.ToolOptions()
	toolOpts.Logger = logger
	tool, err := drivers.NewManifestTool(toolOpts)
	if err != nil {
		return campaign.NewError(campaign.ErrorTypeConfiguration, err.Error())
	}

	var executionLog campaign.ExecutionLogger = campaign.NewNullExecutionLogger()
	if cfg.LogDir != "" {
		executionLog = campaign.NewFileExecutionLogger(cfg.LogDir)
	}

	o, err := campaign.New(campaign.Options{
		Tool:            tool,
		Executor:        executor,
		Checkpoint:      cp,
		WorkDir:         cfg.WorkDir,
		SerializePeriod: cfg.SerializePeriod,
		Workers:         cfg.Workers,
		Logger:          logger,
		ExecutionLog:    executionLog,
		Callbacks:       &progress{quiet: flags.JSON},
	})
	if err != nil {
		return err
	}

	tests := cfg.TestIDs()
	matrices := map[campaign.Criterion]*matrix.Matrix{}
	for _, c := range cfg.RequestedCriteria() {
		m, err := matrix.New(cfg.MatrixPath(c), tests)
		if err != nil {
			return campaign.ClassifyError(err)
		}
		matrices[c] = m
	}

	if !flags.JSON {
		color.Green("Starting campaign (ID: %s)...", o.RunID())
	}
	start := time.Now()
	err = o.Run(ctx, campaign.RunInput{
		Tests:           tests,
		Matrices:        matrices,
		Elements:        cfg.ElementsOf(),
		Reinstrument:    cfg.Reinstrument,
		StopAtFirstKill: cfg.StopAtFirstKill,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			color.Yellow("Campaign interrupted after %v, run again to resume", time.Since(start).Round(time.Millisecond))
		}
		return err
	}

	if err := publish(ctx, published, cfg, flags.MergeInto, o.RunID(), matrices, logger); err != nil {
		return err
	}
	return showResults(cfg.RequestedCriteria(), matrices, time.Since(start), flags)
}

const (
	campaignCheckpointID = "campaign"
	publishCheckpointID  = "publish"
)

// openCheckpoints opens the campaign checkpoint and the checkpoint of the
// archive and merge step. The latter depends on the former, so it restarts
// whenever a new campaign starts. With reset, stores are removed without
// being read, discarding even a corrupt checkpoint.
func openCheckpoints(cfg *config.Config, reset bool, confirmer checkpoint.Confirmer, logger *slog.Logger) (*checkpoint.Persistent, *checkpoint.Persistent, error) {
	campaignOpts := checkpoint.Options{Path: cfg.Checkpoint, Confirmer: confirmer, Logger: logger}
	publishOpts := checkpoint.Options{
		Path:      filepath.Join(filepath.Dir(cfg.Checkpoint), "publish_"+filepath.Base(cfg.Checkpoint)),
		Confirmer: confirmer,
		Logger:    logger,
	}
	if reset {
		for _, opts := range []checkpoint.Options{publishOpts, campaignOpts} {
			if err := checkpoint.Remove(opts); err != nil {
				return nil, nil, err
			}
		}
		if err := os.RemoveAll(cfg.MatrixDir); err != nil {
			return nil, nil, fmt.Errorf("failed to remove matrices: %w", err)
		}
	}

	graph := checkpoint.NewGraph()
	cp, err := graph.Register(campaignCheckpointID, campaignOpts)
	if err != nil {
		return nil, nil, campaign.ClassifyError(err)
	}
	published, err := graph.Register(publishCheckpointID, publishOpts)
	if err != nil {
		return nil, nil, campaign.ClassifyError(err)
	}
	if err := graph.DependOn(campaignCheckpointID, publishCheckpointID); err != nil {
		return nil, nil, err
	}
	return cp, published, nil
}

// publishProgress records what was already done with the matrices of a
// completed campaign.
type publishProgress struct {
	Archived bool     `json:"archived"`
	Merged   []string `json:"merged"`
}

// publish archives the matrices and merges them into mergeDir, each at most
// once per campaign.
func publish(ctx context.Context, cp *checkpoint.Persistent, cfg *config.Config, mergeDir, runID string, matrices map[campaign.Criterion]*matrix.Matrix, logger *slog.Logger) error {
	if cfg.Archive == nil && mergeDir == "" {
		return nil
	}
	payload, _, err := cp.LoadOrStart()
	if err != nil {
		return campaign.ClassifyError(err)
	}
	var done publishProgress
	if payload != nil {
		if err := json.Unmarshal(payload, &done); err != nil {
			return campaign.ClassifyError(fmt.Errorf("%w: invalid publish progress: %v", checkpoint.ErrCorrupt, err))
		}
	}

	if cfg.Archive != nil && !done.Archived {
		if err := archive(ctx, cfg.Archive, runID, matrices, logger); err != nil {
			return err
		}
		done.Archived = true
		if err := cp.Write(done); err != nil {
			return campaign.ClassifyError(err)
		}
	}
	if mergeDir == "" {
		return nil
	}
	for _, c := range cfg.RequestedCriteria() {
		m := matrices[c]
		target, err := filepath.Abs(filepath.Join(mergeDir, filepath.Base(m.Path())))
		if err != nil {
			return err
		}
		if slices.Contains(done.Merged, target) {
			logger.Info("matrix already merged", "criterion", c, "target", target)
			continue
		}
		if err := stats.MergeInto(m.Path(), target); err != nil {
			return campaign.ClassifyError(fmt.Errorf("%s: %w", c, err))
		}
		done.Merged = append(done.Merged, target)
		if err := cp.Write(done); err != nil {
			return campaign.ClassifyError(err)
		}
	}
	return nil
}

func archive(ctx context.Context, cfg *config.Archive, runID string, matrices map[campaign.Criterion]*matrix.Matrix, logger *slog.Logger) error {
	store, err := sqlstore.Open(ctx, cfg.Driver, cfg.DSN, sqlstore.WithLogger(logger))
	if err != nil {
		return err
	}
	defer store.Close()
	for c, m := range matrices {
		if err := store.Save(ctx, runID, string(c), m); err != nil {
			return fmt.Errorf("failed to archive %s: %w", c, err)
		}
	}
	return nil
}

func showResults(criteria []campaign.Criterion, matrices map[campaign.Criterion]*matrix.Matrix, duration time.Duration, flags *Flags) error {
	summaries := make(map[campaign.Criterion]*stats.Summary, len(matrices))
	for _, c := range criteria {
		s, err := stats.Summarize(matrices[c])
		if err != nil {
			return err
		}
		summaries[c] = s
	}

	if flags.JSON {
		out, err := json.MarshalIndent(summaries, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	color.White("Campaign completed in %v", duration.Round(time.Millisecond))
	fmt.Printf("\n")
	color.Magenta("Scores:")
	for _, c := range criteria {
		s := summaries[c]
		line := fmt.Sprintf("  %-20s %6s%%  (%d/%d", c, stats.FormatScore(s.Score), s.Covered, s.Rows)
		if s.Uncertain > 0 {
			line += fmt.Sprintf(", %d uncertain", s.Uncertain)
		}
		line += ")"
		switch {
		case s.Score >= 80:
			color.Green("%s", line)
		case s.Score >= 50:
			color.Yellow("%s", line)
		default:
			color.Red("%s", line)
		}
	}
	return nil
}

// progress prints one line per criterion.
type progress struct {
	campaign.BaseCallbacks
	quiet bool
}

func (p *progress) AfterCriterion(ctx context.Context, event *campaign.CriterionEvent) {
	if p.quiet || event.Error != nil {
		return
	}
	if event.Resumed {
		color.Cyan("%s: loaded %d rows from a previous run", event.Criterion, event.Rows)
		return
	}
	color.Cyan("%s: %d rows in %v", event.Criterion, event.Rows, event.Duration.Round(time.Millisecond))
}

func (p *progress) ElementCompleted(ctx context.Context, event *campaign.ElementEvent) {
	if p.quiet {
		return
	}
	fmt.Printf("  %s %d/%d %s\n", event.Criterion, event.Index+1, event.Total, event.Element)
}
