package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/deepnoodle-ai/campaign/checkpoint"
	"github.com/deepnoodle-ai/campaign/matrix"
	"go.jetify.com/typeid"
)

const (
	// DefaultSerializePeriod is the number of SEPARATED elements processed
	// between two progress checkpoints.
	DefaultSerializePeriod = 5

	// ScratchDirName is the directory, under the work directory, where META
	// artifacts dump their measurements.
	ScratchDirName = "criteria_meta_result_tmp"

	// InstrumentedDirName is the directory, under the work directory,
	// receiving instrumented artifacts.
	InstrumentedDirName = "instrumented_code"
)

const (
	stepName       = "criteria_execution"
	stepInstrument = 1
	stepMeta       = 2
	stepSeparated  = 3
)

// NewRunID returns a new identifier for a campaign run
func NewRunID() string {
	id, err := typeid.WithPrefix("run")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Options configures a new Orchestrator
type Options struct {
	// Tool instruments code. It must also implement MetaInstrumentation,
	// SeparatedInstrumentation or both.
	Tool     Instrumenter
	Executor TestExecutor

	// Checkpoint stores the campaign progress.
	Checkpoint *checkpoint.Persistent

	// WorkDir holds instrumented artifacts and the scratch directory.
	WorkDir string

	SerializePeriod int
	Workers         int
	RunID           string
	Logger          *slog.Logger
	ExecutionLog    ExecutionLogger
	Callbacks       Callbacks
}

// Orchestrator runs test campaigns for a set of criteria, filling one
// execution matrix per criterion and checkpointing its progress.
type Orchestrator struct {
	tool       Instrumenter
	meta       MetaInstrumentation
	separated  SeparatedInstrumentation
	supported  []Criterion
	strategies map[Criterion]Strategy

	executor     TestExecutor
	cp           *checkpoint.Persistent
	workDir      string
	period       int
	workers      int
	runID        string
	logger       *slog.Logger
	executionLog ExecutionLogger
	callbacks    Callbacks
}

// RunInput describes one campaign
type RunInput struct {
	// Tests in execution order. Every matrix must use them as columns.
	Tests []string

	// Matrices receives the results of each requested criterion. They must
	// be empty.
	Matrices map[Criterion]*matrix.Matrix

	// Elements optionally fixes the elements (rows) of a criterion.
	Elements map[Criterion][]string

	// Reinstrument builds the instrumented artifacts. When false the
	// artifacts of a previous run are reused.
	Reinstrument bool

	// StopAtFirstKill stops the tests of a SEPARATED element after the
	// first failing one.
	StopAtFirstKill bool

	// Prioritizers optionally narrow the tests run per SEPARATED element.
	Prioritizers map[Criterion]Prioritizer
}

// New creates an orchestrator. The tool capabilities are inspected once.
func New(opts Options) (*Orchestrator, error) {
	if opts.Tool == nil {
		return nil, configErrorf("tool is required")
	}
	if opts.Executor == nil {
		return nil, configErrorf("test executor is required")
	}
	if opts.Checkpoint == nil {
		return nil, configErrorf("checkpoint is required")
	}
	if opts.WorkDir == "" {
		return nil, configErrorf("work directory is required")
	}
	if opts.SerializePeriod < 0 {
		return nil, configErrorf("serialize period must be positive, got %d", opts.SerializePeriod)
	}
	if opts.SerializePeriod == 0 {
		opts.SerializePeriod = DefaultSerializePeriod
	}
	if opts.Workers < 0 {
		return nil, configErrorf("workers must be positive, got %d", opts.Workers)
	}
	if opts.Workers == 0 {
		opts.Workers = 1
	}
	if opts.RunID == "" {
		opts.RunID = NewRunID()
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.ExecutionLog == nil {
		opts.ExecutionLog = NewNullExecutionLogger()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseCallbacks{}
	}

	o := &Orchestrator{
		tool:         opts.Tool,
		strategies:   map[Criterion]Strategy{},
		executor:     opts.Executor,
		cp:           opts.Checkpoint,
		workDir:      opts.WorkDir,
		period:       opts.SerializePeriod,
		workers:      opts.Workers,
		runID:        opts.RunID,
		logger:       opts.Logger.With("run_id", opts.RunID),
		executionLog: opts.ExecutionLog,
		callbacks:    opts.Callbacks,
	}
	if meta, ok := opts.Tool.(MetaInstrumentation); ok {
		o.meta = meta
		if err := o.declare(meta.MetaCriteria(), StrategyMeta); err != nil {
			return nil, err
		}
	}
	if separated, ok := opts.Tool.(SeparatedInstrumentation); ok {
		o.separated = separated
		if err := o.declare(separated.SeparatedCriteria(), StrategySeparated); err != nil {
			return nil, err
		}
	}
	if len(o.supported) == 0 {
		return nil, configErrorf("tool supports no criteria")
	}
	return o, nil
}

func (o *Orchestrator) declare(criteria []Criterion, strategy Strategy) error {
	for _, c := range criteria {
		if !c.Valid() {
			return configErrorf("tool declares unknown criterion %q", c)
		}
		if existing, ok := o.strategies[c]; ok {
			return configErrorf("tool declares criterion %q as both %s and %s", c, existing, strategy)
		}
		o.strategies[c] = strategy
		o.supported = append(o.supported, c)
	}
	return nil
}

// RunID returns the identifier of this orchestrator's run
func (o *Orchestrator) RunID() string {
	return o.runID
}

// SupportedCriteria returns the criteria of the tool in declaration order
func (o *Orchestrator) SupportedCriteria() []Criterion {
	return append([]Criterion(nil), o.supported...)
}

// Strategy returns how the tool instruments criterion
func (o *Orchestrator) Strategy(c Criterion) (Strategy, bool) {
	s, ok := o.strategies[c]
	return s, ok
}

func (o *Orchestrator) instrumentedDir() string {
	return filepath.Join(o.workDir, InstrumentedDirName)
}

func (o *Orchestrator) scratchDir() string {
	return filepath.Join(o.workDir, ScratchDirName)
}

// Run executes the campaign. It returns once every requested matrix is
// populated and serialized. Progress of an interrupted run is resumed from
// the checkpoint.
func (o *Orchestrator) Run(ctx context.Context, input RunInput) error {
	ctx = WithRunID(WithLogger(ctx, o.logger), o.runID)

	criteria, err := o.validate(input)
	if err != nil {
		return err
	}
	handler, err := checkpoint.NewHandler(o.cp)
	if err != nil {
		return ClassifyError(fmt.Errorf("failed to load campaign checkpoint: %w", err))
	}

	var meta, separated []Criterion
	for _, c := range criteria {
		if o.strategies[c] == StrategyMeta {
			meta = append(meta, c)
		} else {
			separated = append(separated, c)
		}
	}

	if handler.IsFinished() {
		o.logger.Info("campaign already completed, loading matrices")
		for _, c := range criteria {
			if err := o.resume(ctx, c, input.Matrices[c]); err != nil {
				return err
			}
		}
		return nil
	}

	o.logger.Info("starting campaign",
		"criteria", len(criteria),
		"tests", len(input.Tests),
		"elapsed", o.cp.Elapsed())

	detailed := map[string]float64{}
	timed := func(name string, fn func() error) error {
		start := time.Now()
		err := fn()
		detailed[name] = time.Since(start).Seconds()
		return err
	}

	var exes map[Criterion]Executables
	err = timed("instrument", func() error {
		var err error
		exes, err = o.instrumentStep(ctx, handler, criteria, meta, input.Reinstrument)
		return err
	})
	if err != nil {
		return err
	}

	if len(meta) > 0 {
		if err := timed(string(StrategyMeta), func() error {
			return o.metaStep(ctx, handler, meta, exes, input)
		}); err != nil {
			return err
		}
	}

	for _, c := range separated {
		if err := timed(string(c), func() error {
			return o.separatedStep(ctx, handler, c, input)
		}); err != nil {
			return err
		}
	}

	if err := handler.SetFinished(detailed); err != nil {
		return ClassifyError(fmt.Errorf("failed to mark campaign finished: %w", err))
	}
	o.logger.Info("campaign completed", "elapsed", o.cp.Elapsed())
	return nil
}

func (o *Orchestrator) validate(input RunInput) ([]Criterion, error) {
	if len(input.Matrices) == 0 {
		return nil, configErrorf("no criteria requested")
	}
	if len(input.Tests) == 0 {
		return nil, configErrorf("no tests given")
	}
	seen := make(map[string]bool, len(input.Tests))
	for _, test := range input.Tests {
		if test == "" {
			return nil, configErrorf("empty test id")
		}
		if seen[test] {
			return nil, configErrorf("duplicate test %q", test)
		}
		seen[test] = true
	}

	for c := range input.Matrices {
		if _, ok := o.strategies[c]; !ok {
			return nil, configErrorf("criterion %q is not supported by the tool", c)
		}
	}
	var criteria []Criterion
	for _, c := range o.supported {
		m, ok := input.Matrices[c]
		if !ok {
			continue
		}
		if m == nil {
			return nil, configErrorf("matrix for %s is nil", c)
		}
		if m.Path() == "" {
			return nil, configErrorf("matrix for %s has no path", c)
		}
		if !m.IsEmpty() {
			return nil, configErrorf("matrix for %s must be empty", c)
		}
		if !m.HasColumns(input.Tests) {
			return nil, configErrorf("matrix for %s must have exactly the tests as columns", c)
		}
		criteria = append(criteria, c)
	}

	for c := range input.Elements {
		if _, ok := input.Matrices[c]; !ok {
			return nil, configErrorf("elements given for unrequested criterion %q", c)
		}
	}
	for c := range input.Prioritizers {
		if _, ok := input.Matrices[c]; !ok {
			return nil, configErrorf("prioritizer given for unrequested criterion %q", c)
		}
		if o.strategies[c] != StrategySeparated {
			return nil, configErrorf("prioritizer given for %s, which is not a separated criterion", c)
		}
	}
	if o.workers > 1 {
		for _, c := range criteria {
			if o.strategies[c] == StrategySeparated {
				return nil, configErrorf("parallel execution not yet supported (workers=%d, criterion %s)", o.workers, c)
			}
		}
		o.logger.Warn("meta criteria are executed sequentially", "workers", o.workers)
	}
	return criteria, nil
}

func (o *Orchestrator) instrumentStep(ctx context.Context, handler *checkpoint.Handler, criteria, meta []Criterion, reinstrument bool) (map[Criterion]Executables, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := checkpoint.StepKey{Name: stepName, ID: stepInstrument}
	run, err := handler.IsToExecute(key)
	if err != nil {
		return nil, ClassifyError(err)
	}

	var exes map[Criterion]Executables
	switch {
	case run && reinstrument:
		o.logger.Info("instrumenting code", "criteria", criteria, "output_dir", o.instrumentedDir())
		exes, err = o.tool.Instrument(ctx, criteria, o.instrumentedDir())
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, toolErrorf("instrumentation failed: %w", err)
		}
	case len(meta) > 0:
		exes, err = o.tool.Executables(meta, o.instrumentedDir())
		if err != nil {
			return nil, toolErrorf("failed to look up instrumented executables: %w", err)
		}
	}
	for _, c := range meta {
		if _, ok := exes[c]; !ok {
			return nil, toolErrorf("tool returned no executables for %s", c)
		}
	}

	if run {
		if err := handler.DoCheckpoint(key, nil); err != nil {
			return nil, ClassifyError(err)
		}
	}
	return exes, nil
}

// resume fills m with the matrix serialized by a previous run.
func (o *Orchestrator) resume(ctx context.Context, c Criterion, m *matrix.Matrix) error {
	start := time.Now()
	event := &CriterionEvent{
		RunID:     o.runID,
		Criterion: c,
		Strategy:  o.strategies[c],
		Resumed:   true,
		StartTime: start,
	}
	o.callbacks.BeforeCriterion(ctx, event)

	err := func() error {
		loaded, err := matrix.Load(m.Path())
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return &Error{
					Type:    ErrorTypeCorruptState,
					Cause:   fmt.Sprintf("%s is checkpointed as done but its matrix %s is missing", c, m.Path()),
					Wrapped: err,
				}
			}
			return &Error{Type: ErrorTypeCorruptState, Cause: err.Error(), Wrapped: err}
		}
		if err := m.UpdateWithOtherMatrix(loaded, false); err != nil {
			return configErrorf("matrix of a previous run for %s does not match: %w", c, err)
		}
		return nil
	}()

	event.EndTime = time.Now()
	event.Duration = event.EndTime.Sub(start)
	event.Rows = m.Len()
	event.Error = err
	o.callbacks.AfterCriterion(ctx, event)
	if err == nil {
		o.logger.Info("loaded matrix of previous run", "criterion", c, "rows", event.Rows)
	}
	return err
}

func (o *Orchestrator) logExecution(ctx context.Context, entry *ExecutionLogEntry) {
	entry.RunID = o.runID
	if err := o.executionLog.LogExecution(ctx, entry); err != nil {
		o.logger.Error("failed to log test execution", "test", entry.Test, "error", err)
	}
}

func recreateDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return nil
}

func decodeJSON(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return &Error{
			Type:    ErrorTypeCorruptState,
			Cause:   fmt.Sprintf("invalid checkpoint payload: %v", err),
			Wrapped: err,
		}
	}
	return nil
}
