package campaign

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/deepnoodle-ai/campaign/checkpoint"
	"github.com/deepnoodle-ai/campaign/matrix"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// fakeTool supports META and SEPARATED criteria. META measurements come from
// coverage, keyed by test then criterion.
type fakeTool struct {
	t         *testing.T
	meta      []Criterion
	separated []Criterion
	envs      map[Criterion]Environment
	coverage  map[string]map[Criterion]map[string]int
	elements  map[Criterion][]string

	instrumentErr error
	instrumented  int
	lookups       int
	collected     [][]Criterion
}

func (f *fakeTool) Instrument(ctx context.Context, criteria []Criterion, outputDir string) (map[Criterion]Executables, error) {
	if f.instrumentErr != nil {
		return nil, f.instrumentErr
	}
	f.instrumented++
	return f.executables(criteria, outputDir), nil
}

func (f *fakeTool) Executables(criteria []Criterion, outputDir string) (map[Criterion]Executables, error) {
	f.lookups++
	return f.executables(criteria, outputDir), nil
}

func (f *fakeTool) executables(criteria []Criterion, outputDir string) map[Criterion]Executables {
	exes := map[Criterion]Executables{}
	for _, c := range criteria {
		exes[c] = Executables{"prog": filepath.Join(outputDir, "prog")}
	}
	return exes
}

func (f *fakeTool) MetaCriteria() []Criterion {
	return f.meta
}

func (f *fakeTool) MetaEnvironment(c Criterion, outputDir, scratchDir string) (Environment, error) {
	env := Environment{"SCRATCH": scratchDir}
	for k, v := range f.envs[c] {
		env[k] = v
	}
	return env, nil
}

func (f *fakeTool) CollectCounts(ctx context.Context, test string, criteria []Criterion, scratchDir string) (map[Criterion]map[string]int, error) {
	// the scratch directory is recreated before every execution
	entries, err := os.ReadDir(scratchDir)
	require.NoError(f.t, err)
	require.Empty(f.t, entries)
	require.NoError(f.t, os.WriteFile(filepath.Join(scratchDir, "dump"), []byte(test), 0644))

	f.collected = append(f.collected, criteria)
	counts := map[Criterion]map[string]int{}
	for _, c := range criteria {
		counts[c] = f.coverage[test][c]
	}
	return counts, nil
}

func (f *fakeTool) SeparatedCriteria() []Criterion {
	return f.separated
}

func (f *fakeTool) Elements(c Criterion, outputDir string) ([]string, error) {
	return f.elements[c], nil
}

func (f *fakeTool) ElementExecutables(c Criterion, element, outputDir string) (Executables, Environment, error) {
	return Executables{"prog": filepath.Join(outputDir, element)}, Environment{"ELEMENT": element}, nil
}

// instrumentOnly implements no capability.
type instrumentOnly struct{}

func (instrumentOnly) Instrument(ctx context.Context, criteria []Criterion, outputDir string) (map[Criterion]Executables, error) {
	return nil, nil
}

func (instrumentOnly) Executables(criteria []Criterion, outputDir string) (map[Criterion]Executables, error) {
	return nil, nil
}

// fakeExecutor returns Pass unless verdicts says otherwise for an element.
type fakeExecutor struct {
	verdicts map[string]map[string]Verdict
	calls    []string
	executed []string

	// cancelAt cancels the campaign when RunMany is called for the n-th time
	cancelAt int
	cancel   context.CancelFunc
}

func (f *fakeExecutor) Execute(ctx context.Context, test string, exes Executables, env Environment) (Verdict, error) {
	f.executed = append(f.executed, "meta/"+test)
	return Pass, nil
}

func (f *fakeExecutor) RunMany(ctx context.Context, tests []string, exes Executables, env Environment, stopOnFirstFailure bool) (map[string]Verdict, error) {
	element := env["ELEMENT"]
	f.calls = append(f.calls, element)
	if f.cancelAt > 0 && len(f.calls) == f.cancelAt {
		f.cancel()
		return nil, ctx.Err()
	}
	result := map[string]Verdict{}
	for _, test := range tests {
		verdict, ok := f.verdicts[element][test]
		if !ok {
			verdict = Pass
		}
		f.executed = append(f.executed, element+"/"+test)
		result[test] = verdict
		if stopOnFirstFailure && verdict == Fail {
			break
		}
	}
	return result, nil
}

type fakePrioritizer struct {
	irrelevant map[string]bool
	updates    map[string]map[string]Verdict
}

func (f *fakePrioritizer) SelectRelevant(ctx context.Context, element string, tests []string) ([]string, []string, error) {
	var maybe, irrelevant []string
	// reversed on purpose: execution must still follow the caller order
	for i := len(tests) - 1; i >= 0; i-- {
		if f.irrelevant[tests[i]] {
			irrelevant = append(irrelevant, tests[i])
		} else {
			maybe = append(maybe, tests[i])
		}
	}
	return maybe, irrelevant, nil
}

func (f *fakePrioritizer) Update(ctx context.Context, element string, irrelevant []string, verdicts map[string]Verdict) error {
	if f.updates == nil {
		f.updates = map[string]map[string]Verdict{}
	}
	f.updates[element] = verdicts
	return nil
}

type recordingCallbacks struct {
	BaseCallbacks
	criteria []CriterionEvent
	elements []string
	tests    int
}

func (r *recordingCallbacks) AfterCriterion(ctx context.Context, event *CriterionEvent) {
	r.criteria = append(r.criteria, *event)
}

func (r *recordingCallbacks) AfterTest(ctx context.Context, event *TestEvent) {
	r.tests++
}

func (r *recordingCallbacks) ElementCompleted(ctx context.Context, event *ElementEvent) {
	r.elements = append(r.elements, event.Element)
}

type fixture struct {
	dir      string
	tool     *fakeTool
	executor *fakeExecutor
}

func newFixture(t *testing.T) *fixture {
	return &fixture{
		dir:      t.TempDir(),
		tool:     &fakeTool{t: t},
		executor: &fakeExecutor{},
	}
}

func (f *fixture) orchestrator(t *testing.T, opts Options) *Orchestrator {
	t.Helper()
	cp, err := checkpoint.New(checkpoint.Options{Path: filepath.Join(f.dir, "checkpoint.json")})
	require.NoError(t, err)
	opts.Tool = f.tool
	opts.Executor = f.executor
	opts.Checkpoint = cp
	opts.WorkDir = filepath.Join(f.dir, "work")
	o, err := New(opts)
	require.NoError(t, err)
	return o
}

func (f *fixture) matrices(t *testing.T, tests []string, criteria ...Criterion) map[Criterion]*matrix.Matrix {
	t.Helper()
	matrices := map[Criterion]*matrix.Matrix{}
	for _, c := range criteria {
		m, err := matrix.New(filepath.Join(f.dir, "matrices", string(c)+".csv"), tests)
		require.NoError(t, err)
		matrices[c] = m
	}
	return matrices
}

func requireDense(t *testing.T, want map[string]map[string]matrix.Cell, m *matrix.Matrix) {
	t.Helper()
	if diff := cmp.Diff(want, m.Dense()); diff != "" {
		t.Fatalf("matrix mismatch (-want +got):\n%s", diff)
	}
}

func TestNewOrchestratorValidation(t *testing.T) {
	dir := t.TempDir()
	cp, err := checkpoint.New(checkpoint.Options{Path: filepath.Join(dir, "checkpoint.json")})
	require.NoError(t, err)
	tool := &fakeTool{t: t, separated: []Criterion{StrongMutation}}
	executor := &fakeExecutor{}

	tests := []struct {
		name string
		opts Options
		want string
	}{
		{"missing tool", Options{Executor: executor, Checkpoint: cp, WorkDir: dir}, "tool is required"},
		{"missing executor", Options{Tool: tool, Checkpoint: cp, WorkDir: dir}, "test executor is required"},
		{"missing checkpoint", Options{Tool: tool, Executor: executor, WorkDir: dir}, "checkpoint is required"},
		{"missing work dir", Options{Tool: tool, Executor: executor, Checkpoint: cp}, "work directory is required"},
		{"negative period", Options{Tool: tool, Executor: executor, Checkpoint: cp, WorkDir: dir, SerializePeriod: -1}, "serialize period"},
		{"no capability", Options{Tool: instrumentOnly{}, Executor: executor, Checkpoint: cp, WorkDir: dir}, "supports no criteria"},
		{
			"criterion declared twice",
			Options{Tool: &fakeTool{meta: []Criterion{StrongMutation}, separated: []Criterion{StrongMutation}}, Executor: executor, Checkpoint: cp, WorkDir: dir},
			"both meta and separated",
		},
		{
			"unknown criterion",
			Options{Tool: &fakeTool{meta: []Criterion{"line_coverage"}}, Executor: executor, Checkpoint: cp, WorkDir: dir},
			"unknown criterion",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
			require.True(t, MatchesErrorType(err, ErrorTypeConfiguration))
		})
	}

	o, err := New(Options{Tool: tool, Executor: executor, Checkpoint: cp, WorkDir: dir})
	require.NoError(t, err)
	require.Contains(t, o.RunID(), "run_")
	require.Equal(t, []Criterion{StrongMutation}, o.SupportedCriteria())
	strategy, ok := o.Strategy(StrongMutation)
	require.True(t, ok)
	require.Equal(t, StrategySeparated, strategy)
}

func TestRunValidation(t *testing.T) {
	tests := []string{"t1", "t2"}

	cases := []struct {
		name   string
		opts   Options
		mutate func(t *testing.T, f *fixture, input *RunInput)
		want   string
	}{
		{
			name:   "no criteria",
			mutate: func(t *testing.T, f *fixture, input *RunInput) { input.Matrices = nil },
			want:   "no criteria requested",
		},
		{
			name:   "duplicate tests",
			mutate: func(t *testing.T, f *fixture, input *RunInput) { input.Tests = []string{"t1", "t1"} },
			want:   "duplicate test",
		},
		{
			name: "unsupported criterion",
			mutate: func(t *testing.T, f *fixture, input *RunInput) {
				input.Matrices[WeakMutation] = f.matrices(t, tests, WeakMutation)[WeakMutation]
			},
			want: "not supported",
		},
		{
			name: "matrix not empty",
			mutate: func(t *testing.T, f *fixture, input *RunInput) {
				require.NoError(t, input.Matrices[StrongMutation].AddRowByKey("m0", nil, false))
			},
			want: "must be empty",
		},
		{
			name: "matrix columns differ",
			mutate: func(t *testing.T, f *fixture, input *RunInput) {
				input.Matrices = f.matrices(t, []string{"t1", "t3"}, StrongMutation)
			},
			want: "exactly the tests",
		},
		{
			name: "prioritizer for meta criterion",
			mutate: func(t *testing.T, f *fixture, input *RunInput) {
				input.Matrices = f.matrices(t, tests, StatementCoverage)
				input.Prioritizers = map[Criterion]Prioritizer{StatementCoverage: &fakePrioritizer{}}
			},
			want: "not a separated criterion",
		},
		{
			name:   "parallel separated",
			opts:   Options{Workers: 4},
			mutate: func(t *testing.T, f *fixture, input *RunInput) {},
			want:   "parallel execution not yet supported",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.tool.meta = []Criterion{StatementCoverage}
			f.tool.separated = []Criterion{StrongMutation}
			o := f.orchestrator(t, tc.opts)
			input := RunInput{Tests: tests, Matrices: f.matrices(t, tests, StrongMutation)}
			tc.mutate(t, f, &input)

			err := o.Run(context.Background(), input)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
			require.True(t, MatchesErrorType(err, ErrorTypeConfiguration))
			require.Zero(t, f.tool.instrumented)
		})
	}
}

func TestSeparatedKillMatrix(t *testing.T) {
	tests := []string{"t1", "t2"}
	verdicts := map[string]map[string]Verdict{"m1": {"t1": Fail}}

	t.Run("all tests", func(t *testing.T) {
		f := newFixture(t)
		f.tool.separated = []Criterion{StrongMutation}
		f.executor.verdicts = verdicts
		o := f.orchestrator(t, Options{})
		matrices := f.matrices(t, tests, StrongMutation)

		err := o.Run(context.Background(), RunInput{
			Tests:        tests,
			Matrices:     matrices,
			Elements:     map[Criterion][]string{StrongMutation: {"m1", "m2"}},
			Reinstrument: true,
		})
		require.NoError(t, err)
		requireDense(t, map[string]map[string]matrix.Cell{
			"m1": {"t1": matrix.Active, "t2": matrix.Inactive},
			"m2": {"t1": matrix.Inactive, "t2": matrix.Inactive},
		}, matrices[StrongMutation])
		require.Equal(t, []string{"m1/t1", "m1/t2", "m2/t1", "m2/t2"}, f.executor.executed)

		active, err := matrices[StrongMutation].QueryActiveColumnsOfRows()
		require.NoError(t, err)
		require.Equal(t, map[string][]string{"m1": {"t1"}, "m2": {}}, active)

		loaded, err := matrix.Load(matrices[StrongMutation].Path())
		require.NoError(t, err)
		requireDense(t, matrices[StrongMutation].Dense(), loaded)
		require.Equal(t, 1, f.tool.instrumented)
	})

	t.Run("stop at first kill", func(t *testing.T) {
		f := newFixture(t)
		f.tool.separated = []Criterion{StrongMutation}
		f.executor.verdicts = verdicts
		o := f.orchestrator(t, Options{})
		matrices := f.matrices(t, tests, StrongMutation)

		err := o.Run(context.Background(), RunInput{
			Tests:           tests,
			Matrices:        matrices,
			Elements:        map[Criterion][]string{StrongMutation: {"m1", "m2"}},
			Reinstrument:    true,
			StopAtFirstKill: true,
		})
		require.NoError(t, err)
		requireDense(t, map[string]map[string]matrix.Cell{
			"m1": {"t1": matrix.Active, "t2": matrix.Inactive},
			"m2": {"t1": matrix.Inactive, "t2": matrix.Inactive},
		}, matrices[StrongMutation])
		require.Equal(t, []string{"m1/t1", "m2/t1", "m2/t2"}, f.executor.executed)
	})
}

func TestSeparatedUncertainAndPrioritizer(t *testing.T) {
	tests := []string{"t1", "t2", "t3"}
	f := newFixture(t)
	f.tool.separated = []Criterion{WeakMutation}
	f.tool.elements = map[Criterion][]string{WeakMutation: {"m1", "m2"}}
	f.executor.verdicts = map[string]map[string]Verdict{
		"m1": {"t1": Uncertain, "t3": Fail},
		"m2": {"t2": Fail},
	}
	prioritizer := &fakePrioritizer{irrelevant: map[string]bool{"t2": true}}
	log := NewFileExecutionLogger(filepath.Join(f.dir, "logs"))
	o := f.orchestrator(t, Options{ExecutionLog: log})
	matrices := f.matrices(t, tests, WeakMutation)

	err := o.Run(context.Background(), RunInput{
		Tests:        tests,
		Matrices:     matrices,
		Reinstrument: true,
		Prioritizers: map[Criterion]Prioritizer{WeakMutation: prioritizer},
	})
	require.NoError(t, err)
	requireDense(t, map[string]map[string]matrix.Cell{
		"m1": {"t1": matrix.Uncertain, "t2": matrix.Inactive, "t3": matrix.Active},
		// t2 would kill m2 but is never run
		"m2": {"t1": matrix.Inactive, "t2": matrix.Inactive, "t3": matrix.Inactive},
	}, matrices[WeakMutation])
	require.Equal(t, []string{"m1/t1", "m1/t3", "m2/t1", "m2/t3"}, f.executor.executed)
	require.Equal(t, map[string]Verdict{"t1": Pass, "t3": Pass}, prioritizer.updates["m2"])

	history, err := log.GetExecutionHistory(context.Background(), o.RunID())
	require.NoError(t, err)
	require.Len(t, history, 4)
	require.Equal(t, "m1", history[0].Element)
	require.Equal(t, Uncertain, history[0].Verdict)
	require.Equal(t, WeakMutation, history[0].Criterion)
}

func TestSeparatedResumeAfterInterruption(t *testing.T) {
	tests := []string{"t1", "t2"}
	elements := []string{"m1", "m2", "m3", "m4", "m5", "m6", "m7"}
	verdicts := map[string]map[string]Verdict{
		"m1": {"t1": Fail},
		"m3": {"t2": Fail},
		"m5": {"t1": Uncertain},
		"m6": {"t2": Fail},
	}
	input := func(matrices map[Criterion]*matrix.Matrix) RunInput {
		return RunInput{
			Tests:        tests,
			Matrices:     matrices,
			Elements:     map[Criterion][]string{StrongMutation: elements},
			Reinstrument: true,
		}
	}

	// uninterrupted reference run
	reference := newFixture(t)
	reference.tool.separated = []Criterion{StrongMutation}
	reference.executor.verdicts = verdicts
	want := reference.matrices(t, tests, StrongMutation)
	require.NoError(t, reference.orchestrator(t, Options{SerializePeriod: 2}).Run(context.Background(), input(want)))

	f := newFixture(t)
	f.tool.separated = []Criterion{StrongMutation}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.executor.verdicts = verdicts
	f.executor.cancelAt = 5
	f.executor.cancel = cancel

	err := f.orchestrator(t, Options{SerializePeriod: 2}).Run(ctx, input(f.matrices(t, tests, StrongMutation)))
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, MatchesErrorType(err, ErrorTypeCanceled))
	require.NoFileExists(t, filepath.Join(f.dir, "matrices", "strong_mutation.csv"))

	// resume in a "new process"
	f.executor = &fakeExecutor{verdicts: verdicts}
	callbacks := &recordingCallbacks{}
	got := f.matrices(t, tests, StrongMutation)
	require.NoError(t, f.orchestrator(t, Options{SerializePeriod: 2, Callbacks: callbacks}).Run(context.Background(), input(got)))

	require.Equal(t, []string{"m5", "m6", "m7"}, f.executor.calls)
	require.Equal(t, []string{"m5", "m6", "m7"}, callbacks.elements)
	require.Equal(t, 1, f.tool.instrumented)
	require.Equal(t, want[StrongMutation].RowKeys(), got[StrongMutation].RowKeys())
	requireDense(t, want[StrongMutation].Dense(), got[StrongMutation])

	loaded, err := matrix.Load(got[StrongMutation].Path())
	require.NoError(t, err)
	requireDense(t, want[StrongMutation].Dense(), loaded)
}

func TestRunAfterCompletionLoadsMatrices(t *testing.T) {
	tests := []string{"t1"}
	f := newFixture(t)
	f.tool.separated = []Criterion{StrongMutation}
	f.executor.verdicts = map[string]map[string]Verdict{"m1": {"t1": Fail}}
	in := func() RunInput {
		return RunInput{
			Tests:        tests,
			Matrices:     f.matrices(t, tests, StrongMutation),
			Elements:     map[Criterion][]string{StrongMutation: {"m1"}},
			Reinstrument: true,
		}
	}
	require.NoError(t, f.orchestrator(t, Options{}).Run(context.Background(), in()))

	f.executor = &fakeExecutor{}
	callbacks := &recordingCallbacks{}
	again := in()
	require.NoError(t, f.orchestrator(t, Options{Callbacks: callbacks}).Run(context.Background(), again))
	require.Empty(t, f.executor.calls)
	require.Len(t, callbacks.criteria, 1)
	require.True(t, callbacks.criteria[0].Resumed)
	requireDense(t, map[string]map[string]matrix.Cell{"m1": {"t1": matrix.Active}}, again.Matrices[StrongMutation])
}

func TestMetaCriteria(t *testing.T) {
	tests := []string{"t1", "t2"}
	newMetaFixture := func(t *testing.T) *fixture {
		f := newFixture(t)
		f.tool.meta = []Criterion{StatementCoverage, BranchCoverage, FunctionCoverage}
		f.tool.envs = map[Criterion]Environment{FunctionCoverage: {"PROFILE": "functions"}}
		f.tool.coverage = map[string]map[Criterion]map[string]int{
			"t1": {
				StatementCoverage: {"s2": 0, "s1": 2},
				BranchCoverage:    {"b1": 1},
				FunctionCoverage:  {"f1": 0},
			},
			"t2": {
				StatementCoverage: {"s3": 0, "s2": 1},
				BranchCoverage:    {"b1": 0, "b2": 4},
				FunctionCoverage:  {"f1": 3},
			},
		}
		return f
	}

	t.Run("grouped execution", func(t *testing.T) {
		f := newMetaFixture(t)
		callbacks := &recordingCallbacks{}
		o := f.orchestrator(t, Options{Callbacks: callbacks})
		matrices := f.matrices(t, tests, FunctionCoverage, StatementCoverage, BranchCoverage)

		require.NoError(t, o.Run(context.Background(), RunInput{Tests: tests, Matrices: matrices, Reinstrument: true}))

		// statement and branch coverage share one execution per test
		require.Equal(t, []string{"meta/t1", "meta/t1", "meta/t2", "meta/t2"}, f.executor.executed)
		require.Equal(t, [][]Criterion{
			{StatementCoverage, BranchCoverage},
			{FunctionCoverage},
			{StatementCoverage, BranchCoverage},
			{FunctionCoverage},
		}, f.tool.collected)
		require.Equal(t, 4, callbacks.tests)

		require.Equal(t, []string{"s1", "s2", "s3"}, matrices[StatementCoverage].RowKeys())
		requireDense(t, map[string]map[string]matrix.Cell{
			"s1": {"t1": matrix.Active, "t2": matrix.Inactive},
			"s2": {"t1": matrix.Inactive, "t2": matrix.Active},
			"s3": {"t1": matrix.Inactive, "t2": matrix.Inactive},
		}, matrices[StatementCoverage])
		requireDense(t, map[string]map[string]matrix.Cell{
			"b1": {"t1": matrix.Active, "t2": matrix.Inactive},
			"b2": {"t1": matrix.Inactive, "t2": matrix.Active},
		}, matrices[BranchCoverage])
		requireDense(t, map[string]map[string]matrix.Cell{
			"f1": {"t1": matrix.Inactive, "t2": matrix.Active},
		}, matrices[FunctionCoverage])
		require.NoDirExists(t, filepath.Join(f.dir, "work", ScratchDirName))
	})

	t.Run("fixed elements", func(t *testing.T) {
		f := newMetaFixture(t)
		o := f.orchestrator(t, Options{})
		matrices := f.matrices(t, tests, StatementCoverage)

		require.NoError(t, o.Run(context.Background(), RunInput{
			Tests:        tests,
			Matrices:     matrices,
			Elements:     map[Criterion][]string{StatementCoverage: {"s3", "s1", "s9"}},
			Reinstrument: true,
		}))
		require.Equal(t, []string{"s3", "s1", "s9"}, matrices[StatementCoverage].RowKeys())
		requireDense(t, map[string]map[string]matrix.Cell{
			"s3": {"t1": matrix.Inactive, "t2": matrix.Inactive},
			"s1": {"t1": matrix.Active, "t2": matrix.Inactive},
			"s9": {"t1": matrix.Inactive, "t2": matrix.Inactive},
		}, matrices[StatementCoverage])
	})

	t.Run("negative count", func(t *testing.T) {
		f := newMetaFixture(t)
		f.tool.coverage["t2"][StatementCoverage]["s4"] = -1
		o := f.orchestrator(t, Options{})
		matrices := f.matrices(t, tests, StatementCoverage)

		err := o.Run(context.Background(), RunInput{Tests: tests, Matrices: matrices, Reinstrument: true})
		require.Error(t, err)
		require.True(t, MatchesErrorType(err, ErrorTypeConfiguration))
		require.True(t, matrices[StatementCoverage].IsEmpty())
	})

	t.Run("reuse instrumentation", func(t *testing.T) {
		f := newMetaFixture(t)
		o := f.orchestrator(t, Options{})
		matrices := f.matrices(t, tests, BranchCoverage)

		require.NoError(t, o.Run(context.Background(), RunInput{Tests: tests, Matrices: matrices}))
		require.Zero(t, f.tool.instrumented)
		require.Equal(t, 1, f.tool.lookups)
		require.Equal(t, 2, matrices[BranchCoverage].Len())
	})

	t.Run("meta and separated", func(t *testing.T) {
		f := newMetaFixture(t)
		f.tool.separated = []Criterion{StrongMutation}
		callbacks := &recordingCallbacks{}
		o := f.orchestrator(t, Options{Callbacks: callbacks})
		matrices := f.matrices(t, tests, StrongMutation, BranchCoverage)

		require.NoError(t, o.Run(context.Background(), RunInput{
			Tests:        tests,
			Matrices:     matrices,
			Elements:     map[Criterion][]string{StrongMutation: {"m1"}},
			Reinstrument: true,
		}))
		require.Len(t, callbacks.criteria, 2)
		require.Equal(t, BranchCoverage, callbacks.criteria[0].Criterion)
		require.Equal(t, StrongMutation, callbacks.criteria[1].Criterion)
		require.Equal(t, 1, matrices[StrongMutation].Len())
	})
}

func TestGroupCriteria(t *testing.T) {
	a := Executables{"prog": "/a"}
	b := Executables{"prog": "/b"}
	env := Environment{"X": "1"}

	groups, err := groupCriteria(
		[]Criterion{FunctionCoverage, StatementCoverage, BranchCoverage, MutantCoverage},
		map[Criterion]Executables{FunctionCoverage: b, StatementCoverage: a, BranchCoverage: a, MutantCoverage: b},
		map[Criterion]Environment{FunctionCoverage: env, StatementCoverage: env, BranchCoverage: env, MutantCoverage: {}},
	)
	require.NoError(t, err)
	var got [][]Criterion
	for _, g := range groups {
		got = append(got, g.criteria)
	}
	require.Equal(t, [][]Criterion{
		{FunctionCoverage},
		{StatementCoverage, BranchCoverage},
		{MutantCoverage},
	}, got)

	_, err = groupCriteria(
		[]Criterion{StatementCoverage},
		map[Criterion]Executables{StatementCoverage: a},
		map[Criterion]Environment{BranchCoverage: env},
	)
	require.Error(t, err)
	require.True(t, MatchesErrorType(err, ErrorTypeConfiguration))
}

func TestInstrumentationFailure(t *testing.T) {
	tests := []string{"t1"}
	f := newFixture(t)
	f.tool.separated = []Criterion{StrongMutation}
	f.tool.instrumentErr = errors.New("exit status 2")
	o := f.orchestrator(t, Options{})
	matrices := f.matrices(t, tests, StrongMutation)

	err := o.Run(context.Background(), RunInput{Tests: tests, Matrices: matrices, Reinstrument: true})
	require.Error(t, err)
	require.True(t, MatchesErrorType(err, ErrorTypeToolExecution))
	require.Contains(t, err.Error(), "exit status 2")
	require.Empty(t, f.executor.calls)

	// the instrumentation step was not marked done
	f.tool.instrumentErr = nil
	require.NoError(t, f.orchestrator(t, Options{}).Run(context.Background(), RunInput{
		Tests:        tests,
		Matrices:     f.matrices(t, tests, StrongMutation),
		Elements:     map[Criterion][]string{StrongMutation: {"m1"}},
		Reinstrument: true,
	}))
	require.Equal(t, 1, f.tool.instrumented)
}
