package drivers

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/deepnoodle-ai/campaign"
	"github.com/deepnoodle-ai/campaign/script"
)

// TestCommand is the process that runs one test. Args may contain ${...}
// expressions, evaluated with the global test bound to ID.
type TestCommand struct {
	ID         string
	Command    string
	Args       []string
	WorkingDir string
	Env        map[string]string
}

// CommandExecutorOptions configures a CommandExecutor.
type CommandExecutorOptions struct {
	Tests []TestCommand

	// Timeout bounds each test process. Zero means no timeout.
	Timeout time.Duration

	// TimeoutVerdict is the verdict of a test killed by Timeout when no
	// oracle is configured. Defaults to Uncertain.
	TimeoutVerdict campaign.Verdict

	// Oracle is an optional Risor script deciding verdicts. Without it an
	// exit code of 0 passes and anything else fails.
	Oracle string

	Logger *slog.Logger
}

type preparedTest struct {
	TestCommand
	args []*script.Template
}

// CommandExecutor implements campaign.TestExecutor by launching one process
// per test.
type CommandExecutor struct {
	tests          map[string]*preparedTest
	timeout        time.Duration
	timeoutVerdict campaign.Verdict
	oracle         *script.Oracle
	logger         *slog.Logger
}

var _ campaign.TestExecutor = (*CommandExecutor)(nil)

func NewCommandExecutor(ctx context.Context, opts CommandExecutorOptions) (*CommandExecutor, error) {
	if len(opts.Tests) == 0 {
		return nil, fmt.Errorf("no test commands given")
	}
	if opts.Timeout < 0 {
		return nil, fmt.Errorf("negative test timeout %s", opts.Timeout)
	}
	if opts.TimeoutVerdict == "" {
		opts.TimeoutVerdict = campaign.Uncertain
	}
	if !opts.TimeoutVerdict.Valid() {
		return nil, fmt.Errorf("invalid timeout verdict %q", opts.TimeoutVerdict)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	engine := script.NewRisorScriptingEngine(script.OracleGlobals())
	e := &CommandExecutor{
		tests:          make(map[string]*preparedTest, len(opts.Tests)),
		timeout:        opts.Timeout,
		timeoutVerdict: opts.TimeoutVerdict,
		logger:         opts.Logger,
	}
	for _, test := range opts.Tests {
		if test.ID == "" {
			return nil, fmt.Errorf("test id is required")
		}
		if test.Command == "" {
			return nil, fmt.Errorf("test %q has no command", test.ID)
		}
		if _, dup := e.tests[test.ID]; dup {
			return nil, fmt.Errorf("duplicate test %q", test.ID)
		}
		prepared := &preparedTest{TestCommand: test}
		for _, arg := range test.Args {
			tmpl, err := script.NewTemplate(engine, arg)
			if err != nil {
				return nil, fmt.Errorf("test %q: %w", test.ID, err)
			}
			prepared.args = append(prepared.args, tmpl)
		}
		e.tests[test.ID] = prepared
	}
	if opts.Oracle != "" {
		oracle, err := script.NewOracle(ctx, engine, opts.Oracle)
		if err != nil {
			return nil, err
		}
		e.oracle = oracle
	}
	return e, nil
}

func (e *CommandExecutor) Execute(ctx context.Context, test string, exes campaign.Executables, env campaign.Environment) (campaign.Verdict, error) {
	t, ok := e.tests[test]
	if !ok {
		return "", fmt.Errorf("unknown test %q", test)
	}
	encoded, err := encodeExecutables(exes)
	if err != nil {
		return "", err
	}

	args := make([]string, 0, len(t.args))
	globals := map[string]any{script.GlobalTest: test}
	for _, tmpl := range t.args {
		arg, err := tmpl.Eval(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("test %q: %w", test, err)
		}
		args = append(args, arg)
	}

	vars := maps.Clone(t.Env)
	if vars == nil {
		vars = map[string]string{}
	}
	maps.Copy(vars, env)
	vars[EnvExecutables] = encoded
	vars[EnvTest] = test

	result, err := command{
		Name:       t.Command,
		Args:       args,
		WorkingDir: t.WorkingDir,
		Env:        vars,
		Timeout:    e.timeout,
	}.run(ctx)
	if err != nil {
		return "", err
	}

	verdict, err := e.judge(ctx, test, result)
	if err != nil {
		return "", err
	}
	e.logger.Debug("test finished",
		"test", test,
		"exit_code", result.ExitCode,
		"timed_out", result.TimedOut,
		"duration", result.Duration,
		"verdict", verdict)
	return verdict, nil
}

func (e *CommandExecutor) judge(ctx context.Context, test string, result *commandResult) (campaign.Verdict, error) {
	if e.oracle == nil {
		switch {
		case result.TimedOut:
			return e.timeoutVerdict, nil
		case result.ExitCode == 0:
			return campaign.Pass, nil
		default:
			return campaign.Fail, nil
		}
	}
	v, err := e.oracle.Judge(ctx, script.Outcome{
		Test:     test,
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		TimedOut: result.TimedOut,
	})
	if err != nil {
		return "", fmt.Errorf("oracle failed for test %q: %w", test, err)
	}
	return campaign.ParseVerdict(v)
}

func (e *CommandExecutor) RunMany(ctx context.Context, tests []string, exes campaign.Executables, env campaign.Environment, stopOnFirstFailure bool) (map[string]campaign.Verdict, error) {
	verdicts := make(map[string]campaign.Verdict, len(tests))
	for _, test := range tests {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		verdict, err := e.Execute(ctx, test, exes, env)
		if err != nil {
			return nil, err
		}
		verdicts[test] = verdict
		if stopOnFirstFailure && verdict == campaign.Fail {
			break
		}
	}
	return verdicts, nil
}
