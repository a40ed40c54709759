package drivers

import (
	"context"
	"testing"
	"time"

	"github.com/deepnoodle-ai/campaign"
	"github.com/stretchr/testify/require"
)

func shellTest(id, code string) TestCommand {
	return TestCommand{ID: id, Command: "sh", Args: []string{"-c", code, "sh", "${test}"}}
}

func TestCommandExecutorVerdicts(t *testing.T) {
	ctx := context.Background()
	e, err := NewCommandExecutor(ctx, CommandExecutorOptions{
		Tests: []TestCommand{
			shellTest("pass", "exit 0"),
			shellTest("fail", "exit 1"),
			shellTest("arg", `[ "$1" = "arg" ]`),
			shellTest("slow", "sleep 5"),
			shellTest("exes", `[ "$CAMPAIGN_EXECUTABLES" = '{"prog":"/x/prog"}' ] && [ "$CAMPAIGN_TEST" = "exes" ]`),
			shellTest("env", `[ "$MUTANT" = "m1" ]`),
		},
		Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	exes := campaign.Executables{"prog": "/x/prog"}
	env := campaign.Environment{"MUTANT": "m1"}
	tests := []struct {
		test string
		want campaign.Verdict
	}{
		{"pass", campaign.Pass},
		{"fail", campaign.Fail},
		{"arg", campaign.Pass},
		{"slow", campaign.Uncertain},
		{"exes", campaign.Pass},
		{"env", campaign.Pass},
	}
	for _, tt := range tests {
		t.Run(tt.test, func(t *testing.T) {
			got, err := e.Execute(ctx, tt.test, exes, env)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	got, err := e.Execute(ctx, "env", exes, nil)
	require.NoError(t, err)
	require.Equal(t, campaign.Fail, got)

	_, err = e.Execute(ctx, "missing", exes, env)
	require.Error(t, err)
}

func TestCommandExecutorTimeoutVerdict(t *testing.T) {
	e, err := NewCommandExecutor(context.Background(), CommandExecutorOptions{
		Tests:          []TestCommand{shellTest("slow", "sleep 5")},
		Timeout:        100 * time.Millisecond,
		TimeoutVerdict: campaign.Fail,
	})
	require.NoError(t, err)
	got, err := e.Execute(context.Background(), "slow", nil, nil)
	require.NoError(t, err)
	require.Equal(t, campaign.Fail, got)
}

func TestCommandExecutorOracle(t *testing.T) {
	ctx := context.Background()
	e, err := NewCommandExecutor(ctx, CommandExecutorOptions{
		Tests: []TestCommand{
			shellTest("ok", "echo 'all 3 passed'; exit 1"),
			shellTest("broken", "echo '1 FAILED'"),
			shellTest("crash", "echo 'segfault' >&2; exit 139"),
		},
		Oracle: `exit_code > 128 ? "uncertain" : strings.contains(stdout, "FAILED")`,
	})
	require.NoError(t, err)

	verdicts, err := e.RunMany(ctx, []string{"ok", "broken", "crash"}, nil, nil, false)
	require.NoError(t, err)
	require.Equal(t, map[string]campaign.Verdict{
		"ok":     campaign.Pass,
		"broken": campaign.Fail,
		"crash":  campaign.Uncertain,
	}, verdicts)
}

func TestCommandExecutorOracleSeesTimeout(t *testing.T) {
	ctx := context.Background()
	e, err := NewCommandExecutor(ctx, CommandExecutorOptions{
		Tests: []TestCommand{
			shellTest("slow", "sleep 5"),
			shellTest("fast", "exit 0"),
			shellTest("broken", "exit 3"),
		},
		Timeout:        100 * time.Millisecond,
		TimeoutVerdict: campaign.Fail,
		Oracle:         `if timed_out { "uncertain" } else if exit_code == 0 { "pass" } else { "fail" }`,
	})
	require.NoError(t, err)

	verdicts, err := e.RunMany(ctx, []string{"slow", "fast", "broken"}, nil, nil, false)
	require.NoError(t, err)
	require.Equal(t, map[string]campaign.Verdict{
		"slow":   campaign.Uncertain,
		"fast":   campaign.Pass,
		"broken": campaign.Fail,
	}, verdicts)
}

func TestCommandExecutorRunManyStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	e, err := NewCommandExecutor(ctx, CommandExecutorOptions{
		Tests: []TestCommand{
			shellTest("t1", "exit 0"),
			shellTest("t2", "exit 1"),
			shellTest("t3", "exit 0"),
		},
	})
	require.NoError(t, err)

	all, err := e.RunMany(ctx, []string{"t1", "t2", "t3"}, nil, nil, false)
	require.NoError(t, err)
	require.Len(t, all, 3)

	stopped, err := e.RunMany(ctx, []string{"t1", "t2", "t3"}, nil, nil, true)
	require.NoError(t, err)
	require.Equal(t, map[string]campaign.Verdict{"t1": campaign.Pass, "t2": campaign.Fail}, stopped)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = e.RunMany(canceled, []string{"t1"}, nil, nil, false)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewCommandExecutorValidation(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		opts CommandExecutorOptions
	}{
		{"no tests", CommandExecutorOptions{}},
		{"empty id", CommandExecutorOptions{Tests: []TestCommand{{Command: "true"}}}},
		{"no command", CommandExecutorOptions{Tests: []TestCommand{{ID: "t1"}}}},
		{"duplicate", CommandExecutorOptions{Tests: []TestCommand{{ID: "t1", Command: "true"}, {ID: "t1", Command: "true"}}}},
		{"bad template", CommandExecutorOptions{Tests: []TestCommand{{ID: "t1", Command: "true", Args: []string{"${nope}"}}}}},
		{"bad timeout verdict", CommandExecutorOptions{Tests: []TestCommand{{ID: "t1", Command: "true"}}, TimeoutVerdict: "skip"}},
		{"negative timeout", CommandExecutorOptions{Tests: []TestCommand{{ID: "t1", Command: "true"}}, Timeout: -time.Second}},
		{"bad oracle", CommandExecutorOptions{Tests: []TestCommand{{ID: "t1", Command: "true"}}, Oracle: "exit_code =="}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCommandExecutor(ctx, tt.opts)
			require.Error(t, err)
		})
	}
}
