// Package drivers connects the orchestrator to external programs: test
// commands judged by exit code or a Risor oracle, and instrumentation tools
// described by a JSON manifest.
package drivers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// Environment variables set for every launched process.
const (
	EnvExecutables = "CAMPAIGN_EXECUTABLES"
	EnvTest        = "CAMPAIGN_TEST"
	EnvOutputDir   = "CAMPAIGN_OUTPUT_DIR"
	EnvScratchDir  = "CAMPAIGN_SCRATCH_DIR"
	EnvCriteria    = "CAMPAIGN_CRITERIA"
)

// command describes one process launch.
type command struct {
	Name       string
	Args       []string
	WorkingDir string
	Env        map[string]string
	Timeout    time.Duration
}

// commandResult is the outcome of a process that ran to completion or was
// killed by its timeout.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// run executes c. A process that exits nonzero is not an error; failing to
// start it is. Cancellation of ctx is returned as ctx.Err().
func (c command) run(ctx context.Context) (*commandResult, error) {
	if c.Name == "" {
		return nil, fmt.Errorf("command cannot be empty")
	}

	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(runCtx, c.Name, c.Args...)
	if c.WorkingDir != "" {
		cmd.Dir = c.WorkingDir
	}
	if len(c.Env) > 0 {
		cmd.Env = os.Environ()
		keys := make([]string, 0, len(c.Env))
		for key := range c.Env {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, c.Env[key]))
		}
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// children that inherit the output pipes must not outlive the timeout
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	result := &commandResult{
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(start),
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if c.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute command %q: %w", c.Name, err)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return result, nil
}

// encodeExecutables renders exes as the JSON value of EnvExecutables.
func encodeExecutables(exes map[string]string) (string, error) {
	if exes == nil {
		exes = map[string]string{}
	}
	data, err := json.Marshal(exes)
	if err != nil {
		return "", fmt.Errorf("failed to encode executables: %w", err)
	}
	return string(data), nil
}
