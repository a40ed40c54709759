package script

import (
	"context"
	"fmt"
	"strings"

	"github.com/risor-io/risor/object"
)

// Oracle global names.
const (
	GlobalTest     = "test"
	GlobalExitCode = "exit_code"
	GlobalStdout   = "stdout"
	GlobalStderr   = "stderr"
	GlobalTimedOut = "timed_out"
)

// Verdict strings an oracle may return.
const (
	VerdictPass      = "pass"
	VerdictFail      = "fail"
	VerdictUncertain = "uncertain"
)

// Outcome is what an oracle sees of one finished test process.
type Outcome struct {
	Test     string
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

func (o Outcome) globals() map[string]any {
	return map[string]any{
		GlobalTest:     o.Test,
		GlobalExitCode: o.ExitCode,
		GlobalStdout:   o.Stdout,
		GlobalStderr:   o.Stderr,
		GlobalTimedOut: o.TimedOut,
	}
}

// OracleGlobals returns the globals oracle scripts and test command
// templates are compiled against.
func OracleGlobals() map[string]any {
	return SafeGlobals(GlobalTest, GlobalExitCode, GlobalStdout, GlobalStderr, GlobalTimedOut)
}

// Oracle decides the verdict of a test from its outcome.
type Oracle struct {
	script Script
}

// NewOracle compiles an oracle script. The script evaluates to "pass",
// "fail" or "uncertain", or to a bool that is true when the test failed.
func NewOracle(ctx context.Context, engine Compiler, source string) (*Oracle, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("oracle script is empty")
	}
	s, err := engine.Compile(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("failed to compile oracle: %w", err)
	}
	return &Oracle{script: s}, nil
}

// Judge evaluates the oracle against outcome and returns one of the
// Verdict strings.
func (o *Oracle) Judge(ctx context.Context, outcome Outcome) (string, error) {
	value, err := o.script.Evaluate(ctx, outcome.globals())
	if err != nil {
		return "", err
	}
	return toVerdict(value)
}

func toVerdict(value Value) (string, error) {
	switch v := value.Value().(type) {
	case bool:
		if v {
			return VerdictFail, nil
		}
		return VerdictPass, nil
	case string:
		switch verdict := strings.ToLower(strings.TrimSpace(v)); verdict {
		case VerdictPass, VerdictFail, VerdictUncertain:
			return verdict, nil
		}
		return "", fmt.Errorf("oracle returned unknown verdict %q", v)
	}
	if rv, ok := value.(*RisorValue); ok {
		if _, isNil := rv.obj.(*object.NilType); isNil {
			return "", fmt.Errorf("oracle returned nil")
		}
	}
	return "", fmt.Errorf("oracle returned %T, want a verdict string or bool", value.Value())
}
