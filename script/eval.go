package script

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var templateExpr = regexp.MustCompile(`\${([^}]+)}`)

// Template is a string with embedded ${...} expressions, such as a test
// command argument "--filter=${test}".
type Template struct {
	raw string
	// parts holds the literal text; codes[i] is evaluated between parts[i]
	// and parts[i+1]
	parts []string
	codes []Script
}

func NewTemplate(engine Compiler, raw string) (*Template, error) {
	if strings.Count(raw, "${") > strings.Count(raw, "}") {
		return nil, fmt.Errorf("unclosed template expression in string: %q", raw)
	}
	t := &Template{raw: raw}

	matches := templateExpr.FindAllStringSubmatchIndex(raw, -1)
	if len(matches) == 0 {
		return t, nil
	}

	var lastEnd int
	for _, match := range matches {
		t.parts = append(t.parts, raw[lastEnd:match[0]])
		expr := raw[match[2]:match[3]]
		script, err := engine.Compile(context.Background(), expr)
		if err != nil {
			return nil, fmt.Errorf("failed to compile template expression %q: %w", expr, err)
		}
		t.codes = append(t.codes, script)
		lastEnd = match[1]
	}
	t.parts = append(t.parts, raw[lastEnd:])
	return t, nil
}

// IsStatic returns true if the template has no expressions.
func (t *Template) IsStatic() bool {
	return len(t.codes) == 0
}

func (t *Template) Eval(ctx context.Context, globals map[string]any) (string, error) {
	if len(t.codes) == 0 {
		return t.raw, nil
	}
	var sb strings.Builder
	for i, code := range t.codes {
		sb.WriteString(t.parts[i])
		result, err := code.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("failed to evaluate template expression: %w", err)
		}
		sb.WriteString(result.String())
	}
	sb.WriteString(t.parts[len(t.parts)-1])
	return sb.String(), nil
}
