package campaign

import (
	"fmt"

	"github.com/deepnoodle-ai/campaign/matrix"
)

// Criterion is a test adequacy criterion measured by a campaign.
type Criterion string

const (
	StatementCoverage Criterion = "statement_coverage"
	BranchCoverage    Criterion = "branch_coverage"
	FunctionCoverage  Criterion = "function_coverage"
	MutantCoverage    Criterion = "mutant_coverage"
	WeakMutation      Criterion = "weak_mutation"
	StrongMutation    Criterion = "strong_mutation"
)

// AllCriteria returns every known criterion.
func AllCriteria() []Criterion {
	return []Criterion{
		StatementCoverage,
		BranchCoverage,
		FunctionCoverage,
		MutantCoverage,
		WeakMutation,
		StrongMutation,
	}
}

// Valid reports whether c is a known criterion.
func (c Criterion) Valid() bool {
	for _, known := range AllCriteria() {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCriterion validates a criterion name.
func ParseCriterion(s string) (Criterion, error) {
	c := Criterion(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown criterion %q", s)
	}
	return c, nil
}

// Verdict is the outcome of one test execution.
type Verdict string

const (
	Pass      Verdict = "pass"
	Fail      Verdict = "fail"
	Uncertain Verdict = "uncertain"
)

// Valid reports whether v is a known verdict.
func (v Verdict) Valid() bool {
	return v == Pass || v == Fail || v == Uncertain
}

// ParseVerdict validates a verdict name.
func ParseVerdict(s string) (Verdict, error) {
	v := Verdict(s)
	if !v.Valid() {
		return "", fmt.Errorf("unknown verdict %q", s)
	}
	return v, nil
}

// Cell maps a verdict onto a matrix cell: a failing test activates (kills)
// the element.
func (v Verdict) Cell() matrix.Cell {
	switch v {
	case Fail:
		return matrix.Active
	case Uncertain:
		return matrix.Uncertain
	default:
		return matrix.Inactive
	}
}
