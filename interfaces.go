package campaign

import "context"

// Executables maps a program name to the path of its instrumented build.
type Executables map[string]string

// Environment holds environment variables passed to a test execution.
type Environment map[string]string

// Instrumenter builds instrumented artifacts. Every tool implements it
// together with at least one of MetaInstrumentation and
// SeparatedInstrumentation.
type Instrumenter interface {
	// Instrument builds artifacts for criteria into outputDir and returns
	// the executables of each criterion.
	Instrument(ctx context.Context, criteria []Criterion, outputDir string) (map[Criterion]Executables, error)

	// Executables returns the executables of criteria previously
	// instrumented into outputDir.
	Executables(criteria []Criterion, outputDir string) (map[Criterion]Executables, error)
}

// MetaInstrumentation is implemented by tools that instrument every element
// of a criterion into one artifact measured once per test.
type MetaInstrumentation interface {
	// MetaCriteria lists the supported criteria in declaration order.
	MetaCriteria() []Criterion

	// MetaEnvironment returns the environment making the artifact of
	// criterion dump its measurements into scratchDir.
	MetaEnvironment(criterion Criterion, outputDir, scratchDir string) (Environment, error)

	// CollectCounts extracts, from the measurements left in scratchDir by
	// one test, the number of times each element was exercised.
	CollectCounts(ctx context.Context, test string, criteria []Criterion, scratchDir string) (map[Criterion]map[string]int, error)
}

// SeparatedInstrumentation is implemented by tools that build one artifact
// per element, typically one per mutant.
type SeparatedInstrumentation interface {
	// SeparatedCriteria lists the supported criteria in declaration order.
	SeparatedCriteria() []Criterion

	// Elements lists the elements of criterion instrumented into outputDir.
	Elements(criterion Criterion, outputDir string) ([]string, error)

	// ElementExecutables returns the dedicated artifact of one element.
	ElementExecutables(criterion Criterion, element, outputDir string) (Executables, Environment, error)
}

// TestExecutor runs tests against instrumented executables.
type TestExecutor interface {
	Execute(ctx context.Context, test string, exes Executables, env Environment) (Verdict, error)

	// RunMany runs tests in order. With stopOnFirstFailure it returns after
	// the first Fail; tests not run are absent from the result.
	RunMany(ctx context.Context, tests []string, exes Executables, env Environment, stopOnFirstFailure bool) (map[string]Verdict, error)
}

// Prioritizer narrows the tests that can affect an element.
type Prioritizer interface {
	// SelectRelevant splits tests into those that may affect element and
	// those that definitely cannot.
	SelectRelevant(ctx context.Context, element string, tests []string) (maybe, irrelevant []string, err error)

	// Update reports the outcome of the element's pass.
	Update(ctx context.Context, element string, irrelevant []string, verdicts map[string]Verdict) error
}
