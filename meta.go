package campaign

import (
	"context"
	"maps"
	"os"
	"sort"
	"time"

	"github.com/deepnoodle-ai/campaign/checkpoint"
	"github.com/deepnoodle-ai/campaign/matrix"
)

// criteriaGroup is a set of META criteria measured from the same
// executables under the same environment, so one test execution serves all
// of them.
type criteriaGroup struct {
	criteria []Criterion
	exes     Executables
	env      Environment
}

// groupCriteria merges criteria with identical executables and environment.
// Groups and their members follow the order of criteria.
func groupCriteria(criteria []Criterion, exes map[Criterion]Executables, envs map[Criterion]Environment) ([]*criteriaGroup, error) {
	if len(exes) != len(envs) {
		return nil, configErrorf("executables and environments cover different criteria")
	}
	for c := range exes {
		if _, ok := envs[c]; !ok {
			return nil, configErrorf("executables and environments cover different criteria: %s has no environment", c)
		}
	}

	var groups []*criteriaGroup
	for _, c := range criteria {
		ex, ok := exes[c]
		if !ok {
			return nil, configErrorf("no executables for %s", c)
		}
		env := envs[c]
		var group *criteriaGroup
		for _, g := range groups {
			if maps.Equal(g.exes, ex) && maps.Equal(g.env, env) {
				group = g
				break
			}
		}
		if group == nil {
			group = &criteriaGroup{exes: ex, env: env}
			groups = append(groups, group)
		}
		group.criteria = append(group.criteria, c)
	}
	return groups, nil
}

// metaRows accumulates the rows of one META criterion across tests.
type metaRows struct {
	criterion Criterion
	// fixed is non-nil when the caller supplied the element list
	fixed map[string]bool
	order []string
	rows  map[string]map[string]matrix.Cell
}

func newMetaRows(c Criterion, elements []string) (*metaRows, error) {
	r := &metaRows{criterion: c, rows: map[string]map[string]matrix.Cell{}}
	if elements == nil {
		return r, nil
	}
	r.fixed = make(map[string]bool, len(elements))
	for _, element := range elements {
		if r.fixed[element] {
			return nil, configErrorf("duplicate element %q for %s", element, c)
		}
		r.fixed[element] = true
		r.order = append(r.order, element)
		r.rows[element] = map[string]matrix.Cell{}
	}
	return r, nil
}

// add records the counts extracted for one test. Elements seen for the
// first time are appended in lexical order.
func (r *metaRows) add(test string, counts map[string]int) error {
	elements := make([]string, 0, len(counts))
	for element, count := range counts {
		if count < 0 {
			return configErrorf("negative count %d for element %q of %s in test %q", count, element, r.criterion, test)
		}
		elements = append(elements, element)
	}
	sort.Strings(elements)

	for _, element := range elements {
		row, ok := r.rows[element]
		if !ok {
			if r.fixed != nil {
				continue
			}
			row = map[string]matrix.Cell{}
			r.rows[element] = row
			r.order = append(r.order, element)
		}
		if counts[element] > 0 {
			row[test] = matrix.Active
		}
	}
	return nil
}

func (r *metaRows) writeTo(m *matrix.Matrix) error {
	for _, element := range r.order {
		if err := m.AddRowByKey(element, r.rows[element], false); err != nil {
			return ClassifyError(err)
		}
	}
	if err := m.Serialize(); err != nil {
		return toolErrorf("failed to serialize %s matrix: %w", r.criterion, err)
	}
	return nil
}

func (o *Orchestrator) metaStep(ctx context.Context, handler *checkpoint.Handler, criteria []Criterion, exes map[Criterion]Executables, input RunInput) error {
	key := checkpoint.StepKey{Name: stepName, ID: stepMeta}
	run, err := handler.IsToExecute(key)
	if err != nil {
		return ClassifyError(err)
	}
	if !run {
		for _, c := range criteria {
			if err := o.resume(ctx, c, input.Matrices[c]); err != nil {
				return err
			}
		}
		return nil
	}

	start := time.Now()
	events := make(map[Criterion]*CriterionEvent, len(criteria))
	for _, c := range criteria {
		events[c] = &CriterionEvent{RunID: o.runID, Criterion: c, Strategy: StrategyMeta, StartTime: start}
		o.callbacks.BeforeCriterion(ctx, events[c])
	}
	err = o.runMeta(ctx, criteria, exes, input)
	for _, c := range criteria {
		event := events[c]
		event.EndTime = time.Now()
		event.Duration = event.EndTime.Sub(start)
		event.Rows = input.Matrices[c].Len()
		event.Error = err
		o.callbacks.AfterCriterion(ctx, event)
	}
	if err != nil {
		return err
	}
	if err := handler.DoCheckpoint(key, nil); err != nil {
		return ClassifyError(err)
	}
	return nil
}

func (o *Orchestrator) runMeta(ctx context.Context, criteria []Criterion, exes map[Criterion]Executables, input RunInput) error {
	scratch := o.scratchDir()
	metaExes := make(map[Criterion]Executables, len(criteria))
	envs := make(map[Criterion]Environment, len(criteria))
	accumulators := make(map[Criterion]*metaRows, len(criteria))
	for _, c := range criteria {
		env, err := o.meta.MetaEnvironment(c, o.instrumentedDir(), scratch)
		if err != nil {
			return toolErrorf("failed to prepare %s environment: %w", c, err)
		}
		metaExes[c] = exes[c]
		envs[c] = env
		rows, err := newMetaRows(c, input.Elements[c])
		if err != nil {
			return err
		}
		accumulators[c] = rows
	}
	groups, err := groupCriteria(criteria, metaExes, envs)
	if err != nil {
		return err
	}
	o.logger.Info("running meta criteria", "criteria", criteria, "groups", len(groups), "tests", len(input.Tests))

	for _, test := range input.Tests {
		for _, group := range groups {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := recreateDir(scratch); err != nil {
				return toolErrorf("%w", err)
			}
			if err := o.executeMetaTest(ctx, test, group); err != nil {
				return err
			}
			counts, err := o.meta.CollectCounts(ctx, test, group.criteria, scratch)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return toolErrorf("failed to collect measurements of test %q: %w", test, err)
			}
			for _, c := range group.criteria {
				if err := accumulators[c].add(test, counts[c]); err != nil {
					return err
				}
			}
		}
	}

	for _, c := range criteria {
		if err := accumulators[c].writeTo(input.Matrices[c]); err != nil {
			return err
		}
		o.logger.Info("meta criterion completed", "criterion", c, "rows", input.Matrices[c].Len())
	}
	if err := os.RemoveAll(scratch); err != nil {
		o.logger.Warn("failed to remove scratch directory", "error", err)
	}
	return nil
}

func (o *Orchestrator) executeMetaTest(ctx context.Context, test string, group *criteriaGroup) error {
	start := time.Now()
	event := &TestEvent{
		RunID:     o.runID,
		Criteria:  group.criteria,
		Test:      test,
		StartTime: start,
	}
	o.callbacks.BeforeTest(ctx, event)

	verdict, err := o.executor.Execute(ctx, test, group.exes, group.env)
	if err == nil && !verdict.Valid() {
		err = toolErrorf("test %q returned invalid verdict %q", test, verdict)
	}

	event.EndTime = time.Now()
	event.Duration = event.EndTime.Sub(start)
	event.Verdict = verdict
	event.Error = err
	o.callbacks.AfterTest(ctx, event)

	for _, c := range group.criteria {
		entry := &ExecutionLogEntry{
			Criterion: c,
			Test:      test,
			Verdict:   verdict,
			StartTime: start,
			Duration:  event.Duration.Seconds(),
		}
		if err != nil {
			entry.Error = err.Error()
		}
		o.logExecution(ctx, entry)
	}

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return toolErrorf("failed to execute test %q: %w", test, err)
	}
	o.logger.Debug("executed test", "test", test, "criteria", group.criteria, "verdict", verdict)
	return nil
}
