package campaign

import (
	"context"
	"time"

	"github.com/deepnoodle-ai/campaign/checkpoint"
	"github.com/deepnoodle-ai/campaign/matrix"
)

// separatedProgress is the checkpoint payload of a SEPARATED criterion: the
// rows of the elements completed so far, holding only non-Inactive cells.
type separatedProgress struct {
	Rows map[string]map[string]matrix.Cell `json:"rows"`
}

func (o *Orchestrator) separatedStep(ctx context.Context, handler *checkpoint.Handler, c Criterion, input RunInput) error {
	key := checkpoint.StepKey{Name: stepName, ID: stepSeparated, Tool: string(c)}
	run, err := handler.IsToExecute(key)
	if err != nil {
		return ClassifyError(err)
	}
	if !run {
		return o.resume(ctx, c, input.Matrices[c])
	}

	start := time.Now()
	event := &CriterionEvent{RunID: o.runID, Criterion: c, Strategy: StrategySeparated, StartTime: start}
	o.callbacks.BeforeCriterion(ctx, event)
	err = o.runSeparated(ctx, handler, key, c, input)
	event.EndTime = time.Now()
	event.Duration = event.EndTime.Sub(start)
	event.Rows = input.Matrices[c].Len()
	event.Error = err
	o.callbacks.AfterCriterion(ctx, event)
	if err != nil {
		return err
	}

	if err := handler.DoCheckpoint(key, nil); err != nil {
		return ClassifyError(err)
	}
	return nil
}

func (o *Orchestrator) runSeparated(ctx context.Context, handler *checkpoint.Handler, key checkpoint.StepKey, c Criterion, input RunInput) error {
	logger := o.logger.With("criterion", c)
	m := input.Matrices[c]

	elements := input.Elements[c]
	if elements == nil {
		var err error
		elements, err = o.separated.Elements(c, o.instrumentedDir())
		if err != nil {
			return toolErrorf("failed to list %s elements: %w", c, err)
		}
	}
	known := make(map[string]bool, len(elements))
	for _, element := range elements {
		if known[element] {
			return configErrorf("duplicate element %q for %s", element, c)
		}
		known[element] = true
	}

	progress := separatedProgress{Rows: map[string]map[string]matrix.Cell{}}
	if raw := handler.OptionalPayload(key); raw != nil {
		if err := decodeJSON(raw, &progress); err != nil {
			return err
		}
		if progress.Rows == nil {
			progress.Rows = map[string]map[string]matrix.Cell{}
		}
		for element := range progress.Rows {
			if !known[element] {
				return configErrorf("checkpointed element %q is not an element of %s", element, c)
			}
		}
		logger.Info("resuming criterion", "done", len(progress.Rows), "elements", len(elements))
	} else {
		logger.Info("running separated criterion", "elements", len(elements), "tests", len(input.Tests))
	}

	prioritizer := input.Prioritizers[c]
	pending := 0
	for i, element := range elements {
		if row, ok := progress.Rows[element]; ok {
			if err := m.AddRowByKey(element, row, false); err != nil {
				return ClassifyError(err)
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		elementStart := time.Now()
		row, executed, err := o.runElement(ctx, c, element, input, prioritizer)
		if err != nil {
			return err
		}
		if err := m.AddRowByKey(element, row, false); err != nil {
			return ClassifyError(err)
		}
		progress.Rows[element] = row
		o.callbacks.ElementCompleted(ctx, &ElementEvent{
			RunID:     o.runID,
			Criterion: c,
			Element:   element,
			Index:     i,
			Total:     len(elements),
			Row:       row,
			Executed:  executed,
			Duration:  time.Since(elementStart),
		})

		pending++
		if pending >= o.period {
			if err := handler.SaveProgress(key, progress); err != nil {
				return ClassifyError(err)
			}
			logger.Debug("checkpointed progress", "done", len(progress.Rows))
			pending = 0
		}
	}

	if err := m.Serialize(); err != nil {
		return toolErrorf("failed to serialize %s matrix: %w", c, err)
	}
	logger.Info("separated criterion completed", "rows", m.Len())
	return nil
}

// runElement runs the tests that may affect element against its dedicated
// artifact. It returns the non-Inactive cells of the element row and the
// number of tests executed.
func (o *Orchestrator) runElement(ctx context.Context, c Criterion, element string, input RunInput, prioritizer Prioritizer) (map[string]matrix.Cell, int, error) {
	exes, env, err := o.separated.ElementExecutables(c, element, o.instrumentedDir())
	if err != nil {
		return nil, 0, toolErrorf("failed to resolve executables of %s element %q: %w", c, element, err)
	}

	tests := input.Tests
	var irrelevant []string
	if prioritizer != nil {
		maybe, skipped, err := prioritizer.SelectRelevant(ctx, element, input.Tests)
		if err != nil {
			return nil, 0, toolErrorf("failed to prioritize tests of %q: %w", element, err)
		}
		selected := make(map[string]bool, len(maybe))
		for _, test := range maybe {
			selected[test] = true
		}
		// keep the caller order for the tests that are run
		tests = nil
		for _, test := range input.Tests {
			if selected[test] {
				tests = append(tests, test)
				delete(selected, test)
			}
		}
		if len(selected) > 0 {
			return nil, 0, toolErrorf("prioritizer selected %d unknown tests for %q", len(selected), element)
		}
		irrelevant = skipped
	}

	verdicts := map[string]Verdict{}
	start := time.Now()
	if len(tests) > 0 {
		verdicts, err = o.executor.RunMany(ctx, tests, exes, env, input.StopAtFirstKill)
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, ctx.Err()
			}
			return nil, 0, toolErrorf("failed to run tests on %s element %q: %w", c, element, err)
		}
	}
	duration := time.Since(start)

	row := map[string]matrix.Cell{}
	ran := make(map[string]bool, len(tests))
	for _, test := range tests {
		ran[test] = true
		verdict, ok := verdicts[test]
		if !ok {
			// not run after the first kill
			continue
		}
		if !verdict.Valid() {
			return nil, 0, toolErrorf("test %q returned invalid verdict %q", test, verdict)
		}
		if cell := verdict.Cell(); cell != matrix.Inactive {
			row[test] = cell
		}
		o.logExecution(ctx, &ExecutionLogEntry{
			Criterion: c,
			Element:   element,
			Test:      test,
			Verdict:   verdict,
			StartTime: start,
			Duration:  duration.Seconds(),
		})
	}
	for test := range verdicts {
		if !ran[test] {
			return nil, 0, toolErrorf("executor returned a verdict for test %q that was not run", test)
		}
	}
	// irrelevant tests are recorded as passing without being run
	for _, test := range irrelevant {
		if ran[test] {
			return nil, 0, toolErrorf("prioritizer marked test %q both relevant and irrelevant", test)
		}
	}

	if prioritizer != nil {
		if err := prioritizer.Update(ctx, element, irrelevant, verdicts); err != nil {
			return nil, 0, toolErrorf("failed to update prioritizer for %q: %w", element, err)
		}
	}
	return row, len(verdicts), nil
}
