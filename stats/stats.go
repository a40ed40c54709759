// Package stats summarizes execution matrices.
package stats

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/deepnoodle-ai/campaign/matrix"
	"gonum.org/v1/gonum/stat"
)

// Summary describes one execution matrix.
type Summary struct {
	Rows    int `json:"rows"`
	Tests   int `json:"tests"`
	Covered int `json:"covered"`
	// Uncertain counts rows with no Active cell but at least one Uncertain
	// cell.
	Uncertain int `json:"uncertain"`

	// Score is the percentage of rows with at least one Active cell.
	Score float64 `json:"score"`

	// ActivePerTest is the number of Active rows of each test.
	ActivePerTest map[string]int `json:"active_per_test"`
	MeanActive    float64        `json:"mean_active"`
	StdDevActive  float64        `json:"stddev_active"`
}

// Score returns the percentage of rows of m with at least one Active cell.
// An empty matrix scores 0.
func Score(m *matrix.Matrix) (float64, error) {
	active, err := m.QueryActiveColumnsOfRows()
	if err != nil {
		return 0, err
	}
	return percent(countNonEmpty(active), len(active)), nil
}

// Summarize computes the Summary of m.
func Summarize(m *matrix.Matrix) (*Summary, error) {
	active, err := m.QueryActiveColumnsOfRows()
	if err != nil {
		return nil, err
	}
	uncertain, err := m.QueryUncertainColumnsOfRows()
	if err != nil {
		return nil, err
	}

	columns := m.Columns()
	s := &Summary{
		Rows:          len(active),
		Tests:         len(columns),
		Covered:       countNonEmpty(active),
		ActivePerTest: make(map[string]int, len(columns)),
	}
	for _, column := range columns {
		s.ActivePerTest[column] = 0
	}
	for row, tests := range active {
		for _, test := range tests {
			s.ActivePerTest[test]++
		}
		if len(tests) == 0 && len(uncertain[row]) > 0 {
			s.Uncertain++
		}
	}
	s.Score = percent(s.Covered, s.Rows)

	if len(columns) > 0 {
		values := make([]float64, len(columns))
		for i, column := range columns {
			values[i] = float64(s.ActivePerTest[column])
		}
		if len(values) == 1 {
			s.MeanActive = values[0]
		} else {
			s.MeanActive, s.StdDevActive = stat.MeanStdDev(values, nil)
		}
	}
	return s, nil
}

// MergeInto appends the rows of the matrix stored at leftPath to the one at
// rightPath, creating it when missing. The right matrix is rewritten only
// when the merge succeeds.
func MergeInto(leftPath, rightPath string) error {
	left, err := matrix.Load(leftPath)
	if err != nil {
		return err
	}

	var right *matrix.Matrix
	if _, statErr := os.Stat(rightPath); errors.Is(statErr, fs.ErrNotExist) {
		right, err = matrix.New(rightPath, left.Columns())
	} else {
		right, err = matrix.Load(rightPath)
	}
	if err != nil {
		return err
	}
	if err := right.UpdateWithOtherMatrix(left, true); err != nil {
		return fmt.Errorf("failed to merge %s into %s: %w", leftPath, rightPath, err)
	}
	return nil
}

// FormatScore renders a score with two decimals.
func FormatScore(score float64) string {
	return fmt.Sprintf("%.2f", score)
}

func countNonEmpty(rows map[string][]string) int {
	n := 0
	for _, columns := range rows {
		if len(columns) > 0 {
			n++
		}
	}
	return n
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) * 100 / float64(total)
}
