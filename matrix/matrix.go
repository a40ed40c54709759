// Package matrix implements the execution matrix: a sparse tri-state table
// recording, for every target element (row) and test (column), whether the
// test activated the element.
package matrix

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrDuplicateRow is returned when a row key is added twice.
	ErrDuplicateRow = errors.New("duplicate matrix row")

	// ErrUnknownColumn is returned when a value names a column outside the
	// matrix column set.
	ErrUnknownColumn = errors.New("unknown matrix column")

	// ErrUnknownRow is returned when a queried row does not exist.
	ErrUnknownRow = errors.New("unknown matrix row")

	// ErrColumnMismatch is returned when two matrices with different column
	// sets are merged.
	ErrColumnMismatch = errors.New("matrix column sets differ")

	// ErrInvalidColumns is returned for an empty or duplicate column name.
	ErrInvalidColumns = errors.New("invalid matrix columns")
)

// Matrix is a table keyed by row (target element) and column (test). Rows
// are write-once and every row spans the full column set. Only cells that
// are not Inactive are stored.
//
// A Matrix is safe for concurrent use.
type Matrix struct {
	mutex   sync.RWMutex
	path    string
	columns []string
	index   map[string]int
	keys    []string
	rows    map[string]map[int]Cell
}

// New returns an empty matrix bound to path with a fixed column set.
func New(path string, columns []string) (*Matrix, error) {
	index := make(map[string]int, len(columns))
	for i, column := range columns {
		if column == "" {
			return nil, fmt.Errorf("%w: empty column name", ErrInvalidColumns)
		}
		if column == RowKeyHeader {
			return nil, fmt.Errorf("%w: %q is reserved", ErrInvalidColumns, column)
		}
		if _, exists := index[column]; exists {
			return nil, fmt.Errorf("%w: duplicate column %q", ErrInvalidColumns, column)
		}
		index[column] = i
	}
	return &Matrix{
		path:    path,
		columns: slices.Clone(columns),
		index:   index,
		rows:    map[string]map[int]Cell{},
	}, nil
}

// Path returns the file the matrix serializes to.
func (m *Matrix) Path() string {
	return m.path
}

// Columns returns the column names in order.
func (m *Matrix) Columns() []string {
	return slices.Clone(m.columns)
}

// HasColumns reports whether the matrix column set equals columns,
// irrespective of order.
func (m *Matrix) HasColumns(columns []string) bool {
	if len(columns) != len(m.columns) {
		return false
	}
	for _, column := range columns {
		if _, ok := m.index[column]; !ok {
			return false
		}
	}
	return true
}

// Len returns the number of rows.
func (m *Matrix) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return len(m.keys)
}

// IsEmpty reports whether the matrix has no rows.
func (m *Matrix) IsEmpty() bool {
	return m.Len() == 0
}

// RowKeys returns the row keys in insertion order.
func (m *Matrix) RowKeys() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return slices.Clone(m.keys)
}

// HasRow reports whether key exists.
func (m *Matrix) HasRow(key string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	_, ok := m.rows[key]
	return ok
}

// Row returns every cell of the row, keyed by column.
func (m *Matrix) Row(key string) (map[string]Cell, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	cells, ok := m.rows[key]
	if !ok {
		return nil, false
	}
	row := make(map[string]Cell, len(m.columns))
	for i, column := range m.columns {
		row[column] = cells[i]
	}
	return row, true
}

// Cell returns one cell.
func (m *Matrix) Cell(key, column string) (Cell, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	cells, ok := m.rows[key]
	if !ok {
		return Inactive, fmt.Errorf("%w: %q", ErrUnknownRow, key)
	}
	i, ok := m.index[column]
	if !ok {
		return Inactive, fmt.Errorf("%w: %q", ErrUnknownColumn, column)
	}
	return cells[i], nil
}

// AddRowByKey appends a row. Columns missing from values are Inactive. When
// serialize is true the matrix is written to its file immediately.
func (m *Matrix) AddRowByKey(key string, values map[string]Cell, serialize bool) error {
	if err := m.addRow(key, values); err != nil {
		return err
	}
	if serialize {
		return m.Serialize()
	}
	return nil
}

func (m *Matrix) addRow(key string, values map[string]Cell) error {
	cells := map[int]Cell{}
	for column, cell := range values {
		i, ok := m.index[column]
		if !ok {
			return fmt.Errorf("%w: %q in row %q", ErrUnknownColumn, column, key)
		}
		if !cell.Valid() {
			return fmt.Errorf("invalid cell value %d in row %q", cell, key)
		}
		if cell != Inactive {
			cells[i] = cell
		}
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.rows[key]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateRow, key)
	}
	m.rows[key] = cells
	m.keys = append(m.keys, key)
	return nil
}

// QueryActiveColumnsOfRows returns, for each requested row (all rows when
// none are given), the columns whose cell is Active in column order.
func (m *Matrix) QueryActiveColumnsOfRows(keys ...string) (map[string][]string, error) {
	return m.queryColumns(Active, keys)
}

// QueryUncertainColumnsOfRows is QueryActiveColumnsOfRows for Uncertain
// cells.
func (m *Matrix) QueryUncertainColumnsOfRows(keys ...string) (map[string][]string, error) {
	return m.queryColumns(Uncertain, keys)
}

func (m *Matrix) queryColumns(want Cell, keys []string) (map[string][]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if len(keys) == 0 {
		keys = m.keys
	}
	result := make(map[string][]string, len(keys))
	for _, key := range keys {
		cells, ok := m.rows[key]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRow, key)
		}
		columns := []string{}
		for i, column := range m.columns {
			if cells[i] == want {
				columns = append(columns, column)
			}
		}
		result[key] = columns
	}
	return result, nil
}

// UpdateWithOtherMatrix appends every row of other. Both matrices must
// share the same column set and no row key may exist in both. On error m is
// left unchanged.
func (m *Matrix) UpdateWithOtherMatrix(other *Matrix, serialize bool) error {
	if other == m {
		return fmt.Errorf("%w: cannot merge a matrix into itself", ErrDuplicateRow)
	}
	if !m.HasColumns(other.columns) {
		return fmt.Errorf("%w: %v and %v", ErrColumnMismatch, m.columns, other.columns)
	}

	other.mutex.RLock()
	incoming := make([]string, len(other.keys))
	copy(incoming, other.keys)
	remapped := make(map[string]map[int]Cell, len(other.keys))
	for _, key := range other.keys {
		cells := make(map[int]Cell, len(other.rows[key]))
		for i, cell := range other.rows[key] {
			cells[m.index[other.columns[i]]] = cell
		}
		remapped[key] = cells
	}
	other.mutex.RUnlock()

	m.mutex.Lock()
	for _, key := range incoming {
		if _, exists := m.rows[key]; exists {
			m.mutex.Unlock()
			return fmt.Errorf("%w: %q", ErrDuplicateRow, key)
		}
	}
	for _, key := range incoming {
		m.rows[key] = remapped[key]
		m.keys = append(m.keys, key)
	}
	m.mutex.Unlock()

	if serialize {
		return m.Serialize()
	}
	return nil
}

// Dense returns a copy of the whole table including Inactive cells.
func (m *Matrix) Dense() map[string]map[string]Cell {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	dense := make(map[string]map[string]Cell, len(m.keys))
	for _, key := range m.keys {
		row := make(map[string]Cell, len(m.columns))
		for i, column := range m.columns {
			row[column] = m.rows[key][i]
		}
		dense[key] = row
	}
	return dense
}
