package matrix

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// RowKeyHeader is the header of the row key column in matrix files.
const RowKeyHeader = "ROW_KEY"

// Encode writes the matrix as CSV: a header of RowKeyHeader followed by the
// columns, then one line per row in insertion order.
func (m *Matrix) Encode(w io.Writer) error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	writer := csv.NewWriter(w)
	header := append([]string{RowKeyHeader}, m.columns...)
	if err := writer.Write(header); err != nil {
		return err
	}
	record := make([]string, len(header))
	for _, key := range m.keys {
		record[0] = key
		cells := m.rows[key]
		for i := range m.columns {
			record[i+1] = strconv.Itoa(int(cells[i]))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// Decode reads a matrix written by Encode and binds it to path.
func Decode(r io.Reader, path string) (*Matrix, error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("matrix file %s has no header", path)
		}
		return nil, fmt.Errorf("failed to read matrix header: %w", err)
	}
	if len(header) == 0 || header[0] != RowKeyHeader {
		return nil, fmt.Errorf("matrix file %s must start with %s", path, RowKeyHeader)
	}
	m, err := New(path, append([]string(nil), header[1:]...))
	if err != nil {
		return nil, err
	}

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read matrix row: %w", err)
		}
		values := make(map[string]Cell, len(m.columns))
		for i, column := range m.columns {
			cell, err := ParseCell(record[i+1])
			if err != nil {
				return nil, fmt.Errorf("row %q column %q: %w", record[0], column, err)
			}
			values[column] = cell
		}
		if err := m.addRow(record[0], values); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Load reads the matrix stored at path.
func Load(path string) (*Matrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open matrix: %w", err)
	}
	defer f.Close()

	return Decode(bufio.NewReader(f), path)
}

// Serialize writes the matrix to its path through a temporary file so that
// readers never observe a partial matrix.
func (m *Matrix) Serialize() error {
	if m.path == "" {
		return fmt.Errorf("matrix has no path")
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("failed to create matrix directory: %w", err)
	}
	tmp := m.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create matrix file: %w", err)
	}
	buf := bufio.NewWriter(f)
	if err := m.Encode(buf); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode matrix: %w", err)
	}
	if err := buf.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write matrix: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync matrix: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close matrix file: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("failed to rename matrix file: %w", err)
	}
	return nil
}
