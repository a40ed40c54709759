// Package sqlstore archives execution matrices into a SQL database so that
// the results of many campaign runs can be queried together. Only
// non-Inactive cells are stored.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/deepnoodle-ai/campaign/matrix"
	"github.com/deepnoodle-ai/campaign/retry"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const (
	defaultBusyTimeout    = 5 * time.Second
	defaultConnectRetries = 5
)

// ErrNotFound is returned when no matrix is archived under a key.
var ErrNotFound = errors.New("matrix not archived")

type Store struct {
	db          *sql.DB
	driver      string
	busyTimeout time.Duration
	retries     int
	logger      *slog.Logger
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

// WithConnectRetries sets how many times a refused connection is retried.
func WithConnectRetries(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.retries = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open connects to the database and creates the schema. For sqlite the dsn
// is a file path.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("%s dsn is required", driver)
	}
	s := &Store{
		driver:      driver,
		busyTimeout: defaultBusyTimeout,
		retries:     defaultConnectRetries,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}

	switch driver {
	case DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported archive driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s db: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	s.db = db
	err = retry.Do(ctx, func() error {
		if err := db.PingContext(ctx); err != nil {
			s.logger.Debug("database not reachable yet", "driver", driver, "error", err)
			return classifyConnectError(err)
		}
		return nil
	}, retry.WithMaxRetries(s.retries), retry.WithBaseWait(200*time.Millisecond), retry.WithJitter(true))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s db: %w", driver, err)
	}
	if err := s.initialize(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// classifyConnectError tells retry.Do which postgres connection failures are
// worth waiting out. Other errors fall back to the retry heuristics.
func classifyConnectError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch {
	case pqErr.Code == "57P03": // cannot_connect_now
		return retry.Transient(err)
	case pqErr.Code.Class() == "28", // invalid_authorization_specification
		pqErr.Code.Class() == "3D": // invalid_catalog_name
		return retry.Permanent(err)
	}
	return err
}

func (s *Store) initialize(ctx context.Context) error {
	if s.driver == DriverSQLite && s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save archives m under (runID, criterion), replacing any previous copy.
func (s *Store) Save(ctx context.Context, runID, criterion string, m *matrix.Matrix) error {
	if runID == "" || criterion == "" {
		return fmt.Errorf("run id and criterion are required")
	}
	active, err := m.QueryActiveColumnsOfRows()
	if err != nil {
		return err
	}
	uncertain, err := m.QueryUncertainColumnsOfRows()
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.delete(ctx, tx, runID, criterion); err != nil {
		return err
	}

	insertColumn, err := tx.PrepareContext(ctx, s.rebind(
		`INSERT INTO matrix_columns (run_id, criterion, seq, column_key) VALUES (?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("failed to prepare column insert: %w", err)
	}
	defer insertColumn.Close()
	for i, column := range m.Columns() {
		if _, err := insertColumn.ExecContext(ctx, runID, criterion, i, column); err != nil {
			return fmt.Errorf("failed to insert column %q: %w", column, err)
		}
	}

	insertRow, err := tx.PrepareContext(ctx, s.rebind(
		`INSERT INTO matrix_rows (run_id, criterion, seq, row_key) VALUES (?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("failed to prepare row insert: %w", err)
	}
	defer insertRow.Close()
	insertCell, err := tx.PrepareContext(ctx, s.rebind(
		`INSERT INTO matrix_cells (run_id, criterion, row_key, column_key, cell) VALUES (?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("failed to prepare cell insert: %w", err)
	}
	defer insertCell.Close()

	cells := 0
	for i, key := range m.RowKeys() {
		if _, err := insertRow.ExecContext(ctx, runID, criterion, i, key); err != nil {
			return fmt.Errorf("failed to insert row %q: %w", key, err)
		}
		for _, set := range []struct {
			cell    matrix.Cell
			columns []string
		}{{matrix.Active, active[key]}, {matrix.Uncertain, uncertain[key]}} {
			for _, column := range set.columns {
				if _, err := insertCell.ExecContext(ctx, runID, criterion, key, column, int(set.cell)); err != nil {
					return fmt.Errorf("failed to insert cell %q/%q: %w", key, column, err)
				}
				cells++
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit matrix: %w", err)
	}
	s.logger.Debug("archived matrix", "run_id", runID, "criterion", criterion, "rows", m.Len(), "cells", cells)
	return nil
}

// Load restores the matrix archived under (runID, criterion). The returned
// matrix serializes to path.
func (s *Store) Load(ctx context.Context, runID, criterion, path string) (*matrix.Matrix, error) {
	columns, err := s.queryStrings(ctx,
		`SELECT column_key FROM matrix_columns WHERE run_id = ? AND criterion = ? ORDER BY seq`,
		runID, criterion)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, runID, criterion)
	}
	keys, err := s.queryStrings(ctx,
		`SELECT row_key FROM matrix_rows WHERE run_id = ? AND criterion = ? ORDER BY seq`,
		runID, criterion)
	if err != nil {
		return nil, err
	}

	rows := make(map[string]map[string]matrix.Cell, len(keys))
	for _, key := range keys {
		rows[key] = map[string]matrix.Cell{}
	}
	result, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT row_key, column_key, cell FROM matrix_cells WHERE run_id = ? AND criterion = ?`),
		runID, criterion)
	if err != nil {
		return nil, fmt.Errorf("failed to query cells: %w", err)
	}
	defer result.Close()
	for result.Next() {
		var key, column string
		var value int
		if err := result.Scan(&key, &column, &value); err != nil {
			return nil, fmt.Errorf("failed to scan cell: %w", err)
		}
		cell := matrix.Cell(value)
		if !cell.Valid() {
			return nil, fmt.Errorf("invalid cell %d at %q/%q", value, key, column)
		}
		row, ok := rows[key]
		if !ok {
			return nil, fmt.Errorf("cell of unknown row %q", key)
		}
		row[column] = cell
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read cells: %w", err)
	}

	m, err := matrix.New(path, columns)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if err := m.AddRowByKey(key, rows[key], false); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Criteria lists the criteria archived for runID.
func (s *Store) Criteria(ctx context.Context, runID string) ([]string, error) {
	return s.queryStrings(ctx,
		`SELECT DISTINCT criterion FROM matrix_columns WHERE run_id = ? ORDER BY criterion`, runID)
}

// Delete removes the matrix archived under (runID, criterion).
func (s *Store) Delete(ctx context.Context, runID, criterion string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := s.delete(ctx, tx, runID, criterion); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) delete(ctx context.Context, tx *sql.Tx, runID, criterion string) error {
	for _, table := range []string{"matrix_cells", "matrix_rows", "matrix_columns"} {
		q := s.rebind("DELETE FROM " + table + " WHERE run_id = ? AND criterion = ?")
		if _, err := tx.ExecContext(ctx, q, runID, criterion); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}

func (s *Store) queryStrings(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()
	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// rebind converts ? placeholders to the $n form postgres expects.
func (s *Store) rebind(q string) string {
	if s.driver != DriverPostgres {
		return q
	}
	var sb strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
