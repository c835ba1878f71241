package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps sheets in a local SQLite file with the same row
// semantics as the spreadsheet. It serves offline runs.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sheets (
		name TEXT PRIMARY KEY,
		header JSON NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS sheet_rows (
		sheet TEXT NOT NULL,
		pos INTEGER NOT NULL,
		cells JSON NOT NULL,
		FOREIGN KEY (sheet) REFERENCES sheets(name)
	);

	CREATE TABLE IF NOT EXISTS sheet_formats (
		id INTEGER PRIMARY KEY,
		sheet TEXT NOT NULL,
		first_row INTEGER,
		last_row INTEGER,
		applied_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_sheet_rows_pos ON sheet_rows(sheet, pos);
	`
	_, err := s.db.Exec(schema)
	return err
}

// classifySQLite maps driver errors onto the store taxonomy: a busy or locked
// database is throttling.
func classifySQLite(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return Throttled(op, err)
	}
	return Hard(op, err)
}

func (s *SQLiteStore) EnsureSheet(ctx context.Context, sheet string, header []string) error {
	h, err := json.Marshal(header)
	if err != nil {
		return Hard("ensure sheet", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO sheets (name, header) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`, sheet, string(h))
	return classifySQLite("ensure sheet", err)
}

func (s *SQLiteStore) ReadRecords(ctx context.Context, sheet string) (*Table, error) {
	header, err := s.header(ctx, s.db, sheet)
	if err != nil {
		return nil, err
	}
	rows, err := s.loadRows(ctx, s.db, sheet)
	if err != nil {
		return nil, err
	}
	t := &Table{Sheet: sheet, Header: header}
	for i, r := range rows {
		t.Rows = append(t.Rows, Row{Handle: i + AnchorRow, Cells: r})
	}
	return t, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) header(ctx context.Context, q querier, sheet string) ([]string, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT header FROM sheets WHERE name = ?`, sheet).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, Hard("read header", fmt.Errorf("sheet %q not found", sheet))
	}
	if err != nil {
		return nil, classifySQLite("read header", err)
	}
	var header []string
	if err := json.Unmarshal([]byte(raw), &header); err != nil {
		return nil, Hard("read header", err)
	}
	return header, nil
}

func (s *SQLiteStore) loadRows(ctx context.Context, q querier, sheet string) ([][]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT cells FROM sheet_rows WHERE sheet = ? ORDER BY pos`, sheet)
	if err != nil {
		return nil, classifySQLite("read rows", err)
	}
	defer rows.Close()

	var out [][]string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, classifySQLite("read rows", err)
		}
		var cells []string
		if err := json.Unmarshal([]byte(raw), &cells); err != nil {
			return nil, Hard("read rows", err)
		}
		out = append(out, cells)
	}
	return out, classifySQLite("read rows", rows.Err())
}

// rewrite applies writes in one transaction, so a batch lands whole or not at all.
func (s *SQLiteStore) rewrite(ctx context.Context, op, sheet string, keyCol int, writes []RowWrite) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite(op, err)
	}
	defer tx.Rollback()

	if _, err := s.header(ctx, tx, sheet); err != nil {
		return err
	}
	rows, err := s.loadRows(ctx, tx, sheet)
	if err != nil {
		return err
	}
	rows = applyWrites(rows, keyCol, writes)

	if _, err := tx.ExecContext(ctx, `DELETE FROM sheet_rows WHERE sheet = ?`, sheet); err != nil {
		return classifySQLite(op, err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO sheet_rows (sheet, pos, cells) VALUES (?, ?, ?)`)
	if err != nil {
		return classifySQLite(op, err)
	}
	defer stmt.Close()
	for i, r := range rows {
		if r == nil {
			r = []string{}
		}
		cells, err := json.Marshal(r)
		if err != nil {
			return Hard(op, err)
		}
		if _, err := stmt.ExecContext(ctx, sheet, i, string(cells)); err != nil {
			return classifySQLite(op, err)
		}
	}
	return classifySQLite(op, tx.Commit())
}

func (s *SQLiteStore) WriteRows(ctx context.Context, b Batch) error {
	if len(b.Writes) == 0 {
		return nil
	}
	return s.rewrite(ctx, "write rows", b.Sheet, b.KeyColumn, b.Writes)
}

func (s *SQLiteStore) AppendSummary(ctx context.Context, sheet string, cells []string, atTop bool) error {
	kind := WriteAppend
	if atTop {
		kind = WriteInsertAtAnchor
	}
	return s.rewrite(ctx, "append summary", sheet, -1, []RowWrite{{Kind: kind, Cells: cells}})
}

// ApplyUniformFormatting records the range; a local file has no styling.
func (s *SQLiteStore) ApplyUniformFormatting(ctx context.Context, sheet string, r RowRange) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sheet_formats (sheet, first_row, last_row, applied_at) VALUES (?, ?, ?, ?)`,
		sheet, r.First, r.Last, time.Now().UTC())
	return classifySQLite("format", err)
}
