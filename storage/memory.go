package storage

import (
	"context"
	"fmt"
	"sync"
)

// Op names a store call for fault injection and call accounting.
type Op string

const (
	OpEnsure  Op = "ensure"
	OpRead    Op = "read"
	OpWrite   Op = "write"
	OpSummary Op = "summary"
	OpFormat  Op = "format"
)

type memSheet struct {
	header    []string
	rows      [][]string
	formatted []RowRange
}

// MemoryStore keeps sheets in process. It backs dry runs and tests; queued
// faults are returned by the next calls of the matching operation.
type MemoryStore struct {
	mu     sync.Mutex
	sheets map[string]*memSheet
	faults map[Op][]error
	calls  map[Op]int
	// OnWrite runs after every successful WriteRows, outside the lock.
	OnWrite func(b Batch)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sheets: make(map[string]*memSheet),
		faults: make(map[Op][]error),
		calls:  make(map[Op]int),
	}
}

// Seed replaces a sheet's content.
func (m *MemoryStore) Seed(sheet string, header []string, rows ...[]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &memSheet{header: append([]string(nil), header...)}
	for _, r := range rows {
		s.rows = append(s.rows, append([]string(nil), r...))
	}
	m.sheets[sheet] = s
}

// Fail queues errors for the next calls of op, one per call.
func (m *MemoryStore) Fail(op Op, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], errs...)
}

func (m *MemoryStore) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Rows returns a copy of a sheet's data rows.
func (m *MemoryStore) Rows(sheet string) [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sheets[sheet]
	if !ok {
		return nil
	}
	out := make([][]string, len(s.rows))
	for i, r := range s.rows {
		out[i] = append([]string(nil), r...)
	}
	return out
}

func (m *MemoryStore) Formatted(sheet string) []RowRange {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sheets[sheet]; ok {
		return append([]RowRange(nil), s.formatted...)
	}
	return nil
}

// enter counts the call and pops a queued fault. Callers hold the lock.
func (m *MemoryStore) enter(ctx context.Context, op Op) error {
	m.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if q := m.faults[op]; len(q) > 0 {
		m.faults[op] = q[1:]
		if q[0] != nil {
			return q[0]
		}
	}
	return nil
}

func (m *MemoryStore) sheet(name string) (*memSheet, error) {
	s, ok := m.sheets[name]
	if !ok {
		return nil, Hard("open sheet", fmt.Errorf("sheet %q not found", name))
	}
	return s, nil
}

func (m *MemoryStore) EnsureSheet(ctx context.Context, sheet string, header []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpEnsure); err != nil {
		return err
	}
	if _, ok := m.sheets[sheet]; !ok {
		m.sheets[sheet] = &memSheet{header: append([]string(nil), header...)}
	}
	return nil
}

func (m *MemoryStore) ReadRecords(ctx context.Context, sheet string) (*Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpRead); err != nil {
		return nil, err
	}
	s, err := m.sheet(sheet)
	if err != nil {
		return nil, err
	}
	t := &Table{Sheet: sheet, Header: append([]string(nil), s.header...)}
	for i, r := range s.rows {
		t.Rows = append(t.Rows, Row{Handle: i + AnchorRow, Cells: append([]string(nil), r...)})
	}
	return t, nil
}

func (m *MemoryStore) WriteRows(ctx context.Context, b Batch) error {
	m.mu.Lock()
	if err := m.enter(ctx, OpWrite); err != nil {
		m.mu.Unlock()
		return err
	}
	s, err := m.sheet(b.Sheet)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	s.rows = applyWrites(s.rows, b.KeyColumn, b.Writes)
	hook := m.OnWrite
	m.mu.Unlock()

	if hook != nil {
		hook(b)
	}
	return nil
}

func (m *MemoryStore) AppendSummary(ctx context.Context, sheet string, cells []string, atTop bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpSummary); err != nil {
		return err
	}
	s, err := m.sheet(sheet)
	if err != nil {
		return err
	}
	kind := WriteAppend
	if atTop {
		kind = WriteInsertAtAnchor
	}
	s.rows = applyWrites(s.rows, -1, []RowWrite{{Kind: kind, Cells: cells}})
	return nil
}

func (m *MemoryStore) ApplyUniformFormatting(ctx context.Context, sheet string, r RowRange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpFormat); err != nil {
		return err
	}
	s, err := m.sheet(sheet)
	if err != nil {
		return err
	}
	s.formatted = append(s.formatted, r)
	return nil
}
