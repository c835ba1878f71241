package storage

import (
	"context"
	"strings"
)

// AnchorRow is the first data row of a sheet, right below the header.
const AnchorRow = 2

// Store is the tabular record store the sync engine reads from and writes to.
// Row handles are 1-based sheet rows; the header occupies row 1.
type Store interface {
	// EnsureSheet creates the sheet with the given header when it does not exist.
	EnsureSheet(ctx context.Context, sheet string, header []string) error
	ReadRecords(ctx context.Context, sheet string) (*Table, error)
	// WriteRows applies every write of the batch, in order, as one remote call.
	WriteRows(ctx context.Context, b Batch) error
	// AppendSummary writes one summary row, at the anchor when atTop is set
	// and after the last row otherwise.
	AppendSummary(ctx context.Context, sheet string, cells []string, atTop bool) error
	ApplyUniformFormatting(ctx context.Context, sheet string, r RowRange) error
}

type Row struct {
	Handle int
	Cells  []string
}

type Table struct {
	Sheet  string
	Header []string
	Rows   []Row
}

// Column returns the index of a header cell, matched case-insensitively, or -1.
func (t *Table) Column(header string) int {
	for i, h := range t.Header {
		if strings.EqualFold(strings.TrimSpace(h), header) {
			return i
		}
	}
	return -1
}

type WriteKind int

const (
	WriteOverwrite WriteKind = iota
	WriteInsertAtAnchor
	WriteAppend
	WriteDelete
)

func (k WriteKind) String() string {
	switch k {
	case WriteOverwrite:
		return "overwrite"
	case WriteInsertAtAnchor:
		return "insert"
	case WriteAppend:
		return "append"
	case WriteDelete:
		return "delete"
	}
	return "unknown"
}

// RowWrite is one row-level operation. Overwrite and Delete address Row and,
// when Key is set, only apply to a row whose key cell still holds Key.
type RowWrite struct {
	Kind  WriteKind
	Row   int
	Key   string
	Cells []string
}

// Batch groups the writes for one sheet. KeyColumn is the index of the cell
// RowWrite.Key is checked against, -1 when the sheet has no key column.
type Batch struct {
	Sheet     string
	KeyColumn int
	Writes    []RowWrite
}

// RowRange is an inclusive span of 1-based sheet rows.
type RowRange struct {
	First int
	Last  int
}

func (r RowRange) Empty() bool {
	return r.First <= 0 || r.Last < r.First
}

// Union returns the smallest range covering both.
func (r RowRange) Union(o RowRange) RowRange {
	if r.Empty() {
		return o
	}
	if o.Empty() {
		return r
	}
	if o.First < r.First {
		r.First = o.First
	}
	if o.Last > r.Last {
		r.Last = o.Last
	}
	return r
}
