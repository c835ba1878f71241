package models

import "strings"

// FieldKind tells the normalizer how to canonicalize a column.
type FieldKind int

const (
	KindText FieldKind = iota
	KindAge
	KindCount
	KindRelTime
	KindPostURL
	KindImageURL
	KindState
	KindStamp
)

type Column struct {
	Field  string
	Header string
	Kind   FieldKind
}

// Bookkeeping reports whether the column is maintained by the engine and
// excluded from change detection.
func (c Column) Bookkeeping() bool {
	return c.Kind == KindStamp
}

// RecordColumns is the fixed column order of the record sheet.
var RecordColumns = []Column{
	{Field: FieldID, Header: "ID", Kind: KindText},
	{Field: FieldName, Header: "NAME", Kind: KindText},
	{Field: FieldAge, Header: "AGE", Kind: KindAge},
	{Field: FieldGender, Header: "GENDER", Kind: KindText},
	{Field: FieldCountry, Header: "COUNTRY", Kind: KindText},
	{Field: FieldCity, Header: "CITY", Kind: KindText},
	{Field: FieldPosts, Header: "POSTS", Kind: KindCount},
	{Field: FieldFollowers, Header: "FOLLOWERS", Kind: KindCount},
	{Field: FieldLastPostURL, Header: "LAST_POST_URL", Kind: KindPostURL},
	{Field: FieldLastActive, Header: "LAST_ACTIVE", Kind: KindRelTime},
	{Field: FieldImageURL, Header: "IMAGE_URL", Kind: KindImageURL},
	{Field: FieldStatus, Header: "STATUS", Kind: KindState},
	{Field: FieldFirstSeen, Header: "FIRST_SEEN", Kind: KindStamp},
	{Field: FieldUpdatedAt, Header: "UPDATED_AT", Kind: KindStamp},
}

// TimeLayout is how every timestamp cell is written.
const TimeLayout = "2006-01-02 15:04"

var columnIndex = func() map[string]int {
	m := make(map[string]int, len(RecordColumns))
	for i, c := range RecordColumns {
		m[c.Field] = i
	}
	return m
}()

// ColumnIndex returns the position of a field in the record sheet, -1 if unknown.
func ColumnIndex(field string) int {
	if i, ok := columnIndex[field]; ok {
		return i
	}
	return -1
}

func RecordHeader() []string {
	h := make([]string, len(RecordColumns))
	for i, c := range RecordColumns {
		h[i] = c.Header
	}
	return h
}

// Record is one profile row. Cells beyond the fixed columns are user
// columns and are carried through untouched.
type Record struct {
	cells []string
}

func NewRecord() Record {
	return Record{cells: make([]string, len(RecordColumns))}
}

// RecordFromCells builds a record from a sheet row, padding short rows with blanks.
func RecordFromCells(cells []string) Record {
	n := len(cells)
	if n < len(RecordColumns) {
		n = len(RecordColumns)
	}
	out := make([]string, n)
	for i, v := range cells {
		out[i] = strings.TrimSpace(v)
	}
	return Record{cells: out}
}

func (r Record) Get(field string) string {
	i := ColumnIndex(field)
	if i < 0 || i >= len(r.cells) {
		return ""
	}
	return r.cells[i]
}

func (r *Record) Set(field, value string) {
	i := ColumnIndex(field)
	if i < 0 {
		return
	}
	if r.cells == nil {
		r.cells = make([]string, len(RecordColumns))
	}
	r.cells[i] = value
}

// Cells returns a copy of every cell, user columns included.
func (r Record) Cells() []string {
	out := make([]string, len(r.cells))
	copy(out, r.cells)
	return out
}

func (r Record) Clone() Record {
	return Record{cells: r.Cells()}
}

// Fields maps field names to cell values for the fixed columns.
func (r Record) Fields() map[string]string {
	m := make(map[string]string, len(RecordColumns))
	for _, c := range RecordColumns {
		m[c.Field] = r.Get(c.Field)
	}
	return m
}

// Equal compares every cell, user columns included.
func (r Record) Equal(o Record) bool {
	a, b := r.cells, o.cells
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var x, y string
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		if x != y {
			return false
		}
	}
	return true
}
