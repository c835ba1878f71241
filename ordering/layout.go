// Package ordering decides where reconciled rows land in a sheet.
package ordering

import (
	"strings"

	"profile_ledger/models"
	"profile_ledger/storage"
)

type slot struct {
	key     string
	cell    string
	touched bool
}

// KeyFunc derives the identity key of a sheet row, "" when it has none.
type KeyFunc func(cells []string) string

// Layout mirrors a sheet's row order as it will be once every write it has
// handed out is applied. Top-ordered sheets keep the newest changes directly
// below the header.
type Layout struct {
	sheet  string
	top    bool
	keyCol int
	keyFn  KeyFunc
	rows   []slot

	// saved is the order as of the last committed batch.
	saved []slot
	dirty bool
}

func NewLayout(sheet string, top bool, keyCol int, keyFn KeyFunc, table *storage.Table) *Layout {
	l := &Layout{sheet: sheet, top: top, keyCol: keyCol, keyFn: keyFn}
	if table != nil {
		for _, r := range table.Rows {
			l.rows = append(l.rows, l.slotOf(r.Cells))
		}
	}
	l.saved = append([]slot(nil), l.rows...)
	return l
}

// Commit accepts every placement made so far as written.
func (l *Layout) Commit() {
	if l.dirty {
		l.saved = append([]slot(nil), l.rows...)
		l.dirty = false
	}
}

// Rollback forgets placements since the last Commit; the store rejected them.
func (l *Layout) Rollback() {
	if l.dirty {
		l.rows = append([]slot(nil), l.saved...)
		l.dirty = false
	}
}

func (l *Layout) slotOf(cells []string) slot {
	s := slot{}
	if l.keyFn != nil {
		s.key = l.keyFn(cells)
	}
	if l.keyCol >= 0 && l.keyCol < len(cells) {
		s.cell = strings.TrimSpace(cells[l.keyCol])
	}
	return s
}

func (l *Layout) Sheet() string  { return l.sheet }
func (l *Layout) Top() bool      { return l.top }
func (l *Layout) KeyColumn() int { return l.keyCol }
func (l *Layout) Len() int       { return len(l.rows) }

// Find returns the sheet row currently holding key, 0 when absent.
func (l *Layout) Find(key string) int {
	if key == "" {
		return 0
	}
	for i, s := range l.rows {
		if s.key == key {
			return i + storage.AnchorRow
		}
	}
	return 0
}

// Place returns the writes that put a reconciled row where it belongs and
// advances the mirror accordingly.
func (l *Layout) Place(key string, outcome models.Outcome, cells []string) []storage.RowWrite {
	if outcome == models.OutcomeUnchanged {
		return nil
	}
	l.dirty = true
	next := l.slotOf(cells)
	next.touched = true
	if next.key == "" {
		next.key = key
	}

	idx := -1
	if outcome == models.OutcomeUpdated {
		if row := l.Find(key); row > 0 {
			idx = row - storage.AnchorRow
		}
	}

	if l.top {
		switch {
		case idx == 0:
			w := storage.RowWrite{Kind: storage.WriteOverwrite, Row: storage.AnchorRow, Key: l.rows[0].cell, Cells: cells}
			l.rows[0] = next
			return []storage.RowWrite{w}
		case idx > 0:
			del := storage.RowWrite{Kind: storage.WriteDelete, Row: idx + storage.AnchorRow, Key: l.rows[idx].cell}
			l.rows = append(l.rows[:idx], l.rows[idx+1:]...)
			l.rows = append([]slot{next}, l.rows...)
			return []storage.RowWrite{del, {Kind: storage.WriteInsertAtAnchor, Cells: cells}}
		}
		l.rows = append([]slot{next}, l.rows...)
		return []storage.RowWrite{{Kind: storage.WriteInsertAtAnchor, Cells: cells}}
	}

	if idx >= 0 {
		w := storage.RowWrite{Kind: storage.WriteOverwrite, Row: idx + storage.AnchorRow, Key: l.rows[idx].cell, Cells: cells}
		l.rows[idx] = next
		return []storage.RowWrite{w}
	}
	l.rows = append(l.rows, next)
	return []storage.RowWrite{{Kind: storage.WriteAppend, Cells: cells}}
}

// Span is the smallest row range covering every row placed so far.
func (l *Layout) Span() storage.RowRange {
	var r storage.RowRange
	for i, s := range l.rows {
		if s.touched {
			row := i + storage.AnchorRow
			r = r.Union(storage.RowRange{First: row, Last: row})
		}
	}
	return r
}
