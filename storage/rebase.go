package storage

import "strings"

// Rebase re-addresses keyed overwrites and deletes against the key column as
// it is now. keys holds the key cell of every data row, starting at the
// anchor row. A keyed write whose row moved follows the key; a keyed delete
// whose key is gone is dropped and a keyed overwrite whose key is gone
// becomes an append. Writes are simulated in order, so later handles see the
// shifts earlier writes cause.
func Rebase(keys []string, keyCol int, writes []RowWrite) []RowWrite {
	cur := make([]string, len(keys))
	for i, k := range keys {
		cur[i] = strings.TrimSpace(k)
	}
	keyOf := func(cells []string) string {
		if keyCol < 0 || keyCol >= len(cells) {
			return ""
		}
		return strings.TrimSpace(cells[keyCol])
	}

	out := make([]RowWrite, 0, len(writes))
	for _, w := range writes {
		switch w.Kind {
		case WriteInsertAtAnchor:
			cur = append([]string{keyOf(w.Cells)}, cur...)
			out = append(out, w)
		case WriteAppend:
			cur = append(cur, keyOf(w.Cells))
			out = append(out, w)
		case WriteOverwrite, WriteDelete:
			idx := locate(cur, w.Row-AnchorRow, w.Key)
			if w.Kind == WriteDelete && idx >= len(cur) {
				continue
			}
			if idx < 0 {
				if w.Kind == WriteDelete {
					continue
				}
				w.Kind = WriteAppend
				w.Row = 0
				cur = append(cur, keyOf(w.Cells))
				out = append(out, w)
				continue
			}
			w.Row = idx + AnchorRow
			if w.Kind == WriteDelete {
				cur = append(cur[:idx], cur[idx+1:]...)
			} else {
				for len(cur) <= idx {
					cur = append(cur, "")
				}
				cur[idx] = keyOf(w.Cells)
			}
			out = append(out, w)
		}
	}
	return out
}

// locate resolves a 0-based data row index. Unkeyed writes trust the handle;
// overwrites past the end are allowed since the sheet grows to fit.
func locate(keys []string, idx int, key string) int {
	key = strings.TrimSpace(key)
	if key == "" {
		if idx < 0 {
			return -1
		}
		return idx
	}
	if idx >= 0 && idx < len(keys) && keys[idx] == key {
		return idx
	}
	for i, k := range keys {
		if k == key {
			return i
		}
	}
	return -1
}

// applyWrites runs rebased writes against an in-memory copy of the data rows.
func applyWrites(rows [][]string, keyCol int, writes []RowWrite) [][]string {
	keys := make([]string, len(rows))
	for i, r := range rows {
		if keyCol >= 0 && keyCol < len(r) {
			keys[i] = r[keyCol]
		}
	}
	for _, w := range Rebase(keys, keyCol, writes) {
		cells := append([]string(nil), w.Cells...)
		switch w.Kind {
		case WriteInsertAtAnchor:
			rows = append([][]string{cells}, rows...)
		case WriteAppend:
			rows = append(rows, cells)
		case WriteOverwrite:
			idx := w.Row - AnchorRow
			for len(rows) <= idx {
				rows = append(rows, nil)
			}
			rows[idx] = cells
		case WriteDelete:
			idx := w.Row - AnchorRow
			if idx < len(rows) {
				rows = append(rows[:idx], rows[idx+1:]...)
			}
		}
	}
	return rows
}
