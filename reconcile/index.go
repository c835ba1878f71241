package reconcile

import (
	"errors"
	"fmt"

	"profile_ledger/identity"
	"profile_ledger/models"
	"profile_ledger/storage"
)

var ErrAmbiguous = errors.New("identity key matches more than one record")

type entry struct {
	rec models.Record
	// atLeast is the "N+" flag of the post count, known only for counts
	// seen during this run.
	atLeast bool
}

// Index maps identity keys to records. It is built fresh from every run's
// read. records is the view later snapshots reconcile against, including
// merges still waiting in the write queue; stored is what the store holds.
type Index struct {
	strategy   identity.Strategy
	records    map[identity.Key]entry
	stored     map[identity.Key]entry
	duplicates map[identity.Key]int
	Unkeyed    int
}

func NewIndex(strategy identity.Strategy, table *storage.Table) *Index {
	ix := &Index{
		strategy:   strategy,
		records:    make(map[identity.Key]entry),
		stored:     make(map[identity.Key]entry),
		duplicates: make(map[identity.Key]int),
	}
	if table == nil {
		return ix
	}
	for _, row := range table.Rows {
		rec := models.RecordFromCells(row.Cells)
		key, err := strategy.Resolve(rec.Fields())
		if err != nil {
			ix.Unkeyed++
			continue
		}
		if _, seen := ix.records[key]; seen {
			ix.duplicates[key]++
			continue
		}
		ix.records[key] = entry{rec: rec}
		ix.stored[key] = entry{rec: rec}
	}
	return ix
}

// Lookup returns the record stored under key. A key held by several rows is
// never resolved to any of them.
func (ix *Index) Lookup(key identity.Key) (*models.Record, error) {
	if n := ix.duplicates[key]; n > 0 {
		return nil, fmt.Errorf("%w: %s on %d rows", ErrAmbiguous, key, n+1)
	}
	e, ok := ix.records[key]
	if !ok {
		return nil, nil
	}
	c := e.rec.Clone()
	return &c, nil
}

// AtLeast reports whether the post count last seen for key this run carried
// a "+" marker.
func (ix *Index) AtLeast(key identity.Key) bool {
	return ix.records[key].atLeast
}

// Put records a merged result that is queued but not yet written, so later
// snapshots of the same key in this run reconcile against it.
func (ix *Index) Put(key identity.Key, rec models.Record, atLeast bool) {
	ix.records[key] = entry{rec: rec.Clone(), atLeast: atLeast}
}

// Commit marks rec as written to the store.
func (ix *Index) Commit(key identity.Key, rec models.Record, atLeast bool) {
	ix.stored[key] = entry{rec: rec.Clone(), atLeast: atLeast}
}

// Rollback drops queued merges of key that the store rejected, going back to
// the last committed record.
func (ix *Index) Rollback(key identity.Key) {
	if e, ok := ix.stored[key]; ok {
		ix.records[key] = e
		return
	}
	delete(ix.records, key)
}

// Duplicates lists keys that appear on more than one row.
func (ix *Index) Duplicates() []identity.Key {
	out := make([]identity.Key, 0, len(ix.duplicates))
	for k := range ix.duplicates {
		out = append(out, k)
	}
	return out
}

func (ix *Index) Len() int {
	return len(ix.records)
}
