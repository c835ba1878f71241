// Package reconcile merges normalized snapshots into stored records.
package reconcile

import (
	"errors"
	"fmt"
	"time"

	"profile_ledger/classify"
	"profile_ledger/models"
	"profile_ledger/normalize"
)

var ErrUnknownDead = errors.New("profile not found and no record to retire")

// Change is one column that differs between the stored and merged record.
type Change struct {
	Field  string
	Header string
	Old    string
	New    string
}

func (c Change) String() string {
	return fmt.Sprintf("%s: %s → %s", c.Header, orBlank(c.Old), orBlank(c.New))
}

func orBlank(s string) string {
	if s == "" {
		return "(blank)"
	}
	return s
}

type Result struct {
	Outcome models.Outcome
	Merged  models.Record
	Changes []Change
	State   models.State
	// PostsAtLeast is set when this snapshot gave the post count with a "+" marker.
	PostsAtLeast bool
}

// Posts returns the merged post count.
func (r Result) Posts() (int, bool) {
	n, _, ok := normalize.ParseCount(r.Merged.Get(models.FieldPosts))
	return n, ok
}

type Engine struct {
	norm *normalize.Normalizer
	now  func() time.Time
}

func NewEngine(norm *normalize.Normalizer) *Engine {
	return &Engine{norm: norm, now: time.Now}
}

// Reconcile merges snap into current, which is nil for a never-seen key.
// The merge is computed entirely in memory; nothing is written here.
func (e *Engine) Reconcile(snap normalize.Snapshot, current *models.Record) (Result, error) {
	if snap.NotFound {
		return e.retire(snap, current)
	}

	var merged models.Record
	if current != nil {
		merged = current.Clone()
	} else {
		merged = models.NewRecord()
	}

	for _, col := range models.RecordColumns {
		if col.Kind == models.KindState || col.Bookkeeping() {
			continue
		}
		// Absent values never overwrite: a partial scrape keeps what is known.
		if v := snap.Value(col.Field); v.Present {
			merged.Set(col.Field, v.Text)
		}
	}

	state := classify.Classify(e.signals(snap, current, merged))
	merged.Set(models.FieldStatus, string(state))

	res := Result{
		Merged:       merged,
		State:        state,
		PostsAtLeast: snap.Value(models.FieldPosts).AtLeast,
	}
	e.finish(&res, snap, current)
	return res, nil
}

// retire marks a vanished profile DEAD, keeping every other cell.
func (e *Engine) retire(snap normalize.Snapshot, current *models.Record) (Result, error) {
	if current == nil {
		return Result{}, ErrUnknownDead
	}
	merged := current.Clone()
	merged.Set(models.FieldStatus, string(models.StateDead))
	res := Result{Merged: merged, State: models.StateDead}
	e.finish(&res, snap, current)
	return res, nil
}

func (e *Engine) signals(snap normalize.Snapshot, current *models.Record, merged models.Record) classify.Signals {
	s := classify.Signals{
		SuspendMarker:    snap.SuspendMarker,
		BanMarker:        snap.BanMarker,
		UnverifiedMarker: snap.UnverifiedMarker,
		HasImage:         merged.Get(models.FieldImageURL) != "",
		Posts:            countOf(merged.Get(models.FieldPosts)),
		Followers:        countOf(merged.Get(models.FieldFollowers)),
	}
	// Without a badge scan this run, a ban verdict stands.
	if !snap.MarkersCaptured && current != nil {
		if prev, _ := models.ParseState(current.Get(models.FieldStatus)); prev == models.StateBanned {
			s.BanMarker = true
		}
	}
	return s
}

func countOf(cell string) classify.Count {
	n, _, ok := normalize.ParseCount(cell)
	return classify.Count{Value: n, Present: ok}
}

// finish diffs merged against current, sets the outcome and stamps the
// bookkeeping columns. An unchanged result hands back the stored record as is.
func (e *Engine) finish(res *Result, snap normalize.Snapshot, current *models.Record) {
	stamp := snap.CapturedAt
	if stamp.IsZero() {
		stamp = e.now()
	}
	ts := stamp.UTC().Format(models.TimeLayout)

	if current == nil {
		res.Outcome = models.OutcomeNew
		for _, col := range models.RecordColumns {
			if col.Bookkeeping() {
				continue
			}
			if v := res.Merged.Get(col.Field); v != "" {
				res.Changes = append(res.Changes, Change{Field: col.Field, Header: col.Header, New: v})
			}
		}
		res.Merged.Set(models.FieldFirstSeen, ts)
		res.Merged.Set(models.FieldUpdatedAt, ts)
		return
	}

	res.Changes = e.Diff(*current, res.Merged)
	if len(res.Changes) == 0 {
		res.Outcome = models.OutcomeUnchanged
		res.Merged = current.Clone()
		return
	}
	res.Outcome = models.OutcomeUpdated
	if res.Merged.Get(models.FieldFirstSeen) == "" {
		res.Merged.Set(models.FieldFirstSeen, ts)
	}
	res.Merged.Set(models.FieldUpdatedAt, ts)
}

// Diff compares canonical forms column by column, bookkeeping excluded, so
// a stored "1,234" and a fresh "1234" are the same value.
func (e *Engine) Diff(old, merged models.Record) []Change {
	var out []Change
	for _, col := range models.RecordColumns {
		if col.Bookkeeping() {
			continue
		}
		a, b := old.Get(col.Field), merged.Get(col.Field)
		if e.norm.Canonical(col, a) == e.norm.Canonical(col, b) {
			continue
		}
		out = append(out, Change{Field: col.Field, Header: col.Header, Old: a, New: b})
	}
	return out
}
