// Package aggregate tallies committed outcomes into run counters.
package aggregate

import (
	"strconv"
	"time"

	"profile_ledger/models"
)

// Tally is the committed result of one snapshot.
type Tally struct {
	Outcome models.Outcome
	State   models.State
	Posts   int
	// PostsKnown is false when the record has no post count at all.
	PostsKnown bool
	// AtLeast marks a post count rendered as "N+".
	AtLeast bool
}

type Policy struct {
	// EligibleMaxPosts is the exclusive upper bound on posts for a profile to
	// move on to the next processing stage.
	EligibleMaxPosts int
}

// Eligible holds for ACTIVE profiles with a known post count below the
// threshold. An "N+" count may be higher than shown and never qualifies.
func (p Policy) Eligible(t Tally) bool {
	return t.State == models.StateActive &&
		t.PostsKnown &&
		!t.AtLeast &&
		t.Posts < p.EligibleMaxPosts
}

// Add returns c with one committed item counted.
func (p Policy) Add(c models.Counters, t Tally) models.Counters {
	c.Attempted++
	c.Succeeded++
	switch t.Outcome {
	case models.OutcomeNew:
		c.New++
	case models.OutcomeUpdated:
		c.Updated++
	case models.OutcomeUnchanged:
		c.Unchanged++
	}
	switch t.State {
	case models.StateActive:
		c.Active++
	case models.StateUnverified:
		c.Unverified++
	case models.StateBanned:
		c.Banned++
	case models.StateDead:
		c.Dead++
	}
	if p.Eligible(t) {
		c.Eligible++
	}
	return c
}

// Fail returns c with one failed item counted.
func Fail(c models.Counters) models.Counters {
	c.Attempted++
	c.Failed++
	return c
}

// Finish stamps the run timing.
func Finish(c models.Counters, started, finished time.Time) models.Counters {
	c.StartedAt = started
	c.Duration = finished.Sub(started)
	return c
}

var summaryHeader = []string{
	"RUN_ID", "STARTED_AT", "SOURCE", "DURATION",
	"ATTEMPTED", "SUCCEEDED", "FAILED",
	"NEW", "UPDATED", "UNCHANGED",
	"ACTIVE", "UNVERIFIED", "BANNED", "DEAD",
	"ELIGIBLE", "STATUS",
}

func SummaryHeader() []string {
	return append([]string(nil), summaryHeader...)
}

// SummaryCells lays a report out as one run-history row.
func SummaryCells(r *models.RunReport) []string {
	c := r.Counters
	n := strconv.Itoa
	return []string{
		r.RunID,
		r.StartedAt.UTC().Format(models.TimeLayout),
		r.Source,
		c.Duration.Round(time.Second).String(),
		n(c.Attempted), n(c.Succeeded), n(c.Failed),
		n(c.New), n(c.Updated), n(c.Unchanged),
		n(c.Active), n(c.Unverified), n(c.Banned), n(c.Dead),
		n(c.Eligible),
		string(r.Status),
	}
}
