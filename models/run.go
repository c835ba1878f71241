package models

import (
	"strings"
	"time"
)

// State is the derived lifecycle state of a profile.
type State string

const (
	StateActive     State = "ACTIVE"
	StateUnverified State = "UNVERIFIED"
	StateBanned     State = "BANNED"
	StateDead       State = "DEAD"
)

func ParseState(s string) (State, bool) {
	switch State(strings.ToUpper(strings.TrimSpace(s))) {
	case StateActive:
		return StateActive, true
	case StateUnverified:
		return StateUnverified, true
	case StateBanned:
		return StateBanned, true
	case StateDead:
		return StateDead, true
	}
	return "", false
}

// Outcome is the result tag of one reconciliation.
type Outcome string

const (
	OutcomeNew       Outcome = "NEW"
	OutcomeUpdated   Outcome = "UPDATED"
	OutcomeUnchanged Outcome = "UNCHANGED"
)

type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusDegraded  RunStatus = "degraded"
	RunStatusFailed    RunStatus = "failed"
)

// Counters is the per-run tally. It is a plain value: aggregation returns a
// new copy instead of mutating shared state.
type Counters struct {
	Attempted  int `json:"attempted"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	New        int `json:"new"`
	Updated    int `json:"updated"`
	Unchanged  int `json:"unchanged"`
	Active     int `json:"active"`
	Unverified int `json:"unverified"`
	Banned     int `json:"banned"`
	Dead       int `json:"dead"`
	Eligible   int `json:"eligible"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

func (c Counters) ByState(s State) int {
	switch s {
	case StateActive:
		return c.Active
	case StateUnverified:
		return c.Unverified
	case StateBanned:
		return c.Banned
	case StateDead:
		return c.Dead
	}
	return 0
}

// ItemFailure describes one snapshot that was not committed.
type ItemFailure struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// RunReport is handed back to the caller at the end of a run.
type RunReport struct {
	RunID      string        `json:"run_id"`
	Source     string        `json:"source"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Status     RunStatus     `json:"status"`
	Counters   Counters      `json:"counters"`
	Failures   []ItemFailure `json:"failures,omitempty"`
	Error      string        `json:"error,omitempty"`
}
