// Package runner drives one sync run from raw snapshots to a run report.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"profile_ledger/aggregate"
	"profile_ledger/identity"
	"profile_ledger/models"
	"profile_ledger/normalize"
	"profile_ledger/ordering"
	"profile_ledger/reconcile"
	"profile_ledger/storage"
	"profile_ledger/writer"
)

// ErrHeader is returned when the record sheet's header does not match the
// fixed column order.
var ErrHeader = errors.New("record sheet header mismatch")

// Auditor mirrors committed changes and run reports somewhere durable.
type Auditor interface {
	RecordChanges(ctx context.Context, changes []storage.ProfileChange) error
	SaveRun(ctx context.Context, report *models.RunReport) error
}

type Archiver interface {
	Archive(ctx context.Context, report *models.RunReport) (string, error)
}

type Sheets struct {
	Records      string
	RecordsTop   bool
	Runs         string
	RunsTop      bool
	Sightings    string // empty disables the sighting log
	SightingsTop bool
}

type WriterSettings struct {
	BatchSize   int
	MinDelay    time.Duration
	Tiers       []time.Duration
	MaxRetries  int
	CallTimeout time.Duration
	// Sleep replaces the backoff wait, for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Runner struct {
	store    storage.Store
	norm     *normalize.Normalizer
	engine   *reconcile.Engine
	strategy identity.Strategy
	sheets   Sheets
	writes   WriterSettings
	policy   aggregate.Policy

	audit   Auditor
	archive Archiver

	now   func() time.Time
	newID func() string
}

func New(store storage.Store, norm *normalize.Normalizer, strategy identity.Strategy, sheets Sheets, writes WriterSettings, policy aggregate.Policy) *Runner {
	return &Runner{
		store:    store,
		norm:     norm,
		engine:   reconcile.NewEngine(norm),
		strategy: strategy,
		sheets:   sheets,
		writes:   writes,
		policy:   policy,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

func (r *Runner) SetAuditor(a Auditor)   { r.audit = a }
func (r *Runner) SetArchiver(a Archiver) { r.archive = a }

func (r *Runner) newQueue() *writer.Queue {
	retrier := writer.NewRetrier(r.writes.Tiers, r.writes.MaxRetries, r.writes.CallTimeout)
	if r.writes.Sleep != nil {
		retrier.Sleep = r.writes.Sleep
	}
	return writer.NewQueue(r.store, writer.Options{
		BatchSize: r.writes.BatchSize,
		MinDelay:  r.writes.MinDelay,
		Retrier:   retrier,
	})
}

type sighting struct {
	id, name string
	seenAt   time.Time
	source   string
}

// run holds the mutable state of one Run call.
type run struct {
	id       string
	source   string
	logger   zerolog.Logger
	counters models.Counters
	failures []models.ItemFailure
	changes  []storage.ProfileChange
	seen     []sighting
}

func (s *run) fail(key string, err error) {
	s.counters = aggregate.Fail(s.counters)
	s.failures = append(s.failures, models.ItemFailure{Key: key, Reason: err.Error()})
	s.logger.Warn().Err(err).Str("key", key).Msg("Snapshot skipped")
}

// Run reconciles snaps against the store. Snapshots are processed strictly in
// order. The returned report only counts what the store committed; the error
// is set when the run could not finish.
func (r *Runner) Run(ctx context.Context, source string, snaps []models.Snapshot) (*models.RunReport, error) {
	started := r.now()
	st := &run{id: r.newID(), source: source}
	st.logger = log.With().Str("run_id", st.id).Str("source", source).Logger()
	st.logger.Info().Int("snapshots", len(snaps)).Msg("Run started")

	q := r.newQueue()
	runErr := r.process(ctx, q, st, snaps)

	report := &models.RunReport{
		RunID:     st.id,
		Source:    source,
		StartedAt: started,
		Failures:  st.failures,
	}
	switch {
	case runErr != nil:
		report.Status = models.RunStatusFailed
		report.Error = runErr.Error()
	case q.Degraded():
		report.Status = models.RunStatusDegraded
	default:
		report.Status = models.RunStatusCompleted
	}
	report.FinishedAt = r.now()
	report.Counters = aggregate.Finish(st.counters, started, report.FinishedAt)

	if runErr == nil {
		if err := r.appendSummary(ctx, q, report); err != nil {
			st.logger.Error().Err(err).Msg("Run summary not written")
			report.Status = models.RunStatusDegraded
			report.Error = err.Error()
		}
	}

	r.mirror(ctx, st, report)

	c := report.Counters
	st.logger.Info().
		Str("status", string(report.Status)).
		Int("attempted", c.Attempted).Int("succeeded", c.Succeeded).Int("failed", c.Failed).
		Int("new", c.New).Int("updated", c.Updated).Int("unchanged", c.Unchanged).
		Int("eligible", c.Eligible).Dur("duration", c.Duration).
		Msg("Run finished")
	return report, runErr
}

func (r *Runner) process(ctx context.Context, q *writer.Queue, st *run, snaps []models.Snapshot) error {
	if err := q.Ensure(ctx, r.sheets.Records, models.RecordHeader()); err != nil {
		return fmt.Errorf("ensure record sheet: %w", err)
	}
	if err := q.Ensure(ctx, r.sheets.Runs, aggregate.SummaryHeader()); err != nil {
		return fmt.Errorf("ensure run sheet: %w", err)
	}
	table, err := q.Read(ctx, r.sheets.Records)
	if err != nil {
		return fmt.Errorf("read records: %w", err)
	}
	if err := checkHeader(table.Header); err != nil {
		return err
	}

	ix := reconcile.NewIndex(r.strategy, table)
	if dups := ix.Duplicates(); len(dups) > 0 {
		st.logger.Warn().Int("keys", len(dups)).Msg("Duplicate identity keys in record sheet")
	}
	keyCol := models.ColumnIndex(identity.KeyField(r.strategy))
	layout := ordering.NewLayout(r.sheets.Records, r.sheets.RecordsTop, keyCol, r.rowKey, table)

	for i, snap := range snaps {
		if err := ctx.Err(); err != nil {
			// Pending entries fail on the dead context and are counted there.
			q.Flush(ctx)
			r.abandon(st, snaps, i, err)
			return err
		}
		if err := r.reconcileOne(ctx, q, st, ix, layout, keyCol, i, snap); err != nil {
			r.abandon(st, snaps, i+1, writer.ErrAborted)
			return err
		}
	}

	if err := q.Flush(ctx); err != nil {
		return err
	}
	q.Format(r.sheets.Records, layout.Span())

	if r.sheets.Sightings != "" {
		if err := r.logSightings(ctx, q, st); err != nil {
			return err
		}
	}
	return q.Finish(ctx)
}

func (r *Runner) rowKey(cells []string) string {
	k, err := r.strategy.Resolve(models.RecordFromCells(cells).Fields())
	if err != nil {
		return ""
	}
	return string(k)
}

func checkHeader(header []string) error {
	for i, col := range models.RecordColumns {
		if i >= len(header) {
			return fmt.Errorf("%w: missing column %s", ErrHeader, col.Header)
		}
		if !strings.EqualFold(strings.TrimSpace(header[i]), col.Header) {
			return fmt.Errorf("%w: column %d is %q, expected %s", ErrHeader, i+1, header[i], col.Header)
		}
	}
	return nil
}

func failureKey(snap models.Snapshot, i int) string {
	if id := snap.Raw(models.FieldID); id != "" {
		return id
	}
	if name := snap.Raw(models.FieldName); name != "" {
		return name
	}
	return fmt.Sprintf("#%d", i+1)
}

// abandon counts snapshots from index from on, which the run will not get
// to, as failed.
func (r *Runner) abandon(st *run, snaps []models.Snapshot, from int, err error) {
	for i := from; i < len(snaps); i++ {
		st.counters = aggregate.Fail(st.counters)
		st.failures = append(st.failures, models.ItemFailure{Key: failureKey(snaps[i], i), Reason: err.Error()})
	}
}

// reconcileOne returns an error only when the whole run must stop.
func (r *Runner) reconcileOne(ctx context.Context, q *writer.Queue, st *run, ix *reconcile.Index, layout *ordering.Layout, keyCol, i int, raw models.Snapshot) error {
	key, err := r.strategy.Resolve(raw.Fields)
	if err != nil {
		st.fail(failureKey(raw, i), err)
		return nil
	}
	snap := r.norm.Snapshot(raw)
	if len(snap.Diagnostics) > 0 {
		st.logger.Debug().Str("key", string(key)).Strs("diagnostics", snap.Diagnostics).Msg("Fields dropped during normalization")
	}

	current, err := ix.Lookup(key)
	if err != nil {
		st.fail(string(key), err)
		return nil
	}
	res, err := r.engine.Reconcile(snap, current)
	if err != nil {
		st.fail(string(key), err)
		return nil
	}
	// The "+" of a post count is not stored in the cell; a snapshot without
	// posts keeps the flag seen earlier in this run.
	atLeast := res.PostsAtLeast
	if !snap.Value(models.FieldPosts).Present {
		atLeast = ix.AtLeast(key)
	}
	ix.Put(key, res.Merged, atLeast)

	posts, known := res.Posts()
	tally := aggregate.Tally{
		Outcome:    res.Outcome,
		State:      res.State,
		Posts:      posts,
		PostsKnown: known,
		AtLeast:    atLeast,
	}
	changes := make([]storage.ProfileChange, 0, len(res.Changes))
	for _, c := range res.Changes {
		changes = append(changes, storage.ProfileChange{
			RunID: st.id, Key: string(key), Outcome: res.Outcome,
			Field: c.Field, Old: c.Old, New: c.New, At: snap.CapturedAt,
		})
	}
	var seen *sighting
	if snap.Online {
		seen = &sighting{
			id:     res.Merged.Get(models.FieldID),
			name:   res.Merged.Get(models.FieldName),
			seenAt: snap.CapturedAt,
			source: raw.Source,
		}
	}

	writes := layout.Place(string(key), res.Outcome, res.Merged.Cells())
	entry := writer.Entry{
		Sheet:     r.sheets.Records,
		KeyColumn: keyCol,
		Key:       string(key),
		Writes:    writes,
		OnCommit: func() {
			ix.Commit(key, res.Merged, atLeast)
			if len(writes) > 0 {
				layout.Commit()
			}
			st.counters = r.policy.Add(st.counters, tally)
			st.changes = append(st.changes, changes...)
			if seen != nil {
				st.seen = append(st.seen, *seen)
			}
			ev := st.logger.Debug().Str("key", string(key)).Str("outcome", string(res.Outcome)).Str("state", string(res.State))
			if len(res.Changes) > 0 && res.Outcome == models.OutcomeUpdated {
				diff := make([]string, len(res.Changes))
				for j, c := range res.Changes {
					diff[j] = c.String()
				}
				ev = ev.Strs("changes", diff)
			}
			ev.Msg("Profile reconciled")
		},
		OnFail: func(err error) {
			ix.Rollback(key)
			if len(writes) > 0 {
				layout.Rollback()
			}
			st.fail(string(key), err)
		},
	}
	if err := q.Enqueue(ctx, entry); err != nil {
		return err
	}
	return nil
}

// logSightings inserts this run's online sightings oldest first, so the
// newest ends up directly under the header.
func (r *Runner) logSightings(ctx context.Context, q *writer.Queue, st *run) error {
	if len(st.seen) == 0 {
		return nil
	}
	if err := q.Ensure(ctx, r.sheets.Sightings, SightingHeader()); err != nil {
		return fmt.Errorf("ensure sighting sheet: %w", err)
	}
	var table *storage.Table
	if !r.sheets.SightingsTop {
		t, err := q.Read(ctx, r.sheets.Sightings)
		if err != nil {
			return fmt.Errorf("read sightings: %w", err)
		}
		table = t
	}
	layout := ordering.NewLayout(r.sheets.Sightings, r.sheets.SightingsTop, -1, nil, table)

	seen := append([]sighting(nil), st.seen...)
	sort.SliceStable(seen, func(a, b int) bool { return seen[a].seenAt.Before(seen[b].seenAt) })

	var writes []storage.RowWrite
	for _, s := range seen {
		cells := []string{s.id, s.name, s.seenAt.UTC().Format(models.TimeLayout), s.source, st.id}
		writes = append(writes, layout.Place("", models.OutcomeNew, cells)...)
	}
	n := len(seen)
	err := q.Enqueue(ctx, writer.Entry{
		Sheet:     r.sheets.Sightings,
		KeyColumn: -1,
		Writes:    writes,
		OnCommit:  func() { st.logger.Debug().Int("sightings", n).Msg("Sightings logged") },
		OnFail:    func(err error) { st.logger.Warn().Err(err).Int("sightings", n).Msg("Sightings not logged") },
	})
	if err != nil {
		return err
	}
	q.Format(r.sheets.Sightings, layout.Span())
	return nil
}

func SightingHeader() []string {
	return []string{"ID", "NAME", "SEEN_AT", "SOURCE", "RUN_ID"}
}

// appendSummary writes the run row at the top of a top-ordered run sheet, else at the end.
func (r *Runner) appendSummary(ctx context.Context, q *writer.Queue, report *models.RunReport) error {
	return q.Summary(ctx, r.sheets.Runs, aggregate.SummaryCells(report), r.sheets.RunsTop)
}

// mirror copies the outcome to the audit database and the archive. Neither
// can fail the run.
func (r *Runner) mirror(ctx context.Context, st *run, report *models.RunReport) {
	if r.audit != nil {
		if err := r.audit.RecordChanges(ctx, st.changes); err != nil {
			st.logger.Warn().Err(err).Msg("Audit trail write failed")
		}
		if err := r.audit.SaveRun(ctx, report); err != nil {
			st.logger.Warn().Err(err).Msg("Run mirror write failed")
		}
	}
	if r.archive != nil {
		key, err := r.archive.Archive(ctx, report)
		if err != nil {
			st.logger.Warn().Err(err).Msg("Run archive upload failed")
		} else {
			st.logger.Debug().Str("object", key).Msg("Run archived")
		}
	}
}
