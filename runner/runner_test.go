package runner

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"profile_ledger/aggregate"
	"profile_ledger/identity"
	"profile_ledger/models"
	"profile_ledger/normalize"
	"profile_ledger/reconcile"
	"profile_ledger/storage"
	"profile_ledger/writer"
)

var captured = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

var testSheets = Sheets{Records: "Profiles", RecordsTop: true, Runs: "Runs", RunsTop: true}

func newRunner(t *testing.T, store storage.Store, sheets Sheets, batch int) *Runner {
	t.Helper()
	norm, err := normalize.New(normalize.Options{
		BaseURL:      "https://www.example-social.com",
		UpperFields:  []string{"gender", "country", "status"},
		OnlineWindow: 15 * time.Minute,
	})
	require.NoError(t, err)

	r := New(store, norm, identity.IDStrategy{}, sheets, WriterSettings{
		BatchSize:  batch,
		Tiers:      []time.Duration{time.Second, 2 * time.Second, 3 * time.Second},
		MaxRetries: 3,
		Sleep:      func(context.Context, time.Duration) error { return nil },
	}, aggregate.Policy{EligibleMaxPosts: 10})

	n := 0
	r.newID = func() string {
		n++
		return fmt.Sprintf("00000000-0000-0000-0000-%012d", n)
	}
	r.now = func() time.Time { return captured }
	return r
}

func snap(at time.Time, fields map[string]string) models.Snapshot {
	return models.Snapshot{Fields: fields, CapturedAt: at, Source: "test"}
}

func col(field string) int { return models.ColumnIndex(field) }

type fakeAudit struct {
	changes []storage.ProfileChange
	runs    []*models.RunReport
}

func (f *fakeAudit) RecordChanges(_ context.Context, c []storage.ProfileChange) error {
	f.changes = append(f.changes, c...)
	return nil
}

func (f *fakeAudit) SaveRun(_ context.Context, r *models.RunReport) error {
	f.runs = append(f.runs, r)
	return nil
}

type fakeArchive struct{ keys []string }

func (f *fakeArchive) Archive(_ context.Context, r *models.RunReport) (string, error) {
	key := storage.ReportKey("runs", r)
	f.keys = append(f.keys, key)
	return key, nil
}

func TestRun_TwoRuns(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemoryStore()
	r := newRunner(t, m, testSheets, 10)
	audit := &fakeAudit{}
	archive := &fakeArchive{}
	r.SetAuditor(audit)
	r.SetArchiver(archive)

	report, err := r.Run(ctx, "daily", []models.Snapshot{
		snap(captured, map[string]string{"id": "u1", "posts": "12+", "last_active": "3 hours ago", "markers": ""}),
		snap(captured, map[string]string{"id": "u2", "markers": "BANNED!", "posts": "50", "followers": "100"}),
		{Fields: map[string]string{"id": "u3"}, CapturedAt: captured, NotFound: true},
		snap(captured, map[string]string{"name": "no id"}),
	})
	require.NoError(t, err)

	c := report.Counters
	assert.Equal(t, models.RunStatusCompleted, report.Status)
	assert.Equal(t, 4, c.Attempted)
	assert.Equal(t, 2, c.Succeeded)
	assert.Equal(t, 2, c.Failed)
	assert.Equal(t, 2, c.New)
	assert.Equal(t, 1, c.Active)
	assert.Equal(t, 1, c.Banned)
	assert.Equal(t, 0, c.Eligible)
	require.Len(t, report.Failures, 2)
	assert.Equal(t, "id:u3", report.Failures[0].Key)
	assert.Contains(t, report.Failures[0].Reason, reconcile.ErrUnknownDead.Error())
	assert.Equal(t, "no id", report.Failures[1].Key)

	rows := m.Rows("Profiles")
	require.Len(t, rows, 2)
	assert.Equal(t, "u2", rows[0][col(models.FieldID)])
	assert.Equal(t, "u1", rows[1][col(models.FieldID)])
	assert.Equal(t, "12", rows[1][col(models.FieldPosts)])
	assert.Equal(t, "2026-01-10 09:00", rows[1][col(models.FieldLastActive)])
	assert.Equal(t, "BANNED", rows[0][col(models.FieldStatus)])
	assert.Equal(t, []storage.RowRange{{First: 2, Last: 3}}, m.Formatted("Profiles"))

	runs := m.Rows("Runs")
	require.Len(t, runs, 1)
	assert.Equal(t, report.RunID, runs[0][0])
	assert.Equal(t, "completed", runs[0][len(runs[0])-1])

	assert.NotEmpty(t, audit.changes)
	require.Len(t, audit.runs, 1)
	assert.Equal(t, []string{"runs/2026/01/10/" + report.RunID + ".json"}, archive.keys)

	// Second run: u1's counts fail to extract, u2 loses its badge and posts less.
	later := captured.Add(24 * time.Hour)
	second, err := r.Run(ctx, "daily", []models.Snapshot{
		snap(later, map[string]string{"id": "u1", "posts": "", "followers": ""}),
		snap(later, map[string]string{"id": "u2", "posts": "3", "markers": ""}),
	})
	require.NoError(t, err)

	c = second.Counters
	assert.Equal(t, 1, c.Unchanged)
	assert.Equal(t, 1, c.Updated)
	assert.Equal(t, 1, c.Eligible)

	rows = m.Rows("Profiles")
	require.Len(t, rows, 2)
	assert.Equal(t, "u2", rows[0][col(models.FieldID)])
	assert.Equal(t, "ACTIVE", rows[0][col(models.FieldStatus)])
	assert.Equal(t, "12", rows[1][col(models.FieldPosts)], "failed extraction keeps stored posts")
	assert.Equal(t, "2026-01-10 12:00", rows[1][col(models.FieldUpdatedAt)], "unchanged rows are not rewritten")

	runs = m.Rows("Runs")
	require.Len(t, runs, 2)
	assert.Equal(t, second.RunID, runs[0][0], "newest run first")
}

func TestRun_NewestFirstAcrossUpdates(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemoryStore()
	r := newRunner(t, m, testSheets, 2)

	_, err := r.Run(ctx, "seed", []models.Snapshot{
		snap(captured, map[string]string{"id": "a", "posts": "1"}),
		snap(captured, map[string]string{"id": "b", "posts": "1"}),
		snap(captured, map[string]string{"id": "c", "posts": "1"}),
	})
	require.NoError(t, err)

	_, err = r.Run(ctx, "seed", []models.Snapshot{
		snap(captured, map[string]string{"id": "a", "posts": "2"}),
		snap(captured, map[string]string{"id": "d", "posts": "1"}),
		snap(captured, map[string]string{"id": "b", "posts": "1"}),
	})
	require.NoError(t, err)

	var ids []string
	for _, row := range m.Rows("Profiles") {
		ids = append(ids, row[0])
	}
	assert.Equal(t, []string{"d", "a", "c", "b"}, ids)
}

func TestRun_Sightings(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemoryStore()
	sheets := testSheets
	sheets.Sightings = "Seen"
	sheets.SightingsTop = true
	r := newRunner(t, m, sheets, 10)

	_, err := r.Run(ctx, "live", []models.Snapshot{
		snap(captured.Add(10*time.Minute), map[string]string{"id": "a", "name": "Ann", "online": "yes", "posts": "2"}),
		snap(captured, map[string]string{"id": "b", "online": "true", "posts": "2"}),
		snap(captured, map[string]string{"id": "c", "posts": "2"}),
	})
	require.NoError(t, err)

	seen := m.Rows("Seen")
	require.Len(t, seen, 2)
	assert.Equal(t, "a", seen[0][0], "newest sighting on top")
	assert.Equal(t, "Ann", seen[0][1])
	assert.Equal(t, "2026-01-10 12:10", seen[0][2])
	assert.Equal(t, "b", seen[1][0])
}

func TestRun_FatalThrottlingStopsRun(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemoryStore()
	throttled := storage.Throttled("write", errors.New("429"))
	m.Fail(storage.OpWrite, nil, throttled, throttled, throttled, throttled)
	r := newRunner(t, m, testSheets, 1)

	report, err := r.Run(ctx, "daily", []models.Snapshot{
		snap(captured, map[string]string{"id": "s1", "posts": "1"}),
		snap(captured, map[string]string{"id": "s2", "posts": "1"}),
		snap(captured, map[string]string{"id": "s3", "posts": "1"}),
	})
	require.ErrorIs(t, err, writer.ErrFatal)

	assert.Equal(t, models.RunStatusFailed, report.Status)
	assert.Equal(t, 3, report.Counters.Attempted)
	assert.Equal(t, 1, report.Counters.Succeeded)
	assert.Equal(t, 2, report.Counters.Failed)
	assert.Len(t, m.Rows("Profiles"), 1, "the committed batch stays")
	assert.Empty(t, m.Rows("Runs"))
}

func TestRun_HardErrorDegrades(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemoryStore()
	m.Fail(storage.OpWrite, storage.Hard("write", errors.New("403 forbidden")))
	r := newRunner(t, m, testSheets, 1)

	report, err := r.Run(ctx, "daily", []models.Snapshot{
		snap(captured, map[string]string{"id": "s1", "posts": "1"}),
		snap(captured, map[string]string{"id": "s2", "posts": "1"}),
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusDegraded, report.Status)
	assert.Equal(t, 1, report.Counters.Succeeded)
	assert.Equal(t, 1, report.Counters.Failed)

	runs := m.Rows("Runs")
	require.Len(t, runs, 1)
	assert.Equal(t, "degraded", runs[0][len(runs[0])-1])
}

func TestRun_HeaderMismatch(t *testing.T) {
	m := storage.NewMemoryStore()
	m.Seed("Profiles", []string{"NAME", "ID"})
	r := newRunner(t, m, testSheets, 10)

	report, err := r.Run(context.Background(), "daily", nil)
	require.ErrorIs(t, err, ErrHeader)
	assert.Equal(t, models.RunStatusFailed, report.Status)
}

func TestRun_AmbiguousKey(t *testing.T) {
	m := storage.NewMemoryStore()
	dup := models.NewRecord()
	dup.Set(models.FieldID, "d")
	m.Seed("Profiles", models.RecordHeader(), dup.Cells(), dup.Cells())
	r := newRunner(t, m, testSheets, 10)

	report, err := r.Run(context.Background(), "daily", []models.Snapshot{
		snap(captured, map[string]string{"id": "d", "posts": "4"}),
	})
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "id:d", report.Failures[0].Key)
	assert.Len(t, m.Rows("Profiles"), 2, "ambiguous rows are left alone")
}

func TestRun_RejectedWriteIsNotReconciledAgainst(t *testing.T) {
	twice := func() []models.Snapshot {
		return []models.Snapshot{
			snap(captured, map[string]string{"id": "u1", "posts": "4", "followers": "7"}),
			snap(captured, map[string]string{"id": "u1", "posts": "4", "followers": "7"}),
		}
	}

	t.Run("same batch", func(t *testing.T) {
		m := storage.NewMemoryStore()
		m.Fail(storage.OpWrite, storage.Hard("write", errors.New("403 forbidden")))
		r := newRunner(t, m, testSheets, 10)

		report, err := r.Run(context.Background(), "daily", twice())
		require.NoError(t, err)
		c := report.Counters
		assert.Equal(t, models.RunStatusDegraded, report.Status)
		assert.Equal(t, 2, c.Attempted)
		assert.Equal(t, 0, c.Succeeded)
		assert.Equal(t, 2, c.Failed)
		assert.Equal(t, 0, c.Unchanged)
		assert.Empty(t, m.Rows("Profiles"))
	})

	t.Run("separate batches", func(t *testing.T) {
		m := storage.NewMemoryStore()
		m.Fail(storage.OpWrite, storage.Hard("write", errors.New("403 forbidden")))
		r := newRunner(t, m, testSheets, 1)

		report, err := r.Run(context.Background(), "daily", twice())
		require.NoError(t, err)
		c := report.Counters
		assert.Equal(t, 1, c.Succeeded)
		assert.Equal(t, 1, c.Failed)
		assert.Equal(t, 1, c.New, "the second snapshot creates the row the first could not")
		assert.Equal(t, 0, c.Unchanged)
		rows := m.Rows("Profiles")
		require.Len(t, rows, 1)
		assert.Equal(t, "u1", rows[0][col(models.FieldID)])
	})
}

func TestRun_AtLeastCarriesThroughRun(t *testing.T) {
	m := storage.NewMemoryStore()
	r := newRunner(t, m, testSheets, 10)

	report, err := r.Run(context.Background(), "daily", []models.Snapshot{
		snap(captured, map[string]string{"id": "u1", "posts": "5+", "followers": "10"}),
		snap(captured.Add(time.Minute), map[string]string{"id": "u1", "followers": "11"}),
	})
	require.NoError(t, err)
	c := report.Counters
	assert.Equal(t, 1, c.New)
	assert.Equal(t, 1, c.Updated)
	assert.Equal(t, 2, c.Active)
	assert.Equal(t, 0, c.Eligible, "a 5+ count is never below the threshold for sure")
}

func TestRun_SummaryFollowsRunSheetOrder(t *testing.T) {
	m := storage.NewMemoryStore()
	sheets := testSheets
	sheets.RunsTop = false
	r := newRunner(t, m, sheets, 10)

	first, err := r.Run(context.Background(), "daily", nil)
	require.NoError(t, err)
	second, err := r.Run(context.Background(), "daily", nil)
	require.NoError(t, err)

	runs := m.Rows("Runs")
	require.Len(t, runs, 2)
	assert.Equal(t, first.RunID, runs[0][0])
	assert.Equal(t, second.RunID, runs[1][0], "appended below older runs")
}
