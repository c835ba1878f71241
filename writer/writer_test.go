package writer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"profile_ledger/storage"
)

type sleeps []time.Duration

func (s *sleeps) sleep(_ context.Context, d time.Duration) error {
	*s = append(*s, d)
	return nil
}

func newTestQueue(t *testing.T, batch int) (*Queue, *storage.MemoryStore, *sleeps) {
	t.Helper()
	m := storage.NewMemoryStore()
	m.Seed("records", []string{"ID"})
	m.Seed("runs", []string{"RUN_ID"})
	s := &sleeps{}
	r := NewRetrier(nil, -1, time.Second)
	r.Sleep = s.sleep
	return NewQueue(m, Options{BatchSize: batch, Retrier: r}), m, s
}

type tally struct {
	committed int
	failed    []error
}

func (tl *tally) entry(sheet, id string) Entry {
	return Entry{
		Sheet:     sheet,
		KeyColumn: 0,
		Writes:    []storage.RowWrite{{Kind: storage.WriteInsertAtAnchor, Cells: []string{id}}},
		OnCommit:  func() { tl.committed++ },
		OnFail:    func(err error) { tl.failed = append(tl.failed, err) },
	}
}

func throttle() error { return storage.Throttled("write", errors.New("429 Too Many Requests")) }

func TestQueue_FlushesFullBatches(t *testing.T) {
	ctx := context.Background()
	q, m, _ := newTestQueue(t, 3)
	tl := &tally{}

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, q.Enqueue(ctx, tl.entry("records", id)))
	}
	assert.Equal(t, 1, m.Calls(storage.OpWrite))
	assert.Equal(t, 3, tl.committed)
	assert.Equal(t, 2, q.Pending())

	require.NoError(t, q.Finish(ctx))
	assert.Equal(t, 2, m.Calls(storage.OpWrite))
	assert.Equal(t, 5, tl.committed)
	assert.Len(t, m.Rows("records"), 5)
}

func TestQueue_OneCallPerSheet(t *testing.T) {
	ctx := context.Background()
	q, m, _ := newTestQueue(t, 10)
	tl := &tally{}

	relocate := tl.entry("records", "x")
	relocate.Writes = append(relocate.Writes, storage.RowWrite{Kind: storage.WriteAppend, Cells: []string{"y"}})
	require.NoError(t, q.Enqueue(ctx, relocate))
	require.NoError(t, q.Enqueue(ctx, tl.entry("runs", "r1")))
	require.NoError(t, q.Enqueue(ctx, tl.entry("records", "z")))
	require.NoError(t, q.Flush(ctx))

	assert.Equal(t, 2, m.Calls(storage.OpWrite))
	assert.Equal(t, 3, tl.committed)
	assert.Len(t, m.Rows("records"), 3)
}

func TestQueue_BacksOffThroughTiers(t *testing.T) {
	ctx := context.Background()
	q, m, s := newTestQueue(t, 10)
	tl := &tally{}
	m.Fail(storage.OpWrite, throttle(), throttle())

	require.NoError(t, q.Enqueue(ctx, tl.entry("records", "a")))
	require.NoError(t, q.Flush(ctx))

	assert.Equal(t, []time.Duration{10 * time.Second, 60 * time.Second}, []time.Duration(*s))
	assert.Equal(t, 1, tl.committed)
	phase, _ := q.retrier.State()
	assert.Equal(t, PhaseAttempt, phase)
}

func TestQueue_ExhaustedRetriesAbort(t *testing.T) {
	ctx := context.Background()
	q, m, s := newTestQueue(t, 1)
	tl := &tally{}

	require.NoError(t, q.Enqueue(ctx, tl.entry("records", "kept")))
	m.Fail(storage.OpWrite, throttle(), throttle(), throttle(), throttle())

	err := q.Enqueue(ctx, tl.entry("records", "lost"))
	require.ErrorIs(t, err, ErrFatal)
	assert.Equal(t, []time.Duration{10 * time.Second, 60 * time.Second, 180 * time.Second}, []time.Duration(*s))
	phase, _ := q.retrier.State()
	assert.Equal(t, PhaseFatal, phase)

	assert.ErrorIs(t, q.Enqueue(ctx, tl.entry("records", "later")), ErrAborted)
	assert.ErrorIs(t, q.Summary(ctx, "runs", []string{"r"}, true), ErrAborted)

	assert.Equal(t, 1, tl.committed)
	require.Len(t, tl.failed, 2)
	assert.Equal(t, [][]string{{"kept"}}, m.Rows("records"))
}

func TestQueue_HardErrorDegradesAndContinues(t *testing.T) {
	ctx := context.Background()
	q, m, s := newTestQueue(t, 1)
	tl := &tally{}
	m.Fail(storage.OpWrite, storage.Hard("write", errors.New("403 permission denied")))

	require.NoError(t, q.Enqueue(ctx, tl.entry("records", "a")))
	require.NoError(t, q.Enqueue(ctx, tl.entry("records", "b")))

	assert.Empty(t, *s, "hard errors are not retried")
	assert.True(t, q.Degraded())
	assert.NoError(t, q.Err())
	assert.Equal(t, 1, tl.committed)
	assert.Len(t, tl.failed, 1)
}

func TestQueue_FormatsOnceAtFinish(t *testing.T) {
	ctx := context.Background()
	q, m, _ := newTestQueue(t, 10)

	q.Format("records", storage.RowRange{First: 2, Last: 3})
	q.Format("records", storage.RowRange{First: 2, Last: 5})
	q.Format("runs", storage.RowRange{})
	assert.Equal(t, 0, m.Calls(storage.OpFormat))

	require.NoError(t, q.Finish(ctx))
	assert.Equal(t, 1, m.Calls(storage.OpFormat))
	assert.Equal(t, []storage.RowRange{{First: 2, Last: 5}}, m.Formatted("records"))
}

func TestQueue_PacingLimit(t *testing.T) {
	q := NewQueue(storage.NewMemoryStore(), Options{MinDelay: 2 * time.Second})
	assert.Equal(t, rate.Every(2*time.Second), q.limiter.Limit())

	q = NewQueue(storage.NewMemoryStore(), Options{})
	assert.Equal(t, rate.Inf, q.limiter.Limit())
}

func TestQueue_PacesConsecutiveCalls(t *testing.T) {
	const delay = 40 * time.Millisecond
	const slack = 5 * time.Millisecond
	ctx := context.Background()

	m := storage.NewMemoryStore()
	m.Seed("records", []string{"ID"})
	m.Seed("runs", []string{"RUN_ID"})
	var writes []time.Time
	m.OnWrite = func(storage.Batch) { writes = append(writes, time.Now()) }

	s := &sleeps{}
	r := NewRetrier(nil, -1, time.Second)
	r.Sleep = s.sleep
	q := NewQueue(m, Options{BatchSize: 1, MinDelay: delay, Retrier: r})
	tl := &tally{}

	require.NoError(t, q.Enqueue(ctx, tl.entry("records", "a")))
	require.NoError(t, q.Enqueue(ctx, tl.entry("records", "b")))
	require.Len(t, writes, 2)
	assert.GreaterOrEqual(t, writes[1].Sub(writes[0]), delay-slack)

	// A throttled attempt and its retry each wait their turn.
	m.Fail(storage.OpWrite, throttle())
	require.NoError(t, q.Enqueue(ctx, tl.entry("records", "c")))
	require.Len(t, writes, 3)
	assert.Len(t, *s, 1)
	assert.GreaterOrEqual(t, writes[2].Sub(writes[1]), 2*delay-slack)

	start := time.Now()
	require.NoError(t, q.Summary(ctx, "runs", []string{"r1"}, true))
	assert.GreaterOrEqual(t, time.Since(start), delay-slack)

	q.Format("records", storage.RowRange{First: 2, Last: 4})
	start = time.Now()
	require.NoError(t, q.Finish(ctx))
	assert.GreaterOrEqual(t, time.Since(start), delay-slack)
	assert.Equal(t, 3, tl.committed)
}

func TestQueue_WritelessEntryWaitsForSameKey(t *testing.T) {
	ctx := context.Background()
	q, m, _ := newTestQueue(t, 10)
	m.Fail(storage.OpWrite, storage.Hard("write", errors.New("403 forbidden")))

	var committed, failed []string
	entry := func(key string, writes []storage.RowWrite) Entry {
		return Entry{
			Sheet:    "records",
			Key:      key,
			Writes:   writes,
			OnCommit: func() { committed = append(committed, key) },
			OnFail:   func(error) { failed = append(failed, key) },
		}
	}
	insert := []storage.RowWrite{{Kind: storage.WriteInsertAtAnchor, Cells: []string{"a"}}}

	require.NoError(t, q.Enqueue(ctx, entry("a", insert)))
	require.NoError(t, q.Enqueue(ctx, entry("a", nil)))
	require.NoError(t, q.Enqueue(ctx, entry("b", nil)))
	assert.Equal(t, []string{"b"}, committed, "nothing pending for b")
	assert.Equal(t, 2, q.Pending())

	require.NoError(t, q.Flush(ctx))
	assert.Equal(t, []string{"b"}, committed)
	assert.Equal(t, []string{"a", "a"}, failed)
	assert.Empty(t, m.Rows("records"))
}

func TestRetrier_CallTimeoutIsRetried(t *testing.T) {
	s := &sleeps{}
	r := NewRetrier([]time.Duration{time.Millisecond}, 2, 50*time.Millisecond)
	r.Sleep = s.sleep

	calls := 0
	err := r.Do(context.Background(), "read", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, *s, 1)
}

func TestRetrier_CanceledRunIsNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRetrier(nil, -1, 0)
	calls := 0
	err := r.Do(ctx, "write", func(ctx context.Context) error {
		calls++
		cancel()
		return throttle()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
