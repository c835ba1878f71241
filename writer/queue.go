// Package writer batches row writes into few paced, retried store calls.
package writer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"profile_ledger/storage"
)

// ErrAborted is returned for work refused after a fatal batch.
var ErrAborted = errors.New("write queue aborted")

// Entry is the set of writes for one reconciled row. Entries are never split
// across store calls.
type Entry struct {
	Sheet     string
	KeyColumn int
	// Key ties entries for the same row together. An entry without writes
	// waits for pending entries with the same key and shares their fate.
	Key    string
	Writes []storage.RowWrite
	// OnCommit runs once the store accepted the batch holding the entry.
	OnCommit func()
	// OnFail runs when the entry will not be written.
	OnFail func(err error)
}

type Options struct {
	BatchSize int
	MinDelay  time.Duration
	Retrier   *Retrier
}

type Queue struct {
	store     storage.Store
	retrier   *Retrier
	limiter   *rate.Limiter
	batchSize int

	pending     []Entry
	formats     map[string]storage.RowRange
	formatOrder []string

	aborted  error
	degraded bool
}

func NewQueue(store storage.Store, opts Options) *Queue {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.Retrier == nil {
		opts.Retrier = NewRetrier(nil, -1, 0)
	}
	limit := rate.Inf
	if opts.MinDelay > 0 {
		limit = rate.Every(opts.MinDelay)
	}
	return &Queue{
		store:     store,
		retrier:   opts.Retrier,
		limiter:   rate.NewLimiter(limit, 1),
		batchSize: opts.BatchSize,
		formats:   make(map[string]storage.RowRange),
	}
}

// Degraded reports whether a hard store error failed some entries.
func (q *Queue) Degraded() bool { return q.degraded }

// Err returns the fatal error that aborted the queue, if any.
func (q *Queue) Err() error { return q.aborted }

func (q *Queue) Pending() int { return len(q.pending) }

// Read fetches a sheet through the retrier. Reads are not paced.
func (q *Queue) Read(ctx context.Context, sheet string) (*storage.Table, error) {
	var t *storage.Table
	err := q.retrier.Do(ctx, "read "+sheet, func(ctx context.Context) error {
		var err error
		t, err = q.store.ReadRecords(ctx, sheet)
		return err
	})
	return t, err
}

func (q *Queue) Ensure(ctx context.Context, sheet string, header []string) error {
	return q.retrier.Do(ctx, "ensure "+sheet, func(ctx context.Context) error {
		return q.store.EnsureSheet(ctx, sheet, header)
	})
}

// paced runs one remote write under the retrier, waiting out the minimum
// delay before every attempt.
func (q *Queue) paced(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return q.retrier.Do(ctx, op, func(callCtx context.Context) error {
		if err := q.limiter.Wait(ctx); err != nil {
			return err
		}
		return fn(callCtx)
	})
}

// Enqueue adds an entry and flushes once a full batch is pending.
func (q *Queue) Enqueue(ctx context.Context, e Entry) error {
	if q.aborted != nil {
		fail(e, ErrAborted)
		return ErrAborted
	}
	if len(e.Writes) == 0 && !q.waitsOn(e) {
		if e.OnCommit != nil {
			e.OnCommit()
		}
		return nil
	}
	q.pending = append(q.pending, e)
	if len(q.pending) >= q.batchSize {
		return q.Flush(ctx)
	}
	return nil
}

func (q *Queue) waitsOn(e Entry) bool {
	if e.Key == "" {
		return false
	}
	for _, p := range q.pending {
		if p.Sheet == e.Sheet && p.Key == e.Key {
			return true
		}
	}
	return false
}

func fail(e Entry, err error) {
	if e.OnFail != nil {
		e.OnFail(err)
	}
}

// Flush sends every pending entry, one store call per sheet. A hard error
// fails only that sheet's entries; a fatal one aborts the queue.
func (q *Queue) Flush(ctx context.Context) error {
	pending := q.pending
	q.pending = nil
	if len(pending) == 0 {
		return q.aborted
	}

	var order []string
	bySheet := make(map[string][]Entry)
	for _, e := range pending {
		if _, ok := bySheet[e.Sheet]; !ok {
			order = append(order, e.Sheet)
		}
		bySheet[e.Sheet] = append(bySheet[e.Sheet], e)
	}

	for _, sheet := range order {
		entries := bySheet[sheet]
		if q.aborted != nil {
			for _, e := range entries {
				fail(e, ErrAborted)
			}
			continue
		}

		b := storage.Batch{Sheet: sheet, KeyColumn: entries[0].KeyColumn}
		for _, e := range entries {
			b.Writes = append(b.Writes, e.Writes...)
		}
		err := q.paced(ctx, "write "+sheet, func(ctx context.Context) error {
			return q.store.WriteRows(ctx, b)
		})
		switch {
		case err == nil:
			log.Debug().Str("sheet", sheet).Int("entries", len(entries)).Int("writes", len(b.Writes)).Msg("Batch committed")
			for _, e := range entries {
				if e.OnCommit != nil {
					e.OnCommit()
				}
			}
		case errors.Is(err, ErrFatal) || ctx.Err() != nil:
			q.aborted = err
			for _, e := range entries {
				fail(e, err)
			}
		default:
			q.degraded = true
			log.Error().Err(err).Str("sheet", sheet).Int("entries", len(entries)).Msg("Batch rejected")
			for _, e := range entries {
				fail(e, err)
			}
		}
	}
	return q.aborted
}

// Format registers a row range for uniform formatting at Finish.
func (q *Queue) Format(sheet string, r storage.RowRange) {
	if r.Empty() {
		return
	}
	prev, ok := q.formats[sheet]
	if !ok {
		q.formatOrder = append(q.formatOrder, sheet)
	}
	q.formats[sheet] = prev.Union(r)
}

// Finish flushes what is pending and formats each registered sheet once.
func (q *Queue) Finish(ctx context.Context) error {
	if err := q.Flush(ctx); err != nil {
		return err
	}
	for _, sheet := range q.formatOrder {
		r := q.formats[sheet]
		err := q.paced(ctx, "format "+sheet, func(ctx context.Context) error {
			return q.store.ApplyUniformFormatting(ctx, sheet, r)
		})
		if err == nil {
			continue
		}
		if errors.Is(err, ErrFatal) || ctx.Err() != nil {
			q.aborted = err
			return err
		}
		q.degraded = true
		log.Error().Err(err).Str("sheet", sheet).Msg("Formatting rejected")
	}
	q.formats = make(map[string]storage.RowRange)
	q.formatOrder = nil
	return nil
}

// Summary writes one run summary row, paced and retried like any batch.
func (q *Queue) Summary(ctx context.Context, sheet string, cells []string, atTop bool) error {
	if q.aborted != nil {
		return ErrAborted
	}
	err := q.paced(ctx, "summary "+sheet, func(ctx context.Context) error {
		return q.store.AppendSummary(ctx, sheet, cells, atTop)
	})
	if err != nil {
		if errors.Is(err, ErrFatal) {
			q.aborted = err
		}
		return fmt.Errorf("append summary: %w", err)
	}
	return nil
}
