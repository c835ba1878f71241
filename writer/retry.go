package writer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"profile_ledger/storage"
)

// ErrFatal wraps the last throttling error once the retry budget is spent.
var ErrFatal = errors.New("store still throttling after retry budget")

// DefaultTiers are the short, medium and long backoff waits.
var DefaultTiers = []time.Duration{10 * time.Second, 60 * time.Second, 180 * time.Second}

type Phase int

const (
	PhaseAttempt Phase = iota
	PhaseBackoff
	PhaseFatal
)

func (p Phase) String() string {
	switch p {
	case PhaseAttempt:
		return "attempt"
	case PhaseBackoff:
		return "backoff"
	case PhaseFatal:
		return "fatal"
	}
	return "unknown"
}

// Retrier runs store calls through ATTEMPT -> BACKOFF(tier) -> ... -> FATAL.
// A success resets it to ATTEMPT at the first tier.
type Retrier struct {
	Tiers       []time.Duration
	MaxRetries  int
	CallTimeout time.Duration
	Sleep       func(ctx context.Context, d time.Duration) error

	phase Phase
	tier  int
}

func NewRetrier(tiers []time.Duration, maxRetries int, callTimeout time.Duration) *Retrier {
	if len(tiers) == 0 {
		tiers = DefaultTiers
	}
	if maxRetries < 0 {
		maxRetries = len(tiers)
	}
	return &Retrier{Tiers: tiers, MaxRetries: maxRetries, CallTimeout: callTimeout, Sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// State reports the current phase and, in BACKOFF, the tier index.
func (r *Retrier) State() (Phase, int) {
	return r.phase, r.tier
}

func (r *Retrier) wait(tier int) time.Duration {
	if tier >= len(r.Tiers) {
		tier = len(r.Tiers) - 1
	}
	return r.Tiers[tier]
}

// retryable treats a call that ran out of its own deadline like throttling,
// as long as the run itself is still alive.
func retryable(ctx context.Context, err error) bool {
	if storage.IsRetryable(err) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil
}

// Do calls fn until it succeeds, fails hard, or exhausts the retry budget.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	r.phase, r.tier = PhaseAttempt, 0
	for retries := 0; ; retries++ {
		err := r.call(ctx, fn)
		if err == nil {
			r.phase, r.tier = PhaseAttempt, 0
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(ctx, err) {
			return err
		}
		if retries >= r.MaxRetries {
			r.phase = PhaseFatal
			log.Error().Err(err).Str("op", op).Int("retries", retries).Msg("Retry budget exhausted")
			return fmt.Errorf("%s: %w: %w", op, ErrFatal, err)
		}

		r.phase, r.tier = PhaseBackoff, retries
		d := r.wait(retries)
		log.Warn().Err(err).Str("op", op).Int("tier", r.tier).Dur("wait", d).Msg("Store throttled, backing off")
		if err := r.Sleep(ctx, d); err != nil {
			return err
		}
	}
}

func (r *Retrier) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.CallTimeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, r.CallTimeout)
	defer cancel()
	return fn(callCtx)
}
