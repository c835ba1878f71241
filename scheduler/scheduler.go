package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"profile_ledger/feed"
	"profile_ledger/models"
)

// Syncer runs one reconciliation over a batch of snapshots.
type Syncer interface {
	Run(ctx context.Context, source string, snaps []models.Snapshot) (*models.RunReport, error)
}

type Config struct {
	Cron     string
	Interval time.Duration
	// Source labels the runs; defaults to the feed's ID.
	Source string
}

type Scheduler struct {
	cfg    Config
	feed   feed.Source
	syncer Syncer
	cron   *cron.Cron
	ticker *time.Ticker
	stopCh chan struct{}

	// mu orders trigger's wg.Add against Stop.
	mu      sync.Mutex
	stopped bool
	running atomic.Bool
	wg      sync.WaitGroup
}

func New(cfg Config, source feed.Source, syncer Syncer) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		feed:   source,
		syncer: syncer,
		cron:   cron.New(),
		stopCh: make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.Cron != "" {
		log.Info().Str("cron", s.cfg.Cron).Msg("Starting scheduler")
		_, err := s.cron.AddFunc(s.cfg.Cron, func() { s.trigger(ctx) })
		if err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		s.cron.Start()
	} else if s.cfg.Interval > 0 {
		log.Info().Dur("interval", s.cfg.Interval).Msg("Starting scheduler")
		s.ticker = time.NewTicker(s.cfg.Interval)
		go func() {
			for {
				select {
				case <-s.ticker.C:
					s.trigger(ctx)
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	} else {
		return fmt.Errorf("no schedule configured: set SYNC_CRON or SYNC_INTERVAL")
	}
	return nil
}

// Stop halts triggering and waits for a run in progress.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	<-cronCtx.Done()
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.stopCh)
	s.wg.Wait()
}

// trigger starts a run unless one is still going or the scheduler stopped.
func (s *Scheduler) trigger(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if !s.running.CompareAndSwap(false, true) {
		s.mu.Unlock()
		log.Warn().Str("feed", s.feed.ID()).Msg("Previous run still in progress, skipping trigger")
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer func() {
		s.running.Store(false)
		s.wg.Done()
	}()
	if _, err := s.RunOnce(ctx); err != nil {
		log.Error().Err(err).Msg("Scheduled run error")
	}
}

// RunOnce fetches the feed and reconciles it.
func (s *Scheduler) RunOnce(ctx context.Context) (*models.RunReport, error) {
	snaps, err := s.feed.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", s.feed.ID(), err)
	}
	if len(snaps) == 0 {
		log.Info().Str("feed", s.feed.ID()).Msg("Feed is empty, nothing to sync")
	}
	source := s.cfg.Source
	if source == "" {
		source = s.feed.ID()
	}
	return s.syncer.Run(ctx, source, snaps)
}
