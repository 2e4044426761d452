// Package worker runs the periodic polling sweep that reconciles jobs whose
// provider callback never arrived.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/digkill/motiongif/internal/metrics"
	"github.com/digkill/motiongif/internal/models"
	"github.com/digkill/motiongif/internal/service"
)

type JobLister interface {
	ListProcessing(ctx context.Context, limit int) ([]*models.GenerationJob, error)
}

type Poller interface {
	Poll(ctx context.Context, job *models.GenerationJob) (service.Outcome, error)
}

// Locker is an optional cross-replica lease around one tick.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Unlock(ctx context.Context, key, token string) error
}

type Options struct {
	Interval  time.Duration
	BatchSize int
	Workers   int
	LockKey   string
	LockTTL   time.Duration
}

// Stats summarises one tick.
type Stats struct {
	Listed    int
	Completed int
	Failed    int
	Pending   int
	Noop      int
	Errors    int
	Skipped   bool
}

type Sweeper struct {
	jobs    JobLister
	poller  Poller
	locker  Locker
	opts    Options
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(jobs JobLister, poller Poller, locker Locker, opts Options, m *metrics.Metrics, log zerolog.Logger) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.LockKey == "" {
		opts.LockKey = "motiongif:sweep"
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = opts.Interval
	}
	return &Sweeper{
		jobs:    jobs,
		poller:  poller,
		locker:  locker,
		opts:    opts,
		metrics: m,
		log:     log.With().Str("component", "sweeper").Logger(),
	}
}

// Start runs a tick every interval until Stop is called or ctx ends. Calling
// Start on a running sweeper does nothing.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	s.log.Info().
		Dur("interval", s.opts.Interval).
		Int("batch_size", s.opts.BatchSize).
		Int("workers", s.opts.Workers).
		Msg("starting polling sweep")

	go s.loop(ctx, s.done)
}

// Stop cancels the loop and waits for an in-flight tick to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info().Msg("polling sweep stopped")
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Msg("sweep tick failed")
			}
		}
	}
}

// RunOnce polls at most BatchSize processing jobs, oldest first. Per-job
// errors are logged and counted; those jobs are retried on the next tick.
func (s *Sweeper) RunOnce(ctx context.Context) (Stats, error) {
	started := time.Now()
	defer func() { s.metrics.SweepTook(time.Since(started)) }()

	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, s.opts.LockKey, s.opts.LockTTL)
		if err != nil {
			return Stats{}, fmt.Errorf("sweep lease: %w", err)
		}
		if !ok {
			s.log.Debug().Msg("another replica holds the sweep lease")
			return Stats{Skipped: true}, nil
		}
		defer func() {
			if err := s.locker.Unlock(context.WithoutCancel(ctx), s.opts.LockKey, token); err != nil {
				s.log.Warn().Err(err).Msg("release sweep lease failed")
			}
		}()
	}

	jobs, err := s.jobs.ListProcessing(ctx, s.opts.BatchSize)
	if err != nil {
		return Stats{}, fmt.Errorf("list processing jobs: %w", err)
	}

	stats := Stats{Listed: len(jobs)}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.opts.Workers)

	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			outcome, err := s.poller.Poll(ctx, job)
			label := string(outcome)
			if err != nil {
				label = "error"
				s.log.Warn().Err(err).Str("job_id", job.ID).Str("provider", job.Provider).Msg("poll job failed")
			}
			s.metrics.Swept(label)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				stats.Errors++
			case outcome == service.OutcomeCompleted:
				stats.Completed++
			case outcome == service.OutcomeFailed:
				stats.Failed++
			case outcome == service.OutcomePending:
				stats.Pending++
			default:
				stats.Noop++
			}
			return nil
		})
	}
	_ = g.Wait()

	if stats.Listed > 0 {
		s.log.Info().
			Int("listed", stats.Listed).
			Int("completed", stats.Completed).
			Int("failed", stats.Failed).
			Int("pending", stats.Pending).
			Int("errors", stats.Errors).
			Dur("took", time.Since(started)).
			Msg("sweep tick finished")
	}
	return stats, ctx.Err()
}
