package files

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/MrWong99/voxclone/internal/observe"
)

// Sweeper is the part of [Manager] the scheduler drives.
type Sweeper interface {
	CleanupOld(maxAge time.Duration) (CleanupStats, error)
}

// Scheduler runs periodic cleanup sweeps on a cron schedule.
type Scheduler struct {
	c       *cron.Cron
	sweeper Sweeper
	maxAge  time.Duration
	metrics *observe.Metrics
}

// SchedulerOption configures a [Scheduler].
type SchedulerOption func(*Scheduler)

// WithMetrics records removed files on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler registers a sweep of files older than maxAge at spec, a cron
// expression or descriptor such as "@every 1h".
func NewScheduler(sw Sweeper, spec string, maxAge time.Duration, opts ...SchedulerOption) (*Scheduler, error) {
	s := &Scheduler{
		c:       cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger))),
		sweeper: sw,
		maxAge:  maxAge,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if _, err := s.c.AddFunc(spec, func() { s.Sweep(context.Background()) }); err != nil {
		return nil, fmt.Errorf("files: cleanup schedule %q: %w", spec, err)
	}
	return s, nil
}

// Sweep runs one cleanup pass immediately.
func (s *Scheduler) Sweep(ctx context.Context) CleanupStats {
	start := time.Now()
	stats, err := s.sweeper.CleanupOld(s.maxAge)
	s.metrics.CleanupFiles.Add(ctx, int64(stats.Files))
	if err != nil {
		slog.Warn("cleanup sweep incomplete", "err", err, "files", stats.Files)
	}
	if stats.Files > 0 {
		slog.Info("cleanup sweep finished",
			"files", stats.Files,
			"bytes", stats.Bytes,
			"duration", time.Since(start),
		)
	}
	return stats
}

// Run starts the schedule and blocks until ctx is cancelled, then waits for a
// running sweep to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.c.Start()
	<-ctx.Done()
	<-s.c.Stop().Done()
	return nil
}

// Next reports when the next sweep is due. It is zero before [Scheduler.Run].
func (s *Scheduler) Next() time.Time {
	entries := s.c.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
