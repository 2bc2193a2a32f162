// Package sweep runs the time-based maintenance duties on their own
// cadence, away from request handlers: file expiry, chunk-session GC,
// temporary-ban expiry, rate-limiter compaction, and grace-window blob
// unlinking.
package sweep

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"driplet/internal/blob"
	"driplet/internal/limit"
	"driplet/internal/logging"
	"driplet/internal/meta"
	"driplet/internal/quota"
	"driplet/internal/session"
)

// defaultBatch bounds how many expired records one tick removes, keeping
// the metadata writer lock short; the remainder waits for the next tick.
const defaultBatch = 512

// Config holds Sweeper construction parameters.
type Config struct {
	Meta     *meta.Store
	Sessions *session.Manager
	Blobs    *blob.Store
	Bans     *limit.BanList
	Limiter  *limit.Limiter
	Quota    *quota.Observer

	// Interval is the tick cadence.
	Interval time.Duration

	// Batch overrides the per-tick expiry bound; 0 means the default.
	Batch int

	// LimiterStaleAfter is how long a rate bucket may idle before
	// compaction removes it.
	LimiterStaleAfter time.Duration

	Logger *slog.Logger
}

// Sweeper owns the maintenance schedule.
type Sweeper struct {
	cfg       Config
	scheduler gocron.Scheduler
	logger    *slog.Logger
}

// New creates the sweeper and registers the maintenance job. Start begins
// ticking.
func New(cfg Config) (*Sweeper, error) {
	if cfg.Batch == 0 {
		cfg.Batch = defaultBatch
	}
	if cfg.LimiterStaleAfter == 0 {
		cfg.LimiterStaleAfter = 15 * time.Minute
	}
	s := &Sweeper{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "sweeper"),
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(cfg.Interval),
		gocron.NewTask(s.Tick),
		gocron.WithName("maintenance"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("register maintenance job: %w", err)
	}
	s.scheduler = sched
	return s, nil
}

// Start begins the schedule.
func (s *Sweeper) Start() {
	s.scheduler.Start()
	s.logger.Info("maintenance sweeper started", "interval", s.cfg.Interval)
}

// Stop shuts the schedule down, waiting for a running tick to finish.
func (s *Sweeper) Stop() {
	if err := s.scheduler.Shutdown(); err != nil {
		s.logger.Warn("scheduler shutdown", "error", err)
	}
}

// Tick runs one maintenance pass. Exported so tests can drive it directly.
func (s *Sweeper) Tick() {
	expired := s.cfg.Meta.ExpireDue(s.cfg.Batch)
	if len(expired) > 0 {
		s.logger.Info("expired files", "count", len(expired))
	}

	if n := s.cfg.Sessions.ExpireIdle(); n > 0 {
		s.logger.Info("expired idle sessions", "count", n)
	}

	s.cfg.Bans.ExpireTemporary()
	s.cfg.Limiter.Compact(s.cfg.LimiterStaleAfter)

	if unlinked := s.cfg.Blobs.SweepGrace(); len(unlinked) > 0 {
		s.logger.Info("unlinked unreferenced blobs", "count", len(unlinked))
	}

	s.cfg.Quota.Recompute()
}
