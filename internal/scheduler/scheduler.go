// Package scheduler fires enabled jobs at their next scheduled instant.
// The fire transition is recorded atomically before the action runs, so a
// crash or failing action never double-fires a scheduled instant; missed
// instants while the process was down collapse to a single fire on
// restart.
package scheduler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/homesteadhq/homestead/internal/bus"
	"github.com/homesteadhq/homestead/internal/fault"
	"github.com/homesteadhq/homestead/internal/otel"
	"github.com/homesteadhq/homestead/internal/persistence"
)

type Config struct {
	Store *persistence.Store

	// Tick is the scan interval; defaults to 1 second.
	Tick time.Duration
	// ActionTimeout bounds each command and webhook action; defaults to
	// 60 seconds. An outbox action is a single database insert and runs
	// under the same bound.
	ActionTimeout time.Duration

	Logger  *slog.Logger
	Bus     *bus.Bus
	Metrics *otel.Metrics
	// HTTPClient serves webhook actions; nil uses http.DefaultClient.
	HTTPClient *http.Client
}

// Scheduler is the single fire loop. Construct exactly one from the
// composition root.
type Scheduler struct {
	store         *persistence.Store
	tick          time.Duration
	actionTimeout time.Duration
	logger        *slog.Logger
	bus           *bus.Bus
	metrics       *otel.Metrics
	httpClient    *http.Client

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Scheduler{
		store:         cfg.Store,
		tick:          cfg.Tick,
		actionTimeout: cfg.ActionTimeout,
		logger:        cfg.Logger,
		bus:           cfg.Bus,
		metrics:       cfg.Metrics,
		httpClient:    cfg.HTTPClient,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "source", "sc", "tick", s.tick.String())
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped", "source", "sc")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	// Scan immediately so fires missed while the process was down
	// happen on startup, not a tick later.
	s.scan(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Scheduler) scan(ctx context.Context) {
	now := time.Now()
	due, err := s.store.DueJobs(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("query due jobs failed", "source", "sc", "error", err)
		}
		return
	}
	for _, job := range due {
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, job, now)
	}
}

// fire claims the scheduled instant, then runs the action. The claim is
// a guarded update keyed on the job's previous next_run_at: if another
// mutation got there first the claim reports false and nothing runs.
func (s *Scheduler) fire(ctx context.Context, job persistence.Job, now time.Time) {
	if job.NextRunAt == nil {
		return
	}
	// Advance past now, not past the stored instant: offline periods
	// collapse to this one fire.
	next, err := Compute(job.ScheduleKind, job.ScheduleExpr, now)
	if err != nil {
		s.logger.Error("job has unparseable schedule, disabling",
			"source", "sc", "job_id", job.ID, "name", job.Name, "error", err)
		if derr := s.store.SetJobEnabled(ctx, job.ID, false, nil); derr != nil {
			s.logger.Error("disable broken job failed", "source", "sc", "job_id", job.ID, "error", derr)
		}
		return
	}

	claimed, err := s.store.MarkJobRun(ctx, job.ID, *job.NextRunAt, now, next)
	if err != nil {
		s.logger.Error("record job run failed", "source", "sc", "job_id", job.ID, "error", err)
		return
	}
	if !claimed {
		return
	}
	if s.metrics != nil {
		s.metrics.JobsFired.Add(ctx, 1)
	}

	s.runAction(ctx, job, now, next)
}

func (s *Scheduler) runAction(ctx context.Context, job persistence.Job, at time.Time, next *int64) error {
	err := s.execAction(ctx, job)
	if err != nil {
		if s.metrics != nil {
			s.metrics.JobActionErrors.Add(ctx, 1)
		}
		s.logger.Warn("job action failed",
			"source", "sc",
			"job_id", job.ID,
			"name", job.Name,
			"action", string(job.ActionKind),
			"kind", string(fault.KindOf(err)),
			"error", err)
		if s.bus != nil {
			s.bus.Publish(bus.TopicJobFailed, bus.JobEvent{
				JobID: job.ID, Name: job.Name, Action: string(job.ActionKind),
				Error: err.Error(), RunAt: at.Unix(), NextRun: next,
			})
		}
		return err
	}

	s.logger.Info("job fired",
		"source", "sc",
		"job_id", job.ID,
		"name", job.Name,
		"action", string(job.ActionKind),
		"next_run_at", nextOrZero(next))
	if s.bus != nil {
		s.bus.Publish(bus.TopicJobFired, bus.JobEvent{
			JobID: job.ID, Name: job.Name, Action: string(job.ActionKind),
			RunAt: at.Unix(), NextRun: next,
		})
	}
	return nil
}

// RunNow fires the job immediately, outside its schedule: the run is
// recorded first (without the instant guard), then the action executes on
// the same path as a scheduled fire. The job's pending instant, if any, is
// recomputed from now.
func (s *Scheduler) RunNow(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	now := time.Now()

	var next *int64
	if job.Enabled {
		next, err = Compute(job.ScheduleKind, job.ScheduleExpr, now)
		if err != nil {
			return err
		}
	}
	if err := s.store.MarkJobRunManual(ctx, job.ID, now, next); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.JobsFired.Add(ctx, 1)
	}
	return s.runAction(ctx, *job, now, next)
}

func nextOrZero(next *int64) int64 {
	if next == nil {
		return 0
	}
	return *next
}
