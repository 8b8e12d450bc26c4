package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser supports standard 5-field cron and descriptors like "@every 30m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Scheduler fires scheduled housekeeping for every job type on a cron schedule.
type Scheduler struct {
	engine   *Engine
	schedule cronlib.Schedule
	logger   *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler parses expr as a five-field cron expression.
func NewScheduler(engine *Engine, expr string, logger *slog.Logger) (*Scheduler, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, fmt.Errorf("parse housekeeping cron %q: %w", expr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		engine:   engine,
		schedule: sched,
		logger:   logger.With("component", "housekeeping-scheduler"),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start launches the tick goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("housekeeping scheduler started", "next", s.schedule.Next(s.engine.now().In(s.engine.loc)))
}

// Stop signals the scheduler and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("housekeeping scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		now := s.engine.now().In(s.engine.loc)
		timer := time.NewTimer(s.schedule.Next(now).Sub(now))
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduled pass over every job type for today's run date.
// Job types run one after another; a failure in one does not stop the rest.
func (s *Scheduler) Tick(ctx context.Context) {
	runDate := s.engine.Today()
	for _, jt := range s.engine.JobTypes() {
		run, err := s.engine.RunScheduled(ctx, jt, runDate)
		switch {
		case errors.Is(err, ErrRunInProgress):
			s.logger.Info("scheduled housekeeping already running", "job_type", jt, "run_date", runDate)
		case err != nil:
			s.logger.Error("scheduled housekeeping", "job_type", jt, "run_date", runDate, "err", err)
		case run == nil:
			s.logger.Debug("nothing to do", "job_type", jt, "run_date", runDate)
		default:
			s.logger.Info("scheduled housekeeping finished", "job_type", jt, "run_id", run.ID, "status", run.Status, "deleted", run.DeletedTotal)
		}
	}
}
