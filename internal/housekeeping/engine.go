package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"event-replay-service/internal/config"
	"event-replay-service/internal/lock"
	"event-replay-service/internal/models"
	"event-replay-service/internal/store"
	"event-replay-service/internal/telemetry"
)

var (
	// ErrRunInProgress rejects a second concurrent attempt for the same scope and day.
	ErrRunInProgress = store.ErrRunInProgress
	// ErrUnknownJobType is returned for job types without a registered strategy.
	ErrUnknownJobType = errors.New("housekeeping: unknown job type")
)

// Store is the run and day bookkeeping the engine needs.
type Store interface {
	UpsertDailySnapshot(ctx context.Context, d models.HousekeepingDaily) error
	GetDaily(ctx context.Context, jobType models.JobType, eventKey, runDate string) (models.HousekeepingDaily, error)
	StartRun(ctx context.Context, p store.StartRunParams) (models.HousekeepingRun, error)
	FinishRun(ctx context.Context, run models.HousekeepingRun) error
}

// Locker guards a scope across processes.
type Locker interface {
	Acquire(ctx context.Context, key string) (lock.Lease, error)
}

// Preview is the eligibility of one scope as of now.
type Preview struct {
	JobType         models.JobType       `json:"jobType"`
	EventKey        string               `json:"eventKey"`
	RunDate         string               `json:"runDate"`
	CutoffDate      string               `json:"cutoffDate"`
	RetentionDays   int                  `json:"retentionDays"`
	EligibleSuccess int64                `json:"eligibleSuccess"`
	EligibleFailure int64                `json:"eligibleFailure"`
	EligibleTotal   int64                `json:"eligibleTotal"`
	Scopes          []models.Eligibility `json:"scopes"`
}

// Engine runs housekeeping attempts for each registered job type.
type Engine struct {
	store      Store
	strategies map[models.JobType]Strategy
	locker     Locker
	logger     *slog.Logger
	batchSize  int
	staleAfter time.Duration
	loc        *time.Location
	now        func() time.Time
}

// NewEngine registers strategies by job type. A nil locker skips the
// cross-process scope lock and relies on the store's run guard alone.
func NewEngine(cfg config.Config, st Store, locker Locker, logger *slog.Logger, strategies ...Strategy) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:      st,
		strategies: make(map[models.JobType]Strategy, len(strategies)),
		locker:     locker,
		logger:     logger.With("component", "housekeeping"),
		batchSize:  cfg.HousekeepingBatchSize,
		staleAfter: cfg.HousekeepingStaleAfter,
		loc:        cfg.Location(),
		now:        time.Now,
	}
	if e.batchSize <= 0 {
		e.batchSize = 5000
	}
	for _, s := range strategies {
		e.strategies[s.JobType()] = s
	}
	return e
}

// FullStore is the audit store as used by every job type.
type FullStore interface {
	Store
	AuditStore
}

// NewFromConfig registers the three job types with their configured retention windows.
func NewFromConfig(cfg config.Config, st FullStore, gw Gateway, archive ArchiveFactory, locker Locker, logger *slog.Logger) *Engine {
	return NewEngine(cfg, st, locker, logger,
		NewRetention(gw, cfg.RetentionDays, cfg.HousekeepingParallelism, archive),
		NewReplayAudit(st, cfg.ReplayAuditRetentionDays, cfg.ReplayStaleAfter),
		NewHousekeepingAudit(st, cfg.HousekeepingAuditRetentionDays),
	)
}

// Today is the run date for the engine's clock and timezone.
func (e *Engine) Today() string {
	return e.now().In(e.loc).Format(models.DateLayout)
}

func (e *Engine) strategy(jobType models.JobType) (Strategy, error) {
	s, ok := e.strategies[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	return s, nil
}

// cutoff is midnight of runDate minus the retention window, in the engine timezone.
func (e *Engine) cutoff(s Strategy, runDate string) (time.Time, error) {
	day, err := time.ParseInLocation(models.DateLayout, runDate, e.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid run date %q: %w", runDate, err)
	}
	return day.AddDate(0, 0, -s.RetentionDays()), nil
}

func (e *Engine) preview(ctx context.Context, s Strategy, eventKey, runDate string) (Preview, error) {
	scope, err := s.Scope(eventKey)
	if err != nil {
		return Preview{}, err
	}
	cutoff, err := e.cutoff(s, runDate)
	if err != nil {
		return Preview{}, err
	}
	scopes, err := s.Eligible(ctx, scope, cutoff)
	if err != nil {
		return Preview{}, fmt.Errorf("count eligible: %w", err)
	}
	p := Preview{
		JobType:       s.JobType(),
		EventKey:      scope,
		RunDate:       runDate,
		CutoffDate:    cutoff.Format(models.DateLayout),
		RetentionDays: s.RetentionDays(),
		Scopes:        scopes,
	}
	for _, el := range scopes {
		p.EligibleSuccess += el.Success
		p.EligibleFailure += el.Failure
	}
	p.EligibleTotal = p.EligibleSuccess + p.EligibleFailure
	return p, nil
}

// Preview counts what a run for today would delete without recording anything.
func (e *Engine) Preview(ctx context.Context, jobType models.JobType, eventKey string) (Preview, error) {
	s, err := e.strategy(jobType)
	if err != nil {
		return Preview{}, err
	}
	return e.preview(ctx, s, eventKey, e.Today())
}

// Snapshot counts eligible rows for runDate and stores them on the day record.
func (e *Engine) Snapshot(ctx context.Context, jobType models.JobType, eventKey, runDate string) (models.HousekeepingDaily, error) {
	s, err := e.strategy(jobType)
	if err != nil {
		return models.HousekeepingDaily{}, err
	}
	p, err := e.preview(ctx, s, eventKey, runDate)
	if err != nil {
		return models.HousekeepingDaily{}, err
	}
	daily := models.HousekeepingDaily{
		JobType:         p.JobType,
		EventKey:        p.EventKey,
		RunDate:         p.RunDate,
		CutoffDate:      p.CutoffDate,
		RetentionDays:   p.RetentionDays,
		EligibleSuccess: p.EligibleSuccess,
		EligibleFailure: p.EligibleFailure,
		EligibleTotal:   p.EligibleTotal,
		SnapshotAt:      e.now().UTC(),
	}
	if err := e.store.UpsertDailySnapshot(ctx, daily); err != nil {
		return models.HousekeepingDaily{}, err
	}
	for _, el := range p.Scopes {
		telemetry.HousekeepingEligible.WithLabelValues(string(p.JobType), el.EventKey).Set(float64(el.Total))
	}
	return daily, nil
}

// RunNow refreshes the snapshot and performs one attempt for the scope and
// run date. A failed deletion is recorded on the returned run rather than
// returned as an error.
func (e *Engine) RunNow(ctx context.Context, jobType models.JobType, eventKey, trigger, runDate string) (models.HousekeepingRun, error) {
	s, err := e.strategy(jobType)
	if err != nil {
		return models.HousekeepingRun{}, err
	}
	scope, err := s.Scope(eventKey)
	if err != nil {
		return models.HousekeepingRun{}, err
	}
	if trigger == "" {
		trigger = models.TriggerManual
	}
	log := e.logger.With("job_type", jobType, "event_key", scope, "run_date", runDate, "trigger", trigger)

	if e.locker != nil {
		lease, err := e.locker.Acquire(ctx, fmt.Sprintf("%s:%s:%s", jobType, scope, runDate))
		if errors.Is(err, lock.ErrHeld) {
			return models.HousekeepingRun{}, fmt.Errorf("%w: %v", ErrRunInProgress, err)
		}
		if err != nil {
			return models.HousekeepingRun{}, err
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				log.Warn("release scope lock", "err", err)
			}
		}()
	}

	daily, err := e.Snapshot(ctx, jobType, scope, runDate)
	if err != nil {
		return models.HousekeepingRun{}, err
	}
	cutoff, err := e.cutoff(s, runDate)
	if err != nil {
		return models.HousekeepingRun{}, err
	}

	started := e.now().UTC()
	params := store.StartRunParams{
		JobType:     jobType,
		EventKey:    scope,
		TriggerType: trigger,
		RunDate:     runDate,
		CutoffDate:  daily.CutoffDate,
		StartedAt:   started,
	}
	if e.staleAfter > 0 {
		params.StaleBefore = started.Add(-e.staleAfter)
	}
	run, err := e.store.StartRun(ctx, params)
	if err != nil {
		return models.HousekeepingRun{}, err
	}
	log = log.With("run_id", run.ID, "attempt", run.Attempt)
	log.Info("housekeeping run started", "cutoff", daily.CutoffDate, "eligible", daily.EligibleTotal)

	// The attempt is recorded to completion even if the caller goes away.
	runCtx := context.WithoutCancel(ctx)
	items, purgeErr := s.Purge(runCtx, PurgeRequest{
		RunID:     run.ID,
		RunDate:   runDate,
		EventKey:  scope,
		Cutoff:    cutoff,
		BatchSize: e.batchSize,
		Now:       started,
	})

	completed := e.now().UTC()
	duration := completed.Sub(started).Milliseconds()
	run.CompletedAt = &completed
	run.DurationMs = &duration
	run.Items = items
	for _, it := range items {
		run.DeletedSuccess += it.DeletedSuccess
		run.DeletedFailure += it.DeletedFailure
		telemetry.HousekeepingDeleted.WithLabelValues(string(jobType), it.EventKey).Add(float64(it.DeletedTotal))
	}
	run.DeletedTotal = run.DeletedSuccess + run.DeletedFailure
	run.Status = models.RunCompleted
	if purgeErr != nil {
		msg := purgeErr.Error()
		run.Status = models.RunFailed
		run.ErrorMessage = &msg
	}

	if err := e.store.FinishRun(runCtx, run); err != nil {
		log.Error("record housekeeping run", "err", err)
		return run, fmt.Errorf("finish run: %w", err)
	}
	telemetry.HousekeepingRuns.WithLabelValues(string(jobType), trigger, run.Status).Inc()
	if purgeErr != nil {
		log.Error("housekeeping run failed", "deleted", run.DeletedTotal, "err", purgeErr)
	} else {
		log.Info("housekeeping run completed", "deleted", run.DeletedTotal, "duration_ms", duration)
	}
	return run, nil
}

// ShouldRun reports whether a scheduled tick should start an attempt: no
// attempt yet today, the last one failed, or rows are still eligible.
func ShouldRun(d models.HousekeepingDaily) bool {
	if d.LastAttempt == nil || d.LastStatus == nil {
		return true
	}
	return *d.LastStatus == models.RunFailed || d.EligibleTotal > 0
}

// RunScheduled refreshes the day record and starts an attempt when ShouldRun allows it.
func (e *Engine) RunScheduled(ctx context.Context, jobType models.JobType, runDate string) (*models.HousekeepingRun, error) {
	if _, err := e.Snapshot(ctx, jobType, models.ScopeAll, runDate); err != nil {
		return nil, err
	}
	daily, err := e.store.GetDaily(ctx, jobType, models.ScopeAll, runDate)
	if err != nil {
		return nil, err
	}
	if !ShouldRun(daily) {
		e.logger.Debug("scheduled housekeeping skipped", "job_type", jobType, "run_date", runDate)
		return nil, nil
	}
	run, err := e.RunNow(ctx, jobType, models.ScopeAll, models.TriggerScheduled, runDate)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// JobTypes lists the registered job types in canonical order.
func (e *Engine) JobTypes() []models.JobType {
	out := make([]models.JobType, 0, len(e.strategies))
	for _, jt := range models.JobTypes {
		if _, ok := e.strategies[jt]; ok {
			out = append(out, jt)
		}
	}
	return out
}
