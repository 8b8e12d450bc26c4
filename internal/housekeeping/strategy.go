package housekeeping

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"event-replay-service/internal/events"
	"event-replay-service/internal/models"
)

// PurgeRequest scopes one deletion pass.
type PurgeRequest struct {
	RunID     string
	RunDate   string
	EventKey  string
	Cutoff    time.Time
	BatchSize int
	// Now is the attempt's start time.
	Now       time.Time
}

// Strategy is one job type's eligibility and deletion rules. The engine owns
// run, attempt and day bookkeeping around it.
type Strategy interface {
	JobType() models.JobType
	RetentionDays() int
	// Scope normalizes the requested event key for this job type.
	Scope(eventKey string) (string, error)
	Eligible(ctx context.Context, scope string, cutoff time.Time) ([]models.Eligibility, error)
	// Purge deletes in bounded batches. Items reflect committed batches even when err is set.
	Purge(ctx context.Context, req PurgeRequest) ([]models.HousekeepingRunItem, error)
}

// Gateway is the slice of the event table gateway retention needs.
type Gateway interface {
	Resolve(eventKey string) (events.Table, error)
	EventKeys() []string
	CountOlderThan(ctx context.Context, t events.Table, cutoff time.Time) (int64, int64, error)
	PurgeBatch(ctx context.Context, table string, cutoff time.Time, limit int, archive events.ArchiveFunc) (int64, error)
}

// ArchiveFactory builds the archive hook for one event key within a run.
type ArchiveFactory func(eventKey, runDate, runID string) events.ArchiveFunc

type retention struct {
	gateway     Gateway
	days        int
	parallelism int
	archive     ArchiveFactory
}

// NewRetention deletes aged success and failure rows from the per-event tables.
func NewRetention(gw Gateway, days, parallelism int, archive ArchiveFactory) Strategy {
	if parallelism <= 0 {
		parallelism = 1
	}
	return &retention{gateway: gw, days: days, parallelism: parallelism, archive: archive}
}

func (r *retention) JobType() models.JobType { return models.JobTypeRetention }
func (r *retention) RetentionDays() int      { return r.days }

// Scope returns the registry's canonical key so every spelling of one event
// key shares a day record, attempt sequence and lock.
func (r *retention) Scope(eventKey string) (string, error) {
	eventKey = strings.TrimSpace(eventKey)
	if eventKey == "" || strings.EqualFold(eventKey, models.ScopeAll) {
		return models.ScopeAll, nil
	}
	t, err := r.gateway.Resolve(eventKey)
	if err != nil {
		return "", err
	}
	return t.EventKey, nil
}

func (r *retention) tables(scope string) ([]events.Table, error) {
	keys := []string{scope}
	if scope == models.ScopeAll {
		keys = r.gateway.EventKeys()
	}
	out := make([]events.Table, 0, len(keys))
	for _, k := range keys {
		t, err := r.gateway.Resolve(k)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *retention) Eligible(ctx context.Context, scope string, cutoff time.Time) ([]models.Eligibility, error) {
	tables, err := r.tables(scope)
	if err != nil {
		return nil, err
	}
	out := make([]models.Eligibility, 0, len(tables))
	for _, t := range tables {
		success, failure, err := r.gateway.CountOlderThan(ctx, t, cutoff)
		if err != nil {
			return nil, err
		}
		out = append(out, models.Eligibility{EventKey: t.EventKey, Success: success, Failure: failure, Total: success + failure})
	}
	return out, nil
}

func (r *retention) Purge(ctx context.Context, req PurgeRequest) ([]models.HousekeepingRunItem, error) {
	tables, err := r.tables(req.EventKey)
	if err != nil {
		return nil, err
	}

	var (
		mu    sync.Mutex
		items []models.HousekeepingRunItem
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for _, t := range tables {
		t := t
		g.Go(func() error {
			item := models.HousekeepingRunItem{RunID: req.RunID, EventKey: t.EventKey}
			var archive events.ArchiveFunc
			if r.archive != nil {
				archive = r.archive(t.EventKey, req.RunDate, req.RunID)
			}
			success, err := drain(gctx, func(ctx context.Context) (int64, error) {
				return r.gateway.PurgeBatch(ctx, t.Success, req.Cutoff, req.BatchSize, archive)
			}, req.BatchSize)
			item.DeletedSuccess = success
			var failure int64
			if err == nil {
				failure, err = drain(gctx, func(ctx context.Context) (int64, error) {
					return r.gateway.PurgeBatch(ctx, t.Failure, req.Cutoff, req.BatchSize, archive)
				}, req.BatchSize)
			}
			item.DeletedFailure = failure
			item.DeletedTotal = item.DeletedSuccess + item.DeletedFailure

			mu.Lock()
			items = append(items, item)
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("%s: %w", t.EventKey, err)
			}
			return nil
		})
	}
	err = g.Wait()
	sort.Slice(items, func(i, j int) bool { return items[i].EventKey < items[j].EventKey })
	return items, err
}

// drain repeats batch until it deletes fewer than limit rows.
func drain(ctx context.Context, batch func(context.Context) (int64, error), limit int) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := batch(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n < int64(limit) {
			return total, nil
		}
	}
}

// AuditStore is the slice of the audit store the audit strategies need.
type AuditStore interface {
	CountReplayAudit(ctx context.Context, cutoff time.Time) (int64, int64, error)
	PurgeReplayAuditBatch(ctx context.Context, cutoff time.Time, limit int) (int64, int64, error)
	CountHousekeepingAudit(ctx context.Context, cutoff time.Time) (int64, int64, error)
	PurgeHousekeepingAuditBatch(ctx context.Context, cutoff time.Time, limit int) (int64, int64, error)
	ExpireStaleReplayJobs(ctx context.Context, staleBefore, now time.Time) (int64, error)
}

type audit struct {
	jobType models.JobType
	days    int
	count   func(ctx context.Context, cutoff time.Time) (int64, int64, error)
	purge   func(ctx context.Context, cutoff time.Time, limit int) (int64, int64, error)
	// prepare runs once before the first purge batch.
	prepare func(ctx context.Context, now time.Time) error
}

// NewReplayAudit deletes finished replay jobs and their items. Jobs still
// RUNNING staleAfter past creation are closed first so they age out too.
func NewReplayAudit(st AuditStore, days int, staleAfter time.Duration) Strategy {
	a := &audit{jobType: models.JobTypeReplayAudit, days: days, count: st.CountReplayAudit, purge: st.PurgeReplayAuditBatch}
	if staleAfter > 0 {
		a.prepare = func(ctx context.Context, now time.Time) error {
			if _, err := st.ExpireStaleReplayJobs(ctx, now.Add(-staleAfter), now); err != nil {
				return fmt.Errorf("expire stale replay jobs: %w", err)
			}
			return nil
		}
	}
	return a
}

// NewHousekeepingAudit deletes old housekeeping runs, their items and day records.
func NewHousekeepingAudit(st AuditStore, days int) Strategy {
	return &audit{jobType: models.JobTypeHousekeepingAudit, days: days, count: st.CountHousekeepingAudit, purge: st.PurgeHousekeepingAuditBatch}
}

func (a *audit) JobType() models.JobType { return a.jobType }
func (a *audit) RetentionDays() int      { return a.days }

// Scope is always ALL; audit tables are not split by event key.
func (a *audit) Scope(string) (string, error) { return models.ScopeAll, nil }

func (a *audit) Eligible(ctx context.Context, _ string, cutoff time.Time) ([]models.Eligibility, error) {
	success, failure, err := a.count(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	return []models.Eligibility{{EventKey: models.ScopeAll, Success: success, Failure: failure, Total: success + failure}}, nil
}

func (a *audit) Purge(ctx context.Context, req PurgeRequest) ([]models.HousekeepingRunItem, error) {
	item := models.HousekeepingRunItem{RunID: req.RunID, EventKey: models.ScopeAll}
	if a.prepare != nil && !req.Now.IsZero() {
		if err := a.prepare(ctx, req.Now); err != nil {
			return []models.HousekeepingRunItem{item}, err
		}
	}
	var err error
	for {
		if err = ctx.Err(); err != nil {
			break
		}
		var success, failure int64
		success, failure, err = a.purge(ctx, req.Cutoff, req.BatchSize)
		item.DeletedSuccess += success
		item.DeletedFailure += failure
		if err != nil || success+failure == 0 {
			break
		}
	}
	item.DeletedTotal = item.DeletedSuccess + item.DeletedFailure
	return []models.HousekeepingRunItem{item}, err
}
