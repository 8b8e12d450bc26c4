package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"event-replay-service/internal/config"
	"event-replay-service/internal/events"
	"event-replay-service/internal/models"
	"event-replay-service/internal/telemetry"
)

var (
	// ErrInvalidSelection is returned for malformed submissions.
	ErrInvalidSelection = errors.New("replay: invalid selection")
	// ErrSelectionTooLarge is returned when a selection exceeds the configured caps.
	ErrSelectionTooLarge = errors.New("replay: selection too large")
	// ErrEndpointTimeout marks items whose downstream call ran out of time.
	ErrEndpointTimeout = errors.New("replay endpoint timed out")
)

// Store persists replay jobs and items.
type Store interface {
	CreateReplayJob(ctx context.Context, job models.ReplayJob, items []models.ReplayItem) error
	UpdateReplayItem(ctx context.Context, item models.ReplayItem) (bool, error)
	FinishReplayJob(ctx context.Context, jobID string, completedAt time.Time) (models.ReplayJob, error)
}

// Gateway reads failure rows.
type Gateway interface {
	Resolve(eventKey string) (events.Table, error)
	FetchFailures(ctx context.Context, t events.Table, ids []int64) ([]events.Record, error)
	SelectFailures(ctx context.Context, t events.Table, day time.Time, f models.FilterSpec, snapshotAt time.Time, limit int) ([]events.Record, error)
}

// Selection is an operator's replay request.
type Selection struct {
	Mode        string
	EventKey    string
	Day         string
	IDs         []int64
	Filters     *models.FilterSpec
	RequestedBy string
	Reason      string
}

// Coordinator turns selections into replay jobs and drives them to a terminal state.
type Coordinator struct {
	store    Store
	gateway  Gateway
	endpoint Endpoint
	logger   *slog.Logger

	batchSize      int
	maxIDs         int
	filterLimit    int
	maxAttempts    int
	timeout        time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
	newID func() string
}

// NewCoordinator applies the replay limits from cfg, substituting defaults for
// unset values.
func NewCoordinator(cfg config.Config, st Store, gw Gateway, ep Endpoint, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		store:          st,
		gateway:        gw,
		endpoint:       ep,
		logger:         logger.With("component", "replay"),
		batchSize:      positive(cfg.ReplayBatchSize, 50),
		maxIDs:         positive(cfg.ReplayMaxIDs, 50),
		filterLimit:    positive(cfg.ReplayFilterLimit, 10000),
		maxAttempts:    positive(cfg.ReplayMaxAttempts, 1),
		timeout:        cfg.ReplayEndpointTimeout,
		backoffInitial: cfg.ReplayBackoffInitial,
		backoffMax:     cfg.ReplayBackoffMax,
		now:            func() time.Time { return time.Now().UTC() },
		sleep:          sleepCtx,
		newID:          uuid.NewString,
	}
	if c.timeout <= 0 {
		c.timeout = 15 * time.Second
	}
	return c
}

// Submit validates the selection, persists the job with its items and drives
// every item through the replay endpoint before returning the final job.
func (c *Coordinator) Submit(ctx context.Context, sel Selection) (models.ReplayJob, error) {
	day, err := c.validate(&sel)
	if err != nil {
		return models.ReplayJob{}, err
	}
	table, err := c.gateway.Resolve(sel.EventKey)
	if err != nil {
		return models.ReplayJob{}, err
	}
	sel.EventKey = table.EventKey

	now := c.now()
	job := models.ReplayJob{
		ID:            c.newID(),
		EventKey:      sel.EventKey,
		Day:           sel.Day,
		SelectionType: sel.Mode,
		RequestedBy:   sel.RequestedBy,
		Reason:        sel.Reason,
		Status:        models.JobRunning,
		CreatedAt:     now,
	}

	var items []models.ReplayItem
	switch sel.Mode {
	case models.SelectionIDs:
		items, err = c.selectByIDs(ctx, job.ID, table, sel.IDs)
	case models.SelectionFilters:
		job.Filters = sel.Filters
		job.SnapshotAt = &now
		items, err = c.selectByFilters(ctx, job.ID, table, day, *sel.Filters, now)
	}
	if err != nil {
		return models.ReplayJob{}, err
	}

	job.TotalRequested = len(items)
	job.SucceededCount, job.FailedCount, job.QueuedCount = models.Counts(items)
	if len(items) == 0 {
		job.Status = models.JobCompleted
		job.CompletedAt = &now
	}
	if err := c.store.CreateReplayJob(ctx, job, items); err != nil {
		return models.ReplayJob{}, fmt.Errorf("create replay job: %w", err)
	}
	log := c.logger.With("replay_id", job.ID, "event_key", job.EventKey, "day", job.Day, "mode", job.SelectionType)
	log.Info("replay job created", "total", job.TotalRequested, "requested_by", job.RequestedBy)
	if len(items) == 0 {
		telemetry.ReplayJobs.WithLabelValues(job.Status).Inc()
		return job, nil
	}

	// Once persisted the job runs to completion even if the caller goes away.
	runCtx := context.WithoutCancel(ctx)
	c.drive(runCtx, log, job, items)

	final, err := c.store.FinishReplayJob(runCtx, job.ID, c.now())
	if err != nil {
		log.Error("finish replay job", "err", err)
		return job, fmt.Errorf("finish replay job: %w", err)
	}
	telemetry.ReplayJobs.WithLabelValues(final.Status).Inc()
	log.Info("replay job finished", "status", final.Status, "succeeded", final.SucceededCount, "failed", final.FailedCount)
	return final, nil
}

func (c *Coordinator) validate(sel *Selection) (time.Time, error) {
	if sel.EventKey == "" {
		return time.Time{}, fmt.Errorf("%w: eventKey is required", ErrInvalidSelection)
	}
	day, err := time.Parse(models.DateLayout, sel.Day)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: day must be YYYY-MM-DD", ErrInvalidSelection)
	}
	if sel.RequestedBy == "" {
		sel.RequestedBy = "anonymous"
	}
	switch sel.Mode {
	case models.SelectionIDs:
		sel.IDs = dedupe(sel.IDs)
		if len(sel.IDs) == 0 {
			return time.Time{}, fmt.Errorf("%w: ids are required", ErrInvalidSelection)
		}
		for _, id := range sel.IDs {
			if id <= 0 {
				return time.Time{}, fmt.Errorf("%w: invalid id %d", ErrInvalidSelection, id)
			}
		}
		if len(sel.IDs) > c.maxIDs {
			return time.Time{}, fmt.Errorf("%w: %d ids exceeds limit of %d", ErrSelectionTooLarge, len(sel.IDs), c.maxIDs)
		}
	case models.SelectionFilters:
		f := models.FilterSpec{}
		if sel.Filters != nil {
			f = *sel.Filters
		}
		f = f.Normalize()
		if err := f.Validate(); err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidSelection, err)
		}
		sel.Filters = &f
	default:
		return time.Time{}, fmt.Errorf("%w: unknown mode %q", ErrInvalidSelection, sel.Mode)
	}
	return day, nil
}

func (c *Coordinator) selectByIDs(ctx context.Context, jobID string, table events.Table, ids []int64) ([]models.ReplayItem, error) {
	records, err := c.gateway.FetchFailures(ctx, table, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch failures: %w", err)
	}
	byID := make(map[int64]events.Record, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}
	items := make([]models.ReplayItem, 0, len(ids))
	for _, id := range ids {
		r, ok := byID[id]
		if !ok {
			msg := fmt.Sprintf("record %d not found in %s", id, table.Failure)
			items = append(items, models.ReplayItem{
				JobID:     jobID,
				RecordID:  id,
				EventKey:  table.EventKey,
				Status:    models.ItemNotFound,
				LastError: &msg,
			})
			continue
		}
		items = append(items, newItem(jobID, table.EventKey, r))
	}
	return items, nil
}

func (c *Coordinator) selectByFilters(ctx context.Context, jobID string, table events.Table, day time.Time, f models.FilterSpec, snapshotAt time.Time) ([]models.ReplayItem, error) {
	records, err := c.gateway.SelectFailures(ctx, table, day, f, snapshotAt, c.filterLimit+1)
	if err != nil {
		return nil, fmt.Errorf("select failures: %w", err)
	}
	if len(records) > c.filterLimit {
		return nil, fmt.Errorf("%w: filters match more than %d records", ErrSelectionTooLarge, c.filterLimit)
	}
	items := make([]models.ReplayItem, 0, len(records))
	for _, r := range records {
		items = append(items, newItem(jobID, table.EventKey, r))
	}
	return items, nil
}

func newItem(jobID, eventKey string, r events.Record) models.ReplayItem {
	dt := r.EventDatetime
	return models.ReplayItem{
		JobID:         jobID,
		RecordID:      r.ID,
		EventKey:      eventKey,
		Status:        models.ItemQueued,
		TraceID:       r.TraceID,
		MessageKey:    r.MessageKey,
		AccountNumber: r.AccountNumber,
		ExceptionType: r.ExceptionType,
		EventDatetime: &dt,
		SourcePayload: r.Payload,
	}
}

// drive sends queued items in batches, then retries FAILED items up to maxAttempts.
func (c *Coordinator) drive(ctx context.Context, log *slog.Logger, job models.ReplayJob, items []models.ReplayItem) {
	pending := make([]*models.ReplayItem, 0, len(items))
	for i := range items {
		if items[i].Status == models.ItemQueued {
			pending = append(pending, &items[i])
		}
	}
	for attempt := 1; attempt <= c.maxAttempts && len(pending) > 0; attempt++ {
		if attempt > 1 {
			wait := backoffWithJitter(c.backoffInitial, c.backoffMax, attempt-1)
			log.Info("retrying failed items", "attempt", attempt, "items", len(pending), "backoff", wait)
			c.sleep(ctx, wait)
		}
		for start := 0; start < len(pending); start += c.batchSize {
			end := start + c.batchSize
			if end > len(pending) {
				end = len(pending)
			}
			c.sendBatch(ctx, log, job, pending[start:end])
		}
		retry := pending[:0]
		for _, it := range pending {
			if it.Status == models.ItemFailed {
				retry = append(retry, it)
			}
		}
		pending = retry
	}
}

func (c *Coordinator) sendBatch(ctx context.Context, log *slog.Logger, job models.ReplayJob, batch []*models.ReplayItem) {
	ids := make([]int64, len(batch))
	for i, it := range batch {
		ids[i] = it.RecordID
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	results, err := c.endpoint.Replay(callCtx, Request{EventKey: job.EventKey, Day: job.Day, RecordIDs: ids})
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()

	at := c.now()
	byID := make(map[int64]Result, len(results))
	for _, r := range results {
		byID[r.RecordID] = r
	}
	for _, it := range batch {
		it.AttemptCount++
		it.LastAttemptAt = &at
		switch {
		case err != nil && (timedOut || errors.Is(err, context.DeadlineExceeded)):
			setFailed(it, ErrEndpointTimeout.Error())
		case err != nil:
			setFailed(it, err.Error())
		default:
			applyResult(it, byID)
		}
		telemetry.ReplayItems.WithLabelValues(job.EventKey, it.Status).Inc()
		if _, uerr := c.store.UpdateReplayItem(ctx, *it); uerr != nil {
			log.Error("update replay item", "record_id", it.RecordID, "err", uerr)
		}
	}
	if err != nil {
		log.Warn("replay batch failed", "records", len(batch), "err", err)
	}
}

func applyResult(it *models.ReplayItem, byID map[int64]Result) {
	r, ok := byID[it.RecordID]
	if !ok {
		setFailed(it, "no result returned for record")
		return
	}
	switch r.Status {
	case ResultReplayed:
		it.Status = models.ItemReplayed
		it.LastError = nil
		if r.EmittedID != "" {
			emitted := r.EmittedID
			it.EmittedID = &emitted
		}
	case ResultNotFound:
		it.Status = models.ItemNotFound
		msg := r.Error
		if msg == "" {
			msg = "record not found"
		}
		it.LastError = &msg
	default:
		msg := r.Error
		if msg == "" {
			msg = "replay failed"
		}
		setFailed(it, msg)
	}
}

func setFailed(it *models.ReplayItem, msg string) {
	it.Status = models.ItemFailed
	it.LastError = &msg
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func positive(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
