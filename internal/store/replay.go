package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"event-replay-service/internal/models"
)

const replayJobColumns = `id, event_key, day, selection_type, filters_json, snapshot_at, requested_by, reason,
	total_requested, status, succeeded_count, failed_count, queued_count, created_at, completed_at`

const replayItemColumns = `job_id, record_id, event_key, status, attempt_count, last_attempt_at, last_error, emitted_id,
	trace_id, message_key, account_number, exception_type, event_datetime, source_payload`

// CreateReplayJob inserts the job row and all of its items in one transaction.
func (s *Store) CreateReplayJob(ctx context.Context, job models.ReplayJob, items []models.ReplayItem) error {
	day, err := parseDate(job.Day)
	if err != nil {
		return err
	}
	var filters []byte
	if job.Filters != nil {
		if filters, err = json.Marshal(job.Filters); err != nil {
			return fmt.Errorf("marshal filters: %w", err)
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO replay_job (id, event_key, day, selection_type, filters_json, snapshot_at, requested_by, reason,
			total_requested, status, succeeded_count, failed_count, queued_count, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, job.ID, job.EventKey, day, job.SelectionType, jsonArg(filters), job.SnapshotAt, job.RequestedBy, emptyToNil(job.Reason),
		job.TotalRequested, job.Status, job.SucceededCount, job.FailedCount, job.QueuedCount, job.CreatedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert replay job: %w", err)
	}

	if len(items) > 0 {
		batch := &pgx.Batch{}
		for i, it := range items {
			batch.Queue(`
				INSERT INTO replay_item (job_id, record_id, seq, event_key, status, attempt_count, last_attempt_at, last_error,
					emitted_id, trace_id, message_key, account_number, exception_type, event_datetime, source_payload)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15::jsonb)
			`, job.ID, it.RecordID, i, it.EventKey, it.Status, it.AttemptCount, it.LastAttemptAt, it.LastError,
				it.EmittedID, emptyToNil(it.TraceID), emptyToNil(it.MessageKey), emptyToNil(it.AccountNumber),
				emptyToNil(it.ExceptionType), it.EventDatetime, jsonArg(it.SourcePayload))
		}
		br := tx.SendBatch(ctx, batch)
		for range items {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("insert replay item: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("insert replay items: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// UpdateReplayItem records an attempt outcome. Items already REPLAYED or
// NOT_FOUND are left untouched; the returned flag reports whether a row changed.
func (s *Store) UpdateReplayItem(ctx context.Context, item models.ReplayItem) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE replay_item
		SET status = $3, attempt_count = GREATEST(attempt_count, $4), last_attempt_at = $5, last_error = $6, emitted_id = $7
		WHERE job_id = $1 AND record_id = $2 AND status NOT IN ('REPLAYED', 'NOT_FOUND')
	`, item.JobID, item.RecordID, item.Status, item.AttemptCount, item.LastAttemptAt, item.LastError, item.EmittedID)
	if err != nil {
		return false, fmt.Errorf("update replay item: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FinishReplayJob fails any item still QUEUED, recounts the job from its
// items, sets its terminal status and completion time, and returns the
// updated row.
func (s *Store) FinishReplayJob(ctx context.Context, jobID string, completedAt time.Time) (models.ReplayJob, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.ReplayJob{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	job, err := finishReplayJob(ctx, tx, jobID, completedAt, models.UnrecordedOutcome)
	if err != nil {
		return models.ReplayJob{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.ReplayJob{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// ExpireStaleReplayJobs finishes RUNNING jobs created before staleBefore,
// failing their unfinished items, and returns how many jobs it closed.
func (s *Store) ExpireStaleReplayJobs(ctx context.Context, staleBefore, now time.Time) (int64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	rows, err := tx.Query(ctx, `
		SELECT id FROM replay_job WHERE status = 'RUNNING' AND created_at < $1
		ORDER BY created_at FOR UPDATE SKIP LOCKED
	`, staleBefore)
	if err != nil {
		return 0, fmt.Errorf("select stale replay jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, fmt.Errorf("collect stale replay jobs: %w", err)
	}
	for _, id := range ids {
		job, err := finishReplayJob(ctx, tx, id, now, models.AbandonedOutcome)
		if err != nil {
			return 0, err
		}
		s.logger.Warn("expired stale replay job", "replay_id", id, "status", job.Status, "created_at", job.CreatedAt)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return int64(len(ids)), nil
}

func finishReplayJob(ctx context.Context, tx pgx.Tx, jobID string, completedAt time.Time, unrecorded string) (models.ReplayJob, error) {
	if _, err := tx.Exec(ctx, `
		UPDATE replay_item SET status = 'FAILED', last_error = COALESCE(last_error, $2)
		WHERE job_id = $1 AND status = 'QUEUED'
	`, jobID, unrecorded); err != nil {
		return models.ReplayJob{}, fmt.Errorf("fail queued items: %w", err)
	}

	var succeeded, failed, queued, total int
	if err := tx.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'REPLAYED'),
			COUNT(*) FILTER (WHERE status IN ('FAILED', 'NOT_FOUND')),
			COUNT(*) FILTER (WHERE status = 'QUEUED'),
			COUNT(*)
		FROM replay_item WHERE job_id = $1
	`, jobID).Scan(&succeeded, &failed, &queued, &total); err != nil {
		return models.ReplayJob{}, fmt.Errorf("count replay items: %w", err)
	}

	row := tx.QueryRow(ctx, `
		UPDATE replay_job
		SET status = $2, succeeded_count = $3, failed_count = $4, queued_count = $5, total_requested = $6, completed_at = $7
		WHERE id = $1
		RETURNING `+replayJobColumns,
		jobID, models.FinalStatus(succeeded, failed, queued), succeeded, failed, queued, total, completedAt)
	return scanReplayJob(row)
}

// GetReplayJob fetches a job by id.
func (s *Store) GetReplayJob(ctx context.Context, id string) (models.ReplayJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+replayJobColumns+` FROM replay_job WHERE id = $1`, id)
	return scanReplayJob(row)
}

// ListReplayItems returns a job's items in enumeration order.
func (s *Store) ListReplayItems(ctx context.Context, jobID string) ([]models.ReplayItem, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+replayItemColumns+` FROM replay_item WHERE job_id = $1 ORDER BY seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query replay items: %w", err)
	}
	defer rows.Close()

	items := []models.ReplayItem{}
	for rows.Next() {
		var (
			it                                       models.ReplayItem
			lastAttempt, eventDT                     pgtype.Timestamptz
			lastErr, emitted, trace, msgKey, account pgtype.Text
			excType                                  pgtype.Text
			payload                                  []byte
		)
		if err := rows.Scan(&it.JobID, &it.RecordID, &it.EventKey, &it.Status, &it.AttemptCount, &lastAttempt, &lastErr, &emitted,
			&trace, &msgKey, &account, &excType, &eventDT, &payload); err != nil {
			return nil, fmt.Errorf("scan replay item: %w", err)
		}
		it.LastAttemptAt = timePtr(lastAttempt)
		it.LastError = textPtr(lastErr)
		it.EmittedID = textPtr(emitted)
		it.TraceID = trace.String
		it.MessageKey = msgKey.String
		it.AccountNumber = account.String
		it.ExceptionType = excType.String
		it.EventDatetime = timePtr(eventDT)
		if len(payload) > 0 {
			it.SourcePayload = json.RawMessage(payload)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ReplayJobQuery filters and pages the job list.
type ReplayJobQuery struct {
	Page        int
	Size        int
	Search      string
	Status      string
	EventKey    string
	RequestedBy string
}

// ReplayStats summarises the jobs matched by a query.
type ReplayStats struct {
	Jobs      int64 `json:"jobs"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Partial   int64 `json:"partial"`
	Failed    int64 `json:"failed"`
	Requested int64 `json:"requested"`
	Replayed  int64 `json:"replayed"`
	Errored   int64 `json:"errored"`
}

// ReplayJobPage is one page of jobs plus the dashboard's facet lists.
type ReplayJobPage struct {
	Jobs      []models.ReplayJob
	Total     int64
	Stats     ReplayStats
	Operators []string
	EventKeys []string
}

// ListReplayJobs returns the newest jobs first.
func (s *Store) ListReplayJobs(ctx context.Context, q ReplayJobQuery) (ReplayJobPage, error) {
	where, args := replayJobWhere(q)
	page := ReplayJobPage{Jobs: []models.ReplayJob{}}

	if err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'RUNNING'),
			COUNT(*) FILTER (WHERE status = 'COMPLETED'),
			COUNT(*) FILTER (WHERE status = 'PARTIAL'),
			COUNT(*) FILTER (WHERE status = 'FAILED'),
			COALESCE(SUM(total_requested), 0),
			COALESCE(SUM(succeeded_count), 0),
			COALESCE(SUM(failed_count), 0)
		FROM replay_job`+where, args...).Scan(
		&page.Stats.Jobs, &page.Stats.Running, &page.Stats.Completed, &page.Stats.Partial, &page.Stats.Failed,
		&page.Stats.Requested, &page.Stats.Replayed, &page.Stats.Errored); err != nil {
		return page, fmt.Errorf("count replay jobs: %w", err)
	}
	page.Total = page.Stats.Jobs

	limitArgs := append(args, q.Size, q.Page*q.Size)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM replay_job%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		replayJobColumns, where, len(args)+1, len(args)+2), limitArgs...)
	if err != nil {
		return page, fmt.Errorf("query replay jobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		job, err := scanReplayJob(rows)
		if err != nil {
			return page, err
		}
		page.Jobs = append(page.Jobs, job)
	}
	if err := rows.Err(); err != nil {
		return page, fmt.Errorf("read replay jobs: %w", err)
	}

	if page.Operators, err = s.distinct(ctx, "requested_by"); err != nil {
		return page, err
	}
	if page.EventKeys, err = s.distinct(ctx, "event_key"); err != nil {
		return page, err
	}
	return page, nil
}

func (s *Store) distinct(ctx context.Context, column string) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT DISTINCT %s FROM replay_job ORDER BY 1`, pgx.Identifier{column}.Sanitize()))
	if err != nil {
		return nil, fmt.Errorf("distinct %s: %w", column, err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect %s: %w", column, err)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func replayJobWhere(q ReplayJobQuery) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(expr string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}
	if q.Status != "" {
		add("status = $%d", strings.ToUpper(q.Status))
	}
	if q.EventKey != "" {
		add("event_key = $%d", q.EventKey)
	}
	if q.RequestedBy != "" {
		add("requested_by = $%d", q.RequestedBy)
	}
	if s := strings.TrimSpace(q.Search); s != "" {
		add("(id ILIKE $%[1]d OR event_key ILIKE $%[1]d OR requested_by ILIKE $%[1]d OR COALESCE(reason, '') ILIKE $%[1]d)", "%"+s+"%")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanReplayJob(row pgx.Row) (models.ReplayJob, error) {
	var (
		job                 models.ReplayJob
		day                 time.Time
		filters             []byte
		snapshot, completed pgtype.Timestamptz
		reason              pgtype.Text
	)
	if err := row.Scan(&job.ID, &job.EventKey, &day, &job.SelectionType, &filters, &snapshot, &job.RequestedBy, &reason,
		&job.TotalRequested, &job.Status, &job.SucceededCount, &job.FailedCount, &job.QueuedCount, &job.CreatedAt, &completed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ReplayJob{}, fmt.Errorf("replay job: %w", ErrNotFound)
		}
		return models.ReplayJob{}, fmt.Errorf("scan replay job: %w", err)
	}
	f, err := models.ParseFilterSpec(filters)
	if err != nil {
		return models.ReplayJob{}, err
	}
	job.Day = formatDate(day)
	job.Filters = f
	job.SnapshotAt = timePtr(snapshot)
	job.Reason = reason.String
	job.CompletedAt = timePtr(completed)
	return job, nil
}

func jsonArg(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
