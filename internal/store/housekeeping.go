package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"event-replay-service/internal/models"
)

const runColumns = `id, job_type, event_key, trigger_type, status, cutoff_date, run_date, attempt, started_at,
	completed_at, duration_ms, deleted_success, deleted_failure, deleted_total, error_message`

const dailyColumns = `job_type, event_key, run_date, cutoff_date, retention_days, eligible_success, eligible_failure,
	eligible_total, snapshot_at, last_status, last_run_id, last_attempt, last_started_at, last_completed_at, last_error`

// UpsertDailySnapshot writes the eligibility numbers for a day record,
// creating it on first sight and leaving the last* run fields untouched.
func (s *Store) UpsertDailySnapshot(ctx context.Context, d models.HousekeepingDaily) error {
	runDate, err := parseDate(d.RunDate)
	if err != nil {
		return err
	}
	cutoff, err := parseDate(d.CutoffDate)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO housekeeping_daily (job_type, event_key, run_date, cutoff_date, retention_days,
			eligible_success, eligible_failure, eligible_total, snapshot_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (job_type, event_key, run_date) DO UPDATE SET
			cutoff_date = EXCLUDED.cutoff_date,
			retention_days = EXCLUDED.retention_days,
			eligible_success = EXCLUDED.eligible_success,
			eligible_failure = EXCLUDED.eligible_failure,
			eligible_total = EXCLUDED.eligible_total,
			snapshot_at = EXCLUDED.snapshot_at
	`, string(d.JobType), d.EventKey, runDate, cutoff, d.RetentionDays, d.EligibleSuccess, d.EligibleFailure, d.EligibleTotal, d.SnapshotAt)
	if err != nil {
		return fmt.Errorf("upsert housekeeping daily: %w", err)
	}
	return nil
}

// GetDaily fetches the day record for a scope.
func (s *Store) GetDaily(ctx context.Context, jobType models.JobType, eventKey, runDate string) (models.HousekeepingDaily, error) {
	day, err := parseDate(runDate)
	if err != nil {
		return models.HousekeepingDaily{}, err
	}
	row := s.pool.QueryRow(ctx, `SELECT `+dailyColumns+` FROM housekeeping_daily
		WHERE job_type = $1 AND event_key = $2 AND run_date = $3`, string(jobType), eventKey, day)
	return scanDaily(row)
}

// StartRunParams describes a new housekeeping attempt.
type StartRunParams struct {
	JobType     models.JobType
	EventKey    string
	TriggerType string
	RunDate     string
	CutoffDate  string
	StartedAt   time.Time
	// StaleBefore marks RUNNING attempts started earlier than this as abandoned.
	StaleBefore time.Time
}

// StartRun inserts a RUNNING attempt numbered one past the day's highest
// attempt and mirrors it into the day record. It fails with ErrRunInProgress
// when the scope already has a live RUNNING attempt for the day.
func (s *Store) StartRun(ctx context.Context, p StartRunParams) (models.HousekeepingRun, error) {
	runDate, err := parseDate(p.RunDate)
	if err != nil {
		return models.HousekeepingRun{}, err
	}
	cutoff, err := parseDate(p.CutoffDate)
	if err != nil {
		return models.HousekeepingRun{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.HousekeepingRun{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, scopeLockKey(p.JobType, p.EventKey, p.RunDate)); err != nil {
		return models.HousekeepingRun{}, fmt.Errorf("lock scope: %w", err)
	}

	if !p.StaleBefore.IsZero() {
		tag, err := tx.Exec(ctx, `
			UPDATE housekeeping_run
			SET status = 'FAILED', completed_at = $5, error_message = 'abandoned: no completion recorded'
			WHERE job_type = $1 AND event_key = $2 AND run_date = $3 AND status = 'RUNNING' AND started_at < $4
		`, string(p.JobType), p.EventKey, runDate, p.StaleBefore, p.StartedAt)
		if err != nil {
			return models.HousekeepingRun{}, fmt.Errorf("expire stale runs: %w", err)
		}
		if n := tag.RowsAffected(); n > 0 {
			s.logger.Warn("expired stale housekeeping runs",
				"job_type", p.JobType, "event_key", p.EventKey, "run_date", p.RunDate, "count", n)
		}
	}

	var running bool
	var maxAttempt int
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(BOOL_OR(status = 'RUNNING'), false), COALESCE(MAX(attempt), 0)
		FROM housekeeping_run WHERE job_type = $1 AND event_key = $2 AND run_date = $3
	`, string(p.JobType), p.EventKey, runDate).Scan(&running, &maxAttempt); err != nil {
		return models.HousekeepingRun{}, fmt.Errorf("read attempts: %w", err)
	}
	if running {
		return models.HousekeepingRun{}, ErrRunInProgress
	}

	run := models.HousekeepingRun{
		ID:          uuid.New().String(),
		JobType:     p.JobType,
		EventKey:    p.EventKey,
		TriggerType: p.TriggerType,
		Status:      models.RunRunning,
		CutoffDate:  p.CutoffDate,
		RunDate:     p.RunDate,
		Attempt:     maxAttempt + 1,
		StartedAt:   p.StartedAt,
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO housekeeping_run (id, job_type, event_key, trigger_type, status, cutoff_date, run_date, attempt, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, run.ID, string(run.JobType), run.EventKey, run.TriggerType, run.Status, cutoff, runDate, run.Attempt, run.StartedAt); err != nil {
		if isUniqueViolation(err) {
			return models.HousekeepingRun{}, ErrRunInProgress
		}
		return models.HousekeepingRun{}, fmt.Errorf("insert housekeeping run: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE housekeeping_daily
		SET last_status = $4, last_run_id = $5, last_attempt = $6, last_started_at = $7, last_completed_at = NULL, last_error = NULL
		WHERE job_type = $1 AND event_key = $2 AND run_date = $3
	`, string(run.JobType), run.EventKey, runDate, run.Status, run.ID, run.Attempt, run.StartedAt); err != nil {
		return models.HousekeepingRun{}, fmt.Errorf("mirror run into daily: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.HousekeepingRun{}, fmt.Errorf("commit: %w", err)
	}
	return run, nil
}

// FinishRun stores the outcome of an attempt with its per-event items and
// mirrors the result into the day record.
func (s *Store) FinishRun(ctx context.Context, run models.HousekeepingRun) error {
	runDate, err := parseDate(run.RunDate)
	if err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `
		UPDATE housekeeping_run
		SET status = $2, completed_at = $3, duration_ms = $4, deleted_success = $5, deleted_failure = $6,
			deleted_total = $7, error_message = $8
		WHERE id = $1
	`, run.ID, run.Status, run.CompletedAt, run.DurationMs, run.DeletedSuccess, run.DeletedFailure, run.DeletedTotal, run.ErrorMessage); err != nil {
		return fmt.Errorf("update housekeeping run: %w", err)
	}

	for _, it := range run.Items {
		if _, err := tx.Exec(ctx, `
			INSERT INTO housekeeping_run_item (run_id, event_key, deleted_success, deleted_failure, deleted_total)
			VALUES ($1, $2, $3, $4, $5)
		`, run.ID, it.EventKey, it.DeletedSuccess, it.DeletedFailure, it.DeletedTotal); err != nil {
			return fmt.Errorf("insert housekeeping run item: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE housekeeping_daily
		SET last_status = $4, last_run_id = $5, last_attempt = $6, last_started_at = $7, last_completed_at = $8, last_error = $9
		WHERE job_type = $1 AND event_key = $2 AND run_date = $3
	`, string(run.JobType), run.EventKey, runDate, run.Status, run.ID, run.Attempt, run.StartedAt, run.CompletedAt, run.ErrorMessage); err != nil {
		return fmt.Errorf("mirror run into daily: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// CountReplayAudit counts finished replay jobs created before cutoff, split by
// fully successful versus partially or wholly failed jobs.
func (s *Store) CountReplayAudit(ctx context.Context, cutoff time.Time) (int64, int64, error) {
	var success, failure int64
	if err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'COMPLETED'),
			COUNT(*) FILTER (WHERE status IN ('PARTIAL', 'FAILED'))
		FROM replay_job WHERE created_at < $1
	`, cutoff).Scan(&success, &failure); err != nil {
		return 0, 0, fmt.Errorf("count replay audit: %w", err)
	}
	return success, failure, nil
}

// PurgeReplayAuditBatch removes up to limit finished replay jobs created
// before cutoff together with their items.
func (s *Store) PurgeReplayAuditBatch(ctx context.Context, cutoff time.Time, limit int) (int64, int64, error) {
	return s.purgeParents(ctx, purgeSpec{
		selectSQL: `SELECT id, status FROM replay_job WHERE created_at < $1 AND status <> 'RUNNING'
			ORDER BY created_at, id LIMIT $2 FOR UPDATE SKIP LOCKED`,
		childSQL:  `DELETE FROM replay_item WHERE job_id = ANY($1)`,
		parentSQL: `DELETE FROM replay_job WHERE id = ANY($1)`,
	}, cutoff, limit)
}

// CountHousekeepingAudit counts finished housekeeping runs dated before cutoff.
func (s *Store) CountHousekeepingAudit(ctx context.Context, cutoff time.Time) (int64, int64, error) {
	var success, failure int64
	if err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'COMPLETED'),
			COUNT(*) FILTER (WHERE status = 'FAILED')
		FROM housekeeping_run WHERE run_date < $1
	`, cutoff).Scan(&success, &failure); err != nil {
		return 0, 0, fmt.Errorf("count housekeeping audit: %w", err)
	}
	return success, failure, nil
}

// PurgeHousekeepingAuditBatch removes up to limit finished runs dated before
// cutoff with their items. Once no runs remain it clears day records older
// than cutoff; those are not counted in the returned totals.
func (s *Store) PurgeHousekeepingAuditBatch(ctx context.Context, cutoff time.Time, limit int) (int64, int64, error) {
	success, failure, err := s.purgeParents(ctx, purgeSpec{
		selectSQL: `SELECT id, status FROM housekeeping_run WHERE run_date < $1 AND status <> 'RUNNING'
			ORDER BY run_date, id LIMIT $2 FOR UPDATE SKIP LOCKED`,
		childSQL:  `DELETE FROM housekeeping_run_item WHERE run_id = ANY($1)`,
		parentSQL: `DELETE FROM housekeeping_run WHERE id = ANY($1)`,
	}, cutoff, limit)
	if err != nil || success+failure > 0 {
		return success, failure, err
	}
	var purged int64
	for {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM housekeeping_daily WHERE ctid IN (
				SELECT ctid FROM housekeeping_daily WHERE run_date < $1 LIMIT $2
			)`, cutoff, limit)
		if err != nil {
			return 0, 0, fmt.Errorf("purge housekeeping daily: %w", err)
		}
		n := tag.RowsAffected()
		purged += n
		if n == 0 || n < int64(limit) {
			break
		}
	}
	if purged > 0 {
		s.logger.Info("purged housekeeping day records", "count", purged, "cutoff", formatDate(cutoff))
	}
	return 0, 0, nil
}

type purgeSpec struct {
	selectSQL string
	childSQL  string
	parentSQL string
}

func (s *Store) purgeParents(ctx context.Context, spec purgeSpec, cutoff time.Time, limit int) (int64, int64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	rows, err := tx.Query(ctx, spec.selectSQL, cutoff, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("select purge batch: %w", err)
	}
	var (
		ids              []string
		success, failure int64
	)
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("scan purge batch: %w", err)
		}
		ids = append(ids, id)
		if status == models.JobCompleted {
			success++
		} else {
			failure++
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("read purge batch: %w", err)
	}
	if len(ids) == 0 {
		return 0, 0, nil
	}
	if _, err := tx.Exec(ctx, spec.childSQL, ids); err != nil {
		return 0, 0, fmt.Errorf("purge children: %w", err)
	}
	if _, err := tx.Exec(ctx, spec.parentSQL, ids); err != nil {
		return 0, 0, fmt.Errorf("purge parents: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit: %w", err)
	}
	return success, failure, nil
}

func scopeLockKey(jobType models.JobType, eventKey, runDate string) string {
	return strings.Join([]string{"housekeeping", string(jobType), eventKey, runDate}, ":")
}

func scanRun(row pgx.Row) (models.HousekeepingRun, error) {
	var (
		run             models.HousekeepingRun
		jobType         string
		cutoff, runDate time.Time
		completed       pgtype.Timestamptz
		duration        pgtype.Int8
		errMsg          pgtype.Text
	)
	if err := row.Scan(&run.ID, &jobType, &run.EventKey, &run.TriggerType, &run.Status, &cutoff, &runDate, &run.Attempt,
		&run.StartedAt, &completed, &duration, &run.DeletedSuccess, &run.DeletedFailure, &run.DeletedTotal, &errMsg); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.HousekeepingRun{}, fmt.Errorf("housekeeping run: %w", ErrNotFound)
		}
		return models.HousekeepingRun{}, fmt.Errorf("scan housekeeping run: %w", err)
	}
	run.JobType = models.JobType(jobType)
	run.CutoffDate = formatDate(cutoff)
	run.RunDate = formatDate(runDate)
	run.CompletedAt = timePtr(completed)
	if duration.Valid {
		d := duration.Int64
		run.DurationMs = &d
	}
	run.ErrorMessage = textPtr(errMsg)
	return run, nil
}

func scanDaily(row pgx.Row) (models.HousekeepingDaily, error) {
	var (
		d                         models.HousekeepingDaily
		jobType                   string
		runDate, cutoff           time.Time
		lastStatus, lastRunID     pgtype.Text
		lastErr                   pgtype.Text
		lastAttempt               pgtype.Int4
		lastStarted, lastComplete pgtype.Timestamptz
	)
	if err := row.Scan(&jobType, &d.EventKey, &runDate, &cutoff, &d.RetentionDays, &d.EligibleSuccess, &d.EligibleFailure,
		&d.EligibleTotal, &d.SnapshotAt, &lastStatus, &lastRunID, &lastAttempt, &lastStarted, &lastComplete, &lastErr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.HousekeepingDaily{}, fmt.Errorf("housekeeping daily: %w", ErrNotFound)
		}
		return models.HousekeepingDaily{}, fmt.Errorf("scan housekeeping daily: %w", err)
	}
	d.JobType = models.JobType(jobType)
	d.RunDate = formatDate(runDate)
	d.CutoffDate = formatDate(cutoff)
	d.LastStatus = textPtr(lastStatus)
	d.LastRunID = textPtr(lastRunID)
	d.LastError = textPtr(lastErr)
	if lastAttempt.Valid {
		a := int(lastAttempt.Int32)
		d.LastAttempt = &a
	}
	d.LastStartedAt = timePtr(lastStarted)
	d.LastCompletedAt = timePtr(lastComplete)
	return d, nil
}
