package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"event-replay-service/internal/models"
)

// ScopeFilter narrows housekeeping projections; empty fields match everything.
type ScopeFilter struct {
	JobType  models.JobType
	EventKey string
}

func (f ScopeFilter) where(args []any) (string, []any) {
	var conds []string
	if f.JobType != "" {
		args = append(args, string(f.JobType))
		conds = append(conds, fmt.Sprintf("job_type = $%d", len(args)))
	}
	if f.EventKey != "" {
		args = append(args, f.EventKey)
		conds = append(conds, fmt.Sprintf("event_key = $%d", len(args)))
	}
	return strings.Join(conds, " AND "), args
}

func joinWhere(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(kept, " AND ")
}

// ListDaily returns the most recent day records.
func (s *Store) ListDaily(ctx context.Context, f ScopeFilter, limit int) ([]models.HousekeepingDaily, error) {
	cond, args := f.where(nil)
	args = append(args, limit)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM housekeeping_daily%s
		ORDER BY run_date DESC, job_type, event_key LIMIT $%d`, dailyColumns, joinWhere(cond), len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("query housekeeping daily: %w", err)
	}
	defer rows.Close()
	out := []models.HousekeepingDaily{}
	for rows.Next() {
		d, err := scanDaily(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListRunsForDate returns every attempt for a run date ordered by scope and attempt.
func (s *Store) ListRunsForDate(ctx context.Context, runDate string, f ScopeFilter) ([]models.HousekeepingRun, error) {
	day, err := parseDate(runDate)
	if err != nil {
		return nil, err
	}
	cond, args := f.where([]any{day})
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM housekeeping_run`+
		joinWhere("run_date = $1", cond)+` ORDER BY job_type, event_key, attempt`, args...)
	if err != nil {
		return nil, fmt.Errorf("query housekeeping runs: %w", err)
	}
	runs, err := collectRuns(rows)
	if err != nil {
		return nil, err
	}
	return runs, s.attachItems(ctx, runs)
}

// LatestRun returns the newest attempt for a date and scope, with its items.
func (s *Store) LatestRun(ctx context.Context, runDate string, f ScopeFilter) (models.HousekeepingRun, error) {
	day, err := parseDate(runDate)
	if err != nil {
		return models.HousekeepingRun{}, err
	}
	cond, args := f.where([]any{day})
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM housekeeping_run`+
		joinWhere("run_date = $1", cond)+` ORDER BY started_at DESC, attempt DESC LIMIT 1`, args...)
	run, err := scanRun(row)
	if err != nil {
		return models.HousekeepingRun{}, err
	}
	runs := []models.HousekeepingRun{run}
	if err := s.attachItems(ctx, runs); err != nil {
		return models.HousekeepingRun{}, err
	}
	return runs[0], nil
}

// SummaryQuery pages the run history summary.
type SummaryQuery struct {
	ScopeFilter
	Limit  int
	Offset int
}

// RunSummaries aggregates attempts per (run date, event key, job type), newest first.
func (s *Store) RunSummaries(ctx context.Context, q SummaryQuery) ([]models.RunSummary, int64, error) {
	cond, args := q.where(nil)
	where := joinWhere(cond)

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM (
		SELECT 1 FROM housekeeping_run`+where+` GROUP BY run_date, event_key, job_type) g`, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count run summaries: %w", err)
	}

	pageArgs := append(args, q.Limit, q.Offset)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT run_date, event_key, job_type, COUNT(*),
			(ARRAY_AGG(status ORDER BY attempt DESC))[1],
			SUM(deleted_success)::bigint, SUM(deleted_failure)::bigint, SUM(deleted_total)::bigint,
			MIN(started_at), MAX(completed_at)
		FROM housekeeping_run%s
		GROUP BY run_date, event_key, job_type
		ORDER BY run_date DESC, event_key, job_type
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2), pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("query run summaries: %w", err)
	}
	defer rows.Close()

	out := []models.RunSummary{}
	for rows.Next() {
		var (
			sum       models.RunSummary
			runDate   pgtype.Date
			jobType   string
			completed pgtype.Timestamptz
		)
		if err := rows.Scan(&runDate, &sum.EventKey, &jobType, &sum.Attempts, &sum.LastStatus,
			&sum.DeletedSuccess, &sum.DeletedFailure, &sum.DeletedTotal, &sum.FirstStartedAt, &completed); err != nil {
			return nil, 0, fmt.Errorf("scan run summary: %w", err)
		}
		sum.RunDate = formatDate(runDate.Time)
		sum.JobType = models.JobType(jobType)
		sum.LastCompleted = timePtr(completed)
		out = append(out, sum)
	}
	return out, total, rows.Err()
}

func (s *Store) attachItems(ctx context.Context, runs []models.HousekeepingRun) error {
	if len(runs) == 0 {
		return nil
	}
	ids := make([]string, len(runs))
	index := make(map[string]int, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
		index[r.ID] = i
	}
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, event_key, deleted_success, deleted_failure, deleted_total
		FROM housekeeping_run_item WHERE run_id = ANY($1) ORDER BY event_key
	`, ids)
	if err != nil {
		return fmt.Errorf("query run items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var it models.HousekeepingRunItem
		if err := rows.Scan(&it.RunID, &it.EventKey, &it.DeletedSuccess, &it.DeletedFailure, &it.DeletedTotal); err != nil {
			return fmt.Errorf("scan run item: %w", err)
		}
		i := index[it.RunID]
		runs[i].Items = append(runs[i].Items, it)
	}
	return rows.Err()
}

func collectRuns(rows pgx.Rows) ([]models.HousekeepingRun, error) {
	defer rows.Close()
	out := []models.HousekeepingRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
