package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"event-replay-service/internal/models"
)

// Record is one failure row as seen by the replay coordinator.
type Record struct {
	ID            int64
	TraceID       string
	MessageKey    string
	AccountNumber string
	ExceptionType string
	EventDatetime time.Time
	Payload       json.RawMessage
}

// ArchiveFunc receives rows about to be purged. Returning an error aborts
// the batch and leaves the rows in place.
type ArchiveFunc func(ctx context.Context, table string, rows []json.RawMessage) error

// Gateway performs bounded reads and deletes against per-domain event tables.
type Gateway struct {
	pool     *pgxpool.Pool
	registry *Registry
}

// NewGateway binds the registry to a Postgres pool.
func NewGateway(pool *pgxpool.Pool, registry *Registry) *Gateway {
	return &Gateway{pool: pool, registry: registry}
}

// Resolve returns the table pair for an event key.
func (g *Gateway) Resolve(eventKey string) (Table, error) {
	return g.registry.Resolve(eventKey)
}

// EventKeys lists every registered event key.
func (g *Gateway) EventKeys() []string {
	return g.registry.Keys()
}

// FetchFailures reads failure rows by id. Missing ids are simply absent from the result.
func (g *Gateway) FetchFailures(ctx context.Context, t Table, ids []int64) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE id = ANY($1)", failureColumns, pgx.Identifier{t.Failure}.Sanitize())
	rows, err := g.pool.Query(ctx, sql, ids)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", t.Failure, err)
	}
	return collectRecords(rows)
}

// SelectFailures evaluates a filter against the failure table for one day,
// ignoring rows created after snapshotAt.
func (g *Gateway) SelectFailures(ctx context.Context, t Table, day time.Time, f models.FilterSpec, snapshotAt time.Time, limit int) ([]Record, error) {
	sql, args := filterQuery(t.Failure, day, f, snapshotAt, limit)
	rows, err := g.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("filter %s: %w", t.Failure, err)
	}
	return collectRecords(rows)
}

// CountOlderThan counts success and failure rows with event_datetime before cutoff.
func (g *Gateway) CountOlderThan(ctx context.Context, t Table, cutoff time.Time) (int64, int64, error) {
	var success, failure int64
	sql := fmt.Sprintf(`
		SELECT
			(SELECT COUNT(*) FROM %s WHERE event_datetime < $1),
			(SELECT COUNT(*) FROM %s WHERE event_datetime < $1)
	`, pgx.Identifier{t.Success}.Sanitize(), pgx.Identifier{t.Failure}.Sanitize())
	if err := g.pool.QueryRow(ctx, sql, cutoff).Scan(&success, &failure); err != nil {
		return 0, 0, fmt.Errorf("count eligible %s: %w", t.EventKey, err)
	}
	return success, failure, nil
}

// PurgeBatch deletes at most limit rows older than cutoff from one table in a
// single transaction and returns how many were removed. When archive is set
// the rows are handed to it before the delete commits.
func (g *Gateway) PurgeBatch(ctx context.Context, table string, cutoff time.Time, limit int, archive ArchiveFunc) (int64, error) {
	ident := pgx.Identifier{table}.Sanitize()
	if archive == nil {
		tag, err := g.pool.Exec(ctx, fmt.Sprintf(`
			DELETE FROM %[1]s WHERE id IN (
				SELECT id FROM %[1]s WHERE event_datetime < $1 ORDER BY id LIMIT $2 FOR UPDATE SKIP LOCKED
			)`, ident), cutoff, limit)
		if err != nil {
			return 0, fmt.Errorf("purge %s: %w", table, err)
		}
		return tag.RowsAffected(), nil
	}

	tx, err := g.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	rows, err := tx.Query(ctx, fmt.Sprintf(`
		SELECT t.id, row_to_json(t)::text FROM %s t
		WHERE t.event_datetime < $1 ORDER BY t.id LIMIT $2 FOR UPDATE SKIP LOCKED
	`, ident), cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("select purge batch %s: %w", table, err)
	}
	var (
		ids     []int64
		payload []json.RawMessage
	)
	for rows.Next() {
		var id int64
		var doc string
		if err := rows.Scan(&id, &doc); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan purge row: %w", err)
		}
		ids = append(ids, id)
		payload = append(payload, json.RawMessage(doc))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("read purge batch %s: %w", table, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if err := archive(ctx, table, payload); err != nil {
		return 0, fmt.Errorf("archive %s: %w", table, err)
	}
	tag, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1)", ident), ids)
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", table, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return tag.RowsAffected(), nil
}

// EnsureTables creates missing event tables and their lookup indexes. The
// tables normally belong to the ingesting services; this keeps local
// environments usable.
func (g *Gateway) EnsureTables(ctx context.Context) error {
	for _, key := range g.registry.Keys() {
		t, _ := g.registry.Resolve(key)
		for _, def := range []struct {
			name      string
			exception bool
		}{{t.Success, false}, {t.Failure, true}} {
			if _, err := g.pool.Exec(ctx, tableDDL(def.name, def.exception)); err != nil {
				return fmt.Errorf("ensure table %s: %w", def.name, err)
			}
		}
	}
	return nil
}

func tableDDL(name string, exception bool) string {
	ident := pgx.Identifier{name}.Sanitize()
	idx := pgx.Identifier{name + "_event_dt_trace_idx"}.Sanitize()
	extra := ""
	if exception {
		extra = "exception_type TEXT, exception_message TEXT,"
	}
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id BIGSERIAL PRIMARY KEY,
			event_trace_id TEXT NOT NULL,
			message_key TEXT,
			account_number TEXT,
			%[3]s
			event_datetime TIMESTAMPTZ NOT NULL,
			source_payload JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (event_datetime, event_trace_id);
	`, ident, idx, extra)
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			rec                      Record
			msgKey, account, excType pgtype.Text
			payload                  []byte
		)
		if err := rows.Scan(&rec.ID, &rec.TraceID, &msgKey, &account, &excType, &rec.EventDatetime, &payload); err != nil {
			return nil, fmt.Errorf("scan failure row: %w", err)
		}
		rec.MessageKey = msgKey.String
		rec.AccountNumber = account.String
		rec.ExceptionType = excType.String
		if len(payload) > 0 {
			rec.Payload = json.RawMessage(payload)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
