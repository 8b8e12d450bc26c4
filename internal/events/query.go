package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"event-replay-service/internal/models"
)

const failureColumns = `id, event_trace_id, message_key, account_number, exception_type, event_datetime, source_payload`

// filterQuery renders the failure-table query behind a FILTERS replay. The
// day window and the snapshot bound always apply; the filter narrows further.
func filterQuery(table string, day time.Time, f models.FilterSpec, snapshotAt time.Time, limit int) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	where = append(where,
		"event_datetime >= "+arg(start),
		"event_datetime < "+arg(start.AddDate(0, 0, 1)),
		"created_at <= "+arg(snapshotAt),
	)
	if f.From != nil {
		where = append(where, "event_datetime >= "+arg(*f.From))
	}
	if f.To != nil {
		where = append(where, "event_datetime <= "+arg(*f.To))
	}
	if f.TraceID != "" {
		where = append(where, "event_trace_id = "+arg(f.TraceID))
	}
	if f.MessageKey != "" {
		where = append(where, "message_key = "+arg(f.MessageKey))
	}
	if f.AccountNumber != "" {
		where = append(where, "account_number = "+arg(f.AccountNumber))
	}
	if len(f.ExceptionTypes) > 0 {
		where = append(where, "exception_type = ANY("+arg(f.ExceptionTypes)+")")
	}
	if f.Search != "" {
		p := arg("%" + escapeLike(f.Search) + "%")
		where = append(where, fmt.Sprintf("(event_trace_id ILIKE %[1]s OR message_key ILIKE %[1]s OR account_number ILIKE %[1]s)", p))
	}

	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY event_datetime, id",
		failureColumns, pgx.Identifier{table}.Sanitize(), strings.Join(where, " AND "))
	if limit > 0 {
		sql += " LIMIT " + arg(limit)
	}
	return sql, args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
