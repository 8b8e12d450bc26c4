package store

import (
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"event-replay-service/internal/models"
)

func TestReplayJobWhere(t *testing.T) {
	where, args := replayJobWhere(ReplayJobQuery{Status: "partial", EventKey: "payments.in", Search: " ops "})
	if !strings.HasPrefix(where, " WHERE status = $1 AND event_key = $2 AND (id ILIKE $3") {
		t.Fatalf("unexpected where: %s", where)
	}
	if len(args) != 3 || args[0] != "PARTIAL" || args[2] != "%ops%" {
		t.Fatalf("unexpected args %v", args)
	}
	if where, args := replayJobWhere(ReplayJobQuery{}); where != "" || args != nil {
		t.Fatalf("empty query should not filter: %q %v", where, args)
	}
}

func TestScopeFilterWhere(t *testing.T) {
	f := ScopeFilter{JobType: models.JobTypeRetention, EventKey: "loans"}
	cond, args := f.where([]any{"2026-10-15"})
	if cond != "job_type = $2 AND event_key = $3" {
		t.Fatalf("unexpected cond %q", cond)
	}
	if len(args) != 3 {
		t.Fatalf("unexpected args %v", args)
	}
	if got := joinWhere("run_date = $1", cond); got != " WHERE run_date = $1 AND job_type = $2 AND event_key = $3" {
		t.Fatalf("unexpected where %q", got)
	}
	if got := joinWhere("", ""); got != "" {
		t.Fatalf("expected empty where, got %q", got)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(&pgconn.PgError{Code: "23505"}) {
		t.Fatalf("expected unique violation")
	}
	if isUniqueViolation(errors.New("boom")) {
		t.Fatalf("plain error is not a unique violation")
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := migrationNames()
	if err != nil {
		t.Fatalf("migration names: %v", err)
	}
	if len(names) == 0 || names[0] != "001_audit.sql" {
		t.Fatalf("unexpected migrations %v", names)
	}
	content, err := migrationFiles.ReadFile("migrations/" + names[0])
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	for _, want := range []string{
		"PRIMARY KEY (job_type, event_key, run_date)",
		"UNIQUE (job_type, event_key, run_date, attempt)",
		"WHERE status = 'RUNNING'",
		"PRIMARY KEY (run_id, event_key)",
		"replay_item_job_trace_idx",
	} {
		if !strings.Contains(string(content), want) {
			t.Fatalf("schema missing %q", want)
		}
	}
}

func TestScopeLockKey(t *testing.T) {
	if got := scopeLockKey(models.JobTypeReplayAudit, models.ScopeAll, "2026-10-15"); got != "housekeeping:REPLAY_AUDIT:ALL:2026-10-15" {
		t.Fatalf("unexpected key %q", got)
	}
}
