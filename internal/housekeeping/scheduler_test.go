package housekeeping

import (
	"context"
	"errors"
	"testing"
	"time"

	"event-replay-service/internal/models"
)

func TestParseSchedule(t *testing.T) {
	if _, err := NewScheduler(nil, "not a cron", nil); err == nil {
		t.Fatalf("expected parse error")
	}
	sched, err := ParseSchedule("0 * * * *")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	next := sched.Next(testNow)
	if !next.Equal(time.Date(2026, 10, 15, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected next tick %s", next)
	}
}

func TestSchedulerTickSkipsFinishedDays(t *testing.T) {
	ctx := context.Background()
	st, gw := newMemStore(), newMemGateway(t)
	seedPayments(gw)
	e := newTestEngine(st, gw, nil, 50)
	s, err := NewScheduler(e, "@hourly", nil)
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}

	s.Tick(ctx)
	for _, jt := range models.JobTypes {
		runs := st.runsFor(jt, models.ScopeAll)
		if len(runs) != 1 || runs[0].TriggerType != models.TriggerScheduled || runs[0].Status != models.RunCompleted {
			t.Fatalf("%s: expected one completed scheduled run, got %+v", jt, runs)
		}
	}

	// Nothing left and no failure: the next tick on the same day is a no-op.
	s.Tick(ctx)
	if n := len(st.runs); n != 3 {
		t.Fatalf("expected no new attempts, have %d runs", n)
	}

	gw.seed("loans_failure", 4, testNow.AddDate(0, 0, -30))
	s.Tick(ctx)
	runs := st.runsFor(models.JobTypeRetention, models.ScopeAll)
	if len(runs) != 2 || runs[1].Attempt != 2 || runs[1].DeletedTotal != 4 {
		t.Fatalf("new eligible rows should trigger another attempt: %+v", runs)
	}
}

func TestSchedulerRetriesFailedDay(t *testing.T) {
	ctx := context.Background()
	st, gw := newMemStore(), newMemGateway(t)
	seedPayments(gw)
	gw.failAfter = 0
	e := newTestEngine(st, gw, nil, 50)

	run, err := e.RunScheduled(ctx, models.JobTypeRetention, "2026-10-15")
	if err != nil || run == nil || run.Status != models.RunFailed {
		t.Fatalf("expected failed attempt, got %+v %v", run, err)
	}

	gw.failAfter = -1
	run, err = e.RunScheduled(ctx, models.JobTypeRetention, "2026-10-15")
	if err != nil || run == nil || run.Attempt != 2 || run.Status != models.RunCompleted {
		t.Fatalf("expected successful retry, got %+v %v", run, err)
	}
}

type countingAudit struct {
	nopAudit
	jobs   int64
	failed int64
	calls  int
}

func (c *countingAudit) CountReplayAudit(context.Context, time.Time) (int64, int64, error) {
	return c.jobs, c.failed, nil
}

func (c *countingAudit) PurgeReplayAuditBatch(_ context.Context, _ time.Time, limit int) (int64, int64, error) {
	c.calls++
	if c.calls > 3 {
		return 0, 0, errors.New("deadlock detected")
	}
	var s, f int64
	for s+f < int64(limit) && (c.jobs > 0 || c.failed > 0) {
		if c.jobs > 0 {
			c.jobs--
			s++
		} else {
			c.failed--
			f++
		}
	}
	return s, f, nil
}

func TestAuditStrategyDrainsInBatches(t *testing.T) {
	a := &countingAudit{jobs: 5, failed: 3}
	s := NewReplayAudit(a, 30, 0)
	if scope, _ := s.Scope("payments.in"); scope != models.ScopeAll {
		t.Fatalf("audit scope should be ALL, got %q", scope)
	}
	el, err := s.Eligible(context.Background(), models.ScopeAll, testNow)
	if err != nil || len(el) != 1 || el[0].Total != 8 {
		t.Fatalf("unexpected eligibility %+v %v", el, err)
	}

	items, err := s.Purge(context.Background(), PurgeRequest{RunID: "r1", EventKey: models.ScopeAll, Cutoff: testNow, BatchSize: 4})
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if len(items) != 1 || items[0].DeletedSuccess != 5 || items[0].DeletedFailure != 3 || items[0].DeletedTotal != 8 {
		t.Fatalf("unexpected items %+v", items)
	}

	a.jobs, a.calls = 10, 0
	items, err = s.Purge(context.Background(), PurgeRequest{RunID: "r2", EventKey: models.ScopeAll, Cutoff: testNow, BatchSize: 2})
	if err == nil || items[0].DeletedTotal != 6 {
		t.Fatalf("failed purge should keep committed progress: %+v %v", items, err)
	}
}

type staleAudit struct {
	nopAudit
	expiredBefore time.Time
	expiredAt     time.Time
	fail          bool
}

func (s *staleAudit) ExpireStaleReplayJobs(_ context.Context, staleBefore, now time.Time) (int64, error) {
	if s.fail {
		return 0, errors.New("lock timeout")
	}
	s.expiredBefore, s.expiredAt = staleBefore, now
	return 1, nil
}

func TestReplayAuditExpiresStaleJobsFirst(t *testing.T) {
	a := &staleAudit{}
	s := NewReplayAudit(a, 30, 6*time.Hour)
	if _, err := s.Purge(context.Background(), PurgeRequest{RunID: "r1", EventKey: models.ScopeAll, Cutoff: testNow, BatchSize: 10, Now: testNow}); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if !a.expiredAt.Equal(testNow) || !a.expiredBefore.Equal(testNow.Add(-6*time.Hour)) {
		t.Fatalf("unexpected expiry window before=%s at=%s", a.expiredBefore, a.expiredAt)
	}

	a.fail = true
	items, err := s.Purge(context.Background(), PurgeRequest{RunID: "r2", EventKey: models.ScopeAll, Cutoff: testNow, BatchSize: 10, Now: testNow})
	if err == nil || len(items) != 1 || items[0].DeletedTotal != 0 {
		t.Fatalf("expiry failure should fail the purge: %+v %v", items, err)
	}
}
