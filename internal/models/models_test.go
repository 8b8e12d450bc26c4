package models

import (
	"testing"
	"time"
)

func TestFinalStatus(t *testing.T) {
	cases := []struct {
		succeeded, failed, queued int
		want                      string
	}{
		{0, 0, 0, JobCompleted},
		{3, 0, 0, JobCompleted},
		{0, 2, 0, JobFailed},
		{1, 1, 0, JobPartial},
		{0, 0, 2, JobFailed},
		{2, 0, 1, JobPartial},
	}
	for _, c := range cases {
		if got := FinalStatus(c.succeeded, c.failed, c.queued); got != c.want {
			t.Fatalf("FinalStatus(%d,%d,%d)=%s want %s", c.succeeded, c.failed, c.queued, got, c.want)
		}
	}
}

func TestCountsTreatsNotFoundAsFailed(t *testing.T) {
	items := []ReplayItem{
		{Status: ItemReplayed},
		{Status: ItemNotFound},
		{Status: ItemFailed},
		{Status: ItemQueued},
	}
	s, f, q := Counts(items)
	if s != 1 || f != 2 || q != 1 {
		t.Fatalf("unexpected counts s=%d f=%d q=%d", s, f, q)
	}
	if !items[1].Terminal() || items[2].Terminal() {
		t.Fatalf("terminal classification wrong")
	}
}

func TestFilterSpecValidate(t *testing.T) {
	f := FilterSpec{Search: "  abc ", ExceptionTypes: []string{" Timeout ", ""}}.Normalize()
	if f.Version != FilterSpecVersion || f.Search != "abc" || len(f.ExceptionTypes) != 1 {
		t.Fatalf("normalize failed: %+v", f)
	}
	if err := f.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	from := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	to := from.Add(-time.Hour)
	bad := FilterSpec{Version: 1, From: &from, To: &to}
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected inverted window to be rejected")
	}
	if _, err := ParseFilterSpec([]byte(`{"version":2}`)); err == nil {
		t.Fatalf("expected unknown version to be rejected")
	}
	parsed, err := ParseFilterSpec([]byte(`{"version":1,"traceId":"t-1"}`))
	if err != nil || parsed.TraceID != "t-1" {
		t.Fatalf("parse: %v %+v", err, parsed)
	}
}

func TestParseJobType(t *testing.T) {
	jt, err := ParseJobType("retention")
	if err != nil || jt != JobTypeRetention {
		t.Fatalf("parse retention: %v %v", jt, err)
	}
	if _, err := ParseJobType("VACUUM"); err == nil {
		t.Fatalf("expected unknown job type error")
	}
}
