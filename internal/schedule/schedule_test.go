package schedule

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

var ref = time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)

func TestParse(t *testing.T) {
	s, err := Parse(`{"kind":"cron","cron_expr":"0 9 * * *"}`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Kind != KindCron || s.CronExpr != "0 9 * * *" {
		t.Errorf("unexpected schedule %+v", s)
	}

	for _, raw := range []string{
		`not json`,
		`{"kind":"weekly"}`,
		`{"kind":"interval","interval_ms":0}`,
		`{"kind":"cron","cron_expr":"every day"}`,
	} {
		if _, err := Parse(raw); !errors.Is(err, ErrInvalidSchedule) {
			t.Errorf("Parse(%s): expected ErrInvalidSchedule, got %v", raw, err)
		}
	}
}

func TestNext(t *testing.T) {
	tests := []struct {
		name string
		s    Schedule
		want time.Time
		ok   bool
	}{
		{"cron later today", Schedule{Kind: KindCron, CronExpr: "0 9 * * *"}, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), true},
		{"cron tomorrow", Schedule{Kind: KindCron, CronExpr: "0 8 * * *"}, time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC), true},
		{"interval", Schedule{Kind: KindInterval, IntervalMs: 90_000}, ref.Add(90 * time.Second), true},
		{"once future", Schedule{Kind: KindOnce, AtMs: ref.Add(time.Hour).UnixMilli()}, ref.Add(time.Hour), true},
		{"once past", Schedule{Kind: KindOnce, AtMs: ref.Add(-time.Hour).UnixMilli()}, time.Time{}, false},
		{"once now", Schedule{Kind: KindOnce, AtMs: ref.UnixMilli()}, time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.s.Next(ref)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && !got.Equal(tt.want) {
				t.Errorf("next = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextRun(t *testing.T) {
	if NextRun(`{"kind":"interval","interval_ms":60000}`, ref) == nil {
		t.Error("expected a next run for an interval")
	}
	if NextRun(`garbage`, ref) != nil {
		t.Error("expected nil for an invalid schedule")
	}
	past := fmt.Sprintf(`{"kind":"once","at_ms":%d}`, ref.Add(-time.Minute).UnixMilli())
	if NextRun(past, ref) != nil {
		t.Error("expected nil for an elapsed one-off")
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0 9 * * *", `{"kind":"cron","cron_expr":"0 9 * * *"}`},
		{"  @daily ", `{"kind":"cron","cron_expr":"@daily"}`},
		{"every 15m", `{"kind":"interval","interval_ms":900000}`},
		{"Every 2h", `{"kind":"interval","interval_ms":7200000}`},
		{"2026-03-10T09:00:00Z", fmt.Sprintf(`{"kind":"once","at_ms":%d}`, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC).UnixMilli())},
		{`{"kind":"interval","interval_ms":1000}`, `{"kind":"interval","interval_ms":1000}`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Normalize(tt.in)
			if err != nil {
				t.Fatalf("normalize: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNormalizeRejects(t *testing.T) {
	for _, in := range []string{"sometimes", "every fortnight", "every -5m", `{"kind":"once"}`, `{broken`} {
		if _, err := Normalize(in); !errors.Is(err, ErrInvalidSchedule) {
			t.Errorf("Normalize(%q): expected ErrInvalidSchedule, got %v", in, err)
		}
	}
}

func TestDescribe(t *testing.T) {
	tests := map[string]string{
		`{"kind":"cron","cron_expr":"*/5 * * * *"}`: "cron */5 * * * *",
		`{"kind":"interval","interval_ms":3600000}`: "every hour",
		`{"kind":"interval","interval_ms":7200000}`: "every 2 hours",
		`{"kind":"interval","interval_ms":60000}`:   "every minute",
		`{"kind":"interval","interval_ms":1500}`:    "every 1.5s",
	}
	for in, want := range tests {
		if got := Describe(in); got != want {
			t.Errorf("Describe(%s) = %q, want %q", in, got, want)
		}
	}
	if got := Describe("not json"); got != "not json" {
		t.Errorf("invalid schedules are shown verbatim, got %q", got)
	}
}
