// Package schedule parses the recurrence of scheduled goals and computes
// when they are next due.
package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

type Kind string

const (
	KindCron     Kind = "cron"
	KindInterval Kind = "interval"
	KindOnce     Kind = "once"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

// Schedule is stored as JSON on the scheduled goal row.
type Schedule struct {
	Kind       Kind   `json:"kind"`
	CronExpr   string `json:"cron_expr,omitempty"`
	IntervalMs int64  `json:"interval_ms,omitempty"`
	AtMs       int64  `json:"at_ms,omitempty"`
}

// Parse decodes and validates a stored schedule.
func Parse(raw string) (*Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Schedule) validate() error {
	switch s.Kind {
	case KindCron:
		if !gronx.New().IsValid(s.CronExpr) {
			return fmt.Errorf("%w: bad cron expression %q", ErrInvalidSchedule, s.CronExpr)
		}
	case KindInterval:
		if s.IntervalMs <= 0 {
			return fmt.Errorf("%w: interval_ms must be positive", ErrInvalidSchedule)
		}
	case KindOnce:
		if s.AtMs <= 0 {
			return fmt.Errorf("%w: at_ms must be positive", ErrInvalidSchedule)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, s.Kind)
	}
	return nil
}

// Next returns the first run strictly after now, or false when the schedule
// will never fire again.
func (s *Schedule) Next(now time.Time) (time.Time, bool) {
	switch s.Kind {
	case KindCron:
		next, err := gronx.NextTickAfter(s.CronExpr, now, false)
		if err != nil {
			return time.Time{}, false
		}
		return next, true
	case KindInterval:
		return now.Add(time.Duration(s.IntervalMs) * time.Millisecond), true
	case KindOnce:
		at := time.UnixMilli(s.AtMs)
		if !at.After(now) {
			return time.Time{}, false
		}
		return at, true
	}
	return time.Time{}, false
}

// NextRun is Next for a stored schedule. A nil result means the goal is done.
func NextRun(raw string, now time.Time) *time.Time {
	s, err := Parse(raw)
	if err != nil {
		return nil
	}
	next, ok := s.Next(now)
	if !ok {
		return nil
	}
	return &next
}

// Normalize turns user input into a stored schedule. Accepted forms are the
// JSON encoding itself, "every <duration>", an RFC 3339 timestamp and a
// plain cron expression.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	var s Schedule
	switch {
	case strings.HasPrefix(raw, "{"):
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
	case strings.HasPrefix(strings.ToLower(raw), "every "):
		d, err := time.ParseDuration(strings.TrimSpace(raw[len("every "):]))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		s = Schedule{Kind: KindInterval, IntervalMs: d.Milliseconds()}
	default:
		if at, err := time.Parse(time.RFC3339, raw); err == nil {
			s = Schedule{Kind: KindOnce, AtMs: at.UnixMilli()}
		} else {
			s = Schedule{Kind: KindCron, CronExpr: raw}
		}
	}

	if err := s.validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Describe renders a stored schedule for humans.
func Describe(raw string) string {
	s, err := Parse(raw)
	if err != nil {
		return raw
	}

	switch s.Kind {
	case KindCron:
		return "cron " + s.CronExpr
	case KindInterval:
		d := time.Duration(s.IntervalMs) * time.Millisecond
		switch {
		case d >= time.Hour && d%time.Hour == 0:
			return plural(int(d/time.Hour), "hour")
		case d >= time.Minute && d%time.Minute == 0:
			return plural(int(d/time.Minute), "minute")
		default:
			return "every " + d.String()
		}
	default:
		return "once at " + time.UnixMilli(s.AtMs).UTC().Format("Jan 2 15:04 UTC")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "every " + unit
	}
	return fmt.Sprintf("every %d %ss", n, unit)
}
