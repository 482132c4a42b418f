package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

type Kind string

const (
	KindCron     Kind = "cron"
	KindInterval Kind = "interval"
)

// Schedule is a parsed job schedule: a cron expression or a fixed interval.
type Schedule struct {
	Kind     Kind          `json:"kind"`
	CronExpr string        `json:"cron_expr,omitempty"`
	Interval time.Duration `json:"interval,omitempty"`
}

// Parse accepts "@every <duration>" or anything gronx understands, including
// its @hourly style tags.
func Parse(raw string) (Schedule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Schedule{}, fmt.Errorf("empty schedule")
	}

	if rest, ok := strings.CutPrefix(raw, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid interval %q: %w", rest, err)
		}
		if d <= 0 {
			return Schedule{}, fmt.Errorf("interval must be positive: %s", rest)
		}
		return Schedule{Kind: KindInterval, Interval: d}, nil
	}

	if !gronx.New().IsValid(raw) {
		return Schedule{}, fmt.Errorf("invalid cron expression: %s", raw)
	}
	return Schedule{Kind: KindCron, CronExpr: raw}, nil
}

// Next returns the first run strictly after ref.
func (s Schedule) Next(ref time.Time) (time.Time, error) {
	switch s.Kind {
	case KindInterval:
		return ref.Add(s.Interval), nil
	case KindCron:
		next, err := gronx.NextTickAfter(s.CronExpr, ref, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("next tick of %q: %w", s.CronExpr, err)
		}
		return next, nil
	}
	return time.Time{}, fmt.Errorf("unknown schedule kind: %s", s.Kind)
}

// String returns a human-readable description.
func (s Schedule) String() string {
	switch s.Kind {
	case KindCron:
		return s.CronExpr
	case KindInterval:
		d := s.Interval
		switch {
		case d%time.Hour == 0 && d >= time.Hour:
			h := int(d.Hours())
			if h == 1 {
				return "Every hour"
			}
			return fmt.Sprintf("Every %d hours", h)
		case d%time.Minute == 0 && d >= time.Minute:
			m := int(d.Minutes())
			if m == 1 {
				return "Every minute"
			}
			return fmt.Sprintf("Every %d minutes", m)
		case d%time.Second == 0:
			return fmt.Sprintf("Every %d seconds", int(d.Seconds()))
		default:
			return "Every " + d.String()
		}
	}
	return string(s.Kind)
}
