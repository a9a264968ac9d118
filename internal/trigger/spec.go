package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"agentops/internal/domain"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Cadence is a parsed, validated schedule spec that can compute firing
// times.
type Cadence struct {
	kind     domain.ScheduleKind
	cronExpr cron.Schedule
	interval time.Duration
	at       time.Time
	eventKey string
}

// ParseSpec validates a (kind, spec) pair. Interval specs accept either a
// Go duration ("90m", "1h30m") or a bare integer meaning minutes. Once
// specs are RFC3339 instants; event specs are opaque non-empty keys.
func ParseSpec(kind domain.ScheduleKind, spec string) (*Cadence, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("%w: empty schedule spec", domain.ErrValidation)
	}
	switch kind {
	case domain.ScheduleCron:
		expr, err := cronParser.Parse(spec)
		if err != nil {
			return nil, fmt.Errorf("%w: bad cron expression %q: %v", domain.ErrValidation, spec, err)
		}
		return &Cadence{kind: kind, cronExpr: expr}, nil
	case domain.ScheduleInterval:
		d, err := parseInterval(spec)
		if err != nil {
			return nil, err
		}
		return &Cadence{kind: kind, interval: d}, nil
	case domain.ScheduleOnce:
		at, err := time.Parse(time.RFC3339, spec)
		if err != nil {
			return nil, fmt.Errorf("%w: bad once timestamp %q: %v", domain.ErrValidation, spec, err)
		}
		return &Cadence{kind: kind, at: at}, nil
	case domain.ScheduleEvent:
		return &Cadence{kind: kind, eventKey: spec}, nil
	}
	return nil, fmt.Errorf("%w: unknown schedule kind %q", domain.ErrValidation, kind)
}

func parseInterval(spec string) (time.Duration, error) {
	if mins, err := strconv.Atoi(spec); err == nil {
		if mins <= 0 {
			return 0, fmt.Errorf("%w: interval must be positive", domain.ErrValidation)
		}
		return time.Duration(mins) * time.Minute, nil
	}
	d, err := time.ParseDuration(spec)
	if err != nil {
		return 0, fmt.Errorf("%w: bad interval %q: %v", domain.ErrValidation, spec, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be positive", domain.ErrValidation)
	}
	return d, nil
}

// Next returns the firing after t, or nil when the cadence never fires
// again (a once spec after its instant, or an event spec which only fires
// externally).
func (c *Cadence) Next(t time.Time) *time.Time {
	switch c.kind {
	case domain.ScheduleCron:
		n := c.cronExpr.Next(t)
		if n.IsZero() {
			return nil
		}
		return &n
	case domain.ScheduleInterval:
		n := t.Add(c.interval)
		return &n
	case domain.ScheduleOnce:
		if !c.at.After(t) {
			return nil
		}
		at := c.at
		return &at
	}
	return nil
}

// EventKey returns the key an event cadence is bound to ("" otherwise).
func (c *Cadence) EventKey() string { return c.eventKey }
