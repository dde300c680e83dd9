// Package schedule turns schedule strings from the config file into
// robfig/cron schedules and dispatch delays.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 */2 * * * *" (with seconds), "@hourly", "@every 5m"
//   - Go duration: "30s", "2h30m"
//   - HH:MM interval: "00:50" is 50 minutes, "02:30" is 2h30m
//
// The prefixes "cron:", "interval:" and "every:" force one interpretation.
package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

func (k Kind) String() string {
	if k == KindInterval {
		return "interval"
	}
	return "cron"
}

// Spec is a parsed schedule string.
type Spec struct {
	Kind  Kind
	Cron  string
	Every time.Duration
	Raw   string
}

var (
	parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	hhmm   = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)
)

// Parse validates raw. Cron expressions are checked against the parser so
// that a bad expression fails at config load, not at first dispatch.
func Parse(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)

	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(raw, strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseEvery(raw, strings.TrimSpace(s[len("interval:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseEvery(raw, strings.TrimSpace(s[len("every:"):]))
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return parseCron(raw, s)
	}

	spec, err := parseEvery(raw, s)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30' or a duration like '55m')", raw)
	}
	return spec, nil
}

// MustParse is Parse for constants.
func MustParse(raw string) Spec {
	s, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return s
}

func parseCron(raw, expr string) (Spec, error) {
	if expr == "" {
		return Spec{}, fmt.Errorf("cron expression required in %q", raw)
	}
	if _, err := parser.Parse(expr); err != nil {
		return Spec{}, fmt.Errorf("schedule %q: %w", raw, err)
	}
	return Spec{Kind: KindCron, Cron: expr, Raw: raw}, nil
}

func parseEvery(raw, v string) (Spec, error) {
	if v == "" {
		return Spec{}, fmt.Errorf("interval required in %q", raw)
	}
	var (
		d   time.Duration
		err error
	)
	if m := hhmm.FindStringSubmatch(v); m != nil {
		d, err = hhmmDuration(m[1], m[2])
	} else {
		d, err = time.ParseDuration(v)
	}
	if err != nil {
		return Spec{}, fmt.Errorf("invalid interval %q: %w", v, err)
	}
	if d <= 0 {
		return Spec{}, fmt.Errorf("interval %q must be > 0", v)
	}
	return Spec{Kind: KindInterval, Every: d, Raw: raw}, nil
}

func hhmmDuration(h, m string) (time.Duration, error) {
	hours, err := strconv.Atoi(h)
	if err != nil {
		return 0, err
	}
	mins, err := strconv.Atoi(m)
	if err != nil {
		return 0, err
	}
	if mins > 59 {
		return 0, fmt.Errorf("minutes out of range")
	}
	return time.Duration(hours)*time.Hour + time.Duration(mins)*time.Minute, nil
}

// Schedule returns the cron schedule evaluated in loc (nil means the
// location of the time passed to Next).
func (s Spec) Schedule(loc *time.Location) cron.Schedule {
	var sched cron.Schedule
	if s.Kind == KindInterval {
		sched = cron.Every(s.Every)
	} else {
		var err error
		if sched, err = parser.Parse(s.Cron); err != nil {
			return nil
		}
	}
	if loc == nil {
		return sched
	}
	return inLocation{sched: sched, loc: loc}
}

type inLocation struct {
	sched cron.Schedule
	loc   *time.Location
}

func (l inLocation) Next(t time.Time) time.Time { return l.sched.Next(t.In(l.loc)) }

// DelayFrom returns how long after now the schedule next fires. Intervals
// always return Every.
func (s Spec) DelayFrom(now time.Time, loc *time.Location) time.Duration {
	if s.Kind == KindInterval {
		return s.Every
	}
	sched := s.Schedule(loc)
	if sched == nil {
		return 0
	}
	next := sched.Next(now)
	if next.IsZero() {
		return 0
	}
	return max(next.Sub(now), 0)
}

func (s Spec) String() string {
	if s.Kind == KindInterval {
		return "every " + s.Every.String()
	}
	return s.Cron
}
