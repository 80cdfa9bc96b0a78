package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// IntervalSchedule runs a job at a fixed interval after the previous start.
type IntervalSchedule struct {
	Interval time.Duration
}

// Every creates an IntervalSchedule.
func Every(interval time.Duration) *IntervalSchedule {
	return &IntervalSchedule{Interval: interval}
}

// Next implements Schedule.
func (s *IntervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.Interval)
}

// String implements Schedule.
func (s *IntervalSchedule) String() string {
	return "@every " + s.Interval.String()
}

// CronSchedule is a standard five-field cron expression evaluated in UTC:
// minute hour day-of-month month day-of-week. Each field accepts "*", a
// value, a range "a-b", a step suffix "/n" and comma separated lists of those.
//
//	"*/5 * * * *"   every 5 minutes
//	"30 3 * * *"    daily at 03:30
//	"0 9-17/2 * * 1-5"
type CronSchedule struct {
	raw    string
	fields [5]bitset
}

type bitset uint64

func (b bitset) has(v int) bool { return b&(1<<uint(v)) != 0 }

var cronBounds = [5]struct {
	name     string
	min, max int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day of month", 1, 31},
	{"month", 1, 12},
	{"day of week", 0, 6},
}

// ParseCron parses a cron expression.
func ParseCron(expr string) (*CronSchedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return nil, fmt.Errorf("cron %q: expected 5 fields, got %d", expr, len(parts))
	}

	cs := &CronSchedule{raw: expr}
	for i, part := range parts {
		bounds := cronBounds[i]
		set, err := parseCronField(part, bounds.min, bounds.max)
		if err != nil {
			return nil, fmt.Errorf("cron %q: %s field: %w", expr, bounds.name, err)
		}
		cs.fields[i] = set
	}
	return cs, nil
}

// MustParseCron is ParseCron that panics, for static schedules.
func MustParseCron(expr string) *CronSchedule {
	cs, err := ParseCron(expr)
	if err != nil {
		panic(err)
	}
	return cs
}

func parseCronField(field string, min, max int) (bitset, error) {
	var set bitset
	for _, term := range strings.Split(field, ",") {
		step := 1
		if base, s, ok := strings.Cut(term, "/"); ok {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("bad step %q", s)
			}
			step = n
			term = base
		}

		lo, hi := min, max
		switch {
		case term == "*":
		case strings.Contains(term, "-"):
			a, b, _ := strings.Cut(term, "-")
			var err error
			if lo, err = strconv.Atoi(a); err != nil {
				return 0, fmt.Errorf("bad range start %q", a)
			}
			if hi, err = strconv.Atoi(b); err != nil {
				return 0, fmt.Errorf("bad range end %q", b)
			}
		default:
			v, err := strconv.Atoi(term)
			if err != nil {
				return 0, fmt.Errorf("bad value %q", term)
			}
			lo = v
			if step == 1 {
				hi = v
			}
		}

		if lo < min || hi > max || lo > hi {
			return 0, fmt.Errorf("%d-%d outside [%d-%d]", lo, hi, min, max)
		}
		for v := lo; v <= hi; v += step {
			set |= 1 << uint(v)
		}
	}
	return set, nil
}

// Next implements Schedule. It returns the zero time if nothing matches
// within a year, which only happens for impossible dates such as Feb 30.
func (cs *CronSchedule) Next(after time.Time) time.Time {
	t := after.UTC().Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(1, 0, 0)

	for t.Before(limit) {
		switch {
		case !cs.fields[3].has(int(t.Month())):
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
		case !cs.fields[2].has(t.Day()) || !cs.fields[4].has(int(t.Weekday())):
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
		case !cs.fields[1].has(t.Hour()):
			t = t.Truncate(time.Hour).Add(time.Hour)
		case !cs.fields[0].has(t.Minute()):
			t = t.Add(time.Minute)
		default:
			return t
		}
	}
	return time.Time{}
}

// String implements Schedule.
func (cs *CronSchedule) String() string {
	return cs.raw
}
