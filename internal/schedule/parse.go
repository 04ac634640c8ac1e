package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrBadInput marks argument errors that should be shown to the user as-is.
var ErrBadInput = errors.New("bad input")

func badInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadInput, fmt.Sprintf(format, args...))
}

// Clock is a time of day.
type Clock struct {
	Hour   int
	Minute int
}

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// On returns c on the calendar day of day, in day's location.
func (c Clock) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, c.Hour, c.Minute, 0, 0, day.Location())
}

var (
	reClock12 = regexp.MustCompile(`^\s*(\d{1,2})\s*:\s*(\d{1,2})\s*([aApP])[mM]\s*$`)
	reClock24 = regexp.MustCompile(`^\s*(\d{1,2})\s*:\s*(\d{1,2})\s*$`)
)

// ParseClock accepts "h:mm am|pm" and 24h "HH:MM". Spaces around the parts
// are ignored.
func ParseClock(s string) (Clock, error) {
	if m := reClock12.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if h > 12 || mm > 59 {
			return Clock{}, badInput("invalid time %q", s)
		}
		h %= 12
		if strings.EqualFold(m[3], "p") {
			h += 12
		}
		return Clock{Hour: h, Minute: mm}, nil
	}
	if m := reClock24.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if h > 23 || mm > 59 {
			return Clock{}, badInput("invalid time %q", s)
		}
		return Clock{Hour: h, Minute: mm}, nil
	}
	return Clock{}, badInput("invalid time %q (use 18:30 or 6:30pm)", s)
}

// ParseDate parses YYYY-MM-DD in the location of now. "today" and
// "tomorrow" are accepted too.
func ParseDate(s string, now time.Time) (time.Time, error) {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "", "today":
		return now, nil
	case "tomorrow":
		return now.AddDate(0, 0, 1), nil
	default:
		d, err := time.ParseInLocation("2006-01-02", v, now.Location())
		if err != nil {
			return time.Time{}, badInput("invalid date %q (use YYYY-MM-DD)", s)
		}
		return d, nil
	}
}

var repeatParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseRepeat parses a repeat spec: a 5-field cron expression
// ("0 18 * * 5") or a descriptor ("@weekly", "@every 36h").
func ParseRepeat(spec string) (cron.Schedule, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return nil, badInput("repeat spec required")
	}
	sched, err := repeatParser.Parse(s)
	if err != nil {
		return nil, badInput("invalid repeat %q: %v", spec, err)
	}
	return sched, nil
}

// NextOccurrence returns the first start of a repeating series at or after
// after. The series begins at first. For a one-off event (empty repeat) it
// returns first when that is not in the past.
func NextOccurrence(first time.Time, repeat string, after time.Time) (time.Time, bool) {
	if !first.Before(after) {
		return first, true
	}
	if strings.TrimSpace(repeat) == "" {
		return time.Time{}, false
	}
	sched, err := ParseRepeat(repeat)
	if err != nil {
		return time.Time{}, false
	}
	next := sched.Next(after.Add(-time.Second).In(first.Location()))
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}
