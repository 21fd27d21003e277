package scheduler

import (
	"strconv"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/homesteadhq/homestead/internal/fault"
	"github.com/homesteadhq/homestead/internal/persistence"
)

// cronParser accepts standard 5-field expressions (minute, hour, dom,
// month, dow). Cron schedules evaluate in UTC.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// onceLayouts are the accepted forms for a once schedule, interpreted in
// local time unless the value carries an offset.
var onceLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// Compute returns the next fire instant strictly after the given time, as
// epoch seconds. A nil result with nil error means the schedule has no
// future fire (a once schedule already past). Deterministic: the same
// inputs always yield the same instant.
func Compute(kind persistence.ScheduleKind, expr string, after time.Time) (*int64, error) {
	switch kind {
	case persistence.ScheduleCron:
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return nil, fault.Wrap(fault.KindValidation, err, "invalid cron expression %q", expr)
		}
		next := sched.Next(after.UTC()).Unix()
		return &next, nil

	case persistence.ScheduleInterval:
		secs, err := strconv.Atoi(strings.TrimSpace(expr))
		if err != nil || secs <= 0 {
			return nil, fault.New(fault.KindValidation, "interval must be a positive integer of seconds, got %q", expr)
		}
		next := after.Add(time.Duration(secs) * time.Second).Unix()
		return &next, nil

	case persistence.ScheduleOnce:
		at, err := parseOnce(expr)
		if err != nil {
			return nil, err
		}
		if !at.After(after) {
			return nil, nil
		}
		next := at.Unix()
		return &next, nil

	default:
		return nil, fault.New(fault.KindValidation, "unknown schedule kind %q", kind)
	}
}

// ValidateSchedule rejects malformed schedule expressions at the API
// boundary; a once schedule in the past is accepted (it simply never
// fires).
func ValidateSchedule(kind persistence.ScheduleKind, expr string) error {
	switch kind {
	case persistence.ScheduleCron:
		if _, err := cronParser.Parse(expr); err != nil {
			return fault.Wrap(fault.KindValidation, err, "invalid cron expression %q", expr)
		}
	case persistence.ScheduleInterval:
		secs, err := strconv.Atoi(strings.TrimSpace(expr))
		if err != nil || secs <= 0 {
			return fault.New(fault.KindValidation, "interval must be a positive integer of seconds, got %q", expr)
		}
	case persistence.ScheduleOnce:
		if _, err := parseOnce(expr); err != nil {
			return err
		}
	default:
		return fault.New(fault.KindValidation, "unknown schedule kind %q", kind)
	}
	return nil
}

func parseOnce(expr string) (time.Time, error) {
	expr = strings.TrimSpace(expr)
	for _, layout := range onceLayouts {
		if t, err := time.ParseInLocation(layout, expr, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fault.New(fault.KindValidation, "invalid once timestamp %q", expr)
}
