// Package schedule computes when a program should next run. The computation
// is pure: callers supply "now" (already in the controller's timezone) and
// persist the result themselves.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/padenj/irrigation-controller/internal/model"
)

// maxScanDays bounds the weekday scan. A program with any scheduled weekday
// resolves within two weeks; the slack only matters when last_run sits in
// the future because of clock skew, in which case the next run is delayed
// until after it.
const maxScanDays = 366

// NextRunTime returns the first instant at the program's start time, on one
// of its scheduled weekdays, that is not before now and is strictly after
// the program's last run. skipToday excludes today's slot so a run triggered
// just now is not re-selected on the next tick. A program with no scheduled
// weekdays returns nil: never scheduled.
func NextRunTime(p model.Program, now time.Time, skipToday bool) (*time.Time, error) {
	if len(p.DaysOfWeek) == 0 {
		return nil, nil
	}

	hour, minute, err := ParseStartTime(p.StartTime)
	if err != nil {
		return nil, err
	}

	scheduled := make(map[int]bool, len(p.DaysOfWeek))
	for _, d := range p.DaysOfWeek {
		if d < 0 || d > 6 {
			return nil, fmt.Errorf("invalid weekday %d in program %s", d, p.ID)
		}
		scheduled[d] = true
	}

	for offset := 0; offset < maxScanDays; offset++ {
		if offset == 0 && skipToday {
			continue
		}
		day := now.AddDate(0, 0, offset)
		if !scheduled[int(day.Weekday())] {
			continue
		}
		candidate := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, now.Location())
		if candidate.Before(now) {
			continue
		}
		if p.LastRunTime != nil && !candidate.After(*p.LastRunTime) {
			continue
		}
		return &candidate, nil
	}
	return nil, nil
}

// ParseStartTime validates and splits an "HH:MM" start time.
func ParseStartTime(s string) (hour, minute int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid start time %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid start time %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid start time %q", s)
	}
	return hour, minute, nil
}
