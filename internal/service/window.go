// internal/service/window.go
package service

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// IsWithinWindow reports whether now falls inside the daily send window
// [start, end] expressed in loc. Both boundaries are inclusive and a window
// with start > end wraps past midnight.
func IsWithinWindow(start, end model.TimeOfDay, now time.Time, loc *time.Location) bool {
	local := now.In(loc)
	minutes := model.TimeOfDay(local.Hour()*60 + local.Minute())

	if start <= end {
		return start <= minutes && minutes <= end
	}
	return minutes >= start || minutes <= end
}

// WindowOpenedAt returns the most recent instant at or before now at which a
// window starting at start opened.
func WindowOpenedAt(start model.TimeOfDay, now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	opened := time.Date(local.Year(), local.Month(), local.Day(), start.Hour(), start.Minute(), 0, 0, loc)
	if opened.After(local) {
		opened = opened.AddDate(0, 0, -1)
	}
	return opened
}

// ParseOffset turns "+05:30", "-08:00" or "Z" into a fixed zone.
func ParseOffset(offset string) (*time.Location, error) {
	offset = strings.TrimSpace(offset)
	if offset == "" || offset == "Z" || offset == "UTC" {
		return time.UTC, nil
	}

	sign := 1
	switch offset[0] {
	case '+':
	case '-':
		sign = -1
	default:
		return nil, fmt.Errorf("invalid UTC offset %q", offset)
	}

	hh, mm, ok := strings.Cut(offset[1:], ":")
	if !ok || len(hh) != 2 || len(mm) != 2 {
		return nil, fmt.Errorf("invalid UTC offset %q", offset)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 14 {
		return nil, fmt.Errorf("invalid UTC offset %q", offset)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return nil, fmt.Errorf("invalid UTC offset %q", offset)
	}

	return time.FixedZone("UTC"+offset, sign*(h*3600+m*60)), nil
}
