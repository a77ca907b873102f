package app

import (
	"strconv"
	"strings"
	"time"
)

// inWorkingWindow reports whether the local time falls inside [start, end),
// where start and end are "HH:MM" strings. A start later than the end means
// the window wraps past midnight (from start to midnight, then midnight to
// end). Unparseable bounds fail open: a misconfigured schedule should not
// freeze submissions.
func inWorkingWindow(now time.Time, start, end string) bool {
	startMin, okStart := parseClock(start)
	endMin, okEnd := parseClock(end)
	if !okStart || !okEnd {
		return true
	}

	nowMin := now.Hour()*60 + now.Minute()
	if startMin == endMin {
		return true
	}
	if startMin < endMin {
		return nowMin >= startMin && nowMin < endMin
	}
	return nowMin >= startMin || nowMin < endMin
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(value string) (int, bool) {
	parts := strings.SplitN(strings.TrimSpace(value), ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, false
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, false
	}
	return hour*60 + minute, true
}
