// Copyright 2024 Seakee.  All rights reserved.
// Use of this source code is governed by a MIT style
// license that can be found in the LICENSE file.

package interval

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	reEveryInterval = regexp.MustCompile(`^(?:every\s+)?(\d+)\s+(second|minute|hour|day|sec|min)s?$`)
	reSingular      = regexp.MustCompile(`^(?:every\s+)?(a|an|one)\s+(second|minute|hour|day)$`)
	reInDuration    = regexp.MustCompile(`^in\s+(\d+)\s+(second|minute|hour|day|sec|min)s?$`)
	reClockTime     = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
)

// ParseHuman parses a human-readable interval such as "5 seconds",
// "every 10 minutes", "1 hour", or "in 90 minutes" into a duration.
//
// Parameters:
//   - s: the human-readable interval string.
//
// Returns:
//   - time.Duration: the resolved duration.
//   - bool: false when s matches none of the recognized forms.
func ParseHuman(s string) (time.Duration, bool) {
	normalized := strings.TrimSpace(strings.ToLower(s))
	if normalized == "" {
		return 0, false
	}

	if m := reEveryInterval.FindStringSubmatch(normalized); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return 0, false
		}
		return time.Duration(n) * unitDuration(m[2]), true
	}

	if m := reSingular.FindStringSubmatch(normalized); m != nil {
		return unitDuration(m[2]), true
	}

	if m := reInDuration.FindStringSubmatch(normalized); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return 0, false
		}
		return time.Duration(n) * unitDuration(m[2]), true
	}

	// Fall back to Go's own duration grammar ("90s", "1h30m").
	if d, err := time.ParseDuration(strings.ReplaceAll(normalized, " ", "")); err == nil {
		return d, true
	}

	return 0, false
}

func unitDuration(word string) time.Duration {
	switch strings.TrimSuffix(word, "s") {
	case "second", "sec":
		return time.Second
	case "minute", "min":
		return time.Minute
	case "hour":
		return time.Hour
	case "day":
		return 24 * time.Hour
	default:
		return 0
	}
}

// parseClockTime parses a time-of-day literal like "9", "9:30", "9am",
// "3:30pm", or "14:30" into (hour, minute) in 24-hour form.
func parseClockTime(s string) (hour, minute int, ok bool) {
	normalized := strings.TrimSpace(strings.ToLower(s))
	m := reClockTime.FindStringSubmatch(normalized)
	if m == nil {
		return 0, 0, false
	}

	hour, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	if m[2] != "" {
		minute, err = strconv.Atoi(m[2])
		if err != nil {
			return 0, 0, false
		}
	}

	switch m[3] {
	case "pm":
		if hour < 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	}

	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, false
	}

	return hour, minute, true
}
