// Copyright 2024 Seakee.  All rights reserved.
// Use of this source code is governed by a MIT style
// license that can be found in the LICENSE file.

// Package interval computes the next fire time for a recurring or one-shot
// job from a cron expression, a human-readable duration, or a wall-clock
// time-of-day, with IANA timezone awareness.
package interval

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field cron, the optional seconds field used
// by 6-field expressions, and the "@every"/"@hourly"-style descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Next computes the next fire time strictly after ref for the given
// interval spec. It tries a cron expression first, then a human-readable
// duration. tz, when non-nil, is applied to ref before cron evaluation (not
// after) so that cron fields are evaluated in the job's configured
// timezone.
//
// Parameters:
//   - ref: the reference instant (normally lastRunAt or now).
//   - spec: a cron expression or a human duration string.
//   - tz: optional IANA timezone; nil means ref's own location.
//
// Returns:
//   - time.Time: the next fire time, strictly after ref.
//   - error: a deterministic reason when spec matches neither form.
func Next(ref time.Time, spec string, tz *time.Location) (time.Time, error) {
	if spec == "" {
		return time.Time{}, fmt.Errorf("interval: empty interval spec")
	}

	localRef := ref
	if tz != nil {
		localRef = ref.In(tz)
	}

	if schedule, err := cronParser.Parse(spec); err == nil {
		next := schedule.Next(localRef)
		// Cron engines that would otherwise emit the reference instant
		// itself must be advanced by one second and re-evaluated.
		if !next.After(localRef) {
			next = schedule.Next(localRef.Add(time.Second))
		}
		return next, nil
	}

	if d, ok := ParseHuman(spec); ok {
		return localRef.Add(d), nil
	}

	return time.Time{}, fmt.Errorf("interval: %q is neither a valid cron expression nor a human duration", spec)
}

// NextClockTime resolves a repeatAt time-of-day literal ("9:00am", "14:30",
// "9pm") to the next wall-clock occurrence strictly after ref, in tz (or
// ref's own location when tz is nil). If the computed instant equals ref
// exactly, it is interpreted as "tomorrow at <time>".
//
// Parameters:
//   - ref: the reference instant.
//   - clockTime: a time-of-day literal.
//   - tz: optional IANA timezone.
//
// Returns:
//   - time.Time: next wall-clock occurrence of clockTime after ref.
//   - error: when clockTime cannot be parsed.
func NextClockTime(ref time.Time, clockTime string, tz *time.Location) (time.Time, error) {
	loc := ref.Location()
	if tz != nil {
		loc = tz
	}

	localRef := ref.In(loc)

	hour, minute, ok := parseClockTime(clockTime)
	if !ok {
		return time.Time{}, fmt.Errorf("interval: %q is not a recognized time of day", clockTime)
	}

	candidate := time.Date(localRef.Year(), localRef.Month(), localRef.Day(), hour, minute, 0, 0, loc)
	if !candidate.After(localRef) {
		candidate = candidate.AddDate(0, 0, 1)
	}

	return candidate, nil
}
