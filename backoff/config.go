// Copyright 2024 Seakee.  All rights reserved.
// Use of this source code is governed by a MIT style
// license that can be found in the LICENSE file.

package backoff

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FromString parses a config-file-friendly backoff descriptor of the form
// "<kind>:<args...>" into a Strategy, for engines that load job definition
// options from JSON/YAML rather than constructing them in Go.
//
// Supported forms:
//   - "constant:<delay>,<maxRetries>"
//   - "linear:<base>,<increment>,<maxRetries>"
//   - "exponential:<base>,<factor>,<maxRetries>,<jitter>"
//   - "aggressive" / "standard" / "relaxed" (presets, no args)
//
// Parameters:
//   - s: the descriptor string.
//
// Returns:
//   - Strategy: the resolved strategy.
//   - error: when the kind is unrecognized or its arguments don't parse.
func FromString(s string) (Strategy, error) {
	kind, rest, hasArgs := strings.Cut(s, ":")
	kind = strings.ToLower(strings.TrimSpace(kind))

	switch kind {
	case "aggressive":
		return Aggressive, nil
	case "standard":
		return Standard, nil
	case "relaxed":
		return Relaxed, nil
	}

	if !hasArgs {
		return nil, fmt.Errorf("backoff: %q missing arguments", s)
	}
	args := strings.Split(rest, ",")
	for i := range args {
		args[i] = strings.TrimSpace(args[i])
	}

	switch kind {
	case "constant":
		if len(args) != 2 {
			return nil, fmt.Errorf("backoff: constant expects 2 args, got %d", len(args))
		}
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return nil, fmt.Errorf("backoff: constant delay: %w", err)
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, fmt.Errorf("backoff: constant maxRetries: %w", err)
		}
		return Constant(d, n), nil

	case "linear":
		if len(args) != 3 {
			return nil, fmt.Errorf("backoff: linear expects 3 args, got %d", len(args))
		}
		base, err := time.ParseDuration(args[0])
		if err != nil {
			return nil, fmt.Errorf("backoff: linear base: %w", err)
		}
		inc, err := time.ParseDuration(args[1])
		if err != nil {
			return nil, fmt.Errorf("backoff: linear increment: %w", err)
		}
		n, err := strconv.Atoi(args[2])
		if err != nil {
			return nil, fmt.Errorf("backoff: linear maxRetries: %w", err)
		}
		return Linear(base, inc, n), nil

	case "exponential":
		if len(args) != 4 {
			return nil, fmt.Errorf("backoff: exponential expects 4 args, got %d", len(args))
		}
		base, err := time.ParseDuration(args[0])
		if err != nil {
			return nil, fmt.Errorf("backoff: exponential base: %w", err)
		}
		factor, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return nil, fmt.Errorf("backoff: exponential factor: %w", err)
		}
		n, err := strconv.Atoi(args[2])
		if err != nil {
			return nil, fmt.Errorf("backoff: exponential maxRetries: %w", err)
		}
		jitter, err := strconv.ParseFloat(args[3], 64)
		if err != nil {
			return nil, fmt.Errorf("backoff: exponential jitter: %w", err)
		}
		return Exponential(base, factor, n, jitter), nil
	}

	return nil, fmt.Errorf("backoff: unknown kind %q", kind)
}
