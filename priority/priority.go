// Copyright 2024 Seakee.  All rights reserved.
// Use of this source code is governed by a MIT style
// license that can be found in the LICENSE file.

// Package priority resolves the symbolic job priority literals used by
// scheduling verbs ("lowest".."highest") into their numeric ranking, higher
// meaning "run sooner" among jobs with the same nextRunAt.
package priority

import "strconv"

// Named priority levels, per the engine's priority literal map.
const (
	Lowest  = -20
	Low     = -10
	Normal  = 0
	High    = 10
	Highest = 20
)

var literals = map[string]int{
	"lowest":  Lowest,
	"low":     Low,
	"normal":  Normal,
	"high":    High,
	"highest": Highest,
}

// Parse resolves a priority value that may be a symbolic literal, a numeric
// string, or an int/float already in numeric form. Unrecognized strings
// fall back to Normal.
//
// Parameters:
//   - v: "lowest".."highest", a numeric string, or an int/float64.
//
// Returns:
//   - int: resolved numeric priority, Normal (0) when v is nil or
//     unrecognized.
func Parse(v any) int {
	switch t := v.(type) {
	case nil:
		return Normal
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		if n, ok := literals[t]; ok {
			return n
		}
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
		return Normal
	default:
		return Normal
	}
}
