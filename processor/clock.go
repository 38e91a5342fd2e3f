// Copyright 2024 Seakee.  All rights reserved.
// Use of this source code is governed by a MIT style
// license that can be found in the LICENSE file.

package processor

import "time"

// Clock abstracts time so the processor's tick loop and lease-renewal timers
// can be driven deterministically in tests, the way internal/trace swaps a
// generator instead of calling time.Now() directly everywhere.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// realClock is the production Clock, backed directly by the time package.
type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock is the default Clock used when the engine is not given one.
var RealClock Clock = realClock{}
