// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package streak

import (
	"math"

	"github.com/samber/oops"
)

// Context is everything needed to price one completion.
type Context struct {
	// Base is the task's point value. Any finite number is accepted.
	Base float64
	// Streak counts the consecutive qualifying completions before this one.
	// Zero means this is the first completion of a streak.
	Streak int
	// Strategy is the task's combo strategy.
	Strategy Strategy
}

// Award returns the points for c.
//
// A zero streak always yields exactly c.Base. Stair bonuses stop growing
// once the streak passes the last configured step.
func Award(c Context) (float64, error) {
	if math.IsNaN(c.Base) || math.IsInf(c.Base, 0) {
		return 0, oops.Code("STREAK_INVALID_INPUT").With("base", c.Base).Errorf("base points must be finite")
	}
	if c.Streak < 0 {
		return 0, oops.Code("STREAK_INVALID_INPUT").With("streak", c.Streak).Errorf("streak must not be negative")
	}
	if err := c.Strategy.Validate(); err != nil {
		return 0, err
	}
	if c.Streak == 0 {
		return c.Base, nil
	}

	switch c.Strategy.Kind() {
	case KindLinear:
		return c.Base + c.Base*c.Strategy.multiplier*float64(c.Streak), nil
	case KindStair:
		steps := c.Strategy.steps
		n := min(c.Streak, len(steps))
		if n == 0 {
			return c.Base, nil
		}
		bonus := 0.0
		for _, m := range steps[:n] {
			bonus += m
		}
		return c.Base * (1 + bonus), nil
	default:
		return c.Base, nil
	}
}

// Points rounds an award to whole points, half away from zero.
func Points(award float64) int64 {
	return int64(math.Round(award))
}
