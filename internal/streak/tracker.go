// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package streak

import "time"

// dayLayout keys completions by calendar day.
const dayLayout = "2006-01-02"

// State is the per-task streak bookkeeping persisted between completions.
type State struct {
	// Count is the number of consecutive days with a completion, including
	// the most recent one.
	Count int
	// LastDay is the calendar day (YYYY-MM-DD, in the family's zone) of the
	// most recent counted completion. Empty before the first completion.
	LastDay string
}

// Preceding returns the streak length for the most recent completion: the
// consecutive completions that came before it. Call it on the state
// returned by Advance to price the completion just recorded.
func (s State) Preceding() int {
	if s.Count <= 0 {
		return 0
	}
	return s.Count - 1
}

// Advance records a completion at completedAt and returns the new state and
// whether the completion counted. A second completion on the same day does
// not count again. A completion the day after LastDay extends the streak;
// anything later starts a new streak of one.
func Advance(cur State, completedAt time.Time, loc *time.Location) (State, bool) {
	if loc == nil {
		loc = time.UTC
	}
	local := completedAt.In(loc)
	today := local.Format(dayLayout)
	if cur.LastDay == today {
		return cur, false
	}

	yesterday := local.AddDate(0, 0, -1).Format(dayLayout)
	next := State{Count: 1, LastDay: today}
	if cur.LastDay == yesterday && cur.Count > 0 {
		next.Count = cur.Count + 1
	}
	return next, true
}
