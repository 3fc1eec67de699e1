// Package quiet applies per-recipient do-not-disturb windows to intents.
package quiet

import (
	"time"

	"notifyd/internal/model"
)

// Users looks up recipients by id.
type Users interface {
	User(id string) (model.User, bool)
}

// Window is a daily [Start, End) range in minutes after local midnight.
// Start > End wraps across midnight; Start == End is an empty window.
type Window struct {
	Start int
	End   int
}

// WindowOf returns the user's quiet window, or false when quiet hours are
// disabled, unparsable or empty.
func WindowOf(q model.QuietHours) (Window, bool) {
	if !q.Enabled {
		return Window{}, false
	}
	sh, sm, err := model.ParseClock(q.Start)
	if err != nil {
		return Window{}, false
	}
	eh, em, err := model.ParseClock(q.End)
	if err != nil {
		return Window{}, false
	}
	w := Window{Start: sh*60 + sm, End: eh*60 + em}
	if w.Start == w.End {
		return Window{}, false
	}
	return w, true
}

// Contains reports whether minute-of-day m falls inside the window.
func (w Window) Contains(m int) bool {
	if w.Start < w.End {
		return m >= w.Start && m < w.End
	}
	return m >= w.Start || m < w.End
}

// Until returns the absolute end of the quiet window containing t, or false
// when t (in the user's timezone) is outside quiet hours.
func Until(u model.User, t time.Time) (time.Time, bool) {
	w, ok := WindowOf(u.QuietHours)
	if !ok {
		return time.Time{}, false
	}
	local := t.In(u.Location())
	m := local.Hour()*60 + local.Minute()
	if !w.Contains(m) {
		return time.Time{}, false
	}
	day := local.Day()
	if w.Start > w.End && m >= w.Start {
		day++
	}
	end := time.Date(local.Year(), local.Month(), day, w.End/60, w.End%60, 0, 0, local.Location())
	return end, true
}

// Apply gates one intent at time now. Critical intents pass unchanged; high
// intents are delayed to the end of the window; medium and low intents are
// folded into the recipient's next daily digest. No intent is dropped.
func Apply(u model.User, in model.Intent, now time.Time) model.Intent {
	if in.IsDigest() || in.Priority == model.PriorityCritical {
		return in
	}
	end, ok := Until(u, now)
	if !ok {
		return in
	}
	if end.After(in.ScheduledAt) {
		in.ScheduledAt = end
	}
	if in.Priority == model.PriorityHigh {
		in.Delayed = true
	} else {
		in.Folded = true
	}
	return in
}

// Gate applies quiet hours to every intent. Intents for unknown users pass through.
func Gate(users Users, intents []model.Intent, now time.Time) []model.Intent {
	out := make([]model.Intent, len(intents))
	for i, in := range intents {
		u, ok := users.User(in.Key.RecipientID)
		if !ok {
			out[i] = in
			continue
		}
		out[i] = Apply(u, in, now)
	}
	return out
}
