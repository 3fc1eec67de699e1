package digest

import (
	"fmt"
	"strings"
	"time"

	"notifyd/internal/model"
	"notifyd/internal/quiet"

	"github.com/robfig/cron/v3"
)

// DefaultWindow is the boundary schedule for "digest" frequency.
const DefaultWindow = "@hourly"

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseWindow parses the digest window cron spec (e.g. "@hourly", "*/15 * * * *").
func ParseWindow(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultWindow
	}
	// Window boundaries are UTC unless the spec names a zone.
	full := spec
	if !strings.HasPrefix(spec, "TZ=") && !strings.HasPrefix(spec, "CRON_TZ=") {
		full = "CRON_TZ=UTC " + spec
	}
	s, err := parser.Parse(full)
	if err != nil {
		return nil, fmt.Errorf("digest window %q: %w", spec, err)
	}
	return s, nil
}

// dailySchedule fires once a day at the user's digest time in their timezone.
func dailySchedule(u model.User, fallback string) (cron.Schedule, error) {
	h, m := u.DigestClock()
	if strings.TrimSpace(u.DigestTime) == "" && fallback != "" {
		if fh, fm, err := model.ParseClock(fallback); err == nil {
			h, m = fh, fm
		}
	}
	return parser.Parse(fmt.Sprintf("CRON_TZ=%s %d %d * * *", u.Location().String(), m, h))
}

// slotFor returns the due time of the bucket that holds an intent, given the
// arrival time now. Immediate intents that are not delayed have no slot.
func (s *Scheduler) slotFor(u model.User, in model.Intent, now time.Time) (time.Time, error) {
	var slot time.Time
	switch {
	case in.Folded || in.Frequency == model.FrequencyDaily:
		sched, err := dailySchedule(u, s.defaultTime)
		if err != nil {
			return time.Time{}, err
		}
		slot = sched.Next(now)
		if in.ScheduledAt.After(now) {
			// A digest due exactly when quiet hours end still takes the item.
			slot = sched.Next(in.ScheduledAt.Add(-time.Second))
		}
	case in.Frequency == model.FrequencyDigest:
		slot = s.window.Next(now)
	default:
		slot = in.ScheduledAt
	}
	if slot.Before(in.ScheduledAt) {
		slot = in.ScheduledAt
	}
	// A slot landing inside quiet hours waits for the window to end.
	if in.Priority != model.PriorityCritical {
		if end, ok := quiet.Until(u, slot); ok {
			slot = end
		}
	}
	return slot.Truncate(time.Second), nil
}
