package prefs

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"notifyd/internal/model"
)

// ImportError lists every problem found in a rejected document.
type ImportError struct {
	Problems []string
}

func (e *ImportError) Error() string {
	if e == nil || len(e.Problems) == 0 {
		return "invalid preferences document"
	}
	if len(e.Problems) == 1 {
		return "invalid preferences document: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid preferences document (%d problems): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

func (e *ImportError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Validate checks referential integrity of doc. It returns nil or an *ImportError.
func Validate(doc Document) error {
	ie := &ImportError{}

	users := make(map[string]struct{}, len(doc.Users))
	for i, u := range doc.Users {
		id := strings.TrimSpace(u.ID)
		switch {
		case id == "":
			ie.add("users[%d]: id is required", i)
			continue
		case id != u.ID:
			ie.add("users[%d]: id %q has surrounding whitespace", i, u.ID)
		}
		if _, dup := users[id]; dup {
			ie.add("users[%d]: duplicate id %q", i, id)
		}
		users[id] = struct{}{}

		if tz := strings.TrimSpace(u.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				ie.add("user %q: unknown timezone %q", id, u.Timezone)
			}
		}
		if u.DigestTime != "" {
			if _, _, err := model.ParseClock(u.DigestTime); err != nil {
				ie.add("user %q: digest_time: %v", id, err)
			}
		}
		if u.QuietHours.Enabled || u.QuietHours.Start != "" || u.QuietHours.End != "" {
			if _, _, err := model.ParseClock(u.QuietHours.Start); err != nil {
				ie.add("user %q: quiet_hours.start: %v", id, err)
			}
			if _, _, err := model.ParseClock(u.QuietHours.End); err != nil {
				ie.add("user %q: quiet_hours.end: %v", id, err)
			}
		}
	}

	owners := make(map[string]struct{}, len(doc.Preferences))
	for i, p := range doc.Preferences {
		if _, ok := users[p.UserID]; !ok {
			ie.add("preferences[%d]: unknown user %q", i, p.UserID)
		}
		if _, dup := owners[p.UserID]; dup {
			ie.add("preferences[%d]: duplicate preference for user %q", i, p.UserID)
		}
		owners[p.UserID] = struct{}{}
		if p.Frequency != "" && !p.Frequency.Valid() {
			ie.add("preference %q: unknown notification_frequency %q", p.UserID, p.Frequency)
		}
		for _, t := range overrideTypes(p) {
			ov := p.TypeOverrides[t]
			if !t.Valid() {
				ie.add("preference %q: override for unknown type %q", p.UserID, t)
			}
			if ov.Frequency != "" && !ov.Frequency.Valid() {
				ie.add("preference %q: override %q: unknown frequency %q", p.UserID, t, ov.Frequency)
			}
		}
	}

	rules := make(map[model.NotificationType]struct{}, len(doc.TypeRules))
	for i, r := range doc.TypeRules {
		if !r.Type.Valid() {
			ie.add("type_rules[%d]: unknown type %q", i, r.Type)
		}
		if _, dup := rules[r.Type]; dup {
			ie.add("type_rules[%d]: duplicate rule for %q", i, r.Type)
		}
		rules[r.Type] = struct{}{}
		if r.Frequency != "" && !r.Frequency.Valid() {
			ie.add("type rule %q: unknown frequency %q", r.Type, r.Frequency)
		}
	}

	groups := make(map[string]struct{}, len(doc.Groups))
	for i, g := range doc.Groups {
		if strings.TrimSpace(g.ID) == "" {
			ie.add("groups[%d]: id is required", i)
			continue
		}
		if _, dup := groups[g.ID]; dup {
			ie.add("groups[%d]: duplicate id %q", i, g.ID)
		}
		groups[g.ID] = struct{}{}
		for _, m := range g.Members {
			if _, ok := users[m]; !ok {
				ie.add("group %q: unknown member %q", g.ID, m)
			}
		}
		for _, t := range g.Types {
			if !t.Valid() {
				ie.add("group %q: unknown type %q", g.ID, t)
			}
		}
	}

	if len(ie.Problems) > 0 {
		return ie
	}
	return nil
}

func overrideTypes(p model.PersonalPreference) []model.NotificationType {
	out := make([]model.NotificationType, 0, len(p.TypeOverrides))
	for t := range p.TypeOverrides {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
