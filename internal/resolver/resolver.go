// Package resolver turns one event into delivery intents by merging the
// user's personal preference, the type rule and any group restriction.
//
// Resolution is a pure function of its inputs: it reads no clock and
// allocates no ids, so the same snapshot and event always give the same result.
package resolver

import (
	"fmt"
	"sort"
	"strings"

	"notifyd/internal/model"
)

// Source is the read side of the preference store.
type Source interface {
	User(id string) (model.User, bool)
	Preference(userID string) (model.PersonalPreference, bool)
	Rule(t model.NotificationType) (model.TypeRule, bool)
	Group(id string) (model.Group, bool)
}

// Result is the outcome of resolving one event.
type Result struct {
	Intents []model.Intent
	// Recipients is the number of known candidates considered.
	Recipients int
	// Unknown lists candidate ids missing from the user directory, sorted.
	Unknown []string
}

type candidate struct {
	user model.User
	// group is non-nil when the candidate came only through group routing.
	group *model.Group
}

// Resolve returns the intents for ev, sorted by (recipient, channel).
// It fails with model.ErrNoRecipients when no known candidate remains.
func Resolve(src Source, ev model.Event) (Result, error) {
	cands, unknown, err := candidates(src, ev)
	if err != nil {
		return Result{Unknown: unknown}, err
	}

	res := Result{Recipients: len(cands), Unknown: unknown}
	summary := model.SummaryOf(ev)
	for _, c := range cands {
		chans, freq := route(src, c, ev.Type)
		for _, ch := range chans.List() {
			res.Intents = append(res.Intents, model.Intent{
				Key:       model.IntentKey{EventID: ev.ID, RecipientID: c.user.ID, Channel: ch},
				Type:      ev.Type,
				Priority:  ev.Priority,
				Frequency: freq,
				Summary:   summary,
				Payload:   ev.Payload,
				CreatedAt: ev.CreatedAt,
			})
		}
	}
	return res, nil
}

func candidates(src Source, ev model.Event) ([]candidate, []string, error) {
	byID := map[string]candidate{}
	missing := map[string]struct{}{}

	if gid := strings.TrimSpace(ev.GroupID); gid != "" {
		if g, ok := src.Group(gid); ok && g.Active {
			g := g
			for _, id := range g.Members {
				u, ok := src.User(id)
				if !ok {
					missing[id] = struct{}{}
					continue
				}
				byID[id] = candidate{user: u, group: &g}
			}
		}
	}
	// Explicit recipients are not restricted by the group, so they replace group entries.
	for _, raw := range ev.Recipients {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		u, ok := src.User(id)
		if !ok {
			missing[id] = struct{}{}
			continue
		}
		byID[id] = candidate{user: u}
	}

	unknown := make([]string, 0, len(missing))
	for id := range missing {
		unknown = append(unknown, id)
	}
	sort.Strings(unknown)

	if len(byID) == 0 {
		if ev.GroupID != "" {
			return nil, unknown, fmt.Errorf("%w: group %q has no known active members", model.ErrNoRecipients, ev.GroupID)
		}
		return nil, unknown, model.ErrNoRecipients
	}

	out := make([]candidate, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].user.ID < out[j].user.ID })
	return out, unknown, nil
}

// route returns the enabled channels and frequency for one candidate.
func route(src Source, c candidate, t model.NotificationType) (model.ChannelSet, model.Frequency) {
	pref, hasPref := src.Preference(c.user.ID)
	rule, hasRule := src.Rule(t)

	var override model.TypeOverride
	hasOverride := false
	if hasPref {
		override, hasOverride = pref.TypeOverrides[t]
	}

	var chans model.ChannelSet
	switch {
	case hasOverride && override.Channels != nil:
		chans = *override.Channels
	case hasPref && hasRule:
		chans = pref.Channels.And(rule.Channels)
	case hasPref:
		chans = pref.Channels
	case hasRule:
		chans = rule.Channels
	}

	if c.group != nil {
		if !c.group.Subscribed(t) {
			return model.ChannelSet{}, ""
		}
		chans = chans.And(c.group.Channels)
	}

	return chans, frequency(override, hasOverride, rule, hasRule, pref, hasPref)
}

func frequency(ov model.TypeOverride, hasOv bool, rule model.TypeRule, hasRule bool, pref model.PersonalPreference, hasPref bool) model.Frequency {
	switch {
	case hasOv && ov.Frequency != "":
		return ov.Frequency
	case hasRule && rule.Frequency != "":
		return rule.Frequency
	case hasPref && pref.Frequency != "":
		return pref.Frequency
	}
	return model.FrequencyImmediate
}
