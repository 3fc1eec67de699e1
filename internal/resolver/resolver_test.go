package resolver

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"notifyd/internal/model"
	"notifyd/internal/prefs"
)

func store(t *testing.T, doc prefs.Document) *prefs.Snapshot {
	t.Helper()
	s := prefs.NewStore()
	if err := s.Import(doc); err != nil {
		t.Fatalf("Import: %v", err)
	}
	return s.Snapshot()
}

type pair struct {
	user string
	ch   model.Channel
	freq model.Frequency
}

func pairs(intents []model.Intent) []pair {
	out := make([]pair, 0, len(intents))
	for _, in := range intents {
		out = append(out, pair{in.Key.RecipientID, in.Key.Channel, in.Frequency})
	}
	return out
}

func event(typ model.NotificationType, recipients ...string) model.Event {
	return model.Event{
		ID:         "ev-1",
		Type:       typ,
		Priority:   model.PriorityMedium,
		Payload:    model.Payload{Title: "disk full"},
		CreatedAt:  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Recipients: recipients,
	}
}

func TestPersonalPreferenceNarrowsTypeRule(t *testing.T) {
	t.Parallel()
	snap := store(t, prefs.Document{
		Users:       []model.User{{ID: "U"}},
		Preferences: []model.PersonalPreference{{UserID: "U", Channels: model.ChannelSet{Email: true, Push: false}}},
		TypeRules:   []model.TypeRule{{Type: model.TypeCriticalAlert, Channels: model.ChannelSet{Email: true, Push: true}}},
	})
	res, err := Resolve(snap, event(model.TypeCriticalAlert, "U"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := []pair{{"U", model.ChannelEmail, model.FrequencyImmediate}}
	if got := pairs(res.Intents); !reflect.DeepEqual(got, want) {
		t.Fatalf("intents = %v, want %v", got, want)
	}
}

func TestChannelMergeAndFrequencyPrecedence(t *testing.T) {
	t.Parallel()
	sms := model.ChannelSet{SMS: true}
	doc := prefs.Document{
		Users: []model.User{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}},
		Preferences: []model.PersonalPreference{
			{UserID: "a", Channels: model.ChannelSet{Email: true, Push: true}, Frequency: model.FrequencyDaily},
			{UserID: "b", Channels: model.ChannelSet{Email: true}, Frequency: model.FrequencyDaily,
				TypeOverrides: map[model.NotificationType]model.TypeOverride{model.TypeInfo: {Channels: &sms, Frequency: model.FrequencyDigest}}},
			{UserID: "c", Channels: model.ChannelSet{Chat: true}, Frequency: model.FrequencyDaily,
				TypeOverrides: map[model.NotificationType]model.TypeOverride{model.TypeInfo: {Frequency: model.FrequencyImmediate}}},
		},
		TypeRules: []model.TypeRule{{Type: model.TypeInfo, Channels: model.ChannelSet{Email: true, Chat: true}, Frequency: model.FrequencyDigest}},
	}
	tests := []struct {
		name string
		typ  model.NotificationType
		user string
		want []pair
	}{
		{name: "and with rule, rule frequency", typ: model.TypeInfo, user: "a", want: []pair{{"a", model.ChannelEmail, model.FrequencyDigest}}},
		{name: "override decides alone", typ: model.TypeInfo, user: "b", want: []pair{{"b", model.ChannelSMS, model.FrequencyDigest}}},
		{name: "override frequency only", typ: model.TypeInfo, user: "c", want: []pair{{"c", model.ChannelChat, model.FrequencyImmediate}}},
		{name: "no preference uses rule", typ: model.TypeInfo, user: "d", want: []pair{{"d", model.ChannelEmail, model.FrequencyDigest}, {"d", model.ChannelChat, model.FrequencyDigest}}},
		{name: "no rule uses preference", typ: model.TypeWarningAlert, user: "a", want: []pair{{"a", model.ChannelEmail, model.FrequencyDaily}, {"a", model.ChannelPush, model.FrequencyDaily}}},
		{name: "neither yields nothing", typ: model.TypeWarningAlert, user: "d", want: []pair{}},
	}
	snap := store(t, doc)
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := Resolve(snap, event(tt.typ, tt.user))
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got := pairs(res.Intents); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("intents = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGroupRestrictsNeverWidens(t *testing.T) {
	t.Parallel()
	snap := store(t, prefs.Document{
		Users: []model.User{{ID: "m1"}, {ID: "m2"}},
		Preferences: []model.PersonalPreference{
			{UserID: "m1", Channels: model.ChannelSet{Email: true, Push: true}},
			{UserID: "m2", Channels: model.ChannelSet{Push: true}},
		},
		Groups: []model.Group{
			{ID: "ops", Members: []string{"m2", "m1"}, Types: []model.NotificationType{model.TypeDeviceStatus}, Channels: model.ChannelSet{Email: true}, Active: true},
			{ID: "off", Members: []string{"m1"}, Types: []model.NotificationType{model.TypeDeviceStatus}, Channels: model.AllChannels()},
		},
	})

	ev := event(model.TypeDeviceStatus)
	ev.GroupID = "ops"
	res, err := Resolve(snap, ev)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := []pair{{"m1", model.ChannelEmail, model.FrequencyImmediate}}
	if got := pairs(res.Intents); !reflect.DeepEqual(got, want) {
		t.Fatalf("intents = %v, want %v", got, want)
	}
	if res.Recipients != 2 {
		t.Fatalf("recipients = %d", res.Recipients)
	}

	ev.Type = model.TypeInfo
	res, err = Resolve(snap, ev)
	if err != nil || len(res.Intents) != 0 {
		t.Fatalf("unsubscribed type: %v, %v", pairs(res.Intents), err)
	}

	ev.GroupID = "off"
	if _, err := Resolve(snap, ev); !errors.Is(err, model.ErrNoRecipients) {
		t.Fatalf("inactive group err = %v", err)
	}

	// Explicit recipients bypass the group filter.
	ev = event(model.TypeDeviceStatus, "m1")
	ev.GroupID = "ops"
	res, err = Resolve(snap, ev)
	if err != nil {
		t.Fatal(err)
	}
	want = []pair{{"m1", model.ChannelEmail, model.FrequencyImmediate}, {"m1", model.ChannelPush, model.FrequencyImmediate}}
	if got := pairs(res.Intents); !reflect.DeepEqual(got, want) {
		t.Fatalf("intents = %v, want %v", got, want)
	}
}

func TestUnknownRecipients(t *testing.T) {
	t.Parallel()
	snap := store(t, prefs.Document{
		Users:       []model.User{{ID: "a"}},
		Preferences: []model.PersonalPreference{{UserID: "a", Channels: model.ChannelSet{Email: true}}},
	})
	res, err := Resolve(snap, event(model.TypeInfo, "zz", "a", "yy", "a"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !reflect.DeepEqual(res.Unknown, []string{"yy", "zz"}) || len(res.Intents) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if _, err := Resolve(snap, event(model.TypeInfo, "zz")); !errors.Is(err, model.ErrNoRecipients) {
		t.Fatalf("err = %v", err)
	}
}

func TestResolveDeterministic(t *testing.T) {
	t.Parallel()
	doc := prefs.Document{
		Users: []model.User{{ID: "c"}, {ID: "a"}, {ID: "b"}},
		Preferences: []model.PersonalPreference{
			{UserID: "a", Channels: model.AllChannels()},
			{UserID: "b", Channels: model.AllChannels(), Frequency: model.FrequencyDaily},
			{UserID: "c", Channels: model.ChannelSet{Webhook: true, Email: true}},
		},
		Groups: []model.Group{{ID: "g", Members: []string{"c", "b", "a"}, Types: model.Types, Channels: model.AllChannels(), Active: true}},
	}
	ev := event(model.TypeAIAnalysis, "b")
	ev.GroupID = "g"

	first, err := Resolve(store(t, doc), ev)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		again, err := Resolve(store(t, doc), ev)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs", i)
		}
	}
	seen := map[model.IntentKey]bool{}
	for i, in := range first.Intents {
		if seen[in.Key] {
			t.Fatalf("duplicate key %v", in.Key)
		}
		seen[in.Key] = true
		if i > 0 {
			prev := first.Intents[i-1].Key
			if prev.RecipientID > in.Key.RecipientID {
				t.Fatalf("not sorted by recipient at %d", i)
			}
		}
	}
	if len(first.Intents) != 5+5+2 {
		t.Fatalf("intents = %d", len(first.Intents))
	}
}
