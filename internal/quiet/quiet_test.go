package quiet

import (
	"testing"
	"time"

	"notifyd/internal/model"
)

type users map[string]model.User

func (u users) User(id string) (model.User, bool) {
	v, ok := u[id]
	return v, ok
}

func night(tz string) model.User {
	return model.User{ID: "u", Timezone: tz, QuietHours: model.QuietHours{Enabled: true, Start: "22:00", End: "08:00"}}
}

func TestWindowContains(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		q    model.QuietHours
		at   string
		in   bool
	}{
		{name: "wrap late", q: model.QuietHours{Enabled: true, Start: "22:00", End: "08:00"}, at: "23:00", in: true},
		{name: "wrap early", q: model.QuietHours{Enabled: true, Start: "22:00", End: "08:00"}, at: "07:59", in: true},
		{name: "wrap end exclusive", q: model.QuietHours{Enabled: true, Start: "22:00", End: "08:00"}, at: "08:00", in: false},
		{name: "wrap start inclusive", q: model.QuietHours{Enabled: true, Start: "22:00", End: "08:00"}, at: "22:00", in: true},
		{name: "day window", q: model.QuietHours{Enabled: true, Start: "12:00", End: "13:30"}, at: "13:00", in: true},
		{name: "day window outside", q: model.QuietHours{Enabled: true, Start: "12:00", End: "13:30"}, at: "14:00", in: false},
		{name: "start equals end", q: model.QuietHours{Enabled: true, Start: "09:00", End: "09:00"}, at: "09:00", in: false},
		{name: "disabled", q: model.QuietHours{Start: "00:00", End: "23:59"}, at: "10:00", in: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h, m, err := model.ParseClock(tt.at)
			if err != nil {
				t.Fatal(err)
			}
			w, ok := WindowOf(tt.q)
			got := ok && w.Contains(h*60+m)
			if got != tt.in {
				t.Fatalf("contains(%s) = %v, want %v", tt.at, got, tt.in)
			}
		})
	}
}

func TestUntilUsesRecipientTimezone(t *testing.T) {
	t.Parallel()
	u := night("Asia/Taipei")
	loc := u.Location()

	// 15:00 UTC is 23:00 in Taipei.
	end, ok := Until(u, time.Date(2025, 3, 1, 15, 0, 0, 0, time.UTC))
	if !ok {
		t.Fatal("expected quiet hours")
	}
	want := time.Date(2025, 3, 2, 8, 0, 0, 0, loc)
	if !end.Equal(want) {
		t.Fatalf("end = %v, want %v", end, want)
	}

	// 22:30 UTC is 06:30 next day in Taipei; end the same local morning.
	end, ok = Until(u, time.Date(2025, 3, 1, 22, 30, 0, 0, time.UTC))
	if !ok || !end.Equal(time.Date(2025, 3, 2, 8, 0, 0, 0, loc)) {
		t.Fatalf("end = %v, %v", end, ok)
	}

	if _, ok := Until(u, time.Date(2025, 3, 1, 4, 0, 0, 0, time.UTC)); ok {
		t.Fatal("noon in Taipei is not quiet")
	}
}

func TestGateByPriority(t *testing.T) {
	t.Parallel()
	u := night("UTC")
	now := time.Date(2025, 3, 1, 23, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC)

	mk := func(p model.Priority, f model.Frequency) model.Intent {
		return model.Intent{Key: model.IntentKey{EventID: "e", RecipientID: "u", Channel: model.ChannelEmail}, Priority: p, Frequency: f}
	}
	in := []model.Intent{
		mk(model.PriorityCritical, model.FrequencyImmediate),
		mk(model.PriorityHigh, model.FrequencyImmediate),
		mk(model.PriorityMedium, model.FrequencyImmediate),
		mk(model.PriorityLow, model.FrequencyDigest),
		{Key: model.IntentKey{EventID: "x", RecipientID: "ghost", Channel: model.ChannelSMS}, Priority: model.PriorityLow},
	}
	out := Gate(users{"u": u}, in, now)
	if len(out) != len(in) {
		t.Fatalf("gate dropped intents: %d", len(out))
	}
	if out[0].Delayed || out[0].Folded || !out[0].ScheduledAt.IsZero() {
		t.Fatalf("critical gated: %+v", out[0])
	}
	if !out[1].Delayed || out[1].Folded || !out[1].ScheduledAt.Equal(end) || out[1].Frequency != model.FrequencyImmediate {
		t.Fatalf("high not delayed: %+v", out[1])
	}
	for _, i := range []int{2, 3} {
		if !out[i].Folded || out[i].Delayed || !out[i].ScheduledAt.Equal(end) {
			t.Fatalf("intent %d not folded: %+v", i, out[i])
		}
	}
	if out[4].Folded || out[4].Delayed {
		t.Fatalf("unknown user gated: %+v", out[4])
	}

	outside := Gate(users{"u": u}, in[:2], time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	if outside[1].Delayed {
		t.Fatal("gated outside quiet hours")
	}
}
