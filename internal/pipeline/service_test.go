package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"notifyd/internal/channels"
	"notifyd/internal/digest"
	"notifyd/internal/dispatch"
	"notifyd/internal/ledger"
	"notifyd/internal/model"
	"notifyd/internal/prefs"
	"notifyd/pkg/logx"

	"github.com/google/uuid"
)

// 23:00 UTC, inside a 22:00-08:00 quiet window.
var night = time.Date(2025, 6, 10, 23, 0, 0, 0, time.UTC)

type recorder struct {
	mu   sync.Mutex
	sent []channels.Payload
	fail atomic.Bool
}

func (r *recorder) Send(_ context.Context, _ channels.Recipient, p channels.Payload) error {
	if r.fail.Load() {
		return channels.Permanentf("rejected")
	}
	r.mu.Lock()
	r.sent = append(r.sent, p)
	r.mu.Unlock()
	return nil
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, p := range r.sent {
		out[i] = p.EventID
	}
	return out
}

type harness struct {
	svc    *Service
	disp   *dispatch.Dispatcher
	ledger *ledger.Memory
	rec    *recorder
}

func baseDoc() prefs.Document {
	return prefs.Document{
		Users: []model.User{
			{ID: "alice", Timezone: "UTC", Contacts: model.Contacts{Email: "alice@example.com"}},
			{ID: "bob", Timezone: "UTC", QuietHours: model.QuietHours{Enabled: true, Start: "22:00", End: "08:00"}, Contacts: model.Contacts{Email: "bob@example.com"}},
		},
		Preferences: []model.PersonalPreference{
			{UserID: "alice", Channels: model.ChannelSet{Email: true}},
			{UserID: "bob", Channels: model.ChannelSet{Email: true}},
		},
	}
}

func newHarness(t *testing.T, doc prefs.Document, cfg Config) *harness {
	t.Helper()
	return newHarnessOn(t, doc, cfg, ledger.NewMemory())
}

// newHarnessOn builds a service over an existing ledger, as after a restart.
func newHarnessOn(t *testing.T, doc prefs.Document, cfg Config, l *ledger.Memory) *harness {
	t.Helper()
	store := prefs.NewStore()
	if err := store.Import(doc); err != nil {
		t.Fatalf("Import: %v", err)
	}
	rec := &recorder{}
	reg := channels.NewRegistry()
	for _, ch := range model.Channels {
		reg.Register(ch, rec)
	}
	clock := func() time.Time { return night }
	disp := dispatch.New(dispatch.Config{Workers: 2, RatePerSec: 1000, RetryBase: time.Millisecond}, l, reg,
		func() dispatch.Users { return store.Snapshot() }, dispatch.Options{Now: clock})
	sched := digest.New(disp, func() digest.Users { return store.Snapshot() }, digest.Options{})
	svc := New(cfg, store, sched, l, Options{Now: clock})
	disp.Start(context.Background())
	t.Cleanup(func() { disp.Stop(context.Background()) })
	return &harness{svc: svc, disp: disp, ledger: l, rec: rec}
}

// drain waits for queued intents to be delivered.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.disp.Stop(ctx)
	h.disp.Start(context.Background())
}

func event(id string, p model.Priority, to ...string) model.Event {
	return model.Event{
		ID:         id,
		Type:       model.TypeDeviceStatus,
		Priority:   p,
		Payload:    model.Payload{Title: "device " + id, Body: "went offline"},
		CreatedAt:  night,
		Recipients: to,
	}
}

func TestSubmitSameEventTwice(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name   string
		window time.Duration
		dup    bool
	}{
		{name: "dedup window", window: time.Minute, dup: true},
		{name: "ledger only", window: 0, dup: false},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, baseDoc(), Config{DedupWindow: tc.window})
			ctx := context.Background()
			first, err := h.svc.Submit(ctx, event("e1", model.PriorityMedium, "alice"))
			if err != nil || !first.Accepted || first.Immediate != 1 {
				t.Fatalf("first = %+v err=%v", first, err)
			}
			second, err := h.svc.Submit(ctx, event("e1", model.PriorityMedium, "alice"))
			if err != nil || !second.Accepted || second.Duplicate != tc.dup {
				t.Fatalf("second = %+v err=%v", second, err)
			}
			h.drain(t)
			if got := h.rec.events(); len(got) != 1 {
				t.Fatalf("delivered %v, want one", got)
			}
			rec, err := h.ledger.Get(ctx, model.IntentKey{EventID: "e1", RecipientID: "alice", Channel: model.ChannelEmail})
			if err != nil || rec.Status != model.StatusSent || rec.Title != "device e1" {
				t.Fatalf("record = %+v err=%v", rec, err)
			}
		})
	}
}

func TestSubmitQuietHours(t *testing.T) {
	t.Parallel()
	h := newHarness(t, baseDoc(), Config{})
	ctx := context.Background()

	cases := []struct {
		id   string
		prio model.Priority
		want func(Receipt) bool
	}{
		{"crit", model.PriorityCritical, func(r Receipt) bool { return r.Immediate == 1 }},
		{"high", model.PriorityHigh, func(r Receipt) bool { return r.Deferred == 1 }},
		{"med", model.PriorityMedium, func(r Receipt) bool { return r.Digested == 1 }},
		{"low", model.PriorityLow, func(r Receipt) bool { return r.Digested == 1 }},
	}
	for _, tc := range cases {
		rc, err := h.svc.Submit(ctx, event(tc.id, tc.prio, "bob"))
		if err != nil || !tc.want(rc) {
			t.Fatalf("%s: receipt %+v err=%v", tc.id, rc, err)
		}
	}
	h.drain(t)
	if got := h.rec.events(); len(got) != 1 || got[0] != "crit" {
		t.Fatalf("delivered during quiet hours: %v", got)
	}

	pending := h.svc.PendingDigests()
	if len(pending) != 2 {
		t.Fatalf("pending = %+v", pending)
	}
	end := time.Date(2025, 6, 11, 8, 0, 0, 0, time.UTC)
	var sawDeferred, sawDigest bool
	for _, p := range pending {
		switch p.Kind {
		case digest.KindDeferred:
			sawDeferred = p.Slot.Equal(end) && len(p.EventIDs) == 1 && p.EventIDs[0] == "high"
		case digest.KindDigest:
			// Next 09:00 after the window ends.
			sawDigest = p.Slot.Equal(end.Add(time.Hour)) && p.Items == 2
		}
	}
	if !sawDeferred || !sawDigest {
		t.Fatalf("pending = %+v", pending)
	}

	if n := h.svc.FlushNow(ctx); n != 2 {
		t.Fatalf("FlushNow = %d, want 2", n)
	}
	h.drain(t)
	got := h.rec.events()
	if len(got) != 3 {
		t.Fatalf("delivered after flush: %v", got)
	}
	for _, ev := range []string{"med", "low"} {
		r, err := h.ledger.Get(ctx, model.IntentKey{EventID: ev, RecipientID: "bob", Channel: model.ChannelEmail})
		if err != nil || r.Status != model.StatusSuppressed || r.DigestID == "" {
			t.Fatalf("%s = %+v err=%v", ev, r, err)
		}
	}
}

func TestParkAndRecoverBuckets(t *testing.T) {
	t.Parallel()
	h := newHarness(t, baseDoc(), Config{})
	ctx := context.Background()
	for _, ev := range []model.Event{event("high", model.PriorityHigh, "bob"), event("med", model.PriorityMedium, "bob")} {
		if _, err := h.svc.Submit(ctx, ev); err != nil {
			t.Fatalf("Submit %s: %v", ev.ID, err)
		}
	}
	before := h.svc.PendingDigests()

	n, err := h.svc.Park(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Park = %d, %v", n, err)
	}
	if p := h.svc.PendingDigests(); len(p) != 0 {
		t.Fatalf("pending after park = %+v", p)
	}
	held, err := ledger.Queued(ctx, h.ledger)
	if err != nil || len(held) != 2 {
		t.Fatalf("held = %+v err=%v", held, err)
	}
	for _, rec := range held {
		if rec.Hold == "" || rec.HoldUntil == nil {
			t.Fatalf("record not held: %+v", rec)
		}
	}

	// A fresh process over the same ledger.
	next := newHarnessOn(t, baseDoc(), Config{}, h.ledger)
	if n, err := next.svc.Recover(ctx); err != nil || n != 2 {
		t.Fatalf("Recover = %d, %v", n, err)
	}
	if redriven, err := next.disp.Redrive(ctx); err != nil || redriven != 0 {
		t.Fatalf("Redrive of held records = %d, %v", redriven, err)
	}
	after := next.svc.PendingDigests()
	if len(after) != len(before) {
		t.Fatalf("pending = %+v, want %+v", after, before)
	}
	for _, b := range before {
		found := false
		for _, a := range after {
			found = found || (a.Kind == b.Kind && a.Slot.Equal(b.Slot) && a.Items == b.Items)
		}
		if !found {
			t.Fatalf("bucket %+v not recovered: %+v", b, after)
		}
	}

	if n := next.svc.FlushNow(ctx); n != 2 {
		t.Fatalf("FlushNow = %d", n)
	}
	next.drain(t)
	if r, _ := h.ledger.Get(ctx, model.IntentKey{EventID: "high", RecipientID: "bob", Channel: model.ChannelEmail}); r.Status != model.StatusSent {
		t.Fatalf("high = %+v", r)
	}
	if r, _ := h.ledger.Get(ctx, model.IntentKey{EventID: "med", RecipientID: "bob", Channel: model.ChannelEmail}); r.Status != model.StatusSuppressed || r.DigestID == "" {
		t.Fatalf("med = %+v", r)
	}
	if q, _ := ledger.Queued(ctx, h.ledger); len(q) != 0 {
		t.Fatalf("still queued: %+v", q)
	}
}

func TestSecondDigestBatchIsDelivered(t *testing.T) {
	t.Parallel()
	h := newHarness(t, baseDoc(), Config{})
	ctx := context.Background()
	var ids []string
	for _, ev := range []string{"first", "second"} {
		if _, err := h.svc.Submit(ctx, event(ev, model.PriorityLow, "bob")); err != nil {
			t.Fatalf("Submit %s: %v", ev, err)
		}
		if n := h.svc.FlushNow(ctx); n != 1 {
			t.Fatalf("FlushNow %s = %d", ev, n)
		}
		h.drain(t)
		r, err := h.ledger.Get(ctx, model.IntentKey{EventID: ev, RecipientID: "bob", Channel: model.ChannelEmail})
		if err != nil || r.Status != model.StatusSuppressed || r.DigestID == "" {
			t.Fatalf("%s = %+v err=%v", ev, r, err)
		}
		ids = append(ids, r.DigestID)
	}
	if ids[0] == ids[1] {
		t.Fatalf("both batches share digest id %s", ids[0])
	}
	if got := h.rec.events(); len(got) != 2 || got[0] != ids[0] || got[1] != ids[1] {
		t.Fatalf("delivered %v, want %v", got, ids)
	}
}

func TestSubmitRejects(t *testing.T) {
	t.Parallel()
	h := newHarness(t, baseDoc(), Config{})
	ctx := context.Background()

	bad := event("x", model.PriorityLow, "alice")
	bad.Type = "fax_alert"
	cases := []struct {
		name string
		ev   model.Event
		want error
	}{
		{"invalid type", bad, model.ErrInvalidType},
		{"invalid priority", event("x", "urgent", "alice"), model.ErrInvalidPriority},
		{"no recipients", event("x", model.PriorityLow), model.ErrNoRecipients},
		{"unknown only", event("x", model.PriorityLow, "mallory"), model.ErrNoRecipients},
	}
	for _, tc := range cases {
		if _, err := h.svc.Submit(ctx, tc.ev); !errors.Is(err, tc.want) {
			t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}

	rc, err := h.svc.Submit(ctx, event("", model.PriorityLow, "alice", "mallory"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := uuid.Parse(rc.EventID); err != nil {
		t.Fatalf("generated id %q: %v", rc.EventID, err)
	}
	if len(rc.Unknown) != 1 || rc.Unknown[0] != "mallory" || rc.Intents != 1 {
		t.Fatalf("receipt = %+v", rc)
	}
}

func TestResend(t *testing.T) {
	t.Parallel()
	h := newHarness(t, baseDoc(), Config{})
	ctx := context.Background()
	key := model.IntentKey{EventID: "e1", RecipientID: "alice", Channel: model.ChannelEmail}

	h.rec.fail.Store(true)
	if _, err := h.svc.Submit(ctx, event("e1", model.PriorityHigh, "alice")); err != nil {
		t.Fatal(err)
	}
	h.drain(t)
	if r, _ := h.ledger.Get(ctx, key); r.Status != model.StatusFailed {
		t.Fatalf("original = %+v", r)
	}

	// A failing resend allocates the next suffix.
	rc, err := h.svc.Resend(ctx, key)
	if err != nil || rc.EventID != "e1~r1" {
		t.Fatalf("resend 1 = %+v err=%v", rc, err)
	}
	h.drain(t)
	h.rec.fail.Store(false)
	rc, err = h.svc.Resend(ctx, model.IntentKey{EventID: "e1~r1", RecipientID: "alice", Channel: model.ChannelEmail})
	if err != nil || rc.EventID != "e1~r2" {
		t.Fatalf("resend 2 = %+v err=%v", rc, err)
	}
	h.drain(t)

	sent, err := h.ledger.Get(ctx, model.IntentKey{EventID: "e1~r2", RecipientID: "alice", Channel: model.ChannelEmail})
	if err != nil || sent.Status != model.StatusSent || sent.Title != "device e1" {
		t.Fatalf("resent = %+v err=%v", sent, err)
	}
	if r, _ := h.ledger.Get(ctx, key); r.Status != model.StatusFailed {
		t.Fatalf("original changed: %+v", r)
	}
	if _, err := h.svc.Resend(ctx, sent.Key()); !errors.Is(err, ErrNotResendable) {
		t.Fatalf("resend of sent = %v", err)
	}
	if _, err := h.svc.Resend(ctx, model.IntentKey{EventID: "nope", RecipientID: "alice", Channel: model.ChannelEmail}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("resend of missing = %v", err)
	}
}

func TestReadReceiptsAndStats(t *testing.T) {
	t.Parallel()
	h := newHarness(t, baseDoc(), Config{})
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, err := h.svc.Submit(ctx, event(id, model.PriorityLow, "alice")); err != nil {
			t.Fatal(err)
		}
	}
	h.drain(t)
	key := model.IntentKey{EventID: "a", RecipientID: "alice", Channel: model.ChannelEmail}
	if _, err := h.svc.MarkRead(ctx, key); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if _, err := h.svc.MarkRead(ctx, key); !errors.Is(err, model.ErrAlreadyRead) {
		t.Fatalf("second MarkRead = %v", err)
	}
	rep, err := h.svc.Stats(ctx, time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Sent != 2 || rep.Read != 1 || rep.ReadRate != 50 || rep.DeliveryRate != 100 {
		t.Fatalf("report = %+v", rep)
	}
	page, err := h.svc.History(ctx, ledger.Query{Recipient: "alice", Sort: ledger.SortSentAt, Desc: true})
	if err != nil || page.Total != 2 {
		t.Fatalf("history = %+v err=%v", page, err)
	}
}

func TestImportPreferencesAtomic(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store := prefs.NewStore()
	file := prefs.NewFile(dir+"/prefs.yaml", store, logx.Nop())
	svc := New(Config{}, store, nil, ledger.NewMemory(), Options{Prefs: file})

	if err := svc.ImportPreferences(baseDoc()); err != nil {
		t.Fatalf("ImportPreferences: %v", err)
	}
	bad := baseDoc()
	bad.Preferences = append(bad.Preferences, model.PersonalPreference{UserID: "ghost"})
	var ierr *prefs.ImportError
	if err := svc.ImportPreferences(bad); !errors.As(err, &ierr) {
		t.Fatalf("bad import = %v", err)
	}
	if got := len(svc.Preferences().Users); got != 2 {
		t.Fatalf("users after rejected import = %d", got)
	}

	reloaded := prefs.NewStore()
	if err := prefs.NewFile(dir+"/prefs.yaml", reloaded, logx.Nop()).Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(reloaded.Export().Preferences) != 2 {
		t.Fatalf("persisted = %+v", reloaded.Export())
	}
}
