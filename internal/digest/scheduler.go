package digest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"sort"
	"sync"
	"time"

	"notifyd/internal/eventbus"
	"notifyd/internal/model"
	"notifyd/pkg/logx"

	"github.com/robfig/cron/v3"
)

// MinTick is the smallest flush scan interval Run accepts.
const MinTick = time.Minute

// Sink receives intents that are ready to deliver.
type Sink interface {
	Enqueue(in model.Intent) error
}

// Users looks up recipients by id.
type Users interface {
	User(id string) (model.User, bool)
}

// Placement says where Schedule put an intent.
type Placement int

const (
	PlacedReady Placement = iota
	PlacedDeferred
	PlacedDigest
)

func (p Placement) String() string {
	switch p {
	case PlacedReady:
		return "ready"
	case PlacedDeferred:
		return "deferred"
	case PlacedDigest:
		return "digest"
	}
	return "unknown"
}

// Kind of bucket.
type Kind string

const (
	KindDigest   Kind = "digest"
	KindDeferred Kind = "deferred"
)

type bucketKey struct {
	recipient string
	channel   model.Channel
	slot      int64 // unix seconds
	kind      Kind
}

type bucket struct {
	mu      sync.Mutex
	key     bucketKey
	items   []model.Intent
	seen    map[model.IntentKey]struct{}
	flushed bool
}

// Pending describes one waiting bucket.
type Pending struct {
	RecipientID string        `json:"recipient_id"`
	Channel     model.Channel `json:"channel"`
	Slot        time.Time     `json:"slot"`
	Kind        Kind          `json:"kind"`
	Items       int           `json:"items"`
	EventIDs    []string      `json:"event_ids"`
}

// Options configure a Scheduler.
type Options struct {
	// Window is the "digest" frequency boundary schedule. Defaults to @hourly.
	Window cron.Schedule
	// DefaultTime replaces the built-in 09:00 for users without a digest time.
	DefaultTime string
	Log         logx.Logger
	Bus         eventbus.Bus
}

// Scheduler owns digest and deferred buckets.
//
// It is safe for concurrent use.
type Scheduler struct {
	sink        Sink
	users       func() Users
	window      cron.Schedule
	defaultTime string
	log         logx.Logger
	bus         eventbus.Bus

	mu      sync.Mutex
	buckets map[bucketKey]*bucket
}

// New returns a scheduler that hands ready intents to sink. users is called
// for every Schedule so preference reloads are picked up.
func New(sink Sink, users func() Users, opts Options) *Scheduler {
	if opts.Window == nil {
		opts.Window, _ = ParseWindow(DefaultWindow)
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop()
	}
	return &Scheduler{
		sink:        sink,
		users:       users,
		window:      opts.Window,
		defaultTime: opts.DefaultTime,
		log:         opts.Log,
		bus:         opts.Bus,
		buckets:     map[bucketKey]*bucket{},
	}
}

// Schedule routes one gated intent. now is the arrival time used for slot computation.
func (s *Scheduler) Schedule(in model.Intent, now time.Time) (Placement, error) {
	if in.Frequency == "" {
		in.Frequency = model.FrequencyImmediate
	}
	if in.Frequency == model.FrequencyImmediate && !in.Delayed && !in.Folded {
		if err := s.sink.Enqueue(in); err != nil {
			return PlacedReady, err
		}
		return PlacedReady, nil
	}

	u, ok := s.users().User(in.Key.RecipientID)
	if !ok {
		return PlacedReady, fmt.Errorf("%w: %q", model.ErrUnknownUser, in.Key.RecipientID)
	}
	slot, err := s.slotFor(u, in, now)
	if err != nil {
		return PlacedReady, err
	}

	kind, placed := KindDigest, PlacedDigest
	if in.Frequency == model.FrequencyImmediate && in.Delayed && !in.Folded {
		kind, placed = KindDeferred, PlacedDeferred
	}
	s.append(bucketKey{recipient: in.Key.RecipientID, channel: in.Key.Channel, slot: slot.Unix(), kind: kind}, in)
	return placed, nil
}

func (s *Scheduler) append(key bucketKey, items ...model.Intent) {
	for {
		s.mu.Lock()
		b := s.buckets[key]
		if b == nil {
			b = &bucket{key: key, seen: map[model.IntentKey]struct{}{}}
			s.buckets[key] = b
		}
		s.mu.Unlock()

		b.mu.Lock()
		if b.flushed {
			b.mu.Unlock()
			continue
		}
		for _, in := range items {
			if _, dup := b.seen[in.Key]; dup {
				continue
			}
			b.seen[in.Key] = struct{}{}
			b.items = append(b.items, in)
		}
		b.mu.Unlock()
		return
	}
}

// take unlinks buckets selected by due and returns their items. Every
// returned bucket is marked flushed; its contents now belong to the caller.
func (s *Scheduler) take(due func(bucketKey) bool) []*bucket {
	s.mu.Lock()
	var out []*bucket
	for k, b := range s.buckets {
		if due(k) {
			out = append(out, b)
			delete(s.buckets, k)
		}
	}
	s.mu.Unlock()

	for _, b := range out {
		b.mu.Lock()
		b.flushed = true
		b.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return lessKey(out[i].key, out[j].key) })
	return out
}

func lessKey(a, b bucketKey) bool {
	if a.slot != b.slot {
		return a.slot < b.slot
	}
	if a.recipient != b.recipient {
		return a.recipient < b.recipient
	}
	if a.channel != b.channel {
		return a.channel < b.channel
	}
	return a.kind < b.kind
}

// FlushDue emits every bucket whose slot is at or before now and returns the
// number of intents handed to the sink.
func (s *Scheduler) FlushDue(ctx context.Context, now time.Time) int {
	cut := now.Unix()
	return s.flush(ctx, s.take(func(k bucketKey) bool { return k.slot <= cut }))
}

// FlushAll emits every non-empty bucket regardless of its slot.
func (s *Scheduler) FlushAll(ctx context.Context) int {
	return s.flush(ctx, s.take(func(bucketKey) bool { return true }))
}

func (s *Scheduler) flush(ctx context.Context, buckets []*bucket) int {
	sent := 0
	for _, b := range buckets {
		if len(b.items) == 0 {
			continue
		}
		if ctx.Err() != nil {
			s.append(b.key, b.items...)
			continue
		}
		items := ordered(b.items)

		if b.key.kind == KindDeferred {
			var failed []model.Intent
			for _, in := range items {
				if err := s.sink.Enqueue(in); err != nil {
					failed = append(failed, in)
					continue
				}
				sent++
			}
			if len(failed) > 0 {
				s.requeue(b.key, failed, errors.New("deferred handoff failed"))
			}
			continue
		}

		dg := build(b.key, items)
		if err := s.sink.Enqueue(dg); err != nil {
			s.requeue(b.key, items, err)
			continue
		}
		sent++
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeFlushed, Data: eventbus.DeliveryEvent{
			EventID:   dg.Key.EventID,
			Recipient: b.key.recipient,
			Channel:   string(b.key.channel),
			Items:     len(items),
		}})
		s.log.Debug("digest flushed",
			logx.String("digest_id", dg.Key.EventID),
			logx.String("recipient", b.key.recipient),
			logx.String("channel", string(b.key.channel)),
			logx.Int("items", len(items)),
		)
	}
	return sent
}

func (s *Scheduler) requeue(key bucketKey, items []model.Intent, err error) {
	s.log.Warn("bucket handoff failed; requeued",
		logx.String("recipient", key.recipient),
		logx.String("channel", string(key.channel)),
		logx.Int("items", len(items)),
		logx.Err(err),
	)
	s.append(key, items...)
}

// ordered sorts by event creation time, ties broken by arrival order.
func ordered(items []model.Intent) []model.Intent {
	out := append([]model.Intent(nil), items...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// DigestID is the id of the digest carrying eventIDs for one slot. The same
// batch always gets the same id; a later batch for the same slot does not.
func DigestID(recipient string, ch model.Channel, slot time.Time, eventIDs []string) string {
	ids := slices.Clone(eventIDs)
	slices.Sort(ids)
	h := fnv.New32a()
	for _, id := range ids {
		_, _ = h.Write([]byte(id))
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("digest:%s:%s:%d:%08x", recipient, ch, slot.Unix(), h.Sum32())
}

// Title is the subject line of a digest with n items.
func Title(n int) string {
	if n == 1 {
		return "1 notification"
	}
	return fmt.Sprintf("%d notifications", n)
}

func build(key bucketKey, items []model.Intent) model.Intent {
	slot := time.Unix(key.slot, 0).UTC()
	ids := make([]string, len(items))
	for i, in := range items {
		ids[i] = in.Key.EventID
	}
	id := DigestID(key.recipient, key.channel, slot, ids)
	prio := model.PriorityLow
	freq := model.FrequencyDigest
	sums := make([]model.Summary, 0, len(items))
	for _, in := range items {
		if in.Priority.Rank() > prio.Rank() {
			prio = in.Priority
		}
		if in.Folded || in.Frequency == model.FrequencyDaily {
			freq = model.FrequencyDaily
		}
		sums = append(sums, in.Summary)
	}
	title := Title(len(sums))
	return model.Intent{
		Key:       model.IntentKey{EventID: id, RecipientID: key.recipient, Channel: key.channel},
		Type:      model.TypeDigest,
		Priority:  prio,
		Frequency: freq,
		Summary:   model.Summary{EventID: id, Type: model.TypeDigest, Priority: prio, Title: title, CreatedAt: slot},
		Payload:   model.Payload{Title: title},
		CreatedAt: slot,
		Seq:       items[len(items)-1].Seq,
		Digest:    &model.Digest{ID: id, Slot: slot, Items: sums},
	}
}

// Held is one intent taken out of a bucket by Drain.
type Held struct {
	Intent model.Intent
	Slot   time.Time
	Kind   Kind
}

// Drain empties every bucket and returns its items without delivering them.
// Restore puts them back.
func (s *Scheduler) Drain() []Held {
	var out []Held
	for _, b := range s.take(func(bucketKey) bool { return true }) {
		slot := time.Unix(b.key.slot, 0).UTC()
		for _, in := range ordered(b.items) {
			out = append(out, Held{Intent: in, Slot: slot, Kind: b.key.kind})
		}
	}
	return out
}

// Restore appends in to the bucket for (slot, kind) as is. A past slot is
// flushed on the next tick.
func (s *Scheduler) Restore(in model.Intent, slot time.Time, kind Kind) {
	if kind != KindDeferred {
		kind = KindDigest
	}
	s.append(bucketKey{recipient: in.Key.RecipientID, channel: in.Key.Channel, slot: slot.Truncate(time.Second).Unix(), kind: kind}, in)
}

// Pending lists waiting buckets ordered by slot.
func (s *Scheduler) Pending() []Pending {
	s.mu.Lock()
	bs := make([]*bucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		bs = append(bs, b)
	}
	s.mu.Unlock()
	sort.Slice(bs, func(i, j int) bool { return lessKey(bs[i].key, bs[j].key) })

	out := make([]Pending, 0, len(bs))
	for _, b := range bs {
		b.mu.Lock()
		if b.flushed || len(b.items) == 0 {
			b.mu.Unlock()
			continue
		}
		p := Pending{
			RecipientID: b.key.recipient,
			Channel:     b.key.channel,
			Slot:        time.Unix(b.key.slot, 0).UTC(),
			Kind:        b.key.kind,
			Items:       len(b.items),
		}
		for _, in := range ordered(b.items) {
			p.EventIDs = append(p.EventIDs, in.Key.EventID)
		}
		b.mu.Unlock()
		out = append(out, p)
	}
	return out
}

// Run flushes due buckets every tick until ctx is done. Ticks shorter than
// MinTick are raised to MinTick.
func (s *Scheduler) Run(ctx context.Context, tick time.Duration) error {
	if tick < MinTick {
		tick = MinTick
	}
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			if n := s.FlushDue(ctx, now); n > 0 {
				s.log.Debug("flush tick", logx.Int("emitted", n))
			}
		}
	}
}
