// Package pipeline is the ingestion entry point. Submit runs resolution,
// quiet hours and scheduling synchronously on the caller goroutine and hands
// ready intents to the dispatcher; everything else here is operator surface
// over the ledger and the digest buckets.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"notifyd/internal/digest"
	"notifyd/internal/eventbus"
	"notifyd/internal/ledger"
	"notifyd/internal/model"
	"notifyd/internal/prefs"
	"notifyd/internal/quiet"
	"notifyd/internal/resolver"
	"notifyd/internal/stats"
	"notifyd/pkg/logx"

	"github.com/google/uuid"
)

// ErrNotResendable is returned by Resend for records that did not fail.
var ErrNotResendable = errors.New("only failed deliveries can be resent")

// Config tunes ingestion.
type Config struct {
	// DedupWindow is how long an accepted event id is remembered. 0 disables.
	DedupWindow     time.Duration
	DedupMaxEntries int
}

const (
	DefaultDedupWindow     = 10 * time.Minute
	DefaultDedupMaxEntries = 10000
)

// Receipt reports what Submit did with an event.
type Receipt struct {
	Accepted  bool   `json:"accepted"`
	EventID   string `json:"event_id"`
	Intents   int    `json:"intents"`
	Duplicate bool   `json:"duplicate,omitempty"`

	Immediate int `json:"immediate"`
	Deferred  int `json:"deferred"`
	Digested  int `json:"digested"`
	// Rejected counts intents the scheduler or dispatcher refused.
	Rejected int      `json:"rejected,omitempty"`
	Unknown  []string `json:"unknown_recipients,omitempty"`
}

// Options carry the optional collaborators.
type Options struct {
	Log logx.Logger
	Bus eventbus.Bus
	Now func() time.Time
	// Prefs persists preference imports. Nil keeps them in memory only.
	Prefs *prefs.File
}

// Service is safe for concurrent use.
type Service struct {
	store  *prefs.Store
	sched  *digest.Scheduler
	ledger ledger.Ledger
	file   *prefs.File
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time

	seq atomic.Uint64

	mu  sync.Mutex
	cfg Config

	dmu   sync.Mutex
	dedup map[string]time.Time

	// resendMu serializes derived id allocation.
	resendMu sync.Mutex
}

func New(cfg Config, store *prefs.Store, sched *digest.Scheduler, l ledger.Ledger, opts Options) *Service {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Service{
		store:  store,
		sched:  sched,
		ledger: l,
		file:   opts.Prefs,
		log:    opts.Log,
		bus:    opts.Bus,
		now:    opts.Now,
		dedup:  map[string]time.Time{},
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = DefaultDedupMaxEntries
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Submit ingests one event. A missing id is replaced by a random uuid and a
// zero creation time by now. Handoff failures for individual intents are
// counted in the receipt and returned wrapped; the rest of the event proceeds.
func (s *Service) Submit(ctx context.Context, ev model.Event) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	now := s.now()
	log := s.log.Ctx(ctx)
	ev.ID = strings.TrimSpace(ev.ID)
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	rc := Receipt{EventID: ev.ID}
	if err := ev.Validate(); err != nil {
		return rc, err
	}

	snap := s.store.Snapshot()
	res, err := resolver.Resolve(snap, ev)
	rc.Unknown = res.Unknown
	if err != nil {
		return rc, err
	}
	if !s.dedupAllow(ev.ID, now) {
		rc.Accepted, rc.Duplicate = true, true
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeDuplicate, Time: now, Data: eventbus.DeliveryEvent{EventID: ev.ID}})
		log.Debug("duplicate event ignored", logx.String("event_id", ev.ID))
		return rc, nil
	}

	for i := range res.Intents {
		res.Intents[i].Seq = s.seq.Add(1)
	}
	gated := quiet.Gate(snap, res.Intents, now)
	rc.Intents = len(gated)

	var firstErr error
	for _, in := range gated {
		placed, err := s.sched.Schedule(in, now)
		if err != nil {
			rc.Rejected++
			if firstErr == nil {
				firstErr = err
			}
			log.Warn("intent not scheduled",
				logx.String("event_id", ev.ID),
				logx.String("recipient", in.Key.RecipientID),
				logx.String("channel", string(in.Key.Channel)),
				logx.Err(err),
			)
			continue
		}
		switch placed {
		case digest.PlacedReady:
			rc.Immediate++
		case digest.PlacedDeferred:
			rc.Deferred++
		case digest.PlacedDigest:
			rc.Digested++
		}
	}
	rc.Accepted = rc.Intents == 0 || rc.Rejected < rc.Intents
	if !rc.Accepted {
		// Nothing got through; let a retry of the same id in.
		s.forget(ev.ID)
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.TypeAccepted, Time: now, Data: eventbus.DeliveryEvent{EventID: ev.ID, Items: rc.Intents}})
	log.Info("event accepted",
		logx.String("event_id", ev.ID),
		logx.String("type", string(ev.Type)),
		logx.String("priority", string(ev.Priority)),
		logx.Int("recipients", res.Recipients),
		logx.Int("intents", rc.Intents),
		logx.Int("immediate", rc.Immediate),
		logx.Int("deferred", rc.Deferred),
		logx.Int("digested", rc.Digested),
		logx.Int("unknown", len(res.Unknown)),
	)
	if firstErr != nil {
		return rc, fmt.Errorf("%d of %d intents not queued: %w", rc.Rejected, rc.Intents, firstErr)
	}
	return rc, nil
}

func (s *Service) dedupAllow(id string, now time.Time) bool {
	s.mu.Lock()
	window, max := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	s.mu.Unlock()
	if window <= 0 {
		return true
	}

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[id]; ok && now.Before(until) {
		return false
	}
	s.dedup[id] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	// Over the cap: evict the earliest expiries first.
	for len(s.dedup) > max {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}

func (s *Service) forget(id string) {
	s.dmu.Lock()
	delete(s.dedup, id)
	s.dmu.Unlock()
}

var resendSuffix = regexp.MustCompile(`~r[0-9]+$`)

// Resend re-delivers a failed record under a derived event id
// "<event>~r<n>" so the original stays immutable. It skips quiet hours.
func (s *Service) Resend(ctx context.Context, key model.IntentKey) (Receipt, error) {
	s.resendMu.Lock()
	defer s.resendMu.Unlock()

	rec, err := s.ledger.Get(ctx, key)
	if err != nil {
		return Receipt{}, err
	}
	if rec.Status != model.StatusFailed {
		return Receipt{}, fmt.Errorf("%w: %s is %s", ErrNotResendable, key, rec.Status)
	}

	base := resendSuffix.ReplaceAllString(rec.EventID, "")
	var id string
	for n := 1; ; n++ {
		id = fmt.Sprintf("%s~r%d", base, n)
		_, err := s.ledger.Get(ctx, model.IntentKey{EventID: id, RecipientID: key.RecipientID, Channel: key.Channel})
		if errors.Is(err, model.ErrNotFound) {
			break
		}
		if err != nil {
			return Receipt{}, err
		}
	}

	now := s.now()
	in := model.Intent{
		Key:       model.IntentKey{EventID: id, RecipientID: key.RecipientID, Channel: key.Channel},
		Type:      rec.Type,
		Priority:  rec.Priority,
		Frequency: model.FrequencyImmediate,
		Payload:   model.Payload{Title: rec.Title, Body: rec.Body},
		CreatedAt: now,
		Seq:       s.seq.Add(1),
	}
	in.Summary = model.Summary{EventID: id, Type: rec.Type, Priority: rec.Priority, Title: rec.Title, Body: rec.Body, CreatedAt: now}
	if rec.Type == model.TypeDigest {
		in.Digest = &model.Digest{ID: id, Slot: now, Items: rec.Items, ResendOf: rec.EventID}
	}

	rc := Receipt{EventID: id, Intents: 1}
	if _, err := s.sched.Schedule(in, now); err != nil {
		rc.Rejected = 1
		return rc, err
	}
	rc.Accepted, rc.Immediate = true, 1
	s.log.Ctx(ctx).Info("delivery resent", logx.String("event_id", rec.EventID), logx.String("resend_id", id), logx.String("recipient", key.RecipientID), logx.String("channel", string(key.Channel)))
	return rc, nil
}

// MarkRead records a read receipt on a sent record.
func (s *Service) MarkRead(ctx context.Context, key model.IntentKey) (model.DeliveryRecord, error) {
	return s.ledger.MarkRead(ctx, key, s.now())
}

func (s *Service) History(ctx context.Context, q ledger.Query) (ledger.Page, error) {
	return s.ledger.List(ctx, q)
}

func (s *Service) Stats(ctx context.Context, from, to time.Time) (stats.Report, error) {
	return stats.Compute(ctx, s.ledger, from, to)
}

func (s *Service) PendingDigests() []digest.Pending { return s.sched.Pending() }

// FlushNow hands every waiting bucket to the dispatcher regardless of slot.
func (s *Service) FlushNow(ctx context.Context) int {
	n := s.sched.FlushAll(ctx)
	s.log.Ctx(ctx).Info("buckets flushed on demand", logx.Int("handed_off", n))
	return n
}

// Park moves every waiting bucket item into the ledger as a queued record
// holding its slot, so Recover can rebuild the buckets after a restart. Items
// that cannot be written go back to their bucket.
func (s *Service) Park(ctx context.Context) (int, error) {
	var (
		parked   int
		firstErr error
	)
	for _, h := range s.sched.Drain() {
		rec := model.RecordFor(h.Intent, h.Intent.CreatedAt)
		until := h.Slot
		rec.Hold, rec.HoldUntil = string(h.Kind), &until
		if _, _, err := s.ledger.Reserve(ctx, rec); err != nil {
			s.sched.Restore(h.Intent, h.Slot, h.Kind)
			if firstErr == nil {
				firstErr = fmt.Errorf("park %s: %w", h.Intent.Key, err)
			}
			continue
		}
		parked++
	}
	if parked > 0 {
		s.log.Info("digest buckets parked", logx.Int("items", parked))
	}
	return parked, firstErr
}

// Recover puts held ledger records back into their buckets. Unheld queued
// records belong to the dispatcher.
func (s *Service) Recover(ctx context.Context) (int, error) {
	recs, err := ledger.Queued(ctx, s.ledger)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if rec.Hold == "" || rec.HoldUntil == nil {
			continue
		}
		in := model.IntentFor(rec)
		in.Seq = s.seq.Add(1)
		kind := digest.Kind(rec.Hold)
		if kind == digest.KindDeferred {
			in.Delayed, in.ScheduledAt = true, *rec.HoldUntil
		} else {
			in.Frequency = model.FrequencyDigest
		}
		s.sched.Restore(in, *rec.HoldUntil, kind)
		n++
	}
	if n > 0 {
		s.log.Info("digest buckets recovered", logx.Int("items", n))
	}
	return n, nil
}

// Preferences exports the current preference document.
func (s *Service) Preferences() prefs.Document { return s.store.Export() }

// ImportPreferences replaces the preference document and persists it when a
// file is bound. A rejected document changes nothing.
func (s *Service) ImportPreferences(doc prefs.Document) error {
	if err := s.store.Import(doc); err != nil {
		return err
	}
	if s.file != nil {
		if err := s.file.Save(); err != nil {
			return fmt.Errorf("persist preferences: %w", err)
		}
	}
	s.log.Info("preferences imported", logx.Uint64("version", s.store.Snapshot().Version()))
	return nil
}
