package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"notifyd/internal/model"
)

// Memory is the in-process ledger. It is safe for concurrent use.
type Memory struct {
	mu   sync.RWMutex
	recs map[model.IntentKey]model.DeliveryRecord
}

func NewMemory() *Memory {
	return &Memory{recs: map[model.IntentKey]model.DeliveryRecord{}}
}

func (m *Memory) Reserve(ctx context.Context, rec model.DeliveryRecord) (model.DeliveryRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.DeliveryRecord{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserveLocked(rec)
}

func (m *Memory) reserveLocked(rec model.DeliveryRecord) (model.DeliveryRecord, bool, error) {
	if prior, ok := m.recs[rec.Key()]; ok {
		return prior, false, nil
	}
	rec = normalizeRecord(rec)
	rec.Status = model.StatusQueued
	m.recs[rec.Key()] = rec
	return rec, true, nil
}

func (m *Memory) Complete(ctx context.Context, key model.IntentKey, out Outcome) (model.DeliveryRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.DeliveryRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completeLocked(key, out)
}

func (m *Memory) completeLocked(key model.IntentKey, out Outcome) (model.DeliveryRecord, error) {
	if out.Status != model.StatusSent && out.Status != model.StatusFailed {
		return model.DeliveryRecord{}, fmt.Errorf("%w: %q", ErrInvalidOutcome, out.Status)
	}
	rec, ok := m.recs[key]
	if !ok {
		return model.DeliveryRecord{}, fmt.Errorf("%w: %s", model.ErrNotFound, key)
	}
	if rec.Status != model.StatusQueued {
		return rec, fmt.Errorf("%w: %s is %s", model.ErrImmutable, key, rec.Status)
	}
	rec.Status = out.Status
	rec.Attempts = out.Attempts
	rec.Error = out.Error
	if out.Status == model.StatusSent {
		at := stamp(out.At)
		rec.SentAt = &at
	}
	m.recs[key] = rec
	return rec, nil
}

func (m *Memory) Suppress(ctx context.Context, rec model.DeliveryRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.suppressLocked(rec)
	return ok, nil
}

func (m *Memory) suppressLocked(rec model.DeliveryRecord) (model.DeliveryRecord, bool) {
	key := rec.Key()
	if prior, ok := m.recs[key]; ok {
		if prior.Status != model.StatusQueued {
			return prior, false
		}
		prior.Status = model.StatusSuppressed
		prior.DigestID = rec.DigestID
		m.recs[key] = prior
		return prior, true
	}
	rec = normalizeRecord(rec)
	rec.Status = model.StatusSuppressed
	m.recs[key] = rec
	return rec, true
}

func (m *Memory) MarkRead(ctx context.Context, key model.IntentKey, at time.Time) (model.DeliveryRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.DeliveryRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markReadLocked(key, at)
}

func (m *Memory) markReadLocked(key model.IntentKey, at time.Time) (model.DeliveryRecord, error) {
	rec, ok := m.recs[key]
	if !ok {
		return model.DeliveryRecord{}, fmt.Errorf("%w: %s", model.ErrNotFound, key)
	}
	if rec.Status != model.StatusSent {
		return rec, fmt.Errorf("%w: %s is %s", model.ErrNotSent, key, rec.Status)
	}
	if rec.ReadAt != nil {
		return rec, fmt.Errorf("%w: %s", model.ErrAlreadyRead, key)
	}
	t := stamp(at)
	rec.ReadAt = &t
	m.recs[key] = rec
	return rec, nil
}

func (m *Memory) Get(ctx context.Context, key model.IntentKey) (model.DeliveryRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.DeliveryRecord{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[key]
	if !ok {
		return model.DeliveryRecord{}, fmt.Errorf("%w: %s", model.ErrNotFound, key)
	}
	return rec, nil
}

func (m *Memory) List(ctx context.Context, q Query) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	q = q.normalized()

	m.mu.RLock()
	matched := make([]model.DeliveryRecord, 0, 64)
	for _, r := range m.recs {
		if matches(r, q) {
			matched = append(matched, r)
		}
	}
	m.mu.RUnlock()

	sortRecords(matched, q.Sort, q.Desc)
	p := Page{Total: len(matched), Page: q.Page, PerPage: q.PerPage, Records: []model.DeliveryRecord{}}
	if off := q.offset(); off < len(matched) {
		end := off + q.PerPage
		if end > len(matched) {
			end = len(matched)
		}
		p.Records = append(p.Records, matched[off:end]...)
	}
	return p, nil
}

func (m *Memory) Scan(ctx context.Context, from, to time.Time, fn func(model.DeliveryRecord) error) error {
	m.mu.RLock()
	recs := make([]model.DeliveryRecord, 0, len(m.recs))
	for _, r := range m.recs {
		if inRange(r.CreatedAt, from, to) {
			recs = append(recs, r)
		}
	}
	m.mu.RUnlock()

	sortRecords(recs, SortCreatedAt, false)
	for _, r := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Close() error { return nil }

// all returns every record in created order; used for file compaction.
func (m *Memory) all() []model.DeliveryRecord {
	out := make([]model.DeliveryRecord, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, r)
	}
	sortRecords(out, SortCreatedAt, false)
	return out
}

func matches(r model.DeliveryRecord, q Query) bool {
	if q.Recipient != "" && r.RecipientID != q.Recipient {
		return false
	}
	if q.Type != "" && r.Type != q.Type {
		return false
	}
	if q.Channel != "" && r.Channel != q.Channel {
		return false
	}
	if q.Status != "" && r.Status != q.Status {
		return false
	}
	return inRange(r.CreatedAt, q.From, q.To)
}

// sortRecords orders by field, then by key. A nil sent_at sorts before any time.
func sortRecords(recs []model.DeliveryRecord, field string, desc bool) {
	primary := func(r model.DeliveryRecord) int64 {
		if field == SortSentAt {
			if r.SentAt == nil {
				return -1 << 63
			}
			return r.SentAt.UnixMilli()
		}
		return r.CreatedAt.UnixMilli()
	}
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		less := func() (bool, bool) {
			if pa, pb := primary(a), primary(b); pa != pb {
				return pa < pb, true
			}
			if a.EventID != b.EventID {
				return a.EventID < b.EventID, true
			}
			if a.RecipientID != b.RecipientID {
				return a.RecipientID < b.RecipientID, true
			}
			if a.Channel != b.Channel {
				return a.Channel < b.Channel, true
			}
			return false, false
		}
		l, differ := less()
		if !differ {
			return false
		}
		if desc {
			return !l
		}
		return l
	})
}
