package ledger

import (
	"context"
	"errors"
	"time"

	"notifyd/internal/model"
)

// Config configures the ledger backend.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Outcome is the terminal result of a delivery.
type Outcome struct {
	Status   model.Status
	At       time.Time
	Attempts int
	Error    string
}

// Sort fields accepted by Query.
const (
	SortCreatedAt = "created_at"
	SortSentAt    = "sent_at"
)

const (
	DefaultPerPage = 50
	MaxPerPage     = 500
)

var ErrInvalidOutcome = errors.New("outcome status must be sent or failed")

// Query filters, sorts and pages history. Zero fields match everything.
// The date range applies to created_at and is half-open [From, To).
type Query struct {
	Recipient string
	Type      model.NotificationType
	Channel   model.Channel
	Status    model.Status
	From      time.Time
	To        time.Time
	Sort      string
	Desc      bool
	Page      int
	PerPage   int
}

// Page is one page of history.
type Page struct {
	Records []model.DeliveryRecord `json:"records"`
	Total   int                    `json:"total"`
	Page    int                    `json:"page"`
	PerPage int                    `json:"per_page"`
}

// Ledger is the persistence API used by the dispatcher, pipeline and stats.
type Ledger interface {
	// Reserve inserts rec as queued unless a record with the same key exists.
	// It returns the stored record and whether it was inserted now.
	Reserve(ctx context.Context, rec model.DeliveryRecord) (model.DeliveryRecord, bool, error)
	// Complete moves a queued record to sent or failed.
	Complete(ctx context.Context, key model.IntentKey, out Outcome) (model.DeliveryRecord, error)
	// Suppress records rec as suppressed, inserting it or converting a queued
	// record. It reports false when the key is already terminal.
	Suppress(ctx context.Context, rec model.DeliveryRecord) (bool, error)
	// MarkRead sets read_at once on a sent record.
	MarkRead(ctx context.Context, key model.IntentKey, at time.Time) (model.DeliveryRecord, error)
	Get(ctx context.Context, key model.IntentKey) (model.DeliveryRecord, error)
	List(ctx context.Context, q Query) (Page, error)
	// Scan calls fn for every record created in [from, to). Zero bounds are open.
	Scan(ctx context.Context, from, to time.Time, fn func(model.DeliveryRecord) error) error
	Close() error
}

// Queued returns every queued record, oldest first.
func Queued(ctx context.Context, l Ledger) ([]model.DeliveryRecord, error) {
	var out []model.DeliveryRecord
	for page := 1; ; page++ {
		p, err := l.List(ctx, Query{Status: model.StatusQueued, Page: page, PerPage: MaxPerPage})
		if err != nil {
			return nil, err
		}
		out = append(out, p.Records...)
		if len(p.Records) == 0 || len(out) >= p.Total {
			return out, nil
		}
	}
}

// Normalize query defaults.
func (q Query) normalized() Query {
	if q.Sort != SortSentAt {
		q.Sort = SortCreatedAt
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PerPage <= 0 {
		q.PerPage = DefaultPerPage
	}
	if q.PerPage > MaxPerPage {
		q.PerPage = MaxPerPage
	}
	return q
}

func (q Query) offset() int { return (q.Page - 1) * q.PerPage }

// stamp drops sub-millisecond precision and the monotonic clock so every
// backend stores identical timestamps.
func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.UnixMilli(t.UnixMilli()).UTC()
}

func stampPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := stamp(*t)
	return &v
}

func normalizeRecord(r model.DeliveryRecord) model.DeliveryRecord {
	r.CreatedAt = stamp(r.CreatedAt)
	r.SentAt = stampPtr(r.SentAt)
	r.ReadAt = stampPtr(r.ReadAt)
	r.HoldUntil = stampPtr(r.HoldUntil)
	if len(r.Items) > 0 {
		items := make([]model.Summary, len(r.Items))
		copy(items, r.Items)
		for i := range items {
			items[i].CreatedAt = stamp(items[i].CreatedAt)
		}
		r.Items = items
	} else {
		r.Items = nil
	}
	return r
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}
