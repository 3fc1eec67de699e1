package model

import "time"

// IntentKey identifies one delivery: at most one record exists per key.
type IntentKey struct {
	EventID     string  `json:"event_id"`
	RecipientID string  `json:"recipient_id"`
	Channel     Channel `json:"channel"`
}

func (k IntentKey) String() string {
	return k.EventID + "|" + k.RecipientID + "|" + string(k.Channel)
}

// Digest is the batched content of a synthetic digest intent.
type Digest struct {
	ID    string    `json:"id"`
	Slot  time.Time `json:"slot"`
	Items []Summary `json:"items"`
	// ResendOf is the id of the failed digest this one re-sends. Items
	// suppressed under that id are still deliverable.
	ResendOf string `json:"resend_of,omitempty"`
}

// Intent is a resolved, not yet delivered decision to notify one recipient
// over one channel about one event (or one digest).
type Intent struct {
	Key       IntentKey
	Type      NotificationType
	Priority  Priority
	Frequency Frequency
	Summary   Summary
	Payload   Payload
	CreatedAt time.Time
	// Seq is the arrival order assigned at ingestion.
	Seq uint64

	// ScheduledAt is the earliest delivery time; zero means now.
	ScheduledAt time.Time
	// Delayed is set when quiet hours pushed an immediate intent to ScheduledAt.
	Delayed bool
	// Folded is set when quiet hours moved the intent into the next daily digest.
	Folded bool

	// Digest is non-nil for synthetic digest intents.
	Digest *Digest
}

func (i Intent) IsDigest() bool { return i.Digest != nil }

// Status of a delivery record.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusSuppressed Status = "suppressed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusSent, StatusFailed, StatusSuppressed:
		return true
	}
	return false
}

// Terminal reports whether a record in this status can no longer change (read_at aside).
func (s Status) Terminal() bool { return s == StatusSent || s == StatusFailed || s == StatusSuppressed }

// DeliveryRecord is one ledger entry.
type DeliveryRecord struct {
	EventID     string           `json:"event_id"`
	RecipientID string           `json:"recipient_id"`
	Channel     Channel          `json:"channel"`
	Type        NotificationType `json:"type"`
	Priority    Priority         `json:"priority"`
	Title       string           `json:"title,omitempty"`
	Body        string           `json:"body,omitempty"`
	Status      Status           `json:"status"`
	Attempts    int              `json:"attempts"`
	CreatedAt   time.Time        `json:"created_at"`
	SentAt      *time.Time       `json:"sent_at,omitempty"`
	ReadAt      *time.Time       `json:"read_at,omitempty"`
	Error       string           `json:"error,omitempty"`
	// DigestID links a suppressed constituent to the digest that carried it.
	DigestID string `json:"digest_id,omitempty"`
	// Items lists the constituents of a digest record.
	Items []Summary `json:"items,omitempty"`
	// Hold and HoldUntil are set on queued records parked from a digest
	// ("digest") or deferred ("deferred") bucket at shutdown.
	Hold      string     `json:"hold,omitempty"`
	HoldUntil *time.Time `json:"hold_until,omitempty"`
}

func (r DeliveryRecord) Key() IntentKey {
	return IntentKey{EventID: r.EventID, RecipientID: r.RecipientID, Channel: r.Channel}
}

// RecordFor builds the queued ledger entry for an intent.
func RecordFor(in Intent, now time.Time) DeliveryRecord {
	rec := DeliveryRecord{
		EventID:     in.Key.EventID,
		RecipientID: in.Key.RecipientID,
		Channel:     in.Key.Channel,
		Type:        in.Type,
		Priority:    in.Priority,
		Title:       in.Payload.Title,
		Body:        in.Payload.Body,
		Status:      StatusQueued,
		CreatedAt:   now,
	}
	if in.Digest != nil {
		rec.Items = append([]Summary(nil), in.Digest.Items...)
	}
	return rec
}

// IntentFor rebuilds the intent of a queued record so it can be driven again.
// Attributes are not stored and come back empty.
func IntentFor(rec DeliveryRecord) Intent {
	in := Intent{
		Key:       rec.Key(),
		Type:      rec.Type,
		Priority:  rec.Priority,
		Frequency: FrequencyImmediate,
		Payload:   Payload{Title: rec.Title, Body: rec.Body},
		Summary: Summary{
			EventID:   rec.EventID,
			Type:      rec.Type,
			Priority:  rec.Priority,
			Title:     rec.Title,
			Body:      rec.Body,
			CreatedAt: rec.CreatedAt,
		},
		CreatedAt: rec.CreatedAt,
	}
	if rec.Type == TypeDigest {
		in.Digest = &Digest{ID: rec.EventID, Slot: rec.CreatedAt, Items: append([]Summary(nil), rec.Items...)}
	}
	return in
}
