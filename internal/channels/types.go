package channels

import (
	"context"
	"time"

	"notifyd/internal/model"
)

// Recipient is the addressing information an adapter needs.
type Recipient struct {
	UserID   string `json:"user_id"`
	Address  string `json:"address,omitempty"`
	Language string `json:"language,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// RecipientFor returns u's addressing for ch.
func RecipientFor(u model.User, ch model.Channel) Recipient {
	return Recipient{UserID: u.ID, Address: u.Contacts.Address(ch), Language: u.Language, Timezone: u.Timezone}
}

// Payload is the message handed to an adapter.
type Payload struct {
	EventID    string                 `json:"event_id"`
	Type       model.NotificationType `json:"type"`
	Priority   model.Priority         `json:"priority"`
	Title      string                 `json:"title"`
	Body       string                 `json:"body,omitempty"`
	Attributes map[string]string      `json:"attributes,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	// Items is set for digests.
	Items []model.Summary `json:"items,omitempty"`
}

// PayloadFor builds the adapter payload for an intent.
func PayloadFor(in model.Intent) Payload {
	p := Payload{
		EventID:    in.Key.EventID,
		Type:       in.Type,
		Priority:   in.Priority,
		Title:      in.Payload.Title,
		Body:       in.Payload.Body,
		Attributes: in.Payload.Attributes,
		CreatedAt:  in.CreatedAt,
	}
	if in.Digest != nil {
		p.Items = in.Digest.Items
	}
	return p
}

// Adapter sends one message over one channel.
type Adapter interface {
	Send(ctx context.Context, to Recipient, p Payload) error
}

// AdapterFunc adapts a function to Adapter.
type AdapterFunc func(ctx context.Context, to Recipient, p Payload) error

func (f AdapterFunc) Send(ctx context.Context, to Recipient, p Payload) error { return f(ctx, to, p) }
