// Package model holds the notification routing data model shared by the
// preference store, resolver, scheduler, dispatcher and ledger.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Channel is a delivery transport.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelPush    Channel = "push"
	ChannelChat    Channel = "chat"
	ChannelWebhook Channel = "webhook"
)

// Channels is the fixed channel set in resolution order.
var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelPush, ChannelChat, ChannelWebhook}

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelChat, ChannelWebhook:
		return true
	}
	return false
}

func ParseChannel(s string) (Channel, error) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidChannel, s)
	}
	return c, nil
}

// ChannelSet enables or disables each channel. Unknown channels cannot be expressed.
type ChannelSet struct {
	Email   bool `json:"email"`
	SMS     bool `json:"sms"`
	Push    bool `json:"push"`
	Chat    bool `json:"chat"`
	Webhook bool `json:"webhook"`
}

// AllChannels returns a set with every channel enabled.
func AllChannels() ChannelSet {
	return ChannelSet{Email: true, SMS: true, Push: true, Chat: true, Webhook: true}
}

func (s ChannelSet) Has(c Channel) bool {
	switch c {
	case ChannelEmail:
		return s.Email
	case ChannelSMS:
		return s.SMS
	case ChannelPush:
		return s.Push
	case ChannelChat:
		return s.Chat
	case ChannelWebhook:
		return s.Webhook
	}
	return false
}

func (s *ChannelSet) Set(c Channel, on bool) {
	switch c {
	case ChannelEmail:
		s.Email = on
	case ChannelSMS:
		s.SMS = on
	case ChannelPush:
		s.Push = on
	case ChannelChat:
		s.Chat = on
	case ChannelWebhook:
		s.Webhook = on
	}
}

// And returns the channels enabled in both sets.
func (s ChannelSet) And(o ChannelSet) ChannelSet {
	return ChannelSet{
		Email:   s.Email && o.Email,
		SMS:     s.SMS && o.SMS,
		Push:    s.Push && o.Push,
		Chat:    s.Chat && o.Chat,
		Webhook: s.Webhook && o.Webhook,
	}
}

// List returns the enabled channels in resolution order.
func (s ChannelSet) List() []Channel {
	out := make([]Channel, 0, len(Channels))
	for _, c := range Channels {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// Priority orders events by urgency.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns 0..3 for known priorities and -1 otherwise.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	}
	return -1
}

func (p Priority) Valid() bool { return p.Rank() >= 0 }

// NotificationType classifies events for rule lookup.
type NotificationType string

const (
	TypeCriticalAlert NotificationType = "critical_alert"
	TypeWarningAlert  NotificationType = "warning_alert"
	TypeInfo          NotificationType = "info"
	TypeSystemUpdate  NotificationType = "system_update"
	TypeDeviceStatus  NotificationType = "device_status"
	TypeAIAnalysis    NotificationType = "ai_analysis"

	// TypeDigest marks synthetic digest records. It is never a valid event type.
	TypeDigest NotificationType = "digest"
)

// Types lists the recognised event types.
var Types = []NotificationType{TypeCriticalAlert, TypeWarningAlert, TypeInfo, TypeSystemUpdate, TypeDeviceStatus, TypeAIAnalysis}

func (t NotificationType) Valid() bool {
	for _, v := range Types {
		if v == t {
			return true
		}
	}
	return false
}

// Frequency says when an intent is delivered. The empty value means "not configured".
type Frequency string

const (
	FrequencyImmediate Frequency = "immediate"
	FrequencyDigest    Frequency = "digest"
	FrequencyDaily     Frequency = "daily"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyImmediate, FrequencyDigest, FrequencyDaily:
		return true
	}
	return false
}

// QuietHours is a daily do-not-disturb window in the user's timezone.
// Start and End are "HH:MM"; the window is [Start, End) and may wrap midnight.
type QuietHours struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start,omitempty"`
	End     string `json:"end,omitempty"`
}

// Contacts holds the per-channel addresses of a user.
type Contacts struct {
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	PushToken  string `json:"push_token,omitempty"`
	ChatID     string `json:"chat_id,omitempty"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

func (c Contacts) Address(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return c.Email
	case ChannelSMS:
		return c.Phone
	case ChannelPush:
		return c.PushToken
	case ChannelChat:
		return c.ChatID
	case ChannelWebhook:
		return c.WebhookURL
	}
	return ""
}

// DefaultDigestTime is used when a user has no digest time configured.
const DefaultDigestTime = "09:00"

// User is a recipient as known to the identity subsystem.
type User struct {
	ID         string     `json:"id"`
	Timezone   string     `json:"timezone,omitempty"`
	QuietHours QuietHours `json:"quiet_hours"`
	DigestTime string     `json:"digest_time,omitempty"`
	Language   string     `json:"language,omitempty"`
	Contacts   Contacts   `json:"contacts"`
}

// Location returns the user's timezone, UTC when unset or unknown.
func (u User) Location() *time.Location {
	tz := strings.TrimSpace(u.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DigestClock returns the user's digest time as hour and minute.
func (u User) DigestClock() (int, int) {
	if h, m, err := ParseClock(u.DigestTime); err == nil {
		return h, m
	}
	h, m, _ := ParseClock(DefaultDigestTime)
	return h, m
}

// TypeOverride is a user-scoped rule for a single notification type.
// A nil Channels leaves channel selection to the default merge.
type TypeOverride struct {
	Channels  *ChannelSet `json:"channels,omitempty"`
	Frequency Frequency   `json:"frequency,omitempty"`
}

// PersonalPreference is the user's own channel enablement and frequency default.
type PersonalPreference struct {
	UserID        string                            `json:"user_id"`
	Channels      ChannelSet                        `json:"channels"`
	Frequency     Frequency                         `json:"notification_frequency,omitempty"`
	TypeOverrides map[NotificationType]TypeOverride `json:"type_overrides,omitempty"`
}

// TypeRule is the admin default for one notification type.
type TypeRule struct {
	Type      NotificationType `json:"type"`
	Channels  ChannelSet       `json:"channels"`
	Frequency Frequency        `json:"frequency,omitempty"`
}

// Group is a fan-out target restricted to its subscribed types and channels.
type Group struct {
	ID       string             `json:"id"`
	Name     string             `json:"name,omitempty"`
	Members  []string           `json:"members"`
	Types    []NotificationType `json:"types"`
	Channels ChannelSet         `json:"channels"`
	Active   bool               `json:"active"`
}

func (g Group) Subscribed(t NotificationType) bool {
	for _, v := range g.Types {
		if v == t {
			return true
		}
	}
	return false
}

// Payload is the message content of an event.
type Payload struct {
	Title        string            `json:"title"`
	Body         string            `json:"body,omitempty"`
	SourceDevice string            `json:"source_device,omitempty"`
	SourceUser   string            `json:"source_user,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// Event is one incoming notification request.
type Event struct {
	ID         string           `json:"id"`
	Type       NotificationType `json:"type"`
	Priority   Priority         `json:"priority"`
	Payload    Payload          `json:"payload"`
	CreatedAt  time.Time        `json:"created_at"`
	Recipients []string         `json:"recipients,omitempty"`
	GroupID    string           `json:"group_id,omitempty"`
}

// Validate checks the fields that ingestion rejects outright.
func (e Event) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return ErrMissingEventID
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, e.Type)
	}
	if !e.Priority.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPriority, e.Priority)
	}
	if len(e.Recipients) == 0 && strings.TrimSpace(e.GroupID) == "" {
		return ErrNoRecipients
	}
	return nil
}

// Summary is the short form of an event carried inside a digest.
type Summary struct {
	EventID   string           `json:"event_id"`
	Type      NotificationType `json:"type"`
	Priority  Priority         `json:"priority"`
	Title     string           `json:"title"`
	Body      string           `json:"body,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// SummaryOf builds the digest line for an event.
func SummaryOf(e Event) Summary {
	return Summary{EventID: e.ID, Type: e.Type, Priority: e.Priority, Title: e.Payload.Title, Body: e.Payload.Body, CreatedAt: e.CreatedAt}
}

// ParseClock parses "HH:MM" in 24h form.
func ParseClock(s string) (int, int, error) {
	s = strings.TrimSpace(s)
	if len(s) != 5 || s[2] != ':' {
		return 0, 0, fmt.Errorf("invalid time %q: want HH:MM", s)
	}
	h, err1 := strconv.Atoi(s[:2])
	m, err2 := strconv.Atoi(s[3:])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid time %q: want HH:MM", s)
	}
	return h, m, nil
}
