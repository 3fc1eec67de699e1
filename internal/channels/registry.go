package channels

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"notifyd/internal/model"
	"notifyd/pkg/logx"
)

// Spec selects and configures the adapter of one channel.
type Spec struct {
	Kind    string
	URL     string
	Token   string
	Headers map[string]string
	Timeout time.Duration
}

// Registry maps channels to adapters.
//
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[model.Channel]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[model.Channel]Adapter{}}
}

func (r *Registry) Register(ch model.Channel, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a == nil {
		delete(r.adapters, ch)
		return
	}
	r.adapters[ch] = a
}

func (r *Registry) Get(ch model.Channel) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[ch]
	return a, ok
}

// Channels lists channels that have an adapter, in resolution order.
func (r *Registry) Channels() []model.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Channel, 0, len(r.adapters))
	for _, ch := range model.Channels {
		if _, ok := r.adapters[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}

// Replace swaps every adapter for the ones in next. Channels missing from
// next lose their adapter.
func (r *Registry) Replace(next *Registry) {
	next.mu.RLock()
	adapters := make(map[model.Channel]Adapter, len(next.adapters))
	for ch, a := range next.adapters {
		adapters[ch] = a
	}
	next.mu.RUnlock()

	r.mu.Lock()
	r.adapters = adapters
	r.mu.Unlock()
}

// Build creates a registry from specs. Channels missing from specs get a log adapter.
func Build(specs map[model.Channel]Spec, log logx.Logger) (*Registry, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := NewRegistry()
	for _, ch := range model.Channels {
		spec, ok := specs[ch]
		if !ok {
			spec = Spec{Kind: "log"}
		}
		a, err := newAdapter(ch, spec, log)
		if err != nil {
			return nil, fmt.Errorf("channels.%s: %w", ch, err)
		}
		r.Register(ch, a)
	}
	var unknown []string
	for ch := range specs {
		if !ch.Valid() {
			unknown = append(unknown, string(ch))
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("%w: %s", model.ErrInvalidChannel, strings.Join(unknown, ", "))
	}
	return r, nil
}

func newAdapter(ch model.Channel, spec Spec, log logx.Logger) (Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(spec.Kind)) {
	case "", "log":
		return &LogAdapter{Channel: string(ch), Log: log.With(logx.String("comp", "channel."+string(ch)))}, nil
	case "webhook":
		return NewWebhookAdapter(spec.URL, spec.Headers, spec.Timeout), nil
	case "telegram":
		return NewTelegramAdapter(spec.Token, spec.URL, spec.Timeout)
	case "none", "disabled":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown adapter kind %q", spec.Kind)
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
