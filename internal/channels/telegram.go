package channels

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"
)

const (
	telegramTextLimit = 4096
	// Cap on messages remembered as partially sent.
	telegramMaxPartial = 1024
)

// TelegramAdapter sends chat messages through a Telegram bot. The recipient
// address is the numeric chat id. Long messages go out in chunks; when a
// chunk fails after earlier ones were accepted, a retry of the same message
// resumes at the failed chunk.
type TelegramAdapter struct {
	bot *tele.Bot

	mu      sync.Mutex
	partial map[string]int // message key -> chunks already delivered
}

// NewTelegramAdapter creates a send-only bot. apiURL overrides the Bot API
// endpoint and may be empty.
func NewTelegramAdapter(token, apiURL string, timeout time.Duration) (*TelegramAdapter, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		URL:     strings.TrimSpace(apiURL),
		Offline: true,
		Client:  newHTTPClient(timeout),
	})
	if err != nil {
		return nil, err
	}
	return &TelegramAdapter{bot: b, partial: make(map[string]int)}, nil
}

func (a *TelegramAdapter) Send(ctx context.Context, to Recipient, p Payload) error {
	addr := strings.TrimSpace(to.Address)
	if addr == "" {
		return Permanent(ErrNoAddress)
	}
	chatID, err := strconv.ParseInt(addr, 10, 64)
	if err != nil {
		return Permanentf("invalid chat id %q", addr)
	}
	chat := &tele.Chat{ID: chatID}
	text := Render(p)
	chunks := splitText(text, telegramTextLimit)
	key := messageKey(chatID, p.EventID, text)
	for i := a.sent(key); i < len(chunks); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(chat, chunks[i], &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			err = classifyTelegram(err)
			if IsPermanent(err) {
				a.forget(key)
			}
			return err
		}
		if i+1 < len(chunks) {
			a.record(key, i+1)
		}
	}
	a.forget(key)
	return nil
}

func messageKey(chatID int64, eventID, text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("%d:%s:%016x", chatID, eventID, h.Sum64())
}

func (a *TelegramAdapter) sent(key string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.partial[key]
}

func (a *TelegramAdapter) record(key string, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.partial[key]; !ok && len(a.partial) >= telegramMaxPartial {
		clear(a.partial)
	}
	a.partial[key] = n
}

func (a *TelegramAdapter) forget(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.partial, key)
}

func classifyTelegram(err error) error {
	var flood *tele.FloodError
	if errors.As(err, &flood) {
		return Transient(err)
	}
	var te *tele.Error
	if errors.As(err, &te) {
		switch te.Code {
		case 400, 401, 403, 404:
			return Permanent(err)
		}
		return Transient(err)
	}
	// Unknown API errors are reported as "telegram: <description> (<code>)".
	msg := err.Error()
	for _, code := range []int{400, 401, 403, 404} {
		if strings.HasSuffix(msg, fmt.Sprintf("(%d)", code)) {
			return Permanent(err)
		}
	}
	return Transient(err)
}
