package channels

import (
	"context"

	"notifyd/pkg/logx"
)

// LogAdapter writes rendered messages to the log. It never fails.
type LogAdapter struct {
	Channel string
	Log     logx.Logger
}

func (a *LogAdapter) Send(ctx context.Context, to Recipient, p Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	log := a.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log.Info("notification",
		logx.String("channel", a.Channel),
		logx.String("recipient", to.UserID),
		logx.String("address", to.Address),
		logx.String("event_id", p.EventID),
		logx.Int("items", len(p.Items)),
		logx.String("text", Render(p)),
	)
	return nil
}
