package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"notifyd/internal/channels"
	"notifyd/internal/digest"
	"notifyd/internal/eventbus"
	"notifyd/internal/ledger"
	"notifyd/internal/model"
	"notifyd/pkg/logx"
)

// ErrSkipped is returned by Deliver when the key is already terminal.
var ErrSkipped = errors.New("delivery already recorded")

// Deliver runs one intent to a terminal ledger state on the calling
// goroutine. It returns the stored record. When ctx is cancelled mid-flight
// the record stays queued and ctx.Err() is returned.
func (d *Dispatcher) Deliver(ctx context.Context, in model.Intent) (model.DeliveryRecord, error) {
	d.mu.Lock()
	cfg := d.cfg
	lim := d.limiter
	d.mu.Unlock()
	log := d.log.With(logx.String("event_id", in.Key.EventID), logx.String("recipient", in.Key.RecipientID), logx.String("channel", string(in.Key.Channel)))

	if in.Digest != nil {
		var ok bool
		var err error
		in, ok, err = d.pruneDigest(ctx, in)
		if err != nil {
			return model.DeliveryRecord{}, err
		}
		if !ok {
			log.Debug("digest skipped: every item already delivered")
			d.publish(eventbus.TypeSkipped, in, 0, 0, nil)
			return model.DeliveryRecord{}, ErrSkipped
		}
	}

	wctx, cancel := writeCtx(ctx)
	rec, fresh, err := d.ledger.Reserve(wctx, model.RecordFor(in, d.now()))
	cancel()
	if err != nil {
		log.Error("ledger reserve failed", logx.Err(err))
		return model.DeliveryRecord{}, err
	}
	if !fresh && rec.Status.Terminal() {
		log.Debug("delivery skipped", logx.String("status", string(rec.Status)))
		d.publish(eventbus.TypeSkipped, in, 0, 0, nil)
		return rec, ErrSkipped
	}

	if in.Digest != nil {
		d.suppressItems(ctx, in)
	}

	adapter, recipient, err := d.target(in)
	if err != nil {
		return d.finish(ctx, in, log, 0, 0, err)
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			log.Warn("delivery interrupted", logx.Int("attempt", attempt), logx.Err(err))
			return rec, err
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
		err := adapter.Send(callCtx, recipient, channels.PayloadFor(in))
		cancel()
		if err == nil {
			return d.finish(ctx, in, log, attempt, time.Since(start), nil)
		}
		if ctx.Err() != nil {
			// Shutdown: leave the record queued for a later resubmit.
			log.Warn("delivery interrupted", logx.Int("attempt", attempt), logx.Err(err))
			return rec, ctx.Err()
		}
		lastErr = err
		if channels.IsPermanent(err) || attempt >= cfg.MaxAttempts {
			return d.finish(ctx, in, log, attempt, time.Since(start), err)
		}

		delay := retryDelay(cfg, attempt)
		log.Debug("delivery attempt failed", logx.Int("attempt", attempt), logx.Int("max", cfg.MaxAttempts), logx.Duration("retry_in", delay), logx.Err(err))
		d.publish(eventbus.TypeRetry, in, attempt, time.Since(start), err)

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return rec, ctx.Err()
		}
	}
	return d.finish(ctx, in, log, cfg.MaxAttempts, time.Since(start), lastErr)
}

// target resolves the adapter and recipient address. Failures are permanent.
func (d *Dispatcher) target(in model.Intent) (channels.Adapter, channels.Recipient, error) {
	var users Users
	if d.users != nil {
		users = d.users()
	}
	if users == nil {
		return nil, channels.Recipient{}, channels.Permanent(fmt.Errorf("%w: %q", model.ErrUnknownUser, in.Key.RecipientID))
	}
	u, ok := users.User(in.Key.RecipientID)
	if !ok {
		return nil, channels.Recipient{}, channels.Permanent(fmt.Errorf("%w: %q", model.ErrUnknownUser, in.Key.RecipientID))
	}
	a, ok := d.adapters.Get(in.Key.Channel)
	if !ok || a == nil {
		return nil, channels.Recipient{}, channels.Permanentf("no adapter for channel %q", in.Key.Channel)
	}
	return a, channels.RecipientFor(u, in.Key.Channel), nil
}

func (d *Dispatcher) finish(ctx context.Context, in model.Intent, log logx.Logger, attempts int, took time.Duration, sendErr error) (model.DeliveryRecord, error) {
	out := ledger.Outcome{Status: model.StatusSent, At: d.now(), Attempts: attempts}
	if sendErr != nil {
		out.Status = model.StatusFailed
		out.Error = sendErr.Error()
	}
	wctx, cancel := writeCtx(ctx)
	rec, err := d.ledger.Complete(wctx, in.Key, out)
	cancel()
	if err != nil {
		log.Error("ledger complete failed", logx.String("status", string(out.Status)), logx.Err(err))
		return rec, err
	}
	if sendErr != nil {
		log.Warn("delivery failed", logx.Int("attempts", attempts), logx.Bool("permanent", channels.IsPermanent(sendErr)), logx.Err(sendErr))
		d.publish(eventbus.TypeFailed, in, attempts, took, sendErr)
		return rec, sendErr
	}
	log.Debug("delivery sent", logx.Int("attempts", attempts), logx.Duration("took", took))
	d.publish(eventbus.TypeSent, in, attempts, took, nil)
	return rec, nil
}

// pruneDigest drops constituents that already reached a terminal state.
func (d *Dispatcher) pruneDigest(ctx context.Context, in model.Intent) (model.Intent, bool, error) {
	items := make([]model.Summary, 0, len(in.Digest.Items))
	for _, it := range in.Digest.Items {
		key := model.IntentKey{EventID: it.EventID, RecipientID: in.Key.RecipientID, Channel: in.Key.Channel}
		rec, err := d.ledger.Get(ctx, key)
		switch {
		case errors.Is(err, model.ErrNotFound):
		case err != nil:
			return in, false, err
		case rec.Status == model.StatusSuppressed && rec.DigestID == in.Digest.ID:
			// Suppressed by this digest before an interrupted send.
		case rec.Status == model.StatusSuppressed && in.Digest.ResendOf != "" && rec.DigestID == in.Digest.ResendOf:
		case rec.Status.Terminal():
			continue
		}
		items = append(items, it)
	}
	if len(items) == len(in.Digest.Items) {
		return in, true, nil
	}
	dg := *in.Digest
	dg.Items = items
	in.Digest = &dg
	in.Payload.Title = digest.Title(len(items))
	in.Summary.Title = in.Payload.Title
	return in, len(items) > 0, nil
}

func (d *Dispatcher) suppressItems(ctx context.Context, in model.Intent) {
	wctx, cancel := writeCtx(ctx)
	defer cancel()
	for _, it := range in.Digest.Items {
		rec := model.DeliveryRecord{
			EventID:     it.EventID,
			RecipientID: in.Key.RecipientID,
			Channel:     in.Key.Channel,
			Type:        it.Type,
			Priority:    it.Priority,
			Title:       it.Title,
			Body:        it.Body,
			CreatedAt:   d.now(),
			DigestID:    in.Digest.ID,
		}
		ok, err := d.ledger.Suppress(wctx, rec)
		if err != nil {
			d.log.Error("ledger suppress failed", logx.String("event_id", it.EventID), logx.String("digest_id", in.Digest.ID), logx.Err(err))
			continue
		}
		if ok {
			d.publish(eventbus.TypeSuppressed, model.Intent{Key: rec.Key()}, 0, 0, nil)
		}
	}
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1) with 0.7..1.3
// jitter, capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
