// Package stats derives delivery metrics from the ledger. It never writes.
package stats

import (
	"context"
	"math"
	"time"

	"notifyd/internal/ledger"
	"notifyd/internal/model"
)

// Counts are the metrics for one slice of the ledger. Rates are percentages
// rounded to two decimals; a zero denominator yields 0.
type Counts struct {
	Sent         int     `json:"sent"`
	Read         int     `json:"read"`
	Failed       int     `json:"failed"`
	Suppressed   int     `json:"suppressed"`
	Queued       int     `json:"queued"`
	ReadRate     float64 `json:"read_rate"`
	DeliveryRate float64 `json:"delivery_rate"`
}

// Report is the stats answer for one date range.
type Report struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
	Counts
	ByChannel map[model.Channel]Counts        `json:"by_channel"`
	ByType    map[model.NotificationType]int `json:"sent_by_type"`
}

func (c *Counts) add(r model.DeliveryRecord) {
	switch r.Status {
	case model.StatusSent:
		c.Sent++
		if r.ReadAt != nil {
			c.Read++
		}
	case model.StatusFailed:
		c.Failed++
	case model.StatusSuppressed:
		c.Suppressed++
	case model.StatusQueued:
		c.Queued++
	}
}

func (c *Counts) finish() {
	c.ReadRate = percent(c.Read, c.Sent)
	c.DeliveryRate = percent(c.Sent, c.Sent+c.Failed)
}

func percent(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return math.Round(float64(n)*10000/float64(d)) / 100
}

// Compute aggregates records created in [from, to). Zero bounds are open.
func Compute(ctx context.Context, l ledger.Ledger, from, to time.Time) (Report, error) {
	rep := Report{
		From:      from,
		To:        to,
		ByChannel: map[model.Channel]Counts{},
		ByType:    map[model.NotificationType]int{},
	}
	err := l.Scan(ctx, from, to, func(r model.DeliveryRecord) error {
		rep.Counts.add(r)
		c := rep.ByChannel[r.Channel]
		c.add(r)
		rep.ByChannel[r.Channel] = c
		if r.Status == model.StatusSent {
			rep.ByType[r.Type]++
		}
		return nil
	})
	if err != nil {
		return Report{}, err
	}
	rep.Counts.finish()
	for ch, c := range rep.ByChannel {
		c.finish()
		rep.ByChannel[ch] = c
	}
	return rep, nil
}
