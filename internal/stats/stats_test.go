package stats

import (
	"context"
	"fmt"
	"testing"
	"time"

	"notifyd/internal/ledger"
	"notifyd/internal/model"
)

func TestCompute(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := ledger.NewMemory()
	t0 := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	put := func(i int, ch model.Channel, typ model.NotificationType, status model.Status, read bool) {
		r := model.DeliveryRecord{EventID: fmt.Sprintf("e%d", i), RecipientID: "u", Channel: ch, Type: typ, Priority: model.PriorityLow, CreatedAt: t0.Add(time.Duration(i) * time.Minute)}
		if status == model.StatusSuppressed {
			if _, err := l.Suppress(ctx, r); err != nil {
				t.Fatal(err)
			}
			return
		}
		if _, _, err := l.Reserve(ctx, r); err != nil {
			t.Fatal(err)
		}
		if status == model.StatusSent || status == model.StatusFailed {
			if _, err := l.Complete(ctx, r.Key(), ledger.Outcome{Status: status, At: r.CreatedAt}); err != nil {
				t.Fatal(err)
			}
		}
		if read {
			if _, err := l.MarkRead(ctx, r.Key(), r.CreatedAt); err != nil {
				t.Fatal(err)
			}
		}
	}
	put(0, model.ChannelEmail, model.TypeInfo, model.StatusSent, true)
	put(1, model.ChannelEmail, model.TypeInfo, model.StatusSent, false)
	put(2, model.ChannelEmail, model.TypeCriticalAlert, model.StatusSent, false)
	put(3, model.ChannelPush, model.TypeInfo, model.StatusFailed, false)
	put(4, model.ChannelPush, model.TypeInfo, model.StatusSuppressed, false)
	put(5, model.ChannelChat, model.TypeInfo, model.StatusQueued, false)
	put(90, model.ChannelEmail, model.TypeInfo, model.StatusSent, true)

	rep, err := Compute(ctx, l, t0, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if rep.Sent != 3 || rep.Read != 1 || rep.Failed != 1 || rep.Suppressed != 1 || rep.Queued != 1 {
		t.Fatalf("counts = %+v", rep.Counts)
	}
	if rep.ReadRate != 33.33 || rep.DeliveryRate != 75 {
		t.Fatalf("rates = %v / %v", rep.ReadRate, rep.DeliveryRate)
	}
	push := rep.ByChannel[model.ChannelPush]
	if push.Failed != 1 || push.DeliveryRate != 0 || push.ReadRate != 0 {
		t.Fatalf("push = %+v", push)
	}
	if email := rep.ByChannel[model.ChannelEmail]; email.DeliveryRate != 100 || email.Sent != 3 {
		t.Fatalf("email = %+v", email)
	}
	if rep.ByType[model.TypeInfo] != 2 || rep.ByType[model.TypeCriticalAlert] != 1 {
		t.Fatalf("by type = %v", rep.ByType)
	}
}

func TestComputeEmpty(t *testing.T) {
	t.Parallel()
	rep, err := Compute(context.Background(), ledger.NewMemory(), time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if rep.ReadRate != 0 || rep.DeliveryRate != 0 || len(rep.ByChannel) != 0 {
		t.Fatalf("report = %+v", rep)
	}
}
