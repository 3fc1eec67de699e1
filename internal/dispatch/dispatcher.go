// Package dispatch drains ready intents through channel adapters with
// per-key ordering, rate limiting and bounded retries, and records every
// outcome in the ledger.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"notifyd/internal/channels"
	"notifyd/internal/eventbus"
	"notifyd/internal/ledger"
	"notifyd/internal/model"
	rtsup "notifyd/internal/runtime/supervisor"
	"notifyd/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrQueueFull = errors.New("dispatch queue full")
	ErrStopped   = errors.New("dispatcher stopped")
)

// ledgerWriteTimeout bounds ledger writes that must outlive a cancelled worker.
const ledgerWriteTimeout = 5 * time.Second

// Users looks up recipients by id.
type Users interface {
	User(id string) (model.User, bool)
}

// Adapters resolves the adapter of a channel. *channels.Registry implements it.
type Adapters interface {
	Get(ch model.Channel) (channels.Adapter, bool)
}

// Dispatcher is a sharded worker pool. Intents for one (recipient, channel)
// always land on the same worker and are delivered in enqueue order.
//
// It is safe for concurrent use.
type Dispatcher struct {
	mu sync.Mutex

	log      logx.Logger
	bus      eventbus.Bus
	ledger   ledger.Ledger
	adapters Adapters
	users    func() Users
	now      func() time.Time

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queues    []chan model.Intent
	sup       *rtsup.Supervisor
	stopDone  chan struct{} // non-nil while stopping
}

// Options carry the optional collaborators.
type Options struct {
	Log logx.Logger
	Bus eventbus.Bus
	// Now overrides the clock used for ledger timestamps.
	Now func() time.Time
}

func New(cfg Config, l ledger.Ledger, adapters Adapters, users func() Users, opts Options) *Dispatcher {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	d := &Dispatcher{
		log:      opts.Log,
		bus:      opts.Bus,
		ledger:   l,
		adapters: adapters,
		users:    users,
		now:      opts.Now,
	}
	d.applyLocked(cfg)
	return d
}

// Apply swaps retry, timeout and rate settings. Worker and queue sizes take
// effect on the next Start.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	d.cfg = cfg
	// Burst equals the per-second rate so short spikes pass.
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (d *Dispatcher) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Supervisor returns the worker supervisor (nil if not started).
func (d *Dispatcher) Supervisor() *rtsup.Supervisor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sup
}

// Running reports whether the dispatcher accepts intents.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.accepting
}

// QueueDepth returns the number of intents waiting across all workers.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, q := range d.queues {
		n += len(q)
	}
	return n
}

// Start launches the workers. It is idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		d.mu.Lock()
	}
	if d.queues != nil {
		d.mu.Unlock()
		return
	}

	cfg := d.cfg
	d.queues = make([]chan model.Intent, cfg.Workers)
	for i := range d.queues {
		d.queues[i] = make(chan model.Intent, cfg.QueueSize)
	}
	d.accepting = true
	d.sup = rtsup.New(ctx,
		rtsup.WithLogger(d.log.With(logx.String("comp", "dispatch"))),
		// A failing worker must not take the service down.
		rtsup.WithCancelOnError(false),
	)
	sup := d.sup
	queues := d.queues
	d.mu.Unlock()

	for i, q := range queues {
		q := q
		sup.GoRestart(fmt.Sprintf("dispatch.worker.%d", i), func(c context.Context) error {
			d.workerLoop(c, q)
			d.mu.Lock()
			stopping := d.stopDone != nil
			d.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("dispatch worker exited unexpectedly")
		})
	}
	d.log.Info("dispatcher started", logx.Int("workers", cfg.Workers), logx.Int("queue_size", cfg.QueueSize), logx.Int("rate_per_sec", cfg.RatePerSec))
}

// Stop stops intake and drains queued intents until ctx is done, then cancels
// in-flight work. Cancelled deliveries and intents still waiting in a worker
// queue are left queued in the ledger for Redrive.
func (d *Dispatcher) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	queues := d.queues
	sup := d.sup
	if queues == nil {
		d.mu.Unlock()
		return
	}
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	d.stopDone = done
	d.accepting = false
	d.mu.Unlock()

	go func() {
		defer close(done)
		d.sendWG.Wait()
		for _, q := range queues {
			close(q)
		}
		_ = sup.Wait(context.Background())
		d.park(queues)

		d.mu.Lock()
		d.queues = nil
		d.sup = nil
		d.stopDone = nil
		d.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		<-done
	}
	d.log.Info("dispatcher stopped")
}

// Enqueue hands one intent to its worker without blocking.
func (d *Dispatcher) Enqueue(in model.Intent) error {
	d.mu.Lock()
	if !d.accepting || d.queues == nil {
		d.mu.Unlock()
		return ErrStopped
	}
	q := d.queues[shard(in.Key, len(d.queues))]
	d.sendWG.Add(1)
	d.mu.Unlock()
	defer d.sendWG.Done()

	select {
	case q <- in:
		d.publish(eventbus.TypeQueued, in, 0, 0, nil)
		return nil
	default:
		d.publish(eventbus.TypeDropped, in, 0, 0, ErrQueueFull)
		return fmt.Errorf("%w: %s", ErrQueueFull, in.Key)
	}
}

func shard(k model.IntentKey, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.RecipientID))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(k.Channel))
	return int(h.Sum32() % uint32(n))
}

func (d *Dispatcher) workerLoop(ctx context.Context, q <-chan model.Intent) {
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-q:
			if !ok {
				return
			}
			_, _ = d.Deliver(ctx, in)
		}
	}
}

// park records every intent left in the closed queues as queued.
func (d *Dispatcher) park(queues []chan model.Intent) {
	ctx, cancel := writeCtx(context.Background())
	defer cancel()
	parked := 0
	for _, q := range queues {
		for in := range q {
			if _, _, err := d.ledger.Reserve(ctx, model.RecordFor(in, d.now())); err != nil {
				d.log.Error("ledger reserve failed; intent lost", logx.String("event_id", in.Key.EventID), logx.String("recipient", in.Key.RecipientID), logx.Err(err))
				continue
			}
			parked++
		}
	}
	if parked > 0 {
		d.log.Warn("undelivered intents left queued", logx.Int("count", parked))
	}
}

// Redrive enqueues every queued, unheld ledger record. Records that do not
// fit stay queued for the next call. It returns the number enqueued.
func (d *Dispatcher) Redrive(ctx context.Context) (int, error) {
	recs, err := ledger.Queued(ctx, d.ledger)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if rec.Hold != "" {
			continue
		}
		if err := d.Enqueue(model.IntentFor(rec)); err != nil {
			d.log.Warn("redrive stopped", logx.Int("enqueued", n), logx.Err(err))
			return n, err
		}
		n++
	}
	if n > 0 {
		d.log.Info("queued deliveries redriven", logx.Int("count", n))
	}
	return n, nil
}

func (d *Dispatcher) publish(typ string, in model.Intent, attempt int, took time.Duration, err error) {
	ev := eventbus.DeliveryEvent{
		EventID:   in.Key.EventID,
		Recipient: in.Key.RecipientID,
		Channel:   string(in.Key.Channel),
		Attempt:   attempt,
		Took:      took,
	}
	if in.Digest != nil {
		ev.Items = len(in.Digest.Items)
	}
	if err != nil {
		ev.Error = err.Error()
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: d.now(), Data: ev})
}

// writeCtx detaches ledger writes from worker cancellation.
func writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
}
