package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vincentbai/lmstrace/internal/clock"
	"github.com/vincentbai/lmstrace/internal/models"
)

// Transport delivers batches. Deliver reports the outcome; DeliverOnUnload
// is fire-and-forget and must be safe to call while the page is discarded.
type Transport interface {
	Deliver(ctx context.Context, events []models.Event) error
	DeliverOnUnload(events []models.Event)
}

// Delivery owns the flush protocol: drain the recorder, back the batch up,
// and hand it to a single worker that delivers batches in drain order. A
// batch the transport fails is requeued into the recorder.
type Delivery struct {
	recorder  *Recorder
	transport Transport
	backup    *Backup
	clock     clock.Clock
	interval  time.Duration
	timeout   time.Duration
	logger    zerolog.Logger

	// flushMu keeps drain, backup and enqueue of one flush together.
	flushMu sync.Mutex

	mu      sync.Mutex
	ctx     context.Context
	ticker  clock.Timer
	cond    *sync.Cond
	queue   [][]models.Event
	pending int
	closing bool
	done    chan struct{}
}

func NewDelivery(recorder *Recorder, transport Transport, backup *Backup, clk clock.Clock, interval, timeout time.Duration, logger zerolog.Logger) *Delivery {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	d := &Delivery{
		recorder:  recorder,
		transport: transport,
		backup:    backup,
		clock:     clk,
		interval:  interval,
		timeout:   timeout,
		logger:    logger,
		ctx:       context.Background(),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Start begins periodic flushing. Deliveries keep the values of ctx but not
// its cancellation: a page being torn down still sends and backs up what it
// captured. Calling Start again keeps the single timer.
func (d *Delivery) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ctx = context.WithoutCancel(ctx)
	d.startWorker()
	if d.ticker != nil {
		return
	}
	d.ticker = d.clock.Every(d.interval, func() {
		if d.ticking() && d.recorder.Len() > 0 {
			d.Flush()
		}
	})
}

// Stop cancels periodic flushing, lets the worker finish the queued batches
// and waits for it to exit. A later Flush starts a new worker.
func (d *Delivery) Stop() {
	d.mu.Lock()
	if d.ticker != nil {
		d.ticker.Stop()
		d.ticker = nil
	}
	done := d.done
	if done != nil {
		d.closing = true
		d.cond.Broadcast()
	}
	d.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Wait blocks until every batch queued so far has been delivered or
// requeued.
func (d *Delivery) Wait() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.pending > 0 {
		d.cond.Wait()
	}
}

// Flush drains the recorder, backs the batch up and queues it for delivery.
// It does not wait for the transport.
func (d *Delivery) Flush() {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()
	batch := d.recorder.Drain()
	if len(batch) == 0 {
		return
	}
	d.store(batch)

	d.mu.Lock()
	d.queue = append(d.queue, batch)
	d.pending++
	d.startWorker()
	d.cond.Broadcast()
	d.mu.Unlock()
}

// FlushWithBeacon is the teardown variant: the batch is handed to the
// unload-safe transport and never requeued.
func (d *Delivery) FlushWithBeacon() {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()
	batch := d.recorder.Drain()
	if len(batch) == 0 {
		return
	}
	func() {
		defer func() {
			if p := recover(); p != nil {
				d.logger.Debug().Interface("panic", p).Msg("beacon transport panicked")
			}
		}()
		d.transport.DeliverOnUnload(batch)
	}()

	d.store(batch)
}

// startWorker runs the delivery worker unless one is already running.
// d.mu must be held.
func (d *Delivery) startWorker() {
	if d.done != nil {
		return
	}
	d.done = make(chan struct{})
	go d.run(d.done)
}

func (d *Delivery) run(done chan struct{}) {
	defer close(done)
	d.mu.Lock()
	for {
		for len(d.queue) == 0 && !d.closing {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.closing = false
			d.done = nil
			d.mu.Unlock()
			return
		}
		batch := d.queue[0]
		d.queue = d.queue[1:]
		ctx := d.ctx
		d.mu.Unlock()

		ok := d.deliver(ctx, batch)

		d.mu.Lock()
		d.pending--
		if !ok {
			d.requeue(batch)
		}
		d.cond.Broadcast()
	}
}

// requeue returns a failed batch to the recorder together with every batch
// queued behind it, so the recorder holds them in drain order. d.mu must be
// held; no flush can drain in between.
func (d *Delivery) requeue(failed []models.Event) {
	size := len(failed)
	for _, next := range d.queue {
		size += len(next)
	}
	events := make([]models.Event, 0, size)
	events = append(events, failed...)
	for _, next := range d.queue {
		events = append(events, next...)
	}
	d.pending -= len(d.queue)
	d.queue = nil
	d.recorder.Requeue(events)
}

func (d *Delivery) deliver(ctx context.Context, batch []models.Event) bool {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.transport.Deliver(ctx, batch); err != nil {
		d.logger.Warn().Err(err).Int("events", len(batch)).Msg("failed to send events, requeueing")
		return false
	}
	d.logger.Debug().Int("events", len(batch)).Msg("events delivered")
	return true
}

func (d *Delivery) store(batch []models.Event) {
	if d.backup == nil {
		return
	}
	ctx, cancel := context.WithTimeout(d.context(), d.timeout)
	defer cancel()
	if err := d.backup.Append(ctx, batch); err != nil {
		d.logger.Warn().Err(err).Msg("failed to store backup")
	}
}

// ticking reports whether the periodic timer is still installed. A tick
// already taken by a real timer can race with Stop.
func (d *Delivery) ticking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ticker != nil
}

func (d *Delivery) context() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ctx
}
