// Package telemetry is the client-side behavioral telemetry collector for
// assignment pages. A Collector observes a dom.Document, records interaction
// events into a bounded buffer, tracks per-question answer timing, and
// delivers batches through a Transport on a timer, on form submission and on
// page teardown.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vincentbai/lmstrace/internal/clock"
	"github.com/vincentbai/lmstrace/internal/dom"
	"github.com/vincentbai/lmstrace/internal/models"
	"github.com/vincentbai/lmstrace/internal/session"
	"github.com/vincentbai/lmstrace/internal/storage"
)

const (
	DefaultFlushInterval  = 5 * time.Second
	DefaultScrollDebounce = 100 * time.Millisecond
	DefaultRequestTimeout = 10 * time.Second
	// DefaultMaxEvents caps both the in-memory buffer and the backup.
	DefaultMaxEvents = 1000

	// TimingsFieldID is the form field that receives question timings on submit.
	TimingsFieldID = "question_timings"

	visibilityThreshold = 0.5
)

type Options struct {
	Document  dom.Document
	Transport Transport
	// Store is the session-scoped store for the session id and backup.
	// Nil keeps both in memory for this page only.
	Store  storage.Store
	Clock  clock.Clock
	Logger zerolog.Logger

	FlushInterval  time.Duration
	ScrollDebounce time.Duration
	RequestTimeout time.Duration
	MaxBuffer      int
	MaxBackup      int
}

// Collector is the telemetry context for one page. Capture sources hold a
// reference to it and write through its recorder and tracker.
type Collector struct {
	doc            dom.Document
	clock          clock.Clock
	logger         zerolog.Logger
	sessions       *session.Provider
	recorder       *Recorder
	tracker        *Tracker
	backup         *Backup
	delivery       *Delivery
	scrollDebounce time.Duration
	loadedAt       time.Time

	startOnce   sync.Once
	initialized atomic.Bool
	scroll      *scrollSource
}

var active atomic.Pointer[Collector]

// Active returns the most recently initialized collector, or nil. External
// form handlers use it to read question timings before submitting.
func Active() *Collector {
	return active.Load()
}

// New builds a collector. The page-load instant is taken now; nothing is
// observed until Start.
func New(opts Options) (*Collector, error) {
	if opts.Document == nil {
		return nil, errors.New("document is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	store := opts.Store
	if store == nil {
		store = storage.NewMemory()
	}
	debounce := opts.ScrollDebounce
	if debounce <= 0 {
		debounce = DefaultScrollDebounce
	}
	logger := opts.Logger.With().Str("component", "telemetry").Logger()

	recorder := NewRecorder(clk.Now, opts.MaxBuffer, logger)
	backup := NewBackup(store, opts.MaxBackup)
	c := &Collector{
		doc:            opts.Document,
		clock:          clk,
		logger:         logger,
		sessions:       session.NewProvider(store, clk.Now, logger),
		recorder:       recorder,
		tracker:        NewTracker(),
		backup:         backup,
		delivery:       NewDelivery(recorder, opts.Transport, backup, clk, opts.FlushInterval, opts.RequestTimeout, logger),
		scrollDebounce: debounce,
		loadedAt:       clk.Now(),
	}
	return c, nil
}

// Start initializes the collector once the document is ready: if it is still
// loading, initialization waits for the ready signal.
func (c *Collector) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		if c.doc.Loading() {
			c.doc.OnReady(func() { c.init(ctx) })
			return
		}
		c.init(ctx)
	})
}

// init resolves the session, records page_load, installs capture sources and
// starts the periodic flush, in that order.
func (c *Collector) init(ctx context.Context) {
	c.recorder.setSessionID(c.sessions.GetOrCreateSessionID(ctx))

	host := c.doc.Location().Hostname
	c.recorder.setMirror(host == "localhost" || host == "127.0.0.1")

	c.trackPageLoad()
	c.installSources()
	c.delivery.Start(ctx)

	c.initialized.Store(true)
	active.Store(c)
	c.logger.Debug().Str("path", c.doc.Location().Path).Msg("telemetry initialized")
}

// Stop cancels the periodic flush and any pending scroll debounce, then waits
// for in-flight deliveries. It does not flush.
func (c *Collector) Stop() {
	if c.scroll != nil {
		c.scroll.stop()
	}
	c.delivery.Stop()
	active.CompareAndSwap(c, nil)
}

func (c *Collector) Initialized() bool { return c.initialized.Load() }

func (c *Collector) SessionID(ctx context.Context) string {
	return c.sessions.GetOrCreateSessionID(ctx)
}

// QuestionTimings returns per-question focus/answer timestamps.
func (c *Collector) QuestionTimings() map[string]Timing {
	return c.tracker.Timings()
}

// Flush delivers buffered events now.
func (c *Collector) Flush() { c.delivery.Flush() }

// FlushWithBeacon delivers buffered events through the unload-safe transport.
func (c *Collector) FlushWithBeacon() { c.delivery.FlushWithBeacon() }

// Wait blocks until in-flight deliveries have completed.
func (c *Collector) Wait() { c.delivery.Wait() }

// Pending returns a copy of the events not yet flushed.
func (c *Collector) Pending() []models.Event { return c.recorder.Snapshot() }

// Recorded returns the number of events recorded since page load.
func (c *Collector) Recorded() int { return c.recorder.Total() }

// Backup returns the locally backed-up events.
func (c *Collector) Backup(ctx context.Context) ([]models.Event, error) {
	return c.backup.Events(ctx)
}

func (c *Collector) trackPageLoad() {
	now := c.clock.Now()
	loc := c.doc.Location()
	screen := c.doc.Screen()
	viewport := c.doc.Viewport()
	c.recorder.Record(models.PageLoad, map[string]any{
		"url":            loc.Href,
		"path":           loc.Path,
		"referrer":       c.doc.Referrer(),
		"userAgent":      c.doc.UserAgent(),
		"screenWidth":    screen.Width,
		"screenHeight":   screen.Height,
		"viewportWidth":  viewport.Width,
		"viewportHeight": viewport.Height,
		"timestamp":      now.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
}

// timeOnPage returns ms elapsed between page load and t.
func (c *Collector) timeOnPage(t time.Time) int64 {
	return t.Sub(c.loadedAt).Milliseconds()
}

// assignmentID is the page's numeric assignment id, or nil.
func (c *Collector) assignmentID() any {
	if id := models.AssignmentID(c.doc.Location().Path); id != nil {
		return *id
	}
	return nil
}

// guard runs a capture handler, containing any panic so it never reaches the
// page's event dispatch.
func (c *Collector) guard(source string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error().Str("source", source).Str("panic", fmt.Sprint(p)).Msg("capture source failed")
		}
	}()
	fn()
}
