package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vincentbai/lmstrace/internal/clock"
	"github.com/vincentbai/lmstrace/internal/dom"
	"github.com/vincentbai/lmstrace/internal/models"
	"github.com/vincentbai/lmstrace/internal/storage"
)

var errOffline = errors.New("network offline")

// fakeTransport records batches. While fail is set Deliver returns
// errOffline; when hold is non-nil Deliver waits on it before answering.
type fakeTransport struct {
	mu        sync.Mutex
	fail      bool
	hold      chan struct{}
	delivered [][]models.Event
	attempts  [][]models.Event
	beacons   [][]models.Event
	ctxErrs   []error
}

func (f *fakeTransport) Deliver(ctx context.Context, events []models.Event) error {
	f.mu.Lock()
	f.attempts = append(f.attempts, events)
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	hold := f.hold
	f.mu.Unlock()

	if hold != nil {
		<-hold
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errOffline
	}
	f.delivered = append(f.delivered, events)
	return nil
}

func (f *fakeTransport) DeliverOnUnload(events []models.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beacons = append(f.beacons, events)
}

func (f *fakeTransport) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *fakeTransport) deliveredBatches() [][]models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]models.Event(nil), f.delivered...)
}

func (f *fakeTransport) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attempts)
}

func (f *fakeTransport) contextErrors() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.ctxErrs...)
}

func (f *fakeTransport) beaconBatches() [][]models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]models.Event(nil), f.beacons...)
}

// loadTime is the fake clock origin: page load happens at t=0 ms.
var loadTime = time.UnixMilli(0)

type harness struct {
	doc       *dom.Fake
	clock     *clock.Fake
	store     *storage.Memory
	transport *fakeTransport
	collector *Collector
}

func defaultPage() dom.Page {
	return dom.Page{
		URL:          "http://lms.test/assignment/42",
		Path:         "/assignment/42",
		Hostname:     "lms.test",
		Referrer:     "http://lms.test/courses/1",
		UserAgent:    "test-agent/1.0",
		Screen:       dom.Size{Width: 1920, Height: 1080},
		Viewport:     dom.Size{Width: 1280, Height: 800},
		ScrollHeight: 3000,
	}
}

// newHarness builds a collector over a fake page. setup may add elements to
// the page before the collector starts.
func newHarness(t *testing.T, page dom.Page, setup func(doc *dom.Fake)) *harness {
	t.Helper()

	h := &harness{
		doc:       dom.NewFake(page),
		clock:     clock.NewFake(loadTime),
		store:     storage.NewMemory(),
		transport: &fakeTransport{},
	}
	if setup != nil {
		setup(h.doc)
	}

	c, err := New(Options{
		Document:  h.doc,
		Transport: h.transport,
		Store:     h.store,
		Clock:     h.clock,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	h.collector = c
	t.Cleanup(c.Stop)
	return h
}

func (h *harness) start() *harness {
	h.collector.Start(context.Background())
	return h
}

// advanceTo moves the fake clock to ms after page load.
func (h *harness) advanceTo(ms int64) {
	target := loadTime.Add(time.Duration(ms) * time.Millisecond)
	if d := target.Sub(h.clock.Now()); d > 0 {
		h.clock.Advance(d)
	}
}

// events returns buffered events of the given type.
func (h *harness) events(eventType models.EventType) []models.Event {
	var out []models.Event
	for _, e := range h.collector.Pending() {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func types(events []models.Event) []models.EventType {
	out := make([]models.EventType, len(events))
	for i, e := range events {
		out[i] = e.EventType
	}
	return out
}
