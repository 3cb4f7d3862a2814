package telemetry

import (
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vincentbai/lmstrace/internal/models"
)

// Recorder is the event buffer every capture path writes through. The buffer
// keeps insertion order and never holds more than max events; the oldest are
// dropped first.
type Recorder struct {
	now    func() time.Time
	logger zerolog.Logger
	max    int

	mu        sync.Mutex
	events    []models.Event
	total     int
	sessionID string
	mirror    bool
}

func NewRecorder(now func() time.Time, max int, logger zerolog.Logger) *Recorder {
	if max <= 0 {
		max = DefaultMaxEvents
	}
	return &Recorder{now: now, max: max, logger: logger}
}

func (r *Recorder) setSessionID(id string) {
	r.mu.Lock()
	r.sessionID = id
	r.mu.Unlock()
}

// setMirror turns on the development diagnostic channel: each recorded event
// is also written to the logger at debug level.
func (r *Recorder) setMirror(on bool) {
	r.mu.Lock()
	r.mirror = on
	r.mu.Unlock()
}

// Record appends an event stamped with the session id and current time. It
// never returns an error to the capture path; failures are logged.
func (r *Recorder) Record(eventType models.EventType, data map[string]any) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Str("event_type", string(eventType)).Str("panic", fmt.Sprint(p)).Msg("failed to record event")
		}
	}()

	timestamp := r.now().UnixMilli()

	r.mu.Lock()
	event := models.Event{
		EventType: eventType,
		SessionID: r.sessionID,
		Timestamp: timestamp,
		Data:      maps.Clone(data),
	}
	r.events = append(r.events, event)
	if over := len(r.events) - r.max; over > 0 {
		r.events = append([]models.Event(nil), r.events[over:]...)
	}
	r.total++
	mirror := r.mirror
	r.mu.Unlock()

	if mirror {
		r.logger.Debug().Str("event_type", string(eventType)).Interface("data", event.Data).Msg("[Telemetry]")
	}
}

// Drain atomically takes the buffered events, leaving an empty buffer for
// captures that happen while the batch is in flight.
func (r *Recorder) Drain() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch := r.events
	r.events = nil
	return batch
}

// Requeue puts a failed batch back in front of the events captured since it
// was drained, then keeps only the most recent max events. When the combined
// length overflows, the oldest events of the failed batch go first.
func (r *Recorder) Requeue(batch []models.Event) {
	if len(batch) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	combined := make([]models.Event, 0, len(batch)+len(r.events))
	combined = append(combined, batch...)
	combined = append(combined, r.events...)
	if over := len(combined) - r.max; over > 0 {
		combined = combined[over:]
	}
	r.events = combined
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Snapshot returns a copy of the buffered events.
func (r *Recorder) Snapshot() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

// Total returns how many events have been recorded over the page lifetime.
func (r *Recorder) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}
