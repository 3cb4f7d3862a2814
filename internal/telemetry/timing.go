package telemetry

import (
	"encoding/json"
	"sync"
)

// QuestionState is the position of a question in the timing state machine.
type QuestionState int

const (
	Unseen QuestionState = iota
	Focused
	Answered
)

func (s QuestionState) String() string {
	switch s {
	case Focused:
		return "focused"
	case Answered:
		return "answered"
	default:
		return "unseen"
	}
}

// Timing is the focus/answer pair for one question, in ms since epoch.
type Timing struct {
	FocusedAt  *int64 `json:"focusedAt"`
	AnsweredAt *int64 `json:"answeredAt"`
}

// Latency returns answeredAt - focusedAt, or false while unanswered.
func (t Timing) Latency() (int64, bool) {
	if t.FocusedAt == nil || t.AnsweredAt == nil {
		return 0, false
	}
	return *t.AnsweredAt - *t.FocusedAt, true
}

// Tracker holds one timing record per question. focusedAt and answeredAt are
// both first-write-wins; answering an unseen question backfills focusedAt so
// latency is always defined and never negative.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*Timing
}

func NewTracker() *Tracker {
	return &Tracker{records: make(map[string]*Timing)}
}

// Focus moves an unseen question to Focused. It reports false when the
// question already has a record.
func (t *Tracker) Focus(questionID string, at int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[questionID]; ok {
		return false
	}
	t.records[questionID] = &Timing{FocusedAt: &at}
	return true
}

// Answer records an answer change at the given instant and returns the time
// elapsed since the question was focused.
func (t *Tracker) Answer(questionID string, at int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[questionID]
	if !ok {
		focused := at
		rec = &Timing{FocusedAt: &focused}
		t.records[questionID] = rec
	}
	if rec.AnsweredAt == nil {
		answered := at
		rec.AnsweredAt = &answered
	}
	latency := at - *rec.FocusedAt
	if latency < 0 {
		return 0
	}
	return latency
}

func (t *Tracker) State(questionID string) QuestionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[questionID]
	switch {
	case !ok:
		return Unseen
	case rec.AnsweredAt != nil:
		return Answered
	default:
		return Focused
	}
}

func (t *Tracker) Timing(questionID string) (Timing, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[questionID]
	if !ok {
		return Timing{}, false
	}
	return copyTiming(rec), true
}

// Timings returns a copy of every record keyed by question id.
func (t *Tracker) Timings() map[string]Timing {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Timing, len(t.records))
	for id, rec := range t.records {
		out[id] = copyTiming(rec)
	}
	return out
}

func (t *Tracker) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Timings())
}

func copyTiming(rec *Timing) Timing {
	var out Timing
	if rec.FocusedAt != nil {
		v := *rec.FocusedAt
		out.FocusedAt = &v
	}
	if rec.AnsweredAt != nil {
		v := *rec.AnsweredAt
		out.AnsweredAt = &v
	}
	return out
}
