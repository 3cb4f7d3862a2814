package models

import (
	"regexp"
	"strconv"
)

// EventType tags a telemetry event. The set is closed; see Valid.
type EventType string

const (
	PageLoad           EventType = "page_load"
	FirstInteraction   EventType = "first_interaction"
	Click              EventType = "click"
	Scroll             EventType = "scroll"
	FormSubmit         EventType = "form_submit"
	QuestionFocus      EventType = "question_focus"
	QuestionAnswer     EventType = "question_answer"
	QuizAnswerSelected EventType = "quiz_answer_selected"
	TextareaFocus      EventType = "textarea_focus"
	TypingBurst        EventType = "typing_burst"
	TextareaBlur       EventType = "textarea_blur"
	AssignmentClick    EventType = "assignment_click"
	VisibilityChange   EventType = "visibility_change"
	PageUnload         EventType = "page_unload"
)

// EventTypes lists every known event type in schema order.
var EventTypes = []EventType{
	PageLoad, FirstInteraction, Click, Scroll, FormSubmit,
	QuestionFocus, QuestionAnswer, QuizAnswerSelected,
	TextareaFocus, TypingBurst, TextareaBlur,
	AssignmentClick, VisibilityChange, PageUnload,
}

var validEventTypes = func() map[EventType]bool {
	m := make(map[EventType]bool, len(EventTypes))
	for _, t := range EventTypes {
		m[t] = true
	}
	return m
}()

// Valid reports whether t belongs to the closed event type set.
func (t EventType) Valid() bool {
	return validEventTypes[t]
}

type Event struct {
	EventType EventType      `json:"eventType"`
	SessionID string         `json:"sessionId"`
	Timestamp int64          `json:"timestamp"` // ms since epoch
	Data      map[string]any `json:"data"`      // per-type fields, primitives or null
}

type Batch struct {
	Events []Event `json:"events"`
}

var assignmentPath = regexp.MustCompile(`/assignment/(\d+)`)

// AssignmentID extracts the numeric assignment id from a page path such as
// /assignment/123. It returns nil when the path carries none.
func AssignmentID(path string) *int64 {
	match := assignmentPath.FindStringSubmatch(path)
	if match == nil {
		return nil
	}
	id, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return nil
	}
	return &id
}
