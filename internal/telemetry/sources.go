package telemetry

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/vincentbai/lmstrace/internal/clock"
	"github.com/vincentbai/lmstrace/internal/dom"
	"github.com/vincentbai/lmstrace/internal/models"
)

const (
	// burstChars is the smallest single addition reported as a typing burst
	// (exclusive); pasteChars marks a burst as a likely paste (exclusive).
	burstChars = 5
	pasteChars = 20
)

var questionInputName = regexp.MustCompile(`question_(\d+)`)

func (c *Collector) installSources() {
	(&firstInteractionSource{c: c}).install(c.doc)
	(&clickSource{c: c}).install(c.doc)
	c.scroll = &scrollSource{c: c}
	c.scroll.install(c.doc)
	(&submitSource{c: c}).install(c.doc)

	for index, q := range c.doc.Questions() {
		inputs := q.Inputs()
		if len(inputs) == 0 {
			continue
		}
		(&questionSource{c: c, id: questionID(inputs[0].Name(), index), index: index}).install(c.doc, q, inputs)
	}
	for _, in := range c.doc.Choices() {
		(&choiceSource{c: c, input: in}).install()
	}
	for _, ta := range c.doc.Textareas() {
		(&textareaSource{c: c, ta: ta}).install()
	}
	for _, link := range c.doc.AssignmentLinks() {
		(&linkSource{c: c, link: link}).install()
	}
	(&visibilitySource{c: c}).install(c.doc)
	(&unloadSource{c: c}).install(c.doc)
}

// questionID takes the numeric id from an input named like question_123,
// falling back to the question's position on the page.
func questionID(inputName string, index int) string {
	if m := questionInputName.FindStringSubmatch(inputName); m != nil {
		return m[1]
	}
	return strconv.Itoa(index)
}

// firstInteractionSource fires once, for whichever of click, keydown or
// scroll happens first.
type firstInteractionSource struct {
	c     *Collector
	fired atomic.Bool
}

func (s *firstInteractionSource) install(doc dom.Document) {
	doc.OnClick(func(dom.MouseEvent) { s.trigger("click") })
	doc.OnKeyDown(func() { s.trigger("keydown") })
	doc.OnScroll(func() { s.trigger("scroll") })
}

func (s *firstInteractionSource) trigger(interactionType string) {
	if !s.fired.CompareAndSwap(false, true) {
		return
	}
	s.c.guard("first_interaction", func() {
		s.c.recorder.Record(models.FirstInteraction, map[string]any{
			"interactionType": interactionType,
			"timeSinceLoadMs": s.c.timeOnPage(s.c.clock.Now()),
			"assignmentId":    s.c.assignmentID(),
		})
	})
}

type clickSource struct {
	c *Collector

	mu        sync.Mutex
	lastClick time.Time
}

func (s *clickSource) install(doc dom.Document) {
	doc.OnClick(func(ev dom.MouseEvent) {
		s.c.guard("click", func() { s.handle(ev) })
	})
}

func (s *clickSource) handle(ev dom.MouseEvent) {
	now := s.c.clock.Now()
	s.mu.Lock()
	var sincePrev any
	if !s.lastClick.IsZero() {
		sincePrev = now.Sub(s.lastClick).Milliseconds()
	}
	s.lastClick = now
	s.mu.Unlock()

	s.c.recorder.Record(models.Click, map[string]any{
		"x":                    ev.ClientX,
		"y":                    ev.ClientY,
		"pageX":                ev.PageX,
		"pageY":                ev.PageY,
		"target":               ev.Target.Tag,
		"targetId":             nullable(ev.Target.ID),
		"targetClass":          nullable(ev.Target.Class),
		"timeSincePrevClickMs": sincePrev,
		"timeOnPage":           s.c.timeOnPage(now),
		"assignmentId":         s.c.assignmentID(),
	})
}

// scrollSource emits at most one scroll event per debounce window. The
// position is read when the window closes.
type scrollSource struct {
	c *Collector

	mu         sync.Mutex
	pending    clock.Timer
	lastScroll time.Time
}

func (s *scrollSource) install(doc dom.Document) {
	doc.OnScroll(func() {
		s.c.guard("scroll", s.signal)
	})
}

func (s *scrollSource) signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		return
	}
	s.pending = s.c.clock.AfterFunc(s.c.scrollDebounce, func() {
		s.c.guard("scroll", s.emit)
	})
}

func (s *scrollSource) emit() {
	now := s.c.clock.Now()
	s.mu.Lock()
	var sincePrev any
	if !s.lastScroll.IsZero() {
		sincePrev = now.Sub(s.lastScroll).Milliseconds()
	}
	s.lastScroll = now
	s.pending = nil
	s.mu.Unlock()

	pos := s.c.doc.Scroll()
	s.c.recorder.Record(models.Scroll, map[string]any{
		"scrollY":               pos.Y,
		"scrollX":               pos.X,
		"maxScrollY":            pos.Height - float64(s.c.doc.Viewport().Height),
		"timeSincePrevScrollMs": sincePrev,
		"timeOnPage":            s.c.timeOnPage(now),
		"assignmentId":          s.c.assignmentID(),
	})
}

func (s *scrollSource) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
}

// submitSource writes question timings into the form, records the submission
// and flushes before the page navigates away.
type submitSource struct {
	c *Collector
}

func (s *submitSource) install(doc dom.Document) {
	doc.OnSubmit(func(form dom.Form) {
		s.c.guard("form_submit", func() { s.handle(form) })
	})
}

func (s *submitSource) handle(form dom.Form) {
	if field, ok := s.c.doc.Field(TimingsFieldID); ok {
		payload, err := json.Marshal(s.c.tracker)
		if err != nil {
			s.c.logger.Warn().Err(err).Msg("failed to serialize question timings")
		} else {
			field.SetValue(string(payload))
		}
	}

	s.c.recorder.Record(models.FormSubmit, map[string]any{
		"formAction":   form.Action,
		"formMethod":   form.Method,
		"formId":       form.ID,
		"timeOnPage":   s.c.timeOnPage(s.c.clock.Now()),
		"assignmentId": s.c.assignmentID(),
	})

	s.c.delivery.Flush()
}

// questionSource drives the timing tracker for one question group.
type questionSource struct {
	c     *Collector
	id    string
	index int
}

func (s *questionSource) install(doc dom.Document, q dom.Question, inputs []dom.Input) {
	doc.ObserveVisibility(q, visibilityThreshold, func(ratio float64) {
		if ratio < visibilityThreshold {
			return
		}
		s.c.guard("question_focus", s.focus)
	})
	for _, in := range inputs {
		in := in
		in.OnChange(func() {
			s.c.guard("question_answer", func() { s.answer(in.Value()) })
		})
	}
}

func (s *questionSource) focus() {
	now := s.c.clock.Now()
	if !s.c.tracker.Focus(s.id, now.UnixMilli()) {
		return
	}
	s.c.recorder.Record(models.QuestionFocus, map[string]any{
		"questionId":    s.id,
		"questionIndex": s.index,
		"timeOnPage":    s.c.timeOnPage(now),
		"assignmentId":  s.c.assignmentID(),
	})
}

func (s *questionSource) answer(value string) {
	now := s.c.clock.Now()
	latency := s.c.tracker.Answer(s.id, now.UnixMilli())
	s.c.recorder.Record(models.QuestionAnswer, map[string]any{
		"questionId":     s.id,
		"questionIndex":  s.index,
		"selectedValue":  value,
		"timeToAnswerMs": latency,
		"timeOnPage":     s.c.timeOnPage(now),
		"assignmentId":   s.c.assignmentID(),
	})
}

// choiceSource covers legacy quiz choice inputs.
type choiceSource struct {
	c     *Collector
	input dom.Input
}

func (s *choiceSource) install() {
	s.input.OnChange(func() {
		s.c.guard("quiz_answer_selected", func() {
			s.c.recorder.Record(models.QuizAnswerSelected, map[string]any{
				"questionId":    s.input.Name(),
				"selectedValue": s.input.Value(),
				"timeOnPage":    s.c.timeOnPage(s.c.clock.Now()),
			})
		})
	})
}

// textareaSource measures editing of one multi-line field. Counts are in
// characters, not bytes.
type textareaSource struct {
	c  *Collector
	ta dom.Textarea

	mu        sync.Mutex
	focusedAt time.Time
	lastInput time.Time
	charCount int
	edited    int // sum of |chars changed| since focus
	inputs    int
}

func (s *textareaSource) install() {
	s.ta.OnFocus(func() { s.c.guard("textarea_focus", s.focus) })
	s.ta.OnInput(func() { s.c.guard("typing_burst", s.input) })
	s.ta.OnBlur(func() { s.c.guard("textarea_blur", s.blur) })
}

func (s *textareaSource) focus() {
	now := s.c.clock.Now()
	s.mu.Lock()
	s.focusedAt = now
	s.lastInput = now
	s.charCount = utf8.RuneCountInString(s.ta.Value())
	s.edited = 0
	s.inputs = 0
	s.mu.Unlock()

	s.c.recorder.Record(models.TextareaFocus, map[string]any{
		"textareaName": s.ta.Name(),
		"timeOnPage":   s.c.timeOnPage(now),
	})
}

func (s *textareaSource) input() {
	now := s.c.clock.Now()
	length := utf8.RuneCountInString(s.ta.Value())

	s.mu.Lock()
	added := length - s.charCount
	var sinceLast, perSecond any
	if !s.lastInput.IsZero() {
		elapsed := now.Sub(s.lastInput).Milliseconds()
		sinceLast = elapsed
		if elapsed > 0 {
			perSecond = float64(added) / float64(elapsed) * 1000
		}
	}
	s.edited += abs(added)
	s.inputs++
	s.charCount = length
	s.lastInput = now
	s.mu.Unlock()

	if added <= burstChars {
		return
	}
	s.c.recorder.Record(models.TypingBurst, map[string]any{
		"textareaName":         s.ta.Name(),
		"charsAdded":           added,
		"timeSinceLastInputMs": sinceLast,
		"charsPerSecond":       perSecond,
		"likelyPaste":          added > pasteChars,
		"timeOnPage":           s.c.timeOnPage(now),
		"assignmentId":         s.c.assignmentID(),
	})
}

func (s *textareaSource) blur() {
	now := s.c.clock.Now()
	value := s.ta.Value()

	s.mu.Lock()
	var editTime, avg any
	if !s.focusedAt.IsZero() {
		editTime = now.Sub(s.focusedAt).Milliseconds()
		if total := s.lastInput.Sub(s.focusedAt).Milliseconds(); s.inputs > 0 && total > 0 {
			avg = float64(s.edited) / float64(total) * 1000
		}
	}
	s.mu.Unlock()

	s.c.recorder.Record(models.TextareaBlur, map[string]any{
		"textareaName":      s.ta.Name(),
		"editTimeMs":        editTime,
		"characterCount":    utf8.RuneCountInString(value),
		"wordCount":         len(strings.Fields(value)),
		"avgCharsPerSecond": avg,
		"timeOnPage":        s.c.timeOnPage(now),
	})
}

type linkSource struct {
	c    *Collector
	link dom.Link
}

func (s *linkSource) install() {
	s.link.OnClick(func() {
		s.c.guard("assignment_click", func() {
			var title any
			if t, ok := s.link.Title(); ok {
				title = t
			}
			s.c.recorder.Record(models.AssignmentClick, map[string]any{
				"href":       s.link.Href(),
				"title":      title,
				"timeOnPage": s.c.timeOnPage(s.c.clock.Now()),
			})
		})
	})
}

type visibilitySource struct {
	c *Collector
}

func (s *visibilitySource) install(doc dom.Document) {
	doc.OnVisibilityChange(func() {
		s.c.guard("visibility_change", func() {
			s.c.recorder.Record(models.VisibilityChange, map[string]any{
				"hidden":       doc.Hidden(),
				"timeOnPage":   s.c.timeOnPage(s.c.clock.Now()),
				"assignmentId": s.c.assignmentID(),
			})
		})
	})
}

// unloadSource records the page summary and hands everything left to the
// beacon transport before the page is discarded.
type unloadSource struct {
	c *Collector
}

func (s *unloadSource) install(doc dom.Document) {
	doc.OnTeardown(func() {
		s.c.guard("page_unload", func() {
			s.c.recorder.Record(models.PageUnload, map[string]any{
				"totalTimeOnPage":  s.c.timeOnPage(s.c.clock.Now()),
				"interactionCount": s.c.recorder.Total(),
				"assignmentId":     s.c.assignmentID(),
			})
			s.c.delivery.FlushWithBeacon()
		})
	})
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
