package telemetry

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vincentbai/lmstrace/internal/dom"
	"github.com/vincentbai/lmstrace/internal/models"
)

func TestFirstInteractionFiresOnce(t *testing.T) {
	h := newHarness(t, defaultPage(), nil).start()

	h.advanceTo(250)
	h.doc.KeyDown()
	h.doc.Click(dom.MouseEvent{})
	h.doc.ScrollTo(0, 100)
	h.doc.KeyDown()

	events := h.events(models.FirstInteraction)
	require.Len(t, events, 1)
	assert.Equal(t, "keydown", events[0].Data["interactionType"])
	assert.Equal(t, int64(250), events[0].Data["timeSinceLoadMs"])
	assert.Equal(t, int64(42), events[0].Data["assignmentId"])
}

func TestFirstInteractionPrecedesClick(t *testing.T) {
	h := newHarness(t, defaultPage(), nil).start()
	h.doc.Click(dom.MouseEvent{})

	assert.Equal(t, []models.EventType{models.PageLoad, models.FirstInteraction, models.Click}, types(h.collector.Pending()))
}

func TestClickTiming(t *testing.T) {
	h := newHarness(t, defaultPage(), nil).start()

	for _, at := range []int64{1000, 1500, 1800} {
		h.advanceTo(at)
		h.doc.Click(dom.MouseEvent{
			ClientX: 10, ClientY: 20, PageX: 10, PageY: 420,
			Target: dom.Element{Tag: "BUTTON", ID: "submit-btn"},
		})
	}

	clicks := h.events(models.Click)
	require.Len(t, clicks, 3)
	assert.Nil(t, clicks[0].Data["timeSincePrevClickMs"])
	assert.Equal(t, int64(500), clicks[1].Data["timeSincePrevClickMs"])
	assert.Equal(t, int64(300), clicks[2].Data["timeSincePrevClickMs"])

	first := clicks[0].Data
	assert.Equal(t, 10.0, first["x"])
	assert.Equal(t, 420.0, first["pageY"])
	assert.Equal(t, "BUTTON", first["target"])
	assert.Equal(t, "submit-btn", first["targetId"])
	assert.Nil(t, first["targetClass"])
	assert.Equal(t, int64(1000), first["timeOnPage"])
	assert.Equal(t, int64(1000), clicks[0].Timestamp)
}

func TestScrollIsDebounced(t *testing.T) {
	h := newHarness(t, defaultPage(), nil).start()

	h.advanceTo(1000)
	for i := 1; i <= 10; i++ {
		h.doc.ScrollTo(0, float64(i*30))
		h.clock.Advance(5 * time.Millisecond)
	}
	h.advanceTo(1200)

	scrolls := h.events(models.Scroll)
	require.Len(t, scrolls, 1)
	data := scrolls[0].Data
	assert.Equal(t, 300.0, data["scrollY"], "position is read when the window closes")
	assert.Equal(t, 0.0, data["scrollX"])
	assert.Equal(t, 2200.0, data["maxScrollY"])
	assert.Nil(t, data["timeSincePrevScrollMs"])
	assert.Equal(t, int64(1100), data["timeOnPage"])

	h.advanceTo(2000)
	h.doc.ScrollTo(0, 600)
	h.advanceTo(2100)

	scrolls = h.events(models.Scroll)
	require.Len(t, scrolls, 2)
	assert.Equal(t, int64(1000), scrolls[1].Data["timeSincePrevScrollMs"])
}

func TestStopCancelsPendingScroll(t *testing.T) {
	h := newHarness(t, defaultPage(), nil).start()
	h.doc.ScrollTo(0, 10)
	h.collector.Stop()
	h.advanceTo(1000)

	assert.Empty(t, h.events(models.Scroll))
}

func TestSubmitWritesTimingsAndFlushes(t *testing.T) {
	var field *dom.FakeField
	var q *dom.FakeQuestion
	h := newHarness(t, defaultPage(), func(doc *dom.Fake) {
		q = doc.AddQuestion("question_101", "a", "b")
		field = doc.AddField(TimingsFieldID)
	}).start()

	h.advanceTo(1000)
	h.doc.SetVisibleRatio(q, 0.8)
	h.advanceTo(4000)
	q.Select("b")

	h.advanceTo(5000 - 1)
	h.doc.Submit(dom.Form{Action: "/assignment/42/submit", Method: "post", ID: "quiz-form"})
	h.collector.Wait()

	assert.JSONEq(t, `{"101": {"focusedAt": 1000, "answeredAt": 4000}}`, field.Value())

	batches := h.transport.deliveredBatches()
	require.Len(t, batches, 1)
	last := batches[0][len(batches[0])-1]
	assert.Equal(t, models.FormSubmit, last.EventType)
	assert.Equal(t, "/assignment/42/submit", last.Data["formAction"])
	assert.Equal(t, "post", last.Data["formMethod"])
	assert.Equal(t, "quiz-form", last.Data["formId"])
	assert.Equal(t, 0, h.collector.recorder.Len())
}

func TestSubmitWithoutTimingsField(t *testing.T) {
	h := newHarness(t, defaultPage(), nil).start()
	h.doc.Submit(dom.Form{ID: "f"})
	h.collector.Wait()

	require.Len(t, h.transport.deliveredBatches(), 1)
}

func TestQuestionFocusThenAnswer(t *testing.T) {
	var q *dom.FakeQuestion
	h := newHarness(t, defaultPage(), func(doc *dom.Fake) {
		doc.AddQuestion("question_5", "a", "b")
		q = doc.AddQuestion("question_6", "a", "b", "c")
	}).start()

	h.advanceTo(2000)
	h.doc.SetVisibleRatio(q, 0.3) // below threshold
	assert.Empty(t, h.events(models.QuestionFocus))

	h.doc.SetVisibleRatio(q, 0.6)
	h.doc.SetVisibleRatio(q, 0.0)
	h.advanceTo(2500)
	h.doc.SetVisibleRatio(q, 1.0) // second crossing is a no-op

	focus := h.events(models.QuestionFocus)
	require.Len(t, focus, 1)
	assert.Equal(t, "6", focus[0].Data["questionId"])
	assert.Equal(t, 1, focus[0].Data["questionIndex"])
	assert.Equal(t, int64(2000), focus[0].Data["timeOnPage"])

	h.advanceTo(7000)
	q.Select("c")

	answers := h.events(models.QuestionAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "c", answers[0].Data["selectedValue"])
	assert.Equal(t, int64(5000), answers[0].Data["timeToAnswerMs"])
	assert.Equal(t, Answered, h.collector.tracker.State("6"))
}

func TestQuestionVisibleAtLoadIsFocused(t *testing.T) {
	var q *dom.FakeQuestion
	h := newHarness(t, defaultPage(), func(doc *dom.Fake) {
		q = doc.AddQuestion("question_3", "a", "b")
		doc.SetVisibleRatio(q, 1.0)
	})
	h.advanceTo(150)
	h.start()

	focus := h.events(models.QuestionFocus)
	require.Len(t, focus, 1)
	assert.Equal(t, "3", focus[0].Data["questionId"])
	assert.Equal(t, int64(150), focus[0].Data["timeOnPage"])

	h.advanceTo(1150)
	q.Select("b")
	answers := h.events(models.QuestionAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, int64(1000), answers[0].Data["timeToAnswerMs"])
}

func TestQuestionAnswerWithoutFocus(t *testing.T) {
	var q *dom.FakeQuestion
	h := newHarness(t, defaultPage(), func(doc *dom.Fake) {
		q = doc.AddQuestion("question_9", "a", "b")
	}).start()

	h.advanceTo(3000)
	q.Select("a")

	answers := h.events(models.QuestionAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, int64(0), answers[0].Data["timeToAnswerMs"])

	timing := h.collector.QuestionTimings()["9"]
	require.NotNil(t, timing.FocusedAt)
	assert.Equal(t, *timing.FocusedAt, *timing.AnsweredAt)

	// Becoming visible afterwards emits no focus event.
	h.doc.SetVisibleRatio(q, 1.0)
	assert.Empty(t, h.events(models.QuestionFocus))
}

func TestQuestionIDFallsBackToIndex(t *testing.T) {
	var q *dom.FakeQuestion
	h := newHarness(t, defaultPage(), func(doc *dom.Fake) {
		doc.AddQuestion("unused") // no inputs: skipped, but keeps its index
		q = doc.AddQuestion("choice_x", "yes", "no")
	}).start()

	q.Select("yes")
	answers := h.events(models.QuestionAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "1", answers[0].Data["questionId"])
	assert.Equal(t, 1, answers[0].Data["questionIndex"])
}

func TestLegacyChoice(t *testing.T) {
	var choice *dom.FakeInput
	h := newHarness(t, defaultPage(), func(doc *dom.Fake) {
		choice = doc.AddChoice("question_3", "b")
	}).start()

	h.advanceTo(900)
	choice.Change()

	events := h.events(models.QuizAnswerSelected)
	require.Len(t, events, 1)
	assert.Equal(t, map[string]any{
		"questionId":    "question_3",
		"selectedValue": "b",
		"timeOnPage":    int64(900),
	}, events[0].Data)
}

func TestTypingBurstPaste(t *testing.T) {
	var ta *dom.FakeTextarea
	h := newHarness(t, defaultPage(), func(doc *dom.Fake) {
		ta = doc.AddTextarea("essay", "")
	}).start()

	h.advanceTo(1000)
	ta.Focus()
	h.advanceTo(1200)
	ta.Type(strings.Repeat("x", 25))

	bursts := h.events(models.TypingBurst)
	require.Len(t, bursts, 1)
	data := bursts[0].Data
	assert.Equal(t, "essay", data["textareaName"])
	assert.Equal(t, 25, data["charsAdded"])
	assert.Equal(t, int64(200), data["timeSinceLastInputMs"])
	assert.Equal(t, 125.0, data["charsPerSecond"])
	assert.Equal(t, true, data["likelyPaste"])
}

func TestTypingBurstThresholds(t *testing.T) {
	var ta *dom.FakeTextarea
	h := newHarness(t, defaultPage(), func(doc *dom.Fake) {
		ta = doc.AddTextarea("essay", "")
	}).start()

	ta.Focus()
	h.advanceTo(100)
	ta.Type("hello") // 5 chars: not a burst
	h.advanceTo(300)
	ta.Type("abcdefghij") // 10 chars: burst, not a paste
	h.advanceTo(300)
	ta.Type("0123456789") // same instant: rate undefined

	bursts := h.events(models.TypingBurst)
	require.Len(t, bursts, 2)
	assert.Equal(t, false, bursts[0].Data["likelyPaste"])
	assert.Equal(t, 50.0, bursts[0].Data["charsPerSecond"])
	assert.Equal(t, int64(0), bursts[1].Data["timeSinceLastInputMs"])
	assert.Nil(t, bursts[1].Data["charsPerSecond"])
}

func TestTextareaBlurSummary(t *testing.T) {
	var ta *dom.FakeTextarea
	h := newHarness(t, defaultPage(), func(doc *dom.Fake) {
		ta = doc.AddTextarea("essay", "draft")
	}).start()

	h.advanceTo(1000)
	ta.Focus()
	h.advanceTo(1500)
	ta.SetValue("draft answer here") // +12
	h.advanceTo(2000)
	ta.SetValue("draft answer") // -5
	h.advanceTo(2500)
	ta.Blur()

	focus := h.events(models.TextareaFocus)
	require.Len(t, focus, 1)
	assert.Equal(t, "essay", focus[0].Data["textareaName"])

	blur := h.events(models.TextareaBlur)
	require.Len(t, blur, 1)
	data := blur[0].Data
	assert.Equal(t, int64(1500), data["editTimeMs"])
	assert.Equal(t, 12, data["characterCount"])
	assert.Equal(t, 2, data["wordCount"])
	assert.Equal(t, 17.0, data["avgCharsPerSecond"]) // 17 chars over 1000ms
	assert.Equal(t, int64(2500), data["timeOnPage"])
}

func TestTextareaBlurWithoutInput(t *testing.T) {
	var ta *dom.FakeTextarea
	h := newHarness(t, defaultPage(), func(doc *dom.Fake) {
		ta = doc.AddTextarea("notes", "   ")
	}).start()

	ta.Blur() // never focused
	ta.Focus()
	h.advanceTo(400)
	ta.Blur()

	blur := h.events(models.TextareaBlur)
	require.Len(t, blur, 2)
	assert.Nil(t, blur[0].Data["editTimeMs"])
	assert.Nil(t, blur[1].Data["avgCharsPerSecond"])
	assert.Equal(t, int64(400), blur[1].Data["editTimeMs"])
	assert.Equal(t, 0, blur[1].Data["wordCount"])
}

func TestAssignmentLinks(t *testing.T) {
	var labelled, bare *dom.FakeLink
	h := newHarness(t, defaultPage(), func(doc *dom.Fake) {
		labelled = doc.AddLink("/assignment/7", "Essay 1")
		bare = doc.AddLink("/assignment/8", "")
	}).start()

	labelled.Click()
	bare.Click()

	clicks := h.events(models.AssignmentClick)
	require.Len(t, clicks, 2)
	assert.Equal(t, "/assignment/7", clicks[0].Data["href"])
	assert.Equal(t, "Essay 1", clicks[0].Data["title"])
	assert.Nil(t, clicks[1].Data["title"])
}

func TestVisibilityChange(t *testing.T) {
	h := newHarness(t, defaultPage(), nil).start()

	h.doc.SetHidden(true)
	h.advanceTo(3000)
	h.doc.SetHidden(false)

	events := h.events(models.VisibilityChange)
	require.Len(t, events, 2)
	assert.Equal(t, true, events[0].Data["hidden"])
	assert.Equal(t, false, events[1].Data["hidden"])
	assert.Equal(t, int64(3000), events[1].Data["timeOnPage"])
}

func TestUnloadRecordsSummaryAndBeacons(t *testing.T) {
	h := newHarness(t, defaultPage(), nil).start()

	h.advanceTo(100)
	h.doc.Click(dom.MouseEvent{})
	h.advanceTo(9000)
	h.doc.Teardown()

	beacons := h.transport.beaconBatches()
	require.Len(t, beacons, 1)
	// The 5s periodic flush took page_load, first_interaction and click.
	require.Len(t, beacons[0], 1)
	unload := beacons[0][0]
	assert.Equal(t, models.PageUnload, unload.EventType)
	assert.Equal(t, int64(9000), unload.Data["totalTimeOnPage"])
	assert.Equal(t, 3, unload.Data["interactionCount"])
	assert.Equal(t, int64(42), unload.Data["assignmentId"])
	assert.Equal(t, 0, h.collector.recorder.Len())
}

func TestAssignmentIDAbsent(t *testing.T) {
	page := defaultPage()
	page.Path = "/courses"
	h := newHarness(t, page, nil).start()
	h.doc.SetHidden(true)

	events := h.events(models.VisibilityChange)
	require.Len(t, events, 1)
	v, ok := events[0].Data["assignmentId"]
	assert.True(t, ok)
	assert.Nil(t, v)

	payload, err := json.Marshal(events[0])
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"assignmentId":null`)
}
