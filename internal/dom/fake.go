package dom

import (
	"sync"
	"unicode/utf8"
)

// Page configures a Fake document.
type Page struct {
	URL       string
	Path      string
	Hostname  string
	Referrer  string
	UserAgent string
	Screen    Size
	Viewport  Size
	// ScrollHeight is the full document height.
	ScrollHeight float64
	Loading      bool
}

// Fake is a scriptable in-memory document. Handlers run synchronously on the
// goroutine that triggers the event.
type Fake struct {
	mu sync.Mutex

	page   Page
	scroll ScrollState
	hidden bool

	ready      []func()
	clicks     []func(MouseEvent)
	keydowns   []func()
	scrolls    []func()
	submits    []func(Form)
	visibility []func()
	teardowns  []func()
	observers  map[*FakeQuestion][]visibilityObserver

	questions []*FakeQuestion
	choices   []*FakeInput
	textareas []*FakeTextarea
	links     []*FakeLink
	fields    map[string]*FakeField
}

type visibilityObserver struct {
	threshold float64
	fn        func(float64)
}

func NewFake(page Page) *Fake {
	return &Fake{
		page:      page,
		scroll:    ScrollState{Height: page.ScrollHeight},
		observers: make(map[*FakeQuestion][]visibilityObserver),
		fields:    make(map[string]*FakeField),
	}
}

// AddQuestion appends a question group with one radio input per value, all
// sharing inputName.
func (f *Fake) AddQuestion(inputName string, values ...string) *FakeQuestion {
	q := &FakeQuestion{}
	for _, v := range values {
		q.inputs = append(q.inputs, &FakeInput{name: inputName, value: v})
	}
	f.mu.Lock()
	f.questions = append(f.questions, q)
	f.mu.Unlock()
	return q
}

// AddChoice appends a legacy quiz choice input.
func (f *Fake) AddChoice(name, value string) *FakeInput {
	in := &FakeInput{name: name, value: value}
	f.mu.Lock()
	f.choices = append(f.choices, in)
	f.mu.Unlock()
	return in
}

func (f *Fake) AddTextarea(name, value string) *FakeTextarea {
	ta := &FakeTextarea{name: name, value: value}
	f.mu.Lock()
	f.textareas = append(f.textareas, ta)
	f.mu.Unlock()
	return ta
}

// AddLink appends an assignment list link. An empty title means the link has
// no label element.
func (f *Fake) AddLink(href, title string) *FakeLink {
	l := &FakeLink{href: href, title: title}
	f.mu.Lock()
	f.links = append(f.links, l)
	f.mu.Unlock()
	return l
}

func (f *Fake) AddField(id string) *FakeField {
	field := &FakeField{}
	f.mu.Lock()
	f.fields[id] = field
	f.mu.Unlock()
	return field
}

// Document implementation.

func (f *Fake) Loading() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.page.Loading
}

func (f *Fake) OnReady(fn func()) { f.add(&f.ready, fn) }

func (f *Fake) Location() Location {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Location{Href: f.page.URL, Path: f.page.Path, Hostname: f.page.Hostname}
}

func (f *Fake) Referrer() string  { return f.page.Referrer }
func (f *Fake) UserAgent() string { return f.page.UserAgent }
func (f *Fake) Screen() Size      { return f.page.Screen }
func (f *Fake) Viewport() Size    { return f.page.Viewport }

func (f *Fake) Scroll() ScrollState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scroll
}

func (f *Fake) Hidden() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hidden
}

func (f *Fake) OnClick(fn func(MouseEvent)) {
	f.mu.Lock()
	f.clicks = append(f.clicks, fn)
	f.mu.Unlock()
}

func (f *Fake) OnKeyDown(fn func())          { f.add(&f.keydowns, fn) }
func (f *Fake) OnScroll(fn func())           { f.add(&f.scrolls, fn) }
func (f *Fake) OnVisibilityChange(fn func()) { f.add(&f.visibility, fn) }
func (f *Fake) OnTeardown(fn func())         { f.add(&f.teardowns, fn) }

func (f *Fake) OnSubmit(fn func(Form)) {
	f.mu.Lock()
	f.submits = append(f.submits, fn)
	f.mu.Unlock()
}

// ObserveVisibility registers fn for threshold crossings of q. Like an
// intersection observer, a question already at or above threshold is
// reported once at registration.
func (f *Fake) ObserveVisibility(q Question, threshold float64, fn func(float64)) {
	fq, ok := q.(*FakeQuestion)
	if !ok {
		return
	}
	f.mu.Lock()
	f.observers[fq] = append(f.observers[fq], visibilityObserver{threshold: threshold, fn: fn})
	ratio := fq.ratio
	f.mu.Unlock()
	if ratio >= threshold {
		fn(ratio)
	}
}

func (f *Fake) Questions() []Question {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Question, len(f.questions))
	for i, q := range f.questions {
		out[i] = q
	}
	return out
}

func (f *Fake) Choices() []Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Input, len(f.choices))
	for i, in := range f.choices {
		out[i] = in
	}
	return out
}

func (f *Fake) Textareas() []Textarea {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Textarea, len(f.textareas))
	for i, ta := range f.textareas {
		out[i] = ta
	}
	return out
}

func (f *Fake) AssignmentLinks() []Link {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Link, len(f.links))
	for i, l := range f.links {
		out[i] = l
	}
	return out
}

func (f *Fake) Field(id string) (Field, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	field, ok := f.fields[id]
	if !ok {
		return nil, false
	}
	return field, true
}

// Triggers.

// Ready finishes loading and fires OnReady handlers once.
func (f *Fake) Ready() {
	f.mu.Lock()
	f.page.Loading = false
	handlers := f.ready
	f.ready = nil
	f.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

func (f *Fake) Click(ev MouseEvent) {
	f.mu.Lock()
	handlers := append([]func(MouseEvent){}, f.clicks...)
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func (f *Fake) KeyDown() { f.fire(&f.keydowns) }

// ScrollTo moves the scroll position and fires one scroll signal.
func (f *Fake) ScrollTo(x, y float64) {
	f.mu.Lock()
	f.scroll.X, f.scroll.Y = x, y
	f.mu.Unlock()
	f.fire(&f.scrolls)
}

func (f *Fake) Submit(form Form) {
	f.mu.Lock()
	handlers := append([]func(Form){}, f.submits...)
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(form)
	}
}

// SetHidden toggles document visibility, firing handlers only on change.
func (f *Fake) SetHidden(hidden bool) {
	f.mu.Lock()
	changed := f.hidden != hidden
	f.hidden = hidden
	f.mu.Unlock()
	if changed {
		f.fire(&f.visibility)
	}
}

// SetVisibleRatio reports a new visible fraction for q. Observers whose
// threshold is crossed (in either direction) are notified.
func (f *Fake) SetVisibleRatio(q *FakeQuestion, ratio float64) {
	f.mu.Lock()
	prev := q.ratio
	q.ratio = ratio
	observers := append([]visibilityObserver{}, f.observers[q]...)
	f.mu.Unlock()
	for _, o := range observers {
		if (prev < o.threshold) != (ratio < o.threshold) {
			o.fn(ratio)
		}
	}
}

func (f *Fake) Teardown() { f.fire(&f.teardowns) }

func (f *Fake) add(list *[]func(), fn func()) {
	f.mu.Lock()
	*list = append(*list, fn)
	f.mu.Unlock()
}

func (f *Fake) fire(list *[]func()) {
	f.mu.Lock()
	handlers := append([]func(){}, (*list)...)
	f.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

type FakeQuestion struct {
	inputs []*FakeInput
	ratio  float64
}

func (q *FakeQuestion) Inputs() []Input {
	out := make([]Input, len(q.inputs))
	for i, in := range q.inputs {
		out[i] = in
	}
	return out
}

// Select checks the input holding value and fires its change handlers.
func (q *FakeQuestion) Select(value string) bool {
	for _, in := range q.inputs {
		if in.value == value {
			in.Change()
			return true
		}
	}
	return false
}

type FakeInput struct {
	mu       sync.Mutex
	name     string
	value    string
	handlers []func()
}

func (in *FakeInput) Name() string  { return in.name }
func (in *FakeInput) Value() string { return in.value }

func (in *FakeInput) OnChange(fn func()) {
	in.mu.Lock()
	in.handlers = append(in.handlers, fn)
	in.mu.Unlock()
}

func (in *FakeInput) Change() {
	in.mu.Lock()
	handlers := append([]func(){}, in.handlers...)
	in.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

type FakeTextarea struct {
	mu    sync.Mutex
	name  string
	value string
	focus []func()
	input []func()
	blur  []func()
}

func (ta *FakeTextarea) Name() string { return ta.name }

func (ta *FakeTextarea) Value() string {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	return ta.value
}

func (ta *FakeTextarea) OnFocus(fn func()) { ta.add(&ta.focus, fn) }
func (ta *FakeTextarea) OnInput(fn func()) { ta.add(&ta.input, fn) }
func (ta *FakeTextarea) OnBlur(fn func())  { ta.add(&ta.blur, fn) }

func (ta *FakeTextarea) Focus() { ta.fire(&ta.focus) }
func (ta *FakeTextarea) Blur()  { ta.fire(&ta.blur) }

// SetValue replaces the text and fires one input event.
func (ta *FakeTextarea) SetValue(v string) {
	ta.mu.Lock()
	ta.value = v
	ta.mu.Unlock()
	ta.fire(&ta.input)
}

// Type appends s and fires one input event.
func (ta *FakeTextarea) Type(s string) {
	ta.SetValue(ta.Value() + s)
}

// Len returns the current length in characters.
func (ta *FakeTextarea) Len() int {
	return utf8.RuneCountInString(ta.Value())
}

func (ta *FakeTextarea) add(list *[]func(), fn func()) {
	ta.mu.Lock()
	*list = append(*list, fn)
	ta.mu.Unlock()
}

func (ta *FakeTextarea) fire(list *[]func()) {
	ta.mu.Lock()
	handlers := append([]func(){}, (*list)...)
	ta.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

type FakeLink struct {
	mu       sync.Mutex
	href     string
	title    string
	handlers []func()
}

func (l *FakeLink) Href() string { return l.href }

func (l *FakeLink) Title() (string, bool) {
	return l.title, l.title != ""
}

func (l *FakeLink) OnClick(fn func()) {
	l.mu.Lock()
	l.handlers = append(l.handlers, fn)
	l.mu.Unlock()
}

func (l *FakeLink) Click() {
	l.mu.Lock()
	handlers := append([]func(){}, l.handlers...)
	l.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

type FakeField struct {
	mu    sync.Mutex
	value string
}

func (f *FakeField) Value() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

func (f *FakeField) SetValue(v string) {
	f.mu.Lock()
	f.value = v
	f.mu.Unlock()
}
