// Package dom describes the page surface the telemetry collector observes.
// The collector never inspects markup; a host (a browser bridge, or Fake for
// tests and simulations) exposes the document through these interfaces.
package dom

type Location struct {
	Href     string
	Path     string
	Hostname string
}

type Size struct {
	Width  int
	Height int
}

// ScrollState is the document scroll position. Height is the full scrollable
// height of the document element.
type ScrollState struct {
	X      float64
	Y      float64
	Height float64
}

type Element struct {
	Tag   string
	ID    string
	Class string
}

type MouseEvent struct {
	ClientX float64
	ClientY float64
	PageX   float64
	PageY   float64
	Target  Element
}

type Form struct {
	Action string
	Method string
	ID     string
}

// Document is the page being observed. Listener registration never fails;
// a document without the requested elements returns empty lists.
type Document interface {
	// Loading reports whether the document is still parsing. OnReady fires once
	// parsing completes.
	Loading() bool
	OnReady(fn func())

	Location() Location
	Referrer() string
	UserAgent() string
	Screen() Size
	Viewport() Size
	Scroll() ScrollState
	Hidden() bool

	OnClick(fn func(MouseEvent))
	OnKeyDown(fn func())
	OnScroll(fn func())
	OnSubmit(fn func(Form))
	OnVisibilityChange(fn func())
	// OnTeardown fires when the page is about to be discarded. Handlers run
	// synchronously and must not block.
	OnTeardown(fn func())

	// ObserveVisibility calls fn whenever the visible fraction of q crosses
	// threshold, with the ratio observed at that moment.
	ObserveVisibility(q Question, threshold float64, fn func(ratio float64))

	// Questions returns the quiz question groups in page order.
	Questions() []Question
	// Choices returns legacy quiz choice inputs.
	Choices() []Input
	Textareas() []Textarea
	AssignmentLinks() []Link
	// Field looks up a writable form field by id.
	Field(id string) (Field, bool)
}

type Question interface {
	// Inputs returns the question's radio inputs.
	Inputs() []Input
}

type Input interface {
	Name() string
	Value() string
	OnChange(fn func())
}

type Textarea interface {
	Name() string
	Value() string
	OnFocus(fn func())
	OnInput(fn func())
	OnBlur(fn func())
}

type Link interface {
	Href() string
	// Title returns the link label text, if the link has a label element.
	Title() (string, bool)
	OnClick(fn func())
}

type Field interface {
	Value() string
	SetValue(v string)
}
