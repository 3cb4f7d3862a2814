package simulate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vincentbai/lmstrace/internal/clock"
	"github.com/vincentbai/lmstrace/internal/dom"
	"github.com/vincentbai/lmstrace/internal/models"
	"github.com/vincentbai/lmstrace/internal/telemetry"
)

// Result summarizes one replayed scenario.
type Result struct {
	Scenario        string                      `json:"scenario"`
	SessionID       string                      `json:"sessionId"`
	DurationMs      int64                       `json:"durationMs"`
	Recorded        int                         `json:"recorded"`
	Delivered       int                         `json:"delivered"`
	Batches         int                         `json:"batches"`
	FailedBatches   int                         `json:"failedBatches"`
	BeaconEvents    int                         `json:"beaconEvents"`
	Pending         int                         `json:"pending"`
	BackedUp        int                         `json:"backedUp"`
	QuestionTimings map[string]telemetry.Timing `json:"questionTimings"`
}

// drainer is implemented by transports with background unload deliveries.
type drainer interface {
	Drain(ctx context.Context) error
}

// Run replays sc in virtual time starting at start. opts configures the
// collector; its Document and Clock are supplied by the runner and
// opts.Transport must be set.
func Run(ctx context.Context, sc *Scenario, start time.Time, opts telemetry.Options) (*Result, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("scenario %q: transport is required", sc.Name)
	}
	next := opts.Transport
	pg := newPage(sc)
	clk := clock.NewFake(start)
	counter := &countingTransport{next: next}

	opts.Document = pg.doc
	opts.Clock = clk
	opts.Transport = counter
	collector, err := telemetry.New(opts)
	if err != nil {
		return nil, err
	}
	collector.Start(ctx)

	for i, step := range sc.Steps {
		clk.Advance(step.delay)
		if err := pg.perform(step); err != nil {
			collector.Stop()
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Action, err)
		}
		// Deliveries settle before virtual time moves on.
		collector.Wait()
	}
	collector.Stop()

	if d, ok := next.(drainer); ok {
		if err := d.Drain(ctx); err != nil {
			return nil, fmt.Errorf("failed to drain unload deliveries: %w", err)
		}
	}

	backup, err := collector.Backup(ctx)
	if err != nil {
		return nil, err
	}
	tally := counter.snapshot()
	return &Result{
		Scenario:        sc.Name,
		SessionID:       collector.SessionID(ctx),
		DurationMs:      clk.Now().Sub(start).Milliseconds(),
		Recorded:        collector.Recorded(),
		Delivered:       tally.delivered,
		Batches:         tally.batches,
		FailedBatches:   tally.failed,
		BeaconEvents:    tally.beaconEvents,
		Pending:         len(collector.Pending()),
		BackedUp:        len(backup),
		QuestionTimings: collector.QuestionTimings(),
	}, nil
}

// page is the fake document plus name lookups for step targets.
type page struct {
	doc       *dom.Fake
	questions map[string]*dom.FakeQuestion
	choices   map[string]*dom.FakeInput
	textareas map[string]*dom.FakeTextarea
	links     map[string]*dom.FakeLink
}

func newPage(sc *Scenario) *page {
	p := &page{
		doc:       dom.NewFake(sc.Page.page()),
		questions: make(map[string]*dom.FakeQuestion),
		choices:   make(map[string]*dom.FakeInput),
		textareas: make(map[string]*dom.FakeTextarea),
		links:     make(map[string]*dom.FakeLink),
	}
	for _, q := range sc.Questions {
		fq := p.doc.AddQuestion(q.Name, q.Values...)
		if q.Visible > 0 {
			p.doc.SetVisibleRatio(fq, q.Visible)
		}
		p.questions[q.Name] = fq
	}
	for _, c := range sc.Choices {
		p.choices[c.Name] = p.doc.AddChoice(c.Name, c.Value)
	}
	for _, ta := range sc.Textareas {
		p.textareas[ta.Name] = p.doc.AddTextarea(ta.Name, ta.Value)
	}
	for _, l := range sc.Links {
		p.links[l.Href] = p.doc.AddLink(l.Href, l.Title)
	}
	if sc.TimingField {
		p.doc.AddField(telemetry.TimingsFieldID)
	}
	return p
}

func (p *page) perform(step Step) error {
	switch step.Action {
	case ActionClick:
		scroll := p.doc.Scroll()
		p.doc.Click(dom.MouseEvent{
			ClientX: step.X,
			ClientY: step.Y,
			PageX:   step.X + scroll.X,
			PageY:   step.Y + scroll.Y,
			Target:  dom.Element{Tag: step.Element.Tag, ID: step.Element.ID, Class: step.Element.Class},
		})
	case ActionKeyDown:
		p.doc.KeyDown()
	case ActionScroll:
		p.doc.ScrollTo(step.X, step.Y)
	case ActionVisible:
		q, err := lookup(p.questions, step.Target, "question")
		if err != nil {
			return err
		}
		ratio := step.Ratio
		if ratio == 0 {
			ratio = 1
		}
		p.doc.SetVisibleRatio(q, ratio)
	case ActionAnswer:
		q, err := lookup(p.questions, step.Target, "question")
		if err != nil {
			return err
		}
		if !q.Select(step.Value) {
			return fmt.Errorf("question %q has no value %q", step.Target, step.Value)
		}
	case ActionChoose:
		c, err := lookup(p.choices, step.Target, "choice")
		if err != nil {
			return err
		}
		c.Change()
	case ActionFocus, ActionType, ActionBlur:
		ta, err := lookup(p.textareas, step.Target, "textarea")
		if err != nil {
			return err
		}
		switch step.Action {
		case ActionFocus:
			ta.Focus()
		case ActionType:
			ta.Type(step.Value)
		default:
			ta.Blur()
		}
	case ActionLink:
		l, err := lookup(p.links, step.Target, "link")
		if err != nil {
			return err
		}
		l.Click()
	case ActionSubmit:
		p.doc.Submit(dom.Form{Action: step.Form.Action, Method: step.Form.Method, ID: step.Form.ID})
	case ActionHide:
		p.doc.SetHidden(true)
	case ActionShow:
		p.doc.SetHidden(false)
	case ActionReady:
		p.doc.Ready()
	case ActionUnload:
		p.doc.Teardown()
	case ActionWait:
	}
	return nil
}

func lookup[T any](m map[string]T, name, kind string) (T, error) {
	v, ok := m[name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("no %s named %q", kind, name)
	}
	return v, nil
}

// countingTransport forwards to next and tallies outcomes.
type countingTransport struct {
	next telemetry.Transport

	mu           sync.Mutex
	batches      int
	failed       int
	delivered    int
	beaconEvents int
}

type counts struct {
	batches, failed, delivered, beaconEvents int
}

func (t *countingTransport) Deliver(ctx context.Context, events []models.Event) error {
	err := t.next.Deliver(ctx, events)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.batches++
	if err != nil {
		t.failed++
	} else {
		t.delivered += len(events)
	}
	return err
}

func (t *countingTransport) DeliverOnUnload(events []models.Event) {
	t.next.DeliverOnUnload(events)
	t.mu.Lock()
	t.beaconEvents += len(events)
	t.mu.Unlock()
}

func (t *countingTransport) snapshot() counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	return counts{batches: t.batches, failed: t.failed, delivered: t.delivered, beaconEvents: t.beaconEvents}
}
