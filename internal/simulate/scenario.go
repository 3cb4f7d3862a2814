// Package simulate replays scripted page sessions against the collector using
// the fake document and a virtual clock.
package simulate

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/vincentbai/lmstrace/internal/dom"
)

// Actions a step may perform.
const (
	ActionClick   = "click"
	ActionKeyDown = "keydown"
	ActionScroll  = "scroll"
	ActionVisible = "visible"
	ActionAnswer  = "answer"
	ActionChoose  = "choose"
	ActionFocus   = "focus"
	ActionType    = "type"
	ActionBlur    = "blur"
	ActionLink    = "link"
	ActionSubmit  = "submit"
	ActionHide    = "hide"
	ActionShow    = "show"
	ActionReady   = "ready"
	ActionUnload  = "unload"
	ActionWait    = "wait"
)

var knownActions = map[string]bool{
	ActionClick: true, ActionKeyDown: true, ActionScroll: true, ActionVisible: true,
	ActionAnswer: true, ActionChoose: true, ActionFocus: true, ActionType: true,
	ActionBlur: true, ActionLink: true, ActionSubmit: true, ActionHide: true,
	ActionShow: true, ActionReady: true, ActionUnload: true, ActionWait: true,
}

// actions that name a page element in Target.
var targetedActions = map[string]bool{
	ActionVisible: true, ActionAnswer: true, ActionChoose: true,
	ActionFocus: true, ActionType: true, ActionBlur: true, ActionLink: true,
}

type Scenario struct {
	Name        string         `yaml:"name"`
	Page        PageSpec       `yaml:"page"`
	Questions   []QuestionSpec `yaml:"questions"`
	Choices     []ChoiceSpec   `yaml:"choices"`
	Textareas   []TextareaSpec `yaml:"textareas"`
	Links       []LinkSpec     `yaml:"links"`
	TimingField bool           `yaml:"timingField"`
	Steps       []Step         `yaml:"steps"`
}

type PageSpec struct {
	URL          string   `yaml:"url"`
	Referrer     string   `yaml:"referrer"`
	UserAgent    string   `yaml:"userAgent"`
	Screen       SizeSpec `yaml:"screen"`
	Viewport     SizeSpec `yaml:"viewport"`
	ScrollHeight float64  `yaml:"scrollHeight"`
	Loading      bool     `yaml:"loading"`
}

type SizeSpec struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// QuestionSpec is a question group: one radio input per value, all named Name.
// Visible is the fraction on screen when the page loads.
type QuestionSpec struct {
	Name    string   `yaml:"name"`
	Values  []string `yaml:"values"`
	Visible float64  `yaml:"visible"`
}

type ChoiceSpec struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

type TextareaSpec struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

type LinkSpec struct {
	Href  string `yaml:"href"`
	Title string `yaml:"title"`
}

// Step waits After (a Go duration) and then performs Action.
type Step struct {
	After  string `yaml:"after"`
	Action string `yaml:"action"`
	// Target names the question, choice or textarea, or the link href.
	Target string  `yaml:"target"`
	Value  string  `yaml:"value"`
	X      float64 `yaml:"x"`
	Y      float64 `yaml:"y"`
	Ratio  float64 `yaml:"ratio"`

	Element ElementSpec `yaml:"element"`
	Form    FormSpec    `yaml:"form"`

	delay time.Duration
}

type ElementSpec struct {
	Tag   string `yaml:"tag"`
	ID    string `yaml:"id"`
	Class string `yaml:"class"`
}

type FormSpec struct {
	Action string `yaml:"action"`
	Method string `yaml:"method"`
	ID     string `yaml:"id"`
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if err := sc.validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (sc *Scenario) validate() error {
	if sc.Page.URL == "" {
		return errors.New("page.url is required")
	}
	if _, err := url.Parse(sc.Page.URL); err != nil {
		return fmt.Errorf("page.url: %w", err)
	}
	for i := range sc.Steps {
		step := &sc.Steps[i]
		if !knownActions[step.Action] {
			return fmt.Errorf("step %d: unknown action %q", i, step.Action)
		}
		if targetedActions[step.Action] && step.Target == "" {
			return fmt.Errorf("step %d: %s needs a target", i, step.Action)
		}
		if step.After != "" {
			d, err := time.ParseDuration(step.After)
			if err != nil {
				return fmt.Errorf("step %d: invalid after: %w", i, err)
			}
			if d < 0 {
				return fmt.Errorf("step %d: after must not be negative", i)
			}
			step.delay = d
		}
	}
	return nil
}

// page converts the scenario page into fake document configuration, filling in
// typical desktop dimensions where none are given.
func (p PageSpec) page() dom.Page {
	u, _ := url.Parse(p.URL)
	page := dom.Page{
		URL:          p.URL,
		Path:         u.Path,
		Hostname:     u.Hostname(),
		Referrer:     p.Referrer,
		UserAgent:    p.UserAgent,
		Screen:       dom.Size{Width: p.Screen.Width, Height: p.Screen.Height},
		Viewport:     dom.Size{Width: p.Viewport.Width, Height: p.Viewport.Height},
		ScrollHeight: p.ScrollHeight,
		Loading:      p.Loading,
	}
	if page.Screen == (dom.Size{}) {
		page.Screen = dom.Size{Width: 1920, Height: 1080}
	}
	if page.Viewport == (dom.Size{}) {
		page.Viewport = dom.Size{Width: 1280, Height: 800}
	}
	if page.ScrollHeight == 0 {
		page.ScrollHeight = float64(page.Viewport.Height)
	}
	if page.UserAgent == "" {
		page.UserAgent = "lmstrace-simulator"
	}
	return page
}
