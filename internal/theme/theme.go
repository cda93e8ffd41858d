// Package theme projects an organization's color theme onto the style
// variables of the rendering context.
package theme

import (
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/sirupsen/logrus"

	"pulseboard/api/internal/store"
)

const (
	VarPrimary    = "--primary"
	VarBackground = "--background"
	VarAccent     = "--accent"
)

// Names lists the managed variables in application order.
var Names = []string{VarPrimary, VarBackground, VarAccent}

// Variables are the derived values, in "H S% L%" form.
type Variables struct {
	Primary    string `json:"primary"`
	Background string `json:"background"`
	Accent     string `json:"accent"`
}

func (v Variables) Each(fn func(name, value string)) {
	fn(VarPrimary, v.Primary)
	fn(VarBackground, v.Background)
	fn(VarAccent, v.Accent)
}

// Derive converts the theme's hex colors. Values that do not parse as hex
// colors pass through unchanged.
func Derive(t store.Theme) Variables {
	return Variables{
		Primary:    toHSL(t.PrimaryColor),
		Background: toHSL(t.BackgroundColor),
		Accent:     toHSL(t.AccentColor),
	}
}

func toHSL(value string) string {
	c, err := colorful.Hex(value)
	if err != nil {
		return value
	}
	h, s, l := c.Hsl()
	return fmt.Sprintf("%s %s%% %s%%", round1(h), round1(s*100), round1(l*100))
}

func round1(v float64) string {
	r := math.Round(v*10) / 10
	if r == 0 {
		r = 0 // -0
	}
	return strconv.FormatFloat(r, 'f', -1, 64)
}

// Sink is a global style-variable target.
type Sink interface {
	SetVariable(name, value string)
	ClearVariable(name string)
}

// Layer applies themes to a Sink. Applying the same theme twice in a row
// touches the sink once.
type Layer struct {
	sink Sink
	log  *logrus.Entry

	mu      sync.Mutex
	applied *store.Theme
	started bool
}

func NewLayer(sink Sink, log *logrus.Logger) *Layer {
	return &Layer{sink: sink, log: log.WithField("component", "theme")}
}

// Apply sets the derived variables of t, or clears them back to the
// environment defaults when t is nil.
func (l *Layer) Apply(t *store.Theme) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started && sameTheme(l.applied, t) {
		return
	}
	l.started = true

	if t == nil {
		l.applied = nil
		for _, name := range Names {
			l.sink.ClearVariable(name)
		}
		l.log.Debug("theme reset to defaults")
		return
	}

	current := *t
	l.applied = &current
	Derive(current).Each(l.sink.SetVariable)
	l.log.WithField("primary", current.PrimaryColor).Debug("theme applied")
}

// Applied returns the theme last applied, or nil.
func (l *Layer) Applied() *store.Theme {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.applied == nil {
		return nil
	}
	t := *l.applied
	return &t
}

func sameTheme(a, b *store.Theme) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// MemorySink keeps variables in a map.
type MemorySink struct {
	mu   sync.RWMutex
	vars map[string]string
}

func NewMemorySink() *MemorySink {
	return &MemorySink{vars: make(map[string]string)}
}

func (s *MemorySink) SetVariable(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[name] = value
}

func (s *MemorySink) ClearVariable(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vars, name)
}

func (s *MemorySink) Variables() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.vars))
	for k, v := range s.vars {
		out[k] = v
	}
	return out
}

type multiSink []Sink

// Multi fans writes out to every sink in order.
func Multi(sinks ...Sink) Sink {
	return multiSink(sinks)
}

func (m multiSink) SetVariable(name, value string) {
	for _, s := range m {
		s.SetVariable(name, value)
	}
}

func (m multiSink) ClearVariable(name string) {
	for _, s := range m {
		s.ClearVariable(name)
	}
}
