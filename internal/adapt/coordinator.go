// Package adapt derives a color theme for themeless organizations with at
// most one request in flight per organization. Results that arrive after
// the user has switched to another organization are discarded.
package adapt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pulseboard/api/internal/metrics"
	"pulseboard/api/internal/store"
)

// Adapter is the external theme generator.
type Adapter interface {
	Adapt(ctx context.Context, contextText string) (store.Theme, error)
}

// AdapterFunc adapts a plain function to Adapter.
type AdapterFunc func(ctx context.Context, contextText string) (store.Theme, error)

func (f AdapterFunc) Adapt(ctx context.Context, contextText string) (store.Theme, error) {
	return f(ctx, contextText)
}

type Persister interface {
	PersistTheme(ctx context.Context, organizationID string, theme store.Theme) error
}

// ThemeSink records accepted themes. It must not call back into the
// Coordinator.
type ThemeSink interface {
	AcceptTheme(organizationID string, theme store.Theme)
}

// Applier pushes a theme, or nil for defaults, to the rendering context. It
// must not call back into the Coordinator.
type Applier interface {
	Apply(theme *store.Theme)
}

type Status string

const (
	StatusIdle       Status = "idle"
	StatusRequesting Status = "requesting"
	StatusAccepted   Status = "accepted"
	StatusRejected   Status = "rejected"
	StatusSuperseded Status = "superseded"
)

// Request is one in-flight adaptation. Token is the target id captured when
// the request started.
type Request struct {
	TargetID    string
	ContextText string
	Token       string
}

type Options struct {
	Timeout time.Duration
}

type Coordinator struct {
	adapter   Adapter
	persister Persister
	sink      ThemeSink
	applier   Applier
	log       *logrus.Entry
	timeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	active     string
	requesting map[string]Request
	accepted   map[string]store.Theme
	rejected   map[string]bool
	last       map[string]Status
	closed     bool
}

// New builds a Coordinator. A nil adapter disables adaptation; observed
// organizations still get their persisted theme applied.
func New(adapter Adapter, persister Persister, sink ThemeSink, applier Applier, log *logrus.Logger, opts Options) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		adapter:    adapter,
		persister:  persister,
		sink:       sink,
		applier:    applier,
		log:        log.WithField("component", "adapt"),
		timeout:    opts.Timeout,
		ctx:        ctx,
		cancel:     cancel,
		requesting: make(map[string]Request),
		accepted:   make(map[string]store.Theme),
		rejected:   make(map[string]bool),
		last:       make(map[string]Status),
	}
}

// Observe records activeID as the active organization, applies the theme it
// currently has (or the defaults) and starts an adaptation when org is the
// active organization, has no theme and none is in flight for it. org may
// be nil when the active organization is not loaded yet.
func (c *Coordinator) Observe(activeID string, org *store.Organization) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if activeID != c.active {
		// leaving an organization makes a rejected one eligible again on
		// the next visit
		delete(c.rejected, c.active)
		c.active = activeID
	}

	if org != nil && org.ID != activeID {
		org = nil
	}
	c.applier.Apply(c.themeFor(activeID, org))

	if org == nil || org.HasTheme() || c.closed || c.adapter == nil {
		return
	}
	if _, ok := c.accepted[org.ID]; ok {
		return
	}
	if _, ok := c.requesting[org.ID]; ok {
		return
	}
	if c.rejected[org.ID] {
		return
	}

	req := Request{
		TargetID:    org.ID,
		ContextText: contextText(*org),
		Token:       org.ID,
	}
	c.requesting[org.ID] = req
	c.wg.Add(1)
	go c.run(req)

	c.log.WithField("organization_id", org.ID).Info("theme adaptation requested")
}

// themeFor must be called with c.mu held.
func (c *Coordinator) themeFor(activeID string, org *store.Organization) *store.Theme {
	if activeID == "" {
		return nil
	}
	if org != nil && org.Theme != nil {
		theme := *org.Theme
		return &theme
	}
	if theme, ok := c.accepted[activeID]; ok {
		return &theme
	}
	return nil
}

func (c *Coordinator) run(req Request) {
	defer c.wg.Done()

	started := time.Now()
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	theme, err := c.adapter.Adapt(ctx, req.ContextText)
	cancel()

	outcome := c.complete(req, theme, err)
	metrics.Adaptation(string(outcome), time.Since(started))
	if outcome != StatusAccepted {
		return
	}

	persistCtx, cancelPersist := context.WithTimeout(context.Background(), c.timeout)
	defer cancelPersist()
	if err := c.persister.PersistTheme(persistCtx, req.TargetID, theme); err != nil {
		entry := c.log.WithField("organization_id", req.TargetID).WithError(err)
		if errors.Is(err, store.ErrThemeExists) {
			entry.Info("theme already persisted; keeping stored theme")
			return
		}
		entry.Error("persist theme failed")
	}
}

// complete settles req. The staleness check and the resulting state and
// theme writes happen under one lock acquisition, so a switch of the
// active organization cannot interleave with them.
func (c *Coordinator) complete(req Request, theme store.Theme, err error) Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.requesting, req.TargetID)
	entry := c.log.WithField("organization_id", req.TargetID)

	var outcome Status
	switch {
	case err != nil:
		outcome = StatusRejected
		c.rejected[req.TargetID] = true
		entry.WithError(err).Warn("theme adaptation failed")
	case c.active != req.Token:
		outcome = StatusSuperseded
		entry.WithField("active_id", c.active).Debug("theme adaptation superseded")
	default:
		outcome = StatusAccepted
		c.accepted[req.TargetID] = theme
		c.sink.AcceptTheme(req.TargetID, theme)
		c.applier.Apply(&theme)
		entry.Info("theme adaptation accepted")
	}
	c.last[req.TargetID] = outcome
	return outcome
}

// Status reports the state of the latest request for organizationID.
func (c *Coordinator) Status(organizationID string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.requesting[organizationID]; ok {
		return StatusRequesting
	}
	if status, ok := c.last[organizationID]; ok {
		return status
	}
	return StatusIdle
}

// Theme returns the accepted theme for organizationID.
func (c *Coordinator) Theme(organizationID string) (store.Theme, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	theme, ok := c.accepted[organizationID]
	return theme, ok
}

// Wait blocks until every in-flight request has settled.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close stops new requests, cancels in-flight ones and waits for them.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

func contextText(org store.Organization) string {
	parts := []string{strings.TrimSpace(org.Name)}
	if description := strings.TrimSpace(org.Description); description != "" {
		parts = append(parts, description)
	}
	return strings.Join(parts, "\n")
}
