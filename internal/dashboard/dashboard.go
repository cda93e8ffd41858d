// Package dashboard wires the live-state core for one identity: reactive
// inputs drive the resolver and the subscription manager, snapshots land in
// the state container, and the active organization is handed to the theme
// coordinator.
package dashboard

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pulseboard/api/internal/adapt"
	"pulseboard/api/internal/errbus"
	"pulseboard/api/internal/livequery"
	"pulseboard/api/internal/query"
	"pulseboard/api/internal/state"
	"pulseboard/api/internal/store"
	"pulseboard/api/internal/theme"
)

var _ livequery.SnapshotSink = (*state.Container)(nil)

type Deps struct {
	Backend   query.Backend
	Persister adapt.Persister
	// Adapter may be nil, which disables theme generation.
	Adapter adapt.Adapter
	// Bus may be nil; the dashboard then owns a private bus.
	Bus    *errbus.Bus
	Logger *logrus.Logger
	// ThemeSinks receive style variables next to the built-in memory sink.
	ThemeSinks []theme.Sink
}

type Options struct {
	PulseLogLimit int
	AdaptTimeout  time.Duration
}

// Snapshot is everything a client renders from.
type Snapshot struct {
	Inputs     query.Inputs      `json:"inputs"`
	State      state.View        `json:"state"`
	Variables  map[string]string `json:"variables"`
	Theme      *store.Theme      `json:"theme,omitempty"`
	Adaptation adapt.Status      `json:"adaptation,omitempty"`
}

type Dashboard struct {
	resolver query.Resolver
	manager  *livequery.Manager
	state    *state.Container
	coord    *adapt.Coordinator
	layer    *theme.Layer
	vars     *theme.MemorySink
	bus      *errbus.Bus
	log      *logrus.Entry

	// applyMu serializes input changes; mu guards inputs. observeMu makes
	// reading the inputs and handing them to the coordinator one step.
	applyMu   sync.Mutex
	mu        sync.Mutex
	observeMu sync.Mutex
	inputs    query.Inputs
	closed    bool
	unwatch   func()
}

func New(deps Deps, opts Options) *Dashboard {
	bus := deps.Bus
	if bus == nil {
		bus = errbus.New(deps.Logger)
	}
	vars := theme.NewMemorySink()
	sinks := append([]theme.Sink{vars}, deps.ThemeSinks...)
	layer := theme.NewLayer(theme.Multi(sinks...), deps.Logger)
	container := state.New()

	d := &Dashboard{
		resolver: query.Resolver{PulseLogLimit: opts.PulseLogLimit},
		manager:  livequery.New(deps.Backend, container, bus, deps.Logger),
		state:    container,
		coord:    adapt.New(deps.Adapter, deps.Persister, container, layer, deps.Logger, adapt.Options{Timeout: opts.AdaptTimeout}),
		layer:    layer,
		vars:     vars,
		bus:      bus,
		log:      deps.Logger.WithField("component", "dashboard"),
	}
	d.unwatch = container.Watch(func(change state.Change) {
		if change.Kind == state.ChangeSnapshot && change.Slot == query.SlotOrganizations {
			d.reevaluate()
		}
	})
	return d
}

// SetIdentity switches the signed-in user. An empty id signs out.
func (d *Dashboard) SetIdentity(ctx context.Context, userID string) {
	d.update(ctx, func(in *query.Inputs) { in.UserID = userID })
}

// SetActiveOrganization switches the active scope. An empty id clears it.
func (d *Dashboard) SetActiveOrganization(ctx context.Context, organizationID string) {
	d.update(ctx, func(in *query.Inputs) { in.ActiveOrganizationID = organizationID })
}

func (d *Dashboard) SetInputs(ctx context.Context, inputs query.Inputs) {
	d.update(ctx, func(in *query.Inputs) { *in = inputs })
}

func (d *Dashboard) update(ctx context.Context, fn func(*query.Inputs)) {
	publish := d.apply(ctx, fn)
	// handlers may change the inputs again, so applyMu is released first
	publish()
}

func (d *Dashboard) apply(ctx context.Context, fn func(*query.Inputs)) (publish func()) {
	d.applyMu.Lock()
	defer d.applyMu.Unlock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return func() {}
	}
	before := d.inputs
	fn(&d.inputs)
	after := d.inputs
	d.mu.Unlock()

	if before == after {
		return func() {}
	}
	d.log.WithFields(logrus.Fields{
		"user_id":                after.UserID,
		"active_organization_id": after.ActiveOrganizationID,
	}).Debug("dashboard inputs changed")

	if before.ActiveOrganizationID != after.ActiveOrganizationID {
		// the coordinator learns the new target before subscribing, so an
		// answer for the previous one arriving meanwhile is superseded
		d.announce(before.UserID == after.UserID)
	}
	publish = d.manager.Rebind(ctx, d.resolver.Resolve(after))
	d.reevaluate()
	return publish
}

// announce hands the current active organization to the coordinator.
// Reading the inputs and observing is one step under observeMu. The loaded
// organization record is skipped when untrusted: right after a user switch
// the organizations slot still holds the previous user's list.
func (d *Dashboard) announce(trusted bool) {
	d.observeMu.Lock()
	defer d.observeMu.Unlock()

	d.mu.Lock()
	in := d.inputs
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return
	}

	var org *store.Organization
	if trusted && in.ActiveOrganizationID != "" {
		if found, ok := d.state.Organization(in.ActiveOrganizationID); ok {
			org = &found
		}
	}
	d.coord.Observe(in.ActiveOrganizationID, org)
}

func (d *Dashboard) reevaluate() {
	d.announce(true)
}

func (d *Dashboard) Inputs() query.Inputs {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inputs
}

func (d *Dashboard) State() Snapshot {
	in := d.Inputs()
	snap := Snapshot{
		Inputs:    in,
		State:     d.state.View(),
		Variables: d.vars.Variables(),
		Theme:     d.layer.Applied(),
	}
	if in.ActiveOrganizationID != "" {
		snap.Adaptation = d.coord.Status(in.ActiveOrganizationID)
	}
	return snap
}

// Bus is the error channel live-query failures of this dashboard go to.
func (d *Dashboard) Bus() *errbus.Bus {
	return d.bus
}

// Watch forwards state changes; see state.Container.Watch.
func (d *Dashboard) Watch(fn func(state.Change)) (cancel func()) {
	return d.state.Watch(fn)
}

// Live reports whether slot currently holds a subscription.
func (d *Dashboard) Live(slot query.Slot) bool {
	return d.manager.Live(slot)
}

// WaitForAdaptations blocks until in-flight theme requests settle.
func (d *Dashboard) WaitForAdaptations() {
	d.coord.Wait()
}

// Close tears down every subscription and cancels in-flight adaptations.
func (d *Dashboard) Close() {
	d.applyMu.Lock()
	defer d.applyMu.Unlock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.unwatch()
	d.manager.Close()
	d.coord.Close()
}
