// Package state is the shared view the dashboard renders from. Snapshot
// fields are written only through the live-query sink methods and theme
// fields only through AcceptTheme.
package state

import (
	"sync"
	"sync/atomic"
	"time"

	"pulseboard/api/internal/query"
	"pulseboard/api/internal/store"
)

// Snapshot is the current content of one slot. A zero Snapshot means the
// slot is empty.
type Snapshot[T any] struct {
	Signature *query.Signature `json:"signature,omitempty"`
	Records   []T              `json:"records"`
	Version   uint64           `json:"version"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func (s Snapshot[T]) clone() Snapshot[T] {
	out := s
	if s.Signature != nil {
		sig := *s.Signature
		out.Signature = &sig
	}
	out.Records = append(make([]T, 0, len(s.Records)), s.Records...)
	return out
}

type ChangeKind string

const (
	ChangeSnapshot ChangeKind = "snapshot"
	ChangeTheme    ChangeKind = "theme"
)

// Change describes one write. Slot is set for snapshot changes,
// OrganizationID for theme changes.
type Change struct {
	Kind           ChangeKind
	Slot           query.Slot
	OrganizationID string
}

// View is a point-in-time copy of the whole container.
type View struct {
	Organizations Snapshot[store.Organization] `json:"organizations"`
	Workspaces    Snapshot[store.Workspace]    `json:"workspaces"`
	PulseLog      Snapshot[store.PulseEntry]   `json:"pulse_log"`
	Themes        map[string]store.Theme       `json:"themes"`
}

type watcher struct {
	fn       func(Change)
	released atomic.Bool
}

type Container struct {
	mu            sync.RWMutex
	organizations Snapshot[store.Organization]
	workspaces    Snapshot[store.Workspace]
	pulse         Snapshot[store.PulseEntry]
	themes        map[string]store.Theme

	watchMu  sync.Mutex
	watchers []*watcher

	now func() time.Time
}

func New() *Container {
	return &Container{
		themes: make(map[string]store.Theme),
		now:    time.Now,
	}
}

func (c *Container) ReplaceOrganizations(sig query.Signature, records []store.Organization) {
	c.mu.Lock()
	replace(&c.organizations, sig, records, c.now())
	c.mu.Unlock()
	c.notify(Change{Kind: ChangeSnapshot, Slot: query.SlotOrganizations})
}

func (c *Container) ReplaceWorkspaces(sig query.Signature, records []store.Workspace) {
	c.mu.Lock()
	replace(&c.workspaces, sig, records, c.now())
	c.mu.Unlock()
	c.notify(Change{Kind: ChangeSnapshot, Slot: query.SlotWorkspaces})
}

func (c *Container) ReplacePulseLog(sig query.Signature, records []store.PulseEntry) {
	c.mu.Lock()
	replace(&c.pulse, sig, records, c.now())
	c.mu.Unlock()
	c.notify(Change{Kind: ChangeSnapshot, Slot: query.SlotPulseLog})
}

// Reset empties slot. The version still advances so readers can tell.
func (c *Container) Reset(slot query.Slot) {
	c.mu.Lock()
	now := c.now()
	switch slot {
	case query.SlotOrganizations:
		reset(&c.organizations, now)
	case query.SlotWorkspaces:
		reset(&c.workspaces, now)
	case query.SlotPulseLog:
		reset(&c.pulse, now)
	default:
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.notify(Change{Kind: ChangeSnapshot, Slot: slot})
}

func replace[T any](snap *Snapshot[T], sig query.Signature, records []T, now time.Time) {
	snap.Signature = &sig
	snap.Records = append(make([]T, 0, len(records)), records...)
	snap.Version++
	snap.UpdatedAt = now
}

func reset[T any](snap *Snapshot[T], now time.Time) {
	snap.Signature = nil
	snap.Records = nil
	snap.Version++
	snap.UpdatedAt = now
}

// AcceptTheme records an accepted theme for an organization.
func (c *Container) AcceptTheme(organizationID string, theme store.Theme) {
	c.mu.Lock()
	c.themes[organizationID] = theme
	c.mu.Unlock()
	c.notify(Change{Kind: ChangeTheme, OrganizationID: organizationID})
}

func (c *Container) Theme(organizationID string) (store.Theme, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	theme, ok := c.themes[organizationID]
	return theme, ok
}

func (c *Container) Organizations() Snapshot[store.Organization] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.organizations.clone()
}

func (c *Container) Workspaces() Snapshot[store.Workspace] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.workspaces.clone()
}

func (c *Container) PulseLog() Snapshot[store.PulseEntry] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pulse.clone()
}

// Organization looks an organization up in the current organizations
// snapshot.
func (c *Container) Organization(id string) (store.Organization, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, org := range c.organizations.Records {
		if org.ID == id {
			return org, true
		}
	}
	return store.Organization{}, false
}

func (c *Container) View() View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	themes := make(map[string]store.Theme, len(c.themes))
	for id, theme := range c.themes {
		themes[id] = theme
	}
	return View{
		Organizations: c.organizations.clone(),
		Workspaces:    c.workspaces.clone(),
		PulseLog:      c.pulse.clone(),
		Themes:        themes,
	}
}

// Watch calls fn after every write, synchronously on the writer's goroutine
// and outside the container lock. After cancel returns fn is not called
// again.
func (c *Container) Watch(fn func(Change)) (cancel func()) {
	w := &watcher{fn: fn}
	c.watchMu.Lock()
	c.watchers = append(c.watchers, w)
	c.watchMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.released.Store(true)
			c.watchMu.Lock()
			defer c.watchMu.Unlock()
			for i, existing := range c.watchers {
				if existing == w {
					c.watchers = append(c.watchers[:i:i], c.watchers[i+1:]...)
					break
				}
			}
		})
	}
}

func (c *Container) notify(change Change) {
	c.watchMu.Lock()
	watchers := append([]*watcher(nil), c.watchers...)
	c.watchMu.Unlock()
	for _, w := range watchers {
		if w.released.Load() {
			continue
		}
		w.fn(change)
	}
}
