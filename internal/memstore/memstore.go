// Package memstore is an in-process document store with live queries. It
// backs the --memory demo mode and the dashboard tests.
package memstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"pulseboard/api/internal/query"
	"pulseboard/api/internal/rbac"
	"pulseboard/api/internal/store"
	"pulseboard/api/internal/util"
)

type Store struct {
	log *logrus.Entry
	now func() time.Time

	mu            sync.Mutex
	organizations map[string]store.Organization
	members       map[string]map[string]rbac.Role
	workspaces    map[string]store.Workspace
	pulse         map[string][]store.PulseEntry
	raw           map[query.Kind][]json.RawMessage
	failures      map[query.Kind]error
	subs          map[uint64]*subscription
	nextSub       uint64
}

// subscription deliveries are serialized by mu. Each delivery recomputes the
// documents from the current state, so a later write can never be
// overtaken by an earlier one.
type subscription struct {
	userID     string
	sig        query.Signature
	onSnapshot query.SnapshotFunc
	onError    query.ErrorFunc

	mu        sync.Mutex
	last      []json.RawMessage
	delivered bool
	cancelled atomic.Bool
}

func New(log *logrus.Logger) *Store {
	return &Store{
		log:           log.WithField("component", "memstore"),
		now:           time.Now,
		organizations: make(map[string]store.Organization),
		members:       make(map[string]map[string]rbac.Role),
		workspaces:    make(map[string]store.Workspace),
		pulse:         make(map[string][]store.PulseEntry),
		raw:           make(map[query.Kind][]json.RawMessage),
		failures:      make(map[query.Kind]error),
		subs:          make(map[uint64]*subscription),
	}
}

// ForUser returns a live-query backend acting as userID.
func (s *Store) ForUser(userID string) query.Backend {
	return &userBackend{store: s, userID: userID}
}

type userBackend struct {
	store  *Store
	userID string
}

func (b *userBackend) Subscribe(_ context.Context, sig query.Signature, onSnapshot query.SnapshotFunc, onError query.ErrorFunc) (query.Cancel, error) {
	switch sig.Kind {
	case query.KindOrganizationsOwnedBy, query.KindWorkspaces, query.KindPulseLog:
	default:
		return nil, fmt.Errorf("unsupported query kind %q", sig.Kind)
	}

	sub := &subscription{userID: b.userID, sig: sig, onSnapshot: onSnapshot, onError: onError}
	s := b.store

	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = sub
	s.mu.Unlock()

	s.deliver(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.cancelled.Store(true)
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}, nil
}

// Subscriptions reports how many live queries are open.
func (s *Store) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Store) deliver(sub *subscription) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.cancelled.Load() {
		return
	}

	s.mu.Lock()
	docs, err := s.documents(sub.userID, sub.sig)
	s.mu.Unlock()

	if err != nil {
		sub.onError(err)
		if errors.Is(err, query.ErrPermissionDenied) {
			// a denied live query is terminated, like a closed listener
			sub.cancelled.Store(true)
			s.mu.Lock()
			for id, existing := range s.subs {
				if existing == sub {
					delete(s.subs, id)
				}
			}
			s.mu.Unlock()
		}
		return
	}
	if sub.delivered && sameDocuments(sub.last, docs) {
		return
	}
	sub.delivered = true
	sub.last = docs
	sub.onSnapshot(docs)
}

// notify redelivers every open subscription. Must be called without s.mu.
func (s *Store) notify() {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		subs = append(subs, s.subs[id])
	}
	s.mu.Unlock()

	for _, sub := range subs {
		s.deliver(sub)
	}
}

// documents must be called with s.mu held.
func (s *Store) documents(userID string, sig query.Signature) ([]json.RawMessage, error) {
	if err := s.failures[sig.Kind]; err != nil {
		return nil, err
	}
	if err := s.authorize(userID, sig); err != nil {
		return nil, err
	}

	var docs []json.RawMessage
	var err error
	switch sig.Kind {
	case query.KindOrganizationsOwnedBy:
		orgs := make([]store.Organization, 0)
		for _, org := range s.organizations {
			if org.OwnerID == sig.OwnerID {
				orgs = append(orgs, org)
			}
		}
		sort.Slice(orgs, func(i, j int) bool { return createdBefore(orgs[i].CreatedAt, orgs[i].ID, orgs[j].CreatedAt, orgs[j].ID) })
		docs, err = marshalAll(orgs)
	case query.KindWorkspaces:
		items := make([]store.Workspace, 0)
		for _, ws := range s.workspaces {
			if rbac.Can(s.roleIn(userID, ws.OrganizationID), rbac.ActionList) {
				items = append(items, ws)
			}
		}
		sort.Slice(items, func(i, j int) bool {
			return createdBefore(items[i].CreatedAt, items[i].ID, items[j].CreatedAt, items[j].ID)
		})
		docs, err = marshalAll(items)
	case query.KindPulseLog:
		entries := append([]store.PulseEntry(nil), s.pulse[sig.OrganizationID]...)
		sort.Slice(entries, func(i, j int) bool {
			before := createdBefore(entries[i].CreatedAt, entries[i].ID, entries[j].CreatedAt, entries[j].ID)
			if sig.Descending {
				return !before
			}
			return before
		})
		limit := sig.Limit
		if limit <= 0 {
			limit = query.DefaultPulseLogLimit
		}
		if len(entries) > limit {
			entries = entries[:limit]
		}
		docs, err = marshalAll(entries)
	}
	if err != nil {
		return nil, err
	}
	return append(docs, s.raw[sig.Kind]...), nil
}

func (s *Store) authorize(userID string, sig query.Signature) error {
	allowed := false
	switch sig.Kind {
	case query.KindOrganizationsOwnedBy:
		allowed = rbac.OwnedListAllowed(userID, sig.OwnerID)
	case query.KindWorkspaces:
		allowed = userID != ""
	case query.KindPulseLog:
		allowed = rbac.Can(s.roleIn(userID, sig.OrganizationID), rbac.ActionList)
	}
	if !allowed {
		return fmt.Errorf("list %s: %w", sig.Resource(), query.ErrPermissionDenied)
	}
	return nil
}

// roleIn must be called with s.mu held.
func (s *Store) roleIn(userID, organizationID string) rbac.Role {
	org, ok := s.organizations[organizationID]
	if !ok || userID == "" {
		return rbac.RoleNone
	}
	if org.OwnerID == userID {
		return rbac.RoleOwner
	}
	return s.members[organizationID][userID]
}

func createdBefore(a time.Time, aID string, b time.Time, bID string) bool {
	if !a.Equal(b) {
		return a.Before(b)
	}
	return aID < bID
}

func marshalAll[T any](records []T) ([]json.RawMessage, error) {
	docs := make([]json.RawMessage, 0, len(records))
	for _, record := range records {
		doc, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("marshal document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func sameDocuments(a, b []json.RawMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// mutate applies fn under the store lock and redelivers open queries.
func (s *Store) mutate(fn func()) {
	s.mu.Lock()
	fn()
	s.mu.Unlock()
	s.notify()
}

func (s *Store) PutOrganization(org store.Organization) store.Organization {
	if org.ID == "" {
		org.ID = util.NewID("org")
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = s.now().UTC()
	}
	s.mutate(func() { s.organizations[org.ID] = org })
	return org
}

func (s *Store) DeleteOrganization(organizationID string) {
	s.mutate(func() {
		delete(s.organizations, organizationID)
		delete(s.members, organizationID)
		delete(s.pulse, organizationID)
		for id, ws := range s.workspaces {
			if ws.OrganizationID == organizationID {
				delete(s.workspaces, id)
			}
		}
	})
}

func (s *Store) AddMember(organizationID, userID string, role rbac.Role) {
	s.mutate(func() {
		if s.members[organizationID] == nil {
			s.members[organizationID] = make(map[string]rbac.Role)
		}
		s.members[organizationID][userID] = role
	})
}

func (s *Store) RemoveMember(organizationID, userID string) {
	s.mutate(func() { delete(s.members[organizationID], userID) })
}

func (s *Store) PutWorkspace(ws store.Workspace) store.Workspace {
	if ws.ID == "" {
		ws.ID = util.NewID("ws")
	}
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = s.now().UTC()
	}
	s.mutate(func() { s.workspaces[ws.ID] = ws })
	return ws
}

func (s *Store) AppendPulse(entry store.PulseEntry) store.PulseEntry {
	if entry.ID == "" {
		entry.ID = util.NewID("pl")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	s.mutate(func() { s.pulse[entry.OrganizationID] = append(s.pulse[entry.OrganizationID], entry) })
	return entry
}

// AppendRawDocument adds an undecoded document to every result of kind.
func (s *Store) AppendRawDocument(kind query.Kind, doc json.RawMessage) {
	s.mutate(func() { s.raw[kind] = append(s.raw[kind], doc) })
}

// SetFailure makes every delivery of kind fail with err until cleared with
// a nil err.
func (s *Store) SetFailure(kind query.Kind, err error) {
	s.mutate(func() {
		if err == nil {
			delete(s.failures, kind)
			return
		}
		s.failures[kind] = err
	})
}

func (s *Store) Organization(organizationID string) (store.Organization, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.organizations[organizationID]
	return org, ok
}

// PersistTheme stores theme once, with the same contract as the Postgres
// store.
func (s *Store) PersistTheme(_ context.Context, organizationID string, theme store.Theme) error {
	s.mu.Lock()
	org, ok := s.organizations[organizationID]
	if !ok || org.Theme != nil {
		s.mu.Unlock()
		return store.ErrThemeExists
	}
	org.Theme = &theme
	s.organizations[organizationID] = org
	s.pulse[organizationID] = append(s.pulse[organizationID], store.PulseEntry{
		ID:             util.NewID("pl"),
		OrganizationID: organizationID,
		Kind:           store.PulseKindThemeGenerated,
		Message:        "Generated a theme from the organization profile",
		CreatedAt:      s.now().UTC(),
	})
	s.mu.Unlock()

	s.notify()
	s.log.WithField("organization_id", organizationID).Debug("theme persisted")
	return nil
}

func (s *Store) ListPulseLog(_ context.Context, organizationID string, limit int) ([]store.PulseEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []store.PulseEntry
	if organizationID == "" {
		for _, items := range s.pulse {
			entries = append(entries, items...)
		}
	} else {
		entries = append(entries, s.pulse[organizationID]...)
	}
	sort.Slice(entries, func(i, j int) bool {
		return !createdBefore(entries[i].CreatedAt, entries[i].ID, entries[j].CreatedAt, entries[j].ID)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// RoleIn resolves userID's role in an organization.
func (s *Store) RoleIn(_ context.Context, userID, organizationID string) (rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roleIn(userID, organizationID), nil
}

// Seed creates the same demo tenant as the Postgres seed command.
func (s *Store) Seed(ownerID, viewerID string) store.SeedResult {
	var result store.SeedResult
	profiles := []struct{ name, description string }{
		{"Northwind Outfitters", "Outdoor gear cooperative with a focus on alpine expeditions."},
		{"Lumen Analytics", "Data studio building night-sky observation dashboards."},
	}
	for i, profile := range profiles {
		org := s.PutOrganization(store.Organization{
			OwnerID:     ownerID,
			Name:        profile.name,
			Description: profile.description,
			CreatedAt:   s.now().UTC().Add(time.Duration(i) * time.Millisecond),
		})
		result.Organizations = append(result.Organizations, org)
		result.Workspaces = append(result.Workspaces, s.PutWorkspace(store.Workspace{OrganizationID: org.ID, Name: "General"}))
		s.AppendPulse(store.PulseEntry{OrganizationID: org.ID, Kind: store.PulseKindCreated, Message: "Organization " + org.Name + " created", ActorID: ownerID})
		s.AppendPulse(store.PulseEntry{OrganizationID: org.ID, Kind: store.PulseKindWorkspace, Message: "Workspace General created", ActorID: ownerID})
		if viewerID != "" && viewerID != ownerID {
			s.AddMember(org.ID, viewerID, rbac.RoleViewer)
		}
	}
	return result
}
