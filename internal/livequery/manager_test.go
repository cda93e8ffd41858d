package livequery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulseboard/api/internal/errbus"
	"pulseboard/api/internal/logging"
	"pulseboard/api/internal/query"
	"pulseboard/api/internal/store"
)

type fakeSub struct {
	sig        query.Signature
	onSnapshot query.SnapshotFunc
	onError    query.ErrorFunc
	cancelled  bool
}

// fakeBackend counts live subscriptions per kind and records any moment
// where a second one would have been opened.
type fakeBackend struct {
	mu           sync.Mutex
	subs         []*fakeSub
	live         map[query.Kind]int
	overlap      int
	denied       map[query.Kind]bool
	subscribeErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{live: map[query.Kind]int{}, denied: map[query.Kind]bool{}}
}

func (f *fakeBackend) Subscribe(_ context.Context, sig query.Signature, onSnapshot query.SnapshotFunc, onError query.ErrorFunc) (query.Cancel, error) {
	f.mu.Lock()
	if f.subscribeErr != nil {
		err := f.subscribeErr
		f.mu.Unlock()
		return nil, err
	}
	if f.live[sig.Kind] > 0 {
		f.overlap++
	}
	f.live[sig.Kind]++
	sub := &fakeSub{sig: sig, onSnapshot: onSnapshot, onError: onError}
	f.subs = append(f.subs, sub)
	denied := f.denied[sig.Kind]
	f.mu.Unlock()

	if denied {
		onError(fmt.Errorf("list %s: %w", sig.Resource(), query.ErrPermissionDenied))
	}

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !sub.cancelled {
			sub.cancelled = true
			f.live[sig.Kind]--
		}
	}, nil
}

func (f *fakeBackend) liveCount(kind query.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[kind]
}

func (f *fakeBackend) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeBackend) latest(kind query.Kind) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.subs) - 1; i >= 0; i-- {
		if f.subs[i].sig.Kind == kind {
			return f.subs[i]
		}
	}
	return nil
}

type recordingSink struct {
	mu            sync.Mutex
	organizations []store.Organization
	workspaces    []store.Workspace
	pulse         []store.PulseEntry
	writes        map[query.Slot]int
	resets        map[query.Slot]int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{writes: map[query.Slot]int{}, resets: map[query.Slot]int{}}
}

func (s *recordingSink) ReplaceOrganizations(_ query.Signature, records []store.Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.organizations = records
	s.writes[query.SlotOrganizations]++
}

func (s *recordingSink) ReplaceWorkspaces(_ query.Signature, records []store.Workspace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaces = records
	s.writes[query.SlotWorkspaces]++
}

func (s *recordingSink) ReplacePulseLog(_ query.Signature, records []store.PulseEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pulse = records
	s.writes[query.SlotPulseLog]++
}

func (s *recordingSink) Reset(slot query.Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch slot {
	case query.SlotOrganizations:
		s.organizations = nil
	case query.SlotWorkspaces:
		s.workspaces = nil
	case query.SlotPulseLog:
		s.pulse = nil
	}
	s.resets[slot]++
}

func (s *recordingSink) orgIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.organizations))
	for _, org := range s.organizations {
		ids = append(ids, org.ID)
	}
	return ids
}

func (s *recordingSink) pulseIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.pulse))
	for _, entry := range s.pulse {
		ids = append(ids, entry.ID)
	}
	return ids
}

func newTestManager(t *testing.T) (*Manager, *fakeBackend, *recordingSink, *errbus.Bus) {
	t.Helper()
	backend := newFakeBackend()
	sink := newRecordingSink()
	bus := errbus.New(logging.Discard())
	m := New(backend, sink, bus, logging.Discard())
	t.Cleanup(m.Close)
	return m, backend, sink, bus
}

func orgDocs(t *testing.T, ids ...string) []json.RawMessage {
	t.Helper()
	docs := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		doc, err := json.Marshal(store.Organization{ID: id, OwnerID: "u_1", Name: "Org " + id})
		require.NoError(t, err)
		docs = append(docs, doc)
	}
	return docs
}

func pulseDocs(t *testing.T, orgID string, ids ...string) []json.RawMessage {
	t.Helper()
	docs := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		doc := fmt.Sprintf(`{"id":%q,"organization_id":%q,"kind":"note","message":"m","created_at":"2024-05-01T10:00:00Z"}`, id, orgID)
		docs = append(docs, json.RawMessage(doc))
	}
	return docs
}

func ownedBy(user string) *query.Signature {
	return &query.Signature{Kind: query.KindOrganizationsOwnedBy, OwnerID: user}
}

func pulseOf(org string) *query.Signature {
	return &query.Signature{Kind: query.KindPulseLog, OrganizationID: org, Limit: 20, OrderBy: "created_at", Descending: true}
}

func TestBindIdenticalSignatureDoesNotResubscribe(t *testing.T) {
	m, backend, _, _ := newTestManager(t)
	ctx := context.Background()

	m.Bind(ctx, query.SlotOrganizations, ownedBy("u_1"))
	m.Bind(ctx, query.SlotOrganizations, ownedBy("u_1"))
	m.Apply(ctx, query.Resolver{}.Resolve(query.Inputs{UserID: "u_1"}))
	m.Apply(ctx, query.Resolver{}.Resolve(query.Inputs{UserID: "u_1"}))

	// organizations once, workspaces once
	assert.Equal(t, 2, backend.subscribeCount())
	assert.Equal(t, 1, backend.liveCount(query.KindOrganizationsOwnedBy))
}

func TestSignatureChangesKeepAtMostOneLiveSubscription(t *testing.T) {
	m, backend, _, _ := newTestManager(t)
	ctx := context.Background()

	sequence := []*query.Signature{
		pulseOf("org_a"), pulseOf("org_b"), nil, pulseOf("org_b"), pulseOf("org_a"), pulseOf("org_a"), nil, nil, pulseOf("org_c"),
	}
	for i, sig := range sequence {
		m.Bind(ctx, query.SlotPulseLog, sig)
		live := backend.liveCount(query.KindPulseLog)
		if sig == nil {
			assert.Equalf(t, 0, live, "step %d", i)
		} else {
			assert.Equalf(t, 1, live, "step %d", i)
		}
	}
	assert.Zero(t, backend.overlap, "a subscription was opened before the previous one was torn down")
	assert.Equal(t, 5, backend.subscribeCount())
}

func TestDeliveryReplacesSlotWholesale(t *testing.T) {
	m, backend, sink, _ := newTestManager(t)
	m.Bind(context.Background(), query.SlotOrganizations, ownedBy("u_1"))

	sub := backend.latest(query.KindOrganizationsOwnedBy)
	require.NotNil(t, sub)

	sub.onSnapshot(orgDocs(t, "org_a", "org_b"))
	assert.Equal(t, []string{"org_a", "org_b"}, sink.orgIDs())

	sub.onSnapshot(orgDocs(t, "org_c"))
	assert.Equal(t, []string{"org_c"}, sink.orgIDs())
}

func TestDeliveriesAfterTeardownAreDropped(t *testing.T) {
	m, backend, sink, bus := newTestManager(t)
	ctx := context.Background()

	var events int
	OnDeliveryFailed(bus, func(*DeliveryError) { events++ })
	OnPermissionDenied(bus, func(*PermissionError) { events++ })

	m.Bind(ctx, query.SlotPulseLog, pulseOf("org_a"))
	old := backend.latest(query.KindPulseLog)
	old.onSnapshot(pulseDocs(t, "org_a", "p1"))

	m.Bind(ctx, query.SlotPulseLog, pulseOf("org_b"))
	assert.Empty(t, sink.pulseIDs(), "slot resets when the signature changes")

	old.onSnapshot(pulseDocs(t, "org_a", "p2"))
	old.onError(errors.New("late transport failure"))

	assert.Empty(t, sink.pulseIDs())
	assert.Zero(t, events)

	current := backend.latest(query.KindPulseLog)
	current.onSnapshot(pulseDocs(t, "org_b", "p3"))
	assert.Equal(t, []string{"p3"}, sink.pulseIDs())
}

func TestDeniedSubscriptionPublishesOnePermissionError(t *testing.T) {
	m, backend, sink, bus := newTestManager(t)
	backend.denied[query.KindOrganizationsOwnedBy] = true

	var denials []*PermissionError
	var failures int
	OnPermissionDenied(bus, func(err *PermissionError) { denials = append(denials, err) })
	OnDeliveryFailed(bus, func(*DeliveryError) { failures++ })

	m.Bind(context.Background(), query.SlotOrganizations, ownedBy("u_1"))

	require.Len(t, denials, 1)
	assert.Equal(t, "organizations", denials[0].Resource())
	assert.Equal(t, "list", denials[0].Operation())
	assert.Equal(t, query.SlotOrganizations, denials[0].Slot())
	assert.False(t, denials[0].Timestamp().IsZero())
	assert.ErrorIs(t, denials[0], query.ErrPermissionDenied)
	assert.Zero(t, failures)

	assert.Empty(t, sink.orgIDs())
	assert.Zero(t, sink.writes[query.SlotOrganizations])
}

func TestDenialKeepsPriorSnapshot(t *testing.T) {
	m, backend, sink, bus := newTestManager(t)
	m.Bind(context.Background(), query.SlotOrganizations, ownedBy("u_1"))

	var denials int
	OnPermissionDenied(bus, func(*PermissionError) { denials++ })

	sub := backend.latest(query.KindOrganizationsOwnedBy)
	sub.onSnapshot(orgDocs(t, "org_a"))
	sub.onError(fmt.Errorf("revoked: %w", query.ErrPermissionDenied))

	assert.Equal(t, 1, denials)
	assert.Equal(t, []string{"org_a"}, sink.orgIDs())
}

func TestMalformedRecordIsADeliveryFailure(t *testing.T) {
	m, backend, sink, bus := newTestManager(t)
	m.Bind(context.Background(), query.SlotOrganizations, ownedBy("u_1"))

	var failures []*DeliveryError
	OnDeliveryFailed(bus, func(err *DeliveryError) { failures = append(failures, err) })

	sub := backend.latest(query.KindOrganizationsOwnedBy)
	sub.onSnapshot(orgDocs(t, "org_a"))

	cases := []json.RawMessage{
		json.RawMessage(`{"id":"org_b","owner_id":"u_1"}`),
		json.RawMessage(`{"id":42}`),
		json.RawMessage(`not json`),
	}
	for _, doc := range cases {
		docs := append(orgDocs(t, "org_c"), doc)
		sub.onSnapshot(docs)
	}

	require.Len(t, failures, len(cases))
	assert.Equal(t, "organizations", failures[0].Resource())
	assert.Equal(t, []string{"org_a"}, sink.orgIDs())
}

func TestSubscribeErrorIsPublished(t *testing.T) {
	m, backend, _, bus := newTestManager(t)
	backend.subscribeErr = errors.New("connection refused")
	gaugeBefore := activeSubscriptions(t, query.SlotWorkspaces)

	var failures []*DeliveryError
	OnDeliveryFailed(bus, func(err *DeliveryError) { failures = append(failures, err) })

	assert.NotPanics(t, func() {
		m.Bind(context.Background(), query.SlotWorkspaces, &query.Signature{Kind: query.KindWorkspaces})
	})
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Error(), "connection refused")
	assert.False(t, m.Live(query.SlotWorkspaces))
	assert.Equal(t, gaugeBefore, activeSubscriptions(t, query.SlotWorkspaces))

	// the failed signature stays recorded; no automatic retry
	m.Bind(context.Background(), query.SlotWorkspaces, &query.Signature{Kind: query.KindWorkspaces})
	assert.Len(t, failures, 1)
}

func TestNullScopeUnsubscribesPulseLog(t *testing.T) {
	m, backend, sink, _ := newTestManager(t)
	ctx := context.Background()
	resolver := query.Resolver{PulseLogLimit: 20}

	m.Apply(ctx, resolver.Resolve(query.Inputs{UserID: "u_1", ActiveOrganizationID: "org_a"}))
	require.Equal(t, 1, backend.liveCount(query.KindPulseLog))
	backend.latest(query.KindPulseLog).onSnapshot(pulseDocs(t, "org_a", "p1"))

	m.Apply(ctx, resolver.Resolve(query.Inputs{UserID: "u_1"}))
	assert.Equal(t, 0, backend.liveCount(query.KindPulseLog))
	assert.Nil(t, m.Signature(query.SlotPulseLog))
	assert.Empty(t, sink.pulseIDs())

	before := backend.subscribeCount()
	m.Apply(ctx, resolver.Resolve(query.Inputs{UserID: "u_1"}))
	assert.Equal(t, before, backend.subscribeCount())
	assert.Equal(t, 1, backend.liveCount(query.KindOrganizationsOwnedBy))

	m.Apply(ctx, resolver.Resolve(query.Inputs{UserID: "u_1", ActiveOrganizationID: "org_b"}))
	assert.Equal(t, 1, backend.liveCount(query.KindPulseLog))
	assert.Equal(t, "org_b", m.Signature(query.SlotPulseLog).OrganizationID)
}

func TestCloseCancelsEverySubscription(t *testing.T) {
	backend := newFakeBackend()
	m := New(backend, newRecordingSink(), errbus.New(logging.Discard()), logging.Discard())
	ctx := context.Background()

	m.Apply(ctx, query.Resolver{}.Resolve(query.Inputs{UserID: "u_1", ActiveOrganizationID: "org_a"}))
	require.Equal(t, 3, backend.subscribeCount())

	m.Close()
	m.Close()
	for _, kind := range []query.Kind{query.KindOrganizationsOwnedBy, query.KindWorkspaces, query.KindPulseLog} {
		assert.Zero(t, backend.liveCount(kind), kind)
	}

	m.Bind(ctx, query.SlotPulseLog, pulseOf("org_b"))
	assert.Equal(t, 3, backend.subscribeCount())
	assert.False(t, m.Live(query.SlotPulseLog))
}

func TestConcurrentBindsNeverOverlap(t *testing.T) {
	m, backend, _, _ := newTestManager(t)
	ctx := context.Background()
	orgs := []string{"org_a", "org_b", "org_c", ""}

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				org := orgs[(worker+i)%len(orgs)]
				if org == "" {
					m.Bind(ctx, query.SlotPulseLog, nil)
					continue
				}
				m.Bind(ctx, query.SlotPulseLog, pulseOf(org))
				assert.LessOrEqual(t, backend.liveCount(query.KindPulseLog), 1)
			}
		}(worker)
	}
	wg.Wait()

	assert.Zero(t, backend.overlap)
	assert.LessOrEqual(t, backend.liveCount(query.KindPulseLog), 1)
}

func activeSubscriptions(t *testing.T, slot query.Slot) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "pulseboard_livequery_active_subscriptions" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "slot" && label.GetValue() == string(slot) {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func TestRebindHoldsFailuresUntilPublished(t *testing.T) {
	m, backend, _, bus := newTestManager(t)
	backend.denied[query.KindOrganizationsOwnedBy] = true

	var denials int
	OnPermissionDenied(bus, func(*PermissionError) { denials++ })

	resolver := query.Resolver{PulseLogLimit: 20}
	publish := m.Rebind(context.Background(), resolver.Resolve(query.Inputs{UserID: "u_1"}))
	assert.Zero(t, denials, "failures raised while subscribing wait for publish")

	publish()
	assert.Equal(t, 1, denials)
}

func TestHeldFailureOfReboundSlotIsDropped(t *testing.T) {
	m, backend, _, bus := newTestManager(t)
	backend.denied[query.KindOrganizationsOwnedBy] = true

	var denials int
	OnPermissionDenied(bus, func(*PermissionError) { denials++ })

	resolver := query.Resolver{PulseLogLimit: 20}
	publish := m.Rebind(context.Background(), resolver.Resolve(query.Inputs{UserID: "u_1"}))
	m.Bind(context.Background(), query.SlotOrganizations, nil)
	publish()

	assert.Zero(t, denials)
}

func TestDenialHandlerMayRebindTheSlot(t *testing.T) {
	m, backend, sink, bus := newTestManager(t)
	backend.denied[query.KindOrganizationsOwnedBy] = true
	ctx := context.Background()

	var denials int
	OnPermissionDenied(bus, func(*PermissionError) {
		denials++
		m.Bind(ctx, query.SlotOrganizations, nil)
	})

	done := make(chan struct{})
	go func() {
		m.Bind(ctx, query.SlotOrganizations, ownedBy("u_1"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("denial handler rebinding the slot deadlocked")
	}
	assert.Equal(t, 1, denials)
	assert.Nil(t, m.Signature(query.SlotOrganizations))
	assert.False(t, m.Live(query.SlotOrganizations))
	assert.Zero(t, sink.writes[query.SlotOrganizations])
}
