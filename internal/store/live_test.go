package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulseboard/api/internal/logging"
	"pulseboard/api/internal/query"
)

func TestNotifierDispatchKicksMatchingListeners(t *testing.T) {
	n := NewNotifier(nil, logging.Discard())

	orgKicks, stopOrg := n.Listen(func(c Change) bool { return c.Table == "organizations" })
	defer stopOrg()
	pulseKicks, stopPulse := n.Listen(func(c Change) bool { return c.Table == "pulse_log" && c.OrganizationID == "org_a" })
	defer stopPulse()

	n.dispatch(`{"table":"pulse_log","organization_id":"org_a"}`)
	n.dispatch(`{"table":"pulse_log","organization_id":"org_a"}`)

	assert.Len(t, pulseKicks, 1, "kicks coalesce")
	assert.Len(t, orgKicks, 0)

	n.dispatch(`not json`)
	assert.Len(t, orgKicks, 0)
}

func TestNotifierListenReleaseStopsKicks(t *testing.T) {
	n := NewNotifier(nil, logging.Discard())
	kicks, stop := n.Listen(func(Change) bool { return true })
	stop()
	stop()

	n.kickAll()
	assert.Len(t, kicks, 0)
}

func TestChangeMatcher(t *testing.T) {
	cases := []struct {
		name   string
		sig    query.Signature
		change Change
		want   bool
	}{
		{"owned orgs on org change", query.Signature{Kind: query.KindOrganizationsOwnedBy, OwnerID: "u"}, Change{Table: "organizations", OrganizationID: "o"}, true},
		{"owned orgs ignore pulse", query.Signature{Kind: query.KindOrganizationsOwnedBy, OwnerID: "u"}, Change{Table: "pulse_log", OrganizationID: "o"}, false},
		{"workspaces on membership", query.Signature{Kind: query.KindWorkspaces}, Change{Table: "organization_members", OrganizationID: "o"}, true},
		{"pulse same org", query.Signature{Kind: query.KindPulseLog, OrganizationID: "o"}, Change{Table: "pulse_log", OrganizationID: "o"}, true},
		{"pulse other org", query.Signature{Kind: query.KindPulseLog, OrganizationID: "o"}, Change{Table: "pulse_log", OrganizationID: "x"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			match, err := changeMatcher(tc.sig)
			require.NoError(t, err)
			assert.Equal(t, tc.want, match(tc.change))
		})
	}

	_, err := changeMatcher(query.Signature{Kind: "bogus"})
	assert.Error(t, err)
}

func TestSameDocuments(t *testing.T) {
	a := []json.RawMessage{json.RawMessage(`{"id":"1"}`)}
	assert.True(t, sameDocuments(a, []json.RawMessage{json.RawMessage(`{"id":"1"}`)}))
	assert.False(t, sameDocuments(a, []json.RawMessage{json.RawMessage(`{"id":"2"}`)}))
	assert.False(t, sameDocuments(a, nil))
}

func TestPersistThemeWritesOncePostgres(t *testing.T) {
	pool := testPool(t)
	s := NewPostgresStore(pool)
	ctx := context.Background()

	require.NoError(t, s.InsertOrganization(ctx, Organization{ID: "org_e", OwnerID: "u_1", Name: "E", Description: "alpine"}))

	theme := Theme{PrimaryColor: "#112233", BackgroundColor: "#ffffff", AccentColor: "#ff00aa"}
	require.NoError(t, s.PersistTheme(ctx, "org_e", theme))

	err := s.PersistTheme(ctx, "org_e", Theme{PrimaryColor: "#000000", BackgroundColor: "#000000", AccentColor: "#000000"})
	assert.True(t, errors.Is(err, ErrThemeExists))

	org, err := s.GetOrganization(ctx, "org_e")
	require.NoError(t, err)
	require.NotNil(t, org.Theme)
	assert.Equal(t, theme, *org.Theme)

	entries, err := s.ListPulseLog(ctx, "org_e", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, PulseKindThemeGenerated, entries[0].Kind)
}

func TestLiveBackendPostgres(t *testing.T) {
	pool := testPool(t)
	s := NewPostgresStore(pool)
	log := logging.Discard()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifier := NewNotifier(pool, log)
	go func() { _ = notifier.Run(ctx) }()

	require.NoError(t, s.InsertOrganization(ctx, Organization{ID: "org_a", OwnerID: "u_1", Name: "A"}))

	snapshots := make(chan []json.RawMessage, 8)
	errs := make(chan error, 8)
	backend := NewLiveBackend(s, notifier, "u_1", log)

	stop, err := backend.Subscribe(ctx, query.Signature{Kind: query.KindOrganizationsOwnedBy, OwnerID: "u_1"},
		func(docs []json.RawMessage) { snapshots <- docs },
		func(err error) { errs <- err })
	require.NoError(t, err)
	defer stop()

	select {
	case docs := <-snapshots:
		require.Len(t, docs, 1)
		var org Organization
		require.NoError(t, json.Unmarshal(docs[0], &org))
		assert.Equal(t, "org_a", org.ID)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for initial snapshot")
	}

	require.NoError(t, s.InsertOrganization(ctx, Organization{ID: "org_b", OwnerID: "u_1", Name: "B"}))
	select {
	case docs := <-snapshots:
		assert.Len(t, docs, 2)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for change snapshot")
	}

	deniedStop, err := backend.Subscribe(ctx, query.Signature{Kind: query.KindOrganizationsOwnedBy, OwnerID: "u_2"},
		func([]json.RawMessage) { t.Error("denied query must not deliver") },
		func(err error) { errs <- err })
	require.NoError(t, err)
	defer deniedStop()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, query.ErrPermissionDenied)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for denial")
	}
}
