package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulseboard/api/internal/logging"
	"pulseboard/api/internal/query"
	"pulseboard/api/internal/rbac"
	"pulseboard/api/internal/store"
)

type collector struct {
	mu        sync.Mutex
	snapshots [][]json.RawMessage
	errs      []error
}

func (c *collector) onSnapshot(docs []json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots = append(c.snapshots, docs)
}

func (c *collector) onError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *collector) lastIDs(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.snapshots)
	var ids []string
	for _, doc := range c.snapshots[len(c.snapshots)-1] {
		var record struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.Unmarshal(doc, &record))
		ids = append(ids, record.ID)
	}
	return ids
}

func newStore() *Store {
	s := New(logging.Discard())
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	var tick int
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return s
}

func TestOwnedOrganizationsDeliverOnSubscribeAndOnChange(t *testing.T) {
	s := newStore()
	s.PutOrganization(store.Organization{ID: "org_a", OwnerID: "u_1", Name: "A"})
	s.PutOrganization(store.Organization{ID: "org_x", OwnerID: "u_2", Name: "X"})

	c := &collector{}
	cancel, err := s.ForUser("u_1").Subscribe(context.Background(),
		query.Signature{Kind: query.KindOrganizationsOwnedBy, OwnerID: "u_1"}, c.onSnapshot, c.onError)
	require.NoError(t, err)
	assert.Equal(t, []string{"org_a"}, c.lastIDs(t))

	s.PutOrganization(store.Organization{ID: "org_b", OwnerID: "u_1", Name: "B"})
	assert.Equal(t, []string{"org_a", "org_b"}, c.lastIDs(t))

	// unrelated writes do not redeliver identical results
	delivered := len(c.snapshots)
	s.PutOrganization(store.Organization{ID: "org_y", OwnerID: "u_2", Name: "Y"})
	assert.Len(t, c.snapshots, delivered)

	cancel()
	cancel()
	assert.Zero(t, s.Subscriptions())
	s.PutOrganization(store.Organization{ID: "org_c", OwnerID: "u_1", Name: "C"})
	assert.Len(t, c.snapshots, delivered)
}

func TestOwnedOrganizationsOfAnotherUserAreDenied(t *testing.T) {
	s := newStore()
	c := &collector{}
	_, err := s.ForUser("u_1").Subscribe(context.Background(),
		query.Signature{Kind: query.KindOrganizationsOwnedBy, OwnerID: "u_2"}, c.onSnapshot, c.onError)
	require.NoError(t, err)

	require.Len(t, c.errs, 1)
	assert.True(t, errors.Is(c.errs[0], query.ErrPermissionDenied))
	assert.Empty(t, c.snapshots)
	assert.Zero(t, s.Subscriptions(), "denied queries are terminated")
}

func TestPulseLogRespectsRoleOrderAndLimit(t *testing.T) {
	s := newStore()
	s.PutOrganization(store.Organization{ID: "org_a", OwnerID: "u_owner", Name: "A"})
	for _, id := range []string{"p1", "p2", "p3"} {
		s.AppendPulse(store.PulseEntry{ID: id, OrganizationID: "org_a", Kind: "note", Message: id})
	}
	sig := query.Signature{Kind: query.KindPulseLog, OrganizationID: "org_a", Limit: 2, OrderBy: "created_at", Descending: true}

	outsider := &collector{}
	_, err := s.ForUser("u_viewer").Subscribe(context.Background(), sig, outsider.onSnapshot, outsider.onError)
	require.NoError(t, err)
	require.Len(t, outsider.errs, 1)

	s.AddMember("org_a", "u_viewer", rbac.RoleViewer)
	viewer := &collector{}
	cancel, err := s.ForUser("u_viewer").Subscribe(context.Background(), sig, viewer.onSnapshot, viewer.onError)
	require.NoError(t, err)
	defer cancel()
	assert.Equal(t, []string{"p3", "p2"}, viewer.lastIDs(t))

	s.RemoveMember("org_a", "u_viewer")
	require.Len(t, viewer.errs, 1)
	assert.ErrorIs(t, viewer.errs[0], query.ErrPermissionDenied)
}

func TestWorkspacesFollowMembership(t *testing.T) {
	s := newStore()
	s.PutOrganization(store.Organization{ID: "org_a", OwnerID: "u_1", Name: "A"})
	s.PutOrganization(store.Organization{ID: "org_b", OwnerID: "u_2", Name: "B"})
	s.PutWorkspace(store.Workspace{ID: "ws_a", OrganizationID: "org_a", Name: "General"})
	s.PutWorkspace(store.Workspace{ID: "ws_b", OrganizationID: "org_b", Name: "General"})

	c := &collector{}
	_, err := s.ForUser("u_1").Subscribe(context.Background(), query.Signature{Kind: query.KindWorkspaces}, c.onSnapshot, c.onError)
	require.NoError(t, err)
	assert.Equal(t, []string{"ws_a"}, c.lastIDs(t))

	s.AddMember("org_b", "u_1", rbac.RoleMember)
	assert.Equal(t, []string{"ws_a", "ws_b"}, c.lastIDs(t))

	anonymous := &collector{}
	_, err = s.ForUser("").Subscribe(context.Background(), query.Signature{Kind: query.KindWorkspaces}, anonymous.onSnapshot, anonymous.onError)
	require.NoError(t, err)
	assert.Len(t, anonymous.errs, 1)
}

func TestPersistThemeWritesOnce(t *testing.T) {
	s := newStore()
	s.PutOrganization(store.Organization{ID: "org_a", OwnerID: "u_1", Name: "A"})
	theme := store.Theme{PrimaryColor: "#112233", BackgroundColor: "#ffffff", AccentColor: "#ff00aa"}

	require.NoError(t, s.PersistTheme(context.Background(), "org_a", theme))
	assert.ErrorIs(t, s.PersistTheme(context.Background(), "org_a", theme), store.ErrThemeExists)
	assert.ErrorIs(t, s.PersistTheme(context.Background(), "org_missing", theme), store.ErrThemeExists)

	org, ok := s.Organization("org_a")
	require.True(t, ok)
	require.NotNil(t, org.Theme)
	assert.Equal(t, theme, *org.Theme)

	entries, err := s.ListPulseLog(context.Background(), "org_a", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.PulseKindThemeGenerated, entries[0].Kind)
}

func TestFailuresAndRawDocumentsReachSubscribers(t *testing.T) {
	s := newStore()
	s.PutOrganization(store.Organization{ID: "org_a", OwnerID: "u_1", Name: "A"})

	c := &collector{}
	_, err := s.ForUser("u_1").Subscribe(context.Background(),
		query.Signature{Kind: query.KindOrganizationsOwnedBy, OwnerID: "u_1"}, c.onSnapshot, c.onError)
	require.NoError(t, err)

	s.SetFailure(query.KindOrganizationsOwnedBy, errors.New("unavailable"))
	require.Len(t, c.errs, 1)
	assert.NotErrorIs(t, c.errs[0], query.ErrPermissionDenied)
	assert.Equal(t, 1, s.Subscriptions(), "transport failures keep the query open")

	s.SetFailure(query.KindOrganizationsOwnedBy, nil)
	s.AppendRawDocument(query.KindOrganizationsOwnedBy, json.RawMessage(`{"id":"broken"}`))
	assert.Equal(t, []string{"org_a", "broken"}, c.lastIDs(t))
}

func TestSeedCreatesDemoTenant(t *testing.T) {
	s := newStore()
	result := s.Seed("u_owner", "u_viewer")

	require.Len(t, result.Organizations, 2)
	require.Len(t, result.Workspaces, 2)
	role, err := s.RoleIn(context.Background(), "u_viewer", result.Organizations[0].ID)
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleViewer, role)

	entries, err := s.ListPulseLog(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}
