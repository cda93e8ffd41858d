package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulseboard/api/internal/logging"
	"pulseboard/api/internal/memstore"
	"pulseboard/api/internal/store"
)

func seededScan(t *testing.T) (*Scan, store.SeedResult) {
	t.Helper()
	mem := memstore.New(logging.Discard())
	seed := mem.Seed("u_owner", "")
	return NewScan(mem, 0), seed
}

func TestScanMatchesWithinOrganization(t *testing.T) {
	scan, seed := seededScan(t)
	org := seed.Organizations[0]

	results, total, err := scan.Search(context.Background(), Query{Text: "WORKSPACE", OrganizationID: org.ID})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, results, 1)
	assert.Equal(t, org.ID, results[0].OrganizationID)
	assert.Equal(t, store.PulseKindWorkspace, results[0].Kind)
	assert.Equal(t, "u_owner", results[0].ActorID)
}

func TestScanFiltersAndPages(t *testing.T) {
	scan, seed := seededScan(t)
	org := seed.Organizations[1]
	ctx := context.Background()

	_, total, err := scan.Search(ctx, Query{Text: "created", OrganizationID: org.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	results, total, err := scan.Search(ctx, Query{Text: "created", OrganizationID: org.ID, Kind: store.PulseKindCreated})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, results, 1)

	results, total, err = scan.Search(ctx, Query{Text: "created", OrganizationID: org.ID, Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, results, 1)

	results, _, err = scan.Search(ctx, Query{Text: "created", OrganizationID: org.ID, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestScanRequiresTextAndOrganization(t *testing.T) {
	scan, seed := seededScan(t)

	results, total, err := scan.Search(context.Background(), Query{Text: "  ", OrganizationID: seed.Organizations[0].ID})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, results)

	_, total, err = scan.Search(context.Background(), Query{Text: "created"})
	require.NoError(t, err)
	assert.Zero(t, total)
}

type failingLister struct{}

func (failingLister) ListPulseLog(context.Context, string, int) ([]store.PulseEntry, error) {
	return nil, errors.New("boom")
}

func TestServiceFallsBackWithoutMeili(t *testing.T) {
	scan, seed := seededScan(t)
	svc := NewService(nil, scan, logging.Discard())

	resp := svc.Search(context.Background(), Query{Text: "organization", OrganizationID: seed.Organizations[0].ID})
	assert.Equal(t, "organization", resp.Query)
	assert.Equal(t, 1, resp.Total)
	assert.Len(t, resp.Results, 1)
}

func TestServiceSwallowsFallbackErrors(t *testing.T) {
	svc := NewService(nil, NewScan(failingLister{}, 10), logging.Discard())

	resp := svc.Search(context.Background(), Query{Text: "x", OrganizationID: "org_1"})
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
	assert.Zero(t, resp.Total)

	resp = NewService(nil, nil, logging.Discard()).Search(context.Background(), Query{Text: "x"})
	assert.NotNil(t, resp.Results)
}

func TestServiceSkipsUnhealthyMeili(t *testing.T) {
	var searched bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			searched = true
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	m := NewMeili(server.URL, "key", logging.Discard())
	defer m.Close()
	require.False(t, m.Healthy())

	scan, seed := seededScan(t)
	resp := NewService(m, scan, logging.Discard()).Search(context.Background(), Query{Text: "general", OrganizationID: seed.Organizations[0].ID})
	assert.Equal(t, 1, resp.Total)
	assert.False(t, searched, "an unhealthy index must not be queried")
}

func TestSearchRequestScopesToOrganization(t *testing.T) {
	req := searchRequest(Query{OrganizationID: "org_1", Kind: "theme.generated", Limit: 500, Offset: -3})
	assert.Equal(t, []string{`organizationId = "org_1"`, `kind = "theme.generated"`}, req.Filter)
	assert.Equal(t, int64(100), req.Limit)
	assert.Equal(t, int64(0), req.Offset)

	req = searchRequest(Query{OrganizationID: "org_2"})
	assert.Equal(t, []string{`organizationId = "org_2"`}, req.Filter)
	assert.Equal(t, int64(20), req.Limit)
}

func TestHitToResult(t *testing.T) {
	created := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	hit := meili.Hit{
		"id":             json.RawMessage(`"pl_1"`),
		"organizationId": json.RawMessage(`"org_1"`),
		"kind":           json.RawMessage(`"theme.generated"`),
		"message":        json.RawMessage(`"Generated a theme"`),
		"actorId":        json.RawMessage(`""`),
		"createdAt":      json.RawMessage(`1772600767`),
		"_formatted":     json.RawMessage(`{"message":"Generated a <mark>theme</mark>","createdAt":"1772600767"}`),
	}

	got := hitToResult(hit)
	assert.Equal(t, Result{
		ID:             "pl_1",
		OrganizationID: "org_1",
		Kind:           "theme.generated",
		Snippet:        "Generated a <mark>theme</mark>",
		CreatedAt:      created,
	}, got)

	delete(hit, "_formatted")
	assert.Equal(t, "Generated a theme", hitToResult(hit).Snippet)
}
