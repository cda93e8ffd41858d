// Package search finds pulse log entries. Meilisearch serves queries while it
// is healthy; Postgres full-text search (or a scan, in memory mode) covers the
// rest of the time.
package search

import (
	"context"
	"time"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	Kind           string    `json:"kind"`
	Snippet        string    `json:"snippet"`
	ActorID        string    `json:"actorId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Query describes a search request. OrganizationID is required: searches
// never cross organizations.
type Query struct {
	Text           string
	OrganizationID string
	Kind           string // empty = all kinds
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// PulseRecord is the data we index for a pulse log entry.
type PulseRecord struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
	Kind           string `json:"kind"`
	Message        string `json:"message"`
	ActorID        string `json:"actorId"`
	CreatedAt      int64  `json:"createdAt"`
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
