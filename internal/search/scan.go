package search

import (
	"context"
	"fmt"
	"strings"

	"pulseboard/api/internal/store"
)

// PulseLister lists an organization's pulse log, newest first.
type PulseLister interface {
	ListPulseLog(ctx context.Context, organizationID string, limit int) ([]store.PulseEntry, error)
}

// Scan implements Searcher by case-insensitive substring matching over a
// lister. It backs memory mode, where there is no Postgres to fall back to.
type Scan struct {
	lister PulseLister
	window int
}

// NewScan searches at most window recent entries per organization.
func NewScan(lister PulseLister, window int) *Scan {
	if window <= 0 {
		window = 1000
	}
	return &Scan{lister: lister, window: window}
}

func (s *Scan) Healthy() bool {
	return true
}

func (s *Scan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	if needle == "" || q.OrganizationID == "" {
		return nil, 0, nil
	}

	entries, err := s.lister.ListPulseLog(ctx, q.OrganizationID, s.window)
	if err != nil {
		return nil, 0, fmt.Errorf("scan pulse log: %w", err)
	}

	matched := make([]Result, 0)
	for _, entry := range entries {
		if q.Kind != "" && entry.Kind != q.Kind {
			continue
		}
		if !strings.Contains(strings.ToLower(entry.Message), needle) {
			continue
		}
		matched = append(matched, Result{
			ID:             entry.ID,
			OrganizationID: entry.OrganizationID,
			Kind:           entry.Kind,
			Snippet:        entry.Message,
			ActorID:        entry.ActorID,
			CreatedAt:      entry.CreatedAt,
		})
	}

	total := len(matched)
	offset := min(max(q.Offset, 0), total)
	end := min(offset+normalizeLimit(q.Limit), total)
	return matched[offset:end], total, nil
}
