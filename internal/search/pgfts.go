package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	pool *pgxpool.Pool
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(pool *pgxpool.Pool) *PgFTS {
	return &PgFTS{pool: pool}
}

// Healthy always returns true: if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search matches pulse_log.fts with plainto_tsquery, ranks with ts_rank and
// builds snippets with ts_headline.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || q.OrganizationID == "" {
		return nil, 0, nil
	}

	where := "pl.organization_id = $2 AND pl.fts @@ plainto_tsquery('english', $1)"
	args := []any{q.Text, q.OrganizationID}
	if q.Kind != "" {
		where += " AND pl.kind = $3"
		args = append(args, q.Kind)
	}

	var total int
	if err := p.pool.QueryRow(ctx, "SELECT count(*) FROM pulse_log pl WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT pl.id, pl.organization_id, pl.kind,
			ts_headline('english', pl.message, plainto_tsquery('english', $1),
				'StartSel=<mark>,StopSel=</mark>,MaxFragments=1,MaxWords=30') AS snippet,
			pl.actor_id, pl.created_at
		FROM pulse_log pl
		WHERE %s
		ORDER BY ts_rank(pl.fts, plainto_tsquery('english', $1)) DESC, pl.created_at DESC
		LIMIT %d OFFSET %d`, where, normalizeLimit(q.Limit), max(q.Offset, 0))

	rows, err := p.pool.Query(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var r Result
		var createdAt time.Time
		if err := rows.Scan(&r.ID, &r.OrganizationID, &r.Kind, &r.Snippet, &r.ActorID, &createdAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.CreatedAt = createdAt.UTC()
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every pulse entry for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]PulseRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, organization_id, kind, message, actor_id, created_at
		FROM pulse_log
	`)
	if err != nil {
		return nil, fmt.Errorf("load pulse log: %w", err)
	}
	defer rows.Close()

	records := make([]PulseRecord, 0)
	for rows.Next() {
		var r PulseRecord
		var createdAt time.Time
		if err := rows.Scan(&r.ID, &r.OrganizationID, &r.Kind, &r.Message, &r.ActorID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan pulse entry: %w", err)
		}
		r.CreatedAt = createdAt.Unix()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pulse log: %w", err)
	}
	return records, nil
}

// LoadSince returns entries created at or after since, with the newest
// created_at seen. Re-indexing an entry twice is harmless.
func (p *PgFTS) LoadSince(ctx context.Context, since time.Time) ([]PulseRecord, time.Time, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, organization_id, kind, message, actor_id, created_at
		FROM pulse_log
		WHERE created_at >= $1
		ORDER BY created_at
	`, since)
	if err != nil {
		return nil, since, fmt.Errorf("load pulse log since %s: %w", since.Format(time.RFC3339), err)
	}
	defer rows.Close()

	latest := since
	records := make([]PulseRecord, 0)
	for rows.Next() {
		var r PulseRecord
		var createdAt time.Time
		if err := rows.Scan(&r.ID, &r.OrganizationID, &r.Kind, &r.Message, &r.ActorID, &createdAt); err != nil {
			return nil, since, fmt.Errorf("scan pulse entry: %w", err)
		}
		r.CreatedAt = createdAt.Unix()
		if createdAt.After(latest) {
			latest = createdAt
		}
		records = append(records, r)
	}
	return records, latest, rows.Err()
}
