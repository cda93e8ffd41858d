package search

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Service is the facade that tries Meilisearch first and falls back to the
// secondary searcher (Postgres FTS, or a scan in memory mode).
type Service struct {
	meili    *Meili
	fallback Searcher
	log      *logrus.Entry
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback Searcher, log *logrus.Logger) *Service {
	return &Service{meili: meili, fallback: fallback, log: log.WithField("component", "search")}
}

// Search tries Meilisearch if healthy, otherwise falls back.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.WithError(err).Warn("meilisearch error, falling back")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.WithError(err).Error("fallback search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// ReindexAll pushes records to Meilisearch in one batch.
func (s *Service) ReindexAll(records []PulseRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.IndexPulses(records); err != nil {
		s.log.WithError(err).Warn("reindex pulse log")
	}
}

// ReindexAllFromPG reindexes the whole pulse log from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context, pgfts *PgFTS) {
	if s.meili == nil || !s.meili.Healthy() || pgfts == nil {
		return
	}
	records, err := pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.log.WithError(err).Warn("reindex load failed")
		return
	}
	s.ReindexAll(records)
}

// Follow indexes entries written after startup. Every value on kicks means
// the pulse log may have changed; entries newer than the last indexed one are
// loaded and pushed. It returns when ctx is done or kicks is closed.
func (s *Service) Follow(ctx context.Context, kicks <-chan struct{}, pgfts *PgFTS) {
	if s.meili == nil || pgfts == nil {
		return
	}
	var watermark time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-kicks:
			if !ok {
				return
			}
			if !s.meili.Healthy() {
				continue
			}
			records, latest, err := pgfts.LoadSince(ctx, watermark)
			if err != nil {
				s.log.WithError(err).Warn("load new pulse entries")
				continue
			}
			if err := s.meili.IndexPulses(records); err != nil {
				s.log.WithError(err).Warn("index new pulse entries")
				continue
			}
			if latest.After(watermark) {
				watermark = latest
			}
		}
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
