package search

import (
	"context"
	"fmt"
	"log"
)

// Service fronts the two backends: Meilisearch when configured and
// healthy, Postgres FTS otherwise. Indexing is always fire-and-forget so a
// slow or absent search cluster never delays a save.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates the facade. meili may be nil when unconfigured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return response(q, results, total)
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return response(q, nil, 0)
	}
	return response(q, results, total)
}

func response(q Query, results []Result, total int) Response {
	if results == nil {
		results = []Result{}
	}
	return Response{Results: results, Total: total, Query: q.Text}
}

// async runs an index mutation in the background when Meilisearch is up.
func (s *Service) async(desc string, fn func(*Meili) error) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := fn(s.meili); err != nil {
			log.Printf("search: %s: %v", desc, err)
		}
	}()
}

func (s *Service) IndexDocument(doc DocumentRecord) {
	s.async("index document "+doc.ID, func(m *Meili) error {
		return m.IndexDocument(doc)
	})
}

func (s *Service) IndexItems(items []ItemRecord) {
	if len(items) == 0 {
		return
	}
	s.async(fmt.Sprintf("index %d items", len(items)), func(m *Meili) error {
		return m.IndexItems(items)
	})
}

func (s *Service) DeleteDocument(id string) {
	s.async("delete document "+id, func(m *Meili) error {
		return m.DeleteDocument(id)
	})
}

func (s *Service) DeleteItems(ids []string) {
	if len(ids) == 0 {
		return
	}
	s.async(fmt.Sprintf("delete %d items", len(ids)), func(m *Meili) error {
		return m.DeleteItems(ids)
	})
}

// ReindexAllFromPG pushes everything Postgres holds into Meilisearch.
// Called once at startup when Meilisearch is configured.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	documents, items, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexDocuments(documents); err != nil {
		log.Printf("search: reindex documents: %v", err)
	}
	if err := s.meili.IndexItems(items); err != nil {
		log.Printf("search: reindex items: %v", err)
	}
}
