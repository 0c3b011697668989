package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxDocuments = "ringplan_documents"
	idxItems     = "ringplan_items"

	healthInterval = 10 * time.Second
	defaultLimit   = 20
)

// Meili implements search and indexing via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the two indexes.
// The client starts unhealthy when the initial connection fails and
// recovers through the background health loop.
func NewMeili(url, apiKey string) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
	}

	if m.probe() {
		m.ensureIndexes()
	} else {
		log.Printf("search: meilisearch unavailable at %s, will keep probing", url)
	}

	go m.healthLoop()
	return m
}

func (m *Meili) probe() bool {
	_, err := m.client.Health()
	m.healthy.Store(err == nil)
	return err == nil
}

func (m *Meili) ensureIndexes() {
	m.ensureIndex(idxDocuments, []string{"title"}, nil)
	m.ensureIndex(idxItems, []string{"name", "description"}, []string{"documentId", "pageId"})
}

func (m *Meili) ensureIndex(uid string, searchable, filterable []string) {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: uid, PrimaryKey: "id"}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", uid, err)
	}
	index := m.client.Index(uid)
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: searchable attrs for %s: %v", uid, err)
	}
	if len(filterable) == 0 {
		return
	}
	attrs := make([]interface{}, len(filterable))
	for i, attr := range filterable {
		attrs[i] = attr
	}
	if _, err := index.UpdateFilterableAttributes(&attrs); err != nil {
		log.Printf("search: filterable attrs for %s: %v", uid, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			wasHealthy := m.healthy.Load()
			if m.probe() && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.ensureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search runs the query against both indexes (or the one the type filter
// selects) in a single multi-search round trip.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	queries := m.searchRequests(q)
	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := ResultItem
		if sr.IndexUID == idxDocuments {
			rtyp = ResultDocument
		}
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}
	return results, total, nil
}

func (m *Meili) searchRequests(q Query) []*meili.SearchRequest {
	limit := int64(q.Limit)
	if limit == 0 {
		limit = defaultLimit
	}

	var queries []*meili.SearchRequest
	for uid, rtyp := range map[string]ResultType{idxDocuments: ResultDocument, idxItems: ResultItem} {
		if q.FilterType != "" && q.FilterType != rtyp {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              uid,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}
		if q.FilterDocumentID != "" && rtyp == ResultItem {
			sr.Filter = []string{fmt.Sprintf("documentId = %q", q.FilterDocumentID)}
		}
		queries = append(queries, sr)
	}
	return queries
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{
		Type:       rtyp,
		ID:         hitString(hit, "id"),
		DocumentID: hitString(hit, "documentId"),
		PageID:     hitString(hit, "pageId"),
		StartDate:  hitString(hit, "startDate"),
		EndDate:    hitString(hit, "endDate"),
	}
	if rtyp == ResultDocument {
		r.Title = pick(hitHighlight(hit, "title"), hitString(hit, "title"))
		r.DocumentID = r.ID
		return r
	}
	r.Title = pick(hitHighlight(hit, "name"), hitString(hit, "name"))
	r.Snippet = pick(hitHighlight(hit, "description"), hitString(hit, "description"))
	return r
}

func hitString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// hitHighlight pulls the marked-up value Meilisearch puts under _formatted.
func hitHighlight(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if json.Unmarshal(raw, &formatted) != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func pick(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexDocument adds or updates one document record.
func (m *Meili) IndexDocument(doc DocumentRecord) error {
	return m.IndexDocuments([]DocumentRecord{doc})
}

// IndexDocuments bulk-indexes document records.
func (m *Meili) IndexDocuments(documents []DocumentRecord) error {
	if len(documents) == 0 {
		return nil
	}
	_, err := m.client.Index(idxDocuments).AddDocuments(documents, nil)
	return err
}

// IndexItems adds or updates item records.
func (m *Meili) IndexItems(items []ItemRecord) error {
	if len(items) == 0 {
		return nil
	}
	_, err := m.client.Index(idxItems).AddDocuments(items, nil)
	return err
}

// DeleteDocument removes a document record.
func (m *Meili) DeleteDocument(id string) error {
	_, err := m.client.Index(idxDocuments).DeleteDocument(id, nil)
	return err
}

// DeleteItems removes item records.
func (m *Meili) DeleteItems(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := m.client.Index(idxItems).DeleteDocuments(ids, nil)
	return err
}
