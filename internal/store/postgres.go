package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"ringplan/api/internal/realtime"
)

// ChangeFeed receives row-change notifications after successful writes.
type ChangeFeed interface {
	Publish(ctx context.Context, event realtime.Event)
}

// PostgresStore persists documents and their collections. Every successful
// write is announced on the change feed when one is configured.
type PostgresStore struct {
	db   *sql.DB
	feed ChangeFeed

	pageScopeOnce sync.Once
	pageScope     bool
}

// NewPostgresStore wraps db. feed may be nil when no realtime fan-out is
// wanted (tests, one-shot tools).
func NewPostgresStore(db *sql.DB, feed ChangeFeed) *PostgresStore {
	return &PostgresStore{db: db, feed: feed}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SupportsPageScope probes once per process for the page affinity column on
// activity_groups. A failed probe defaults to supported so page scoping is
// never silently lost.
func (s *PostgresStore) SupportsPageScope(ctx context.Context) bool {
	s.pageScopeOnce.Do(func() {
		const probe = `
			SELECT EXISTS(
				SELECT 1 FROM information_schema.columns
				WHERE table_name = 'activity_groups' AND column_name = 'page_id'
			)
		`
		ok := true
		if err := s.db.QueryRowContext(ctx, probe).Scan(&ok); err != nil {
			log.Printf("store: page scope probe failed, assuming supported: %v", err)
			ok = true
		}
		s.pageScope = ok
	})
	return s.pageScope
}

func (s *PostgresStore) publish(ctx context.Context, eventType, table, documentID, pageID string, oldRow, newRow any) {
	if s.feed == nil {
		return
	}
	event := realtime.Event{
		Type:       eventType,
		Table:      table,
		DocumentID: documentID,
		PageID:     pageID,
	}
	if oldRow != nil {
		if payload, err := json.Marshal(oldRow); err == nil {
			event.Old = payload
		}
	}
	if newRow != nil {
		if payload, err := json.Marshal(newRow); err == nil {
			event.New = payload
		}
	}
	s.feed.Publish(ctx, event)
}

func marshalJSONColumn(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return payload, nil
}

func unmarshalStrings(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	value := ns.String
	return &value
}

func (s *PostgresStore) InsertDocument(ctx context.Context, meta Metadata) (Document, error) {
	colors, err := marshalJSONColumn(meta.Colors)
	if err != nil {
		return Document{}, err
	}
	if meta.WeekRingDisplayMode == "" {
		meta.WeekRingDisplayMode = "week-numbers"
	}

	const insert = `
		INSERT INTO documents (title, colors, show_week_ring, show_month_ring, show_ring_names, show_labels, week_ring_display_mode)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`
	doc := Document{Metadata: meta}
	err = s.db.QueryRowContext(ctx, insert,
		meta.Title, colors, meta.ShowWeekRing, meta.ShowMonthRing, meta.ShowRingNames, meta.ShowLabels, meta.WeekRingDisplayMode,
	).Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return Document{}, fmt.Errorf("insert document: %w", err)
	}

	s.publish(ctx, realtime.EventInsert, realtime.TableDocuments, doc.ID, "", nil, doc)
	return doc, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	const query = `
		SELECT id, title, colors, show_week_ring, show_month_ring, show_ring_names, show_labels, week_ring_display_mode, created_at, updated_at
		FROM documents WHERE id = $1
	`
	var doc Document
	var colors []byte
	err := s.db.QueryRowContext(ctx, query, documentID).Scan(
		&doc.ID, &doc.Metadata.Title, &colors,
		&doc.Metadata.ShowWeekRing, &doc.Metadata.ShowMonthRing, &doc.Metadata.ShowRingNames, &doc.Metadata.ShowLabels,
		&doc.Metadata.WeekRingDisplayMode, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	doc.Metadata.Colors = unmarshalStrings(colors)
	return doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	const query = `
		SELECT id, title, colors, show_week_ring, show_month_ring, show_ring_names, show_labels, week_ring_display_mode, created_at, updated_at
		FROM documents ORDER BY updated_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var documents []Document
	for rows.Next() {
		var doc Document
		var colors []byte
		if err := rows.Scan(
			&doc.ID, &doc.Metadata.Title, &colors,
			&doc.Metadata.ShowWeekRing, &doc.Metadata.ShowMonthRing, &doc.Metadata.ShowRingNames, &doc.Metadata.ShowLabels,
			&doc.Metadata.WeekRingDisplayMode, &doc.CreatedAt, &doc.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc.Metadata.Colors = unmarshalStrings(colors)
		documents = append(documents, doc)
	}
	return documents, rows.Err()
}

func (s *PostgresStore) UpdateDocumentMetadata(ctx context.Context, documentID string, meta Metadata) error {
	colors, err := marshalJSONColumn(meta.Colors)
	if err != nil {
		return err
	}

	const update = `
		UPDATE documents
		SET title=$2, colors=$3, show_week_ring=$4, show_month_ring=$5, show_ring_names=$6, show_labels=$7, week_ring_display_mode=$8, updated_at=NOW()
		WHERE id=$1
	`
	result, err := s.db.ExecContext(ctx, update,
		documentID, meta.Title, colors, meta.ShowWeekRing, meta.ShowMonthRing, meta.ShowRingNames, meta.ShowLabels, meta.WeekRingDisplayMode,
	)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}

	s.publish(ctx, realtime.EventUpdate, realtime.TableDocuments, documentID, "", nil, Document{ID: documentID, Metadata: meta})
	return nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}

	s.publish(ctx, realtime.EventDelete, realtime.TableDocuments, documentID, "", Document{ID: documentID}, nil)
	return nil
}

func (s *PostgresStore) SetShareTokenHash(ctx context.Context, documentID, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE documents SET share_token_hash=$2, updated_at=NOW() WHERE id=$1`, documentID, tokenHash)
	if err != nil {
		return fmt.Errorf("set share token: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocumentIDByShareTokenHash(ctx context.Context, tokenHash string) (string, error) {
	var documentID string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM documents WHERE share_token_hash=$1`, tokenHash).Scan(&documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup share token: %w", err)
	}
	return documentID, nil
}

func (s *PostgresStore) ListPages(ctx context.Context, documentID string) ([]Page, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, document_id, year, title FROM pages WHERE document_id=$1 ORDER BY year`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	var pages []Page
	for rows.Next() {
		var page Page
		if err := rows.Scan(&page.ID, &page.DocumentID, &page.Year, &page.Title); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		pages = append(pages, page)
	}
	return pages, rows.Err()
}

func (s *PostgresStore) GetPage(ctx context.Context, pageID string) (Page, error) {
	var page Page
	err := s.db.QueryRowContext(ctx, `SELECT id, document_id, year, title FROM pages WHERE id=$1`, pageID).
		Scan(&page.ID, &page.DocumentID, &page.Year, &page.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return Page{}, ErrNotFound
	}
	if err != nil {
		return Page{}, fmt.Errorf("get page: %w", err)
	}
	return page, nil
}

// InsertPage creates a page, preserving a caller-supplied id when one is
// set. The (document, year) uniqueness constraint is left to the database.
func (s *PostgresStore) InsertPage(ctx context.Context, page Page) (Page, error) {
	var err error
	if page.ID != "" {
		const insert = `INSERT INTO pages (id, document_id, year, title) VALUES ($1, $2, $3, $4) RETURNING id`
		err = s.db.QueryRowContext(ctx, insert, page.ID, page.DocumentID, page.Year, page.Title).Scan(&page.ID)
	} else {
		const insert = `INSERT INTO pages (document_id, year, title) VALUES ($1, $2, $3) RETURNING id`
		err = s.db.QueryRowContext(ctx, insert, page.DocumentID, page.Year, page.Title).Scan(&page.ID)
	}
	if err != nil {
		return Page{}, fmt.Errorf("insert page: %w", err)
	}
	return page, nil
}
