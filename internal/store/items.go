package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ringplan/api/internal/realtime"
)

const itemColumns = `
	id, document_id, page_id, ring_id, activity_id, label_id, name,
	start_date::text, end_date::text, time, description,
	linked_document_id, link_type, created_at
`

func scanItem(scan func(dest ...any) error) (Item, error) {
	var item Item
	var labelID, timeOfDay, description, linkedDoc, linkType sql.NullString
	err := scan(
		&item.ID, &item.DocumentID, &item.PageID, &item.RingID, &item.ActivityID,
		&labelID, &item.Name, &item.StartDate, &item.EndDate,
		&timeOfDay, &description, &linkedDoc, &linkType, &item.CreatedAt,
	)
	if err != nil {
		return Item{}, err
	}
	item.LabelID = stringPtr(labelID)
	item.Time = stringPtr(timeOfDay)
	item.Description = stringPtr(description)
	item.LinkedDocumentID = stringPtr(linkedDoc)
	item.LinkType = stringPtr(linkType)
	return item, nil
}

func (s *PostgresStore) listItems(ctx context.Context, query string, args ...any) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListItems returns every item of the document across all pages.
func (s *PostgresStore) ListItems(ctx context.Context, documentID string) ([]Item, error) {
	return s.listItems(ctx, `SELECT `+itemColumns+` FROM items WHERE document_id=$1 ORDER BY start_date`, documentID)
}

// ListPageItems returns the items assigned to one page.
func (s *PostgresStore) ListPageItems(ctx context.Context, pageID string) ([]Item, error) {
	return s.listItems(ctx, `SELECT `+itemColumns+` FROM items WHERE page_id=$1 ORDER BY start_date`, pageID)
}

// ListItemsOverlappingYear returns items from other pages of the document
// whose date range intersects the given year. Used to surface multi-year
// items on every page their interval touches.
func (s *PostgresStore) ListItemsOverlappingYear(ctx context.Context, documentID string, year int, excludePageID string) ([]Item, error) {
	yearStart := fmt.Sprintf("%04d-01-01", year)
	yearEnd := fmt.Sprintf("%04d-12-31", year)
	const query = `
		SELECT ` + itemColumns + `
		FROM items
		WHERE document_id=$1 AND page_id <> $2 AND start_date <= $4::date AND end_date >= $3::date
		ORDER BY start_date
	`
	return s.listItems(ctx, query, documentID, excludePageID, yearStart, yearEnd)
}

// InsertItem creates an item, preserving a caller-supplied id when one is set.
func (s *PostgresStore) InsertItem(ctx context.Context, item Item) (Item, error) {
	var row *sql.Row
	if item.ID != "" {
		const insert = `
			INSERT INTO items (id, document_id, page_id, ring_id, activity_id, label_id, name, start_date, end_date, time, description, linked_document_id, link_type)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::date, $9::date, $10, $11, $12, $13)
			RETURNING id, created_at
		`
		row = s.db.QueryRowContext(ctx, insert,
			item.ID, item.DocumentID, item.PageID, item.RingID, item.ActivityID, nullString(item.LabelID),
			item.Name, item.StartDate, item.EndDate, nullString(item.Time), nullString(item.Description),
			nullString(item.LinkedDocumentID), nullString(item.LinkType),
		)
	} else {
		const insert = `
			INSERT INTO items (document_id, page_id, ring_id, activity_id, label_id, name, start_date, end_date, time, description, linked_document_id, link_type)
			VALUES ($1, $2, $3, $4, $5, $6, $7::date, $8::date, $9, $10, $11, $12)
			RETURNING id, created_at
		`
		row = s.db.QueryRowContext(ctx, insert,
			item.DocumentID, item.PageID, item.RingID, item.ActivityID, nullString(item.LabelID),
			item.Name, item.StartDate, item.EndDate, nullString(item.Time), nullString(item.Description),
			nullString(item.LinkedDocumentID), nullString(item.LinkType),
		)
	}
	if err := row.Scan(&item.ID, &item.CreatedAt); err != nil {
		return Item{}, fmt.Errorf("insert item: %w", err)
	}

	s.publish(ctx, realtime.EventInsert, realtime.TableItems, item.DocumentID, item.PageID, nil, item)
	return item, nil
}

func (s *PostgresStore) UpdateItem(ctx context.Context, itemID string, item Item) error {
	const update = `
		UPDATE items
		SET page_id=$2, ring_id=$3, activity_id=$4, label_id=$5, name=$6,
			start_date=$7::date, end_date=$8::date, time=$9, description=$10,
			linked_document_id=$11, link_type=$12, updated_at=NOW()
		WHERE id=$1
	`
	_, err := s.db.ExecContext(ctx, update,
		itemID, item.PageID, item.RingID, item.ActivityID, nullString(item.LabelID), item.Name,
		item.StartDate, item.EndDate, nullString(item.Time), nullString(item.Description),
		nullString(item.LinkedDocumentID), nullString(item.LinkType),
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}

	item.ID = itemID
	s.publish(ctx, realtime.EventUpdate, realtime.TableItems, item.DocumentID, item.PageID, nil, item)
	return nil
}

func (s *PostgresStore) DeleteItems(ctx context.Context, documentID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	// Read page scope first so subscribers on page channels see the deletes.
	deleted, err := s.listItems(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ANY($1::uuid[])`, ids)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ANY($1::uuid[])`, ids); err != nil {
		return fmt.Errorf("delete items: %w", err)
	}
	for _, item := range deleted {
		s.publish(ctx, realtime.EventDelete, realtime.TableItems, documentID, item.PageID, item, nil)
	}
	return nil
}

// FindItemID probes for an existing row with identical key attributes;
// used to avoid duplicate inserts from rapid repeated saves.
func (s *PostgresStore) FindItemID(ctx context.Context, documentID, pageID, name, startDate, endDate, ringID string) (string, error) {
	const query = `
		SELECT id FROM items
		WHERE document_id=$1 AND page_id=$2 AND name=$3 AND start_date=$4::date AND end_date=$5::date AND ring_id=$6
		LIMIT 1
	`
	var id string
	err := s.db.QueryRowContext(ctx, query, documentID, pageID, name, startDate, endDate, ringID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find item: %w", err)
	}
	return id, nil
}
