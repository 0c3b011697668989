package store

import (
	"context"
	"fmt"

	"ringplan/api/internal/realtime"
)

func (s *PostgresStore) ListRings(ctx context.Context, documentID string) ([]Ring, error) {
	const query = `
		SELECT id, document_id, name, type, COALESCE(color, ''), visible, ring_order, COALESCE(orientation, ''), COALESCE(months, 'null')
		FROM rings WHERE document_id=$1 ORDER BY ring_order
	`
	rows, err := s.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("list rings: %w", err)
	}
	defer rows.Close()

	var rings []Ring
	for rows.Next() {
		var ring Ring
		var months []byte
		if err := rows.Scan(&ring.ID, &ring.DocumentID, &ring.Name, &ring.Type, &ring.Color, &ring.Visible, &ring.Order, &ring.Orientation, &months); err != nil {
			return nil, fmt.Errorf("scan ring: %w", err)
		}
		ring.Months = unmarshalStrings(months)
		rings = append(rings, ring)
	}
	return rings, rows.Err()
}

// InsertRing creates a ring, preserving a caller-supplied id when one is set.
func (s *PostgresStore) InsertRing(ctx context.Context, ring Ring) (Ring, error) {
	months, err := marshalJSONColumn(ring.Months)
	if err != nil {
		return Ring{}, err
	}

	if ring.ID != "" {
		const insert = `
			INSERT INTO rings (id, document_id, name, type, color, visible, ring_order, orientation, months)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, NULLIF($8, ''), $9)
			RETURNING id
		`
		err = s.db.QueryRowContext(ctx, insert, ring.ID, ring.DocumentID, ring.Name, ring.Type, ring.Color, ring.Visible, ring.Order, ring.Orientation, months).Scan(&ring.ID)
	} else {
		const insert = `
			INSERT INTO rings (document_id, name, type, color, visible, ring_order, orientation, months)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, NULLIF($7, ''), $8)
			RETURNING id
		`
		err = s.db.QueryRowContext(ctx, insert, ring.DocumentID, ring.Name, ring.Type, ring.Color, ring.Visible, ring.Order, ring.Orientation, months).Scan(&ring.ID)
	}
	if err != nil {
		return Ring{}, fmt.Errorf("insert ring: %w", err)
	}

	s.publish(ctx, realtime.EventInsert, realtime.TableRings, ring.DocumentID, "", nil, ring)
	return ring, nil
}

func (s *PostgresStore) UpdateRing(ctx context.Context, ringID string, ring Ring) error {
	months, err := marshalJSONColumn(ring.Months)
	if err != nil {
		return err
	}

	const update = `
		UPDATE rings
		SET name=$2, type=$3, color=NULLIF($4, ''), visible=$5, ring_order=$6, orientation=NULLIF($7, ''), months=$8
		WHERE id=$1
	`
	if _, err := s.db.ExecContext(ctx, update, ringID, ring.Name, ring.Type, ring.Color, ring.Visible, ring.Order, ring.Orientation, months); err != nil {
		return fmt.Errorf("update ring: %w", err)
	}

	ring.ID = ringID
	s.publish(ctx, realtime.EventUpdate, realtime.TableRings, ring.DocumentID, "", nil, ring)
	return nil
}

func (s *PostgresStore) DeleteRings(ctx context.Context, documentID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rings WHERE id = ANY($1::uuid[])`, ids); err != nil {
		return fmt.Errorf("delete rings: %w", err)
	}
	for _, id := range ids {
		s.publish(ctx, realtime.EventDelete, realtime.TableRings, documentID, "", Ring{ID: id, DocumentID: documentID}, nil)
	}
	return nil
}

func (s *PostgresStore) ListActivityGroups(ctx context.Context, documentID string) ([]ActivityGroup, error) {
	query := `SELECT id, document_id, page_id, name, COALESCE(color, ''), visible FROM activity_groups WHERE document_id=$1 ORDER BY created_at`
	if !s.SupportsPageScope(ctx) {
		query = `SELECT id, document_id, NULL, name, COALESCE(color, ''), visible FROM activity_groups WHERE document_id=$1 ORDER BY created_at`
	}
	rows, err := s.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("list activity groups: %w", err)
	}
	defer rows.Close()

	var groups []ActivityGroup
	for rows.Next() {
		var group ActivityGroup
		if err := rows.Scan(&group.ID, &group.DocumentID, &group.PageID, &group.Name, &group.Color, &group.Visible); err != nil {
			return nil, fmt.Errorf("scan activity group: %w", err)
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

func (s *PostgresStore) InsertActivityGroup(ctx context.Context, group ActivityGroup) (ActivityGroup, error) {
	var err error
	switch {
	case s.SupportsPageScope(ctx) && group.ID != "":
		const insert = `INSERT INTO activity_groups (id, document_id, page_id, name, color, visible) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6) RETURNING id`
		err = s.db.QueryRowContext(ctx, insert, group.ID, group.DocumentID, group.PageID, group.Name, group.Color, group.Visible).Scan(&group.ID)
	case s.SupportsPageScope(ctx):
		const insert = `INSERT INTO activity_groups (document_id, page_id, name, color, visible) VALUES ($1, $2, $3, NULLIF($4, ''), $5) RETURNING id`
		err = s.db.QueryRowContext(ctx, insert, group.DocumentID, group.PageID, group.Name, group.Color, group.Visible).Scan(&group.ID)
	case group.ID != "":
		const insert = `INSERT INTO activity_groups (id, document_id, name, color, visible) VALUES ($1, $2, $3, NULLIF($4, ''), $5) RETURNING id`
		err = s.db.QueryRowContext(ctx, insert, group.ID, group.DocumentID, group.Name, group.Color, group.Visible).Scan(&group.ID)
	default:
		const insert = `INSERT INTO activity_groups (document_id, name, color, visible) VALUES ($1, $2, NULLIF($3, ''), $4) RETURNING id`
		err = s.db.QueryRowContext(ctx, insert, group.DocumentID, group.Name, group.Color, group.Visible).Scan(&group.ID)
	}
	if err != nil {
		return ActivityGroup{}, fmt.Errorf("insert activity group: %w", err)
	}

	s.publish(ctx, realtime.EventInsert, realtime.TableActivityGroups, group.DocumentID, "", nil, group)
	return group, nil
}

func (s *PostgresStore) UpdateActivityGroup(ctx context.Context, groupID string, group ActivityGroup) error {
	var err error
	if s.SupportsPageScope(ctx) {
		const update = `UPDATE activity_groups SET name=$2, color=NULLIF($3, ''), visible=$4, page_id=$5 WHERE id=$1`
		_, err = s.db.ExecContext(ctx, update, groupID, group.Name, group.Color, group.Visible, group.PageID)
	} else {
		const update = `UPDATE activity_groups SET name=$2, color=NULLIF($3, ''), visible=$4 WHERE id=$1`
		_, err = s.db.ExecContext(ctx, update, groupID, group.Name, group.Color, group.Visible)
	}
	if err != nil {
		return fmt.Errorf("update activity group: %w", err)
	}

	group.ID = groupID
	s.publish(ctx, realtime.EventUpdate, realtime.TableActivityGroups, group.DocumentID, "", nil, group)
	return nil
}

func (s *PostgresStore) DeleteActivityGroups(ctx context.Context, documentID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM activity_groups WHERE id = ANY($1::uuid[])`, ids); err != nil {
		return fmt.Errorf("delete activity groups: %w", err)
	}
	for _, id := range ids {
		s.publish(ctx, realtime.EventDelete, realtime.TableActivityGroups, documentID, "", ActivityGroup{ID: id, DocumentID: documentID}, nil)
	}
	return nil
}

func (s *PostgresStore) ListLabels(ctx context.Context, documentID string) ([]Label, error) {
	query := `SELECT id, document_id, page_id, name, COALESCE(color, ''), visible FROM labels WHERE document_id=$1 ORDER BY created_at`
	if !s.SupportsPageScope(ctx) {
		query = `SELECT id, document_id, NULL, name, COALESCE(color, ''), visible FROM labels WHERE document_id=$1 ORDER BY created_at`
	}
	rows, err := s.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}
	defer rows.Close()

	var labels []Label
	for rows.Next() {
		var label Label
		if err := rows.Scan(&label.ID, &label.DocumentID, &label.PageID, &label.Name, &label.Color, &label.Visible); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		labels = append(labels, label)
	}
	return labels, rows.Err()
}

func (s *PostgresStore) InsertLabel(ctx context.Context, label Label) (Label, error) {
	var err error
	switch {
	case s.SupportsPageScope(ctx) && label.ID != "":
		const insert = `INSERT INTO labels (id, document_id, page_id, name, color, visible) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6) RETURNING id`
		err = s.db.QueryRowContext(ctx, insert, label.ID, label.DocumentID, label.PageID, label.Name, label.Color, label.Visible).Scan(&label.ID)
	case s.SupportsPageScope(ctx):
		const insert = `INSERT INTO labels (document_id, page_id, name, color, visible) VALUES ($1, $2, $3, NULLIF($4, ''), $5) RETURNING id`
		err = s.db.QueryRowContext(ctx, insert, label.DocumentID, label.PageID, label.Name, label.Color, label.Visible).Scan(&label.ID)
	case label.ID != "":
		const insert = `INSERT INTO labels (id, document_id, name, color, visible) VALUES ($1, $2, $3, NULLIF($4, ''), $5) RETURNING id`
		err = s.db.QueryRowContext(ctx, insert, label.ID, label.DocumentID, label.Name, label.Color, label.Visible).Scan(&label.ID)
	default:
		const insert = `INSERT INTO labels (document_id, name, color, visible) VALUES ($1, $2, NULLIF($3, ''), $4) RETURNING id`
		err = s.db.QueryRowContext(ctx, insert, label.DocumentID, label.Name, label.Color, label.Visible).Scan(&label.ID)
	}
	if err != nil {
		return Label{}, fmt.Errorf("insert label: %w", err)
	}

	s.publish(ctx, realtime.EventInsert, realtime.TableLabels, label.DocumentID, "", nil, label)
	return label, nil
}

func (s *PostgresStore) UpdateLabel(ctx context.Context, labelID string, label Label) error {
	var err error
	if s.SupportsPageScope(ctx) {
		const update = `UPDATE labels SET name=$2, color=NULLIF($3, ''), visible=$4, page_id=$5 WHERE id=$1`
		_, err = s.db.ExecContext(ctx, update, labelID, label.Name, label.Color, label.Visible, label.PageID)
	} else {
		const update = `UPDATE labels SET name=$2, color=NULLIF($3, ''), visible=$4 WHERE id=$1`
		_, err = s.db.ExecContext(ctx, update, labelID, label.Name, label.Color, label.Visible)
	}
	if err != nil {
		return fmt.Errorf("update label: %w", err)
	}

	label.ID = labelID
	s.publish(ctx, realtime.EventUpdate, realtime.TableLabels, label.DocumentID, "", nil, label)
	return nil
}

func (s *PostgresStore) DeleteLabels(ctx context.Context, documentID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM labels WHERE id = ANY($1::uuid[])`, ids); err != nil {
		return fmt.Errorf("delete labels: %w", err)
	}
	for _, id := range ids {
		s.publish(ctx, realtime.EventDelete, realtime.TableLabels, documentID, "", Label{ID: id, DocumentID: documentID}, nil)
	}
	return nil
}
