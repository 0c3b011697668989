// Package reconcile diffs a client's desired document structure against
// stored rows. Each pass returns a map from the ids the client used to the
// ids that ended up in storage, so later passes and the client itself can
// rewrite references.
package reconcile

import (
	"context"
	"fmt"

	"ringplan/api/internal/ident"
	"ringplan/api/internal/store"
)

// Store is the slice of storage the reconciler needs.
type Store interface {
	ListRings(ctx context.Context, documentID string) ([]store.Ring, error)
	InsertRing(ctx context.Context, ring store.Ring) (store.Ring, error)
	UpdateRing(ctx context.Context, ringID string, ring store.Ring) error
	DeleteRings(ctx context.Context, documentID string, ids []string) error

	ListActivityGroups(ctx context.Context, documentID string) ([]store.ActivityGroup, error)
	InsertActivityGroup(ctx context.Context, group store.ActivityGroup) (store.ActivityGroup, error)
	UpdateActivityGroup(ctx context.Context, groupID string, group store.ActivityGroup) error
	DeleteActivityGroups(ctx context.Context, documentID string, ids []string) error

	ListLabels(ctx context.Context, documentID string) ([]store.Label, error)
	InsertLabel(ctx context.Context, label store.Label) (store.Label, error)
	UpdateLabel(ctx context.Context, labelID string, label store.Label) error
	DeleteLabels(ctx context.Context, documentID string, ids []string) error

	ListItems(ctx context.Context, documentID string) ([]store.Item, error)
	InsertItem(ctx context.Context, item store.Item) (store.Item, error)
	UpdateItem(ctx context.Context, itemID string, item store.Item) error
	DeleteItems(ctx context.Context, documentID string, ids []string) error
	FindItemID(ctx context.Context, documentID, pageID, name, startDate, endDate, ringID string) (string, error)

	ListPages(ctx context.Context, documentID string) ([]store.Page, error)
}

// IDMap records desired-id to stored-id assignments from one pass.
type IDMap map[string]string

// Resolve returns the stored id for a desired id, or the id unchanged when
// no mapping exists.
func (m IDMap) Resolve(id string) string {
	if mapped, ok := m[id]; ok {
		return mapped
	}
	return id
}

type Reconciler struct {
	store Store
	now   nowFunc
}

func New(s Store) *Reconciler {
	return &Reconciler{store: s, now: defaultNow}
}

// Rings reconciles the desired ring list against the document's stored
// rings. Rings are shared across all pages of a document. Matching order:
// natural key (name plus type) first, then direct id. Ring order follows
// the desired slice order.
func (r *Reconciler) Rings(ctx context.Context, documentID string, desired []store.Ring) (IDMap, error) {
	existing, err := r.store.ListRings(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list rings: %w", err)
	}

	existingIDs := make(map[string]bool, len(existing))
	byKey := make(map[string]store.Ring, len(existing))
	for _, ring := range existing {
		existingIDs[ring.ID] = true
		byKey[ringKey(ring.Name, ring.Type)] = ring
	}

	idMap := IDMap{}
	kept := make(map[string]bool, len(desired))

	for i, ring := range desired {
		row := ring
		row.DocumentID = documentID
		row.Order = i

		if match, ok := byKey[ringKey(ring.Name, ring.Type)]; ok {
			row.ID = match.ID
			if err := r.store.UpdateRing(ctx, match.ID, row); err != nil {
				return nil, fmt.Errorf("update ring %q: %w", ring.Name, err)
			}
			r.record(idMap, ring.ID, match.ID)
			kept[match.ID] = true
			continue
		}

		id := ident.Parse(ring.ID)
		switch {
		case id.IsPersisted() && existingIDs[ring.ID]:
			if err := r.store.UpdateRing(ctx, ring.ID, row); err != nil {
				return nil, fmt.Errorf("update ring %q: %w", ring.Name, err)
			}
			r.record(idMap, ring.ID, ring.ID)
			kept[ring.ID] = true
		case id.IsPersisted():
			// Permanent-looking id this document has never seen, likely
			// minted by another client. Keep it so cross-client references
			// stay intact.
			inserted, err := r.store.InsertRing(ctx, row)
			if err != nil {
				return nil, fmt.Errorf("insert ring %q: %w", ring.Name, err)
			}
			r.record(idMap, ring.ID, inserted.ID)
			kept[inserted.ID] = true
		default:
			row.ID = ""
			inserted, err := r.store.InsertRing(ctx, row)
			if err != nil {
				return nil, fmt.Errorf("insert ring %q: %w", ring.Name, err)
			}
			r.record(idMap, ring.ID, inserted.ID)
			kept[inserted.ID] = true
		}
	}

	toDelete := unmatched(existing, kept, func(ring store.Ring) string { return ring.ID })
	if len(toDelete) > 0 {
		if err := r.store.DeleteRings(ctx, documentID, toDelete); err != nil {
			return nil, fmt.Errorf("delete rings: %w", err)
		}
	}

	return idMap, nil
}

// ActivityGroups reconciles the desired group list, matching by
// case-insensitive trimmed name. Groups with empty names are skipped.
func (r *Reconciler) ActivityGroups(ctx context.Context, documentID string, desired []store.ActivityGroup) (IDMap, error) {
	existing, err := r.store.ListActivityGroups(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list activity groups: %w", err)
	}

	existingIDs := make(map[string]bool, len(existing))
	byName := make(map[string]store.ActivityGroup, len(existing))
	for _, group := range existing {
		existingIDs[group.ID] = true
		byName[ident.Normalize(group.Name)] = group
	}

	idMap := IDMap{}
	kept := make(map[string]bool, len(desired))

	for _, group := range desired {
		if ident.Normalize(group.Name) == "" {
			logSkip("activity group", group.ID, "empty name")
			continue
		}

		row := group
		row.DocumentID = documentID

		if match, ok := byName[ident.Normalize(group.Name)]; ok {
			row.ID = match.ID
			if err := r.store.UpdateActivityGroup(ctx, match.ID, row); err != nil {
				return nil, fmt.Errorf("update activity group %q: %w", group.Name, err)
			}
			r.record(idMap, group.ID, match.ID)
			kept[match.ID] = true
			continue
		}

		id := ident.Parse(group.ID)
		switch {
		case id.IsPersisted() && existingIDs[group.ID]:
			if err := r.store.UpdateActivityGroup(ctx, group.ID, row); err != nil {
				return nil, fmt.Errorf("update activity group %q: %w", group.Name, err)
			}
			r.record(idMap, group.ID, group.ID)
			kept[group.ID] = true
		case id.IsPersisted():
			inserted, err := r.store.InsertActivityGroup(ctx, row)
			if err != nil {
				return nil, fmt.Errorf("insert activity group %q: %w", group.Name, err)
			}
			r.record(idMap, group.ID, inserted.ID)
			kept[inserted.ID] = true
		default:
			row.ID = ""
			inserted, err := r.store.InsertActivityGroup(ctx, row)
			if err != nil {
				return nil, fmt.Errorf("insert activity group %q: %w", group.Name, err)
			}
			r.record(idMap, group.ID, inserted.ID)
			kept[inserted.ID] = true
		}
	}

	toDelete := unmatched(existing, kept, func(group store.ActivityGroup) string { return group.ID })
	if len(toDelete) > 0 {
		if err := r.store.DeleteActivityGroups(ctx, documentID, toDelete); err != nil {
			return nil, fmt.Errorf("delete activity groups: %w", err)
		}
	}

	return idMap, nil
}

// Labels reconciles the desired label list, matching by case-insensitive
// trimmed name. Labels with empty names are skipped.
func (r *Reconciler) Labels(ctx context.Context, documentID string, desired []store.Label) (IDMap, error) {
	existing, err := r.store.ListLabels(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}

	existingIDs := make(map[string]bool, len(existing))
	byName := make(map[string]store.Label, len(existing))
	for _, label := range existing {
		existingIDs[label.ID] = true
		byName[ident.Normalize(label.Name)] = label
	}

	idMap := IDMap{}
	kept := make(map[string]bool, len(desired))

	for _, label := range desired {
		if ident.Normalize(label.Name) == "" {
			logSkip("label", label.ID, "empty name")
			continue
		}

		row := label
		row.DocumentID = documentID

		if match, ok := byName[ident.Normalize(label.Name)]; ok {
			row.ID = match.ID
			if err := r.store.UpdateLabel(ctx, match.ID, row); err != nil {
				return nil, fmt.Errorf("update label %q: %w", label.Name, err)
			}
			r.record(idMap, label.ID, match.ID)
			kept[match.ID] = true
			continue
		}

		id := ident.Parse(label.ID)
		switch {
		case id.IsPersisted() && existingIDs[label.ID]:
			if err := r.store.UpdateLabel(ctx, label.ID, row); err != nil {
				return nil, fmt.Errorf("update label %q: %w", label.Name, err)
			}
			r.record(idMap, label.ID, label.ID)
			kept[label.ID] = true
		case id.IsPersisted():
			inserted, err := r.store.InsertLabel(ctx, row)
			if err != nil {
				return nil, fmt.Errorf("insert label %q: %w", label.Name, err)
			}
			r.record(idMap, label.ID, inserted.ID)
			kept[inserted.ID] = true
		default:
			row.ID = ""
			inserted, err := r.store.InsertLabel(ctx, row)
			if err != nil {
				return nil, fmt.Errorf("insert label %q: %w", label.Name, err)
			}
			r.record(idMap, label.ID, inserted.ID)
			kept[inserted.ID] = true
		}
	}

	toDelete := unmatched(existing, kept, func(label store.Label) string { return label.ID })
	if len(toDelete) > 0 {
		if err := r.store.DeleteLabels(ctx, documentID, toDelete); err != nil {
			return nil, fmt.Errorf("delete labels: %w", err)
		}
	}

	return idMap, nil
}

func (r *Reconciler) record(idMap IDMap, desiredID, storedID string) {
	if desiredID != "" {
		idMap[desiredID] = storedID
	}
}

func ringKey(name, typ string) string {
	return ident.Normalize(name) + "|" + typ
}

func unmatched[T any](existing []T, kept map[string]bool, idOf func(T) string) []string {
	var ids []string
	for _, row := range existing {
		if !kept[idOf(row)] {
			ids = append(ids, idOf(row))
		}
	}
	return ids
}
