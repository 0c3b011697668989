package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"ringplan/api/internal/ident"
	"ringplan/api/internal/store"
)

// deletionGuard protects rows younger than this from reconciliation
// deletes. A sibling save may have inserted them after the desired list
// was captured.
const deletionGuard = 10 * time.Second

type nowFunc func() time.Time

func defaultNow() time.Time { return time.Now() }

// Items reconciles the desired item list for one page. Existing rows are
// fetched for the whole document because a multi-year item may have moved
// between pages since the last save; only rows scoped to pageID are
// deletion candidates. References are rewritten through the id maps from
// the ring, group and label passes, and items whose references cannot be
// resolved are skipped with a warning instead of failing the batch.
// The returned slice holds the ids of rows the pass deleted, so callers
// can evict them from derived stores such as the search index.
func (r *Reconciler) Items(ctx context.Context, documentID, pageID string, desired []store.Item, rings, groups, labels IDMap) ([]string, error) {
	existing, err := r.store.ListItems(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	existingIDs := make(map[string]bool, len(existing))
	byContent := make(map[string]string, len(existing))
	for _, item := range existing {
		existingIDs[item.ID] = true
		byContent[contentKey(item.Name, item.StartDate, item.EndDate)] = item.ID
	}

	// Permanent ids the desired list accounts for, through the id itself
	// or through a content match when the client id was never persisted.
	current := make(map[string]bool, len(desired))
	for _, item := range desired {
		if ident.Parse(item.ID).IsPersisted() {
			current[item.ID] = true
		} else if id, ok := byContent[contentKey(item.Name, item.StartDate, item.EndDate)]; ok {
			current[id] = true
		}
	}

	cutoff := r.now().Add(-deletionGuard)
	var toDelete []string
	for _, item := range existing {
		if item.PageID != pageID || current[item.ID] {
			continue
		}
		if item.CreatedAt.After(cutoff) {
			log.Printf("reconcile: keeping recent item %q, created %s ago", item.Name, r.now().Sub(item.CreatedAt).Round(time.Second))
			continue
		}
		toDelete = append(toDelete, item.ID)
	}
	if len(toDelete) > 0 {
		if err := r.store.DeleteItems(ctx, documentID, toDelete); err != nil {
			return nil, fmt.Errorf("delete items: %w", err)
		}
	}

	pages, err := r.store.ListPages(ctx, documentID)
	if err != nil {
		return toDelete, fmt.Errorf("list pages: %w", err)
	}
	yearToPage := make(map[int]string, len(pages))
	for _, page := range pages {
		yearToPage[page.Year] = page.ID
	}

	for _, item := range desired {
		ringID := rings.Resolve(item.RingID)
		if !ident.IsUUID(ringID) {
			logSkip("item", item.Name, fmt.Sprintf("unresolved ring reference %q", item.RingID))
			continue
		}
		activityID := groups.Resolve(item.ActivityID)
		if !ident.IsUUID(activityID) {
			logSkip("item", item.Name, fmt.Sprintf("unresolved activity group reference %q", item.ActivityID))
			continue
		}
		var labelID *string
		if item.LabelID != nil && *item.LabelID != "" {
			resolved := labels.Resolve(*item.LabelID)
			if ident.IsUUID(resolved) {
				labelID = &resolved
			} else {
				log.Printf("reconcile: item %q dropping unresolved label reference %q", item.Name, *item.LabelID)
			}
		}

		targetPage := r.pageFor(item, yearToPage, pageID)
		if targetPage == "" {
			logSkip("item", item.Name, "no page scope could be determined")
			continue
		}

		row := item
		row.DocumentID = documentID
		row.PageID = targetPage
		row.RingID = ringID
		row.ActivityID = activityID
		row.LabelID = labelID

		if ident.Parse(item.ID).IsPersisted() && existingIDs[item.ID] {
			if err := r.store.UpdateItem(ctx, item.ID, row); err != nil {
				return toDelete, fmt.Errorf("update item %q: %w", item.Name, err)
			}
			continue
		}

		// Rapid repeated saves can race each other to insert the same
		// item, so probe by content before inserting.
		dupID, err := r.store.FindItemID(ctx, documentID, targetPage, item.Name, item.StartDate, item.EndDate, ringID)
		if err == nil {
			log.Printf("reconcile: item %q (%s to %s) already stored as %s, skipping insert", item.Name, item.StartDate, item.EndDate, dupID)
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return toDelete, fmt.Errorf("probe item %q: %w", item.Name, err)
		}

		if !ident.Parse(item.ID).IsPersisted() {
			row.ID = ""
		}
		if _, err := r.store.InsertItem(ctx, row); err != nil {
			return toDelete, fmt.Errorf("insert item %q: %w", item.Name, err)
		}
	}

	return toDelete, nil
}

// pageFor picks the page an item belongs on: an explicit page id wins,
// then the page for the start date's year, then the page being saved.
func (r *Reconciler) pageFor(item store.Item, yearToPage map[int]string, fallback string) string {
	if item.PageID != "" {
		return item.PageID
	}
	if len(item.StartDate) >= 4 {
		if year, err := strconv.Atoi(item.StartDate[:4]); err == nil {
			if pageID, ok := yearToPage[year]; ok {
				return pageID
			}
			if fallback != "" {
				log.Printf("reconcile: no page for year %d, item %q falls back to the saved page", year, item.Name)
			}
		}
	}
	return fallback
}

func contentKey(name, startDate, endDate string) string {
	return ident.Normalize(name) + "|" + startDate + "|" + endDate
}

func logSkip(kind, name, reason string) {
	log.Printf("reconcile: skipping %s %q: %s", kind, name, reason)
}
