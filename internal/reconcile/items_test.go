package reconcile

import (
	"context"
	"testing"
	"time"

	"ringplan/api/internal/store"
)

const (
	pageA = "33333333-3333-4333-8333-333333333333"
	pageB = "44444444-4444-4444-8444-444444444444"
)

func newItemFixture() (*fakeStore, *Reconciler, string, string) {
	fs := &fakeStore{}
	fs.pages = []store.Page{
		{ID: pageA, DocumentID: docID, Year: 2026},
		{ID: pageB, DocumentID: docID, Year: 2027},
	}
	ringID := fs.id()
	groupID := fs.id()
	fs.rings = []store.Ring{{ID: ringID, DocumentID: docID, Name: "Outer", Type: store.RingTypeOuter}}
	fs.groups = []store.ActivityGroup{{ID: groupID, DocumentID: docID, Name: "Planning"}}
	return fs, New(fs), ringID, groupID
}

func TestItemReferencesResolveThroughIDMaps(t *testing.T) {
	fs, r, ringID, groupID := newItemFixture()

	_, err := r.Items(context.Background(), docID, pageA, []store.Item{
		{ID: "item-1", Name: "Launch", StartDate: "2026-03-10", EndDate: "2026-03-16", RingID: "ring-1", ActivityID: "group-1"},
	}, IDMap{"ring-1": ringID}, IDMap{"group-1": groupID}, IDMap{})
	if err != nil {
		t.Fatalf("Items: %v", err)
	}

	if len(fs.items) != 1 {
		t.Fatalf("items = %d, want 1", len(fs.items))
	}
	got := fs.items[0]
	if got.RingID != ringID || got.ActivityID != groupID {
		t.Fatalf("references = (%s, %s), want (%s, %s)", got.RingID, got.ActivityID, ringID, groupID)
	}
	if got.PageID != pageA {
		t.Fatalf("page = %s, want %s (from start date year)", got.PageID, pageA)
	}
}

func TestItemWithUnresolvedRingIsSkippedNotFatal(t *testing.T) {
	fs, r, _, groupID := newItemFixture()

	_, err := r.Items(context.Background(), docID, pageA, []store.Item{
		{ID: "item-1", Name: "Orphan", StartDate: "2026-05-01", EndDate: "2026-05-02", RingID: "ring-99", ActivityID: "group-1"},
	}, IDMap{}, IDMap{"group-1": groupID}, IDMap{})
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if n := fs.count("insert-item"); n != 0 {
		t.Fatalf("inserts = %d, want 0 for unresolvable reference", n)
	}
}

func TestRecentRowsSurviveDeletion(t *testing.T) {
	fs, r, ringID, groupID := newItemFixture()
	fresh := itemRow(fs, pageA, ringID, groupID, "Just added", "2026-06-01", "2026-06-02", 3*time.Second)
	stale := itemRow(fs, pageA, ringID, groupID, "Old removed", "2026-07-01", "2026-07-02", time.Minute)
	fs.items = []store.Item{fresh, stale}

	// Desired list is empty: both rows are unaccounted for, but only the
	// stale one may go.
	deleted, err := r.Items(context.Background(), docID, pageA, nil, IDMap{}, IDMap{}, IDMap{})
	if err != nil {
		t.Fatalf("Items: %v", err)
	}

	if len(fs.items) != 1 || fs.items[0].ID != fresh.ID {
		t.Fatalf("items after pass = %+v, want only the recent row", fs.items)
	}
	if len(deleted) != 1 || deleted[0] != stale.ID {
		t.Fatalf("deleted ids = %v, want [%s]", deleted, stale.ID)
	}
}

func TestItemsOnOtherPagesAreNotDeletionCandidates(t *testing.T) {
	fs, r, ringID, groupID := newItemFixture()
	other := itemRow(fs, pageB, ringID, groupID, "Next year", "2027-01-10", "2027-01-20", time.Hour)
	fs.items = []store.Item{other}

	if _, err := r.Items(context.Background(), docID, pageA, nil, IDMap{}, IDMap{}, IDMap{}); err != nil {
		t.Fatalf("Items: %v", err)
	}

	if len(fs.items) != 1 {
		t.Fatal("item on another page was deleted")
	}
}

func TestContentKeyMatchProtectsUnpersistedEdits(t *testing.T) {
	fs, r, ringID, groupID := newItemFixture()
	row := itemRow(fs, pageA, ringID, groupID, "Workshop", "2026-09-01", "2026-09-03", time.Hour)
	fs.items = []store.Item{row}

	// The client still carries a temporary id for a row that was already
	// persisted. The content key keeps it out of the delete set, and the
	// duplicate probe keeps it from being inserted twice.
	_, err := r.Items(context.Background(), docID, pageA, []store.Item{
		{ID: "item-5", Name: "Workshop", StartDate: "2026-09-01", EndDate: "2026-09-03", RingID: ringID, ActivityID: groupID},
	}, IDMap{}, IDMap{}, IDMap{})
	if err != nil {
		t.Fatalf("Items: %v", err)
	}

	if len(fs.items) != 1 || fs.items[0].ID != row.ID {
		t.Fatalf("items = %+v, want the original row untouched", fs.items)
	}
	if n := fs.count("insert-item"); n != 0 {
		t.Fatalf("inserts = %d, want 0", n)
	}
}

func TestItemFallsBackToSavedPageWhenYearHasNoPage(t *testing.T) {
	fs, r, ringID, groupID := newItemFixture()

	_, err := r.Items(context.Background(), docID, pageA, []store.Item{
		{ID: "item-1", Name: "Far future", StartDate: "2030-01-01", EndDate: "2030-01-05", RingID: ringID, ActivityID: groupID},
	}, IDMap{}, IDMap{}, IDMap{})
	if err != nil {
		t.Fatalf("Items: %v", err)
	}

	if len(fs.items) != 1 || fs.items[0].PageID != pageA {
		t.Fatalf("items = %+v, want one on the saved page", fs.items)
	}
}

func TestExplicitPageOverridesStartDateYear(t *testing.T) {
	fs, r, ringID, groupID := newItemFixture()

	_, err := r.Items(context.Background(), docID, pageA, []store.Item{
		{ID: "item-1", Name: "Pinned", PageID: pageB, StartDate: "2026-02-01", EndDate: "2026-02-02", RingID: ringID, ActivityID: groupID},
	}, IDMap{}, IDMap{}, IDMap{})
	if err != nil {
		t.Fatalf("Items: %v", err)
	}

	if len(fs.items) != 1 || fs.items[0].PageID != pageB {
		t.Fatalf("items = %+v, want one pinned to page B", fs.items)
	}
}

func TestUnresolvedLabelIsDroppedNotFatal(t *testing.T) {
	fs, r, ringID, groupID := newItemFixture()
	badLabel := "label-9"

	_, err := r.Items(context.Background(), docID, pageA, []store.Item{
		{ID: "item-1", Name: "Labelled", StartDate: "2026-04-01", EndDate: "2026-04-02", RingID: ringID, ActivityID: groupID, LabelID: &badLabel},
	}, IDMap{}, IDMap{}, IDMap{})
	if err != nil {
		t.Fatalf("Items: %v", err)
	}

	if len(fs.items) != 1 {
		t.Fatalf("items = %d, want 1", len(fs.items))
	}
	if fs.items[0].LabelID != nil {
		t.Fatalf("label = %v, want dropped", *fs.items[0].LabelID)
	}
}

func TestPersistedItemIsUpdatedInPlace(t *testing.T) {
	fs, r, ringID, groupID := newItemFixture()
	row := itemRow(fs, pageA, ringID, groupID, "Review", "2026-10-01", "2026-10-02", time.Hour)
	fs.items = []store.Item{row}

	moved := row
	moved.StartDate = "2026-10-05"
	moved.EndDate = "2026-10-06"
	_, err := r.Items(context.Background(), docID, pageA, []store.Item{moved}, IDMap{}, IDMap{}, IDMap{})
	if err != nil {
		t.Fatalf("Items: %v", err)
	}

	if n := fs.count("update-item"); n != 1 {
		t.Fatalf("updates = %d, want 1", n)
	}
	if len(fs.items) != 1 || fs.items[0].StartDate != "2026-10-05" {
		t.Fatalf("items = %+v, want moved dates", fs.items)
	}
}
