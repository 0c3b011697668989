package store

import "time"

// Metadata is the lightweight document-level record: everything about a
// document except its structure and items. Field names follow the snapshot
// wire format.
type Metadata struct {
	Title               string   `json:"title"`
	Colors              []string `json:"colors"`
	ShowWeekRing        bool     `json:"showWeekRing"`
	ShowMonthRing       bool     `json:"showMonthRing"`
	ShowRingNames       bool     `json:"showRingNames"`
	ShowLabels          bool     `json:"showLabels"`
	WeekRingDisplayMode string   `json:"weekRingDisplayMode"`
}

// MetadataPatch carries partial metadata updates; nil fields are left alone.
type MetadataPatch struct {
	Title               *string   `json:"title,omitempty"`
	Colors              *[]string `json:"colors,omitempty"`
	ShowWeekRing        *bool     `json:"showWeekRing,omitempty"`
	ShowMonthRing       *bool     `json:"showMonthRing,omitempty"`
	ShowRingNames       *bool     `json:"showRingNames,omitempty"`
	ShowLabels          *bool     `json:"showLabels,omitempty"`
	WeekRingDisplayMode *string   `json:"weekRingDisplayMode,omitempty"`
}

// Apply merges the patch into a metadata record.
func (p MetadataPatch) Apply(m *Metadata) {
	if p.Title != nil {
		m.Title = *p.Title
	}
	if p.Colors != nil {
		m.Colors = *p.Colors
	}
	if p.ShowWeekRing != nil {
		m.ShowWeekRing = *p.ShowWeekRing
	}
	if p.ShowMonthRing != nil {
		m.ShowMonthRing = *p.ShowMonthRing
	}
	if p.ShowRingNames != nil {
		m.ShowRingNames = *p.ShowRingNames
	}
	if p.ShowLabels != nil {
		m.ShowLabels = *p.ShowLabels
	}
	if p.WeekRingDisplayMode != nil {
		m.WeekRingDisplayMode = *p.WeekRingDisplayMode
	}
}

type Document struct {
	ID        string    `json:"id"`
	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Page is a year-scoped view of a document. At most one page exists per
// (document, year).
type Page struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	Year       int    `json:"year"`
	Title      string `json:"title"`
}

const (
	RingTypeInner = "inner"
	RingTypeOuter = "outer"
)

// Ring is a category lane shared across every page of a document. Inner
// rings carry twelve entries of free-text month content; outer rings carry
// a display color.
type Ring struct {
	ID          string   `json:"id"`
	DocumentID  string   `json:"documentId,omitempty"`
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Color       string   `json:"color,omitempty"`
	Visible     bool     `json:"visible"`
	Order       int      `json:"order"`
	Orientation string   `json:"orientation,omitempty"`
	Months      []string `json:"months,omitempty"`
}

// ActivityGroup is a color-coding category shared across the document. The
// page affinity column is populated only when the store supports page
// scoping.
type ActivityGroup struct {
	ID         string  `json:"id"`
	DocumentID string  `json:"documentId,omitempty"`
	PageID     *string `json:"pageId,omitempty"`
	Name       string  `json:"name"`
	Color      string  `json:"color,omitempty"`
	Visible    bool    `json:"visible"`
}

// Label is a secondary tag with the same scoping rules as ActivityGroup.
type Label struct {
	ID         string  `json:"id"`
	DocumentID string  `json:"documentId,omitempty"`
	PageID     *string `json:"pageId,omitempty"`
	Name       string  `json:"name"`
	Color      string  `json:"color,omitempty"`
	Visible    bool    `json:"visible"`
}

// Item is a time-boxed record placed on a ring. Dates are ISO YYYY-MM-DD
// strings, matching the wire format. LinkedDocumentID and LinkType are
// opaque pass-through fields.
type Item struct {
	ID               string    `json:"id,omitempty"`
	DocumentID       string    `json:"documentId,omitempty"`
	PageID           string    `json:"pageId,omitempty"`
	RingID           string    `json:"ringId"`
	ActivityID       string    `json:"activityId"`
	LabelID          *string   `json:"labelId,omitempty"`
	Name             string    `json:"name"`
	StartDate        string    `json:"startDate"`
	EndDate          string    `json:"endDate"`
	Time             *string   `json:"time,omitempty"`
	Description      *string   `json:"description,omitempty"`
	LinkedDocumentID *string   `json:"linkedDocumentId,omitempty"`
	LinkType         *string   `json:"linkType,omitempty"`
	CreatedAt        time.Time `json:"-"`
}

// Structure is the document-wide organizational data, unscoped by page.
type Structure struct {
	Rings          []Ring          `json:"rings"`
	ActivityGroups []ActivityGroup `json:"activityGroups"`
	Labels         []Label         `json:"labels"`
}

// PageSnapshot is one page's slice of a snapshot.
type PageSnapshot struct {
	ID    string `json:"id"`
	Year  int    `json:"year"`
	Items []Item `json:"items"`
}

// Snapshot is the full save payload consumed by the domain save operation.
type Snapshot struct {
	Metadata  *Metadata      `json:"metadata,omitempty"`
	Structure *Structure     `json:"structure,omitempty"`
	Pages     []PageSnapshot `json:"pages,omitempty"`
}
