// Package realtime carries row-change notifications between a document
// editing session and the store, over Redis pub/sub. Rings, activity groups
// and labels are shared across a document's pages and travel on
// document-scoped channels; items travel on a page-scoped channel with a
// document-scoped fallback for stores without page scoping.
package realtime

import "encoding/json"

const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

const (
	TableDocuments      = "documents"
	TableRings          = "rings"
	TableActivityGroups = "activity_groups"
	TableLabels         = "labels"
	TableItems          = "items"
)

// Event is one row change. Old is populated for UPDATE and DELETE, New for
// INSERT and UPDATE.
type Event struct {
	Type       string          `json:"eventType"`
	Table      string          `json:"table"`
	DocumentID string          `json:"documentId,omitempty"`
	PageID     string          `json:"pageId,omitempty"`
	Old        json.RawMessage `json:"old,omitempty"`
	New        json.RawMessage `json:"new,omitempty"`
}

func documentChannel(documentID, table string) string {
	return "rt:doc:" + documentID + ":" + table
}

func pageItemsChannel(pageID string) string {
	return "rt:page:" + pageID + ":items"
}

// documentsChannel carries document metadata changes for every document,
// independent of any page.
const documentsChannel = "rt:documents"
