package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"ringplan/api/internal/artifact"
	"ringplan/api/internal/config"
	"ringplan/api/internal/export"
	"ringplan/api/internal/history"
	"ringplan/api/internal/reconcile"
	"ringplan/api/internal/saver"
	"ringplan/api/internal/search"
	"ringplan/api/internal/store"
	"ringplan/api/internal/util"
)

// dataStore lists every storage method the service consumes. The concrete
// implementation is store.PostgresStore; tests substitute a fake.
type dataStore interface {
	Ping(ctx context.Context) error
	SupportsPageScope(ctx context.Context) bool

	InsertDocument(ctx context.Context, meta store.Metadata) (store.Document, error)
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	ListDocuments(ctx context.Context) ([]store.Document, error)
	UpdateDocumentMetadata(ctx context.Context, documentID string, meta store.Metadata) error
	DeleteDocument(ctx context.Context, documentID string) error
	SetShareTokenHash(ctx context.Context, documentID, tokenHash string) error
	GetDocumentIDByShareTokenHash(ctx context.Context, tokenHash string) (string, error)

	ListPages(ctx context.Context, documentID string) ([]store.Page, error)
	GetPage(ctx context.Context, pageID string) (store.Page, error)
	InsertPage(ctx context.Context, page store.Page) (store.Page, error)

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
	ListPageItems(ctx context.Context, pageID string) ([]store.Item, error)
	ListItemsOverlappingYear(ctx context.Context, documentID string, year int, excludePageID string) ([]store.Item, error)
	InsertItem(ctx context.Context, item store.Item) (store.Item, error)
	UpdateItem(ctx context.Context, itemID string, item store.Item) error
	DeleteItems(ctx context.Context, documentID string, ids []string) error
	FindItemID(ctx context.Context, documentID, pageID, name, startDate, endDate, ringID string) (string, error)
}

type versionService interface {
	EnsureDocumentRepo(documentID string, initial store.Snapshot) error
	CommitSnapshot(documentID, description string, snap store.Snapshot) (history.VersionInfo, error)
	ListVersions(documentID string, limit int) ([]history.VersionInfo, error)
	SnapshotAt(documentID, hash string) (store.Snapshot, error)
}

type ArtifactStorage interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// searchIndex is the slice of the search facade this service consumes.
type searchIndex interface {
	Search(q search.Query) search.Response
	IndexDocument(doc search.DocumentRecord)
	IndexItems(items []search.ItemRecord)
	DeleteDocument(id string)
	DeleteItems(ids []string)
}

// The service doubles as the save manager's executor.
var _ saver.Executor = (*Service)(nil)

type Service struct {
	cfg       config.Config
	store     dataStore
	recon     *reconcile.Reconciler
	versions  versionService
	search    searchIndex
	export    *export.Service
	artifacts ArtifactStorage
}

func New(cfg config.Config, dataStore *store.PostgresStore, versions *history.Service, searchSvc *search.Service, exportSvc *export.Service, artifacts ArtifactStorage) *Service {
	svc := &Service{
		cfg:       cfg,
		store:     dataStore,
		recon:     reconcile.New(dataStore),
		versions:  versions,
		export:    exportSvc,
		artifacts: artifacts,
	}
	// Assign only a non-nil pointer so the nil checks on the interface
	// field stay meaningful.
	if searchSvc != nil {
		svc.search = searchSvc
	}
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

type CreateDocumentInput struct {
	Title string         `json:"title"`
	Year  int            `json:"year"`
	Meta  store.Metadata `json:"metadata"`
}

// DocumentView is a document with its structure and page index, the payload
// a client needs to open a document.
type DocumentView struct {
	Document  store.Document  `json:"document"`
	Structure store.Structure `json:"structure"`
	Pages     []store.Page    `json:"pages"`
}

// PageView is one page plus every item visible on it, including items from
// other pages whose date range crosses into this page's year.
type PageView struct {
	Page  store.Page   `json:"page"`
	Items []store.Item `json:"items"`
}

func (s *Service) CreateDocument(ctx context.Context, in CreateDocumentInput) (DocumentView, error) {
	meta := in.Meta
	if in.Title != "" {
		meta.Title = in.Title
	}
	if meta.Title == "" {
		return DocumentView{}, domainError(http.StatusBadRequest, "VALIDATION", "Title is required", nil)
	}
	year := in.Year
	if year == 0 {
		year = time.Now().Year()
	}

	doc, err := s.store.InsertDocument(ctx, meta)
	if err != nil {
		return DocumentView{}, fmt.Errorf("create document: %w", err)
	}

	page, err := s.store.InsertPage(ctx, store.Page{
		DocumentID: doc.ID,
		Year:       year,
		Title:      strconv.Itoa(year),
	})
	if err != nil {
		return DocumentView{}, fmt.Errorf("create initial page: %w", err)
	}

	if s.versions != nil {
		if err := s.versions.EnsureDocumentRepo(doc.ID, store.Snapshot{Metadata: &doc.Metadata}); err != nil {
			log.Printf("app: version repo init for %s: %v", doc.ID, err)
		}
	}
	s.indexDocument(doc)

	return DocumentView{Document: doc, Pages: []store.Page{page}}, nil
}

func (s *Service) ListDocuments(ctx context.Context) ([]store.Document, error) {
	return s.store.ListDocuments(ctx)
}

func (s *Service) LoadDocument(ctx context.Context, documentID string) (DocumentView, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return DocumentView{}, err
	}
	structure, err := s.loadStructure(ctx, documentID)
	if err != nil {
		return DocumentView{}, err
	}
	pages, err := s.store.ListPages(ctx, documentID)
	if err != nil {
		return DocumentView{}, err
	}
	return DocumentView{Document: doc, Structure: structure, Pages: pages}, nil
}

func (s *Service) loadStructure(ctx context.Context, documentID string) (store.Structure, error) {
	rings, err := s.store.ListRings(ctx, documentID)
	if err != nil {
		return store.Structure{}, err
	}
	groups, err := s.store.ListActivityGroups(ctx, documentID)
	if err != nil {
		return store.Structure{}, err
	}
	labels, err := s.store.ListLabels(ctx, documentID)
	if err != nil {
		return store.Structure{}, err
	}
	return store.Structure{Rings: rings, ActivityGroups: groups, Labels: labels}, nil
}

// LoadPage returns a page and its items. Items that live on another page
// but whose date range overlaps this page's year are merged in, so a
// December-to-January item shows up on both years.
func (s *Service) LoadPage(ctx context.Context, pageID string) (PageView, error) {
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return PageView{}, err
	}
	items, err := s.store.ListPageItems(ctx, pageID)
	if err != nil {
		return PageView{}, err
	}
	overlapping, err := s.store.ListItemsOverlappingYear(ctx, page.DocumentID, page.Year, pageID)
	if err != nil {
		return PageView{}, err
	}
	items = append(items, overlapping...)
	return PageView{Page: page, Items: items}, nil
}

func (s *Service) UpdateMetadata(ctx context.Context, documentID string, patch store.MetadataPatch) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	patch.Apply(&doc.Metadata)
	if doc.Metadata.Title == "" {
		return store.Document{}, domainError(http.StatusBadRequest, "VALIDATION", "Title is required", nil)
	}
	if err := s.store.UpdateDocumentMetadata(ctx, documentID, doc.Metadata); err != nil {
		return store.Document{}, err
	}
	s.indexDocument(doc)
	return doc, nil
}

func (s *Service) DeleteDocument(ctx context.Context, documentID string) error {
	if err := s.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteDocument(documentID)
	}
	return nil
}

// EnsurePage returns the document's page for year, creating it when absent.
func (s *Service) EnsurePage(ctx context.Context, documentID string, year int) (store.Page, error) {
	pages, err := s.store.ListPages(ctx, documentID)
	if err != nil {
		return store.Page{}, err
	}
	for _, page := range pages {
		if page.Year == year {
			return page, nil
		}
	}
	return s.store.InsertPage(ctx, store.Page{
		DocumentID: documentID,
		Year:       year,
		Title:      strconv.Itoa(year),
	})
}

// SaveResult reports the id assignments a save produced, keyed the way the
// client sent them, so it can rewrite temporary references.
type SaveResult struct {
	Rings          reconcile.IDMap `json:"rings"`
	ActivityGroups reconcile.IDMap `json:"activityGroups"`
	Labels         reconcile.IDMap `json:"labels"`
}

// SaveSnapshot applies a snapshot to storage: metadata first, then the
// structural passes in dependency order, then each page's items with
// references rewritten through the fresh id maps.
func (s *Service) SaveSnapshot(ctx context.Context, documentID string, snap store.Snapshot) (SaveResult, error) {
	result := SaveResult{
		Rings:          reconcile.IDMap{},
		ActivityGroups: reconcile.IDMap{},
		Labels:         reconcile.IDMap{},
	}

	if snap.Metadata != nil {
		if err := s.store.UpdateDocumentMetadata(ctx, documentID, *snap.Metadata); err != nil {
			return result, fmt.Errorf("save metadata: %w", err)
		}
	}

	if snap.Structure != nil {
		var err error
		result.Rings, err = s.recon.Rings(ctx, documentID, snap.Structure.Rings)
		if err != nil {
			return result, fmt.Errorf("save rings: %w", err)
		}
		result.ActivityGroups, err = s.recon.ActivityGroups(ctx, documentID, snap.Structure.ActivityGroups)
		if err != nil {
			return result, fmt.Errorf("save activity groups: %w", err)
		}
		result.Labels, err = s.recon.Labels(ctx, documentID, snap.Structure.Labels)
		if err != nil {
			return result, fmt.Errorf("save labels: %w", err)
		}
	}

	var deleted []string
	for _, pageSnap := range snap.Pages {
		pageID, err := s.resolvePage(ctx, documentID, pageSnap)
		if err != nil {
			return result, err
		}
		removed, err := s.recon.Items(ctx, documentID, pageID, pageSnap.Items, result.Rings, result.ActivityGroups, result.Labels)
		deleted = append(deleted, removed...)
		if err != nil {
			// Rows deleted before the failure are gone from storage, so
			// evict them from the index even though the batch will retry.
			s.deindexItems(deleted)
			return result, fmt.Errorf("save items for page %s: %w", pageID, err)
		}
	}

	s.deindexItems(deleted)
	s.indexItems(ctx, documentID)
	return result, nil
}

// PersistSnapshot is SaveSnapshot without the id maps, in the shape the
// save queue expects.
func (s *Service) PersistSnapshot(ctx context.Context, documentID string, snap store.Snapshot) error {
	_, err := s.SaveSnapshot(ctx, documentID, snap)
	return err
}

func (s *Service) resolvePage(ctx context.Context, documentID string, pageSnap store.PageSnapshot) (string, error) {
	if pageSnap.ID != "" {
		page, err := s.store.GetPage(ctx, pageSnap.ID)
		if err == nil {
			return page.ID, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
	}
	if pageSnap.Year == 0 {
		return "", domainError(http.StatusBadRequest, "VALIDATION", "Page snapshot needs an id or a year", nil)
	}
	page, err := s.EnsurePage(ctx, documentID, pageSnap.Year)
	if err != nil {
		return "", err
	}
	return page.ID, nil
}

// SaveMetadata, SaveOrganization and SaveVersion let the save manager drive
// this service directly as its executor.

func (s *Service) SaveMetadata(ctx context.Context, documentID string, meta store.Metadata) error {
	return s.store.UpdateDocumentMetadata(ctx, documentID, meta)
}

func (s *Service) SaveOrganization(ctx context.Context, documentID string, structure store.Structure) error {
	_, err := s.SaveSnapshot(ctx, documentID, store.Snapshot{Structure: &structure})
	return err
}

func (s *Service) SaveVersion(ctx context.Context, documentID, description string, meta store.Metadata, structure store.Structure) error {
	if s.versions == nil {
		return nil
	}
	snap := store.Snapshot{Metadata: &meta, Structure: &structure}
	if err := s.versions.EnsureDocumentRepo(documentID, snap); err != nil {
		return err
	}
	_, err := s.versions.CommitSnapshot(documentID, description, snap)
	return err
}

// CreateVersion commits the document's current stored state as a named
// version. Only explicit user action lands here; autosave never does.
func (s *Service) CreateVersion(ctx context.Context, documentID, description string) (history.VersionInfo, error) {
	if s.versions == nil {
		return history.VersionInfo{}, domainError(http.StatusServiceUnavailable, "VERSIONS_UNAVAILABLE", "Version history is not configured", nil)
	}
	if description == "" {
		return history.VersionInfo{}, domainError(http.StatusBadRequest, "VALIDATION", "Description is required", nil)
	}
	snap, err := s.snapshotOf(ctx, documentID)
	if err != nil {
		return history.VersionInfo{}, err
	}
	if err := s.versions.EnsureDocumentRepo(documentID, snap); err != nil {
		return history.VersionInfo{}, err
	}
	return s.versions.CommitSnapshot(documentID, description, snap)
}

func (s *Service) ListVersions(ctx context.Context, documentID string, limit int) ([]history.VersionInfo, error) {
	if s.versions == nil {
		return nil, domainError(http.StatusServiceUnavailable, "VERSIONS_UNAVAILABLE", "Version history is not configured", nil)
	}
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	return s.versions.ListVersions(documentID, limit)
}

// RestoreVersion replays a historical snapshot through the normal save
// path, so restoring reconciles rather than overwrites.
func (s *Service) RestoreVersion(ctx context.Context, documentID, hash string) (SaveResult, error) {
	if s.versions == nil {
		return SaveResult{}, domainError(http.StatusServiceUnavailable, "VERSIONS_UNAVAILABLE", "Version history is not configured", nil)
	}
	snap, err := s.versions.SnapshotAt(documentID, hash)
	if err != nil {
		return SaveResult{}, domainError(http.StatusNotFound, "VERSION_NOT_FOUND", "Version not found", map[string]any{"hash": hash})
	}
	return s.SaveSnapshot(ctx, documentID, snap)
}

// snapshotOf assembles the document's full stored state.
func (s *Service) snapshotOf(ctx context.Context, documentID string) (store.Snapshot, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Snapshot{}, err
	}
	structure, err := s.loadStructure(ctx, documentID)
	if err != nil {
		return store.Snapshot{}, err
	}
	pages, err := s.store.ListPages(ctx, documentID)
	if err != nil {
		return store.Snapshot{}, err
	}
	snap := store.Snapshot{Metadata: &doc.Metadata, Structure: &structure}
	for _, page := range pages {
		items, err := s.store.ListPageItems(ctx, page.ID)
		if err != nil {
			return store.Snapshot{}, err
		}
		snap.Pages = append(snap.Pages, store.PageSnapshot{ID: page.ID, Year: page.Year, Items: items})
	}
	return snap, nil
}

// CreateShareLink mints a share token for a document. Only the token's hash
// is stored; the raw token is returned once and never again.
func (s *Service) CreateShareLink(ctx context.Context, documentID string) (string, error) {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return "", err
	}
	token, hash := util.NewShareToken()
	if err := s.store.SetShareTokenHash(ctx, documentID, hash); err != nil {
		return "", err
	}
	return token, nil
}

// ResolveShareToken returns the shared document for a raw share token.
func (s *Service) ResolveShareToken(ctx context.Context, token string) (DocumentView, error) {
	documentID, err := s.store.GetDocumentIDByShareTokenHash(ctx, util.HashToken(token))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return DocumentView{}, domainError(http.StatusNotFound, "SHARE_NOT_FOUND", "Share link is invalid or revoked", nil)
		}
		return DocumentView{}, err
	}
	return s.LoadDocument(ctx, documentID)
}

func (s *Service) Search(q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	if q.Text == "" {
		return search.Response{}, domainError(http.StatusBadRequest, "VALIDATION", "Query text is required", nil)
	}
	return s.search.Search(q), nil
}

// ExportOutput is an export plus, when artifact storage is configured, a
// presigned download URL.
type ExportOutput struct {
	Result      *export.Result
	DownloadURL string
}

func (s *Service) Export(ctx context.Context, req export.Request) (ExportOutput, error) {
	if s.export == nil {
		return ExportOutput{}, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	result, err := s.export.Export(ctx, req)
	if err != nil {
		return ExportOutput{}, err
	}
	out := ExportOutput{Result: result}
	if s.artifacts != nil {
		key := artifact.ExportKey(req.DocumentID, result.Filename)
		if err := s.artifacts.Upload(ctx, key, result.Data, result.MimeType); err != nil {
			log.Printf("app: export upload for %s: %v", req.DocumentID, err)
			return out, nil
		}
		url, err := s.artifacts.PresignedURL(ctx, key, 24*time.Hour)
		if err != nil {
			log.Printf("app: presign export for %s: %v", req.DocumentID, err)
			return out, nil
		}
		out.DownloadURL = url
	}
	return out, nil
}

func (s *Service) indexDocument(doc store.Document) {
	if s.search == nil {
		return
	}
	s.search.IndexDocument(search.DocumentRecord{ID: doc.ID, Title: doc.Metadata.Title})
}

func (s *Service) deindexItems(ids []string) {
	if s.search == nil || len(ids) == 0 {
		return
	}
	s.search.DeleteItems(ids)
}

func (s *Service) indexItems(ctx context.Context, documentID string) {
	if s.search == nil {
		return
	}
	items, err := s.store.ListItems(ctx, documentID)
	if err != nil {
		log.Printf("app: list items for indexing %s: %v", documentID, err)
		return
	}
	records := make([]search.ItemRecord, 0, len(items))
	for _, item := range items {
		record := search.ItemRecord{
			ID:         item.ID,
			Name:       item.Name,
			DocumentID: item.DocumentID,
			PageID:     item.PageID,
			StartDate:  item.StartDate,
			EndDate:    item.EndDate,
		}
		if item.Description != nil {
			record.Description = *item.Description
		}
		records = append(records, record)
	}
	s.search.IndexItems(records)
}
