package export

import (
	"context"
	"fmt"
	"sort"
	"time"

	"ringplan/api/internal/store"
)

// DataStore defines the data access the exporter needs
type DataStore interface {
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	GetPage(ctx context.Context, pageID string) (store.Page, error)
	ListPageItems(ctx context.Context, pageID string) ([]store.Item, error)
	ListRings(ctx context.Context, documentID string) ([]store.Ring, error)
	ListActivityGroups(ctx context.Context, documentID string) ([]store.ActivityGroup, error)
	ListLabels(ctx context.Context, documentID string) ([]store.Label, error)
}

// Service renders page schedules for export
type Service struct {
	store DataStore
}

// NewService creates a new export service
func NewService(store DataStore) *Service {
	return &Service{store: store}
}

// Export generates a schedule export in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	doc, err := s.store.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	page, err := s.store.GetPage(ctx, req.PageID)
	if err != nil {
		return nil, fmt.Errorf("get page: %w", err)
	}

	data, err := s.buildTemplateData(ctx, doc, page)
	if err != nil {
		return nil, err
	}

	html, err := RenderScheduleHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	filename := fmt.Sprintf("%s-%d", sanitizeFilename(doc.Metadata.Title), page.Year)
	switch req.Format {
	case FormatPDF:
		return exportPDF(ctx, html, filename)
	case FormatDOCX:
		return exportDOCX(ctx, html, filename)
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: filename + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}

// buildTemplateData groups the page's items by activity group, ordered by
// start date within each group.
func (s *Service) buildTemplateData(ctx context.Context, doc store.Document, page store.Page) (TemplateData, error) {
	items, err := s.store.ListPageItems(ctx, page.ID)
	if err != nil {
		return TemplateData{}, fmt.Errorf("list page items: %w", err)
	}
	rings, err := s.store.ListRings(ctx, doc.ID)
	if err != nil {
		return TemplateData{}, fmt.Errorf("list rings: %w", err)
	}
	groups, err := s.store.ListActivityGroups(ctx, doc.ID)
	if err != nil {
		return TemplateData{}, fmt.Errorf("list activity groups: %w", err)
	}
	labels, err := s.store.ListLabels(ctx, doc.ID)
	if err != nil {
		return TemplateData{}, fmt.Errorf("list labels: %w", err)
	}

	ringNames := make(map[string]string, len(rings))
	for _, ring := range rings {
		ringNames[ring.ID] = ring.Name
	}
	labelNames := make(map[string]string, len(labels))
	for _, label := range labels {
		labelNames[label.ID] = label.Name
	}

	byGroup := make(map[string][]TemplateItem)
	for _, item := range items {
		row := TemplateItem{
			Name:      item.Name,
			StartDate: item.StartDate,
			EndDate:   item.EndDate,
			Ring:      ringNames[item.RingID],
		}
		if item.LabelID != nil {
			row.Label = labelNames[*item.LabelID]
		}
		if item.Time != nil {
			row.Time = *item.Time
		}
		if item.Description != nil {
			row.Description = *item.Description
		}
		byGroup[item.ActivityID] = append(byGroup[item.ActivityID], row)
	}

	data := TemplateData{
		Title:       doc.Metadata.Title,
		Year:        page.Year,
		GeneratedAt: time.Now(),
	}
	for _, group := range groups {
		rows := byGroup[group.ID]
		if len(rows) == 0 {
			continue
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].StartDate < rows[j].StartDate })
		data.Groups = append(data.Groups, TemplateGroup{
			Name:  group.Name,
			Color: group.Color,
			Items: rows,
		})
	}
	return data, nil
}
