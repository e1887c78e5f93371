// Package assets is the read side of published documents: an index of a
// document's sections, tables and figures, and fetch operations for one
// asset at a time.
package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/image/draw"

	"github.com/u9401066/asset-aware-mcp/figures"
	"github.com/u9401066/asset-aware-mcp/geom"
	"github.com/u9401066/asset-aware-mcp/manifest"
	"github.com/u9401066/asset-aware-mcp/store"
	"github.com/u9401066/asset-aware-mcp/tables"
)

var (
	// ErrDocumentNotFound is returned for unknown document IDs.
	ErrDocumentNotFound = errors.New("assets: document not found")
	// ErrAssetNotFound is returned for unknown section, table or figure IDs.
	ErrAssetNotFound = errors.New("assets: asset not found")
)

// Source is the storage the service reads from. *store.Store satisfies it.
type Source interface {
	GetDocument(ctx context.Context, docID string) (*store.Document, error)
	ListDocuments(ctx context.Context) ([]store.Document, error)
	DeleteDocument(ctx context.Context, docID string) error
	LoadManifest(ctx context.Context, docID string) (*manifest.Manifest, error)
	LoadMarkdown(ctx context.Context, docID string) (string, error)
	LoadFigure(ctx context.Context, docID, figID string) ([]byte, error)
}

// Service answers asset lookups against published documents.
type Service struct {
	src Source
}

// New creates a Service over src.
func New(src Source) *Service {
	return &Service{src: src}
}

// Index is the addressable map of one document.
type Index struct {
	Document    store.Document        `json:"document"`
	TOC         []string              `json:"toc"`
	Sections    []SectionEntry        `json:"sections"`
	Tables      []TableEntry          `json:"tables"`
	Figures     []FigureEntry         `json:"figures"`
	Diagnostics []manifest.Diagnostic `json:"diagnostics,omitempty"`
}

// SectionEntry is a section as listed in an Index.
type SectionEntry struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Level int    `json:"level"`
	Page  int    `json:"page"`
}

// TableEntry is a table as listed in an Index.
type TableEntry struct {
	ID       string `json:"id"`
	Page     int    `json:"page"`
	RowCount int    `json:"row_count"`
	ColCount int    `json:"col_count"`
	Preview  string `json:"preview_text"`
}

// FigureEntry is a figure as listed in an Index.
type FigureEntry struct {
	ID     string       `json:"id"`
	Page   int          `json:"page"`
	Width  int          `json:"width"`
	Height int          `json:"height"`
	Tier   figures.Tier `json:"detection_tier"`
}

// Section is a fetched section with its markdown.
type Section struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Level    int    `json:"level"`
	Page     int    `json:"page"`
	ParentID string `json:"parent_id,omitempty"`
	Markdown string `json:"markdown"`
}

// Table is a fetched table with its full cell matrix.
type Table struct {
	ID       string     `json:"id"`
	Page     int        `json:"page"`
	RowCount int        `json:"row_count"`
	ColCount int        `json:"col_count"`
	Cells    [][]string `json:"cells"`
	BBox     geom.Rect  `json:"bbox"`
	Markdown string     `json:"markdown"`
}

// Figure is a fetched figure image.
type Figure struct {
	ID     string       `json:"id"`
	Page   int          `json:"page"`
	Width  int          `json:"width"`
	Height int          `json:"height"`
	Tier   figures.Tier `json:"detection_tier"`
	PNG    []byte       `json:"-"`
}

// Index returns the document record, TOC and every asset entry.
func (s *Service) Index(ctx context.Context, docID string) (*Index, error) {
	doc, err := s.src.GetDocument(ctx, docID)
	if err != nil {
		return nil, notFound(err, docID)
	}
	m, err := s.manifest(ctx, docID)
	if err != nil {
		return nil, err
	}

	idx := &Index{
		Document:    *doc,
		TOC:         m.TOC,
		Sections:    make([]SectionEntry, 0, len(m.Sections)),
		Tables:      make([]TableEntry, 0, len(m.Tables)),
		Figures:     make([]FigureEntry, 0, len(m.Figures)),
		Diagnostics: m.Diagnostics,
	}
	for _, sec := range m.Sections {
		idx.Sections = append(idx.Sections, SectionEntry{ID: sec.ID, Title: sec.Title, Level: sec.Level, Page: sec.Page})
	}
	for _, t := range m.Tables {
		idx.Tables = append(idx.Tables, TableEntry{ID: t.ID, Page: t.Page, RowCount: t.RowCount, ColCount: t.ColCount, Preview: t.Preview})
	}
	for _, f := range m.Figures {
		idx.Figures = append(idx.Figures, FigureEntry{ID: f.ID, Page: f.Page, Width: f.Width, Height: f.Height, Tier: f.Tier})
	}
	return idx, nil
}

// Section returns one section by ID or case-insensitive title.
func (s *Service) Section(ctx context.Context, docID, idOrTitle string) (*Section, error) {
	m, err := s.manifest(ctx, docID)
	if err != nil {
		return nil, err
	}
	sec, ok := m.FindSection(idOrTitle)
	if !ok {
		return nil, fmt.Errorf("%w: section %q", ErrAssetNotFound, idOrTitle)
	}
	return &Section{
		ID:       sec.ID,
		Title:    sec.Title,
		Level:    sec.Level,
		Page:     sec.Page,
		ParentID: sec.ParentID,
		Markdown: sec.Slice(m.Markdown),
	}, nil
}

// Table returns one table's cell matrix and its pipe-table rendering.
func (s *Service) Table(ctx context.Context, docID, id string) (*Table, error) {
	t, err := s.table(ctx, docID, id)
	if err != nil {
		return nil, err
	}
	return &Table{
		ID:       t.ID,
		Page:     t.Page,
		RowCount: t.RowCount,
		ColCount: t.ColCount,
		Cells:    t.Cells,
		BBox:     t.BBox,
		Markdown: tables.Markdown(t.Cells),
	}, nil
}

// TableXLSX renders one table as a single-sheet workbook.
func (s *Service) TableXLSX(ctx context.Context, docID, id string) ([]byte, error) {
	t, err := s.table(ctx, docID, id)
	if err != nil {
		return nil, err
	}
	return workbook(t)
}

// Figure returns one figure image. A positive maxSize bounds the longest
// edge in pixels; smaller images are returned unchanged.
func (s *Service) Figure(ctx context.Context, docID, id string, maxSize int) (*Figure, error) {
	m, err := s.manifest(ctx, docID)
	if err != nil {
		return nil, err
	}
	f, ok := m.FindFigure(id)
	if !ok {
		return nil, fmt.Errorf("%w: figure %q", ErrAssetNotFound, id)
	}
	data, err := s.src.LoadFigure(ctx, docID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: figure %q image missing", ErrAssetNotFound, id)
		}
		return nil, err
	}

	out := &Figure{ID: f.ID, Page: f.Page, Width: f.Width, Height: f.Height, Tier: f.Tier, PNG: data}
	if maxSize > 0 && max(f.Width, f.Height) > maxSize {
		if err := resize(out, maxSize); err != nil {
			return nil, fmt.Errorf("resizing %s: %w", id, err)
		}
	}
	return out, nil
}

// FullText returns the complete markdown body of a document.
func (s *Service) FullText(ctx context.Context, docID string) (string, error) {
	body, err := s.src.LoadMarkdown(ctx, docID)
	if err != nil {
		return "", notFound(err, docID)
	}
	return body, nil
}

// ListDocuments returns every published document.
func (s *Service) ListDocuments(ctx context.Context) ([]store.Document, error) {
	return s.src.ListDocuments(ctx)
}

// Delete removes a published document.
func (s *Service) Delete(ctx context.Context, docID string) error {
	return notFound(s.src.DeleteDocument(ctx, docID), docID)
}

func (s *Service) manifest(ctx context.Context, docID string) (*manifest.Manifest, error) {
	m, err := s.src.LoadManifest(ctx, docID)
	if err != nil {
		return nil, notFound(err, docID)
	}
	return m, nil
}

func (s *Service) table(ctx context.Context, docID, id string) (manifest.Table, error) {
	m, err := s.manifest(ctx, docID)
	if err != nil {
		return manifest.Table{}, err
	}
	t, ok := m.FindTable(id)
	if !ok {
		return manifest.Table{}, fmt.Errorf("%w: table %q", ErrAssetNotFound, id)
	}
	return t, nil
}

// notFound maps a storage miss to ErrDocumentNotFound and passes other
// errors through.
func notFound(err error, docID string) error {
	if err != nil && errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, docID)
	}
	return err
}

func resize(f *Figure, maxSize int) error {
	src, err := png.Decode(bytes.NewReader(f.PNG))
	if err != nil {
		return err
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if max(w, h) <= maxSize {
		return nil
	}
	scale := float64(maxSize) / float64(max(w, h))
	dw, dh := max(int(float64(w)*scale+0.5), 1), max(int(float64(h)*scale+0.5), 1)

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return err
	}
	f.PNG, f.Width, f.Height = buf.Bytes(), dw, dh
	return nil
}
