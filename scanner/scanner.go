// Package scanner turns PDF pages into positioned primitives: text runs,
// placed raster images and vector paths, all in top-left origin page space.
package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/u9401066/asset-aware-mcp/geom"
)

// ErrOpen is returned when the document cannot be opened at all.
var ErrOpen = errors.New("scanner: cannot open document")

// Warning kinds attached to pages.
const (
	WarnPageParse = "page-parse"
	WarnRaster    = "raster"
)

// Options tunes text run merging and graphics interpretation.
type Options struct {
	// MergeGap is the glyph gap, in multiples of the font size, below which
	// two glyphs join without a space.
	MergeGap float64 `json:"merge_gap" toml:"merge_gap"`
	// RunGap is the gap, in multiples of the font size, above which a new
	// run starts.
	RunGap float64 `json:"run_gap" toml:"run_gap"`
	// MaxFormDepth bounds Form XObject recursion.
	MaxFormDepth int `json:"max_form_depth" toml:"max_form_depth"`
}

// DefaultOptions returns the tuning used by the engine.
func DefaultOptions() Options {
	return Options{MergeGap: 0.15, RunGap: 1.0, MaxFormDepth: 8}
}

// TextRun is a maximal sequence of glyphs sharing font, size and baseline.
type TextRun struct {
	Text     string    `json:"text"`
	Box      geom.Rect `json:"box"`
	FontSize float64   `json:"font_size"`
	Font     string    `json:"font"`
	Bold     bool      `json:"bold"`
	Italic   bool      `json:"italic"`
}

// Raster is an image XObject placed on the page.
type Raster struct {
	Name        string
	Box         geom.Rect
	PixelWidth  int
	PixelHeight int
	// PNG holds the re-encoded image bytes. It is nil when the image data
	// could not be extracted; the placement box is still valid.
	PNG []byte
}

// PrimitiveKind classifies a painted path.
type PrimitiveKind int

const (
	KindLine PrimitiveKind = iota
	KindCurve
	KindRect
	KindShape
)

func (k PrimitiveKind) String() string {
	switch k {
	case KindLine:
		return "line"
	case KindCurve:
		return "curve"
	case KindRect:
		return "rect"
	default:
		return "shape"
	}
}

// Primitive is one painted path. Subpaths are polylines in page space;
// curves are flattened and closed subpaths repeat their first point.
type Primitive struct {
	Kind      PrimitiveKind
	Box       geom.Rect
	Subpaths  [][]geom.Point
	Stroke    bool
	Fill      bool
	LineWidth float64
}

// Warning records a recoverable problem on one page.
type Warning struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Page is the scanned content of one page.
type Page struct {
	Index    int
	Width    float64
	Height   float64
	Runs     []TextRun
	Images   []Raster
	Paths    []Primitive
	Warnings []Warning
}

// Bounds returns the page rectangle.
func (p *Page) Bounds() geom.Rect {
	return geom.Rect{X1: p.Width, Y1: p.Height}
}

// Document is the result of a scan.
type Document struct {
	Title     string
	PageCount int
	Pages     []*Page
}

// Scan opens data and scans every page in order. A page that fails to parse
// is returned empty with a WarnPageParse warning. Scan stops early when ctx
// is cancelled.
func Scan(ctx context.Context, data []byte, opts Options) (*Document, error) {
	if opts.RunGap <= 0 {
		opts = DefaultOptions()
	}

	r, err := openReader(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}

	total := r.NumPage()
	if total <= 0 {
		return nil, fmt.Errorf("%w: document has no pages", ErrOpen)
	}

	doc := &Document{
		Title:     strings.TrimSpace(infoTitle(r)),
		PageCount: total,
		Pages:     make([]*Page, 0, total),
	}

	rasters := newRasterSource(data)

	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := scanPage(r, i, opts)
		rasters.attach(page)
		doc.Pages = append(doc.Pages, page)
	}

	slog.Debug("scanner: document scanned", "pages", total, "title", doc.Title)
	return doc, nil
}

// openReader wraps pdf.NewReader, which panics on some malformed trailers.
func openReader(data []byte) (r *pdf.Reader, err error) {
	defer func() {
		if p := recover(); p != nil {
			r, err = nil, fmt.Errorf("malformed document: %v", p)
		}
	}()
	return pdf.NewReader(bytes.NewReader(data), int64(len(data)))
}

func infoTitle(r *pdf.Reader) (title string) {
	defer func() {
		if recover() != nil {
			title = ""
		}
	}()
	return r.Trailer().Key("Info").Key("Title").Text()
}

// scanPage extracts one page. Any panic from the PDF reader empties the page
// and records a warning.
func scanPage(r *pdf.Reader, index int, opts Options) (page *Page) {
	page = &Page{Index: index, Width: 612, Height: 792}
	defer func() {
		if p := recover(); p != nil {
			slog.Warn("scanner: page parse failed", "page", index, "error", p)
			slog.Debug("scanner: page parse stack", "page", index, "stack", string(debug.Stack()))
			page.Runs, page.Images, page.Paths = nil, nil, nil
			page.Warnings = append(page.Warnings, Warning{
				Kind:    WarnPageParse,
				Message: fmt.Sprintf("page %d: %v", index, p),
			})
		}
	}()

	p := r.Page(index)
	if p.V.IsNull() {
		page.Warnings = append(page.Warnings, Warning{
			Kind:    WarnPageParse,
			Message: fmt.Sprintf("page %d: missing page object", index),
		})
		return page
	}

	box := mediaBox(p)
	page.Width, page.Height = box.Width(), box.Height()
	toPage := pageTransform(box)

	page.Runs = mergeRuns(p.Content().Text, toPage, opts)

	g := newGraphics(p, toPage, opts.MaxFormDepth)
	g.run()
	page.Paths = g.paths
	page.Images = g.images
	return page
}

// mediaBox reads the inherited /MediaBox in PDF user space. US Letter is
// assumed when the entry is missing or degenerate.
func mediaBox(p pdf.Page) geom.Rect {
	for v := p.V; !v.IsNull(); v = v.Key("Parent") {
		mb := v.Key("MediaBox")
		if mb.Kind() != pdf.Array || mb.Len() != 4 {
			continue
		}
		r := geom.RectFromPoints(
			geom.Point{X: mb.Index(0).Float64(), Y: mb.Index(1).Float64()},
			geom.Point{X: mb.Index(2).Float64(), Y: mb.Index(3).Float64()},
		)
		if !r.Empty() {
			return r
		}
	}
	return geom.Rect{X1: 612, Y1: 792}
}

// pageTransform maps PDF user space (bottom-left origin) to page space.
func pageTransform(mb geom.Rect) geom.Matrix {
	return geom.Matrix{1, 0, 0, -1, -mb.X0, mb.Y1}
}
