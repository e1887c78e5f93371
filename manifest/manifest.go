// Package manifest merges per-page detection results into one ordered,
// deterministically identified document manifest and its markdown body.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/u9401066/asset-aware-mcp/figures"
	"github.com/u9401066/asset-aware-mcp/geom"
)

// ErrNoContent is returned when no page produced a section, table or figure.
var ErrNoContent = errors.New("manifest: no content extracted")

// Diagnostic kinds.
const (
	DiagPageParse     = "page-parse"
	DiagRaster        = "raster"
	DiagTableRejected = "table-rejected"
	DiagFigureDropped = "figure-dropped"
)

// Document describes the source PDF.
type Document struct {
	DocID       string `json:"doc_id"`
	Filename    string `json:"filename"`
	Title       string `json:"title"`
	PageCount   int    `json:"page_count"`
	ContentHash string `json:"content_hash"`
}

// Section is a heading-delimited slice of the markdown body. Offsets are
// byte offsets into Manifest.Markdown; EndOffset is exclusive.
type Section struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Level       int    `json:"level"`
	Page        int    `json:"page"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
	ParentID    string `json:"parent_id,omitempty"`
	Preview     string `json:"preview"`
}

// Slice returns the section's markdown from body.
func (s Section) Slice(body string) string {
	start, end := min(max(s.StartOffset, 0), len(body)), min(max(s.EndOffset, 0), len(body))
	if end < start {
		return ""
	}
	return body[start:end]
}

// Table is a detected table with a rectangular cell matrix.
type Table struct {
	ID       string     `json:"id"`
	Page     int        `json:"page"`
	RowCount int        `json:"row_count"`
	ColCount int        `json:"col_count"`
	Cells    [][]string `json:"cells"`
	BBox     geom.Rect  `json:"bbox"`
	Preview  string     `json:"preview_text"`
}

// Figure is a located figure. PNG is persisted as a separate file under
// Path and is not part of the manifest record.
type Figure struct {
	ID     string       `json:"id"`
	Page   int          `json:"page"`
	BBox   geom.Rect    `json:"bbox"`
	Width  int          `json:"width"`
	Height int          `json:"height"`
	Tier   figures.Tier `json:"detection_tier"`
	Path   string       `json:"path"`
	PNG    []byte       `json:"-"`
}

// Diagnostic is a recovered problem or detector decision worth reporting.
type Diagnostic struct {
	Kind    string `json:"kind"`
	Page    int    `json:"page"`
	Message string `json:"message"`
}

// Manifest is the complete, ordered index of a decomposed document.
type Manifest struct {
	Document    Document     `json:"document"`
	Sections    []Section    `json:"sections"`
	Tables      []Table      `json:"tables"`
	Figures     []Figure     `json:"figures"`
	TOC         []string     `json:"toc"`
	Digest      string       `json:"digest"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
	Markdown    string       `json:"-"`
}

// FindSection looks a section up by ID, then by case-insensitive title.
func (m *Manifest) FindSection(idOrTitle string) (Section, bool) {
	for _, s := range m.Sections {
		if s.ID == idOrTitle {
			return s, true
		}
	}
	for _, s := range m.Sections {
		if strings.EqualFold(s.Title, idOrTitle) {
			return s, true
		}
	}
	return Section{}, false
}

// FindTable looks a table up by ID.
func (m *Manifest) FindTable(id string) (Table, bool) {
	for _, t := range m.Tables {
		if t.ID == id {
			return t, true
		}
	}
	return Table{}, false
}

// FindFigure looks a figure up by ID.
func (m *Manifest) FindFigure(id string) (Figure, bool) {
	for _, f := range m.Figures {
		if f.ID == id {
			return f, true
		}
	}
	return Figure{}, false
}

// ContentHash returns the hex sha256 of the PDF bytes.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DocID derives the document identifier from the PDF bytes.
func DocID(data []byte) string {
	return "doc_" + ContentHash(data)[:16]
}

// ComputeDigest hashes the markdown body followed by each figure's ID and
// image bytes in manifest order.
func ComputeDigest(markdown string, figs []Figure) string {
	h := sha256.New()
	h.Write([]byte(markdown))
	for _, f := range figs {
		h.Write([]byte{0})
		h.Write([]byte(f.ID))
		h.Write([]byte{0})
		h.Write(f.PNG)
	}
	return hex.EncodeToString(h.Sum(nil))
}
