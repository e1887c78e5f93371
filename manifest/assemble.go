package manifest

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/u9401066/asset-aware-mcp/figures"
	"github.com/u9401066/asset-aware-mcp/geom"
	"github.com/u9401066/asset-aware-mcp/scanner"
	"github.com/u9401066/asset-aware-mcp/structure"
	"github.com/u9401066/asset-aware-mcp/tables"
)

const (
	sectionPreviewChars = 200
	tablePreviewChars   = 100
	tocMaxLevel         = 2
	frontMatterTitle    = "Front Matter"
)

// Source carries document-level facts known before assembly.
type Source struct {
	DocID       string
	ContentHash string
	Filename    string
	Title       string
	PageCount   int
}

// PageResult is everything the detectors produced for one page.
type PageResult struct {
	Page     int
	Blocks   []structure.Block
	Tables   []tables.Table
	Figures  []figures.Figure
	Warnings []scanner.Warning
	Rejected []tables.Rejection
	Dropped  []figures.Dropped
}

type itemKind int

const (
	itemBlock itemKind = iota
	itemTable
	itemFigure
)

type item struct {
	kind  itemKind
	box   geom.Rect
	seq   int
	block *structure.Block
	table *tables.Table
	fig   *figures.Figure
}

// openSection is a section whose end is not known yet.
type openSection struct {
	idx       int
	synthetic bool
	preview   strings.Builder
}

type assembler struct {
	src       Source
	m         *Manifest
	body      strings.Builder
	slugs     *slugger
	open      []*openSection
	current   *openSection
	headings  int
	synthetic map[int]bool
}

// Assemble merges page results in page order into a Manifest. Table IDs
// are assigned here from a document-wide sequence; figure IDs keep the
// per-page index the locator assigned.
func Assemble(src Source, pages []PageResult) (*Manifest, error) {
	sorted := append([]PageResult(nil), pages...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Page < sorted[j].Page })

	doc := Document{
		DocID:       src.DocID,
		ContentHash: src.ContentHash,
		Filename:    src.Filename,
		PageCount:   src.PageCount,
	}
	a := &assembler{
		src:       src,
		m:         &Manifest{Document: doc},
		slugs:     newSlugger(),
		synthetic: make(map[int]bool),
	}
	for _, p := range sorted {
		for _, b := range p.Blocks {
			if b.Kind == structure.Heading {
				a.headings++
			}
		}
	}

	for i := range sorted {
		a.page(&sorted[i])
	}
	a.closeSections()

	m := a.m
	m.Markdown = a.body.String()
	if len(m.Sections) == 0 && len(m.Tables) == 0 && len(m.Figures) == 0 {
		return nil, ErrNoContent
	}
	m.Document.Title = a.title()
	m.Digest = ComputeDigest(m.Markdown, m.Figures)
	return m, nil
}

func (a *assembler) page(p *PageResult) {
	for _, w := range p.Warnings {
		a.m.Diagnostics = append(a.m.Diagnostics, Diagnostic{Kind: w.Kind, Page: p.Page, Message: w.Message})
	}
	for _, r := range p.Rejected {
		a.m.Diagnostics = append(a.m.Diagnostics, Diagnostic{
			Kind: DiagTableRejected, Page: p.Page,
			Message: fmt.Sprintf("%d-row candidate at %.0f,%.0f: %s", r.Rows, r.Box.X0, r.Box.Y0, r.Reason),
		})
	}
	for _, d := range p.Dropped {
		a.m.Diagnostics = append(a.m.Diagnostics, Diagnostic{
			Kind: DiagFigureDropped, Page: p.Page,
			Message: fmt.Sprintf("%s candidate at %.0f,%.0f: %s", d.Tier, d.Box.X0, d.Box.Y0, d.Reason),
		})
	}

	fmt.Fprintf(&a.body, "<!-- Page %d -->\n\n", p.Page)

	for _, it := range readingOrder(p) {
		switch it.kind {
		case itemBlock:
			if it.block.Kind == structure.Heading {
				a.heading(it.block)
				continue
			}
			a.ensureSection(p.Page)
			a.body.WriteString(it.block.Text)
			a.body.WriteString("\n\n")
			a.addPreview(it.block.Text)
		case itemTable:
			a.ensureSection(p.Page)
			a.table(it.table)
		case itemFigure:
			a.ensureSection(p.Page)
			a.figure(it.fig)
		}
	}
}

// readingOrder interleaves blocks, tables and figures by position. Equal
// positions keep blocks before tables before figures, each in input order.
func readingOrder(p *PageResult) []item {
	var items []item
	for i := range p.Blocks {
		items = append(items, item{kind: itemBlock, box: p.Blocks[i].Box, seq: i, block: &p.Blocks[i]})
	}
	for i := range p.Tables {
		items = append(items, item{kind: itemTable, box: p.Tables[i].Box, seq: i, table: &p.Tables[i]})
	}
	for i := range p.Figures {
		items = append(items, item{kind: itemFigure, box: p.Figures[i].Box, seq: i, fig: &p.Figures[i]})
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.box.Y0 != b.box.Y0 {
			return a.box.Y0 < b.box.Y0
		}
		if a.box.X0 != b.box.X0 {
			return a.box.X0 < b.box.X0
		}
		if a.kind != b.kind {
			return a.kind < b.kind
		}
		return a.seq < b.seq
	})
	return items
}

func (a *assembler) heading(b *structure.Block) {
	if len(a.open) == 1 && a.open[0].synthetic {
		a.finish(a.open[0], a.body.Len())
		a.open = nil
	}
	a.closeUntil(b.Level)

	id := a.slugs.next(b.Text)
	s := Section{
		ID:          id,
		Title:       b.Text,
		Level:       b.Level,
		Page:        b.Page,
		StartOffset: a.body.Len(),
		EndOffset:   -1,
	}
	for i := len(a.open) - 1; i >= 0; i-- {
		if parent := a.m.Sections[a.open[i].idx]; parent.Level < b.Level {
			s.ParentID = parent.ID
			break
		}
	}

	fmt.Fprintf(&a.body, "<a id=\"%s\"></a>\n%s %s\n\n", id, strings.Repeat("#", max(1, min(b.Level, 6))), b.Text)
	a.push(s, false)
}

// ensureSection opens the synthetic section that holds content preceding
// the first heading. With no headings at all it becomes the only section
// and spans the whole body.
func (a *assembler) ensureSection(page int) {
	if a.current != nil {
		return
	}
	title := frontMatterTitle
	if a.headings == 0 {
		title = a.fallbackTitle()
	}
	id := a.slugs.next(title)
	fmt.Fprintf(&a.body, "<a id=\"%s\"></a>\n", id)
	a.push(Section{ID: id, Title: title, Level: 1, Page: page, StartOffset: 0, EndOffset: -1}, true)
}

func (a *assembler) push(s Section, synthetic bool) {
	a.m.Sections = append(a.m.Sections, s)
	o := &openSection{idx: len(a.m.Sections) - 1, synthetic: synthetic}
	if synthetic {
		a.synthetic[o.idx] = true
	}
	a.open = append(a.open, o)
	a.current = o
	if !synthetic && s.Level <= tocMaxLevel {
		a.m.TOC = append(a.m.TOC, s.Title)
	}
}

// closeUntil ends every open section whose level is at or below level in
// rank, that is, level >= the new heading's level.
func (a *assembler) closeUntil(level int) {
	end := a.body.Len()
	for len(a.open) > 0 {
		top := a.open[len(a.open)-1]
		if a.m.Sections[top.idx].Level < level {
			break
		}
		a.finish(top, end)
		a.open = a.open[:len(a.open)-1]
	}
}

func (a *assembler) closeSections() {
	end := a.body.Len()
	for i := len(a.open) - 1; i >= 0; i-- {
		a.finish(a.open[i], end)
	}
	a.open = nil
}

func (a *assembler) finish(o *openSection, end int) {
	s := &a.m.Sections[o.idx]
	s.EndOffset = end
	s.Preview = truncate(o.preview.String(), sectionPreviewChars)
}

func (a *assembler) addPreview(text string) {
	if a.current == nil || a.current.preview.Len() > sectionPreviewChars*4 {
		return
	}
	if a.current.preview.Len() > 0 {
		a.current.preview.WriteByte(' ')
	}
	a.current.preview.WriteString(text)
}

func (a *assembler) table(t *tables.Table) {
	id := fmt.Sprintf("tab_%d", len(a.m.Tables)+1)
	md := tables.Markdown(t.Cells)
	a.m.Tables = append(a.m.Tables, Table{
		ID:       id,
		Page:     t.Page,
		RowCount: t.RowCount(),
		ColCount: t.ColCount(),
		Cells:    t.Cells,
		BBox:     t.Box,
		Preview:  truncate(md, tablePreviewChars),
	})
	a.body.WriteString(md)
	a.body.WriteString("\n")
}

func (a *assembler) figure(f *figures.Figure) {
	id := f.ID()
	rel := path.Join("images", id+".png")
	a.m.Figures = append(a.m.Figures, Figure{
		ID:     id,
		Page:   f.Page,
		BBox:   f.Box,
		Width:  f.Width,
		Height: f.Height,
		Tier:   f.Tier,
		Path:   rel,
		PNG:    f.PNG,
	})
	fmt.Fprintf(&a.body, "![%s](%s)\n\n", id, rel)
}

// title prefers document metadata, then the first level-1 heading, then
// the first heading of any level.
func (a *assembler) title() string {
	if t := strings.TrimSpace(a.src.Title); t != "" {
		return t
	}
	first := ""
	for i, s := range a.m.Sections {
		if a.synthetic[i] {
			continue
		}
		if s.Level == 1 {
			return s.Title
		}
		if first == "" {
			first = s.Title
		}
	}
	if first != "" {
		return first
	}
	return a.fallbackTitle()
}

func (a *assembler) fallbackTitle() string {
	if t := strings.TrimSpace(a.src.Title); t != "" {
		return t
	}
	if a.src.Filename != "" {
		name := path.Base(strings.ReplaceAll(a.src.Filename, "\\", "/"))
		if stem := strings.TrimSuffix(name, path.Ext(name)); stem != "" {
			return stem
		}
	}
	return "Document"
}

// truncate collapses whitespace and cuts s to n runes.
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
