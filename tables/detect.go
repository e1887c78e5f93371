// Package tables finds tables formed by column-aligned text on a page.
//
// Detection works on text runs alone: runs are grouped into rows, rows with
// at least two cells form candidate blocks, and a block is accepted when
// enough of its rows align to a shared set of column anchors.
package tables

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/u9401066/asset-aware-mcp/geom"
	"github.com/u9401066/asset-aware-mcp/scanner"
)

// Config holds every tunable of the detector.
type Config struct {
	// RowTolerance is the maximum distance, in points, between the vertical
	// centres of two runs on the same row.
	RowTolerance float64 `json:"row_tolerance" toml:"row_tolerance"`
	// CellMergeGap joins neighbouring runs in a row into one cell when the
	// horizontal gap between them is smaller than this.
	CellMergeGap float64 `json:"cell_merge_gap" toml:"cell_merge_gap"`
	// ColumnTolerance is the snapping distance between a cell and its
	// column anchor.
	ColumnTolerance float64 `json:"column_tolerance" toml:"column_tolerance"`
	// ColumnConsistency is the minimum share of rows whose cells all snap
	// to anchors.
	ColumnConsistency float64 `json:"column_consistency" toml:"column_consistency"`
	// MaxRowGap bounds the vertical gap between adjacent rows of one
	// table, as a multiple of the taller row's height.
	MaxRowGap float64 `json:"max_row_gap" toml:"max_row_gap"`
	// MinShortCellRatio rejects candidates where fewer cells than this
	// share are numeric or short, which filters multi-column prose.
	MinShortCellRatio float64 `json:"min_short_cell_ratio" toml:"min_short_cell_ratio"`
	// ShortCellChars is the longest cell still considered short.
	ShortCellChars int `json:"short_cell_chars" toml:"short_cell_chars"`
	MinRows        int `json:"min_rows" toml:"min_rows"`
	MinCols        int `json:"min_cols" toml:"min_cols"`
}

// DefaultConfig returns the thresholds used by the engine.
func DefaultConfig() Config {
	return Config{
		RowTolerance:      3,
		CellMergeGap:      4,
		ColumnTolerance:   10,
		ColumnConsistency: 0.7,
		MaxRowGap:         2.5,
		MinShortCellRatio: 0.5,
		ShortCellChars:    24,
		MinRows:           2,
		MinCols:           2,
	}
}

// Table is an accepted table region with a rectangular cell matrix.
type Table struct {
	Page  int
	Box   geom.Rect
	Cells [][]string
}

// RowCount returns the number of rows.
func (t Table) RowCount() int { return len(t.Cells) }

// ColCount returns the number of columns.
func (t Table) ColCount() int {
	if len(t.Cells) == 0 {
		return 0
	}
	return len(t.Cells[0])
}

// Rejection records a candidate that failed a consistency check. It is a
// detector decision, not an error.
type Rejection struct {
	Page   int
	Box    geom.Rect
	Rows   int
	Reason string
}

type cell struct {
	text string
	box  geom.Rect
}

type row struct {
	cells []cell
	box   geom.Rect
}

// Detect returns the tables found on page and the candidates it rejected.
func Detect(page *scanner.Page, cfg Config) ([]Table, []Rejection) {
	if cfg.MinRows < 2 {
		cfg.MinRows = 2
	}
	if cfg.MinCols < 2 {
		cfg.MinCols = 2
	}

	rows := buildRows(page.Runs, cfg)

	var (
		tables   []Table
		rejected []Rejection
	)
	for _, block := range candidates(rows, cfg) {
		t, reason := evaluate(block, cfg)
		if reason != "" {
			box := blockBox(block)
			slog.Debug("tables: candidate rejected",
				"page", page.Index, "rows", len(block), "reason", reason)
			rejected = append(rejected, Rejection{Page: page.Index, Box: box, Rows: len(block), Reason: reason})
			continue
		}
		t.Page = page.Index
		tables = append(tables, t)
	}
	return tables, rejected
}

// buildRows groups runs into rows by vertical centre and merges close runs
// of a row into cells.
func buildRows(runs []scanner.TextRun, cfg Config) []row {
	sorted := append([]scanner.TextRun(nil), runs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ci, cj := sorted[i].Box.Center(), sorted[j].Box.Center()
		if ci.Y != cj.Y {
			return ci.Y < cj.Y
		}
		return ci.X < cj.X
	})

	type bucket struct {
		runs    []scanner.TextRun
		centreY float64
	}
	var buckets []bucket
	for _, r := range sorted {
		cy := r.Box.Center().Y
		if n := len(buckets); n > 0 && math.Abs(cy-buckets[n-1].centreY) <= cfg.RowTolerance {
			b := &buckets[n-1]
			b.runs = append(b.runs, r)
			b.centreY += (cy - b.centreY) / float64(len(b.runs))
			continue
		}
		buckets = append(buckets, bucket{runs: []scanner.TextRun{r}, centreY: cy})
	}

	rows := make([]row, 0, len(buckets))
	for _, b := range buckets {
		sort.SliceStable(b.runs, func(i, j int) bool { return b.runs[i].Box.X0 < b.runs[j].Box.X0 })
		var rw row
		for _, r := range b.runs {
			rw.box = rw.box.Union(r.Box)
			if n := len(rw.cells); n > 0 && r.Box.X0-rw.cells[n-1].box.X1 < cfg.CellMergeGap {
				c := &rw.cells[n-1]
				c.text += " " + r.Text
				c.box = c.box.Union(r.Box)
				continue
			}
			rw.cells = append(rw.cells, cell{text: r.Text, box: r.Box})
		}
		rows = append(rows, rw)
	}
	return rows
}

// candidates returns maximal blocks of vertically adjacent rows that each
// hold at least two cells.
func candidates(rows []row, cfg Config) [][]row {
	var (
		out   [][]row
		block []row
	)
	flush := func() {
		if len(block) >= cfg.MinRows {
			out = append(out, block)
		}
		block = nil
	}
	for _, r := range rows {
		if len(r.cells) < 2 {
			flush()
			continue
		}
		if n := len(block); n > 0 {
			prev := block[n-1]
			gap := r.box.Y0 - prev.box.Y1
			if gap > cfg.MaxRowGap*math.Max(prev.box.Height(), r.box.Height()) {
				flush()
			}
		}
		block = append(block, r)
	}
	flush()
	return out
}

type alignment int

const (
	alignLeft alignment = iota
	alignRight
	alignCentre
)

func (a alignment) pos(c cell) float64 {
	switch a {
	case alignRight:
		return c.box.X1
	case alignCentre:
		return c.box.Center().X
	}
	return c.box.X0
}

// cellRef addresses cell i of row r within a block.
type cellRef struct{ r, i int }

// column is a kept anchor: a position shared by cells of at least MinRows
// rows under one alignment. Each column picks its own alignment, so a
// left-aligned label column can sit next to right-aligned figures.
type column struct {
	align   alignment
	pos     float64
	rows    int
	members []cellRef
	centre  float64
}

// anchors clusters the cell positions of block under a and keeps clusters
// supported by at least MinRows distinct rows.
func anchors(block []row, a alignment, cfg Config) []column {
	type sample struct {
		pos float64
		ref cellRef
	}
	var samples []sample
	for r, rw := range block {
		for i, c := range rw.cells {
			samples = append(samples, sample{pos: a.pos(c), ref: cellRef{r, i}})
		}
	}
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].pos < samples[j].pos })

	var (
		kept    []column
		cur     column
		curRows map[int]bool
	)
	flush := func() {
		if len(curRows) >= cfg.MinRows {
			cur.rows = len(curRows)
			kept = append(kept, cur)
		}
	}
	for _, s := range samples {
		if len(cur.members) > 0 && s.pos-cur.pos <= cfg.ColumnTolerance {
			cur.members = append(cur.members, s.ref)
			cur.pos += (s.pos - cur.pos) / float64(len(cur.members))
			curRows[s.ref.r] = true
			continue
		}
		flush()
		cur = column{align: a, pos: s.pos, members: []cellRef{s.ref}}
		curRows = map[int]bool{s.ref.r: true}
	}
	flush()
	return kept
}

// columns picks the column set of block. Anchors of every alignment
// compete; the best supported anchors claim their cells first, and an
// anchor sharing a cell with an already kept column is discarded. At equal
// support left beats right beats centre.
func columns(block []row, cfg Config) ([]column, map[cellRef]int) {
	var all []column
	for _, a := range []alignment{alignLeft, alignRight, alignCentre} {
		all = append(all, anchors(block, a, cfg)...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].rows != all[j].rows {
			return all[i].rows > all[j].rows
		}
		return all[i].align < all[j].align
	})

	claimed := make(map[cellRef]bool)
	var cols []column
	for _, c := range all {
		free := true
		for _, m := range c.members {
			if claimed[m] {
				free = false
				break
			}
		}
		if !free {
			continue
		}
		var sum float64
		for _, m := range c.members {
			claimed[m] = true
			sum += block[m.r].cells[m.i].box.Center().X
		}
		c.centre = sum / float64(len(c.members))
		cols = append(cols, c)
	}
	sort.SliceStable(cols, func(i, j int) bool { return cols[i].centre < cols[j].centre })

	owner := make(map[cellRef]int)
	for j, c := range cols {
		for _, m := range c.members {
			owner[m] = j
		}
	}
	return cols, owner
}

// agrees reports whether every cell of row r belongs to a distinct column.
func agrees(block []row, r int, owner map[cellRef]int) bool {
	used := make(map[int]bool, len(block[r].cells))
	for i := range block[r].cells {
		j, ok := owner[cellRef{r, i}]
		if !ok || used[j] {
			return false
		}
		used[j] = true
	}
	return true
}

// evaluate returns the accepted table, or the reason the block was
// rejected.
func evaluate(block []row, cfg Config) (Table, string) {
	cols, owner := columns(block, cfg)
	if len(cols) < cfg.MinCols {
		return Table{}, fmt.Sprintf("only %d consistent columns", len(cols))
	}

	agree := make([]bool, len(block))
	n := 0
	for r := range block {
		if agrees(block, r, owner) {
			agree[r] = true
			n++
		}
	}
	if score := float64(n) / float64(len(block)); score < cfg.ColumnConsistency {
		return Table{}, fmt.Sprintf("column agreement %.2f below %.2f", score, cfg.ColumnConsistency)
	}

	// Leading and trailing rows that break the column grid belong to the
	// surrounding text.
	lo, hi := 0, len(block)
	for lo < hi && !agree[lo] {
		lo++
	}
	for hi > lo && !agree[hi-1] {
		hi--
	}
	if hi-lo < cfg.MinRows {
		return Table{}, fmt.Sprintf("only %d aligned rows", hi-lo)
	}

	cells := make([][]string, 0, hi-lo)
	var box geom.Rect
	for r := lo; r < hi; r++ {
		box = box.Union(block[r].box)
		out := make([]string, len(cols))
		for i, c := range block[r].cells {
			j, ok := owner[cellRef{r, i}]
			if !ok {
				j = nearest(c, cols)
			}
			if out[j] != "" {
				out[j] += " " + c.text
			} else {
				out[j] = c.text
			}
		}
		cells = append(cells, out)
	}

	if ratio := shortCellRatio(cells, cfg.ShortCellChars); ratio < cfg.MinShortCellRatio {
		return Table{}, fmt.Sprintf("short cell ratio %.2f below %.2f", ratio, cfg.MinShortCellRatio)
	}
	return Table{Box: box, Cells: cells}, ""
}

// nearest places a cell outside every column by each column's own
// alignment.
func nearest(c cell, cols []column) int {
	best, dist := 0, math.Inf(1)
	for j, col := range cols {
		if d := math.Abs(col.align.pos(c) - col.pos); d < dist {
			best, dist = j, d
		}
	}
	return best
}

func blockBox(block []row) geom.Rect {
	var box geom.Rect
	for _, r := range block {
		box = box.Union(r.box)
	}
	return box
}

// shortCellRatio is the share of non-empty cells that are numeric or at
// most maxChars long.
func shortCellRatio(cells [][]string, maxChars int) float64 {
	var total, short int
	for _, r := range cells {
		for _, c := range r {
			if c == "" {
				continue
			}
			total++
			if isNumeric(c) || utf8.RuneCountInString(c) <= maxChars {
				short++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(short) / float64(total)
}

func isNumeric(s string) bool {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "$€£¥+-(")
	s = strings.TrimRight(s, "%)")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return false
	}
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}
