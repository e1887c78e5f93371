// Package structure classifies text lines into headings and paragraphs by
// ranking font sizes against the document's body size.
//
// Classification takes two passes. Collect builds a character-weighted
// histogram of (size, bold) keys over the whole document; NewLevels turns it
// into a heading ladder; Classify then labels each page's lines.
package structure

import (
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/u9401066/asset-aware-mcp/geom"
	"github.com/u9401066/asset-aware-mcp/scanner"
)

// Options tunes heading and paragraph detection.
type Options struct {
	// MinHeadingDelta is how many points above the body size a font must be
	// to count as a heading font.
	MinHeadingDelta float64 `json:"min_heading_delta" toml:"min_heading_delta"`
	// MaxHeadingLevels caps the heading ladder. Extra keys share the
	// lowest level.
	MaxHeadingLevels int `json:"max_heading_levels" toml:"max_heading_levels"`
	// ParagraphGap starts a new paragraph when the vertical gap between
	// two lines exceeds this multiple of the previous line's height.
	ParagraphGap float64 `json:"paragraph_gap" toml:"paragraph_gap"`
	// FurnitureMargin is the share of the page height, at the top and at
	// the bottom, searched for running headers and footers.
	FurnitureMargin float64 `json:"furniture_margin" toml:"furniture_margin"`
	// FurnitureMinPages is how many pages a margin line must repeat on
	// before it is treated as page furniture. Zero disables the check.
	FurnitureMinPages int `json:"furniture_min_pages" toml:"furniture_min_pages"`
}

// DefaultOptions returns the tuning used by the engine.
func DefaultOptions() Options {
	return Options{
		MinHeadingDelta:   0.5,
		MaxHeadingLevels:  6,
		ParagraphGap:      0.8,
		FurnitureMargin:   0.1,
		FurnitureMinPages: 3,
	}
}

// Key identifies a font class. Sizes are rounded to half points.
type Key struct {
	Size float64
	Bold bool
}

func keyOf(r scanner.TextRun) Key {
	return Key{Size: math.Round(r.FontSize*2) / 2, Bold: r.Bold}
}

// FontStats is a character-weighted histogram of font keys.
type FontStats struct {
	chars map[Key]int
}

// Collect accumulates font statistics over all pages.
func Collect(pages []*scanner.Page) FontStats {
	s := FontStats{chars: make(map[Key]int)}
	for _, p := range pages {
		s.Add(p.Runs)
	}
	return s
}

// Add records the characters of runs.
func (s *FontStats) Add(runs []scanner.TextRun) {
	if s.chars == nil {
		s.chars = make(map[Key]int)
	}
	for _, r := range runs {
		s.chars[keyOf(r)] += utf8.RuneCountInString(r.Text)
	}
}

// BodySize is the most frequent font size by character count, ties going to
// the smaller size. It returns 0 for an empty histogram.
func (s FontStats) BodySize() float64 {
	bySize := make(map[float64]int)
	for k, n := range s.chars {
		bySize[k.Size] += n
	}
	sizes := make([]float64, 0, len(bySize))
	for size := range bySize {
		sizes = append(sizes, size)
	}
	sort.Float64s(sizes)

	var body float64
	best := -1
	for _, size := range sizes {
		if bySize[size] > best {
			body, best = size, bySize[size]
		}
	}
	return body
}

// Levels maps font keys to heading levels. Level 0 means body text.
type Levels struct {
	body   float64
	levels map[Key]int
}

// NewLevels ranks every key larger than the body size: larger sizes first,
// and at equal size bold before regular.
func NewLevels(stats FontStats, opts Options) Levels {
	if opts.MaxHeadingLevels <= 0 {
		opts.MaxHeadingLevels = 6
	}
	l := Levels{body: stats.BodySize(), levels: make(map[Key]int)}

	var keys []Key
	for k := range stats.chars {
		if k.Size > l.body+opts.MinHeadingDelta {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Size != keys[j].Size {
			return keys[i].Size > keys[j].Size
		}
		return keys[i].Bold && !keys[j].Bold
	})
	for i, k := range keys {
		l.levels[k] = min(i+1, opts.MaxHeadingLevels)
	}
	return l
}

// Body returns the detected body font size.
func (l Levels) Body() float64 { return l.body }

// Len returns the number of heading keys.
func (l Levels) Len() int { return len(l.levels) }

// Level returns the heading level of a run, or 0 for body text.
func (l Levels) Level(r scanner.TextRun) int {
	return l.levels[keyOf(r)]
}

// BlockKind distinguishes headings from paragraphs.
type BlockKind int

const (
	Paragraph BlockKind = iota
	Heading
)

func (k BlockKind) String() string {
	if k == Heading {
		return "heading"
	}
	return "paragraph"
}

// Block is a classified run of lines on one page.
type Block struct {
	Kind  BlockKind
	Level int
	Text  string
	Box   geom.Rect
	Page  int
}

type line struct {
	runs []scanner.TextRun
	box  geom.Rect
}

func (ln *line) text() string {
	parts := make([]string, len(ln.runs))
	for i, r := range ln.runs {
		parts[i] = r.Text
	}
	return strings.Join(parts, " ")
}

// level returns the shared heading level of every run on the line, or 0
// when the runs disagree or any of them is body text.
func (ln *line) level(l Levels) int {
	if len(ln.runs) == 0 {
		return 0
	}
	first := keyOf(ln.runs[0])
	lvl := l.levels[first]
	if lvl == 0 {
		return 0
	}
	for _, r := range ln.runs[1:] {
		if keyOf(r) != first {
			return 0
		}
	}
	return lvl
}

// Classify labels the lines of page in reading order. Runs lying inside any
// exclude rectangle (detected tables) are skipped.
func Classify(page *scanner.Page, levels Levels, exclude []geom.Rect, opts Options) []Block {
	if opts.ParagraphGap <= 0 {
		opts.ParagraphGap = DefaultOptions().ParagraphGap
	}

	runs := make([]scanner.TextRun, 0, len(page.Runs))
	for _, r := range page.Runs {
		if excluded(r.Box, exclude) {
			continue
		}
		runs = append(runs, r)
	}

	lines := groupLines(runs)

	var (
		blocks []Block
		cur    *Block
		prev   *line
	)
	flush := func() {
		if cur != nil {
			blocks = append(blocks, *cur)
			cur = nil
		}
	}

	for i := range lines {
		ln := &lines[i]
		lvl := ln.level(levels)
		kind := Paragraph
		if lvl > 0 {
			kind = Heading
		}

		if cur != nil && cur.Kind == kind && cur.Level == lvl && prev != nil {
			gap := ln.box.Y0 - prev.box.Y1
			if gap <= opts.ParagraphGap*prev.box.Height() {
				cur.Text += " " + ln.text()
				cur.Box = cur.Box.Union(ln.box)
				prev = ln
				continue
			}
		}

		flush()
		cur = &Block{Kind: kind, Level: lvl, Text: ln.text(), Box: ln.box, Page: page.Index}
		prev = ln
	}
	flush()
	return blocks
}

func excluded(box geom.Rect, regions []geom.Rect) bool {
	for _, r := range regions {
		if box.OverlapRatio(r) > 0.5 {
			return true
		}
	}
	return false
}

// groupLines sorts runs top to bottom and gathers runs whose vertical
// extents overlap by at least half of the shorter run into one line.
func groupLines(runs []scanner.TextRun) []line {
	sorted := append([]scanner.TextRun(nil), runs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ci, cj := sorted[i].Box.Center(), sorted[j].Box.Center()
		if ci.Y != cj.Y {
			return ci.Y < cj.Y
		}
		return ci.X < cj.X
	})

	var lines []line
	for _, r := range sorted {
		if n := len(lines); n > 0 && sameLine(lines[n-1].box, r.Box) {
			lines[n-1].runs = append(lines[n-1].runs, r)
			lines[n-1].box = lines[n-1].box.Union(r.Box)
			continue
		}
		lines = append(lines, line{runs: []scanner.TextRun{r}, box: r.Box})
	}

	for i := range lines {
		sort.SliceStable(lines[i].runs, func(a, b int) bool {
			return lines[i].runs[a].Box.X0 < lines[i].runs[b].Box.X0
		})
	}
	return lines
}

func sameLine(lineBox, run geom.Rect) bool {
	overlap := math.Min(lineBox.Y1, run.Y1) - math.Max(lineBox.Y0, run.Y0)
	shorter := math.Min(lineBox.Height(), run.Height())
	return shorter > 0 && overlap >= 0.5*shorter
}
