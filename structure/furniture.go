package structure

import (
	"math"
	"strings"
	"unicode"

	"github.com/u9401066/asset-aware-mcp/geom"
	"github.com/u9401066/asset-aware-mcp/scanner"
)

// Furniture is the set of running headers and footers of a document: text
// repeated at the same height in the top or bottom margin of many pages.
// Digits are ignored when comparing, so "Page 3" and "Page 4" match.
type Furniture struct {
	keys   map[furnitureKey]bool
	margin float64
}

type furnitureKey struct {
	text string
	band int
}

// DetectFurniture finds margin lines that repeat on at least
// FurnitureMinPages pages and on at least half of all pages.
func DetectFurniture(pages []*scanner.Page, opts Options) Furniture {
	f := Furniture{keys: make(map[furnitureKey]bool), margin: opts.FurnitureMargin}
	if opts.FurnitureMinPages <= 0 || opts.FurnitureMargin <= 0 || len(pages) < opts.FurnitureMinPages {
		return f
	}
	threshold := max(opts.FurnitureMinPages, (len(pages)+1)/2)

	counts := make(map[furnitureKey]int)
	for _, p := range pages {
		seen := make(map[furnitureKey]bool)
		for _, r := range p.Runs {
			k, ok := f.keyOf(p, r)
			if !ok || seen[k] {
				continue
			}
			seen[k] = true
			counts[k]++
		}
	}
	for k, n := range counts {
		if n >= threshold {
			f.keys[k] = true
		}
	}
	return f
}

// Len returns the number of distinct furniture lines.
func (f Furniture) Len() int { return len(f.keys) }

// Boxes returns the boxes of the furniture runs on page.
func (f Furniture) Boxes(p *scanner.Page) []geom.Rect {
	if len(f.keys) == 0 {
		return nil
	}
	var boxes []geom.Rect
	for _, r := range p.Runs {
		if k, ok := f.keyOf(p, r); ok && f.keys[k] {
			boxes = append(boxes, r.Box)
		}
	}
	return boxes
}

func (f Furniture) keyOf(p *scanner.Page, r scanner.TextRun) (furnitureKey, bool) {
	if p.Height <= 0 {
		return furnitureKey{}, false
	}
	band := f.margin * p.Height
	if r.Box.Y1 > band && r.Box.Y0 < p.Height-band {
		return furnitureKey{}, false
	}
	text := normalizeFurniture(r.Text)
	if text == "" {
		return furnitureKey{}, false
	}
	return furnitureKey{text: text, band: int(math.Round(r.Box.Y0 / 2))}, true
}

func normalizeFurniture(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return '#'
		}
		return unicode.ToLower(r)
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
