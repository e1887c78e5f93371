package scanner

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/u9401066/asset-aware-mcp/geom"
)

// Fraction of the font size above and below the baseline covered by a
// glyph box.
const (
	ascent  = 0.8
	descent = 0.2
)

type runBuilder struct {
	text     strings.Builder
	font     string
	size     float64
	baseline float64
	x0, x1   float64
}

func (b *runBuilder) endsWithSpace() bool {
	s := b.text.String()
	return strings.HasSuffix(s, " ")
}

// mergeRuns joins glyphs in content order into runs. Glyphs join when they
// share font, size and baseline and the horizontal gap stays within
// RunGap×size; gaps wider than MergeGap×size insert a single space.
func mergeRuns(glyphs []pdf.Text, toPage geom.Matrix, opts Options) []TextRun {
	var (
		runs []TextRun
		cur  *runBuilder
	)
	flush := func() {
		if cur == nil {
			return
		}
		if run, ok := cur.finish(toPage); ok {
			runs = append(runs, run)
		}
		cur = nil
	}

	for _, g := range glyphs {
		if g.S == "" || g.S == "\n" || g.S == "\r" {
			continue
		}
		size := math.Abs(g.FontSize)
		if size < 0.5 {
			continue
		}
		w := g.W
		if w <= 0 {
			w = 0.5 * size * float64(utf8.RuneCountInString(g.S))
		}

		if cur != nil && g.Font == cur.font && math.Abs(size-cur.size) < 0.1 &&
			math.Abs(g.Y-cur.baseline) < 0.5 {
			gap := g.X - cur.x1
			if gap >= -0.5*size && gap <= opts.RunGap*size {
				if gap > opts.MergeGap*size && g.S != " " && !cur.endsWithSpace() {
					cur.text.WriteByte(' ')
				}
				cur.text.WriteString(g.S)
				cur.x1 = math.Max(cur.x1, g.X+w)
				continue
			}
		}

		flush()
		if strings.TrimSpace(g.S) == "" {
			continue
		}
		cur = &runBuilder{font: g.Font, size: size, baseline: g.Y, x0: g.X, x1: g.X + w}
		cur.text.WriteString(g.S)
	}
	flush()
	return runs
}

func (b *runBuilder) finish(toPage geom.Matrix) (TextRun, bool) {
	text := strings.Join(strings.Fields(b.text.String()), " ")
	if text == "" {
		return TextRun{}, false
	}
	x0, y0 := toPage.Apply(b.x0, b.baseline+ascent*b.size)
	x1, y1 := toPage.Apply(b.x1, b.baseline-descent*b.size)
	bold, italic := fontStyle(b.font)
	return TextRun{
		Text:     text,
		Box:      geom.RectFromPoints(geom.Point{X: x0, Y: y0}, geom.Point{X: x1, Y: y1}),
		FontSize: math.Round(b.size*100) / 100,
		Font:     b.font,
		Bold:     bold,
		Italic:   italic,
	}, true
}

// fontStyle infers weight and slant from a BaseFont name such as
// "Helvetica-BoldOblique" or "ABCDEF+Arial,Bold".
func fontStyle(name string) (bold, italic bool) {
	lower := strings.ToLower(name)
	for _, k := range []string{"bold", "black", "heavy", "semibold", "demi"} {
		if strings.Contains(lower, k) {
			bold = true
			break
		}
	}
	italic = strings.Contains(lower, "italic") || strings.Contains(lower, "oblique")
	return bold, italic
}
