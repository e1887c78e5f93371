package figures

import (
	"image"
	"math"

	"github.com/u9401066/asset-aware-mcp/geom"
	"github.com/u9401066/asset-aware-mcp/scanner"
)

// inkAlpha is the mask coverage at which a pixel counts as ink.
const inkAlpha = 0x40

type gridCell struct {
	col, row int
	box      geom.Rect
	px       image.Rectangle
	active   bool
}

// densityCandidates splits the page into a coarse grid over an ink mask of
// the unclaimed graphics and returns merged regions of dense cells.
func densityCandidates(page *scanner.Page, paths []scanner.Primitive, rasters []scanner.Raster, claimed *regionIndex, opts Options) []candidate {
	if len(paths) == 0 && len(rasters) == 0 {
		return nil
	}
	bounds := page.Bounds()
	if bounds.Empty() {
		return nil
	}
	mask := inkMask(page, paths, rasters, opts.DensityScale)
	mb := mask.Bounds()

	cols, rows := opts.GridCols, opts.GridRows
	cw, ch := bounds.Width()/float64(cols), bounds.Height()/float64(rows)
	grid := make([]gridCell, cols*rows)

	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			box := geom.Rect{X0: float64(c) * cw, Y0: float64(r) * ch, X1: float64(c+1) * cw, Y1: float64(r+1) * ch}
			px := image.Rect(
				int(math.Floor(box.X0*opts.DensityScale)), int(math.Floor(box.Y0*opts.DensityScale)),
				int(math.Floor(box.X1*opts.DensityScale)), int(math.Floor(box.Y1*opts.DensityScale)),
			).Intersect(mb)
			cell := gridCell{col: c, row: r, box: box, px: px}

			if textCoverage(page.Runs, box) <= opts.MaxTextCoverage && !claimed.covers(box) {
				ink, total := countInk(mask, px)
				cell.active = total > 0 && float64(ink)/float64(total) >= opts.DensityThreshold
			}
			grid[r*cols+c] = cell
		}
	}

	var out []candidate
	seen := make([]bool, len(grid))
	visited := make([]bool, mb.Dx()*mb.Dy())
	for start := range grid {
		if !grid[start].active || seen[start] {
			continue
		}
		var (
			queue  = []int{start}
			member []int
		)
		seen[start] = true
		for len(queue) > 0 {
			k := queue[0]
			queue = queue[1:]
			member = append(member, k)
			r, c := k/cols, k%cols
			for _, n := range [][2]int{{r - 1, c}, {r + 1, c}, {r, c - 1}, {r, c + 1}} {
				if n[0] < 0 || n[0] >= rows || n[1] < 0 || n[1] >= cols {
					continue
				}
				nk := n[0]*cols + n[1]
				if grid[nk].active && !seen[nk] {
					seen[nk] = true
					queue = append(queue, nk)
				}
			}
		}

		tight, ok := inkBounds(mask, grid, member, visited)
		if !ok {
			continue
		}
		ink, total := countInk(mask, tight)
		if total == 0 || float64(ink)/float64(total) < opts.DensityThreshold {
			continue
		}
		box := geom.Rect{
			X0: float64(tight.Min.X) / opts.DensityScale,
			Y0: float64(tight.Min.Y) / opts.DensityScale,
			X1: float64(tight.Max.X) / opts.DensityScale,
			Y1: float64(tight.Max.Y) / opts.DensityScale,
		}.Clip(bounds)
		if box.Width() < opts.MinFigureSide || box.Height() < opts.MinFigureSide {
			continue
		}
		out = append(out, candidate{box: box, tier: TierGrid})
	}
	return out
}

// textCoverage is the share of cell covered by text run boxes.
func textCoverage(runs []scanner.TextRun, cell geom.Rect) float64 {
	area := cell.Area()
	if area == 0 {
		return 0
	}
	var covered float64
	for _, r := range runs {
		covered += r.Box.Intersect(cell).Area()
	}
	return covered / area
}

func countInk(mask *image.Alpha, r image.Rectangle) (ink, total int) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if mask.AlphaAt(x, y).A >= inkAlpha {
				ink++
			}
		}
	}
	return ink, r.Dx() * r.Dy()
}

// inkBounds flood-fills ink reachable from the ink inside cells, so a mark
// straddling weak neighbouring cells is still bounded in full. Pixels in
// visited are skipped; ok is false when nothing new was reached.
func inkBounds(mask *image.Alpha, grid []gridCell, cells []int, visited []bool) (image.Rectangle, bool) {
	mb := mask.Bounds()
	w := mb.Dx()
	idx := func(x, y int) int { return (y-mb.Min.Y)*w + (x - mb.Min.X) }

	var queue []image.Point
	for _, k := range cells {
		r := grid[k].px
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				if mask.AlphaAt(x, y).A >= inkAlpha && !visited[idx(x, y)] {
					visited[idx(x, y)] = true
					queue = append(queue, image.Point{X: x, Y: y})
				}
			}
		}
	}
	if len(queue) == 0 {
		return image.Rectangle{}, false
	}

	minX, minY := math.MaxInt, math.MaxInt
	maxX, maxY := math.MinInt, math.MinInt
	for len(queue) > 0 {
		p := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		minX, minY = min(minX, p.X), min(minY, p.Y)
		maxX, maxY = max(maxX, p.X), max(maxY, p.Y)
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				n := image.Point{X: p.X + dx, Y: p.Y + dy}
				if !n.In(mb) || visited[idx(n.X, n.Y)] || mask.AlphaAt(n.X, n.Y).A < inkAlpha {
					continue
				}
				visited[idx(n.X, n.Y)] = true
				queue = append(queue, n)
			}
		}
	}
	return image.Rect(minX, minY, maxX+1, maxY+1), true
}
