// Package figures locates figure regions on a page with three detection
// tiers of decreasing confidence: placed raster images, clusters of vector
// drawing primitives, and a coarse ink-density grid over whatever graphics
// remain unclaimed.
package figures

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"log/slog"
	"sort"

	"github.com/u9401066/asset-aware-mcp/geom"
	"github.com/u9401066/asset-aware-mcp/scanner"
)

// Tier identifies the detection strategy that produced a figure.
type Tier int

const (
	TierRaster Tier = iota + 1
	TierVector
	TierGrid
)

func (t Tier) String() string {
	switch t {
	case TierRaster:
		return "raster"
	case TierVector:
		return "vector-cluster"
	case TierGrid:
		return "grid-fallback"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// MarshalText encodes the tier by name.
func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText decodes a tier name.
func (t *Tier) UnmarshalText(b []byte) error {
	switch string(b) {
	case "raster":
		*t = TierRaster
	case "vector-cluster":
		*t = TierVector
	case "grid-fallback":
		*t = TierGrid
	default:
		return fmt.Errorf("figures: unknown tier %q", b)
	}
	return nil
}

// Options holds every figure detection threshold. Distances are in points.
type Options struct {
	MinRasterSide        float64 `json:"min_raster_side" toml:"min_raster_side"`
	ClusterGap           float64 `json:"cluster_gap" toml:"cluster_gap"`
	MinClusterPrimitives int     `json:"min_cluster_primitives" toml:"min_cluster_primitives"`
	MinFigureSide        float64 `json:"min_figure_side" toml:"min_figure_side"`
	MaxAspectRatio       float64 `json:"max_aspect_ratio" toml:"max_aspect_ratio"`
	// TierOverlapTolerance is the largest share of a lower-tier candidate
	// that may lie inside a higher-tier figure.
	TierOverlapTolerance float64 `json:"tier_overlap_tolerance" toml:"tier_overlap_tolerance"`
	RenderScale          float64 `json:"render_scale" toml:"render_scale"`
	DensityScale         float64 `json:"density_scale" toml:"density_scale"`
	GridCols             int     `json:"grid_cols" toml:"grid_cols"`
	GridRows             int     `json:"grid_rows" toml:"grid_rows"`
	DensityThreshold     float64 `json:"density_threshold" toml:"density_threshold"`
	MaxTextCoverage      float64 `json:"max_text_coverage" toml:"max_text_coverage"`
	// ReadingOrderTolerance groups figures whose tops differ by less than
	// this into one band, ordered left to right.
	ReadingOrderTolerance float64 `json:"reading_order_tolerance" toml:"reading_order_tolerance"`
	MaxImageBytes         int     `json:"max_image_bytes" toml:"max_image_bytes"`
}

// DefaultOptions returns the thresholds used by the engine.
func DefaultOptions() Options {
	return Options{
		MinRasterSide:         16,
		ClusterGap:            8,
		MinClusterPrimitives:  4,
		MinFigureSide:         40,
		MaxAspectRatio:        20,
		TierOverlapTolerance:  0.10,
		RenderScale:           2,
		DensityScale:          0.5,
		GridCols:              4,
		GridRows:              4,
		DensityThreshold:      0.05,
		MaxTextCoverage:       0.10,
		ReadingOrderTolerance: 5,
		MaxImageBytes:         10 << 20,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RenderScale <= 0 {
		o.RenderScale = d.RenderScale
	}
	if o.DensityScale <= 0 {
		o.DensityScale = d.DensityScale
	}
	if o.GridCols <= 0 {
		o.GridCols = d.GridCols
	}
	if o.GridRows <= 0 {
		o.GridRows = d.GridRows
	}
	if o.MaxImageBytes <= 0 {
		o.MaxImageBytes = d.MaxImageBytes
	}
	return o
}

// Figure is one located figure with its rendered image.
type Figure struct {
	Page   int
	Index  int
	Box    geom.Rect
	Tier   Tier
	Width  int
	Height int
	PNG    []byte
}

// ID returns the position-based identifier fig_{page}_{index}.
func (f Figure) ID() string { return fmt.Sprintf("fig_%d_%d", f.Page, f.Index) }

// Dropped records a candidate removed after detection.
type Dropped struct {
	Page   int
	Box    geom.Rect
	Tier   Tier
	Reason string
}

// Result is the outcome of locating figures on one page.
type Result struct {
	Figures []Figure
	Dropped []Dropped
}

type candidate struct {
	box     geom.Rect
	tier    Tier
	raster  *scanner.Raster
	members []int
	band    int
}

// Locate runs the three tiers over page. Regions in exclude (detected
// tables) are never claimed by the vector or density tiers. They are
// widened by ClusterGap so that ruling drawn around the cell text counts
// as part of the table.
func Locate(ctx context.Context, page *scanner.Page, exclude []geom.Rect, opts Options) (Result, error) {
	opts = opts.withDefaults()
	bounds := page.Bounds()

	var (
		res     Result
		rasters regionIndex
		vectors regionIndex
		tables  regionIndex
		claimed regionIndex
	)
	for _, r := range exclude {
		r = r.Expand(opts.ClusterGap)
		tables.add(r)
		claimed.add(r)
	}

	var tier1 []candidate
	inTier1 := make(map[int]bool)
	for i := range page.Images {
		img := &page.Images[i]
		box := img.Box.Clip(bounds)
		if box.Width() < opts.MinRasterSide || box.Height() < opts.MinRasterSide {
			continue
		}
		inTier1[i] = true
		if len(img.PNG) == 0 {
			// The placement is known but its bytes could not be extracted.
			// Its area stays reserved so no lower tier re-detects it.
			slog.Warn("figures: raster bytes unavailable", "page", page.Index, "image", img.Name)
			res.Dropped = append(res.Dropped, Dropped{
				Page:   page.Index,
				Box:    box,
				Tier:   TierRaster,
				Reason: "raster bytes unavailable",
			})
			claimed.add(box)
			continue
		}
		tier1 = append(tier1, candidate{box: box, tier: TierRaster, raster: img})
		rasters.add(box)
		claimed.add(box)
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	_, clusters := clusterPaths(page.Paths, &claimed, opts.ClusterGap)
	tier2, dropped := vectorCandidates(page, clusters, &rasters, &tables, opts)
	res.Dropped = append(res.Dropped, dropped...)
	used := make(map[int]bool)
	for _, c := range tier2 {
		vectors.add(c.box)
		claimed.add(c.box)
		for _, m := range c.members {
			used[m] = true
		}
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var (
		loosePaths   []scanner.Primitive
		looseRasters []scanner.Raster
	)
	for i, p := range page.Paths {
		if !used[i] && !claimed.covers(p.Box) {
			loosePaths = append(loosePaths, p)
		}
	}
	for i, img := range page.Images {
		if !inTier1[i] && !claimed.covers(img.Box) {
			looseRasters = append(looseRasters, img)
		}
	}

	var tier3 []candidate
	for _, c := range densityCandidates(page, loosePaths, looseRasters, &claimed, opts) {
		if o := max(rasters.maxOverlap(c.box), vectors.maxOverlap(c.box)); o > opts.TierOverlapTolerance {
			res.Dropped = append(res.Dropped, Dropped{
				Page:   page.Index,
				Box:    c.box,
				Tier:   TierGrid,
				Reason: fmt.Sprintf("overlaps higher-tier figure by %.0f%%", o*100),
			})
			continue
		}
		if o := tables.maxOverlap(c.box); o > opts.TierOverlapTolerance {
			res.Dropped = append(res.Dropped, Dropped{
				Page:   page.Index,
				Box:    c.box,
				Tier:   TierGrid,
				Reason: fmt.Sprintf("overlaps table by %.0f%%", o*100),
			})
			continue
		}
		tier3 = append(tier3, c)
	}

	var ordered []candidate
	for _, tier := range [][]candidate{tier1, tier2, tier3} {
		ordered = append(ordered, readingOrder(tier, opts.ReadingOrderTolerance)...)
	}

	for _, c := range ordered {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		fig, err := c.render(page, opts)
		if err != nil {
			slog.Warn("figures: render failed",
				"page", page.Index, "tier", c.tier.String(), "error", err)
			res.Dropped = append(res.Dropped, Dropped{
				Page:   page.Index,
				Box:    c.box,
				Tier:   c.tier,
				Reason: fmt.Sprintf("render failed: %v", err),
			})
			continue
		}
		if len(fig.PNG) > opts.MaxImageBytes {
			slog.Warn("figures: image over size limit",
				"page", page.Index, "tier", c.tier.String(), "bytes", len(fig.PNG), "limit", opts.MaxImageBytes)
			res.Dropped = append(res.Dropped, Dropped{
				Page:   page.Index,
				Box:    c.box,
				Tier:   c.tier,
				Reason: fmt.Sprintf("image is %d bytes, limit %d", len(fig.PNG), opts.MaxImageBytes),
			})
			continue
		}
		fig.Index = len(res.Figures) + 1
		res.Figures = append(res.Figures, fig)
	}
	return res, nil
}

func (c candidate) render(page *scanner.Page, opts Options) (Figure, error) {
	fig := Figure{Page: page.Index, Box: c.box, Tier: c.tier}

	if c.raster != nil {
		fig.PNG = c.raster.PNG
		fig.Width, fig.Height = c.raster.PixelWidth, c.raster.PixelHeight
		if fig.Width == 0 || fig.Height == 0 {
			cfg, err := png.DecodeConfig(bytes.NewReader(fig.PNG))
			if err != nil {
				return Figure{}, err
			}
			fig.Width, fig.Height = cfg.Width, cfg.Height
		}
		return fig, nil
	}

	region := c.box.Expand(2).Clip(page.Bounds())
	data, w, h, err := renderRegion(page, region, opts.RenderScale)
	if err != nil {
		return Figure{}, err
	}
	fig.PNG, fig.Width, fig.Height = data, w, h
	return fig, nil
}

// readingOrder sorts candidates into top-to-bottom bands, then left to
// right within a band.
func readingOrder(cands []candidate, tol float64) []candidate {
	if len(cands) == 0 {
		return nil
	}
	out := append([]candidate(nil), cands...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].box.Y0 != out[j].box.Y0 {
			return out[i].box.Y0 < out[j].box.Y0
		}
		return out[i].box.X0 < out[j].box.X0
	})
	band, top := 0, out[0].box.Y0
	for i := range out {
		if out[i].box.Y0-top > tol {
			band++
			top = out[i].box.Y0
		}
		out[i].band = band
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].band != out[j].band {
			return out[i].band < out[j].band
		}
		return out[i].box.X0 < out[j].box.X0
	})
	return out
}
