package figures

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/u9401066/asset-aware-mcp/geom"
	"github.com/u9401066/asset-aware-mcp/scanner"
)

func line(x0, y0, x1, y1 float64) scanner.Primitive {
	a, b := geom.Point{X: x0, Y: y0}, geom.Point{X: x1, Y: y1}
	return scanner.Primitive{
		Kind:      scanner.KindLine,
		Box:       geom.RectFromPoints(a, b),
		Subpaths:  [][]geom.Point{{a, b}},
		Stroke:    true,
		LineWidth: 1,
	}
}

func filledRect(x0, y0, x1, y1 float64) scanner.Primitive {
	return scanner.Primitive{
		Kind: scanner.KindRect,
		Box:  geom.Rect{X0: x0, Y0: y0, X1: x1, Y1: y1},
		Subpaths: [][]geom.Point{{
			{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1}, {X: x0, Y: y0},
		}},
		Fill: true,
	}
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func letter(index int) *scanner.Page {
	return &scanner.Page{Index: index, Width: 612, Height: 792}
}

func TestLocateRaster(t *testing.T) {
	data := testPNG(t, 64, 48)
	page := letter(2)
	page.Images = []scanner.Raster{{
		Name: "Im1", Box: geom.Rect{X0: 100, Y0: 120, X1: 300, Y1: 270},
		PixelWidth: 64, PixelHeight: 48, PNG: data,
	}}

	res, err := Locate(context.Background(), page, nil, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, res.Figures, 1)

	fig := res.Figures[0]
	assert.Equal(t, "fig_2_1", fig.ID())
	assert.Equal(t, TierRaster, fig.Tier)
	assert.Equal(t, 64, fig.Width)
	assert.Equal(t, 48, fig.Height)
	assert.Equal(t, data, fig.PNG)
	assert.Equal(t, page.Images[0].Box, fig.Box)
}

func TestLocateDropsRasterWithoutBytes(t *testing.T) {
	page := letter(1)
	page.Images = []scanner.Raster{{Name: "Im1", Box: geom.Rect{X0: 100, Y0: 100, X1: 200, Y1: 150}}}

	res, err := Locate(context.Background(), page, nil, DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, res.Figures)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, TierRaster, res.Dropped[0].Tier)
	assert.Equal(t, "raster bytes unavailable", res.Dropped[0].Reason)
}

func TestLocateKeepsFiguresWhenOneFailsToRender(t *testing.T) {
	page := letter(1)
	page.Images = []scanner.Raster{
		{Name: "Im1", Box: geom.Rect{X0: 100, Y0: 100, X1: 200, Y1: 150}, PNG: []byte("not a png")},
		{Name: "Im2", Box: geom.Rect{X0: 100, Y0: 300, X1: 200, Y1: 350}, PixelWidth: 8, PixelHeight: 8, PNG: testPNG(t, 8, 8)},
	}

	res, err := Locate(context.Background(), page, nil, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, res.Figures, 1)
	assert.Equal(t, "fig_1_1", res.Figures[0].ID())
	assert.Equal(t, 300.0, res.Figures[0].Box.Y0)

	require.Len(t, res.Dropped, 1)
	assert.Equal(t, 100.0, res.Dropped[0].Box.Y0)
	assert.Contains(t, res.Dropped[0].Reason, "render failed")
}

func TestLocateIgnoresTinyRasters(t *testing.T) {
	page := letter(1)
	page.Images = []scanner.Raster{{Name: "Im1", Box: geom.Rect{X0: 10, Y0: 10, X1: 18, Y1: 18}, PNG: testPNG(t, 4, 4)}}

	res, err := Locate(context.Background(), page, nil, DefaultOptions())
	require.NoError(t, err)
	for _, f := range res.Figures {
		assert.NotEqual(t, TierRaster, f.Tier)
	}
}

func TestLocateVectorCluster(t *testing.T) {
	page := letter(3)
	page.Paths = []scanner.Primitive{
		line(100, 100, 300, 100),
		line(300, 100, 300, 250),
		line(300, 250, 100, 250),
		line(100, 250, 100, 100),
		line(100, 100, 300, 250),
		line(100, 250, 300, 100),
		// Three primitives are below the cluster minimum.
		line(450, 600, 500, 600),
		line(500, 600, 475, 640),
		line(475, 640, 450, 600),
		// A long thin rule is not a figure.
		line(50, 700, 140, 700),
		line(140, 700, 230, 700),
		line(230, 700, 320, 700),
		line(320, 700, 410, 700),
		line(410, 700, 500, 700),
	}

	res, err := Locate(context.Background(), page, nil, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, res.Figures, 1)

	fig := res.Figures[0]
	assert.Equal(t, "fig_3_1", fig.ID())
	assert.Equal(t, TierVector, fig.Tier)
	assert.Equal(t, geom.Rect{X0: 100, Y0: 100, X1: 300, Y1: 250}, fig.Box)
	assert.Equal(t, 408, fig.Width)
	assert.Equal(t, 308, fig.Height)

	img, err := png.Decode(bytes.NewReader(fig.PNG))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(408, 308), img.Bounds().Size())
}

func TestLocateDiscardsElongatedCluster(t *testing.T) {
	page := &scanner.Page{Index: 1, Width: 2000, Height: 792}
	page.Paths = []scanner.Primitive{
		line(100, 100, 1100, 100),
		line(1100, 100, 1100, 145),
		line(1100, 145, 100, 145),
		line(100, 145, 100, 100),
	}
	res, err := Locate(context.Background(), page, nil, DefaultOptions())
	require.NoError(t, err)
	for _, f := range res.Figures {
		assert.NotEqual(t, TierVector, f.Tier, "aspect ratio above limit")
	}
}

func TestLocateSkipsTableRegions(t *testing.T) {
	page := letter(1)
	page.Paths = []scanner.Primitive{
		line(100, 100, 300, 100),
		line(100, 150, 300, 150),
		line(100, 200, 300, 200),
		line(100, 100, 100, 200),
		line(200, 100, 200, 200),
		line(300, 100, 300, 200),
	}
	table := geom.Rect{X0: 95, Y0: 95, X1: 305, Y1: 205}

	res, err := Locate(context.Background(), page, []geom.Rect{table}, DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, res.Figures)
}

func TestLocateSkipsRulesAroundTableText(t *testing.T) {
	page := letter(1)
	// Cell rules sit 4pt outside the text box of the table and run past it
	// on the right.
	for _, y := range []float64{187, 211, 235, 266} {
		page.Paths = append(page.Paths, line(72, y, 400, y))
	}
	for _, x := range []float64{72, 160, 250, 400} {
		page.Paths = append(page.Paths, line(x, 187, x, 266))
	}
	text := geom.Rect{X0: 76, Y0: 191, X1: 331, Y1: 262}

	res, err := Locate(context.Background(), page, []geom.Rect{text}, DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, res.Figures)
}

func TestLocateDropsVectorOverlappingTable(t *testing.T) {
	page := letter(1)
	for i := 0; i < 6; i++ {
		y := 100 + float64(i)*20
		page.Paths = append(page.Paths, line(300, y, 500, y))
	}
	for _, x := range []float64{380, 420, 460, 500} {
		page.Paths = append(page.Paths, line(x, 100, x, 200))
	}
	table := geom.Rect{X0: 250, Y0: 100, X1: 350, Y1: 200}

	res, err := Locate(context.Background(), page, []geom.Rect{table}, DefaultOptions())
	require.NoError(t, err)
	for _, f := range res.Figures {
		assert.NotEqual(t, TierVector, f.Tier)
	}

	var dropped bool
	for _, d := range res.Dropped {
		if d.Tier == TierVector {
			dropped = true
			assert.Contains(t, d.Reason, "overlaps table")
		}
	}
	assert.True(t, dropped)
}

func TestLocateDropsVectorOverlappingRaster(t *testing.T) {
	page := letter(1)
	page.Images = []scanner.Raster{{
		Name: "Im1", Box: geom.Rect{X0: 100, Y0: 100, X1: 200, Y1: 200},
		PixelWidth: 8, PixelHeight: 8, PNG: testPNG(t, 8, 8),
	}}
	page.Paths = []scanner.Primitive{
		line(170, 110, 400, 110),
		line(170, 130, 400, 130),
		line(170, 150, 400, 150),
		line(170, 170, 400, 170),
		line(170, 190, 400, 190),
		line(400, 110, 400, 190),
		line(170, 110, 170, 190),
	}

	res, err := Locate(context.Background(), page, nil, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, res.Figures, 1)
	assert.Equal(t, TierRaster, res.Figures[0].Tier)

	var vector bool
	for _, d := range res.Dropped {
		if d.Tier == TierVector {
			vector = true
			assert.Contains(t, d.Reason, "overlaps raster")
		}
	}
	assert.True(t, vector)

	for _, f := range res.Figures[1:] {
		assert.LessOrEqual(t, f.Box.OverlapRatio(res.Figures[0].Box), DefaultOptions().TierOverlapTolerance)
	}
}

func TestLocateDensityFallback(t *testing.T) {
	page := letter(4)
	page.Paths = []scanner.Primitive{filledRect(320, 220, 450, 380)}

	res, err := Locate(context.Background(), page, nil, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, res.Figures, 1)

	fig := res.Figures[0]
	assert.Equal(t, TierGrid, fig.Tier)
	assert.Equal(t, "fig_4_1", fig.ID())
	assert.InDelta(t, 320, fig.Box.X0, 3)
	assert.InDelta(t, 220, fig.Box.Y0, 3)
	assert.InDelta(t, 450, fig.Box.X1, 3)
	assert.InDelta(t, 380, fig.Box.Y1, 3)
}

func TestLocateDensitySkipsTextHeavyCells(t *testing.T) {
	page := letter(1)
	page.Paths = []scanner.Primitive{filledRect(320, 220, 450, 380)}
	for y := 200.0; y < 396; y += 12 {
		page.Runs = append(page.Runs, scanner.TextRun{
			Text: "dense text", Box: geom.Rect{X0: 306, Y0: y, X1: 459, Y1: y + 10}, FontSize: 10,
		})
	}

	res, err := Locate(context.Background(), page, nil, DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, res.Figures)
}

func TestLocateDropsOversizedImages(t *testing.T) {
	page := letter(1)
	page.Images = []scanner.Raster{{
		Name: "Im1", Box: geom.Rect{X0: 100, Y0: 100, X1: 200, Y1: 200},
		PixelWidth: 16, PixelHeight: 16, PNG: testPNG(t, 16, 16),
	}}
	opts := DefaultOptions()
	opts.MaxImageBytes = 10

	res, err := Locate(context.Background(), page, nil, opts)
	require.NoError(t, err)
	assert.Empty(t, res.Figures)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, TierRaster, res.Dropped[0].Tier)
}

func TestLocateIndexesTierMajor(t *testing.T) {
	page := letter(5)
	page.Images = []scanner.Raster{
		{Name: "Im2", Box: geom.Rect{X0: 350, Y0: 400, X1: 500, Y1: 500}, PixelWidth: 4, PixelHeight: 4, PNG: testPNG(t, 4, 4)},
		{Name: "Im1", Box: geom.Rect{X0: 50, Y0: 402, X1: 200, Y1: 500}, PixelWidth: 4, PixelHeight: 4, PNG: testPNG(t, 4, 4)},
	}
	page.Paths = []scanner.Primitive{
		line(100, 50, 300, 50),
		line(300, 50, 300, 200),
		line(300, 200, 100, 200),
		line(100, 200, 100, 50),
	}

	res, err := Locate(context.Background(), page, nil, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, res.Figures, 3)

	assert.Equal(t, "Im1", nameOf(page, res.Figures[0]))
	assert.Equal(t, "Im2", nameOf(page, res.Figures[1]))
	assert.Equal(t, TierVector, res.Figures[2].Tier, "raster tier comes first even when lower on the page")
	for i, f := range res.Figures {
		assert.Equal(t, i+1, f.Index)
	}
}

func nameOf(page *scanner.Page, f Figure) string {
	for _, img := range page.Images {
		if img.Box == f.Box {
			return img.Name
		}
	}
	return ""
}

func TestLocateHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	page := letter(1)
	page.Paths = []scanner.Primitive{filledRect(320, 220, 450, 380)}
	_, err := Locate(ctx, page, nil, DefaultOptions())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocateIsDeterministic(t *testing.T) {
	build := func() *scanner.Page {
		page := letter(1)
		page.Paths = []scanner.Primitive{
			line(100, 100, 300, 100), line(300, 100, 300, 250),
			line(300, 250, 100, 250), line(100, 250, 100, 100),
			filledRect(400, 500, 550, 700),
		}
		return page
	}
	a, err := Locate(context.Background(), build(), nil, DefaultOptions())
	require.NoError(t, err)
	b, err := Locate(context.Background(), build(), nil, DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, len(a.Figures), len(b.Figures))
	for i := range a.Figures {
		assert.Equal(t, a.Figures[i].ID(), b.Figures[i].ID())
		assert.Equal(t, a.Figures[i].PNG, b.Figures[i].PNG)
	}
}

func TestReadingOrderBands(t *testing.T) {
	cands := []candidate{
		{box: geom.Rect{X0: 300, Y0: 100, X1: 400, Y1: 150}},
		{box: geom.Rect{X0: 50, Y0: 200, X1: 100, Y1: 250}},
		{box: geom.Rect{X0: 100, Y0: 103, X1: 200, Y1: 150}},
	}
	got := readingOrder(cands, 5)
	require.Len(t, got, 3)
	assert.Equal(t, 100.0, got[0].box.X0)
	assert.Equal(t, 300.0, got[1].box.X0)
	assert.Equal(t, 50.0, got[2].box.X0)
}

func TestTierText(t *testing.T) {
	b, err := json.Marshal(struct {
		Tier Tier `json:"tier"`
	}{TierVector})
	require.NoError(t, err)
	assert.JSONEq(t, `{"tier":"vector-cluster"}`, string(b))

	var tier Tier
	require.NoError(t, tier.UnmarshalText([]byte("grid-fallback")))
	assert.Equal(t, TierGrid, tier)
	assert.Error(t, tier.UnmarshalText([]byte("nope")))
}
