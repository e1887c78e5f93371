package figures

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"

	"github.com/u9401066/asset-aware-mcp/geom"
	"github.com/u9401066/asset-aware-mcp/scanner"
)

var (
	strokeInk = image.NewUniform(color.Gray{Y: 0x10})
	fillInk   = image.NewUniform(color.Gray{Y: 0x90})
	missing   = image.NewUniform(color.Gray{Y: 0xd8})
)

// canvas rasterizes a page region into an RGBA image at a fixed scale.
type canvas struct {
	img    *image.RGBA
	region geom.Rect
	scale  float64
}

func newCanvas(region geom.Rect, scale float64) *canvas {
	w := max(1, int(math.Ceil(region.Width()*scale)))
	h := max(1, int(math.Ceil(region.Height()*scale)))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)
	return &canvas{img: img, region: region, scale: scale}
}

func (c *canvas) px(p geom.Point) (float32, float32) {
	return float32((p.X - c.region.X0) * c.scale), float32((p.Y - c.region.Y0) * c.scale)
}

func (c *canvas) pxRect(r geom.Rect) image.Rectangle {
	x0, y0 := c.px(geom.Point{X: r.X0, Y: r.Y0})
	x1, y1 := c.px(geom.Point{X: r.X1, Y: r.Y1})
	return image.Rect(int(math.Floor(float64(x0))), int(math.Floor(float64(y0))),
		int(math.Ceil(float64(x1))), int(math.Ceil(float64(y1))))
}

func (c *canvas) rasterizer() *vector.Rasterizer {
	b := c.img.Bounds()
	return vector.NewRasterizer(b.Dx(), b.Dy())
}

// primitive paints one path: the fill first, then the stroke on top.
func (c *canvas) primitive(p scanner.Primitive) {
	if p.Fill {
		z := c.rasterizer()
		c.addFill(z, p.Subpaths)
		z.Draw(c.img, c.img.Bounds(), fillInk, image.Point{})
	}
	if p.Stroke || !p.Fill {
		z := c.rasterizer()
		c.addStroke(z, p.Subpaths, p.LineWidth)
		z.Draw(c.img, c.img.Bounds(), strokeInk, image.Point{})
	}
}

func (c *canvas) addFill(z *vector.Rasterizer, subpaths [][]geom.Point) {
	for _, sp := range subpaths {
		if len(sp) < 3 {
			continue
		}
		z.MoveTo(c.px(sp[0]))
		for _, pt := range sp[1:] {
			z.LineTo(c.px(pt))
		}
		z.ClosePath()
	}
}

// addStroke adds each segment as a quad offset along the segment normal.
// The normal is always the direction rotated the same way, so every quad
// has the same winding and overlaps never cancel.
func (c *canvas) addStroke(z *vector.Rasterizer, subpaths [][]geom.Point, width float64) {
	half := math.Max(width*c.scale, 1) / 2
	for _, sp := range subpaths {
		for i := 1; i < len(sp); i++ {
			ax, ay := c.px(sp[i-1])
			bx, by := c.px(sp[i])
			dx, dy := float64(bx-ax), float64(by-ay)
			l := math.Hypot(dx, dy)
			if l == 0 {
				dx, dy, l = 1, 0, 1
			}
			nx, ny := float32(-dy/l*half), float32(dx/l*half)
			z.MoveTo(ax+nx, ay+ny)
			z.LineTo(bx+nx, by+ny)
			z.LineTo(bx-nx, by-ny)
			z.LineTo(ax-nx, ay-ny)
			z.ClosePath()
		}
	}
}

// raster draws a placed image scaled into its box, or a flat placeholder
// when its bytes are unavailable.
func (c *canvas) raster(r scanner.Raster) {
	dst := c.pxRect(r.Box)
	if len(r.PNG) > 0 {
		if src, err := png.Decode(bytes.NewReader(r.PNG)); err == nil {
			draw.CatmullRom.Scale(c.img, dst, src, src.Bounds(), draw.Over, nil)
			return
		}
	}
	draw.Draw(c.img, dst.Intersect(c.img.Bounds()), missing, image.Point{}, draw.Src)
}

// text draws a label with the fixed basic face at the run's baseline.
func (c *canvas) text(r scanner.TextRun) {
	x, y := c.px(geom.Point{X: r.Box.X0, Y: r.Box.Y1 - 0.2*r.FontSize})
	d := &font.Drawer{
		Dst:  c.img,
		Src:  image.Black,
		Face: basicfont.Face7x13,
		Dot:  fixed.P(int(x), int(y)),
	}
	d.DrawString(r.Text)
}

func (c *canvas) encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, c.img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// renderRegion draws everything on page that touches region.
func renderRegion(page *scanner.Page, region geom.Rect, scale float64) ([]byte, int, int, error) {
	c := newCanvas(region, scale)
	for _, img := range page.Images {
		if img.Box.Intersect(region).Area() > 0 {
			c.raster(img)
		}
	}
	for _, p := range page.Paths {
		if p.Box.Touches(region) {
			c.primitive(p)
		}
	}
	for _, r := range page.Runs {
		if region.Contains(r.Box.Center()) {
			c.text(r)
		}
	}
	data, err := c.encode()
	if err != nil {
		return nil, 0, 0, err
	}
	b := c.img.Bounds()
	return data, b.Dx(), b.Dy(), nil
}

// inkMask rasterizes paths and rasters over the whole page into an alpha
// mask at scale. Only coverage matters, so every mark is drawn opaque.
func inkMask(page *scanner.Page, paths []scanner.Primitive, rasters []scanner.Raster, scale float64) *image.Alpha {
	bounds := page.Bounds()
	w := max(1, int(math.Ceil(bounds.Width()*scale)))
	h := max(1, int(math.Ceil(bounds.Height()*scale)))
	mask := image.NewAlpha(image.Rect(0, 0, w, h))
	c := &canvas{region: bounds, scale: scale}

	fills, strokes := vector.NewRasterizer(w, h), vector.NewRasterizer(w, h)
	for _, p := range paths {
		if p.Fill {
			c.addFill(fills, p.Subpaths)
		}
		if p.Stroke || !p.Fill {
			c.addStroke(strokes, p.Subpaths, p.LineWidth)
		}
	}
	fills.Draw(mask, mask.Bounds(), image.Opaque, image.Point{})
	strokes.Draw(mask, mask.Bounds(), image.Opaque, image.Point{})

	for _, r := range rasters {
		draw.Draw(mask, c.pxRect(r.Box).Intersect(mask.Bounds()), image.Opaque, image.Point{}, draw.Src)
	}
	return mask
}
