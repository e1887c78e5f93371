// Package geom holds the page geometry shared by the scanner and the detectors.
//
// All coordinates are PDF points in a top-left origin page space: X grows to the
// right and Y grows downward, so sorting by Y gives reading order.
package geom

import "math"

// Point is a 2D point in page space.
type Point struct {
	X, Y float64
}

// Rect is an axis-aligned rectangle. (X0, Y0) is the top-left corner and
// (X1, Y1) the bottom-right corner.
type Rect struct {
	X0 float64 `json:"x0"`
	Y0 float64 `json:"y0"`
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
}

// RectFromPoints returns the smallest rectangle containing all points.
func RectFromPoints(pts ...Point) Rect {
	if len(pts) == 0 {
		return Rect{}
	}
	r := Rect{X0: pts[0].X, Y0: pts[0].Y, X1: pts[0].X, Y1: pts[0].Y}
	for _, p := range pts[1:] {
		r.X0 = math.Min(r.X0, p.X)
		r.Y0 = math.Min(r.Y0, p.Y)
		r.X1 = math.Max(r.X1, p.X)
		r.Y1 = math.Max(r.Y1, p.Y)
	}
	return r
}

// Width returns the horizontal extent.
func (r Rect) Width() float64 { return r.X1 - r.X0 }

// Height returns the vertical extent.
func (r Rect) Height() float64 { return r.Y1 - r.Y0 }

// Area returns Width*Height, zero for degenerate rectangles.
func (r Rect) Area() float64 {
	if r.X1 <= r.X0 || r.Y1 <= r.Y0 {
		return 0
	}
	return r.Width() * r.Height()
}

// Empty reports whether the rectangle encloses no area.
func (r Rect) Empty() bool { return r.X1 <= r.X0 || r.Y1 <= r.Y0 }

// IsZero reports whether r is the zero Rect.
func (r Rect) IsZero() bool { return r == Rect{} }

// Center returns the centre point.
func (r Rect) Center() Point {
	return Point{X: (r.X0 + r.X1) / 2, Y: (r.Y0 + r.Y1) / 2}
}

// Union returns the smallest rectangle containing r and o. A zero r acts as
// the identity so callers can fold from Rect{}.
func (r Rect) Union(o Rect) Rect {
	if r.IsZero() {
		return o
	}
	if o.IsZero() {
		return r
	}
	return Rect{
		X0: math.Min(r.X0, o.X0),
		Y0: math.Min(r.Y0, o.Y0),
		X1: math.Max(r.X1, o.X1),
		Y1: math.Max(r.Y1, o.Y1),
	}
}

// Intersect returns the overlapping region, or the zero Rect when r and o
// do not overlap.
func (r Rect) Intersect(o Rect) Rect {
	x := Rect{
		X0: math.Max(r.X0, o.X0),
		Y0: math.Max(r.Y0, o.Y0),
		X1: math.Min(r.X1, o.X1),
		Y1: math.Min(r.Y1, o.Y1),
	}
	if x.X1 < x.X0 || x.Y1 < x.Y0 {
		return Rect{}
	}
	return x
}

// Touches reports whether r and o overlap or share an edge.
func (r Rect) Touches(o Rect) bool {
	return r.X0 <= o.X1 && o.X0 <= r.X1 && r.Y0 <= o.Y1 && o.Y0 <= r.Y1
}

// Expand grows the rectangle by d on every side.
func (r Rect) Expand(d float64) Rect {
	return Rect{X0: r.X0 - d, Y0: r.Y0 - d, X1: r.X1 + d, Y1: r.Y1 + d}
}

// Contains reports whether p lies inside r (edges inclusive).
func (r Rect) Contains(p Point) bool {
	return p.X >= r.X0 && p.X <= r.X1 && p.Y >= r.Y0 && p.Y <= r.Y1
}

// Clip clamps r to the bounds of page.
func (r Rect) Clip(page Rect) Rect {
	return Rect{
		X0: math.Max(r.X0, page.X0),
		Y0: math.Max(r.Y0, page.Y0),
		X1: math.Min(r.X1, page.X1),
		Y1: math.Min(r.Y1, page.Y1),
	}
}

// OverlapRatio returns the fraction of r's area covered by o. Degenerate
// rectangles (lines) fall back to a containment test so a hairline inside o
// reports 1.
func (r Rect) OverlapRatio(o Rect) float64 {
	a := r.Area()
	if a == 0 {
		if o.Contains(r.Center()) {
			return 1
		}
		return 0
	}
	return r.Intersect(o).Area() / a
}

// Gap returns the distance between the closest edges of r and o, zero when
// they touch or overlap.
func (r Rect) Gap(o Rect) float64 {
	dx := math.Max(0, math.Max(o.X0-r.X1, r.X0-o.X1))
	dy := math.Max(0, math.Max(o.Y0-r.Y1, r.Y0-o.Y1))
	return math.Hypot(dx, dy)
}

// AspectRatio returns long side / short side. Zero-thickness rectangles
// report +Inf.
func (r Rect) AspectRatio() float64 {
	w, h := r.Width(), r.Height()
	lo, hi := math.Min(w, h), math.Max(w, h)
	if lo <= 0 {
		return math.Inf(1)
	}
	return hi / lo
}

// Min returns the top-left corner as an rtree key.
func (r Rect) Min() [2]float64 { return [2]float64{r.X0, r.Y0} }

// Max returns the bottom-right corner as an rtree key.
func (r Rect) Max() [2]float64 { return [2]float64{r.X1, r.Y1} }
