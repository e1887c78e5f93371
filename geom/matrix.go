package geom

import "math"

// Matrix is a PDF affine transform [a b c d e f]:
//
//	x' = a*x + c*y + e
//	y' = b*x + d*y + f
type Matrix [6]float64

// Identity is the identity transform.
var Identity = Matrix{1, 0, 0, 1, 0, 0}

// Multiply returns m × n, i.e. m applied first, then n. This is the order
// PDF uses for `cm`: CTM' = cm × CTM.
func (m Matrix) Multiply(n Matrix) Matrix {
	return Matrix{
		m[0]*n[0] + m[1]*n[2],
		m[0]*n[1] + m[1]*n[3],
		m[2]*n[0] + m[3]*n[2],
		m[2]*n[1] + m[3]*n[3],
		m[4]*n[0] + m[5]*n[2] + n[4],
		m[4]*n[1] + m[5]*n[3] + n[5],
	}
}

// Apply transforms the point (x, y).
func (m Matrix) Apply(x, y float64) (float64, float64) {
	return m[0]*x + m[2]*y + m[4], m[1]*x + m[3]*y + m[5]
}

// UnitSquare maps the unit square through m and returns its bounds. Image
// XObjects are painted into the unit square of the current CTM.
func (m Matrix) UnitSquare() (Point, Point, Point, Point) {
	x0, y0 := m.Apply(0, 0)
	x1, y1 := m.Apply(1, 0)
	x2, y2 := m.Apply(1, 1)
	x3, y3 := m.Apply(0, 1)
	return Point{x0, y0}, Point{x1, y1}, Point{x2, y2}, Point{x3, y3}
}

// Scale returns the average axis scale factor, used to convert line widths
// from user space to page space.
func (m Matrix) Scale() float64 {
	sx := m[0]*m[0] + m[1]*m[1]
	sy := m[2]*m[2] + m[3]*m[3]
	if sx == 0 && sy == 0 {
		return 0
	}
	return (math.Sqrt(sx) + math.Sqrt(sy)) / 2
}
