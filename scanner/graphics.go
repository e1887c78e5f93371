package scanner

import (
	"github.com/ledongthuc/pdf"

	"github.com/u9401066/asset-aware-mcp/geom"
)

// bezierSteps is the number of segments a cubic curve is flattened into.
const bezierSteps = 8

// Colour components at or past this distance from paper white count as ink.
const whiteLimit = 0.97

type gstate struct {
	ctm       geom.Matrix
	lineWidth float64
	fillInk   bool
	strokeInk bool
}

type subpath struct {
	pts    []geom.Point
	curved bool
	rect   bool
}

// graphics interprets a page content stream for painted paths and image
// placements. Text operators are left to pdf.Page.Content.
type graphics struct {
	page     pdf.Page
	toPage   geom.Matrix
	maxDepth int

	state gstate
	stack []gstate

	subpaths []subpath
	current  *subpath
	start    geom.Point // user space
	pos      geom.Point // user space

	paths  []Primitive
	images []Raster
}

func newGraphics(p pdf.Page, toPage geom.Matrix, maxDepth int) *graphics {
	if maxDepth <= 0 {
		maxDepth = 8
	}
	return &graphics{
		page:     p,
		toPage:   toPage,
		maxDepth: maxDepth,
		state:    gstate{ctm: geom.Identity, lineWidth: 1, fillInk: true, strokeInk: true},
	}
}

func (g *graphics) run() {
	g.exec(g.page.V.Key("Contents"), g.page.Resources(), 0)
}

func (g *graphics) exec(strm, res pdf.Value, depth int) {
	if strm.IsNull() {
		return
	}
	pdf.Interpret(strm, func(stk *pdf.Stack, op string) {
		n := stk.Len()
		args := make([]pdf.Value, n)
		for i := n - 1; i >= 0; i-- {
			args[i] = stk.Pop()
		}
		g.operator(op, args, res, depth)
	})
}

func (g *graphics) operator(op string, args []pdf.Value, res pdf.Value, depth int) {
	f := floats(args)
	switch op {
	case "q":
		g.stack = append(g.stack, g.state)
	case "Q":
		if n := len(g.stack); n > 0 {
			g.state = g.stack[n-1]
			g.stack = g.stack[:n-1]
		}
	case "cm":
		if len(f) == 6 {
			m := geom.Matrix{f[0], f[1], f[2], f[3], f[4], f[5]}
			g.state.ctm = m.Multiply(g.state.ctm)
		}
	case "w":
		if len(f) == 1 {
			g.state.lineWidth = f[0]
		}

	case "m":
		if len(f) == 2 {
			g.moveTo(geom.Point{X: f[0], Y: f[1]})
		}
	case "l":
		if len(f) == 2 {
			g.lineTo(geom.Point{X: f[0], Y: f[1]})
		}
	case "c":
		if len(f) == 6 {
			g.curveTo(geom.Point{X: f[0], Y: f[1]}, geom.Point{X: f[2], Y: f[3]}, geom.Point{X: f[4], Y: f[5]})
		}
	case "v":
		if len(f) == 4 {
			g.curveTo(g.pos, geom.Point{X: f[0], Y: f[1]}, geom.Point{X: f[2], Y: f[3]})
		}
	case "y":
		if len(f) == 4 {
			end := geom.Point{X: f[2], Y: f[3]}
			g.curveTo(geom.Point{X: f[0], Y: f[1]}, end, end)
		}
	case "h":
		g.closePath()
	case "re":
		if len(f) == 4 {
			g.rect(f[0], f[1], f[2], f[3])
		}

	case "S":
		g.paint(true, false)
	case "s":
		g.closePath()
		g.paint(true, false)
	case "f", "F", "f*":
		g.paint(false, true)
	case "B", "B*":
		g.paint(true, true)
	case "b", "b*":
		g.closePath()
		g.paint(true, true)
	case "n":
		g.resetPath()

	case "g":
		g.state.fillInk = isInk(f)
	case "G":
		g.state.strokeInk = isInk(f)
	case "rg", "k", "sc", "scn":
		g.state.fillInk = isInk(f)
	case "RG", "K", "SC", "SCN":
		g.state.strokeInk = isInk(f)
	case "cs":
		g.state.fillInk = true
	case "CS":
		g.state.strokeInk = true

	case "Do":
		if len(args) == 1 {
			g.xobject(args[0].Name(), res, depth)
		}
	}
}

func (g *graphics) device(p geom.Point) geom.Point {
	m := g.state.ctm.Multiply(g.toPage)
	x, y := m.Apply(p.X, p.Y)
	return geom.Point{X: x, Y: y}
}

func (g *graphics) moveTo(p geom.Point) {
	g.flushSubpath()
	g.current = &subpath{pts: []geom.Point{g.device(p)}}
	g.start, g.pos = p, p
}

func (g *graphics) lineTo(p geom.Point) {
	if g.current == nil {
		g.moveTo(g.pos)
	}
	g.current.pts = append(g.current.pts, g.device(p))
	g.pos = p
}

func (g *graphics) curveTo(c1, c2, end geom.Point) {
	if g.current == nil {
		g.moveTo(g.pos)
	}
	p0 := g.pos
	for i := 1; i <= bezierSteps; i++ {
		t := float64(i) / bezierSteps
		u := 1 - t
		x := u*u*u*p0.X + 3*u*u*t*c1.X + 3*u*t*t*c2.X + t*t*t*end.X
		y := u*u*u*p0.Y + 3*u*u*t*c1.Y + 3*u*t*t*c2.Y + t*t*t*end.Y
		g.current.pts = append(g.current.pts, g.device(geom.Point{X: x, Y: y}))
	}
	g.current.curved = true
	g.pos = end
}

func (g *graphics) closePath() {
	if g.current == nil || len(g.current.pts) == 0 {
		return
	}
	g.current.pts = append(g.current.pts, g.current.pts[0])
	g.pos = g.start
}

func (g *graphics) rect(x, y, w, h float64) {
	g.flushSubpath()
	corners := []geom.Point{{X: x, Y: y}, {X: x + w, Y: y}, {X: x + w, Y: y + h}, {X: x, Y: y + h}, {X: x, Y: y}}
	sp := subpath{rect: true}
	for _, c := range corners {
		sp.pts = append(sp.pts, g.device(c))
	}
	g.subpaths = append(g.subpaths, sp)
	g.start = geom.Point{X: x, Y: y}
	g.pos = g.start
}

func (g *graphics) flushSubpath() {
	if g.current != nil && len(g.current.pts) > 1 {
		g.subpaths = append(g.subpaths, *g.current)
	}
	g.current = nil
}

func (g *graphics) resetPath() {
	g.subpaths = nil
	g.current = nil
}

// paint turns the current path into primitives, one per subpath. Paths
// painted only in paper white are background and produce nothing.
func (g *graphics) paint(stroke, fill bool) {
	g.flushSubpath()
	defer g.resetPath()

	stroke = stroke && g.state.strokeInk
	fill = fill && g.state.fillInk
	if !stroke && !fill {
		return
	}

	width := g.state.lineWidth * g.state.ctm.Scale()
	for _, sp := range g.subpaths {
		kind := KindShape
		switch {
		case sp.curved:
			kind = KindCurve
		case sp.rect:
			kind = KindRect
		case len(sp.pts) == 2:
			kind = KindLine
		}
		g.paths = append(g.paths, Primitive{
			Kind:      kind,
			Box:       geom.RectFromPoints(sp.pts...),
			Subpaths:  [][]geom.Point{sp.pts},
			Stroke:    stroke,
			Fill:      fill,
			LineWidth: width,
		})
	}
}

func (g *graphics) xobject(name string, res pdf.Value, depth int) {
	xo := res.Key("XObject").Key(name)
	switch xo.Key("Subtype").Name() {
	case "Image":
		p0, p1, p2, p3 := g.state.ctm.Multiply(g.toPage).UnitSquare()
		box := geom.RectFromPoints(p0, p1, p2, p3)
		if box.Empty() {
			return
		}
		g.images = append(g.images, Raster{
			Name:        name,
			Box:         box,
			PixelWidth:  int(xo.Key("Width").Int64()),
			PixelHeight: int(xo.Key("Height").Int64()),
		})
	case "Form":
		if depth+1 >= g.maxDepth {
			return
		}
		saved := g.state
		savedStack := len(g.stack)
		if m := xo.Key("Matrix"); m.Kind() == pdf.Array && m.Len() == 6 {
			var fm geom.Matrix
			for i := range fm {
				fm[i] = m.Index(i).Float64()
			}
			g.state.ctm = fm.Multiply(g.state.ctm)
		}
		formRes := xo.Key("Resources")
		if formRes.IsNull() {
			formRes = res
		}
		g.resetPath()
		g.exec(xo, formRes, depth+1)
		g.state = saved
		if len(g.stack) > savedStack {
			g.stack = g.stack[:savedStack]
		}
	}
}

func floats(args []pdf.Value) []float64 {
	out := make([]float64, 0, len(args))
	for _, a := range args {
		switch a.Kind() {
		case pdf.Integer, pdf.Real:
			out = append(out, a.Float64())
		}
	}
	return out
}

// isInk reports whether a colour operand list (gray, RGB or CMYK) is
// distinguishable from paper white. Pattern and unknown operands are ink.
func isInk(c []float64) bool {
	switch len(c) {
	case 1:
		return c[0] < whiteLimit
	case 3:
		return c[0] < whiteLimit || c[1] < whiteLimit || c[2] < whiteLimit
	case 4:
		lim := 1 - whiteLimit
		return c[0] > lim || c[1] > lim || c[2] > lim || c[3] > lim
	default:
		return true
	}
}
