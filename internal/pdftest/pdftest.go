// Package pdftest builds small, well-formed PDF files for package tests.
//
// Callers place content in a top-left origin coordinate system (y grows
// downward) that matches the page space used by the scanner, so expected
// boxes in tests can be written directly.
package pdftest

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"strings"
)

// Font selects one of the standard fonts registered on every page.
type Font int

const (
	Regular Font = iota
	Bold
	Italic
)

func (f Font) resource() string {
	switch f {
	case Bold:
		return "F2"
	case Italic:
		return "F3"
	default:
		return "F1"
	}
}

// GlyphWidth is the advance of every printable character, in thousandths
// of an em. A fixed width keeps expected run boxes easy to compute.
const GlyphWidth = 500

// TextWidth returns the rendered width of s at the given size.
func TextWidth(s string, size float64) float64 {
	return float64(len(s)) * GlyphWidth / 1000 * size
}

type imageObj struct {
	name          string
	data          []byte
	width, height int
}

// Page accumulates the content stream of one page.
type Page struct {
	width, height float64
	ops           strings.Builder
	images        []imageObj
}

// Builder assembles pages into a PDF file.
type Builder struct {
	title string
	pages []*Page
}

// New returns an empty builder.
func New() *Builder { return &Builder{} }

// Title sets the /Info /Title entry.
func (b *Builder) Title(t string) *Builder {
	b.title = t
	return b
}

// Page appends a US Letter page.
func (b *Builder) Page() *Page {
	return b.PageSize(612, 792)
}

// PageSize appends a page with a custom MediaBox.
func (b *Builder) PageSize(w, h float64) *Page {
	p := &Page{width: w, height: h}
	b.pages = append(b.pages, p)
	return p
}

// Text shows s with its baseline at (x, y).
func (p *Page) Text(x, y, size float64, f Font, s string) *Page {
	fmt.Fprintf(&p.ops, "BT /%s %s Tf %s %s Td (%s) Tj ET\n",
		f.resource(), num(size), num(x), num(p.height-y), escape(s))
	return p
}

// Line strokes a segment from (x0, y0) to (x1, y1).
func (p *Page) Line(x0, y0, x1, y1, width float64) *Page {
	fmt.Fprintf(&p.ops, "%s w %s %s m %s %s l S\n",
		num(width), num(x0), num(p.height-y0), num(x1), num(p.height-y1))
	return p
}

// Rect paints a rectangle whose top-left corner is (x, y).
func (p *Page) Rect(x, y, w, h float64, fill bool) *Page {
	op := "S"
	if fill {
		op = "f"
	}
	fmt.Fprintf(&p.ops, "%s %s %s %s re %s\n",
		num(x), num(p.height-y-h), num(w), num(h), op)
	return p
}

// Curve strokes a cubic Bézier from (x0, y0) to (x3, y3).
func (p *Page) Curve(x0, y0, x1, y1, x2, y2, x3, y3 float64) *Page {
	fmt.Fprintf(&p.ops, "%s %s m %s %s %s %s %s %s c S\n",
		num(x0), num(p.height-y0),
		num(x1), num(p.height-y1), num(x2), num(p.height-y2), num(x3), num(p.height-y3))
	return p
}

// Gray sets the fill colour.
func (p *Page) Gray(v float64) *Page {
	fmt.Fprintf(&p.ops, "%s g\n", num(v))
	return p
}

// Image places a JPEG in the box whose top-left corner is (x, y).
func (p *Page) Image(x, y, w, h float64, jpg []byte, pxW, pxH int) *Page {
	name := fmt.Sprintf("Im%d", len(p.images)+1)
	p.images = append(p.images, imageObj{name: name, data: jpg, width: pxW, height: pxH})
	fmt.Fprintf(&p.ops, "q %s 0 0 %s %s %s cm /%s Do Q\n",
		num(w), num(h), num(x), num(p.height-y-h), name)
	return p
}

// Raw appends operators verbatim. Tests use it to produce malformed streams.
func (p *Page) Raw(ops string) *Page {
	p.ops.WriteString(ops)
	p.ops.WriteByte('\n')
	return p
}

// Bytes serialises the document with a classic xref table.
func (b *Builder) Bytes() []byte {
	w := &writer{}
	w.buf.WriteString("%PDF-1.4\n")

	// Fixed object numbers: 1 catalog, 2 page tree, 3-5 fonts, 6 info.
	next := 7
	type pageRefs struct {
		page, content int
		images        []int
	}
	refs := make([]pageRefs, len(b.pages))
	for i, p := range b.pages {
		refs[i].page = next
		refs[i].content = next + 1
		next += 2
		for range p.images {
			refs[i].images = append(refs[i].images, next)
			next++
		}
	}

	w.object(1, "<< /Type /Catalog /Pages 2 0 R >>")

	var kids strings.Builder
	for i, r := range refs {
		if i > 0 {
			kids.WriteByte(' ')
		}
		fmt.Fprintf(&kids, "%d 0 R", r.page)
	}
	w.object(2, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids.String(), len(b.pages)))

	for i, base := range []string{"Helvetica", "Helvetica-Bold", "Helvetica-Oblique"} {
		w.object(3+i, fontDict(base))
	}
	w.object(6, fmt.Sprintf("<< /Title (%s) /Producer (pdftest) >>", escape(b.title)))

	for i, p := range b.pages {
		r := refs[i]
		var xobjs strings.Builder
		for j, img := range p.images {
			fmt.Fprintf(&xobjs, " /%s %d 0 R", img.name, r.images[j])
		}
		res := "/Font << /F1 3 0 R /F2 4 0 R /F3 5 0 R >>"
		if xobjs.Len() > 0 {
			res += " /XObject <<" + xobjs.String() + " >>"
		}
		w.object(r.page, fmt.Sprintf(
			"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %s %s] /Resources << %s >> /Contents %d 0 R >>",
			num(p.width), num(p.height), res, r.content))
		w.stream(r.content, "", []byte(p.ops.String()))
		for j, img := range p.images {
			w.stream(r.images[j], fmt.Sprintf(
				"/Type /XObject /Subtype /Image /Width %d /Height %d /ColorSpace /DeviceRGB /BitsPerComponent 8 /Filter /DCTDecode",
				img.width, img.height), img.data)
		}
	}

	return w.finish(next, 6)
}

// JPEG encodes a w×h image with a diagonal gradient so the encoder output
// is not trivially compressible.
func JPEG(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func fontDict(base string) string {
	var widths strings.Builder
	for c := 32; c <= 126; c++ {
		if c > 32 {
			widths.WriteByte(' ')
		}
		fmt.Fprintf(&widths, "%d", GlyphWidth)
	}
	return fmt.Sprintf(
		"<< /Type /Font /Subtype /Type1 /BaseFont /%s /Encoding /WinAnsiEncoding /FirstChar 32 /LastChar 126 /Widths [%s] >>",
		base, widths.String())
}

type writer struct {
	buf     bytes.Buffer
	offsets map[int]int
}

func (w *writer) object(n int, body string) {
	w.mark(n)
	fmt.Fprintf(&w.buf, "%d 0 obj\n%s\nendobj\n", n, body)
}

func (w *writer) stream(n int, dict string, data []byte) {
	w.mark(n)
	fmt.Fprintf(&w.buf, "%d 0 obj\n<< %s /Length %d >>\nstream\n", n, dict, len(data))
	w.buf.Write(data)
	w.buf.WriteString("\nendstream\nendobj\n")
}

func (w *writer) mark(n int) {
	if w.offsets == nil {
		w.offsets = make(map[int]int)
	}
	w.offsets[n] = w.buf.Len()
}

func (w *writer) finish(size, info int) []byte {
	xref := w.buf.Len()
	fmt.Fprintf(&w.buf, "xref\n0 %d\n", size)
	w.buf.WriteString("0000000000 65535 f \n")
	for n := 1; n < size; n++ {
		fmt.Fprintf(&w.buf, "%010d 00000 n \n", w.offsets[n])
	}
	fmt.Fprintf(&w.buf, "trailer\n<< /Size %d /Root 1 0 R /Info %d 0 R >>\nstartxref\n%d\n%%%%EOF\n", size, info, xref)
	return w.buf.Bytes()
}

func num(v float64) string {
	s := fmt.Sprintf("%.3f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

func escape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`)
	return r.Replace(s)
}
