package scanner

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/image/tiff"
)

// rasterSource supplies image bytes for placements found by the content
// stream interpreter. ledongthuc/pdf cannot decode DCT or CCITT streams, so
// image data comes from a second, pdfcpu-backed view of the same file.
type rasterSource struct {
	ctx *model.Context
	err error
}

func newRasterSource(data []byte) *rasterSource {
	s := &rasterSource{}
	func() {
		defer func() {
			if p := recover(); p != nil {
				s.err = fmt.Errorf("pdfcpu: %v", p)
			}
		}()
		conf := model.NewDefaultConfiguration()
		s.ctx, s.err = api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	}()
	if s.err != nil {
		slog.Warn("scanner: raster extraction unavailable", "error", s.err)
	}
	return s
}

// attach fills Raster.PNG for every placement on page. Failures leave the
// placement without bytes and add a WarnRaster warning.
func (s *rasterSource) attach(page *Page) {
	if len(page.Images) == 0 {
		return
	}
	if s.err != nil {
		page.Warnings = append(page.Warnings, Warning{
			Kind:    WarnRaster,
			Message: fmt.Sprintf("page %d: image data unavailable: %v", page.Index, s.err),
		})
		return
	}

	imgs, err := s.extract(page.Index)
	if err != nil {
		page.Warnings = append(page.Warnings, Warning{
			Kind:    WarnRaster,
			Message: fmt.Sprintf("page %d: %v", page.Index, err),
		})
		return
	}

	byName := make(map[string]model.Image, len(imgs))
	var only *model.Image
	for _, img := range imgs {
		byName[img.Name] = img
		if len(imgs) == 1 {
			only = &img
		}
	}

	encoded := make(map[string][]byte)
	for i := range page.Images {
		r := &page.Images[i]
		if data, ok := encoded[r.Name]; ok {
			r.PNG = data
			continue
		}
		img, ok := byName[r.Name]
		if !ok && only != nil {
			// Optimisation may rename a lone image resource.
			img, ok = *only, true
		}
		if !ok {
			page.Warnings = append(page.Warnings, Warning{
				Kind:    WarnRaster,
				Message: fmt.Sprintf("page %d: no image data for %s", page.Index, r.Name),
			})
			continue
		}
		data, w, h, err := toPNG(img)
		if err != nil {
			page.Warnings = append(page.Warnings, Warning{
				Kind:    WarnRaster,
				Message: fmt.Sprintf("page %d: decoding %s: %v", page.Index, r.Name, err),
			})
			continue
		}
		encoded[r.Name] = data
		r.PNG = data
		if r.PixelWidth == 0 {
			r.PixelWidth, r.PixelHeight = w, h
		}
	}
}

func (s *rasterSource) extract(pageNr int) (imgs map[int]model.Image, err error) {
	defer func() {
		if p := recover(); p != nil {
			imgs, err = nil, fmt.Errorf("extracting images: %v", p)
		}
	}()
	return pdfcpu.ExtractPageImages(s.ctx, pageNr, false)
}

// toPNG decodes an extracted image and re-encodes it as PNG.
func toPNG(img model.Image) ([]byte, int, int, error) {
	raw, err := io.ReadAll(img)
	if err != nil {
		return nil, 0, 0, err
	}

	var decoded image.Image
	switch img.FileType {
	case "jpg", "jpeg":
		decoded, err = jpeg.Decode(bytes.NewReader(raw))
	case "png":
		decoded, err = png.Decode(bytes.NewReader(raw))
	case "tif", "tiff":
		decoded, err = tiff.Decode(bytes.NewReader(raw))
	default:
		decoded, _, err = image.Decode(bytes.NewReader(raw))
	}
	if err != nil {
		return nil, 0, 0, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, decoded); err != nil {
		return nil, 0, 0, err
	}
	b := decoded.Bounds()
	return buf.Bytes(), b.Dx(), b.Dy(), nil
}
