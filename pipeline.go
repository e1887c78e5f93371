package assetaware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/u9401066/asset-aware-mcp/figures"
	"github.com/u9401066/asset-aware-mcp/geom"
	"github.com/u9401066/asset-aware-mcp/manifest"
	"github.com/u9401066/asset-aware-mcp/scanner"
	"github.com/u9401066/asset-aware-mcp/structure"
	"github.com/u9401066/asset-aware-mcp/tables"
)

// layout is the document-wide state every page analysis reads.
type layout struct {
	levels    structure.Levels
	furniture structure.Furniture
}

// analyze runs the per-page detectors on a bounded worker pool. Results
// are indexed by page position so assembly order does not depend on
// completion order.
func (e *engine) analyze(ctx context.Context, docID string, doc *scanner.Document, lay layout, progress func(Progress)) ([]manifest.PageResult, error) {
	results := make([]manifest.PageResult, len(doc.Pages))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.workers())

	var (
		mu   sync.Mutex
		done int
	)
	for i, page := range doc.Pages {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := e.analyzePage(gctx, page, lay)
			if err != nil {
				return err
			}
			results[i] = res

			if progress != nil {
				mu.Lock()
				done++
				progress(Progress{DocID: docID, Page: page.Index, Done: done, Total: len(doc.Pages)})
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// analyzePage runs tables, then structure with table regions and running
// headers excluded, then figures. Detector failures other than cancellation become page
// warnings.
func (e *engine) analyzePage(ctx context.Context, page *scanner.Page, lay layout) (res manifest.PageResult, err error) {
	res = manifest.PageResult{Page: page.Index, Warnings: slices.Clone(page.Warnings)}

	defer func() {
		if r := recover(); r != nil {
			slog.Warn("pipeline: page analysis panicked", "page", page.Index, "panic", r, "stack", string(debug.Stack()))
			warn := scanner.Warning{
				Kind:    scanner.WarnPageParse,
				Message: fmt.Sprintf("page %d: analysis failed: %v", page.Index, r),
			}
			res = manifest.PageResult{Page: page.Index, Warnings: append(slices.Clone(page.Warnings), warn)}
			err = nil
		}
	}()

	det := e.cfg.Detection

	res.Tables, res.Rejected = tables.Detect(page, det.Tables)
	regions := make([]geom.Rect, len(res.Tables))
	for i, t := range res.Tables {
		regions[i] = t.Box
	}

	textExclude := append(slices.Clone(regions), lay.furniture.Boxes(page)...)
	res.Blocks = structure.Classify(page, lay.levels, textExclude, det.Structure)

	figs, err := figures.Locate(ctx, page, regions, det.Figures)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		slog.Warn("pipeline: figure location failed", "page", page.Index, "error", err)
		res.Warnings = append(res.Warnings, scanner.Warning{
			Kind:    scanner.WarnRaster,
			Message: fmt.Sprintf("page %d: %v", page.Index, err),
		})
		return res, nil
	}
	res.Figures, res.Dropped = figs.Figures, figs.Dropped
	return res, nil
}
