// Package assetaware decomposes PDF documents into addressable assets:
// heading-delimited sections, tables and figures, published under a
// per-document directory and indexed in a SQLite catalog.
package assetaware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/u9401066/asset-aware-mcp/assets"
	"github.com/u9401066/asset-aware-mcp/manifest"
	"github.com/u9401066/asset-aware-mcp/scanner"
	"github.com/u9401066/asset-aware-mcp/store"
	"github.com/u9401066/asset-aware-mcp/structure"
)

// Engine is the main entry point of the decomposition pipeline.
type Engine interface {
	// Decompose scans, analyzes, assembles and publishes one PDF.
	Decompose(ctx context.Context, data []byte, opts ...Option) (*manifest.Manifest, error)

	// Ingest reads a PDF from disk and decomposes it. Skips the work and
	// returns the published manifest when identical bytes were already
	// published, unless WithForceReparse is given.
	Ingest(ctx context.Context, path string, opts ...Option) (*manifest.Manifest, error)

	// ListDocuments returns all published documents.
	ListDocuments(ctx context.Context) ([]store.Document, error)

	// Delete removes a published document and its assets.
	Delete(ctx context.Context, docID string) error

	// Assets returns the read side for fetching one asset at a time.
	Assets() *assets.Service

	// Store returns the underlying store for diagnostic access.
	Store() *store.Store

	// Close cleanly shuts down the engine.
	Close() error
}

// Progress reports one completed page.
type Progress struct {
	DocID string `json:"doc_id"`
	Page  int    `json:"page"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// Option configures a Decompose or Ingest call.
type Option func(*options)

type options struct {
	progress     func(Progress)
	filename     string
	forceReparse bool
}

// WithProgress registers a callback invoked once per completed page.
// Calls are serialized.
func WithProgress(fn func(Progress)) Option {
	return func(o *options) { o.progress = fn }
}

// WithFilename records the original file name of the document.
func WithFilename(name string) Option {
	return func(o *options) { o.filename = name }
}

// WithForceReparse decomposes even if identical bytes were published.
func WithForceReparse() Option {
	return func(o *options) { o.forceReparse = true }
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg    Config
	store  *store.Store
	assets *assets.Service
}

// New creates an engine with the given configuration.
func New(cfg Config) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s, err := store.New(cfg.DataDir, cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	return &engine{
		cfg:    cfg,
		store:  s,
		assets: assets.New(s),
	}, nil
}

// Decompose runs the full pipeline over data.
func (e *engine) Decompose(ctx context.Context, data []byte, opts ...Option) (*manifest.Manifest, error) {
	o := &options{}
	for _, fn := range opts {
		fn(o)
	}
	return e.decompose(ctx, data, o)
}

func (e *engine) decompose(ctx context.Context, data []byte, o *options) (*manifest.Manifest, error) {
	docID := manifest.DocID(data)
	filename := o.filename
	if filename == "" {
		filename = docID + ".pdf"
	}

	slog.Info("decompose: scanning document", "doc_id", docID, "file", filename, "bytes", len(data))
	start := time.Now()

	doc, err := scanner.Scan(ctx, data, e.cfg.Scanner)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("decompose %s: %w", docID, ctxErr)
		}
		return nil, &DecompositionError{Stage: StageOpen, DocID: docID, Err: err}
	}

	slog.Info("decompose: scan complete",
		"doc_id", docID, "pages", doc.PageCount,
		"elapsed", time.Since(start).Round(time.Millisecond))

	lay := layout{
		levels:    structure.NewLevels(structure.Collect(doc.Pages), e.cfg.Detection.Structure),
		furniture: structure.DetectFurniture(doc.Pages, e.cfg.Detection.Structure),
	}
	slog.Debug("decompose: document layout", "doc_id", docID,
		"body_size", lay.levels.Body(), "levels", lay.levels.Len(), "furniture", lay.furniture.Len())

	analyzeStart := time.Now()
	results, err := e.analyze(ctx, docID, doc, lay, o.progress)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("decompose %s: %w", docID, ctxErr)
		}
		return nil, &DecompositionError{Stage: StageAnalyze, DocID: docID, Err: err}
	}
	slog.Info("decompose: analysis complete",
		"doc_id", docID, "pages", len(results), "workers", e.cfg.workers(),
		"elapsed", time.Since(analyzeStart).Round(time.Millisecond))

	m, err := manifest.Assemble(manifest.Source{
		DocID:       docID,
		ContentHash: manifest.ContentHash(data),
		Filename:    filename,
		Title:       doc.Title,
		PageCount:   doc.PageCount,
	}, results)
	if err != nil {
		return nil, &DecompositionError{Stage: StageAssemble, DocID: docID, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("decompose %s: %w", docID, err)
	}
	if err := e.store.Publish(ctx, m); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("decompose %s: %w", docID, ctxErr)
		}
		return nil, &DecompositionError{Stage: StagePublish, DocID: docID, Err: err}
	}

	slog.Info("decompose: document published",
		"doc_id", docID, "file", filename,
		"sections", len(m.Sections), "tables", len(m.Tables), "figures", len(m.Figures),
		"diagnostics", len(m.Diagnostics),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return m, nil
}

// Ingest decomposes the PDF at path unless it was already published.
func (e *engine) Ingest(ctx context.Context, path string, opts ...Option) (*manifest.Manifest, error) {
	o := &options{}
	for _, fn := range opts {
		fn(o)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("reading document: %w", err)
	}
	if o.filename == "" {
		o.filename = filepath.Base(absPath)
	}

	if !o.forceReparse {
		existing, err := e.store.FindByContentHash(ctx, manifest.ContentHash(data))
		if err == nil {
			m, err := e.store.LoadManifest(ctx, existing.DocID)
			if err == nil {
				slog.Info("ingest: unchanged, skipping", "doc_id", existing.DocID, "file", o.filename)
				return m, nil
			}
			slog.Warn("ingest: published manifest unreadable, decomposing again",
				"doc_id", existing.DocID, "error", err)
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("checking catalog: %w", err)
		}
	}

	return e.decompose(ctx, data, o)
}

// ListDocuments returns all published documents.
func (e *engine) ListDocuments(ctx context.Context) ([]store.Document, error) {
	return e.store.ListDocuments(ctx)
}

// Delete removes a document and all associated assets.
func (e *engine) Delete(ctx context.Context, docID string) error {
	return e.assets.Delete(ctx, docID)
}

// Assets returns the asset read side.
func (e *engine) Assets() *assets.Service {
	return e.assets
}

// Store returns the underlying store.
func (e *engine) Store() *store.Store {
	return e.store
}

// Close releases the catalog.
func (e *engine) Close() error {
	return e.store.Close()
}
