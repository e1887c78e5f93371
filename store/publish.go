package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/u9401066/asset-aware-mcp/manifest"
)

const (
	stagingDir = ".staging"
	trashDir   = ".trash"
	imagesDir  = "images"
)

// Publish materializes a manifest: the markdown body, the manifest JSON and
// every figure PNG under {dataDir}/{doc_id}, plus the catalog rows. Either
// the whole new version becomes visible or nothing changes; a previously
// published version stays intact on failure.
func (s *Store) Publish(ctx context.Context, m *manifest.Manifest) error {
	docID := m.Document.DocID
	if !docIDPattern.MatchString(docID) {
		return fmt.Errorf("%w: invalid document id %q", ErrWrite, docID)
	}
	for _, f := range m.Figures {
		if !assetIDPattern.MatchString(f.ID) {
			return fmt.Errorf("%w: invalid figure id %q", ErrWrite, f.ID)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Join(s.dataDir, stagingDir), 0o755); err != nil {
		return fmt.Errorf("%w: creating staging root: %w", ErrWrite, err)
	}
	staging := filepath.Join(s.dataDir, stagingDir, docID+"-"+uuid.NewString())
	// Removes leftovers on every failure path; a no-op once renamed.
	defer os.RemoveAll(staging)

	if err := writeTree(staging, m); err != nil {
		return s.publishError(ctx, "writing files", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.publishError(ctx, "begin transaction", err)
	}
	if err := writeCatalog(ctx, tx, m); err != nil {
		tx.Rollback()
		return s.publishError(ctx, "writing catalog", err)
	}
	if err := ctx.Err(); err != nil {
		tx.Rollback()
		return err
	}

	final := s.docDir(docID)
	var trash string
	if _, err := os.Stat(final); err == nil {
		if trash, err = s.moveToTrash(final, docID); err != nil {
			tx.Rollback()
			return s.publishError(ctx, "moving previous version", err)
		}
	}
	restore := func() {
		if trash == "" {
			return
		}
		if err := os.Rename(trash, final); err != nil {
			slog.Error("store: restoring previous version failed", "doc_id", docID, "trash", trash, "error", err)
		}
	}

	if err := os.Rename(staging, final); err != nil {
		tx.Rollback()
		restore()
		return s.publishError(ctx, "renaming staging directory", err)
	}

	if err := s.commit(tx); err != nil {
		tx.Rollback()
		if rmErr := os.RemoveAll(final); rmErr != nil {
			slog.Error("store: removing unpublished version failed", "doc_id", docID, "error", rmErr)
		}
		restore()
		return s.publishError(ctx, "commit", err)
	}

	if trash != "" {
		if err := os.RemoveAll(trash); err != nil {
			slog.Warn("store: removing previous version", "doc_id", docID, "error", err)
		}
	}
	if err := syncDir(s.dataDir); err != nil {
		slog.Warn("store: syncing data directory", "error", err)
	}

	slog.Info("store: document published",
		"doc_id", docID,
		"sections", len(m.Sections),
		"tables", len(m.Tables),
		"figures", len(m.Figures))
	return nil
}

func (s *Store) commit(tx *sql.Tx) error {
	if s.beforeCommit != nil {
		if err := s.beforeCommit(); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// publishError reports cancellation as the context error and every other
// failure as ErrWrite.
func (s *Store) publishError(ctx context.Context, step string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %s: %w", ErrWrite, step, err)
}

func (s *Store) docDir(docID string) string {
	return filepath.Join(s.dataDir, docID)
}

// moveToTrash renames a document directory out of the way and returns its
// new location.
func (s *Store) moveToTrash(dir, docID string) (string, error) {
	if err := os.MkdirAll(filepath.Join(s.dataDir, trashDir), 0o755); err != nil {
		return "", err
	}
	trash := filepath.Join(s.dataDir, trashDir, docID+"-"+uuid.NewString())
	if err := os.Rename(dir, trash); err != nil {
		return "", err
	}
	return trash, nil
}

func writeTree(dir string, m *manifest.Manifest) error {
	docID := m.Document.DocID
	if err := os.MkdirAll(filepath.Join(dir, imagesDir), 0o755); err != nil {
		return err
	}

	if err := writeFileSync(filepath.Join(dir, docID+"_full.md"), []byte(m.Markdown)); err != nil {
		return err
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := writeFileSync(filepath.Join(dir, docID+"_manifest.json"), data); err != nil {
		return err
	}

	for _, f := range m.Figures {
		if err := writeFileSync(filepath.Join(dir, imagesDir, f.ID+".png"), f.PNG); err != nil {
			return err
		}
	}

	if err := syncDir(filepath.Join(dir, imagesDir)); err != nil {
		return err
	}
	return syncDir(dir)
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// --- Catalog writes ---

type sectionMeta struct {
	Level       int    `json:"level"`
	ParentID    string `json:"parent_id,omitempty"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
}

type tableMeta struct {
	RowCount int    `json:"row_count"`
	ColCount int    `json:"col_count"`
	Preview  string `json:"preview_text"`
}

type figureMeta struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Tier   string `json:"detection_tier"`
	Path   string `json:"path"`
}

func writeCatalog(ctx context.Context, tx *sql.Tx, m *manifest.Manifest) error {
	d := m.Document
	_, err := tx.ExecContext(ctx, `
		INSERT INTO documents (doc_id, filename, title, page_count, content_hash, digest,
			section_count, table_count, figure_count, diagnostic_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			filename = excluded.filename,
			title = excluded.title,
			page_count = excluded.page_count,
			content_hash = excluded.content_hash,
			digest = excluded.digest,
			section_count = excluded.section_count,
			table_count = excluded.table_count,
			figure_count = excluded.figure_count,
			diagnostic_count = excluded.diagnostic_count,
			updated_at = CURRENT_TIMESTAMP`,
		d.DocID, d.Filename, d.Title, d.PageCount, d.ContentHash, m.Digest,
		len(m.Sections), len(m.Tables), len(m.Figures), len(m.Diagnostics))
	if err != nil {
		return fmt.Errorf("upserting document: %w", err)
	}

	var id int64
	if err := tx.QueryRowContext(ctx, "SELECT id FROM documents WHERE doc_id = ?", d.DocID).Scan(&id); err != nil {
		return fmt.Errorf("reading document id: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM assets WHERE document_id = ?", id); err != nil {
		return fmt.Errorf("clearing assets: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO assets (document_id, asset_id, kind, page, position, title, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	pos := 0
	insert := func(assetID, kind string, page int, title string, meta any) error {
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, id, assetID, kind, page, pos, title, string(data)); err != nil {
			return fmt.Errorf("inserting %s %s: %w", kind, assetID, err)
		}
		pos++
		return nil
	}

	for _, sec := range m.Sections {
		meta := sectionMeta{Level: sec.Level, ParentID: sec.ParentID, StartOffset: sec.StartOffset, EndOffset: sec.EndOffset}
		if err := insert(sec.ID, KindSection, sec.Page, sec.Title, meta); err != nil {
			return err
		}
	}
	for _, t := range m.Tables {
		meta := tableMeta{RowCount: t.RowCount, ColCount: t.ColCount, Preview: t.Preview}
		if err := insert(t.ID, KindTable, t.Page, "", meta); err != nil {
			return err
		}
	}
	for _, f := range m.Figures {
		meta := figureMeta{Width: f.Width, Height: f.Height, Tier: f.Tier.String(), Path: f.Path}
		if err := insert(f.ID, KindFigure, f.Page, "", meta); err != nil {
			return err
		}
	}
	return nil
}

// --- File reads ---

// LoadManifest reads a published manifest, including its markdown body.
// Figure PNG bytes are not loaded; use LoadFigure.
func (s *Store) LoadManifest(ctx context.Context, docID string) (*manifest.Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !docIDPattern.MatchString(docID) {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, docID)
	}

	data, err := readDocFile(s.docDir(docID), docID+"_manifest.json")
	if err != nil {
		return nil, err
	}
	var m manifest.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest %s: %w", docID, err)
	}

	body, err := readDocFile(s.docDir(docID), docID+"_full.md")
	if err != nil {
		return nil, err
	}
	m.Markdown = string(body)
	return &m, nil
}

// LoadMarkdown reads the full markdown body of a published document.
func (s *Store) LoadMarkdown(ctx context.Context, docID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !docIDPattern.MatchString(docID) {
		return "", fmt.Errorf("%w: document %s", ErrNotFound, docID)
	}
	data, err := readDocFile(s.docDir(docID), docID+"_full.md")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// LoadFigure reads the PNG bytes of one figure.
func (s *Store) LoadFigure(ctx context.Context, docID, figID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !docIDPattern.MatchString(docID) {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, docID)
	}
	if !assetIDPattern.MatchString(figID) {
		return nil, fmt.Errorf("%w: figure %s", ErrNotFound, figID)
	}
	return readDocFile(s.docDir(docID), filepath.Join(imagesDir, figID+".png"))
}

func readDocFile(dir, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return data, err
}
