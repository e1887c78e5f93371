//go:build cgo

package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/u9401066/asset-aware-mcp/figures"
	"github.com/u9401066/asset-aware-mcp/geom"
	"github.com/u9401066/asset-aware-mcp/manifest"
)

const testDocID = "doc_0123456789abcdef"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), "")
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleManifest(body string, figIDs ...string) *manifest.Manifest {
	m := &manifest.Manifest{
		Document: manifest.Document{
			DocID:       testDocID,
			Filename:    "report.pdf",
			Title:       "Report",
			PageCount:   2,
			ContentHash: "0123456789abcdef0123456789abcdef",
		},
		Sections: []manifest.Section{
			{ID: "introduction", Title: "Introduction", Level: 1, Page: 1, StartOffset: 0, EndOffset: len(body)},
		},
		Tables: []manifest.Table{
			{ID: "tab_1", Page: 1, RowCount: 2, ColCount: 2, Cells: [][]string{{"a", "b"}, {"1", "2"}}, Preview: "| a | b |"},
		},
		Markdown: body,
	}
	for _, id := range figIDs {
		m.Figures = append(m.Figures, manifest.Figure{
			ID: id, Page: 2, Width: 10, Height: 10, Tier: figures.TierRaster,
			BBox: geom.Rect{X0: 10, Y0: 10, X1: 50, Y1: 50},
			Path: "images/" + id + ".png", PNG: []byte("png:" + id + ":" + body),
		})
	}
	m.Digest = manifest.ComputeDigest(m.Markdown, m.Figures)
	return m
}

func entries(t *testing.T, dir string) []string {
	t.Helper()
	des, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		t.Fatalf("reading %s: %v", dir, err)
	}
	var names []string
	for _, de := range des {
		names = append(names, de.Name())
	}
	return names
}

// ---------------------------------------------------------------------------
// Schema / construction
// ---------------------------------------------------------------------------

func TestNew(t *testing.T) {
	s := newTestStore(t)
	if s.DB() == nil {
		t.Fatal("expected non-nil *sql.DB")
	}
	if _, err := os.Stat(filepath.Join(s.DataDir(), "catalog.db")); err != nil {
		t.Fatalf("expected catalog in data dir: %v", err)
	}
	v, err := s.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v != len(migrations) {
		t.Fatalf("expected schema version %d, got %d", len(migrations), v)
	}
}

func TestNewSeparateCatalogPath(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "dir", "catalog.db")
	s, err := New(t.TempDir(), dbPath)
	if err != nil {
		t.Fatalf("creating store with nested catalog path: %v", err)
	}
	s.Close()
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("expected catalog at %s: %v", dbPath, err)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, "")
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	s.Close()

	s, err = New(dir, "")
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	defer s.Close()

	var n int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&n); err != nil {
		t.Fatalf("counting migrations: %v", err)
	}
	if n != len(migrations) {
		t.Fatalf("expected %d recorded migrations, got %d", len(migrations), n)
	}
}

// ---------------------------------------------------------------------------
// Publish
// ---------------------------------------------------------------------------

func TestPublishLayout(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := sampleManifest("# Introduction\n\nBody.\n", "fig_2_1")

	if err := s.Publish(ctx, m); err != nil {
		t.Fatalf("publish: %v", err)
	}

	dir := filepath.Join(s.DataDir(), testDocID)
	for _, name := range []string{testDocID + "_full.md", testDocID + "_manifest.json", "images/fig_2_1.png"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}
	if left := entries(t, filepath.Join(s.DataDir(), stagingDir)); len(left) != 0 {
		t.Errorf("expected empty staging dir, got %v", left)
	}

	raw, err := os.ReadFile(filepath.Join(dir, testDocID+"_manifest.json"))
	if err != nil {
		t.Fatalf("reading manifest: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("manifest is not JSON: %v", err)
	}
	if decoded["digest"] != m.Digest {
		t.Errorf("expected digest %s in manifest file", m.Digest)
	}

	doc, err := s.GetDocument(ctx, testDocID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if doc.Digest != m.Digest || doc.SectionCount != 1 || doc.TableCount != 1 || doc.FigureCount != 1 {
		t.Errorf("unexpected catalog row: %+v", doc)
	}
}

func TestPublishRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := sampleManifest("# Introduction\n\nBody.\n", "fig_2_1")
	if err := s.Publish(ctx, m); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got, err := s.LoadManifest(ctx, testDocID)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if got.Markdown != m.Markdown {
		t.Errorf("markdown mismatch: %q", got.Markdown)
	}
	if len(got.Figures) != 1 || got.Figures[0].Tier != figures.TierRaster {
		t.Fatalf("unexpected figures: %+v", got.Figures)
	}
	if got.Figures[0].PNG != nil {
		t.Error("expected figure bytes to stay out of the manifest")
	}
	if got.Tables[0].Cells[1][1] != "2" {
		t.Errorf("unexpected cells: %v", got.Tables[0].Cells)
	}

	png, err := s.LoadFigure(ctx, testDocID, "fig_2_1")
	if err != nil {
		t.Fatalf("load figure: %v", err)
	}
	if string(png) != string(m.Figures[0].PNG) {
		t.Errorf("figure bytes mismatch")
	}

	body, err := s.LoadMarkdown(ctx, testDocID)
	if err != nil {
		t.Fatalf("load markdown: %v", err)
	}
	if body != m.Markdown {
		t.Errorf("markdown mismatch: %q", body)
	}
}

func TestRepublishReplacesPreviousVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Publish(ctx, sampleManifest("first\n", "fig_1_1", "fig_1_2")); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	second := sampleManifest("second\n", "fig_2_1")
	if err := s.Publish(ctx, second); err != nil {
		t.Fatalf("second publish: %v", err)
	}

	images := entries(t, filepath.Join(s.DataDir(), testDocID, imagesDir))
	if len(images) != 1 || images[0] != "fig_2_1.png" {
		t.Errorf("expected only the new figure, got %v", images)
	}
	if left := entries(t, filepath.Join(s.DataDir(), trashDir)); len(left) != 0 {
		t.Errorf("expected empty trash, got %v", left)
	}

	docs, err := s.ListDocuments(ctx)
	if err != nil {
		t.Fatalf("list documents: %v", err)
	}
	if len(docs) != 1 || docs[0].Digest != second.Digest {
		t.Fatalf("expected one document with the new digest, got %+v", docs)
	}

	figs, err := s.ListAssets(ctx, testDocID, KindFigure)
	if err != nil {
		t.Fatalf("list assets: %v", err)
	}
	if len(figs) != 1 || figs[0].AssetID != "fig_2_1" {
		t.Errorf("expected catalog to hold only fig_2_1, got %+v", figs)
	}
}

func TestPublishFailureKeepsPreviousVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := sampleManifest("first\n", "fig_1_1")
	if err := s.Publish(ctx, first); err != nil {
		t.Fatalf("first publish: %v", err)
	}

	injected := errors.New("disk full")
	s.beforeCommit = func() error { return injected }
	err := s.Publish(ctx, sampleManifest("second\n", "fig_2_1"))
	if !errors.Is(err, ErrWrite) {
		t.Fatalf("expected ErrWrite, got %v", err)
	}
	if !errors.Is(err, injected) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
	s.beforeCommit = nil

	body, err := s.LoadMarkdown(ctx, testDocID)
	if err != nil {
		t.Fatalf("load markdown: %v", err)
	}
	if body != "first\n" {
		t.Errorf("expected previous body, got %q", body)
	}
	if _, err := s.LoadFigure(ctx, testDocID, "fig_1_1"); err != nil {
		t.Errorf("expected previous figure: %v", err)
	}
	if _, err := s.LoadFigure(ctx, testDocID, "fig_2_1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected new figure to be absent, got %v", err)
	}

	doc, err := s.GetDocument(ctx, testDocID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if doc.Digest != first.Digest {
		t.Errorf("expected catalog to keep the previous digest")
	}
	for _, dir := range []string{stagingDir, trashDir} {
		if left := entries(t, filepath.Join(s.DataDir(), dir)); len(left) != 0 {
			t.Errorf("expected empty %s, got %v", dir, left)
		}
	}
}

func TestPublishFailureWithoutPreviousVersion(t *testing.T) {
	s := newTestStore(t)
	s.beforeCommit = func() error { return errors.New("boom") }

	err := s.Publish(context.Background(), sampleManifest("body\n"))
	if !errors.Is(err, ErrWrite) {
		t.Fatalf("expected ErrWrite, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.DataDir(), testDocID)); !os.IsNotExist(err) {
		t.Errorf("expected no document directory, got %v", err)
	}
	if _, err := s.GetDocument(context.Background(), testDocID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected no catalog row, got %v", err)
	}
}

func TestPublishCancelled(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Publish(ctx, sampleManifest("body\n", "fig_1_1"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.DataDir(), testDocID)); !os.IsNotExist(err) {
		t.Errorf("expected nothing published, got %v", err)
	}
}

func TestPublishRejectsBadIDs(t *testing.T) {
	s := newTestStore(t)

	m := sampleManifest("body\n")
	m.Document.DocID = "../escape"
	if err := s.Publish(context.Background(), m); !errors.Is(err, ErrWrite) {
		t.Fatalf("expected ErrWrite for bad doc id, got %v", err)
	}

	m = sampleManifest("body\n", "fig_1_1")
	m.Figures[0].ID = "../../fig"
	if err := s.Publish(context.Background(), m); !errors.Is(err, ErrWrite) {
		t.Fatalf("expected ErrWrite for bad figure id, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Catalog reads
// ---------------------------------------------------------------------------

func TestListAssetsOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Publish(ctx, sampleManifest("body\n", "fig_2_1", "fig_2_2")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	all, err := s.ListAssets(ctx, testDocID, "")
	if err != nil {
		t.Fatalf("list assets: %v", err)
	}
	want := []string{"introduction", "tab_1", "fig_2_1", "fig_2_2"}
	if len(all) != len(want) {
		t.Fatalf("expected %d assets, got %d", len(want), len(all))
	}
	for i, a := range all {
		if a.AssetID != want[i] || a.Position != i {
			t.Errorf("asset %d: got %s at %d, want %s", i, a.AssetID, a.Position, want[i])
		}
	}
	if all[0].Title != "Introduction" {
		t.Errorf("expected section title, got %q", all[0].Title)
	}

	var meta tableMeta
	if err := json.Unmarshal([]byte(all[1].Metadata), &meta); err != nil {
		t.Fatalf("table metadata: %v", err)
	}
	if meta.RowCount != 2 || meta.ColCount != 2 {
		t.Errorf("unexpected table metadata: %+v", meta)
	}

	tables, err := s.ListAssets(ctx, testDocID, KindTable)
	if err != nil {
		t.Fatalf("list tables: %v", err)
	}
	if len(tables) != 1 {
		t.Errorf("expected 1 table, got %d", len(tables))
	}
}

func TestFindByContentHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := sampleManifest("body\n")
	if err := s.Publish(ctx, m); err != nil {
		t.Fatalf("publish: %v", err)
	}

	doc, err := s.FindByContentHash(ctx, m.Document.ContentHash)
	if err != nil {
		t.Fatalf("find by hash: %v", err)
	}
	if doc.DocID != testDocID {
		t.Errorf("expected %s, got %s", testDocID, doc.DocID)
	}
	if _, err := s.FindByContentHash(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetDocument(ctx, testDocID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDocument: expected ErrNotFound, got %v", err)
	}
	if _, err := s.LoadManifest(ctx, testDocID); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadManifest: expected ErrNotFound, got %v", err)
	}
	if _, err := s.LoadMarkdown(ctx, "not-an-id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadMarkdown: expected ErrNotFound, got %v", err)
	}
	if _, err := s.LoadFigure(ctx, testDocID, "../catalog"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadFigure: expected ErrNotFound, got %v", err)
	}
	if _, err := s.ListAssets(ctx, testDocID, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("ListAssets: expected ErrNotFound, got %v", err)
	}
}

func TestDeleteDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Publish(ctx, sampleManifest("body\n", "fig_1_1")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := s.DeleteDocument(ctx, testDocID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.DataDir(), testDocID)); !os.IsNotExist(err) {
		t.Errorf("expected directory removed, got %v", err)
	}
	var n int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM assets").Scan(&n); err != nil {
		t.Fatalf("counting assets: %v", err)
	}
	if n != 0 {
		t.Errorf("expected assets to cascade, got %d", n)
	}
	if err := s.DeleteDocument(ctx, testDocID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}
