// Package store persists decomposed documents: the markdown body, figure
// images and manifest under a per-document directory, plus a SQLite catalog
// used for listing and lookups.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrWrite wraps every failure of the publish step. Nothing of the new
	// version is visible when it is returned.
	ErrWrite = errors.New("store: asset write failed")
	// ErrNotFound is returned for unknown documents and assets.
	ErrNotFound = errors.New("store: not found")
)

// Asset kinds recorded in the catalog.
const (
	KindSection = "section"
	KindTable   = "table"
	KindFigure  = "figure"
)

var (
	docIDPattern   = regexp.MustCompile(`^doc_[0-9a-f]{16}$`)
	assetIDPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)
)

// Document represents a row in the documents table.
type Document struct {
	ID              int64  `json:"-"`
	DocID           string `json:"doc_id"`
	Filename        string `json:"filename"`
	Title           string `json:"title"`
	PageCount       int    `json:"page_count"`
	ContentHash     string `json:"content_hash"`
	Digest          string `json:"digest"`
	SectionCount    int    `json:"section_count"`
	TableCount      int    `json:"table_count"`
	FigureCount     int    `json:"figure_count"`
	DiagnosticCount int    `json:"diagnostic_count"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// Asset represents a row in the assets table.
type Asset struct {
	AssetID  string `json:"id"`
	Kind     string `json:"kind"`
	Page     int    `json:"page"`
	Position int    `json:"position"`
	Title    string `json:"title,omitempty"`
	Metadata string `json:"metadata,omitempty"`
}

// Store owns the data directory and the catalog database.
type Store struct {
	db      *sql.DB
	dataDir string

	// beforeCommit runs after the new directory is in place and before the
	// catalog transaction commits. Tests use it to inject failures.
	beforeCommit func() error
}

// New opens (or creates) the catalog at dbPath and the data directory.
// An empty dbPath places the catalog at {dataDir}/catalog.db.
func New(dataDir, dbPath string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "catalog.db")
	}
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, dataDir: dataDir}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// DataDir returns the root of the per-document directories.
func (s *Store) DataDir() string {
	return s.dataDir
}

// --- Catalog reads ---

const documentColumns = `id, doc_id, filename, COALESCE(title, ''), page_count, content_hash, digest,
	section_count, table_count, figure_count, diagnostic_count, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (*Document, error) {
	d := &Document{}
	err := row.Scan(&d.ID, &d.DocID, &d.Filename, &d.Title, &d.PageCount, &d.ContentHash, &d.Digest,
		&d.SectionCount, &d.TableCount, &d.FigureCount, &d.DiagnosticCount, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// GetDocument retrieves a document by its doc_id.
func (s *Store) GetDocument(ctx context.Context, docID string) (*Document, error) {
	d, err := scanDocument(s.db.QueryRowContext(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE doc_id = ?", docID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, docID)
	}
	return d, err
}

// FindByContentHash returns the document published from identical bytes.
func (s *Store) FindByContentHash(ctx context.Context, hash string) (*Document, error) {
	d, err := scanDocument(s.db.QueryRowContext(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE content_hash = ?", hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: content %s", ErrNotFound, hash)
	}
	return d, err
}

// ListDocuments returns all documents, most recently published first.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+documentColumns+" FROM documents ORDER BY updated_at DESC, id DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

// ListAssets returns the assets of a document in manifest order. An empty
// kind lists every kind.
func (s *Store) ListAssets(ctx context.Context, docID, kind string) ([]Asset, error) {
	doc, err := s.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}

	query := `SELECT asset_id, kind, COALESCE(page, 0), position, COALESCE(title, ''), COALESCE(metadata, '')
		FROM assets WHERE document_id = ?`
	args := []any{doc.ID}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY position"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []Asset
	for rows.Next() {
		var a Asset
		if err := rows.Scan(&a.AssetID, &a.Kind, &a.Page, &a.Position, &a.Title, &a.Metadata); err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// DeleteDocument removes a document's catalog rows and its directory.
func (s *Store) DeleteDocument(ctx context.Context, docID string) error {
	if !docIDPattern.MatchString(docID) {
		return fmt.Errorf("%w: document %s", ErrNotFound, docID)
	}
	final := s.docDir(docID)
	_, statErr := os.Stat(final)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE doc_id = ?", docID)
	if err != nil {
		tx.Rollback()
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 && statErr != nil {
		tx.Rollback()
		return fmt.Errorf("%w: document %s", ErrNotFound, docID)
	}

	var trash string
	if statErr == nil {
		if trash, err = s.moveToTrash(final, docID); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: %w", ErrWrite, err)
		}
	}
	if err := tx.Commit(); err != nil {
		if trash != "" {
			os.Rename(trash, final)
		}
		return err
	}
	if trash != "" {
		if err := os.RemoveAll(trash); err != nil {
			slog.Warn("store: removing deleted document", "doc_id", docID, "error", err)
		}
	}
	slog.Info("store: document deleted", "doc_id", docID)
	return nil
}
