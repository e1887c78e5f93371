package store

// schemaSQL is the base DDL of the asset catalog. Later changes go through
// migrations.
const schemaSQL = `
-- One row per published document, keyed by the content-derived doc_id
CREATE TABLE IF NOT EXISTS documents (
    id INTEGER PRIMARY KEY,
    doc_id TEXT NOT NULL UNIQUE,
    filename TEXT NOT NULL,
    title TEXT,
    page_count INTEGER NOT NULL DEFAULT 0,
    content_hash TEXT NOT NULL,
    digest TEXT NOT NULL,
    section_count INTEGER NOT NULL DEFAULT 0,
    table_count INTEGER NOT NULL DEFAULT 0,
    figure_count INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Addressable assets of a document in manifest order
CREATE TABLE IF NOT EXISTS assets (
    id INTEGER PRIMARY KEY,
    document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    asset_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    page INTEGER,
    position INTEGER NOT NULL,
    title TEXT,
    metadata JSON,
    UNIQUE(document_id, asset_id)
);

CREATE INDEX IF NOT EXISTS idx_documents_content_hash ON documents(content_hash);
`
