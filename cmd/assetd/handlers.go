package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	assetaware "github.com/u9401066/asset-aware-mcp"
)

const maxUploadBytes = 100 << 20

type handler struct {
	engine assetaware.Engine
	// ingestRoot is the only directory path requests may read from. Empty
	// disables path requests; uploads are always accepted.
	ingestRoot string
}

func newHandler(e assetaware.Engine, ingestRoot string) *handler {
	return &handler{engine: e, ingestRoot: ingestRoot}
}

// POST /documents takes either a multipart "file" upload or a JSON body
// {"path": ..., "force": ...} naming a PDF under the ingest root.
func (h *handler) handleDecompose(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	if r.ParseMultipartForm(maxUploadBytes) == nil {
		if file, hdr, err := r.FormFile("file"); err == nil {
			defer file.Close()
			h.decomposeUpload(ctx, w, file, filepath.Base(hdr.Filename))
			return
		}
	}

	var req struct {
		Path  string `json:"path"`
		Force bool   `json:"force,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "expected a multipart \"file\" or a JSON body with \"path\"")
		return
	}
	if h.ingestRoot == "" {
		writeError(w, http.StatusForbidden, "path ingestion is disabled; upload the file instead")
		return
	}
	path, err := h.resolvePath(req.Path)
	if err != nil {
		writeError(w, http.StatusForbidden, "path is outside the ingest root")
		return
	}
	if fi, err := os.Stat(path); err != nil || !fi.Mode().IsRegular() {
		writeError(w, http.StatusBadRequest, "path is not a regular file")
		return
	}

	var opts []assetaware.Option
	if req.Force {
		opts = append(opts, assetaware.WithForceReparse())
	}
	m, err := h.engine.Ingest(ctx, path, opts...)
	if err != nil {
		slog.Error("http: ingest failed", "path", path, "error", err)
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary(m.Document.DocID, m.Document.Title, len(m.Sections), len(m.Tables), len(m.Figures)))
}

// decomposeUpload decomposes an uploaded body. name is recorded as the
// filename only and never touches the filesystem.
func (h *handler) decomposeUpload(ctx context.Context, w http.ResponseWriter, body io.Reader, name string) {
	data, err := io.ReadAll(io.LimitReader(body, maxUploadBytes+1))
	if err != nil {
		slog.Error("http: reading upload", "file", name, "error", err)
		writeError(w, http.StatusInternalServerError, "could not read upload")
		return
	}
	if len(data) > maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	}

	m, err := h.engine.Decompose(ctx, data, assetaware.WithFilename(name))
	if err != nil {
		slog.Error("http: decompose failed", "file", name, "error", err)
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary(m.Document.DocID, m.Document.Title, len(m.Sections), len(m.Tables), len(m.Figures)))
}

// resolvePath resolves p, relative paths against the ingest root, and
// follows symlinks so the result cannot escape the root.
func (h *handler) resolvePath(p string) (string, error) {
	root, err := filepath.EvalSymlinks(h.ingestRoot)
	if err != nil {
		return "", err
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside %s", p, root)
	}
	return resolved, nil
}

func summary(docID, title string, sections, tables, figures int) map[string]any {
	return map[string]any{
		"doc_id":   docID,
		"title":    title,
		"sections": sections,
		"tables":   tables,
		"figures":  figures,
	}
}

// GET /documents
func (h *handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.engine.ListDocuments(r.Context())
	if err != nil {
		slog.Error("http: listing documents", "error", err)
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documents": docs,
	})
}

// GET /documents/{id}
func (h *handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	idx, err := h.engine.Assets().Index(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, idx)
}

// DELETE /documents/{id}
func (h *handler) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.Delete(r.Context(), id); err != nil {
		slog.Error("http: delete failed", "doc_id", id, "error", err)
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"doc_id": id, "status": "deleted"})
}

// GET /documents/{id}/text
func (h *handler) handleFullText(w http.ResponseWriter, r *http.Request) {
	body, err := h.engine.Assets().FullText(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeBody(w, "text/markdown; charset=utf-8", []byte(body))
}

// GET /documents/{id}/sections/{sid}
// sid is a section ID or a case-insensitive title.
func (h *handler) handleSection(w http.ResponseWriter, r *http.Request) {
	sec, err := h.engine.Assets().Section(r.Context(), r.PathValue("id"), r.PathValue("sid"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sec)
}

// GET /documents/{id}/tables/{tid}?format=json|md|xlsx
func (h *handler) handleTable(w http.ResponseWriter, r *http.Request) {
	docID, tid := r.PathValue("id"), r.PathValue("tid")
	assets := h.engine.Assets()

	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		t, err := assets.Table(r.Context(), docID, tid)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	case "md", "markdown":
		t, err := assets.Table(r.Context(), docID, tid)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeBody(w, "text/markdown; charset=utf-8", []byte(t.Markdown))
	case "xlsx":
		data, err := assets.TableXLSX(r.Context(), docID, tid)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		w.Header().Set("Content-Disposition", `attachment; filename="`+tid+`.xlsx"`)
		writeBody(w, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
	default:
		writeError(w, http.StatusBadRequest, "format must be json, md or xlsx")
	}
}

// GET /documents/{id}/figures/{fid}?max_size=N
func (h *handler) handleFigure(w http.ResponseWriter, r *http.Request) {
	maxSize := 0
	if v := r.URL.Query().Get("max_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 10000 {
			writeError(w, http.StatusBadRequest, "max_size must be an integer between 0 and 10000")
			return
		}
		maxSize = n
	}

	fig, err := h.engine.Assets().Figure(r.Context(), r.PathValue("id"), r.PathValue("fid"), maxSize)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("X-Figure-Page", strconv.Itoa(fig.Page))
	w.Header().Set("X-Figure-Tier", fig.Tier.String())
	writeBody(w, "image/png", fig.PNG)
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorStatus maps engine errors to HTTP status codes.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, assetaware.ErrDocumentNotFound):
		return http.StatusNotFound, "document not found"
	case errors.Is(err, assetaware.ErrAssetNotFound):
		return http.StatusNotFound, "asset not found"
	case errors.Is(err, assetaware.ErrDocumentOpen):
		return http.StatusUnprocessableEntity, "document cannot be opened"
	case errors.Is(err, assetaware.ErrNoContentExtracted):
		return http.StatusUnprocessableEntity, "no content extracted; the document may need OCR"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"
	case errors.Is(err, assetaware.ErrAssetWrite):
		return http.StatusServiceUnavailable, "asset write failed; retry"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	status, msg := errorStatus(err)
	writeError(w, status, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeBody(w http.ResponseWriter, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
