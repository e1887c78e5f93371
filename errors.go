package assetaware

import (
	"errors"

	"github.com/u9401066/asset-aware-mcp/assets"
)

var (
	// ErrDocumentOpen is returned when the PDF cannot be opened at all.
	ErrDocumentOpen = errors.New("assetaware: document cannot be opened")

	// ErrNoContentExtracted is returned when no page yields text, tables or
	// figures. Scanned documents end here; they need OCR.
	ErrNoContentExtracted = errors.New("assetaware: no content extracted")

	// ErrAssetWrite is returned when publishing fails. Nothing of the new
	// version is visible and the call can be retried.
	ErrAssetWrite = errors.New("assetaware: asset write failed")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("assetaware: invalid configuration")

	// ErrDocumentNotFound is returned when a document ID does not exist.
	ErrDocumentNotFound = assets.ErrDocumentNotFound

	// ErrAssetNotFound is returned when a section, table or figure ID does
	// not exist in a document.
	ErrAssetNotFound = assets.ErrAssetNotFound
)

// Pipeline stages reported by DecompositionError.
const (
	StageOpen     = "open"
	StageAnalyze  = "analyze"
	StageAssemble = "assemble"
	StagePublish  = "publish"
)

// DecompositionError is a hard failure of one pipeline stage.
type DecompositionError struct {
	Stage string
	DocID string
	Err   error
}

func (e *DecompositionError) Error() string {
	if e.DocID == "" {
		return "assetaware: " + e.Stage + ": " + e.Err.Error()
	}
	return "assetaware: " + e.Stage + " " + e.DocID + ": " + e.Err.Error()
}

func (e *DecompositionError) Unwrap() error { return e.Err }

// Is matches the root sentinel of the failing stage, so callers can test
// errors.Is(err, ErrDocumentOpen) without knowing the package cause.
func (e *DecompositionError) Is(target error) bool {
	switch target {
	case ErrDocumentOpen:
		return e.Stage == StageOpen
	case ErrNoContentExtracted:
		return e.Stage == StageAssemble
	case ErrAssetWrite:
		return e.Stage == StagePublish
	}
	return false
}
