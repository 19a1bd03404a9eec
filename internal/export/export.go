// Package export renders persisted document snapshots to portable formats.
// It reads the last-saved state from the snapshot store, never the live
// replica, so an export is always a converged point-in-time view.
package export

import (
	"context"
	"errors"
	"fmt"

	"loom/collab/internal/crdt"
	"loom/collab/internal/snapshot"
)

// Format is the export output format.
type Format string

const (
	FormatHTML Format = "html"
	FormatText Format = "txt"
	FormatPDF  Format = "pdf"
)

// Result is the rendered export payload.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrUnsupportedFormat indicates the requested format is unknown.
	ErrUnsupportedFormat = errors.New("export: unsupported format")
	// ErrPDFDependencyMissing indicates no chromium binary is available.
	ErrPDFDependencyMissing = errors.New("export: pdf dependency missing")
)

// Service renders exports from snapshot state.
type Service struct {
	store snapshot.Store
}

func NewService(store snapshot.Store) *Service {
	return &Service{store: store}
}

// Export renders the document's last-saved snapshot in the requested
// format. Returns snapshot.ErrNotFound when the document was never saved.
func (s *Service) Export(ctx context.Context, documentID string, format Format) (*Result, error) {
	state, err := s.store.Load(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	doc, err := crdt.Load(1, state)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	switch format {
	case FormatText:
		return &Result{
			Data:     []byte(doc.Text()),
			Filename: sanitizeFilename(documentID) + ".txt",
			MimeType: "text/plain; charset=utf-8",
		}, nil
	case FormatHTML:
		page, err := renderPage(documentID, doc.Spans())
		if err != nil {
			return nil, fmt.Errorf("render html: %w", err)
		}
		return &Result{
			Data:     []byte(page),
			Filename: sanitizeFilename(documentID) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		page, err := renderPage(documentID, doc.Spans())
		if err != nil {
			return nil, fmt.Errorf("render html: %w", err)
		}
		return exportPDF(page, documentID)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// sanitizeFilename creates a safe filename from a document ID.
func sanitizeFilename(id string) string {
	result := ""
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			result += string(r)
		case r == ' ':
			result += "-"
		case r == '-', r == '_':
			result += string(r)
		}
	}
	if len(result) > 50 {
		result = result[:50]
	}
	if result == "" {
		result = "document"
	}
	return result
}
