// Package server composes the transport surfaces: the sync channel, the
// presence channel, and a small JSON API for health and snapshot metadata.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"loom/collab/internal/backbone"
	"loom/collab/internal/export"
	"loom/collab/internal/hub"
	"loom/collab/internal/presence"
	"loom/collab/internal/snapshot"
)

type HTTPServer struct {
	sync       *hub.Hub
	presence   *presence.Server
	store      snapshot.Store // nil when persistence is not configured
	exporter   *export.Service
	bus        *backbone.Backbone
	corsOrigin string
}

func NewHTTPServer(sync *hub.Hub, pres *presence.Server, store snapshot.Store, bus *backbone.Backbone, corsOrigin string) *HTTPServer {
	s := &HTTPServer{
		sync:       sync,
		presence:   pres,
		store:      store,
		bus:        bus,
		corsOrigin: corsOrigin,
	}
	if store != nil {
		s.exporter = export.NewService(store)
	}
	return s
}

// Handler routes the two websocket channels and the JSON API. The websocket
// paths bypass the logging middleware: hijacked connections have no status to
// record.
func (s *HTTPServer) Handler() http.Handler {
	api := s.withMiddleware(http.HandlerFunc(s.handleAPI))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/sync/"):
			documentID := strings.TrimPrefix(r.URL.Path, "/sync/")
			if documentID == "" || strings.Contains(documentID, "/") {
				http.Error(w, "invalid document id", http.StatusBadRequest)
				return
			}
			s.sync.Serve(w, r, documentID)
		case r.URL.Path == "/presence":
			s.presence.Serve(w, r)
		default:
			api.ServeHTTP(w, r)
		}
	})
}

func (s *HTTPServer) handleAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/documents/") {
		rest := strings.TrimPrefix(r.URL.Path, "/api/documents/")
		documentID, action, _ := strings.Cut(rest, "/")
		if documentID == "" {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid document id", nil)
			return
		}
		switch action {
		case "":
			s.handleDocumentMeta(w, r, documentID)
		case "export":
			s.handleExport(w, r, documentID)
		default:
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid document id", nil)
		}
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"rooms": s.sync.Rooms(),
	}
	if s.bus != nil {
		if err := s.bus.Ping(ctx); err != nil {
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
			checks["backbone"] = map[string]any{"status": "error", "error": err.Error()}
		} else {
			checks["backbone"] = map[string]any{"status": "ok"}
		}
	}
	writeJSON(w, statusCode, map[string]any{"status": status, "checks": checks})
}

// handleDocumentMeta serves the last-saved snapshot metadata. Live in-memory
// state is never exposed here; collaborators read converged snapshots only.
func (s *HTTPServer) handleDocumentMeta(w http.ResponseWriter, r *http.Request, documentID string) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "snapshot persistence is not configured", nil)
		return
	}
	meta, err := s.store.Meta(r.Context(), documentID)
	if errors.Is(err, snapshot.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no snapshot for document", nil)
		return
	}
	if err != nil {
		log.Printf("server: snapshot meta for %q: %v", documentID, err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to read snapshot metadata", nil)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// handleExport serves the last-saved snapshot rendered to a portable format.
func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, documentID string) {
	if s.exporter == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "snapshot persistence is not configured", nil)
		return
	}
	format := export.Format(r.URL.Query().Get("format"))
	if format == "" {
		format = export.FormatHTML
	}
	res, err := s.exporter.Export(r.Context(), documentID, format)
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no snapshot for document", nil)
		return
	case errors.Is(err, export.ErrUnsupportedFormat):
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "unsupported export format", nil)
		return
	case errors.Is(err, export.ErrPDFDependencyMissing):
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "pdf export is unavailable on this server", nil)
		return
	case err != nil:
		log.Printf("server: export %q as %s: %v", documentID, format, err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "export failed", nil)
		return
	}
	w.Header().Set("Content-Type", res.MimeType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+res.Filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Data)
}

type requestIDKey struct{}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}
