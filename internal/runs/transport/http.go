// Package transport provides HTTP handlers for the runs domain.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pendergraft/contratweak/internal/auth"
	"github.com/pendergraft/contratweak/internal/runs/domain"
)

// Service defines the run service interface for HTTP transport.
type Service interface {
	Check(ctx context.Context, name, ownerID string) (*domain.Run, error)
	Tweak(ctx context.Context, name, ownerID string, req domain.TweakRequest) (*domain.Run, error)
	Get(ctx context.Context, id string) (*domain.Run, error)
	List(ctx context.Context, filter domain.ListFilter, pagination domain.PaginationParams) (*domain.ListResult, error)
}

// Handler handles HTTP requests for runs.
type Handler struct {
	svc Service
}

// NewHandler creates a new runs HTTP handler.
func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterReadRoutes registers run history routes under /runs.
func (h *Handler) RegisterReadRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGet)
}

// RegisterProjectReadRoutes registers per-project history under /projects.
func (h *Handler) RegisterProjectReadRoutes(r chi.Router) {
	r.Get("/{name}/runs", h.handleListForProject)
}

// RegisterProjectWriteRoutes registers routes that start runs (auth required).
func (h *Handler) RegisterProjectWriteRoutes(r chi.Router) {
	r.Post("/{name}/check", h.handleCheck)
	r.Post("/{name}/tweak", h.handleTweak)
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.Check(r.Context(), chi.URLParam(r, "name"), auth.OwnerFromContext(r.Context()))
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(run))
}

func (h *Handler) handleTweak(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to read request body")
		return
	}

	var req domain.TweakRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
			return
		}
	}

	run, err := h.svc.Tweak(r.Context(), chi.URLParam(r, "name"), auth.OwnerFromContext(r.Context()), req)
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(run))
}

func writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrProjectNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Project not found")
	case errors.Is(err, domain.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "TARGET_BUSY", "Timed out waiting for another run on this target")
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to run")
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get run")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(run))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, r.URL.Query().Get("project"))
}

func (h *Handler) handleListForProject(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, chi.URLParam(r, "name"))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request, project string) {
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	result, err := h.svc.List(r.Context(), domain.ListFilter{
		Project: project,
		Status:  r.URL.Query().Get("status"),
	}, domain.PaginationParams{
		Limit:  limit,
		Cursor: r.URL.Query().Get("cursor"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list runs")
		return
	}

	data := make([]RunResponse, len(result.Runs))
	for i := range result.Runs {
		data[i] = toResponse(&result.Runs[i])
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data": data,
		"pagination": map[string]any{
			"limit":      limit,
			"hasMore":    result.HasMore,
			"nextCursor": result.NextCursor,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
