// Package transport provides HTTP handlers for the projects domain.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pendergraft/contratweak/internal/auth"
	"github.com/pendergraft/contratweak/internal/projects/domain"
)

// Service defines the project service interface for HTTP transport.
type Service interface {
	Import(ctx context.Context, ownerID string, req domain.ImportRequest) (*domain.Project, error)
	Get(ctx context.Context, name string) (*domain.Project, error)
	List(ctx context.Context, pagination domain.PaginationParams) (*domain.ListResult, error)
	Delete(ctx context.Context, name, ownerID string) error
}

// Handler handles HTTP requests for projects.
type Handler struct {
	svc Service
}

// NewHandler creates a new projects HTTP handler.
func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterReadRoutes registers read-only project routes (no auth required).
func (h *Handler) RegisterReadRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Get("/{name}", h.handleGet)
	r.Get("/{name}/layout", h.handleGetLayout)
}

// RegisterWriteRoutes registers project routes that need auth.
func (h *Handler) RegisterWriteRoutes(r chi.Router) {
	r.Post("/", h.handleImport)
	r.Delete("/{name}", h.handleDelete)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	result, err := h.svc.List(r.Context(), domain.PaginationParams{
		Limit:  limit,
		Cursor: r.URL.Query().Get("cursor"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list projects")
		return
	}

	data := make([]ProjectResponse, len(result.Projects))
	for i := range result.Projects {
		data[i] = toResponse(&result.Projects[i])
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

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	p, ok := h.getProject(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toResponse(p))
}

func (h *Handler) handleGetLayout(w http.ResponseWriter, r *http.Request) {
	p, ok := h.getProject(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    p.Name,
		"storage": layoutRows(p.Clone.StorageLayout),
	})
}

func (h *Handler) getProject(w http.ResponseWriter, r *http.Request) (*domain.Project, bool) {
	p, err := h.svc.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Project not found")
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get project")
		return nil, false
	}
	return p, true
}

func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to read request body")
		return
	}

	var req domain.ImportRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
		return
	}

	p, err := h.svc.Import(r.Context(), auth.OwnerFromContext(r.Context()), req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrAlreadyExists):
			writeError(w, http.StatusConflict, "PROJECT_EXISTS", "Project already exists")
		case errors.Is(err, domain.ErrInvalidName),
			errors.Is(err, domain.ErrInvalidMetadata),
			errors.Is(err, domain.ErrOutsideRoot):
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to import project")
		}
		return
	}

	writeJSON(w, http.StatusCreated, toResponse(p))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.svc.Delete(r.Context(), name, auth.OwnerFromContext(r.Context())); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Project not found")
		case errors.Is(err, domain.ErrForbidden):
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Not authorized to delete this project")
		default:
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete project")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toResponse(p *domain.Project) ProjectResponse {
	resp := ProjectResponse{
		Name:           p.Name,
		Dir:            p.Dir,
		TargetContract: p.TargetContract,
		ChainID:        p.ChainID,
		Address:        p.Address,
		MetadataHash:   p.MetadataHash,
	}
	if !p.CreatedAt.IsZero() {
		resp.CreatedAt = p.CreatedAt.Format(time.RFC3339)
	}
	if p.Clone != nil {
		resp.CompilerVersion = p.Clone.Compiler.Version
		resp.Immutables = p.Clone.ImmutableReferences.Names()
		for _, names := range p.Clone.Compiler.Libraries {
			resp.Libraries += len(names)
		}
		resp.HasCreation = p.Clone.Creation != nil
	}
	return resp
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
