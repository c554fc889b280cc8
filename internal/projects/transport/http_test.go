package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/contratweak/internal/clone"
	"github.com/pendergraft/contratweak/internal/layout"
	"github.com/pendergraft/contratweak/internal/projects/domain"
)

// mockService implements Service for testing
type mockService struct {
	projects  map[string]*domain.Project
	importErr error
	deleteErr error
}

func newMockService() *mockService {
	return &mockService{projects: make(map[string]*domain.Project)}
}

func (m *mockService) Import(ctx context.Context, ownerID string, req domain.ImportRequest) (*domain.Project, error) {
	if m.importErr != nil {
		return nil, m.importErr
	}
	p := &domain.Project{Name: req.Name, Dir: "/projects/" + req.Dir, ChainID: 1}
	m.projects[req.Name] = p
	return p, nil
}

func (m *mockService) Get(ctx context.Context, name string) (*domain.Project, error) {
	if p, ok := m.projects[name]; ok {
		return p, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockService) List(ctx context.Context, pagination domain.PaginationParams) (*domain.ListResult, error) {
	var out []domain.Project
	for _, p := range m.projects {
		out = append(out, *p)
	}
	return &domain.ListResult{Projects: out}, nil
}

func (m *mockService) Delete(ctx context.Context, name, ownerID string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	if _, ok := m.projects[name]; !ok {
		return domain.ErrNotFound
	}
	delete(m.projects, name)
	return nil
}

func setupRouter(svc Service) *chi.Mux {
	r := chi.NewRouter()
	h := NewHandler(svc)
	r.Route("/projects", func(r chi.Router) {
		h.RegisterReadRoutes(r)
		h.RegisterWriteRoutes(r)
	})
	return r
}

func testLayout(t *testing.T) *layout.Layout {
	l, err := layout.Parse([]byte(`{
  "storage": [{"label": "owner", "offset": 0, "slot": "0", "type": "t_address"}],
  "types": {"t_address": {"encoding": "inplace", "label": "address", "numberOfBytes": "20"}}
}`))
	require.NoError(t, err)
	return l
}

func TestHandler_List(t *testing.T) {
	svc := newMockService()
	svc.projects["vault"] = &domain.Project{Name: "vault", ChainID: 1}

	rec := httptest.NewRecorder()
	setupRouter(svc).ServeHTTP(rec, httptest.NewRequest("GET", "/projects/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp["data"], 1)
	assert.Contains(t, resp, "pagination")
}

func TestHandler_Get(t *testing.T) {
	svc := newMockService()
	svc.projects["vault"] = &domain.Project{
		Name:           "vault",
		TargetContract: "src/Vault.sol:Vault",
		ChainID:        1,
		Clone:          &clone.Project{Compiler: clone.Compiler{Version: "0.8.20"}, StorageLayout: testLayout(t)},
	}
	router := setupRouter(svc)

	t.Run("existing project", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("GET", "/projects/vault", nil))

		assert.Equal(t, http.StatusOK, rec.Code)

		var resp ProjectResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "src/Vault.sol:Vault", resp.TargetContract)
		assert.Equal(t, "0.8.20", resp.CompilerVersion)
		assert.False(t, resp.HasCreation)
	})

	t.Run("layout", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("GET", "/projects/vault/layout", nil))

		assert.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Storage []LayoutRow `json:"storage"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Storage, 1)
		assert.Equal(t, LayoutRow{Label: "owner", Slot: "0", Width: 20, Type: "address"}, resp.Storage[0])
	})

	t.Run("missing project", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("GET", "/projects/missing", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandler_Import(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		importErr  error
		wantStatus int
	}{
		{"created", `{"name": "vault", "dir": "vault"}`, nil, http.StatusCreated},
		{"invalid json", `{`, nil, http.StatusBadRequest},
		{"outside root", `{"name": "vault", "dir": "/etc"}`, domain.ErrOutsideRoot, http.StatusBadRequest},
		{"duplicate", `{"name": "vault", "dir": "vault"}`, domain.ErrAlreadyExists, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newMockService()
			svc.importErr = tt.importErr

			rec := httptest.NewRecorder()
			req := httptest.NewRequest("POST", "/projects/", bytes.NewBufferString(tt.body))
			setupRouter(svc).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestHandler_Delete(t *testing.T) {
	svc := newMockService()
	svc.projects["vault"] = &domain.Project{Name: "vault"}
	router := setupRouter(svc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("DELETE", "/projects/vault", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("DELETE", "/projects/vault", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	svc.projects["vault"] = &domain.Project{Name: "vault"}
	svc.deleteErr = domain.ErrForbidden
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("DELETE", "/projects/vault", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
