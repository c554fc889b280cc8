package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := NewSQLiteStore(dbPath, logger)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return store
}

func testProject(name string) *Project {
	return &Project{
		Name:           name,
		Dir:            "/projects/" + name,
		TargetContract: "src/Vault.sol:Vault",
		ChainID:        1,
		Address:        "0x5fbdb2315678afecb367f032d93f642f64180aa3",
		Metadata:       []byte(`{"targetContract":"src/Vault.sol:Vault"}`),
	}
}

func TestSQLiteStore_Projects(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		p := testProject("vault")
		if err := store.CreateProject(ctx, p); err != nil {
			t.Fatalf("CreateProject() error = %v", err)
		}
		if p.ID == "" || p.MetadataHash == "" || p.CreatedAt == "" {
			t.Fatalf("CreateProject() did not fill ID/MetadataHash/CreatedAt: %+v", p)
		}

		got, err := store.GetProject(ctx, "vault")
		if err != nil {
			t.Fatalf("GetProject() error = %v", err)
		}
		if got.TargetContract != p.TargetContract {
			t.Errorf("GetProject().TargetContract = %v, want %v", got.TargetContract, p.TargetContract)
		}
		if got.ChainID != 1 {
			t.Errorf("GetProject().ChainID = %v, want 1", got.ChainID)
		}
		if string(got.Metadata) != string(p.Metadata) {
			t.Errorf("GetProject().Metadata = %s, want %s", got.Metadata, p.Metadata)
		}
		if got.MetadataHash != computeHash(p.Metadata) {
			t.Errorf("GetProject().MetadataHash = %v, want %v", got.MetadataHash, computeHash(p.Metadata))
		}
	})

	t.Run("DuplicateName", func(t *testing.T) {
		err := store.CreateProject(ctx, testProject("vault"))
		if !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("CreateProject() error = %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := store.GetProject(ctx, "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("GetProject() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("ListPaginates", func(t *testing.T) {
		for _, name := range []string{"alpha", "beta", "gamma"} {
			if err := store.CreateProject(ctx, testProject(name)); err != nil {
				t.Fatalf("CreateProject(%s) error = %v", name, err)
			}
		}

		page, err := store.ListProjects(ctx, PaginationParams{Limit: 2})
		if err != nil {
			t.Fatalf("ListProjects() error = %v", err)
		}
		if len(page.Data) != 2 || !page.HasMore {
			t.Fatalf("ListProjects() page 1 = %d items, hasMore %v", len(page.Data), page.HasMore)
		}
		if page.Data[0].Name != "alpha" || page.Data[1].Name != "beta" {
			t.Errorf("ListProjects() page 1 = %s, %s", page.Data[0].Name, page.Data[1].Name)
		}

		page, err = store.ListProjects(ctx, PaginationParams{Limit: 2, Cursor: page.NextCursor})
		if err != nil {
			t.Fatalf("ListProjects() error = %v", err)
		}
		if len(page.Data) != 2 || page.HasMore {
			t.Fatalf("ListProjects() page 2 = %d items, hasMore %v", len(page.Data), page.HasMore)
		}
		if page.Data[0].Name != "gamma" || page.Data[1].Name != "vault" {
			t.Errorf("ListProjects() page 2 = %s, %s", page.Data[0].Name, page.Data[1].Name)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := store.DeleteProject(ctx, "gamma"); err != nil {
			t.Fatalf("DeleteProject() error = %v", err)
		}
		if err := store.DeleteProject(ctx, "gamma"); !errors.Is(err, ErrNotFound) {
			t.Errorf("DeleteProject() twice error = %v, want ErrNotFound", err)
		}
	})
}

func TestSQLiteStore_Runs(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, name := range []string{"vault", "router"} {
		if err := store.CreateProject(ctx, testProject(name)); err != nil {
			t.Fatalf("CreateProject() error = %v", err)
		}
	}

	t.Run("CreateFinishGet", func(t *testing.T) {
		r := &Run{ProjectName: "vault", Mode: "apply", Target: "1/0x5fbd"}
		if err := store.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun() error = %v", err)
		}
		if r.Status != RunRunning {
			t.Errorf("CreateRun() status = %v, want %v", r.Status, RunRunning)
		}

		r.Status = RunFailed
		r.Stage = "check"
		r.Findings = []byte(`[{"kind":"SlotInsertedBeforeExisting"}]`)
		r.Error = "check: storage layout incompatible"
		r.DurationMs = 1200
		if err := store.FinishRun(ctx, r); err != nil {
			t.Fatalf("FinishRun() error = %v", err)
		}

		got, err := store.GetRun(ctx, r.ID)
		if err != nil {
			t.Fatalf("GetRun() error = %v", err)
		}
		if got.Status != RunFailed || got.Stage != "check" {
			t.Errorf("GetRun() status/stage = %v/%v", got.Status, got.Stage)
		}
		if string(got.Findings) != string(r.Findings) {
			t.Errorf("GetRun().Findings = %s, want %s", got.Findings, r.Findings)
		}
		if got.FinishedAt == "" {
			t.Errorf("GetRun().FinishedAt is empty")
		}
		if got.DurationMs != 1200 {
			t.Errorf("GetRun().DurationMs = %v, want 1200", got.DurationMs)
		}
	})

	t.Run("FinishUnknown", func(t *testing.T) {
		err := store.FinishRun(ctx, &Run{ID: "nope", Status: RunSucceeded})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("FinishRun() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("ListNewestFirstWithFilter", func(t *testing.T) {
		var ids []string
		for i := 0; i < 3; i++ {
			r := &Run{ProjectName: "router", Mode: "check", Target: fmt.Sprintf("1/0x%d", i)}
			if err := store.CreateRun(ctx, r); err != nil {
				t.Fatalf("CreateRun() error = %v", err)
			}
			ids = append(ids, r.ID)
		}

		page, err := store.ListRuns(ctx, RunFilter{Project: "router"}, PaginationParams{Limit: 2})
		if err != nil {
			t.Fatalf("ListRuns() error = %v", err)
		}
		if len(page.Data) != 2 || !page.HasMore {
			t.Fatalf("ListRuns() page 1 = %d items, hasMore %v", len(page.Data), page.HasMore)
		}
		if page.Data[0].ID != ids[2] || page.Data[1].ID != ids[1] {
			t.Errorf("ListRuns() page 1 not newest first")
		}

		page, err = store.ListRuns(ctx, RunFilter{Project: "router"}, PaginationParams{Limit: 2, Cursor: page.NextCursor})
		if err != nil {
			t.Fatalf("ListRuns() error = %v", err)
		}
		if len(page.Data) != 1 || page.Data[0].ID != ids[0] || page.HasMore {
			t.Errorf("ListRuns() page 2 = %+v", page)
		}

		page, err = store.ListRuns(ctx, RunFilter{Status: RunFailed}, PaginationParams{Limit: 10})
		if err != nil {
			t.Fatalf("ListRuns() error = %v", err)
		}
		if len(page.Data) != 1 || page.Data[0].ProjectName != "vault" {
			t.Errorf("ListRuns(status=failed) = %+v", page.Data)
		}
	})

	t.Run("DeleteProjectCascades", func(t *testing.T) {
		if err := store.DeleteProject(ctx, "router"); err != nil {
			t.Fatalf("DeleteProject() error = %v", err)
		}
		page, err := store.ListRuns(ctx, RunFilter{Project: "router"}, PaginationParams{Limit: 10})
		if err != nil {
			t.Fatalf("ListRuns() error = %v", err)
		}
		if len(page.Data) != 0 {
			t.Errorf("ListRuns() after delete = %d runs, want 0", len(page.Data))
		}
	})
}

func TestSQLiteStore_APIKeys(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	key, err := store.CreateAPIKey(ctx, "ci")
	if err != nil {
		t.Fatalf("CreateAPIKey() error = %v", err)
	}

	ak, err := store.ValidateAPIKey(ctx, key)
	if err != nil {
		t.Fatalf("ValidateAPIKey() error = %v", err)
	}
	if ak.Name != "ci" {
		t.Errorf("ValidateAPIKey().Name = %v, want ci", ak.Name)
	}

	if _, err := store.ValidateAPIKey(ctx, "ct_key_bogus"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ValidateAPIKey(bogus) error = %v, want ErrNotFound", err)
	}

	keys, err := store.ListAPIKeys(ctx)
	if err != nil {
		t.Fatalf("ListAPIKeys() error = %v", err)
	}
	if len(keys) != 1 || keys[0].LastUsedAt == "" {
		t.Errorf("ListAPIKeys() = %+v", keys)
	}

	if err := store.RevokeAPIKey(ctx, ak.ID); err != nil {
		t.Fatalf("RevokeAPIKey() error = %v", err)
	}
	if _, err := store.ValidateAPIKey(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("ValidateAPIKey(revoked) error = %v, want ErrNotFound", err)
	}
	if err := store.RevokeAPIKey(ctx, ak.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("RevokeAPIKey() twice error = %v, want ErrNotFound", err)
	}
}
