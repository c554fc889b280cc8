//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/contratweak/internal/chains/evm"
	"github.com/pendergraft/contratweak/internal/chains/evm/evmtest"
	"github.com/pendergraft/contratweak/internal/chains/evm/foundry"
	"github.com/pendergraft/contratweak/internal/clone"
	"github.com/pendergraft/contratweak/internal/config"
	runsDomain "github.com/pendergraft/contratweak/internal/runs/domain"
	"github.com/pendergraft/contratweak/internal/server"
	"github.com/pendergraft/contratweak/internal/storage"
	"github.com/pendergraft/contratweak/pkg/client"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const forkChainID = 31337

// Storage layouts as solc emits them. appendedLayout keeps every original
// variable in place; insertedLayout shifts them.
const (
	originalLayout = `{
  "storage": [
    {"astId": 3, "contract": "src/Vault.sol:Vault", "label": "owner", "offset": 0, "slot": "0", "type": "t_address"},
    {"astId": 5, "contract": "src/Vault.sol:Vault", "label": "balance", "offset": 0, "slot": "1", "type": "t_uint256"}
  ],
  "types": {
    "t_address": {"encoding": "inplace", "label": "address", "numberOfBytes": "20"},
    "t_uint256": {"encoding": "inplace", "label": "uint256", "numberOfBytes": "32"}
  }
}`
	appendedLayout = `{
  "storage": [
    {"astId": 3, "contract": "src/Vault.sol:Vault", "label": "owner", "offset": 0, "slot": "0", "type": "t_address"},
    {"astId": 5, "contract": "src/Vault.sol:Vault", "label": "balance", "offset": 0, "slot": "1", "type": "t_uint256"},
    {"astId": 7, "contract": "src/Vault.sol:Vault", "label": "paused", "offset": 0, "slot": "2", "type": "t_bool"}
  ],
  "types": {
    "t_address": {"encoding": "inplace", "label": "address", "numberOfBytes": "20"},
    "t_bool": {"encoding": "inplace", "label": "bool", "numberOfBytes": "1"},
    "t_uint256": {"encoding": "inplace", "label": "uint256", "numberOfBytes": "32"}
  }
}`
	insertedLayout = `{
  "storage": [
    {"astId": 7, "contract": "src/Vault.sol:Vault", "label": "paused", "offset": 0, "slot": "0", "type": "t_bool"},
    {"astId": 3, "contract": "src/Vault.sol:Vault", "label": "owner", "offset": 0, "slot": "1", "type": "t_address"},
    {"astId": 5, "contract": "src/Vault.sol:Vault", "label": "balance", "offset": 0, "slot": "2", "type": "t_uint256"}
  ],
  "types": {
    "t_address": {"encoding": "inplace", "label": "address", "numberOfBytes": "20"},
    "t_bool": {"encoding": "inplace", "label": "bool", "numberOfBytes": "1"},
    "t_uint256": {"encoding": "inplace", "label": "uint256", "numberOfBytes": "32"}
  }
}`
)

// Runtime code deployed on the fork before any tweak, and the code the
// fixture build produces.
var (
	deployedCode = common.FromHex("0x6080604052348015600f57600080fd5b50600436106100")
	tweakedCode  = common.FromHex("0x6080604052348015600f57600080fd5b5060043610610041576000")
)

// TestContext holds shared test infrastructure
type TestContext struct {
	PostgresContainer *postgres.PostgresContainer
	ConnString        string
	ProjectsRoot      string
	Node              *evmtest.Node
	TestServer        *httptest.Server
	Server            *server.Server
	Store             storage.Store
}

// fixture describes one cloned project written under the projects root.
type fixture struct {
	Name     string
	Address  common.Address
	ChainID  uint64
	Compiled string // storage layout of the fixture build
}

// setupPostgresE starts a Postgres container and returns the connection string
func setupPostgresE(ctx context.Context) (*postgres.PostgresContainer, string, error) {
	postgresContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("contratweak"),
		postgres.WithUsername("contratweak"),
		postgres.WithPassword("contratweak"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to start postgres container: %w", err)
	}

	connString, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = postgresContainer.Terminate(ctx)
		return nil, "", fmt.Errorf("failed to get postgres connection string: %w", err)
	}

	return postgresContainer, connString, nil
}

// writeFixtureE writes clone.json plus a forge out/ directory for f under
// root and deploys the original code to the node.
func writeFixtureE(root string, node *evmtest.Node, f fixture) error {
	dir := filepath.Join(root, f.Name)
	artifactDir := filepath.Join(dir, "out", "Vault.sol")
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		return err
	}

	metadata := map[string]any{
		"targetContract": "src/Vault.sol:Vault",
		"address":        f.Address.Hex(),
		"chainId":        f.ChainID,
		"storageLayout":  json.RawMessage(originalLayout),
		"compiler":       map[string]any{"version": "0.8.20"},
	}
	if err := writeJSONFile(filepath.Join(dir, clone.MetadataFile), metadata); err != nil {
		return err
	}

	rawMetadata, err := json.Marshal(map[string]any{
		"compiler": map[string]any{"version": "0.8.20+commit.a1b74f7d"},
		"language": "Solidity",
		"settings": map[string]any{
			"compilationTarget": map[string]string{"src/Vault.sol": "Vault"},
			"evmVersion":        "paris",
			"optimizer":         map[string]any{"enabled": false, "runs": 200},
		},
	})
	if err != nil {
		return err
	}
	artifact := map[string]any{
		"abi":              []any{},
		"bytecode":         map[string]any{"object": "0x6080604052348015600f57600080fd5b50", "linkReferences": map[string]any{}},
		"deployedBytecode": map[string]any{"object": hexString(tweakedCode), "linkReferences": map[string]any{}, "immutableReferences": map[string]any{}},
		"storageLayout":    json.RawMessage(f.Compiled),
		"rawMetadata":      string(rawMetadata),
	}
	if err := writeJSONFile(filepath.Join(artifactDir, "Vault.json"), artifact); err != nil {
		return err
	}

	node.SetCode(f.Address, deployedCode)
	node.SetStorage(f.Address, common.Hash{}, common.BytesToHash(common.FromHex("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")))
	node.SetStorage(f.Address, common.BigToHash(common.Big1), common.BigToHash(common.Big256))
	return nil
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func hexString(b []byte) string {
	return "0x" + common.Bytes2Hex(b)
}

// prebuilt stands in for forge: fixture projects ship their out/ directory.
func prebuilt(ctx context.Context, dir string, args ...string) ([]byte, error) {
	if _, err := os.Stat(filepath.Join(dir, "out")); err != nil {
		return nil, errors.New("no build output")
	}
	return []byte("No files changed, compilation skipped"), nil
}

// startServerE starts the contratweak server in-process (error-returning variant for TestMain)
func startServerE(connString, projectsRoot, rpcURL string) (*httptest.Server, *server.Server, storage.Store, error) {
	cfg := &config.Config{
		Server: config.ServerConfig{
			Port:           8080,
			Host:           "0.0.0.0",
			RequestTimeout: 120,
		},
		Storage: config.StorageConfig{
			Type: "postgres",
			Postgres: config.PostgresConfig{
				URL: connString,
			},
		},
		Auth:      config.AuthConfig{Type: "api-key"},
		Logging:   config.LoggingConfig{Level: "debug", Format: "text"},
		RPC:       config.RPCConfig{URL: rpcURL},
		Projects:  config.ProjectsConfig{Root: projectsRoot},
		RateLimit: config.RateLimitConfig{Enabled: false},
		Security:  config.SecurityConfig{FilterEnabled: true, MaxBodySizeMB: 10},
		Proxy:     config.ProxyConfig{TrustProxy: false},
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	store, err := storage.New(cfg.Storage, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create store: %w", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	opts := evm.DefaultClientOptions()
	opts.InitialBackoff = 10 * time.Millisecond
	engine := runsDomain.NewPipelineEngine(foundry.New(foundry.WithRunner(prebuilt)), rpcURL, opts, logger)

	srv := server.New(cfg, store, logger, server.WithEngine(engine))
	return httptest.NewServer(srv.Handler()), srv, store, nil
}

// newClient creates a new API client for the test server
func newClient(apiKey string) *client.Client {
	return client.New(testCtx.TestServer.URL, apiKey)
}

// createTestAPIKey creates a test API key using the store directly
func createTestAPIKey(t *testing.T, name string) string {
	t.Helper()
	key, err := testCtx.Store.CreateAPIKey(context.Background(), name)
	require.NoError(t, err, "Failed to create API key")
	return key
}

// importFixture writes a fixture under the projects root and imports it.
func importFixture(t *testing.T, c *client.Client, f fixture) *client.Project {
	t.Helper()
	require.NoError(t, writeFixtureE(testCtx.ProjectsRoot, testCtx.Node, f))
	p, err := c.ImportProject(context.Background(), client.ImportRequest{Name: f.Name, Dir: f.Name})
	require.NoError(t, err, "Failed to import project")
	t.Cleanup(func() { _ = c.DeleteProject(context.Background(), f.Name) })
	return p
}

// assertHTTPError asserts that an error is an APIError with the expected code
func assertHTTPError(t *testing.T, err error, expectedCode string) {
	t.Helper()
	require.Error(t, err, "Expected an error")
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr), "Error should be an APIError, got %v", err)
	require.Equal(t, expectedCode, apiErr.Code, "Error code mismatch")
}
