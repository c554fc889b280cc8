//go:build e2e

package e2e

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/contratweak/pkg/client"
)

// TestAuth_UnauthenticatedRead tests that read endpoints work without authentication
func TestAuth_UnauthenticatedRead(t *testing.T) {
	authedClient := newClient(createTestAPIKey(t, "test-auth-read"))
	importFixture(t, authedClient, fixture{
		Name:     "auth-read",
		Address:  common.HexToAddress("0x00000000000000000000000000000000000a0001"),
		ChainID:  forkChainID,
		Compiled: originalLayout,
	})

	unauthedClient := newClient("")

	t.Run("list projects without auth", func(t *testing.T) {
		projects, err := unauthedClient.ListProjects(context.Background(), client.ListOptions{})
		require.NoError(t, err)
		assert.NotEmpty(t, projects.Data)
	})

	t.Run("get project without auth", func(t *testing.T) {
		p, err := unauthedClient.GetProject(context.Background(), "auth-read")
		require.NoError(t, err)
		assert.Equal(t, "src/Vault.sol:Vault", p.TargetContract)
	})

	t.Run("get layout without auth", func(t *testing.T) {
		l, err := unauthedClient.GetLayout(context.Background(), "auth-read")
		require.NoError(t, err)
		assert.Len(t, l.Storage, 2)
	})

	t.Run("list runs without auth", func(t *testing.T) {
		_, err := unauthedClient.ListRuns(context.Background(), client.ListOptions{Project: "auth-read"})
		require.NoError(t, err)
	})
}

// TestAuth_UnauthenticatedWriteRejected tests that write operations require authentication
func TestAuth_UnauthenticatedWriteRejected(t *testing.T) {
	unauthedClient := newClient("")

	t.Run("import without auth", func(t *testing.T) {
		_, err := unauthedClient.ImportProject(context.Background(), client.ImportRequest{Name: "unauth", Dir: "unauth"})
		assertHTTPError(t, err, "UNAUTHORIZED")
	})

	t.Run("check without auth", func(t *testing.T) {
		_, err := unauthedClient.Check(context.Background(), "unauth")
		assertHTTPError(t, err, "UNAUTHORIZED")
	})

	t.Run("tweak without auth", func(t *testing.T) {
		_, err := unauthedClient.Tweak(context.Background(), "unauth", client.TweakRequest{})
		assertHTTPError(t, err, "UNAUTHORIZED")
	})

	t.Run("auth status without auth", func(t *testing.T) {
		_, err := unauthedClient.AuthStatus(context.Background())
		assertHTTPError(t, err, "UNAUTHORIZED")
	})
}

// TestAuth_InvalidAPIKey tests that an invalid API key is rejected
func TestAuth_InvalidAPIKey(t *testing.T) {
	c := newClient("ct_key_0000000000000000000000000000000000000000")

	_, err := c.ImportProject(context.Background(), client.ImportRequest{Name: "bad-key", Dir: "bad-key"})
	assertHTTPError(t, err, "UNAUTHORIZED")

	_, err = c.AuthStatus(context.Background())
	assertHTTPError(t, err, "UNAUTHORIZED")
}

// TestAuth_ValidAPIKey tests that a valid key is reported by name
func TestAuth_ValidAPIKey(t *testing.T) {
	c := newClient(createTestAPIKey(t, "test-valid-key"))

	status, err := c.AuthStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Authenticated)
	assert.Equal(t, "api-key", status.AuthType)
	assert.Equal(t, "test-valid-key", status.KeyName)
}

// TestAuth_RevokedKey tests that a revoked key stops working immediately
func TestAuth_RevokedKey(t *testing.T) {
	ctx := context.Background()
	key := createTestAPIKey(t, "test-revoked")
	c := newClient(key)

	_, err := c.AuthStatus(ctx)
	require.NoError(t, err)

	ak, err := testCtx.Store.ValidateAPIKey(ctx, key)
	require.NoError(t, err)
	require.NoError(t, testCtx.Store.RevokeAPIKey(ctx, ak.ID))

	_, err = c.AuthStatus(ctx)
	assertHTTPError(t, err, "UNAUTHORIZED")
}

// TestAuth_ProjectOwnership tests that only the importer may delete a project
func TestAuth_ProjectOwnership(t *testing.T) {
	owner := newClient(createTestAPIKey(t, "test-owner"))
	other := newClient(createTestAPIKey(t, "test-other"))

	importFixture(t, owner, fixture{
		Name:     "owned",
		Address:  common.HexToAddress("0x00000000000000000000000000000000000a0002"),
		ChainID:  forkChainID,
		Compiled: originalLayout,
	})

	err := other.DeleteProject(context.Background(), "owned")
	assertHTTPError(t, err, "FORBIDDEN")

	_, err = owner.GetProject(context.Background(), "owned")
	require.NoError(t, err)
}
