package cli

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	goodKey = "ct_key_0123456789abcdef0123456789abcdef"
	badKey  = "ct_key_ffffffffffffffffffffffffffffffff"
)

// authServer mimics a server running with AUTH_TYPE=api-key.
func authServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/auth/status" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("X-API-Key") != goodKey {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"code":"UNAUTHORIZED","message":"Invalid API key"}}`))
			return
		}
		w.Write([]byte(`{"authenticated":true,"authType":"api-key","keyName":"ci"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAuthLogin(t *testing.T) {
	isolate(t)
	srv := authServer(t)
	ctx := context.Background()

	t.Run("valid key is saved with its name", func(t *testing.T) {
		require.NoError(t, runAuthLogin(ctx, srv.URL, goodKey))

		creds, err := loadCredentials()
		require.NoError(t, err)
		assert.Equal(t, ServerCredential{APIKey: goodKey, Name: "ci"}, creds.Servers[srv.URL])
	})

	t.Run("unknown key is rejected", func(t *testing.T) {
		err := runAuthLogin(ctx, srv.URL, badKey)
		assert.True(t, errors.Is(err, errInvalidKey))
	})

	t.Run("malformed key never reaches the server", func(t *testing.T) {
		err := runAuthLogin(ctx, "http://127.0.0.1:1", "not-a-key")
		assert.True(t, errors.Is(err, errInvalidKey))
	})

	t.Run("surrounding whitespace is trimmed", func(t *testing.T) {
		require.NoError(t, runAuthLogin(ctx, srv.URL, "  "+goodKey+"\n"))
		assert.Equal(t, goodKey, getCredential(srv.URL))
	})
}

func TestAuthLogin_OpenServer(t *testing.T) {
	isolate(t)

	// a server without key auth accepts the request but does not know the key
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"authenticated":false,"authType":"none"}`))
	}))
	defer srv.Close()

	err := runAuthLogin(context.Background(), srv.URL, goodKey)
	assert.True(t, errors.Is(err, errInvalidKey))
	assert.Empty(t, getCredential(srv.URL))
}

func TestAuthLogin_ServerDown(t *testing.T) {
	isolate(t)

	err := runAuthLogin(context.Background(), "http://127.0.0.1:1", goodKey)
	require.Error(t, err)
	assert.False(t, errors.Is(err, errInvalidKey))
	assert.Contains(t, err.Error(), "failed to validate credentials")
}

func TestAuthLogout(t *testing.T) {
	isolate(t)

	require.NoError(t, saveCredential("http://a:8080", ServerCredential{APIKey: goodKey}))
	require.NoError(t, saveCredential("http://b:8080", ServerCredential{APIKey: badKey}))

	require.NoError(t, runAuthLogout("http://a:8080", false))
	assert.Empty(t, getCredential("http://a:8080"))
	assert.Equal(t, badKey, getCredential("http://b:8080"))

	// logging out twice is not an error
	require.NoError(t, runAuthLogout("http://a:8080", false))

	require.NoError(t, runAuthLogout("", true))
	_, err := os.Stat(credentialsFilePath())
	assert.True(t, errors.Is(err, os.ErrNotExist))

	require.NoError(t, runAuthLogout("", true))
}

func TestAuthStatus(t *testing.T) {
	isolate(t)

	require.NoError(t, runAuthStatus())

	require.NoError(t, saveCredential("http://a:8080", ServerCredential{APIKey: goodKey, Name: "ci"}))
	require.NoError(t, runAuthStatus())
}

func TestCredentialPermissions(t *testing.T) {
	home := isolate(t)

	require.NoError(t, saveCredential("http://a:8080", ServerCredential{APIKey: goodKey}))

	info, err := os.Stat(filepath.Join(home, ".contratweak", "credentials"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	dirInfo, err := os.Stat(filepath.Join(home, ".contratweak"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), dirInfo.Mode().Perm())
}

func TestMaskAPIKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"", "****"},
		{"ct_key_abcd", "****"},
		{goodKey, "ct_key_0123...cdef"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, maskAPIKey(tt.key), tt.key)
	}
}

func TestAuthCommandStructure(t *testing.T) {
	cmd := createAuthCmd()

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.ElementsMatch(t, []string{"login", "logout", "status"}, names)

	login, _, err := cmd.Find([]string{"login"})
	require.NoError(t, err)
	assert.NotNil(t, login.Flags().Lookup("api-key"))
	assert.NotNil(t, login.Flags().Lookup("server"))
}
