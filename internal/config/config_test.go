package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, "none", cfg.Auth.Type)
	assert.Equal(t, "http://127.0.0.1:8545", cfg.RPC.URL)
	assert.Equal(t, 3, cfg.RPC.MaxRetries)
	assert.Equal(t, 20.0, cfg.RPC.RequestsPerSecond)
	assert.Equal(t, uint64(30_000_000), cfg.RPC.CallGas)
	assert.Equal(t, "./projects", cfg.Projects.Root)
	assert.Greater(t, cfg.Server.WriteTimeout, cfg.Server.RequestTimeout)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/contratweak")
	t.Setenv("RPC_URL", "https://fork.example.com")
	t.Setenv("RPC_SET_CODE_METHOD", "hardhat_setCode")
	t.Setenv("RPC_REQUESTS_PER_SECOND", "2.5")
	t.Setenv("PROJECTS_ROOT", "/srv/projects")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, ,192.168.0.0/16")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Storage.Type)
	assert.Equal(t, "https://fork.example.com", cfg.RPC.URL)
	assert.Equal(t, "hardhat_setCode", cfg.RPC.SetCodeMethod)
	assert.Equal(t, 2.5, cfg.RPC.RequestsPerSecond)
	assert.Equal(t, "/srv/projects", cfg.Projects.Root)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.0.0/16"}, cfg.Proxy.TrustedProxies)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown storage", map[string]string{"STORAGE_TYPE": "mysql"}},
		{"unknown auth", map[string]string{"AUTH_TYPE": "oauth"}},
		{"bad rpc url", map[string]string{"RPC_URL": "ftp://fork"}},
		{"unknown set-code method", map[string]string{"RPC_SET_CODE_METHOD": "geth_setCode"}},
		{"zero timeout", map[string]string{"RPC_TIMEOUT_SECONDS": "0"}},
		{"write timeout shorter than runs", map[string]string{"SERVER_WRITE_TIMEOUT": "60", "SERVER_REQUEST_TIMEOUT": "600"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestRPCConfig_ClientOptions(t *testing.T) {
	opts := RPCConfig{
		TimeoutSeconds:    5,
		MaxRetries:        2,
		InitialBackoffMs:  100,
		RequestsPerSecond: 4,
		Burst:             2,
		SetCodeMethod:     "anvil_setCode",
		CallGas:           1_000_000,
	}.ClientOptions()

	assert.Equal(t, 5*time.Second, opts.Timeout)
	assert.Equal(t, 100*time.Millisecond, opts.InitialBackoff)
	assert.Equal(t, 2, opts.MaxRetries)
	assert.Equal(t, "anvil_setCode", opts.SetCodeMethod)
	assert.Equal(t, uint64(1_000_000), opts.CallGas)
}
