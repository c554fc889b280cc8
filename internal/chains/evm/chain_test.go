package evm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/contratweak/internal/chains"
)

func TestRegistry_DetectCompiler(t *testing.T) {
	registry := chains.NewRegistry()
	registry.Register(NewChain())

	chain, ok := registry.Get("evm")
	require.True(t, ok)
	assert.Equal(t, "Ethereum/EVM", chain.DisplayName())
	assert.Len(t, chain.Compilers(), 1)

	t.Run("foundry project", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "foundry.toml"), []byte("[profile.default]\n"), 0644))

		compiler, err := registry.DetectCompiler(dir)
		require.NoError(t, err)
		assert.Equal(t, "foundry", compiler.Name())
		assert.Equal(t, "evm", compiler.Chain())
	})

	t.Run("no compiler config", func(t *testing.T) {
		_, err := registry.DetectCompiler(t.TempDir())
		assert.ErrorIs(t, err, chains.ErrNoCompiler)
	})

	t.Run("chain reports the sentinel too", func(t *testing.T) {
		_, err := chain.DetectCompiler(t.TempDir())
		assert.ErrorIs(t, err, chains.ErrNoCompiler)
	})
}
