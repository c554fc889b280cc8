package evm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/contratweak/internal/chains/evm/evmtest"
)

var vault = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func testClientOptions() ClientOptions {
	return ClientOptions{
		Timeout:        2 * time.Second,
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
	}
}

func dialNode(t *testing.T, node *evmtest.Node, opts ClientOptions) *Client {
	t.Helper()
	c, err := Dial(context.Background(), node.URL, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestClient_Reads(t *testing.T) {
	node := evmtest.NewNode(t, 31337, "anvil/v0.2.0")
	node.SetCode(vault, []byte{0x60, 0x80, 0x60, 0x40})
	node.SetStorage(vault, common.BigToHash(common.Big1), common.HexToHash("0x2a"))
	c := dialNode(t, node, testClientOptions())
	ctx := context.Background()

	id, err := c.ChainID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(31337), id)

	version, err := c.ClientVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "anvil/v0.2.0", version)

	code, err := c.GetCode(ctx, vault)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x60, 0x80, 0x60, 0x40}, code)

	empty, err := c.GetCode(ctx, common.HexToAddress("0x01"))
	require.NoError(t, err)
	assert.Empty(t, empty)

	word, err := c.GetStorageAt(ctx, vault, common.BigToHash(common.Big1))
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0x2a"), word)
}

func TestClient_Retries(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		reject    bool
		wantErr   error
		wantCalls int
	}{
		{name: "transient then ok", statuses: []int{http.StatusServiceUnavailable, http.StatusTooManyRequests}, wantCalls: 3},
		{name: "transient outlives retries", statuses: []int{502, 502, 502, 502}, wantErr: ErrTransport, wantCalls: 3},
		{name: "client error is final", statuses: []int{http.StatusForbidden}, wantErr: ErrChainRejected, wantCalls: 1},
		{name: "json-rpc error is final", reject: true, wantErr: ErrChainRejected, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := evmtest.NewNode(t, 1, "anvil")
			node.FailNext("eth_chainId", tt.statuses...)
			if tt.reject {
				node.Reject("eth_chainId", -32000, "header not found")
			}
			c := dialNode(t, node, testClientOptions())

			id, err := c.ChainID(context.Background())
			assert.Equal(t, tt.wantCalls, node.Calls("eth_chainId"))
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				assert.Contains(t, err.Error(), "eth_chainId")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, uint64(1), id)
		})
	}
}

func TestClient_CanceledContextIsNotRetried(t *testing.T) {
	node := evmtest.NewNode(t, 1, "anvil")
	c := dialNode(t, node, testClientOptions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.ChainID(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.False(t, errors.Is(err, ErrTransport))
}

func TestClient_SetCode(t *testing.T) {
	tests := []struct {
		name       string
		version    string
		served     []string
		configured string
		wantMethod string
		wantErr    error
	}{
		{name: "anvil detected", version: "anvil/v0.2.0", served: SetCodeMethods, wantMethod: MethodAnvilSetCode},
		{name: "hardhat detected", version: "HardhatNetwork/2.22.0/@ethereumjs/vm/7.0.0", served: SetCodeMethods, wantMethod: MethodHardhatSetCode},
		{name: "unknown client probes in order", version: "Geth/v1.14.0", served: []string{MethodTenderlySetCode}, wantMethod: MethodTenderlySetCode},
		{name: "configured dialect skips detection", version: "anvil", served: SetCodeMethods, configured: MethodGanacheSetCode, wantMethod: MethodGanacheSetCode},
		{name: "no dialect served", version: "Geth/v1.14.0", served: nil, wantErr: ErrMethodNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := evmtest.NewNode(t, 1, tt.version)
			node.Serve(tt.served...)
			opts := testClientOptions()
			opts.SetCodeMethod = tt.configured
			c := dialNode(t, node, opts)

			code := []byte{0xde, 0xad, 0xbe, 0xef}
			err := c.SetCode(context.Background(), vault, code)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				assert.Empty(t, node.Code(vault))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, code, node.Code(vault))
			assert.Equal(t, tt.wantMethod, c.SetCodeMethod())
			if tt.configured != "" {
				assert.Zero(t, node.Calls("web3_clientVersion"))
			}
		})
	}
}

func TestClient_SetCodeRemembersDialect(t *testing.T) {
	node := evmtest.NewNode(t, 1, "mystery-node")
	node.Serve(MethodHardhatSetCode)
	c := dialNode(t, node, testClientOptions())
	ctx := context.Background()

	require.NoError(t, c.SetCode(ctx, vault, []byte{0x01}))
	require.NoError(t, c.SetCode(ctx, vault, []byte{0x02}))

	assert.Equal(t, 1, node.Calls(MethodAnvilSetCode))
	assert.Equal(t, 2, node.Calls(MethodHardhatSetCode))
	assert.Equal(t, 1, node.Calls("web3_clientVersion"))
	assert.Equal(t, []byte{0x02}, node.Code(vault))
}

func TestClient_SetCodeRejectionStopsProbing(t *testing.T) {
	node := evmtest.NewNode(t, 1, "anvil")
	node.Reject(MethodAnvilSetCode, -32000, "account is a precompile")
	c := dialNode(t, node, testClientOptions())

	err := c.SetCode(context.Background(), vault, []byte{0x01})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChainRejected))
	assert.False(t, errors.Is(err, ErrMethodNotFound))
	assert.Zero(t, node.Calls(MethodHardhatSetCode))
}

func TestClient_CallCreation(t *testing.T) {
	node := evmtest.NewNode(t, 1, "anvil")
	deployer := common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	var gotFrom common.Address
	var gotData []byte
	node.OnCall(func(from common.Address, data []byte) ([]byte, *evmtest.RPCError) {
		gotFrom, gotData = from, data
		return []byte{0x60, 0x80}, nil
	})
	c := dialNode(t, node, testClientOptions())

	out, err := c.CallCreation(context.Background(), CreationCall{From: deployer, Data: []byte{0x60, 0x80, 0x52}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x60, 0x80}, out)
	assert.Equal(t, deployer, gotFrom)
	assert.Equal(t, []byte{0x60, 0x80, 0x52}, gotData)
}

func deploymentHeader() *types.Header {
	return &types.Header{
		Number:    big.NewInt(100),
		Time:      1_700_000_123,
		GasLimit:  30_000_000,
		Coinbase:  common.HexToAddress("0x95222290DD7278Aa3Ddd389Cc1E1d165CC4BAfe5"),
		BaseFee:   big.NewInt(7_000_000_000),
		MixDigest: common.HexToHash("0xabcd"),
	}
}

func TestClient_BlockHeader(t *testing.T) {
	node := evmtest.NewNode(t, 1, "anvil")
	node.SetHeader(deploymentHeader())
	c := dialNode(t, node, testClientOptions())

	header, err := c.BlockHeader(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), header.Number.Uint64())
	assert.Equal(t, uint64(1_700_000_123), header.Time)
	assert.Equal(t, deploymentHeader().Coinbase, header.Coinbase)

	_, err = c.BlockHeader(context.Background(), 7)
	assert.True(t, errors.Is(err, ErrChainRejected))
}

func TestClient_CallCreationInBlockEnvironment(t *testing.T) {
	node := evmtest.NewNode(t, 1, "anvil")
	c := dialNode(t, node, testClientOptions())
	header := deploymentHeader()

	_, err := c.CallCreation(context.Background(), CreationCall{
		Data:  []byte{0x60, 0x80},
		Block: big.NewInt(99),
		Env:   header,
	})
	require.NoError(t, err)

	call, ok := node.LastCall()
	require.True(t, ok)
	assert.Equal(t, "0x63", call.Block)
	require.NotNil(t, call.Env)
	require.NotNil(t, call.Env.Number)
	assert.Equal(t, uint64(100), call.Env.Number.ToInt().Uint64())
	require.NotNil(t, call.Env.Time)
	assert.Equal(t, uint64(1_700_000_123), uint64(*call.Env.Time))
	require.NotNil(t, call.Env.BaseFee)
	assert.Equal(t, header.BaseFee, call.Env.BaseFee.ToInt())
	require.NotNil(t, call.Env.Coinbase)
	assert.Equal(t, header.Coinbase, *call.Env.Coinbase)
	require.NotNil(t, call.Env.Random)
	assert.Equal(t, header.MixDigest, *call.Env.Random)
	assert.Nil(t, call.Env.Difficulty)
}

func TestClient_CallCreationWithoutEnvironment(t *testing.T) {
	node := evmtest.NewNode(t, 1, "anvil")
	c := dialNode(t, node, testClientOptions())

	_, err := c.CallCreation(context.Background(), CreationCall{Data: []byte{0x60, 0x80}})
	require.NoError(t, err)

	call, ok := node.LastCall()
	require.True(t, ok)
	assert.Equal(t, "latest", call.Block)
	assert.Nil(t, call.Env)
}

func TestBlockOverrides_ProofOfWork(t *testing.T) {
	header := deploymentHeader()
	header.Difficulty = big.NewInt(12_345)

	o := BlockOverrides(header)
	assert.Equal(t, header.Difficulty, o.Difficulty)
	assert.Equal(t, common.Hash{}, o.Random)
	assert.Equal(t, header.Time, o.Time)
}

func TestMethodForClient(t *testing.T) {
	tests := []struct {
		version string
		want    string
	}{
		{"anvil/v0.2.0", MethodAnvilSetCode},
		{"HardhatNetwork/2.22.0", MethodHardhatSetCode},
		{"Ganache/v7.9.1/EthereumJS TestRPC/v7.9.1/ethereum-js", MethodGanacheSetCode},
		{"Tenderly/1.0", MethodTenderlySetCode},
		{"Geth/v1.14.0-stable/linux-amd64/go1.22", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			assert.Equal(t, tt.want, MethodForClient(tt.version))
		})
	}
}
