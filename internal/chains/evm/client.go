package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/pendergraft/contratweak/internal/observability/metrics"
)

// Client errors
var (
	// ErrChainRejected marks a definitive answer from the node (JSON-RPC
	// error object or a non-retryable HTTP status). It is never retried.
	ErrChainRejected = errors.New("rejected by chain endpoint")
	// ErrMethodNotFound is returned by SetCode when no known dialect is
	// served by the endpoint.
	ErrMethodNotFound = errors.New("set-code method not available")
	// ErrTransport wraps transient failures that outlived every retry.
	ErrTransport = errors.New("chain endpoint unreachable")
)

// Set-code dialects in probe order.
const (
	MethodAnvilSetCode    = "anvil_setCode"
	MethodHardhatSetCode  = "hardhat_setCode"
	MethodGanacheSetCode  = "evm_setAccountCode"
	MethodTenderlySetCode = "tenderly_setCode"
)

// SetCodeMethods lists every supported set-code dialect.
var SetCodeMethods = []string{
	MethodAnvilSetCode,
	MethodHardhatSetCode,
	MethodGanacheSetCode,
	MethodTenderlySetCode,
}

const codeMethodNotFound = -32601

// ClientOptions configures timeouts, retries and rate limiting.
type ClientOptions struct {
	Timeout           time.Duration // per attempt
	MaxRetries        int
	InitialBackoff    time.Duration
	RequestsPerSecond float64 // <= 0 disables limiting
	Burst             int
	SetCodeMethod     string // empty = detect
	CallGas           uint64 // gas for creation calls, 0 = node default
}

// DefaultClientOptions returns conservative settings for a local fork.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		Timeout:           30 * time.Second,
		MaxRetries:        3,
		InitialBackoff:    250 * time.Millisecond,
		RequestsPerSecond: 20,
		Burst:             5,
	}
}

// CreationCall re-executes creation code without deploying it.
type CreationCall struct {
	From  common.Address
	Data  []byte
	Block *big.Int // state to execute on, nil = latest
	// Env replaces the block environment the constructor observes: number,
	// timestamp, gas limit, base fee, coinbase and prevrandao/difficulty.
	Env *types.Header
}

// Client is a JSON-RPC handle to a fork node. Every call goes through the
// rate limiter and retries transient failures with exponential backoff.
type Client struct {
	rpc     *rpc.Client
	eth     *ethclient.Client
	geth    *gethclient.Client
	limiter *rate.Limiter
	opts    ClientOptions
	logger  *slog.Logger

	mu            sync.Mutex
	setCodeMethod string
}

// Dial connects to the endpoint at url.
func Dial(ctx context.Context, url string, opts ClientOptions, logger *slog.Logger) (*Client, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return NewClient(c, opts, logger), nil
}

// NewClient wraps an existing rpc client.
func NewClient(c *rpc.Client, opts ClientOptions, logger *slog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultClientOptions().Timeout
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultClientOptions().InitialBackoff
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		rpc:           c,
		eth:           ethclient.NewClient(c),
		geth:          gethclient.New(c),
		limiter:       rate.NewLimiter(limit, burst),
		opts:          opts,
		logger:        logger,
		setCodeMethod: opts.SetCodeMethod,
	}
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// ChainID returns the endpoint's chain id.
func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	var id *big.Int
	err := c.do(ctx, "eth_chainId", func(ctx context.Context) error {
		var err error
		id, err = c.eth.ChainID(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	if !id.IsUint64() {
		return 0, fmt.Errorf("chain id %s out of range", id)
	}
	return id.Uint64(), nil
}

// ClientVersion returns web3_clientVersion.
func (c *Client) ClientVersion(ctx context.Context) (string, error) {
	var version string
	err := c.do(ctx, "web3_clientVersion", func(ctx context.Context) error {
		return c.rpc.CallContext(ctx, &version, "web3_clientVersion")
	})
	return version, err
}

// GetCode returns the runtime code at addr on the latest block.
func (c *Client) GetCode(ctx context.Context, addr common.Address) ([]byte, error) {
	var code []byte
	err := c.do(ctx, "eth_getCode", func(ctx context.Context) error {
		var err error
		code, err = c.eth.CodeAt(ctx, addr, nil)
		return err
	})
	return code, err
}

// BlockHeader returns the header of block number.
func (c *Client) BlockHeader(ctx context.Context, number uint64) (*types.Header, error) {
	var header *types.Header
	err := c.do(ctx, "eth_getBlockByNumber", func(ctx context.Context) error {
		var err error
		header, err = c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		return err
	})
	return header, err
}

// GetStorageAt returns one storage word of addr on the latest block.
func (c *Client) GetStorageAt(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	var word []byte
	err := c.do(ctx, "eth_getStorageAt", func(ctx context.Context) error {
		var err error
		word, err = c.eth.StorageAt(ctx, addr, slot, nil)
		return err
	})
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(word), nil
}

// CallCreation runs creation code through eth_call with no recipient and
// returns what the constructor would have deployed.
func (c *Client) CallCreation(ctx context.Context, call CreationCall) ([]byte, error) {
	msg := ethereum.CallMsg{
		From: call.From,
		Gas:  c.opts.CallGas,
		Data: call.Data,
	}
	var out []byte
	err := c.do(ctx, "eth_call", func(ctx context.Context) error {
		var err error
		if call.Env == nil {
			out, err = c.eth.CallContract(ctx, msg, call.Block)
			return err
		}
		// block overrides are the fourth parameter; the third changes no state
		noState := map[common.Address]gethclient.OverrideAccount{}
		out, err = c.geth.CallContractWithBlockOverrides(ctx, msg, call.Block, &noState, BlockOverrides(call.Env))
		return err
	})
	return out, err
}

// BlockOverrides describes the environment of header as eth_call block
// overrides. Post-merge headers carry prevrandao in MixDigest and a zero
// difficulty.
func BlockOverrides(header *types.Header) gethclient.BlockOverrides {
	o := gethclient.BlockOverrides{
		Number:   header.Number,
		Time:     header.Time,
		GasLimit: header.GasLimit,
		Coinbase: header.Coinbase,
		BaseFee:  header.BaseFee,
	}
	if header.Difficulty != nil && header.Difficulty.Sign() > 0 {
		o.Difficulty = header.Difficulty
	} else {
		o.Random = header.MixDigest
	}
	return o
}

// SetCode replaces the code at addr. The dialect comes from the options,
// then from web3_clientVersion, and otherwise every known method is tried
// in order; only "method not found" moves on to the next one.
func (c *Client) SetCode(ctx context.Context, addr common.Address, code []byte) error {
	candidates := c.setCodeCandidates(ctx)

	for _, method := range candidates {
		err := c.do(ctx, method, func(ctx context.Context) error {
			return c.rpc.CallContext(ctx, nil, method, addr, hexutil.Bytes(code))
		})
		if err == nil {
			c.mu.Lock()
			c.setCodeMethod = method
			c.mu.Unlock()
			return nil
		}
		if !IsMethodNotFound(err) {
			return err
		}
		c.logger.Debug("set-code dialect not served", "method", method)
	}
	return fmt.Errorf("%w: tried %s", ErrMethodNotFound, strings.Join(candidates, ", "))
}

// SetCodeMethod returns the dialect that last succeeded or was configured.
func (c *Client) SetCodeMethod() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setCodeMethod
}

func (c *Client) setCodeCandidates(ctx context.Context) []string {
	c.mu.Lock()
	known := c.setCodeMethod
	c.mu.Unlock()
	if known != "" {
		return []string{known}
	}

	first := ""
	if version, err := c.ClientVersion(ctx); err == nil {
		first = MethodForClient(version)
		c.logger.Debug("detected client", "version", version, "method", first)
	}

	candidates := make([]string, 0, len(SetCodeMethods))
	if first != "" {
		candidates = append(candidates, first)
	}
	for _, m := range SetCodeMethods {
		if m != first {
			candidates = append(candidates, m)
		}
	}
	return candidates
}

// MethodForClient maps a web3_clientVersion string to its set-code dialect.
func MethodForClient(version string) string {
	v := strings.ToLower(version)
	switch {
	case strings.Contains(v, "anvil"):
		return MethodAnvilSetCode
	case strings.Contains(v, "hardhat"):
		return MethodHardhatSetCode
	case strings.Contains(v, "ganache"), strings.Contains(v, "ethereumjs"):
		return MethodGanacheSetCode
	case strings.Contains(v, "tenderly"):
		return MethodTenderlySetCode
	}
	return ""
}

// IsMethodNotFound reports whether err is a JSON-RPC "method not found".
func IsMethodNotFound(err error) bool {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return false
	}
	if rpcErr.ErrorCode() == codeMethodNotFound {
		return true
	}
	msg := strings.ToLower(rpcErr.Error())
	return strings.Contains(msg, "method not found") ||
		strings.Contains(msg, "does not exist/is not available") ||
		strings.Contains(msg, "unsupported method")
}

// do runs fn under the rate limiter with a per-attempt timeout and bounded
// exponential retry of transient failures.
func (c *Client) do(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	start := time.Now()
	attempts := 0

	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
		return classify(ctx, fn(attemptCtx))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxRetries)), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		c.logger.Warn("rpc call failed, retrying", "method", method, "error", err, "backoff", wait)
	})

	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrChainRejected):
		outcome = "rejected"
	case ctx.Err() != nil:
		outcome = "canceled"
	default:
		outcome = "failed"
	}
	metrics.RecordRPCCall(method, outcome, time.Since(start))

	if err == nil || errors.Is(err, ErrChainRejected) || ctx.Err() != nil {
		if err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
		return nil
	}
	return fmt.Errorf("%s: %w after %d attempt(s): %w", method, ErrTransport, attempts, err)
}

// classify marks definitive failures as permanent so backoff stops.
// Network errors, attempt timeouts, HTTP 429 and 5xx stay retryable.
func classify(parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() != nil {
		return backoff.Permanent(parent.Err())
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return backoff.Permanent(fmt.Errorf("%w: %w", ErrChainRejected, err))
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= http.StatusInternalServerError {
			return err
		}
		return backoff.Permanent(fmt.Errorf("%w: %w", ErrChainRejected, err))
	}

	return err
}
