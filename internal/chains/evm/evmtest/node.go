// Package evmtest provides an in-memory JSON-RPC fork node for tests.
package evmtest

import (
	"bytes"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

var setCodeMethods = []string{"anvil_setCode", "hardhat_setCode", "evm_setAccountCode", "tenderly_setCode"}

// RPCError is the error object of a JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type request struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Call is an eth_call as the node received it.
type Call struct {
	From  common.Address
	Data  []byte
	Block string    // block tag or hex number
	Env   *BlockEnv // nil when the call carried no block overrides
}

// BlockEnv is the block override object of an eth_call.
type BlockEnv struct {
	Number     *hexutil.Big    `json:"number"`
	Difficulty *hexutil.Big    `json:"difficulty"`
	Time       *hexutil.Uint64 `json:"time"`
	GasLimit   *hexutil.Uint64 `json:"gasLimit"`
	Coinbase   *common.Address `json:"feeRecipient"`
	Random     *common.Hash    `json:"prevRandao"`
	BaseFee    *hexutil.Big    `json:"baseFeePerGas"`
}

// CallFunc answers eth_call for creation code (a call without recipient).
type CallFunc func(from common.Address, data []byte) ([]byte, *RPCError)

// Node is a fork node served over HTTP. Code and storage live in memory and
// set-code calls mutate them, so a swap is visible to later reads.
type Node struct {
	URL string

	server *httptest.Server

	mu       sync.Mutex
	chainID  uint64
	version  string
	served   map[string]bool
	code     map[common.Address][]byte
	storage  map[common.Address]map[common.Hash]common.Hash
	calls    map[string]int
	statuses map[string][]int
	rejects  map[string]*RPCError
	onCall   CallFunc
	lastCall *Call
	headers  map[uint64]*types.Header
}

// NewNode starts a node reporting chainID and web3_clientVersion version.
// Every set-code dialect is served until Serve narrows them. The server is
// closed when the test ends.
func NewNode(tb testing.TB, chainID uint64, version string) *Node {
	tb.Helper()
	n := Start(chainID, version)
	tb.Cleanup(n.Close)
	return n
}

// Start is NewNode for callers without a testing.TB, such as TestMain.
// The caller must Close the node.
func Start(chainID uint64, version string) *Node {
	n := &Node{
		chainID:  chainID,
		version:  version,
		served:   make(map[string]bool),
		code:     make(map[common.Address][]byte),
		storage:  make(map[common.Address]map[common.Hash]common.Hash),
		calls:    make(map[string]int),
		statuses: make(map[string][]int),
		rejects:  make(map[string]*RPCError),
		headers:  make(map[uint64]*types.Header),
	}
	for _, m := range setCodeMethods {
		n.served[m] = true
	}
	n.server = httptest.NewServer(http.HandlerFunc(n.serveHTTP))
	n.URL = n.server.URL
	return n
}

// Close shuts the server down.
func (n *Node) Close() {
	n.server.Close()
}

// Serve restricts the set-code dialects the node answers to methods.
func (n *Node) Serve(methods ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.served = make(map[string]bool, len(methods))
	for _, m := range methods {
		n.served[m] = true
	}
}

// SetChainID changes the reported chain id.
func (n *Node) SetChainID(id uint64) {
	n.mu.Lock()
	n.chainID = id
	n.mu.Unlock()
}

// SetCode installs code at addr.
func (n *Node) SetCode(addr common.Address, code []byte) {
	n.mu.Lock()
	n.code[addr] = append([]byte(nil), code...)
	n.mu.Unlock()
}

// Code returns the code at addr.
func (n *Node) Code(addr common.Address) []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]byte(nil), n.code[addr]...)
}

// SetStorage writes one storage word.
func (n *Node) SetStorage(addr common.Address, slot, value common.Hash) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.storage[addr] == nil {
		n.storage[addr] = make(map[common.Hash]common.Hash)
	}
	n.storage[addr][slot] = value
}

// FailNext answers the next len(statuses) requests for method with those
// HTTP statuses instead of a JSON-RPC response.
func (n *Node) FailNext(method string, statuses ...int) {
	n.mu.Lock()
	n.statuses[method] = append(n.statuses[method], statuses...)
	n.mu.Unlock()
}

// Reject makes every request for method return a JSON-RPC error.
func (n *Node) Reject(method string, code int, message string) {
	n.mu.Lock()
	n.rejects[method] = &RPCError{Code: code, Message: message}
	n.mu.Unlock()
}

// OnCall sets the eth_call handler. Without one eth_call returns empty data.
func (n *Node) OnCall(fn CallFunc) {
	n.mu.Lock()
	n.onCall = fn
	n.mu.Unlock()
}

// SetHeader makes header available to eth_getBlockByNumber.
func (n *Node) SetHeader(header *types.Header) {
	h := types.CopyHeader(header)
	if h.Difficulty == nil {
		h.Difficulty = new(big.Int)
	}
	n.mu.Lock()
	n.headers[h.Number.Uint64()] = h
	n.mu.Unlock()
}

// LastCall returns the most recent eth_call without recipient.
func (n *Node) LastCall() (Call, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.lastCall == nil {
		return Call{}, false
	}
	return *n.lastCall, true
}

// Calls returns how many requests reached method, failed ones included.
func (n *Node) Calls(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func (n *Node) serveHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var batch []request
		if err := json.Unmarshal(body, &batch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out := make([]response, 0, len(batch))
		for _, req := range batch {
			status, resp := n.handle(req)
			if status != 0 {
				w.WriteHeader(status)
				return
			}
			out = append(out, resp)
		}
		writeJSON(w, out)
		return
	}

	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	status, resp := n.handle(req)
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	writeJSON(w, resp)
}

// handle returns a non-zero HTTP status when a failure was queued.
func (n *Node) handle(req request) (int, response) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.calls[req.Method]++
	if queued := n.statuses[req.Method]; len(queued) > 0 {
		n.statuses[req.Method] = queued[1:]
		return queued[0], response{}
	}

	resp := response{JSONRPC: "2.0", ID: req.ID}
	if rej, ok := n.rejects[req.Method]; ok {
		resp.Error = rej
		return 0, resp
	}
	resp.Result, resp.Error = n.dispatch(req)
	return 0, resp
}

func (n *Node) dispatch(req request) (any, *RPCError) {
	switch req.Method {
	case "eth_chainId":
		return hexutil.Uint64(n.chainID), nil
	case "web3_clientVersion":
		return n.version, nil
	case "eth_getCode":
		addr, rpcErr := addressParam(req.Params, 0)
		if rpcErr != nil {
			return nil, rpcErr
		}
		return hexutil.Bytes(n.code[addr]), nil
	case "eth_getStorageAt":
		addr, rpcErr := addressParam(req.Params, 0)
		if rpcErr != nil {
			return nil, rpcErr
		}
		slot, rpcErr := stringParam(req.Params, 1)
		if rpcErr != nil {
			return nil, rpcErr
		}
		word := n.storage[addr][common.HexToHash(slot)]
		return hexutil.Bytes(word.Bytes()), nil
	case "eth_call":
		return n.call(req.Params)
	case "eth_getBlockByNumber":
		tag, rpcErr := stringParam(req.Params, 0)
		if rpcErr != nil {
			return nil, rpcErr
		}
		number, err := hexutil.DecodeUint64(tag)
		if err != nil {
			return nil, &RPCError{Code: codeInvalidParams, Message: err.Error()}
		}
		header, ok := n.headers[number]
		if !ok {
			return nil, &RPCError{Code: codeServerError, Message: "header not found"}
		}
		return header, nil
	}

	if n.served[req.Method] {
		addr, rpcErr := addressParam(req.Params, 0)
		if rpcErr != nil {
			return nil, rpcErr
		}
		hex, rpcErr := stringParam(req.Params, 1)
		if rpcErr != nil {
			return nil, rpcErr
		}
		code, err := hexutil.Decode(hex)
		if err != nil {
			return nil, &RPCError{Code: codeInvalidParams, Message: err.Error()}
		}
		n.code[addr] = code
		return true, nil
	}
	return nil, &RPCError{Code: codeMethodNotFound, Message: "the method " + req.Method + " does not exist/is not available"}
}

func (n *Node) call(params []json.RawMessage) (any, *RPCError) {
	if len(params) == 0 {
		return nil, &RPCError{Code: codeInvalidParams, Message: "missing call object"}
	}
	var msg struct {
		From  common.Address  `json:"from"`
		To    *common.Address `json:"to"`
		Data  hexutil.Bytes   `json:"data"`
		Input hexutil.Bytes   `json:"input"`
	}
	if err := json.Unmarshal(params[0], &msg); err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: err.Error()}
	}
	data := msg.Input
	if len(data) == 0 {
		data = msg.Data
	}
	if msg.To != nil {
		return hexutil.Bytes{}, nil
	}

	rec := &Call{From: msg.From, Data: append([]byte(nil), data...)}
	if len(params) > 1 {
		_ = json.Unmarshal(params[1], &rec.Block)
	}
	if len(params) > 3 && string(bytes.TrimSpace(params[3])) != "null" {
		rec.Env = new(BlockEnv)
		if err := json.Unmarshal(params[3], rec.Env); err != nil {
			return nil, &RPCError{Code: codeInvalidParams, Message: err.Error()}
		}
	}
	n.lastCall = rec

	if n.onCall == nil {
		return hexutil.Bytes{}, nil
	}
	out, rpcErr := n.onCall(msg.From, data)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return hexutil.Bytes(out), nil
}

func stringParam(params []json.RawMessage, i int) (string, *RPCError) {
	if i >= len(params) {
		return "", &RPCError{Code: codeInvalidParams, Message: "missing parameter"}
	}
	var s string
	if err := json.Unmarshal(params[i], &s); err != nil {
		return "", &RPCError{Code: codeInvalidParams, Message: err.Error()}
	}
	return s, nil
}

func addressParam(params []json.RawMessage, i int) (common.Address, *RPCError) {
	s, rpcErr := stringParam(params, i)
	if rpcErr != nil {
		return common.Address{}, rpcErr
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, &RPCError{Code: codeInvalidParams, Message: "invalid address " + strings.TrimSpace(s)}
	}
	return common.HexToAddress(s), nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
