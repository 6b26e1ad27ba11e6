// Package handler defines the surface user code is invoked through: the
// handler-context passed to Setup/OnEvent, a dynamic-table store scoped to
// the dispatcher's transaction, and a read-only contract-call client.
package handler

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/chainweave/indexor/pkg/chain"
)

// NetworkInfo is context.network: the chain a dispatched event came from.
type NetworkInfo struct {
	Name    string
	ChainID uint64
}

// ContractInfo is one entry of context.contracts.<Name>.
type ContractInfo struct {
	ABI        abi.ABI
	Address    *common.Address // nil for factory sources, which have no single address
	StartBlock uint64
	EndBlock   *uint64
}

// ContractCaller is the read-only chain call surface readContract needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ReadContractArgs mirrors context.client.readContract's named parameters.
type ReadContractArgs struct {
	ABI          abi.ABI
	Address      common.Address
	FunctionName string
	Args         []any
	BlockNumber  *uint64 // nil means latest
}

// Client is context.client: read-only chain access, memoized per
// (chainId, address, calldata, blockNumber) when the call is against a
// finalized block.
type Client struct {
	chainID  uint64
	caller   ContractCaller
	finality uint64
	tip      func() uint64

	cache map[string][]any
}

// NewClient builds a handler Client. tip reports the network's current
// finalized tip, used to decide whether a call result is memoizable.
func NewClient(chainID uint64, caller ContractCaller, finality uint64, tip func() uint64) *Client {
	return &Client{chainID: chainID, caller: caller, finality: finality, tip: tip, cache: map[string][]any{}}
}

// ReadContract packs args, calls eth_call (via the RPC gateway), and unpacks
// the result against the function's ABI outputs.
func (c *Client) ReadContract(ctx context.Context, args ReadContractArgs) ([]any, error) {
	key := c.memoKey(args)
	if key != "" {
		if cached, ok := c.cache[key]; ok {
			return cached, nil
		}
	}

	calldata, err := args.ABI.Pack(args.FunctionName, args.Args...)
	if err != nil {
		return nil, err
	}

	var blockNumber *big.Int
	if args.BlockNumber != nil {
		blockNumber = new(big.Int).SetUint64(*args.BlockNumber)
	}

	raw, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &args.Address, Data: calldata}, blockNumber)
	if err != nil {
		return nil, err
	}

	out, err := args.ABI.Unpack(args.FunctionName, raw)
	if err != nil {
		return nil, err
	}

	if key != "" {
		c.cache[key] = out
	}
	return out, nil
}

// memoKey returns "" when the call isn't eligible for memoization: only
// calls pinned at-or-below the network's finalized tip are safe to cache,
// since a call against a still-reorgable block could observe a stale state
// that later changes.
func (c *Client) memoKey(args ReadContractArgs) string {
	if args.BlockNumber == nil || c.tip == nil {
		return ""
	}
	if *args.BlockNumber > c.tip() {
		return ""
	}
	calldata, err := args.ABI.Pack(args.FunctionName, args.Args...)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%d:%s:%x:%d", c.chainID, args.Address.Hex(), calldata, *args.BlockNumber)
}

// Context is the value passed to every Setup/OnEvent call: the event
// (absent for Setup's pseudo-event), the network and contract registry, the
// transaction-scoped table store, and the read-only chain client.
type Context struct {
	Network   NetworkInfo
	Contracts map[string]ContractInfo
	DB        *DB
	Client    *Client
}

// Handler is implemented by user code registered against one source.
type Handler interface {
	// Setup runs once before the source's first real event, in its own
	// transaction; it advances no checkpoint.
	Setup(ctx context.Context, hc *Context) error

	// OnEvent is invoked once per dispatched event, inside the dispatch
	// transaction that also advances the source's checkpoint.
	OnEvent(ctx context.Context, hc *Context, event chain.Event) error
}

// RetryPolicy lets a Handler opt into bounded retry instead of the default
// fatal-on-error behavior.
type RetryPolicy struct {
	MaxAttempts int
}

// RetryableHandler is implemented by handlers that declare a bounded retry
// count for OnEvent failures instead of treating every error as fatal.
type RetryableHandler interface {
	Handler
	RetryPolicy() RetryPolicy
}
