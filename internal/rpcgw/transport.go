// Package rpcgw is the sole JSON-RPC boundary the rest of the pipeline
// calls through. It owns transport selection and fallback, per-network
// concurrency bounding, and retry-with-backoff, and classifies every
// failure into internal/errs before returning it.
package rpcgw

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// transport is one dialed endpoint. A Gateway holds one per configured URL,
// in fallback priority order.
type transport struct {
	endpoint string
	eth      *ethclient.Client
	rpc      *rpc.Client
}

func dialTransport(ctx context.Context, endpoint string) (*transport, error) {
	rpcClient, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return &transport{
		endpoint: endpoint,
		eth:      ethclient.NewClient(rpcClient),
		rpc:      rpcClient,
	}, nil
}

func (t *transport) Close() {
	t.eth.Close()
}

func (t *transport) getLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	return t.eth.FilterLogs(ctx, query)
}

func (t *transport) getBlockHeader(ctx context.Context, blockNum uint64) (*types.Header, error) {
	return t.eth.HeaderByNumber(ctx, big.NewInt(int64(blockNum)))
}

func (t *transport) getBlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error) {
	return t.eth.BlockByHash(ctx, hash)
}

func (t *transport) callContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return t.eth.CallContract(ctx, msg, blockNumber)
}

func (t *transport) getLatestBlockHeader(ctx context.Context) (*types.Header, error) {
	return t.eth.HeaderByNumber(ctx, nil)
}

func (t *transport) getFinalizedBlockHeader(ctx context.Context) (*types.Header, error) {
	return t.eth.HeaderByNumber(ctx, big.NewInt(int64(rpc.FinalizedBlockNumber)))
}

func (t *transport) getSafeBlockHeader(ctx context.Context) (*types.Header, error) {
	return t.eth.HeaderByNumber(ctx, big.NewInt(int64(rpc.SafeBlockNumber)))
}

func (t *transport) batchGetLogs(ctx context.Context, queries []ethereum.FilterQuery) ([][]types.Log, error) {
	batch := make([]rpc.BatchElem, len(queries))
	results := make([][]types.Log, len(queries))

	for i, query := range queries {
		batch[i] = rpc.BatchElem{
			Method: "eth_getLogs",
			Args:   []any{toFilterArg(query)},
			Result: &results[i],
		}
	}

	if err := t.rpc.BatchCallContext(ctx, batch); err != nil {
		return nil, err
	}
	for _, elem := range batch {
		if elem.Error != nil {
			return nil, elem.Error
		}
	}
	return results, nil
}

func (t *transport) batchGetBlockHeaders(ctx context.Context, blockNums []uint64) ([]*types.Header, error) {
	const maxBatch = 100
	var allResults []*types.Header

	for i := 0; i < len(blockNums); i += maxBatch {
		end := min(i+maxBatch, len(blockNums))
		chunk := blockNums[i:end]

		batch := make([]rpc.BatchElem, len(chunk))
		results := make([]*types.Header, len(chunk))

		for j, blockNum := range chunk {
			batch[j] = rpc.BatchElem{
				Method: "eth_getBlockByNumber",
				Args:   []any{toBlockNumArg(blockNum), false},
				Result: &results[j],
			}
		}

		if err := t.rpc.BatchCallContext(ctx, batch); err != nil {
			return nil, err
		}
		for _, elem := range batch {
			if elem.Error != nil {
				return nil, elem.Error
			}
		}
		allResults = append(allResults, results...)
	}

	return allResults, nil
}

// toFilterArg converts ethereum.FilterQuery to the format expected by eth_getLogs.
func toFilterArg(q ethereum.FilterQuery) any {
	arg := map[string]any{
		"topics": q.Topics,
	}

	if q.BlockHash != nil {
		arg["blockHash"] = *q.BlockHash
	} else {
		if q.FromBlock != nil {
			arg["fromBlock"] = toBlockNumArg(q.FromBlock.Uint64())
		}
		if q.ToBlock != nil {
			arg["toBlock"] = toBlockNumArg(q.ToBlock.Uint64())
		}
	}

	if len(q.Addresses) > 0 {
		if len(q.Addresses) == 1 {
			arg["address"] = q.Addresses[0]
		} else {
			arg["address"] = q.Addresses
		}
	}

	return arg
}

// toBlockNumArg converts a block number to hex format.
func toBlockNumArg(blockNum uint64) string {
	return fmt.Sprintf("0x%x", blockNum)
}
