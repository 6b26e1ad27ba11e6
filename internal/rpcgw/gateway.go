package rpcgw

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	internalcommon "github.com/chainweave/indexor/internal/common"
	"github.com/chainweave/indexor/internal/errs"
	"github.com/chainweave/indexor/internal/logger"
	"github.com/chainweave/indexor/internal/metrics"
	"github.com/chainweave/indexor/pkg/config"
)

// Gateway is the single JSON-RPC boundary for one network: a bounded
// concurrency pool serializing outgoing calls, a prioritized transport
// fallback list, and a retry policy. Every error it returns is either a
// *errs.Error with Kind KindRPCUnavailable (transport exhausted) or
// KindRPCApplication (well-formed error response), except that a context
// error while waiting for a free concurrency slot is returned unwrapped.
type Gateway struct {
	network string
	retry   *config.RetryConfig
	log     *logger.Logger

	sem chan struct{}

	mu         sync.Mutex
	endpoints  []string
	transports []*transport // same length as endpoints; nil until dialed
	active     int          // index of the transport currently preferred
}

// NewGateway dials the first configured transport for network and prepares
// lazy fallback for the rest.
func NewGateway(ctx context.Context, network string, cfg config.NetworkConfig, log *logger.Logger) (*Gateway, error) {
	if len(cfg.Transport) == 0 {
		return nil, errs.New(errs.KindConfig, network, fmt.Errorf("no transport configured"))
	}

	concurrency := cfg.MaxHistoricalTaskConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	g := &Gateway{
		network:    network,
		retry:      cfg.Retry,
		log:        log.WithComponent(internalcommon.ComponentRPCGateway).WithNetwork(network),
		sem:        make(chan struct{}, concurrency),
		endpoints:  cfg.Transport,
		transports: make([]*transport, len(cfg.Transport)),
	}

	t, err := dialTransport(ctx, cfg.Transport[0])
	if err != nil {
		return nil, errs.New(errs.KindRPCUnavailable, network, err)
	}
	g.transports[0] = t

	return g, nil
}

// Close closes every dialed transport.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range g.transports {
		if t != nil {
			t.Close()
		}
	}
}

// acquire blocks until a concurrency slot is free or ctx is done.
func (g *Gateway) acquire(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) release() {
	<-g.sem
}

// currentTransport returns the transport at g.active, dialing it lazily if
// this is the first call to fall through to it.
func (g *Gateway) currentTransport(ctx context.Context) (*transport, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.transports[g.active] != nil {
		return g.transports[g.active], nil
	}

	t, err := dialTransport(ctx, g.endpoints[g.active])
	if err != nil {
		return nil, err
	}
	g.transports[g.active] = t
	return t, nil
}

// advanceTransport moves to the next transport in the fallback list, if any.
// Returns false when the list is exhausted.
func (g *Gateway) advanceTransport() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active+1 >= len(g.endpoints) {
		return false
	}
	g.active++
	g.log.Warnf("falling back to transport %s", g.endpoints[g.active])
	return true
}

// resetTransport returns to the primary transport, called after a
// successful call so a later failure retries fallback from the top.
func (g *Gateway) resetTransport() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = 0
}

// call runs op against the current transport, retrying transport failures
// with backoff, and falling further through the transport list once the
// retry budget for the current one is exhausted. method is used only for
// metrics and log labeling.
func (g *Gateway) call(ctx context.Context, method string, op func(*transport) error) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.release()

	var lastErr error
	for {
		t, dialErr := g.currentTransport(ctx)
		if dialErr != nil {
			lastErr = dialErr
			if g.advanceTransport() {
				continue
			}
			return errs.New(errs.KindRPCUnavailable, g.network, lastErr)
		}

		err := retryWithBackoff(ctx, g.retry, g.network, method, func() error {
			return op(t)
		})
		if err == nil {
			g.resetTransport()
			return nil
		}

		if isTooMany, _ := isTooManyResultsError(err); isTooMany {
			return errs.New(errs.KindRPCApplication, g.network, err)
		}
		if !retryableError(err) {
			return errs.New(errs.KindRPCApplication, g.network, err)
		}

		lastErr = err
		metrics.ComponentHealthSet(internalcommon.ComponentRPCGateway, false)
		if g.advanceTransport() {
			continue
		}
		return errs.New(errs.KindRPCUnavailable, g.network, lastErr)
	}
}

// GetLogs retrieves logs matching query.
func (g *Gateway) GetLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	var result []types.Log
	err := g.call(ctx, "eth_getLogs", func(t *transport) error {
		r, err := t.getLogs(ctx, query)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// GetBlockHeader retrieves the header for a specific block number.
func (g *Gateway) GetBlockHeader(ctx context.Context, blockNum uint64) (*types.Header, error) {
	var result *types.Header
	err := g.call(ctx, "eth_getBlockByNumber", func(t *transport) error {
		r, err := t.getBlockHeader(ctx, blockNum)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// GetBlockByHash retrieves a full block, including transactions, by hash.
func (g *Gateway) GetBlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error) {
	var result *types.Block
	err := g.call(ctx, "eth_getBlockByHash", func(t *transport) error {
		r, err := t.getBlockByHash(ctx, hash)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// GetLatestBlockHeader retrieves the chain tip header.
func (g *Gateway) GetLatestBlockHeader(ctx context.Context) (*types.Header, error) {
	var result *types.Header
	err := g.call(ctx, "eth_getBlockByNumber:latest", func(t *transport) error {
		r, err := t.getLatestBlockHeader(ctx)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// GetFinalizedBlockHeader retrieves the finalized block header.
func (g *Gateway) GetFinalizedBlockHeader(ctx context.Context) (*types.Header, error) {
	var result *types.Header
	err := g.call(ctx, "eth_getBlockByNumber:finalized", func(t *transport) error {
		r, err := t.getFinalizedBlockHeader(ctx)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// GetSafeBlockHeader retrieves the safe block header.
func (g *Gateway) GetSafeBlockHeader(ctx context.Context) (*types.Header, error) {
	var result *types.Header
	err := g.call(ctx, "eth_getBlockByNumber:safe", func(t *transport) error {
		r, err := t.getSafeBlockHeader(ctx)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// CallContract executes a read-only contract call at the given block number
// (nil for latest), used by the handler context's readContract surface.
func (g *Gateway) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var result []byte
	err := g.call(ctx, "eth_call", func(t *transport) error {
		r, err := t.callContract(ctx, msg, blockNumber)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// BatchGetLogs retrieves logs for multiple filter queries in a single batch
// call.
func (g *Gateway) BatchGetLogs(ctx context.Context, queries []ethereum.FilterQuery) ([][]types.Log, error) {
	var result [][]types.Log
	err := g.call(ctx, "eth_getLogs:batch", func(t *transport) error {
		r, err := t.batchGetLogs(ctx, queries)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// BatchGetBlockHeaders retrieves headers for multiple block numbers in a
// single batch call, chunked to the transport's batch size limit.
func (g *Gateway) BatchGetBlockHeaders(ctx context.Context, blockNums []uint64) ([]*types.Header, error) {
	var result []*types.Header
	err := g.call(ctx, "eth_getBlockByNumber:batch", func(t *transport) error {
		r, err := t.batchGetBlockHeaders(ctx, blockNums)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// SuggestedRange extracts the block range a server suggests narrowing to,
// when err is a KindRPCApplication "too many results" error. The historical
// fetcher falls back to bisection when ok is false.
func SuggestedRange(err error) (fromBlock, toBlock uint64, ok bool) {
	classified, is := errs.KindOf(err)
	if !is || classified != errs.KindRPCApplication {
		return 0, 0, false
	}
	_, errData := isTooManyResultsError(unwrapGatewayErr(err))
	return parseSuggestedBlockRange(errData)
}

// IsTooManyResults reports whether err is a "too many results" application
// error signaling the caller should narrow its block range.
func IsTooManyResults(err error) bool {
	ok, _ := isTooManyResultsError(unwrapGatewayErr(err))
	return ok
}

func unwrapGatewayErr(err error) error {
	var classified *errs.Error
	if ge, ok := err.(*errs.Error); ok {
		classified = ge
	} else {
		return err
	}
	return classified.Unwrap()
}
