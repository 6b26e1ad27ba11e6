// Package historical drives the pre-tip backfill: for each configured
// source, it computes the block ranges missing from the cache, splits them
// into bounded slices, fetches logs for each slice (halving on "range too
// large"), hydrates the blocks those logs reference, and commits each
// slice's logs, blocks, and synced interval atomically.
package historical

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/chainweave/indexor/internal/cachestore"
	internalcommon "github.com/chainweave/indexor/internal/common"
	"github.com/chainweave/indexor/internal/logger"
	"github.com/chainweave/indexor/internal/metrics"
	"github.com/chainweave/indexor/internal/rpcgw"
	"github.com/chainweave/indexor/internal/sourceresolver"
	"github.com/chainweave/indexor/pkg/chain"
)

// Gateway is the RPC surface the fetcher needs.
type Gateway interface {
	GetLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	GetBlockByHash(ctx context.Context, hash ethcommon.Hash) (*types.Block, error)
}

// CacheStore is the cache store surface the fetcher needs.
type CacheStore interface {
	sourceresolver.CacheReader
	GetBlock(ctx context.Context, chainID uint64, hash string) (*chain.CachedBlock, error)
	InsertLogsAndRecordInterval(ctx context.Context, chainID uint64, sourceFingerprint string, fromBlock, toBlock uint64, logs []chain.CachedLog, blocks []chain.CachedBlock) error
}

// Fetcher backfills one network's sources.
type Fetcher struct {
	network       string
	chainID       uint64
	gw            Gateway
	cache         CacheStore
	resolver      *sourceresolver.Resolver
	maxSliceRange uint64
	concurrency   int
	log           *logger.Logger
}

// New builds a Fetcher for one network.
func New(network string, chainID uint64, gw Gateway, cache CacheStore, resolver *sourceresolver.Resolver, defaultMaxBlockRange uint64, concurrency int, log *logger.Logger) *Fetcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Fetcher{
		network:       network,
		chainID:       chainID,
		gw:            gw,
		cache:         cache,
		resolver:      resolver,
		maxSliceRange: defaultMaxBlockRange,
		concurrency:   concurrency,
		log:           log.WithComponent(internalcommon.ComponentHistorical).WithNetwork(network),
	}
}

// Backfill drives one source to completion: if it is a factory source, it
// first recurses on the synthetic parent source to discover every child
// known as of finalizedTip, then backfills the (now stable) child set.
// syncEndBlock bounds the range: min(source.EndBlock ?? finalizedTip, finalizedTip).
func (f *Fetcher) Backfill(ctx context.Context, sourceName string, finalizedTip uint64) error {
	resolved, err := f.resolver.Resolve(sourceName, f.chainID)
	if err != nil {
		return err
	}

	if resolved.Kind == chain.SourceFactory {
		if err := f.backfillFactoryParent(ctx, sourceName, finalizedTip); err != nil {
			return err
		}
		resolved, err = f.resolver.Resolve(sourceName, f.chainID)
		if err != nil {
			return err
		}
	}

	syncEnd := finalizedTip
	if resolved.EndBlock != nil && *resolved.EndBlock < syncEnd {
		syncEnd = *resolved.EndBlock
	}

	return f.backfillResolved(ctx, resolved, syncEnd)
}

// backfillFactoryParent syncs the factory parent's creation-event range and
// runs one discovery pass over whatever became cached, materializing the
// child set before the real backfill starts.
func (f *Fetcher) backfillFactoryParent(ctx context.Context, sourceName string, finalizedTip uint64) error {
	parent, err := f.resolver.ParentSource(sourceName, f.chainID)
	if err != nil {
		return err
	}

	syncEnd := finalizedTip
	if parent.EndBlock != nil && *parent.EndBlock < syncEnd {
		syncEnd = *parent.EndBlock
	}

	if err := f.backfillResolved(ctx, parent, syncEnd); err != nil {
		return fmt.Errorf("historical: backfill factory parent for %s: %w", sourceName, err)
	}

	if _, err := f.resolver.DiscoverChildren(ctx, sourceName, f.cache, f.chainID, syncEnd); err != nil {
		return fmt.Errorf("historical: discover children for %s: %w", sourceName, err)
	}
	return nil
}

func (f *Fetcher) backfillResolved(ctx context.Context, resolved sourceresolver.ResolvedSource, syncEnd uint64) error {
	if len(resolved.Addresses) == 0 {
		return nil
	}

	// Static sources, including the synthetic factory parent that the
	// resolver does not know by name, are keyed by their own fingerprint.
	var cached []cachestore.Interval
	var err error
	if resolved.Kind == chain.SourceStatic {
		cached, err = f.cache.GetCachedIntervals(ctx, f.chainID, resolved.Fingerprint)
	} else {
		cached, err = f.resolver.CachedIntervals(ctx, resolved.Name, f.cache, f.chainID)
	}
	if err != nil {
		return fmt.Errorf("historical: cached intervals for %s: %w", resolved.Name, err)
	}

	required := cachestore.RequiredRanges(cached, resolved.StartBlock, syncEnd)
	if len(required) == 0 {
		return nil
	}

	maxRange := resolved.MaxBlockRange
	if maxRange == 0 {
		maxRange = f.maxSliceRange
	}

	type slice struct{ from, to uint64 }
	var slices []slice
	for _, iv := range required {
		for from := iv.FromBlock; from <= iv.ToBlock; {
			to := from + maxRange - 1
			if to > iv.ToBlock {
				to = iv.ToBlock
			}
			slices = append(slices, slice{from, to})
			if to == iv.ToBlock {
				break
			}
			from = to + 1
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)

	for _, s := range slices {
		s := s
		g.Go(func() error {
			return f.fetchSlice(gctx, resolved, s.from, s.to)
		})
	}

	return g.Wait()
}

// fetchSlice runs one LogsTask: fetch logs for [from,to], halving on "range
// too large", hydrate every referenced block, then commit logs, blocks, and
// the interval atomically.
func (f *Fetcher) fetchSlice(ctx context.Context, resolved sourceresolver.ResolvedSource, from, to uint64) error {
	logs, err := f.fetchLogsWithHalving(ctx, resolved, from, to)
	if err != nil {
		return err
	}

	blockHashes := map[ethcommon.Hash]struct{}{}
	for _, l := range logs {
		blockHashes[l.BlockHash] = struct{}{}
	}

	blocks := make([]chain.CachedBlock, 0, len(blockHashes))
	for hash := range blockHashes {
		existing, err := f.cache.GetBlock(ctx, f.chainID, strings.ToLower(hash.Hex()))
		if err != nil {
			return fmt.Errorf("historical: lookup cached block %s: %w", hash.Hex(), err)
		}
		if existing != nil {
			blocks = append(blocks, *existing)
			continue
		}

		block, err := f.gw.GetBlockByHash(ctx, hash)
		if err != nil {
			return fmt.Errorf("historical: fetch block %s: %w", hash.Hex(), err)
		}
		blocks = append(blocks, chain.CachedBlock{
			ChainID:    f.chainID,
			Hash:       block.Hash(),
			Number:     block.NumberU64(),
			ParentHash: block.ParentHash(),
			Timestamp:  block.Time(),
		})
	}

	cachedLogs := make([]chain.CachedLog, 0, len(logs))
	for _, l := range logs {
		cachedLogs = append(cachedLogs, logToCachedLog(f.chainID, l))
	}

	if err := f.cache.InsertLogsAndRecordInterval(ctx, f.chainID, resolved.Fingerprint, from, to, cachedLogs, blocks); err != nil {
		return fmt.Errorf("historical: commit slice [%d,%d]: %w", from, to, err)
	}

	metrics.BlocksProcessedInc(f.network, resolved.Name, to-from+1)
	return nil
}

// fetchLogsWithHalving calls eth_getLogs, recursively halving the range (or
// following the server's suggested range) on a "too many results" error,
// until every sub-range succeeds.
func (f *Fetcher) fetchLogsWithHalving(ctx context.Context, resolved sourceresolver.ResolvedSource, from, to uint64) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(int64(from)),
		ToBlock:   big.NewInt(int64(to)),
		Addresses: resolved.Addresses,
		Topics:    resolved.Topics,
	}

	logs, err := f.gw.GetLogs(ctx, query)
	if err == nil {
		return logs, nil
	}

	if !rpcgw.IsTooManyResults(err) {
		return nil, err
	}

	if suggestedFrom, suggestedTo, ok := rpcgw.SuggestedRange(err); ok {
		f.log.Infof("narrowing range [%d,%d] to suggested [%d,%d]", from, to, suggestedFrom, suggestedTo)
		var result []types.Log
		if suggestedFrom > from {
			left, lerr := f.fetchLogsWithHalving(ctx, resolved, from, suggestedFrom-1)
			if lerr != nil {
				return nil, lerr
			}
			result = append(result, left...)
		}
		mid, merr := f.fetchLogsWithHalving(ctx, resolved, suggestedFrom, suggestedTo)
		if merr != nil {
			return nil, merr
		}
		result = append(result, mid...)
		if suggestedTo < to {
			rest, rerr := f.fetchLogsWithHalving(ctx, resolved, suggestedTo+1, to)
			if rerr != nil {
				return nil, rerr
			}
			result = append(result, rest...)
		}
		return result, nil
	}

	if from == to {
		return nil, fmt.Errorf("historical: block %d alone has too many results", from)
	}

	mid := from + (to-from)/2
	left, err := f.fetchLogsWithHalving(ctx, resolved, from, mid)
	if err != nil {
		return nil, err
	}
	right, err := f.fetchLogsWithHalving(ctx, resolved, mid+1, to)
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}

func logToCachedLog(chainID uint64, l types.Log) chain.CachedLog {
	cl := chain.CachedLog{
		ChainID:     chainID,
		BlockHash:   l.BlockHash,
		BlockNumber: l.BlockNumber,
		LogIndex:    l.Index,
		Address:     l.Address,
		Data:        l.Data,
		TxHash:      l.TxHash,
		TxIndex:     l.TxIndex,
	}
	topics := l.Topics
	if len(topics) > 0 {
		t := topics[0]
		cl.Topic0 = &t
	}
	if len(topics) > 1 {
		t := topics[1]
		cl.Topic1 = &t
	}
	if len(topics) > 2 {
		t := topics[2]
		cl.Topic2 = &t
	}
	if len(topics) > 3 {
		t := topics[3]
		cl.Topic3 = &t
	}
	return cl
}
