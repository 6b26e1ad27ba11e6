// Package livefollower tracks the chain tip for one network, detects
// reorgs by walking back to a common ancestor against an in-memory suffix
// of recent headers, and promotes blocks to final once they clear the
// network's confirmation depth.
package livefollower

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	internalcommon "github.com/chainweave/indexor/internal/common"
	"github.com/chainweave/indexor/internal/logger"
	"github.com/chainweave/indexor/internal/metrics"
	"github.com/chainweave/indexor/internal/sourceresolver"
	"github.com/chainweave/indexor/pkg/chain"
)

// Gateway is the RPC surface the follower needs.
type Gateway interface {
	GetLatestBlockHeader(ctx context.Context) (*types.Header, error)
	GetBlockHeader(ctx context.Context, blockNum uint64) (*types.Header, error)
	GetBlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error)
	GetLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
}

// CacheStore is the cache store surface the follower needs.
type CacheStore interface {
	sourceresolver.CacheReader
	GetBlock(ctx context.Context, chainID uint64, hash string) (*chain.CachedBlock, error)
	InsertLogsAndRecordInterval(ctx context.Context, chainID uint64, sourceFingerprint string, fromBlock, toBlock uint64, logs []chain.CachedLog, blocks []chain.CachedBlock) error
	DeleteFromBlock(ctx context.Context, chainID uint64, blockNumber uint64) error
}

// ReorgEvent reports a detected reorganization: the caller must roll its
// cache and dispatch state back to fromBlock before resuming delivery.
type ReorgEvent struct {
	ChainID   uint64
	FromBlock uint64
}

// headerRef is the minimal identity the suffix tracks per block.
type headerRef struct {
	number     uint64
	hash       common.Hash
	parentHash common.Hash
}

// Follower drives one network's live tip-tracking loop.
type Follower struct {
	network            string
	chainID            uint64
	gw                 Gateway
	cache              CacheStore
	resolver           *sourceresolver.Resolver
	sourceNames        []string
	pollingInterval    time.Duration
	finalityBlockCount uint64
	suffixCap          int

	mu               sync.Mutex
	suffix           []headerRef // ascending by number
	finalizedThrough uint64
	haveFinalized    bool
	paused           bool
	pending          map[uint64]pendingBlock

	reorgs    chan ReorgEvent
	finalized chan uint64
	log       *logger.Logger
}

// pendingBlock holds one not-yet-final block's logs, grouped by source, and
// its header, awaiting promotion once the block clears the confirmation
// depth.
type pendingBlock struct {
	logsBySource map[string][]types.Log
	blocks       []chain.CachedBlock
}

// New builds a Follower for one network. sourceNames lists every source
// whose filter LiveBlockTask should union when scanning a new block.
func New(network string, chainID uint64, gw Gateway, cache CacheStore, resolver *sourceresolver.Resolver, sourceNames []string, pollingInterval time.Duration, finalityBlockCount uint64, log *logger.Logger) *Follower {
	const suffixSlack = 32
	return &Follower{
		network:            network,
		chainID:            chainID,
		gw:                 gw,
		cache:              cache,
		resolver:           resolver,
		sourceNames:        sourceNames,
		pollingInterval:    pollingInterval,
		finalityBlockCount: finalityBlockCount,
		suffixCap:          int(finalityBlockCount) + suffixSlack,
		paused:             true,
		pending:            make(map[uint64]pendingBlock),
		reorgs:             make(chan ReorgEvent, 8),
		finalized:          make(chan uint64, 256),
		log:                log.WithComponent(internalcommon.ComponentLiveFollower).WithNetwork(network),
	}
}

// Reorgs delivers detected reorganizations for the orchestrator/dispatcher
// to act on: pause the event stream, roll back checkpoints, resume.
func (f *Follower) Reorgs() <-chan ReorgEvent { return f.reorgs }

// Finalized delivers block numbers as they cross the confirmation depth and
// become eligible for interval commit.
func (f *Follower) Finalized() <-chan uint64 { return f.finalized }

// Resume lifts delivery pause. The follower enqueues and fetches new heads
// from the moment it starts regardless of pause state; pausing only holds
// back finality promotion, so historical backfill finishes draining its own
// view of the chain before live blocks are folded in.
func (f *Follower) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
}

// Paused reports whether the follower is still in its startup pause, during
// which finalized blocks accumulate in memory instead of being committed to
// the cache store.
func (f *Follower) Paused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

// Run polls for new heads until ctx is done.
func (f *Follower) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.pollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			header, err := f.gw.GetLatestBlockHeader(ctx)
			if err != nil {
				f.log.Warnf("fetch latest head: %v", err)
				continue
			}
			if err := f.handleNewHead(ctx, header); err != nil {
				f.log.Errorf("handle new head %d: %v", header.Number.Uint64(), err)
			}
		}
	}
}

// handleNewHead extends the suffix on a clean parent match, or walks back
// to the common ancestor and emits a ReorgEvent otherwise.
func (f *Follower) handleNewHead(ctx context.Context, header *types.Header) error {
	ref := headerRef{number: header.Number.Uint64(), hash: header.Hash(), parentHash: header.ParentHash}

	f.mu.Lock()
	empty := len(f.suffix) == 0
	tip := headerRef{}
	if !empty {
		tip = f.suffix[len(f.suffix)-1]
	}
	f.mu.Unlock()

	switch {
	case empty:
		return f.extendFrom(ctx, []headerRef{ref})

	case ref.hash == tip.hash:
		return nil // already have this head

	case ref.parentHash == tip.hash:
		return f.extendFrom(ctx, []headerRef{ref})

	default:
		return f.handleReorg(ctx, header)
	}
}

// handleReorg walks backward from header's parent, one block at a time,
// until it finds an ancestor present in the suffix, then truncates the
// suffix to that ancestor, emits a ReorgEvent, rolls the cache back, and
// refetches the range up to the new head.
func (f *Follower) handleReorg(ctx context.Context, header *types.Header) error {
	chainWalk := []headerRef{{number: header.Number.Uint64(), hash: header.Hash(), parentHash: header.ParentHash}}

	current := header
	for {
		f.mu.Lock()
		ancestorIdx := indexOf(f.suffix, current.ParentHash)
		f.mu.Unlock()

		if ancestorIdx >= 0 {
			f.mu.Lock()
			ancestor := f.suffix[ancestorIdx]
			f.suffix = f.suffix[:ancestorIdx+1]
			f.mu.Unlock()

			metrics.ReorgDetectedLog(f.network, header.Number.Uint64()-ancestor.number)
			f.log.Warnf("reorg detected: common ancestor block=%d new_tip=%d", ancestor.number, header.Number.Uint64())

			if err := f.cache.DeleteFromBlock(ctx, f.chainID, ancestor.number+1); err != nil {
				return fmt.Errorf("livefollower: rollback cache from block %d: %w", ancestor.number+1, err)
			}

			select {
			case f.reorgs <- ReorgEvent{ChainID: f.chainID, FromBlock: ancestor.number + 1}:
			case <-ctx.Done():
				return ctx.Err()
			}

			// chainWalk holds headers newest-first below the walked-back point;
			// reverse it and extend the suffix from the ancestor forward.
			for i, j := 0, len(chainWalk)-1; i < j; i, j = i+1, j-1 {
				chainWalk[i], chainWalk[j] = chainWalk[j], chainWalk[i]
			}
			return f.extendFrom(ctx, chainWalk)
		}

		block, err := f.gw.GetBlockByHash(ctx, current.ParentHash)
		if err != nil {
			return fmt.Errorf("livefollower: walk back to %s: %w", current.ParentHash.Hex(), err)
		}
		parentHeader := block.Header()
		chainWalk = append(chainWalk, headerRef{number: parentHeader.Number.Uint64(), hash: parentHeader.Hash(), parentHash: parentHeader.ParentHash})
		current = parentHeader

		f.mu.Lock()
		exhausted := len(f.suffix) == 0 || current.Number.Uint64() < f.suffix[0].number
		f.mu.Unlock()
		if exhausted {
			// Walked back past everything we track; treat the oldest known
			// suffix entry as the ancestor point.
			f.mu.Lock()
			var ancestor headerRef
			if len(f.suffix) > 0 {
				ancestor = f.suffix[0]
				f.suffix = f.suffix[:0]
			}
			f.mu.Unlock()

			if err := f.cache.DeleteFromBlock(ctx, f.chainID, ancestor.number); err != nil {
				return fmt.Errorf("livefollower: rollback cache from block %d: %w", ancestor.number, err)
			}
			select {
			case f.reorgs <- ReorgEvent{ChainID: f.chainID, FromBlock: ancestor.number}:
			case <-ctx.Done():
				return ctx.Err()
			}

			for i, j := 0, len(chainWalk)-1; i < j; i, j = i+1, j-1 {
				chainWalk[i], chainWalk[j] = chainWalk[j], chainWalk[i]
			}
			return f.extendFrom(ctx, chainWalk)
		}
	}
}

func indexOf(suffix []headerRef, hash common.Hash) int {
	for i := len(suffix) - 1; i >= 0; i-- {
		if suffix[i].hash == hash {
			return i
		}
	}
	return -1
}

// extendFrom appends refs to the suffix in order, running a LiveBlockTask
// for each, then trims the suffix to its cap and promotes newly-final
// blocks.
func (f *Follower) extendFrom(ctx context.Context, refs []headerRef) error {
	for _, ref := range refs {
		if err := f.runLiveBlockTask(ctx, ref); err != nil {
			return err
		}

		f.mu.Lock()
		f.suffix = append(f.suffix, ref)
		if len(f.suffix) > f.suffixCap {
			f.suffix = f.suffix[len(f.suffix)-f.suffixCap:]
		}
		tipNumber := ref.number
		f.mu.Unlock()

		f.promoteFinalized(ctx, tipNumber)
	}
	return nil
}

// runLiveBlockTask fetches logs for the union of every active source's
// filter, scoped to a single block, and buffers them in the in-memory
// pending map; promoteFinalized writes them to the cache store, together
// with the block's synced interval, only once the block is final.
func (f *Follower) runLiveBlockTask(ctx context.Context, ref headerRef) error {
	var allLogs []types.Log
	bySource := map[string][]types.Log{}

	for _, name := range f.sourceNames {
		resolved, err := f.resolver.Resolve(name, f.chainID)
		if err != nil {
			return err
		}
		if len(resolved.Addresses) == 0 {
			continue
		}

		logs, err := f.gw.GetLogs(ctx, ethereum.FilterQuery{
			BlockHash: &ref.hash,
			Addresses: resolved.Addresses,
			Topics:    resolved.Topics,
		})
		if err != nil {
			return fmt.Errorf("livefollower: get logs for %s at block %d: %w", name, ref.number, err)
		}
		bySource[name] = logs
		allLogs = append(allLogs, logs...)
	}

	var blocks []chain.CachedBlock
	if len(allLogs) > 0 {
		existing, err := f.cache.GetBlock(ctx, f.chainID, toLowerHex(ref.hash))
		if err == nil && existing == nil {
			block, err := f.gw.GetBlockByHash(ctx, ref.hash)
			if err != nil {
				return fmt.Errorf("livefollower: fetch block %s: %w", ref.hash.Hex(), err)
			}
			blocks = append(blocks, chain.CachedBlock{
				ChainID:    f.chainID,
				Hash:       block.Hash(),
				Number:     block.NumberU64(),
				ParentHash: block.ParentHash(),
				Timestamp:  block.Time(),
			})
		}
	}

	// Every finalized block needs a pending entry, even one with no logs
	// for any source, so promoteFinalized can still commit an interval for
	// it; otherwise contiguousCoverage sees a permanent gap at this block.
	f.mu.Lock()
	f.pending[ref.number] = pendingBlock{logsBySource: bySource, blocks: blocks}
	f.mu.Unlock()
	return nil
}

func toLowerHex(h common.Hash) string {
	return fmt.Sprintf("%x", h)
}

// promoteFinalized commits every pending block that has cleared the
// confirmation depth: one InsertLogsAndRecordInterval call per source
// scanned for that block, whether or not it saw logs, so live coverage folds into the same interval
// keyspace the historical fetcher reads. While paused, pending blocks are
// left queued rather than committed, so the historical fetcher's own
// backfill of the same range never races the follower for the same rows;
// the queue drains on the next new head once Resume is called.
func (f *Follower) promoteFinalized(ctx context.Context, tipNumber uint64) {
	f.mu.Lock()
	paused := f.paused
	f.mu.Unlock()
	if paused {
		return
	}

	if tipNumber < f.finalityBlockCount {
		return
	}
	boundary := tipNumber - f.finalityBlockCount

	f.mu.Lock()
	if f.haveFinalized && boundary <= f.finalizedThrough {
		f.mu.Unlock()
		return
	}
	from := f.finalizedThrough + 1
	if !f.haveFinalized {
		from = 0
	}
	f.mu.Unlock()

	for num := from; num <= boundary; num++ {
		f.mu.Lock()
		pb, ok := f.pending[num]
		if ok {
			delete(f.pending, num)
		}
		f.mu.Unlock()

		if ok {
			for name, logs := range pb.logsBySource {
				resolved, err := f.resolver.Resolve(name, f.chainID)
				if err != nil {
					f.log.Errorf("resolve %s for finality commit: %v", name, err)
					continue
				}
				cachedLogs := make([]chain.CachedLog, 0, len(logs))
				for _, l := range logs {
					cachedLogs = append(cachedLogs, logToCachedLog(f.chainID, l))
				}
				if err := f.cache.InsertLogsAndRecordInterval(ctx, f.chainID, resolved.Fingerprint, num, num, cachedLogs, pb.blocks); err != nil {
					f.log.Errorf("commit finalized block %d for %s: %v", num, name, err)
					continue
				}
				pb.blocks = nil // only the first source needs to insert the block row
			}
		}

		select {
		case f.finalized <- num:
		default:
		}
	}

	f.mu.Lock()
	f.finalizedThrough = boundary
	f.haveFinalized = true
	f.mu.Unlock()
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
