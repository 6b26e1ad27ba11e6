// Package eventstream merges the per-source cached log ranges that the
// Historical Fetcher and Live Follower commit into one totally-ordered
// event stream, bounded by the configured checkpoint so nothing already
// dispatched is ever redelivered.
package eventstream

import (
	"container/heap"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chainweave/indexor/internal/cachestore"
	internalcommon "github.com/chainweave/indexor/internal/common"
	"github.com/chainweave/indexor/internal/logger"
	"github.com/chainweave/indexor/internal/sourceresolver"
	"github.com/chainweave/indexor/pkg/chain"
)

// CacheReader is the slice of the Cache Store the stream needs: reading
// committed logs/blocks/intervals, never writing.
type CacheReader interface {
	sourceresolver.CacheReader
	GetBlock(ctx context.Context, chainID uint64, hash string) (*chain.CachedBlock, error)
	GetCheckpoint(ctx context.Context, chainID uint64, sourceName string) (chain.Checkpoint, error)
}

// SourceFeed binds one configured source to the cache store it reads from.
type SourceFeed struct {
	Network  string
	ChainID  uint64
	Name     string
	Cache    CacheReader
	Resolver *sourceresolver.Resolver
}

// cursor tracks one (network, source) feed's delivery position and the
// events it has pulled from the cache but not yet handed to a consumer.
type cursor struct {
	feed           SourceFeed
	lastDelivered  chain.Checkpoint
	scannedThrough uint64
	haveScanned    bool
	pending        []chain.Event
}

func newCursor(ctx context.Context, feed SourceFeed) (*cursor, error) {
	cp, err := feed.Cache.GetCheckpoint(ctx, feed.ChainID, feed.Name)
	if err != nil {
		return nil, fmt.Errorf("eventstream: load checkpoint for %s: %w", feed.Name, err)
	}
	return &cursor{feed: feed, lastDelivered: cp}, nil
}

// refill pulls any newly-cached, not-yet-delivered logs for this source into
// pending, in order. It only advances across cache coverage that is
// contiguous from where it left off, so it never skips a gap that the
// Historical Fetcher hasn't backfilled yet.
func (c *cursor) refill(ctx context.Context) error {
	if len(c.pending) > 0 {
		return nil
	}

	resolved, err := c.feed.Resolver.Resolve(c.feed.Name, c.feed.ChainID)
	if err != nil {
		return fmt.Errorf("eventstream: resolve %s: %w", c.feed.Name, err)
	}
	if len(resolved.Addresses) == 0 {
		return nil
	}

	cached, err := c.feed.Resolver.CachedIntervals(ctx, c.feed.Name, c.feed.Cache, c.feed.ChainID)
	if err != nil {
		return fmt.Errorf("eventstream: cached intervals for %s: %w", c.feed.Name, err)
	}

	from := c.lastDelivered.LastBlockNumber
	if from < resolved.StartBlock {
		from = resolved.StartBlock
	}
	if c.haveScanned {
		from = c.scannedThrough + 1
	}

	to, ok := contiguousCoverage(cached, from)
	if !ok {
		return nil
	}

	var logs []chain.CachedLog
	for _, addr := range resolved.Addresses {
		addrLogs, err := c.feed.Cache.GetLogs(ctx, c.feed.ChainID, strings.ToLower(addr.Hex()), from, to)
		if err != nil {
			return fmt.Errorf("eventstream: get logs for %s: %w", c.feed.Name, err)
		}
		logs = append(logs, addrLogs...)
	}

	events := make([]chain.Event, 0, len(logs))
	blockCache := map[string]chain.CachedBlock{}
	for _, l := range logs {
		if !c.lastDelivered.Before(l.BlockNumber, l.LogIndex) {
			continue
		}

		hashKey := strings.ToLower(l.BlockHash.Hex())
		block, ok := blockCache[hashKey]
		if !ok {
			b, err := c.feed.Cache.GetBlock(ctx, c.feed.ChainID, hashKey)
			if err != nil {
				return fmt.Errorf("eventstream: get block %s for %s: %w", hashKey, c.feed.Name, err)
			}
			if b == nil {
				return fmt.Errorf("eventstream: block %s referenced by a cached log for %s is missing", hashKey, c.feed.Name)
			}
			block = *b
			blockCache[hashKey] = block
		}

		events = append(events, chain.Event{
			SourceName: c.feed.Name,
			ChainID:    c.feed.ChainID,
			Log:        l,
			Block:      block,
		})
	}

	sortEvents(events)

	c.pending = events
	c.scannedThrough = to
	c.haveScanned = true
	return nil
}

// advance records that an event has been handed off, so it (and everything
// before it) is never redelivered even before the durable checkpoint catches
// up at commit time.
func (c *cursor) advance(e chain.Event) {
	c.lastDelivered = chain.Checkpoint{
		ChainID:         c.feed.ChainID,
		SourceName:      c.feed.Name,
		LastBlockNumber: e.Log.BlockNumber,
		LastLogIndex:    e.Log.LogIndex,
	}
}

// contiguousCoverage finds the largest toBlock such that [from, toBlock] is
// fully covered by cached, contiguous starting at from. Intervals are
// assumed already sorted ascending by FromBlock (as GetCachedIntervals
// returns them; resolver-merged factory coverage is re-sorted here).
func contiguousCoverage(cached []cachestore.Interval, from uint64) (uint64, bool) {
	sorted := make([]cachestore.Interval, len(cached))
	copy(sorted, cached)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].FromBlock < sorted[j-1].FromBlock; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	to, found := uint64(0), false
	cursorBlock := from
	for _, iv := range sorted {
		if iv.ToBlock < cursorBlock {
			continue
		}
		if iv.FromBlock > cursorBlock {
			break
		}
		to = iv.ToBlock
		found = true
		cursorBlock = iv.ToBlock + 1
	}
	return to, found
}

func sortEvents(events []chain.Event) {
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && chain.Less(events[j], events[j-1]); j-- {
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
}

// cursorHeap orders cursors by the front of their pending buffer, so the
// merge always pops the globally-earliest ready event.
type cursorHeap []*cursor

func (h cursorHeap) Len() int { return len(h) }
func (h cursorHeap) Less(i, j int) bool {
	return chain.Less(h[i].pending[0], h[j].pending[0])
}
func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *cursorHeap) Push(x any)   { *h = append(*h, x.(*cursor)) }
func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Stream is the bounded k-way merge over every configured (network, source)
// feed. It blocks on the output channel for backpressure and starts paused:
// the Orchestrator resumes it once each source's historical backfill has
// drained, so no live event is delivered ahead of an in-progress backfill.
type Stream struct {
	pollInterval time.Duration
	log          *logger.Logger

	mu      sync.Mutex
	paused  bool
	cursors []*cursor

	out chan chain.Event
}

// New builds a Stream over the given feeds, starting paused.
func New(feeds []SourceFeed, pollInterval time.Duration, bufferSize int, log *logger.Logger) (*Stream, error) {
	s := &Stream{
		pollInterval: pollInterval,
		paused:       true,
		out:          make(chan chain.Event, bufferSize),
		log:          log.WithComponent(internalcommon.ComponentEventStream),
	}

	for _, feed := range feeds {
		c, err := newCursor(context.Background(), feed)
		if err != nil {
			return nil, err
		}
		s.cursors = append(s.cursors, c)
	}
	return s, nil
}

// Events is the ordered output channel. Consumers must drain it; the
// stream's internal producer blocks once it is full.
func (s *Stream) Events() <-chan chain.Event { return s.out }

// Resume lets the stream start delivering events downstream.
func (s *Stream) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
}

// Pause withholds delivery again, used when a reorg rollback needs the
// Dispatcher quiesced before it resumes from the rolled-back checkpoint.
func (s *Stream) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

func (s *Stream) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// ResetCursor reloads one source's delivery position from its durable
// checkpoint, used after the Dispatcher rolls a reorg back so the stream
// re-merges from the rewound point instead of its stale in-memory cursor.
func (s *Stream) ResetCursor(ctx context.Context, chainID uint64, sourceName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.cursors {
		if c.feed.ChainID != chainID || c.feed.Name != sourceName {
			continue
		}
		cp, err := c.feed.Cache.GetCheckpoint(ctx, chainID, sourceName)
		if err != nil {
			return fmt.Errorf("eventstream: reload checkpoint for %s: %w", sourceName, err)
		}
		c.lastDelivered = cp
		c.pending = nil
		c.scannedThrough = 0
		c.haveScanned = false
		return nil
	}
	return fmt.Errorf("eventstream: unknown cursor for chain %d source %q", chainID, sourceName)
}

// Run drives the merge loop until ctx is cancelled: refill every cursor,
// pop the globally-earliest ready event, and send it (blocking while
// paused or while the output buffer is full).
func (s *Stream) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		delivered, err := s.tick(ctx)
		if err != nil {
			s.log.Errorf("merge tick failed: %v", err)
		}
		if delivered {
			continue // drain everything immediately ready before sleeping
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Stream) tick(ctx context.Context) (bool, error) {
	s.mu.Lock()
	paused := s.paused
	cursors := s.cursors
	s.mu.Unlock()

	var h cursorHeap
	for _, c := range cursors {
		if err := c.refill(ctx); err != nil {
			return false, err
		}
		if len(c.pending) > 0 {
			h = append(h, c)
		}
	}
	if len(h) == 0 {
		return false, nil
	}
	heap.Init(&h)

	if paused {
		return false, nil
	}

	top := heap.Pop(&h).(*cursor)
	event := top.pending[0]
	top.pending = top.pending[1:]

	select {
	case s.out <- event:
		top.advance(event)
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
