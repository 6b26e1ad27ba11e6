package eventstream

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainweave/indexor/internal/cachestore"
	"github.com/chainweave/indexor/internal/logger"
	"github.com/chainweave/indexor/internal/sourceresolver"
	"github.com/chainweave/indexor/pkg/chain"
)

type fakeCache struct {
	mu          sync.Mutex
	logsByAddr  map[string][]chain.CachedLog
	blocks      map[string]chain.CachedBlock
	intervals   map[string][]cachestore.Interval
	checkpoints map[string]chain.Checkpoint
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		logsByAddr:  map[string][]chain.CachedLog{},
		blocks:      map[string]chain.CachedBlock{},
		intervals:   map[string][]cachestore.Interval{},
		checkpoints: map[string]chain.Checkpoint{},
	}
}

func (c *fakeCache) GetLogs(_ context.Context, _ uint64, address string, from, to uint64) ([]chain.CachedLog, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []chain.CachedLog
	for _, l := range c.logsByAddr[strings.ToLower(address)] {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

func (c *fakeCache) GetCachedIntervals(_ context.Context, _ uint64, fingerprint string) ([]cachestore.Interval, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intervals[fingerprint], nil
}

func (c *fakeCache) GetBlock(_ context.Context, _ uint64, hash string) (*chain.CachedBlock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.blocks[hash]; ok {
		return &b, nil
	}
	return nil, nil
}

func (c *fakeCache) GetCheckpoint(_ context.Context, _ uint64, sourceName string) (chain.Checkpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpoints[sourceName], nil
}

func TestStream_DeliversInBlockAndLogIndexOrder(t *testing.T) {
	cache := newFakeCache()
	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")

	src := &chain.Source{Name: "vault", Kind: chain.SourceStatic, Addresses: []common.Address{addr}}
	resolver := sourceresolver.NewResolver(map[string]*chain.Source{"vault": src})
	resolved, err := resolver.Resolve("vault", 1)
	require.NoError(t, err)

	addrKey := strings.ToLower(addr.Hex())
	cache.intervals[resolved.Fingerprint] = []cachestore.Interval{{FromBlock: 0, ToBlock: 10}}
	cache.logsByAddr[addrKey] = []chain.CachedLog{
		{ChainID: 1, BlockNumber: 5, LogIndex: 1, Address: addr, BlockHash: common.HexToHash("0xb5")},
		{ChainID: 1, BlockNumber: 5, LogIndex: 0, Address: addr, BlockHash: common.HexToHash("0xb5")},
		{ChainID: 1, BlockNumber: 2, LogIndex: 0, Address: addr, BlockHash: common.HexToHash("0xb2")},
	}
	cache.blocks[common.HexToHash("0xb5").Hex()] = chain.CachedBlock{ChainID: 1, Hash: common.HexToHash("0xb5"), Number: 5, Timestamp: 50}
	cache.blocks[common.HexToHash("0xb2").Hex()] = chain.CachedBlock{ChainID: 1, Hash: common.HexToHash("0xb2"), Number: 2, Timestamp: 20}

	feed := SourceFeed{Network: "eth", ChainID: 1, Name: "vault", Cache: cache, Resolver: resolver}
	s, err := New([]SourceFeed{feed}, time.Millisecond, 8, logger.NewNopLogger())
	require.NoError(t, err)
	s.Resume()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	var got []chain.Event
	for i := 0; i < 3; i++ {
		select {
		case e := <-s.Events():
			got = append(got, e)
		case <-ctx.Done():
			t.Fatal("timed out waiting for events")
		}
	}

	require.Len(t, got, 3)
	assert.Equal(t, uint64(2), got[0].Log.BlockNumber)
	assert.Equal(t, uint64(5), got[1].Log.BlockNumber)
	assert.Equal(t, uint(0), got[1].Log.LogIndex)
	assert.Equal(t, uint64(5), got[2].Log.BlockNumber)
	assert.Equal(t, uint(1), got[2].Log.LogIndex)
}

func TestStream_WithholdsDeliveryUntilResumed(t *testing.T) {
	cache := newFakeCache()
	addr := common.HexToAddress("0x2222222222222222222222222222222222222222")

	src := &chain.Source{Name: "vault", Kind: chain.SourceStatic, Addresses: []common.Address{addr}}
	resolver := sourceresolver.NewResolver(map[string]*chain.Source{"vault": src})
	resolved, err := resolver.Resolve("vault", 1)
	require.NoError(t, err)

	addrKey := strings.ToLower(addr.Hex())
	cache.intervals[resolved.Fingerprint] = []cachestore.Interval{{FromBlock: 0, ToBlock: 3}}
	cache.logsByAddr[addrKey] = []chain.CachedLog{
		{ChainID: 1, BlockNumber: 1, LogIndex: 0, Address: addr, BlockHash: common.HexToHash("0xc1")},
	}
	cache.blocks[common.HexToHash("0xc1").Hex()] =chain.CachedBlock{ChainID: 1, Hash: common.HexToHash("0xc1"), Number: 1, Timestamp: 10}

	feed := SourceFeed{Network: "eth", ChainID: 1, Name: "vault", Cache: cache, Resolver: resolver}
	s, err := New([]SourceFeed{feed}, time.Millisecond, 8, logger.NewNopLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	select {
	case e := <-s.Events():
		t.Fatalf("expected no delivery while paused, got %+v", e)
	case <-ctx.Done():
	}
}

func TestStream_SkipsEventsAtOrBeforeCheckpoint(t *testing.T) {
	cache := newFakeCache()
	addr := common.HexToAddress("0x3333333333333333333333333333333333333333")

	src := &chain.Source{Name: "vault", Kind: chain.SourceStatic, Addresses: []common.Address{addr}}
	resolver := sourceresolver.NewResolver(map[string]*chain.Source{"vault": src})
	resolved, err := resolver.Resolve("vault", 1)
	require.NoError(t, err)

	addrKey := strings.ToLower(addr.Hex())
	cache.intervals[resolved.Fingerprint] = []cachestore.Interval{{FromBlock: 0, ToBlock: 10}}
	cache.logsByAddr[addrKey] = []chain.CachedLog{
		{ChainID: 1, BlockNumber: 3, LogIndex: 0, Address: addr, BlockHash: common.HexToHash("0xd3")},
		{ChainID: 1, BlockNumber: 7, LogIndex: 0, Address: addr, BlockHash: common.HexToHash("0xd7")},
	}
	cache.blocks[common.HexToHash("0xd3").Hex()] = chain.CachedBlock{ChainID: 1, Hash: common.HexToHash("0xd3"), Number: 3, Timestamp: 30}
	cache.blocks[common.HexToHash("0xd7").Hex()] =chain.CachedBlock{ChainID: 1, Hash: common.HexToHash("0xd7"), Number: 7, Timestamp: 70}
	cache.checkpoints["vault"] = chain.Checkpoint{ChainID: 1, SourceName: "vault", LastBlockNumber: 3, LastLogIndex: 0}

	feed := SourceFeed{Network: "eth", ChainID: 1, Name: "vault", Cache: cache, Resolver: resolver}
	s, err := New([]SourceFeed{feed}, time.Millisecond, 8, logger.NewNopLogger())
	require.NoError(t, err)
	s.Resume()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	select {
	case e := <-s.Events():
		assert.Equal(t, uint64(7), e.Log.BlockNumber)
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}

	select {
	case e := <-s.Events():
		t.Fatalf("expected only one event past the checkpoint, got %+v", e)
	case <-time.After(30 * time.Millisecond):
	}
}
