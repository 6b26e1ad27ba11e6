package sourceresolver

import (
	"context"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainweave/indexor/internal/cachestore"
	"github.com/chainweave/indexor/pkg/chain"
)

func TestStaticFingerprint_OrderIndependent(t *testing.T) {
	a := common.HexToAddress("0x1111111111111111111111111111111111111111")
	b := common.HexToAddress("0x2222222222222222222222222222222222222222")

	src1 := &chain.Source{Kind: chain.SourceStatic, Addresses: []common.Address{a, b}}
	src2 := &chain.Source{Kind: chain.SourceStatic, Addresses: []common.Address{b, a}}

	assert.Equal(t, staticFingerprint(src1), staticFingerprint(src2))
}

func TestStaticFingerprint_DifferentAddressesDiffer(t *testing.T) {
	a := common.HexToAddress("0x1111111111111111111111111111111111111111")
	b := common.HexToAddress("0x2222222222222222222222222222222222222222")

	src1 := &chain.Source{Kind: chain.SourceStatic, Addresses: []common.Address{a}}
	src2 := &chain.Source{Kind: chain.SourceStatic, Addresses: []common.Address{b}}

	assert.NotEqual(t, staticFingerprint(src1), staticFingerprint(src2))
}

type fakeCache struct {
	logs map[string][]chain.CachedLog
}

func (f *fakeCache) GetLogs(_ context.Context, _ uint64, address string, from, to uint64) ([]chain.CachedLog, error) {
	var out []chain.CachedLog
	for _, l := range f.logs[address] {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeCache) GetCachedIntervals(_ context.Context, _ uint64, _ string) ([]cachestore.Interval, error) {
	return nil, nil
}

func TestDiscoverChildren_ExtractsFromTopic(t *testing.T) {
	parent := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	creationEvent := common.HexToHash("0xc1")
	child := common.HexToAddress("0x3333333333333333333333333333333333333333")
	childTopic := common.BytesToHash(child.Bytes())

	src := &chain.Source{
		Name:                 "pools",
		Kind:                 chain.SourceFactory,
		FactoryParent:        parent,
		FactoryCreationEvent: creationEvent,
		FactoryLocation:      chain.FactoryLocation{TopicIndex: 1},
	}

	cache := &fakeCache{logs: map[string][]chain.CachedLog{
		"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa": {
			{BlockNumber: 10, Topic0: &creationEvent, Topic1: &childTopic},
		},
	}}

	r := NewResolver(map[string]*chain.Source{"pools": src})
	children, err := r.DiscoverChildren(context.Background(), "pools", cache, 1, 20)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, child, children[0])
}

func TestDiscoverChildren_NewVersionOnGrowth(t *testing.T) {
	parent := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	creationEvent := common.HexToHash("0xc1")
	child := common.BytesToAddress([]byte("child-one-address-20"))
	childTopic := common.BytesToHash(child.Bytes())

	src := &chain.Source{
		Name:                 "pools",
		Kind:                 chain.SourceFactory,
		FactoryParent:        parent,
		FactoryCreationEvent: creationEvent,
		FactoryLocation:      chain.FactoryLocation{TopicIndex: 1},
	}

	cache := &fakeCache{logs: map[string][]chain.CachedLog{
		parentKey(parent): {
			{BlockNumber: 10, Topic0: &creationEvent, Topic1: &childTopic},
		},
	}}

	r := NewResolver(map[string]*chain.Source{"pools": src})

	_, err := r.DiscoverChildren(context.Background(), "pools", cache, 1, 5)
	require.NoError(t, err)

	fs := r.factoryStateFor("pools", src)
	assert.Len(t, fs.versions, 1)

	_, err = r.DiscoverChildren(context.Background(), "pools", cache, 1, 20)
	require.NoError(t, err)
	assert.Len(t, fs.versions, 2)
	assert.Equal(t, uint64(10), fs.versions[0].validBefore)
}

func parentKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
