// Package sourceresolver turns a configured source into the effective
// filter the Historical Fetcher and Live Follower query against: a fixed
// address set for static sources, or a set materialized at fetch time from
// a factory parent's creation-event logs.
package sourceresolver

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/chainweave/indexor/internal/cachestore"
	"github.com/chainweave/indexor/pkg/chain"
)

// CacheReader is the narrow slice of the Cache Store the resolver needs:
// enough to scan a factory parent's cached logs and to look up a source's
// synced intervals across fingerprint versions.
type CacheReader interface {
	GetLogs(ctx context.Context, chainID uint64, address string, fromBlock, toBlock uint64) ([]chain.CachedLog, error)
	GetCachedIntervals(ctx context.Context, chainID uint64, sourceFingerprint string) ([]cachestore.Interval, error)
}

// ResolvedSource is the effective filter for one source at fetch time.
type ResolvedSource struct {
	Name          string
	Network       string
	ChainID       uint64
	Kind          chain.SourceKind
	Addresses     []common.Address
	Topics        [][]common.Hash
	StartBlock    uint64
	EndBlock      *uint64
	ABI           abi.ABI
	Filter        []string
	MaxBlockRange uint64
	Fingerprint   string
}

// versionRange is one historical fingerprint a factory source has had, and
// the block below which its recorded intervals remain valid coverage under
// later versions (children only ever get added, never removed, so a
// version's intervals stay valid for every block before the block at which
// the next new child was first observed).
type versionRange struct {
	fingerprint string
	validBefore uint64 // math.MaxUint64 for the current, still-open version
}

type factoryState struct {
	mu          sync.Mutex
	children    []common.Address
	seen        map[common.Address]struct{}
	versions    []versionRange
	lastScanned uint64
}

// Resolver resolves every configured source for one process, tracking the
// materialized child-address set and fingerprint version history for each
// factory source.
type Resolver struct {
	sources map[string]*chain.Source

	mu        sync.Mutex
	factories map[string]*factoryState
}

// NewResolver builds a Resolver over the given sources, keyed by name.
func NewResolver(sources map[string]*chain.Source) *Resolver {
	return &Resolver{
		sources:   sources,
		factories: make(map[string]*factoryState),
	}
}

func (r *Resolver) source(name string) (*chain.Source, error) {
	src, ok := r.sources[name]
	if !ok {
		return nil, fmt.Errorf("sourceresolver: unknown source %q", name)
	}
	return src, nil
}

func (r *Resolver) factoryStateFor(name string, src *chain.Source) *factoryState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if fs, ok := r.factories[name]; ok {
		return fs
	}

	fs := &factoryState{
		seen:        make(map[common.Address]struct{}),
		lastScanned: src.StartBlock,
		versions: []versionRange{
			{fingerprint: factoryFingerprint(src, 0), validBefore: math.MaxUint64},
		},
	}
	r.factories[name] = fs
	return fs
}

// Resolve produces the effective filter for a source. For a factory source
// this first returns whatever child set has been discovered so far; callers
// scanning historical ranges must call DiscoverChildren with an up-to-date
// bound before relying on completeness for ranges near the chain tip.
func (r *Resolver) Resolve(sourceName string, chainID uint64) (ResolvedSource, error) {
	src, err := r.source(sourceName)
	if err != nil {
		return ResolvedSource{}, err
	}

	switch src.Kind {
	case chain.SourceStatic:
		return ResolvedSource{
			Name:          src.Name,
			Network:       src.Network,
			ChainID:       chainID,
			Kind:          chain.SourceStatic,
			Addresses:     src.Addresses,
			Topics:        src.Topics,
			StartBlock:    src.StartBlock,
			EndBlock:      src.EndBlock,
			ABI:           src.ABI,
			Filter:        src.Filter,
			MaxBlockRange: src.MaxBlockRange,
			Fingerprint:   staticFingerprint(src),
		}, nil

	case chain.SourceFactory:
		fs := r.factoryStateFor(sourceName, src)
		fs.mu.Lock()
		defer fs.mu.Unlock()

		children := make([]common.Address, len(fs.children))
		copy(children, fs.children)

		return ResolvedSource{
			Name:          src.Name,
			Network:       src.Network,
			ChainID:       chainID,
			Kind:          chain.SourceFactory,
			Addresses:     children,
			Topics:        [][]common.Hash{src.FactoryEvents},
			StartBlock:    src.StartBlock,
			EndBlock:      src.EndBlock,
			ABI:           src.ABI,
			Filter:        src.Filter,
			MaxBlockRange: src.MaxBlockRange,
			Fingerprint:   fs.versions[len(fs.versions)-1].fingerprint,
		}, nil

	default:
		return ResolvedSource{}, fmt.Errorf("sourceresolver: source %q has unknown kind %d", sourceName, src.Kind)
	}
}

// ParentSource builds the synthetic static source the Historical Fetcher
// recurses on to keep a factory source's creation-event range synced:
// the factory parent address filtered to its creation event.
func (r *Resolver) ParentSource(sourceName string, chainID uint64) (ResolvedSource, error) {
	src, err := r.source(sourceName)
	if err != nil {
		return ResolvedSource{}, err
	}
	if src.Kind != chain.SourceFactory {
		return ResolvedSource{}, fmt.Errorf("sourceresolver: source %q is not a factory source", sourceName)
	}

	parent := &chain.Source{
		Name:       src.Name + ":creation",
		Network:    src.Network,
		Kind:       chain.SourceStatic,
		Addresses:  []common.Address{src.FactoryParent},
		StartBlock: src.StartBlock,
		EndBlock:   src.EndBlock,
		Topics:     [][]common.Hash{{src.FactoryCreationEvent}},
	}

	return ResolvedSource{
		Name:          parent.Name,
		Network:       parent.Network,
		ChainID:       chainID,
		Kind:          chain.SourceStatic,
		Addresses:     parent.Addresses,
		Topics:        parent.Topics,
		StartBlock:    parent.StartBlock,
		EndBlock:      parent.EndBlock,
		MaxBlockRange: src.MaxBlockRange,
		Fingerprint:   staticFingerprint(parent),
	}, nil
}

// DiscoverChildren scans the factory parent's cached creation-event logs in
// [lastScanned, upToBlock] and appends any newly observed child addresses
// to the materialized set. When it finds at least one new child, it closes
// out the current fingerprint version at the discovery block and opens a
// new one, so cached intervals recorded before the discovery remain valid
// coverage (the new child could not have emitted logs before it existed)
// while anything at or after it is treated as uncovered under the new
// fingerprint.
func (r *Resolver) DiscoverChildren(ctx context.Context, sourceName string, cache CacheReader, chainID, upToBlock uint64) ([]common.Address, error) {
	src, err := r.source(sourceName)
	if err != nil {
		return nil, err
	}
	if src.Kind != chain.SourceFactory {
		return nil, fmt.Errorf("sourceresolver: source %q is not a factory source", sourceName)
	}

	fs := r.factoryStateFor(sourceName, src)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if upToBlock < fs.lastScanned {
		out := make([]common.Address, len(fs.children))
		copy(out, fs.children)
		return out, nil
	}

	logs, err := cache.GetLogs(ctx, chainID, strings.ToLower(src.FactoryParent.Hex()), fs.lastScanned, upToBlock)
	if err != nil {
		return nil, fmt.Errorf("sourceresolver: scan parent logs: %w", err)
	}

	var earliestNew uint64
	foundNew := false

	for _, l := range logs {
		if l.Topic0 == nil || *l.Topic0 != src.FactoryCreationEvent {
			continue
		}
		addr, extractErr := extractChildAddress(l, src.FactoryLocation)
		if extractErr != nil {
			continue
		}
		if _, seen := fs.seen[addr]; seen {
			continue
		}
		fs.seen[addr] = struct{}{}
		fs.children = append(fs.children, addr)
		if !foundNew || l.BlockNumber < earliestNew {
			earliestNew = l.BlockNumber
		}
		foundNew = true
	}

	fs.lastScanned = upToBlock

	if foundNew {
		fs.versions[len(fs.versions)-1].validBefore = earliestNew
		fs.versions = append(fs.versions, versionRange{
			fingerprint: factoryFingerprint(src, len(fs.versions)),
			validBefore: math.MaxUint64,
		})
	}

	out := make([]common.Address, len(fs.children))
	copy(out, fs.children)
	return out, nil
}

// extractChildAddress reads the child address out of a creation-event log
// at the configured location: an indexed topic's last 20 bytes, or a byte
// offset into non-indexed data.
func extractChildAddress(l chain.CachedLog, loc chain.FactoryLocation) (common.Address, error) {
	if loc.TopicIndex != 0 {
		var topic *common.Hash
		switch loc.TopicIndex {
		case 1:
			topic = l.Topic1
		case 2:
			topic = l.Topic2
		case 3:
			topic = l.Topic3
		}
		if topic == nil {
			return common.Address{}, fmt.Errorf("factory log missing topic %d", loc.TopicIndex)
		}
		return common.BytesToAddress(topic.Bytes()), nil
	}

	const addressSize = 20
	if loc.DataOffset < 0 || loc.DataOffset+addressSize > len(l.Data) {
		return common.Address{}, fmt.Errorf("factory log data too short for offset %d", loc.DataOffset)
	}
	return common.BytesToAddress(l.Data[loc.DataOffset : loc.DataOffset+addressSize]), nil
}

// CachedIntervals returns the synced intervals valid for a source under its
// current fingerprint, unioning a factory source's coverage across every
// fingerprint version it has had.
func (r *Resolver) CachedIntervals(ctx context.Context, sourceName string, cache CacheReader, chainID uint64) ([]cachestore.Interval, error) {
	src, err := r.source(sourceName)
	if err != nil {
		return nil, err
	}

	if src.Kind == chain.SourceStatic {
		return cache.GetCachedIntervals(ctx, chainID, staticFingerprint(src))
	}

	fs := r.factoryStateFor(sourceName, src)
	fs.mu.Lock()
	versions := make([]versionRange, len(fs.versions))
	copy(versions, fs.versions)
	fs.mu.Unlock()

	var combined []cachestore.Interval
	for _, v := range versions {
		ivs, err := cache.GetCachedIntervals(ctx, chainID, v.fingerprint)
		if err != nil {
			return nil, err
		}
		for _, iv := range ivs {
			if v.validBefore != math.MaxUint64 {
				if iv.FromBlock >= v.validBefore {
					continue
				}
				if iv.ToBlock >= v.validBefore {
					iv.ToBlock = v.validBefore - 1
				}
			}
			combined = append(combined, iv)
		}
	}
	return combined, nil
}
