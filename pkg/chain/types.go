// Package chain defines the data model shared by every stage of the
// indexing pipeline: networks, event sources, cached chain data, the
// decoded event envelope, and the per-source checkpoint.
package chain

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Network is a configured chain the engine syncs against. Constructed once
// at startup from configuration and immutable thereafter.
type Network struct {
	Name                         string
	ChainID                      uint64
	PollingInterval              time.Duration
	DefaultMaxBlockRange         uint64
	MaxHistoricalTaskConcurrency int
	FinalityBlockCount           uint64
}

// SourceKind distinguishes the two source variants the resolver understands.
type SourceKind int

const (
	// SourceStatic is bound to one or more fixed addresses.
	SourceStatic SourceKind = iota
	// SourceFactory derives its addresses at runtime from a parent's
	// creation-event logs.
	SourceFactory
)

// FactoryLocation describes where in a creation-event log the child address
// lives: either an indexed topic (1-3, topic 0 is always the selector) or a
// byte offset into the non-indexed data region.
type FactoryLocation struct {
	TopicIndex int // 1-3, or 0 if the address is in Data
	DataOffset int // byte offset into Data, valid only when TopicIndex == 0
}

// Source is a logical event source bound to one network.
type Source struct {
	Name    string
	Network string
	Kind    SourceKind
	ABI     abi.ABI

	// Filter restricts decoding and fingerprinting to these event names;
	// empty means every event in the ABI.
	Filter []string

	// Static fields.
	Addresses  []common.Address // lowercased 20-byte addresses
	StartBlock uint64
	EndBlock   *uint64 // nil means "no upper bound, follow tip"
	Topics     [][]common.Hash

	// Factory fields.
	FactoryParent       common.Address
	FactoryCreationEvent common.Hash
	FactoryLocation     FactoryLocation
	FactoryEvents       []common.Hash // event selectors emitted by the children

	MaxBlockRange uint64 // overrides Network.DefaultMaxBlockRange when nonzero
}

// Validate checks the invariants from the data model: non-negative start
// block, endBlock >= startBlock, exactly one factory location.
func (s *Source) Validate() error {
	if s.EndBlock != nil && *s.EndBlock < s.StartBlock {
		return fmt.Errorf("source %s: end block %d is before start block %d", s.Name, *s.EndBlock, s.StartBlock)
	}
	switch s.Kind {
	case SourceStatic:
		if len(s.Addresses) == 0 {
			return fmt.Errorf("source %s: static source needs at least one address", s.Name)
		}
	case SourceFactory:
		if s.FactoryLocation.TopicIndex != 0 && (s.FactoryLocation.TopicIndex < 1 || s.FactoryLocation.TopicIndex > 3) {
			return fmt.Errorf("source %s: factory topic index must be 1-3, got %d", s.Name, s.FactoryLocation.TopicIndex)
		}
	default:
		return fmt.Errorf("source %s: unknown source kind %d", s.Name, s.Kind)
	}
	return nil
}

// CachedBlock is the minimum header surface handlers and the reorg machinery
// need. Uniqueness: (chainId, hash).
type CachedBlock struct {
	ChainID    uint64      `meddler:"chain_id"`
	Hash       common.Hash `meddler:"hash,hash"`
	Number     uint64      `meddler:"number"`
	ParentHash common.Hash `meddler:"parent_hash,hash"`
	Timestamp  uint64      `meddler:"timestamp"`
}

// CachedLog is a decoded-at-rest log row. Uniqueness: (chainId, blockHash, logIndex).
type CachedLog struct {
	ChainID     uint64       `meddler:"chain_id"`
	BlockHash   common.Hash  `meddler:"block_hash,hash"`
	BlockNumber uint64       `meddler:"block_number"`
	LogIndex    uint         `meddler:"log_index"`
	Address     common.Address `meddler:"address,address"`
	Topic0      *common.Hash `meddler:"topic0,hash"`
	Topic1      *common.Hash `meddler:"topic1,hash"`
	Topic2      *common.Hash `meddler:"topic2,hash"`
	Topic3      *common.Hash `meddler:"topic3,hash"`
	Data        []byte       `meddler:"data"`
	TxHash      common.Hash  `meddler:"tx_hash,hash"`
	TxIndex     uint         `meddler:"tx_index"`
}

// CachedTransaction is hydrated only when a retained log references it.
type CachedTransaction struct {
	ChainID     uint64      `meddler:"chain_id"`
	Hash        common.Hash `meddler:"hash,hash"`
	BlockHash   common.Hash `meddler:"block_hash,hash"`
	BlockNumber uint64      `meddler:"block_number"`
	Index       uint        `meddler:"tx_index"`
	From        common.Address `meddler:"from_address,address"`
	To          *common.Address `meddler:"to_address,address"`
}

// SyncedInterval is a contiguous, fully-synced block range for one source
// fingerprint. Stored sets are kept disjoint and maximal by recordInterval.
type SyncedInterval struct {
	ChainID           uint64 `meddler:"chain_id"`
	SourceFingerprint string `meddler:"source_fingerprint"`
	FromBlock         uint64 `meddler:"from_block"`
	ToBlock           uint64 `meddler:"to_block"`
}

// Checkpoint is a per-source durable cursor persisted at dispatcher commit
// boundaries.
type Checkpoint struct {
	ChainID           uint64 `meddler:"chain_id"`
	SourceName        string `meddler:"source_name"`
	LastBlockNumber   uint64 `meddler:"block_number"`
	LastLogIndex      uint   `meddler:"log_index"`
}

// Before reports whether this checkpoint precedes (blockNumber, logIndex).
func (c Checkpoint) Before(blockNumber uint64, logIndex uint) bool {
	if c.LastBlockNumber != blockNumber {
		return c.LastBlockNumber < blockNumber
	}
	return c.LastLogIndex < logIndex
}

// FinalityBoundary is the per-network immutability line: finalizedBlock =
// tip - finalityBlockCount.
type FinalityBoundary struct {
	ChainID        uint64
	Tip            uint64
	FinalizedBlock uint64
}

// Event is a fully decoded record ready for handler dispatch. Total order is
// (Block.Timestamp, ChainID, Block.Number, Transaction.Index, Log.Index).
type Event struct {
	SourceName  string
	EventName   string
	Args        map[string]any
	Log         CachedLog
	Block       CachedBlock
	Transaction CachedTransaction
	ChainID     uint64
}

// Less implements the total order from the data model, used by the k-way
// merge in the event stream and by tests asserting order preservation.
func Less(a, b Event) bool {
	if a.Block.Timestamp != b.Block.Timestamp {
		return a.Block.Timestamp < b.Block.Timestamp
	}
	if a.ChainID != b.ChainID {
		return a.ChainID < b.ChainID
	}
	if a.Block.Number != b.Block.Number {
		return a.Block.Number < b.Block.Number
	}
	if a.Transaction.Index != b.Transaction.Index {
		return a.Transaction.Index < b.Transaction.Index
	}
	return a.Log.LogIndex < b.Log.LogIndex
}
