package cachestore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/chainweave/indexor/internal/metrics"
	"github.com/chainweave/indexor/pkg/chain"
	"github.com/russross/meddler"
)

// Interval is a contiguous, fully-synced block range for one source
// fingerprint, as returned by GetCachedIntervals.
type Interval struct {
	FromBlock uint64
	ToBlock   uint64
}

// InsertBlock stores a block header, ignoring the write if the (chainId,
// hash) row already exists.
func (s *Store) InsertBlock(ctx context.Context, b chain.CachedBlock) error {
	return s.withOperationLock(func() error {
		start := time.Now()
		defer func() { metrics.CacheQueryDuration(s.network, "insert_block", time.Since(start)) }()
		metrics.CacheQueryInc(s.network, "insert_block")

		if err := meddler.Insert(s.db, "blocks", &b); err != nil && !isUniqueViolation(err) {
			metrics.CacheErrorInc(s.network, "insert_block")
			return fmt.Errorf("cachestore: insert block: %w", err)
		}
		return nil
	})
}

// InsertLogsAndRecordInterval writes a slice of logs and the blocks the
// historical fetcher hydrated for them, then commits the covered interval,
// all in one transaction so the cache never claims coverage it does not
// have.
func (s *Store) InsertLogsAndRecordInterval(
	ctx context.Context,
	chainID uint64,
	sourceFingerprint string,
	fromBlock, toBlock uint64,
	logs []chain.CachedLog,
	blocks []chain.CachedBlock,
) error {
	return s.withOperationLock(func() error {
		start := time.Now()
		defer func() { metrics.CacheQueryDuration(s.network, "commit_interval", time.Since(start)) }()

		tx, err := s.beginTx(ctx)
		if err != nil {
			return fmt.Errorf("cachestore: begin tx: %w", err)
		}
		defer s.rollback(tx)

		for i := range blocks {
			if err := meddler.Insert(tx, "blocks", &blocks[i]); err != nil && !isUniqueViolation(err) {
				metrics.CacheErrorInc(s.network, "insert_block")
				return fmt.Errorf("cachestore: insert block: %w", err)
			}
		}

		for i := range logs {
			if err := meddler.Insert(tx, "logs", &logs[i]); err != nil && !isUniqueViolation(err) {
				metrics.CacheErrorInc(s.network, "insert_log")
				return fmt.Errorf("cachestore: insert log: %w", err)
			}
		}

		if err := recordIntervalTx(tx, chainID, sourceFingerprint, fromBlock, toBlock); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("cachestore: commit interval: %w", err)
		}

		metrics.CacheQueryInc(s.network, "commit_interval")
		return nil
	})
}

// GetCachedIntervals returns the disjoint, maximal set of synced intervals
// for one source fingerprint, ordered by FromBlock.
func (s *Store) GetCachedIntervals(ctx context.Context, chainID uint64, sourceFingerprint string) ([]Interval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT from_block, to_block FROM intervals WHERE chain_id = ? AND source_fingerprint = ? ORDER BY from_block ASC`,
		chainID, sourceFingerprint)
	if err != nil {
		return nil, fmt.Errorf("cachestore: get cached intervals: %w", err)
	}
	defer rows.Close()

	var intervals []Interval
	for rows.Next() {
		var iv Interval
		if err := rows.Scan(&iv.FromBlock, &iv.ToBlock); err != nil {
			return nil, fmt.Errorf("cachestore: scan interval: %w", err)
		}
		intervals = append(intervals, iv)
	}
	return intervals, rows.Err()
}

// RequiredRanges computes, by ordered sweep, the minimal set of block
// ranges within [from,to] not already covered by cached, so a caller only
// re-fetches what it must.
func RequiredRanges(cached []Interval, from, to uint64) []Interval {
	if from > to {
		return nil
	}

	sorted := make([]Interval, len(cached))
	copy(sorted, cached)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FromBlock < sorted[j].FromBlock })

	var required []Interval
	cursor := from
	for _, iv := range sorted {
		if iv.ToBlock < cursor {
			continue
		}
		if iv.FromBlock > to {
			break
		}
		if iv.FromBlock > cursor {
			required = append(required, Interval{FromBlock: cursor, ToBlock: min(iv.FromBlock-1, to)})
		}
		if iv.ToBlock+1 > cursor {
			cursor = iv.ToBlock + 1
		}
		if cursor > to {
			break
		}
	}
	if cursor <= to {
		required = append(required, Interval{FromBlock: cursor, ToBlock: to})
	}
	return required
}

// recordIntervalTx merges [from,to] into the existing disjoint interval set
// for (chainID, sourceFingerprint), keeping the stored set disjoint and
// maximal.
func recordIntervalTx(tx *sql.Tx, chainID uint64, sourceFingerprint string, from, to uint64) error {
	rows, err := tx.Query(
		`SELECT from_block, to_block FROM intervals
		 WHERE chain_id = ? AND source_fingerprint = ? AND from_block <= ? AND to_block >= ?`,
		chainID, sourceFingerprint, to+1, from-signedOne(from))
	if err != nil {
		return fmt.Errorf("cachestore: query overlapping intervals: %w", err)
	}

	mergedFrom, mergedTo := from, to
	var toDelete []Interval
	for rows.Next() {
		var iv Interval
		if err := rows.Scan(&iv.FromBlock, &iv.ToBlock); err != nil {
			rows.Close()
			return fmt.Errorf("cachestore: scan overlapping interval: %w", err)
		}
		if iv.FromBlock < mergedFrom {
			mergedFrom = iv.FromBlock
		}
		if iv.ToBlock > mergedTo {
			mergedTo = iv.ToBlock
		}
		toDelete = append(toDelete, iv)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, iv := range toDelete {
		if _, err := tx.Exec(
			`DELETE FROM intervals WHERE chain_id = ? AND source_fingerprint = ? AND from_block = ?`,
			chainID, sourceFingerprint, iv.FromBlock); err != nil {
			return fmt.Errorf("cachestore: delete merged interval: %w", err)
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO intervals (chain_id, source_fingerprint, from_block, to_block) VALUES (?, ?, ?, ?)`,
		chainID, sourceFingerprint, mergedFrom, mergedTo); err != nil {
		return fmt.Errorf("cachestore: insert merged interval: %w", err)
	}

	return nil
}

// signedOne avoids underflow when from == 0 in the adjacency query above.
func signedOne(from uint64) uint64 {
	if from == 0 {
		return 0
	}
	return 1
}

// GetLogs returns cached logs for one address in [fromBlock, toBlock],
// ordered by (blockNumber, logIndex). Blocks and transactions are not
// included; GetBlock reads a cached block by hash.
func (s *Store) GetLogs(ctx context.Context, chainID uint64, address string, fromBlock, toBlock uint64) ([]chain.CachedLog, error) {
	start := time.Now()
	defer func() { metrics.CacheQueryDuration(s.network, "get_logs", time.Since(start)) }()
	metrics.CacheQueryInc(s.network, "get_logs")

	var logs []chain.CachedLog
	err := meddler.QueryAll(s.db, &logs,
		`SELECT * FROM logs WHERE chain_id = ? AND address = ? AND block_number >= ? AND block_number <= ?
		 ORDER BY block_number ASC, log_index ASC`,
		chainID, strings.ToLower(address), fromBlock, toBlock)
	if err != nil {
		metrics.CacheErrorInc(s.network, "get_logs")
		return nil, fmt.Errorf("cachestore: get logs: %w", err)
	}
	return logs, nil
}

// GetBlock returns the cached header for one hash, if present.
func (s *Store) GetBlock(ctx context.Context, chainID uint64, hash string) (*chain.CachedBlock, error) {
	var b chain.CachedBlock
	err := meddler.QueryRow(s.db, &b, `SELECT * FROM blocks WHERE chain_id = ? AND hash = ?`, chainID, hash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cachestore: get block: %w", err)
	}
	return &b, nil
}

// GetTransaction returns the cached transaction for one hash, if present.
func (s *Store) GetTransaction(ctx context.Context, chainID uint64, hash string) (*chain.CachedTransaction, error) {
	var tx chain.CachedTransaction
	err := meddler.QueryRow(s.db, &tx, `SELECT * FROM transactions WHERE chain_id = ? AND hash = ?`, chainID, hash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cachestore: get transaction: %w", err)
	}
	return &tx, nil
}

// InsertTransaction stores a transaction, ignoring the write if the
// (chainId, hash) row already exists.
func (s *Store) InsertTransaction(ctx context.Context, t chain.CachedTransaction) error {
	return s.withOperationLock(func() error {
		if err := meddler.Insert(s.db, "transactions", &t); err != nil && !isUniqueViolation(err) {
			metrics.CacheErrorInc(s.network, "insert_transaction")
			return fmt.Errorf("cachestore: insert transaction: %w", err)
		}
		return nil
	})
}

// DeleteFromBlock purges logs, blocks, and transactions with number >=
// blockNumber and truncates every interval with toBlock >= blockNumber down
// to blockNumber-1, deleting intervals that fall entirely within the
// rolled-back range. Used on reorg rollback.
func (s *Store) DeleteFromBlock(ctx context.Context, chainID uint64, blockNumber uint64) error {
	return s.withOperationLock(func() error {
		tx, err := s.beginTx(ctx)
		if err != nil {
			return fmt.Errorf("cachestore: begin tx: %w", err)
		}
		defer s.rollback(tx)

		for _, stmt := range []string{
			`DELETE FROM logs WHERE chain_id = ? AND block_number >= ?`,
			`DELETE FROM blocks WHERE chain_id = ? AND number >= ?`,
			`DELETE FROM transactions WHERE chain_id = ? AND block_number >= ?`,
		} {
			if _, err := tx.Exec(stmt, chainID, blockNumber); err != nil {
				return fmt.Errorf("cachestore: reorg rollback: %w", err)
			}
		}

		if blockNumber == 0 {
			if _, err := tx.Exec(`DELETE FROM intervals WHERE chain_id = ?`, chainID); err != nil {
				return fmt.Errorf("cachestore: reorg rollback intervals: %w", err)
			}
		} else {
			if _, err := tx.Exec(
				`DELETE FROM intervals WHERE chain_id = ? AND from_block >= ?`, chainID, blockNumber); err != nil {
				return fmt.Errorf("cachestore: delete rolled-back intervals: %w", err)
			}
			if _, err := tx.Exec(
				`UPDATE intervals SET to_block = ? WHERE chain_id = ? AND to_block >= ?`,
				blockNumber-1, chainID, blockNumber); err != nil {
				return fmt.Errorf("cachestore: truncate intervals: %w", err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("cachestore: commit reorg rollback: %w", err)
		}

		metrics.CacheQueryInc(s.network, "delete_from_block")
		return nil
	})
}

// BeginDispatchTx starts the single transaction a dispatcher commit uses for
// both the checkpoint update and the user handler's store mutations, giving
// exactly-once dispatch semantics.
func (s *Store) BeginDispatchTx(ctx context.Context) (*sql.Tx, error) {
	return s.beginTx(ctx)
}

// SaveCheckpointTx upserts the durable cursor for a source within an
// already-open dispatch transaction.
func SaveCheckpointTx(tx *sql.Tx, cp chain.Checkpoint) error {
	_, err := tx.Exec(
		`INSERT INTO checkpoints (chain_id, source_name, block_number, log_index) VALUES (?, ?, ?, ?)
		 ON CONFLICT(chain_id, source_name) DO UPDATE SET block_number = excluded.block_number, log_index = excluded.log_index`,
		cp.ChainID, cp.SourceName, cp.LastBlockNumber, cp.LastLogIndex)
	if err != nil {
		return fmt.Errorf("cachestore: save checkpoint: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
