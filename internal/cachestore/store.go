package cachestore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/chainweave/indexor/internal/logger"
	"github.com/chainweave/indexor/pkg/chain"
	"github.com/chainweave/indexor/pkg/config"
)

// Store is the cache store for one network: the exclusive owner of its
// blocks, logs, transactions, and per-source synced-interval tables.
type Store struct {
	db          *sql.DB
	network     string
	maintenance Maintenance
	log         *logger.Logger
}

// Open opens (creating and migrating if necessary) the cache database for
// one network.
func Open(network string, dbCfg config.DatabaseConfig, maintCfg *config.MaintenanceConfig, log *logger.Logger) (*Store, error) {
	if dbCfg.Kind != "sqlite" {
		return nil, fmt.Errorf("cachestore: unsupported database kind %q", dbCfg.Kind)
	}

	db, err := openSQLite(dbCfg)
	if err != nil {
		return nil, err
	}

	componentLog := log.WithNetwork(network)
	if err := runMigrations(componentLog, db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:          db,
		network:     network,
		maintenance: NewMaintenance(network, dbCfg.Filename, db, maintCfg, log),
		log:         componentLog,
	}, nil
}

// Maintenance exposes the store's background housekeeping controller so the
// orchestrator can start/stop it alongside the rest of the pipeline.
func (s *Store) Maintenance() Maintenance {
	return s.maintenance
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// withOperationLock runs fn while holding the maintenance coordinator's read
// lock, so a concurrent maintenance run cannot interleave with it.
func (s *Store) withOperationLock(fn func() error) error {
	unlock := s.maintenance.AcquireOperationLock()
	defer unlock()
	return fn()
}

// beginTx starts a transaction, respecting ctx cancellation.
func (s *Store) beginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// rollback logs a rollback failure without masking the original error.
func (s *Store) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		s.log.Warnf("failed to roll back transaction: %v", err)
	}
}

// GetCheckpoint returns the durable cursor for a source, or the zero value
// if the source has never been dispatched.
func (s *Store) GetCheckpoint(ctx context.Context, chainID uint64, sourceName string) (chain.Checkpoint, error) {
	cp := chain.Checkpoint{ChainID: chainID, SourceName: sourceName}
	row := s.db.QueryRowContext(ctx,
		`SELECT block_number, log_index FROM checkpoints WHERE chain_id = ? AND source_name = ?`,
		chainID, sourceName)

	err := row.Scan(&cp.LastBlockNumber, &cp.LastLogIndex)
	if err == sql.ErrNoRows {
		return cp, nil
	}
	if err != nil {
		return cp, fmt.Errorf("cachestore: get checkpoint: %w", err)
	}
	return cp, nil
}
