package cachestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chainweave/indexor/internal/common"
	"github.com/chainweave/indexor/internal/logger"
	"github.com/chainweave/indexor/internal/metrics"
	"github.com/chainweave/indexor/pkg/config"
)

// Maintenance is the housekeeping surface a Store runs in the background:
// WAL checkpoints and VACUUMs, coordinated against live reads/writes by a
// RWMutex where operations are readers and maintenance is the sole writer.
type Maintenance interface {
	Start(ctx context.Context) error
	Stop() error
	// AcquireOperationLock acquires a read lock for one cache store
	// operation. The returned func must be called when the operation
	// completes.
	AcquireOperationLock() func()
	RunMaintenance(ctx context.Context) error
}

// noOpMaintenance is used when maintenance is disabled.
type noOpMaintenance struct{}

func (noOpMaintenance) Start(ctx context.Context) error         { return nil }
func (noOpMaintenance) Stop() error                              { return nil }
func (noOpMaintenance) AcquireOperationLock() func()              { return func() {} }
func (noOpMaintenance) RunMaintenance(ctx context.Context) error { return nil }

// maintenanceCoordinator runs periodic WAL checkpoints and VACUUMs for one
// network's cache database, holding an exclusive write lock against
// concurrent cache store operations while it does so.
type maintenanceCoordinator struct {
	db      *sql.DB
	config  config.MaintenanceConfig
	dbPath  string
	network string
	log     *logger.Logger

	opLock sync.RWMutex

	maintenanceCtx    context.Context
	maintenanceCancel context.CancelFunc
	maintenanceWg     sync.WaitGroup
}

// NewMaintenance builds the Maintenance for one network's cache store, or a
// no-op if maintenance is not configured.
func NewMaintenance(network, dbPath string, db *sql.DB, cfg *config.MaintenanceConfig, log *logger.Logger) Maintenance {
	if cfg == nil {
		return noOpMaintenance{}
	}
	return &maintenanceCoordinator{
		db:      db,
		config:  *cfg,
		dbPath:  dbPath,
		network: network,
		log:     log.WithComponent(common.ComponentMaintenance).WithNetwork(network),
	}
}

func (m *maintenanceCoordinator) Start(ctx context.Context) error {
	if !m.config.Enabled {
		m.log.Info("background maintenance is disabled")
		return nil
	}

	m.maintenanceCtx, m.maintenanceCancel = context.WithCancel(ctx)

	if m.config.VacuumOnStartup {
		if err := m.RunMaintenance(m.maintenanceCtx); err != nil {
			m.log.Warnf("startup maintenance failed: %v", err)
		}
	}

	m.maintenanceWg.Add(1)
	go m.maintenanceWorker(m.config.CheckInterval.Duration)

	m.log.Infof("background maintenance started: interval=%v checkpoint_mode=%s",
		m.config.CheckInterval.Duration, m.config.WALCheckpointMode)
	return nil
}

func (m *maintenanceCoordinator) Stop() error {
	if m.maintenanceCancel == nil {
		return nil
	}
	m.maintenanceCancel()
	m.maintenanceWg.Wait()
	return nil
}

func (m *maintenanceCoordinator) maintenanceWorker(checkInterval time.Duration) {
	defer m.maintenanceWg.Done()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.maintenanceCtx.Done():
			return
		case <-ticker.C:
			if err := m.RunMaintenance(m.maintenanceCtx); err != nil {
				m.log.Warnf("periodic maintenance failed: %v", err)
			}
		}
	}
}

// RunMaintenance acquires the exclusive write lock, blocking new cache store
// operations until all in-flight ones complete, then runs a WAL checkpoint
// and VACUUM.
func (m *maintenanceCoordinator) RunMaintenance(ctx context.Context) error {
	start := time.Now().UTC()

	m.opLock.Lock()
	defer m.opLock.Unlock()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	var maintenanceErr error

	initialSize, err := dbTotalSize(m.dbPath)
	if err != nil {
		m.log.Warnf("failed to get initial cache store size: %v", err)
	}

	if err := m.walCheckpoint(); err != nil {
		maintenanceErr = fmt.Errorf("WAL checkpoint failed: %w", err)
	}

	if err := m.vacuum(); err != nil {
		if maintenanceErr == nil {
			maintenanceErr = fmt.Errorf("VACUUM failed: %w", err)
		}
	}

	finalSize, err := dbTotalSize(m.dbPath)
	if err != nil {
		m.log.Warnf("failed to get final cache store size: %v", err)
	}

	duration := time.Since(start)
	metrics.MaintenanceDurationLog(m.network, duration)

	if maintenanceErr != nil {
		metrics.MaintenanceErrorInc(m.network)
		m.log.Warnf("maintenance completed with errors in %v: %v", duration, maintenanceErr)
		return maintenanceErr
	}

	metrics.MaintenanceSuccessInc(m.network)
	if initialSize > finalSize {
		reclaimed := uint64(initialSize - finalSize)
		metrics.MaintenanceSpaceReclaimedLog(m.network, reclaimed)
		m.log.Infof("maintenance reclaimed %d MB", common.BytesToMB(reclaimed))
	}
	metrics.DBSizeLog(m.network, finalSize)
	m.log.Infof("maintenance completed in %v", duration)

	return nil
}

func (m *maintenanceCoordinator) walCheckpoint() error {
	isWAL, err := m.isWALMode()
	if err != nil {
		return fmt.Errorf("failed to check journal mode: %w", err)
	}
	if !isWAL {
		return nil
	}

	checkpointSQL := fmt.Sprintf("PRAGMA wal_checkpoint(%s)", m.config.WALCheckpointMode)
	var busyCount, logFrames, checkpointedFrames int
	if err := m.db.QueryRow(checkpointSQL).Scan(&busyCount, &logFrames, &checkpointedFrames); err != nil {
		return fmt.Errorf("failed to execute WAL checkpoint: %w", err)
	}

	metrics.WALCheckpointInc(m.network, strings.ToLower(m.config.WALCheckpointMode))
	if busyCount > 0 {
		m.log.Warnf("WAL checkpoint left %d busy pages uncheckpointed", busyCount)
	}
	return nil
}

func (m *maintenanceCoordinator) vacuum() error {
	_, err := m.db.Exec("VACUUM")
	if err != nil {
		if strings.Contains(err.Error(), "database is locked") {
			return fmt.Errorf("cannot vacuum: database is locked")
		}
		return fmt.Errorf("vacuum failed: %w", err)
	}
	metrics.VacuumRunsInc(m.network)
	return nil
}

func (m *maintenanceCoordinator) isWALMode() (bool, error) {
	var mode string
	if err := m.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		return false, err
	}
	return strings.EqualFold(mode, "wal"), nil
}

func (m *maintenanceCoordinator) AcquireOperationLock() func() {
	m.opLock.RLock()
	return m.opLock.RUnlock
}
