// Package dispatcher drains the merged event stream one event at a time,
// decodes each log against its source's ABI, and invokes the registered
// user handler inside a transaction that also advances the source's durable
// checkpoint. It owns reorg rollback: replaying the per-source audit log to
// undo user-store mutations and resetting checkpoints and cursors to the
// last surviving event.
package dispatcher

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/chainweave/indexor/internal/cachestore"
	internalcommon "github.com/chainweave/indexor/internal/common"
	"github.com/chainweave/indexor/internal/errs"
	"github.com/chainweave/indexor/internal/livefollower"
	"github.com/chainweave/indexor/internal/logger"
	"github.com/chainweave/indexor/internal/metrics"
	"github.com/chainweave/indexor/internal/sourceresolver"
	"github.com/chainweave/indexor/pkg/chain"
	"github.com/chainweave/indexor/pkg/handler"
)

// CacheStore is the cache store surface the dispatcher needs.
type CacheStore interface {
	BeginDispatchTx(ctx context.Context) (*sql.Tx, error)
	GetTransaction(ctx context.Context, chainID uint64, hash string) (*chain.CachedTransaction, error)
}

// EventStream is the event source the dispatcher drains, and the
// pause/resume/reset surface it drives on a reorg rollback.
type EventStream interface {
	Events() <-chan chain.Event
	Pause()
	Resume()
	ResetCursor(ctx context.Context, chainID uint64, sourceName string) error
}

// SourceBinding registers one user handler against one configured source
// name.
type SourceBinding struct {
	Name    string
	Handler handler.Handler
}

// Config assembles everything one network's Dispatcher needs.
type Config struct {
	Network   string
	ChainID   uint64
	Cache     CacheStore
	Resolver  *sourceresolver.Resolver
	Stream    EventStream
	Reorgs    <-chan livefollower.ReorgEvent
	Client    *handler.Client
	Contracts map[string]handler.ContractInfo
	Sources   []SourceBinding
	Log       *logger.Logger
}

// Dispatcher is the single-threaded per-network dispatch loop.
type Dispatcher struct {
	network   string
	chainID   uint64
	cache     CacheStore
	resolver  *sourceresolver.Resolver
	stream    EventStream
	reorgs    <-chan livefollower.ReorgEvent
	client    *handler.Client
	contracts map[string]handler.ContractInfo
	handlers  map[string]handler.Handler
	setupDone map[string]bool
	log       *logger.Logger
}

// New builds a Dispatcher from cfg.
func New(cfg Config) *Dispatcher {
	handlers := make(map[string]handler.Handler, len(cfg.Sources))
	for _, b := range cfg.Sources {
		handlers[b.Name] = b.Handler
	}

	return &Dispatcher{
		network:   cfg.Network,
		chainID:   cfg.ChainID,
		cache:     cfg.Cache,
		resolver:  cfg.Resolver,
		stream:    cfg.Stream,
		reorgs:    cfg.Reorgs,
		client:    cfg.Client,
		contracts: cfg.Contracts,
		handlers:  handlers,
		setupDone: make(map[string]bool, len(cfg.Sources)),
		log:       cfg.Log.WithComponent(internalcommon.ComponentDispatcher).WithNetwork(cfg.Network),
	}
}

// Run drives the dispatch loop until ctx is cancelled or a fatal handler
// error occurs (KindHandlerError once a handler's retry budget, if any, is
// exhausted).
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-d.reorgs:
			if !ok {
				d.reorgs = nil
				continue
			}
			if err := d.handleReorg(ctx, ev); err != nil {
				return err
			}

		case event, ok := <-d.stream.Events():
			if !ok {
				return nil
			}
			if err := d.dispatch(ctx, event); err != nil {
				return err
			}
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, event chain.Event) error {
	h, ok := d.handlers[event.SourceName]
	if !ok {
		return fmt.Errorf("dispatcher: no handler registered for source %q", event.SourceName)
	}

	if err := d.ensureSetup(ctx, event.SourceName, h); err != nil {
		return err
	}

	resolved, err := d.resolver.Resolve(event.SourceName, d.chainID)
	if err != nil {
		return errs.New(errs.KindConfig, d.network, err).WithSource(event.SourceName)
	}

	eventName, args, decoded, err := decodeLog(resolved, event.Log)
	if err != nil {
		return errs.New(errs.KindHandlerError, d.network, err).WithSource(event.SourceName)
	}

	event.EventName = eventName
	event.Args = args

	if tx, err := d.cache.GetTransaction(ctx, d.chainID, strings.ToLower(event.Log.TxHash.Hex())); err == nil && tx != nil {
		event.Transaction = *tx
	}

	if !decoded {
		return d.commitCheckpointOnly(ctx, event)
	}

	maxAttempts := 1
	if rh, ok := h.(handler.RetryableHandler); ok {
		if n := rh.RetryPolicy().MaxAttempts; n > 0 {
			maxAttempts = n
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := d.tryDispatch(ctx, h, event); err != nil {
			lastErr = err
			d.log.Warnf("handler for %s attempt %d/%d failed: %v", event.SourceName, attempt, maxAttempts, err)
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		return errs.New(errs.KindHandlerError, d.network, lastErr).WithSource(event.SourceName)
	}
	return nil
}

// tryDispatch runs one attempt of OnEvent inside its own transaction,
// committing the checkpoint and user mutations together on success.
func (d *Dispatcher) tryDispatch(ctx context.Context, h handler.Handler, event chain.Event) error {
	tx, err := d.cache.BeginDispatchTx(ctx)
	if err != nil {
		return fmt.Errorf("begin dispatch tx: %w", err)
	}

	audit, err := newAuditRecorder(tx, d.chainID, event.SourceName, event.Log.BlockNumber, event.Log.LogIndex)
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	hc := &handler.Context{
		Network:   handler.NetworkInfo{Name: d.network, ChainID: d.chainID},
		Contracts: d.contracts,
		DB:        handler.NewDB(tx, audit),
		Client:    d.client,
	}

	if err := h.OnEvent(ctx, hc, event); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := d.commit(tx, event); err != nil {
		return err
	}

	metrics.EventsDispatchedInc(d.network, event.SourceName, event.EventName, 1)
	metrics.LastDispatchedBlockSet(d.network, event.SourceName, event.Log.BlockNumber)
	return nil
}

// commitCheckpointOnly advances the checkpoint for an event whose decoded
// name was excluded by the source's filter, without invoking the handler.
func (d *Dispatcher) commitCheckpointOnly(ctx context.Context, event chain.Event) error {
	tx, err := d.cache.BeginDispatchTx(ctx)
	if err != nil {
		return fmt.Errorf("dispatcher: begin filtered-skip tx: %w", err)
	}
	return d.commit(tx, event)
}

func (d *Dispatcher) commit(tx *sql.Tx, event chain.Event) error {
	cp := chain.Checkpoint{
		ChainID:         d.chainID,
		SourceName:      event.SourceName,
		LastBlockNumber: event.Log.BlockNumber,
		LastLogIndex:    event.Log.LogIndex,
	}
	if err := cachestore.SaveCheckpointTx(tx, cp); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := recordDispatchEntry(tx, d.chainID, event.SourceName, event.Log.BlockNumber, event.Log.LogIndex); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dispatcher: commit dispatch tx: %w", err)
	}
	return nil
}

// ensureSetup dispatches the setup pseudo-event once per source, in its own
// transaction that advances no checkpoint and keeps no audit trail (its
// writes predate the indexed event history and are never rolled back).
func (d *Dispatcher) ensureSetup(ctx context.Context, sourceName string, h handler.Handler) error {
	if d.setupDone[sourceName] {
		return nil
	}

	tx, err := d.cache.BeginDispatchTx(ctx)
	if err != nil {
		return fmt.Errorf("dispatcher: begin setup tx: %w", err)
	}

	hc := &handler.Context{
		Network:   handler.NetworkInfo{Name: d.network, ChainID: d.chainID},
		Contracts: d.contracts,
		DB:        handler.NewDB(tx, nil),
		Client:    d.client,
	}

	if err := h.Setup(ctx, hc); err != nil {
		_ = tx.Rollback()
		return errs.New(errs.KindHandlerError, d.network, err).WithSource(sourceName)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dispatcher: commit setup tx: %w", err)
	}

	d.setupDone[sourceName] = true
	return nil
}

// handleReorg implements the Dispatcher's side of a reorg rollback: pause
// delivery, replay the audit log and reset checkpoints for every source in
// one transaction, reset each stream cursor, then resume.
func (d *Dispatcher) handleReorg(ctx context.Context, ev livefollower.ReorgEvent) error {
	d.stream.Pause()
	d.log.Warnf("rolling back dispatch state to before block %d", ev.FromBlock)

	tx, err := d.cache.BeginDispatchTx(ctx)
	if err != nil {
		return fmt.Errorf("dispatcher: begin rollback tx: %w", err)
	}

	if err := replayAudit(tx, ev.ChainID, ev.FromBlock); err != nil {
		_ = tx.Rollback()
		return errs.New(errs.KindReorg, d.network, err)
	}

	for sourceName := range d.handlers {
		cp, err := greatestCheckpointBefore(tx, ev.ChainID, sourceName, ev.FromBlock)
		if err != nil {
			_ = tx.Rollback()
			return errs.New(errs.KindReorg, d.network, err).WithSource(sourceName)
		}
		if err := cachestore.SaveCheckpointTx(tx, cp); err != nil {
			_ = tx.Rollback()
			return errs.New(errs.KindReorg, d.network, err).WithSource(sourceName)
		}
	}

	if err := pruneDispatchLog(tx, ev.ChainID, ev.FromBlock); err != nil {
		_ = tx.Rollback()
		return errs.New(errs.KindReorg, d.network, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dispatcher: commit rollback tx: %w", err)
	}

	for sourceName := range d.handlers {
		if err := d.stream.ResetCursor(ctx, ev.ChainID, sourceName); err != nil {
			return fmt.Errorf("dispatcher: reset cursor for %s: %w", sourceName, err)
		}
	}

	d.stream.Resume()
	return nil
}
