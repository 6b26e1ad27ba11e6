package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chainweave/indexor/internal/cachestore"
	internalcommon "github.com/chainweave/indexor/internal/common"
	"github.com/chainweave/indexor/internal/dispatcher"
	"github.com/chainweave/indexor/internal/errs"
	"github.com/chainweave/indexor/internal/eventstream"
	"github.com/chainweave/indexor/internal/historical"
	"github.com/chainweave/indexor/internal/livefollower"
	"github.com/chainweave/indexor/internal/logger"
	"github.com/chainweave/indexor/internal/metrics"
	"github.com/chainweave/indexor/internal/rpcgw"
	"github.com/chainweave/indexor/internal/sourceresolver"
	"github.com/chainweave/indexor/pkg/chain"
	"github.com/chainweave/indexor/pkg/config"
	"github.com/chainweave/indexor/pkg/handler"
)

const healthCheckInterval = 15 * time.Second

// networkPipeline wires every per-network component together: one RPC
// Gateway, one Cache Store, one Source Resolver, one Historical Fetcher,
// one Live Follower, one Event Stream, one Dispatcher.
type networkPipeline struct {
	network string
	chainID uint64
	cfg     config.NetworkConfig
	opts    config.OptionsConfig

	gw       *rpcgw.Gateway
	store    *cachestore.Store
	resolver *sourceresolver.Resolver
	sources  []*chain.Source

	fetcher    *historical.Fetcher
	follower   *livefollower.Follower
	stream     *eventstream.Stream
	dispatcher *dispatcher.Dispatcher

	finalizedTip atomic.Uint64

	mu             sync.Mutex
	lastProgressAt time.Time
	status         HealthStatus

	log *logger.Logger
}

// HealthStatus reports one network's syncing progress at a point in time.
type HealthStatus struct {
	Network             string
	Healthy             bool
	TipBlock            uint64
	LastDispatchedBlock uint64
}

func newNetworkPipeline(
	ctx context.Context,
	network string,
	netCfg config.NetworkConfig,
	opts config.OptionsConfig,
	dbCfg config.DatabaseConfig,
	maintCfg *config.MaintenanceConfig,
	sources []*chain.Source,
	handlers map[string]handler.Handler,
	log *logger.Logger,
) (*networkPipeline, error) {
	gw, err := rpcgw.NewGateway(ctx, network, netCfg, log)
	if err != nil {
		return nil, err
	}

	store, err := cachestore.Open(network, dbCfg, maintCfg, log)
	if err != nil {
		gw.Close()
		return nil, err
	}

	bySource := make(map[string]*chain.Source, len(sources))
	sourceNames := make([]string, 0, len(sources))
	for _, src := range sources {
		bySource[src.Name] = src
		sourceNames = append(sourceNames, src.Name)
	}
	resolver := sourceresolver.NewResolver(bySource)

	p := &networkPipeline{
		network:  network,
		chainID:  netCfg.ChainID,
		cfg:      netCfg,
		opts:     opts,
		gw:       gw,
		store:    store,
		resolver: resolver,
		sources:  sources,
		log:      log.WithComponent(internalcommon.ComponentOrchestrator).WithNetwork(network),
	}

	p.fetcher = historical.New(network, netCfg.ChainID, gw, store, resolver, netCfg.DefaultMaxBlockRange, netCfg.MaxHistoricalTaskConcurrency, log)
	p.follower = livefollower.New(network, netCfg.ChainID, gw, store, resolver, sourceNames, netCfg.PollingInterval.Duration, netCfg.FinalityBlockCount, log)
	feeds := make([]eventstream.SourceFeed, 0, len(sources))
	for _, name := range sourceNames {
		feeds = append(feeds, eventstream.SourceFeed{Network: network, ChainID: netCfg.ChainID, Name: name, Cache: store, Resolver: resolver})
	}
	stream, err := eventstream.New(feeds, netCfg.PollingInterval.Duration, 256, log)
	if err != nil {
		store.Close()
		gw.Close()
		return nil, fmt.Errorf("orchestrator: build event stream for %s: %w", network, err)
	}
	p.stream = stream

	client := handler.NewClient(netCfg.ChainID, gw, netCfg.FinalityBlockCount, p.finalizedTip.Load)
	bindings := make([]dispatcher.SourceBinding, 0, len(sourceNames))
	for _, name := range sourceNames {
		h, ok := handlers[name]
		if !ok {
			return nil, fmt.Errorf("orchestrator: no handler registered for source %q", name)
		}
		bindings = append(bindings, dispatcher.SourceBinding{Name: name, Handler: h})
	}
	p.dispatcher = dispatcher.New(dispatcher.Config{
		Network:   network,
		ChainID:   netCfg.ChainID,
		Cache:     store,
		Resolver:  resolver,
		Stream:    stream,
		Reorgs:    p.follower.Reorgs(),
		Client:    client,
		Contracts: contractInfos(bySource),
		Sources:   bindings,
		Log:       log,
	})

	return p, nil
}

// run starts the follower paused, backfills every source, then releases
// the follower and stream to deliver live and cached events, running until
// ctx is cancelled or a fatal error occurs in any sub-task.
func (p *networkPipeline) run(ctx context.Context) error {
	defer p.store.Close()
	defer p.gw.Close()

	if err := p.store.Maintenance().Start(ctx); err != nil {
		return fmt.Errorf("orchestrator: start maintenance for %s: %w", p.network, err)
	}
	defer p.store.Maintenance().Stop()

	header, err := p.gw.GetFinalizedBlockHeader(ctx)
	if err != nil {
		return errs.New(errs.KindRPCUnavailable, p.network, fmt.Errorf("fetch initial finalized tip: %w", err))
	}
	p.finalizedTip.Store(header.Number.Uint64())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	// The follower polls from the start; while paused it keeps the heads it
	// sees in its pending map instead of committing them.
	g.Go(func() error { return p.follower.Run(gctx) })

	backfillGroup, backfillCtx := errgroup.WithContext(gctx)
	concurrency := p.cfg.MaxHistoricalTaskConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	backfillGroup.SetLimit(concurrency)
	for _, src := range p.sources {
		name := src.Name
		backfillGroup.Go(func() error {
			return p.fetcher.Backfill(backfillCtx, name, p.finalizedTip.Load())
		})
	}
	if err := backfillGroup.Wait(); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	p.log.Infof("historical backfill complete for %d sources", len(p.sources))

	p.follower.Resume()
	p.stream.Resume()

	g.Go(func() error { return p.stream.Run(gctx) })
	g.Go(func() error { return p.dispatcher.Run(gctx) })
	g.Go(func() error { return p.drainFinalized(gctx) })
	g.Go(func() error { return p.healthLoop(gctx) })

	return g.Wait()
}

// drainFinalized keeps finalizedTip current from the follower's own
// confirmation-depth promotions, so the handler Client's memoization tip
// check never issues an extra RPC call.
func (p *networkPipeline) drainFinalized(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-p.follower.Finalized():
			if !ok {
				return nil
			}
			if n > p.finalizedTip.Load() {
				p.finalizedTip.Store(n)
			}
		}
	}
}

// healthLoop periodically reports each network's sync lag: healthy once
// every source's checkpoint has caught up to tip, or while still making
// forward progress within the configured max healthcheck duration.
func (p *networkPipeline) healthLoop(ctx context.Context) error {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	p.mu.Lock()
	p.lastProgressAt = time.Now()
	p.mu.Unlock()

	var lastMinCheckpoint uint64
	haveLast := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tip := p.finalizedTip.Load()

			var minCheckpoint uint64 = tip
			for _, src := range p.sources {
				cp, err := p.store.GetCheckpoint(ctx, p.chainID, src.Name)
				if err != nil {
					p.log.Warnf("health check: get checkpoint for %s: %v", src.Name, err)
					continue
				}
				if cp.LastBlockNumber < minCheckpoint {
					minCheckpoint = cp.LastBlockNumber
				}
			}

			p.mu.Lock()
			if !haveLast || minCheckpoint > lastMinCheckpoint {
				p.lastProgressAt = time.Now()
			}
			lastMinCheckpoint = minCheckpoint
			haveLast = true

			lag := int64(tip) - int64(minCheckpoint)
			caughtUp := minCheckpoint >= tip
			stalledTooLong := time.Since(p.lastProgressAt) > p.opts.MaxHealthcheckDuration.Duration
			healthy := caughtUp || !stalledTooLong

			p.status = HealthStatus{Network: p.network, Healthy: healthy, TipBlock: tip, LastDispatchedBlock: minCheckpoint}
			p.mu.Unlock()

			metrics.SyncLagSet(p.network, lag)
			metrics.ComponentHealthSet(healthComponentLabel(p.network), healthy)
		}
	}
}

func healthComponentLabel(network string) string {
	return internalcommon.ComponentOrchestrator + ":" + network
}

// Health returns the most recently computed health status.
func (p *networkPipeline) Health() HealthStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}
