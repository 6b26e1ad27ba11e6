// Package orchestrator composes every other component into one running
// engine: it resolves configured sources into per-network pipelines, drains
// each network's historical backfill before releasing live delivery, and
// propagates a single cancellation signal to every task on shutdown.
package orchestrator

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/chainweave/indexor/internal/errs"
	"github.com/chainweave/indexor/internal/logger"
	"github.com/chainweave/indexor/pkg/chain"
	"github.com/chainweave/indexor/pkg/config"
	"github.com/chainweave/indexor/pkg/handler"
)

// Config assembles everything the Orchestrator needs to start the engine.
type Config struct {
	Config   *config.Config
	Handlers map[string]handler.Handler // keyed by configured contract/source name
	Log      *logger.Logger
}

// Orchestrator owns the full set of per-network pipelines for one process.
type Orchestrator struct {
	cfg      *config.Config
	handlers map[string]handler.Handler
	log      *logger.Logger

	networks map[string]*networkPipeline
}

// New validates nothing by itself; call Run to resolve sources, build every
// per-network pipeline, and start the engine.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg.Config,
		handlers: cfg.Handlers,
		log:      cfg.Log,
	}
}

// Run resolves every configured source, builds one pipeline per network,
// and runs them all until ctx is cancelled or one fails fatally. It returns
// the first fatal error; a clean shutdown via ctx cancellation returns nil.
func (o *Orchestrator) Run(ctx context.Context) error {
	sources, err := buildSources(o.cfg)
	if err != nil {
		return errs.New(errs.KindConfig, "", err)
	}

	byNetwork := make(map[string][]*chain.Source)
	for _, src := range sources {
		byNetwork[src.Network] = append(byNetwork[src.Network], src)
	}

	o.networks = make(map[string]*networkPipeline, len(o.cfg.Networks))
	for network, netCfg := range o.cfg.Networks {
		pipeline, err := newNetworkPipeline(ctx, network, netCfg, o.cfg.Options, o.cfg.Database, o.cfg.Maintenance, byNetwork[network], o.handlers, o.log)
		if err != nil {
			o.closeStarted()
			return err
		}
		o.networks[network] = pipeline
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, pipeline := range o.networks {
		network, p := name, pipeline
		g.Go(func() error {
			if err := p.run(gctx); err != nil && gctx.Err() == nil {
				return fmt.Errorf("network %s: %w", network, err)
			}
			return nil
		})
	}

	return g.Wait()
}

// closeStarted releases any pipeline already built when Run fails partway
// through bringing up the rest.
func (o *Orchestrator) closeStarted() {
	for _, p := range o.networks {
		p.store.Close()
		p.gw.Close()
	}
}

// Health reports the latest known sync status for every network.
func (o *Orchestrator) Health() []HealthStatus {
	statuses := make([]HealthStatus, 0, len(o.networks))
	for _, p := range o.networks {
		statuses = append(statuses, p.Health())
	}
	return statuses
}

// ExitCode classifies a fatal error from Run into the process exit code
// spec §6 defines: 0 clean shutdown, 1 fatal handler/config error, 2 RPC
// permanently unavailable.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if kind, ok := errs.KindOf(err); ok {
		switch kind {
		case errs.KindRPCUnavailable:
			return 2
		default:
			return 1
		}
	}
	return 1
}
