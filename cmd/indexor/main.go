package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chainweave/indexor/internal/common"
	"github.com/chainweave/indexor/internal/logger"
	"github.com/chainweave/indexor/internal/orchestrator"
	"github.com/chainweave/indexor/pkg/api"
	"github.com/chainweave/indexor/pkg/config"
)

const version = "0.1.0"

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "indexor",
	Short:   "indexor indexes blockchain contract events into application-defined tables",
	Version: version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the indexing engine until interrupted",
	RunE:  runEngine,
}

var listSourcesCmd = &cobra.Command{
	Use:   "list-sources",
	Short: "List the contract sources a configuration file would resolve, and the handler each binds to",
	RunE:  listSources,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(listSourcesCmd)
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.NewComponentLoggerFromConfig(common.ComponentCLI, cfg.Logging)
	defer log.Close() //nolint:errcheck

	handlerNames := make(map[string]string, len(cfg.Contracts))
	for name, contract := range cfg.Contracts {
		handlerNames[name] = contract.Handler
	}
	handlers, err := buildHandlers(handlerNames)
	if err != nil {
		return fmt.Errorf("failed to build handler registry: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal, stopping")
		cancel()
	}()

	engine := orchestrator.New(orchestrator.Config{
		Config:   cfg,
		Handlers: handlers,
		Log:      logger.NewComponentLoggerFromConfig(common.ComponentOrchestrator, cfg.Logging),
	})

	if cfg.API != nil && cfg.API.Enabled {
		apiServer := api.NewServer(cfg.API, engine, logger.NewComponentLoggerFromConfig(common.ComponentAPI, cfg.Logging))
		go func() {
			if err := apiServer.Start(ctx); err != nil {
				log.Errorw("api server stopped with error", "error", err)
			}
		}()
	}

	log.Infow("starting engine", "networks", len(cfg.Networks), "contracts", len(cfg.Contracts))
	err = engine.Run(ctx)
	if err != nil && ctx.Err() == nil {
		log.Errorw("engine stopped with error", "error", err)
	}
	os.Exit(orchestrator.ExitCode(err))
	return nil
}

func listSources(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	names := make([]string, 0, len(cfg.Contracts))
	for name := range cfg.Contracts {
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) == 0 {
		fmt.Println("(no contract sources configured)")
		return nil
	}

	for _, name := range names {
		contract := cfg.Contracts[name]
		kind := "static"
		if contract.Factory != nil {
			kind = "factory"
		}
		fmt.Printf("  %-24s network=%-12s kind=%-8s handler=%s\n", name, contract.Network, kind, contract.Handler)
	}

	fmt.Println("\nRegistered handlers:")
	for _, name := range listHandlerNames() {
		fmt.Printf("  - %s\n", name)
	}

	return nil
}
