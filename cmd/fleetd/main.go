package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"proxyfleet/internal/app"
	"proxyfleet/internal/connector"
	"proxyfleet/internal/connector/freeproxysrc"
	"proxyfleet/internal/connector/localtest"
	"proxyfleet/internal/shared/config"
	"proxyfleet/internal/shared/logger"
	"proxyfleet/internal/shared/types"
	"proxyfleet/internal/state"
	"proxyfleet/internal/state/membroker"
	"proxyfleet/internal/state/wsbroker"
	"proxyfleet/internal/store"
	"proxyfleet/internal/store/bunstore"
	"proxyfleet/internal/store/filestore"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "fleet.ini")
	connectorsPath := filepath.Join(*configDir, "connectors.json")

	cfg := new(types.Config)
	if err := config.LoadIni(cfg, iniPath); err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	declared, err := config.LoadConnectors(connectorsPath)
	if err != nil {
		logger.Fatal().Err(err).Msgf("Failed to load connectors file '%s'", connectorsPath)
	}

	ctx := context.Background()

	var st store.Store
	if cfg.StateConf.Writer {
		st, err = buildStore(ctx, cfg, *configDir)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to open store")
		}
	}

	broker, err := buildBroker(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build broker")
	}

	registry := connector.NewRegistry()
	registry.Register(localtest.New())
	registry.Register(freeproxysrc.New(freeproxysrc.DefaultSources()...))

	a := app.New(cfg, declared, st, broker, registry)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info().Msg("Shutdown signal received.")
		a.Stop()
	}()

	if err := a.Run(); err != nil {
		logger.Fatal().Err(err).Msg("Fleet engine exited with error")
	}
}

func buildStore(ctx context.Context, cfg *types.Config, configDir string) (store.Store, error) {
	switch cfg.StoreConf.Driver {
	case "postgres":
		return bunstore.New(ctx, cfg.StoreConf.DSN)
	default:
		dir := cfg.StoreConf.Dir
		if dir == "" {
			dir = filepath.Join(configDir, "data")
		}
		return filestore.New(dir)
	}
}

func buildBroker(ctx context.Context, cfg *types.Config) (state.Broker, error) {
	switch cfg.StateConf.Broker {
	case "ws":
		if cfg.StateConf.Writer {
			return wsbroker.NewHub(cfg.StateConf.WSListen, cfg.StateConf.ReplayLimit), nil
		}
		return wsbroker.Dial(ctx, cfg.StateConf.WSPeer)
	default:
		return membroker.New(cfg.StateConf.ReplayLimit), nil
	}
}
