// Package app wires the fleet engine together: broker, storage, writer,
// replicated cache, provider registry, task engine, reconciler and the
// router-facing web surface. All construction is explicit; there is no
// ambient registry.
package app

import (
	"context"
	"sync"
	"time"

	"proxyfleet/internal/connector"
	"proxyfleet/internal/reconcile"
	"proxyfleet/internal/service/web"
	"proxyfleet/internal/shared/logger"
	"proxyfleet/internal/shared/types"
	"proxyfleet/internal/state"
	"proxyfleet/internal/store"
	"proxyfleet/internal/task"
)

// runnableBroker is implemented by broker backends that serve peers.
type runnableBroker interface {
	Run() error
}

type App struct {
	cfg      *types.Config
	declared []*types.Connector

	broker   state.Broker
	store    store.Store // nil on non-writer instances
	writer   *state.Writer
	cache    *state.Cache
	sub      *state.Submitter
	registry *connector.Registry

	engine     *task.Engine
	reconciler *reconcile.Reconciler
	webServer  *web.Server

	cancel   context.CancelFunc
	stopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New assembles an instance. st may be nil when this instance is not the
// elected writer; declared is the connector set from connectors.json.
func New(cfg *types.Config, declared []*types.Connector, st store.Store, br state.Broker, registry *connector.Registry) *App {
	cache := state.NewCache()
	sub := state.NewSubmitter(br)

	a := &App{
		cfg:      cfg,
		declared: declared,
		broker:   br,
		store:    st,
		cache:    cache,
		sub:      sub,
		registry: registry,
		engine:   task.NewEngine(cache, sub, registry, cfg.EngineConf.TaskRetryLimit, cfg.EngineConf.TaskBackoff()),
		reconciler: reconcile.New(cache, sub, registry,
			cfg.EngineConf.ProviderBatchCap,
			cfg.EngineConf.MaxTaskFailures,
			cfg.EngineConf.ErrorGrace()),
		stopChan: make(chan struct{}),
	}
	if cfg.StateConf.Writer && st != nil {
		a.writer = state.NewWriter(st, br)
	}
	if cfg.WebConf.Listen != "" {
		a.webServer = web.NewServer(cfg.WebConf.Listen, cache)
	}
	return a
}

// Cache exposes the replicated view, e.g. for embedding callers.
func (a *App) Cache() *state.Cache { return a.cache }

// Run starts all loops and blocks until Stop.
func (a *App) Run() error {
	l := logger.WithComponent("App")

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if rb, ok := a.broker.(runnableBroker); ok {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := rb.Run(); err != nil {
				l.Error().Err(err).Msg("Broker backend stopped with error.")
			}
		}()
	}

	if a.writer != nil {
		if err := a.writer.Bootstrap(ctx); err != nil {
			cancel()
			return err
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.writer.Run(ctx); err != nil {
				l.Error().Err(err).Msg("Writer stopped with error.")
			}
		}()
	}

	cacheEvents, err := a.broker.Events(ctx)
	if err != nil {
		cancel()
		return err
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.cache.Run(ctx, cacheEvents)
	}()

	if a.webServer != nil {
		webEvents, err := a.broker.Events(ctx)
		if err != nil {
			cancel()
			return err
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.webServer.NotifyEvents(ctx, webEvents)
		}()
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.webServer.Run(); err != nil {
				l.Error().Err(err).Msg("Web server stopped with error.")
			}
		}()
	}

	if err := a.submitDeclaredConnectors(ctx); err != nil {
		cancel()
		return err
	}

	a.wg.Add(1)
	go a.schedulerLoop(ctx)

	l.Info().Bool("writer", a.writer != nil).Int("declared_connectors", len(a.declared)).Msg("Fleet engine running.")
	a.wg.Wait()
	return nil
}

// schedulerLoop runs one independent ticker per entity class. Loops never
// block each other; cross-loop effects travel as orders and land on a
// later tick.
func (a *App) schedulerLoop(ctx context.Context) {
	defer a.wg.Done()
	l := logger.WithComponent("App/Scheduler")

	connectorTicker := time.NewTicker(a.cfg.EngineConf.ConnectorInterval())
	taskTicker := time.NewTicker(a.cfg.EngineConf.TaskInterval())
	healthTicker := time.NewTicker(a.cfg.EngineConf.HealthInterval())
	defer connectorTicker.Stop()
	defer taskTicker.Stop()
	defer healthTicker.Stop()

	l.Info().
		Dur("connector_interval", a.cfg.EngineConf.ConnectorInterval()).
		Dur("task_interval", a.cfg.EngineConf.TaskInterval()).
		Dur("health_interval", a.cfg.EngineConf.HealthInterval()).
		Msg("Schedulers initialized.")

	for {
		select {
		case <-connectorTicker.C:
			a.reconciler.Tick(ctx)
		case <-taskTicker.C:
			a.engine.Tick(ctx)
		case <-healthTicker.C:
			go a.reconciler.HealthTick(ctx)
		case <-a.stopChan:
			l.Info().Msg("Stop signal received. Shutting down schedulers.")
			return
		case <-ctx.Done():
			return
		}
	}
}

// submitDeclaredConnectors reconciles connectors.json against storage.
// Only the writer instance seeds; peers observe the resulting events.
func (a *App) submitDeclaredConnectors(ctx context.Context) error {
	if a.writer == nil || a.store == nil {
		return nil
	}
	l := logger.WithComponent("App")

	for _, declared := range a.declared {
		existing, err := a.store.ReadConnector(ctx, declared.ID)
		if err == store.ErrNotFound {
			c := declared.Clone()
			c.Status = types.ConnectorCreated
			if err := a.sub.PutConnector(ctx, c); err != nil {
				return err
			}
			l.Info().Str("connector_id", c.ID).Str("provider", c.Provider).Msg("Declared connector submitted.")
			continue
		}
		if err != nil {
			return err
		}

		// Declared config wins; runtime state carries over.
		merged := declared.Clone()
		merged.Status = existing.Status
		merged.LastError = existing.LastError
		merged.TaskFailures = existing.TaskFailures
		if err := a.sub.PutConnector(ctx, merged); err != nil {
			return err
		}
	}
	return nil
}

// Stop shuts the instance down, letting in-flight step executions finish.
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopChan)
		a.engine.Wait()
		if a.webServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = a.webServer.Shutdown(shutdownCtx)
			cancel()
		}
		if a.cancel != nil {
			a.cancel()
		}
		_ = a.broker.Close()
		if a.store != nil {
			_ = a.store.Close()
		}
		logger.Info().Msg("Fleet engine gracefully stopped.")
	})
}
