// Package app wires the subsystem together: config, storage, the gates,
// the executor, the trigger source, delivery and the HTTP server, started
// and stopped as one unit.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"agentops/internal/actions"
	"agentops/internal/approval"
	"agentops/internal/budget"
	"agentops/internal/config"
	"agentops/internal/domain"
	"agentops/internal/eventbus"
	"agentops/internal/executor"
	"agentops/internal/httpapi"
	"agentops/internal/metrics"
	"agentops/internal/notify"
	"agentops/internal/observability/pprof"
	"agentops/internal/runtime/supervisor"
	"agentops/internal/stats"
	"agentops/internal/storage"
	"agentops/internal/trigger"
	"agentops/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log      logx.Logger
	closeLog func()
	bus      eventbus.Bus
	store    *storage.Store

	ledger     *budget.Ledger
	gate       *approval.Gate
	exec       *executor.Service
	source     *trigger.Source
	dispatcher *notify.Dispatcher

	server *http.Server
}

func New(cfgPath string) (*App, error) {
	bus := eventbus.New()
	bootLog := logx.NewConsole("info")

	cfgm := config.NewManager(cfgPath, bootLog, bus)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	log, closeLog, err := logx.New(logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		File:    cfg.Log.File,
	})
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(storage.Config{
		Path:        cfg.DB.Path,
		BusyTimeout: cfg.DB.BusyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		closeLog()
		return nil, err
	}

	ledger := budget.NewLedger(store, bus, log, func() (float64, domain.Enforcement) {
		c := cfgm.Get()
		return c.Budget.DefaultDailyCap, c.Budget.Enforcement
	})
	gate := approval.NewGate(store, bus, log, func() time.Duration {
		return cfgm.Get().Approval.TTL
	})

	registry := executor.NewRegistry()
	if err := actions.NewSet(store, log).Register(registry); err != nil {
		_ = store.Close()
		closeLog()
		return nil, err
	}
	exec := executor.New(executor.Config{
		Workers:      cfg.Executor.Workers,
		QueueSize:    cfg.Executor.QueueSize,
		Timeout:      cfg.Executor.Timeout,
		RetryCeiling: cfg.Executor.RetryCeiling,
	}, store, ledger, gate, registry, bus, log)

	source := trigger.NewSource(store, exec, log, cfg.Trigger.Tick)

	gateways, err := buildGateways(cfg, log)
	if err != nil {
		_ = store.Close()
		closeLog()
		return nil, err
	}
	dispatcher := notify.NewDispatcher(notify.Config{
		Workers:       cfg.Notify.Workers,
		QueueSize:     cfg.Notify.QueueSize,
		RatePerSec:    cfg.Notify.RatePerSec,
		RetryMax:      cfg.Notify.RetryMax,
		RetryBase:     cfg.Notify.RetryBase,
		RetryMaxDelay: cfg.Notify.RetryMaxDelay,
	}, store, bus, log, gateways)

	return &App{
		cfgm:       cfgm,
		log:        log,
		closeLog:   closeLog,
		bus:        bus,
		store:      store,
		ledger:     ledger,
		gate:       gate,
		exec:       exec,
		source:     source,
		dispatcher: dispatcher,
	}, nil
}

// buildGateways assembles the channel -> transport map from config.
// Telegram needs a bot token; the other channels front external webhook
// providers.
func buildGateways(cfg config.Config, log logx.Logger) (map[domain.Channel]notify.Gateway, error) {
	gateways := map[domain.Channel]notify.Gateway{}
	if cfg.Notify.TelegramToken != "" {
		tg, err := notify.NewTelegramGateway(cfg.Notify.TelegramToken)
		if err != nil {
			return nil, err
		}
		gateways[domain.ChannelTelegram] = tg
	}
	for ch, url := range cfg.Notify.Gateways {
		if url == "" {
			continue
		}
		channel := domain.Channel(ch)
		gateways[channel] = notify.NewWebhookGateway(channel, url)
	}
	if len(gateways) == 0 {
		log.Warn("no delivery gateways configured, notifications will fail delivery")
	}
	return gateways, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, a.log)
	runCtx := a.sup.Context()
	cfg := a.cfgm.Get()

	collector := metrics.NewCollector()
	if cfg.Metrics.Enabled {
		collector.Watch(runCtx, a.bus)
	}

	if err := a.dispatcher.Start(runCtx); err != nil {
		return err
	}
	if err := a.exec.Start(runCtx); err != nil {
		return err
	}
	a.source.Start(runCtx)

	a.sup.GoRestart("config-watch", func(ctx context.Context) error {
		return a.cfgm.Watch(ctx)
	})

	if cfg.Pprof.Enabled {
		prof := pprof.New(pprof.Config{
			Enabled: true,
			Addr:    cfg.Pprof.Addr,
			Token:   cfg.Pprof.Token,
		}, a.log)
		a.sup.GoRestart("pprof", prof.Start)
	}

	api := httpapi.New(httpapi.Deps{
		Store:       a.store,
		Source:      a.source,
		Executor:    a.exec,
		Gate:        a.gate,
		Ledger:      a.ledger,
		Dispatcher:  a.dispatcher,
		Stats:       stats.NewService(a.store, a.ledger),
		Metrics:     metricsHandler(cfg, collector),
		Log:         a.log,
		CORSOrigins: cfg.Server.CORSOrigins,
	})
	a.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.sup.Go("http", func(ctx context.Context) error {
		err := a.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	a.log.Info("agentops started", logx.String("addr", cfg.Server.Addr))
	return nil
}

func metricsHandler(cfg config.Config, c *metrics.Collector) http.Handler {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return c.Handler()
}

// Stop shuts everything down in reverse order: no new HTTP work, then the
// producers, then delivery, then storage.
func (a *App) Stop(ctx context.Context) error {
	var firstErr error
	if a.server != nil {
		shutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := a.server.Shutdown(shutCtx); err != nil {
			firstErr = fmt.Errorf("http shutdown: %w", err)
		}
		cancel()
	}
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.exec.Stop()
	a.dispatcher.Stop()
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	a.log.Info("agentops stopped")
	a.closeLog()
	return firstErr
}
