package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/kimhsiao/attendsync/internal/config"
	"github.com/kimhsiao/attendsync/internal/connectivity"
	"github.com/kimhsiao/attendsync/internal/crypto"
	"github.com/kimhsiao/attendsync/internal/db"
	"github.com/kimhsiao/attendsync/internal/logging"
	"github.com/kimhsiao/attendsync/internal/remote"
	scansync "github.com/kimhsiao/attendsync/internal/sync"
	"github.com/kimhsiao/attendsync/internal/sync/queue"
	"github.com/kimhsiao/attendsync/internal/telemetry"
)

// agent is every component of one device, wired from configuration.
type agent struct {
	cfg      *config.Config
	registry *prometheus.Registry
	metrics  *telemetry.Metrics
	store    queue.Store
	tokens   *crypto.TokenStore
	client   *remote.Client
	monitor  *connectivity.Monitor
	orch     *scansync.Orchestrator

	closeStore func() error
}

// agentOption adjusts construction, mainly for tests.
type agentOption func(*agentDeps)

type agentDeps struct {
	tokenOpts []crypto.TokenOption
	watcher   connectivity.NetworkWatcher
}

func withTokenOptions(opts ...crypto.TokenOption) agentOption {
	return func(d *agentDeps) { d.tokenOpts = append(d.tokenOpts, opts...) }
}

func withWatcher(w connectivity.NetworkWatcher) agentOption {
	return func(d *agentDeps) { d.watcher = w }
}

func newAgent(cfg *config.Config, opts ...agentOption) (*agent, error) {
	var deps agentDeps
	for _, opt := range opts {
		opt(&deps)
	}

	a := &agent{cfg: cfg}
	if cfg.Server.Metrics {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = telemetry.New(a.registry)
	}

	store, closeStore, err := openStore(cfg, a.metrics)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closeStore = closeStore

	a.tokens = crypto.NewTokenStore(cfg.Queue.DataDir, cfg.Device.TokenAccount, deps.tokenOpts...)

	rc := cfg.RemoteConfig()
	rc.UserAgent = programName + "/" + Version
	a.client = remote.New(rc,
		remote.WithTokenSource(a.tokens),
		remote.WithObserver(a.metrics),
	)

	a.monitor = connectivity.NewMonitor(a.client, deps.watcher, cfg.MonitorConfig(),
		connectivity.WithProbeHook(a.metrics.ConnectivityProbe),
	)

	orchConfig := scansync.DefaultConfig()
	orchConfig.HistoryLimit = cfg.Sync.HistoryLimit
	orchConfig.Scheduler = cfg.SchedulerConfig()
	a.orch = scansync.NewOrchestrator(a.client, a.store, a.monitor, orchConfig,
		scansync.WithMetrics(a.metrics),
		scansync.WithLogoutHook(a.tokens.ClearContext),
	)

	logging.Debug("Agent initialized", map[string]interface{}{
		"driver":   cfg.Queue.Driver,
		"backend":  a.client.BaseURL(),
		"location": cfg.Device.Location,
	})
	return a, nil
}

// openStore builds the queue store selected by queue.driver.
func openStore(cfg *config.Config, metrics *telemetry.Metrics) (queue.Store, func() error, error) {
	opts := []queue.Option{
		queue.WithKey(cfg.Queue.StorageKey),
		queue.WithPolicy(cfg.QueuePolicy()),
		queue.WithEvictHook(metrics.Evicted),
	}

	switch cfg.Queue.Driver {
	case config.DriverSQLite:
		database, err := db.OpenMigrated(cfg.Queue.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open queue database: %w", err)
		}
		return queue.NewSQLiteStore(database.DB, opts...), database.Close, nil

	case config.DriverRedis:
		redisOpts, err := redis.ParseURL(cfg.Queue.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		client := redis.NewClient(redisOpts)
		store := queue.NewRedisStore(client, opts...)
		if err := store.Ping(context.Background()); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return store, client.Close, nil

	case config.DriverMemory:
		return queue.NewMemoryStore(opts...), func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
}

// prepare loads the persisted queue and probes the backend once, so a
// one-shot command sees the same state the agent would.
func (a *agent) prepare(ctx context.Context) error {
	if err := a.orch.Restore(ctx); err != nil {
		return err
	}
	a.monitor.Probe(ctx)
	return nil
}

func (a *agent) Close() error {
	a.orch.Stop()
	if a.closeStore != nil {
		return a.closeStore()
	}
	return nil
}
