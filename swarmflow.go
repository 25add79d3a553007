// Package swarmflow provides a top-level convenience entry point wiring the
// executor, the approval controller, and the configured store together.
//
// Usage:
//
//	import "github.com/Qiu-Ye/swarmflow"
//
//	app, err := swarmflow.New(swarmflow.WithConfigFile("swarmflow.yaml"))
//	app.Register(topo)
//	outcome := app.Run(ctx, "pipeline", initial)
//
// Callers that need finer control can build the engine, approval, and store
// packages directly; App is just the common wiring.
package swarmflow

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Qiu-Ye/swarmflow/approval"
	"github.com/Qiu-Ye/swarmflow/config"
	"github.com/Qiu-Ye/swarmflow/engine"
	"github.com/Qiu-Ye/swarmflow/internal/metrics"
	"github.com/Qiu-Ye/swarmflow/store"
	"github.com/Qiu-Ye/swarmflow/types"
)

// App 把执行器、审批控制器与存储装配成一个可直接使用的实例。
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      store.Store
	registry   *engine.RunRegistry
	executor   *engine.Executor
	controller *approval.Controller
}

// Option configures the App created by [New].
type Option func(*options)

type options struct {
	configFile string
	cfg        *config.Config
	logger     *zap.Logger
	registerer prometheus.Registerer
	store      store.Store
}

// WithConfigFile loads configuration from a YAML file.
func WithConfigFile(path string) Option {
	return func(o *options) { o.configFile = path }
}

// WithConfig uses a pre-built configuration, skipping file and env loading.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer sets the Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithStore uses a pre-built approval store instead of the configured one.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// New creates a fully wired App.
func New(opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg := o.cfg
	if cfg == nil {
		var err error
		cfg, err = config.Load(o.configFile)
		if err != nil {
			return nil, err
		}
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = newLogger(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		reg := o.registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		collector = metrics.NewCollector(cfg.Metrics.Namespace, reg, logger)
	}

	st := o.store
	if st == nil {
		var err error
		st, err = store.NewStore(cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("build approval store: %w", err)
		}
	}

	registry := engine.NewRunRegistry()
	executor := engine.NewExecutor(
		engine.WithLogger(logger),
		engine.WithMetrics(collector),
		engine.WithMaxNodeVisits(cfg.Engine.MaxNodeVisits),
		engine.WithDefaultTimeout(cfg.Engine.DefaultAgentTimeout.Std()),
		engine.WithMaxConcurrency(cfg.Engine.MaxConcurrency),
	)
	controller := approval.NewController(st, executor, registry,
		approval.WithLogger(logger),
		approval.WithMetrics(collector),
		approval.WithTTL(cfg.Approval.TTL.Std()),
		approval.WithSweepInterval(cfg.Approval.SweepInterval.Std()),
	)
	// The executor pauses into the controller and the controller resumes
	// into the executor; close the loop before anything runs.
	executor.SetInterrupter(controller)

	return &App{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		registry:   registry,
		executor:   executor,
		controller: controller,
	}, nil
}

// Register makes a topology runnable and resumable through this App.
func (a *App) Register(topo engine.Topology) error {
	return a.registry.Register(topo)
}

// Run starts a registered topology by name.
func (a *App) Run(ctx context.Context, name string, initial *engine.State) *engine.RunOutcome {
	topo, ok := a.registry.Topology(name)
	if !ok {
		return &engine.RunOutcome{
			Status: engine.RunStatusFailed,
			Err: types.NewError(types.ErrInvalidTopology,
				fmt.Sprintf("topology not registered: %s", name)),
		}
	}
	return a.executor.Run(ctx, topo, initial)
}

// RunTopology executes an unregistered topology directly.
func (a *App) RunTopology(ctx context.Context, topo engine.Topology, initial *engine.State) *engine.RunOutcome {
	return a.executor.Run(ctx, topo, initial)
}

// Config returns the effective configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Approvals exposes the interrupt controller for decisions and queries.
func (a *App) Approvals() *approval.Controller { return a.controller }

// Executor exposes the underlying graph executor.
func (a *App) Executor() *engine.Executor { return a.executor }

// Histories exposes completed run histories.
func (a *App) Histories() *engine.HistoryStore { return a.executor.Histories() }

// Logger returns the App logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Close stops the approval sweeper and closes the store.
func (a *App) Close() error {
	a.controller.Close()
	a.registry.Close()
	return a.store.Close()
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, err
		}
	}
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
