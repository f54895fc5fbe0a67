package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"kioskwatch/internal/api"
	"kioskwatch/internal/config"
	"kioskwatch/internal/database"
	"kioskwatch/internal/hub"
	"kioskwatch/internal/logging"
	"kioskwatch/internal/metrics"
	"kioskwatch/internal/presence"
	"kioskwatch/internal/reconcile"
	"kioskwatch/internal/scheduler"
	"kioskwatch/internal/session"
	"kioskwatch/internal/telemetry"
	"kioskwatch/internal/websocket"
	pkgdatabase "kioskwatch/pkg/database"
)

// Housekeeping job names registered next to the reconcile jobs.
const (
	JobLimiterCleanup = "limiter_cleanup"
	JobSessionGauges  = "session_gauges"
)

// limiterIdle is how long a kiosk's token bucket survives without heartbeats.
const limiterIdle = 10 * time.Minute

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config         *config.Config
	logger         *zap.Logger
	clock          clockwork.Clock
	shutdownTrace  func(context.Context) error
	dbManager      *database.Manager
	changeHub      *hub.Hub
	sessionManager *session.Manager
	reconciler     *reconcile.Reconciler
	scheduler      *scheduler.CronScheduler
	registry       *websocket.Registry
	apiServer      *api.Server
	httpServer     *http.Server
	metricsReg     *prometheus.Registry

	listener net.Listener
	cancel   context.CancelFunc
}

// Option customizes construction. Tests inject a fake clock or logger.
type Option func(*Application)

// WithLogger replaces the logger built from the log config section.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Application) { a.logger = logger }
}

// WithClock replaces the wall clock used by every time-dependent component.
func WithClock(clock clockwork.Clock) Option {
	return func(a *Application) { a.clock = clock }
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Logging → Tracing → Store → Hub → Sessions → Reconcile → Presence → WebSocket → API → HTTP
func NewApplication(cfg *config.Config, opts ...Option) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// Validate configuration before component initialization
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &Application{config: cfg, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(a)
	}

	// STEP 1: Logging
	if a.logger == nil {
		logger, err := logging.New(*cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("failed to build logger: %w", err)
		}
		a.logger = logger
	}

	// STEP 2: Tracing (no-op provider unless enabled)
	shutdownTrace, err := telemetry.Init(telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Writer:      os.Stdout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.shutdownTrace = shutdownTrace

	// STEP 3: Session store (foundation layer), migrations, schema check
	dbConfig := cfg.StoreConfig()
	dbManager, err := database.NewManager(dbConfig, a.logger)
	if err != nil {
		_ = shutdownTrace(context.Background())
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	a.dbManager = dbManager

	if err := pkgdatabase.NewMigrationManager(dbManager.GetDB(), a.logger).ApplyMigrations(); err != nil {
		a.closeStore()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := pkgdatabase.NewSchemaValidator(dbManager.GetDB()).Validate(); err != nil {
		a.closeStore()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	a.logger.Info("database ready", zap.String("path", dbConfig.DatabasePath))

	// STEP 4: Change hub fed by the store's post-commit hook
	a.changeHub = hub.NewHub(a.logger)
	dbManager.OnChange(func(kioskIDs []string) {
		if err := a.changeHub.Publish(kioskIDs); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
			a.logger.Warn("failed to publish change", zap.Error(err))
		}
	})

	// STEP 5: Metrics
	a.metricsReg = prometheus.NewRegistry()
	a.metricsReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(a.metricsReg)

	// STEP 6: Session lifecycle service
	a.sessionManager = session.NewManager(dbManager, a.clock, a.logger, m)

	// STEP 7: Reconciliation jobs on the cron scheduler
	loc, err := cfg.Presence.PurgeLocation()
	if err != nil {
		a.closeStore()
		return nil, fmt.Errorf("invalid purge timezone: %w", err)
	}
	a.reconciler, err = reconcile.New(dbManager, reconcile.Config{
		DisconnectAfter:   cfg.Presence.DisconnectAfter,
		ReconcileInterval: cfg.Presence.ReconcileInterval,
		PurgeAfter:        cfg.Presence.PurgeAfter,
		PurgeAt:           cfg.Presence.PurgeAt,
		PurgeLocation:     loc,
		MaxBatchSize:      cfg.Presence.MaxBatchSize,
	}, a.clock, a.logger, m)
	if err != nil {
		a.closeStore()
		return nil, fmt.Errorf("failed to create reconciler: %w", err)
	}

	// STEP 8: Presence reader and staleness evaluator
	evaluator := presence.NewEvaluator(cfg.Presence.StaleThreshold, a.clock)
	reader := presence.NewReader(dbManager, a.changeHub,
		presence.WithRefresh(cfg.Presence.RefreshInterval),
		presence.WithClock(a.clock),
		presence.WithLogger(a.logger),
	)

	// STEP 9: WebSocket registry and dashboard handler
	a.registry = websocket.NewRegistry()
	wsHandler := websocket.NewHandler(a.registry, reader, evaluator, websocket.Config{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		BufferSize:   cfg.WebSocket.BufferSize,
	}, m, a.logger)

	// STEP 10: API server with all business dependencies
	a.scheduler = scheduler.NewCron(a.logger)
	a.apiServer = api.NewServer(api.Deps{
		Sessions:   a.sessionManager,
		Reconciler: a.reconciler,
		Store:      dbManager,
		Evaluator:  evaluator,
		WebSocket:  wsHandler,
		Gatherer:   a.metricsReg,
		Metrics:    m,
		Limiter:    api.NewRateLimiter(cfg.HTTP.HeartbeatRate, cfg.HTTP.HeartbeatBurst, a.clock),
		Clock:      a.clock,
		Logger:     a.logger,
		Components: map[string]func() bool{
			"hub":       a.changeHub.IsRunning,
			"scheduler": a.scheduler.IsRunning,
		},
		Connections:    a.registry.Count,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})

	if err := a.registerJobs(); err != nil {
		a.closeStore()
		return nil, err
	}

	// STEP 11: HTTP server
	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:           a.apiServer,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	return a, nil
}

func (app *Application) registerJobs() error {
	if err := app.reconciler.Register(app.scheduler); err != nil {
		return fmt.Errorf("failed to register reconcile jobs: %w", err)
	}

	limiter := app.apiServer.Limiter()
	if err := app.scheduler.Every(JobLimiterCleanup, time.Minute, func(context.Context) {
		if n := limiter.Cleanup(limiterIdle); n > 0 {
			app.logger.Debug("dropped idle rate limiters", zap.Int("count", n))
		}
	}); err != nil {
		return fmt.Errorf("failed to register %s: %w", JobLimiterCleanup, err)
	}

	return app.scheduler.Every(JobSessionGauges, app.config.Presence.ReconcileInterval, func(ctx context.Context) {
		if _, err := app.reconciler.Stats(ctx); err != nil {
			app.logger.Warn("failed to refresh session gauges", zap.Error(err))
		}
	})
}

// Start begins application execution on the configured address.
func (app *Application) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	return app.Serve(ctx, ln)
}

// Serve starts background components and then serves HTTP on ln.
// Startup coordination ensures all components ready before serving
// Hub starts first to carry changes, then scheduler, then HTTP
func (app *Application) Serve(ctx context.Context, ln net.Listener) error {
	app.logger.Info("starting kioskwatch", zap.String("addr", ln.Addr().String()))

	runCtx, cancel := context.WithCancel(ctx)
	app.cancel = cancel

	// STEP 1: Start change hub (background fan-out)
	if err := app.changeHub.Start(runCtx); err != nil {
		cancel()
		_ = ln.Close()
		return fmt.Errorf("failed to start change hub: %w", err)
	}

	// STEP 2: Start reconcile scheduler and seed the gauges
	app.scheduler.Start()
	if _, err := app.reconciler.Stats(runCtx); err != nil {
		app.logger.Warn("initial stats failed", zap.Error(err))
	}

	// STEP 3: Start HTTP server (accepts connections)
	app.listener = ln
	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Verify server is ready before returning
	select {
	case err := <-serverErrCh:
		app.stopBackground(context.Background())
		return err
	case <-time.After(100 * time.Millisecond):
		app.logger.Info("kioskwatch started")
		return nil
	case <-ctx.Done():
		app.stopBackground(context.Background())
		return ctx.Err()
	}
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → WebSockets → Scheduler → Hub → Store → Tracing
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down kioskwatch")

	// STEP 1: Stop accepting new connections
	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.logger.Warn("HTTP server shutdown error", zap.Error(err))
	}

	// STEP 2: Hijacked dashboard sockets are not closed by Shutdown
	app.registry.CloseAll()

	// STEP 3: Scheduler, hub
	app.stopBackground(ctx)

	// STEP 4: Store and tracing
	app.closeStore()

	app.logger.Info("kioskwatch shutdown complete")
	_ = app.logger.Sync()
	return nil
}

// Close releases the store without serving. Used by one-shot CLI commands.
func (app *Application) Close() {
	app.stopBackground(context.Background())
	app.closeStore()
}

func (app *Application) stopBackground(ctx context.Context) {
	if err := app.scheduler.Stop(ctx); err != nil {
		app.logger.Warn("scheduler shutdown error", zap.Error(err))
	}
	if err := app.changeHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		app.logger.Warn("change hub shutdown error", zap.Error(err))
	}
	if app.cancel != nil {
		app.cancel()
	}
}

func (app *Application) closeStore() {
	if app.dbManager != nil {
		if err := app.dbManager.Close(); err != nil {
			app.logger.Warn("database shutdown error", zap.Error(err))
		}
		app.dbManager = nil
	}
	if app.shutdownTrace != nil {
		if err := app.shutdownTrace(context.Background()); err != nil {
			app.logger.Warn("tracer shutdown error", zap.Error(err))
		}
		app.shutdownTrace = nil
	}
}

// GetAddr returns the bound address once serving, else the configured one.
func (app *Application) GetAddr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler is the full HTTP surface.
func (app *Application) Handler() http.Handler { return app.apiServer }

// Sessions is the in-process session lifecycle service.
func (app *Application) Sessions() *session.Manager { return app.sessionManager }

// Reconciler exposes the disconnect and purge jobs.
func (app *Application) Reconciler() *reconcile.Reconciler { return app.reconciler }

// Scheduler exposes the job registry, mainly for inspection.
func (app *Application) Scheduler() *scheduler.CronScheduler { return app.scheduler }
