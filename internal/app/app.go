package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/iago/botfleet/internal/config"
	"github.com/iago/botfleet/internal/eventbus"
	"github.com/iago/botfleet/internal/executor"
	"github.com/iago/botfleet/internal/gateway"
	httpserver "github.com/iago/botfleet/internal/http"
	"github.com/iago/botfleet/internal/http/handlers"
	"github.com/iago/botfleet/internal/http/middleware"
	"github.com/iago/botfleet/internal/lock"
	"github.com/iago/botfleet/internal/notify"
	"github.com/iago/botfleet/internal/ratelimit"
	"github.com/iago/botfleet/internal/registry"
	"github.com/iago/botfleet/internal/repository"
	"github.com/iago/botfleet/internal/scheduler"
	"github.com/iago/botfleet/internal/sender"
	"github.com/iago/botfleet/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Option customizes composition; used by cmd/api hooks and by tests.
type Option func(*options)

type options struct {
	sender  sender.Sender
	onReady func(addr string)
}

// WithSender replaces the Telegram sender, e.g. with a fake in tests.
func WithSender(s sender.Sender) Option {
	return func(o *options) { o.sender = s }
}

// WithReadyHook is called once the HTTP listener is bound.
func WithReadyHook(fn func(addr string)) Option {
	return func(o *options) { o.onReady = fn }
}

// App wires every component of the job engine for one process.
type App struct {
	config  config.Config
	logger  zerolog.Logger
	options options

	jobs      repository.JobsRepository
	audience  repository.AudienceRepository
	redis     *redis.Client
	bus       eventbus.Bus
	local     *eventbus.Memory
	bridge    *eventbus.RedisBridge
	limiter   *ratelimit.Limiter
	telegram  *sender.Telegram
	directory *config.Directory
	watcher   *config.TenantsWatcher
	scheduler *scheduler.Scheduler
	hub       *gateway.Hub
	reporter  *notify.Reporter
	registry  *registry.Registry
	handler   http.Handler

	closers []func()
	wg      sync.WaitGroup
}

func New(ctx context.Context, cfg config.Config, logger zerolog.Logger, opts ...Option) (*App, error) {
	a := &App{
		config:    cfg,
		logger:    logger,
		directory: config.NewDirectory(),
		registry:  registry.New(2 * time.Second),
	}
	for _, opt := range opts {
		opt(&a.options)
	}

	if err := a.setupRepository(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.setupRedis(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.setupBus(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.limiter = ratelimit.NewLimiter(ratelimit.Config{
		DefaultRate: cfg.DefaultTenantRate,
		MaxWait:     cfg.RateMaxWait,
	})
	deliver := a.options.sender
	if deliver == nil {
		a.telegram = sender.NewTelegram(sender.TelegramConfig{
			APIURL:  cfg.TelegramAPIURL,
			Timeout: cfg.TelegramTimeout,
		}, logger)
		deliver = a.telegram
	}
	if err := a.setupTenants(); err != nil {
		a.Close()
		return nil, err
	}

	locker, err := a.setupLocker()
	if err != nil {
		a.Close()
		return nil, err
	}
	exec := executor.New(executor.Dependencies{
		Jobs:    a.jobs,
		Locker:  locker,
		Limiter: a.limiter,
		Bus:     a.bus,
		Strategies: []executor.Strategy{
			executor.NewBroadcastStrategy(a.audience, deliver, logger),
			executor.NewImportStrategy(a.audience),
		},
		Logger: logger,
	}, executor.Config{
		BatchSize:   cfg.BatchSize,
		LeaseTTL:    cfg.LeaseTTL,
		MaxAttempts: cfg.MaxAttempts,
		RetryBase:   cfg.RetryBase,
		RetryMax:    cfg.RetryMax,
	})
	a.scheduler = scheduler.New(a.jobs, locker, exec, a.bus, scheduler.Config{
		WorkerID:          cfg.WorkerID,
		PollInterval:      cfg.PollInterval,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
	}, logger)

	a.hub = gateway.NewHub(a.bus, gateway.Config{
		SendBuffer:     cfg.GatewaySendBuffer,
		EvictAfter:     cfg.EvictAfter,
		AllowedOrigins: cfg.CORSOrigins,
	}, logger)
	a.closers = append(a.closers, a.hub.Close)

	a.reporter = notify.NewReporter(deliver, a.directory, logger)
	a.closers = append(a.closers, a.reporter.Subscribe(a.bus))

	jobsService := service.NewJobsService(a.jobs, a.limiter, a.bus, logger)
	api := handlers.NewAPI(jobsService, a.hub, a.registry, cfg.EvictAfter)
	a.handler = httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		Authenticator:  middleware.NewAuthenticator(cfg.AuthToken, cfg.JWTSecret),
		CORSOrigins:    cfg.CORSOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})
	return a, nil
}

func (a *App) Handler() http.Handler {
	return a.handler
}

func (a *App) Registry() *registry.Registry {
	return a.registry
}

// StartBackground launches the scheduler and the tenants watcher. They stop when ctx is done;
// Wait blocks until they have.
func (a *App) StartBackground(ctx context.Context) {
	if a.config.WorkerEnabled {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.scheduler.Start(ctx)
		}()
	} else {
		a.logger.Info().Msg("worker disabled by configuration")
	}

	if a.watcher != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.watcher.Watch(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("tenants watcher stopped")
			}
		}()
	}
}

func (a *App) Wait() {
	a.wg.Wait()
}

// Run serves HTTP and runs background work until ctx is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", ":"+a.config.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	workCtx, stopWork := context.WithCancel(ctx)
	defer stopWork()
	a.StartBackground(workCtx)

	errChan := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", listener.Addr().String()).Msg("api listening")
		errChan <- server.Serve(listener)
	}()
	if a.options.onReady != nil {
		a.options.onReady(listener.Addr().String())
	}

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info().Msg("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.config.ShutdownTimeout)
	defer cancel()

	// Observers get a close frame before the server stops accepting, so they reconnect elsewhere.
	a.hub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("graceful shutdown failed")
	}

	stopWork()
	done := make(chan struct{})
	go func() {
		a.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		a.logger.Warn().Msg("background work did not stop before the shutdown timeout")
	}
	return serveErr
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) setupRepository(ctx context.Context) error {
	switch {
	case a.config.DatabaseURL != "":
		pg, err := repository.NewPostgresJobsRepository(ctx, a.config.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		a.jobs, a.audience = pg, pg.Audience()
		a.logger.Info().Msg("postgres repository initialized")
	case a.config.SQLitePath != "":
		store, err := repository.OpenSQLite(ctx, a.config.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		a.jobs, a.audience = store, store
		a.logger.Info().Str("path", a.config.SQLitePath).Msg("sqlite repository initialized")
	default:
		a.jobs, a.audience = repository.NewMemoryJobsRepository(), repository.NewMemoryAudienceRepository()
		a.logger.Warn().Msg("DATABASE_URL and SQLITE_PATH not configured, using in-memory repository")
	}
	return a.registry.Register("store", registry.CheckFunc(a.jobs.Ping), true)
}

func (a *App) setupRedis(ctx context.Context) error {
	if a.config.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.config.RedisAddr,
		Password: a.config.RedisPassword,
		DB:       a.config.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis ping: %w", err)
	}
	a.redis = client
	a.closers = append(a.closers, func() { _ = client.Close() })
	return a.registry.Register("redis", registry.CheckFunc(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}), true)
}

func (a *App) setupBus(ctx context.Context) error {
	a.local = eventbus.NewMemory(a.config.BusBuffer, a.logger)
	a.closers = append(a.closers, a.local.Close)
	a.bus = a.local
	if a.redis == nil {
		return nil
	}

	bridge := eventbus.NewRedisBridge(a.local, a.redis, eventbus.RedisConfig{
		ChannelPrefix: a.config.RedisChannelPrefix,
		Buffer:        a.config.BusBuffer,
	}, a.logger)
	if err := bridge.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("event bus bridge: %w", err)
	}
	a.closers = append(a.closers, bridge.Close)
	a.bridge = bridge
	a.bus = bridge
	return a.registry.Register("event_bus", registry.CheckFunc(bridge.Ping), false)
}

func (a *App) setupLocker() (lock.Locker, error) {
	switch a.config.LockBackend {
	case "", "store":
		return lock.NewStoreLocker(a.jobs), nil
	case "redis":
		if a.redis == nil {
			return nil, errors.New("LOCK_BACKEND=redis requires REDIS_ADDR")
		}
		return lock.NewRedisLocker(a.redis, a.config.RedisLockPrefix), nil
	default:
		return nil, fmt.Errorf("unknown LOCK_BACKEND %q", a.config.LockBackend)
	}
}

func (a *App) setupTenants() error {
	if a.config.TenantsFile == "" {
		a.logger.Warn().Msg("TENANTS_FILE not configured, every tenant uses the default rate and has no bot")
		return nil
	}
	a.watcher = config.NewTenantsWatcher(a.config.TenantsFile, a.applyTenants, a.logger)
	if err := a.watcher.Load(); err != nil {
		return fmt.Errorf("load tenants: %w", err)
	}
	return nil
}

// applyTenants installs a validated tenants file: rates, bot tokens and admin chats.
func (a *App) applyTenants(file *config.TenantsFile) {
	for _, tenant := range file.Tenants {
		ratePerSecond := a.config.DefaultTenantRate
		if tenant.RatePerSecond != nil {
			ratePerSecond = *tenant.RatePerSecond
		}
		if err := a.limiter.Configure(tenant.ID, ratePerSecond); err != nil {
			a.logger.Error().Err(err).Str("tenant_id", tenant.ID).Msg("tenant rate rejected, sends will fail until fixed")
		}
		if a.telegram != nil {
			if err := a.telegram.SetToken(tenant.ID, tenant.BotToken); err != nil {
				a.logger.Error().Err(err).Str("tenant_id", tenant.ID).Msg("tenant bot token rejected")
			}
		}
	}

	for _, removed := range a.directory.Replace(file.Tenants) {
		_ = a.limiter.Configure(removed, a.config.DefaultTenantRate)
		if a.telegram != nil {
			_ = a.telegram.SetToken(removed, "")
		}
		a.logger.Info().Str("tenant_id", removed).Msg("tenant removed")
	}
	a.logger.Info().Int("tenants", len(file.Tenants)).Msg("tenants applied")
}
