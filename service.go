package stockcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/karloscodes/stockcast/cache"
	"github.com/karloscodes/stockcast/config"
	"github.com/karloscodes/stockcast/database"
	"github.com/karloscodes/stockcast/forecast"
	"github.com/karloscodes/stockcast/inventory"
	"github.com/karloscodes/stockcast/logging"
	"github.com/karloscodes/stockcast/metrics"
	"github.com/karloscodes/stockcast/postgres"
	"github.com/karloscodes/stockcast/refresh"
	"github.com/karloscodes/stockcast/scheduler"
	"github.com/karloscodes/stockcast/sqlite"
)

// Service wires configuration, storage, the forecast cache, the refresh
// orchestrator and the background scheduler together.
type Service struct {
	Config       *config.Config
	Logger       *slog.Logger
	Settings     *config.Store
	DB           *database.Manager
	Cache        *cache.Cache
	Orchestrator *refresh.Orchestrator
	Scheduler    *scheduler.Scheduler
	Sales        *inventory.SalesRepository
	Inventory    *inventory.StateRepository
	Advisor      *inventory.Advisor
	Metrics      *metrics.Metrics

	redis redis.UniversalClient
}

// Option configures a Service.
type Option func(*serviceConfig)

type serviceConfig struct {
	logger           *slog.Logger
	registerer       prometheus.Registerer
	clock            func() time.Time
	redis            redis.UniversalClient
	recomputeTimeout time.Duration
	schedulerOpts    []scheduler.Option
}

// WithLogger replaces the logger built from the configuration.
func WithLogger(logger *slog.Logger) Option {
	return func(c *serviceConfig) {
		c.logger = logger
	}
}

// WithRegisterer registers Prometheus metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *serviceConfig) {
		c.registerer = reg
	}
}

// WithClock overrides the time source for freshness and forecasting.
func WithClock(clock func() time.Time) Option {
	return func(c *serviceConfig) {
		c.clock = clock
	}
}

// WithRedisClient supplies the client for the redis cache backend instead of
// dialing the configured address.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(c *serviceConfig) {
		c.redis = client
	}
}

// WithRecomputeTimeout bounds every recompute.
func WithRecomputeTimeout(d time.Duration) Option {
	return func(c *serviceConfig) {
		c.recomputeTimeout = d
	}
}

// WithSchedulerOptions passes options through to the scheduler.
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(c *serviceConfig) {
		c.schedulerOpts = append(c.schedulerOpts, opts...)
	}
}

// Open loads the configuration for appName and builds a Service.
func Open(appName string, opts ...Option) (*Service, error) {
	cfg, err := config.Load(appName)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return New(cfg, opts...)
}

// New builds a Service from cfg. It connects to the database and, for the
// database backend, creates the cache table. Call Migrate before use and
// Close when done.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	sc := &serviceConfig{clock: time.Now}
	for _, opt := range opts {
		opt(sc)
	}

	logger := sc.logger
	if logger == nil {
		logger = logging.New(logging.ConfigFrom(cfg))
	}

	s := &Service{
		Config:   cfg,
		Logger:   logger,
		Settings: config.NewStore(cfg.Cache, cfg.Forecast),
		Metrics:  metrics.New(sc.registerer),
	}

	s.DB = database.NewManager(driverFor(cfg.DatabaseDriver),
		database.DefaultConfig(cfg.DatabaseDSN()).WithPool(cfg.GetMaxOpenConns(), cfg.GetMaxIdleConns()),
		logger.With(slog.String("component", "database")))
	db, err := s.DB.Connect()
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	persister, err := s.persister(cfg, sc)
	if err != nil {
		_ = s.DB.Close()
		return nil, err
	}

	cacheOpts := []cache.Option{
		cache.WithCapacity(cfg.CacheCapacity),
		cache.WithClock(sc.clock),
		cache.WithLogger(logger.With(slog.String("component", "cache"))),
	}
	if persister != nil {
		cacheOpts = append(cacheOpts, cache.WithPersister(persister))
	}
	s.Cache = cache.New(cacheOpts...)

	s.Sales = inventory.NewSalesRepository(db, logger)
	s.Inventory = inventory.NewStateRepository(db, logger)
	recomputer := inventory.NewRecomputer(s.Sales, s.Settings, sc.clock, logger)

	refreshOpts := []refresh.Option{
		refresh.WithLogger(logger.With(slog.String("component", "refresh"))),
		refresh.WithMetrics(s.Metrics),
		refresh.WithClock(sc.clock),
	}
	if sc.recomputeTimeout > 0 {
		refreshOpts = append(refreshOpts, refresh.WithTimeout(sc.recomputeTimeout))
	}
	s.Orchestrator = refresh.New(s.Cache, recomputer, s.Settings, refreshOpts...)
	s.Advisor = inventory.NewAdvisor(s.Orchestrator, s.Inventory, s.Settings, sc.clock)

	schedOpts := append([]scheduler.Option{
		scheduler.WithLogger(logger.With(slog.String("component", "scheduler"))),
		scheduler.WithMetrics(s.Metrics),
	}, sc.schedulerOpts...)
	s.Scheduler = scheduler.New(s.Orchestrator, s.Settings, schedOpts...)

	s.Settings.OnChange(func(config.CacheRefreshSettings) {
		if err := s.Scheduler.Reload(); err != nil {
			logger.Error("failed to apply new refresh settings", slog.Any("error", err))
		}
	})
	return s, nil
}

func driverFor(name string) database.Driver {
	if name == config.DriverPostgres {
		return postgres.NewDriver()
	}
	return sqlite.NewDriver()
}

func (s *Service) persister(cfg *config.Config, sc *serviceConfig) (cache.Persister, error) {
	switch cfg.CacheBackend {
	case config.BackendDatabase:
		db, err := s.DB.Connect()
		if err != nil {
			return nil, err
		}
		store, err := cache.NewDatabaseStore(db)
		if err != nil {
			return nil, fmt.Errorf("create cache table: %w", err)
		}
		return store, nil
	case config.BackendRedis:
		client := sc.redis
		if client == nil {
			client = redis.NewClient(&redis.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			s.redis = client
		}
		return cache.NewRedisStore(client, ""), nil
	default:
		return nil, nil
	}
}

// Migrate creates or updates the sales, inventory and cache tables.
func (s *Service) Migrate(ctx context.Context) error {
	models := append(inventory.Models(), &cache.EntryRecord{})
	return s.DB.Migrate(ctx, database.NewAutoMigrator(models...))
}

// Start restores persisted forecasts and starts the background scheduler.
// A failed restore is logged and the cache starts empty.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.Cache.Load(ctx); err != nil {
		s.Logger.Warn("could not restore forecast cache", slog.Any("error", err))
	}
	s.Metrics.Entries(s.Cache.Len())
	return s.Scheduler.Start()
}

// Run starts the service and blocks until ctx is done, then closes it.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Logger.Info("shutting down")
	return s.Close()
}

// Close stops the scheduler and releases the Redis and database connections.
func (s *Service) Close() error {
	s.Scheduler.Stop()

	var errs []error
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if err := s.DB.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Forecast returns the best available forecast for key.
func (s *Service) Forecast(ctx context.Context, key cache.Key) refresh.Outcome {
	if key.Method == "" {
		key.Method = s.Settings.ForecastDefaults().Method
	}
	return s.Orchestrator.Resolve(ctx, key)
}

// Suggest returns a reorder suggestion for a product.
func (s *Service) Suggest(ctx context.Context, productID, locationID string, horizon forecast.Horizon) (inventory.Advice, error) {
	return s.Advisor.Suggest(ctx, productID, locationID, horizon)
}

// Prewarm fills the cache for productIDs. With the database backend the
// write-ahead log is checkpointed afterwards.
func (s *Service) Prewarm(ctx context.Context, productIDs []string) scheduler.PrewarmReport {
	report := s.Scheduler.Prewarm(ctx, productIDs)
	if s.Config.CacheBackend == config.BackendDatabase && report.Succeeded > 0 {
		if err := s.DB.CheckpointWAL("PASSIVE"); err != nil {
			s.Logger.Warn("checkpoint after prewarm failed", slog.Any("error", err))
		}
	}
	return report
}

// RecordSales stores sales and drops the cached forecasts of the affected products.
func (s *Service) RecordSales(ctx context.Context, events ...forecast.SalesEvent) error {
	if err := s.Sales.RecordSales(ctx, events...); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, e := range events {
		if seen[e.ProductID] {
			continue
		}
		seen[e.ProductID] = true
		if _, err := s.Cache.Invalidate(ctx, e.ProductID); err != nil {
			s.Logger.Warn("cache invalidation not persisted", slog.String("product_id", e.ProductID), slog.Any("error", err))
		}
	}
	return nil
}
