package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/i2y/toolgate/configs"
	"github.com/i2y/toolgate/internal/adapter/inbound/httpapi"
	"github.com/i2y/toolgate/internal/adapter/inbound/mcpserver"
	"github.com/i2y/toolgate/internal/adapter/outbound/httpinvoker"
	"github.com/i2y/toolgate/internal/adapter/outbound/memrepo"
	"github.com/i2y/toolgate/internal/adapter/outbound/openapi"
	"github.com/i2y/toolgate/internal/adapter/outbound/origin"
	"github.com/i2y/toolgate/internal/adapter/outbound/sqlstore"
	"github.com/i2y/toolgate/internal/cache"
	"github.com/i2y/toolgate/internal/metering"
	"github.com/i2y/toolgate/internal/policy"
	"github.com/i2y/toolgate/internal/queue"
	"github.com/i2y/toolgate/internal/ratelimit"
	"github.com/i2y/toolgate/internal/schema"
	"github.com/i2y/toolgate/internal/telemetry"
	"github.com/i2y/toolgate/internal/usecase"
)

const housekeepingInterval = time.Minute

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides GATEWAY_LISTEN_ADDR)")
	rootCmd.AddCommand(serveCmd)
}

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Load the gateway config, publish the configured deployments and serve
the HTTP API, the admin API and the MCP transport on one listener.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := configs.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if serveAddr != "" {
		cfg.ListenAddr = serveAddr
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, rootCmd.Version, logger)
}

// stores groups the backends selected by the config.
type stores struct {
	deployments usecase.DeploymentRepository
	consumers   usecase.ConsumerStore
	sink        metering.Sink
	limiter     ratelimit.Limiter
	cache       cache.Store
	queue       queue.Queue
	dlq         queue.DeadLetterQueue

	closers []func() error
}

func (s *stores) close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// openStores connects redis and the database when configured and falls back
// to in-process backends otherwise. Background housekeeping runs on bg.
func openStores(ctx, bg context.Context, wg *sync.WaitGroup, cfg *configs.Config, logger *slog.Logger) (*stores, error) {
	s := &stores{}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		s.closers = append(s.closers, rdb.Close)
		logger.Info("Connected to redis", slog.String("addr", cfg.RedisAddr))
	}

	if rdb != nil {
		approx := ratelimit.NewApproximateLimiter(rdb, logger)
		s.limiter = ratelimit.NewRouter(ratelimit.NewRedisLimiter(rdb), approx)
		s.cache = cache.NewRedisStore(rdb, "toolgate:cache:")
		wg.Add(1)
		go func() {
			defer wg.Done()
			approx.Run(bg, cfg.ApproximateFlushInterval)
		}()
	} else {
		mem := ratelimit.NewMemoryLimiter(nil)
		memCache := cache.NewMemoryStore(cfg.CacheCapacity, nil)
		s.limiter = ratelimit.NewRouter(mem, nil)
		s.cache = memCache
		wg.Add(1)
		go func() {
			defer wg.Done()
			housekeep(bg, mem, memCache, logger)
		}()
	}

	qcfg := queue.DefaultConfig("usage")
	qcfg.Capacity = cfg.QueueCapacity
	if cfg.QueueBackend == "redis" {
		s.queue = queue.NewRedisQueue(rdb, qcfg)
		s.dlq = queue.NewRedisDeadLetterQueue(rdb, qcfg)
	} else {
		q := queue.NewMemoryQueue(qcfg)
		dlq := queue.NewMemoryDeadLetterQueue()
		s.queue, s.dlq = q, dlq
		s.closers = append(s.closers, q.Close, dlq.Close)
	}

	if cfg.DatabaseDriver == "" {
		logger.Warn("No database configured; deployments and consumers are kept in memory and usage is only logged")
		s.deployments = memrepo.NewDeploymentRepository(logger)
		s.consumers = memrepo.NewConsumerStore(logger)
		s.sink = metering.NewLogSink(logger)
		return s, nil
	}

	dbCfg := sqlstore.DefaultConfig()
	dbCfg.Driver = cfg.DatabaseDriver
	dbCfg.DSN = cfg.DatabaseDSN
	db, err := sqlstore.Open(ctx, dbCfg)
	if err != nil {
		return nil, errors.Join(err, s.close())
	}
	s.closers = append(s.closers, db.Close)
	s.deployments = sqlstore.NewDeploymentRepository(db)
	s.consumers = sqlstore.NewConsumerStore(db)
	s.sink = sqlstore.NewLedger(db)
	logger.Info("Database opened", slog.String("driver", cfg.DatabaseDriver))
	return s, nil
}

func housekeep(ctx context.Context, limiter *ratelimit.MemoryLimiter, store *cache.MemoryStore, logger *slog.Logger) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Sweep(24 * time.Hour)
			if n := store.CleanupExpired(); n > 0 {
				logger.Debug("Expired cache entries removed", slog.Int("count", n))
			}
		}
	}
}

// originClients returns the client for tool calls and the client for
// document fetches. Tool calls carry no client timeout: each dispatch is
// bounded by its deployment's origin timeout or the engine default.
func originClients(cfg *configs.Config) (invoke, fetch *http.Client) {
	return &http.Client{}, &http.Client{Timeout: cfg.OriginTimeout}
}

func watchMeteringErrors(ctx context.Context, meter *metering.Meter, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-meter.Errors():
			n := 1
			var derr *metering.DeliveryError
			if errors.As(err, &derr) {
				n = len(derr.Records)
			}
			telemetry.MeteringFailures.Add(float64(n))
			logger.Error("Usage delivery failed", slog.Int("records", n), slog.Any("error", err))
		}
	}
}

func serve(ctx context.Context, cfg *configs.Config, version string, logger *slog.Logger) error {
	shutdownTracing, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		Endpoint:    cfg.OtelExporterOtlpEndpoint,
		Insecure:    cfg.OtelExporterOtlpInsecure,
		ServiceName: "toolgate",
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("Failed to shut down tracing", slog.Any("error", err))
		}
	}()

	// Background workers outlive ctx so that in-flight requests can still
	// record usage while the listener drains.
	bg, stopBackground := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	st, err := openStores(ctx, bg, &wg, cfg, logger)
	if err != nil {
		stopBackground()
		wg.Wait()
		return err
	}
	defer func() {
		if err := st.close(); err != nil {
			logger.Error("Failed to close stores", slog.Any("error", err))
		}
	}()
	// Workers stop before the stores close so the meter can drain.
	defer func() {
		stopBackground()
		wg.Wait()
	}()

	consumers, keys := cfg.DomainConsumers()
	for _, c := range consumers {
		if err := st.consumers.Save(ctx, c, keys[c.ID]); err != nil {
			return fmt.Errorf("failed to seed consumer %q: %w", c.ID, err)
		}
	}
	logger.Info("Consumers seeded", slog.Int("count", len(consumers)))

	meter := metering.New(st.queue, st.dlq, st.sink, metering.Config{
		BatchSize:    cfg.MeteringBatchSize,
		BatchTimeout: cfg.MeteringBatchTimeout,
		MaxRetries:   cfg.MeteringMaxRetries,
		RetryBackoff: cfg.MeteringRetryBackoff,
	}, logger)
	wg.Add(2)
	go func() {
		defer wg.Done()
		meter.Run(bg)
	}()
	go func() {
		defer wg.Done()
		watchMeteringErrors(bg, meter, logger)
	}()

	invokeClient, fetchClient := originClients(cfg)
	factory := origin.NewFactory(
		httpinvoker.New(invokeClient, logger),
		openapi.NewFetcher(fetchClient, logger),
		openapi.NewGenerator(logger),
		logger,
	)
	registry := usecase.NewAdapterRegistry(factory, logger)
	defer func() {
		if err := registry.Close(); err != nil {
			logger.Error("Failed to close origin adapters", slog.Any("error", err))
		}
	}()
	schemas := schema.NewCache()

	engineCfg := policy.DefaultConfig()
	engineCfg.DispatchTimeout = cfg.OriginTimeout
	engineCfg.RefreshTimeout = cfg.OriginTimeout
	engineCfg.LeaseWait = cfg.CacheLeaseWait
	engine := policy.NewEngine(st.consumers, st.limiter, st.cache, meter, engineCfg, logger)
	defer engine.Wait()

	buildUC := usecase.NewBuildDeploymentUseCase(factory, st.deployments, registry, schemas, logger)
	invokeUC := usecase.NewInvokeToolUseCase(st.deployments, registry, schemas, engine, logger)
	toolsUC := usecase.NewServeToolsUseCase(st.deployments, logger)

	deploymentCfgs, err := configs.LoadDeploymentFiles(cfg.DeploymentFiles)
	if err != nil {
		return err
	}
	logger.Info("Publishing configured deployments", slog.Int("count", len(deploymentCfgs)))
	if err := buildUC.SyncConfigured(ctx, deploymentCfgs); err != nil {
		logger.Error("Some deployments failed to publish. Startup continues; their tools are not served.", slog.Any("error", err))
	}

	mcpSrv := mcpserver.New(invokeUC, toolsUC, version, logger)
	if err := mcpSrv.Sync(ctx); err != nil {
		logger.Error("Failed to register MCP tools", slog.Any("error", err))
	}

	api := httpapi.NewServer(invokeUC, toolsUC, buildUC, httpapi.Config{
		AdminToken: cfg.AdminToken,
		BaseDomain: cfg.BaseDomain,
	}, logger)
	api.SetMCPHandler(mcpSrv.Handler(""))
	api.SetUsageAdmin(meter)
	api.OnPublish(func(ctx context.Context) {
		if err := mcpSrv.Sync(ctx); err != nil {
			logger.Error("Failed to refresh MCP tools", slog.Any("error", err))
		}
	})
	if cfg.AdminToken == "" {
		logger.Warn("GATEWAY_ADMIN_TOKEN not set; admin API disabled")
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.Handler(),
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  cfg.ServerIdleTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", slog.String("address", cfg.ListenAddr), slog.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server graceful shutdown failed", slog.Any("error", err))
	}
	logger.Info("HTTP server stopped")
	return nil
}
