package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldsync/internal/api"
	"fieldsync/internal/config"
	"fieldsync/internal/database"
	"fieldsync/internal/domain"
	"fieldsync/internal/events"
	"fieldsync/internal/logging"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"
	"fieldsync/internal/network"
	"fieldsync/internal/notify"
	"fieldsync/internal/queue"
	"fieldsync/internal/reconcile"
	"fieldsync/internal/remote"
	"fieldsync/internal/repository"
	"fieldsync/internal/service"
	"fieldsync/internal/worker"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

// storage bundles the persistence backends selected by config.
type storage struct {
	store  domain.Store
	assets domain.AssetRepository
	db     *database.DB
	redis  *redis.Client
	ready  api.ReadyFunc
}

func (s *storage) Close() {
	if s.redis != nil {
		_ = repository.Close(s.redis)
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := initStorage(ctx, cfg, &logger)
	if err != nil {
		return err
	}
	defer st.Close()

	startMetrics(ctx, cfg, &logger)

	if st.db != nil {
		backup := database.NewBackupService(st.db, cfg.Backup, logging.Component(&logger, "backup"))
		go backup.Start(ctx)
	}

	eventBus := events.NewEventBus(logging.Component(&logger, "events"))
	startNotifier(ctx, cfg, eventBus, &logger)

	monitor := network.NewMonitor(cfg.Network.Debounce, logging.Component(&logger, "network"))
	if cfg.Network.ProbeAddress != "" {
		prober := network.TCPProber(cfg.Network.ProbeAddress, cfg.Network.ProbeTimeout)
		go monitor.Run(ctx, prober, cfg.Network.ProbeInterval)
	} else {
		logger.Warn().Msg("network.probe_address not set, assuming connectivity")
		monitor.Observe(models.NetworkState{IsConnected: true, Type: models.DefaultNetworkType})
	}

	apply, err := initApply(cfg, &logger)
	if err != nil {
		return err
	}

	q := queue.New(st.store, logging.Component(&logger, "queue"), queue.WithHistoryLimit(cfg.Sync.HistoryLimit))
	if err := q.Load(ctx); err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	opts := []worker.Option{worker.WithEvents(eventBus)}
	if st.redis != nil {
		opts = append(opts, worker.WithDeadLetters(repository.NewDeadLetterQueue(st.redis, cfg.Sync.DeadLetterKey)))
	}
	processor := worker.NewProcessor(q, st.store, monitor, apply, cfg.Sync, logging.Component(&logger, "processor"), opts...)
	if err := processor.LoadMetadata(ctx); err != nil {
		return fmt.Errorf("load sync metadata: %w", err)
	}

	reconciler := reconcile.New(st.assets, logging.Component(&logger, "reconcile"))
	if err := reconciler.Load(ctx); err != nil {
		return fmt.Errorf("load assets: %w", err)
	}
	if err := seedAssets(ctx, cfg.Seed.AssetsPath, reconciler, &logger); err != nil {
		return err
	}

	svc := service.NewSyncService(q, processor, monitor, reconciler, eventBus, cfg.Sync, logging.Component(&logger, "service"))
	defer svc.Close()
	svc.RestoreViews()

	go processor.Start(ctx)

	logger.Info().
		Int("queue_size", q.Size()).
		Str("storage", cfg.Storage.Driver).
		Bool("connected", monitor.CurrentState().IsConnected).
		Msg("sync daemon started")

	if !cfg.API.Enabled {
		<-ctx.Done()
		processor.Abort()
		logger.Info().Msg("sync daemon stopped")
		return nil
	}

	httpServer := api.NewHTTPServer(&cfg.API, svc, st.ready, logging.Component(&logger, "http"))
	return serveHTTP(ctx, httpServer, processor, cfg, &logger)
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "syncd").Logger()

	return cfg, logger, closer, nil
}

func initStorage(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*storage, error) {
	st := &storage{}

	if cfg.Storage.Driver != config.StorageRedis {
		db, err := database.NewDB(cfg.Storage.SQLitePath, logging.Component(logger, "sqlite"))
		if err != nil {
			logger.Error().Err(err).Str("db_path", cfg.Storage.SQLitePath).Msg("init database")
			return nil, err
		}
		st.db = db
	}

	if cfg.Redis.Address != "" {
		st.redis = initRedis(ctx, cfg, logger)
	}

	switch cfg.Storage.Driver {
	case config.StorageSQLite:
		st.store, st.assets, st.ready = st.db, st.db, st.db.Ping
	case config.StorageRedis:
		if st.redis == nil {
			return nil, errors.New("redis storage selected but redis is unreachable")
		}
		rs := repository.NewRedisStore(st.redis, cfg.Storage.RedisPrefix)
		client := st.redis
		st.store, st.assets = rs, rs
		st.ready = func(ctx context.Context) error { return repository.Ping(ctx, client) }
	case config.StorageFailover:
		st.assets, st.ready = st.db, st.db.Ping
		if st.redis == nil {
			logger.Warn().Msg("redis unreachable, failover store running on sqlite only")
			st.store = st.db
			break
		}
		primary := repository.NewRedisStore(st.redis, cfg.Storage.RedisPrefix)
		st.store = repository.NewFailoverStore(primary, st.db, cfg.Storage.FailoverCooldown, logging.Component(logger, "failover"))
	default:
		st.Close()
		return nil, fmt.Errorf("unknown storage driver: %q", cfg.Storage.Driver)
	}

	return st, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	client := repository.NewRedisClient(cfg.Redis)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := repository.Ping(pingCtx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

func initApply(cfg *config.Config, logger *zerolog.Logger) (domain.ApplyFunc, error) {
	if cfg.Remote.BaseURL == "" {
		logger.Warn().Msg("remote.base_url not set, operations will stay queued")
		return func(ctx context.Context, item models.QueueItem) (json.RawMessage, error) {
			return nil, domain.Retryable(errors.New("remote endpoint not configured"))
		}, nil
	}

	client, err := remote.NewClient(cfg.Remote, logging.Component(logger, "remote"))
	if err != nil {
		return nil, fmt.Errorf("init remote client: %w", err)
	}
	return client.Apply, nil
}

func startNotifier(ctx context.Context, cfg *config.Config, bus *events.EventBus, logger *zerolog.Logger) {
	tg := cfg.Notify.Telegram
	if !tg.Enabled {
		return
	}

	botAPI, err := tgbotapi.NewBotAPI(tg.BotToken)
	if err != nil {
		logger.Warn().Err(err).Msg("telegram init failed, continuing without alerts")
		return
	}

	notifier := notify.NewTelegramNotifier(botAPI, tg.ChatIDs, logging.Component(logger, "notify"))
	notifier.Subscribe(bus)
	go notifier.Run(ctx)
	logger.Info().Str("bot", botAPI.Self.UserName).Int("chats", len(tg.ChatIDs)).Msg("telegram alerts enabled")
}

func seedAssets(ctx context.Context, path string, reconciler *reconcile.Reconciler, logger *zerolog.Logger) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error().Err(err).Str("assets_path", path).Msg("read seed assets")
		return err
	}

	var seed struct {
		Assets []models.AssetSnapshot `yaml:"assets"`
	}
	if err := yaml.Unmarshal(data, &seed); err != nil {
		logger.Error().Err(err).Str("assets_path", path).Msg("parse seed assets")
		return err
	}

	n, err := reconciler.Seed(ctx, seed.Assets)
	if err != nil {
		return fmt.Errorf("seed assets: %w", err)
	}
	logger.Info().Int("seeded", n).Int("snapshots", len(seed.Assets)).Msg("asset snapshot loaded")
	return nil
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	metrics.Register()
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func serveHTTP(
	ctx context.Context,
	httpServer *api.HTTPServer,
	processor *worker.Processor,
	cfg *config.Config,
	logger *zerolog.Logger,
) error {
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	logger.Info().Int("http_port", cfg.API.HTTP.Port).Msg("API server started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	processor.Abort()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	logger.Info().Msg("sync daemon stopped")
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
