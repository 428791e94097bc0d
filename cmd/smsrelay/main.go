package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/LeventeLantos/sms-autoreply/internal/api"
	"github.com/LeventeLantos/sms-autoreply/internal/cache"
	"github.com/LeventeLantos/sms-autoreply/internal/client"
	"github.com/LeventeLantos/sms-autoreply/internal/config"
	"github.com/LeventeLantos/sms-autoreply/internal/eventlog"
	"github.com/LeventeLantos/sms-autoreply/internal/filter"
	"github.com/LeventeLantos/sms-autoreply/internal/ingest"
	applog "github.com/LeventeLantos/sms-autoreply/internal/logger"
	"github.com/LeventeLantos/sms-autoreply/internal/model"
	"github.com/LeventeLantos/sms-autoreply/internal/repo"
	"github.com/LeventeLantos/sms-autoreply/internal/retry"
	"github.com/LeventeLantos/sms-autoreply/internal/scheduler"
	"github.com/LeventeLantos/sms-autoreply/internal/service"
)

const shutdownTimeout = 15 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := applog.New(cfg.Log.Env, cfg.Log.Level)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("smsrelay exited with error")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().
		Str("addr", cfg.Server.Address).
		Dur("interval", cfg.Loop.Interval).
		Dur("min_age", cfg.Loop.MinAge).
		Bool("postgres", cfg.Store.PostgresURL != "").
		Bool("redis", cfg.Redis.Enabled).
		Bool("nats", cfg.NATS.Enabled).
		Msg("smsrelay starting")

	stores, closeStores, err := openStores(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	settings, err := repo.EnsureSettings(ctx, stores.Settings, defaultSettings(cfg))
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	logger.Info().
		Str("device_id", settings.DeviceID).
		Str("api_url", settings.APIURL).
		Bool("auto_sync", settings.EnableAutoSync).
		Msg("settings loaded")

	var (
		outcomes service.OutcomeCache = cache.Nop{}
		dedupe   ingest.Deduper       = cache.Nop{}
	)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		rc := cache.NewRedisCache(rdb, cfg.Redis.TTL)
		outcomes, dedupe = rc, rc
	}

	events := eventlog.New(stores.Events, logger)
	exec := retry.New(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay, events, logger)
	logger.Info().Int("max_attempts", exec.MaxAttempts()).Dur("base_delay", cfg.Retry.BaseDelay).Msg("retry policy")

	proc := service.NewProcessor(
		stores.Messages,
		filter.NewPolicy(stores.Settings, stores.Filters),
		client.NewAPIGateway(cfg.API.URL, cfg.API.Timeout).WithSettings(stores.Settings),
		client.NewSMSGateway(cfg.SMS.GatewayURL, cfg.SMS.Timeout, logger),
		exec,
		events,
		logger,
	).WithCache(outcomes)

	scanner := service.NewScanner(stores.Messages, proc, cfg.Loop.MinAge, cfg.Loop.StaleProcessing, logger)
	if _, err := scanner.Recover(ctx); err != nil {
		logger.Warn().Err(err).Msg("startup recovery failed")
	}

	sched, err := scheduler.New(cfg.Loop.Interval, scanner.Tick,
		scheduler.WithCooldown(cfg.Loop.ErrorCooldown),
		scheduler.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	inbox := ingest.New(stores.Messages, cfg.Ingest.QueueSize, events, logger).WithDeduper(dedupe)
	ingestCtx, stopIngest := context.WithCancel(context.WithoutCancel(ctx))
	ingestDone := make(chan struct{})
	go func() {
		defer close(ingestDone)
		inbox.Run(ingestCtx)
	}()

	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name("smsrelay"))
		if err != nil {
			stopIngest()
			<-ingestDone
			return fmt.Errorf("nats connect: %w", err)
		}
		if _, err := ingest.Subscribe(nc, cfg.NATS.Subject, inbox); err != nil {
			nc.Close()
			stopIngest()
			<-ingestDone
			return err
		}
	}

	sched.Start()

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(logger, api.Router(api.NewHandler(sched, stores, inbox))),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	if nc != nil {
		if err := nc.Drain(); err != nil {
			logger.Warn().Err(err).Msg("nats drain")
		}
	}
	sched.Stop()
	stopIngest()
	<-ingestDone

	logger.Info().Msg("smsrelay stopped")
	return runErr
}

func openStores(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (api.Stores, func(), error) {
	if cfg.PostgresURL == "" {
		logger.Warn().Msg("POSTGRES_URL not set, using in-memory store")
		mem := repo.NewMemoryStore()
		return api.Stores{Messages: mem, Events: mem, Filters: mem, Settings: mem}, func() {}, nil
	}

	db, err := sql.Open("pgx", cfg.PostgresURL)
	if err != nil {
		return api.Stores{}, nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return api.Stores{}, nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := repo.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return api.Stores{}, nil, err
	}

	stores := api.Stores{
		Messages: repo.NewPostgresMessageRepo(db),
		Events:   repo.NewPostgresEventRepo(db),
		Filters:  repo.NewPostgresFilterRepo(db),
		Settings: repo.NewPostgresSettingsRepo(db),
	}
	return stores, func() { _ = db.Close() }, nil
}

func defaultSettings(cfg *config.Config) model.Settings {
	return model.Settings{
		APIURL:       cfg.API.URL,
		UseAllowlist: cfg.Filters.Mode == config.FilterModeAllow,
		UseBlocklist: cfg.Filters.Mode == config.FilterModeBlock,
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func loggingMiddleware(logger zerolog.Logger, next http.Handler) http.Handler {
	logger = logger.With().Str("component", "http").Logger()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r)

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Int("bytes", rec.bytes).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}
