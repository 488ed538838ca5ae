package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	catalogservice "cardvault/internal/catalog/service"
	"cardvault/internal/events"
	exchangemetrics "cardvault/internal/exchange/metrics"
	gradingmetrics "cardvault/internal/grading/metrics"
	gradingservice "cardvault/internal/grading/service"
	"cardvault/internal/identity"
	instservice "cardvault/internal/instance/service"
	marketservice "cardvault/internal/market/service"
	"cardvault/internal/platform/config"
	"cardvault/internal/platform/kafka"
	"cardvault/internal/platform/postgres"
	platformredis "cardvault/internal/platform/redis"
	"cardvault/internal/ratelimit"
	"cardvault/internal/storage"
	"cardvault/internal/storage/memory"
	storagepg "cardvault/internal/storage/postgres"
	supplymetrics "cardvault/internal/supply/metrics"
	"cardvault/internal/supply/readmodel"
	supplyservice "cardvault/internal/supply/service"
	tradingservice "cardvault/internal/trading/service"
	httptransport "cardvault/internal/transport/http"
	walletservice "cardvault/internal/wallet/service"
	"cardvault/pkg/requestcontext"
)

const (
	topicPartitions  = 6
	topicReplication = 1
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

type application struct {
	router      http.Handler
	publisher   *events.Publisher
	storageKind string
	closers     []func()
}

func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// build connects infrastructure and assembles every service. Each concern
// with an empty URL falls back to its in-process implementation.
func build(ctx context.Context, cfg config.Config, log *slog.Logger) (*application, error) {
	app := &application{}
	checks := map[string]httptransport.HealthCheck{}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	backend, err := openStorage(ctx, cfg, log, checks)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, func() { _ = backend.Close() })
	app.storageKind = "memory"
	if cfg.Database.URL != "" {
		app.storageKind = "postgres"
	}
	repos := backend.Repos()

	cache, overrides, limits, err := openRedis(ctx, cfg, app, checks)
	if err != nil {
		app.close()
		return nil, err
	}

	sink, err := openSink(ctx, cfg, log, app, checks)
	if err != nil {
		app.close()
		return nil, err
	}
	app.publisher = events.NewPublisher(sink,
		events.WithLogger(log),
		events.WithMetrics(events.NewMetrics(reg)),
		events.WithBufferSize(cfg.Events.BufferSize),
		events.WithCircuitBreaker(events.NewCircuitBreaker(breakerThreshold, breakerCooldown)),
	)

	catalog := catalogservice.New(repos.Definitions, catalogservice.WithLogger(log))
	if cfg.CatalogFile != "" {
		defs, err := catalogservice.LoadFile(cfg.CatalogFile)
		if err != nil {
			app.close()
			return nil, err
		}
		if _, err := catalog.Import(requestcontext.WithTime(ctx, time.Now()), defs); err != nil {
			app.close()
			return nil, fmt.Errorf("import catalog %s: %w", cfg.CatalogFile, err)
		}
	}

	exchange := exchangemetrics.New(reg)
	supplyMetrics := supplymetrics.New(reg)
	supply := readmodel.New(repos.Definitions, repos.MintCounters, cache, overrides,
		readmodel.WithLogger(log),
		readmodel.WithMetrics(supplyMetrics),
		readmodel.WithTTL(cfg.Supply.CacheTTL),
	)

	services := httptransport.Services{
		Catalog:   catalog,
		Instances: instservice.New(backend, repos.Instances, instservice.WithLogger(log), instservice.WithEventPublisher(app.publisher)),
		Allocator: supplyservice.New(backend, repos.Definitions,
			supplyservice.WithLogger(log),
			supplyservice.WithEventPublisher(app.publisher),
			supplyservice.WithMetrics(supplyMetrics),
			supplyservice.WithCacheInvalidator(supply),
		),
		Supply: supply,
		Grading: gradingservice.New(backend, repos.Instances,
			gradingservice.WithLogger(log),
			gradingservice.WithEventPublisher(app.publisher),
			gradingservice.WithMetrics(gradingmetrics.New(reg)),
			gradingservice.WithWait(cfg.Grading.Wait),
		),
		Market: marketservice.New(backend, repos.Listings,
			marketservice.WithLogger(log),
			marketservice.WithEventPublisher(app.publisher),
			marketservice.WithMetrics(exchange),
		),
		Trading: tradingservice.New(backend, repos.Trades,
			tradingservice.WithLogger(log),
			tradingservice.WithEventPublisher(app.publisher),
			tradingservice.WithMetrics(exchange),
		),
		Wallet: walletservice.New(repos.Wallets, walletservice.WithLogger(log)),
	}

	tokens := identity.NewTokenService(cfg.Identity.SigningKey, cfg.Identity.Issuer, cfg.Identity.Audience)
	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	var routerOpts []httptransport.RouterOption
	if cfg.RateLimit.Requests > 0 {
		limiter := ratelimit.New(limits, cfg.RateLimit.Requests, cfg.RateLimit.Window, log,
			ratelimit.WithMetrics(ratelimit.NewMetrics(reg)))
		routerOpts = append(routerOpts, httptransport.WithRateLimit(limiter.PerUser))
	}
	app.router = httptransport.NewRouter(httptransport.New(services, log), tokens, metricsHandler, checks, routerOpts...)
	return app, nil
}

func openStorage(ctx context.Context, cfg config.Config, log *slog.Logger, checks map[string]httptransport.HealthCheck) (storage.Backend, error) {
	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if db == nil {
		log.Warn("DATABASE_URL not set; using in-memory storage")
		return memory.New(), nil
	}
	backend := storagepg.New(db, storagepg.WithTxTimeout(cfg.Database.TxTimeout))
	if err := backend.Migrate(ctx); err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	checks["postgres"] = db.PingContext
	return backend, nil
}

// openRedis backs the supply read model and the rate limiter. Without a URL
// both stay per-process.
func openRedis(ctx context.Context, cfg config.Config, app *application, checks map[string]httptransport.HealthCheck) (readmodel.Cache, readmodel.Overrides, ratelimit.Store, error) {
	client, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, nil, err
	}
	if client == nil {
		return readmodel.NewMemoryCache(), readmodel.NewMemoryOverrides(), ratelimit.NewMemoryStore(), nil
	}
	app.closers = append(app.closers, func() { _ = client.Close() })
	checks["redis"] = client.Health
	return readmodel.NewRedisCache(client), readmodel.NewRedisOverrides(client), ratelimit.NewRedisStore(client), nil
}

func openSink(ctx context.Context, cfg config.Config, log *slog.Logger, app *application, checks map[string]httptransport.HealthCheck) (events.Sink, error) {
	client, err := kafka.New(cfg.Kafka)
	if err != nil {
		return nil, err
	}
	if client == nil {
		log.Warn("KAFKA_BROKERS not set; events are written to the log")
		return events.NewLogSink(log), nil
	}
	app.closers = append(app.closers, client.Close)
	if err := client.EnsureTopic(ctx, topicPartitions, topicReplication); err != nil {
		return nil, err
	}
	checks["kafka"] = client.Health
	return events.NewKafkaSink(client), nil
}
