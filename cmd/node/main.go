package main

import (
	"context"
	"log"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/uhyunpark/orderflow/params"
	"github.com/uhyunpark/orderflow/pkg/api"
	"github.com/uhyunpark/orderflow/pkg/events"
	"github.com/uhyunpark/orderflow/pkg/gateway"
	"github.com/uhyunpark/orderflow/pkg/pipeline"
	"github.com/uhyunpark/orderflow/pkg/queue"
	"github.com/uhyunpark/orderflow/pkg/quote"
	"github.com/uhyunpark/orderflow/pkg/relay"
	"github.com/uhyunpark/orderflow/pkg/router"
	"github.com/uhyunpark/orderflow/pkg/storage"
	"github.com/uhyunpark/orderflow/pkg/storage/postgres"
	"github.com/uhyunpark/orderflow/pkg/storage/postgres/migrations"
	"github.com/uhyunpark/orderflow/pkg/util"
)

// records groups the stores that hold order state. With DATABASE_URL set they
// live in Postgres; otherwise the pebble store serves all of them.
type records struct {
	orders storage.OrderStore
	log    events.Log
	ledger router.Ledger
	close  func()
}

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	logger, err := util.NewLoggerWithFile(cfg.LogFile, cfg.Verbose)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.LogFile, "verbose", cfg.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := util.RealClock{}

	// ---- Storage ----
	kv, err := storage.NewPebbleStore(filepath.Join(cfg.Storage.DataDir, "pebble"))
	if err != nil {
		sugar.Fatalw("pebble_open_failed", "dir", cfg.Storage.DataDir, "err", err)
	}
	defer kv.Close()
	kv.SetLogger(sugar.Named("pebble"))

	rec, err := openRecords(ctx, cfg.Storage, kv, sugar)
	if err != nil {
		sugar.Fatalw("storage_init_failed", "err", err)
	}
	defer rec.close()

	// ---- Providers + Router ----
	set, err := quote.LoadSet(cfg.Pipeline.ProvidersFile)
	if err != nil {
		sugar.Fatalw("provider_set_invalid", "file", cfg.Pipeline.ProvidersFile, "err", err)
	}
	seed := uint64(time.Now().UnixNano())
	if cfg.Pipeline.HasProviderSeed {
		seed = cfg.Pipeline.ProviderSeed
	}
	providers := quote.Build(set, quote.NewSeededRand(seed), clock)

	rt, err := router.New(providers, rec.ledger, router.Config{
		QuoteTimeout:  cfg.Pipeline.QuoteTimeout,
		SettleTimeout: cfg.Pipeline.SettleTimeout,
	}, sugar.Named("router"))
	if err != nil {
		sugar.Fatalw("router_init_failed", "err", err)
	}
	sugar.Infow("providers_registered", "providers", rt.Providers(), "seed", seed)

	// ---- Queue ----
	q := queue.New(queue.RetryPolicy{
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		BaseDelay:   cfg.Pipeline.BackoffBase,
	}, kv, clock, sugar.Named("queue"))
	recovered, err := q.Recover(ctx)
	if err != nil {
		sugar.Fatalw("queue_recover_failed", "err", err)
	}
	sugar.Infow("queue_recovered", "jobs", recovered)

	// ---- Event bus + Relay ----
	bus := events.NewBus(rec.log, clock, sugar.Named("bus"))
	if cfg.Relay.ListenAddr != "" {
		rl, err := relay.New(ctx, relay.Config{
			ListenAddr: cfg.Relay.ListenAddr,
			Bootstrap:  cfg.Relay.Bootstrap,
			Logger:     sugar.Named("relay"),
		}, bus)
		if err != nil {
			sugar.Fatalw("relay_init_failed", "err", err)
		}
		defer rl.Close()
		bus.SetRelay(rl)
	} else {
		sugar.Info("relay_disabled - single node")
	}

	// ---- Metrics ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := pipeline.NewMetrics(reg, q.Len)

	// ---- Workers ----
	pool := pipeline.NewPool(pipeline.Config{
		Concurrency:  cfg.Pipeline.Concurrency,
		BuildDelay:   cfg.Pipeline.BuildDelay,
		DrainTimeout: cfg.Pipeline.DrainTimeout,
	}, q, rec.orders, rt, bus, clock, sugar.Named("pool"), metrics)

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		pool.Run(ctx)
	}()

	// ---- API Server ----
	apiServer := api.NewServer(api.Deps{
		Submitter: pipeline.NewSubmitter(rec.orders, q, clock, sugar.Named("submit")),
		Orders:    rec.orders,
		Events:    bus,
		Gateway:   gateway.New(rec.orders, bus, sugar.Named("gateway")),
		QueueSize: q.Len,
		Gatherer:  reg,
	}, api.Options{CORSOrigins: cfg.API.CORSOrigins}, sugar.Named("api"))

	go func() {
		sugar.Infow("api_server_starting", "addr", cfg.API.Addr)
		if err := apiServer.Start(cfg.API.Addr); err != nil {
			sugar.Errorw("api_server_failed", "err", err)
			stop()
		}
	}()

	sugar.Infow("node_started",
		"concurrency", cfg.Pipeline.Concurrency,
		"max_attempts", cfg.Pipeline.MaxAttempts,
		"postgres", cfg.Storage.DatabaseURL != "")

	<-ctx.Done()
	sugar.Info("shutdown_requested")

	// workers stop dequeueing now and finish in-flight orders within DrainTimeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.DrainTimeout+5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("api_shutdown_failed", "err", err)
	}
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		sugar.Warn("workers_shutdown_timeout")
	}
	q.Close()
	sugar.Info("node_stopped")
}

func openRecords(ctx context.Context, cfg params.Storage, kv *storage.PebbleStore, log *zap.SugaredLogger) (*records, error) {
	if cfg.DatabaseURL == "" {
		return &records{orders: kv, log: kv, ledger: kv, close: func() {}}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := migrations.Apply(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	log.Infow("postgres_ready")
	pg := postgres.NewOrderStore(pool)
	return &records{orders: pg, log: pg, ledger: pg, close: pool.Close}, nil
}
