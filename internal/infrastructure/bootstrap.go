package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"slidecredit/internal/config"
	"slidecredit/internal/metrics"
	"slidecredit/internal/repository"
	"slidecredit/internal/service"
	transportGRPC "slidecredit/internal/transport/grpc"
	transportHTTP "slidecredit/internal/transport/http"
	transportKafka "slidecredit/internal/transport/kafka"
	transportNATS "slidecredit/internal/transport/nats"
	"slidecredit/internal/worker"
)

var (
	_ repository.MessageBus = (*transportNATS.Bus)(nil)
	_ repository.MessageBus = (*transportKafka.Bus)(nil)

	_ Server = (*transportHTTP.Server)(nil)
	_ Server = (*transportGRPC.Server)(nil)
	_ Server = (*transportNATS.Handler)(nil)
	_ Server = (*worker.UsageProjector)(nil)
)

// Bootstrap initialises all dependencies from config and wires up the application.
// Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context) (*App, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}
	setupLogger(cfg.LogLevel)

	var cleanupFns []func()
	fail := func(err error) (*App, func(), error) {
		runCleanup(cleanupFns)()
		return nil, nil, err
	}

	// ── Storage ───────────────────────────────────────────────────────────────
	var store service.Store
	switch cfg.StoreDriver {
	case config.StorePostgres:
		db, err := connectPostgres(cfg.DSN())
		if err != nil {
			return fail(fmt.Errorf("postgres: %w", err))
		}
		cleanupFns = append(cleanupFns, db.Close)
		store = repository.NewPostgresStore(db)
	case config.StoreMemory:
		slog.Warn("bootstrap: using in-memory store, balances are lost on restart")
		store = repository.NewMemoryStore()
	}

	var limiter transportHTTP.QuotaLimiter
	if addr, err := cfg.RedisAddr(); err == nil {
		rdb, err := connectRedis(addr)
		if err != nil {
			return fail(fmt.Errorf("redis: %w", err))
		}
		cleanupFns = append(cleanupFns, func() { _ = rdb.Close() })
		limiter = repository.NewQuotaLimiter(rdb, cfg.QuotaWindow)
	} else {
		slog.Warn("bootstrap: plan quotas disabled", "reason", err)
	}

	m := metrics.New()
	opts := []service.Option{
		service.WithMetrics(m),
		service.WithRates(cfg.Rates),
		service.WithRetry(uint64(cfg.MaxRetries), cfg.RetryBackoff),
	}

	// ── Bus ───────────────────────────────────────────────────────────────────
	// NATS subscribers need the ledger, which needs the bus first.
	var natsServers []func(service.LedgerService) Server

	switch cfg.BusProvider {
	case config.BusNATS:
		nc, err := connectNats(cfg.NatsAddr(), cfg.NatsToken)
		if err != nil {
			return fail(fmt.Errorf("nats: %w", err))
		}
		cleanupFns = append(cleanupFns, nc.Close)
		opts = append(opts, service.WithBus(transportNATS.NewBus(nc)))

		natsServers = append(natsServers, func(svc service.LedgerService) Server {
			return transportNATS.NewHandler(svc, nc)
		})
		if cfg.UsageProjector {
			natsServers = append(natsServers, func(svc service.LedgerService) Server {
				return worker.NewUsageProjector(svc, nc)
			})
		}

	case config.BusKafka:
		if err := checkKafka(cfg.KafkaBrokers); err != nil {
			return fail(fmt.Errorf("kafka: %w", err))
		}
		bus := transportKafka.NewBus(cfg.KafkaBrokers)
		cleanupFns = append(cleanupFns, func() { _ = bus.Close() })
		opts = append(opts, service.WithBus(bus))
		if cfg.UsageProjector {
			slog.Warn("bootstrap: usage projector needs the nats bus, usage counters will not be updated")
		}
	}

	// ── Services and transports ───────────────────────────────────────────────
	ledger := service.NewLedger(store, opts...)
	charger := service.NewCharger(ledger, cfg.Rates)

	var servers []Server
	for _, newServer := range natsServers {
		servers = append(servers, newServer(ledger))
	}
	if addr, err := cfg.GRPCAddr(); err == nil {
		servers = append(servers, transportGRPC.NewServer(addr, ledger, cfg.GRPCToken))
	}
	if addr, err := cfg.ApiAddr(); err == nil {
		auth := transportHTTP.NewAuthenticator([]byte(cfg.JWTSecret))
		h := transportHTTP.NewHandler(ledger, charger, auth, limiter, m)
		servers = append(servers, transportHTTP.NewServer(addr, h))
	}

	if len(servers) == 0 {
		return fail(errors.New("nothing to run: enable the HTTP API, the gRPC server or the nats bus"))
	}

	slog.Info("bootstrap: application wired",
		"store", cfg.StoreDriver,
		"bus", cfg.BusProvider,
		"servers", len(servers),
		"quotas", limiter != nil,
	)
	return NewApp(servers), runCleanup(cleanupFns), nil
}

// runCleanup returns a single function that calls all cleanup functions in reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
