package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/helm-pay/pkg/api"
	"github.com/Mindburn-Labs/helm-pay/pkg/archive"
	"github.com/Mindburn-Labs/helm-pay/pkg/authctx"
	"github.com/Mindburn-Labs/helm-pay/pkg/cart"
	"github.com/Mindburn-Labs/helm-pay/pkg/config"
	"github.com/Mindburn-Labs/helm-pay/pkg/events"
	"github.com/Mindburn-Labs/helm-pay/pkg/mandate"
	"github.com/Mindburn-Labs/helm-pay/pkg/observability"
	"github.com/Mindburn-Labs/helm-pay/pkg/payment"
	"github.com/Mindburn-Labs/helm-pay/pkg/processor"
	"github.com/Mindburn-Labs/helm-pay/pkg/registry"
	"github.com/Mindburn-Labs/helm-pay/pkg/store"
)

// services is everything the server and the one-shot commands share.
type services struct {
	db        *sql.DB
	store     *store.SQLStore
	keys      *signingKeys
	authority *mandate.Authority
	validator *cart.Validator
}

func openServices(ctx context.Context, cfg *config.Config) (*services, error) {
	db, st, err := store.Open(ctx, cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	keys, err := loadSigningKeys(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	validator := cart.NewValidator()
	authority := mandate.NewAuthority(st, keys.signer, keys.ring, validator).
		WithCartTTL(cfg.CartTTL)

	if cfg.RegistryPath != "" {
		reg, err := registry.Load(cfg.RegistryPath)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		authority.WithLookup(reg)
		slog.InfoContext(ctx, "business registry loaded", "path", cfg.RegistryPath, "version", reg.Version())
	} else {
		slog.WarnContext(ctx, "no REGISTRY_PATH: intents are not checked against a business registry")
	}

	return &services{db: db, store: st, keys: keys, authority: authority, validator: validator}, nil
}

func (s *services) Close() error {
	return s.db.Close()
}

func runServer(ctx context.Context, cfg *config.Config) error {
	obs := observability.Disabled()
	if cfg.OTel.Enabled {
		p, err := observability.New(ctx, &observability.Config{
			ServiceName:    cfg.OTel.ServiceName,
			ServiceVersion: version,
			Environment:    cfg.OTel.Environment,
			OTLPEndpoint:   cfg.OTel.Endpoint,
			SampleRate:     cfg.OTel.SampleRate,
			BatchTimeout:   5 * time.Second,
			Enabled:        true,
			Insecure:       cfg.OTel.Insecure,
		})
		if err != nil {
			return err
		}
		obs = p
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	svc, err := openServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	proc, err := newProcessor(ctx, cfg)
	if err != nil {
		return err
	}

	outbox := svc.store.Outbox()
	orch := payment.NewOrchestrator(svc.authority, svc.validator, svc.store, proc).
		WithDispatcher(events.OutboxDispatcher{Outbox: outbox}).
		WithObservability(obs).
		WithProcessorTimeout(cfg.ProcessorTimeout)

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer func() { _ = rdb.Close() }()
	}

	sinks, err := newSinks(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	relay := events.NewRelay(outbox, sinks...).WithInterval(cfg.RelayInterval)

	extractor := authctx.NewExtractor(svc.authority)
	var tokens *authctx.TokenIssuer
	if cfg.MandateTokens {
		tokens = authctx.NewTokenIssuer(svc.keys.signer.KeyID(), svc.keys.signer.PrivateKey())
		for _, k := range svc.keys.trusted {
			tokens.Trust(k.KeyID(), publicKey(k))
		}
		extractor.WithTokens(tokens)
	}

	idem := api.NewSQLIdempotencyStore(svc.db, cfg.IdempotencyTTL)
	if err := idem.Init(ctx); err != nil {
		return err
	}

	policy := api.RatePolicy{RPS: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst}
	var limiter api.LimiterStore
	var memLimiter *api.MemoryLimiter
	switch {
	case cfg.RateLimitRPS <= 0:
	case rdb != nil:
		limiter = api.NewRedisLimiter(rdb, policy)
	default:
		memLimiter = api.NewMemoryLimiter(policy)
		limiter = memLimiter
	}

	srv, err := api.NewServer(api.Config{
		Authority:     svc.authority,
		Orchestrator:  orch,
		Extractor:     extractor,
		Tokens:        tokens,
		Idempotency:   idem,
		Limiter:       limiter,
		RatePolicy:    policy,
		Ping:          svc.db.PingContext,
		Observability: obs,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Executions may hold the connection for the full processor bound.
		WriteTimeout: cfg.ProcessorTimeout + 15*time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	var wg sync.WaitGroup
	startWorker(workerCtx, &wg, "sweeper", func(ctx context.Context) {
		runSweeper(ctx, svc.authority, orch, cfg.SweepInterval, cfg.SweepBatch)
	})
	startWorker(workerCtx, &wg, "event_relay", func(ctx context.Context) {
		_ = relay.Run(ctx)
	})
	startWorker(workerCtx, &wg, "idempotency_cleanup", func(ctx context.Context) {
		runIdempotencyCleanup(ctx, idem, time.Hour)
	})
	if memLimiter != nil {
		startWorker(workerCtx, &wg, "rate_limit_eviction", memLimiter.Run)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "helm-pay listening",
			"addr", httpServer.Addr,
			"lite_mode", cfg.LiteMode(),
			"signing_key", svc.keys.signer.KeyID(),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	stopWorkers()
	wg.Wait()
	return serveErr
}

func newProcessor(ctx context.Context, cfg *config.Config) (payment.Processor, error) {
	pcfg := processor.Config{
		Kind:    processor.KindSimulated,
		Timeout: cfg.ProcessorTimeout,
		RPS:     cfg.ProcessorRPS,
		Burst:   cfg.ProcessorBurst,
	}
	if cfg.ProcessorURL != "" {
		pcfg.Kind = processor.KindHTTP
		pcfg.Endpoint = cfg.ProcessorURL
		pcfg.APIKey = cfg.ProcessorAPIKey
	} else {
		slog.WarnContext(ctx, "no PROCESSOR_URL: charges are simulated")
	}
	return processor.New(pcfg)
}

func newSinks(ctx context.Context, cfg *config.Config, rdb *redis.Client) ([]events.Sink, error) {
	sinks := []events.Sink{events.LogSink{Logger: slog.Default().With("component", "event_log")}}
	if rdb != nil {
		sinks = append(sinks, events.NewRedisSink(rdb, cfg.RedisPrefix))
	}
	arc, err := archive.New(ctx, archive.Config{
		Backend:  archive.Backend(cfg.Archive.Backend),
		DataDir:  cfg.DataDir,
		Bucket:   cfg.Archive.Bucket,
		Region:   cfg.Archive.Region,
		Endpoint: cfg.Archive.Endpoint,
		Prefix:   cfg.Archive.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	if arc != nil {
		sinks = append(sinks, events.NewArchiveSink(arc))
	}
	return sinks, nil
}
