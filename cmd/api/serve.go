package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/baharkarakas/paygate/internal/api"
	"github.com/baharkarakas/paygate/internal/auth"
	"github.com/baharkarakas/paygate/internal/config"
	"github.com/baharkarakas/paygate/internal/credentials"
	"github.com/baharkarakas/paygate/internal/db"
	"github.com/baharkarakas/paygate/internal/metrics"
	"github.com/baharkarakas/paygate/internal/notify"
	"github.com/baharkarakas/paygate/internal/processor"
	"github.com/baharkarakas/paygate/internal/repository/postgres"
	"github.com/baharkarakas/paygate/internal/services"
	"github.com/baharkarakas/paygate/internal/tracing"
	"github.com/baharkarakas/paygate/internal/worker"
)

const overdueSweepInterval = 15 * time.Minute

// app is the wired object graph behind the HTTP server and the CLI.
type app struct {
	tokens     *auth.TokenManager
	apps       *services.AppService
	businesses *services.BusinessService
	payments   *services.PaymentService
	refunds    *services.RefundService
	invoices   *services.InvoiceService
	reconciler *services.Reconciler

	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(ctx context.Context, cfg config.Config, log *zap.Logger, pool *pgxpool.Pool) (*app, error) {
	a := &app{}
	repos := postgres.NewRepositories(pool)

	cipher, err := credentials.NewCipher(cfg.Vault.MasterKey, cfg.Vault.Salt)
	if err != nil {
		return nil, fmt.Errorf("credentials cipher: %w", err)
	}
	creds := credentials.NewStore(repos.Credentials, cipher)

	// M-Pesa bearer tokens are shared across instances when Redis is configured.
	var cache processor.TokenCache
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unavailable, token cache disabled", zap.Error(err))
			_ = rdb.Close()
		} else {
			cache = processor.NewRedisTokenCache(rdb)
			a.closers = append(a.closers, func() { _ = rdb.Close() })
		}
	}

	client := &http.Client{Timeout: cfg.Processors.Timeout}
	registry, err := processor.NewRegistry(
		processor.NewCard(cfg.Processors.StripeBaseURL, client, log),
		processor.NewMobileMoney(
			cfg.Processors.MpesaSandboxURL,
			cfg.Processors.MpesaProductionURL,
			cfg.PublicBaseURL+"/api/v1/callbacks/mpesa",
			client, cache, log),
		processor.NewCash(),
	)
	if err != nil {
		return nil, err
	}

	wp := worker.NewPool(cfg.Workers, 1024)
	a.closers = append(a.closers, wp.Stop)

	sinks := []notify.Sink{notify.NewWebhookSender(&http.Client{Timeout: 10 * time.Second})}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		sinks = append(sinks, kp)
		// closed after the pool drains
		a.closers = append([]func(){func() { _ = kp.Close() }}, a.closers...)
	}
	dispatcher := notify.NewDispatcher(repos.Businesses, wp, log, sinks...)

	deps := services.Deps{
		Apps:             repos.Apps,
		Businesses:       repos.Businesses,
		Transactions:     repos.Transactions,
		Refunds:          repos.Refunds,
		Invoices:         repos.Invoices,
		AuditLogs:        repos.AuditLogs,
		Tx:               repos.Tx,
		Credentials:      creds,
		Adapters:         registry,
		Notifier:         dispatcher,
		ProcessorTimeout: cfg.Processors.Timeout,
		Log:              log,
	}

	a.tokens = auth.NewTokenManager(cfg.JWT.AccessSecret, cfg.JWT.RefreshSecret, cfg.JWT.Issuer, cfg.JWT.AccessTTL, cfg.JWT.RefreshTTL)
	a.invoices = services.NewInvoiceService(deps)
	a.apps = services.NewAppService(deps, a.tokens)
	a.businesses = services.NewBusinessService(deps)
	a.payments = services.NewPaymentService(deps, a.invoices)
	a.refunds = services.NewRefundService(deps)
	a.reconciler = services.NewReconciler(deps, a.invoices)
	return a, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			return serve(cmd.Context(), cfg, log)
		},
	}
}

func serve(parent context.Context, cfg config.Config, log *zap.Logger) error {
	ctx, stop := signalContext(parent)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:       cfg.Tracing.Enabled,
		OTLPEndpoint:  cfg.Tracing.Endpoint,
		SamplingRatio: cfg.Tracing.SampleRatio,
		ServiceName:   "paygate",
		Environment:   cfg.Env,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("tracing shutdown", zap.Error(err))
		}
	}()
	metrics.Init()

	if cfg.Migrate {
		if err := db.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		log.Info("migrations applied")
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, 10)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()

	a, err := newApp(ctx, cfg, log, pool)
	if err != nil {
		return err
	}
	defer a.close()

	go a.invoices.RunOverdueSweeper(ctx, overdueSweepInterval)

	handler := api.NewRouter(api.RouterDeps{
		Log:        log,
		RateRPS:    cfg.RateRPS,
		Tokens:     a.tokens,
		Apps:       a.apps,
		Businesses: a.businesses,
		Payments:   a.payments,
		Refunds:    a.refunds,
		Invoices:   a.invoices,
		Reconciler: a.reconciler,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("port", cfg.HTTPPort), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("server: %w", err)
	}

	log.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
