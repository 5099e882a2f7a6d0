// Package app wires the issuance pipeline from Settings.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/alapierre/go-hacienda-client/hacienda"
	"github.com/alapierre/go-hacienda-client/hacienda/auth"
	"github.com/alapierre/go-hacienda-client/hacienda/issuance"
	"github.com/alapierre/go-hacienda-client/hacienda/migrations"
	"github.com/alapierre/go-hacienda-client/hacienda/outcome"
	"github.com/alapierre/go-hacienda-client/hacienda/reception"
	"github.com/alapierre/go-hacienda-client/hacienda/sequence"
	"github.com/alapierre/go-hacienda-client/hacienda/vault"
	"github.com/alapierre/go-hacienda-client/internal/config"
	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var logger = logrus.WithField("component", "app")

type App struct {
	Settings  *config.Settings
	Endpoints hacienda.Endpoints

	Pool         *pgxpool.Pool
	Credentials  *vault.PostgresStore
	Vault        *vault.Vault
	Tokens       *auth.TokenProvider
	AuthClient   *auth.Client
	Reception    *reception.Client
	Allocator    *sequence.Allocator
	Records      outcome.Store
	Orchestrator *issuance.Orchestrator
	Reconciler   *issuance.Reconciler
	Registry     *prometheus.Registry
	Metrics      *issuance.Metrics

	closers []func()
}

// New connects to the database (and Redis and Kafka when configured) and builds the pipeline. The
// assembler renders documents; nil is allowed for commands that never issue.
func New(ctx context.Context, cfg *config.Settings, assembler issuance.Assembler) (*App, error) {
	a := &App{
		Settings:  cfg,
		Endpoints: cfg.Endpoints(),
		Registry:  prometheus.NewRegistry(),
	}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = issuance.NewMetrics(a.Registry)

	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}

	master, err := cfg.MasterKey()
	if err != nil {
		a.Close()
		return nil, errors.Wrap(err, "master key")
	}
	a.Credentials = vault.NewPostgresStore(a.Pool)
	if a.Vault, err = vault.New(a.Credentials, master); err != nil {
		a.Close()
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.AuthorityTimeout}
	a.AuthClient = auth.NewClient(a.Endpoints, httpClient)
	a.Tokens = auth.NewTokenProvider(a.AuthClient,
		auth.WithRefreshSkew(cfg.TokenRefreshSkew),
		auth.WithFetchObserver(a.Metrics.TokenGrant),
	)
	a.Reception = reception.NewClient(a.Endpoints, httpClient,
		reception.WithMaxAttempts(cfg.SubmitMaxAttempts),
		reception.WithStatusLimiter(rate.NewLimiter(rate.Limit(cfg.StatusRateLimit), cfg.StatusRateBurst)),
		reception.WithAttemptObserver(a.Metrics.SubmissionAttempt),
	)

	if assembler == nil {
		assembler = issuance.AssemblerFunc(func(context.Context, issuance.Document) ([]byte, error) {
			return nil, errors.New("no document templates configured")
		})
	}
	a.Orchestrator, err = issuance.New(issuance.Dependencies{
		Allocator:   a.Allocator,
		Credentials: a.Vault,
		Tokens:      a.Tokens,
		Reception:   a.Reception,
		Assembler:   assembler,
		Outcomes:    a.Records,
	},
		issuance.WithPendingPolicy(cfg.PendingPolicy()),
		issuance.WithMetrics(a.Metrics),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Reconciler = issuance.NewReconciler(a.Orchestrator, issuance.WithParallelism(cfg.ReconcileParallelism))
	return a, nil
}

func (a *App) connect(ctx context.Context) error {
	cfg := a.Settings

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "parse DATABASE_URL")
	}
	poolConfig.MaxConns = cfg.DBMaxConnections
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return errors.Wrap(err, "create connection pool")
	}
	a.Pool = pool
	a.closers = append(a.closers, pool.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		return errors.Wrap(err, "ping database")
	}
	logger.Info("connected to PostgreSQL")

	var counters sequence.Store
	switch cfg.SequenceBackend {
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return errors.Wrap(err, "parse REDIS_URL")
		}
		client := redis.NewClient(opts)
		a.closers = append(a.closers, func() { _ = client.Close() })
		if err := client.Ping(pingCtx).Err(); err != nil {
			return errors.Wrap(err, "ping redis")
		}
		counters = sequence.NewRedisStore(client, "")
		logger.Info("consecutive counters in Redis")
	case "memory":
		logger.Warn("consecutive counters in memory, numbering restarts with the process")
		counters = sequence.NewMemoryStore()
	default:
		counters = sequence.NewPostgresStore(pool)
	}
	a.Allocator = sequence.NewAllocator(counters,
		sequence.WithMaxAttempts(cfg.AllocatorMaxAttempts),
		sequence.WithConflictHook(func(sequence.Scope) { a.Metrics.AllocationConflict() }),
	)

	records := outcome.NewPostgresStore(pool)
	a.Records = records
	if len(cfg.KafkaBrokers) > 0 {
		kc, err := outcome.NewKafkaClient(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, kc.Close)
		a.Records = outcome.NewFanout(records, outcome.NewKafkaPublisher(kc, cfg.KafkaTopic))
		logger.Infof("publishing submission records to %s", cfg.KafkaTopic)
	}
	return nil
}

// Migrate applies the schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	return migrations.Up(ctx, a.Pool)
}

// RunReconciler reconciles pending records every interval until ctx ends.
func (a *App) RunReconciler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := a.Reconciler.Reconcile(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("reconciliation failed: %v", err)
		}
	}
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
