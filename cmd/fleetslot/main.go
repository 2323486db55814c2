package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/fleetslot/internal/booking/domain"
	"github.com/example/fleetslot/internal/booking/grpcapi"
	"github.com/example/fleetslot/internal/booking/handler"
	"github.com/example/fleetslot/internal/booking/lock"
	"github.com/example/fleetslot/internal/booking/overlap"
	"github.com/example/fleetslot/internal/booking/repository"
	bookingservice "github.com/example/fleetslot/internal/booking/service"
	"github.com/example/fleetslot/internal/config"
	"github.com/example/fleetslot/internal/http/middleware"
	outboxworker "github.com/example/fleetslot/internal/outbox"
	"github.com/example/fleetslot/pkg/observability"
	outboxpkg "github.com/example/fleetslot/pkg/outbox"
)

const version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("fleetslot")
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "fleetslot", version)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	checks := map[string]observability.Check{}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("fleetslot")); err == nil {
			natsConn = conn
			defer conn.Drain()
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	var (
		repo domain.Repository
		db   *sql.DB
	)
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
		pg := repository.NewPostgresRepository(db, logger.Named("postgres"), repository.PostgresConfig{EventTopic: cfg.EventSubject})
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal("postgres migrate", zap.Error(err))
		}
		checks["postgres"] = db.PingContext
		repo = pg
	case config.BackendMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			logger.Fatal("mongo connect", zap.Error(err))
		}
		defer client.Disconnect(context.Background()) //nolint:errcheck
		mg := repository.NewMongoRepository(client.Database(cfg.MongoDatabase), logger.Named("mongo"))
		if err := mg.EnsureIndexes(ctx); err != nil {
			logger.Fatal("mongo indexes", zap.Error(err))
		}
		checks["mongo"] = func(ctx context.Context) error { return client.Ping(ctx, nil) }
		repo = mg
	default:
		repo = repository.NewMemoryRepository()
	}

	var (
		lockStore lock.Store
		idem      domain.IdempotencyRepository
	)
	if redisClient != nil {
		lockStore = lock.NewRedisStore(redisClient, "")
		idem = repository.NewRedisIdempotencyRepo(redisClient, cfg.IdempotencyTTL)
	} else {
		lockStore = lock.NewMemoryStore()
		idem = repository.NewMemoryIdempotencyRepo(cfg.IdempotencyTTL)
	}
	locks := lock.New(lockStore, logger.Named("lock"), lock.Config{
		TTL:         cfg.LockTTL,
		MaxAttempts: cfg.LockMaxAttempts,
		Backoff:     cfg.LockBackoff,
	})

	engine := overlap.New(repo, logger.Named("overlap"), overlap.Config{
		SuggestionWindow: cfg.SuggestionWindow,
		NextSlotHorizon:  cfg.NextSlotHorizon,
	})

	opts := []bookingservice.Option{
		bookingservice.WithIdempotency(idem),
		bookingservice.WithLogger(logger.Named("booking")),
		bookingservice.WithMaxSuggestions(cfg.MaxSuggestions),
	}
	// Postgres writes events to its outbox table; the relay below publishes them.
	if db == nil && natsConn != nil {
		opts = append(opts, bookingservice.WithPublisher(outboxpkg.NewPublisher(natsConn, cfg.EventSubject)))
	}
	svc := bookingservice.New(repo, engine, locks, opts...)

	var mw []func(http.Handler) http.Handler
	if redisClient != nil && (cfg.RateReadRPS > 0 || cfg.RateWriteRPS > 0) {
		limiter := middleware.NewRateLimiter(redisClient,
			middleware.RateConfig{Rate: cfg.RateReadRPS, Burst: cfg.RateReadBurst},
			middleware.RateConfig{Rate: cfg.RateWriteRPS, Burst: cfg.RateWriteBurst},
			logger.Named("ratelimit"))
		mw = append(mw, limiter.Middleware)
	}

	r := chi.NewRouter()
	r.Mount("/", handler.NewHTTP(svc, logger.Named("http")).Router(mw...))
	r.Mount("/observability", observability.MetricsRouter(checks))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer(
		grpcapi.ServerOption(),
		grpc.UnaryInterceptor(grpcapi.LoggingInterceptor(logger.Named("grpc"))),
	)
	grpcapi.RegisterAvailabilityServer(grpcServer, grpcapi.NewServer(svc))

	if db != nil && natsConn != nil {
		worker := outboxworker.NewWorker(db, natsConn, logger.Named("outbox"), outboxworker.WorkerConfig{
			PollInterval: cfg.OutboxPoll,
			BatchSize:    cfg.OutboxBatch,
			RetryMax:     cfg.OutboxRetry,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else if db != nil {
		logger.Warn("outbox relay disabled, events stay in the outbox table", zap.Bool("nats", natsConn != nil))
	}

	go func() {
		logger.Info("http listening", zap.String("addr", srv.Addr), zap.String("backend", cfg.StoreBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("grpc listen", zap.Error(err))
	}
	go func() {
		logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("grpc server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
}
