package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/driving-school-scheduler/internal/adapters/calendar"
	"github.com/robertarktes/driving-school-scheduler/internal/adapters/crdb"
	"github.com/robertarktes/driving-school-scheduler/internal/adapters/memory"
	mongoadapter "github.com/robertarktes/driving-school-scheduler/internal/adapters/mongo"
	"github.com/robertarktes/driving-school-scheduler/internal/adapters/rabbit"
	redisadapter "github.com/robertarktes/driving-school-scheduler/internal/adapters/redis"
	"github.com/robertarktes/driving-school-scheduler/internal/availability"
	"github.com/robertarktes/driving-school-scheduler/internal/booking"
	"github.com/robertarktes/driving-school-scheduler/internal/config"
	httphandler "github.com/robertarktes/driving-school-scheduler/internal/http"
	"github.com/robertarktes/driving-school-scheduler/internal/idempotency"
	"github.com/robertarktes/driving-school-scheduler/internal/notify"
	"github.com/robertarktes/driving-school-scheduler/internal/observability"
	"github.com/robertarktes/driving-school-scheduler/internal/quota"
	"github.com/robertarktes/driving-school-scheduler/internal/rateLimit"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// store is what both the CockroachDB repository and the in-memory store
// provide to the saga and the ledger.
type store interface {
	booking.Store
	booking.OrphanRecorder
	quota.Store
	Ping(ctx context.Context) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.AdminCalendarID == "" {
		log.Fatal("ADMIN_CALENDAR_ID is required")
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg.OTLPEndpoint, "dss-api")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger(cfg.LogLevel)
	ready := map[string]httphandler.Pinger{}

	var st store
	if cfg.CRDBDSN != "" {
		pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
		if err != nil {
			log.Fatalf("failed to connect to crdb: %v", err)
		}
		defer pool.Close()
		st = crdb.NewRepository(pool)
		ready["crdb"] = st
	} else {
		logger.Warn("CRDB_DSN not set, bookings and quota are kept in memory")
		st = memory.NewStore()
	}

	deps := booking.Deps{Store: st, Orphans: st}
	handlerDeps := httphandler.HandlerDeps{BufferMinutes: cfg.BufferMinutes}

	if cfg.MongoURI != "" {
		mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			log.Fatalf("failed to connect to mongo: %v", err)
		}
		defer mongoClient.Disconnect(context.Background())
		db := mongoClient.Database(cfg.MongoDB)
		catalog := mongoadapter.NewCatalogRepository(db, logger)
		deps.Catalog = catalog
		deps.Audit = mongoadapter.NewAuditLogger(db, logger)
		handlerDeps.Catalog = catalog
		ready["mongo"] = pingerFunc(func(ctx context.Context) error { return mongoClient.Ping(ctx, nil) })
	}

	routerCfg := httphandler.RouterConfig{RateLimit: cfg.InboundRateLimit, RateWindow: cfg.InboundRateWindow}
	if cfg.RedisAddr != "" {
		redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		cache := redisadapter.NewCache(redisClient)
		deps.Locker = cache
		routerCfg.RateLimiter = rateLimit.NewRateLimiter(cache)
		routerCfg.Idempotency = idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), cfg.IdempotencyTTL)
		ready["redis"] = cache
	} else {
		deps.Locker = memory.NewSlotLocker()
	}

	if cfg.RabbitURL != "" {
		conn, err := amqp.Dial(cfg.RabbitURL)
		if err != nil {
			log.Fatalf("failed to connect to rabbitmq: %v", err)
		}
		defer conn.Close()
		pub, err := rabbit.NewPublisher(conn, cfg.RabbitExchange)
		if err != nil {
			log.Fatalf("failed to create publisher: %v", err)
		}
		defer pub.Close()
		deps.Notifier = notify.NewNotifier(pub, logger)
	} else {
		deps.Notifier = notify.NewLogNotifier(logger)
	}

	cal := calendar.NewStack(cfg, logger)
	detector := availability.NewDetector(cal.Calendar, cfg.AdminCalendarID)
	ledger := quota.NewLedger(st, logger)

	deps.Availability = detector
	deps.Quota = ledger
	deps.Calendar = cal.Calendar
	orchestrator := booking.NewOrchestrator(booking.Config{
		AdminCalendarID: cfg.AdminCalendarID,
		BufferMinutes:   cfg.BufferMinutes,
		SlotLockTTL:     cfg.SlotLockTTL,
	}, deps, logger)

	routerCfg.PublicKey, err = httphandler.ParsePublicKey(cfg.JWTPublicKey)
	if err != nil {
		log.Fatalf("invalid JWT_PUBLIC_KEY: %v", err)
	}
	if routerCfg.PublicKey == nil {
		logger.Warn("JWT_PUBLIC_KEY not set, requests are not authenticated")
	}

	handlerDeps.Bookings = orchestrator
	handlerDeps.Quota = ledger
	handlerDeps.Availability = detector
	handlerDeps.Breakers = cal.Breakers
	handlerDeps.Limits = cal.Limiter
	handlerDeps.LimitKeys = []string{calendar.Dependency}
	handlerDeps.Ready = ready
	handlers := httphandler.NewHandlers(handlerDeps, logger)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httphandler.SetupRouter(handlers, logger, routerCfg),
	}

	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown Server ...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("server shutdown")
	}
	orchestrator.Wait()
	logger.Info("Server exiting")
}

type pingerFunc func(ctx context.Context) error

func (p pingerFunc) Ping(ctx context.Context) error { return p(ctx) }

var (
	_ store                 = (*crdb.Repository)(nil)
	_ store                 = (*memory.Store)(nil)
	_ booking.LessonCatalog = (*mongoadapter.CatalogRepository)(nil)
	_ booking.Auditor       = (*mongoadapter.AuditLogger)(nil)
	_ booking.SlotLocker    = (*redisadapter.Cache)(nil)
)
