package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/driving-school-scheduler/internal/adapters/calendar"
	mongoadapter "github.com/robertarktes/driving-school-scheduler/internal/adapters/mongo"
	"github.com/robertarktes/driving-school-scheduler/internal/adapters/rabbit"
	"github.com/robertarktes/driving-school-scheduler/internal/config"
	"github.com/robertarktes/driving-school-scheduler/internal/domain"
	"github.com/robertarktes/driving-school-scheduler/internal/observability"
	"github.com/robertarktes/driving-school-scheduler/internal/reconcile"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.RabbitURL == "" {
		log.Fatal("RABBIT_URL is required")
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg.OTLPEndpoint, "dss-reconcile-worker")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger(cfg.LogLevel)

	var audit reconcile.Auditor
	if cfg.MongoURI != "" {
		mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			log.Fatalf("failed to connect to mongo: %v", err)
		}
		defer mongoClient.Disconnect(context.Background())
		audit = mongoadapter.NewAuditLogger(mongoClient.Database(cfg.MongoDB), logger)
	}

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()

	consumer, err := rabbit.NewConsumer(conn, cfg.RabbitExchange, cfg.ReconcileQueue,
		[]string{domain.EventCalendarOrphaned}, cfg.ReconcileWorkers)
	if err != nil {
		log.Fatalf("failed to create consumer: %v", err)
	}
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deliveries, err := consumer.Consume(ctx)
	if err != nil {
		log.Fatalf("failed to consume: %v", err)
	}

	cal := calendar.NewStack(cfg, logger)
	worker := reconcile.NewWorker(cal.Calendar, audit, logger, cfg.ReconcileWorkers)

	logger.WithField("queue", cfg.ReconcileQueue).Info("reconcile worker started")
	if err := worker.Run(ctx, deliveries); err != nil {
		logger.WithError(err).Error("reconcile worker stopped")
	}
	logger.Info("Shutdown reconcile worker")
}
