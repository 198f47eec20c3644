package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/inboundemail/inbound/internal/config"
	"github.com/inboundemail/inbound/internal/delivery"
	"github.com/inboundemail/inbound/internal/events"
	"github.com/inboundemail/inbound/internal/inbound"
	"github.com/inboundemail/inbound/internal/outbound"
	"github.com/inboundemail/inbound/internal/pkg/distlock"
	"github.com/inboundemail/inbound/internal/reputation"
	"github.com/inboundemail/inbound/internal/scheduler"
	"github.com/inboundemail/inbound/internal/ses"
	"github.com/inboundemail/inbound/internal/slack"
	"github.com/inboundemail/inbound/internal/storage"
	"github.com/inboundemail/inbound/internal/store"
	"github.com/inboundemail/inbound/internal/svix"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

// The worker binary runs the background half of the platform for
// deployments that split it from the HTTP servers: the overdue-send
// poller, retention cleanup, the reputation collector and the SQS
// inbound consumer. Single-box deployments run all of this inside
// cmd/server already; when both binaries share a database the poller
// lock arbitrates, but the reputation collector should be enabled on
// only one side.
func main() {
	log.Println("Starting inbound worker...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("Database not configured: set DATABASE_URL or database.url in config/config.yaml")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("Failed to ping database: %v", err)
	}
	pingCancel()
	log.Println("Connected to database")

	st := store.NewStore(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis is optional; the poller lock falls back to Postgres advisory
	// locks without it.
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.URL})
		} else {
			redisClient = redis.NewClient(opts)
		}
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Warning: Redis connection failed: %v (scheduler lock falls back to Postgres)", err)
			redisClient.Close()
			redisClient = nil
		}
		pingCancel()
	}

	blobs, err := storage.New(ctx, cfg.AWS, cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}

	alerter := slack.NewClient(cfg.Slack)
	emitter := events.NewEmitter(st, svix.NewClient(cfg.Svix))

	sesClient, err := ses.NewClient(ctx, cfg.AWS, cfg.SES)
	if err != nil {
		log.Fatalf("Failed to initialize SES client: %v", err)
	}

	// The worker never schedules new emails, so the sender runs without a
	// QStash publisher or rate limiter.
	sender := outbound.NewSender(st, sesClient, nil, nil, alerter, emitter, blobs, cfg)

	lock := distlock.New(redisClient, db, "send-poller", 2*cfg.Scheduler.Interval())
	poller := scheduler.NewPoller(st, sender, lock, cfg.Scheduler)
	go poller.Start(ctx)
	log.Printf("Scheduled-send poller started (interval: %s)", cfg.Scheduler.Interval())

	cleanup := scheduler.NewCleanupWorker(st, blobs, cfg.Scheduler)
	go cleanup.Start(ctx)
	log.Printf("Retention cleanup started (keep: %d days)", cfg.Scheduler.RetentionDays)

	if cfg.Reputation.Enabled {
		cwClient, err := reputation.NewCloudWatchClient(ctx, cfg.AWS)
		if err != nil {
			log.Fatalf("Failed to initialize CloudWatch client: %v", err)
		}
		monitor := reputation.NewMonitor(cwClient, st, sesClient, alerter, emitter, blobs, cfg)
		go monitor.Start(ctx)
		log.Printf("Reputation collector started (interval: %s)", cfg.Reputation.Interval())
	}

	var consumer *inbound.Consumer
	if queueURL := os.Getenv("SQS_INBOUND_QUEUE_URL"); queueURL != "" {
		deliverer, err := delivery.New(st, sesClient, cfg.Delivery)
		if err != nil {
			log.Fatalf("Failed to initialize delivery: %v", err)
		}
		processor := inbound.NewProcessor(st, blobs, deliverer)

		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			log.Printf("Warning: AWS config for SQS consumer failed: %v", err)
		} else {
			consumer = inbound.NewConsumer(sqs.NewFromConfig(awsCfg), queueURL, processor)
			consumer.Start(ctx)
			log.Printf("SQS inbound consumer started (queue: %s)", queueURL)
		}
	}

	// Heartbeat so container logs show the worker is alive between polls
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Println("Worker heartbeat - services running...")
			}
		}
	}()

	log.Println("Worker running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancel()
	if consumer != nil {
		consumer.Stop()
	}

	// Drain in-flight async work before the DB connection closes
	sender.Wait()
	emitter.Wait()
	if redisClient != nil {
		redisClient.Close()
	}

	log.Println("Worker stopped")
}
