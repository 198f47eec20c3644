package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/inboundemail/inbound/internal/api"
	"github.com/inboundemail/inbound/internal/auth"
	"github.com/inboundemail/inbound/internal/config"
	"github.com/inboundemail/inbound/internal/delivery"
	"github.com/inboundemail/inbound/internal/dns"
	"github.com/inboundemail/inbound/internal/events"
	"github.com/inboundemail/inbound/internal/inbound"
	"github.com/inboundemail/inbound/internal/outbound"
	"github.com/inboundemail/inbound/internal/pkg/distlock"
	"github.com/inboundemail/inbound/internal/qstash"
	"github.com/inboundemail/inbound/internal/reputation"
	"github.com/inboundemail/inbound/internal/scheduler"
	"github.com/inboundemail/inbound/internal/ses"
	"github.com/inboundemail/inbound/internal/slack"
	"github.com/inboundemail/inbound/internal/storage"
	"github.com/inboundemail/inbound/internal/store"
	"github.com/inboundemail/inbound/internal/svix"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale processes occupying the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

func extractHost(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return "(unknown)"
	}
	rest := dsn[at+1:]
	slash := strings.Index(rest, "/")
	if slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func main() {
	log.Println("╔══════════════════════════════════════════════════╗")
	log.Println("║  inbound API server                              ║")
	log.Println("║  SES receiving, sending, webhooks and scheduling ║")
	log.Println("╚══════════════════════════════════════════════════╝")

	// Load configuration
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}
	if cfg.Database.URL == "" {
		log.Fatal("Database not configured: set DATABASE_URL or database.url in config/config.yaml")
	}

	// Pre-flight check: verify the target port is available
	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}
	log.Printf("Pre-flight check passed: port %d is available", port)

	// Connect Postgres
	dbURL := cfg.Database.URL
	if !strings.Contains(dbURL, "connect_timeout") {
		sep := "?"
		if strings.Contains(dbURL, "?") {
			sep = "&"
		}
		dbURL += sep + "connect_timeout=5"
	}
	log.Printf("DB URL host portion: ...@%s/...", extractHost(dbURL))
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(30 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("Failed to ping database: %v", err)
	}
	pingCancel()
	log.Println("Connected to database")

	st := store.NewStore(db)

	// Redis backs SNS dedupe, send rate limits and the scheduler lock.
	// Everything it backs degrades gracefully, so connection failure is a
	// warning, not a fatal.
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
			log.Printf("Warning: Redis connection failed: %v (SNS dedupe and rate limits disabled, scheduler lock falls back to Postgres)", err)
			redisClient.Close()
			redisClient = nil
		} else {
			log.Println("Redis connected (SNS dedupe and distributed locking enabled)")
		}
		pingCancel()
	} else {
		log.Println("Redis not configured (REDIS_URL not set); scheduler lock uses Postgres advisory locks")
	}

	// Raw email and snapshot storage (S3 + DynamoDB, or local disk)
	blobs, err := storage.New(ctx, cfg.AWS, cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	log.Printf("Storage initialized (type: %s)", cfg.Storage.Type)

	// Admin alerting
	alerter := slack.NewClient(cfg.Slack)
	if cfg.Slack.Enabled {
		log.Println("Slack alerting enabled")
	} else {
		log.Println("Slack alerting not configured (alerts logged only)")
	}

	// Account event pipeline: email_events rows plus Svix webhooks
	svixClient := svix.NewClient(cfg.Svix)
	emitter := events.NewEmitter(st, svixClient)
	if cfg.Svix.Enabled {
		log.Println("Svix account events enabled")
	}

	// SES client for sending, identities, tenants and receipt rules
	sesClient, err := ses.NewClient(ctx, cfg.AWS, cfg.SES)
	if err != nil {
		log.Fatalf("Failed to initialize SES client: %v", err)
	}
	log.Printf("SES client initialized (region: %s, configuration set: %s)", sesClient.Region(), cfg.SES.ConfigurationSet)

	// The shared receipt rule set must exist before inbound domains can
	// register rules under it. Failure degrades receiving, not the API.
	if err := sesClient.EnsureRuleSet(ctx); err != nil {
		log.Printf("Warning: SES receipt rule set check failed: %v", err)
	}

	// QStash publishes scheduled-send callbacks back to this server
	var publisher outbound.SchedulePublisher
	if cfg.QStash.Enabled && cfg.QStash.Token != "" {
		publisher = qstash.NewClient(cfg.QStash)
		log.Println("QStash scheduling enabled")
	} else {
		log.Println("QStash not configured (scheduled sends dispatch via the overdue poller)")
	}

	// Per-user send rate limits need Redis for their sliding windows
	var limiter *outbound.RateLimiter
	if cfg.RateLimit.Enabled {
		if redisClient != nil {
			limiter = outbound.NewRateLimiter(redisClient, cfg.RateLimit)
			log.Printf("Rate limiting enabled (%d/s, %d/min, %d/day per user)",
				cfg.RateLimit.PerSecond, cfg.RateLimit.PerMinute, cfg.RateLimit.PerDay)
		} else {
			log.Println("Warning: rate limiting enabled but Redis unavailable; limits are off")
		}
	}

	sender := outbound.NewSender(st, sesClient, publisher, limiter, alerter, emitter, blobs, cfg)

	deliverer, err := delivery.New(st, sesClient, cfg.Delivery)
	if err != nil {
		log.Fatalf("Failed to initialize delivery: %v", err)
	}

	processor := inbound.NewProcessor(st, blobs, deliverer)

	// Tenant reputation monitor. The SNS alarm receiver pauses tenants
	// through it even when the periodic collector is disabled.
	cwClient, err := reputation.NewCloudWatchClient(ctx, cfg.AWS)
	if err != nil {
		log.Fatalf("Failed to initialize CloudWatch client: %v", err)
	}
	monitor := reputation.NewMonitor(cwClient, st, sesClient, alerter, emitter, blobs, cfg)
	if cfg.Reputation.Enabled {
		go monitor.Start(ctx)
		log.Printf("Reputation collector started (interval: %s, window: %s)",
			cfg.Reputation.Interval(), cfg.Reputation.Window())
	} else {
		log.Println("Reputation collector disabled (alarm-driven pauses still active)")
	}

	// API key auth; optionally seed a root user on first start
	authSvc := auth.NewService(st)
	if cfg.Auth.BootstrapKey != "" {
		if err := authSvc.Bootstrap(ctx, cfg.Auth.BootstrapEmail, cfg.Auth.BootstrapKey); err != nil {
			log.Printf("Warning: auth bootstrap failed: %v", err)
		}
	}

	h := api.NewHandlers(st, sender, deliverer, processor, cfg)
	h.SetSESClient(sesClient)
	h.SetBlobStore(blobs)
	h.SetMonitor(monitor)
	h.SetEventPipeline(events.NewProcessor(st, emitter), emitter)
	h.SetQStashVerifier(qstash.NewVerifier(cfg.QStash))
	if redisClient != nil {
		h.SetRedis(redisClient)
	}

	// Route53 auto-provisioning of identity DNS records on domain creation
	if cfg.DNS.AutoProvision {
		prov, err := dns.NewProvisioner(ctx, cfg.AWS)
		if err != nil {
			log.Printf("Warning: Route53 provisioner init failed: %v", err)
		} else {
			h.SetDNSProvisioner(prov)
			log.Println("Route53 DNS auto-provisioning enabled")
		}
	}

	// SQS consumer for deployments that subscribe the receipt topic to a
	// queue instead of (or alongside) the SNS HTTP receiver
	var consumer *inbound.Consumer
	if queueURL := os.Getenv("SQS_INBOUND_QUEUE_URL"); queueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			log.Printf("Warning: AWS config for SQS consumer failed: %v", err)
		} else {
			consumer = inbound.NewConsumer(sqs.NewFromConfig(awsCfg), queueURL, processor)
			consumer.Start(ctx)
			log.Printf("SQS inbound consumer started (queue: %s)", queueURL)
		}
	}

	// Overdue-send poller and retention sweep. The distributed lock keeps
	// one instance polling when several servers share a database.
	lock := distlock.New(redisClient, db, "send-poller", 2*cfg.Scheduler.Interval())
	poller := scheduler.NewPoller(st, sender, lock, cfg.Scheduler)
	go poller.Start(ctx)
	log.Printf("Scheduled-send poller started (interval: %s, grace: %s)",
		cfg.Scheduler.Interval(), cfg.Scheduler.OverdueGrace())

	cleanup := scheduler.NewCleanupWorker(st, blobs, cfg.Scheduler)
	go cleanup.Start(ctx)
	log.Printf("Retention cleanup started (keep: %d days)", cfg.Scheduler.RetentionDays)

	server := api.NewServer(h, authSvc)

	// Setup graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", host, port)
		log.Printf("Starting server on %s (public URL: %s)", addr, cfg.Server.PublicURL)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Println("All services initialized, server is ready")

	<-done
	log.Println("Shutting down...")

	// Stop background work first so nothing new is claimed mid-shutdown
	cancel()
	if consumer != nil {
		consumer.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	// Drain in-flight async work (risk evaluation, Svix relays)
	sender.Wait()
	emitter.Wait()

	if redisClient != nil {
		redisClient.Close()
	}
	db.Close()

	log.Println("Server stopped")
}
