/**
 * @description
 * This is the main entry point for the reward-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * external API clients, message brokers, repositories, the core application service,
 * the reconciliation worker, and the HTTP server. It wires everything together and
 * starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/settings, internal/store: Internal packages.
 * - pkg/playstore, pkg/rabbitmq, pkg/telegram: External integration clients.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/reviewpay/reward-service/internal/api"
	"github.com/reviewpay/reward-service/internal/app"
	"github.com/reviewpay/reward-service/internal/config"
	"github.com/reviewpay/reward-service/internal/settings"
	"github.com/reviewpay/reward-service/internal/store"
	"github.com/reviewpay/reward-service/pkg/playstore"
	rmrabbit "github.com/reviewpay/reward-service/pkg/rabbitmq"
	"github.com/reviewpay/reward-service/pkg/telegram"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	if strings.TrimSpace(cfg.AuthJWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"auth jwt secret must be configured\" env=AUTH_JWT_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting reward-service\" port=%s", cfg.ServerPort)

	// Working-hours checks run in the operator's local timezone.
	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"timezone load failed; falling back to UTC\" timezone=%s err=%v", cfg.Timezone, err)
		location = time.UTC
	}

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish resolution events.
	// This service only needs to publish, so we use a producer.
	var eventPublisher rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, cfg.ResolutionEventExchange)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		eventPublisher = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		eventPublisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the Telegram notification client. A missing token should not
	// prevent the service from booting; notifications will simply be skipped.
	var notifier app.Notifier
	if strings.TrimSpace(cfg.TelegramBotToken) == "" {
		log.Println("level=warn component=bootstrap msg=\"telegram bot token not configured; notifications disabled\" env=TELEGRAM_BOT_TOKEN")
	} else {
		notifier = telegram.NewClient(cfg.TelegramBotToken)
	}

	// Initialize the Play Store review listing client.
	if strings.TrimSpace(cfg.PlayReviewsBaseURL) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"play reviews base url must be configured\" env=PLAY_REVIEWS_BASE_URL")
	}
	reviewSource := playstore.NewClient(cfg.PlayReviewsBaseURL)

	var redisClient *redis.Client
	if cfg.SubmissionRateLimitHourly > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; submission rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; submission rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; submission rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// The settings store caches the operator-managed runtime settings.
	settingsStore := settings.New(repository, time.Duration(cfg.SettingsCacheTTLSeconds)*time.Second)

	// Initialize the core application service with its dependencies.
	rewardService := app.NewService(repository, settingsStore, notifier, eventPublisher, location)
	if redisClient != nil {
		rewardService.SetSubmissionRateLimiter(
			app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
			cfg.SubmissionRateLimitHourly,
		)
	}

	// Start the reconciliation worker on a cancellable context so shutdown can
	// stop it cleanly.
	reconciler := app.NewReconciler(rewardService, reviewSource)
	reconcileCtx, cancelReconcile := context.WithCancel(context.Background())
	defer cancelReconcile()
	go reconciler.Run(reconcileCtx)

	// Initialize the API handlers.
	rewardHandlers := api.NewRewardHandlers(rewardService, reconciler)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/rewards", api.RewardRoutes(rewardHandlers, cfg.AuthJWTSecret, cfg.InternalAPIKey))

	// Start the HTTP server, binding to all interfaces.
	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	cancelReconcile()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
