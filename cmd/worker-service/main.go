package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/tgbot-jobs/internal/bot"
	"github.com/cuongbtq/tgbot-jobs/internal/config"
	"github.com/cuongbtq/tgbot-jobs/internal/dispatch"
	"github.com/cuongbtq/tgbot-jobs/internal/instagram"
	igstorage "github.com/cuongbtq/tgbot-jobs/internal/instagram/storage"
	"github.com/cuongbtq/tgbot-jobs/internal/telegram"
	"github.com/cuongbtq/tgbot-jobs/internal/tgms"
	"github.com/cuongbtq/tgbot-jobs/internal/worker"
	"github.com/cuongbtq/tgbot-jobs/internal/worker/storage"
	"github.com/cuongbtq/tgbot-jobs/shared/database"
	"github.com/cuongbtq/tgbot-jobs/shared/logger"
	"github.com/cuongbtq/tgbot-jobs/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	identityFlag := flag.String("identity", "", "Bot identity to serve (main or tgms); defaults to worker.identity")
	once := flag.Bool("once", false, "Process at most one job and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	identity := cfg.Worker.Identity
	if *identityFlag != "" {
		identity = *identityFlag
	}
	identity = strings.ToLower(identity)

	if err := cfg.ValidateWorkerConfig(identity); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	botCfg, _ := cfg.Bots.Bot(identity)

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("identity", identity),
		slog.Bool("run_once", *once),
	)

	dbConfig := databaseConfig(&cfg.Database)
	if cfg.Database.AutoMigrate {
		if _, err := database.MigrateUp(dbConfig, appLogger.Logger); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	dbClient, err := database.NewClient(dbConfig, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()
	appLogger.Info("Database connected",
		slog.String("driver", dbClient.Driver()),
		slog.String("pool", dbClient.Stats()),
	)

	tg := telegram.NewClient(telegram.ClientConfig{
		BaseURL:  cfg.Telegram.APIBaseURL,
		Token:    botCfg.Token,
		Timeout:  cfg.Telegram.RequestTimeout,
		SendRate: cfg.Telegram.SendRate,
		Logger:   appLogger.Component("telegram"),
	})
	registry := newRegistry(identity, botCfg, tg, appLogger.Component(identity))

	var wakeups <-chan amqp.Delivery
	if cfg.RabbitMQ.Enabled && !*once {
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, botCfg, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		wakeups, err = rabbitClient.Consume("worker-" + identity)
		if err != nil {
			return fmt.Errorf("failed to consume wake-ups: %w", err)
		}
		appLogger.Info("RabbitMQ connection established", slog.Bool("connected", rabbitClient.IsConnected()))
	}

	workerLogger := appLogger.Component("worker")
	workerInstance := worker.New(worker.Config{
		Logger:            workerLogger,
		Store:             storage.NewStorage(dbClient.GetDB(), workerLogger),
		Dispatcher:        registry,
		DB:                dbClient.GetDB(),
		RoutingKey:        botCfg.RoutingKey,
		IncludeUnrouted:   botCfg.ClaimUnrouted,
		MaxRetries:        cfg.Worker.MaxRetries,
		StaleAfter:        cfg.Worker.StaleAfter,
		Concurrency:       cfg.Worker.Concurrency,
		IdleInterval:      cfg.Worker.IdleInterval,
		ErrorBackoff:      cfg.Worker.ErrorBackoff,
		MaxErrorBackoff:   cfg.Worker.MaxErrorBackoff,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		RunOnceEmptyPolls: cfg.Worker.RunOnceEmptyPolls,
		Wakeups:           wakeups,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once {
		processed, err := workerInstance.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("run once: %w", err)
		}
		appLogger.Info("Run-once finished", slog.Bool("processed", processed))
		return nil
	}

	var poll func(context.Context) error
	if cfg.Instagram.Enabled && identity == config.IdentityMain {
		poller, err := newPoller(&cfg.Instagram, dbClient.GetDB(), appLogger.Component("instagram"))
		if err != nil {
			return fmt.Errorf("failed to initialize Instagram poller: %w", err)
		}
		poll = poller.Run
	}

	g := startServices(ctx, appLogger.Logger, workerInstance.Start, poll)
	appLogger.Info("Worker service started successfully")

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			appLogger.Error("Worker error", slog.Any("error", err))
			return err
		}
	case <-ctx.Done():
		appLogger.Info("Received signal, shutting down gracefully")

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			appLogger.Info("Worker stopped gracefully")
		case <-time.After(cfg.Worker.ShutdownTimeout):
			appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
		}
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// startServices runs the worker and, when poll is set, the Instagram poller on
// ctx. The poller is best effort: its errors and panics are logged and never
// stop the worker.
func startServices(ctx context.Context, logger *slog.Logger, work, poll func(context.Context) error) *errgroup.Group {
	g := &errgroup.Group{}
	g.Go(func() error {
		return work(ctx)
	})

	if poll != nil {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Instagram poller panicked", slog.Any("panic", r))
				}
			}()
			if err := poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Instagram poller stopped", slog.Any("error", err))
			}
			return nil
		})
	}
	return g
}

// newRegistry binds the handlers of one bot identity.
func newRegistry(identity string, botCfg config.BotConfig, tg *telegram.Client, logger *slog.Logger) *dispatch.Registry {
	registry := dispatch.NewRegistry(botCfg.Namespace, logger)
	switch identity {
	case config.IdentityTGMS:
		tgms.New(tg, logger).Register(registry)
	default:
		bot.New(tg, logger).Register(registry)
	}

	logger.Info("Handlers registered", slog.Any("job_types", registry.JobTypes()))
	return registry
}

func newPoller(cfg *config.InstagramConfig, db *sqlx.DB, logger *slog.Logger) (*instagram.Poller, error) {
	session, err := instagram.NewSession(instagram.SessionConfig{
		BaseURL:     cfg.BaseURL,
		Username:    cfg.Username,
		Password:    cfg.Password,
		SessionFile: cfg.SessionFile,
		UserAgent:   cfg.UserAgent,
		Timeout:     cfg.RequestTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	return instagram.NewPoller(session, instagram.NewClient(session), igstorage.NewStore(db, logger), instagram.PollerConfig{
		MinInterval:      cfg.MinInterval,
		MaxInterval:      cfg.MaxInterval,
		FailureThreshold: cfg.FailureThreshold,
		Cooldown:         cfg.Cooldown,
		InitialBackoff:   cfg.InitialBackoff,
		MaxBackoff:       cfg.MaxBackoff,
		Logger:           logger,
	}), nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		NoColor:      cfg.NoColor,
	})
}

func databaseConfig(cfg *config.DatabaseConfig) *database.Config {
	return &database.Config{
		Driver:          cfg.Driver,
		DSN:             cfg.DSN,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}
}

// initRabbitMQ declares this identity's wake-up queue "<queue>.<routing_key>"
// and binds it to the routing key, plus the empty key when the identity also
// claims unrouted jobs.
func initRabbitMQ(cfg *config.RabbitMQConfig, botCfg config.BotConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	bindings := []string{botCfg.RoutingKey}
	if botCfg.ClaimUnrouted {
		bindings = append(bindings, "")
	}

	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name + "." + botCfg.RoutingKey,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		BindingKeys:        bindings,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
