package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/tgbot-jobs/internal/worker/domain"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// IdentityMain is the primary user-facing bot.
	IdentityMain = "main"
	// IdentityTGMS is the group-management bot.
	IdentityTGMS = "tgms"
)

// Config represents the complete application configuration
type Config struct {
	App       AppConfig       `yaml:"app"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Logging   LoggingConfig   `yaml:"logging"`
	Worker    WorkerConfig    `yaml:"worker"`
	Bots      BotsConfig      `yaml:"bots"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Instagram InstagramConfig `yaml:"instagram"`
	Ingress   IngressConfig   `yaml:"ingress"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds the job store connection configuration.
// Driver is "postgres" (default) or "sqlite"; for sqlite, Database is the file path.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" env:"DB_DRIVER"`
	DSN             string        `yaml:"dsn" env:"DATABASE_URL"`
	Host            string        `yaml:"host" env:"DB_HOST"`
	Port            int           `yaml:"port" env:"DB_PORT"`
	User            string        `yaml:"user" env:"DB_USER"`
	Password        string        `yaml:"password" env:"DB_PASSWORD"`
	Database        string        `yaml:"database" env:"DB_NAME"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	// AutoMigrate applies the embedded schema at service start.
	AutoMigrate bool `yaml:"auto_migrate" env:"DB_AUTO_MIGRATE"`
}

// RabbitMQConfig configures the optional wake-up channel between ingress and workers.
// The job table stays the source of truth; a lost notification only costs one idle interval.
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled" env:"RABBITMQ_ENABLED"`
	Host       string           `yaml:"host" env:"RABBITMQ_HOST"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password" env:"RABBITMQ_PASSWORD"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration. Name is a prefix; each worker
// identity binds its own "<name>.<routing_key>" queue.
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings. Timeout bounds all
// attempts of one wake-up so a slow broker never delays the HTTP reply.
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	Timeout           time.Duration `yaml:"timeout"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" env:"LOG_LEVEL"`
	Format       string `yaml:"format" env:"LOG_FORMAT"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	NoColor      bool   `yaml:"no_color" env:"NO_COLOR"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment" env:"APP_ENV"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	// Identity selects the bot this process serves when -identity is not given.
	Identity          string        `yaml:"identity" env:"WORKER_IDENTITY"`
	Concurrency       int           `yaml:"concurrency"`
	MaxRetries        int           `yaml:"max_retries"`
	IdleInterval      time.Duration `yaml:"idle_interval"`
	ErrorBackoff      time.Duration `yaml:"error_backoff"`
	MaxErrorBackoff   time.Duration `yaml:"max_error_backoff"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	RunOnceEmptyPolls int           `yaml:"run_once_empty_polls"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// BotsConfig holds one entry per bot identity sharing the queue.
type BotsConfig struct {
	Main BotConfig `yaml:"main" envPrefix:"MAIN_BOT_"`
	TGMS BotConfig `yaml:"tgms" envPrefix:"TGMS_BOT_"`
}

// BotConfig describes one Telegram bot identity.
type BotConfig struct {
	Token         string `yaml:"token" env:"TOKEN"`
	WebhookSecret string `yaml:"webhook_secret" env:"WEBHOOK_SECRET"`
	// Namespace is stripped from job types before lookup ("tgms" accepts "tgms:x" and "tgms_x").
	Namespace  string `yaml:"namespace"`
	RoutingKey string `yaml:"routing_key"`
	// ClaimUnrouted lets this identity also take rows written without a routing key.
	ClaimUnrouted bool `yaml:"claim_unrouted"`
}

// TelegramConfig holds Bot API client settings shared by all identities.
type TelegramConfig struct {
	APIBaseURL     string        `yaml:"api_base_url" env:"TELEGRAM_API_BASE_URL"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// SendRate is the sustained messages per second for fan-out sends.
	SendRate float64 `yaml:"send_rate"`
}

// InstagramConfig configures the live-broadcast poller.
type InstagramConfig struct {
	Enabled          bool          `yaml:"enabled" env:"IG_ENABLED"`
	BaseURL          string        `yaml:"base_url"`
	Username         string        `yaml:"username" env:"IG_USERNAME"`
	Password         string        `yaml:"password" env:"IG_PASSWORD"`
	SessionFile      string        `yaml:"session_file" env:"IG_SESSION_FILE"`
	UserAgent        string        `yaml:"user_agent"`
	MinInterval      time.Duration `yaml:"min_interval"`
	MaxInterval      time.Duration `yaml:"max_interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
}

// IngressConfig holds webhook and admin API settings.
type IngressConfig struct {
	AdminToken   string `yaml:"admin_token" env:"INGRESS_ADMIN_TOKEN"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// Load reads and parses the configuration file, applies environment overrides and fills defaults.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills every zero-valued tunable with its canonical default.
func (c *Config) ApplyDefaults() {
	setString(&c.Database.Driver, "postgres")
	setString(&c.Database.SSLMode, "disable")
	setInt(&c.Database.MaxOpenConns, 10)
	setInt(&c.Database.MaxIdleConns, 5)

	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "console")
	setString(&c.Logging.Output, "stdout")

	setDuration(&c.Server.ReadTimeout, 10*time.Second)
	setDuration(&c.Server.WriteTimeout, 10*time.Second)
	setDuration(&c.Server.IdleTimeout, 60*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 15*time.Second)

	setString(&c.RabbitMQ.Exchange.Name, "jobs.wakeup")
	setString(&c.RabbitMQ.Exchange.Type, "direct")
	setString(&c.RabbitMQ.Queue.Name, "jobs.wakeup")
	setInt(&c.RabbitMQ.Connection.RetryAttempts, 5)
	setDuration(&c.RabbitMQ.Connection.RetryInterval, 2*time.Second)
	setDuration(&c.RabbitMQ.Connection.Heartbeat, 10*time.Second)
	setDuration(&c.RabbitMQ.Connection.ConnectionTimeout, 5*time.Second)
	setInt(&c.RabbitMQ.Publish.RetryAttempts, 3)
	setDuration(&c.RabbitMQ.Publish.RetryInterval, 100*time.Millisecond)
	setDuration(&c.RabbitMQ.Publish.Timeout, time.Second)
	setInt(&c.RabbitMQ.Consumer.PrefetchCount, 10)

	setString(&c.Worker.Identity, IdentityMain)
	setInt(&c.Worker.Concurrency, 1)
	setInt(&c.Worker.MaxRetries, 3)
	setDuration(&c.Worker.IdleInterval, 2*time.Second)
	setDuration(&c.Worker.ErrorBackoff, 4*time.Second)
	setDuration(&c.Worker.MaxErrorBackoff, time.Minute)
	setDuration(&c.Worker.StaleAfter, 5*time.Minute)
	setDuration(&c.Worker.HeartbeatInterval, time.Minute)
	setInt(&c.Worker.RunOnceEmptyPolls, 3)
	setDuration(&c.Worker.ShutdownTimeout, 30*time.Second)

	setString(&c.Bots.Main.RoutingKey, IdentityMain)
	setString(&c.Bots.TGMS.RoutingKey, IdentityTGMS)
	setString(&c.Bots.TGMS.Namespace, IdentityTGMS)

	setString(&c.Telegram.APIBaseURL, "https://api.telegram.org")
	setDuration(&c.Telegram.RequestTimeout, 15*time.Second)
	if c.Telegram.SendRate <= 0 {
		c.Telegram.SendRate = 5
	}

	setString(&c.Instagram.BaseURL, "https://i.instagram.com")
	setString(&c.Instagram.UserAgent, "Instagram 219.0.0.12.117 Android")
	setDuration(&c.Instagram.MinInterval, 120*time.Second)
	setDuration(&c.Instagram.MaxInterval, 240*time.Second)
	setInt(&c.Instagram.FailureThreshold, 5)
	setDuration(&c.Instagram.Cooldown, 30*time.Minute)
	setDuration(&c.Instagram.InitialBackoff, 30*time.Second)
	setDuration(&c.Instagram.MaxBackoff, 10*time.Minute)
	setDuration(&c.Instagram.RequestTimeout, 20*time.Second)

	if c.Ingress.MaxBodyBytes <= 0 {
		c.Ingress.MaxBodyBytes = 1 << 20
	}
}

// Bot returns the bot configuration for identity.
func (b *BotsConfig) Bot(identity string) (BotConfig, bool) {
	switch strings.ToLower(identity) {
	case IdentityMain:
		return b.Main, true
	case IdentityTGMS:
		return b.TGMS, true
	default:
		return BotConfig{}, false
	}
}

// RoutingKeyFor derives the routing key of a job type from its namespace prefix,
// so "tgms:send_to_groups" lands on the tgms worker. Types without a known
// namespace are unrouted.
func (b *BotsConfig) RoutingKeyFor(jobType string) string {
	normalized := domain.NormalizeJobType(jobType)
	for _, bot := range []BotConfig{b.Main, b.TGMS} {
		if bot.Namespace == "" {
			continue
		}
		if _, ok := domain.StripNamespace(normalized, bot.Namespace); ok {
			return bot.RoutingKey
		}
	}
	return ""
}

// Validate checks the settings every service shares.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			if c.Database.Host == "" {
				return fmt.Errorf("database host is required")
			}
			if c.Database.Port < MinPort || c.Database.Port > MaxPort {
				return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	case "sqlite":
		if c.Database.DSN == "" && c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
	}

	return nil
}

// ValidateAPIConfig checks the webhook service settings.
func (c *Config) ValidateAPIConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Bots.Main.Token == "" && c.Bots.TGMS.Token == "" {
		return fmt.Errorf("at least one bot token is required")
	}

	return nil
}

// ValidateWorkerConfig checks the worker service settings for identity.
func (c *Config) ValidateWorkerConfig(identity string) error {
	if err := c.Validate(); err != nil {
		return err
	}

	bot, ok := c.Bots.Bot(identity)
	if !ok {
		return fmt.Errorf("unknown worker identity: %q", identity)
	}
	if bot.Token == "" {
		return fmt.Errorf("bot token for identity %q is required", identity)
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker max_retries must not be negative")
	}

	if c.Worker.IdleInterval <= 0 {
		return fmt.Errorf("worker idle_interval must be greater than 0")
	}

	if c.Worker.MaxErrorBackoff < c.Worker.ErrorBackoff {
		return fmt.Errorf("worker max_error_backoff must not be below error_backoff")
	}

	if c.Instagram.Enabled {
		if c.Instagram.SessionFile == "" && (c.Instagram.Username == "" || c.Instagram.Password == "") {
			return fmt.Errorf("instagram needs a session file or username and password")
		}
		if c.Instagram.MaxInterval < c.Instagram.MinInterval {
			return fmt.Errorf("instagram max_interval must not be below min_interval")
		}
	}

	return nil
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}
