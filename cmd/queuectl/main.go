// Command queuectl administers the job queue.
//
// Subcommands:
//
//	migrate  apply (or roll back) the embedded schema
//	enqueue  insert a job
//	show     print one job
//	stats    count jobs per status
package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/cuongbtq/tgbot-jobs/internal/config"
	"github.com/cuongbtq/tgbot-jobs/shared/database"
	"github.com/cuongbtq/tgbot-jobs/shared/logger"
)

type globalOptions struct {
	configPath string
	driver     string
	dsn        string
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	if err := newRootCmd().Execute(); err != nil {
		slog.Error("Command failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}

	root := &cobra.Command{
		Use:           "queuectl",
		Short:         "Administer the bot job queue",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath, "Path to configuration file")
	root.PersistentFlags().StringVar(&opts.driver, "driver", "", "Database driver override (postgres or sqlite)")
	root.PersistentFlags().StringVar(&opts.dsn, "dsn", "", "Database DSN override")

	root.AddCommand(
		migrateCmd(opts),
		enqueueCmd(opts),
		showCmd(opts),
		statsCmd(opts),
	)
	return root
}

// load reads the configuration and applies the command line overrides.
func (o *globalOptions) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if o.driver != "" {
		cfg.Database.Driver = o.driver
	}
	if o.dsn != "" {
		cfg.Database.DSN = o.dsn
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(&logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     "stderr",
		TimeFormat: time.RFC3339,
		NoColor:    cfg.Logging.NoColor,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, appLogger.Logger, nil
}

func (o *globalOptions) connect() (*config.Config, *database.Client, error) {
	cfg, appLog, err := o.load()
	if err != nil {
		return nil, nil, err
	}
	client, err := database.NewClient(databaseConfig(&cfg.Database), appLog)
	if err != nil {
		return nil, nil, err
	}
	return cfg, client, nil
}

func migrateCmd(opts *globalOptions) *cobra.Command {
	var down int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations, or roll back with --down",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, appLog, err := opts.load()
			if err != nil {
				return err
			}

			dbConfig := databaseConfig(&cfg.Database)
			db, err := database.Open(dbConfig)
			if err != nil {
				return err
			}
			m, err := database.NewMigrator(db, appLog)
			if err != nil {
				db.Close()
				return err
			}
			defer m.Close()

			var version uint
			if down > 0 {
				version, err = m.Down(down)
			} else {
				version, err = m.Up()
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
			return nil
		},
	}
	cmd.Flags().IntVar(&down, "down", 0, "Roll back this many migrations instead of applying")
	return cmd
}

func enqueueCmd(opts *globalOptions) *cobra.Command {
	var req enqueueRequest

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Insert a pending job",
		Example: `  queuectl enqueue --type broadcast_message --payload '{"text":"hello"}'
  queuectl enqueue --type tgms:kick_inactive_members --payload '{"inactive_days":14}'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, client, err := opts.connect()
			if err != nil {
				return err
			}
			defer client.Close()

			return runEnqueue(cmd.Context(), client.GetDB(), cfg.Bots, req, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&req.JobType, "type", "", "Job type, optionally namespaced (tgms:send_to_groups)")
	cmd.Flags().StringVar(&req.Payload, "payload", "{}", "JSON payload")
	cmd.Flags().StringVar(&req.RoutingKey, "routing-key", "", "Routing key; derived from the job type namespace when empty")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func showCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job_id>",
		Short: "Print a job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}

			_, client, err := opts.connect()
			if err != nil {
				return err
			}
			defer client.Close()

			return runShow(cmd.Context(), client.GetDB(), jobID, cmd.OutOrStdout())
		},
	}
}

func statsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count jobs per status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, client, err := opts.connect()
			if err != nil {
				return err
			}
			defer client.Close()

			return runStats(cmd.Context(), client.GetDB(), cmd.OutOrStdout())
		},
	}
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
