package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tgblast/tgblast/internal/agent"
	"github.com/tgblast/tgblast/internal/api"
	"github.com/tgblast/tgblast/internal/campaign"
	"github.com/tgblast/tgblast/internal/config"
	"github.com/tgblast/tgblast/internal/dispatch"
	"github.com/tgblast/tgblast/internal/ledger"
	"github.com/tgblast/tgblast/internal/models"
	"github.com/tgblast/tgblast/internal/storage"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "tgblast",
		Short: "tgblast is a bulk messaging campaign dispatcher",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(workerCmd(&configPath))
	rootCmd.AddCommand(ownerCmd(&configPath))
	rootCmd.AddCommand(accountCmd(&configPath))
	rootCmd.AddCommand(statsCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the tgblast API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			if cfg.Auth.WorkerToken == "" {
				log.Warn().Msg("auth.worker_token is not set, worker routes will reject all requests")
			}

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info().Msg("database migrations completed")

			reporter := dispatch.NewReporter(store, cfg.Dispatch.MaxAttempts, cfg.Dispatch.RetryBackoff, log)
			orch := campaign.NewOrchestrator(store, log)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var sweeper *dispatch.Sweeper
			if cfg.Dispatch.SweepEnabled {
				sweeper = dispatch.NewSweeper(store, cfg.Dispatch.ClaimTimeout, cfg.Dispatch.SweepInterval, log)
				sweeper.Start(ctx)
			}

			server := api.NewServer(cfg.Server, store, reporter, orch, cfg.Auth.WorkerToken, log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Int("port", cfg.Server.Port).
				Str("storage", cfg.Storage.Driver).
				Bool("sweeper", cfg.Dispatch.SweepEnabled).
				Msg("tgblast is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}

			if sweeper != nil {
				sweeper.Stop()
			}

			log.Info().Msg("tgblast stopped")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func workerCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a polling worker against a tgblast API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			if cfg.Auth.WorkerToken == "" {
				return fmt.Errorf("auth.worker_token is required to run a worker")
			}

			sender := agent.NewSimSender(cfg.Worker.FailureRate)
			a := agent.New(cfg.Worker, sender, cfg.Auth.WorkerToken, version, log)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			a.Start(ctx)

			log.Info().
				Str("worker_id", a.WorkerID()).
				Str("api_url", cfg.Worker.APIURL).
				Msg("worker is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			a.Stop()
			return nil
		},
	}
}

func ownerCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "owner",
		Short: "Manage API owners",
	}

	// owner create
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			telegramID, _ := cmd.Flags().GetString("telegram-id")
			name, _ := cmd.Flags().GetString("name")
			if telegramID == "" {
				return fmt.Errorf("--telegram-id is required")
			}

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			now := time.Now().UTC()
			owner := &models.Owner{
				ID:         models.NewID("own"),
				TelegramID: telegramID,
				Name:       name,
				APIToken:   models.NewAPIToken(),
				CreatedAt:  now,
				UpdatedAt:  now,
			}

			if err := store.CreateOwner(context.Background(), owner); err != nil {
				return fmt.Errorf("failed to create owner: %w", err)
			}

			out, _ := json.MarshalIndent(owner, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	createCmd.Flags().String("telegram-id", "", "telegram user id")
	createCmd.Flags().String("name", "", "display name")

	// owner list
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all owners",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			owners, err := store.ListOwners(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list owners: %w", err)
			}

			if len(owners) == 0 {
				fmt.Println("No owners found.")
				return nil
			}

			for _, o := range owners {
				fmt.Printf("  %s  %s  tg:%s  (created %s)\n", o.ID, o.Name, o.TelegramID, o.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.AddCommand(createCmd, listCmd)
	return cmd
}

func accountCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage sending accounts",
	}

	// account create
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new sending account",
		RunE: func(cmd *cobra.Command, args []string) error {
			label, _ := cmd.Flags().GetString("label")
			sessionKey, _ := cmd.Flags().GetString("session-key")
			hourlyLimit, _ := cmd.Flags().GetInt("hourly-limit")
			dailyLimit, _ := cmd.Flags().GetInt("daily-limit")
			if label == "" {
				return fmt.Errorf("--label is required")
			}

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			now := time.Now().UTC()
			account := &models.Account{
				ID:            models.NewID("acc"),
				Label:         label,
				SessionKey:    sessionKey,
				Status:        models.AccountIdle,
				IsActive:      true,
				HourlyLimit:   hourlyLimit,
				HourlyResetAt: ledger.NextHourlyReset(now),
				DailyLimit:    dailyLimit,
				DailyResetAt:  ledger.NextDailyReset(now),
				CreatedAt:     now,
				UpdatedAt:     now,
			}

			if err := store.CreateAccount(context.Background(), account); err != nil {
				return fmt.Errorf("failed to create account: %w", err)
			}

			out, _ := json.MarshalIndent(account, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	createCmd.Flags().String("label", "", "account label")
	createCmd.Flags().String("session-key", "", "session credential reference")
	createCmd.Flags().Int("hourly-limit", 50, "messages per hour, 0 for unlimited")
	createCmd.Flags().Int("daily-limit", 200, "messages per day, 0 for unlimited")

	// account list
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			accounts, err := store.ListAccounts(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list accounts: %w", err)
			}

			if len(accounts) == 0 {
				fmt.Println("No accounts found.")
				return nil
			}

			for _, a := range accounts {
				fmt.Printf("  %s  %s  %s  %d/%d hourly  %d/%d daily\n",
					a.ID, a.Label, a.Status, a.HourlySent, a.HourlyLimit, a.DailySent, a.DailyLimit)
			}
			return nil
		},
	}

	cmd.AddCommand(createCmd, listCmd)
	return cmd
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show dispatch stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			workerID := ""
			if len(args) > 0 {
				workerID = args[0]
			}

			stats, err := store.GetDispatchStats(context.Background(), workerID, time.Now().UTC())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}

			out, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tgblast v%s\n", version)
		},
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

func storeFromConfig(configPath string) (storage.Storage, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging)
	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, func() { store.Close() }, nil
}
