package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dispatchmail/policyd/internal/config"
	"github.com/dispatchmail/policyd/internal/dispatch"
	"github.com/dispatchmail/policyd/internal/logging"
	"github.com/dispatchmail/policyd/internal/ops"
	"github.com/dispatchmail/policyd/internal/policy"
	"github.com/dispatchmail/policyd/internal/rulestore"
	"github.com/dispatchmail/policyd/internal/throttle"
)

var version = "dev"

var (
	cfgFile string
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "policyd",
	Short: "Per-message mail disposition engine",
	Long: `policyd decides what happens to each inbound message: forwarding
fan-out with loop protection, throttled auto-replies, and per-alias filter
rules that keep, discard, file, redirect, or reject. Delivery hooks submit
messages over the ops API and receive a disposition plan back.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the disposition engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		logger, err := logging.New(logging.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger.InfoContext(cmd.Context(), "policyd starting", "version", version)

		store, err := rulestore.Open(cfg.Storage.DatabasePath, logger)
		if err != nil {
			return fmt.Errorf("failed to open rule store: %w", err)
		}
		defer store.Close()
		logger.InfoContext(cmd.Context(), "rule store opened", "path", cfg.Storage.DatabasePath)

		replyThrottle, closeThrottle, err := buildThrottle(cfg, store)
		if err != nil {
			return fmt.Errorf("failed to initialize reply throttle: %w", err)
		}
		defer closeThrottle()
		logger.InfoContext(cmd.Context(), "reply throttle ready", "backend", cfg.Throttle.Backend)

		engine := policy.NewEngine(store, replyThrottle, cfg.Engine.MaxHops, logger)

		connectTimeout, _ := cfg.ConnectTimeout()
		relay := dispatch.WithBreaker(dispatch.NewRelay(
			cfg.Dispatch.RelayHost,
			cfg.Dispatch.RelayStartTLS,
			cfg.Dispatch.RelayTLS,
			cfg.Dispatch.VerifyTLS,
			connectTimeout,
			logger.Dispatch(),
		), logger)

		filer, err := buildFiler(cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize filing backend: %w", err)
		}
		logger.InfoContext(cmd.Context(), "filing backend ready", "backend", cfg.Dispatch.FilingBackend)

		dispatcher := dispatch.NewDispatcher(relay, filer, cfg.Dispatch.Hostname, logger)

		if !cfg.Ops.Enabled {
			return fmt.Errorf("ops.enabled is false: the engine has no other inbound surface")
		}
		opsSrv := ops.NewServer(cfg.Ops, cfg.Engine, engine, dispatcher, store, logger)

		errCh := make(chan error, 1)
		go func() {
			errCh <- opsSrv.Start()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.InfoContext(cmd.Context(), "received shutdown signal", "signal", sig.String())
		case err := <-errCh:
			return fmt.Errorf("ops server failed: %w", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := opsSrv.Shutdown(shutdownCtx); err != nil {
			logger.ErrorContext(shutdownCtx, "ops server shutdown error", err)
		}

		logger.InfoContext(cmd.Context(), "shutdown complete")
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.Default()
		store, err := rulestore.Open(cfg.Storage.DatabasePath, logger)
		if err != nil {
			return fmt.Errorf("failed to open rule store: %w", err)
		}
		defer store.Close()

		fmt.Println("Migrations completed successfully")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("policyd %s\n", version)
	},
}

// buildThrottle selects the reply throttle backend. The sqlite backend
// shares the rule store's database so one claim is one transaction.
func buildThrottle(cfg *config.Config, store *rulestore.Store) (policy.ReplyThrottle, func(), error) {
	switch cfg.Throttle.Backend {
	case "redis":
		r, err := throttle.NewRedis(cfg.Throttle.RedisURL, cfg.Throttle.Prefix)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { r.Close() }, nil
	default:
		s, err := throttle.NewSQLite(store.DB())
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	}
}

func buildFiler(cfg *config.Config, logger *logging.Logger) (dispatch.Filer, error) {
	switch cfg.Dispatch.FilingBackend {
	case "imap":
		return dispatch.NewIMAPFiler(cfg.Dispatch.IMAP, logger.Dispatch()), nil
	default:
		return dispatch.NewMaildirFiler(cfg.Dispatch.MaildirPath, logger.Dispatch())
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)

	policyCmd.AddCommand(policyImportCmd)
	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policyLogCmd)
	rootCmd.AddCommand(policyCmd)
}
