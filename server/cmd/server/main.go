package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/api"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/auth"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/db"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/dispatch"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/events"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/ingest"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/optimizer"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/registry"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/schedule"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/secrets"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/sweeps"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const jwtIssuer = "shuttersense-server"

type config struct {
	httpAddr  string
	dbDriver  string
	dbDSN     string
	secretKey string
	logLevel  string
	dataDir   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "shuttersense-server",
		Short: "ShutterSense server — central photo-analysis coordination server",
		Long: `ShutterSense server is the central component of the ShutterSense
platform. It exposes a REST API for operators, an HTTP API for agents
to claim and report analysis jobs, and manages schedules, release
manifests, and result retention.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("SHUTTERSENSE_HTTP_ADDR", ":8080"), "HTTP listen address for operator and agent APIs")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("SHUTTERSENSE_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("SHUTTERSENSE_DB_DSN", "./shuttersense.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("SHUTTERSENSE_SECRET_KEY", ""), "Master secret key for encrypting credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("SHUTTERSENSE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("SHUTTERSENSE_DATA_DIR", "./data"), "Directory for server data (JWT signing keys, release artifacts)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("shuttersense-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or SHUTTERSENSE_SECRET_KEY")
	}

	logger.Info("starting shuttersense server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// InitEncryption must run before any DB operation so EncryptedString
	// columns round-trip correctly.
	if err := db.InitEncryption([]byte(cfg.secretKey)); err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}

	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormlogger.Warn,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	repos := repositories.New(database)

	jwtManager, err := buildJWTManager(cfg.dataDir, logger)
	if err != nil {
		return fmt.Errorf("init jwt manager: %w", err)
	}
	authService := auth.NewService(repos.Users, jwtManager)

	secretCache := secrets.NewCache(logger)

	hub := events.NewHub()
	go hub.Run(ctx)

	dispatcher := dispatch.New(repos, secretCache, hub, logger)
	ingestor := ingest.New(repos, secretCache, dispatcher, hub, logger)
	reg := registry.New(repos, hub, logger)
	opt := optimizer.New(repos, logger)
	schedules := schedule.New(repos, dispatcher, logger)

	runner, err := sweeps.New(reg, schedules, ingestor, opt, logger)
	if err != nil {
		return fmt.Errorf("init sweeps: %w", err)
	}
	if err := runner.Start(); err != nil {
		return fmt.Errorf("start sweeps: %w", err)
	}
	defer runner.Stop() //nolint:errcheck

	router := api.NewRouter(api.RouterConfig{
		AuthService: authService,
		Registry:    reg,
		Dispatcher:  dispatcher,
		Ingestor:    ingestor,
		Optimizer:   opt,
		Schedules:   schedules,
		Hub:         hub,
		Repos:       repos,
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down shuttersense server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// buildJWTManager loads the RS256 signing keypair from the data directory,
// or generates an ephemeral one when no keypair exists. Ephemeral keys
// mean operator sessions do not survive a restart, so the fallback is
// logged loudly.
func buildJWTManager(dataDir string, logger *zap.Logger) (*auth.JWTManager, error) {
	privPath := filepath.Join(dataDir, "jwt_private.pem")
	pubPath := filepath.Join(dataDir, "jwt_public.pem")

	if _, err := os.Stat(privPath); err == nil {
		return auth.NewJWTManagerFromFiles(privPath, pubPath, jwtIssuer)
	}

	logger.Warn("no JWT signing keypair found, generating ephemeral keys",
		zap.String("private_key_path", privPath),
	)
	return auth.NewJWTManagerGenerated(jwtIssuer)
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
