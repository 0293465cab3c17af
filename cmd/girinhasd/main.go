package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/girinapp/girinhas/internal/gateway"
	"github.com/girinapp/girinhas/internal/httpapi"
	"github.com/girinapp/girinhas/internal/observability"
	"github.com/girinapp/girinhas/internal/oplog"
	"github.com/girinapp/girinhas/internal/store/gormstore"
	"github.com/girinapp/girinhas/internal/webhook"
	"github.com/girinapp/girinhas/pkg/girinhas"
)

const (
	flagDatabaseURL     = "database-url"
	flagListenAddr      = "listen-addr"
	flagTokenSecret     = "token-secret"
	flagGatewayURL      = "gateway-url"
	flagGatewayToken    = "gateway-token"
	flagMetricsInterval = "metrics-interval"

	configKeyDatabaseURL     = "database_url"
	configKeyListenAddr      = "listen_addr"
	configKeyTokenSecret     = "token_secret"
	configKeyGatewayURL      = "gateway_url"
	configKeyGatewayToken    = "gateway_token"
	configKeyMetricsInterval = "metrics_interval"

	defaultDatabaseURL     = "sqlite:///tmp/girinhas.db"
	defaultListenAddr      = ":8080"
	defaultMetricsInterval = time.Minute

	shutdownGrace = 10 * time.Second
)

type runtimeConfig struct {
	DatabaseURL     string
	ListenAddr      string
	TokenSecret     string
	GatewayURL      string
	GatewayToken    string
	MetricsInterval time.Duration
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "girinhasd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "girinhasd",
		Short:         "Girinhas virtual currency ledger server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagTokenSecret, "", "HMAC secret for API bearer tokens (empty disables auth)")
	cmd.Flags().String(flagGatewayURL, "", "payment gateway base URL")
	cmd.Flags().String(flagGatewayToken, "", "payment gateway access token")
	cmd.Flags().Duration(flagMetricsInterval, defaultMetricsInterval, "economy metrics refresh interval")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:     "DATABASE_URL",
		configKeyListenAddr:      "LISTEN_ADDR",
		configKeyTokenSecret:     "TOKEN_SECRET",
		configKeyGatewayURL:      "GATEWAY_URL",
		configKeyGatewayToken:    "GATEWAY_TOKEN",
		configKeyMetricsInterval: "METRICS_INTERVAL",
	}
	for key, envName := range bindings {
		if err := viper.BindEnv(key, envName); err != nil {
			return err
		}
	}
	flags := map[string]string{
		configKeyDatabaseURL:     flagDatabaseURL,
		configKeyListenAddr:      flagListenAddr,
		configKeyTokenSecret:     flagTokenSecret,
		configKeyGatewayURL:      flagGatewayURL,
		configKeyGatewayToken:    flagGatewayToken,
		configKeyMetricsInterval: flagMetricsInterval,
	}
	for key, flagName := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.TokenSecret = viper.GetString(configKeyTokenSecret)
	cfg.GatewayURL = viper.GetString(configKeyGatewayURL)
	cfg.GatewayToken = viper.GetString(configKeyGatewayToken)
	cfg.MetricsInterval = viper.GetDuration(configKeyMetricsInterval)
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = defaultMetricsInterval
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := girinhas.NewService(store, girinhas.DefaultConfig(), clock,
		girinhas.WithOperationLogger(oplog.New(logger)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	monitor, err := girinhas.NewHealthMonitor(store, clock, 0)
	if err != nil {
		return fmt.Errorf("health monitor init: %w", err)
	}
	paymentGateway := gateway.NewClient(cfg.GatewayURL, cfg.GatewayToken, logger)
	reconciler, err := webhook.NewReconciler(paymentGateway, service, logger)
	if err != nil {
		return fmt.Errorf("webhook reconciler init: %w", err)
	}

	apiServer := httpapi.NewServer(service, monitor, reconciler, logger, []byte(cfg.TokenSecret))
	apiServer.EnableMetrics()

	publisher := observability.NewPublisher(monitor, logger, cfg.MetricsInterval)
	go publisher.Run(ctx)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: apiServer.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", zap.String("listen_addr", cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			return nil
		}
		return serveErr
	}
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "girinhas.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
