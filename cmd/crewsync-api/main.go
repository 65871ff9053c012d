package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opsfield/crewsync/internal/auth"
	"github.com/opsfield/crewsync/internal/config"
	"github.com/opsfield/crewsync/internal/database"
	"github.com/opsfield/crewsync/internal/devices"
	"github.com/opsfield/crewsync/internal/engine"
	"github.com/opsfield/crewsync/internal/logging"
	"github.com/opsfield/crewsync/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "crewsync-api",
		Short: "Field-crew sync backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Device token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Device token signing secret (overrides env)")
	cmd.PersistentFlags().Int("max-batch-size", defaults.GetInt("sync.max_batch_size"), "Maximum mutations per sync batch")
	cmd.PersistentFlags().Int("max-pending-conflicts", defaults.GetInt("sync.max_pending_conflicts"), "Maximum pending conflicts before backpressure")
	cmd.PersistentFlags().Int("batch-time-budget-ms", defaults.GetInt("sync.batch_time_budget_ms"), "Per-batch processing time budget in milliseconds")
	cmd.PersistentFlags().Int("delta-page-size", defaults.GetInt("sync.delta_page_size"), "Maximum changes per compiled delta")
	cmd.PersistentFlags().Bool("suppress-echo", defaults.GetBool("sync.suppress_echo"), "Exclude a device's own writes from its deltas")
	cmd.PersistentFlags().Int64("retention-keep", defaults.GetInt64("sync.retention_keep"), "Change-log entries to retain when pruning (0 disables pruning)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "sync.max_batch_size", "max-batch-size")
	bindFlag(cmd, "sync.max_pending_conflicts", "max-pending-conflicts")
	bindFlag(cmd, "sync.batch_time_budget_ms", "batch-time-budget-ms")
	bindFlag(cmd, "sync.delta_page_size", "delta-page-size")
	bindFlag(cmd, "sync.suppress_echo", "suppress-echo")
	bindFlag(cmd, "sync.retention_keep", "retention-keep")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "crewsync-auth",
		Audience:      "crewsync-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	deviceRegistry, err := devices.NewRegistry(devices.RegistryConfig{
		Database: db,
	})
	if err != nil {
		return err
	}

	syncService, err := engine.NewService(engine.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: engine.NewUUIDProvider(),
		Logger:     logger,
		Limits: engine.Limits{
			MaxBatchSize:        appConfig.MaxBatchSize,
			MaxPendingConflicts: appConfig.MaxPendingConflicts,
			BatchTimeBudget:     appConfig.BatchTimeBudget,
			DeltaPageSize:       appConfig.DeltaPageSize,
			SuppressEcho:        appConfig.SuppressEcho,
		},
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Devices:      deviceRegistry,
		SyncService:  syncService,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if appConfig.RetentionKeep > 0 {
		go runChangeLogPruner(signalCtx, syncService, appConfig.RetentionKeep, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runChangeLogPruner trims the sync change log on an hourly cadence so the
// retention floor tracks load instead of growing without bound.
func runChangeLogPruner(ctx context.Context, syncService *engine.Service, keep int64, logger *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := syncService.PruneChangeLog(ctx, keep); err != nil {
				logger.Warn("change log prune failed", zap.Error(err))
			}
		}
	}
}
