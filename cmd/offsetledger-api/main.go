package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/offsetledger/internal/cache"
	"github.com/MarcoPoloResearchLab/offsetledger/internal/config"
	"github.com/MarcoPoloResearchLab/offsetledger/internal/credits"
	"github.com/MarcoPoloResearchLab/offsetledger/internal/database"
	"github.com/MarcoPoloResearchLab/offsetledger/internal/logging"
	"github.com/MarcoPoloResearchLab/offsetledger/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "offsetledger-api",
		Short: "Environmental credit ledger service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newMigrateCommand(), newDeriveIDCommand())
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString(config.KeyHTTPAddress), "HTTP listen address")
	flags.StringSlice("allowed-origins", nil, "CORS origins (empty allows any)")
	flags.String("database-driver", defaults.GetString(config.KeyDatabaseDriver), "Database driver (sqlite, postgres, mysql)")
	flags.String("database-dsn", defaults.GetString(config.KeyDatabaseDSN), "Database DSN or SQLite path")
	flags.Int("database-max-open-conns", defaults.GetInt(config.KeyMaxOpenConns), "Maximum open database connections")
	flags.Duration("database-operation-timeout", defaults.GetDuration(config.KeyOperationTimeout), "Deadline for each ledger operation")
	flags.String("cache-redis-address", defaults.GetString(config.KeyRedisAddress), "Redis address for the record cache (empty disables)")
	flags.Duration("cache-ttl", defaults.GetDuration(config.KeyCacheTTL), "Record cache entry lifetime")
	flags.String("log-level", defaults.GetString(config.KeyLogLevel), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString(config.KeyLogFormat), "Log format (json, console)")

	bindFlag(cmd, config.KeyHTTPAddress, "http-address")
	bindFlag(cmd, config.KeyAllowedOrigins, "allowed-origins")
	bindFlag(cmd, config.KeyDatabaseDriver, "database-driver")
	bindFlag(cmd, config.KeyDatabaseDSN, "database-dsn")
	bindFlag(cmd, config.KeyMaxOpenConns, "database-max-open-conns")
	bindFlag(cmd, config.KeyOperationTimeout, "database-operation-timeout")
	bindFlag(cmd, config.KeyRedisAddress, "cache-redis-address")
	bindFlag(cmd, config.KeyCacheTTL, "cache-ttl")
	bindFlag(cmd, config.KeyLogLevel, "log-level")
	bindFlag(cmd, config.KeyLogFormat, "log-format")
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
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the ledger schema and pending data migrations, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := openDatabase(appConfig, logger)
			if err != nil {
				return err
			}
			defer closeDatabase(db, logger)
			return database.Migrate(db, logger)
		},
	}
}

func newDeriveIDCommand() *cobra.Command {
	var attributes credits.RecordAttributesConfig
	deriveCmd := &cobra.Command{
		Use:   "derive-id",
		Short: "Print the record id for the given attributes without touching storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			validated, err := credits.NewRecordAttributes(attributes)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), credits.DeriveRecordID(validated).String())
			return err
		},
	}
	flags := deriveCmd.Flags()
	flags.StringVar(&attributes.ProjectName, "project-name", "", "Project name")
	flags.StringVar(&attributes.Registry, "registry", "", "Registry name")
	flags.Int64Var(&attributes.Vintage, "vintage", 0, "Vintage year")
	flags.Int64Var(&attributes.Quantity, "quantity", 0, "Issued quantity")
	flags.StringVar(&attributes.SerialNumber, "serial-number", "", "Serial number")
	return deriveCmd
}

func loadRuntime() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func openDatabase(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, error) {
	return database.Open(database.Options{
		Driver:       appConfig.DatabaseDriver,
		DSN:          appConfig.DatabaseDSN,
		MaxOpenConns: appConfig.MaxOpenConns,
		Logger:       logger,
	})
}

func closeDatabase(db *gorm.DB, logger *zap.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		logger.Warn("database close failed", zap.Error(err))
	}
}

func runServer(ctx context.Context) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDatabase(db, logger)

	if err := database.Migrate(db, logger); err != nil {
		return err
	}

	store, err := credits.NewStore(db)
	if err != nil {
		return err
	}

	var recordCache credits.RecordCache
	if appConfig.CacheEnabled() {
		redisCache, err := cache.NewRedisRecordCache(ctx, cache.RedisConfig{
			Address:  appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
			TTL:      appConfig.CacheTTL,
			Timeout:  appConfig.OperationTimeout,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		defer redisCache.Close() //nolint:errcheck
		recordCache = redisCache
	}

	ledgerService, err := credits.NewService(credits.ServiceConfig{
		Store:            store,
		Clock:            time.Now,
		Logger:           logger,
		Cache:            recordCache,
		OperationTimeout: appConfig.OperationTimeout,
	})
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()
	handler, err := server.NewHTTPHandler(server.Dependencies{
		LedgerService:     ledgerService,
		Dispatcher:        dispatcher,
		Logger:            logger,
		AllowedOrigins:    appConfig.AllowedOrigins,
		HeartbeatInterval: appConfig.HeartbeatInterval,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpServer.RegisterOnShutdown(dispatcher.Close)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
