package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guildhall-labs/guildhall/backend/internal/auth"
	"github.com/guildhall-labs/guildhall/backend/internal/config"
	"github.com/guildhall-labs/guildhall/backend/internal/database"
	"github.com/guildhall-labs/guildhall/backend/internal/ledger"
	"github.com/guildhall-labs/guildhall/backend/internal/logging"
	"github.com/guildhall-labs/guildhall/backend/internal/platform"
	"github.com/guildhall-labs/guildhall/backend/internal/server"
	"github.com/guildhall-labs/guildhall/backend/internal/tickets"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "guildhall-api",
		Short: "Guildhall community core service",
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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("support-category", defaults.GetString("tickets.support_category"), "Parent category for ticket channels")
	cmd.PersistentFlags().Int("flush-seconds", defaults.GetInt("ledger.flush_seconds"), "Periodic ledger flush interval in seconds")
	cmd.PersistentFlags().Int("close-grace-seconds", defaults.GetInt("tickets.close_grace_seconds"), "Grace delay before a confirmed close removes the channel")
	cmd.PersistentFlags().String("signing-secret", "", "Actor token signing secret (overrides env)")
	cmd.PersistentFlags().String("gateway-key", "", "Shared key for the gateway token exchange (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "tickets.support_category", "support-category")
	bindFlag(cmd, "ledger.flush_seconds", "flush-seconds")
	bindFlag(cmd, "tickets.close_grace_seconds", "close-grace-seconds")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.gateway_key", "gateway-key")
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
	})

	// The in-process platform adapter stands in for the chat platform until
	// the gateway-side adapter is wired over the command API.
	memory := platform.NewMemory()

	store, err := ledger.NewStore(ledger.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ledgerService, err := ledger.NewService(ledger.ServiceConfig{
		Store:     store,
		Directory: memory,
		Remover:   memory,
		Notifier:  memory,
		Clock:     time.Now,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	ticketService, err := tickets.NewService(tickets.ServiceConfig{
		Channels:        memory,
		Notifier:        memory,
		Directory:       memory,
		Clock:           time.Now,
		Logger:          logger,
		SupportCategory: appConfig.SupportCategory,
		StaffRoles:      appConfig.StaffRoles,
		ElevatedRoles:   appConfig.ElevatedRoles,
		CloseGraceDelay: appConfig.CloseGraceDelay,
	})
	if err != nil {
		return err
	}

	events := server.NewEventDispatcher()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Tickets:      ticketService,
		Ledger:       ledgerService,
		Events:       events,
		GatewayKey:   appConfig.GatewayKey,
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

	go ledgerService.RunPeriodicFlush(signalCtx, appConfig.FlushInterval)

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

		shutdownErr := httpServer.Shutdown(shutdownCtx)
		ticketService.Shutdown()
		if err := ledgerService.Shutdown(shutdownCtx); err != nil {
			logger.Error("final ledger flush failed", zap.Error(err))
		}
		return shutdownErr
	case err := <-errCh:
		return err
	}
}
