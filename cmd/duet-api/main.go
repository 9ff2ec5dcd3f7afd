package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/duet/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/config"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/database"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/notes"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/server"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/session"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "duet-api",
		Short: "Duet collaborative note session service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.StringSlice("allowed-origins", defaults.GetStringSlice("http.allowed_origins"), "Origins allowed for cross-origin reads and WebSocket sessions")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	flags.String("signing-secret", "", "Token signing secret (overrides env)")
	flags.String("issuer", defaults.GetString("auth.issuer"), "Expected token issuer")
	flags.Duration("idle-timeout", defaults.GetDuration("session.idle_timeout"), "Release edit control after this much holder inactivity (0 disables)")
	flags.Duration("reap-interval", defaults.GetDuration("session.reap_interval"), "How often idle holders are checked")
	flags.Int("retain-operations", defaults.GetInt("session.retain_operations"), "Operations kept in memory per note for replay")
	flags.Int("max-participants", defaults.GetInt("session.max_participants"), "Distinct users allowed per note (0 for unlimited)")
	flags.Int("max-content-runes", defaults.GetInt("session.max_content_runes"), "Maximum note length in characters (0 for unlimited)")
	flags.Int("outbound-buffer", defaults.GetInt("session.outbound_buffer"), "Queued events per connection before it is dropped")
	flags.Bool("auto-grant", defaults.GetBool("session.auto_grant"), "Grant edit control immediately when nobody holds it")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.issuer", "issuer")
	bindFlag(cmd, "session.idle_timeout", "idle-timeout")
	bindFlag(cmd, "session.reap_interval", "reap-interval")
	bindFlag(cmd, "session.retain_operations", "retain-operations")
	bindFlag(cmd, "session.max_participants", "max-participants")
	bindFlag(cmd, "session.max_content_runes", "max-content-runes")
	bindFlag(cmd, "session.outbound_buffer", "outbound-buffer")
	bindFlag(cmd, "session.auto_grant", "auto-grant")
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

func newTokenCommand() *cobra.Command {
	var (
		userID      string
		displayName string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			subject, err := notes.NewUserID(userID)
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.Issuer,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(subject, displayName)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format("2006-01-02T15:04:05Z07:00"))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id placed in the sub claim")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name placed in the name claim")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
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

	store, err := notes.NewGormStore(notes.GormStoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	collector := metrics.NewCollector(appConfig.MetricsNamespace)

	journal, err := notes.NewJournal(notes.JournalConfig{
		Store:          store,
		Buffer:         appConfig.JournalBuffer,
		WriteTimeout:   appConfig.JournalWriteTimeout,
		EnqueueTimeout: appConfig.JournalEnqueueTimeout,
		Recorder:       collector,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	registry := realtime.NewRegistry(realtime.RegistryConfig{MaxParticipants: appConfig.MaxParticipants})
	hub, err := realtime.NewHub(realtime.HubConfig{Registry: registry, Recorder: collector, Logger: logger})
	if err != nil {
		return err
	}
	collector.TrackGauge("realtime_connections", "Open WebSocket connections", func() float64 {
		return float64(registry.ConnectionCount())
	})
	collector.TrackGauge("realtime_active_notes", "Notes with at least one subscriber", func() float64 {
		return float64(len(registry.Notes()))
	})

	engine, err := session.NewEngine(session.Config{
		Registry:         registry,
		Hub:              hub,
		Store:            store,
		Persister:        journal,
		AutoGrant:        appConfig.AutoGrant,
		IdleTimeout:      appConfig.IdleTimeout,
		ReapInterval:     appConfig.ReapInterval,
		RetainOperations: appConfig.RetainOperations,
		MaxContentRunes:  appConfig.MaxContentRunes,
		IDProvider:       notes.NewUUIDProvider(),
		Recorder:         collector,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	validator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:         engine,
		Validator:      validator,
		Metrics:        collector,
		AllowedOrigins: appConfig.AllowedOrigins,
		OutboxSize:     appConfig.OutboundBuffer,
		Logger:         logger,
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

	// The journal stops only after every WebSocket has left the engine, so
	// each accepted operation is queued before the final drain.
	journalCtx, stopJournal := context.WithCancel(context.Background())
	defer stopJournal()
	journalDone := make(chan error, 1)
	go func() {
		journalDone <- journal.Run(journalCtx)
	}()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return engine.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownTimeout)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		return errors.Join(shutdownErr, handler.CloseConnections(shutdownCtx))
	})

	runErr := group.Wait()
	stopJournal()
	if err := <-journalDone; err != nil && runErr == nil {
		runErr = err
	}
	logger.Info("server stopped")
	return runErr
}
