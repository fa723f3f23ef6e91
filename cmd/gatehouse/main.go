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

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/gatehouse-sh/gatehouse/internal/auth"
	"github.com/gatehouse-sh/gatehouse/internal/authz"
	"github.com/gatehouse-sh/gatehouse/internal/config"
	"github.com/gatehouse-sh/gatehouse/internal/mail"
	"github.com/gatehouse-sh/gatehouse/internal/persistence"
	"github.com/gatehouse-sh/gatehouse/internal/server"
	"github.com/gatehouse-sh/gatehouse/internal/tokens"
)

func main() {
	root := &cobra.Command{
		Use:           "gatehouse",
		Short:         "Multi-tenant authentication and authorization service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if !cfg.IsProduction() {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return log
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and seed system roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := newLogger(cfg)

			store, err := persistence.NewStore(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			log.Info().Msg("migrations applied")
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := newLogger(cfg)

			store, err := persistence.NewStore(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			redisClient := redis.NewClient(&redis.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
			})
			defer func() { _ = redisClient.Close() }()
			if err := redisClient.Ping(cmd.Context()).Err(); err != nil {
				return fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
			}

			codec, err := tokens.NewCodec([]byte(cfg.JWTSecret), cfg.AccessTTL, tokens.NewRedisBlacklist(redisClient))
			if err != nil {
				return err
			}

			var mailer mail.Mailer
			if cfg.IsProduction() {
				mailer, err = mail.NewPostmarkMailer(mail.Config{
					Token:    cfg.PostmarkToken,
					From:     cfg.EmailFrom,
					FromName: cfg.EmailFromName,
					BaseURL:  cfg.BaseURL,
				})
				if err != nil {
					return err
				}
			} else {
				mailer = mail.NewLogMailer(log)
			}

			authzSvc := authz.NewService(store, log)
			authSvc, err := auth.NewService(store, codec, authzSvc, mailer, log, auth.WithRefreshTTL(cfg.RefreshTTL))
			if err != nil {
				return err
			}

			handler := server.NewServer(authSvc, authzSvc, codec, store, cfg.BaseURL, log)

			httpServer := &http.Server{
				Addr:              cfg.ListenAddr,
				Handler:           handler,
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       30 * time.Second,
				WriteTimeout:      30 * time.Second,
				IdleTimeout:       120 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("shutdown error")
				}
			}()

			log.Info().Str("addr", cfg.ListenAddr).Str("env", cfg.Environment).Msg("gatehouse listening")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}
