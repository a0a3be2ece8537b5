package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"onetime.share/config"
	"onetime.share/internal/api"
	"onetime.share/internal/auth"
	"onetime.share/internal/lifecycle"
	"onetime.share/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(logging.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	v, err := initVault(cfg, logger)
	if err != nil {
		return err
	}
	defer v.Close()

	st, err := initStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	mailer := initMailer(cfg, logger)

	svc := lifecycle.New(v, st.ledger, lifecycle.Options{
		BaseURL:       cfg.Server.BaseURL,
		Mailer:        mailer,
		Logger:        logger,
		Owners:        st.users,
		NotifyAddress: cfg.Mail.NotifyAddress,
	})

	sessions, err := auth.NewSessions([]byte(cfg.Auth.JWTSecret), cfg.Auth.SessionTTL)
	if err != nil {
		return err
	}

	router := api.SetupRouter(api.Deps{
		Config:     cfg,
		Secrets:    svc,
		Users:      st.users,
		Sessions:   sessions,
		Challenges: auth.NewChallenges(cfg.Auth.OTPTTL, cfg.Auth.OTPMaxAttempts),
		Mailer:     mailer,
		Logger:     logger,
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go svc.RunSweeper(ctx, cfg.Ledger.SweepInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.Addr()).
			Str("base_url", cfg.Server.BaseURL).
			Str("vault", cfg.Vault.Type).
			Str("ledger", cfg.Ledger.Type).
			Str("mail", cfg.Mail.Type).
			Str("version", version).
			Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listening on %s: %w", cfg.Addr(), err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
