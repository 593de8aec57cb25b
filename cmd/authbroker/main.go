// Command authbroker runs the credential and authorization broker daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/workspacehub/authbroker"
	"github.com/workspacehub/authbroker/broker"
	"github.com/workspacehub/authbroker/instrumentation"
	"github.com/workspacehub/authbroker/internal/config"
	"github.com/workspacehub/authbroker/providers/google"
	"github.com/workspacehub/authbroker/secrets"
	"github.com/workspacehub/authbroker/security"
	"github.com/workspacehub/authbroker/storage/sqlite"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := newLogger(cfg)
	logger.Info("authbroker starting",
		slog.String("version", Version),
		slog.String("listen_addr", cfg.ListenAddr),
		slog.Bool("api_keys", cfg.EnableAPIKeys),
		slog.Bool("manual_enrollment", cfg.ManualEnrollment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	cipher, err := secrets.NewCipher(cfg.MasterKey)
	if err != nil {
		return fmt.Errorf("initializing cipher: %w", err)
	}

	provider, err := google.NewProvider(&google.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.CallbackURL(),
		Scopes:       cfg.GoogleScopes,
	})
	if err != nil {
		return fmt.Errorf("initializing provider: %w", err)
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "authbroker",
		ServiceVersion: Version,
		Enabled:        cfg.EnableTelemetry,
	})
	if err != nil {
		return fmt.Errorf("initializing instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Error("instrumentation shutdown failed", "error", err)
		}
	}()

	b, err := broker.New(store, cipher, provider, &broker.Config{
		RedirectDomainAllowlist: cfg.RedirectDomainAllowlist,
		StateSigningKey:         []byte(cfg.StateSigningKey),
		AuthCodeTTL:             cfg.AuthCodeTTL,
		SessionTTL:              cfg.SessionTTL,
		StateTTL:                cfg.StateTTL,
		EnableAPIKeys:           cfg.EnableAPIKeys,
	}, logger)
	if err != nil {
		return fmt.Errorf("initializing broker: %w", err)
	}
	b.SetInstrumentation(inst)
	b.SetAuditor(security.NewAuditor(logger, security.NewEventLimiter(10, 20), cfg.EnableAuditLog))

	handler, err := authbroker.NewHandler(b, &authbroker.Config{
		Issuer:            cfg.BaseURL,
		TrustProxy:        cfg.TrustProxy,
		TrustedProxyCount: cfg.TrustedProxyCount,
		RateLimitQuota:    cfg.RateLimitQuota,
		RateLimitWindow:   cfg.RateLimitWindow,
		RenderManualForm:  cfg.ManualEnrollment,
	}, inst, logger)
	if err != nil {
		return fmt.Errorf("initializing handler: %w", err)
	}
	defer handler.Close()

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Routes(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go pruneLoop(ctx, store, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// pruneLoop periodically drops expired codes, sessions, and revoked rows.
func pruneLoop(ctx context.Context, store *sqlite.Store, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.PruneExpired(ctx, time.Now()); err != nil {
				logger.Error("pruning expired rows failed", "error", err)
			}
		}
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Environment == "development" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
