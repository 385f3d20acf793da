// Package relay is the main orchestrator that ties all relay components
// together.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/nexusctl/nexus/internal/api"
	"github.com/nexusctl/nexus/internal/auth"
	"github.com/nexusctl/nexus/internal/config"
	"github.com/nexusctl/nexus/internal/conversation"
	"github.com/nexusctl/nexus/internal/intent"
	"github.com/nexusctl/nexus/internal/messaging"
	"github.com/nexusctl/nexus/internal/pairing"
	"github.com/nexusctl/nexus/internal/router"
	"github.com/nexusctl/nexus/internal/session"
	"github.com/nexusctl/nexus/internal/store"
)

// Relay is the main relay process.
type Relay struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	codes        *pairing.Store
	history      *conversation.History
	router       *router.Router
	api          *api.Server
	logger       *slog.Logger
}

// New creates a new relay from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Relay, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Create auth provider based on config.
	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates admin user for builtin provider).
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	codes := pairing.New(cfg.Pairing.CodeTTL.Duration, logger)
	history := conversation.New(cfg.Conversation.MaxTurns, logger)
	messenger := messaging.NewWhatsAppClient(cfg.WhatsApp, logger)
	classifier := intent.NewClient(cfg.Intent, logger)
	registry := session.NewRegistry()

	rt := router.New(registry, codes, history, db, authProvider, messenger, logger, router.Options{
		AllowedOrigins:       cfg.Server.AllowedOrigins,
		MaxDashboardMsgBytes: cfg.Server.MaxMessageBytes,
		CommandTimeout:       cfg.Command.Timeout.Duration,
	})

	apiSrv := api.NewServer(db, authProvider, loginProvider, rt, codes, history, messenger, classifier, cfg, logger)

	r := &Relay{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		codes:        codes,
		history:      history,
		router:       rt,
		api:          apiSrv,
		logger:       logger.With("component", "relay"),
	}

	// Startup validation warnings (only for builtin provider).
	if authProvider.Name() == "builtin" {
		if len(cfg.Auth.JWTSecret) < 32 {
			logger.Warn("JWT secret is shorter than 32 characters — use a stronger secret in production")
		}
		if cfg.Auth.InitialAdmin != nil &&
			cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
			logger.Warn("default admin credentials detected (admin/admin) — change immediately in production")
		}
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}
	if cfg.WhatsApp.AccessToken == "" {
		logger.Warn("whatsapp access_token not set — outbound messages will fail")
	}
	if cfg.Intent.APIKey == "" {
		logger.Warn("intent api_key not set — command classification will fail")
	}

	if cfg.Server.UIStaticDir != "" {
		if _, err := os.Stat(cfg.Server.UIStaticDir); os.IsNotExist(err) {
			logger.Warn("UI static directory does not exist", "path", cfg.Server.UIStaticDir)
		}
	}

	return r, nil
}

// Run starts the relay HTTP server and blocks until the context is canceled.
func (r *Relay) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    r.cfg.Server.Addr,
		Handler: r.api.Handler(),
	}

	// Expire unused pairing codes.
	r.codes.StartSweeper(ctx, r.cfg.Pairing.SweepInterval.Duration)

	// Evict conversations whose identity has been idle with no live device.
	r.history.StartEvictor(ctx, r.cfg.Conversation.IdleTimeout.Duration,
		r.cfg.Conversation.SweepInterval.Duration, r.router.Connected)

	// Start rate limiter cleanup tasks.
	r.api.StartBackgroundTasks(ctx)

	// Start audit retention purger.
	if r.cfg.Storage.AuditRetention.Duration > 0 {
		go r.runRetentionPurger(ctx, r.cfg.Storage.AuditRetention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("relay listening", "addr", r.cfg.Server.Addr)
		if r.cfg.Server.TLSCert != "" && r.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(r.cfg.Server.TLSCert, r.cfg.Server.TLSKey)
		} else {
			r.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		r.logger.Info("shutting down relay gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			r.logger.Info("http server stopped gracefully")
		}

		r.logger.Info("closing store")
		_ = r.store.Close()
		r.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = r.store.Close()
		return err
	}
}

func (r *Relay) runRetentionPurger(ctx context.Context, auditRetention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-auditRetention)
			if n, err := r.store.PurgeOldAuditEvents(ctx, cutoff); err != nil {
				r.logger.Warn("retention purge: audit events failed", "error", err)
			} else if n > 0 {
				r.logger.Info("retention purge: deleted old audit events", "count", n)
			}
		}
	}
}
