// Package app wires every component of the gateway together and runs the
// HTTP server, following the teacher's Run/runAPI split but trimmed to the
// one runtime this process has (no worker/seed modes — the gateway has no
// background job queue of its own).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trustgate/trustgate/internal/account"
	"github.com/trustgate/trustgate/internal/audit"
	"github.com/trustgate/trustgate/internal/config"
	"github.com/trustgate/trustgate/internal/crypto"
	"github.com/trustgate/trustgate/internal/httpserver"
	"github.com/trustgate/trustgate/internal/policy"
	"github.com/trustgate/trustgate/internal/store"
	"github.com/trustgate/trustgate/internal/telemetry"
	"github.com/trustgate/trustgate/internal/vid"
	"github.com/trustgate/trustgate/pkg/oauth"
	"github.com/trustgate/trustgate/pkg/provider"
	"github.com/trustgate/trustgate/pkg/router"
	"github.com/trustgate/trustgate/pkg/session"
)

// Run reads config, wires every component, and serves the gateway's single
// HTTP surface (session RPC + management API) until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting trustgate", "listen", cfg.ListenAddr())

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	box, err := crypto.LoadOrCreateKey(cfg.EncryptionKeyPath)
	if err != nil {
		return fmt.Errorf("loading encryption key: %w", err)
	}

	metricsReg := telemetry.NewMetricsRegistry(append(telemetry.All(), httpserver.MetricsCollectors()...)...)

	vidStore := vid.NewStore(db.DB())
	vidManager := vid.NewManager(vidStore, logger, cfg.VirtualIDCacheSize)
	if err := vidManager.Warm(ctx); err != nil {
		logger.Warn("warming virtual-id cache", "error", err)
	}

	accountStore := account.NewStore(db.DB())
	accountService := account.NewService(accountStore, db.DB(), box)

	policyStore := policy.NewStore(db.DB())
	policyEngine := policy.NewEngine(policyStore, logger, policy.Action(cfg.PolicyDefaultAction))

	demoAccount, err := ensureDemoAccount(ctx, accountService)
	if err != nil {
		return fmt.Errorf("seeding demo account: %w", err)
	}

	rtr := router.New(accountService, vidManager, logger)
	rtr.RegisterDomain("email", demoPluginID)
	demoBackend := provider.NewDemoBackend()
	demoBackend.Seed(demoAccount.ID, demoPluginID, 5)
	rtr.RegisterBackend(demoPluginID, demoBackend, 10, time.Minute)

	auditStore := audit.NewStore(db.DB())
	auditWriter := audit.NewWriter(auditStore, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()
	go runAuditRetention(ctx, auditStore, cfg.AuditRetentionDays, logger)

	sessionSecret := cfg.SessionSigningKey
	if sessionSecret == "" {
		sessionSecret = session.NewDevSecret()
		logger.Info("session: using auto-generated dev signing key (set SESSION_SIGNING_KEY in production)")
	}
	tokens, err := session.NewTokenManager(sessionSecret, 24*time.Hour)
	if err != nil {
		return fmt.Errorf("creating session token manager: %w", err)
	}
	sessionManager := session.NewManager(tokens, policyEngine, rtr, auditWriter, logger)

	oauthHandler := oauth.NewHandler(accountService, logger)
	registerOAuthProviders(oauthHandler, cfg)

	srv := newHTTPRouter(cfg, logger, metricsReg, accountService, policyStore, auditStore, sessionManager, rtr, oauthHandler)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		sessionManager.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// auditRetentionInterval sets how often the retention sweep runs; daily is
// frequent enough for an age cutoff measured in days (spec §4.7).
const auditRetentionInterval = 24 * time.Hour

// runAuditRetention periodically deletes audit entries past retentionDays,
// in the same start-a-goroutine-off-Run idiom as the audit.Writer's flush
// loop, until ctx is cancelled.
func runAuditRetention(ctx context.Context, store *audit.Store, retentionDays int, logger *slog.Logger) {
	ticker := time.NewTicker(auditRetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Cleanup(ctx, retentionDays)
			if err != nil {
				logger.Error("audit retention sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("audit retention sweep removed expired entries", "count", n, "retention_days", retentionDays)
			}
		}
	}
}

// demoPluginID names the in-memory DemoBackend registered at startup so the
// gateway is immediately exercisable without a configured real provider
// (spec §4.4's DemoBackend exists for exactly this).
const demoPluginID = "demo-mail"

// ensureDemoAccount creates the demo plugin's sole account on first run so
// the DemoBackend has a real account id to key its seeded records and
// credentials on, instead of an id the router could never discover.
func ensureDemoAccount(ctx context.Context, accounts *account.Service) (account.Account, error) {
	existing, ok, err := accounts.GetPrimary(ctx, demoPluginID)
	if err != nil {
		return account.Account{}, err
	}
	if ok {
		return existing, nil
	}

	created, err := accounts.CreateAccount(ctx, demoPluginID, "demo@trustgate.local", "Demo Mail", nil)
	if err != nil {
		return account.Account{}, err
	}
	_, err = accounts.StoreCredentials(ctx, created.ID, demoPluginID, account.CredentialAPIKey, account.CredentialData{
		AccessToken: "demo-static-token",
	})
	return created, err
}

func registerOAuthProviders(h *oauth.Handler, cfg *config.Config) {
	if cfg.DemoProviderClientID == "" {
		return
	}
	h.Register("demo", oauth.ProviderConfig{
		PluginID:     demoPluginID,
		ClientID:     cfg.DemoProviderClientID,
		ClientSecret: cfg.DemoProviderClientSecret,
		AuthURL:      cfg.OAuthRedirectBaseURL + "/demo-idp/authorize",
		TokenURL:     cfg.OAuthRedirectBaseURL + "/demo-idp/token",
		UserInfoURL:  cfg.OAuthRedirectBaseURL + "/demo-idp/userinfo",
		Scopes:       []string{"email", "mail.read", "mail.send"},
		RedirectURL:  cfg.OAuthRedirectBaseURL + "/oauth/callback/demo",
	})
}

func newHTTPRouter(
	cfg *config.Config,
	logger *slog.Logger,
	metricsReg *prometheus.Registry,
	accountService *account.Service,
	policyStore *policy.Store,
	auditStore *audit.Store,
	sessionManager *session.Manager,
	rtr *router.Router,
	oauthHandler *oauth.Handler,
) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.RequestID)
	r.Use(httpserver.Logger(logger))
	r.Use(httpserver.Metrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSOrigin},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Key", "Mcp-Session-Id"},
		ExposedHeaders:   []string{"Mcp-Session-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		httpserver.Respond(w, http.StatusOK, map[string]any{
			"status":       "ok",
			"sessionCount": sessionManager.SessionCount(),
			"pluginCount":  rtr.PluginCount(),
			"toolCount":    session.ToolCount(),
		})
	})
	r.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{Registry: metricsReg}))

	// Session RPC surface: one path, POST/GET/DELETE, Mcp-Session-Id bearer.
	transport := session.NewTransport(sessionManager)
	r.Handle("/mcp", transport)

	// HTTP management surface, gated by X-Admin-Key.
	r.Route("/api", func(r chi.Router) {
		r.Use(httpserver.AdminKey(cfg.AdminKey))

		auditHandler := audit.NewHandler(auditStore, logger)

		r.Mount("/accounts", account.NewHandler(accountService, logger).Routes())
		r.Mount("/policy", policy.NewHandler(policyStore, logger).Routes())
		r.Mount("/audit-logs", auditHandler.Routes())
		r.Get("/audit-stats", auditHandler.StatsRoute)
	})

	// OAuth acquisition: top-level /oauth, outside the admin-key gate, so the
	// provider's browser redirect reaches the callback.
	r.Mount("/oauth", oauthHandler.Routes())

	return r
}
