package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/verity-id/verity/internal/apps"
	"github.com/verity-id/verity/internal/auth"
	"github.com/verity-id/verity/internal/config"
	"github.com/verity-id/verity/internal/mail"
	"github.com/verity-id/verity/internal/metrics"
	"github.com/verity-id/verity/internal/oauth2"
	"github.com/verity-id/verity/internal/store"
	"github.com/verity-id/verity/internal/token"
	"github.com/verity-id/verity/internal/wellknown"
)

//go:embed migrations/*.sql
var migrationsDir embed.FS

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	level := cfg.SlogLevel()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run() returns instead of exiting so deferred closes always execute.
	if err := run(ctx, cfg, nil, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs. Shuts down when ctx is cancelled
// (signal handling is the caller's concern). If ready is non-nil, the
// server's base URL is sent on it once the listener is bound. A non-nil
// sender overrides the config-derived mailer (e2e tests capture mail there).
func run(ctx context.Context, cfg *config.Config, ready chan<- string, sender mail.Mailer) error {
	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to set up postgres store: %w", err)
	}
	defer ps.Close()

	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	if err := ps.Migrate(ctx, migrationsFS); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Shared Redis client; codes, rate limits, and the mail queue share one
	// connection pool.
	rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to set up redis client: %w", err)
	}
	defer rdb.Close()

	codes := store.NewCodeStore(rdb)
	rl := store.NewRateLimiter(rdb)

	identityKey, err := cfg.IdentityKey()
	if err != nil {
		return fmt.Errorf("loading identity key: %w", err)
	}
	codec, err := token.New(token.Config{
		Issuer:          cfg.IssuerURL,
		Secret:          []byte(cfg.TokenSecret),
		IdentityKey:     identityKey,
		SessionTokenTTL: cfg.SessionTokenTTL,
		AccessTokenTTL:  cfg.AccessTokenTTL,
	})
	if err != nil {
		return fmt.Errorf("building token codec: %w", err)
	}

	// Empty SMTP host means email goes nowhere (local dev).
	if sender == nil {
		sender = &mail.NopMailer{}
		if cfg.SMTPHost != "" {
			sender = mail.NewSMTPMailer(mail.SMTPConfig{
				Host:        cfg.SMTPHost,
				Port:        cfg.SMTPPort,
				Username:    cfg.SMTPUsername,
				Password:    cfg.SMTPPassword,
				FromAddress: cfg.SMTPFromAddress,
			})
		}
	}
	ml := mail.NewQueuedMailer(sender, rdb, mail.DefaultMaxQueueSize)

	mx := metrics.NewCollector()

	authHandler := &auth.Handler{
		DB:             ps,
		RL:             rl,
		ML:             ml,
		Codec:          codec,
		MX:             mx,
		ResetTokenTTL:  cfg.ResetTokenTTL,
		VerifyTokenTTL: cfg.VerifyTokenTTL,
		OTPTokenTTL:    cfg.OTPTokenTTL,
		LoginPolicy: store.RateLimit{
			MaxAttempts: cfg.RateLoginMax,
			Window:      cfg.RateLoginWindow,
			LockoutTTL:  cfg.RateLoginLockout,
		},
		ForgotPolicy: store.RateLimit{
			MaxAttempts: cfg.RateForgotMax,
			Window:      cfg.RateForgotWindow,
			LockoutTTL:  cfg.RateForgotLockout,
		},
	}
	oauthHandler := &oauth2.Handler{Engine: &oauth2.Engine{
		DB:               ps,
		Codes:            codes,
		Codec:            codec,
		MX:               mx,
		AuthCodeTTL:      cfg.AuthCodeTTL,
		AccessTokenTTL:   cfg.AccessTokenTTL,
		IdentityTokenTTL: cfg.IdentityTokenTTL,
	}}
	appsHandler := &apps.Handler{DB: ps}
	wkHandler := &wellknown.Handler{Keys: codec, Issuer: cfg.IssuerURL}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{Handler: buildRouter(authHandler, oauthHandler, appsHandler, wkHandler, mx)}

	g, gctx := errgroup.WithContext(ctx)

	// Outbound mail worker; drains the Redis queue until shutdown.
	g.Go(func() error {
		ml.StartWorker(gctx)
		return nil
	})

	// Session cleanup; removes sessions idle longer than the retention
	// window, runs every 24h.
	g.Go(func() error {
		const retention = 30 * 24 * time.Hour
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := ps.CleanupStaleSessions(gctx, retention)
				if err != nil {
					slog.Warn("session cleanup failed", "error", err)
				} else {
					slog.Info("session cleanup complete", "deleted", n)
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		slog.Info("verity listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown once the context is cancelled.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		return nil
	})

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped")
	return nil
}

// buildRouter wires all routes and middleware.
// Called from run() and from smoke tests.
func buildRouter(ah *auth.Handler, oh *oauth2.Handler, ap *apps.Handler, wk *wellknown.Handler, mx *metrics.Collector) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method(http.MethodGet, "/metrics", mx.Handler())

	r.Get("/.well-known/jwks.json", wk.JWKS)
	r.Get("/.well-known/openid-configuration", wk.OpenIDConfiguration)

	r.Post("/auth/register", ah.Register)
	r.Post("/auth/login", ah.Login)
	r.Post("/auth/forgot", ah.Forgot)
	r.Post("/auth/reset", ah.Reset)
	r.Post("/auth/verify", ah.ConfirmVerify)
	r.Put("/auth/otp", ah.SendOTP)
	r.Post("/auth/otp", ah.LoginOTP)

	r.Post("/oauth2/token", oh.Token)
	r.Post("/oauth2/refresh", oh.Refresh)

	// Public profile lookup; a bearer token is honored but not required, so
	// users see their own full record at the same URL.
	r.With(ah.OptionalAuth()).Get("/users/{username}", ah.GetUser)

	// Authentication required routes. OAuth2 access tokens reach only the
	// endpoints that make sense for them; the rest answer 400.
	r.Group(func(r chi.Router) {
		r.Use(ah.RequireAuth())
		r.Delete("/auth/logout", ah.Logout)
		r.Get("/auth/sessions", ah.ListSessions)
		r.Put("/auth/verify", ah.SendVerify)
		r.Get("/users/me", ah.Me)
		r.Post("/oauth2/authorize", oh.Authorize)

		r.Post("/apps", ap.Create)
		r.Get("/apps/{appID}", ap.Get)
		r.Patch("/apps/{appID}", ap.Update)
		r.Delete("/apps/{appID}", ap.Delete)
	})

	return r
}
