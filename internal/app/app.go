package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"bioadmin/accounts/internal/audit"
	"bioadmin/accounts/internal/auth"
	"bioadmin/accounts/internal/config"
	"bioadmin/accounts/internal/httpserver"
	"bioadmin/accounts/internal/jobs"
	"bioadmin/accounts/internal/mail"
	"bioadmin/accounts/internal/migrations"
	"bioadmin/accounts/internal/observability"
	"bioadmin/accounts/internal/ratelimit"
	"bioadmin/accounts/internal/sso"
)

type App struct {
	cfg    config.Config
	log    *slog.Logger
	db     *sql.DB
	redis  *redis.Client
	jobs   *jobs.Scheduler
	audit  *audit.Logger
	server *httpserver.Server
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger := observability.NewLogger(cfg.LogLevel)
	a := &App{cfg: cfg, log: logger}
	if err := a.init(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.cfg
	deps := httpserver.Deps{
		Logger:        a.log,
		Metrics:       observability.NewMetrics(),
		BasePath:      cfg.HTTP.BasePath,
		AdminRole:     cfg.Auth.AdminRole,
		OperatorRoles: cfg.Auth.OperatorRoles,

		TrustProxyHeaders: cfg.HTTP.TrustProxyHeaders,
	}

	var store auth.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		a.db = db
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("ping database: %w", err)
		}

		migrationService, err := migrations.NewService(db)
		if err != nil {
			return fmt.Errorf("create migration service: %w", err)
		}
		applied, err := migrationService.Up(ctx)
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		a.log.Info("migrations applied", "count", applied)
		deps.Migrations = migrationService

		store, err = auth.NewPostgresStore(db)
		if err != nil {
			return fmt.Errorf("create postgres store: %w", err)
		}
	} else {
		fileStore, err := auth.NewFileStore(cfg.StateFile)
		if err != nil {
			return fmt.Errorf("create file store: %w", err)
		}
		a.log.Warn("DATABASE_URL not set, using file-backed account store", "path", cfg.StateFile)
		store = fileStore
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		limiter, err := ratelimit.New(a.redis, cfg.RateLimit.Requests, cfg.RateLimit.Window, "bioadmin:ratelimit")
		if err != nil {
			return fmt.Errorf("create rate limiter: %w", err)
		}
		deps.Limiter = limiter
	}

	var sender mail.Sender
	if cfg.SMTP.Enabled() {
		smtpSender, err := mail.NewSMTPSender(mail.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		})
		if err != nil {
			return fmt.Errorf("create smtp sender: %w", err)
		}
		sender = smtpSender
	} else {
		a.log.Warn("SMTP_HOST not set, account emails will only be logged")
		sender = mail.NewLogSender(a.log)
	}

	var external auth.ExternalVerifier
	if cfg.OIDC.Enabled() {
		verifier, err := sso.NewOIDCVerifier(ctx, sso.Config{
			IssuerURL:    cfg.OIDC.IssuerURL,
			ClientID:     cfg.OIDC.ClientID,
			ClientSecret: cfg.OIDC.ClientSecret,
			RedirectURL:  cfg.OIDC.RedirectURL,
		})
		if err != nil {
			return fmt.Errorf("create oidc verifier: %w", err)
		}
		external = verifier
	}

	signer, err := auth.NewTokenSigner(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	if err != nil {
		return fmt.Errorf("create token signer: %w", err)
	}
	authService, err := auth.NewService(store, auth.ServiceConfig{
		Hasher:               auth.NewBcryptHasher(cfg.Auth.BcryptCost),
		Signer:               signer,
		Notifier:             mail.NewNotifier(sender, ""),
		External:             external,
		Logger:               a.log,
		ResetTTL:             cfg.Auth.ResetTTL,
		AllowedRedirectHosts: cfg.Auth.ResetAllowedHosts,
	})
	if err != nil {
		return fmt.Errorf("create auth service: %w", err)
	}
	deps.Auth = authService

	if cfg.Auth.BootstrapEmail != "" {
		created, err := authService.EnsureBootstrapAdmin(ctx, cfg.Auth.BootstrapEmail, cfg.Auth.BootstrapPassword, cfg.Auth.AdminRole)
		if err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		if created {
			a.log.Info("bootstrap admin created", "email", cfg.Auth.BootstrapEmail)
		}
	}

	a.jobs = jobs.NewScheduler(a.log)
	if cfg.Auth.ResetPurgeSchedule != "" {
		purge := func(ctx context.Context) error {
			_, err := authService.PurgeResetTokens(ctx)
			return err
		}
		if err := a.jobs.Add(cfg.Auth.ResetPurgeSchedule, "purge_reset_tokens", purge); err != nil {
			return err
		}
	}

	a.audit = audit.NewLogger(cfg.AuditLogFile)
	deps.Audit = a.audit
	a.server = httpserver.New(cfg.HTTP, deps)
	return nil
}

func (a *App) close() {
	if err := a.audit.Close(); err != nil {
		a.log.Warn("close audit log", "error", err)
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("close redis", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("close database", "error", err)
		}
	}
}

func (a *App) Run(ctx context.Context) error {
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("http server starting", "addr", a.cfg.HTTP.Addr, "base_path", a.cfg.HTTP.BasePath)
		if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server exited: %w", err)
		}
		return nil
	})
	a.jobs.Start()

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		if err := a.jobs.Stop(shutdownCtx); err != nil {
			a.log.Warn("scheduled jobs did not stop in time", "error", err)
		}
		return nil
	})

	return g.Wait()
}
