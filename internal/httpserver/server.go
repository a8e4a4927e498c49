package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"bioadmin/accounts/internal/audit"
	"bioadmin/accounts/internal/auth"
	"bioadmin/accounts/internal/config"
	"bioadmin/accounts/internal/migrations"
	"bioadmin/accounts/internal/observability"
	"bioadmin/accounts/internal/ratelimit"
)

type AuthService interface {
	Authenticate(ctx context.Context, email, password string) (auth.LoginResult, error)
	LoginWithSSO(ctx context.Context, cred auth.SSOCredential) (auth.LoginResult, error)
	Identify(ctx context.Context, token string) (auth.Identity, error)
	CurrentIdentity(ctx context.Context, accountID int64) (auth.Identity, error)
	VerifyToken(ctx context.Context, token string) (auth.Identity, bool)
	ChangePassword(ctx context.Context, accountID int64, currentPassword, newPassword string) error
	UpdateProfile(ctx context.Context, accountID int64, name string, metadata map[string]any) (auth.Identity, error)
	RequestReset(ctx context.Context, email, redirectURL string) error
	RedeemReset(ctx context.Context, token, newPassword string) error
	ListAccounts(ctx context.Context) ([]auth.Identity, error)
	SetStatus(ctx context.Context, accountID int64, status string) (auth.Identity, error)
	AssignRoles(ctx context.Context, accountID int64, roleIDs []int64) (auth.Identity, error)
}

type MigrationService interface {
	Status(ctx context.Context) ([]migrations.Status, error)
}

type AuditLogger interface {
	Log(e audit.Event) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Result, error)
}

type Deps struct {
	Auth       AuthService
	Migrations MigrationService
	Audit      AuditLogger
	// Limiter is optional; credential endpoints are unthrottled without it.
	Limiter RateLimiter
	Metrics *observability.Metrics
	Logger  *slog.Logger

	BasePath      string
	AdminRole     string
	OperatorRoles []string
	// TrustProxyHeaders makes rate limiting and audit records use the
	// forwarded client address. Enable it only behind a proxy that
	// overwrites those headers.
	TrustProxyHeaders bool
}

type Server struct {
	httpServer *http.Server
}

func New(cfg config.HTTPConfig, deps Deps) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      NewHandler(deps),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
	}
}

type handlers struct {
	Deps
	log *slog.Logger
}

// NewHandler builds the router wrapped in request-id, logging, metrics and
// panic recovery.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.AdminRole == "" {
		deps.AdminRole = "admin"
	}
	if len(deps.OperatorRoles) == 0 {
		deps.OperatorRoles = []string{deps.AdminRole}
	}
	h := &handlers{Deps: deps, log: deps.Logger}

	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	})

	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	router.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}).Methods(http.MethodGet)
	if deps.Metrics != nil {
		router.Handle("/metrics", deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	api := router.PathPrefix(deps.BasePath).Subrouter()
	if deps.Auth == nil {
		api.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "auth service unavailable", nil)
		})
		return h.observe(router, router)
	}
	h.registerPublicAuthRoutes(api)

	protected := api.NewRoute().Subrouter()
	protected.Use(h.requireSession)
	h.registerSessionAuthRoutes(protected)
	h.registerAdminRoutes(protected)

	return h.observe(router, router)
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
