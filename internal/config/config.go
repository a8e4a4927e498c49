package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTP         HTTPConfig
	DatabaseURL  string
	RedisURL     string
	StateFile    string
	Auth         AuthConfig
	RateLimit    RateLimitConfig
	SMTP         SMTPConfig
	OIDC         OIDCConfig
	AuditLogFile string
	LogLevel     string
}

type HTTPConfig struct {
	Addr            string
	BasePath        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// TrustProxyHeaders takes the client address from X-Forwarded-For or
	// X-Real-IP instead of the socket peer.
	TrustProxyHeaders bool
}

type AuthConfig struct {
	JWTSecret         string
	JWTIssuer         string
	BcryptCost        int
	ResetTTL          time.Duration
	ResetAllowedHosts []string
	// ResetPurgeSchedule is a cron spec for deleting spent reset tokens;
	// "off" disables the job.
	ResetPurgeSchedule string
	AdminRole          string
	OperatorRoles      []string
	BootstrapEmail     string
	BootstrapPassword  string
}

type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Enabled reports whether mail should be delivered over SMTP.
func (c SMTPConfig) Enabled() bool { return c.Host != "" }

type OIDCConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

func (c OIDCConfig) Enabled() bool { return c.IssuerURL != "" }

func Load() (Config, error) {
	cfg := Config{
		HTTP: HTTPConfig{
			Addr:              getEnv("HTTP_ADDR", ":8080"),
			BasePath:          getEnv("API_BASE_PATH", "/api"),
			ReadTimeout:       time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SEC", 10)) * time.Second,
			WriteTimeout:      time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SEC", 15)) * time.Second,
			ShutdownTimeout:   time.Duration(getEnvInt("HTTP_SHUTDOWN_TIMEOUT_SEC", 20)) * time.Second,
			TrustProxyHeaders: getEnvBool("TRUST_PROXY_HEADERS", false),
		},
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		StateFile:   getEnv("STATE_FILE", "./data/accounts.json"),
		Auth: AuthConfig{
			JWTSecret:          getEnv("AUTH_JWT_SECRET", ""),
			JWTIssuer:          getEnv("AUTH_JWT_ISSUER", ""),
			BcryptCost:         getEnvInt("AUTH_BCRYPT_COST", 12),
			ResetTTL:           time.Duration(getEnvInt("AUTH_RESET_TTL_MIN", 60)) * time.Minute,
			ResetAllowedHosts:  getEnvList("AUTH_RESET_ALLOWED_HOSTS", nil),
			ResetPurgeSchedule: getEnv("AUTH_RESET_PURGE_SCHEDULE", "@every 1h"),
			AdminRole:          getEnv("AUTH_ADMIN_ROLE", "admin"),
			OperatorRoles:      getEnvList("AUTH_OPERATOR_ROLES", []string{"admin", "operator"}),
			BootstrapEmail:     getEnv("AUTH_BOOTSTRAP_EMAIL", ""),
			BootstrapPassword:  getEnv("AUTH_BOOTSTRAP_PASSWORD", ""),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			Window:   time.Duration(getEnvInt("RATE_LIMIT_WINDOW_SEC", 60)) * time.Second,
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", ""),
		},
		OIDC: OIDCConfig{
			IssuerURL:    getEnv("OIDC_ISSUER_URL", ""),
			ClientID:     getEnv("OIDC_CLIENT_ID", ""),
			ClientSecret: getEnv("OIDC_CLIENT_SECRET", ""),
			RedirectURL:  getEnv("OIDC_REDIRECT_URL", ""),
		},
		AuditLogFile: getEnv("AUDIT_LOG_FILE", "./data/audit.log"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
	}

	if cfg.HTTP.Addr == "" {
		return Config{}, fmt.Errorf("HTTP_ADDR must not be empty")
	}
	if !strings.HasPrefix(cfg.HTTP.BasePath, "/") {
		return Config{}, fmt.Errorf("API_BASE_PATH must start with /")
	}
	cfg.HTTP.BasePath = strings.TrimSuffix(cfg.HTTP.BasePath, "/")
	if len(cfg.Auth.JWTSecret) < 32 {
		return Config{}, fmt.Errorf("AUTH_JWT_SECRET must be at least 32 bytes")
	}
	if cfg.Auth.BcryptCost < 4 || cfg.Auth.BcryptCost > 31 {
		return Config{}, fmt.Errorf("AUTH_BCRYPT_COST must be between 4 and 31")
	}
	if cfg.Auth.ResetTTL <= 0 {
		return Config{}, fmt.Errorf("AUTH_RESET_TTL_MIN must be > 0")
	}
	if strings.EqualFold(cfg.Auth.ResetPurgeSchedule, "off") {
		cfg.Auth.ResetPurgeSchedule = ""
	}
	if cfg.Auth.AdminRole == "" {
		return Config{}, fmt.Errorf("AUTH_ADMIN_ROLE must not be empty")
	}
	if len(cfg.Auth.OperatorRoles) == 0 {
		return Config{}, fmt.Errorf("AUTH_OPERATOR_ROLES must not be empty")
	}
	if (cfg.Auth.BootstrapEmail == "") != (cfg.Auth.BootstrapPassword == "") {
		return Config{}, fmt.Errorf("AUTH_BOOTSTRAP_EMAIL and AUTH_BOOTSTRAP_PASSWORD must be set together")
	}
	if cfg.RateLimit.Requests <= 0 || cfg.RateLimit.Window <= 0 {
		return Config{}, fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW_SEC must be > 0")
	}
	if cfg.SMTP.Enabled() && cfg.SMTP.From == "" {
		return Config{}, fmt.Errorf("SMTP_FROM is required when SMTP_HOST is set")
	}
	if cfg.OIDC.Enabled() {
		if cfg.OIDC.ClientID == "" {
			return Config{}, fmt.Errorf("OIDC_CLIENT_ID is required when OIDC_ISSUER_URL is set")
		}
		if _, err := url.ParseRequestURI(cfg.OIDC.IssuerURL); err != nil {
			return Config{}, fmt.Errorf("OIDC_ISSUER_URL is invalid: %w", err)
		}
	}
	if cfg.DatabaseURL == "" && cfg.StateFile == "" {
		return Config{}, fmt.Errorf("STATE_FILE must not be empty when DATABASE_URL is unset")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	return val
}

func getEnvInt(key string, fallback int) int {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvList(key string, fallback []string) []string {
	val, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(val) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
