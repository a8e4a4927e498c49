package integration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"bioadmin/accounts/internal/auth"
	"bioadmin/accounts/internal/mail"
	"bioadmin/accounts/internal/migrations"
	"bioadmin/accounts/internal/ratelimit"
)

const testSecret = "integration-secret-0123456789abcdef"

// postgresDSN is TEST_POSTGRES_DSN, or the address of a throwaway container
// when TEST_CONTAINERS=1.
var postgresDSN string

func TestMain(m *testing.M) {
	postgresDSN = os.Getenv("TEST_POSTGRES_DSN")
	var terminate func()
	if postgresDSN == "" && os.Getenv("TEST_CONTAINERS") == "1" {
		dsn, stop, err := startPostgresContainer()
		if err != nil {
			log.Fatalf("start postgres container: %v", err)
		}
		postgresDSN, terminate = dsn, stop
	}
	code := m.Run()
	if terminate != nil {
		terminate()
	}
	os.Exit(code)
}

func startPostgresContainer() (string, func(), error) {
	ctx := context.Background()
	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("bioadmin_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		return "", nil, err
	}
	stop := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := ctr.Terminate(stopCtx); err != nil {
			log.Printf("terminate postgres container: %v", err)
		}
	}
	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		stop()
		return "", nil, err
	}
	return dsn, stop, nil
}

func openTestPostgres(t *testing.T) *sql.DB {
	t.Helper()

	dsn := postgresDSN
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set and TEST_CONTAINERS!=1; skipping Postgres integration tests")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("sql.Open() error: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	if err := db.Ping(); err != nil {
		t.Fatalf("db.Ping() error: %v", err)
	}

	svc, err := migrations.NewService(db)
	if err != nil {
		t.Fatalf("migrations.NewService() error: %v", err)
	}
	if _, err := svc.Up(context.Background()); err != nil {
		t.Fatalf("migrations Up() error: %v", err)
	}
	return db
}

type captureSender struct {
	mu   sync.Mutex
	msgs []mail.Message
}

func (c *captureSender) Send(_ context.Context, msg mail.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

var tokenParam = regexp.MustCompile(`token=([0-9a-f]+)`)

func (c *captureSender) lastToken(t *testing.T) string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if m := tokenParam.FindStringSubmatch(c.msgs[i].Body); m != nil {
			return m[1]
		}
	}
	t.Fatalf("no reset link captured")
	return ""
}

func newService(t *testing.T, db *sql.DB, sender mail.Sender) (*auth.Service, *auth.PostgresStore) {
	t.Helper()
	store, err := auth.NewPostgresStore(db)
	if err != nil {
		t.Fatalf("NewPostgresStore() error: %v", err)
	}
	signer, err := auth.NewTokenSigner(testSecret, "bioadmin-itest")
	if err != nil {
		t.Fatalf("NewTokenSigner() error: %v", err)
	}
	svc, err := auth.NewService(store, auth.ServiceConfig{
		Hasher:   auth.NewBcryptHasher(4),
		Signer:   signer,
		Notifier: mail.NewNotifier(sender, "Bioadmin itest"),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewService() error: %v", err)
	}
	return svc, store
}

func uniqueEmail(prefix string) string {
	return fmt.Sprintf("%s_%d@itest.local", prefix, time.Now().UnixNano())
}

func cleanupAccount(t *testing.T, db *sql.DB, email string) {
	t.Cleanup(func() {
		_, _ = db.Exec("DELETE FROM accounts WHERE lower(email) = lower($1)", email)
	})
}

func TestPostgresLoginAndSessionRoundTrip(t *testing.T) {
	db := openTestPostgres(t)
	ctx := context.Background()
	svc, _ := newService(t, db, &captureSender{})

	email := uniqueEmail("login")
	cleanupAccount(t, db, email)
	roleCode := fmt.Sprintf("itest_admin_%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = db.Exec("DELETE FROM roles WHERE code = $1", roleCode)
	})

	created, err := svc.EnsureBootstrapAdmin(ctx, email, "Password123!", roleCode)
	if err != nil || !created {
		t.Fatalf("EnsureBootstrapAdmin() = %v, %v", created, err)
	}

	result, err := svc.Authenticate(ctx, email, "Password123!")
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	identity, err := svc.Identify(ctx, result.Token)
	if err != nil {
		t.Fatalf("Identify() error: %v", err)
	}
	if identity.Email != email || !auth.HasRole(identity, roleCode) {
		t.Fatalf("unexpected identity: %+v", identity)
	}

	if _, err := svc.SetStatus(ctx, identity.ID, auth.StatusInactive); err != nil {
		t.Fatalf("SetStatus() error: %v", err)
	}
	if _, err := svc.Identify(ctx, result.Token); !errors.Is(err, auth.ErrAccountInactive) {
		t.Fatalf("expected ErrAccountInactive after deactivation, got %v", err)
	}
}

func TestPostgresResetRoundTrip(t *testing.T) {
	db := openTestPostgres(t)
	ctx := context.Background()
	sender := &captureSender{}
	svc, store := newService(t, db, sender)

	email := uniqueEmail("reset")
	cleanupAccount(t, db, email)
	hash, err := auth.NewBcryptHasher(4).Hash("Password123!")
	if err != nil {
		t.Fatalf("Hash() error: %v", err)
	}
	if _, err := store.CreateAccount(ctx, auth.Account{Email: email, PasswordHash: hash, Name: "Reset", Status: auth.StatusActive}); err != nil {
		t.Fatalf("CreateAccount() error: %v", err)
	}

	if err := svc.RequestReset(ctx, email, "https://app.local/auth"); err != nil {
		t.Fatalf("RequestReset() error: %v", err)
	}
	raw := sender.lastToken(t)

	const workers = 6
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- svc.RedeemReset(ctx, raw, "NewPass123!")
		}()
	}
	wg.Wait()
	close(errs)

	successes := 0
	for err := range errs {
		if err == nil {
			successes++
			continue
		}
		if !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("unexpected redeem error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one redemption, got %d", successes)
	}

	if _, err := svc.Authenticate(ctx, email, "NewPass123!"); err != nil {
		t.Fatalf("Authenticate() with new password error: %v", err)
	}
	if _, err := svc.Authenticate(ctx, email, "Password123!"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected old password to fail, got %v", err)
	}
}

func TestPostgresMigrationStatus(t *testing.T) {
	db := openTestPostgres(t)

	svc, err := migrations.NewService(db)
	if err != nil {
		t.Fatalf("NewService() error: %v", err)
	}
	items, err := svc.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if len(items) == 0 {
		t.Fatalf("expected migrations in status")
	}
	for _, item := range items {
		if !item.Applied {
			t.Fatalf("expected %s applied", item.Name)
		}
	}
}

func TestRedisRateLimiter(t *testing.T) {
	raw := os.Getenv("TEST_REDIS_URL")
	if raw == "" {
		t.Skip("TEST_REDIS_URL not set; skipping Redis integration tests")
	}
	opts, err := redis.ParseURL(raw)
	if err != nil {
		t.Fatalf("ParseURL() error: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	limiter, err := ratelimit.New(client, 2, time.Minute, "bioadmin:itest")
	if err != nil {
		t.Fatalf("ratelimit.New() error: %v", err)
	}
	ctx := context.Background()
	key := fmt.Sprintf("login:%d", time.Now().UnixNano())
	t.Cleanup(func() { _ = limiter.Reset(ctx, key) })

	for i := 0; i < 2; i++ {
		res, err := limiter.Allow(ctx, key)
		if err != nil || !res.Allowed {
			t.Fatalf("request %d: expected allowed, got %+v %v", i, res, err)
		}
	}
	res, err := limiter.Allow(ctx, key)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if res.Allowed || res.RetryAfter <= 0 {
		t.Fatalf("expected third request to be limited, got %+v", res)
	}
}
