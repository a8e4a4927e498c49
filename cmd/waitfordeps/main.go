// Command waitfordeps blocks until the Postgres and Redis instances used by
// the integration tests accept connections.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

type probe struct {
	name string
	ping func(ctx context.Context) error
}

func main() {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "TEST_POSTGRES_DSN is required")
		os.Exit(2)
	}

	timeout := 60 * time.Second
	if raw := os.Getenv("WAIT_FOR_DEPS_TIMEOUT_SEC"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			fmt.Fprintf(os.Stderr, "invalid WAIT_FOR_DEPS_TIMEOUT_SEC: %q\n", raw)
			os.Exit(2)
		}
		timeout = time.Duration(secs) * time.Second
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open postgres: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	probes := []probe{{name: "postgres", ping: db.PingContext}}

	if raw := os.Getenv("TEST_REDIS_URL"); raw != "" {
		opts, err := redis.ParseURL(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "parse TEST_REDIS_URL: %v\n", err)
			os.Exit(2)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		probes = append(probes, probe{name: "redis", ping: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}})
	}

	deadline := time.Now().Add(timeout)
	for _, p := range probes {
		if err := waitFor(p, deadline); err != nil {
			fmt.Fprintf(os.Stderr, "%s not ready within %s: %v\n", p.name, timeout, err)
			os.Exit(1)
		}
		fmt.Printf("%s ready\n", p.name)
	}
}

func waitFor(p probe, deadline time.Time) error {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := p.ping(ctx)
		cancel()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(2 * time.Second)
	}
}
