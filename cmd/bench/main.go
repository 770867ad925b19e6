// README: Smoke and load runner against a deployed escort API; checks HTTP, DB and Redis and prints results.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	BaseURL        string
	DSN            string
	RedisAddr      string
	MigrationPath  string
	ApplyMigration bool
	ClientToken    string
	GuardToken     string
	GuardID        string
	Strict         bool
	Timeout        time.Duration
	Concurrency    int
	Duration       time.Duration
}

func main() {
	var cfg Config
	flag.StringVar(&cfg.BaseURL, "base-url", "http://localhost:8080", "API base URL")
	flag.StringVar(&cfg.DSN, "dsn", os.Getenv("ESCORT_DB_DSN"), "Postgres DSN; database cases are skipped when empty")
	flag.StringVar(&cfg.RedisAddr, "redis", os.Getenv("ESCORT_REDIS_ADDR"), "Redis address; skipped when empty")
	flag.StringVar(&cfg.MigrationPath, "migration", "migrations/0001_init.sql", "migration SQL path")
	flag.BoolVar(&cfg.ApplyMigration, "apply-migration", false, "apply the migration before running")
	flag.StringVar(&cfg.ClientToken, "client-token", os.Getenv("ESCORT_BENCH_CLIENT_TOKEN"), "Firebase ID token of a client")
	flag.StringVar(&cfg.GuardToken, "guard-token", os.Getenv("ESCORT_BENCH_GUARD_TOKEN"), "Firebase ID token of a guard (role claim \"guard\")")
	flag.StringVar(&cfg.GuardID, "guard-id", os.Getenv("ESCORT_BENCH_GUARD_ID"), "uid behind -guard-token")
	flag.BoolVar(&cfg.Strict, "strict", false, "treat skipped cases as failures")
	flag.DurationVar(&cfg.Timeout, "timeout", time.Minute, "total timeout")
	flag.IntVar(&cfg.Concurrency, "concurrency", 20, "workers for load cases")
	flag.DurationVar(&cfg.Duration, "duration", 10*time.Second, "duration of each load case")
	flag.Parse()
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	counts := map[string]int{}
	for _, r := range NewRunner(cfg).RunAll(ctx) {
		counts[r.Status]++
	}
	fmt.Printf("\n== Summary ==\nPASS=%d FAIL=%d SKIP=%d\n", counts[statusPass], counts[statusFail], counts[statusSkip])

	if counts[statusFail] > 0 || (cfg.Strict && counts[statusSkip] > 0) {
		os.Exit(1)
	}
}
