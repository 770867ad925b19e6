// README: Bench cases: environment checks, the booking flow end to end, start code races and load.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client

	// Filled in by the booking flow and reused by later cases.
	bookingID string
	startCode string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: checkPostgres},
		{Name: "Env: Redis connect", Run: checkRedis},
		{Name: "Migration: apply (optional)", Run: applyMigration},
		{Name: "Migration: tables exist", Run: checkTables},
		{Name: "API: health", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodGet, "/health", "", nil, http.StatusOK)
		}},
		{Name: "API: metrics exposed", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodGet, "/metrics", "", nil, http.StatusOK)
		}},
		{Name: "API: unauthenticated -> 401", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodGet, "/api/bookings", "", nil, http.StatusUnauthorized)
		}},

		{Name: "Booking: client creates", Run: createBooking},
		{Name: "Booking: invalid payload -> 400", Run: func(ctx context.Context, r *Runner) Result {
			if r.cfg.ClientToken == "" {
				return skipNoTokens()
			}
			return r.expect(ctx, http.MethodPost, "/api/bookings", r.cfg.ClientToken, map[string]any{
				"scheduled_date": "2030-01-01", "scheduled_time": "10:00", "duration": 0,
			}, http.StatusBadRequest)
		}},
		{Name: "Booking: guard accepts", Run: func(ctx context.Context, r *Runner) Result {
			if r.bookingID == "" {
				return Result{Status: statusSkip, Note: "no booking created"}
			}
			return r.expect(ctx, http.MethodPost, "/api/bookings/"+r.bookingID+"/status", r.cfg.GuardToken,
				map[string]any{"status": "accepted"}, http.StatusOK)
		}},
		{Name: "Booking: guard cannot read start code", Run: guardCannotSeeCode},
		{Name: "Visibility: evaluated", Run: func(ctx context.Context, r *Runner) Result {
			if r.bookingID == "" {
				return Result{Status: statusSkip, Note: "no booking created"}
			}
			return r.expect(ctx, http.MethodGet, "/api/bookings/"+r.bookingID+"/visibility", r.cfg.ClientToken, nil, http.StatusOK)
		}},
		{Name: "Tracking: start session", Run: func(ctx context.Context, r *Runner) Result {
			if r.bookingID == "" {
				return Result{Status: statusSkip, Note: "no booking created"}
			}
			return r.expect(ctx, http.MethodPost, "/api/bookings/"+r.bookingID+"/tracking", r.cfg.ClientToken, nil, http.StatusOK)
		}},
		{Name: "Location: guard update", Run: func(ctx context.Context, r *Runner) Result {
			if r.cfg.GuardToken == "" || r.cfg.GuardID == "" {
				return skipNoTokens()
			}
			return r.expect(ctx, http.MethodPut, "/api/guards/"+r.cfg.GuardID+"/location", r.cfg.GuardToken,
				map[string]any{"lat": 6.4541, "lng": 3.3947}, http.StatusOK)
		}},
		{Name: "Location: invalid coords -> 400", Run: func(ctx context.Context, r *Runner) Result {
			if r.cfg.GuardToken == "" || r.cfg.GuardID == "" {
				return skipNoTokens()
			}
			return r.expect(ctx, http.MethodPut, "/api/guards/"+r.cfg.GuardID+"/location", r.cfg.GuardToken,
				map[string]any{"lat": 123.0, "lng": 456.0}, http.StatusBadRequest)
		}},
		{Name: "Verify: wrong code -> 422", Run: func(ctx context.Context, r *Runner) Result {
			if r.bookingID == "" {
				return Result{Status: statusSkip, Note: "no booking created"}
			}
			return r.expect(ctx, http.MethodPost, "/api/bookings/"+r.bookingID+"/verify", r.cfg.GuardToken,
				map[string]any{"code": wrongCode(r.startCode)}, http.StatusUnprocessableEntity)
		}},
		{Name: "Concurrency: parallel verify activates once", Run: concurrentVerify},
		{Name: "Tracking: stop session", Run: func(ctx context.Context, r *Runner) Result {
			if r.bookingID == "" {
				return Result{Status: statusSkip, Note: "no booking created"}
			}
			return r.expect(ctx, http.MethodDelete, "/api/bookings/"+r.bookingID+"/tracking", r.cfg.ClientToken, nil, http.StatusNoContent)
		}},

		manualCase("Sync: remote mirror converges", "inspect the bookings node in the realtime database"),
		manualCase("Sync: outbox drains after Redis outage", "stop Redis, mutate, restart and watch escort_outbox_depth"),
		manualCase("Geofence: near pickup notification", "drive a guard into the pickup radius and watch FCM"),

		{Name: "Perf: location update throughput", Run: func(ctx context.Context, r *Runner) Result {
			if r.cfg.GuardToken == "" || r.cfg.GuardID == "" {
				return skipNoTokens()
			}
			return perfLoad(ctx, r, http.MethodPut, "/api/guards/"+r.cfg.GuardID+"/location", r.cfg.GuardToken,
				map[string]any{"lat": 6.4541, "lng": 3.3947})
		}},
		{Name: "Perf: booking read throughput", Run: func(ctx context.Context, r *Runner) Result {
			if r.bookingID == "" {
				return Result{Status: statusSkip, Note: "no booking created"}
			}
			return perfLoad(ctx, r, http.MethodGet, "/api/bookings/"+r.bookingID, r.cfg.ClientToken, nil)
		}},
	}
}

func checkPostgres(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "db not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.db.Ping(ctx); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return Result{Status: statusPass}
}

func checkRedis(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: statusFail, Note: "redis not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return Result{Status: statusPass}
}

func applyMigration(ctx context.Context, r *Runner) Result {
	if !r.cfg.ApplyMigration {
		return Result{Status: statusSkip, Note: "apply-migration=false"}
	}
	if r.db == nil {
		return Result{Status: statusFail, Note: "db not configured"}
	}
	sql, err := os.ReadFile(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	for _, s := range splitSQL(string(sql)) {
		if _, err := r.db.Exec(ctx, s); err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
	}
	return Result{Status: statusPass}
}

func checkTables(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "db not configured"}
	}
	tables, err := extractTables(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	for _, t := range tables {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
			t,
		).Scan(&exists)
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		if !exists {
			return Result{Status: statusFail, Note: "missing table: " + t}
		}
	}
	return Result{Status: statusPass}
}

func createBooking(ctx context.Context, r *Runner) Result {
	if r.cfg.ClientToken == "" || r.cfg.GuardToken == "" {
		return skipNoTokens()
	}
	tomorrow := time.Now().Add(24 * time.Hour)
	start := time.Now()
	status, body, err := r.do(ctx, http.MethodPost, "/api/bookings", r.cfg.ClientToken, map[string]any{
		"scheduled_date": tomorrow.Format("2006-01-02"),
		"scheduled_time": "12:00",
		"duration":       2,
		"pickup":         map[string]any{"lat": 6.4541, "lng": 3.3947, "address": "12 Marina Road", "city": "Lagos"},
		"destination":    map[string]any{"lat": 6.6018, "lng": 3.3515, "address": "Ikeja GRA", "city": "Lagos"},
	})
	latency := time.Since(start)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if status != http.StatusCreated {
		return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d", status)}
	}
	var created struct {
		ID        string `json:"id"`
		StartCode string `json:"start_code"`
	}
	if err := json.Unmarshal(body, &created); err != nil || created.ID == "" {
		return Result{Status: statusFail, Latency: latency, Note: "unexpected body"}
	}
	r.bookingID, r.startCode = created.ID, created.StartCode
	return Result{Status: statusPass, Latency: latency, Note: "id=" + created.ID}
}

func guardCannotSeeCode(ctx context.Context, r *Runner) Result {
	if r.bookingID == "" {
		return Result{Status: statusSkip, Note: "no booking created"}
	}
	status, body, err := r.do(ctx, http.MethodGet, "/api/bookings/"+r.bookingID, r.cfg.GuardToken, nil)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if status != http.StatusOK {
		return Result{Status: statusFail, Note: fmt.Sprintf("status=%d", status)}
	}
	if r.startCode != "" && bytes.Contains(body, []byte(r.startCode)) {
		return Result{Status: statusFail, Note: "start code leaked to guard"}
	}
	return Result{Status: statusPass}
}

// concurrentVerify fires the correct code from many goroutines; exactly one may report the
// transition, the rest see the booking already active.
func concurrentVerify(ctx context.Context, r *Runner) Result {
	if r.bookingID == "" || r.startCode == "" {
		return Result{Status: statusSkip, Note: "no booking created"}
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, already, other := 0, 0, 0
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, body, err := r.do(ctx, http.MethodPost, "/api/bookings/"+r.bookingID+"/verify", r.cfg.GuardToken,
				map[string]any{"code": r.startCode})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil || status != http.StatusOK:
				other++
			case bytes.Contains(body, []byte(`"already_active":true`)):
				already++
			default:
				ok++
			}
		}()
	}
	wg.Wait()
	note := fmt.Sprintf("activated=%d already_active=%d other=%d", ok, already, other)
	if ok == 1 && other == 0 {
		return Result{Status: statusPass, Note: note}
	}
	return Result{Status: statusFail, Note: note}
}

func (r *Runner) do(ctx context.Context, method, path, token string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	return resp.StatusCode, out, err
}

func (r *Runner) expect(ctx context.Context, method, path, token string, body any, want int) Result {
	start := time.Now()
	status, _, err := r.do(ctx, method, path, token, body)
	latency := time.Since(start)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if status != want {
		return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d want=%d", status, want)}
	}
	return Result{Status: statusPass, Latency: latency, Note: fmt.Sprintf("status=%d", status)}
}

func manualCase(name, note string) TestCase {
	return TestCase{
		Name: name,
		Run: func(ctx context.Context, r *Runner) Result {
			return Result{Status: statusSkip, Note: note}
		},
	}
}

func skipNoTokens() Result {
	return Result{Status: statusSkip, Note: "client/guard tokens not provided"}
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

func perfLoad(ctx context.Context, r *Runner, method, path, token string, payload any) Result {
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount int64
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				status, _, err := r.do(ctx, method, path, token, payload)
				mu.Lock()
				if err != nil || status >= 500 {
					errCount++
				} else {
					count++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: statusFail, Note: "no requests completed"}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
