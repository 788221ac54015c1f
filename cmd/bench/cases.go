// README: Smoke cases for the dispatch API; includes HTTP, DB invariants, Redis, and throughput checks.
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
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"lifelink/internal/infra"
)

const (
	statusPass    = "PASS"
	statusFail    = "FAIL"
	statusPending = "PENDING"
	statusSkip    = "SKIP"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client

	mu          sync.Mutex
	emergencyID string
	token       string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name  string
	Focus string
	Run   func(ctx context.Context, r *Runner) Result
}

type response struct {
	status  int
	body    map[string]any
	latency time.Duration
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := infra.NewDB(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = infra.NewRedis(r.cfg.RedisAddr, "", 0)
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))

	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-7s %s", res.Status, tc.Name)
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

func (r *Runner) setEmergency(id string) {
	r.mu.Lock()
	r.emergencyID = id
	r.mu.Unlock()
}

func (r *Runner) emergency() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emergencyID
}

func (r *Runner) setToken(t string) {
	r.mu.Lock()
	r.token = t
	r.mu.Unlock()
}

func (r *Runner) crewToken() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token
}

func (r *Runner) do(ctx context.Context, method, url string, body any, token string) (response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return response{}, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()
	out := response{status: resp.StatusCode, latency: time.Since(start)}
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &out.body)
	return out, nil
}

func sceneBody(severity string) map[string]any {
	return map[string]any{
		"type":          "medical",
		"location":      map[string]any{"lat": 12.9716, "lng": 77.5946, "address": "MG Road, Bengaluru"},
		"severity":      severity,
		"patient_count": 1,
		"caller_name":   "bench",
		"injuries":      []string{"smoke test"},
	}
}

func (r *Runner) cases() []TestCase {
	base := r.cfg.BaseURL
	return []TestCase{
		{
			Name:  "Env: Postgres connect",
			Focus: "DB reachable",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: statusFail, Note: "db not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.db.Ping(ctx); err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name:  "Env: Redis connect",
			Focus: "Redis reachable",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: statusFail, Note: "redis not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.redis.Ping(ctx).Err(); err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name:  "Migration: apply (optional)",
			Focus: "Optionally apply the migration SQL",
			Run: func(ctx context.Context, r *Runner) Result {
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
				for _, s := range infra.SplitSQL(infra.StripSQLComments(string(sql))) {
					if _, err := r.db.Exec(ctx, s); err != nil {
						return Result{Status: statusFail, Note: err.Error()}
					}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name:  "Migration: tables exist",
			Focus: "Every table in the migration is present",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: statusFail, Note: "db not configured"}
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
			},
		},
		httpCaseMethod("API: health", http.MethodGet, base+"/health", nil, []int{200}, nil),

		// Emergency intake
		{
			Name:  "Emergency: report (valid)",
			Focus: "Create returns 201 and an emergency id",
			Run: func(ctx context.Context, r *Runner) Result {
				resp, err := r.do(ctx, http.MethodPost, base+"/api/emergencies", sceneBody("high"), "")
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				id, _ := resp.body["emergency_id"].(string)
				if resp.status != http.StatusCreated || id == "" {
					return Result{Status: statusFail, Latency: resp.latency, Note: fmt.Sprintf("status=%d", resp.status)}
				}
				r.setEmergency(id)
				return Result{Status: statusPass, Latency: resp.latency, Note: fmt.Sprintf("status=%v", resp.body["status"])}
			},
		},
		httpCase("Emergency: missing severity -> 400", base+"/api/emergencies", map[string]any{
			"location": map[string]any{"lat": 12.97, "lng": 77.59},
		}, []int{400}, nil),
		httpCase("Emergency: unknown blood type -> 400", base+"/api/emergencies", map[string]any{
			"location":          map[string]any{"lat": 12.97, "lng": 77.59},
			"severity":          "low",
			"blood_type_needed": "Z+",
		}, []int{400}, nil),
		httpCase("Emergency: accident report", base+"/api/accidents", map[string]any{
			"location":         map[string]any{"lat": 12.9352, "lng": 77.6245},
			"severity":         "medium",
			"reporter_name":    "bench",
			"vehicle_involved": true,
		}, []int{201}, nil),
		{
			Name:  "Emergency: status lookup",
			Focus: "Reporter can read the emergency back",
			Run: func(ctx context.Context, r *Runner) Result {
				id := r.emergency()
				if id == "" {
					return Result{Status: statusSkip, Note: "no emergency created"}
				}
				return expectStatus(r.do(ctx, http.MethodGet, base+"/api/emergencies/"+id, nil, ""))(200)
			},
		},
		{
			Name:  "Emergency: history",
			Focus: "State events are exposed",
			Run: func(ctx context.Context, r *Runner) Result {
				id := r.emergency()
				if id == "" {
					return Result{Status: statusSkip, Note: "no emergency created"}
				}
				return expectStatus(r.do(ctx, http.MethodGet, base+"/api/emergencies/"+id+"/events", nil, ""))(200)
			},
		},
		httpCaseMethod("Emergency: invalid id -> 400", http.MethodGet, base+"/api/emergencies/not-an-id", nil, []int{400}, nil),

		// Nearby preview
		httpCaseMethod("Nearby: valid", http.MethodGet, base+"/api/ambulances/nearby?lat=12.9716&lng=77.5946", nil, []int{200}, nil),
		httpCaseMethod("Nearby: missing lng -> 400", http.MethodGet, base+"/api/ambulances/nearby?lat=12.9716", nil, []int{400}, nil),

		// Crew flow
		httpCase("Crew: accept without token -> 401", base+"/api/ambulance/emergencies/00000000-0000-0000-0000-000000000000/accept", nil, []int{401}, nil),
		{
			Name:  "Crew: login",
			Focus: "Device credentials yield a bearer token",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.cfg.DeviceID == "" {
					return Result{Status: statusSkip, Note: "no -device configured"}
				}
				resp, err := r.do(ctx, http.MethodPost, base+"/api/ambulance/login", map[string]any{
					"device_id": r.cfg.DeviceID,
					"password":  r.cfg.Password,
				}, "")
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				token, _ := resp.body["token"].(string)
				if resp.status != http.StatusOK || token == "" {
					return Result{Status: statusFail, Latency: resp.latency, Note: fmt.Sprintf("status=%d", resp.status)}
				}
				r.setToken(token)
				return Result{Status: statusPass, Latency: resp.latency}
			},
		},
		crewCase("Crew: location update", http.MethodPost, base+"/api/ambulance/location", map[string]any{"lat": 12.9750, "lng": 77.5990}, 200),
		crewCase("Crew: current assignment", http.MethodGet, base+"/api/ambulance/assignment", nil, 200),
		{
			Name:  "Crew: accept and complete current offer",
			Focus: "Round trip through on_duty to completed",
			Run: func(ctx context.Context, r *Runner) Result {
				token := r.crewToken()
				if token == "" {
					return Result{Status: statusSkip, Note: "no crew session"}
				}
				resp, err := r.do(ctx, http.MethodGet, base+"/api/ambulance/assignment", nil, token)
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				a, _ := resp.body["assignment"].(map[string]any)
				e, _ := a["emergency"].(map[string]any)
				id, _ := e["id"].(string)
				if id == "" {
					return Result{Status: statusPending, Note: "crew has no offer"}
				}
				if e["status"] == "assigned" {
					acc, err := r.do(ctx, http.MethodPost, base+"/api/ambulance/emergencies/"+id+"/accept", nil, token)
					if err != nil || acc.status != http.StatusOK {
						return Result{Status: statusFail, Note: fmt.Sprintf("accept status=%d err=%v", acc.status, err)}
					}
				}
				done, err := r.do(ctx, http.MethodPost, base+"/api/ambulance/emergencies/"+id+"/complete", nil, token)
				if err != nil || done.status != http.StatusOK {
					return Result{Status: statusFail, Note: fmt.Sprintf("complete status=%d err=%v", done.status, err)}
				}
				return Result{Status: statusPass, Latency: done.latency, Note: fmt.Sprintf("lives_saved=%v", done.body["lives_saved"])}
			},
		},

		// Control room
		httpCase("Control: dispatch sweep", base+"/api/dispatch/sweep", nil, []int{200}, nil),
		httpCaseMethod("Control: dashboard", http.MethodGet, base+"/api/control/dashboard", nil, []int{200}, nil),
		httpCaseMethod("Control: notifications", http.MethodGet, base+"/api/control/notifications?unread=true", nil, []int{200}, nil),
		httpCaseMethod("Control: live feed rejects plain HTTP", http.MethodGet, base+"/api/control/live", nil, []int{400}, nil),

		// Data consistency
		{
			Name:  "Consistency: latest event matches status",
			Focus: "emergencies.status equals the last state event",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: statusFail, Note: "db not configured"}
				}
				var mismatched int
				err := r.db.QueryRow(ctx, `
					SELECT count(*) FROM emergencies e
					WHERE e.status <> (
						SELECT ev.to_status FROM emergency_state_events ev
						WHERE ev.emergency_id = e.id ORDER BY ev.id DESC LIMIT 1)`).Scan(&mismatched)
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				if mismatched > 0 {
					return Result{Status: statusFail, Note: fmt.Sprintf("mismatched=%d", mismatched)}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name:  "Consistency: one active emergency per ambulance",
			Focus: "No ambulance holds two assigned/on_duty emergencies",
			Run:   activeLinkInvariant,
		},
		{
			Name:  "Concurrency: parallel reports",
			Focus: "Concurrent creates never double-book an ambulance",
			Run: func(ctx context.Context, r *Runner) Result {
				return concurrentReports(ctx, r, base+"/api/emergencies")
			},
		},
		manualCase("Sweep: offer expires after 60s", "leave an offer unanswered for a minute, then sweep"),
		manualCase("Sweep: pending cancelled after 30m", "needs an emergency older than the staleness window"),
		manualCase("Error: Mongo down -> dispatch continues", "stop Mongo and confirm create still returns 201"),

		// Performance
		{
			Name:  "Perf: nearby preview throughput",
			Focus: "Read path under load",
			Run: func(ctx context.Context, r *Runner) Result {
				return perfLoad(ctx, r, http.MethodGet, base+"/api/ambulances/nearby?lat=12.9716&lng=77.5946", nil, "")
			},
		},
		{
			Name:  "Perf: crew location throughput",
			Focus: "50 to 100 location updates per second",
			Run: func(ctx context.Context, r *Runner) Result {
				token := r.crewToken()
				if token == "" {
					return Result{Status: statusSkip, Note: "no crew session"}
				}
				return perfLoad(ctx, r, http.MethodPost, base+"/api/ambulance/location", map[string]any{"lat": 12.9750, "lng": 77.5990}, token)
			},
		},
	}
}

func expectStatus(resp response, err error) func(want int) Result {
	return func(want int) Result {
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		if resp.status != want {
			return Result{Status: statusFail, Latency: resp.latency, Note: fmt.Sprintf("status=%d", resp.status)}
		}
		return Result{Status: statusPass, Latency: resp.latency, Note: fmt.Sprintf("status=%d", resp.status)}
	}
}

func httpCase(name, url string, body any, okStatuses, pendingStatuses []int) TestCase {
	return httpCaseMethod(name, http.MethodPost, url, body, okStatuses, pendingStatuses)
}

func httpCaseMethod(name, method, url string, body any, okStatuses, pendingStatuses []int) TestCase {
	return TestCase{
		Name:  name,
		Focus: "HTTP API",
		Run: func(ctx context.Context, r *Runner) Result {
			resp, err := r.do(ctx, method, url, body, "")
			if err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			note := fmt.Sprintf("status=%d", resp.status)
			if contains(okStatuses, resp.status) {
				return Result{Status: statusPass, Latency: resp.latency, Note: note}
			}
			if contains(pendingStatuses, resp.status) {
				return Result{Status: statusPending, Latency: resp.latency, Note: note}
			}
			return Result{Status: statusFail, Latency: resp.latency, Note: note}
		},
	}
}

func crewCase(name, method, url string, body any, want int) TestCase {
	return TestCase{
		Name:  name,
		Focus: "Crew API",
		Run: func(ctx context.Context, r *Runner) Result {
			token := r.crewToken()
			if token == "" {
				return Result{Status: statusSkip, Note: "no crew session"}
			}
			return expectStatus(r.do(ctx, method, url, body, token))(want)
		},
	}
}

func manualCase(name, note string) TestCase {
	return TestCase{
		Name:  name,
		Focus: "Manual",
		Run: func(ctx context.Context, r *Runner) Result {
			return Result{Status: statusSkip, Note: note}
		},
	}
}

func activeLinkInvariant(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusFail, Note: "db not configured"}
	}
	var doubled int
	err := r.db.QueryRow(ctx, `
		SELECT count(*) FROM (
			SELECT assigned_ambulance_id FROM emergencies
			WHERE status IN ('assigned','on_duty')
			GROUP BY assigned_ambulance_id HAVING count(*) > 1) d`).Scan(&doubled)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if doubled > 0 {
		return Result{Status: statusFail, Note: fmt.Sprintf("double-booked=%d", doubled)}
	}
	return Result{Status: statusPass}
}

func concurrentReports(ctx context.Context, r *Runner, url string) Result {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		assigned = map[string]int{}
	)
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := r.do(ctx, http.MethodPost, url, sceneBody("critical"), "")
			if err != nil || resp.status != http.StatusCreated {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			created++
			if m, ok := resp.body["match"].(map[string]any); ok {
				if id, _ := m["ambulance_id"].(string); id != "" {
					assigned[id]++
				}
			}
		}()
	}
	wg.Wait()

	if created == 0 {
		return Result{Status: statusFail, Note: "no reports accepted"}
	}
	for id, n := range assigned {
		if n > 1 {
			return Result{Status: statusFail, Note: fmt.Sprintf("ambulance %s offered %d emergencies", id, n)}
		}
	}
	if r.db != nil {
		if res := activeLinkInvariant(ctx, r); res.Status != statusPass {
			return res
		}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("created=%d assigned=%d", created, len(assigned))}
}

func perfLoad(ctx context.Context, r *Runner, method, url string, payload any, token string) Result {
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount int64
	var mu sync.Mutex
	wg := sync.WaitGroup{}

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				_, err := r.do(ctx, method, url, payload, token)
				mu.Lock()
				if err != nil {
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

func contains(list []int, v int) bool {
	for _, i := range list {
		if i == v {
			return true
		}
	}
	return false
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
