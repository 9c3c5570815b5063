package healthcheck

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tokenrelay/relay/internal/config"
)

type recordingHooks struct {
	mu      sync.Mutex
	results map[string]bool
}

func (r *recordingHooks) HealthCheckResult(target string, healthy bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.results == nil {
		r.results = map[string]bool{}
	}
	r.results[target] = healthy
}

func TestRunScenarioSixAggregation(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	unauthorizedServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer unauthorizedServer.Close()

	targets := map[string]config.TargetSpec{
		"a": {HealthCheck: &config.HealthCheckSpec{Enabled: true, Type: config.HealthTCP, URL: "tcp://" + listener.Addr().String()}},
		"b": {HealthCheck: &config.HealthCheckSpec{Enabled: true, Type: config.HealthHTTPGet, URL: unauthorizedServer.URL, ExpectedStatusCodes: []int{200}}},
		"c": {HealthCheck: &config.HealthCheckSpec{Enabled: true, Type: config.HealthTCP, URL: "tcp://127.0.0.1:59999"}},
	}

	engine := NewEngine(10, 100, nil)
	report := engine.Run(context.Background(), targets)

	if report.Status != StatusDegraded {
		t.Fatalf("got overall status %q, want Degraded", report.Status)
	}

	byName := map[string]CheckResult{}
	for _, c := range report.Checks {
		byName[c.Name] = c
	}
	if byName["a"].Status != StatusHealthy {
		t.Fatalf("target a: got %q, want Healthy", byName["a"].Status)
	}
	if byName["b"].Status != StatusHealthy {
		t.Fatalf("target b (401 rule): got %q, want Healthy", byName["b"].Status)
	}
	if byName["c"].Status != StatusUnhealthy {
		t.Fatalf("target c: got %q, want Unhealthy", byName["c"].Status)
	}
}

func TestRunAllSkippedIsHealthy(t *testing.T) {
	targets := map[string]config.TargetSpec{
		"a": {},
		"b": {HealthCheck: &config.HealthCheckSpec{Enabled: false}},
	}
	engine := NewEngine(10, 100, nil)
	report := engine.Run(context.Background(), targets)

	if report.Status != StatusHealthy {
		t.Fatalf("got %q, want Healthy when all targets are skipped", report.Status)
	}
	for _, c := range report.Checks {
		if c.Status != StatusSkipped {
			t.Fatalf("expected skipped result, got %+v", c)
		}
	}
}

func TestCheckHTTPPostUsesConfiguredBody(t *testing.T) {
	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	targets := map[string]config.TargetSpec{
		"p": {HealthCheck: &config.HealthCheckSpec{Enabled: true, Type: config.HealthHTTPPost, URL: server.URL, Body: `{"ping":true}`}},
	}
	engine := NewEngine(10, 100, nil)
	report := engine.Run(context.Background(), targets)

	if report.Checks[0].Status != StatusHealthy {
		t.Fatalf("expected healthy, got %+v", report.Checks[0])
	}
	if gotBody != `{"ping":true}` {
		t.Fatalf("got body %q", gotBody)
	}
}

func TestRunReportsHooksPerNonSkippedTarget(t *testing.T) {
	healthyServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthyServer.Close()

	targets := map[string]config.TargetSpec{
		"up":      {HealthCheck: &config.HealthCheckSpec{Enabled: true, Type: config.HealthHTTPGet, URL: healthyServer.URL, ExpectedStatusCodes: []int{200}}},
		"down":    {HealthCheck: &config.HealthCheckSpec{Enabled: true, Type: config.HealthTCP, URL: "tcp://127.0.0.1:59999"}},
		"skipped": {},
	}

	hooks := &recordingHooks{}
	engine := NewEngine(10, 100, hooks)
	engine.Run(context.Background(), targets)

	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if healthy, ok := hooks.results["up"]; !ok || !healthy {
		t.Fatalf("expected a recorded healthy result for target up, got %+v", hooks.results)
	}
	if healthy, ok := hooks.results["down"]; !ok || healthy {
		t.Fatalf("expected a recorded unhealthy result for target down, got %+v", hooks.results)
	}
	if _, ok := hooks.results["skipped"]; ok {
		t.Fatalf("did not expect a hook call for a skipped target, got %+v", hooks.results)
	}
}
