// Package healthcheck evaluates each configured target's liveness on demand:
// HTTP GET, HTTP POST with a body, or a raw TCP connect, aggregated into an
// overall relay health verdict.
package healthcheck

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tokenrelay/relay/internal/config"
)

const probeTimeout = 5 * time.Second

// Status is the per-target or overall verdict.
type Status string

const (
	StatusHealthy   Status = "Healthy"
	StatusDegraded  Status = "Degraded"
	StatusUnhealthy Status = "Unhealthy"
	StatusSkipped   Status = "Skipped"
)

// CheckResult is one target's probe outcome.
type CheckResult struct {
	Name        string                 `json:"name"`
	Status      Status                 `json:"status"`
	Description string                 `json:"description,omitempty"`
	Duration    time.Duration          `json:"duration"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// Report is the aggregate health verdict returned by the relay's health
// endpoints.
type Report struct {
	Status        Status        `json:"status"`
	TotalDuration time.Duration `json:"totalDuration"`
	Checks        []CheckResult `json:"checks"`
}

// Hooks receives per-target telemetry events as probes complete.
type Hooks interface {
	HealthCheckResult(target string, healthy bool, duration time.Duration)
}

type noopHooks struct{}

func (noopHooks) HealthCheckResult(string, bool, time.Duration) {}

// Engine runs health probes across a set of targets with bounded
// concurrency, so a large target list cannot stampede a slow collaborator.
type Engine struct {
	client      *http.Client
	limiter     *rate.Limiter
	maxInFlight int
	hooks       Hooks
}

// NewEngine builds an Engine. maxInFlight bounds how many probes run
// concurrently; ratePerSecond further smooths the dispatch rate against
// flaky targets that rate-limit health checks. hooks may be nil.
func NewEngine(maxInFlight int, ratePerSecond float64, hooks Hooks) *Engine {
	if maxInFlight <= 0 {
		maxInFlight = 10
	}
	if ratePerSecond <= 0 {
		ratePerSecond = float64(maxInFlight)
	}
	if hooks == nil {
		hooks = noopHooks{}
	}
	return &Engine{
		client:      &http.Client{Timeout: probeTimeout},
		limiter:     rate.NewLimiter(rate.Limit(ratePerSecond), maxInFlight),
		maxInFlight: maxInFlight,
		hooks:       hooks,
	}
}

// Run evaluates every target, respecting ctx for cancellation.
func (e *Engine) Run(ctx context.Context, targets map[string]config.TargetSpec) Report {
	start := time.Now()

	results := make([]CheckResult, len(targets))
	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxInFlight)

	var mu sync.Mutex
	for i, name := range names {
		i, name := i, name
		target := targets[name]
		g.Go(func() error {
			if err := e.limiter.Wait(gctx); err != nil {
				return nil // context cancelled; caller's ctx.Err() covers this
			}
			result := e.check(gctx, name, target)
			if result.Status != StatusSkipped {
				e.hooks.HealthCheckResult(name, result.Status == StatusHealthy, result.Duration)
			}
			mu.Lock()
			results[i] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return Report{
		Status:        aggregate(results),
		TotalDuration: time.Since(start),
		Checks:        results,
	}
}

func (e *Engine) check(ctx context.Context, name string, target config.TargetSpec) CheckResult {
	spec := target.EffectiveHealthCheck()
	if spec == nil || !spec.Enabled {
		return CheckResult{Name: name, Status: StatusSkipped, Description: "no health check configured"}
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	switch spec.Type {
	case config.HealthTCP:
		return e.checkTCP(ctx, name, spec, start)
	case config.HealthHTTPPost:
		return e.checkHTTP(ctx, name, spec, http.MethodPost, start)
	case config.HealthHTTPGet, "":
		return e.checkHTTP(ctx, name, spec, http.MethodGet, start)
	default:
		return CheckResult{Name: name, Status: StatusUnhealthy, Description: fmt.Sprintf("unknown health check type %q", spec.Type), Duration: time.Since(start)}
	}
}

func (e *Engine) checkTCP(ctx context.Context, name string, spec *config.HealthCheckSpec, start time.Time) CheckResult {
	u, err := url.Parse(spec.URL)
	if err != nil {
		return CheckResult{Name: name, Status: StatusUnhealthy, Description: "invalid url: " + err.Error(), Duration: time.Since(start)}
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return CheckResult{Name: name, Status: StatusUnhealthy, Description: err.Error(), Duration: time.Since(start)}
	}
	_ = conn.Close()
	return CheckResult{Name: name, Status: StatusHealthy, Description: "tcp connect succeeded", Duration: time.Since(start)}
}

func (e *Engine) checkHTTP(ctx context.Context, name string, spec *config.HealthCheckSpec, method string, start time.Time) CheckResult {
	var bodyReader *bytes.Reader
	if method == http.MethodPost {
		bodyReader = bytes.NewReader([]byte(spec.Body))
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, spec.URL, bodyReader)
	if err != nil {
		return CheckResult{Name: name, Status: StatusUnhealthy, Description: err.Error(), Duration: time.Since(start)}
	}
	if method == http.MethodPost {
		contentType := spec.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return CheckResult{Name: name, Status: StatusUnhealthy, Description: err.Error(), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode == http.StatusUnauthorized || statusExpected(resp.StatusCode, spec.Codes())
	status := StatusUnhealthy
	if healthy {
		status = StatusHealthy
	}
	return CheckResult{
		Name:        name,
		Status:      status,
		Description: fmt.Sprintf("%s returned %d", method, resp.StatusCode),
		Duration:    time.Since(start),
		Data:        map[string]interface{}{"statusCode": resp.StatusCode},
	}
}

func statusExpected(status int, expected []int) bool {
	for _, e := range expected {
		if e == status {
			return true
		}
	}
	return false
}

func aggregate(results []CheckResult) Status {
	healthy, unhealthy := 0, 0
	for _, r := range results {
		switch r.Status {
		case StatusHealthy:
			healthy++
		case StatusUnhealthy:
			unhealthy++
		}
	}
	switch {
	case unhealthy == 0:
		return StatusHealthy
	case healthy == 0:
		return StatusUnhealthy
	default:
		return StatusDegraded
	}
}
