package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tokenrelay/relay/internal/authgate"
	"github.com/tokenrelay/relay/internal/config"
	"github.com/tokenrelay/relay/internal/forwarder"
	"github.com/tokenrelay/relay/internal/function"
	"github.com/tokenrelay/relay/internal/healthcheck"
	"github.com/tokenrelay/relay/internal/httpclient"
	"github.com/tokenrelay/relay/internal/logring"
	"github.com/tokenrelay/relay/internal/oauth2cache"
)

func newTestDeps(cfg *config.RelayConfig) (Deps, *config.Store) {
	store := config.NewStore(cfg)
	pool := httpclient.NewPool()
	cache := oauth2cache.New(oauth2cache.NewMemoryStore(), nil)
	fwd := forwarder.New(store, pool, cache, nil)
	engine := healthcheck.NewEngine(5, 50, nil)
	registry := function.NewRegistry()
	registry.Register("core", "echo", function.EchoFunction{})
	level := &slog.LevelVar{}
	ring := logring.NewHandler(16, level, slog.NewTextHandler(bytesDiscard{}, nil))
	return Deps{
		Store:           store,
		Forwarder:       fwd,
		HealthEngine:    engine,
		FunctionHandler: function.NewHandler(registry),
		LogHandler:      ring,
	}, store
}

type bytesDiscard struct{}

func (bytesDiscard) Write(p []byte) (int, error) { return len(p), nil }

func TestServerRejectsMissingAuthOnProxy(t *testing.T) {
	cfg := &config.RelayConfig{Mode: config.ModeDirect, Targets: map[string]config.TargetSpec{}}
	deps, _ := newTestDeps(cfg)
	handler := New(deps)

	req := httptest.NewRequest(http.MethodGet, "/proxy/v1/echo", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 401", rec.Code)
	}
}

func TestServerHealthBypassesAuthGate(t *testing.T) {
	cfg := &config.RelayConfig{Mode: config.ModeDirect, Targets: map[string]config.TargetSpec{}}
	deps, _ := newTestDeps(cfg)
	handler := New(deps)

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: got status %d, want 200", path, rec.Code)
		}
		var report healthcheck.Report
		if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
			t.Fatalf("%s: decode report: %v", path, err)
		}
		if report.Status != healthcheck.StatusHealthy {
			t.Fatalf("%s: got status %q, want Healthy with no targets", path, report.Status)
		}
	}
}

func TestServerProxyForwardsWithValidAuth(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	cfg := &config.RelayConfig{
		Mode: config.ModeDirect,
		Auth: config.AuthConfig{Tokens: []string{"secret"}},
		Targets: map[string]config.TargetSpec{
			"echo": {Endpoint: backend.URL, Enabled: true, AuthType: config.AuthStatic},
		},
	}
	deps, _ := newTestDeps(cfg)
	handler := New(deps)

	req := httptest.NewRequest(http.MethodGet, "/proxy/v1/echo", nil)
	req.Header.Set(authgate.AuthHeader, "secret")
	req.Header.Set(forwarder.TargetHeader, "echo")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
}

func TestServerFunctionDispatchRequiresAuth(t *testing.T) {
	cfg := &config.RelayConfig{Mode: config.ModeDirect, Targets: map[string]config.TargetSpec{}}
	deps, _ := newTestDeps(cfg)
	handler := New(deps)

	req := httptest.NewRequest(http.MethodGet, "/function/core/echo", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 401", rec.Code)
	}
}

func TestServerAdminLogsRespectsPermission(t *testing.T) {
	cfg := &config.RelayConfig{
		Mode:        config.ModeDirect,
		Auth:        config.AuthConfig{Tokens: []string{"secret"}},
		Targets:     map[string]config.TargetSpec{},
		Permissions: config.Permissions{LogRead: false},
	}
	deps, store := newTestDeps(cfg)
	handler := New(deps)

	req := httptest.NewRequest(http.MethodGet, "/admin/logs", nil)
	req.Header.Set(authgate.AuthHeader, "secret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 401 when logRead disabled", rec.Code)
	}

	enabled := *cfg
	enabled.Permissions = config.Permissions{LogRead: true}
	store.Swap(&enabled)

	req = httptest.NewRequest(http.MethodGet, "/admin/logs", nil)
	req.Header.Set(authgate.AuthHeader, "secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200 when logRead enabled", rec.Code)
	}
}

func TestServerAdminLogLevelChangesRingLevel(t *testing.T) {
	cfg := &config.RelayConfig{
		Mode:        config.ModeDirect,
		Auth:        config.AuthConfig{Tokens: []string{"secret"}},
		Targets:     map[string]config.TargetSpec{},
		Permissions: config.Permissions{LogLevelChange: true},
	}
	deps, _ := newTestDeps(cfg)
	handler := New(deps)

	body, _ := json.Marshal(map[string]string{"level": "WARN"})
	req := httptest.NewRequest(http.MethodPost, "/admin/loglevel", bytes.NewReader(body))
	req.Header.Set(authgate.AuthHeader, "secret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("got status %d, want 204", rec.Code)
	}
	if deps.LogHandler.Level().Level() != slog.LevelWarn {
		t.Fatalf("got level %v, want Warn", deps.LogHandler.Level().Level())
	}
}
