package forwarder

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tokenrelay/relay/internal/config"
	"github.com/tokenrelay/relay/internal/httpclient"
	"github.com/tokenrelay/relay/internal/oauth2cache"
)

func newForwarder(cfg *config.RelayConfig) *Forwarder {
	store := config.NewStore(cfg)
	pool := httpclient.NewPool()
	cache := oauth2cache.New(oauth2cache.NewMemoryStore(), nil)
	return New(store, pool, cache, nil)
}

func TestForwardDirectScenarioOneNoAuth(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Header.Get("Authorization") != "" {
			t.Errorf("expected no Authorization header, got %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	cfg := &config.RelayConfig{
		Mode: config.ModeDirect,
		Targets: map[string]config.TargetSpec{
			"echo": {Endpoint: backend.URL, Enabled: true, AuthType: config.AuthStatic},
		},
	}
	fwd := newForwarder(cfg)

	req := httptest.NewRequest(http.MethodGet, "/v1/echo", nil)
	req.Header.Set(TargetHeader, "echo")
	rec := httptest.NewRecorder()

	fwd.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if gotPath != "/v1/echo" {
		t.Fatalf("got backend path %q", gotPath)
	}
}

func TestForwardDirectUnknownTargetIs404(t *testing.T) {
	cfg := &config.RelayConfig{Mode: config.ModeDirect, Targets: map[string]config.TargetSpec{}}
	fwd := newForwarder(cfg)

	req := httptest.NewRequest(http.MethodGet, "/v1/echo", nil)
	req.Header.Set(TargetHeader, "missing")
	rec := httptest.NewRecorder()

	fwd.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", rec.Code)
	}
}

func TestForwardDirectMissingTargetHeaderIs400(t *testing.T) {
	cfg := &config.RelayConfig{Mode: config.ModeDirect, Targets: map[string]config.TargetSpec{}}
	fwd := newForwarder(cfg)

	req := httptest.NewRequest(http.MethodGet, "/v1/echo", nil)
	rec := httptest.NewRecorder()

	fwd.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
}

func TestForwardDirectStaticHeadersWinOverInbound(t *testing.T) {
	var gotAuth string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	cfg := &config.RelayConfig{
		Mode: config.ModeDirect,
		Targets: map[string]config.TargetSpec{
			"api": {Endpoint: backend.URL, Enabled: true, AuthType: config.AuthStatic, Headers: map[string]string{"Authorization": "Basic target-creds"}},
		},
	}
	fwd := newForwarder(cfg)

	req := httptest.NewRequest(http.MethodGet, "/v1/data", nil)
	req.Header.Set(TargetHeader, "api")
	req.Header.Set("Authorization", "Bearer inbound-creds")
	rec := httptest.NewRecorder()

	fwd.ServeHTTP(rec, req)

	if gotAuth != "Basic target-creds" {
		t.Fatalf("got Authorization %q, want target headers to win", gotAuth)
	}
}

func TestForwardDirectOAuth2InjectsBearerToken(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/token" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"T","token_type":"Bearer","expires_in":3600}`))
			return
		}
		if r.Header.Get("Authorization") != "Bearer T" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	cfg := &config.RelayConfig{
		Mode: config.ModeDirect,
		Targets: map[string]config.TargetSpec{
			"api": {
				Endpoint: backend.URL, Enabled: true, AuthType: config.AuthOAuth2,
				AuthData: map[string]string{
					"grant_type": "client_credentials", "token_endpoint": backend.URL + "/oauth/token",
					"client_id": "c1", "client_secret": "s1",
				},
			},
		},
	}
	fwd := newForwarder(cfg)

	req := httptest.NewRequest(http.MethodGet, "/v1/data", nil)
	req.Header.Set(TargetHeader, "api")
	rec := httptest.NewRecorder()

	fwd.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
}

func TestForwardDirectPlaceholderErrorIs400(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("backend should not be called for an unresolved placeholder")
	}))
	defer backend.Close()

	cfg := &config.RelayConfig{
		Mode: config.ModeDirect,
		Targets: map[string]config.TargetSpec{
			"api": {Endpoint: backend.URL, Enabled: true, AuthType: config.AuthStatic},
		},
	}
	fwd := newForwarder(cfg)

	req := httptest.NewRequest(http.MethodGet, "/v1/data?{missing}", nil)
	req.Header.Set(TargetHeader, "api")
	rec := httptest.NewRecorder()

	fwd.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
}

func TestForwardChainPreservesTargetAndSwapsAuth(t *testing.T) {
	var gotTargetHeader, gotAuthHeader, gotBody string
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTargetHeader = r.Header.Get(TargetHeader)
		gotAuthHeader = r.Header.Get(AuthHeader)
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer downstream.Close()

	cfg := &config.RelayConfig{
		Mode: config.ModeChain,
		Chain: config.ChainConfig{
			Target: config.TargetSpec{Endpoint: downstream.URL, Token: "chain-secret"},
		},
	}
	fwd := newForwarder(cfg)

	req := httptest.NewRequest(http.MethodPost, "/v1/echo", strings.NewReader(`{"a":1}`))
	req.Header.Set(TargetHeader, "api")
	req.Header.Set(AuthHeader, "upstream-secret")
	rec := httptest.NewRecorder()

	fwd.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if gotTargetHeader != "api" {
		t.Fatalf("got target header %q, want preserved api", gotTargetHeader)
	}
	if gotAuthHeader != "chain-secret" {
		t.Fatalf("got auth header %q, want chain target token", gotAuthHeader)
	}
	if gotBody != `{"a":1}` {
		t.Fatalf("got body %q", gotBody)
	}
}

// TestForwardChainStreamsBodyAtOrAboveThreshold checks that a chain-mode
// body larger than smallBodyThreshold reaches the downstream relay in full.
func TestForwardChainStreamsBodyAtOrAboveThreshold(t *testing.T) {
	data := bytes.Repeat([]byte("x"), smallBodyThreshold+1)

	var gotLen int
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := io.Copy(io.Discard, r.Body)
		gotLen = int(n)
		w.WriteHeader(http.StatusOK)
	}))
	defer downstream.Close()

	cfg := &config.RelayConfig{
		Mode: config.ModeChain,
		Chain: config.ChainConfig{
			Target: config.TargetSpec{Endpoint: downstream.URL, Token: "chain-secret"},
		},
	}
	fwd := newForwarder(cfg)

	req := httptest.NewRequest(http.MethodPost, "/v1/upload", bytes.NewReader(data))
	req.Header.Set(TargetHeader, "api")
	rec := httptest.NewRecorder()

	fwd.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if gotLen != len(data) {
		t.Fatalf("downstream received %d bytes, want all %d forwarded without truncation", gotLen, len(data))
	}
}
