// Package server assembles the relay's few fixed HTTP routes — proxying,
// health, function dispatch, and log/operator endpoints — around the core
// components built elsewhere in this module. The routing itself is
// intentionally thin; every interesting decision already lives in the
// component it delegates to.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tokenrelay/relay/internal/authgate"
	"github.com/tokenrelay/relay/internal/config"
	"github.com/tokenrelay/relay/internal/forwarder"
	"github.com/tokenrelay/relay/internal/function"
	"github.com/tokenrelay/relay/internal/healthcheck"
	"github.com/tokenrelay/relay/internal/logring"
	"github.com/tokenrelay/relay/internal/relayerrors"
)

// Deps wires every component the server's routes delegate to. FunctionHandler
// and LogHandler are optional; a nil FunctionHandler serves 404 on
// /function/*, and the log endpoints are mounted only when LogHandler is set.
// Each log request is checked against the current config's permissions and
// refused with 401 when they do not allow it.
type Deps struct {
	Store           *config.Store
	Forwarder       *forwarder.Forwarder
	HealthEngine    *healthcheck.Engine
	FunctionHandler *function.Handler
	LogHandler      *logring.Handler
	Logger          *slog.Logger
}

// New builds the relay's top-level http.Handler: the auth gate wraps
// everything except the bypass paths it already knows about.
func New(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	mux := http.NewServeMux()

	mux.Handle("/proxy/", http.StripPrefix("/proxy", deps.Forwarder))

	healthHandler := newHealthHandler(deps.Store, deps.HealthEngine)
	mux.Handle("/health", healthHandler)
	mux.Handle("/health/live", healthHandler)
	mux.Handle("/health/ready", healthHandler)

	if deps.FunctionHandler != nil {
		mux.Handle("/function/", deps.FunctionHandler)
	} else {
		mux.HandleFunc("/function/", notFoundFunction)
	}

	if deps.LogHandler != nil {
		mux.Handle("/admin/logs", newLogReadHandler(deps.Store, deps.LogHandler))
		mux.Handle("/admin/loglevel", newLogLevelHandler(deps.Store, deps.LogHandler))
	}

	return authgate.New(deps.Store, mux, authgate.DefaultBypassPaths...)
}

func notFoundFunction(w http.ResponseWriter, r *http.Request) {
	relayerrors.WriteJSON(w, relayerrors.Target(http.StatusNotFound, "no function registry configured"), time.Now().UTC())
}

func newHealthHandler(store *config.Store, engine *healthcheck.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := store.Load()
		report := engine.Run(r.Context(), cfg.Targets)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(report)
	}
}

func newLogReadHandler(store *config.Store, ring *logring.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !store.Load().Permissions.LogRead {
			relayerrors.WriteJSON(w, relayerrors.Auth("log read is not permitted by the current configuration"), time.Now().UTC())
			return
		}
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				limit = n
			}
		}
		entries := ring.Recent(limit)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(entries)
	}
}

func newLogLevelHandler(store *config.Store, ring *logring.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !store.Load().Permissions.LogLevelChange {
			relayerrors.WriteJSON(w, relayerrors.Auth("log level change is not permitted by the current configuration"), time.Now().UTC())
			return
		}
		if r.Method != http.MethodPost {
			relayerrors.WriteJSON(w, relayerrors.Target(http.StatusBadRequest, "expected POST"), time.Now().UTC())
			return
		}
		var body struct {
			Level string `json:"level"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			relayerrors.WriteJSON(w, relayerrors.Target(http.StatusBadRequest, "invalid json body"), time.Now().UTC())
			return
		}
		var level slog.Level
		if err := level.UnmarshalText([]byte(body.Level)); err != nil {
			relayerrors.WriteJSON(w, relayerrors.Target(http.StatusBadRequest, "unrecognized log level: "+body.Level), time.Now().UTC())
			return
		}
		ring.Level().Set(level)
		w.WriteHeader(http.StatusNoContent)
	}
}

