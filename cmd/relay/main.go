// Command relay runs the TokenRelay authenticated reverse proxy: it loads a
// RelayConfig, wires every component in internal/, and serves the relay's
// fixed HTTP surface until signaled to stop.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/tokenrelay/relay/internal/config"
	"github.com/tokenrelay/relay/internal/forwarder"
	"github.com/tokenrelay/relay/internal/function"
	"github.com/tokenrelay/relay/internal/healthcheck"
	"github.com/tokenrelay/relay/internal/httpclient"
	"github.com/tokenrelay/relay/internal/logring"
	"github.com/tokenrelay/relay/internal/oauth2cache"
	"github.com/tokenrelay/relay/internal/server"
	"github.com/tokenrelay/relay/internal/telemetry"
)

func main() {
	level := &slog.LevelVar{}
	level.Set(slog.LevelInfo)

	base := newBaseHandler(level)
	ring := logring.NewHandler(1000, level, base)
	logger := slog.New(ring)
	slog.SetDefault(logger)

	if err := realMain(logger, ring); err != nil {
		log.Fatalf("tokenrelay: %v", err)
	}
}

func newBaseHandler(level *slog.LevelVar) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if os.Getenv("LOG_FORMAT") == "text" {
		return slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.NewJSONHandler(os.Stdout, opts)
}

func realMain(logger *slog.Logger, ring *logring.Handler) error {
	keySource, err := buildKeySource(logger)
	if err != nil {
		return fmt.Errorf("build master key source: %w", err)
	}
	loadOpts := config.LoadOptions{KeySource: keySource}

	cfg, err := loadInitialConfig(loadOpts)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store := config.NewStore(cfg)

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	hooks := telemetry.NewPromHooks(registry, logger)

	pool := httpclient.NewPool()

	tokenStore, err := buildTokenStore(logger)
	if err != nil {
		return fmt.Errorf("build token cache store: %w", err)
	}
	cache := oauth2cache.New(tokenStore, hooks)

	fwd := forwarder.New(store, pool, cache, hooks)
	healthEngine := healthcheck.NewEngine(10, 20, hooks)

	functionRegistry := function.NewRegistry()
	functionRegistry.Register("core", "echo", function.EchoFunction{})

	mux := http.NewServeMux()
	mux.Handle("/", server.New(server.Deps{
		Store:           store,
		Forwarder:       fwd,
		HealthEngine:    healthEngine,
		FunctionHandler: function.NewHandler(functionRegistry),
		LogHandler:      ring,
		Logger:          logger,
	}))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	addr := os.Getenv("TOKENRELAY_LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streamed proxy responses may run long
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if path := configPath(); path != "" {
		watcher := config.NewWatcher(path, loadOpts, store, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("config watcher stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("tokenrelay listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// configPath resolves the file path to watch for hot reload. It returns ""
// when the relay is running from an inline environment-supplied config,
// since there is no file to watch in that mode.
func configPath() string {
	if os.Getenv("TOKENRELAY_CONFIG_MODE") == "env" {
		return ""
	}
	path := os.Getenv("ConfigPath")
	if path == "" {
		path = "tokenrelay.json"
	}
	return path
}

func loadInitialConfig(opts config.LoadOptions) (*config.RelayConfig, error) {
	if os.Getenv("TOKENRELAY_CONFIG_MODE") == "env" {
		data := os.Getenv("TOKENRELAY_CONFIG_JSON")
		if data == "" {
			return nil, fmt.Errorf("TOKENRELAY_CONFIG_MODE=env but TOKENRELAY_CONFIG_JSON is not set")
		}
		return config.LoadFromJSON([]byte(data), opts)
	}
	return config.LoadFromFile(configPath(), opts)
}

func buildKeySource(logger *slog.Logger) (config.MasterKeySource, error) {
	switch os.Getenv("TOKENRELAY_KEY_SOURCE") {
	case "vault":
		vaultCfg := vaultapi.DefaultConfig()
		if addr := os.Getenv("VAULT_ADDR"); addr != "" {
			vaultCfg.Address = addr
		}
		client, err := vaultapi.NewClient(vaultCfg)
		if err != nil {
			return nil, fmt.Errorf("build vault client: %w", err)
		}
		if token := os.Getenv("VAULT_TOKEN"); token != "" {
			client.SetToken(token)
		}
		logger.Info("using vault master key source", "addr", vaultCfg.Address)
		return config.NewVaultKeySource(client, "secret", "tokenrelay/encryption-key", "key"), nil
	default:
		return config.NewEnvKeySource(), nil
	}
}

func buildTokenStore(logger *slog.Logger) (oauth2cache.Store, error) {
	addr := os.Getenv("TOKENRELAY_REDIS_ADDR")
	if addr == "" {
		return oauth2cache.NewMemoryStore(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	logger.Info("using redis token cache store", "addr", addr)
	return oauth2cache.NewRedisStore(client, ""), nil
}
