// Gateway entry point.
//
// Environment variables:
//   TENSORZERO_CONFIG        — path to the TOML config file (default: config.toml)
//   TENSORZERO_CLICKHOUSE_URL — Observability Sink's ClickHouse HTTP base URL
//   TENSORZERO_DISABLE_OBSERVABILITY — set (any value) to write no rows at all
//   TENSORZERO_VALKEY_URL    — Redis/Valkey address backing the cache and rate limiter
//   LOG_LEVEL                — debug|info|warn|error (default: info)
//   MAX_RETRIES              — per-provider retry attempts before falling back (default: 2)
//
// Grounded on the teacher's cmd/proxy/main.go: same envOrDefault-style
// configuration surface, the same provider/key-pool/circuit-breaker
// construction order, and the same signal-driven graceful shutdown,
// generalised from a fixed two-provider gRPC proxy into a TOML-configured
// multi-model HTTP gateway built from internal/config.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tensorzero/inference-gateway/internal/cache"
	"github.com/tensorzero/inference-gateway/internal/config"
	"github.com/tensorzero/inference-gateway/internal/credentials"
	"github.com/tensorzero/inference-gateway/internal/engine"
	"github.com/tensorzero/inference-gateway/internal/feedback"
	"github.com/tensorzero/inference-gateway/internal/httpapi"
	"github.com/tensorzero/inference-gateway/internal/observability"
	"github.com/tensorzero/inference-gateway/internal/provider/anthropic"
	"github.com/tensorzero/inference-gateway/internal/provider/azure"
	"github.com/tensorzero/inference-gateway/internal/provider/bedrock"
	"github.com/tensorzero/inference-gateway/internal/provider/gemini"
	"github.com/tensorzero/inference-gateway/internal/provider/hyperbolic"
	"github.com/tensorzero/inference-gateway/internal/provider/openai"
	"github.com/tensorzero/inference-gateway/internal/provider/together"
	"github.com/tensorzero/inference-gateway/internal/providerapi"
	"github.com/tensorzero/inference-gateway/internal/ratelimit"
	"github.com/tensorzero/inference-gateway/internal/router"
	"github.com/tensorzero/inference-gateway/internal/xerrors"
)

func main() {
	logger := initLogger(envOrDefault("LOG_LEVEL", "info"))
	defer logger.Sync()

	logger.Info("starting inference gateway")

	cfgPath := envOrDefault("TENSORZERO_CONFIG", "config.toml")
	cfg, err := config.Load(cfgPath, logger)
	if err != nil {
		logger.Fatal("config: failed to load", zap.String("path", cfgPath), zap.Error(err))
	}

	httpc := &http.Client{Timeout: cfg.Gateway.DefaultTimeout}

	redisClient, err := newRedisClient(cfg.RateLimitStoreURL)
	if err != nil {
		logger.Fatal("redis: failed to configure client", zap.Error(err))
	}

	resolver := credentials.NewResolver(collectCredentials(cfg))
	cacheStore := cache.New(redisClient)
	limiter := ratelimit.New(redisClient)

	models, err := buildModels(cfg, httpc, logger)
	if err != nil {
		logger.Fatal("providers: failed to build adapters", zap.Error(err))
	}

	rtr := router.New(resolver, cacheStore, limiter, logger).
		WithCircuitBreaker(cfg.Gateway.CircuitBreakerFailureThreshold, cfg.Gateway.CircuitBreakerCooldown).
		WithAttemptTimeout(cfg.Gateway.DefaultTimeout).
		WithRetryConfig(envIntOrDefault("MAX_RETRIES", 2), 250*time.Millisecond, 5*time.Second)

	sink := buildObservabilitySink(cfg, httpc, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sink.Shutdown(shutdownCtx); err != nil {
			logger.Error("observability: shutdown did not fully drain", zap.Error(err))
		}
	}()

	eng := engine.New(cfg.Functions, models, rtr, sink, logger)
	fb := feedback.New(cfg.Metrics, sink, logger)

	server := httpapi.NewServer(eng, fb, logger, httpapi.Config{TracerName: "github.com/tensorzero/inference-gateway"})

	httpServer := &http.Server{
		Addr:         cfg.Gateway.BindAddress,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Gateway.DefaultTimeout,
		WriteTimeout: 0, // streaming responses must not be cut off by a fixed write deadline
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Gateway.BindAddress))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("inference gateway shut down successfully")
}

// collectCredentials flattens every model's providers into the flat
// alias-keyed map internal/credentials.Resolver expects.
func collectCredentials(cfg *config.Config) map[string]credentials.ProviderConfig {
	out := make(map[string]credentials.ProviderConfig)
	for _, m := range cfg.Models {
		for _, pd := range m.Providers {
			out[pd.Alias] = pd.Credential
		}
	}
	return out
}

// buildModels constructs the live providerapi.Provider adapter for every
// configured provider and assembles router.ModelConfig per model.
func buildModels(cfg *config.Config, httpc *http.Client, logger *zap.Logger) (map[string]router.ModelConfig, error) {
	models := make(map[string]router.ModelConfig, len(cfg.Models))
	for name, md := range cfg.Models {
		entries := make([]router.ProviderEntry, 0, len(md.Providers))
		for _, pd := range md.Providers {
			adapter, err := buildProvider(pd, httpc)
			if err != nil {
				return nil, xerrors.Wrap(xerrors.KindInternal, err, fmt.Sprintf("providers: model %q provider %q", name, pd.Alias))
			}
			entries = append(entries, router.ProviderEntry{
				Name:          pd.Alias,
				Provider:      adapter,
				RateLimitKeys: pd.RateLimitKeys,
				Timeout:       pd.Timeout,
			})
		}
		models[name] = router.ModelConfig{Name: name, Providers: entries}
		logger.Info("model configured", zap.String("model", name), zap.Int("providers", len(entries)))
	}
	return models, nil
}

func buildProvider(pd config.ProviderDef, httpc *http.Client) (providerapi.Provider, error) {
	switch pd.Kind {
	case "openai":
		return openai.New(pd.ModelID, httpc), nil
	case "azure":
		return azure.New(pd.AzureResource, pd.AzureDeployment, pd.AzureAPIVersion, httpc), nil
	case "anthropic":
		return anthropic.New(pd.ModelID, httpc), nil
	case "gemini":
		return gemini.New(pd.ModelID), nil
	case "together":
		return together.New(pd.ModelID, httpc), nil
	case "hyperbolic":
		return hyperbolic.New(pd.ModelID, httpc), nil
	case "bedrock":
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(pd.AWSRegion))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindInternal, err, "bedrock: could not load AWS config")
		}
		return bedrock.New(bedrockruntime.NewFromConfig(awsCfg), pd.ModelID), nil
	default:
		return nil, xerrors.New(xerrors.KindInternal, fmt.Sprintf("providers: unknown kind %q", pd.Kind))
	}
}

type noopWriter struct{}

func (noopWriter) WriteBatch(ctx context.Context, table string, rows []any) error { return nil }

func buildObservabilitySink(cfg *config.Config, httpc *http.Client, logger *zap.Logger) *observability.Sink {
	sinkCfg := observability.Config{
		BatchMaxRows:  cfg.Gateway.BatchMaxRows,
		FlushInterval: cfg.Gateway.BatchMaxInterval,
	}
	if !cfg.ObservabilityOn {
		logger.Warn("observability disabled; writing no rows")
		return observability.New(noopWriter{}, sinkCfg, logger)
	}
	return observability.New(observability.NewClickHouseWriter(cfg.ObservabilityURL, httpc), sinkCfg, logger)
}

func newRedisClient(urlStr string) (redis.UniversalClient, error) {
	if urlStr == "" {
		urlStr = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(urlStr)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, err, "redis: malformed URL")
	}
	return redis.NewClient(opts), nil
}

func initLogger(level string) *zap.Logger {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zapCfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return defaultVal
}
