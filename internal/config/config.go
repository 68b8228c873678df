// Package config loads the gateway's TOML configuration file (spec.md
// §6): models (each an ordered provider list), functions (each with
// variants/weights/schemas/tool configs), metrics, and gateway tuning
// (timeouts, batch-write parameters). Schema validation is this
// package's responsibility, per spec.md §6.
//
// Grounded on the teacher's cmd/proxy/main.go environment-variable
// configuration surface (its env-var defaulting helpers survive below as
// stringOrDefault/intOrDefault/durationOrDefault for the
// environment-sourced pieces — credential env vars, store URLs) generalised into a TOML file
// loader for the structural pieces a single flat env-var surface cannot
// express (ordered provider lists, per-function variant weights).
// Library: github.com/pelletier/go-toml/v2.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/tensorzero/inference-gateway/internal/credentials"
	"github.com/tensorzero/inference-gateway/internal/ratelimit"
	"github.com/tensorzero/inference-gateway/internal/router"
	"github.com/tensorzero/inference-gateway/internal/variant"
	"github.com/tensorzero/inference-gateway/internal/xerrors"
)

// file is the raw TOML document shape.
type file struct {
	Gateway   gatewayFile             `toml:"gateway"`
	Models    map[string]modelFile    `toml:"models"`
	Functions map[string]functionFile `toml:"functions"`
	Metrics   map[string]metricFile   `toml:"metrics"`
}

type gatewayFile struct {
	BindAddress           string `toml:"bind_address"`
	DefaultTimeout        string `toml:"default_timeout"`
	TimeToFirstTokenLimit string `toml:"time_to_first_token_timeout"`
	BatchMaxRows          int    `toml:"batch_max_rows"`
	BatchMaxInterval      string `toml:"batch_max_interval"`
	CacheDefaultTTL       string `toml:"cache_default_ttl"`
	CacheDefaultLookback  string `toml:"cache_default_lookback"`
	CircuitBreakerFailureThreshold int    `toml:"circuit_breaker_failure_threshold"`
	CircuitBreakerCooldown         string `toml:"circuit_breaker_cooldown"`
}

type modelFile struct {
	Providers []providerFile `toml:"providers"`
}

type providerFile struct {
	Kind             string          `toml:"kind"` // openai|azure|anthropic|gemini|bedrock|together|hyperbolic
	Alias            string          `toml:"alias"`
	ModelID          string          `toml:"model_id"`
	CredentialEnv    string          `toml:"credential_env"`
	CredentialPath   string          `toml:"credential_path"`
	CredentialStatic string          `toml:"credential_static"`
	// CredentialStaticPool lists several static keys for the same
	// provider, rotated round-robin by internal/credentials — useful
	// when several keys were bought to multiply one provider's effective
	// rate limit.
	CredentialStaticPool []string        `toml:"credential_static_pool"`
	TimeoutSeconds       int             `toml:"timeout_seconds"`
	RateLimit        []rateLimitFile `toml:"rate_limit"`

	AzureResource   string `toml:"azure_resource"`
	AzureDeployment string `toml:"azure_deployment"`
	AzureAPIVersion string `toml:"azure_api_version"`
	AWSRegion       string `toml:"aws_region"`
}

type rateLimitFile struct {
	Key            string `toml:"key"`
	Requested      uint64 `toml:"requested"`
	Capacity       uint64 `toml:"capacity"`
	RefillAmount   uint64 `toml:"refill_amount"`
	RefillInterval string `toml:"refill_interval"` // second|minute|hour|day
}

type functionFile struct {
	Type                 string                  `toml:"type"` // chat|json
	InputSchemaPath      string                  `toml:"input_schema_path"`
	OutputSchemaPath     string                  `toml:"output_schema_path"`
	CrossVariantFallback bool                    `toml:"cross_variant_fallback"`
	Variants             map[string]variantFile  `toml:"variants"`
}

type variantFile struct {
	Model       string  `toml:"model"`
	Weight      float64 `toml:"weight"`
	Temperature *float64 `toml:"temperature"`
	TopP        *float64 `toml:"top_p"`
	MaxTokens   *int64   `toml:"max_tokens"`
	Seed        *int64   `toml:"seed"`
	JSONMode    string   `toml:"json_mode"`

	SystemTemplatePath    string `toml:"system_template_path"`
	UserTemplatePath      string `toml:"user_template_path"`
	AssistantTemplatePath string `toml:"assistant_template_path"`
}

type metricFile struct {
	Type  string `toml:"type"`  // float|boolean
	Level string `toml:"level"` // inference|episode
}

// ProviderDef is one resolved provider entry within a model, carrying
// everything needed to construct the live adapter at startup (the
// adapter construction itself stays in cmd/gateway, since it depends on
// the concrete SDK clients this package doesn't import).
type ProviderDef struct {
	Kind             string
	Alias            string
	ModelID          string
	Credential       credentials.ProviderConfig
	Timeout          time.Duration
	RateLimitKeys    []router.RateLimitKey
	AzureResource    string
	AzureDeployment  string
	AzureAPIVersion  string
	AWSRegion        string
}

// ModelDef is one model's ordered provider list.
type ModelDef struct {
	Name      string
	Providers []ProviderDef
}

// VariantDef is one function variant's sampling parameters and template
// paths.
type VariantDef struct {
	Name                  string
	ModelName             string
	Weight                float64
	Temperature           *float64
	TopP                  *float64
	MaxTokens             *int64
	Seed                  *int64
	JSONMode              string
	SystemTemplatePath    string
	UserTemplatePath      string
	AssistantTemplatePath string
}

// FunctionDef is one function's full configuration.
type FunctionDef struct {
	Name             string
	Type             string
	InputSchemaPath  string
	OutputSchemaPath string
	Variants         variant.FunctionVariants
	VariantDetails   map[string]VariantDef
}

// MetricDef is one declared feedback metric.
type MetricDef struct {
	Name  string
	Type  string
	Level string
}

// GatewayTuning holds the process-wide timeouts and batch-write
// parameters (spec.md §5/§4.8).
type GatewayTuning struct {
	BindAddress                    string
	DefaultTimeout                 time.Duration
	TimeToFirstTokenTimeout        time.Duration
	BatchMaxRows                   int
	BatchMaxInterval               time.Duration
	CacheDefaultTTL                time.Duration
	CacheDefaultLookback           time.Duration
	CircuitBreakerFailureThreshold int
	CircuitBreakerCooldown         time.Duration
}

// Config is the fully resolved, process-wide configuration snapshot
// (spec.md §5: "a process-wide read-only snapshot loaded at startup;
// hot reload is out of scope").
type Config struct {
	Gateway             GatewayTuning
	Models              map[string]ModelDef
	Functions           map[string]FunctionDef
	Metrics             map[string]MetricDef
	ObservabilityURL    string
	ObservabilityOn     bool
	RateLimitStoreURL   string
}

const (
	envObservabilityURL = "TENSORZERO_CLICKHOUSE_URL"
	envRateLimitURL     = "TENSORZERO_VALKEY_URL"
	envObservabilityOff = "TENSORZERO_DISABLE_OBSERVABILITY"
)

// Load reads and validates the TOML file at path, resolving environment
// variables for the analytics/rate-limit store URLs and per-provider
// credentials (spec.md §6).
func Load(path string, logger *zap.Logger) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, err, "config: could not read file")
	}

	var f file
	if err := toml.Unmarshal(raw, &f); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, err, "config: malformed TOML")
	}

	cfg := &Config{
		Models:            make(map[string]ModelDef, len(f.Models)),
		Functions:         make(map[string]FunctionDef, len(f.Functions)),
		Metrics:           make(map[string]MetricDef, len(f.Metrics)),
		RateLimitStoreURL: os.Getenv(envRateLimitURL),
	}

	cfg.Gateway = gatewayTuningFromFile(f.Gateway)

	cfg.ObservabilityURL = os.Getenv(envObservabilityURL)
	if cfg.ObservabilityURL == "" {
		if os.Getenv(envObservabilityOff) == "" {
			logger.Warn("config: " + envObservabilityURL + " is unset; observability disabled")
		}
		cfg.ObservabilityOn = false
	} else {
		cfg.ObservabilityOn = os.Getenv(envObservabilityOff) == ""
	}

	for name, mf := range f.Models {
		model, err := modelFromFile(name, mf)
		if err != nil {
			return nil, err
		}
		cfg.Models[name] = model
	}

	for name, ff := range f.Functions {
		fn, err := functionFromFile(name, ff, cfg.Models)
		if err != nil {
			return nil, err
		}
		cfg.Functions[name] = fn
	}

	for name, mf := range f.Metrics {
		metric, err := metricFromFile(name, mf)
		if err != nil {
			return nil, err
		}
		cfg.Metrics[name] = metric
	}

	return cfg, nil
}

func gatewayTuningFromFile(gf gatewayFile) GatewayTuning {
	return GatewayTuning{
		BindAddress:                    stringOrDefault(gf.BindAddress, ":8080"),
		DefaultTimeout:                 durationOrDefault(gf.DefaultTimeout, 5*time.Minute),
		TimeToFirstTokenTimeout:        durationOrDefault(gf.TimeToFirstTokenLimit, 30*time.Second),
		BatchMaxRows:                   intOrDefault(gf.BatchMaxRows, 100),
		BatchMaxInterval:               durationOrDefault(gf.BatchMaxInterval, time.Second),
		CacheDefaultTTL:                durationOrDefault(gf.CacheDefaultTTL, time.Hour),
		CacheDefaultLookback:           durationOrDefault(gf.CacheDefaultLookback, 0),
		CircuitBreakerFailureThreshold: intOrDefault(gf.CircuitBreakerFailureThreshold, 5),
		CircuitBreakerCooldown:         durationOrDefault(gf.CircuitBreakerCooldown, 30*time.Second),
	}
}

func modelFromFile(name string, mf modelFile) (ModelDef, error) {
	if len(mf.Providers) == 0 {
		return ModelDef{}, xerrors.New(xerrors.KindInvalidRequest, fmt.Sprintf("config: model %q declares no providers", name))
	}
	providers := make([]ProviderDef, 0, len(mf.Providers))
	for i, pf := range mf.Providers {
		pd, err := providerFromFile(name, i, pf)
		if err != nil {
			return ModelDef{}, err
		}
		providers = append(providers, pd)
	}
	return ModelDef{Name: name, Providers: providers}, nil
}

func providerFromFile(modelName string, index int, pf providerFile) (ProviderDef, error) {
	if pf.Kind == "" {
		return ProviderDef{}, xerrors.New(xerrors.KindInvalidRequest, fmt.Sprintf("config: model %q provider #%d missing kind", modelName, index))
	}
	alias := pf.Alias
	if alias == "" {
		alias = pf.Kind
	}

	credCfg, err := credentialFromFile(modelName, alias, pf)
	if err != nil {
		return ProviderDef{}, err
	}

	keys := make([]router.RateLimitKey, 0, len(pf.RateLimit))
	for _, rl := range pf.RateLimit {
		interval, err := parseInterval(rl.RefillInterval)
		if err != nil {
			return ProviderDef{}, xerrors.Wrap(xerrors.KindInvalidRequest, err, fmt.Sprintf("config: model %q provider %q rate_limit", modelName, alias))
		}
		keys = append(keys, router.RateLimitKey{
			Key: rl.Key, Requested: rl.Requested, Capacity: rl.Capacity,
			RefillAmount: rl.RefillAmount, RefillInterval: interval,
		})
	}

	var timeout time.Duration
	if pf.TimeoutSeconds > 0 {
		timeout = time.Duration(pf.TimeoutSeconds) * time.Second
	}

	return ProviderDef{
		Kind: pf.Kind, Alias: alias, ModelID: pf.ModelID,
		Credential: credCfg, Timeout: timeout, RateLimitKeys: keys,
		AzureResource: pf.AzureResource, AzureDeployment: pf.AzureDeployment,
		AzureAPIVersion: pf.AzureAPIVersion, AWSRegion: pf.AWSRegion,
	}, nil
}

func credentialFromFile(modelName, alias string, pf providerFile) (credentials.ProviderConfig, error) {
	set := 0
	if pf.CredentialEnv != "" {
		set++
	}
	if pf.CredentialPath != "" {
		set++
	}
	if pf.CredentialStatic != "" {
		set++
	}
	if len(pf.CredentialStaticPool) > 0 {
		set++
	}
	switch {
	case set == 0:
		// Bedrock authenticates via the ambient AWS credential chain, not
		// a gateway-managed secret — no credential source is required.
		if pf.Kind == "bedrock" {
			return credentials.ProviderConfig{}, nil
		}
		return credentials.ProviderConfig{}, xerrors.New(xerrors.KindInvalidRequest,
			fmt.Sprintf("config: model %q provider %q declares no credential source", modelName, alias))
	case set > 1:
		return credentials.ProviderConfig{}, xerrors.New(xerrors.KindInvalidRequest,
			fmt.Sprintf("config: model %q provider %q declares more than one credential source", modelName, alias))
	}

	if pf.CredentialEnv != "" {
		return credentials.ProviderConfig{Source: credentials.SourceEnv, Env: pf.CredentialEnv}, nil
	}
	if pf.CredentialPath != "" {
		return credentials.ProviderConfig{Source: credentials.SourceFile, Path: pf.CredentialPath}, nil
	}
	if len(pf.CredentialStaticPool) > 0 {
		return credentials.ProviderConfig{Source: credentials.SourceStaticPool, StaticPool: pf.CredentialStaticPool}, nil
	}
	return credentials.ProviderConfig{Source: credentials.SourceStatic, Static: pf.CredentialStatic}, nil
}

func parseInterval(s string) (ratelimit.Interval, error) {
	switch strings.ToLower(s) {
	case "", "second":
		return ratelimit.IntervalSecond, nil
	case "minute":
		return ratelimit.IntervalMinute, nil
	case "hour":
		return ratelimit.IntervalHour, nil
	case "day":
		return ratelimit.IntervalDay, nil
	default:
		return 0, fmt.Errorf("unknown refill_interval %q", s)
	}
}

func functionFromFile(name string, ff functionFile, models map[string]ModelDef) (FunctionDef, error) {
	if ff.Type != "chat" && ff.Type != "json" {
		return FunctionDef{}, xerrors.New(xerrors.KindInvalidRequest, fmt.Sprintf("config: function %q has unknown type %q", name, ff.Type))
	}
	if len(ff.Variants) == 0 {
		return FunctionDef{}, xerrors.New(xerrors.KindInvalidRequest, fmt.Sprintf("config: function %q declares no variants", name))
	}

	variants := make([]variant.Variant, 0, len(ff.Variants))
	details := make(map[string]VariantDef, len(ff.Variants))
	for vname, vf := range ff.Variants {
		if _, ok := models[vf.Model]; !ok {
			return FunctionDef{}, xerrors.New(xerrors.KindInvalidRequest,
				fmt.Sprintf("config: function %q variant %q references undeclared model %q", name, vname, vf.Model))
		}
		variants = append(variants, variant.Variant{Name: vname, Weight: vf.Weight})
		details[vname] = VariantDef{
			Name: vname, ModelName: vf.Model, Weight: vf.Weight,
			Temperature: vf.Temperature, TopP: vf.TopP, MaxTokens: vf.MaxTokens, Seed: vf.Seed,
			JSONMode: vf.JSONMode, SystemTemplatePath: vf.SystemTemplatePath,
			UserTemplatePath: vf.UserTemplatePath, AssistantTemplatePath: vf.AssistantTemplatePath,
		}
	}

	return FunctionDef{
		Name: name, Type: ff.Type,
		InputSchemaPath: ff.InputSchemaPath, OutputSchemaPath: ff.OutputSchemaPath,
		Variants: variant.FunctionVariants{
			FunctionName: name, Variants: variants, CrossVariantFallback: ff.CrossVariantFallback,
		},
		VariantDetails: details,
	}, nil
}

func metricFromFile(name string, mf metricFile) (MetricDef, error) {
	switch mf.Type {
	case "float", "boolean":
	default:
		return MetricDef{}, xerrors.New(xerrors.KindInvalidRequest, fmt.Sprintf("config: metric %q has unknown type %q", name, mf.Type))
	}
	switch mf.Level {
	case "inference", "episode":
	default:
		return MetricDef{}, xerrors.New(xerrors.KindInvalidRequest, fmt.Sprintf("config: metric %q has unknown level %q", name, mf.Level))
	}
	return MetricDef{Name: name, Type: mf.Type, Level: mf.Level}, nil
}

func stringOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func intOrDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func durationOrDefault(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
