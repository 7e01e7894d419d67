// Package config loads and validates the optimizer configuration from a
// local file or an http(s) source, with environment variable overrides.
package config

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	slimclaw "github.com/slimclaw/slimclaw"
	"github.com/slimclaw/slimclaw/abtest"
	"github.com/slimclaw/slimclaw/budget"
	"github.com/slimclaw/slimclaw/caching"
	"github.com/slimclaw/slimclaw/latency"
	"github.com/slimclaw/slimclaw/metrics"
	"github.com/slimclaw/slimclaw/monitoring"
	"github.com/slimclaw/slimclaw/pricing"
	"github.com/slimclaw/slimclaw/routing"
	"github.com/slimclaw/slimclaw/utils/env"
	"github.com/slimclaw/slimclaw/window"
)

// Config is the full optimizer configuration.
type Config struct {
	// Master switch; disabled means every request passes through untouched.
	Enabled bool `yaml:"enabled"`

	// Shadow records recommendations without rewriting requests; active
	// applies them.
	Mode slimclaw.Mode `yaml:"mode"`

	Windowing   WindowingConfig    `yaml:"windowing"`
	Routing     RoutingConfig      `yaml:"routing"`
	Caching     CachingConfig      `yaml:"caching"`
	Metrics     MetricsConfig      `yaml:"metrics"`
	Proxy       ProxyConfig        `yaml:"proxy"`
	Monitoring  monitoring.Options `yaml:"monitoring"`
	Persistence PersistenceConfig  `yaml:"persistence"`
}

type WindowingConfig struct {
	Enabled            bool `yaml:"enabled"`
	MaxMessages        int  `yaml:"max_messages"`
	MaxTokens          int  `yaml:"max_tokens"`
	SummarizeThreshold int  `yaml:"summarize_threshold"`
}

func (c WindowingConfig) Options() window.Options {
	return window.Options{
		MaxMessages:        c.MaxMessages,
		MaxTokens:          c.MaxTokens,
		SummarizeThreshold: c.SummarizeThreshold,
	}
}

// RoutingConfig nests the router's own options plus the trackers that hang
// off the routing stage.
type RoutingConfig struct {
	routing.Config `yaml:",inline"`

	// Active mode only: when false, the proxy rewrites the model but never
	// the thinking budget.
	ApplyThinking bool `yaml:"apply_thinking"`

	DynamicPricing  DynamicPricingConfig `yaml:"dynamic_pricing"`
	LatencyTracking latency.Options      `yaml:"latency_tracking"`
	Budget          budget.Options       `yaml:"budget"`
	ABTesting       abtest.Options       `yaml:"ab_testing"`
}

type DynamicPricingConfig struct {
	Enabled             bool     `yaml:"enabled"`
	ApiUrl              string   `yaml:"api_url"`
	TtlMs               int64    `yaml:"ttl_ms"`
	TimeoutMs           int64    `yaml:"timeout_ms"`
	FallbackToHardcoded bool     `yaml:"fallback_to_hardcoded"`
	RelevantProviders   []string `yaml:"relevant_providers"`
}

func (c DynamicPricingConfig) Options() pricing.Options {
	return pricing.Options{
		Enabled:             c.Enabled,
		ApiUrl:              c.ApiUrl,
		Ttl:                 time.Duration(c.TtlMs) * time.Millisecond,
		Timeout:             time.Duration(c.TimeoutMs) * time.Millisecond,
		FallbackToHardcoded: c.FallbackToHardcoded,
		RelevantProviders:   c.RelevantProviders,
	}
}

type CachingConfig struct {
	Enabled           bool `yaml:"enabled"`
	InjectBreakpoints bool `yaml:"inject_breakpoints"`
	MinContentLength  int  `yaml:"min_content_length"`
}

func (c CachingConfig) Options() caching.Options {
	return caching.Options{MinContentLength: c.MinContentLength}
}

type MetricsConfig struct {
	Enabled         bool   `yaml:"enabled"`
	LogPath         string `yaml:"log_path"`
	FlushIntervalMs int64  `yaml:"flush_interval_ms"`
	RingBufferSize  int    `yaml:"ring_buffer_size"`
}

func (c MetricsConfig) CollectorOptions() metrics.CollectorOptions {
	return metrics.CollectorOptions{
		Enabled:       c.Enabled,
		RingSize:      c.RingBufferSize,
		FlushInterval: time.Duration(c.FlushIntervalMs) * time.Millisecond,
	}
}

type ProxyConfig struct {
	Enabled           bool                        `yaml:"enabled"`
	Port              int                         `yaml:"port"`
	DefaultApi        string                      `yaml:"default_api"`
	ProviderOverrides map[string]ProviderOverride `yaml:"provider_overrides"`
	RequestTimeoutMs  int64                       `yaml:"request_timeout_ms"`
	RetryOnError      bool                        `yaml:"retry_on_error"`
	FallbackModel     string                      `yaml:"fallback_model"`
	VirtualModels     VirtualModelsConfig         `yaml:"virtual_models"`
}

// ProviderOverride points one provider at a base URL and credentials. ApiKey
// wins over ApiKeyEnv when both are set.
type ProviderOverride struct {
	BaseUrl   string `yaml:"base_url"`
	ApiKeyEnv string `yaml:"api_key_env"`
	ApiKey    string `yaml:"api_key"`
}

type VirtualModelsConfig struct {
	Auto AutoVirtualModel `yaml:"auto"`
}

// AutoVirtualModel exposes the "auto" virtual model id: requests naming it
// are always routed by tier, regardless of the original model.
type AutoVirtualModel struct {
	Enabled bool `yaml:"enabled"`
}

type PersistenceConfig struct {
	Enabled bool `yaml:"enabled"`

	// Empty endpoint keeps snapshots in process memory.
	ValkeyEndpoint string `yaml:"valkey_endpoint"`

	IntervalMs int64 `yaml:"interval_ms"`
}

const (
	ApiOpenAiCompletions = "openai-completions"
	ApiAnthropicMessages = "anthropic-messages"
)

func defaults() Config {
	return Config{
		Enabled: true,
		Mode:    slimclaw.ModeShadow,
		Windowing: WindowingConfig{
			Enabled:            true,
			MaxMessages:        10,
			MaxTokens:          4000,
			SummarizeThreshold: 8,
		},
		Routing: RoutingConfig{
			Config: routing.Config{
				AllowDowngrade:  true,
				MinConfidence:   routing.DefaultMinConfidence,
				ReasoningBudget: routing.DefaultReasoningBudget,
			},
			ApplyThinking: true,
			DynamicPricing: DynamicPricingConfig{
				TtlMs:               (6 * time.Hour).Milliseconds(),
				TimeoutMs:           (10 * time.Second).Milliseconds(),
				FallbackToHardcoded: true,
			},
			LatencyTracking: latency.Options{
				Enabled:            true,
				WindowSize:         latency.DefaultWindowSize,
				OutlierThresholdMs: latency.DefaultOutlierThresholdMs,
			},
			Budget: budget.Options{
				AlertThresholdPercent: budget.DefaultAlertThresholdPercent,
				EnforcementAction:     slimclaw.EnforcementAlertOnly,
			},
		},
		Caching: CachingConfig{
			Enabled:           true,
			InjectBreakpoints: true,
			MinContentLength:  1000,
		},
		Metrics: MetricsConfig{
			Enabled:         true,
			LogPath:         "metrics",
			FlushIntervalMs: 10000,
			RingBufferSize:  metrics.DefaultRingSize,
		},
		Proxy: ProxyConfig{
			Port:             3334,
			DefaultApi:       ApiOpenAiCompletions,
			RequestTimeoutMs: 120000,
			VirtualModels:    VirtualModelsConfig{Auto: AutoVirtualModel{Enabled: true}},
		},
		Persistence: PersistenceConfig{
			IntervalMs: 60000,
		},
	}
}

// LoadConfig reads the configuration from the path (or the CONFIG_SOURCE
// environment variable, which may be an http(s) URL), applies environment
// overrides, and validates the result.
func LoadConfig(path string, logger *zap.SugaredLogger) (*Config, error) {
	config := defaults()

	configSource := env.OptionalStringVariable("CONFIG_SOURCE", path)
	configToken := env.OptionalStringVariable("CONFIG_TOKEN", "")
	configData, err := func(configSource string, configToken string) ([]byte, error) {
		if strings.HasPrefix(configSource, "http://") || strings.HasPrefix(configSource, "https://") {
			logger.Infow("Fetching remote config", "url", configSource)
			return fetchRemoteConfig(configSource, configToken)
		}
		logger.Infow("Loading local config", "path", configSource)
		return os.ReadFile(configSource)
	}(configSource, configToken)

	if err != nil {
		return nil, fmt.Errorf("failed to get config data: %v", err)
	}

	// Overrides config with the YAML data.
	if err := yaml.Unmarshal(configData, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}

	// Overrides config with environment variables.
	// Therefore, the values from the environment variables precede the values from the YAML file.
	config.Proxy.Port = env.OptionalIntVariable("PORT", config.Proxy.Port)
	config.Mode = slimclaw.Mode(env.OptionalStringVariable("SLIMCLAW_MODE", string(config.Mode)))
	config.Enabled = env.OptionalBoolVariable("SLIMCLAW_ENABLED", config.Enabled)
	config.Persistence.ValkeyEndpoint = env.OptionalStringVariable("VALKEY_ENDPOINT", config.Persistence.ValkeyEndpoint)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate is the single validation pass over all recognized options.
func (c *Config) Validate() error {
	if c.Mode != slimclaw.ModeShadow && c.Mode != slimclaw.ModeActive {
		return fmt.Errorf("invalid mode %q, want shadow or active", c.Mode)
	}
	if c.Windowing.MaxMessages < 2 {
		return fmt.Errorf("windowing.max_messages must be at least 2, got %d", c.Windowing.MaxMessages)
	}
	if c.Windowing.MaxTokens < 500 {
		return fmt.Errorf("windowing.max_tokens must be at least 500, got %d", c.Windowing.MaxTokens)
	}
	if c.Windowing.SummarizeThreshold < 2 {
		return fmt.Errorf("windowing.summarize_threshold must be at least 2, got %d", c.Windowing.SummarizeThreshold)
	}
	if c.Routing.MinConfidence < 0 || c.Routing.MinConfidence > 1 {
		return fmt.Errorf("routing.min_confidence must be within [0, 1], got %v", c.Routing.MinConfidence)
	}
	for tier := range c.Routing.Tiers {
		if !tier.Valid() {
			return fmt.Errorf("routing.tiers contains unknown tier %q", tier)
		}
	}
	switch c.Routing.Budget.EnforcementAction {
	case slimclaw.EnforcementAlertOnly, slimclaw.EnforcementBlock, slimclaw.EnforcementDowngrade:
	default:
		return fmt.Errorf("invalid budget.enforcement_action %q", c.Routing.Budget.EnforcementAction)
	}
	for _, experiment := range c.Routing.ABTesting.Experiments {
		if len(experiment.Variants) == 0 {
			return fmt.Errorf("experiment %q has no variants", experiment.Id)
		}
		totalWeight := 0
		for _, variant := range experiment.Variants {
			totalWeight += variant.Weight
		}
		if totalWeight != 100 {
			return fmt.Errorf("experiment %q variant weights sum to %d, want 100", experiment.Id, totalWeight)
		}
	}
	if c.Proxy.Enabled && (c.Proxy.Port < 1024 || c.Proxy.Port > 65535) {
		return fmt.Errorf("proxy.port must be within [1024, 65535], got %d", c.Proxy.Port)
	}
	if c.Proxy.DefaultApi != ApiOpenAiCompletions && c.Proxy.DefaultApi != ApiAnthropicMessages {
		return fmt.Errorf("invalid proxy.default_api %q", c.Proxy.DefaultApi)
	}
	return nil
}

func fetchRemoteConfig(url string, token string) ([]byte, error) {
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch config: HTTP %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
