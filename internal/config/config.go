// Package config loads registry server configuration from (in priority
// order) environment variables, then a JSON config file, then built-in
// defaults — the same layering as marcus-qen-legator's controlplane
// config package, extended with this registry's webhook, dispatch,
// rate-limit, and helm-cache settings from spec.md §6.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config holds all registry server configuration.
type Config struct {
	ListenAddr  string `json:"listen_addr"`
	DataDir     string `json:"data_dir"`
	LogLevel    string `json:"log_level"`
	ExternalURL string `json:"external_url,omitempty"`

	Webhooks   WebhooksConfig   `json:"webhooks"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	RateLimit  RateLimitConfig  `json:"rate_limit"`
	HelmCache  HelmCacheConfig  `json:"helm_cache"`
	Storage    StorageConfig    `json:"storage"`
}

// WebhooksConfig carries the shared secret/token for each VCS provider;
// an empty value disables that provider's endpoint.
type WebhooksConfig struct {
	GitHubSecret    string `json:"github_secret,omitempty"`
	GitLabToken     string `json:"gitlab_token,omitempty"`
	BitbucketSecret string `json:"bitbucket_secret,omitempty"`
}

// DispatchConfig mirrors spec.md §6's registry.dispatch.* keys.
type DispatchConfig struct {
	Enabled                    bool   `json:"enabled"`
	ButlerURL                  string `json:"butler_url,omitempty"`
	PeaaSOwner                 string `json:"peaas_owner,omitempty"`
	PeaaSRepo                  string `json:"peaas_repo,omitempty"`
	GitHubToken                string `json:"github_token,omitempty"`
	MaxConcurrentRuns          int    `json:"max_concurrent_runs"`
	TimeoutSeconds             int    `json:"timeout_seconds"`
	ConfirmationTimeoutSeconds int    `json:"confirmation_timeout_seconds"`
}

// RateLimitConfig configures the two keying strategies named in §4.12.
type RateLimitConfig struct {
	WebhookRequestsPerMinute int `json:"webhook_requests_per_minute"`
	WebhookBurstSize         int `json:"webhook_burst_size"`
	APIRequestsPerMinute     int `json:"api_requests_per_minute"`
	APIBurstSize             int `json:"api_burst_size"`
}

// HelmCacheConfig configures the Helm index cache's TTL and optional
// shared Redis backend.
type HelmCacheConfig struct {
	TTLSeconds int    `json:"ttl_seconds"`
	RedisAddr  string `json:"redis_addr,omitempty"`
}

// StorageConfig points the registry at the OCI registry holding version
// payloads and plan artifacts. An empty OCIRegistry disables the
// content upload/download surface and plan-artifact archival.
type StorageConfig struct {
	OCIRegistry string `json:"oci_registry,omitempty"`
	PlainHTTP   bool   `json:"plain_http,omitempty"`
	Username    string `json:"username,omitempty"`
	// MasterKey seeds per-artifact credential derivation; each artifact's
	// registry password is derived from it, never stored.
	MasterKey string `json:"master_key,omitempty"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		DataDir:    "/var/lib/iacreg",
		LogLevel:   "info",
		Dispatch: DispatchConfig{
			Enabled:                    true,
			MaxConcurrentRuns:          10,
			TimeoutSeconds:             3600,
			ConfirmationTimeoutSeconds: 900,
		},
		RateLimit: RateLimitConfig{
			WebhookRequestsPerMinute: 120,
			WebhookBurstSize:         20,
			APIRequestsPerMinute:     300,
			APIBurstSize:             50,
		},
		HelmCache: HelmCacheConfig{TTLSeconds: 30},
	}
}

// Load reads configuration from a JSON file (if path is non-empty), then
// overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// LoadFromEnv loads configuration from defaults plus environment
// variables only, skipping the file layer.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("IACREG_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("IACREG_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("IACREG_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("IACREG_EXTERNAL_URL"); v != "" {
		cfg.ExternalURL = v
	}

	if v := os.Getenv("IACREG_WEBHOOKS_GITHUB_SECRET"); v != "" {
		cfg.Webhooks.GitHubSecret = v
	}
	if v := os.Getenv("IACREG_WEBHOOKS_GITLAB_TOKEN"); v != "" {
		cfg.Webhooks.GitLabToken = v
	}
	if v := os.Getenv("IACREG_WEBHOOKS_BITBUCKET_SECRET"); v != "" {
		cfg.Webhooks.BitbucketSecret = v
	}

	if v := os.Getenv("IACREG_DISPATCH_ENABLED"); v != "" {
		cfg.Dispatch.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("IACREG_DISPATCH_BUTLER_URL"); v != "" {
		cfg.Dispatch.ButlerURL = v
	}
	if v := os.Getenv("IACREG_DISPATCH_PEAAS_OWNER"); v != "" {
		cfg.Dispatch.PeaaSOwner = v
	}
	if v := os.Getenv("IACREG_DISPATCH_PEAAS_REPO"); v != "" {
		cfg.Dispatch.PeaaSRepo = v
	}
	if v := os.Getenv("IACREG_DISPATCH_GITHUB_TOKEN"); v != "" {
		cfg.Dispatch.GitHubToken = v
	}
	if v := envInt("IACREG_DISPATCH_MAX_CONCURRENT_RUNS"); v != nil {
		cfg.Dispatch.MaxConcurrentRuns = *v
	}
	if v := envInt("IACREG_DISPATCH_TIMEOUT_SECONDS"); v != nil {
		cfg.Dispatch.TimeoutSeconds = *v
	}
	if v := envInt("IACREG_DISPATCH_CONFIRMATION_TIMEOUT_SECONDS"); v != nil {
		cfg.Dispatch.ConfirmationTimeoutSeconds = *v
	}

	if v := envInt("IACREG_RATE_LIMIT_WEBHOOK_RPM"); v != nil {
		cfg.RateLimit.WebhookRequestsPerMinute = *v
	}
	if v := envInt("IACREG_RATE_LIMIT_WEBHOOK_BURST"); v != nil {
		cfg.RateLimit.WebhookBurstSize = *v
	}
	if v := envInt("IACREG_RATE_LIMIT_API_RPM"); v != nil {
		cfg.RateLimit.APIRequestsPerMinute = *v
	}
	if v := envInt("IACREG_RATE_LIMIT_API_BURST"); v != nil {
		cfg.RateLimit.APIBurstSize = *v
	}

	if v := envInt("IACREG_HELM_CACHE_TTL_SECONDS"); v != nil {
		cfg.HelmCache.TTLSeconds = *v
	}
	if v := os.Getenv("IACREG_HELM_CACHE_REDIS_ADDR"); v != "" {
		cfg.HelmCache.RedisAddr = v
	}

	if v := os.Getenv("IACREG_STORAGE_OCI_REGISTRY"); v != "" {
		cfg.Storage.OCIRegistry = v
	}
	if v := os.Getenv("IACREG_STORAGE_PLAIN_HTTP"); v != "" {
		cfg.Storage.PlainHTTP = v == "true" || v == "1"
	}
	if v := os.Getenv("IACREG_STORAGE_USERNAME"); v != "" {
		cfg.Storage.Username = v
	}
	if v := os.Getenv("IACREG_STORAGE_MASTER_KEY"); v != "" {
		cfg.Storage.MasterKey = v
	}
}

func envInt(key string) *int {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

// Save writes cfg to path as indented JSON.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}
