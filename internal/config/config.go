// Package config loads the scheduler core's configuration from a YAML file,
// overridable per-key by environment variable, following the teacher's
// env-var-wins-then-config-file-then-default precedence.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
	sigsyaml "sigs.k8s.io/yaml"
)

// HTTPOptions holds the orchestrator client's transport timeouts.
type HTTPOptions struct {
	ConnTimeout   time.Duration `json:"conn-timeout"`
	SocketTimeout time.Duration `json:"socket-timeout"`
}

// FileserverOptions describes how to reach a service's fileserver sidecar.
type FileserverOptions struct {
	Port   int    `json:"port"`
	Scheme string `json:"scheme"`
}

// AuthenticationOptions configures the orchestrator client's bearer-token
// refresh worker.
type AuthenticationOptions struct {
	ActionFn        string `json:"action-fn"`
	RefreshDelayMin int    `json:"refresh-delay-mins"`
}

// AuthorizerOptions configures the validate-service adapter's collaborator
// and its decorating cache.
type AuthorizerOptions struct {
	Kind          string `json:"kind"`
	CacheTTLSecs  int    `json:"cache-ttl-secs"`
	CacheSize     int    `json:"cache-size"`
}

// SpecBuilderOptions names the factory used to build ReplicaSet specs; only
// "default" is implemented, the key exists so deployments can name a future
// alternative without a config-shape migration.
type SpecBuilderOptions struct {
	FactoryFn string `json:"factory-fn"`
}

// Config is the scheduler core's full external configuration, covering every
// key named in the external-interfaces section: url, http-options,
// orchestrator-name, pod-base-port, pod-suffix-length, max-name-length,
// max-patch-retries, replicaset-api-version, replicaset-spec-builder,
// fileserver, authentication, authorizer, scheduler-syncer-interval-secs.
type Config struct {
	URL         string      `json:"url"`
	HTTPOptions HTTPOptions `json:"http-options"`

	OrchestratorName string `json:"orchestrator-name"`

	PodBasePort     int `json:"pod-base-port"`
	PodSuffixLength int `json:"pod-suffix-length"`
	MaxNameLength   int `json:"max-name-length"`
	MaxPatchRetries int `json:"max-patch-retries"`

	ReplicaSetAPIVersion  string             `json:"replicaset-api-version"`
	ReplicaSetSpecBuilder SpecBuilderOptions `json:"replicaset-spec-builder"`

	Fileserver FileserverOptions `json:"fileserver"`

	Authentication AuthenticationOptions `json:"authentication"`
	Authorizer     AuthorizerOptions     `json:"authorizer"`

	SchedulerSyncerIntervalSecs int `json:"scheduler-syncer-interval-secs"`

	Namespace string `json:"namespace"`

	RedisAddr string        `json:"redis-addr"`
	RedisTTL  time.Duration `json:"redis-ttl"`

	MetricsEnabled  bool   `json:"metrics-enabled"`
	MetricsEndpoint string `json:"metrics-endpoint"`

	LogLevel string `json:"log-level"`
}

// Default returns a Config populated with the same defaults the teacher's
// flag definitions carry inline.
func Default() Config {
	return Config{
		URL:                         "http://127.0.0.1:8001",
		HTTPOptions:                 HTTPOptions{ConnTimeout: 5 * time.Second, SocketTimeout: 30 * time.Second},
		OrchestratorName:            "waiter",
		PodBasePort:                 31000,
		PodSuffixLength:             5,
		MaxNameLength:               63,
		MaxPatchRetries:             3,
		ReplicaSetAPIVersion:        "apps/v1",
		ReplicaSetSpecBuilder:       SpecBuilderOptions{FactoryFn: "default"},
		Fileserver:                  FileserverOptions{Port: 0, Scheme: "http"},
		Authentication:              AuthenticationOptions{RefreshDelayMin: 30},
		Authorizer:                  AuthorizerOptions{Kind: "allow-all", CacheTTLSecs: 30, CacheSize: 2048},
		SchedulerSyncerIntervalSecs: 15,
		Namespace:                   "waiter",
		RedisTTL:                    time.Minute,
		LogLevel:                    "info",
	}
}

// Load reads a YAML config file (if configPath is non-empty and exists) via
// sigs.k8s.io/yaml and layers environment-variable overrides on top, env
// winning over file winning over Default().
func Load(configPath string) (Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("failed to read config file %q: %w", configPath, err)
			}
		} else if err := sigsyaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %q: %w", configPath, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.URL = getEnv("WAITER_URL", cfg.URL)
	cfg.OrchestratorName = getEnv("WAITER_ORCHESTRATOR_NAME", cfg.OrchestratorName)
	cfg.Namespace = getEnv("WAITER_NAMESPACE", cfg.Namespace)
	cfg.PodBasePort = getEnvInt("WAITER_POD_BASE_PORT", cfg.PodBasePort)
	cfg.PodSuffixLength = getEnvInt("WAITER_POD_SUFFIX_LENGTH", cfg.PodSuffixLength)
	cfg.MaxNameLength = getEnvInt("WAITER_MAX_NAME_LENGTH", cfg.MaxNameLength)
	cfg.MaxPatchRetries = getEnvInt("WAITER_MAX_PATCH_RETRIES", cfg.MaxPatchRetries)
	cfg.ReplicaSetAPIVersion = getEnv("WAITER_REPLICASET_API_VERSION", cfg.ReplicaSetAPIVersion)
	cfg.Fileserver.Port = getEnvInt("WAITER_FILESERVER_PORT", cfg.Fileserver.Port)
	cfg.Fileserver.Scheme = getEnv("WAITER_FILESERVER_SCHEME", cfg.Fileserver.Scheme)
	cfg.Authentication.RefreshDelayMin = getEnvInt("WAITER_AUTH_REFRESH_DELAY_MINS", cfg.Authentication.RefreshDelayMin)
	cfg.Authorizer.Kind = getEnv("WAITER_AUTHORIZER_KIND", cfg.Authorizer.Kind)
	cfg.Authorizer.CacheTTLSecs = getEnvInt("WAITER_AUTHORIZER_CACHE_TTL_SECS", cfg.Authorizer.CacheTTLSecs)
	cfg.Authorizer.CacheSize = getEnvInt("WAITER_AUTHORIZER_CACHE_SIZE", cfg.Authorizer.CacheSize)
	cfg.SchedulerSyncerIntervalSecs = getEnvInt("WAITER_SYNCER_INTERVAL_SECS", cfg.SchedulerSyncerIntervalSecs)
	cfg.RedisAddr = getEnv("WAITER_REDIS_ADDR", cfg.RedisAddr)
	cfg.MetricsEnabled = getEnvBool("WAITER_METRICS_ENABLED", cfg.MetricsEnabled)
	cfg.MetricsEndpoint = getEnv("WAITER_METRICS_ENDPOINT", cfg.MetricsEndpoint)
	cfg.LogLevel = getEnv("WAITER_LOG_LEVEL", cfg.LogLevel)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

// GetEnvOrConfig resolves a single untyped string value before the full
// Config is loaded: env var first, then the raw YAML config file (if
// configPath is non-empty), then defaultValue. Used for the bootstrap log
// level that logging setup needs before Load runs.
func GetEnvOrConfig(envKey, configKey, configPath, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if configPath == "" {
		return defaultValue
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return defaultValue
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return defaultValue
	}
	if v, ok := raw[configKey].(string); ok && v != "" {
		return v
	}
	return defaultValue
}

// Flags holds the flag.FlagSet-backed CLI surface for cmd/waiter-scheduler;
// ParseFlags mirrors the teacher's ListenerParse shape (its single -config
// flag takes its default from WAITER_SCHEDULER_CONFIG_FILE).
type Flags struct {
	ConfigFile string
}

// ParseFlags parses the process's command-line flags. The only flag the
// scheduler core binary itself needs is the config file path — everything
// else is layered in by Load via env/file precedence, matching the
// teacher's convention of keeping most knobs in env/config rather than argv.
func ParseFlags() Flags {
	configFile := flag.String("config", getEnv("WAITER_SCHEDULER_CONFIG_FILE", ""),
		"Path to the scheduler core's YAML config file")
	flag.Parse()
	return Flags{ConfigFile: *configFile}
}
