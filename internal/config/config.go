// Package config handles loading and validation of edgeroute configuration
// from TOML or YAML files and environment variables. Environment variables
// always override file-based values. Env var names follow the struct path
// with an EDGEROUTE_ prefix:
//
//	server.listen              → EDGEROUTE_SERVER_LISTEN
//	rate_limit.window_seconds  → EDGEROUTE_RATE_LIMIT_WINDOW_SECONDS
//	upstreams.backends         → EDGEROUTE_UPSTREAMS_BACKENDS (comma separated)
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the configuration file.
// Override via EDGEROUTE_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/edgeroute/config.toml"

// envPrefix is prepended to every environment override.
const envPrefix = "EDGEROUTE_"

// ---------------------------------------------------------------------------
// Enum types. All canonical forms are lowercase; Load() normalizes before
// validation.
// ---------------------------------------------------------------------------

// KeyStrategyType defines how the per-client rate-limit key is derived.
type KeyStrategyType string

const (
	KeyStrategyRemoteAddr KeyStrategyType = "remote_addr"
	KeyStrategyForwarded  KeyStrategyType = "forwarded"
	KeyStrategyHeader     KeyStrategyType = "header"
)

func (k KeyStrategyType) Valid() bool {
	switch k {
	case KeyStrategyRemoteAddr, KeyStrategyForwarded, KeyStrategyHeader:
		return true
	}
	return false
}

// StoreType selects where sliding windows live.
type StoreType string

const (
	StoreMemory StoreType = "memory"
	StoreRedis  StoreType = "redis"
)

func (s StoreType) Valid() bool {
	switch s {
	case StoreMemory, StoreRedis:
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// Config is the top-level edgeroute configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"     toml:"server"     envPrefix:"SERVER_"`
	Admin     AdminConfig     `yaml:"admin"      toml:"admin"      envPrefix:"ADMIN_"`
	Upstreams UpstreamsConfig `yaml:"upstreams"  toml:"upstreams"  envPrefix:"UPSTREAMS_"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Redis     RedisConfig     `yaml:"redis"      toml:"redis"      envPrefix:"REDIS_"`
	Metrics   MetricsConfig   `yaml:"metrics"    toml:"metrics"    envPrefix:"METRICS_"`
	Logging   LoggingConfig   `yaml:"logging"    toml:"logging"    envPrefix:"LOGGING_"`
	Tracing   TracingConfig   `yaml:"tracing"    toml:"tracing"    envPrefix:"TRACING_"`
}

// ServerConfig holds the main proxy listener settings.
type ServerConfig struct {
	Address string `yaml:"listen" toml:"listen" env:"LISTEN"`

	// Workers bounds the number of request lifecycles processed concurrently.
	// Requests beyond the bound wait for a free slot or for their client to
	// go away.
	Workers int `yaml:"workers" toml:"workers" env:"WORKERS"`

	ReadTimeout  string `yaml:"read_timeout"  toml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" toml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  toml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string `yaml:"drain_timeout" toml:"drain_timeout" env:"DRAIN_TIMEOUT"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       toml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  toml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" toml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  toml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// UpstreamsConfig defines the ordered backend list and the transport used
// to reach it.
type UpstreamsConfig struct {
	Backends        []string `yaml:"backends"          toml:"backends"          env:"BACKENDS" envSeparator:","`
	Timeout         string   `yaml:"timeout"           toml:"timeout"           env:"TIMEOUT"`
	DialTimeout     string   `yaml:"dial_timeout"      toml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	MaxIdleConns    int      `yaml:"max_idle_conns"    toml:"max_idle_conns"    env:"MAX_IDLE_CONNS"`
	IdleConnTimeout string   `yaml:"idle_conn_timeout" toml:"idle_conn_timeout" env:"IDLE_CONN_TIMEOUT"`

	// MaxReplayBodyBytes is the largest request body buffered so that it can
	// be resent to another backend on retry. Larger bodies are streamed once.
	MaxReplayBodyBytes int64 `yaml:"max_replay_body_bytes" toml:"max_replay_body_bytes" env:"MAX_REPLAY_BODY_BYTES"`
}

// RateLimitConfig holds the sliding-window admission settings.
type RateLimitConfig struct {
	MaxRequests   int64             `yaml:"max_requests"   toml:"max_requests"   env:"MAX_REQUESTS"`
	WindowSeconds int64             `yaml:"window_seconds" toml:"window_seconds" env:"WINDOW_SECONDS"`
	Store         StoreType         `yaml:"store"          toml:"store"          env:"STORE"`
	KeyPrefix     string            `yaml:"key_prefix"     toml:"key_prefix"     env:"KEY_PREFIX"`
	KeyStrategy   KeyStrategyConfig `yaml:"key_strategy"   toml:"key_strategy"   envPrefix:"KEY_STRATEGY_"`

	// GCInterval controls how often empty in-memory windows are swept.
	// Empty disables the sweeper.
	GCInterval string `yaml:"gc_interval" toml:"gc_interval" env:"GC_INTERVAL"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" toml:"circuit_breaker" envPrefix:"CIRCUIT_BREAKER_"`
}

// KeyStrategyConfig configures client key extraction.
type KeyStrategyConfig struct {
	Type       KeyStrategyType `yaml:"type"        toml:"type"        env:"TYPE"`
	HeaderName string          `yaml:"header_name" toml:"header_name" env:"HEADER_NAME"`
}

// CircuitBreakerConfig guards calls to the shared Redis window store.
type CircuitBreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold    int    `yaml:"threshold"     toml:"threshold"     env:"THRESHOLD"`
	ResetTimeout string `yaml:"reset_timeout" toml:"reset_timeout" env:"RESET_TIMEOUT"`
}

// RedisConfig holds the connection settings for the shared window store.
type RedisConfig struct {
	Endpoints        []string       `yaml:"endpoints"         toml:"endpoints"         env:"ENDPOINTS" envSeparator:","`
	Mode             RedisMode      `yaml:"mode"              toml:"mode"              env:"MODE"`
	MasterName       string         `yaml:"master_name"       toml:"master_name"       env:"MASTER_NAME"`
	Username         string         `yaml:"username"          toml:"username"          env:"USERNAME"`
	Password         RedactedString `yaml:"password"          toml:"password"          env:"PASSWORD"`
	DB               int            `yaml:"db"                toml:"db"                env:"DB"`
	PoolSize         int            `yaml:"pool_size"         toml:"pool_size"         env:"POOL_SIZE"`
	DialTimeout      string         `yaml:"dial_timeout"      toml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	ReadTimeout      string         `yaml:"read_timeout"      toml:"read_timeout"      env:"READ_TIMEOUT"`
	WriteTimeout     string         `yaml:"write_timeout"     toml:"write_timeout"     env:"WRITE_TIMEOUT"`
	TLS              RedisTLSConfig `yaml:"tls"               toml:"tls"               envPrefix:"TLS_"`
	SentinelPassword RedactedString `yaml:"sentinel_password" toml:"sentinel_password" env:"SENTINEL_PASSWORD"`
}

// RedactedString is a string that prints as "[REDACTED]" in logs, JSON, and
// fmt output so secrets never leak through structured logging.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret.
func (r RedactedString) Value() string { return string(r) }

func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

func (r RedactedString) GoString() string { return r.String() }

func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// RedisTLSConfig holds TLS settings for the Redis connection.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              toml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" toml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// MetricsConfig controls the scrape endpoint served on the main listener.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"  toml:"enabled"  env:"ENABLED"`
	Endpoint string `yaml:"endpoint" toml:"endpoint" env:"ENDPOINT"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  toml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" toml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      toml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     toml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" toml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  toml:"sample_rate"  env:"SAMPLE_RATE"`
}

// Defaults returns a Config populated with sensible defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      "0.0.0.0:8080",
			Workers:      256,
			ReadTimeout:  "30s",
			WriteTimeout: "30s",
			IdleTimeout:  "120s",
			DrainTimeout: "30s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Upstreams: UpstreamsConfig{
			Timeout:            "30s",
			DialTimeout:        "5s",
			MaxIdleConns:       100,
			IdleConnTimeout:    "90s",
			MaxReplayBodyBytes: 1 << 20,
		},
		RateLimit: RateLimitConfig{
			MaxRequests:   100,
			WindowSeconds: 60,
			Store:         StoreMemory,
			KeyPrefix:     "er:rl:",
			KeyStrategy: KeyStrategyConfig{
				Type: KeyStrategyRemoteAddr,
			},
			GCInterval: "5m",
			CircuitBreaker: CircuitBreakerConfig{
				Threshold:    5,
				ResetTimeout: "10s",
			},
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "edgeroute",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the config file path from EDGEROUTE_CONFIG_FILE or
// the default location.
func ConfigFilePath() string {
	configFile := os.Getenv("EDGEROUTE_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads the config file named by ConfigFilePath, applies env overrides,
// and validates the result.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath loads configuration from the given file. A missing file is not
// an error: defaults plus environment overrides are used instead.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if decodeErr := decodeFile(configFile, data, cfg); decodeErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, decodeErr)
		}
	}

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// decodeFile picks the decoder from the file extension. TOML is the native
// format; YAML is accepted for everything else.
func decodeFile(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Unmarshal(data, cfg)
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

func (cfg *Config) normalize() {
	cfg.RateLimit.Store = StoreType(strings.ToLower(string(cfg.RateLimit.Store)))
	cfg.RateLimit.KeyStrategy.Type = KeyStrategyType(strings.ToLower(string(cfg.RateLimit.KeyStrategy.Type)))
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	if cfg.Metrics.Endpoint != "" && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		cfg.Metrics.Endpoint = "/" + cfg.Metrics.Endpoint
	}
}

// Validate checks the config for errors and normalizes backend addresses in
// place. A non-nil error means the process must refuse to start.
func Validate(cfg *Config) error {
	if err := validateServer(cfg); err != nil {
		return err
	}
	if err := validateUpstreams(cfg); err != nil {
		return err
	}
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateRateLimit(cfg); err != nil {
		return err
	}
	if err := validateRedis(cfg); err != nil {
		return err
	}
	if err := validateMetrics(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateServer(cfg *Config) error {
	if cfg.Server.Address == "" {
		return fmt.Errorf("server.listen is required")
	}
	if cfg.Server.Workers < 1 {
		return fmt.Errorf("server.workers must be >= 1, got %d", cfg.Server.Workers)
	}
	return nil
}

func validateUpstreams(cfg *Config) error {
	if len(cfg.Upstreams.Backends) == 0 {
		return fmt.Errorf("upstreams.backends must contain at least one backend")
	}
	for i, raw := range cfg.Upstreams.Backends {
		normalized, err := NormalizeBackend(raw)
		if err != nil {
			return fmt.Errorf("invalid upstreams.backends[%d] %q: %w", i, raw, err)
		}
		cfg.Upstreams.Backends[i] = normalized
	}
	if cfg.Upstreams.MaxReplayBodyBytes < 0 {
		return fmt.Errorf("upstreams.max_replay_body_bytes must be >= 0")
	}
	return nil
}

// NormalizeBackend turns a backend address into an absolute URL with an
// explicit scheme and port. Bare "host:port" addresses default to http.
func NormalizeBackend(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("address is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("scheme must be http or https")
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("host is required")
	}

	if u.Port() == "" {
		if scheme == "https" {
			u.Host += ":443"
		} else {
			u.Host += ":80"
		}
	}
	u.Scheme = scheme

	return u.String(), nil
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"upstreams.timeout", cfg.Upstreams.Timeout},
		{"upstreams.dial_timeout", cfg.Upstreams.DialTimeout},
		{"upstreams.idle_conn_timeout", cfg.Upstreams.IdleConnTimeout},
		{"rate_limit.gc_interval", cfg.RateLimit.GCInterval},
		{"rate_limit.circuit_breaker.reset_timeout", cfg.RateLimit.CircuitBreaker.ResetTimeout},
		{"redis.dial_timeout", cfg.Redis.DialTimeout},
		{"redis.read_timeout", cfg.Redis.ReadTimeout},
		{"redis.write_timeout", cfg.Redis.WriteTimeout},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateRateLimit(cfg *Config) error {
	rl := cfg.RateLimit
	if rl.MaxRequests < 1 {
		return fmt.Errorf("rate_limit.max_requests must be >= 1, got %d", rl.MaxRequests)
	}
	if rl.WindowSeconds < 1 {
		return fmt.Errorf("rate_limit.window_seconds must be >= 1, got %d", rl.WindowSeconds)
	}
	if rl.Store != "" && !rl.Store.Valid() {
		return fmt.Errorf("invalid rate_limit.store %q: must be memory or redis", rl.Store)
	}
	if ks := rl.KeyStrategy; ks.Type != "" && !ks.Type.Valid() {
		return fmt.Errorf("unknown rate_limit.key_strategy.type %q", ks.Type)
	}
	if rl.KeyStrategy.Type == KeyStrategyHeader && rl.KeyStrategy.HeaderName == "" {
		return fmt.Errorf("rate_limit.key_strategy.header_name is required when type is %q", rl.KeyStrategy.Type)
	}
	if rl.CircuitBreaker.Threshold < 0 {
		return fmt.Errorf("rate_limit.circuit_breaker.threshold must be >= 0")
	}
	return nil
}

func validateRedis(cfg *Config) error {
	if cfg.RateLimit.Store != StoreRedis {
		return nil
	}
	if len(cfg.Redis.Endpoints) == 0 {
		return fmt.Errorf("redis.endpoints is required when rate_limit.store is redis")
	}
	if !cfg.Redis.Mode.Valid() {
		return fmt.Errorf("invalid redis.mode %q: must be single, sentinel, or cluster", cfg.Redis.Mode)
	}
	if cfg.Redis.Mode == RedisModeSentinel && cfg.Redis.MasterName == "" {
		return fmt.Errorf("redis.master_name is required for sentinel mode")
	}
	return nil
}

func validateMetrics(cfg *Config) error {
	if cfg.Metrics.Enabled && cfg.Metrics.Endpoint == "" {
		return fmt.Errorf("metrics.endpoint is required when metrics are enabled")
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if l := cfg.Logging.Level; l != "" && !l.Valid() {
		return fmt.Errorf("invalid logging.level %q: must be debug, info, warn, or error", l)
	}
	if f := cfg.Logging.Format; f != "" && !f.Valid() {
		return fmt.Errorf("invalid logging.format %q: must be json or text", f)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, returning def when s is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart lists the fields that differ from old and cannot be
// applied by a hot reload. The caller logs them and keeps running with the
// listeners and store connections it already has.
func (cfg *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if cfg.Server.Address != old.Server.Address {
		fields = append(fields, "server.listen")
	}
	if cfg.Server.Workers != old.Server.Workers {
		fields = append(fields, "server.workers")
	}
	if cfg.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if cfg.RateLimit.Store != old.RateLimit.Store {
		fields = append(fields, "rate_limit.store")
	}
	if cfg.Redis.Mode != old.Redis.Mode {
		fields = append(fields, "redis.mode")
	}
	if strings.Join(cfg.Redis.Endpoints, ",") != strings.Join(old.Redis.Endpoints, ",") {
		fields = append(fields, "redis.endpoints")
	}
	if cfg.Tracing.Enabled != old.Tracing.Enabled || cfg.Tracing.Endpoint != old.Tracing.Endpoint {
		fields = append(fields, "tracing")
	}
	return fields
}
