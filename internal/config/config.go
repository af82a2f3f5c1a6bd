// Package config handles loading and validation of the gateway configuration
// from environment variables, plus an optional YAML routes file that seeds the
// route registry at startup. Spec-level knobs use plain env names (PORT,
// JWT_SECRET, ...); gateway-internal knobs use a GATEWAY_ prefix:
//
//	PORT, HOST, JWT_SECRET, RATE_LIMIT_MAX, ...
//	GATEWAY_ENV, GATEWAY_LOG_LEVEL, GATEWAY_ROUTES_FILE, ...
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Enum types — typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// Environment selects production hardening (error redaction) vs development.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
	EnvTest        Environment = "test"
)

func (e Environment) Valid() bool {
	switch e {
	case EnvDevelopment, EnvProduction, EnvTest:
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

// BalancerAlgorithm names a load-balancing policy.
type BalancerAlgorithm string

const (
	BalancerRoundRobin         BalancerAlgorithm = "round-robin"
	BalancerWeightedRoundRobin BalancerAlgorithm = "weighted-round-robin"
	BalancerLeastConnections   BalancerAlgorithm = "least-connections"
	BalancerLeastResponseTime  BalancerAlgorithm = "least-response-time"
	BalancerHealthBased        BalancerAlgorithm = "health-based"
	BalancerRandom             BalancerAlgorithm = "random"
)

func (a BalancerAlgorithm) Valid() bool {
	switch a {
	case BalancerRoundRobin, BalancerWeightedRoundRobin, BalancerLeastConnections,
		BalancerLeastResponseTime, BalancerHealthBased, BalancerRandom:
		return true
	}
	return false
}

// RedactedString is a string that masks its value in String(), GoString(), and
// log output to prevent accidental leakage. Use .Value() to access the secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer — always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig
	CORS      CORSConfig
	JWT       JWTConfig
	Argon2    Argon2Config
	RateLimit RateLimitConfig
	Breaker   BreakerConfig
	Balancer  BalancerConfig
	Health    HealthConfig
	Cache     CacheConfig
	Forward   ForwardConfig
	Logging   LoggingConfig `envPrefix:"GATEWAY_LOG_"`
	Tracing   TracingConfig `envPrefix:"GATEWAY_TRACING_"`

	Env Environment `env:"GATEWAY_ENV"`

	// GatewayID is stamped on forwarded requests as X-Forwarded-By.
	GatewayID string `env:"GATEWAY_ID"`

	// RoutesFile optionally points at a YAML file declaring the initial
	// route table. When set, the file is also watched for hot-reload.
	RoutesFile string `env:"GATEWAY_ROUTES_FILE"`

	// AdminPassword seeds the built-in admin user. When empty a random
	// password is generated and logged once at startup.
	AdminPassword RedactedString `env:"GATEWAY_ADMIN_PASSWORD"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port         int    `env:"PORT"`
	Host         string `env:"HOST"`
	ReadTimeout  string `env:"GATEWAY_READ_TIMEOUT"`
	WriteTimeout string `env:"GATEWAY_WRITE_TIMEOUT"`
	IdleTimeout  string `env:"GATEWAY_IDLE_TIMEOUT"`
	DrainTimeout string `env:"GATEWAY_DRAIN_TIMEOUT"`

	// MaxBodyBytes caps inbound request bodies. Default 1 MiB.
	MaxBodyBytes int64 `env:"GATEWAY_MAX_BODY_BYTES"`

	// MaxParamLength caps the length of any single URL path segment.
	// Proxy headers (X-Forwarded-For) are always trusted for client IP
	// derivation; the gateway is expected to sit behind a TLS terminator.
	MaxParamLength int `env:"GATEWAY_MAX_PARAM_LENGTH"`
}

// Address returns the host:port listen address.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// CORSConfig holds cross-origin settings for built-in endpoints.
type CORSConfig struct {
	Origin string `env:"CORS_ORIGIN"`
}

// JWTConfig holds token signing settings.
type JWTConfig struct {
	Secret           RedactedString `env:"JWT_SECRET"`
	ExpiresIn        string         `env:"JWT_EXPIRES_IN"`
	RefreshExpiresIn string         `env:"JWT_REFRESH_EXPIRES_IN"`
}

// AccessTTL returns the access-token lifetime.
func (j JWTConfig) AccessTTL() time.Duration {
	return MustParseLifetime(j.ExpiresIn, time.Hour)
}

// RefreshTTL returns the refresh-token lifetime.
func (j JWTConfig) RefreshTTL() time.Duration {
	return MustParseLifetime(j.RefreshExpiresIn, 7*24*time.Hour)
}

// Argon2Config holds Argon2id password-hashing parameters.
type Argon2Config struct {
	TimeCost    uint32 `env:"ARGON2_TIME_COST"`
	MemoryCost  uint32 `env:"ARGON2_MEMORY_COST"`
	Parallelism uint8  `env:"ARGON2_PARALLELISM"`
}

// RateLimitConfig holds the base rate-limit rule parameters. TTL is the
// window size in seconds; Max is the request budget per window.
type RateLimitConfig struct {
	TTL int64 `env:"RATE_LIMIT_TTL"`
	Max int64 `env:"RATE_LIMIT_MAX"`
}

// Window returns the base rule window size.
func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.TTL) * time.Second
}

// BreakerConfig holds default circuit-breaker parameters. Timeout and Window
// are milliseconds, matching the admin surface.
type BreakerConfig struct {
	Threshold int   `env:"CIRCUIT_BREAKER_THRESHOLD"`
	TimeoutMS int64 `env:"CIRCUIT_BREAKER_TIMEOUT"`
	WindowMS  int64 `env:"CIRCUIT_BREAKER_WINDOW"`
}

func (b BreakerConfig) Timeout() time.Duration { return time.Duration(b.TimeoutMS) * time.Millisecond }
func (b BreakerConfig) Window() time.Duration  { return time.Duration(b.WindowMS) * time.Millisecond }

// BalancerConfig holds the default load-balancer policy.
type BalancerConfig struct {
	Algorithm BalancerAlgorithm `env:"LOAD_BALANCER_ALGORITHM"`
}

// HealthConfig holds default health-check parameters (milliseconds).
type HealthConfig struct {
	IntervalMS int64 `env:"HEALTH_CHECK_INTERVAL"`
	TimeoutMS  int64 `env:"HEALTH_CHECK_TIMEOUT"`
}

func (h HealthConfig) Interval() time.Duration { return time.Duration(h.IntervalMS) * time.Millisecond }
func (h HealthConfig) Timeout() time.Duration  { return time.Duration(h.TimeoutMS) * time.Millisecond }

// CacheConfig holds response-cache bounds. TTL is seconds (the cache works
// in finer units internally); MaxSize is an entry count; MaxBytes is the
// total estimated byte budget.
type CacheConfig struct {
	TTL      int64 `env:"CACHE_TTL"`
	MaxSize  int   `env:"CACHE_MAX_SIZE"`
	MaxBytes int64 `env:"CACHE_MAX_BYTES"`
}

// DefaultTTL returns the default cache entry lifetime.
func (c CacheConfig) DefaultTTL() time.Duration { return time.Duration(c.TTL) * time.Second }

// ForwardConfig holds upstream-call parameters (milliseconds).
type ForwardConfig struct {
	RequestTimeoutMS    int64 `env:"REQUEST_TIMEOUT"`
	ConnectionTimeoutMS int64 `env:"CONNECTION_TIMEOUT"`
	Retries             int   `env:"GATEWAY_FORWARD_RETRIES"`
	MaxIdleConns        int   `env:"GATEWAY_MAX_IDLE_CONNS"`
}

func (f ForwardConfig) RequestTimeout() time.Duration {
	return time.Duration(f.RequestTimeoutMS) * time.Millisecond
}

func (f ForwardConfig) ConnectionTimeout() time.Duration {
	return time.Duration(f.ConnectionTimeoutMS) * time.Millisecond
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `env:"LEVEL"`
	Format LogFormat `env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `env:"ENABLED"`
	Endpoint    string  `env:"ENDPOINT"`
	ServiceName string  `env:"SERVICE_NAME"`
	SampleRate  float64 `env:"SAMPLE_RATE"`
}

// Defaults returns a Config populated with the documented default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           3000,
			Host:           "0.0.0.0",
			ReadTimeout:    "30s",
			WriteTimeout:   "30s",
			IdleTimeout:    "120s",
			DrainTimeout:   "30s",
			MaxBodyBytes:   1 << 20,
			MaxParamLength: 100,
		},
		CORS:   CORSConfig{Origin: "http://localhost:3000"},
		JWT:    JWTConfig{ExpiresIn: "1h", RefreshExpiresIn: "7d"},
		Argon2: Argon2Config{TimeCost: 2, MemoryCost: 65536, Parallelism: 1},
		RateLimit: RateLimitConfig{
			TTL: 60,
			Max: 1000,
		},
		Breaker: BreakerConfig{
			Threshold: 5,
			TimeoutMS: 30000,
			WindowMS:  60000,
		},
		Balancer: BalancerConfig{Algorithm: BalancerRoundRobin},
		Health: HealthConfig{
			IntervalMS: 30000,
			TimeoutMS:  5000,
		},
		Cache: CacheConfig{
			TTL:      300,
			MaxSize:  1000,
			MaxBytes: 64 << 20,
		},
		Forward: ForwardConfig{
			RequestTimeoutMS:    30000,
			ConnectionTimeoutMS: 5000,
			Retries:             3,
			MaxIdleConns:        100,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "relaygate",
			SampleRate:  0.1,
		},
		Env:       EnvDevelopment,
		GatewayID: "relaygate",
	}
}

// Load reads configuration from environment variables over defaults.
func Load() (*Config, error) {
	cfg := Defaults()

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", err)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases enum fields so env values like "ROUND-ROBIN" match
// the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.Env = Environment(strings.ToLower(string(cfg.Env)))
	cfg.Balancer.Algorithm = BalancerAlgorithm(strings.ToLower(string(cfg.Balancer.Algorithm)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", cfg.Server.Port)
	}
	if !cfg.Env.Valid() {
		return fmt.Errorf("invalid GATEWAY_ENV %q", cfg.Env)
	}
	if !cfg.Balancer.Algorithm.Valid() {
		return fmt.Errorf("invalid LOAD_BALANCER_ALGORITHM %q", cfg.Balancer.Algorithm)
	}
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid GATEWAY_LOG_LEVEL %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid GATEWAY_LOG_FORMAT %q", cfg.Logging.Format)
	}
	if cfg.Env == EnvProduction && cfg.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	if cfg.RateLimit.TTL <= 0 || cfg.RateLimit.Max <= 0 {
		return fmt.Errorf("RATE_LIMIT_TTL and RATE_LIMIT_MAX must be positive")
	}
	if cfg.Breaker.Threshold < 1 {
		return fmt.Errorf("CIRCUIT_BREAKER_THRESHOLD must be >= 1")
	}
	if cfg.Cache.MaxSize < 1 || cfg.Cache.MaxBytes < 1 {
		return fmt.Errorf("CACHE_MAX_SIZE and CACHE_MAX_BYTES must be positive")
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("GATEWAY_TRACING_ENDPOINT is required when tracing is enabled")
	}
	for _, d := range []struct{ name, val string }{
		{"GATEWAY_READ_TIMEOUT", cfg.Server.ReadTimeout},
		{"GATEWAY_WRITE_TIMEOUT", cfg.Server.WriteTimeout},
		{"GATEWAY_IDLE_TIMEOUT", cfg.Server.IdleTimeout},
		{"GATEWAY_DRAIN_TIMEOUT", cfg.Server.DrainTimeout},
	} {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	if _, err := ParseLifetime(cfg.JWT.ExpiresIn); err != nil {
		return fmt.Errorf("invalid JWT_EXPIRES_IN %q: %w", cfg.JWT.ExpiresIn, err)
	}
	if _, err := ParseLifetime(cfg.JWT.RefreshExpiresIn); err != nil {
		return fmt.Errorf("invalid JWT_REFRESH_EXPIRES_IN %q: %w", cfg.JWT.RefreshExpiresIn, err)
	}
	return nil
}

// ParseLifetime parses a duration string, additionally accepting a "d" (day)
// suffix ("7d") which time.ParseDuration does not understand.
func ParseLifetime(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid day count %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// MustParseLifetime parses a lifetime string, returning def on empty or error.
func MustParseLifetime(s string, def time.Duration) time.Duration {
	d, err := ParseLifetime(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// ParseDuration parses a duration string, returning def if the string is empty.
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

// ---------------------------------------------------------------------------
// Routes file
// ---------------------------------------------------------------------------

// RouteSpec is the wire shape of a route declaration, shared by the routes
// file and the admin surface.
type RouteSpec struct {
	Path      string            `yaml:"path"          json:"path"`
	Method    string            `yaml:"method"        json:"method"`
	Targets   []TargetSpec      `yaml:"targets"       json:"targets"`
	Balancer  BalancerAlgorithm `yaml:"load_balancer" json:"loadBalancer,omitempty"`
	TimeoutMS int64             `yaml:"timeout_ms"    json:"timeout,omitempty"`
	Retries   int               `yaml:"retries"       json:"retries,omitempty"`
	Active    *bool             `yaml:"active"        json:"active,omitempty"`
	Public    bool              `yaml:"public"        json:"public,omitempty"`

	HealthCheck *HealthCheckSpec `yaml:"health_check"    json:"healthCheck,omitempty"`
	Breaker     *BreakerSpec     `yaml:"circuit_breaker" json:"circuitBreaker,omitempty"`
}

// TargetSpec declares one upstream replica.
type TargetSpec struct {
	URL    string `yaml:"url"    json:"url"`
	Weight int    `yaml:"weight" json:"weight,omitempty"`
}

// HealthCheckSpec declares a route's probe policy (milliseconds).
type HealthCheckSpec struct {
	Enabled            bool   `yaml:"enabled"             json:"enabled"`
	Path               string `yaml:"path"                json:"path,omitempty"`
	IntervalMS         int64  `yaml:"interval_ms"         json:"interval,omitempty"`
	TimeoutMS          int64  `yaml:"timeout_ms"          json:"timeout,omitempty"`
	HealthyThreshold   int    `yaml:"healthy_threshold"   json:"healthyThreshold,omitempty"`
	UnhealthyThreshold int    `yaml:"unhealthy_threshold" json:"unhealthyThreshold,omitempty"`
}

// BreakerSpec declares a route's circuit-breaker policy (milliseconds).
type BreakerSpec struct {
	Enabled   bool  `yaml:"enabled"    json:"enabled"`
	Threshold int   `yaml:"threshold"  json:"threshold,omitempty"`
	WindowMS  int64 `yaml:"window_ms"  json:"window,omitempty"`
	TimeoutMS int64 `yaml:"timeout_ms" json:"timeout,omitempty"`
}

// RoutesFile is the top-level shape of the YAML routes file.
type RoutesFile struct {
	Routes []RouteSpec `yaml:"routes"`
}

// LoadRoutesFile reads and parses a YAML routes file. A missing file is not
// an error — the registry falls back to its demo routes.
func LoadRoutesFile(path string) (*RoutesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &RoutesFile{}, nil
		}
		return nil, fmt.Errorf("reading routes file %s: %w", path, err)
	}

	var rf RoutesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing routes file %s: %w", path, err)
	}

	for i := range rf.Routes {
		r := &rf.Routes[i]
		r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
		if r.Path == "" || r.Method == "" {
			return nil, fmt.Errorf("routes file %s: route %d is missing path or method", path, i)
		}
		if len(r.Targets) == 0 {
			return nil, fmt.Errorf("routes file %s: route %s %s has no targets", path, r.Method, r.Path)
		}
	}

	return &rf, nil
}
