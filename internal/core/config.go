package core

import (
	"crypto/subtle"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the entire finshield configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Admin     AdminConfig     `yaml:"admin"`
	Store     StoreConfig     `yaml:"store"`
	Bus       BusConfig       `yaml:"bus"`
	Alerts    AlertConfig     `yaml:"alerts"`
	Logging   LoggingConfig   `yaml:"logging"`
	Admission AdmissionConfig `yaml:"admission"`
}

// ServerConfig holds the admission listener and the upstream it protects.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	UpstreamURL  string        `yaml:"upstream_url"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	APIKeys     []string `yaml:"api_keys"`
	CORSOrigins []string `yaml:"cors_origins"`
	RatePerSec  float64  `yaml:"rate_per_sec"`
	RateBurst   int      `yaml:"rate_burst"`
}

// StoreConfig selects the AdmissionStore backend.
type StoreConfig struct {
	Backend   string        `yaml:"backend"` // "memory" or "redis"
	Redis     RedisConfig   `yaml:"redis"`
	Breaker   BreakerConfig `yaml:"breaker"`
	MaxBlocks int           `yaml:"max_blocks"`
}

// RedisConfig holds shared store connection settings.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix"`
}

// BreakerConfig controls when the shared store is considered degraded.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// BusConfig holds NATS event bus settings.
type BusConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	DataDir  string `yaml:"data_dir"`
	Port     int    `yaml:"port"`
}

// AlertConfig holds alert pipeline settings.
type AlertConfig struct {
	MaxStore      int           `yaml:"max_store"`
	EnableConsole bool          `yaml:"enable_console"`
	Cooldown      time.Duration `yaml:"cooldown"`
	AccessLogSize int           `yaml:"access_log_size"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AdmissionConfig groups every tunable of the admission pipeline.
type AdmissionConfig struct {
	Validation   ValidationConfig             `yaml:"validation"`
	Injection    InjectionConfig              `yaml:"injection"`
	Signature    SignatureConfig              `yaml:"signature"`
	Entitlements EntitlementConfig            `yaml:"entitlements"`
	Versions     VersionConfig                `yaml:"versions"`
	RateLimits   map[EndpointClass]ClassLimit `yaml:"rate_limits"`
	Behavior     BehaviorConfig               `yaml:"behavior"`
	Abuse        AbuseConfig                  `yaml:"abuse"`
	Scoring      ScoringConfig                `yaml:"scoring"`
	Monitor      MonitorConfig                `yaml:"monitor"`
	Redaction    RedactionConfig              `yaml:"redaction"`
}

// ValidationConfig holds structural request checks.
type ValidationConfig struct {
	MaxPayloadBytes     int64    `yaml:"max_payload_bytes"`
	AllowedContentTypes []string `yaml:"allowed_content_types"`
	DenyList            []string `yaml:"deny_list"`
	AllowList           []string `yaml:"allow_list"`
	RequireAPIKey       bool     `yaml:"require_api_key"`
	APIKeyLength        int      `yaml:"api_key_length"`
}

// InjectionConfig holds scanner settings.
type InjectionConfig struct {
	SanitizeOnAdmit bool `yaml:"sanitize_on_admit"`
}

// SignatureConfig holds request signing settings. An empty secret disables
// signature checks.
type SignatureConfig struct {
	Secret    string        `yaml:"secret"`
	Mandatory bool          `yaml:"mandatory"`
	Window    time.Duration `yaml:"window"`
}

// PremiumKeyConfig is a statically configured premium key.
type PremiumKeyConfig struct {
	Key      string   `yaml:"key"`
	Features []string `yaml:"features"`
}

// EntitlementConfig maps route prefixes to the premium feature they require.
type EntitlementConfig struct {
	PremiumRoutes map[string]string  `yaml:"premium_routes"`
	Keys          []PremiumKeyConfig `yaml:"keys"`
}

// VersionConfig lists accepted API versions. Deprecated maps a version to its
// sunset date (YYYY-MM-DD).
type VersionConfig struct {
	Default    string            `yaml:"default"`
	Supported  []string          `yaml:"supported"`
	Deprecated map[string]string `yaml:"deprecated"`
}

// ClassLimit is the sliding-window policy for one endpoint class.
type ClassLimit struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
	Burst       int           `yaml:"burst"`
}

// BehaviorConfig holds suspicious-activity thresholds.
type BehaviorConfig struct {
	RapidThreshold      int           `yaml:"rapid_threshold"`
	ShortWindow         time.Duration `yaml:"short_window"`
	Retention           time.Duration `yaml:"retention"`
	UnusualStartHour    int           `yaml:"unusual_start_hour"`
	UnusualEndHour      int           `yaml:"unusual_end_hour"`
	LargePayloadBytes   int64         `yaml:"large_payload_bytes"`
	RepeatThreshold     int           `yaml:"repeat_threshold"`
	SuspiciousThreshold int           `yaml:"suspicious_threshold"`
}

// AbuseConfig holds the decision thresholds and block policy.
type AbuseConfig struct {
	CriticalThreshold     int           `yaml:"critical_threshold"`
	HighThreshold         int           `yaml:"high_threshold"`
	MediumThreshold       int           `yaml:"medium_threshold"`
	HighPatternCount      int           `yaml:"high_pattern_count"`
	BlockTTL              time.Duration `yaml:"block_ttl"`
	FailureBurstThreshold int           `yaml:"failure_burst_threshold"`
	LargePayloadBurst     int           `yaml:"large_payload_burst"`
	BurstWindow           time.Duration `yaml:"burst_window"`
	MaxHeaderBytes        int           `yaml:"max_header_bytes"`
}

// ScoringConfig holds signal weights (abuse score) and penalties (security
// score).
type ScoringConfig struct {
	RapidBurstWeight    int `yaml:"rapid_burst_weight"`
	FailureBurstWeight  int `yaml:"failure_burst_weight"`
	LargePayloadWeight  int `yaml:"large_payload_weight"`
	InjectionWeight     int `yaml:"injection_weight"`
	InjectionPenalty    int `yaml:"injection_penalty"`
	RateLimitWeight     int `yaml:"rate_limit_weight"`
	RateLimitPenalty    int `yaml:"rate_limit_penalty"`
	SuspiciousWeight    int `yaml:"suspicious_weight"`
	SuspiciousPenalty   int `yaml:"suspicious_penalty"`
	HeaderWeight        int `yaml:"header_weight"`
	HeaderPenalty       int `yaml:"header_penalty"`
	PremiumNoAuthWeight int `yaml:"premium_no_auth_weight"`
	BadAPIKeyWeight     int `yaml:"bad_api_key_weight"`
	SignatureWeight     int `yaml:"signature_weight"`
	SignaturePenalty    int `yaml:"signature_penalty"`
}

// MonitorConfig holds per-endpoint alert thresholds.
type MonitorConfig struct {
	ErrorRate          float64       `yaml:"error_rate"`
	MinRequests        int64         `yaml:"min_requests"`
	AvgLatency         time.Duration `yaml:"avg_latency"`
	Volume             int64         `yaml:"volume"`
	DistinctIdentities int64         `yaml:"distinct_identities"`
	Window             time.Duration `yaml:"window"`
}

// RedactionConfig lists JSON keys whose values never leave the service.
type RedactionConfig struct {
	Fields []string `yaml:"fields"`
}

// DefaultConfig returns a Config with sane defaults. Zero-config works out of
// the box with an in-memory store and no bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			UpstreamURL:  "http://127.0.0.1:8000",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Admin: AdminConfig{
			Enabled:    true,
			Host:       "127.0.0.1",
			Port:       9090,
			RatePerSec: 20,
			RateBurst:  40,
		},
		Store: StoreConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr:      "127.0.0.1:6379",
				PoolSize:  20,
				KeyPrefix: "finshield:",
			},
			Breaker: BreakerConfig{
				MaxFailures: 5,
				OpenTimeout: 30 * time.Second,
				Interval:    time.Minute,
			},
			MaxBlocks: 100000,
		},
		Bus: BusConfig{
			Enabled:  false,
			URL:      "nats://127.0.0.1:4222",
			Embedded: true,
			DataDir:  "./data/nats",
			Port:     4222,
		},
		Alerts: AlertConfig{
			MaxStore:      10000,
			EnableConsole: true,
			Cooldown:      5 * time.Minute,
			AccessLogSize: 2000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Admission: DefaultAdmissionConfig(),
	}
}

// DefaultAdmissionConfig returns the default pipeline policy.
func DefaultAdmissionConfig() AdmissionConfig {
	return AdmissionConfig{
		Validation: ValidationConfig{
			MaxPayloadBytes: 10 << 20,
			AllowedContentTypes: []string{
				"application/json",
				"application/x-www-form-urlencoded",
				"multipart/form-data",
				"text/plain",
			},
			APIKeyLength: 32,
		},
		Signature: SignatureConfig{
			Window: 300 * time.Second,
		},
		Entitlements: EntitlementConfig{
			PremiumRoutes: map[string]string{},
		},
		Versions: VersionConfig{
			Default:    "v1",
			Supported:  []string{"v1", "v2"},
			Deprecated: map[string]string{},
		},
		RateLimits: DefaultClassLimits(),
		Behavior: BehaviorConfig{
			RapidThreshold:      50,
			ShortWindow:         5 * time.Minute,
			Retention:           24 * time.Hour,
			UnusualStartHour:    2,
			UnusualEndHour:      5,
			LargePayloadBytes:   1 << 20,
			RepeatThreshold:     10,
			SuspiciousThreshold: 50,
		},
		Abuse: AbuseConfig{
			CriticalThreshold:     80,
			HighThreshold:         60,
			MediumThreshold:       40,
			HighPatternCount:      3,
			BlockTTL:              24 * time.Hour,
			FailureBurstThreshold: 10,
			LargePayloadBurst:     3,
			BurstWindow:           5 * time.Minute,
			MaxHeaderBytes:        8192,
		},
		Scoring: ScoringConfig{
			RapidBurstWeight:    30,
			FailureBurstWeight:  25,
			LargePayloadWeight:  20,
			InjectionWeight:     50,
			InjectionPenalty:    40,
			RateLimitWeight:     15,
			RateLimitPenalty:    15,
			SuspiciousWeight:    20,
			SuspiciousPenalty:   20,
			HeaderWeight:        10,
			HeaderPenalty:       5,
			PremiumNoAuthWeight: 30,
			BadAPIKeyWeight:     25,
			SignatureWeight:     25,
			SignaturePenalty:    25,
		},
		Monitor: MonitorConfig{
			ErrorRate:          0.1,
			MinRequests:        10,
			AvgLatency:         2 * time.Second,
			Volume:             1000,
			DistinctIdentities: 100,
			Window:             time.Hour,
		},
		Redaction: RedactionConfig{
			Fields: []string{
				"password", "password_hash", "ssn", "social_security",
				"account_number", "routing_number", "card_number", "cvv",
				"api_key", "api_secret", "secret", "token", "access_token",
				"refresh_token", "plaid_access_token", "private_key",
			},
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	applyEnv(cfg)
	cfg.Admission.RateLimits = fillClassLimits(cfg.Admission.RateLimits)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FINSHIELD_SIGNING_SECRET"); v != "" && cfg.Admission.Signature.Secret == "" {
		cfg.Admission.Signature.Secret = v
	}
	if v := os.Getenv("FINSHIELD_REDIS_ADDR"); v != "" {
		cfg.Store.Backend = "redis"
		cfg.Store.Redis.Addr = v
	}
	if len(cfg.Admin.APIKeys) == 0 {
		if v := os.Getenv("FINSHIELD_ADMIN_KEY"); v != "" {
			cfg.Admin.APIKeys = []string{v}
		}
	}
}

// fillClassLimits restores any class a partial or empty YAML map left out.
func fillClassLimits(limits map[EndpointClass]ClassLimit) map[EndpointClass]ClassLimit {
	if limits == nil {
		limits = make(map[EndpointClass]ClassLimit, len(AllClasses))
	}
	for class, def := range DefaultClassLimits() {
		if _, ok := limits[class]; !ok {
			limits[class] = def
		}
	}
	return limits
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Validate reports configuration errors that would make the pipeline unsafe
// or unusable.
func (c *Config) Validate() error {
	var problems []string

	if c.Store.Backend != "memory" && c.Store.Backend != "redis" {
		problems = append(problems, fmt.Sprintf("store.backend %q must be memory or redis", c.Store.Backend))
	}
	a := c.Admission
	if a.Validation.MaxPayloadBytes <= 0 {
		problems = append(problems, "admission.validation.max_payload_bytes must be positive")
	}
	if a.Validation.RequireAPIKey && a.Validation.APIKeyLength <= 0 {
		problems = append(problems, "admission.validation.api_key_length must be positive")
	}
	for _, entry := range append(append([]string{}, a.Validation.DenyList...), a.Validation.AllowList...) {
		if _, err := ParsePrefix(entry); err != nil {
			problems = append(problems, fmt.Sprintf("invalid address %q: %v", entry, err))
		}
	}
	for class, lim := range a.RateLimits {
		if lim.MaxRequests <= 0 || lim.Window <= 0 {
			problems = append(problems, fmt.Sprintf("admission.rate_limits.%s needs positive max_requests and window", class))
		}
	}
	if a.Signature.Window <= 0 {
		problems = append(problems, "admission.signature.window must be positive")
	}
	if a.Signature.Mandatory && a.Signature.Secret == "" {
		problems = append(problems, "admission.signature.mandatory requires a secret")
	}
	for v, sunset := range a.Versions.Deprecated {
		if _, err := time.Parse("2006-01-02", sunset); err != nil {
			problems = append(problems, fmt.Sprintf("admission.versions.deprecated.%s: bad sunset date %q", v, sunset))
		}
	}
	if a.Abuse.CriticalThreshold < a.Abuse.HighThreshold || a.Abuse.HighThreshold < a.Abuse.MediumThreshold {
		problems = append(problems, "admission.abuse thresholds must satisfy critical >= high >= medium")
	}
	h := a.Behavior
	if h.UnusualStartHour < 0 || h.UnusualStartHour > 23 || h.UnusualEndHour < 0 || h.UnusualEndHour > 24 {
		problems = append(problems, "admission.behavior unusual hours must be within 0-24")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ParsePrefix accepts either a bare address or a CIDR.
func ParsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// LogLevel returns the parsed log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}

// AuthEnabled returns true if admin API key authentication is configured.
func (c *Config) AuthEnabled() bool {
	return len(c.Admin.APIKeys) > 0
}

// ValidateAPIKey checks if the provided key matches any configured admin key.
// Uses constant-time comparison to prevent timing attacks.
func (c *Config) ValidateAPIKey(key string) bool {
	for _, valid := range c.Admin.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			return true
		}
	}
	return false
}
