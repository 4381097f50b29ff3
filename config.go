package warden

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full engine configuration.
type Config struct {
	// Listen holds the acceptor ports.
	Listen ListenConfig `mapstructure:"listen"`

	// Workers is the session worker budget. Zero means the logical CPU
	// count.
	Workers int `mapstructure:"workers"`

	// TLS holds certificate store settings.
	TLS TLSConfig `mapstructure:"tls"`

	// Filter holds filtering settings and rule sources.
	Filter FilterConfig `mapstructure:"filter"`

	// Divert holds flow diversion settings.
	Divert DivertConfig `mapstructure:"divert"`

	// BlockPage configures the blocked-document page.
	BlockPage BlockPageConfig `mapstructure:"block_page"`

	// Admin configures the runtime management listener.
	Admin AdminConfig `mapstructure:"admin"`

	// RateLimit configures per-client session admission.
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// Timeouts holds the session deadlines.
	Timeouts TimeoutConfig `mapstructure:"timeouts"`

	// Logging configures the structured logger.
	Logging LoggingConfig `mapstructure:"logging"`
}

// ListenConfig holds the local acceptor ports. Zero lets the OS pick an
// ephemeral port, which is the recommended setting.
type ListenConfig struct {
	HTTPPort  uint16 `mapstructure:"http_port"`
	HTTPSPort uint16 `mapstructure:"https_port"`
}

// TLSConfig holds certificate store settings.
type TLSConfig struct {
	// Organization names the generated root CA.
	Organization string `mapstructure:"organization"`

	// CABundle is an optional path to a PEM bundle used for upstream
	// verification in addition to the OS roots.
	CABundle string `mapstructure:"ca_bundle"`

	// CertCacheSize bounds the forged-context LRU.
	CertCacheSize int `mapstructure:"cert_cache_size"`

	// Passthrough lists hostname suffixes whose TLS flows are tunneled
	// verbatim, never intercepted.
	Passthrough []string `mapstructure:"passthrough"`
}

// FilterConfig holds filtering settings.
type FilterConfig struct {
	// BodyCap is the response-buffer hard cap in bytes.
	BodyCap int64 `mapstructure:"body_cap"`

	// Lists are rule sources loaded at start.
	Lists []SourceConfig `mapstructure:"lists"`

	// Triggers are text-trigger sources loaded at start.
	Triggers []SourceConfig `mapstructure:"triggers"`

	// EnabledCategories are switched on after loading.
	EnabledCategories []uint8 `mapstructure:"enabled_categories"`
}

// SourceConfig defines one rule or trigger source.
type SourceConfig struct {
	// Type of source: "file", "url", or "postgres".
	Type string `mapstructure:"type"`

	// Path for file sources.
	Path string `mapstructure:"path"`

	// URL for remote sources.
	URL string `mapstructure:"url"`

	// DSN for postgres sources.
	DSN string `mapstructure:"dsn"`

	// Query overrides the default postgres query.
	Query string `mapstructure:"query"`

	// Category the parsed rules are assigned to.
	Category uint8 `mapstructure:"category"`
}

// DivertConfig holds flow diversion settings.
type DivertConfig struct {
	// Enabled starts the platform diverter with the engine. Disabled
	// engines only serve directly-connected (or externally redirected)
	// clients.
	Enabled bool `mapstructure:"enabled"`

	// ExcludeGID exempts sockets owned by this group id from diversion
	// so the engine's own upstream traffic is not re-captured.
	ExcludeGID int `mapstructure:"exclude_gid"`
}

// BlockPageConfig configures the blocked-document page.
type BlockPageConfig struct {
	// TemplatePath points at a custom template file.
	TemplatePath string `mapstructure:"template_path"`

	// TemplateInline is inline template content, taking precedence over
	// TemplatePath.
	TemplateInline string `mapstructure:"template_inline"`
}

// AdminConfig configures the management listener.
type AdminConfig struct {
	// Enabled starts the admin HTTP listener.
	Enabled bool `mapstructure:"enabled"`

	// Addr is the listen address, loopback by default.
	Addr string `mapstructure:"addr"`

	// Metrics exposes /metrics on the admin listener.
	Metrics bool `mapstructure:"metrics"`
}

// RateLimitConfig configures per-client session admission.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Rate    float64 `mapstructure:"rate"`
	Burst   int     `mapstructure:"burst"`
}

// TimeoutConfig holds the session deadlines.
type TimeoutConfig struct {
	Idle            time.Duration `mapstructure:"idle"`
	UpstreamConnect time.Duration `mapstructure:"upstream_connect"`
	Header          time.Duration `mapstructure:"header"`
	BodyStall       time.Duration `mapstructure:"body_stall"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `mapstructure:"level"`

	// Format is text or json.
	Format string `mapstructure:"format"`

	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output"`
}

// DefaultConfig returns a Config with the engine defaults.
func DefaultConfig() Config {
	return Config{
		TLS: TLSConfig{
			Organization:  "Warden",
			CertCacheSize: DefaultCertCacheSize,
		},
		Filter: FilterConfig{
			BodyCap: DefaultMaxFilterBody,
		},
		Divert: DivertConfig{
			Enabled: true,
		},
		Admin: AdminConfig{
			Addr: "127.0.0.1:9555",
		},
		RateLimit: RateLimitConfig{
			Rate:  50,
			Burst: 100,
		},
		Timeouts: TimeoutConfig{
			Idle:            60 * time.Second,
			UpstreamConnect: 15 * time.Second,
			Header:          30 * time.Second,
			BodyStall:       30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// The search order is the explicit path, then ./warden.yaml,
// $HOME/.warden/warden.yaml, and /etc/warden/warden.yaml.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("warden")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.warden")
	v.AddConfigPath("/etc/warden")

	v.SetEnvPrefix("WARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("%w: read config: %v", ErrConfig, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal config: %v", ErrConfig, err)
	}
	return &cfg, nil
}

// LoadConfigFromReader loads configuration from raw bytes of the given
// type ("yaml", "json", "toml").
func LoadConfigFromReader(configType string, data []byte) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType(configType)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("%w: read config: %v", ErrConfig, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal config: %v", ErrConfig, err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("listen.http_port", d.Listen.HTTPPort)
	v.SetDefault("listen.https_port", d.Listen.HTTPSPort)
	v.SetDefault("workers", d.Workers)

	v.SetDefault("tls.organization", d.TLS.Organization)
	v.SetDefault("tls.cert_cache_size", d.TLS.CertCacheSize)

	v.SetDefault("filter.body_cap", d.Filter.BodyCap)

	v.SetDefault("divert.enabled", d.Divert.Enabled)

	v.SetDefault("admin.enabled", d.Admin.Enabled)
	v.SetDefault("admin.addr", d.Admin.Addr)
	v.SetDefault("admin.metrics", d.Admin.Metrics)

	v.SetDefault("rate_limit.enabled", d.RateLimit.Enabled)
	v.SetDefault("rate_limit.rate", d.RateLimit.Rate)
	v.SetDefault("rate_limit.burst", d.RateLimit.Burst)

	v.SetDefault("timeouts.idle", d.Timeouts.Idle)
	v.SetDefault("timeouts.upstream_connect", d.Timeouts.UpstreamConnect)
	v.SetDefault("timeouts.header", d.Timeouts.Header)
	v.SetDefault("timeouts.body_stall", d.Timeouts.BodyStall)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
}

// NewLogger builds a slog.Logger from the logging configuration.
func NewLogger(cfg LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("%w: unknown log level %q", ErrConfig, cfg.Level)
	}

	var out *os.File
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("%w: open log output: %v", ErrConfig, err)
		}
		out = f
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(out, opts)), nil
	}
	return slog.New(slog.NewTextHandler(out, opts)), nil
}

// WriteExampleConfig writes a commented example configuration file.
func WriteExampleConfig(path string) error {
	example := `# Warden configuration

listen:
  # Zero lets the OS pick ephemeral ports (recommended).
  http_port: 0
  https_port: 0

# Session worker budget. Zero means the logical CPU count.
workers: 0

tls:
  organization: "Warden"
  # Optional CA bundle for upstream verification (in addition to OS roots).
  # ca_bundle: "/etc/ssl/certs/ca-certificates.crt"
  cert_cache_size: 1024
  # Hostname suffixes tunneled without interception (pinned clients).
  passthrough:
    - "update.example-av.com"

filter:
  body_cap: 5242880
  lists:
    - type: file
      path: "/etc/warden/easylist.txt"
      category: 1
    # - type: url
    #   url: "https://lists.example.com/ads.txt"
    #   category: 1
    # - type: postgres
    #   dsn: "postgres://warden@localhost/warden?sslmode=disable"
    #   category: 2
  triggers:
    - type: file
      path: "/etc/warden/triggers.txt"
      category: 3
  enabled_categories: [1, 2, 3]

divert:
  enabled: true
  # exclude_gid: 990

block_page: {}

admin:
  enabled: true
  addr: "127.0.0.1:9555"
  metrics: true

rate_limit:
  enabled: false
  rate: 50
  burst: 100

timeouts:
  idle: 60s
  upstream_connect: 15s
  header: 30s
  body_stall: 30s

logging:
  level: "info"
  format: "text"
  output: "stderr"
`
	return os.WriteFile(path, []byte(example), 0o644)
}
