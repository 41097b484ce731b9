// Package config loads service configuration from a YAML file and LEXEDGE_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. LEXEDGE_RETRY_MAX_RETRIES.
const EnvPrefix = "LEXEDGE"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Store       StoreConfig       `mapstructure:"store" yaml:"store"`
	History     HistoryConfig     `mapstructure:"history" yaml:"history"`
	Retry       RetryConfig       `mapstructure:"retry" yaml:"retry"`
	Firewall    FirewallConfig    `mapstructure:"firewall" yaml:"firewall"`
	Model       ModelConfig       `mapstructure:"model" yaml:"model"`
	Attachments AttachmentsConfig `mapstructure:"attachments" yaml:"attachments"`
	Routes      []RouteConfig     `mapstructure:"routes" yaml:"routes"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	ReadLimit       int64         `mapstructure:"read_limit" yaml:"read_limit"`
	ReceiveTimeout  time.Duration `mapstructure:"receive_timeout" yaml:"receive_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxInputBytes   int           `mapstructure:"max_input_bytes" yaml:"max_input_bytes"`
}

type StoreConfig struct {
	// Backend is one of memory, sqlite or redis.
	Backend               string      `mapstructure:"backend" yaml:"backend"`
	DSN                   string      `mapstructure:"dsn" yaml:"dsn"`
	App                   string      `mapstructure:"app" yaml:"app"`
	MaxSessionsPerUser    int         `mapstructure:"max_sessions_per_user" yaml:"max_sessions_per_user"`
	MaxMessagesPerSession int         `mapstructure:"max_messages_per_session" yaml:"max_messages_per_session"`
	EncryptionKey         string      `mapstructure:"encryption_key" yaml:"encryption_key"`
	Redact                bool        `mapstructure:"redact" yaml:"redact"`
	Redis                 RedisConfig `mapstructure:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr" yaml:"addr"`
	Password string        `mapstructure:"password" yaml:"password"`
	DB       int           `mapstructure:"db" yaml:"db"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
	Prefix   string        `mapstructure:"prefix" yaml:"prefix"`
	// Lock enables the distributed per-session lock.
	Lock bool `mapstructure:"lock" yaml:"lock"`
}

type HistoryConfig struct {
	MaxEntries int `mapstructure:"max_entries" yaml:"max_entries"`
	MaxChars   int `mapstructure:"max_chars" yaml:"max_chars"`
}

type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	Base       time.Duration `mapstructure:"base" yaml:"base"`
}

type FirewallConfig struct {
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Interval     time.Duration `mapstructure:"interval" yaml:"interval"`
	MaxPerSource int           `mapstructure:"max_per_source" yaml:"max_per_source"`
	Enforce      bool          `mapstructure:"enforce" yaml:"enforce"`
}

type ModelConfig struct {
	// Provider is gemini or echo.
	Provider          string `mapstructure:"provider" yaml:"provider"`
	APIKey            string `mapstructure:"api_key" yaml:"api_key"`
	Name              string `mapstructure:"name" yaml:"name"`
	SystemInstruction string `mapstructure:"system_instruction" yaml:"system_instruction"`
}

type AttachmentsConfig struct {
	InlineMaxBytes int `mapstructure:"inline_max_bytes" yaml:"inline_max_bytes"`
}

// RouteConfig selects a capability when the message contains any keyword or
// the attachment MIME type starts with MimePrefix.
type RouteConfig struct {
	Name       string   `mapstructure:"name" yaml:"name"`
	Keywords   []string `mapstructure:"keywords" yaml:"keywords"`
	MimePrefix string   `mapstructure:"mime_prefix" yaml:"mime_prefix"`
	Target     string   `mapstructure:"target" yaml:"target"`
}

// RuleName is the rule's name, or a positional one when unnamed.
func (r RouteConfig) RuleName(index int) string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("route-%d", index)
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadLimit:       16 << 20,
			ReceiveTimeout:  60 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			MaxInputBytes:   64 << 10,
		},
		Store: StoreConfig{
			Backend:               "memory",
			DSN:                   "lexedge.db",
			App:                   "lexedge",
			MaxSessionsPerUser:    10,
			MaxMessagesPerSession: 100,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				TTL:    2 * time.Hour,
				Prefix: "lexedge:",
			},
		},
		History: HistoryConfig{MaxEntries: 10, MaxChars: 32000},
		Retry:   RetryConfig{MaxRetries: 2, Base: time.Second},
		Firewall: FirewallConfig{
			Timeout:      120 * time.Minute,
			Interval:     300 * time.Second,
			MaxPerSource: 5,
		},
		Model: ModelConfig{
			Provider: "echo",
			Name:     "gemini-2.5-flash",
		},
		Attachments: AttachmentsConfig{InlineMaxBytes: 4 << 20},
		Log:         LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (optional; "" skips the file), applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	raw := map[string]any{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		if raw == nil {
			raw = map[string]any{}
		}
	}

	applyEnv(raw, reflect.TypeOf(Config{}), []string{EnvPrefix}, nil, lookup)

	cfg := Default()
	if err := Decode(raw, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode merges a raw map onto cfg. Durations are parsed from strings such as "90s".
func Decode(raw map[string]any, cfg *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           cfg,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// applyEnv walks the mapstructure tags of t and copies every matching
// environment variable into raw at the same path.
func applyEnv(raw map[string]any, t reflect.Type, envPath, keyPath []string, lookup func(string) (string, bool)) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		env := append(append([]string(nil), envPath...), strings.ToUpper(tag))
		keys := append(append([]string(nil), keyPath...), tag)

		switch {
		case field.Type.Kind() == reflect.Struct:
			applyEnv(raw, field.Type, env, keys, lookup)
		case field.Type.Kind() == reflect.Slice && field.Type.Elem().Kind() == reflect.Struct:
			// Lists of structs are file-only.
		default:
			if v, ok := lookup(strings.Join(env, "_")); ok {
				setPath(raw, keys, v)
			}
		}
	}
}

func setPath(raw map[string]any, keys []string, value any) {
	m := raw
	for _, k := range keys[:len(keys)-1] {
		next, ok := m[k].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[k] = next
		}
		m = next
	}
	m[keys[len(keys)-1]] = value
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case "memory", "sqlite", "redis":
	default:
		errs = append(errs, fmt.Errorf("store.backend %q: want memory, sqlite or redis", c.Store.Backend))
	}
	switch c.Model.Provider {
	case "echo":
	case "gemini":
		if c.Model.APIKey == "" {
			errs = append(errs, errors.New("model.api_key is required for the gemini provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("model.provider %q: want gemini or echo", c.Model.Provider))
	}
	if c.Store.EncryptionKey != "" && len(c.Store.EncryptionKey) != 32 {
		errs = append(errs, errors.New("store.encryption_key must be 32 bytes"))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.max_retries must not be negative"))
	}
	if c.Retry.Base <= 0 {
		errs = append(errs, errors.New("retry.base must be positive"))
	}
	if c.History.MaxEntries <= 0 || c.History.MaxChars <= 0 {
		errs = append(errs, errors.New("history limits must be positive"))
	}
	if c.Firewall.Interval <= 0 || c.Firewall.Timeout <= 0 {
		errs = append(errs, errors.New("firewall.interval and firewall.timeout must be positive"))
	}
	for i, r := range c.Routes {
		if r.Target == "" {
			errs = append(errs, fmt.Errorf("routes[%d]: target is required", i))
		}
		if len(r.Keywords) == 0 && r.MimePrefix == "" {
			errs = append(errs, fmt.Errorf("routes[%d]: needs keywords or mime_prefix", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
