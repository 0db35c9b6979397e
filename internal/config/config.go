package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse.
type Duration time.Duration

// UnmarshalYAML accepts either a duration string or plain nanoseconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}

	switch value := v.(type) {
	case int:
		*d = Duration(time.Duration(value))
	case float64:
		*d = Duration(time.Duration(value))
	case string:
		tmp, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(tmp)
	default:
		return fmt.Errorf("config: invalid duration %v", v)
	}
	return nil
}

// MarshalYAML renders the duration in string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all application configuration.
type Config struct {
	Nest    NestConfig    `yaml:"nest"`
	Stream  StreamConfig  `yaml:"stream"`
	HTTP    HTTPConfig    `yaml:"http"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Session SessionConfig `yaml:"session"`
	Log     LogConfig     `yaml:"log"`
}

// NestConfig holds Google Nest cloud API configuration.
type NestConfig struct {
	// Host is the Nest service host, e.g. https://home.nest.com.
	Host string `yaml:"host"`
	// ClientID is the OAuth client id used for the refresh-token grant.
	ClientID string `yaml:"client_id"`
	// RefreshToken is the long-lived Google account refresh token.
	RefreshToken string `yaml:"refresh_token"`
	// IssueToken and Cookies are the alternative credential shape captured
	// from a browser session. Used only when RefreshToken is empty.
	IssueToken string `yaml:"issue_token"`
	Cookies    string `yaml:"cookies"`
	// RequestTimeout bounds every foreground API call.
	RequestTimeout Duration `yaml:"request_timeout"`
}

// StreamConfig holds delta-subscription tuning.
type StreamConfig struct {
	// BackoffInitial is the first reconnect delay after a transient error.
	BackoffInitial Duration `yaml:"backoff_initial"`
	// BackoffMax caps the reconnect delay.
	BackoffMax Duration `yaml:"backoff_max"`
	// BackoffJitter is the +/- fraction applied to each delay (0..1).
	BackoffJitter float64 `yaml:"backoff_jitter"`
	// IdleTimeout forces a reconnect when a subscribe poll returns no data
	// within this window.
	IdleTimeout Duration `yaml:"idle_timeout"`
}

// MQTTConfig holds MQTT broker configuration for Home Assistant.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// HTTPConfig holds local HTTP API configuration.
type HTTPConfig struct {
	Addr    string `yaml:"addr"`
	CORSAll bool   `yaml:"cors_allow_all"`
}

// SessionConfig holds the path for persisted session state
// (tokens and the last-applied stream cursors).
type SessionConfig struct {
	Path string `yaml:"path"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		Nest: NestConfig{
			Host:           "https://home.nest.com",
			ClientID:       "733249279899-1gpkq9duqmdp55a7e5lft1pr2smumdla.apps.googleusercontent.com",
			RequestTimeout: Duration(30 * time.Second),
		},
		Stream: StreamConfig{
			BackoffInitial: Duration(time.Second),
			BackoffMax:     Duration(60 * time.Second),
			BackoffJitter:  0.2,
			IdleTimeout:    Duration(5 * time.Minute),
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		MQTT: MQTTConfig{
			TopicPrefix: "nestd",
			ClientID:    "nestd",
		},
		Session: SessionConfig{
			Path: "/data/session.json",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file at path, then overlays environment variables.
// If path is empty, only defaults + env vars are used.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
			// file not found is ok, use defaults
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Stream.BackoffInitial <= 0 {
		return fmt.Errorf("config: stream.backoff_initial must be positive")
	}
	if c.Stream.BackoffMax < c.Stream.BackoffInitial {
		return fmt.Errorf("config: stream.backoff_max must be >= stream.backoff_initial")
	}
	if c.Stream.BackoffJitter < 0 || c.Stream.BackoffJitter > 1 {
		return fmt.Errorf("config: stream.backoff_jitter must be within [0,1]")
	}
	return nil
}

// applyEnv overlays environment variables on top of the config.
// Env vars take precedence over YAML values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("NESTD_HOST"); v != "" {
		cfg.Nest.Host = v
	}
	if v := os.Getenv("NESTD_CLIENT_ID"); v != "" {
		cfg.Nest.ClientID = v
	}
	if v := os.Getenv("NESTD_REFRESH_TOKEN"); v != "" {
		cfg.Nest.RefreshToken = v
	}
	if v := os.Getenv("NESTD_ISSUE_TOKEN"); v != "" {
		cfg.Nest.IssueToken = v
	}
	if v := os.Getenv("NESTD_COOKIES"); v != "" {
		cfg.Nest.Cookies = v
	}
	if v := os.Getenv("NESTD_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("NESTD_CORS_ALLOW_ALL"); v != "" {
		cfg.HTTP.CORSAll = parseBool(v)
	}
	if v := os.Getenv("NESTD_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = parseBool(v)
	}
	if v := os.Getenv("NESTD_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("NESTD_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("NESTD_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("NESTD_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTT.TopicPrefix = v
	}
	if v := os.Getenv("NESTD_MQTT_CLIENT_ID"); v != "" {
		cfg.MQTT.ClientID = v
	}
	if v := os.Getenv("NESTD_SESSION_PATH"); v != "" {
		cfg.Session.Path = v
	}
	if v := os.Getenv("NESTD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("NESTD_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("NESTD_STREAM_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Stream.IdleTimeout = Duration(d)
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	b, _ := strconv.ParseBool(s)
	return b
}
