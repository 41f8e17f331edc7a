// Package config loads kvbeat settings from a TOML file with KVBEAT_*
// environment overrides.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"

	"github.com/vinayprograms/kvbeat/errors"
	"github.com/vinayprograms/kvbeat/heartbeat"
	"github.com/vinayprograms/kvbeat/logging"
	"github.com/vinayprograms/kvbeat/natsbeat"
	"github.com/vinayprograms/kvbeat/telemetry"
)

// Targets the daemon can watch.
const (
	TargetRedis = "redis"
	TargetNATS  = "nats"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "KVBEAT_"

// Config is the full daemon configuration.
type Config struct {
	// Heartbeat comes from the [heartbeat] section, validated with
	// heartbeat.ParseOptions. Zero fields mean defaults.
	Heartbeat heartbeat.Options `toml:"-"`

	Target    string          `toml:"target"`
	Redis     RedisConfig     `toml:"redis"`
	NATS      NATSConfig      `toml:"nats"`
	Events    EventsConfig    `toml:"events"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Log       LogConfig       `toml:"log"`
}

// RedisConfig is the [redis] section.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// NATSConfig is the [nats] section.
type NATSConfig struct {
	URL            string        `toml:"url"`
	Name           string        `toml:"name"`
	Token          string        `toml:"token"`
	User           string        `toml:"user"`
	Password       string        `toml:"password"`
	ReconnectWait  time.Duration `toml:"reconnect_wait"`
	MaxReconnects  int           `toml:"max_reconnects"`
	ConnectTimeout time.Duration `toml:"connect_timeout"`
}

// EventsConfig is the [events] section.
type EventsConfig struct {
	// NATS publishes events on the watched NATS connection, or on a
	// separate one to NATSURL when watching redis.
	NATS    bool   `toml:"nats"`
	NATSURL string `toml:"nats_url"`

	KafkaBrokers []string `toml:"kafka_brokers"`
	KafkaTopic   string   `toml:"kafka_topic"`

	PublishTimeout time.Duration `toml:"publish_timeout"`
}

// MetricsConfig is the [metrics] section.
type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables it.
	Addr      string `toml:"addr"`
	Namespace string `toml:"namespace"`
}

// TelemetryConfig is the [telemetry] section. Round spans are exported only
// when Enabled is set.
type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled"`
	Endpoint    string `toml:"endpoint"`
	Protocol    string `toml:"protocol"`
	Insecure    bool   `toml:"insecure"`
	ServiceName string `toml:"service_name"`
}

// LogConfig is the [log] section.
type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	nc := natsbeat.DefaultConfig()
	return Config{
		Target: TargetRedis,
		Redis:  RedisConfig{Addr: "localhost:6379"},
		NATS: NATSConfig{
			URL:            nc.URL,
			ReconnectWait:  nc.ReconnectWait,
			MaxReconnects:  nc.MaxReconnects,
			ConnectTimeout: nc.ConnectTimeout,
		},
		Events: EventsConfig{
			KafkaTopic:     "kvbeat.events",
			PublishTimeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{Addr: ":9464", Namespace: "kvbeat"},
		Log:     LogConfig{Level: "info"},
	}
}

// StandardPaths returns the config file locations in order of priority.
func StandardPaths() []string {
	paths := []string{"kvbeat.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "kvbeat", "kvbeat.toml"))
	}
	return paths
}

// Load reads path, or the first standard path that exists when path is
// empty, then applies environment overrides and validates the result.
// It returns the file actually read, "" if none.
func Load(path string) (Config, string, error) {
	cfg := Default()

	if path == "" {
		for _, p := range StandardPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, path, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, path, err
	}
	cfg.Target = strings.ToLower(cfg.Target)
	if err := cfg.Validate(); err != nil {
		return Config{}, path, err
	}
	return cfg, path, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config", errors.WithMetadata("path", path))
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeInvalidConfig, "parse config",
			errors.WithMetadata("path", path))
	}
	for _, key := range md.Undecoded() {
		if key[0] == "heartbeat" {
			continue
		}
		return errors.InvalidConfig(key.String(), "is not a known setting",
			errors.WithMetadata("path", path))
	}

	// The heartbeat section is decoded loosely so that ParseOptions sees the
	// raw values and can reject fractions and zeros.
	var raw struct {
		Heartbeat map[string]any `toml:"heartbeat"`
	}
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeInvalidConfig, "parse config")
	}
	for key := range raw.Heartbeat {
		if key != heartbeat.KeyTimeout && key != heartbeat.KeyInterval {
			return errors.InvalidConfig("heartbeat."+key, "is not a known setting")
		}
	}
	opts, err := heartbeat.ParseOptions(raw.Heartbeat)
	if err != nil {
		return err
	}
	cfg.Heartbeat = opts
	return nil
}

// overrides mirrors the settings that can come from the environment. Nil
// pointers were not set.
type overrides struct {
	Target            *string  `env:"TARGET"`
	HeartbeatTimeout  *int64   `env:"HEARTBEAT_TIMEOUT"`
	HeartbeatInterval *int64   `env:"HEARTBEAT_INTERVAL"`
	RedisAddr         *string  `env:"REDIS_ADDR"`
	RedisPassword     *string  `env:"REDIS_PASSWORD"`
	RedisDB           *int     `env:"REDIS_DB"`
	NATSURL           *string  `env:"NATS_URL"`
	NATSToken         *string  `env:"NATS_TOKEN"`
	EventsNATS        *bool    `env:"EVENTS_NATS"`
	KafkaBrokers      []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic        *string  `env:"KAFKA_TOPIC"`
	MetricsAddr       *string  `env:"METRICS_ADDR"`
	TracingEnabled    *bool    `env:"TRACING_ENABLED"`
	LogLevel          *string  `env:"LOG_LEVEL"`
}

func applyEnv(cfg *Config) error {
	o, err := env.ParseAsWithOptions[overrides](env.Options{Prefix: EnvPrefix})
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeInvalidConfig, "environment")
	}

	raw := map[string]any{}
	if o.HeartbeatTimeout != nil {
		raw[heartbeat.KeyTimeout] = *o.HeartbeatTimeout
	}
	if o.HeartbeatInterval != nil {
		raw[heartbeat.KeyInterval] = *o.HeartbeatInterval
	}
	hb, err := heartbeat.ParseOptions(raw)
	if err != nil {
		return err
	}
	if hb.Timeout != 0 {
		cfg.Heartbeat.Timeout = hb.Timeout
	}
	if hb.Interval != 0 {
		cfg.Heartbeat.Interval = hb.Interval
	}

	set(&cfg.Target, o.Target)
	set(&cfg.Redis.Addr, o.RedisAddr)
	set(&cfg.Redis.Password, o.RedisPassword)
	set(&cfg.Redis.DB, o.RedisDB)
	set(&cfg.NATS.URL, o.NATSURL)
	set(&cfg.NATS.Token, o.NATSToken)
	set(&cfg.Events.NATS, o.EventsNATS)
	set(&cfg.Events.KafkaTopic, o.KafkaTopic)
	set(&cfg.Metrics.Addr, o.MetricsAddr)
	set(&cfg.Telemetry.Enabled, o.TracingEnabled)
	set(&cfg.Log.Level, o.LogLevel)
	if len(o.KafkaBrokers) > 0 {
		cfg.Events.KafkaBrokers = o.KafkaBrokers
	}
	return nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if _, err := heartbeat.NewConfig(c.Heartbeat); err != nil {
		return err
	}
	switch c.Target {
	case TargetRedis, TargetNATS:
	default:
		return errors.InvalidConfig("target", `must be "redis" or "nats"`)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return errors.InvalidConfig("log.level", err.Error())
	}
	if c.Events.PublishTimeout <= 0 {
		return errors.InvalidConfig("events.publish_timeout", "must be positive")
	}
	if len(c.Events.KafkaBrokers) > 0 && c.Events.KafkaTopic == "" {
		return errors.InvalidConfig("events.kafka_topic", "must be set when kafka_brokers is")
	}
	return nil
}

// RedisOptions converts the [redis] section for go-redis.
func (c Config) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:     c.Redis.Addr,
		Username: c.Redis.Username,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	}
}

// TelemetryConfig converts the [telemetry] section for the OTLP provider.
func (c Config) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		ServiceName: c.Telemetry.ServiceName,
		Endpoint:    c.Telemetry.Endpoint,
		Protocol:    c.Telemetry.Protocol,
		Insecure:    c.Telemetry.Insecure,
	}
}

// NATSConfig converts the [nats] section for natsbeat.
func (c Config) NATSConfig() natsbeat.Config {
	return natsbeat.Config{
		URL:            c.NATS.URL,
		Name:           c.NATS.Name,
		Token:          c.NATS.Token,
		User:           c.NATS.User,
		Password:       c.NATS.Password,
		ReconnectWait:  c.NATS.ReconnectWait,
		MaxReconnects:  c.NATS.MaxReconnects,
		ConnectTimeout: c.NATS.ConnectTimeout,
	}
}
