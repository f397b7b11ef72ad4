package config

import (
	"bytes"
	_ "embed"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log        LogConfig       `mapstructure:"log"`
	HTTP       HTTPConfig      `mapstructure:"http"`
	Kit        KitConfig       `mapstructure:"kit"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
	Redis      RedisConfig     `mapstructure:"redis"`
	MySQL      DatabaseConfig  `mapstructure:"mysql"`
	ClickHouse DatabaseConfig  `mapstructure:"clickhouse"`
	Kafka      KafkaConfig     `mapstructure:"kafka"`
	Recorder   RecorderConfig  `mapstructure:"recorder"`
	Reports    ReportsConfig   `mapstructure:"reports"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	TrustProxy      bool          `mapstructure:"trust_proxy"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	BodyLimit       string        `mapstructure:"body_limit"`
}

// KitConfig holds the upstream newsletter provider settings.
// APIKey and FormID normally come from KIT_API_KEY / KIT_FORM_ID.
type KitConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	FormID  string        `mapstructure:"form_id"`
	Tag     string        `mapstructure:"tag"`
	Source  string        `mapstructure:"source"`
	Timeout time.Duration `mapstructure:"timeout"`
	RPS     float64       `mapstructure:"rps"`
	Burst   int           `mapstructure:"burst"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	FailThreshold int           `mapstructure:"fail_threshold"`
	OpenFor       time.Duration `mapstructure:"open_for"`
}

// RateLimitConfig keeps the two policies apart: Endpoint is enforced by the
// server, Form is only advertised to the signup form.
type RateLimitConfig struct {
	Backend    string        `mapstructure:"backend"` // memory | redis
	KeyPrefix  string        `mapstructure:"key_prefix"`
	SweepEvery time.Duration `mapstructure:"sweep_every"`
	MaxEntries int           `mapstructure:"max_entries"`
	Endpoint   PolicyConfig  `mapstructure:"endpoint"`
	Form       PolicyConfig  `mapstructure:"form"`
}

type PolicyConfig struct {
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type KafkaConfig struct {
	Brokers  []string      `mapstructure:"brokers"`
	Topic    string        `mapstructure:"topic"`
	GroupID  string        `mapstructure:"group_id"`
	MinBytes int           `mapstructure:"min_bytes"`
	MaxBytes int           `mapstructure:"max_bytes"`
	MaxWait  time.Duration `mapstructure:"max_wait"`
}

// RecorderConfig covers both sides of the event trail. HashKey keys the
// HMAC of stored addresses and is required once recording is enabled.
type RecorderConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	HashKey   string        `mapstructure:"hash_key"`
	BatchSize int           `mapstructure:"batch_size"`
	BatchWait time.Duration `mapstructure:"batch_wait"`
}

type ReportsConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env
// overrides (NEWSLETTER_*, plus the provider's KIT_API_KEY and KIT_FORM_ID).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (NEWSLETTER_KIT_TIMEOUT, NEWSLETTER_MYSQL_DSN, ...)
	v.SetEnvPrefix("NEWSLETTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("kit.api_key", "KIT_API_KEY", "NEWSLETTER_KIT_API_KEY")
	_ = v.BindEnv("kit.form_id", "KIT_FORM_ID", "NEWSLETTER_KIT_FORM_ID")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RecordingEnabled reports whether the MySQL event trail is configured.
func (c Config) RecordingEnabled() bool { return strings.TrimSpace(c.MySQL.DSN) != "" }

// ReportsEnabled reports whether the ClickHouse report endpoint can be served.
func (c Config) ReportsEnabled() bool {
	return strings.TrimSpace(c.ClickHouse.DSN) != "" && strings.TrimSpace(c.Reports.APIKey) != ""
}
