package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	App       AppSettings       `mapstructure:"app"`
	Postgres  PostgresSettings  `mapstructure:"postgres"`
	Redis     RedisSettings     `mapstructure:"redis"`
	Kafka     KafkaSettings     `mapstructure:"kafka"`
	JWT       JWTSettings       `mapstructure:"jwt"`
	Sessions  SessionSettings   `mapstructure:"sessions"`
	RateLimit RateLimitSettings `mapstructure:"rate_limit"`
	Presence  PresenceSettings  `mapstructure:"presence"`
	Typing    TypingSettings    `mapstructure:"typing"`
	Voice     VoiceSettings     `mapstructure:"voice"`
	Gateway   GatewaySettings   `mapstructure:"gateway"`
	Telemetry TelemetrySettings `mapstructure:"telemetry"`
}

type AppSettings struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type PostgresSettings struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	Database          string        `mapstructure:"database"`
	SSLMode           string        `mapstructure:"ssl_mode"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
}

// RedisSettings configures Redis connection, TLS, and key prefixes
type RedisSettings struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	DB              int    `mapstructure:"db"`
	Password        string `mapstructure:"password"`
	TLSEnabled      bool   `mapstructure:"tls_enabled"`
	SessionPrefix   string `mapstructure:"session_prefix"`
	PresencePrefix  string `mapstructure:"presence_prefix"`
	RateLimitPrefix string `mapstructure:"rate_limit_prefix"`
	OfflinePrefix   string `mapstructure:"offline_prefix"`
	EventChannel    string `mapstructure:"event_channel"`
}

// KafkaSettings configures Kafka producer
type KafkaSettings struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
	Async       bool     `mapstructure:"async"`
}

type JWTSettings struct {
	KeyDirectory    string        `mapstructure:"key_directory"`
	Issuer          string        `mapstructure:"issuer"`
	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`
}

// SessionSettings bounds concurrent sessions per user
type SessionSettings struct {
	MaxPerUser int `mapstructure:"max_per_user"`
}

// RateLimitSettings configures the sliding window and max events per class.
// Each event class is limited independently.
type RateLimitSettings struct {
	ConnectionMax    int           `mapstructure:"connection_max"`
	ConnectionWindow time.Duration `mapstructure:"connection_window"`
	MessageMax       int           `mapstructure:"message_max"`
	MessageWindow    time.Duration `mapstructure:"message_window"`
	TypingMax        int           `mapstructure:"typing_max"`
	TypingWindow     time.Duration `mapstructure:"typing_window"`
	JoinMax          int           `mapstructure:"join_max"`
	JoinWindow       time.Duration `mapstructure:"join_window"`
}

// PresenceSettings governs the presence record TTL and heartbeat cadence
type PresenceSettings struct {
	TTL               time.Duration `mapstructure:"ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	AwayTimeout       time.Duration `mapstructure:"away_timeout"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
}

// TypingSettings governs typing indicator expiry
type TypingSettings struct {
	StopDelay     time.Duration `mapstructure:"stop_delay"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// VoiceSettings governs voice room reaping
type VoiceSettings struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// GatewaySettings bounds message payloads and per-client buffering
type GatewaySettings struct {
	MaxMessageLength int `mapstructure:"max_message_length"`
	RecentMessages   int `mapstructure:"recent_messages"`
	OfflineQueueMax  int `mapstructure:"offline_queue_max"`
	SendBuffer       int `mapstructure:"send_buffer"`
}

type TelemetrySettings struct {
	MetricsNamespace string `mapstructure:"metrics_namespace"`
}

func Load() (*AppConfig, error) {
	v := viper.New()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("RTC")

	setDefaults(v)

	if err := bindEnvs(v, []string{
		"app.name",
		"app.env",
		"app.host",
		"app.port",
		"postgres.host",
		"postgres.port",
		"postgres.user",
		"postgres.password",
		"postgres.database",
		"postgres.ssl_mode",
		"postgres.max_conns",
		"postgres.min_conns",
		"postgres.max_conn_lifetime",
		"postgres.max_conn_idle_time",
		"postgres.health_check_period",
		"redis.host",
		"redis.port",
		"redis.db",
		"redis.password",
		"redis.tls_enabled",
		"redis.session_prefix",
		"redis.presence_prefix",
		"redis.rate_limit_prefix",
		"redis.offline_prefix",
		"redis.event_channel",
		"kafka.brokers",
		"kafka.topic_prefix",
		"kafka.async",
		"jwt.key_directory",
		"jwt.issuer",
		"jwt.access_token_ttl",
		"jwt.refresh_token_ttl",
		"sessions.max_per_user",
		"rate_limit.connection_max",
		"rate_limit.connection_window",
		"rate_limit.message_max",
		"rate_limit.message_window",
		"rate_limit.typing_max",
		"rate_limit.typing_window",
		"rate_limit.join_max",
		"rate_limit.join_window",
		"presence.ttl",
		"presence.heartbeat_interval",
		"presence.away_timeout",
		"presence.sweep_interval",
		"typing.stop_delay",
		"typing.sweep_interval",
		"voice.idle_timeout",
		"voice.sweep_interval",
		"gateway.max_message_length",
		"gateway.recent_messages",
		"gateway.offline_queue_max",
		"gateway.send_buffer",
		"telemetry.metrics_namespace",
	}); err != nil {
		return nil, err
	}

	v.AutomaticEnv()

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "rtc-gateway")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.host", "0.0.0.0")
	v.SetDefault("app.port", 8090)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "chat")
	v.SetDefault("postgres.password", "chat_password")
	v.SetDefault("postgres.database", "chat")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.max_conn_lifetime", "60m")
	v.SetDefault("postgres.max_conn_idle_time", "15m")
	v.SetDefault("postgres.health_check_period", "30s")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.tls_enabled", false)
	v.SetDefault("redis.session_prefix", "rtc:session")
	v.SetDefault("redis.presence_prefix", "rtc:presence")
	v.SetDefault("redis.rate_limit_prefix", "rtc:rate-limit")
	v.SetDefault("redis.offline_prefix", "rtc:offline")
	v.SetDefault("redis.event_channel", "rtc:gateway:events")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic_prefix", "rtc")
	v.SetDefault("kafka.async", true)

	v.SetDefault("jwt.key_directory", "./secrets")
	v.SetDefault("jwt.issuer", "social-platform-rtc")
	v.SetDefault("jwt.access_token_ttl", "15m")
	v.SetDefault("jwt.refresh_token_ttl", "168h")

	v.SetDefault("sessions.max_per_user", 5)

	v.SetDefault("rate_limit.connection_max", 10)
	v.SetDefault("rate_limit.connection_window", "1m")
	v.SetDefault("rate_limit.message_max", 30)
	v.SetDefault("rate_limit.message_window", "1m")
	v.SetDefault("rate_limit.typing_max", 60)
	v.SetDefault("rate_limit.typing_window", "1m")
	v.SetDefault("rate_limit.join_max", 20)
	v.SetDefault("rate_limit.join_window", "1m")

	// TTL must comfortably exceed the heartbeat interval so one missed
	// tick does not expire a live user.
	v.SetDefault("presence.ttl", "90s")
	v.SetDefault("presence.heartbeat_interval", "30s")
	v.SetDefault("presence.away_timeout", "5m")
	v.SetDefault("presence.sweep_interval", "30s")

	v.SetDefault("typing.stop_delay", "5s")
	v.SetDefault("typing.sweep_interval", "1s")

	v.SetDefault("voice.idle_timeout", "2m")
	v.SetDefault("voice.sweep_interval", "30s")

	v.SetDefault("gateway.max_message_length", 4000)
	v.SetDefault("gateway.recent_messages", 50)
	v.SetDefault("gateway.offline_queue_max", 100)
	v.SetDefault("gateway.send_buffer", 256)

	v.SetDefault("telemetry.metrics_namespace", "rtc")
}

func bindEnvs(v *viper.Viper, keys []string) error {
	for _, key := range keys {
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, "RTC_"+envKey, envKey); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}
