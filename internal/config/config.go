// Package config loads the bridgeui configuration from a YAML file and
// BRIDGEUI_* environment variables, validates it, and reports which changes
// can be applied without a restart.
package config

import (
	"time"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	BridgeLocal  = "local"
	BridgeRemote = "remote"

	EnvPrefix = "BRIDGEUI_"
)

// Config is the user-authored configuration. Fields carry mapstructure tags
// for the YAML file and env tags for the environment overlay.
type Config struct {
	Listen string `mapstructure:"listen" env:"LISTEN"`
	Prefix string `mapstructure:"prefix" env:"PREFIX"`

	Store    StoreConfig    `mapstructure:"store" envPrefix:"STORE_"`
	Paging   PagingConfig   `mapstructure:"paging" envPrefix:"PAGING_"`
	Poll     PollConfig     `mapstructure:"poll" envPrefix:"POLL_"`
	Sessions SessionsConfig `mapstructure:"sessions" envPrefix:"SESSIONS_"`
	Auth     AuthConfig     `mapstructure:"auth" envPrefix:"AUTH_"`
	About    AboutConfig    `mapstructure:"about" envPrefix:"ABOUT_"`

	Bridges []BridgeConfig `mapstructure:"bridges"`

	Observability ObservabilityConfig `mapstructure:"observability" envPrefix:"OBS_"`
	Health        HealthConfig        `mapstructure:"health" envPrefix:"HEALTH_"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver" env:"DRIVER"`
	// Path is the SQLite database file.
	Path string `mapstructure:"path" env:"PATH"`
	// DSN is the Postgres connection string.
	DSN               string `mapstructure:"dsn" env:"DSN"`
	ActivityRetention int    `mapstructure:"activity_retention" env:"ACTIVITY_RETENTION"`
}

type PagingConfig struct {
	DefaultSize int `mapstructure:"default_size" env:"DEFAULT_SIZE"`
	MaxSize     int `mapstructure:"max_size" env:"MAX_SIZE"`
	Window      int `mapstructure:"window" env:"WINDOW"`
}

type PollConfig struct {
	// Timeout bounds one bridge poll.
	Timeout time.Duration `mapstructure:"timeout" env:"TIMEOUT"`
	// PushInterval is the tick of the server-sent events poller. Zero
	// disables the push channel.
	PushInterval time.Duration `mapstructure:"push_interval" env:"PUSH_INTERVAL"`
}

type SessionsConfig struct {
	TTL          time.Duration `mapstructure:"ttl" env:"TTL"`
	Max          int           `mapstructure:"max" env:"MAX"`
	CookieSecure bool          `mapstructure:"cookie_secure" env:"COOKIE_SECURE"`
}

type AuthConfig struct {
	// Tokens guard every route when set. Each entry is a literal or an
	// env:, file: or raw: reference.
	Tokens []string `mapstructure:"tokens" env:"TOKENS" envSeparator:","`
	// TaskTokens guard /task/{op} when set.
	TaskTokens []string `mapstructure:"task_tokens" env:"TASK_TOKENS" envSeparator:","`
}

type AboutConfig struct {
	Title   string `mapstructure:"title" env:"TITLE"`
	Version string `mapstructure:"version" env:"VERSION"`
	Author  string `mapstructure:"author" env:"AUTHOR"`
	License string `mapstructure:"license" env:"LICENSE"`
}

type BridgeConfig struct {
	Name string `mapstructure:"name"`
	// Kind is local or remote.
	Kind  string `mapstructure:"kind"`
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

type ObservabilityConfig struct {
	Log       LogConfig       `mapstructure:"log" envPrefix:"LOG_"`
	AccessLog AccessLogConfig `mapstructure:"access_log" envPrefix:"ACCESS_LOG_"`
	Metrics   MetricsConfig   `mapstructure:"metrics" envPrefix:"METRICS_"`
	Tracing   TracingConfig   `mapstructure:"tracing" envPrefix:"TRACING_"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" env:"LEVEL"`
	Output string `mapstructure:"output" env:"OUTPUT"`
	Path   string `mapstructure:"path" env:"PATH"`
}

type AccessLogConfig struct {
	Enabled bool   `mapstructure:"enabled" env:"ENABLED"`
	Output  string `mapstructure:"output" env:"OUTPUT"`
	Path    string `mapstructure:"path" env:"PATH"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" env:"ENABLED"`
}

type TracingConfig struct {
	Enabled     bool              `mapstructure:"enabled" env:"ENABLED"`
	Collector   string            `mapstructure:"collector" env:"COLLECTOR"`
	URLPath     string            `mapstructure:"url_path" env:"URL_PATH"`
	Compression string            `mapstructure:"compression" env:"COMPRESSION"`
	Insecure    bool              `mapstructure:"insecure" env:"INSECURE"`
	Timeout     time.Duration     `mapstructure:"timeout" env:"TIMEOUT"`
	Headers     map[string]string `mapstructure:"headers" env:"HEADERS"`
}

type HealthConfig struct {
	// GRPCListen serves grpc.health.v1 when set.
	GRPCListen   string        `mapstructure:"grpc_listen" env:"GRPC_LISTEN"`
	PingInterval time.Duration `mapstructure:"ping_interval" env:"PING_INTERVAL"`
}

func Default() Config {
	return Config{
		Listen: "127.0.0.1:8080",
		Store: StoreConfig{
			Driver:            DriverMemory,
			ActivityRetention: 10000,
		},
		Paging: PagingConfig{DefaultSize: 25, MaxSize: 500, Window: 5},
		Poll: PollConfig{
			Timeout:      2 * time.Second,
			PushInterval: time.Second,
		},
		Sessions: SessionsConfig{TTL: 30 * time.Minute, Max: 10000},
		About:    AboutConfig{Title: "Bridge UI"},
		Observability: ObservabilityConfig{
			Log:       LogConfig{Level: "info", Output: "stderr"},
			AccessLog: AccessLogConfig{Enabled: false, Output: "stderr"},
			Metrics:   MetricsConfig{Enabled: true},
			Tracing:   TracingConfig{Compression: "gzip"},
		},
		Health: HealthConfig{PingInterval: 10 * time.Second},
	}
}
