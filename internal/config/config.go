package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type DB struct {
	User     string `mapstructure:"user"`
	Pass     string `mapstructure:"pass"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"` // empty disables redis-backed limiter and outcome cache
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type NSQ struct {
	Enabled        bool   `mapstructure:"enabled"`
	NsqdTCPAddr    string `mapstructure:"nsqd_tcp_addr"`    // e.g. nsqd:4150
	LookupHTTPAddr string `mapstructure:"lookup_http_addr"` // e.g. http://nsqlookupd:4161
	EventsTopic    string `mapstructure:"events_topic"`     // domain events from business modules
	EventsChannel  string `mapstructure:"events_channel"`
	DLQTopic       string `mapstructure:"dlq_topic"` // abandoned delivery chains
	MaxInFlight    int    `mapstructure:"max_in_flight"`
}

type Worker struct {
	Workers             int           `mapstructure:"workers"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	BaseDelay           time.Duration `mapstructure:"base_delay"`
	MaxDelay            time.Duration `mapstructure:"max_delay"`
	JitterPercent       float64       `mapstructure:"jitter_pct"` // 0.0-1.0
	MaxRetryAfter       time.Duration `mapstructure:"max_retry_after"`
	MaxCircuitDeferrals int           `mapstructure:"max_circuit_deferrals"`
	IntakeBuffer        int           `mapstructure:"intake_buffer"`
	AllowInsecureURLs   bool          `mapstructure:"allow_insecure_urls"` // local development only
}

type Circuit struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	MaxCooldown      time.Duration `mapstructure:"max_cooldown"`
}

type RateLimit struct {
	PerInstall       int           `mapstructure:"per_install"`
	PerInstallWindow time.Duration `mapstructure:"per_install_window"`
	PerCommand       int           `mapstructure:"per_command"` // 0 disables the per-command cap
	PerCommandWindow time.Duration `mapstructure:"per_command_window"`
}

type Signing struct {
	MasterKey string        `mapstructure:"master_key"` // hex, 32 bytes
	Tolerance time.Duration `mapstructure:"tolerance"`
}

type Alert struct {
	Interval          time.Duration `mapstructure:"interval"` // 0 leaves ticking to an external scheduler
	TenantThreshold   int           `mapstructure:"tenant_threshold"`
	EndpointThreshold int           `mapstructure:"endpoint_threshold"`
	Window            time.Duration `mapstructure:"window"`
	AutoMitigate      bool          `mapstructure:"auto_mitigate"`
	Suppress          time.Duration `mapstructure:"suppress"`
}

type Retention struct {
	Window time.Duration `mapstructure:"window"`
}

type Auth struct {
	PublicKeyPEM string `mapstructure:"public_key_pem"` // empty disables admin auth
	Issuer       string `mapstructure:"issuer"`
	Audience     string `mapstructure:"audience"`
}

type Tracing struct {
	Endpoint    string  `mapstructure:"endpoint"` // empty falls back to OTEL_EXPORTER_OTLP_ENDPOINT
	SampleRatio float64 `mapstructure:"sample_ratio"`
	Disabled    bool    `mapstructure:"disabled"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type FakeReceiver struct {
	FailFirstN           int           `mapstructure:"fail_first_n"`           // Number of requests to fail initially
	FailStatus           int           `mapstructure:"fail_status"`            // Status code returned while failing
	EndpointSecret       string        `mapstructure:"endpoint_secret"`        // Secret for webhook signature verification
	SigningLeewaySeconds int           `mapstructure:"signing_leeway_seconds"` // Allowed timestamp skew in seconds
	ResponseDelayMS      int           `mapstructure:"response_delay_ms"`      // Simulated response delay in milliseconds
	Port                 string        `mapstructure:"port"`
	ReadTimeout          time.Duration `mapstructure:"read_timeout"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout"`
	IdleTimeout          time.Duration `mapstructure:"idle_timeout"`
}

type Config struct {
	AppName      string       `mapstructure:"app_name"`
	HTTPPort     string       `mapstructure:"http_port"` // :8080
	Store        string       `mapstructure:"store"`     // postgres | memory
	DB           DB           `mapstructure:"db"`
	Redis        Redis        `mapstructure:"redis"`
	NSQ          NSQ          `mapstructure:"nsq"`
	Worker       Worker       `mapstructure:"worker"`
	Circuit      Circuit      `mapstructure:"circuit"`
	RateLimit    RateLimit    `mapstructure:"ratelimit"`
	Signing      Signing      `mapstructure:"signing"`
	Alert        Alert        `mapstructure:"alert"`
	Retention    Retention    `mapstructure:"retention"`
	Auth         Auth         `mapstructure:"auth"`
	Tracing      Tracing      `mapstructure:"tracing"`
	Log          Log          `mapstructure:"log"`
	FakeReceiver FakeReceiver `mapstructure:"fake_receiver"`
}

// EnvPrefix namespaces every environment override, e.g. HARBOR_RELAY_WORKER_MAX_ATTEMPTS.
const EnvPrefix = "HARBOR_RELAY"

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "harborrelay")
	v.SetDefault("http_port", ":8080")
	v.SetDefault("store", "postgres")

	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.pass", "postgres")
	v.SetDefault("db.host", "postgres")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.name", "harborrelay")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_conns", 10)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "harborrelay:")

	v.SetDefault("nsq.enabled", false)
	v.SetDefault("nsq.nsqd_tcp_addr", "nsqd:4150")
	v.SetDefault("nsq.lookup_http_addr", "http://nsqlookupd:4161")
	v.SetDefault("nsq.events_topic", "events")
	v.SetDefault("nsq.events_channel", "relay")
	v.SetDefault("nsq.dlq_topic", "deliveries_dlq")
	v.SetDefault("nsq.max_in_flight", 200)

	v.SetDefault("worker.workers", 16)
	v.SetDefault("worker.request_timeout", "10s")
	v.SetDefault("worker.max_attempts", 5)
	v.SetDefault("worker.base_delay", "10s")
	v.SetDefault("worker.max_delay", "1h")
	v.SetDefault("worker.jitter_pct", 0.1)
	v.SetDefault("worker.max_retry_after", "1h")
	v.SetDefault("worker.max_circuit_deferrals", 20)
	v.SetDefault("worker.intake_buffer", 4096)
	v.SetDefault("worker.allow_insecure_urls", false)

	v.SetDefault("circuit.failure_threshold", 10)
	v.SetDefault("circuit.window", "10m")
	v.SetDefault("circuit.cooldown", "30s")
	v.SetDefault("circuit.max_cooldown", "10m")

	v.SetDefault("ratelimit.per_install", 1000)
	v.SetDefault("ratelimit.per_install_window", "1h")
	v.SetDefault("ratelimit.per_command", 0)
	v.SetDefault("ratelimit.per_command_window", "1m")

	v.SetDefault("signing.master_key", "")
	v.SetDefault("signing.tolerance", "5m")

	v.SetDefault("alert.interval", "1m")
	v.SetDefault("alert.tenant_threshold", 100)
	v.SetDefault("alert.endpoint_threshold", 25)
	v.SetDefault("alert.window", "15m")
	v.SetDefault("alert.auto_mitigate", true)
	v.SetDefault("alert.suppress", "15m")

	v.SetDefault("retention.window", "720h")

	v.SetDefault("auth.public_key_pem", "")
	v.SetDefault("auth.issuer", "harborrelay")
	v.SetDefault("auth.audience", "harborrelay-admin")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.disabled", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("fake_receiver.fail_first_n", 0)
	v.SetDefault("fake_receiver.fail_status", 500)
	v.SetDefault("fake_receiver.endpoint_secret", "")
	v.SetDefault("fake_receiver.signing_leeway_seconds", 300)
	v.SetDefault("fake_receiver.response_delay_ms", 0)
	v.SetDefault("fake_receiver.port", ":8081")
	v.SetDefault("fake_receiver.read_timeout", "10s")
	v.SetDefault("fake_receiver.write_timeout", "10s")
	v.SetDefault("fake_receiver.idle_timeout", "60s")
}

// Load reads defaults, then the optional YAML file at path, then HARBOR_RELAY_* env overrides.
// Nested keys use underscores: HARBOR_RELAY_CIRCUIT_COOLDOWN -> circuit.cooldown.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv loads configuration from defaults and HARBOR_RELAY_* environment variables only.
func FromEnv() (Config, error) {
	return Load("")
}

// Validate rejects settings the delivery path cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Worker.Workers <= 0 {
		errs = append(errs, errors.New("worker.workers must be positive"))
	}
	if c.Worker.MaxAttempts <= 0 {
		errs = append(errs, errors.New("worker.max_attempts must be positive"))
	}
	if c.Worker.BaseDelay <= 0 || c.Worker.MaxDelay < c.Worker.BaseDelay {
		errs = append(errs, errors.New("worker.base_delay must be positive and <= worker.max_delay"))
	}
	if c.Worker.JitterPercent < 0 || c.Worker.JitterPercent > 1 {
		errs = append(errs, errors.New("worker.jitter_pct must be within 0.0-1.0"))
	}
	if c.Circuit.FailureThreshold <= 0 {
		errs = append(errs, errors.New("circuit.failure_threshold must be positive"))
	}
	if c.Circuit.Cooldown <= 0 || c.Circuit.MaxCooldown < c.Circuit.Cooldown {
		errs = append(errs, errors.New("circuit.cooldown must be positive and <= circuit.max_cooldown"))
	}
	if c.Store != "postgres" && c.Store != "memory" {
		errs = append(errs, fmt.Errorf("store must be postgres or memory, got %q", c.Store))
	}
	return errors.Join(errs...)
}

// DSN builds the postgres connection string for pgx.
func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name, c.DB.SSLMode)
}
