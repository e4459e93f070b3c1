package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type DBConfig struct {
	Driver   string `yaml:"driver" env:"DB_DRIVER"`
	Host     string `yaml:"host" env:"DB_HOST"`
	Port     int    `yaml:"port" env:"DB_PORT"`
	User     string `yaml:"user" env:"DB_USER"`
	Password string `yaml:"password" env:"DB_PASSWORD"`
	Name     string `yaml:"name" env:"DB_NAME"`
	SSLMode  string `yaml:"sslmode" env:"DB_SSLMODE"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"REDIS_ADDR"`
	Password string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"REDIS_DB"`
	LockTTL  time.Duration `yaml:"lock_ttl" env:"REDIS_LOCK_TTL"`
	LockWait time.Duration `yaml:"lock_wait" env:"REDIS_LOCK_WAIT"`
}

type MQConfig struct {
	URL                string `yaml:"url" env:"MQ_URL"`
	Exchange           string `yaml:"exchange" env:"MQ_EXCHANGE"`
	InboundQueuePrefix string `yaml:"inbound_queue_prefix" env:"MQ_INBOUND_QUEUE_PREFIX"`
}

type ServerConfig struct {
	Port string `yaml:"port" env:"SERVER_PORT"`
}

type SchedulerConfig struct {
	Timezone         string        `yaml:"timezone" env:"TIMEZONE"`
	SendInterval     time.Duration `yaml:"send_interval" env:"SEND_CHECK_INTERVAL"`
	ResponseInterval time.Duration `yaml:"response_interval" env:"RESPONSE_CHECK_INTERVAL"`
	SendTimeout      time.Duration `yaml:"send_timeout" env:"SEND_TIMEOUT"`
	PollTimeout      time.Duration `yaml:"poll_timeout" env:"POLL_TIMEOUT"`
	InboundSinceDays int           `yaml:"inbound_since_days" env:"INBOUND_SINCE_DAYS"`
}

// SendingConfig is the global fallback window used by identities without an
// hourly schedule. StartHour is inclusive, EndHour exclusive.
type SendingConfig struct {
	StartHour         int `yaml:"default_start_hour" env:"SENDING_HOURS_START"`
	EndHour           int `yaml:"default_end_hour" env:"SENDING_HOURS_END"`
	DefaultMaxPerHour int `yaml:"default_max_per_hour" env:"MAX_EMAILS_PER_HOUR"`
}

type DeliverabilityConfig struct {
	Window             time.Duration `yaml:"window" env:"SPIKE_WINDOW"`
	BounceRate         float64       `yaml:"bounce_rate" env:"SPIKE_BOUNCE_RATE"`
	FailureRate        float64       `yaml:"failure_rate" env:"SPIKE_FAILURE_RATE"`
	InclusiveThreshold bool          `yaml:"inclusive_threshold" env:"SPIKE_INCLUSIVE_THRESHOLD"`
}

type VerificationConfig struct {
	Enabled  bool          `yaml:"enabled" env:"VERIFICATION_ENABLED"`
	BaseURL  string        `yaml:"base_url" env:"VERIFIER_BASE_URL"`
	Username string        `yaml:"username" env:"VERIFIER_USERNAME"`
	Password string        `yaml:"password" env:"VERIFIER_PASSWORD"`
	DailyCap int           `yaml:"daily_cap" env:"VERIFICATION_DAILY_CAP"`
	Timeout  time.Duration `yaml:"timeout" env:"VERIFIER_TIMEOUT"`
}

type ClassifierConfig struct {
	Kind     string        `yaml:"kind" env:"BOUNCE_CLASSIFIER"`
	Endpoint string        `yaml:"endpoint" env:"BOUNCE_CLASSIFIER_ENDPOINT"`
	Timeout  time.Duration `yaml:"timeout" env:"BOUNCE_CLASSIFIER_TIMEOUT"`
}

type SMTPConfig struct {
	DialTimeout time.Duration `yaml:"dial_timeout" env:"SMTP_DIAL_TIMEOUT"`
}

// UnsubscribeConfig signs the one-click unsubscribe links. Links are only
// added to outgoing mail when BaseURL is set.
type UnsubscribeConfig struct {
	Secret  string        `yaml:"secret" env:"UNSUBSCRIBE_SECRET"`
	BaseURL string        `yaml:"base_url" env:"UNSUBSCRIBE_BASE_URL"`
	MaxAge  time.Duration `yaml:"max_age" env:"UNSUBSCRIBE_TOKEN_MAX_AGE"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
}

type Config struct {
	DB             DBConfig             `yaml:"db"`
	Redis          RedisConfig          `yaml:"redis"`
	MQ             MQConfig             `yaml:"mq"`
	Server         ServerConfig         `yaml:"server"`
	Scheduler      SchedulerConfig      `yaml:"scheduler"`
	Sending        SendingConfig        `yaml:"sending"`
	Deliverability DeliverabilityConfig `yaml:"deliverability"`
	Verification   VerificationConfig   `yaml:"verification"`
	Classifier     ClassifierConfig     `yaml:"classifier"`
	SMTP           SMTPConfig           `yaml:"smtp"`
	Unsubscribe    UnsubscribeConfig    `yaml:"unsubscribe"`
	Log            LogConfig            `yaml:"log"`
}

// Default returns the settings the scheduler runs with when nothing overrides them.
func Default() Config {
	return Config{
		DB: DBConfig{
			Driver:  "postgres",
			Host:    "localhost",
			Port:    5432,
			User:    "outreach",
			Name:    "outreach",
			SSLMode: "disable",
		},
		Redis: RedisConfig{LockTTL: 2 * time.Minute, LockWait: 5 * time.Second},
		MQ: MQConfig{
			Exchange:           "outreach.events",
			InboundQueuePrefix: "outreach.inbound.",
		},
		Server: ServerConfig{Port: "8080"},
		Scheduler: SchedulerConfig{
			Timezone:         "America/Mexico_City",
			SendInterval:     time.Hour,
			ResponseInterval: 10 * time.Minute,
			SendTimeout:      30 * time.Second,
			PollTimeout:      30 * time.Second,
			InboundSinceDays: 3,
		},
		Sending: SendingConfig{
			StartHour:         9,
			EndHour:           17,
			DefaultMaxPerHour: 5,
		},
		Deliverability: DeliverabilityConfig{
			Window:             60 * time.Minute,
			BounceRate:         5.0,
			FailureRate:        10.0,
			InclusiveThreshold: true,
		},
		Verification: VerificationConfig{
			DailyCap: 25,
			Timeout:  35 * time.Second,
		},
		Classifier: ClassifierConfig{
			Kind:    "heuristic",
			Timeout: 5 * time.Second,
		},
		SMTP:        SMTPConfig{DialTimeout: 10 * time.Second},
		Unsubscribe: UnsubscribeConfig{MaxAge: 90 * 24 * time.Hour},
		Log:         LogConfig{Level: "info"},
	}
}

// Load reads defaults, then the YAML file at path (if present), then .env and
// the process environment. Later sources win.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// .env is optional; real environment variables always take precedence.
	_ = godotenv.Load()

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Sending.StartHour < 0 || c.Sending.StartHour > 23 {
		return fmt.Errorf("sending.default_start_hour out of range: %d", c.Sending.StartHour)
	}
	if c.Sending.EndHour < 0 || c.Sending.EndHour > 23 {
		return fmt.Errorf("sending.default_end_hour out of range: %d", c.Sending.EndHour)
	}
	if c.Sending.DefaultMaxPerHour <= 0 {
		return fmt.Errorf("sending.default_max_per_hour must be positive")
	}
	if c.Scheduler.SendInterval <= 0 || c.Scheduler.ResponseInterval <= 0 {
		return fmt.Errorf("scheduler intervals must be positive")
	}
	if c.Scheduler.SendTimeout <= 0 || c.Scheduler.PollTimeout <= 0 {
		return fmt.Errorf("scheduler timeouts must be positive")
	}
	if c.Deliverability.Window <= 0 {
		return fmt.Errorf("deliverability.window must be positive")
	}
	if c.Deliverability.BounceRate < 0 || c.Deliverability.FailureRate < 0 {
		return fmt.Errorf("deliverability thresholds must not be negative")
	}
	if c.Verification.DailyCap < 0 {
		return fmt.Errorf("verification.daily_cap must not be negative")
	}
	if c.Unsubscribe.BaseURL != "" && c.Unsubscribe.Secret == "" {
		return fmt.Errorf("unsubscribe.secret is required when unsubscribe.base_url is set")
	}
	if c.Unsubscribe.MaxAge <= 0 {
		return fmt.Errorf("unsubscribe.max_age must be positive")
	}
	if c.Redis.Addr != "" {
		// The lock is held across verification and the send; letting it
		// expire mid-send lets another scheduler pass the cap.
		held := c.Scheduler.SendTimeout
		if c.Verification.Enabled {
			held += c.Verification.Timeout
		}
		if c.Redis.LockTTL <= held {
			return fmt.Errorf("redis.lock_ttl (%s) must be longer than the send it guards (%s)", c.Redis.LockTTL, held)
		}
	}
	switch c.DB.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown db.driver %q", c.DB.Driver)
	}
	switch c.Classifier.Kind {
	case "heuristic", "external":
	default:
		return fmt.Errorf("unknown classifier.kind %q", c.Classifier.Kind)
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}
	return nil
}

// Location returns the scheduler time zone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DSN builds the lib/pq connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

// GetConfigPath returns CONFIG_PATH or config.yaml.
func GetConfigPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config.yaml"
}
