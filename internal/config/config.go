package config

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/basket/agentcore/internal/persistence"
)

// envPrefix namespaces environment overrides, e.g. AGENTCORE_BIND_ADDR.
const envPrefix = "agentcore"

// DatabaseConfig sizes the connection pool and the busy wait.
type DatabaseConfig struct {
	PoolSize       int  `yaml:"pool_size" envconfig:"POOL_SIZE"`
	MaxOverflow    int  `yaml:"max_overflow" envconfig:"MAX_OVERFLOW"`
	RecycleSeconds int  `yaml:"recycle_seconds" envconfig:"RECYCLE_SECONDS"`
	PrePing        bool `yaml:"pre_ping" envconfig:"PRE_PING"`
	BusyTimeoutMS  int  `yaml:"busy_timeout_ms" envconfig:"BUSY_TIMEOUT_MS"`
}

// A2AConfig controls both the outbound client and the inbound JSON-RPC surface.
type A2AConfig struct {
	Enabled *bool `yaml:"enabled,omitempty" envconfig:"ENABLED"`
	// ExtendedAPITimeoutSeconds is the long-call budget; read/write timeouts
	// default to this plus 10 seconds.
	ExtendedAPITimeoutSeconds int `yaml:"extended_api_timeout_seconds" envconfig:"EXTENDED_API_TIMEOUT"`
	ConnectTimeoutSeconds     int `yaml:"connect_timeout_seconds" envconfig:"CONNECT_TIMEOUT_SECONDS"`
	PoolTimeoutSeconds        int `yaml:"pool_timeout_seconds" envconfig:"POOL_TIMEOUT_SECONDS"`
}

type AvatarConfig struct {
	SystemDir     string `yaml:"system_dir" envconfig:"SYSTEM_DIR"`
	MaxImageMB    int    `yaml:"max_image_mb" envconfig:"MAX_IMAGE_MB"`
	MaxVideoMB    int    `yaml:"max_video_mb" envconfig:"MAX_VIDEO_MB"`
	ThumbnailSize int    `yaml:"thumbnail_size" envconfig:"THUMBNAIL_SIZE"`
	CloudBaseURL  string `yaml:"cloud_base_url" envconfig:"CLOUD_BASE_URL"`
	CloudToken    string `yaml:"cloud_token" envconfig:"CLOUD_TOKEN"`
}

type SchedulerConfig struct {
	CronIntervalSeconds    int    `yaml:"cron_interval_seconds" envconfig:"CRON_INTERVAL_SECONDS"`
	StaleVehicleMinutes    int    `yaml:"stale_vehicle_minutes" envconfig:"STALE_VEHICLE_MINUTES"`
	DefaultDurationSeconds int    `yaml:"default_duration_seconds" envconfig:"DEFAULT_DURATION_SECONDS"`
	SweepCron              string `yaml:"sweep_cron" envconfig:"SWEEP_CRON"`
}

type KafkaDeliveryConfig struct {
	Enabled bool     `yaml:"enabled" envconfig:"ENABLED"`
	Brokers []string `yaml:"brokers" envconfig:"BROKERS"`
	Topic   string   `yaml:"topic" envconfig:"TOPIC"`
}

type DeliveryConfig struct {
	Kafka KafkaDeliveryConfig `yaml:"kafka" envconfig:"KAFKA"`
}

type OTelConfig struct {
	Enabled     bool    `yaml:"enabled" envconfig:"ENABLED"`
	Exporter    string  `yaml:"exporter" envconfig:"EXPORTER"`
	Endpoint    string  `yaml:"endpoint" envconfig:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" envconfig:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate" envconfig:"SAMPLE_RATE"`

	// MetricIntervalSeconds is the metric export period; 0 means 60.
	MetricIntervalSeconds int `yaml:"metric_interval_seconds" envconfig:"METRIC_INTERVAL_SECONDS"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" envconfig:"ENABLED"`
	AllowedOrigins []string `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	MaxAge         int      `yaml:"max_age" envconfig:"MAX_AGE"`
}

// RateLimitConfig bounds gateway requests per client. Zero values mean 60
// requests per minute with a burst of 10.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" envconfig:"ENABLED"`
	RequestsPerMinute int  `yaml:"requests_per_minute" envconfig:"REQUESTS_PER_MINUTE"`
	BurstSize         int  `yaml:"burst_size" envconfig:"BURST_SIZE"`
}

// RetentionConfig sets how many days audit rows and read chat notifications
// are kept. Zero keeps them forever.
type RetentionConfig struct {
	AuditLogDays     int `yaml:"audit_log_days" envconfig:"AUDIT_LOG_DAYS"`
	NotificationDays int `yaml:"notification_days" envconfig:"NOTIFICATION_DAYS"`
}

type Config struct {
	HomeDir string `yaml:"-" ignored:"true"`

	DBPath        string `yaml:"db_path" envconfig:"DB_PATH"`
	BindAddr      string `yaml:"bind_addr" envconfig:"BIND_ADDR"`
	LogLevel      string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	ServerBaseURL string `yaml:"server_base_url" envconfig:"SERVER_BASE_URL"`

	// AuthToken, when set, is required as a bearer token on every gateway
	// route except /healthz and the agent card.
	AuthToken string `yaml:"auth_token" envconfig:"AUTH_TOKEN"`

	Database  DatabaseConfig  `yaml:"database" envconfig:"DATABASE"`
	A2A       A2AConfig       `yaml:"a2a" envconfig:"A2A"`
	Avatar    AvatarConfig    `yaml:"avatar" envconfig:"AVATAR"`
	Scheduler SchedulerConfig `yaml:"scheduler" envconfig:"SCHEDULER"`
	Delivery  DeliveryConfig  `yaml:"delivery" envconfig:"DELIVERY"`
	OTel      OTelConfig      `yaml:"otel" envconfig:"OTEL"`
	CORS      CORSConfig      `yaml:"cors" envconfig:"CORS"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	Retention RetentionConfig `yaml:"retention" envconfig:"RETENTION"`

	// Missing is set when no config.yaml was found and defaults are in effect.
	Missing bool `yaml:"-" ignored:"true"`
}

// A2AEnabled reports whether the inbound A2A surface is served (default on).
func (c Config) A2AEnabled() bool {
	return c.A2A.Enabled == nil || *c.A2A.Enabled
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that change runtime behavior.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|bind=%s|log=%s|base=%s|pool=%d/%d|a2a=%d|sched=%d/%s|kafka=%v",
		c.DBPath, c.BindAddr, c.LogLevel, c.ServerBaseURL,
		c.Database.PoolSize, c.Database.MaxOverflow,
		c.A2A.ExtendedAPITimeoutSeconds,
		c.Scheduler.CronIntervalSeconds, c.Scheduler.SweepCron,
		c.Delivery.Kafka.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:      "127.0.0.1:4668",
		LogLevel:      "info",
		ServerBaseURL: "http://127.0.0.1:4668",
		Database: DatabaseConfig{
			PoolSize:       5,
			MaxOverflow:    10,
			RecycleSeconds: 3600,
			PrePing:        true,
			BusyTimeoutMS:  60000,
		},
		A2A: A2AConfig{
			ExtendedAPITimeoutSeconds: 600,
			ConnectTimeoutSeconds:     10,
			PoolTimeoutSeconds:        10,
		},
		Avatar: AvatarConfig{
			MaxImageMB:    10,
			MaxVideoMB:    50,
			ThumbnailSize: 256,
		},
		Scheduler: SchedulerConfig{
			CronIntervalSeconds:    60,
			StaleVehicleMinutes:    10,
			DefaultDurationSeconds: 300,
			SweepCron:              "*/5 * * * *",
		},
		Delivery: DeliveryConfig{
			Kafka: KafkaDeliveryConfig{Topic: "agentcore.chat"},
		},
		Retention: RetentionConfig{
			AuditLogDays:     90,
			NotificationDays: 30,
		},
		OTel: OTelConfig{
			Exporter:    "otlp-http",
			ServiceName: "agentcore",
			SampleRate:  1.0,
		},
	}
}

// HomeDir is $AGENTCORE_HOME or ~/.agentcore.
func HomeDir() string {
	if override := os.Getenv("AGENTCORE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentcore")
}

// Load reads <home>/config.yaml over the defaults, then applies AGENTCORE_*
// environment overrides.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agentcore home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.Missing = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("apply env overrides: %w", err)
	}
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "agentcore.db")
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	cfg.ServerBaseURL = strings.TrimRight(cfg.ServerBaseURL, "/")
	if cfg.ServerBaseURL == "" {
		cfg.ServerBaseURL = "http://" + cfg.BindAddr
	}
	if cfg.Database.PoolSize <= 0 {
		cfg.Database.PoolSize = def.Database.PoolSize
	}
	if cfg.Database.MaxOverflow < 0 {
		cfg.Database.MaxOverflow = 0
	}
	if cfg.Database.RecycleSeconds <= 0 {
		cfg.Database.RecycleSeconds = def.Database.RecycleSeconds
	}
	if cfg.Database.BusyTimeoutMS <= 0 {
		cfg.Database.BusyTimeoutMS = def.Database.BusyTimeoutMS
	}
	if cfg.A2A.ExtendedAPITimeoutSeconds <= 0 {
		cfg.A2A.ExtendedAPITimeoutSeconds = def.A2A.ExtendedAPITimeoutSeconds
	}
	if cfg.A2A.ConnectTimeoutSeconds <= 0 {
		cfg.A2A.ConnectTimeoutSeconds = def.A2A.ConnectTimeoutSeconds
	}
	if cfg.A2A.PoolTimeoutSeconds <= 0 {
		cfg.A2A.PoolTimeoutSeconds = def.A2A.PoolTimeoutSeconds
	}
	if cfg.Avatar.SystemDir == "" {
		cfg.Avatar.SystemDir = filepath.Join(cfg.HomeDir, "resource", "avatars", "system")
	}
	if cfg.Avatar.MaxImageMB <= 0 {
		cfg.Avatar.MaxImageMB = def.Avatar.MaxImageMB
	}
	if cfg.Avatar.MaxVideoMB <= 0 {
		cfg.Avatar.MaxVideoMB = def.Avatar.MaxVideoMB
	}
	if cfg.Avatar.ThumbnailSize <= 0 {
		cfg.Avatar.ThumbnailSize = def.Avatar.ThumbnailSize
	}
	if cfg.Scheduler.CronIntervalSeconds <= 0 {
		cfg.Scheduler.CronIntervalSeconds = def.Scheduler.CronIntervalSeconds
	}
	if cfg.Scheduler.StaleVehicleMinutes <= 0 {
		cfg.Scheduler.StaleVehicleMinutes = def.Scheduler.StaleVehicleMinutes
	}
	if cfg.Scheduler.DefaultDurationSeconds <= 0 {
		cfg.Scheduler.DefaultDurationSeconds = def.Scheduler.DefaultDurationSeconds
	}
	if strings.TrimSpace(cfg.Scheduler.SweepCron) == "" {
		cfg.Scheduler.SweepCron = def.Scheduler.SweepCron
	}
	if cfg.Delivery.Kafka.Topic == "" {
		cfg.Delivery.Kafka.Topic = def.Delivery.Kafka.Topic
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = def.OTel.ServiceName
	}
}

// UserDataDir is where per-user avatar assets live (<home>/resource/avatars).
func (c Config) UserDataDir() string {
	return filepath.Join(c.HomeDir, "resource", "avatars")
}

// StoreOptions maps the database section onto persistence.Options.
// A configured overflow of zero means none, not the store default.
func (c Config) StoreOptions(logger *slog.Logger) persistence.Options {
	overflow := c.Database.MaxOverflow
	if overflow == 0 {
		overflow = -1
	}
	return persistence.Options{
		PoolSize:    c.Database.PoolSize,
		MaxOverflow: overflow,
		Recycle:     time.Duration(c.Database.RecycleSeconds) * time.Second,
		BusyTimeout: time.Duration(c.Database.BusyTimeoutMS) * time.Millisecond,
		SkipPrePing: !c.Database.PrePing,
		Logger:      logger,
	}
}
