package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	Listener     ListenerConfig
	Jobs         JobsConfig
	Cron         CronConfig
	Cleanup      CleanupConfig
	Retention    RetentionConfig
	Broadcast    BroadcastConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the semantic constraints envconfig cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Broadcast.Backend {
	case BroadcastRedis:
		if c.Redis.URL == "" && c.Redis.Address == "" {
			return fmt.Errorf("%s or %s is required for the redis broadcast backend", EnvRedisURL, EnvRedisAddr)
		}
	case BroadcastPubSub:
		if c.GCP.ProjectID == "" || c.PubSub.BroadcastTopic == "" {
			return fmt.Errorf("%s and %s are required for the pubsub broadcast backend", EnvGCPProjectID, EnvPubSubBroadcastTopic)
		}
	}
	return nil
}

type AppConfig struct {
	Env             string        `envconfig:"EVENTCORE_APP_ENV" required:"true"`
	Port            string        `envconfig:"EVENTCORE_APP_PORT" default:"8080"`
	LogLevel        string        `envconfig:"EVENTCORE_LOG_LEVEL" default:"info"`
	LogWarnStack    bool          `envconfig:"EVENTCORE_LOG_WARN_STACK" default:"false"`
	ShutdownTimeout time.Duration `envconfig:"EVENTCORE_SHUTDOWN_TIMEOUT" default:"30s" validate:"gt=0"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"EVENTCORE_SERVICE_KIND" default:"worker"`
	// InstanceID identifies this process in lease columns; defaults to hostname.
	InstanceID string `envconfig:"EVENTCORE_INSTANCE_ID"`
}

type DBConfig struct {
	DSN string `envconfig:"EVENTCORE_DB_DSN"`

	LegacyHost     string `envconfig:"EVENTCORE_DB_HOST"`
	LegacyPort     int    `envconfig:"EVENTCORE_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"EVENTCORE_DB_USER"`
	LegacyPassword string `envconfig:"EVENTCORE_DB_PASSWORD"`
	LegacyName     string `envconfig:"EVENTCORE_DB_NAME"`
	LegacySSLMode  string `envconfig:"EVENTCORE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"EVENTCORE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"EVENTCORE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"EVENTCORE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"EVENTCORE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	// SlowQueryThreshold logs statements slower than this; zero disables it.
	SlowQueryThreshold time.Duration `envconfig:"EVENTCORE_DB_SLOW_QUERY" default:"500ms"`
}

type RedisConfig struct {
	URL          string        `envconfig:"EVENTCORE_REDIS_URL"`
	Address      string        `envconfig:"EVENTCORE_REDIS_ADDR"`
	Password     string        `envconfig:"EVENTCORE_REDIS_PASSWORD"`
	DB           int           `envconfig:"EVENTCORE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"EVENTCORE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"EVENTCORE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"EVENTCORE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"EVENTCORE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"EVENTCORE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"EVENTCORE_AUTO_MIGRATE" default:"false"`
}

type ListenerConfig struct {
	ID             string        `envconfig:"EVENTCORE_LISTENER_ID" default:"primary" validate:"required"`
	Channel        string        `envconfig:"EVENTCORE_LISTENER_CHANNEL" default:"outbox_events" validate:"required"`
	BatchSize      int           `envconfig:"EVENTCORE_LISTENER_BATCH_SIZE" default:"100" validate:"gt=0"`
	Debounce       time.Duration `envconfig:"EVENTCORE_LISTENER_DEBOUNCE" default:"50ms" validate:"gt=0"`
	MaxWait        time.Duration `envconfig:"EVENTCORE_LISTENER_MAX_WAIT" default:"200ms" validate:"gtefield=Debounce"`
	FallbackPoll   time.Duration `envconfig:"EVENTCORE_LISTENER_FALLBACK_POLL" default:"750ms" validate:"gt=0"`
	ReconnectDelay time.Duration `envconfig:"EVENTCORE_LISTENER_RECONNECT_DELAY" default:"1s" validate:"gt=0"`
}

type JobsConfig struct {
	Queues       []string      `envconfig:"EVENTCORE_JOBS_QUEUES" default:"default"`
	Lease        time.Duration `envconfig:"EVENTCORE_JOBS_LEASE" default:"30s" validate:"gt=0"`
	MaxAttempts  int           `envconfig:"EVENTCORE_JOBS_MAX_ATTEMPTS" default:"5" validate:"gt=0"`
	BackoffBase  time.Duration `envconfig:"EVENTCORE_JOBS_BACKOFF_BASE" default:"1s" validate:"gt=0"`
	BackoffMax   time.Duration `envconfig:"EVENTCORE_JOBS_BACKOFF_MAX" default:"5m" validate:"gtefield=BackoffBase"`
	PollInterval time.Duration `envconfig:"EVENTCORE_JOBS_POLL_INTERVAL" default:"500ms" validate:"gt=0"`
	Concurrency  int           `envconfig:"EVENTCORE_JOBS_CONCURRENCY" default:"4" validate:"gt=0"`
	ClaimRate    float64       `envconfig:"EVENTCORE_JOBS_CLAIM_RATE" default:"50" validate:"gt=0"`
}

type CronConfig struct {
	ManagerInterval     time.Duration `envconfig:"EVENTCORE_CRON_MANAGER_INTERVAL" default:"10s" validate:"gt=0"`
	Lookahead           time.Duration `envconfig:"EVENTCORE_CRON_LOOKAHEAD" default:"60s" validate:"gt=0"`
	BatchSize           int           `envconfig:"EVENTCORE_CRON_BATCH_SIZE" default:"100" validate:"gt=0"`
	MaxTicksPerSchedule int           `envconfig:"EVENTCORE_CRON_MAX_TICKS_PER_SCHEDULE" default:"60" validate:"gt=0"`
	ExecutorInterval    time.Duration `envconfig:"EVENTCORE_CRON_EXECUTOR_INTERVAL" default:"1s" validate:"gt=0"`
	ExecutorBatchSize   int           `envconfig:"EVENTCORE_CRON_EXECUTOR_BATCH_SIZE" default:"50" validate:"gt=0"`
	TickLease           time.Duration `envconfig:"EVENTCORE_CRON_TICK_LEASE" default:"30s" validate:"gt=0"`
}

type CleanupConfig struct {
	Interval           time.Duration `envconfig:"EVENTCORE_CLEANUP_INTERVAL" default:"5m" validate:"gt=0"`
	ExpiredThreshold   time.Duration `envconfig:"EVENTCORE_CLEANUP_EXPIRED_THRESHOLD" default:"10m" validate:"gt=0"`
	CompletedRetention time.Duration `envconfig:"EVENTCORE_CLEANUP_COMPLETED_RETENTION" default:"1h" validate:"gt=0"`
}

type RetentionConfig struct {
	Interval        time.Duration `envconfig:"EVENTCORE_RETENTION_INTERVAL" default:"1h" validate:"gt=0"`
	OutboxRetention time.Duration `envconfig:"EVENTCORE_RETENTION_OUTBOX" default:"720h" validate:"gt=0"`
	JobRetention    time.Duration `envconfig:"EVENTCORE_RETENTION_JOBS" default:"168h" validate:"gt=0"`
	BatchSize       int           `envconfig:"EVENTCORE_RETENTION_BATCH_SIZE" default:"1000" validate:"gt=0"`
}

// Broadcast backends.
const (
	BroadcastRedis  = "redis"
	BroadcastPubSub = "pubsub"
	BroadcastLog    = "log"
)

type BroadcastConfig struct {
	Backend       string `envconfig:"EVENTCORE_BROADCAST_BACKEND" default:"redis" validate:"oneof=redis pubsub log"`
	ChannelPrefix string `envconfig:"EVENTCORE_BROADCAST_CHANNEL_PREFIX" default:"rt"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"EVENTCORE_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	BroadcastTopic string `envconfig:"EVENTCORE_PUBSUB_BROADCAST_TOPIC" default:"eventcore-broadcast"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
