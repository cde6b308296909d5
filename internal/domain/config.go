package domain

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Config holds the complete credeval configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier selects the infrastructure profile
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Lock       LockConfig       `json:"lock"`
	Catalog    CatalogConfig    `json:"catalog"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Worker     WorkerConfig     `json:"worker"`

	// Evaluation thresholds
	Policy Policy `json:"policy"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	ReadTimeout  int      `json:"readTimeout"`  // seconds
	WriteTimeout int      `json:"writeTimeout"` // seconds
	CORSOrigins  []string `json:"corsOrigins"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// LockConfig selects the per-transcript lock implementation.
type LockConfig struct {
	// Type is "local" or "redis"
	Type      string        `json:"type"`
	RedisAddr string        `json:"redisAddr"`
	TTL       time.Duration `json:"ttl"`
}

// CatalogConfig controls where reference data comes from.
type CatalogConfig struct {
	// SeedPath overrides the embedded seed file when set.
	SeedPath string `json:"seedPath"`

	// SeedRepository writes the seed into an empty repository on startup.
	SeedRepository bool `json:"seedRepository"`
}

// SchedulerConfig holds cron specs for background jobs. Empty disables a job.
type SchedulerConfig struct {
	CatalogRefresh string        `json:"catalogRefresh"`
	ReviewSweep    string        `json:"reviewSweep"`
	ReviewMaxAge   time.Duration `json:"reviewMaxAge"`
}

// WorkerConfig controls the async evaluation worker.
type WorkerConfig struct {
	Enabled     bool `json:"enabled"`
	WorkerCount int  `json:"workerCount"`
}

// Tier represents the deployment profile.
type Tier string

const (
	// TierCommunity runs on SQLite and in-process channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, NATS and Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a single-node configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
			CORSOrigins:  []string{"*"},
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./credeval.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Lock: LockConfig{
			Type: "local",
			TTL:  2 * time.Minute,
		},
		Catalog: CatalogConfig{
			SeedRepository: true,
		},
		Scheduler: SchedulerConfig{
			CatalogRefresh: "0 */15 * * * *",
			ReviewSweep:    "0 0 * * * *",
			ReviewMaxAge:   72 * time.Hour,
		},
		Worker: WorkerConfig{
			Enabled:     false,
			WorkerCount: 4,
		},
		Policy: DefaultPolicy(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "credeval",
		},
	}
}

// ProConfig returns a configuration for the distributed deployment.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "credeval",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Lock = LockConfig{
		Type:      "redis",
		RedisAddr: "localhost:6379",
		TTL:       2 * time.Minute,
	}
	cfg.Worker.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}

// ApplyEnv overlays CREDEVAL_* environment variables onto cfg.
// Unset variables leave the existing value untouched.
func (c *Config) ApplyEnv() {
	env := func(key string) (string, bool) {
		v, ok := os.LookupEnv("CREDEVAL_" + key)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}

	if v, ok := env("HOST"); ok {
		c.Server.Host = v
	}
	if v, ok := env("PORT"); ok {
		c.Server.Port = cast.ToInt(v)
	}
	if v, ok := env("CORS_ORIGINS"); ok {
		c.Server.CORSOrigins = splitList(v)
	}

	if v, ok := env("DB_DRIVER"); ok {
		c.Repository.Driver = v
	}
	if v, ok := env("SQLITE_PATH"); ok {
		c.Repository.SQLitePath = v
	}
	if v, ok := env("PG_HOST"); ok {
		c.Repository.PostgresHost = v
	}
	if v, ok := env("PG_PORT"); ok {
		c.Repository.PostgresPort = cast.ToInt(v)
	}
	if v, ok := env("PG_USER"); ok {
		c.Repository.PostgresUser = v
	}
	if v, ok := env("PG_PASSWORD"); ok {
		c.Repository.PostgresPassword = v
	}
	if v, ok := env("PG_DB"); ok {
		c.Repository.PostgresDB = v
	}
	if v, ok := env("PG_SSLMODE"); ok {
		c.Repository.PostgresSSLMode = v
	}

	if v, ok := env("CACHE"); ok {
		c.Cache.Type = v
	}
	if v, ok := env("REDIS_ADDR"); ok {
		c.Cache.RedisAddr = v
		c.Lock.RedisAddr = v
	}
	if v, ok := env("REDIS_PASSWORD"); ok {
		c.Cache.RedisPassword = v
	}
	if v, ok := env("BUS"); ok {
		c.EventBus.Type = v
	}
	if v, ok := env("NATS_URL"); ok {
		c.EventBus.NATSUrl = v
	}
	if v, ok := env("LOCK"); ok {
		c.Lock.Type = v
	}
	if v, ok := env("LOCK_TTL"); ok {
		c.Lock.TTL = cast.ToDuration(v)
	}

	if v, ok := env("CATALOG_SEED"); ok {
		c.Catalog.SeedPath = v
	}
	if v, ok := env("CATALOG_REFRESH"); ok {
		c.Scheduler.CatalogRefresh = v
	}
	if v, ok := env("REVIEW_SWEEP"); ok {
		c.Scheduler.ReviewSweep = v
	}
	if v, ok := env("ASYNC_WORKER"); ok {
		c.Worker.Enabled = cast.ToBool(v)
	}
	if v, ok := env("WORKERS"); ok {
		c.Worker.WorkerCount = cast.ToInt(v)
	}
	if v, ok := env("TRACING"); ok {
		c.Tracing.Enabled = cast.ToBool(v)
	}

	if v, ok := env("REVIEW_THRESHOLD"); ok {
		c.Policy.ReviewThreshold = cast.ToFloat64(v)
	}
	if v, ok := env("D1_MIN_GPA"); ok {
		c.Policy.DivisionI.MinGPA = cast.ToFloat64(v)
	}
	if v, ok := env("D1_MIN_UNITS"); ok {
		c.Policy.DivisionI.MinUnits = cast.ToFloat64(v)
	}
	if v, ok := env("D2_MIN_GPA"); ok {
		c.Policy.DivisionII.MinGPA = cast.ToFloat64(v)
	}
	if v, ok := env("D2_MIN_UNITS"); ok {
		c.Policy.DivisionII.MinUnits = cast.ToFloat64(v)
	}
	if v, ok := env("GPA_MARGIN"); ok {
		c.Policy.DivisionI.GPAMargin = cast.ToFloat64(v)
		c.Policy.DivisionII.GPAMargin = cast.ToFloat64(v)
	}
	if v, ok := env("UNITS_MARGIN"); ok {
		c.Policy.DivisionI.UnitsMargin = cast.ToFloat64(v)
		c.Policy.DivisionII.UnitsMargin = cast.ToFloat64(v)
	}
	if v, ok := env("PROMOTED_CATEGORIES"); ok {
		c.Policy.PromotedCategories = nil
		for _, s := range splitList(v) {
			if cat := Category(s); cat.Valid() {
				c.Policy.PromotedCategories = append(c.Policy.PromotedCategories, cat)
			}
		}
	}
	if v, ok := env("REQUIRE_ALGEBRA_I"); ok {
		c.Policy.RequireAlgebraIOrHigher = cast.ToBool(v)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
