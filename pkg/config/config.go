package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = "HORIZEN"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv       = "HORIZEN_APP_ENV"
	EnvPort         = "HORIZEN_APP_PORT"
	EnvDBDSN        = "HORIZEN_DB_DSN"
	EnvDBHost       = "HORIZEN_DB_HOST"
	EnvDBUser       = "HORIZEN_DB_USER"
	EnvDBName       = "HORIZEN_DB_NAME"
	EnvRedisURL     = "HORIZEN_REDIS_URL"
	EnvStripeAPIKey = "HORIZEN_STRIPE_API_KEY"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	Stripe       StripeConfig
	Reconcile    ReconcileConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"HORIZEN_APP_ENV" required:"true"`
	Port         string `envconfig:"HORIZEN_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"HORIZEN_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"HORIZEN_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"HORIZEN_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"HORIZEN_DB_DSN"`
	Driver string `envconfig:"HORIZEN_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"HORIZEN_DB_HOST"`
	LegacyPort     int    `envconfig:"HORIZEN_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"HORIZEN_DB_USER"`
	LegacyPassword string `envconfig:"HORIZEN_DB_PASSWORD"`
	LegacyName     string `envconfig:"HORIZEN_DB_NAME"`
	LegacySSLMode  string `envconfig:"HORIZEN_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"HORIZEN_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"HORIZEN_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"HORIZEN_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"HORIZEN_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"HORIZEN_REDIS_URL" required:"true"`
	Address      string        `envconfig:"HORIZEN_REDIS_ADDR"`
	Password     string        `envconfig:"HORIZEN_REDIS_PASSWORD"`
	DB           int           `envconfig:"HORIZEN_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"HORIZEN_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"HORIZEN_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"HORIZEN_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"HORIZEN_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"HORIZEN_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"HORIZEN_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"HORIZEN_AUTO_MIGRATE" default:"false"`
}

type StripeConfig struct {
	APIKey        string `envconfig:"HORIZEN_STRIPE_API_KEY" required:"true"`
	WebhookSecret string `envconfig:"HORIZEN_STRIPE_WEBHOOK_SECRET"`
	Env           string `envconfig:"HORIZEN_STRIPE_ENV" default:"test"`

	DruidGeniessPriceID string `envconfig:"HORIZEN_STRIPE_DRUID_GENIESS_PRICE_ID"`
	EntityPriceID       string `envconfig:"HORIZEN_STRIPE_ENTITY_PRICE_ID"`

	CheckoutSuccessURL string `envconfig:"HORIZEN_STRIPE_CHECKOUT_SUCCESS_URL"`
	CheckoutCancelURL  string `envconfig:"HORIZEN_STRIPE_CHECKOUT_CANCEL_URL"`
	PortalReturnURL    string `envconfig:"HORIZEN_STRIPE_PORTAL_RETURN_URL"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

type ReconcileConfig struct {
	Interval     time.Duration `envconfig:"HORIZEN_RECONCILE_INTERVAL" default:"1h"`
	BatchSize    int           `envconfig:"HORIZEN_RECONCILE_BATCH_SIZE" default:"100"`
	LockTTL      time.Duration `envconfig:"HORIZEN_RECONCILE_LOCK_TTL" default:"10m"`
	EventIDTTL   time.Duration `envconfig:"HORIZEN_WEBHOOK_EVENT_ID_TTL" default:"72h"`
	StaleAfter   time.Duration `envconfig:"HORIZEN_RECONCILE_STALE_AFTER" default:"24h"`
	WorkerJitter time.Duration `envconfig:"HORIZEN_RECONCILE_WORKER_JITTER" default:"30s"`
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
