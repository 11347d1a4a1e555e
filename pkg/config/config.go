package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/multierr"
)

// Config is the process configuration shared by the api, worker, relay and
// cron binaries. Every field is read from PACKFINDERZ_* variables.
type Config struct {
	App            AppConfig
	Service        ServiceConfig
	DB             DBConfig
	Redis          RedisConfig
	JWT            JWTConfig
	FeatureFlags   FeatureFlagsConfig
	Eventing       EventingConfig
	GCP            GCPConfig
	PubSub         PubSubConfig
	Outbox         OutboxConfig
	Ledger         LedgerConfig
	Payouts        PayoutsConfig
	Reconciliation ReconciliationConfig
}

// Load parses the environment and reports every invalid section at once.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c Config) validate() error {
	return multierr.Combine(
		c.App.validate(),
		c.JWT.validate(),
		c.Outbox.validate(),
		c.Ledger.validate(),
		c.Payouts.validate(),
		c.Reconciliation.validate(),
	)
}

type AppConfig struct {
	Env          string `envconfig:"PACKFINDERZ_APP_ENV" required:"true"`
	Port         string `envconfig:"PACKFINDERZ_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"PACKFINDERZ_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"PACKFINDERZ_LOG_WARN_STACK" default:"false"`
	LogFormat    string `envconfig:"PACKFINDERZ_LOG_FORMAT" default:"json"`
	// OpsPort serves health and metrics on the background binaries. Empty
	// disables the listener.
	OpsPort string `envconfig:"PACKFINDERZ_OPS_PORT" default:"9090"`

	CORSOrigins []string `envconfig:"PACKFINDERZ_CORS_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

func (a AppConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(a.LogFormat)) {
	case "", LogFormatJSON, LogFormatConsole:
		return nil
	}
	return fmt.Errorf("%s must be %q or %q, got %q", EnvLogFormat, LogFormatJSON, LogFormatConsole, a.LogFormat)
}

type ServiceConfig struct {
	Kind string `envconfig:"PACKFINDERZ_SERVICE_KIND" default:"api"`
}

// DBConfig accepts either a full DSN or the discrete PACKFINDERZ_DB_HOST
// style variables, which are folded into a postgres URL by ensureDSN.
type DBConfig struct {
	DSN    string `envconfig:"PACKFINDERZ_DB_DSN"`
	Driver string `envconfig:"PACKFINDERZ_DB_DRIVER" default:"postgres"`

	Host     string `envconfig:"PACKFINDERZ_DB_HOST"`
	Port     int    `envconfig:"PACKFINDERZ_DB_PORT" default:"5432"`
	User     string `envconfig:"PACKFINDERZ_DB_USER"`
	Password string `envconfig:"PACKFINDERZ_DB_PASSWORD"`
	Name     string `envconfig:"PACKFINDERZ_DB_NAME"`
	SSLMode  string `envconfig:"PACKFINDERZ_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"PACKFINDERZ_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"PACKFINDERZ_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"PACKFINDERZ_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"PACKFINDERZ_DB_CONN_MAX_IDLE_TIME" default:"10m"`

	SlowQueryThreshold time.Duration `envconfig:"PACKFINDERZ_DB_SLOW_QUERY_THRESHOLD" default:"200ms"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	var missing []string
	for _, part := range []struct{ env, value string }{
		{EnvDBHost, db.Host},
		{EnvDBUser, db.User},
		{EnvDBName, db.Name},
	} {
		if strings.TrimSpace(part.value) == "" {
			missing = append(missing, part.env)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s is unset and %s are missing", EnvDBDSN, strings.Join(missing, ", "))
	}

	user := url.User(db.User)
	if db.Password != "" {
		user = url.UserPassword(db.User, db.Password)
	}
	dsn := url.URL{
		Scheme: "postgres",
		User:   user,
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   db.Name,
	}
	if db.SSLMode != "" {
		dsn.RawQuery = url.Values{"sslmode": {db.SSLMode}}.Encode()
	}
	db.DSN = dsn.String()
	return nil
}

type RedisConfig struct {
	URL          string        `envconfig:"PACKFINDERZ_REDIS_URL" required:"true"`
	Address      string        `envconfig:"PACKFINDERZ_REDIS_ADDR"`
	Password     string        `envconfig:"PACKFINDERZ_REDIS_PASSWORD"`
	DB           int           `envconfig:"PACKFINDERZ_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"PACKFINDERZ_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"PACKFINDERZ_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"PACKFINDERZ_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"PACKFINDERZ_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"PACKFINDERZ_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"PACKFINDERZ_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"PACKFINDERZ_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"PACKFINDERZ_JWT_EXPIRATION_MINUTES" required:"true"`
}

// Expiration returns the access token lifetime.
func (j JWTConfig) Expiration() time.Duration {
	if j.ExpirationMinutes <= 0 {
		return 0
	}
	return time.Duration(j.ExpirationMinutes) * time.Minute
}

func (j JWTConfig) validate() error {
	if j.ExpirationMinutes <= 0 {
		return fmt.Errorf("%s must be positive", EnvJWTExpMins)
	}
	return nil
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"PACKFINDERZ_AUTO_MIGRATE" default:"false"`
}

// EventingConfig sets how long deduplication records live. Consumer markers
// outlive the Pub/Sub retention window; HTTP records cover client retries.
type EventingConfig struct {
	ProcessedEventTTL  time.Duration `envconfig:"PACKFINDERZ_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
	ClaimLease         time.Duration `envconfig:"PACKFINDERZ_EVENTING_CLAIM_LEASE" default:"5m"`
	HTTPIdempotencyTTL time.Duration `envconfig:"PACKFINDERZ_HTTP_IDEMPOTENCY_TTL" default:"24h"`
	PayoutRequestTTL   time.Duration `envconfig:"PACKFINDERZ_HTTP_PAYOUT_IDEMPOTENCY_TTL" default:"168h"`
}

// GCPConfig selects the project and, outside of workload identity, the
// service account the Pub/Sub client authenticates as.
type GCPConfig struct {
	ProjectID       string `envconfig:"PACKFINDERZ_GCP_PROJECT_ID" required:"true"`
	CredentialsJSON string `envconfig:"PACKFINDERZ_GCP_CREDENTIALS_JSON"`
	CredentialsFile string `envconfig:"PACKFINDERZ_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	OrdersSubscription string `envconfig:"PACKFINDERZ_PUBSUB_ORDERS_SUBSCRIPTION" required:"true"`
	PayoutsTopic       string `envconfig:"PACKFINDERZ_PUBSUB_PAYOUTS_TOPIC" default:"pf-payout-events"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"PACKFINDERZ_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"PACKFINDERZ_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"PACKFINDERZ_OUTBOX_MAX_ATTEMPTS" default:"10"`

	Retention      time.Duration `envconfig:"PACKFINDERZ_OUTBOX_RETENTION" default:"720h"`
	PurgeBatchSize int           `envconfig:"PACKFINDERZ_OUTBOX_PURGE_BATCH_SIZE" default:"500"`
}

// PollInterval is the idle wait between relay batches.
func (o OutboxConfig) PollInterval() time.Duration {
	return time.Duration(o.PollIntervalMS) * time.Millisecond
}

func (o OutboxConfig) validate() error {
	var err error
	if o.BatchSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s must be positive", EnvOutboxBatchSize))
	}
	if o.PollIntervalMS <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s must be positive", EnvOutboxPollMS))
	}
	if o.MaxAttempts <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s must be positive", EnvOutboxMaxAttempts))
	}
	return err
}

// LedgerConfig bounds the optimistic retry loop used by balance mutations.
type LedgerConfig struct {
	MaxAttempts    int           `envconfig:"PACKFINDERZ_LEDGER_MAX_ATTEMPTS" default:"5"`
	RetryBaseDelay time.Duration `envconfig:"PACKFINDERZ_LEDGER_RETRY_BASE_DELAY" default:"5ms"`
}

func (l LedgerConfig) validate() error {
	if l.MaxAttempts <= 0 {
		return fmt.Errorf("%s must be positive", EnvLedgerMaxAttempts)
	}
	return nil
}

// PayoutsConfig holds the payout request floor and how often a review step
// is retried after losing a concurrent-modification race.
type PayoutsConfig struct {
	MinimumAmountCents int64         `envconfig:"PACKFINDERZ_PAYOUTS_MINIMUM_AMOUNT_CENTS" default:"1000"`
	MaxAttempts        int           `envconfig:"PACKFINDERZ_PAYOUTS_MAX_ATTEMPTS" default:"3"`
	RetryBaseDelay     time.Duration `envconfig:"PACKFINDERZ_PAYOUTS_RETRY_BASE_DELAY" default:"10ms"`
}

func (p PayoutsConfig) validate() error {
	var err error
	if p.MinimumAmountCents <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s must be positive", EnvPayoutsMinimumAmount))
	}
	if p.MaxAttempts <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s must be positive", EnvPayoutsMaxAttempts))
	}
	return err
}

type ReconciliationConfig struct {
	Interval    time.Duration `envconfig:"PACKFINDERZ_RECONCILIATION_INTERVAL" default:"15m"`
	OrphanGrace time.Duration `envconfig:"PACKFINDERZ_RECONCILIATION_ORPHAN_GRACE" default:"30m"`
	BatchSize   int           `envconfig:"PACKFINDERZ_RECONCILIATION_BATCH_SIZE" default:"200"`
	JobTimeout  time.Duration `envconfig:"PACKFINDERZ_RECONCILIATION_JOB_TIMEOUT" default:"10m"`
}

func (r ReconciliationConfig) validate() error {
	if r.Interval <= 0 {
		return fmt.Errorf("%s must be positive", EnvReconciliationInterval)
	}
	return nil
}
