package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	RateLimit    RateLimitConfig
	FeatureFlags FeatureFlagsConfig
	Eventing     EventingConfig
	GCP          GCPConfig
	GCS          GCSConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	Ledger       LedgerConfig
	Minting      MintingConfig
	Settlement   SettlementConfig
	Sweeper      SweeperConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Settlement.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"BRING2LIFE_APP_ENV" required:"true"`
	Port         string `envconfig:"BRING2LIFE_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"BRING2LIFE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"BRING2LIFE_LOG_WARN_STACK" default:"false"`

	CORSOrigins []string `envconfig:"BRING2LIFE_CORS_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"BRING2LIFE_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN string `envconfig:"BRING2LIFE_DB_DSN"`

	LegacyHost     string `envconfig:"BRING2LIFE_DB_HOST"`
	LegacyPort     int    `envconfig:"BRING2LIFE_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"BRING2LIFE_DB_USER"`
	LegacyPassword string `envconfig:"BRING2LIFE_DB_PASSWORD"`
	LegacyName     string `envconfig:"BRING2LIFE_DB_NAME"`
	LegacySSLMode  string `envconfig:"BRING2LIFE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"BRING2LIFE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"BRING2LIFE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"BRING2LIFE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"BRING2LIFE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	SlowQuery       time.Duration `envconfig:"BRING2LIFE_DB_SLOW_QUERY" default:"500ms"`
}

type RedisConfig struct {
	URL          string        `envconfig:"BRING2LIFE_REDIS_URL" required:"true"`
	Address      string        `envconfig:"BRING2LIFE_REDIS_ADDR"`
	Password     string        `envconfig:"BRING2LIFE_REDIS_PASSWORD"`
	DB           int           `envconfig:"BRING2LIFE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"BRING2LIFE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"BRING2LIFE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"BRING2LIFE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"BRING2LIFE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"BRING2LIFE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// JWTConfig verifies bearer tokens minted by the identity service.
type JWTConfig struct {
	Secret string `envconfig:"BRING2LIFE_JWT_SECRET" required:"true"`
	Issuer string `envconfig:"BRING2LIFE_JWT_ISSUER" required:"true"`
}

// RateLimitConfig throttles mutating API calls per caller and per client IP.
type RateLimitConfig struct {
	Window    time.Duration `envconfig:"BRING2LIFE_RATE_LIMIT_WINDOW" default:"1m"`
	UserLimit int           `envconfig:"BRING2LIFE_RATE_LIMIT_USER" default:"60"`
	IPLimit   int           `envconfig:"BRING2LIFE_RATE_LIMIT_IP" default:"120"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"BRING2LIFE_AUTO_MIGRATE" default:"false"`
}

type EventingConfig struct {
	OutboxIdempotencyTTL time.Duration `envconfig:"BRING2LIFE_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"BRING2LIFE_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"BRING2LIFE_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"BRING2LIFE_GOOGLE_APPLICATION_CREDENTIALS"`
}

type GCSConfig struct {
	BucketName     string `envconfig:"BRING2LIFE_GCS_BUCKET_NAME"`
	CertificateDir string `envconfig:"BRING2LIFE_GCS_CERTIFICATE_DIR" default:"certificates"`
}

type PubSubConfig struct {
	SettlementTopic        string `envconfig:"BRING2LIFE_PUBSUB_SETTLEMENT_TOPIC" default:"b2l-settlement-events"`
	SettlementSubscription string `envconfig:"BRING2LIFE_PUBSUB_SETTLEMENT_SUBSCRIPTION"`
	OpsTopic               string `envconfig:"BRING2LIFE_PUBSUB_OPS_TOPIC" default:"b2l-ops-events"`
	OpsSubscription        string `envconfig:"BRING2LIFE_PUBSUB_OPS_SUBSCRIPTION"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"BRING2LIFE_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"BRING2LIFE_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"BRING2LIFE_OUTBOX_MAX_ATTEMPTS" default:"10"`
	RetentionDays  int `envconfig:"BRING2LIFE_OUTBOX_RETENTION_DAYS" default:"30"`
}

// LedgerConfig points at the custody ledger. Mode "memory" runs an in-process
// ledger for local development.
type LedgerConfig struct {
	Mode        string        `envconfig:"BRING2LIFE_LEDGER_MODE" default:"rpc"`
	RPCAddr     string        `envconfig:"BRING2LIFE_LEDGER_RPC_ADDR"`
	AuthToken   string        `envconfig:"BRING2LIFE_LEDGER_AUTH_TOKEN"`
	Currency    string        `envconfig:"BRING2LIFE_LEDGER_CURRENCY" default:"HBAR"`
	CallTimeout time.Duration `envconfig:"BRING2LIFE_LEDGER_CALL_TIMEOUT" default:"20s"`
}

func (l LedgerConfig) InMemory() bool {
	return strings.EqualFold(strings.TrimSpace(l.Mode), ModeMemory)
}

type MintingConfig struct {
	Mode           string        `envconfig:"BRING2LIFE_MINT_MODE" default:"rpc"`
	RPCAddr        string        `envconfig:"BRING2LIFE_MINT_RPC_ADDR"`
	AuthToken      string        `envconfig:"BRING2LIFE_MINT_AUTH_TOKEN"`
	CallTimeout    time.Duration `envconfig:"BRING2LIFE_MINT_CALL_TIMEOUT" default:"30s"`
	RoyaltyPercent float64       `envconfig:"BRING2LIFE_MINT_ROYALTY_PERCENT" default:"10"`
}

func (m MintingConfig) InMemory() bool {
	return strings.EqualFold(strings.TrimSpace(m.Mode), ModeMemory)
}

// SettlementConfig holds the platform fee and the reputation delta table.
// ReputationDeltas uses envconfig map syntax: "milestone_approved:2,commission_completed:10".
type SettlementConfig struct {
	PlatformFeePercent float64        `envconfig:"BRING2LIFE_PLATFORM_FEE_PERCENT" default:"2.5"`
	ReputationDeltas   map[string]int `envconfig:"BRING2LIFE_REPUTATION_DELTAS" default:"bid_accepted:0,milestone_approved:2,commission_completed:10,commission_cancelled:-2,dispute_resolved_for_client:-5,dispute_resolved_for_artist:3"`
}

func (s SettlementConfig) validate() error {
	if s.PlatformFeePercent < 0 || s.PlatformFeePercent >= 100 {
		return fmt.Errorf("%s must be within [0,100)", EnvPlatformFeePercent)
	}
	return nil
}

type SweeperConfig struct {
	Interval       time.Duration `envconfig:"BRING2LIFE_SWEEP_INTERVAL" default:"1m"`
	BatchSize      int           `envconfig:"BRING2LIFE_SWEEP_BATCH_SIZE" default:"100"`
	MaxAttempts    int           `envconfig:"BRING2LIFE_SWEEP_MAX_ATTEMPTS" default:"8"`
	BaseBackoff    time.Duration `envconfig:"BRING2LIFE_SWEEP_BASE_BACKOFF" default:"30s"`
	MaxBackoff     time.Duration `envconfig:"BRING2LIFE_SWEEP_MAX_BACKOFF" default:"1h"`
	StaleAfter     time.Duration `envconfig:"BRING2LIFE_SWEEP_STALE_AFTER" default:"2m"`
	LockTTL        time.Duration `envconfig:"BRING2LIFE_SWEEP_LOCK_TTL" default:"10m"`
	LockKey        string        `envconfig:"BRING2LIFE_SWEEP_LOCK_KEY" default:"b2l:cron:reconciliation"`
	AuditCustody   bool          `envconfig:"BRING2LIFE_SWEEP_AUDIT_CUSTODY" default:"true"`
	OutboxInterval time.Duration `envconfig:"BRING2LIFE_SWEEP_OUTBOX_INTERVAL" default:"24h"`
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
