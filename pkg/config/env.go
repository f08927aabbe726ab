package config

const (
	EnvPrefix = "BRING2LIFE"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	ModeMemory = "memory"
	ModeRPC    = "rpc"

	EnvAppEnv             = "BRING2LIFE_APP_ENV"
	EnvPort               = "BRING2LIFE_APP_PORT"
	EnvDBDSN              = "BRING2LIFE_DB_DSN"
	EnvDBHost             = "BRING2LIFE_DB_HOST"
	EnvDBUser             = "BRING2LIFE_DB_USER"
	EnvDBName             = "BRING2LIFE_DB_NAME"
	EnvRedisURL           = "BRING2LIFE_REDIS_URL"
	EnvJWTSecret          = "BRING2LIFE_JWT_SECRET"
	EnvJWTIssuer          = "BRING2LIFE_JWT_ISSUER"
	EnvLedgerMode         = "BRING2LIFE_LEDGER_MODE"
	EnvLedgerRPCAddr      = "BRING2LIFE_LEDGER_RPC_ADDR"
	EnvPlatformFeePercent = "BRING2LIFE_PLATFORM_FEE_PERCENT"
	EnvReputationDeltas   = "BRING2LIFE_REPUTATION_DELTAS"
	EnvSweepMaxAttempts   = "BRING2LIFE_SWEEP_MAX_ATTEMPTS"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
