package config

const EnvPrefix = "PACKFINDERZ"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

const (
	EnvAppEnv    = "PACKFINDERZ_APP_ENV"
	EnvPort      = "PACKFINDERZ_APP_PORT"
	EnvLogLevel  = "PACKFINDERZ_LOG_LEVEL"
	EnvLogFormat = "PACKFINDERZ_LOG_FORMAT"

	EnvDBDSN  = "PACKFINDERZ_DB_DSN"
	EnvDBHost = "PACKFINDERZ_DB_HOST"
	EnvDBUser = "PACKFINDERZ_DB_USER"
	EnvDBName = "PACKFINDERZ_DB_NAME"

	EnvRedisURL = "PACKFINDERZ_REDIS_URL"

	EnvJWTSecret  = "PACKFINDERZ_JWT_SECRET"
	EnvJWTIssuer  = "PACKFINDERZ_JWT_ISSUER"
	EnvJWTExpMins = "PACKFINDERZ_JWT_EXPIRATION_MINUTES"

	EnvGCPProjectID       = "PACKFINDERZ_GCP_PROJECT_ID"
	EnvGCPCredentialsJSON = "PACKFINDERZ_GCP_CREDENTIALS_JSON"

	EnvPubSubOrdersSub    = "PACKFINDERZ_PUBSUB_ORDERS_SUBSCRIPTION"
	EnvPubSubPayoutsTopic = "PACKFINDERZ_PUBSUB_PAYOUTS_TOPIC"

	EnvOutboxBatchSize   = "PACKFINDERZ_OUTBOX_PUBLISH_BATCH_SIZE"
	EnvOutboxPollMS      = "PACKFINDERZ_OUTBOX_PUBLISH_POLL_MS"
	EnvOutboxMaxAttempts = "PACKFINDERZ_OUTBOX_MAX_ATTEMPTS"

	EnvLedgerMaxAttempts      = "PACKFINDERZ_LEDGER_MAX_ATTEMPTS"
	EnvPayoutsMinimumAmount   = "PACKFINDERZ_PAYOUTS_MINIMUM_AMOUNT_CENTS"
	EnvPayoutsMaxAttempts     = "PACKFINDERZ_PAYOUTS_MAX_ATTEMPTS"
	EnvPayoutsRetryBaseDelay  = "PACKFINDERZ_PAYOUTS_RETRY_BASE_DELAY"
	EnvReconciliationInterval = "PACKFINDERZ_RECONCILIATION_INTERVAL"
)
