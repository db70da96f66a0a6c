package config

const (
	EnvPrefix = "EVENTCORE"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv               = "EVENTCORE_APP_ENV"
	EnvPort                 = "EVENTCORE_APP_PORT"
	EnvDBDSN                = "EVENTCORE_DB_DSN"
	EnvDBHost               = "EVENTCORE_DB_HOST"
	EnvDBUser               = "EVENTCORE_DB_USER"
	EnvDBName               = "EVENTCORE_DB_NAME"
	EnvDBPassword           = "EVENTCORE_DB_PASSWORD"
	EnvRedisURL             = "EVENTCORE_REDIS_URL"
	EnvRedisAddr            = "EVENTCORE_REDIS_ADDR"
	EnvListenerID           = "EVENTCORE_LISTENER_ID"
	EnvListenerDebounce     = "EVENTCORE_LISTENER_DEBOUNCE"
	EnvListenerMaxWait      = "EVENTCORE_LISTENER_MAX_WAIT"
	EnvJobsQueues           = "EVENTCORE_JOBS_QUEUES"
	EnvBroadcastBackend     = "EVENTCORE_BROADCAST_BACKEND"
	EnvGCPProjectID         = "EVENTCORE_GCP_PROJECT_ID"
	EnvPubSubBroadcastTopic = "EVENTCORE_PUBSUB_BROADCAST_TOPIC"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
