package config

import (
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	AppName                      string        `env:"APP_NAME" env-default:"sorrel-api"`
	Version                      string        `env:"APP_VERSION" env-default:"dev"`
	Port                         int           `env:"PORT" env-default:"3000"`
	LogLevel                     string        `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                   bool          `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerReadTimeoutSeconds int           `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds int           `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"60"`
	ReadHeaderTimeoutSeconds     int           `env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes               int           `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"`
	AllowOrigins                 []string      `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	StartupMaxAttempts           int           `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`
	ShutdownTimeout              time.Duration `env:"SHUTDOWN_TIMEOUT" env-default:"30s"`

	// Database
	DatabaseHost                  string        `env:"DB_HOST" env-default:"localhost"`
	DatabasePort                  string        `env:"DB_PORT" env-default:"5432"`
	DatabaseUserName              string        `env:"DB_USER_NAME" env-default:""`
	DatabasePassword              string        `env:"DB_PASSWORD" env-default:""`
	DatabaseName                  string        `env:"DB_NAME" env-default:"sorrel"`
	DatabaseSSLMode               string        `env:"DB_SSL_MODE" env-default:"disable"`
	DatabaseMaxOpenConns          int           `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	DatabaseMaxIdleConns          int           `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	DatabaseConnMaxLifetime       time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"5m"`
	DatabaseMigrationFolderPath   string        `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	DatabaseMigrationVersion      int           `env:"DB_MIGRATION_VERSION" env-default:"0"`
	DatabaseMigrationForce        int           `env:"DB_MIGRATION_FORCE" env-default:"0"`
	DatabaseMigrationAutoRollback bool          `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Redis backs scheduler locks and the shared upstream rate budget
	RedisHost     string `env:"REDIS_HOST" env-default:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" env-default:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	RedisDB       int    `env:"REDIS_DB" env-default:"0"`

	// Kafka receives sync job lifecycle events
	KafkaEnabled     bool   `env:"KAFKA_ENABLED" env-default:"false"`
	KafkaBrokers     string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	KafkaEventsTopic string `env:"KAFKA_EVENTS_TOPIC" env-default:"sync-job-events"`

	// Upstream customs API
	CustomsBaseURL  string        `env:"CUSTOMS_BASE_URL" env-default:"http://localhost:8089"`
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT" env-default:"30s"`
	// Upstream calls allowed per window across all instances; zero disables the budget
	UpstreamRateLimit  int64         `env:"UPSTREAM_RATE_LIMIT" env-default:"120"`
	UpstreamRateWindow time.Duration `env:"UPSTREAM_RATE_WINDOW" env-default:"1m"`

	// Token encryption key, base64 encoded 32 bytes
	TokenEncryptionKey string `env:"TOKEN_ENCRYPTION_KEY" env-default:""`

	// Field mapping, JMESPath expressions over the merged detail payload
	MappingDeclarationType string `env:"MAPPING_DECLARATION_TYPE" env-default:"detail.declarationType"`
	MappingCustomsOffice   string `env:"MAPPING_CUSTOMS_OFFICE" env-default:"detail.customsOffice.code"`
	MappingDeclarant       string `env:"MAPPING_DECLARANT" env-default:"detail.declarant.name"`
	MappingTotalValue      string `env:"MAPPING_TOTAL_VALUE" env-default:"detail.invoice.totalValue"`
	MappingCurrency        string `env:"MAPPING_CURRENCY" env-default:"detail.invoice.currency"`
	MappingGoods           string `env:"MAPPING_GOODS" env-default:"detail.goods"`
	MappingGoodsCode       string `env:"MAPPING_GOODS_CODE" env-default:"commodityCode"`
	MappingGoodsDesc       string `env:"MAPPING_GOODS_DESCRIPTION" env-default:"description"`

	// Sync policy
	SyncChunkDays            int           `env:"SYNC_CHUNK_DAYS" env-default:"7"`
	SyncMaxRangeDays         int           `env:"SYNC_MAX_RANGE_DAYS" env-default:"1095"`
	SyncMaxRetries           int           `env:"SYNC_MAX_RETRIES" env-default:"3"`
	SyncRetryBaseDelay       time.Duration `env:"SYNC_RETRY_BASE_DELAY" env-default:"1s"`
	SyncRetryMaxDelay        time.Duration `env:"SYNC_RETRY_MAX_DELAY" env-default:"30s"`
	SyncFailureRateThreshold float64       `env:"SYNC_FAILURE_RATE_THRESHOLD" env-default:"0.5"`
	SyncFailureRateMinSample int           `env:"SYNC_FAILURE_RATE_MIN_SAMPLE" env-default:"10"`
	SyncJobConcurrency       int           `env:"SYNC_JOB_CONCURRENCY" env-default:"4"`
	SyncGlobalConcurrency    int64         `env:"SYNC_GLOBAL_CONCURRENCY" env-default:"16"`
	SyncCancelPollInterval   time.Duration `env:"SYNC_CANCEL_POLL_INTERVAL" env-default:"2s"`
	SyncStaleAfter           time.Duration `env:"SYNC_STALE_AFTER" env-default:"2m"`

	// Exchange rates
	RatesSourceURL     string `env:"RATES_SOURCE_URL" env-default:"http://localhost:8089/rates"`
	RatesTolerance     string `env:"RATES_TOLERANCE" env-default:"0.0001"`
	RatesAuditMaxDays  int    `env:"RATES_AUDIT_MAX_DAYS" env-default:"1825"`
	RatesRefreshEnable bool   `env:"RATES_REFRESH_ENABLED" env-default:"true"`

	// Scheduler
	SchedulerEnabled      bool          `env:"SCHEDULER_ENABLED" env-default:"true"`
	SchedulerPollInterval time.Duration `env:"SCHEDULER_POLL_INTERVAL" env-default:"5m"`
	SchedulerSyncEvery    time.Duration `env:"SCHEDULER_SYNC_EVERY" env-default:"24h"`
	SchedulerLookbackDays int           `env:"SCHEDULER_LOOKBACK_DAYS" env-default:"14"`

	// Tracing
	OTLPEnabled  bool   `env:"OTLP_ENABLED" env-default:"false"`
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	OTLPProtocol string `env:"OTLP_PROTOCOL" env-default:"grpc"`
	OTLPInsecure bool   `env:"OTLP_INSECURE" env-default:"true"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
