package config

import (
	"fmt"
	"os"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/joho/godotenv"

	"github.com/Okossum/utilization-sub004/pkg/consolidation"
	"github.com/Okossum/utilization-sub004/pkg/database"
	"github.com/Okossum/utilization-sub004/pkg/graph"
	"github.com/Okossum/utilization-sub004/pkg/kafka"
	"github.com/Okossum/utilization-sub004/pkg/models"
	"github.com/Okossum/utilization-sub004/pkg/propagation"
	"github.com/Okossum/utilization-sub004/pkg/redis"
	"github.com/Okossum/utilization-sub004/pkg/tracing/exporters"
	"github.com/Okossum/utilization-sub004/pkg/versioning"
)

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"utilization-api"`
	Version                       string   `env:"APP_VERSION" env-default:"dev"`
	Port                          int      `env:"PORT" env-default:"3004"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"60"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"30"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"`
	MaxBodySize                   string   `env:"HTTP_SERVER_MAX_BODY_SIZE" env-default:"32M"`
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	AllowMethods                  []string `env:"HTTP_SERVER_ALLOW_METHODS" env-default:"GET,POST"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	// PostgreSQL
	DatabaseHost                  string        `env:"DB_HOST" env-default:"localhost"`
	DatabasePort                  string        `env:"DB_PORT" env-default:"5432"`
	DatabaseUserName              string        `env:"DB_USER_NAME" env-default:""`
	DatabasePassword              string        `env:"DB_PASSWORD" env-default:""`
	DatabaseName                  string        `env:"DB_NAME" env-default:"utilization"`
	DatabaseSSLMode               string        `env:"DB_SSL_MODE" env-default:"disable"`
	DatabaseMaxOpenConns          int           `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	DatabaseMaxIdleConns          int           `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	DatabaseConnMaxLifetime       time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"5m"`
	DatabaseMigrationFolderPath   string        `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	DatabaseMigrationVersion      int           `env:"DB_MIGRATION_VERSION" env-default:"0"`
	DatabaseMigrationForce        int           `env:"DB_MIGRATION_FORCE" env-default:"0"`
	DatabaseMigrationAutoRollback bool          `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`
	DatabaseMigrateOnStart        bool          `env:"DB_MIGRATE_ON_START" env-default:"true"`

	// Redis, locks are disabled when RedisHost is empty
	RedisHost      string `env:"REDIS_HOST" env-default:""`
	RedisPort      int    `env:"REDIS_PORT" env-default:"6379"`
	RedisPassword  string `env:"REDIS_PASSWORD" env-default:""`
	RedisDB        int    `env:"REDIS_DB" env-default:"0"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" env-default:"utilization:lock:"`

	// Graph database, projection is disabled when GraphDBHost is empty
	GraphDBHost     string `env:"GRAPH_DB_HOST" env-default:""`
	GraphDBPort     int    `env:"GRAPH_DB_PORT" env-default:"7687"`
	GraphDBUser     string `env:"GRAPH_DB_USER" env-default:""`
	GraphDBPassword string `env:"GRAPH_DB_PASSWORD" env-default:""`
	GraphDBName     string `env:"GRAPH_DB_NAME" env-default:""`

	// Kafka CDC consumers, one Debezium topic per feed table
	KafkaBrokers             []string      `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	KafkaConsumerEnabled     bool          `env:"KAFKA_CONSUMER_ENABLED" env-default:"true"`
	KafkaAuslastungTopic     string        `env:"KAFKA_AUSLASTUNG_TOPIC" env-default:"utilization.public.auslastung_records"`
	KafkaEinsatzplanTopic    string        `env:"KAFKA_EINSATZPLAN_TOPIC" env-default:"utilization.public.einsatzplan_records"`
	KafkaMitarbeiterTopic    string        `env:"KAFKA_MITARBEITER_TOPIC" env-default:"utilization.public.mitarbeiter_records"`
	KafkaConsumerGroupPrefix string        `env:"KAFKA_CONSUMER_GROUP_PREFIX" env-default:"utilization-identity"`
	KafkaRetryBackoff        time.Duration `env:"KAFKA_RETRY_BACKOFF" env-default:"1s"`

	// Kafka producer, events are not published when the topic is empty
	KafkaOutputTopic  string `env:"KAFKA_OUTPUT_TOPIC" env-default:"utilization-events"`
	KafkaBatchSize    int    `env:"KAFKA_BATCH_SIZE" env-default:"100"`
	KafkaBatchTimeout int    `env:"KAFKA_BATCH_TIMEOUT_MS" env-default:"100"`
	KafkaRequiredAcks int    `env:"KAFKA_REQUIRED_ACKS" env-default:"1"`
	KafkaCompression  string `env:"KAFKA_COMPRESSION" env-default:"snappy"`

	// Tracing, spans are discarded when the endpoint is empty
	OTLPEndpoint string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT" env-default:""`
	OTLPProtocol string        `env:"OTEL_EXPORTER_OTLP_PROTOCOL" env-default:"grpc"`
	OTLPInsecure bool          `env:"OTEL_EXPORTER_OTLP_INSECURE" env-default:"true"`
	OTLPTimeout  time.Duration `env:"OTEL_EXPORTER_OTLP_TIMEOUT" env-default:"10s"`

	// Processing
	BatchLimit                    int           `env:"BATCH_LIMIT" env-default:"450"`
	ConsolidationWorkers          int           `env:"CONSOLIDATION_WORKERS" env-default:"8"`
	ConsolidationPreferredSource  string        `env:"CONSOLIDATION_PREFERRED_SOURCE" env-default:"auslastung"`
	ConsolidationLockTTL          time.Duration `env:"CONSOLIDATION_LOCK_TTL" env-default:"10m"`
	UploadKeyMode                 string        `env:"UPLOAD_KEY_MODE" env-default:"person"`
	UploadSupersedeMissing        bool          `env:"UPLOAD_SUPERSEDE_MISSING" env-default:"false"`
	UploadLockTTL                 time.Duration `env:"UPLOAD_LOCK_TTL" env-default:"5m"`
	IdentityMintIDs               bool          `env:"IDENTITY_MINT_IDS" env-default:"true"`
}

// Load reads .env files that exist, then binds the environment. Variables that are unset or
// empty take their env-default.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env", ".env.local"}
	}
	existing := make([]string, 0, len(envFiles))
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) > 0 {
		if err := godotenv.Load(existing...); err != nil {
			return nil, fmt.Errorf("failed to load env files: %w", err)
		}
	}

	cfg := &Config{}
	if err := ectoenv.BindEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to bind config: %w", err)
	}
	if cfg.DatabaseMigrationVersion < 0 {
		return nil, fmt.Errorf("DB_MIGRATION_VERSION must not be negative, got %d", cfg.DatabaseMigrationVersion)
	}
	if _, err := consolidation.ParsePolicy(cfg.ConsolidationPreferredSource); err != nil {
		return nil, err
	}
	if _, err := versioning.ParseKeyMode(cfg.UploadKeyMode); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Database() database.ConnectionConfig {
	return database.ConnectionConfig{
		Host:            c.DatabaseHost,
		Port:            c.DatabasePort,
		User:            c.DatabaseUserName,
		Password:        c.DatabasePassword,
		Name:            c.DatabaseName,
		SSLMode:         c.DatabaseSSLMode,
		MaxOpenConns:    c.DatabaseMaxOpenConns,
		MaxIdleConns:    c.DatabaseMaxIdleConns,
		ConnMaxLifetime: c.DatabaseConnMaxLifetime,
	}
}

func (c *Config) Migration() *database.MigrationConfig {
	return &database.MigrationConfig{
		MigrationFolderPath: c.DatabaseMigrationFolderPath,
		Version:             uint(c.DatabaseMigrationVersion),
		Force:               c.DatabaseMigrationForce,
		AutoRollback:        c.DatabaseMigrationAutoRollback,
	}
}

func (c *Config) RedisEnabled() bool { return c.RedisHost != "" }

func (c *Config) Redis() redis.Config {
	return redis.Config{Host: c.RedisHost, Port: c.RedisPort, Password: c.RedisPassword, DB: c.RedisDB}
}

func (c *Config) GraphEnabled() bool { return c.GraphDBHost != "" }

func (c *Config) Graph() graph.Config {
	return graph.Config{Host: c.GraphDBHost, Port: c.GraphDBPort, Username: c.GraphDBUser, Password: c.GraphDBPassword, Database: c.GraphDBName}
}

// FeedTopics maps every feed to its CDC topic. Feeds with an empty topic are not consumed.
func (c *Config) FeedTopics() map[models.Feed]string {
	topics := make(map[models.Feed]string, 3)
	for feed, topic := range map[models.Feed]string{
		models.FeedAuslastung:  c.KafkaAuslastungTopic,
		models.FeedEinsatzplan: c.KafkaEinsatzplanTopic,
		models.FeedMitarbeiter: c.KafkaMitarbeiterTopic,
	} {
		if topic != "" {
			topics[feed] = topic
		}
	}
	return topics
}

func (c *Config) Consumer(feed models.Feed, topic string) kafka.ConsumerConfig {
	return kafka.ConsumerConfig{
		Brokers:       c.KafkaBrokers,
		Topic:         topic,
		ConsumerGroup: c.KafkaConsumerGroupPrefix + "-" + string(feed),
		RetryBackoff:  c.KafkaRetryBackoff,
	}
}

func (c *Config) Producer() kafka.ProducerConfig {
	return kafka.ProducerConfig{
		Brokers:      c.KafkaBrokers,
		Topic:        c.KafkaOutputTopic,
		BatchSize:    c.KafkaBatchSize,
		BatchTimeout: time.Duration(c.KafkaBatchTimeout) * time.Millisecond,
		RequiredAcks: c.KafkaRequiredAcks,
		Compression:  c.KafkaCompression,
	}
}

func (c *Config) OTLP() exporters.OTLPConfig {
	return exporters.OTLPConfig{
		Endpoint: c.OTLPEndpoint,
		Protocol: c.OTLPProtocol,
		Insecure: c.OTLPInsecure,
		Timeout:  c.OTLPTimeout,
	}
}

// Consolidation returns the consolidator settings. Load has already validated the policy.
func (c *Config) Consolidation() consolidation.Config {
	policy, _ := consolidation.ParsePolicy(c.ConsolidationPreferredSource)
	return consolidation.Config{
		Policy:    policy,
		Workers:   c.ConsolidationWorkers,
		BatchSize: c.BatchLimit,
		LockTTL:   c.ConsolidationLockTTL,
	}
}

func (c *Config) Versioning() versioning.Config {
	mode, _ := versioning.ParseKeyMode(c.UploadKeyMode)
	return versioning.Config{
		KeyMode:          mode,
		SupersedeMissing: c.UploadSupersedeMissing,
		LockTTL:          c.UploadLockTTL,
	}
}

func (c *Config) Propagation() propagation.Config {
	return propagation.Config{MintIDs: c.IdentityMintIDs}
}
