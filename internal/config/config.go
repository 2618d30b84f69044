package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	GRPC    GRPCConfig    `mapstructure:"grpc"`
	Storage StorageConfig `mapstructure:"storage"`
	Persist PersistConfig `mapstructure:"persist"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Mongo   MongoConfig   `mapstructure:"mongo"`
	SQLite  SQLiteConfig  `mapstructure:"sqlite"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Port            string        `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// FlushOnWrite makes mutation handlers wait for the snapshot write and
	// report persistence failures to the client.
	FlushOnWrite bool  `mapstructure:"flush_on_write"`
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

type GRPCConfig struct {
	Port           string        `mapstructure:"port"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

type StorageConfig struct {
	Driver    string `mapstructure:"driver"`
	KeyPrefix string `mapstructure:"key_prefix"`
	// TTL expires snapshots that were not written for this long. Zero keeps them.
	TTL time.Duration `mapstructure:"ttl"`
	// SessionIdle releases carts from memory that were not used for this
	// long. Zero keeps them until shutdown.
	SessionIdle time.Duration `mapstructure:"session_idle"`
	// MaxSessions caps the carts held in memory. Zero means no cap.
	MaxSessions int `mapstructure:"max_sessions"`
}

type PersistConfig struct {
	MaxRetries      uint64        `mapstructure:"max_retries"`
	RetryInterval   time.Duration `mapstructure:"retry_interval"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverMongo  = "mongo"
	DriverSQLite = "sqlite"
)

// Load reads defaults, then the optional config file at path, then CART_*
// environment variables (CART_REDIS_ADDR overrides redis.addr). A .env file in
// the working directory is loaded into the environment first.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CART")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("http.port", "8080")
	v.SetDefault("http.request_timeout", "30s")
	v.SetDefault("http.shutdown_timeout", "10s")
	v.SetDefault("http.flush_on_write", true)
	v.SetDefault("http.max_body_bytes", 1<<20) // 1MB

	v.SetDefault("grpc.port", "50052")
	v.SetDefault("grpc.health_interval", "10s")

	v.SetDefault("storage.driver", DriverRedis)
	v.SetDefault("storage.key_prefix", "@GoMarketplace:products")
	v.SetDefault("storage.ttl", "0s")
	v.SetDefault("storage.session_idle", "30m")
	v.SetDefault("storage.max_sessions", 0)

	v.SetDefault("persist.max_retries", 3)
	v.SetDefault("persist.retry_interval", "100ms")
	v.SetDefault("persist.write_timeout", "5s")
	v.SetDefault("persist.breaker_failures", 5)
	v.SetDefault("persist.breaker_timeout", "30s")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "cartdb")
	v.SetDefault("mongo.collection", "cart_snapshots")

	v.SetDefault("sqlite.path", "./cart.db")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "checkout-outbox")
	v.SetDefault("kafka.group_id", "cart-service-consumer")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverRedis, DriverMongo, DriverSQLite:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.KeyPrefix == "" {
		return errors.New("storage.key_prefix must not be empty")
	}
	if c.Storage.SessionIdle < 0 {
		return fmt.Errorf("storage.session_idle must not be negative, got %s", c.Storage.SessionIdle)
	}
	if c.Storage.MaxSessions < 0 {
		return fmt.Errorf("storage.max_sessions must not be negative, got %d", c.Storage.MaxSessions)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers must be set when kafka is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1], got %v", c.Tracing.SampleRatio)
	}
	return nil
}
