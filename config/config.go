package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Observ   ObservabilityConfig
	Business BusinessConfig
}

type ServerConfig struct {
	Port string
	Env  string
}

type DatabaseConfig struct {
	// URL empty means the in-memory store (dev/test mode).
	URL string
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	TopicChanges  string
	ConsumerGroup string
	// RelayEnabled switches the notifier hub's feed from local publishes to
	// the Kafka topic, for multi-instance deployments.
	RelayEnabled bool
}

type ObservabilityConfig struct {
	JaegerEndpoint string
}

type BusinessConfig struct {
	OverdueSweepInterval time.Duration
	EventQueueSize       int
}

func Load() *Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	sweepSeconds, _ := strconv.Atoi(getEnv("OVERDUE_SWEEP_SECONDS", "300"))
	queueSize, _ := strconv.Atoi(getEnv("EVENT_QUEUE_SIZE", "256"))

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
			Env:  getEnv("ENV", "development"),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ENABLED", "false") == "true",
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Kafka: KafkaConfig{
			Enabled:       getEnv("KAFKA_ENABLED", "false") == "true",
			Brokers:       strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			TopicChanges:  getEnv("KAFKA_TOPIC_CHANGE_EVENTS", "change-events"),
			ConsumerGroup: getEnv("KAFKA_CONSUMER_GROUP", "credit-service"),
			RelayEnabled:  getEnv("KAFKA_RELAY_ENABLED", "false") == "true",
		},
		Observ: ObservabilityConfig{
			JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		},
		Business: BusinessConfig{
			OverdueSweepInterval: time.Duration(sweepSeconds) * time.Second,
			EventQueueSize:       queueSize,
		},
	}

	log.Printf("Config loaded: env=%s, port=%s", cfg.Server.Env, cfg.Server.Port)
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
