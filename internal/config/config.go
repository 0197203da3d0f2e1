// Package config loads the chatd runtime configuration from the
// environment. Secrets support the _FILE convention for Docker secrets.
package config

import (
	"strings"
	"time"

	"cipherchat/internal/database"
	"cipherchat/pkg/env"
)

// Config is the full chatd configuration
type Config struct {
	Port           string
	AllowedOrigins []string

	JWTSecret string
	JWTTTL    time.Duration

	// Storage backends. UseMemoryStores short-circuits every external
	// dependency for local development and tests.
	UseMemoryStores bool

	Cassandra database.CassandraConfig
	Cockroach database.CockroachConfig
	Redis     database.RedisConfig

	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOSecure    bool

	KeyStorePath string
	DeviceID     string
}

// Load reads the configuration from the environment
func Load() Config {
	return Config{
		Port:           env.GetString("PORT", "8080"),
		AllowedOrigins: splitNonEmpty(env.GetString("ALLOWED_ORIGINS", "")),

		JWTSecret: env.GetStringFromFile("JWT_SECRET", ""),
		JWTTTL:    env.GetDuration("JWT_TTL", 24*time.Hour),

		UseMemoryStores: env.GetBool("USE_MEMORY_STORES", false),

		Cassandra: database.CassandraConfig{
			Hosts:    splitNonEmpty(env.GetString("CASSANDRA_HOSTS", "localhost")),
			Keyspace: env.GetString("CASSANDRA_KEYSPACE", "cipherchat"),
			Username: env.GetStringFromFile("CASSANDRA_USER", ""),
			Password: env.GetStringFromFile("CASSANDRA_PASSWORD", ""),
			Timeout:  env.GetDuration("CASSANDRA_TIMEOUT", 10*time.Second),
		},
		Cockroach: database.CockroachConfig{
			Host:     env.GetString("COCKROACH_HOST", "localhost"),
			Port:     env.GetInt("COCKROACH_PORT", 26257),
			User:     env.GetString("COCKROACH_USER", "root"),
			Password: env.GetStringFromFile("COCKROACH_PASSWORD", ""),
			Database: env.GetString("COCKROACH_DATABASE", "cipherchat"),
			SSLMode:  env.GetString("COCKROACH_SSLMODE", "disable"),
		},
		Redis: database.RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
		},

		MinIOEndpoint:  env.GetString("MINIO_ENDPOINT", "localhost:9000"),
		MinIOAccessKey: env.GetStringFromFile("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey: env.GetStringFromFile("MINIO_SECRET_KEY", ""),
		MinIOBucket:    env.GetString("MINIO_BUCKET", "cipherchat-media"),
		MinIOSecure:    env.GetBool("MINIO_SECURE", true),

		KeyStorePath: env.GetString("KEYSTORE_PATH", "cipherchat-keys.db"),
		DeviceID:     env.GetString("DEVICE_ID", ""),
	}
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
