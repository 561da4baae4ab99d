package config

import (
	"os"
	"strconv"
	"time"
)

// Environment variables override config.yaml and secrets.yaml. They are
// meant for containers and CI where writing files under $HOME is awkward.
const (
	EnvPort        = "LINKPARTY_PORT"
	EnvBind        = "LINKPARTY_BIND"
	EnvLogLevel    = "LINKPARTY_LOG_LEVEL"
	EnvBackend     = "LINKPARTY_BACKEND"
	EnvPostgresURL = "LINKPARTY_POSTGRES_URL"
	EnvCache       = "LINKPARTY_CACHE"
	EnvAMQPURL     = "LINKPARTY_AMQP_URL"
	EnvAMQP        = "LINKPARTY_AMQP"
	EnvStartupWait = "LINKPARTY_STARTUP_DELAY"
)

// applyEnv applies environment overrides to cfg
func applyEnv(cfg *LocalConfig) {
	cfg.Daemon.Port = getEnvInt(EnvPort, cfg.Daemon.Port)
	cfg.Daemon.Bind = getEnv(EnvBind, cfg.Daemon.Bind)
	cfg.Daemon.LogLevel = getEnv(EnvLogLevel, cfg.Daemon.LogLevel)

	cfg.Backend.Driver = getEnv(EnvBackend, cfg.Backend.Driver)
	cfg.Backend.Postgres.URL = getEnv(EnvPostgresURL, cfg.Backend.Postgres.URL)
	cfg.Backend.Startup.Delay = getEnvDuration(EnvStartupWait, cfg.Backend.Startup.Delay)

	cfg.Cache.Driver = getEnv(EnvCache, cfg.Cache.Driver)

	cfg.Notify.AMQP.URL = getEnv(EnvAMQPURL, cfg.Notify.AMQP.URL)
	cfg.Notify.AMQP.Enabled = getEnvBool(EnvAMQP, cfg.Notify.AMQP.Enabled)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
