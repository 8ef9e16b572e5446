package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr      string
	JWTSecret string
	JWTTTLMin int

	// Storage backend: "sqlite" (default) or "postgres".
	Driver      string
	SQLiteDsn   string
	PostgresDsn string

	// Presence counts move to Redis when set (multi-process deployments).
	RedisAddr string

	TypingTTL       time.Duration
	ReadCoalesce    time.Duration
	PresenceBacklog int
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val != "" {
		return val
	}
	return def
}

func getint(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return def
}

func MustLoad() Config {
	cfg := Config{
		Addr:            getenv("HTTP_ADDR", ":8080"),
		JWTSecret:       getenv("JWT_SECRET", ""),
		JWTTTLMin:       getint("JWT_TTL_MIN", 1440),
		Driver:          getenv("DB_DRIVER", "sqlite"),
		SQLiteDsn:       getenv("SQLITE_DSN", "file:opschat.db?_pragma=foreign_keys(ON)"),
		PostgresDsn:     getenv("POSTGRES_DSN", ""),
		RedisAddr:       getenv("REDIS_ADDR", ""),
		TypingTTL:       time.Duration(getint("TYPING_TTL_SEC", 5)) * time.Second,
		ReadCoalesce:    time.Duration(getint("READ_COALESCE_MS", 300)) * time.Millisecond,
		PresenceBacklog: getint("PRESENCE_BACKLOG", 256),
	}
	return cfg
}
