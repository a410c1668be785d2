package config

import "time"

const (
	// HTTP
	DefaultHTTPAddr        = ":8080"
	DefaultShutdownTimeout = 15 * time.Second

	// Session store
	DefaultStoreDriver = StoreRedis
	DefaultRedisAddr   = "localhost:6379"
	DefaultRedisPrefix = "ochatle:"

	// User records
	DefaultUserDBDriver = UserDBPostgres
	DefaultSQLitePath   = "ochatle.db"

	// Identity
	DefaultTokenTTL = 72 * time.Hour

	// Presence
	DefaultHeartbeatInterval  = 10 * time.Second
	DefaultPresenceTimeout    = 30 * time.Second
	DefaultReapInterval       = 15 * time.Second
	DefaultOnlineCountRefresh = 5 * time.Second

	// Notices
	DefaultLocalesDir = "internal/localization/locales"

	// Logging
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
)

// Driver names.
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"

	UserDBPostgres = "postgres"
	UserDBSQLite   = "sqlite"
)
