package config

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shadowpanel/backend/internal/models"
)

type Config struct {
	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Redis
	RedisHost     string
	RedisPort     int
	RedisPassword string

	// JWT
	JWTSecret      string
	JWTExpireHours int

	// API
	APIPort int

	// Admin account seeded on first boot
	AdminUsername string
	AdminPassword string

	// Logging
	LogLevel string
	LogJSON  bool

	// Metering engine
	SnapshotInterval  time.Duration
	ReconcileInterval time.Duration
	AlertInterval     time.Duration
	RemoteTimeout     time.Duration
	UsageWarnPercent  float64
	AlertCooldown     time.Duration

	// Applied by the data-limit endpoint when no explicit limit is given.
	// Converted from DEFAULT_DATA_LIMIT_GB to exact bytes at load time.
	DefaultDataLimitBytes uint64

	// SMTP (usage alert delivery)
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	AlertEmail   string
}

// generateSecureSecret generates a cryptographically secure random secret
func generateSecureSecret(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return hex.EncodeToString([]byte(os.Getenv("HOSTNAME") + string(rune(length))))
	}
	return hex.EncodeToString(bytes)
}

func Load() *Config {
	// JWT Secret - generate random if not provided
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = generateSecureSecret(32)
		log.Warn().Msg("JWT_SECRET not set - generated random secret, sessions will not persist across restarts")
	}

	dbPassword := getEnv("DB_PASSWORD", "")
	if dbPassword == "" {
		log.Warn().Msg("DB_PASSWORD not set - this is insecure for production")
		dbPassword = "changeme"
	}

	adminPassword := getEnv("ADMIN_PASSWORD", "")
	if adminPassword == "" {
		log.Warn().Msg("ADMIN_PASSWORD not set - using insecure default")
		adminPassword = "changeme"
	}

	var defaultLimit uint64
	if gb := getEnv("DEFAULT_DATA_LIMIT_GB", ""); gb != "" {
		parsed, err := models.ParseGigabytes(gb)
		if err != nil {
			log.Warn().Err(err).Msg("invalid DEFAULT_DATA_LIMIT_GB, ignoring")
		} else {
			defaultLimit = parsed
		}
	}

	return &Config{
		// Database
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 5432),
		DBUser:     getEnv("DB_USER", "shadowpanel"),
		DBPassword: dbPassword,
		DBName:     getEnv("DB_NAME", "shadowpanel"),

		// Redis
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnvInt("REDIS_PORT", 6379),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		// JWT
		JWTSecret:      jwtSecret,
		JWTExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 168),

		// API
		APIPort: getEnvInt("API_PORT", 8080),

		AdminUsername: getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword: adminPassword,

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogJSON:  getEnvBool("LOG_JSON", true),

		// Metering engine. The snapshot interval is a deployment choice,
		// not a protocol requirement; the reconciler runs much more often
		// than the coarsest reset granularity so interval boundaries are
		// caught promptly.
		SnapshotInterval:  getEnvDuration("SNAPSHOT_INTERVAL", time.Hour),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		AlertInterval:     getEnvDuration("ALERT_INTERVAL", time.Hour),
		RemoteTimeout:     getEnvDuration("REMOTE_TIMEOUT", 10*time.Second),
		UsageWarnPercent:  getEnvFloat("USAGE_WARN_PERCENT", 80),
		AlertCooldown:     getEnvDuration("ALERT_COOLDOWN", 24*time.Hour),

		DefaultDataLimitBytes: defaultLimit,

		// SMTP
		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnv("SMTP_PORT", "587"),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:     getEnv("SMTP_FROM", ""),
		AlertEmail:   getEnv("ALERT_EMAIL", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
