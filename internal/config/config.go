package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultAdminJWTSecret is the development fallback for ADMIN_JWT_SECRET. It is
// rejected in production.
const DefaultAdminJWTSecret = "change-this-in-production"

// Config holds all configuration values
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	KMS        KMSConfig
	Rotation   RotationConfig
	Monitoring MonitoringConfig
	Alerting   AlertingConfig
	Admin      AdminConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port               string
	Env                string
	AllowedOrigins     []string
	RateLimitPerSecond float64
	RateLimitBurst     int
	ShutdownTimeout    time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// URL returns the database connection URL
func (c DatabaseConfig) URL() string {
	return "postgres://" + c.User + ":" + c.Password + "@" + c.Host + ":" + strconv.Itoa(c.Port) + "/" + c.DBName + "?sslmode=" + c.SSLMode
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL      string
	Password string
}

// KMSConfig holds key management secrets and cache policy
type KMSConfig struct {
	MasterKeyHex       string
	AuditHMACSecret    string
	DefaultAlgorithm   string
	KeyCacheTTL        time.Duration
	DecryptedKeyTTL    time.Duration
	WrapCachedKeys     bool
	AuditRetentionDays int
	RequireReEncryptor bool
}

// RotationConfig holds the rotation sweep schedule
type RotationConfig struct {
	Enabled bool
	Cron    string
}

// MonitoringConfig holds the monitoring job schedule and thresholds
type MonitoringConfig struct {
	Cron                 string
	HealthCheckMaxAge    time.Duration
	AlertRetention       time.Duration
	ProbeTimeout         time.Duration
	MinHitRatePercent    float64
	MinLookupsForHitRate int64
}

// AlertingConfig holds external notification endpoints
type AlertingConfig struct {
	Enabled                bool
	SlackWebhookURL        string
	SlackChannel           string
	PagerDutyKey           string
	PagerDutyEventsURL     string
	NotificationsPerSecond float64
	NotificationBurst      int
}

// AdminConfig holds admin API token settings
type AdminConfig struct {
	JWTSecret   string
	TokenExpiry time.Duration
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               getEnv("SERVER_PORT", "8080"),
			Env:                getEnv("SERVER_ENV", "development"),
			AllowedOrigins:     getEnvAsList("CORS_ALLOWED_ORIGINS", nil),
			RateLimitPerSecond: getEnvAsFloat("RATE_LIMIT_PER_SECOND", 50),
			RateLimitBurst:     getEnvAsInt("RATE_LIMIT_BURST", 100),
			ShutdownTimeout:    getEnvAsDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "kms"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
		},
		KMS: KMSConfig{
			MasterKeyHex:       getEnv("MASTER_ENCRYPTION_KEY", ""),
			AuditHMACSecret:    getEnv("KMS_AUDIT_HMAC_KEY", ""),
			DefaultAlgorithm:   getEnv("KMS_DEFAULT_ALGORITHM", "aes-256-gcm"),
			KeyCacheTTL:        getEnvAsDuration("KMS_KEY_CACHE_TTL", 300*time.Second),
			DecryptedKeyTTL:    getEnvAsDuration("KMS_DECRYPTED_KEY_TTL", 300*time.Second),
			WrapCachedKeys:     getEnvAsBool("KMS_WRAP_CACHED_KEYS", true),
			AuditRetentionDays: getEnvAsInt("KMS_AUDIT_RETENTION_DAYS", 2555),
			RequireReEncryptor: getEnvAsBool("KMS_REQUIRE_REENCRYPTOR", false),
		},
		Rotation: RotationConfig{
			Enabled: getEnvAsBool("KMS_ROTATION_ENABLED", true),
			Cron:    getEnv("KMS_ROTATION_CRON", "0 2 * * *"),
		},
		Monitoring: MonitoringConfig{
			Cron:                 getEnv("KMS_MONITORING_CRON", "@every 5m"),
			HealthCheckMaxAge:    getEnvAsDuration("KMS_HEALTH_MAX_AGE", time.Minute),
			AlertRetention:       getEnvAsDuration("KMS_ALERT_RETENTION", 7*24*time.Hour),
			ProbeTimeout:         getEnvAsDuration("KMS_PROBE_TIMEOUT", 5*time.Second),
			MinHitRatePercent:    getEnvAsFloat("KMS_MIN_CACHE_HIT_RATE", 50),
			MinLookupsForHitRate: int64(getEnvAsInt("KMS_MIN_CACHE_LOOKUPS", 100)),
		},
		Alerting: AlertingConfig{
			Enabled:                getEnvAsBool("ALERTING_ENABLED", true),
			SlackWebhookURL:        getEnv("SLACK_WEBHOOK_URL", ""),
			SlackChannel:           getEnv("SLACK_CHANNEL", "#security-alerts"),
			PagerDutyKey:           getEnv("PAGERDUTY_INTEGRATION_KEY", ""),
			PagerDutyEventsURL:     getEnv("PAGERDUTY_EVENTS_URL", "https://events.pagerduty.com/v2/enqueue"),
			NotificationsPerSecond: getEnvAsFloat("ALERT_NOTIFICATIONS_PER_SECOND", 1),
			NotificationBurst:      getEnvAsInt("ALERT_NOTIFICATION_BURST", 5),
		},
		Admin: AdminConfig{
			JWTSecret:   getEnv("ADMIN_JWT_SECRET", DefaultAdminJWTSecret),
			TokenExpiry: getEnvAsDuration("ADMIN_TOKEN_EXPIRY", time.Hour),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
