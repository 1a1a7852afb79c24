// Package config loads environment-driven settings and the instrument
// universe file.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the options core.
type Config struct {
	Port string

	// Database
	DBPath string

	// Instrument universe file (YAML).
	InstrumentsPath string

	// Quoting
	BaseSpread float64 // full spread in price units
	BaseSize   float64 // per-side quote size
	MinTick    float64 // cancel-replace churn guard

	// Risk defaults when a symbol has no override.
	DefaultMaxPosition float64
	DefaultMaxDelta    float64

	// Pricing
	RiskFreeRate float64
	DefaultIV    float64

	// Hub
	HubQueueSize       int
	HubHeartbeatSecs   int
	HubIdleTimeoutSecs int

	// Simulator
	EnableSimulator bool

	// Auth
	JWTSecret     string
	AdminPassword string // plaintext from env, hashed at startup
	RequireAuth   bool
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:               getEnv("PORT", "8080"),
		DBPath:             getEnv("DB_PATH", "./data/options.db"),
		InstrumentsPath:    getEnv("INSTRUMENTS_PATH", "./instruments.yaml"),
		BaseSpread:         getEnvFloat("BASE_SPREAD", 2.0),
		BaseSize:           getEnvFloat("BASE_SIZE", 10),
		MinTick:            getEnvFloat("MIN_TICK", 0.01),
		DefaultMaxPosition: getEnvFloat("DEFAULT_MAX_POSITION", 100),
		DefaultMaxDelta:    getEnvFloat("DEFAULT_MAX_DELTA", 100),
		RiskFreeRate:       getEnvFloat("RISK_FREE_RATE", 0.05),
		DefaultIV:          getEnvFloat("DEFAULT_IV", 0.30),
		HubQueueSize:       getEnvInt("HUB_QUEUE_SIZE", 256),
		HubHeartbeatSecs:   getEnvInt("HUB_HEARTBEAT_SECS", 15),
		HubIdleTimeoutSecs: getEnvInt("HUB_IDLE_TIMEOUT_SECS", 60),
		EnableSimulator:    getEnv("ENABLE_SIMULATOR", "true") == "true",
		JWTSecret:          getEnv("JWT_SECRET", "dev-secret"),
		AdminPassword:      getEnv("ADMIN_PASSWORD", "admin"),
		RequireAuth:        getEnv("REQUIRE_AUTH", "true") == "true",
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
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
