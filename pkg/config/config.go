// Package config provides configuration management for the Training Integrity System.
// Loads settings from environment variables and .env files with validation and defaults.
// All proctoring policy values (intervals, timeouts, thresholds) are tunable here
// rather than hard-coded in the engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// PolicyConfig groups the proctoring policy knobs of the integrity engine.
// Every value has a production default; tests override individual fields.
type PolicyConfig struct {
	HeartbeatIntervalSec    int     // Expected client heartbeat period (seconds)
	ToleranceFactor         float64 // Delta clamp = heartbeat interval x this factor
	SkipToleranceSec        float64 // Allowed forward position jump beyond the credited delta
	PositionErrorMarginSec  float64 // Allowed backward position drift before it counts as an anomaly
	SpeedTolerance          float64 // Allowed delta vs client-clock gap multiplier
	MaxAnomalies            int     // Suspicious heartbeats before the session is aborted
	WallClockToleranceSec   float64 // Slack for the accrued-time vs elapsed-time invariant
	ChallengeMinIntervalSec int     // Lower bound of the random challenge delay
	ChallengeMaxIntervalSec int     // Upper bound of the random challenge delay
	ChallengeTimeoutSec     int     // Deadline for resolving an issued challenge
	CompletionThreshold     float64 // Fraction of required duration counting as watched enough
	HeartbeatTimeoutSec     int     // Heartbeat silence before the session is soft-paused
	IdleTimeoutSec          int     // Heartbeat silence before the session is expired
	SchedulerSweepSec       int     // Challenge scheduler sweep period
	ReaperSweepSec          int     // Idle reaper sweep period
}

// Config holds all configuration settings for the proctoring service.
// Provides centralized configuration management with validation and helper methods.
type Config struct {
	// Service Configuration
	Host string // Service bind host address
	Port string // Service bind port

	// Database
	DBPath string // File path for the SQLite database

	// HMAC Authentication
	ClientHMACKeyID  string // Key identifier for mobile-client request signing
	ClientHMACSecret string // Secret for mobile-client request signing
	EngineHMACKeyID  string // Key identifier for outbound engine requests (verifier, authorization)
	EngineHMACSecret string // Secret for outbound engine requests
	SharedSecretKey  string // Shared secret for simplified HMAC setup (overrides individual secrets)
	ClockSkewSeconds int    // Maximum allowed time difference for HMAC timestamp validation

	// Collaborators
	VerifierURL      string // External liveness verifier endpoint (empty disables verifier-mediated resolution)
	AuthorizationURL string // Worker-authorization notification endpoint (empty logs verdicts only)

	// Proctoring Policy
	Policy PolicyConfig // Tunable integrity-engine policy values

	// Logging
	LogLevel string // Log level (debug, info, warn, error)
}

// Load reads configuration from environment variables and .env file.
// Returns a validated configuration instance with all required settings.
// Automatically loads .env file if present, with environment variables taking precedence.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if file doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		Host: getEnv("PROCTOR_HOST", "0.0.0.0"),
		Port: getEnv("PROCTOR_PORT", "8080"),

		DBPath: getEnv("PROCTOR_DB_PATH", "proctor.db"),

		ClientHMACKeyID:  getEnv("CLIENT_HMAC_KEY_ID", "client-kid-1"),
		ClientHMACSecret: getEnv("CLIENT_HMAC_SECRET", ""),
		EngineHMACKeyID:  getEnv("ENGINE_HMAC_KEY_ID", "engine-kid-1"),
		EngineHMACSecret: getEnv("ENGINE_HMAC_SECRET", ""),
		SharedSecretKey:  getEnv("SHARED_SECRET_KEY", ""),
		ClockSkewSeconds: getEnvAsInt("CLOCK_SKEW_SECONDS", 300),

		VerifierURL:      getEnv("VERIFIER_URL", ""),
		AuthorizationURL: getEnv("AUTHORIZATION_URL", ""),

		Policy: PolicyConfig{
			HeartbeatIntervalSec:    getEnvAsInt("HEARTBEAT_INTERVAL_SEC", 5),
			ToleranceFactor:         getEnvAsFloat("HEARTBEAT_TOLERANCE_FACTOR", 2.0),
			SkipToleranceSec:        getEnvAsFloat("SKIP_TOLERANCE_SEC", 2.0),
			PositionErrorMarginSec:  getEnvAsFloat("POSITION_ERROR_MARGIN_SEC", 2.0),
			SpeedTolerance:          getEnvAsFloat("SPEED_TOLERANCE", 1.2),
			MaxAnomalies:            getEnvAsInt("MAX_ANOMALIES", 3),
			WallClockToleranceSec:   getEnvAsFloat("WALL_CLOCK_TOLERANCE_SEC", 5.0),
			ChallengeMinIntervalSec: getEnvAsInt("CHALLENGE_MIN_INTERVAL_SEC", 180),
			ChallengeMaxIntervalSec: getEnvAsInt("CHALLENGE_MAX_INTERVAL_SEC", 420),
			ChallengeTimeoutSec:     getEnvAsInt("CHALLENGE_TIMEOUT_SEC", 45),
			CompletionThreshold:     getEnvAsFloat("COMPLETION_THRESHOLD", 0.95),
			HeartbeatTimeoutSec:     getEnvAsInt("HEARTBEAT_TIMEOUT_SEC", 60),
			IdleTimeoutSec:          getEnvAsInt("IDLE_TIMEOUT_SEC", 300),
			SchedulerSweepSec:       getEnvAsInt("SCHEDULER_SWEEP_SEC", 1),
			ReaperSweepSec:          getEnvAsInt("REAPER_SWEEP_SEC", 10),
		},

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return config, config.Validate()
}

// Validate ensures all required configuration values are present and consistent.
// Checks that either the shared secret or both individual HMAC secrets are set,
// and that the policy ranges are sane.
func (c *Config) Validate() error {
	if c.SharedSecretKey == "" && (c.ClientHMACSecret == "" || c.EngineHMACSecret == "") {
		return fmt.Errorf("either SHARED_SECRET_KEY or both CLIENT_HMAC_SECRET and ENGINE_HMAC_SECRET must be set")
	}

	p := c.Policy
	if p.HeartbeatIntervalSec <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL_SEC must be positive")
	}
	if p.ToleranceFactor < 1 {
		return fmt.Errorf("HEARTBEAT_TOLERANCE_FACTOR must be at least 1")
	}
	if p.ChallengeMinIntervalSec <= 0 || p.ChallengeMaxIntervalSec < p.ChallengeMinIntervalSec {
		return fmt.Errorf("challenge interval range [%d, %d] is invalid",
			p.ChallengeMinIntervalSec, p.ChallengeMaxIntervalSec)
	}
	if p.ChallengeTimeoutSec <= 0 {
		return fmt.Errorf("CHALLENGE_TIMEOUT_SEC must be positive")
	}
	if p.CompletionThreshold <= 0 || p.CompletionThreshold > 1 {
		return fmt.Errorf("COMPLETION_THRESHOLD must be in (0, 1]")
	}
	if p.IdleTimeoutSec < p.HeartbeatTimeoutSec {
		return fmt.Errorf("IDLE_TIMEOUT_SEC must not be below HEARTBEAT_TIMEOUT_SEC")
	}
	if p.MaxAnomalies <= 0 {
		return fmt.Errorf("MAX_ANOMALIES must be positive")
	}

	return nil
}

// GetAddr returns the complete bind address for the proctoring service.
// Combines host and port into a format suitable for server binding.
func (c *Config) GetAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// GetClockSkew returns the clock skew tolerance as a time.Duration.
// Converts the configured seconds value to a duration for HMAC validation.
func (c *Config) GetClockSkew() time.Duration {
	return time.Duration(c.ClockSkewSeconds) * time.Second
}

// GetSecrets returns the HMAC secrets map for request verification and signing.
// Prefers shared secret configuration over individual secrets if available.
func (c *Config) GetSecrets() map[string]string {
	secrets := make(map[string]string)

	// If using shared secret, map both key IDs to same secret
	if c.SharedSecretKey != "" {
		secrets[c.ClientHMACKeyID] = c.SharedSecretKey
		secrets[c.EngineHMACKeyID] = c.SharedSecretKey
	} else {
		// Use individual secrets
		if c.ClientHMACSecret != "" {
			secrets[c.ClientHMACKeyID] = c.ClientHMACSecret
		}
		if c.EngineHMACSecret != "" {
			secrets[c.EngineHMACKeyID] = c.EngineHMACSecret
		}
	}

	return secrets
}

// MaxHeartbeatDelta returns the per-heartbeat accrual clamp in seconds.
func (p PolicyConfig) MaxHeartbeatDelta() float64 {
	return float64(p.HeartbeatIntervalSec) * p.ToleranceFactor
}

// ChallengeTimeout returns the challenge resolution deadline as a duration.
func (p PolicyConfig) ChallengeTimeout() time.Duration {
	return time.Duration(p.ChallengeTimeoutSec) * time.Second
}

// HeartbeatTimeout returns the soft-pause heartbeat silence as a duration.
func (p PolicyConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(p.HeartbeatTimeoutSec) * time.Second
}

// IdleTimeout returns the hard-expiry heartbeat silence as a duration.
func (p PolicyConfig) IdleTimeout() time.Duration {
	return time.Duration(p.IdleTimeoutSec) * time.Second
}

// getEnv retrieves an environment variable or returns a default value.
// Helper function for loading configuration with fallback defaults.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as integer or returns a default.
// Safely converts string environment variables to integers with error handling.
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsFloat retrieves an environment variable as float64 or returns a default.
// Safely converts string environment variables to floats with error handling.
func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
