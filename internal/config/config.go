package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
// We use a struct (not globals) so it's testable and explicit.
type Config struct {
	// Server
	ServerAddr string
	Env        string // "development" or "production"
	LogLevel   slog.Level
	AppBaseURL string // allowed CORS origin in production

	// WebRTC / TURN
	ICESTUNURLs          []string
	ICETURNURLs          []string
	TURNUsername         string
	TURNPassword         string
	ICECandidatePoolSize uint8
	ICEIncludeLoopback   bool

	// Call lifecycle
	CallSetupTimeout time.Duration

	// Inbound signaling budget per sender
	SignalRatePerSec float64
	SignalBurst      int

	// HTTP budget per client address
	HTTPRatePerMin int

	// Media
	MediaSource string // "synthetic" or "devices"
	RecordDir   string // remote tracks are written here when set

	// Redis (for PubSub horizontal scaling)
	RedisURL   string // e.g., "redis://localhost:6379"
	PubSubType string // "memory" or "redis"
}

// Load reads configuration from environment variables, after loading a .env
// file from the working directory when one exists. Variables already set in
// the environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return fromEnv()
}

func fromEnv() (*Config, error) {
	cfg := &Config{
		ServerAddr: getEnvOrDefault("SERVER_ADDR", "0.0.0.0:8080"),
		Env:        getEnvOrDefault("APP_ENV", "development"),
		AppBaseURL: getEnvOrDefault("APP_BASE_URL", "http://localhost:5173"),
	}

	var err error
	if cfg.LogLevel, err = parseLevel(getEnvOrDefault("LOG_LEVEL", "info")); err != nil {
		return nil, err
	}

	// WebRTC / TURN configuration
	cfg.ICESTUNURLs = splitEnv("ICE_STUN_URLS", "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302")
	cfg.ICETURNURLs = splitEnv("ICE_TURN_URLS", "")
	cfg.TURNUsername = os.Getenv("TURN_USERNAME")
	cfg.TURNPassword = os.Getenv("TURN_PASSWORD")

	pool, err := getInt("ICE_CANDIDATE_POOL_SIZE", 10)
	if err != nil {
		return nil, err
	}
	if pool < 0 || pool > 255 {
		return nil, fmt.Errorf("ICE_CANDIDATE_POOL_SIZE must be between 0 and 255, got %d", pool)
	}
	cfg.ICECandidatePoolSize = uint8(pool)

	if cfg.ICEIncludeLoopback, err = getBool("ICE_INCLUDE_LOOPBACK", false); err != nil {
		return nil, err
	}

	// Call lifecycle
	if cfg.CallSetupTimeout, err = getDuration("CALL_SETUP_TIMEOUT", 45*time.Second); err != nil {
		return nil, err
	}

	// Rate limits
	if cfg.SignalRatePerSec, err = getFloat("SIGNAL_RATE_PER_SEC", 50); err != nil {
		return nil, err
	}
	if cfg.SignalBurst, err = getInt("SIGNAL_BURST", 100); err != nil {
		return nil, err
	}
	if cfg.HTTPRatePerMin, err = getInt("HTTP_RATE_PER_MIN", 120); err != nil {
		return nil, err
	}

	// Media
	cfg.MediaSource = getEnvOrDefault("MEDIA_SOURCE", "synthetic")
	cfg.RecordDir = os.Getenv("RECORD_DIR")

	// Redis / PubSub configuration
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.PubSubType = getEnvOrDefault("PUBSUB_TYPE", "memory") // "memory" or "redis"

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.PubSubType {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when PUBSUB_TYPE=redis")
		}
	default:
		return fmt.Errorf("PUBSUB_TYPE must be memory or redis, got %q", c.PubSubType)
	}

	switch c.MediaSource {
	case "synthetic", "devices":
	default:
		return fmt.Errorf("MEDIA_SOURCE must be synthetic or devices, got %q", c.MediaSource)
	}

	if len(c.ICETURNURLs) > 0 {
		if c.TURNUsername == "" {
			return fmt.Errorf("TURN_USERNAME is required when ICE_TURN_URLS is set")
		}
		if c.TURNPassword == "" {
			return fmt.Errorf("TURN_PASSWORD is required when ICE_TURN_URLS is set")
		}
	}

	if c.CallSetupTimeout < 0 {
		return fmt.Errorf("CALL_SETUP_TIMEOUT must not be negative")
	}
	if c.SignalRatePerSec <= 0 || c.SignalBurst <= 0 {
		return fmt.Errorf("SIGNAL_RATE_PER_SEC and SIGNAL_BURST must be positive")
	}
	if c.HTTPRatePerMin <= 0 {
		return fmt.Errorf("HTTP_RATE_PER_MIN must be positive")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

// getDuration accepts Go durations ("45s") or plain seconds ("45")
func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}

// splitEnv splits a comma-separated env var into a slice
func splitEnv(key, defaultVal string) []string {
	val := os.Getenv(key)
	if val == "" {
		val = defaultVal
	}
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
