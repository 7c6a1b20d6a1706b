package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Browser
	Headless          bool
	MaxPages          int
	MemoryCeilingMB   int
	PageLoadTimeout   time.Duration
	ElementTimeout    time.Duration
	NetworkIdleTime   time.Duration
	SettleDelay       time.Duration
	UserAgent         string
	ViewportWidth     int
	ViewportHeight    int
	BlockHeavyContent bool

	// Orchestrator
	LinkTimeout         time.Duration
	RequestTimeout      time.Duration
	MaxRetries          int
	ConfidenceThreshold int
	BatchConcurrency    int

	// LLM
	LLMProvider string
	LLMTimeout  time.Duration

	// Statistics
	RedisURL string
}

const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

func Load() *Config {
	return &Config{
		Headless:          getEnvBool("UNSUB_HEADLESS", true),
		MaxPages:          getEnvInt("UNSUB_MAX_PAGES", 5),
		MemoryCeilingMB:   getEnvInt("UNSUB_MEMORY_CEILING_MB", 1536),
		PageLoadTimeout:   getEnvDuration("UNSUB_PAGE_LOAD_TIMEOUT", 30*time.Second),
		ElementTimeout:    getEnvDuration("UNSUB_ELEMENT_TIMEOUT", 5*time.Second),
		NetworkIdleTime:   getEnvDuration("UNSUB_NETWORK_IDLE_TIMEOUT", 5*time.Second),
		SettleDelay:       getEnvDuration("UNSUB_SETTLE_DELAY", 2*time.Second),
		UserAgent:         getEnv("UNSUB_USER_AGENT", DefaultUserAgent),
		ViewportWidth:     getEnvInt("UNSUB_VIEWPORT_WIDTH", 1024),
		ViewportHeight:    getEnvInt("UNSUB_VIEWPORT_HEIGHT", 768),
		BlockHeavyContent: getEnvBool("UNSUB_BLOCK_HEAVY_CONTENT", true),

		LinkTimeout:         getEnvDuration("UNSUB_LINK_TIMEOUT", 60*time.Second),
		RequestTimeout:      getEnvDuration("UNSUB_REQUEST_TIMEOUT", 180*time.Second),
		MaxRetries:          getEnvInt("UNSUB_MAX_RETRIES", 2),
		ConfidenceThreshold: getEnvInt("UNSUB_CONFIDENCE_THRESHOLD", 70),
		BatchConcurrency:    getEnvInt("UNSUB_BATCH_CONCURRENCY", 3),

		LLMProvider: strings.ToLower(getEnv("LLM_PROVIDER", "openai")),
		LLMTimeout:  getEnvDuration("LLM_TIMEOUT", 60*time.Second),

		RedisURL: getEnv("REDIS_URL", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("45s") or bare seconds ("45").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return defaultValue
	}
}
