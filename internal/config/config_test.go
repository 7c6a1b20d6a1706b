package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.True(t, cfg.Headless)
	assert.Equal(t, 5, cfg.MaxPages)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, 70, cfg.ConfidenceThreshold)
	assert.Equal(t, 30*time.Second, cfg.PageLoadTimeout)
	assert.Equal(t, DefaultUserAgent, cfg.UserAgent)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("UNSUB_HEADLESS", "off")
	t.Setenv("UNSUB_MAX_PAGES", "2")
	t.Setenv("UNSUB_LINK_TIMEOUT", "45")
	t.Setenv("UNSUB_SETTLE_DELAY", "750ms")
	t.Setenv("UNSUB_MAX_RETRIES", "not-a-number")
	t.Setenv("LLM_PROVIDER", "Anthropic")

	cfg := Load()

	assert.False(t, cfg.Headless)
	assert.Equal(t, 2, cfg.MaxPages)
	assert.Equal(t, 45*time.Second, cfg.LinkTimeout)
	assert.Equal(t, 750*time.Millisecond, cfg.SettleDelay)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, "anthropic", cfg.LLMProvider)
}
