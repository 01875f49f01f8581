package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	cfg := FromViper(newViper())

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "memory", cfg.QueueBackend)
	assert.Equal(t, 50*time.Millisecond, cfg.QueuePollInterval)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.False(t, cfg.RouteUnfilledMarket)
	assert.False(t, cfg.Production())
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
	assert.Equal(t, "default-client", cfg.APIClientID)
	assert.Empty(t, cfg.APICredentials)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("QUEUE_BACKEND", "Badger")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("ROUTE_UNFILLED_MARKET", "true")
	t.Setenv("QUEUE_POLL_INTERVAL", "1s")
	t.Setenv("TOKEN_TTL", "15m")
	t.Setenv("API_CREDENTIALS", "mm:k1:s1:trade|cancel, ro:k2:s2:read")

	cfg := FromViper(newViper())

	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.Production())
	assert.Equal(t, "badger", cfg.QueueBackend)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.RouteUnfilledMarket)
	assert.Equal(t, time.Second, cfg.QueuePollInterval)
	assert.Equal(t, 15*time.Minute, cfg.TokenTTL)
	assert.Equal(t, []string{"mm:k1:s1:trade|cancel", "ro:k2:s2:read"}, cfg.APICredentials)
}
