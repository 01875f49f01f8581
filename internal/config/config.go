package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds the runtime settings of the server.
type Config struct {
	Env         string
	Debug       bool
	Port        string
	DatabaseDSN string

	JWTSecret string
	TokenTTL  time.Duration

	// APIClientID, APIKey and APISecret describe a client with every
	// permission. APICredentials lists further clients as
	// "id:key:secret[:perm|perm]" entries.
	APIClientID    string
	APIKey         string
	APISecret      string
	APICredentials []string

	QueueBackend      string // memory or badger
	QueuePath         string
	QueuePollInterval time.Duration

	KafkaBrokers     []string
	KafkaTradesTopic string

	RouteUnfilledMarket bool
	SnapshotDepth       int
}

// Production reports whether the server runs in production mode.
func (c Config) Production() bool {
	return c.Env == "production"
}

// Load reads an optional .env file and then the environment.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using environment variables")
	}
	return FromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("DEBUG", false)
	v.SetDefault("PORT", "8080")
	v.SetDefault("DATABASE_DSN", "klear.db")
	v.SetDefault("JWT_SECRET", "klear-secret-key")
	v.SetDefault("TOKEN_TTL", "24h")
	v.SetDefault("API_CLIENT_ID", "default-client")
	v.SetDefault("API_KEY", "test-api-key")
	v.SetDefault("API_SECRET", "test-api-secret")
	v.SetDefault("API_CREDENTIALS", "")
	v.SetDefault("QUEUE_BACKEND", "memory")
	v.SetDefault("QUEUE_PATH", "data/queue")
	v.SetDefault("QUEUE_POLL_INTERVAL", "50ms")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TRADES_TOPIC", "trades")
	v.SetDefault("ROUTE_UNFILLED_MARKET", false)
	v.SetDefault("SNAPSHOT_DEPTH", 50)
	return v
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) Config {
	return Config{
		Env:                 v.GetString("ENV"),
		Debug:               v.GetBool("DEBUG"),
		Port:                v.GetString("PORT"),
		DatabaseDSN:         v.GetString("DATABASE_DSN"),
		JWTSecret:           v.GetString("JWT_SECRET"),
		TokenTTL:            v.GetDuration("TOKEN_TTL"),
		APIClientID:         v.GetString("API_CLIENT_ID"),
		APIKey:              v.GetString("API_KEY"),
		APISecret:           v.GetString("API_SECRET"),
		APICredentials:      splitList(v.GetString("API_CREDENTIALS")),
		QueueBackend:        strings.ToLower(v.GetString("QUEUE_BACKEND")),
		QueuePath:           v.GetString("QUEUE_PATH"),
		QueuePollInterval:   v.GetDuration("QUEUE_POLL_INTERVAL"),
		KafkaBrokers:        splitList(v.GetString("KAFKA_BROKERS")),
		KafkaTradesTopic:    v.GetString("KAFKA_TRADES_TOPIC"),
		RouteUnfilledMarket: v.GetBool("ROUTE_UNFILLED_MARKET"),
		SnapshotDepth:       v.GetInt("SNAPSHOT_DEPTH"),
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
