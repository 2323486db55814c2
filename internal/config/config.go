package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// Config is the process configuration, read from the environment and an
// optional env-style file named by CONFIG_FILE.
type Config struct {
	HTTPAddr      string
	GRPCAddr      string
	StoreBackend  string
	PostgresDSN   string
	MongoURI      string
	MongoDatabase string
	RedisAddr     string
	NATSURL       string
	EventSubject  string

	LockTTL         time.Duration
	LockMaxAttempts int
	LockBackoff     time.Duration

	SuggestionWindow time.Duration
	NextSlotHorizon  time.Duration
	MaxSuggestions   int

	IdempotencyTTL time.Duration

	OutboxPoll  time.Duration
	OutboxBatch int
	OutboxRetry int

	RateReadRPS    float64
	RateReadBurst  float64
	RateWriteRPS   float64
	RateWriteBurst float64
}

func defaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("STORE_BACKEND", BackendMemory)
	v.SetDefault("MONGO_DATABASE", "fleetslot")
	v.SetDefault("EVENT_SUBJECT", "booking.events")
	v.SetDefault("LOCK_TTL_SEC", 10)
	v.SetDefault("LOCK_MAX_ATTEMPTS", 5)
	v.SetDefault("LOCK_BACKOFF_MS", 50)
	v.SetDefault("SUGGEST_WINDOW_DAYS", 7)
	v.SetDefault("NEXT_SLOT_HORIZON_DAYS", 30)
	v.SetDefault("MAX_SUGGESTIONS", 5)
	v.SetDefault("IDEMPOTENCY_TTL_HOURS", 24)
	v.SetDefault("OUTBOX_POLL_MS", 200)
	v.SetDefault("OUTBOX_BATCH", 100)
	v.SetDefault("OUTBOX_RETRY_MAX", 3)
	v.SetDefault("RATE_READ_RPS", 0)
	v.SetDefault("RATE_READ_BURST", 0)
	v.SetDefault("RATE_WRITE_RPS", 0)
	v.SetDefault("RATE_WRITE_BURST", 0)
}

// Load reads the configuration and validates backend requirements.
func Load() (Config, error) {
	v := viper.New()
	defaults(v)
	v.AutomaticEnv()

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	day := 24 * time.Hour
	cfg := Config{
		HTTPAddr:         v.GetString("HTTP_ADDR"),
		GRPCAddr:         v.GetString("GRPC_ADDR"),
		StoreBackend:     strings.ToLower(v.GetString("STORE_BACKEND")),
		PostgresDSN:      firstNonEmpty(v.GetString("POSTGRES_DSN"), v.GetString("DATABASE_URL")),
		MongoURI:         v.GetString("MONGO_URI"),
		MongoDatabase:    v.GetString("MONGO_DATABASE"),
		RedisAddr:        v.GetString("REDIS_ADDR"),
		NATSURL:          v.GetString("NATS_URL"),
		EventSubject:     v.GetString("EVENT_SUBJECT"),
		LockTTL:          time.Duration(v.GetInt("LOCK_TTL_SEC")) * time.Second,
		LockMaxAttempts:  v.GetInt("LOCK_MAX_ATTEMPTS"),
		LockBackoff:      time.Duration(v.GetInt("LOCK_BACKOFF_MS")) * time.Millisecond,
		SuggestionWindow: time.Duration(v.GetInt("SUGGEST_WINDOW_DAYS")) * day,
		NextSlotHorizon:  time.Duration(v.GetInt("NEXT_SLOT_HORIZON_DAYS")) * day,
		MaxSuggestions:   v.GetInt("MAX_SUGGESTIONS"),
		IdempotencyTTL:   time.Duration(v.GetInt("IDEMPOTENCY_TTL_HOURS")) * time.Hour,
		OutboxPoll:       time.Duration(v.GetInt("OUTBOX_POLL_MS")) * time.Millisecond,
		OutboxBatch:      v.GetInt("OUTBOX_BATCH"),
		OutboxRetry:      v.GetInt("OUTBOX_RETRY_MAX"),
		RateReadRPS:      v.GetFloat64("RATE_READ_RPS"),
		RateReadBurst:    v.GetFloat64("RATE_READ_BURST"),
		RateWriteRPS:     v.GetFloat64("RATE_WRITE_RPS"),
		RateWriteBurst:   v.GetFloat64("RATE_WRITE_BURST"),
	}
	cfg.RateReadBurst = burstFor(cfg.RateReadRPS, cfg.RateReadBurst)
	cfg.RateWriteBurst = burstFor(cfg.RateWriteRPS, cfg.RateWriteBurst)
	return cfg, cfg.Validate()
}

// burstFor defaults an unset burst to one second of traffic, never below a
// single request, so a configured rate is never silently disabled.
func burstFor(rate, burst float64) float64 {
	if rate <= 0 || burst > 0 {
		return burst
	}
	return max(rate, 1)
}

// Validate checks that the selected backend has its connection settings.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return errors.New("postgres backend requires POSTGRES_DSN or DATABASE_URL")
		}
	case BackendMongo:
		if c.MongoURI == "" {
			return errors.New("mongo backend requires MONGO_URI")
		}
		// Mongo transactions do not stop two replicas inserting overlapping
		// windows; the shared Redis lock does.
		if c.RedisAddr == "" {
			return errors.New("mongo backend requires REDIS_ADDR for resource locks")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.MaxSuggestions <= 0 {
		return errors.New("MAX_SUGGESTIONS must be positive")
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
