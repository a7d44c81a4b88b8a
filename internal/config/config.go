package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Auth
	JWTSecret string

	// Database (attempt audit trail)
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (rate limiting, provider dedup)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS delivery providers
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string

	// Push relay endpoint (mobile push goes through an HTTP relay)
	PushRelayURL     string
	PushRelayTimeout time.Duration

	// SQS audit queue for terminally failed intents
	SQSRegion string
	SQSDLQURL string

	// Connection manager timings
	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatGrace    time.Duration

	// Delivery orchestrator
	AggregationWindow time.Duration
	MaxAttempts       int

	// Stream retention for last_event_id resumption
	RetentionSize int
	RetentionAge  time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "beacon",
		DBName:    "beacon",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@beacon.local",

		PushRelayTimeout: 10 * time.Second,

		AuthTimeout:       5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatGrace:    10 * time.Second,

		AggregationWindow: 2 * time.Minute,
		MaxAttempts:       3,

		RetentionSize: 4096,
		RetentionAge:  15 * time.Minute,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.JWTSecret = secret
	}

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("PUSH_RELAY_URL"); url != "" {
		cfg.PushRelayURL = url
	}

	if timeout := os.Getenv("PUSH_RELAY_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid PUSH_RELAY_TIMEOUT: %w", err)
		}
		cfg.PushRelayTimeout = d
	}

	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_DLQ_URL"); url != "" {
		cfg.SQSDLQURL = url
	}

	if window := os.Getenv("AGGREGATION_WINDOW"); window != "" {
		d, err := time.ParseDuration(window)
		if err != nil {
			return nil, fmt.Errorf("invalid AGGREGATION_WINDOW: %w", err)
		}
		cfg.AggregationWindow = d
	}

	if attempts := os.Getenv("MAX_ATTEMPTS"); attempts != "" {
		n, err := strconv.Atoi(attempts)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_ATTEMPTS: %w", err)
		}
		cfg.MaxAttempts = n
	}

	if size := os.Getenv("RETENTION_SIZE"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("invalid RETENTION_SIZE: %w", err)
		}
		cfg.RetentionSize = n
	}

	return cfg, nil
}
