package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries every process-level setting, read once at startup.
type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (idempotency + provider rate limiting)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// SQS ingest feed
	SQSRegion    string
	SQSIngestURL string
	SQSMirrorURL string

	// AWS channel providers
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string

	// Optional SNS topic mirroring delivery status transitions
	EventsTopicARN string

	// Dispatch queue tuning
	QueueWorkers     int
	MaxAttempts      int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	SweepInterval    time.Duration
	SendTimeout      time.Duration
	ProviderRPS      int
	ProviderRPSBurst time.Duration
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "beacon",
		DBPassword: "",
		DBName:     "beacon",
		DBSSLMode:  "disable",

		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@beacon.local",

		QueueWorkers:     4,
		MaxAttempts:      5,
		BaseBackoff:      30 * time.Second,
		MaxBackoff:       30 * time.Minute,
		SweepInterval:    1 * time.Second,
		SendTimeout:      15 * time.Second,
		ProviderRPS:      50,
		ProviderRPSBurst: 1 * time.Minute,
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

	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_INGEST_URL"); url != "" {
		cfg.SQSIngestURL = url
	}

	if url := os.Getenv("SQS_MIRROR_URL"); url != "" {
		cfg.SQSMirrorURL = url
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if arn := os.Getenv("SNS_EVENTS_TOPIC_ARN"); arn != "" {
		cfg.EventsTopicARN = arn
	}

	if workers := os.Getenv("QUEUE_WORKERS"); workers != "" {
		w, err := strconv.Atoi(workers)
		if err != nil {
			return nil, fmt.Errorf("invalid QUEUE_WORKERS: %w", err)
		}
		cfg.QueueWorkers = w
	}

	if attempts := os.Getenv("QUEUE_MAX_ATTEMPTS"); attempts != "" {
		a, err := strconv.Atoi(attempts)
		if err != nil {
			return nil, fmt.Errorf("invalid QUEUE_MAX_ATTEMPTS: %w", err)
		}
		cfg.MaxAttempts = a
	}

	if backoff := os.Getenv("QUEUE_BASE_BACKOFF_MS"); backoff != "" {
		ms, err := strconv.Atoi(backoff)
		if err != nil {
			return nil, fmt.Errorf("invalid QUEUE_BASE_BACKOFF_MS: %w", err)
		}
		cfg.BaseBackoff = time.Duration(ms) * time.Millisecond
	}

	if backoff := os.Getenv("QUEUE_MAX_BACKOFF_MS"); backoff != "" {
		ms, err := strconv.Atoi(backoff)
		if err != nil {
			return nil, fmt.Errorf("invalid QUEUE_MAX_BACKOFF_MS: %w", err)
		}
		cfg.MaxBackoff = time.Duration(ms) * time.Millisecond
	}

	if sweep := os.Getenv("QUEUE_SWEEP_INTERVAL_MS"); sweep != "" {
		ms, err := strconv.Atoi(sweep)
		if err != nil {
			return nil, fmt.Errorf("invalid QUEUE_SWEEP_INTERVAL_MS: %w", err)
		}
		cfg.SweepInterval = time.Duration(ms) * time.Millisecond
	}

	if timeout := os.Getenv("SEND_TIMEOUT_MS"); timeout != "" {
		ms, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid SEND_TIMEOUT_MS: %w", err)
		}
		cfg.SendTimeout = time.Duration(ms) * time.Millisecond
	}

	if rps := os.Getenv("PROVIDER_RATE_LIMIT"); rps != "" {
		r, err := strconv.Atoi(rps)
		if err != nil {
			return nil, fmt.Errorf("invalid PROVIDER_RATE_LIMIT: %w", err)
		}
		cfg.ProviderRPS = r
	}

	return cfg, nil
}
