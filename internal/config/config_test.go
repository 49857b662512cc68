package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.DBPort != 5432 {
		t.Errorf("DBPort = %d, want 5432", cfg.DBPort)
	}
	if cfg.QueueWorkers != 4 {
		t.Errorf("QueueWorkers = %d, want 4", cfg.QueueWorkers)
	}
	if cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.MaxAttempts)
	}
	if cfg.BaseBackoff != 30*time.Second {
		t.Errorf("BaseBackoff = %v, want 30s", cfg.BaseBackoff)
	}
	if cfg.SQSRegion != cfg.AWSRegion {
		t.Errorf("SQSRegion = %q, want AWS region fallback %q", cfg.SQSRegion, cfg.AWSRegion)
	}
	if cfg.EventsTopicARN != "" {
		t.Errorf("EventsTopicARN = %q, want empty", cfg.EventsTopicARN)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("QUEUE_MAX_ATTEMPTS", "3")
	t.Setenv("QUEUE_BASE_BACKOFF_MS", "500")
	t.Setenv("SQS_REGION", "eu-west-1")
	t.Setenv("SNS_EVENTS_TOPIC_ARN", "arn:aws:sns:eu-west-1:123456789012:delivery-events")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.DBHost != "db.internal" {
		t.Errorf("DBHost = %q, want db.internal", cfg.DBHost)
	}
	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.MaxAttempts)
	}
	if cfg.BaseBackoff != 500*time.Millisecond {
		t.Errorf("BaseBackoff = %v, want 500ms", cfg.BaseBackoff)
	}
	if cfg.SQSRegion != "eu-west-1" {
		t.Errorf("SQSRegion = %q, want eu-west-1", cfg.SQSRegion)
	}
	if cfg.EventsTopicARN == "" {
		t.Error("EventsTopicARN not read from environment")
	}
}

func TestLoad_InvalidNumeric(t *testing.T) {
	t.Setenv("PORT", "eighty")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric PORT")
	}
}
