// Package config loads service configuration from the environment, with an
// optional TOML profile file for local development overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	NATSURLs      []string      // CRM_NATS_URLS (comma-separated, default "nats://127.0.0.1:4222")
	NATSName      string        // CRM_NATS_NAME (default "crm-service")
	QueueGroup    string        // CRM_QUEUE_GROUP (optional; empty = no queue group)
	MaxReconnects int           // CRM_MAX_RECONNECTS (default 10)
	ReconnectWait time.Duration // CRM_RECONNECT_WAIT (default 2s)

	DatabaseURL string // CRM_DATABASE_URL (required by serve/cleanup)

	JWTSecret     string // CRM_JWT_SECRET (absence is fatal at first authenticated call, not at startup)
	InternalToken string // CRM_INTERNAL_TOKEN (trusted internal-service marker value)

	GRPCAddr    string // CRM_GRPC_ADDR (default ":9090")
	Environment string // CRM_ENVIRONMENT (default "development")

	IdempotencyRetention time.Duration // CRM_IDEMPOTENCY_RETENTION (default 720h = 30 days)
	SweepInterval        time.Duration // CRM_SWEEP_INTERVAL (default 1h; 0 = disabled)

	// Archive settings: when the bucket is set, swept idempotency rows are
	// exported to S3 as JSONL before deletion.
	ArchiveS3Bucket   string // CRM_ARCHIVE_S3_BUCKET
	ArchiveS3Key      string // CRM_ARCHIVE_S3_KEY (default "crmcore/processed-events.jsonl")
	ArchiveS3Region   string // CRM_ARCHIVE_S3_REGION (default "eu-west-3")
	ArchiveS3Endpoint string // CRM_ARCHIVE_S3_ENDPOINT (custom endpoint for MinIO)
}

// profile mirrors the subset of Config that may live in the optional TOML
// profile file pointed at by CRM_CONFIG. Environment variables win.
type profile struct {
	NATSURLs      string `toml:"nats_urls,omitempty"`
	NATSName      string `toml:"nats_name,omitempty"`
	QueueGroup    string `toml:"queue_group,omitempty"`
	DatabaseURL   string `toml:"database_url,omitempty"`
	JWTSecret     string `toml:"jwt_secret,omitempty"`
	InternalToken string `toml:"internal_token,omitempty"`
	GRPCAddr      string `toml:"grpc_addr,omitempty"`
	Environment   string `toml:"environment,omitempty"`
}

func Load() (*Config, error) {
	p, err := loadProfile(os.Getenv("CRM_CONFIG"))
	if err != nil {
		return nil, err
	}

	c := &Config{
		NATSURLs:          splitURLs(firstOf(os.Getenv("CRM_NATS_URLS"), p.NATSURLs, "nats://127.0.0.1:4222")),
		NATSName:          firstOf(os.Getenv("CRM_NATS_NAME"), p.NATSName, "crm-service"),
		QueueGroup:        firstOf(os.Getenv("CRM_QUEUE_GROUP"), p.QueueGroup, ""),
		DatabaseURL:       firstOf(os.Getenv("CRM_DATABASE_URL"), p.DatabaseURL, ""),
		JWTSecret:         firstOf(os.Getenv("CRM_JWT_SECRET"), p.JWTSecret, ""),
		InternalToken:     firstOf(os.Getenv("CRM_INTERNAL_TOKEN"), p.InternalToken, ""),
		GRPCAddr:          firstOf(os.Getenv("CRM_GRPC_ADDR"), p.GRPCAddr, ":9090"),
		Environment:       firstOf(os.Getenv("CRM_ENVIRONMENT"), p.Environment, "development"),
		ArchiveS3Bucket:   os.Getenv("CRM_ARCHIVE_S3_BUCKET"),
		ArchiveS3Key:      envOrDefault("CRM_ARCHIVE_S3_KEY", "crmcore/processed-events.jsonl"),
		ArchiveS3Region:   envOrDefault("CRM_ARCHIVE_S3_REGION", "eu-west-3"),
		ArchiveS3Endpoint: os.Getenv("CRM_ARCHIVE_S3_ENDPOINT"),
	}

	c.MaxReconnects, err = envInt("CRM_MAX_RECONNECTS", 10)
	if err != nil {
		return nil, err
	}
	c.ReconnectWait, err = envDuration("CRM_RECONNECT_WAIT", 2*time.Second)
	if err != nil {
		return nil, err
	}
	c.IdempotencyRetention, err = envDuration("CRM_IDEMPOTENCY_RETENTION", 720*time.Hour)
	if err != nil {
		return nil, err
	}
	c.SweepInterval, err = envDuration("CRM_SWEEP_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}

	return c, nil
}

func loadProfile(path string) (profile, error) {
	var p profile
	if path == "" {
		return p, nil
	}
	if _, err := toml.DecodeFile(path, &p); err != nil {
		if os.IsNotExist(err) {
			return profile{}, nil
		}
		return profile{}, fmt.Errorf("CRM_CONFIG: %w", err)
	}
	return p, nil
}

func splitURLs(s string) []string {
	parts := strings.Split(s, ",")
	urls := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			urls = append(urls, p)
		}
	}
	return urls
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
