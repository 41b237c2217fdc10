// Package config assembles server configuration from environment variables
// and optional YAML admission profiles.
package config

import "os"

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DBDriver    string // "sqlite", "postgres", or "" for in-memory
	DatabaseURL string

	// Admission strictness. The conformance profile verifies signatures and
	// attestations only when present; strict deployments demand them.
	RequireSignatures  bool
	RequireAttestation bool

	// Test surface. When enabled, mutation helpers under /_test are exposed,
	// gated by a bearer token signed with TestJWTSecret.
	TestSurface   bool
	TestJWTSecret string

	// Anchoring.
	AnchorTSAURL string
	AnchorS3     S3Target
	AnchorGCS    GCSTarget

	// Rate limiting (requests per second per client, with burst).
	RateLimitRPS   float64
	RateLimitBurst int

	// Telemetry. Empty endpoint leaves the OTLP exporters disabled.
	OTLPEndpoint string
	OTLPInsecure bool
	Environment  string
}

// S3Target points anchor publication at an S3 bucket.
type S3Target struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// GCSTarget points anchor publication at a GCS bucket.
type GCSTarget struct {
	Bucket string
	Prefix string
}

// Load reads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:           envOr("PORT", "8080"),
		LogLevel:       envOr("LOG_LEVEL", "INFO"),
		DBDriver:       os.Getenv("DB_DRIVER"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		TestJWTSecret:  os.Getenv("TEST_JWT_SECRET"),
		AnchorTSAURL:   os.Getenv("ANCHOR_TSA_URL"),
		RateLimitRPS:   50,
		RateLimitBurst: 100,
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Environment:    envOr("ENVIRONMENT", "development"),
	}
	cfg.OTLPInsecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	cfg.RequireSignatures = os.Getenv("REQUIRE_SIGNATURES") == "true"
	cfg.RequireAttestation = os.Getenv("REQUIRE_ATTESTATION") == "true"
	cfg.TestSurface = os.Getenv("TEST_SURFACE") == "true"

	cfg.AnchorS3 = S3Target{
		Bucket:   os.Getenv("ANCHOR_S3_BUCKET"),
		Region:   envOr("ANCHOR_S3_REGION", "us-east-1"),
		Endpoint: os.Getenv("ANCHOR_S3_ENDPOINT"),
		Prefix:   envOr("ANCHOR_S3_PREFIX", "anchors/"),
	}
	cfg.AnchorGCS = GCSTarget{
		Bucket: os.Getenv("ANCHOR_GCS_BUCKET"),
		Prefix: envOr("ANCHOR_GCS_PREFIX", "anchors/"),
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
