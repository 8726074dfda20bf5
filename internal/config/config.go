// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"time"
)

// Server holds all server configuration.
type Server struct {
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Workspace
	WorkspaceID string

	// Storage backend ("local" or "s3", default: "local")
	StorageBackend string
	WorkspaceRoot  string

	// S3 storage
	S3Endpoint  string
	S3Bucket    string
	S3Prefix    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string

	// Auth ("jwt" requires JWTSecret, "static" requires TokenHash)
	AuthMode  string
	JWTSecret string
	TokenHash string

	// Websocket keepalive
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// Client holds sync client configuration.
type Client struct {
	ServerURL   string
	WorkspaceID string
	Token       string
	MirrorDir   string

	LogLevel string

	PollInterval   time.Duration
	RequestTimeout time.Duration
}

// LoadServer reads server configuration from environment variables.
func LoadServer() (*Server, error) {
	cfg := &Server{
		ListenAddr:     envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:    envOr("METRICS_ADDR", ":9090"),
		LogLevel:       envOr("LOG_LEVEL", "info"),
		LogFormat:      envOr("LOG_FORMAT", "json"),
		WorkspaceID:    envOr("WORKSPACE_ID", "default"),
		StorageBackend: envOr("STORAGE_BACKEND", "local"),
		WorkspaceRoot:  envOr("WORKSPACE_ROOT", ""),
		S3Endpoint:     envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:       envOr("S3_BUCKET", "orchard"),
		S3Prefix:       envOr("S3_PREFIX", ""),
		S3AccessKey:    envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:    envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:       envOr("S3_REGION", "us-east-1"),
		AuthMode:       envOr("AUTH_MODE", "jwt"),
		JWTSecret:      envOr("JWT_SECRET", ""),
		TokenHash:      envOr("TOKEN_HASH", ""),
		PingInterval:   envDuration("PING_INTERVAL", 30*time.Second),
		WriteTimeout:   envDuration("WRITE_TIMEOUT", 10*time.Second),
	}

	if cfg.StorageBackend == "local" && cfg.WorkspaceRoot == "" {
		return nil, fmt.Errorf("WORKSPACE_ROOT is required for local storage")
	}
	switch cfg.AuthMode {
	case "jwt":
		if cfg.JWTSecret == "" {
			return nil, fmt.Errorf("JWT_SECRET is required for jwt auth")
		}
	case "static":
		if cfg.TokenHash == "" {
			return nil, fmt.Errorf("TOKEN_HASH is required for static auth")
		}
	default:
		return nil, fmt.Errorf("unknown AUTH_MODE %q", cfg.AuthMode)
	}

	return cfg, nil
}

// LoadClient reads sync client configuration from environment variables.
func LoadClient() (*Client, error) {
	cfg := &Client{
		ServerURL:      envOr("SERVER_URL", "ws://localhost:8080/ws"),
		WorkspaceID:    envOr("WORKSPACE_ID", "default"),
		Token:          envOr("TOKEN", ""),
		MirrorDir:      envOr("MIRROR_DIR", ""),
		LogLevel:       envOr("LOG_LEVEL", "info"),
		PollInterval:   envDuration("POLL_INTERVAL", 2*time.Second),
		RequestTimeout: envDuration("REQUEST_TIMEOUT", 5*time.Second),
	}

	if cfg.MirrorDir == "" {
		return nil, fmt.Errorf("MIRROR_DIR is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("TOKEN is required")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
