package config

import "time"

// Config represents the complete switchboard configuration.
type Config struct {
	Service     ServiceConfig     `yaml:"service"`
	State       StateConfig       `yaml:"state"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	API         APIConfig         `yaml:"api,omitempty"`
	Security    SecurityConfig    `yaml:"security"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Artifacts   ArtifactsConfig   `yaml:"artifacts"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name            string        `yaml:"name" validate:"required"`
	LogLevel        string        `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat       string        `yaml:"log_format" validate:"oneof=json text"`
	DedupeTTL       time.Duration `yaml:"dedupe_ttl" validate:"gt=0"`
	JobLogRetention time.Duration `yaml:"job_log_retention" validate:"gt=0"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// GatewayConfig defines the public webhook listener.
type GatewayConfig struct {
	Listen string `yaml:"listen" validate:"required"`
	// PublicBaseURL overrides the scheme+host used to rebuild the signed URL
	// for form-signed providers, e.g. "https://hooks.example.com".
	PublicBaseURL  string        `yaml:"public_base_url,omitempty" validate:"omitempty,url"`
	MaxBodySize    string        `yaml:"max_body_size,omitempty"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`
	CORS           CORSConfig    `yaml:"cors"`
}

// CORSConfig configures the header-merge CORS middleware.
type CORSConfig struct {
	AllowOrigin  string   `yaml:"allow_origin"`
	AllowHeaders []string `yaml:"allow_headers,omitempty"`
	AllowMethods []string `yaml:"allow_methods,omitempty"`
}

// APIConfig defines the admin HTTP API settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen" validate:"required_if=Enabled true"`
	Auth    APIAuthConfig `yaml:"auth"`
	// EventBuffer is how many recent gateway events /events replays to a
	// reconnecting client.
	EventBuffer int `yaml:"event_buffer" validate:"gte=0"`
}

// APIAuthConfig defines admin API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty" validate:"dive"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token" validate:"required"`
	Scopes []string `yaml:"scopes" validate:"min=1"`
}

// SecurityConfig holds the key used to seal integration credentials at rest.
type SecurityConfig struct {
	// CredentialsKey is a base64-encoded 32-byte key.
	CredentialsKey string `yaml:"credentials_key" validate:"required,base64"`
}

// IdempotencyConfig selects the ledger backend.
type IdempotencyConfig struct {
	Backend string      `yaml:"backend" validate:"oneof=sqlite redis"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis ledger backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// PipelineConfig configures the async job consumer.
type PipelineConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval" validate:"gt=0"`
	MaxAttempts     int           `yaml:"max_attempts" validate:"gte=1"`
	AnalysisURL     string        `yaml:"analysis_url,omitempty" validate:"omitempty,url"`
	AnalysisToken   string        `yaml:"analysis_token,omitempty"`
	AnalysisTimeout time.Duration `yaml:"analysis_timeout" validate:"gt=0"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout" validate:"gt=0"`
	MaxRecordingMB  int64         `yaml:"max_recording_mb" validate:"gte=1"`
	// RecordingHosts extends every provider's credential allowlist, for
	// example with a recording proxy.
	RecordingHosts []string `yaml:"recording_hosts,omitempty" validate:"dive,required"`
}

// ArtifactsConfig selects where fetched recordings are stored.
type ArtifactsConfig struct {
	Backend string   `yaml:"backend" validate:"oneof=fs s3"`
	Dir     string   `yaml:"dir" validate:"required_if=Backend fs"`
	S3      S3Config `yaml:"s3"`
}

// S3Config configures the S3 artifact backend.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	EndpointURL     string `yaml:"endpoint_url,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	Prefix          string `yaml:"prefix,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "switchboard",
			LogLevel:        "info",
			LogFormat:       "json",
			DedupeTTL:       72 * time.Hour,
			JobLogRetention: 30 * 24 * time.Hour,
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		Gateway: GatewayConfig{
			Listen:         "0.0.0.0:8081",
			MaxBodySize:    "1MB",
			RequestTimeout: 8 * time.Second,
			CORS: CORSConfig{
				AllowOrigin:  "*",
				AllowHeaders: []string{"authorization", "x-client-info", "apikey", "content-type"},
				AllowMethods: []string{"POST", "OPTIONS"},
			},
		},
		API: APIConfig{
			Enabled:     false,
			Listen:      "127.0.0.1:8080",
			EventBuffer: 256,
		},
		Idempotency: IdempotencyConfig{
			Backend: "sqlite",
			Redis: RedisConfig{
				Addr:      "127.0.0.1:6379",
				KeyPrefix: "switchboard:idem:",
			},
		},
		Pipeline: PipelineConfig{
			PollInterval:    time.Second,
			MaxAttempts:     5,
			AnalysisTimeout: 10 * time.Second,
			FetchTimeout:    60 * time.Second,
			MaxRecordingMB:  200,
		},
		Artifacts: ArtifactsConfig{
			Backend: "fs",
			Dir:     "./data/artifacts",
		},
	}
}
