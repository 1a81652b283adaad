// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// GRPCAddr is the address the ops gRPC server listens on (e.g. :50051).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN; required by server, worker-less commands may leave it empty.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// GatewayURL is the message gateway websocket endpoint (ws:// or wss://).
	GatewayURL string `mapstructure:"GATEWAY_URL"`
	// GatewayPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file; signs gateway connect tokens.
	GatewayPrivateKey string `mapstructure:"GATEWAY_TOKEN_PRIVATE_KEY"`
	// GatewayPublicKey is the PEM-encoded public key or path to file; verifies connect tokens (ops auth).
	GatewayPublicKey string `mapstructure:"GATEWAY_TOKEN_PUBLIC_KEY"`
	// ConnectTokenIssuer is the iss claim on gateway connect tokens.
	ConnectTokenIssuer string `mapstructure:"CONNECT_TOKEN_ISSUER"`
	// ConnectTokenTTL is the connect token lifetime (e.g. "5m").
	ConnectTokenTTL string `mapstructure:"CONNECT_TOKEN_TTL"`
	// SessionReconnectDelay is the fixed wait before a dropped session retries (e.g. "5s"). Not a backoff base; the delay is constant.
	SessionReconnectDelay string `mapstructure:"RECONNECT_DELAY"`
	// DecryptFailureThreshold is the consecutive decrypt-failure count that triggers a transient-key purge (1-100); default 5.
	DecryptFailureThreshold int `mapstructure:"DECRYPT_FAILURE_THRESHOLD"`
	// DedupRetentionWindow is how long sent/processed message ids are remembered (e.g. "5m").
	DedupRetentionWindow string `mapstructure:"DEDUP_RETENTION"`
	// GatewayPingInterval is the websocket keepalive ping interval (e.g. "25s").
	GatewayPingInterval string `mapstructure:"PING_INTERVAL"`
	// RestoreOnStart re-opens previously connected sessions at daemon startup.
	RestoreOnStart bool `mapstructure:"RESTORE_ON_START"`
	// PolicyEnforcementEnabled turns on the OPA inbound message gate; off by default.
	PolicyEnforcementEnabled bool `mapstructure:"POLICY_ENFORCEMENT_ENABLED"`
	// OpsAuthEnabled requires a bearer connect token on ops RPCs. Requires GatewayPublicKey.
	OpsAuthEnabled bool `mapstructure:"OPS_AUTH_ENABLED"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// Telemetry (optional). When Kafka brokers are set, the daemon emits session events to Kafka.
	// TelemetryKafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	TelemetryKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// TelemetryKafkaTopic is the Kafka topic for session events (default courier-telemetry).
	TelemetryKafkaTopic string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`
	// OTLPEndpoint is the OTLP gRPC collector endpoint (e.g. localhost:4317); empty disables OTel export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTelServiceName is the service.name resource attribute.
	OTelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// Worker-only: Loki URL for the telemetry worker to push logs (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the telemetry worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("GRPC_ADDR", ":50051")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("GATEWAY_URL", "")
	v.SetDefault("GATEWAY_TOKEN_PRIVATE_KEY", "")
	v.SetDefault("GATEWAY_TOKEN_PUBLIC_KEY", "")
	v.SetDefault("CONNECT_TOKEN_ISSUER", "messenger-courier")
	v.SetDefault("CONNECT_TOKEN_TTL", "5m")
	v.SetDefault("RECONNECT_DELAY", "5s")
	v.SetDefault("DECRYPT_FAILURE_THRESHOLD", 5)
	v.SetDefault("DEDUP_RETENTION", "5m")
	v.SetDefault("PING_INTERVAL", "25s")
	v.SetDefault("RESTORE_ON_START", true)
	v.SetDefault("POLICY_ENFORCEMENT_ENABLED", false)
	v.SetDefault("OPS_AUTH_ENABLED", false)
	v.SetDefault("APP_ENV", "")
	v.SetDefault("TELEMETRY_KAFKA_TOPIC", "courier-telemetry")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_SERVICE_NAME", "messenger-courier")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "courier-telemetry-worker")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.GRPCAddr == "" {
		return nil, errors.New("config: GRPC_ADDR must be set")
	}

	if cfg.GatewayURL != "" && !strings.HasPrefix(cfg.GatewayURL, "ws://") && !strings.HasPrefix(cfg.GatewayURL, "wss://") {
		return nil, errors.New("config: GATEWAY_URL must use ws:// or wss://")
	}

	if cfg.OpsAuthEnabled && cfg.GatewayPublicKey == "" {
		return nil, errors.New("config: OPS_AUTH_ENABLED requires GATEWAY_TOKEN_PUBLIC_KEY")
	}

	if cfg.DecryptFailureThreshold == 0 {
		cfg.DecryptFailureThreshold = 5
	}
	if cfg.DecryptFailureThreshold < 1 || cfg.DecryptFailureThreshold > 100 {
		return nil, errors.New("config: DECRYPT_FAILURE_THRESHOLD must be between 1 and 100")
	}

	return &cfg, nil
}

// ConnectTTL parses ConnectTokenTTL as a time.Duration. Returns 5m if unset or invalid.
func (c *Config) ConnectTTL() time.Duration {
	d, err := time.ParseDuration(c.ConnectTokenTTL)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// ReconnectDelay parses SessionReconnectDelay as a time.Duration. Returns 5s if unset or invalid.
func (c *Config) ReconnectDelay() time.Duration {
	d, err := time.ParseDuration(c.SessionReconnectDelay)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// DedupRetention parses DedupRetentionWindow as a time.Duration. Returns 5m if unset or invalid.
func (c *Config) DedupRetention() time.Duration {
	d, err := time.ParseDuration(c.DedupRetentionWindow)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// PingInterval parses GatewayPingInterval as a time.Duration. Returns 25s if unset or invalid.
func (c *Config) PingInterval() time.Duration {
	d, err := time.ParseDuration(c.GatewayPingInterval)
	if err != nil || d <= 0 {
		return 25 * time.Second
	}
	return d
}

// TelemetryKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if telemetry is enabled (non-empty list) and to create the producer.
func (c *Config) TelemetryKafkaBrokersList() []string {
	if c == nil || c.TelemetryKafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.TelemetryKafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
