// Package config loads the realtime fabric's runtime tunables from
// environment variables, following the option families documented in
// spec §6: ws.*, queue.*, health.*, tenant.*.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the gateway listens on.
	DefaultAddr = ":43127"
	// DefaultWSPath is the default HTTP path upgraded to a WebSocket.
	DefaultWSPath = "/ws"
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size (ws.maxPayloadLength).
	DefaultMaxPayloadBytes int64 = 16 << 20
	// DefaultIdleTimeout bounds how long a socket may sit without traffic (ws.idleTimeout).
	DefaultIdleTimeout = 120 * time.Second
	// DefaultMaxConnections bounds concurrent sockets (ws.maxConnections). Zero disables the limit.
	DefaultMaxConnections = 10000

	// DefaultHeartbeatInterval is the baseline heartbeat cadence (ws.heartbeat.interval).
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultHeartbeatTimeout bounds how long a heartbeat round may take (ws.heartbeat.timeout).
	DefaultHeartbeatTimeout = 60 * time.Second
	// DefaultHeartbeatMaxMissed is the missed-heartbeat count that forces a disconnect.
	DefaultHeartbeatMaxMissed = 3

	// DefaultRateLimitWindow is the inbound-frame rate limit window (ws.rateLimit.windowMs).
	DefaultRateLimitWindow = 60 * time.Second
	// DefaultRateLimitMax is the inbound-frame budget per window (ws.rateLimit.max).
	DefaultRateLimitMax = 100

	// DefaultMaxSubscriptions bounds subscriptions per session (ws.channels.maxSubscriptions).
	DefaultMaxSubscriptions = 50
	// DefaultChannelTTL is the default channel TTL. The router stores it in
	// Config.ChannelTTL but does not retire empty channels.
	DefaultChannelTTL = time.Hour

	// DefaultReconnectMaxAttempts is the default reconnect budget.
	DefaultReconnectMaxAttempts = 5
	// DefaultBackoffMultiplier scales exponential/adaptive backoff delays.
	DefaultBackoffMultiplier = 2.0
	// DefaultInitialDelay is the first reconnect delay.
	DefaultInitialDelay = time.Second
	// DefaultMaxDelay caps reconnect and retry backoff delays.
	DefaultMaxDelay = 30 * time.Second
	// DefaultJitter toggles randomized backoff jitter.
	DefaultJitter = true
	// DefaultResetAfter is the default Retry.ResetAfter window. connmgr keeps it
	// in Config.ResetAfter but does not read it: a successful reconnect zeroes
	// the attempt count at once.
	DefaultResetAfter = 5 * time.Minute

	// DefaultConsumerGroup names the shared consumer group for every queue stream.
	DefaultConsumerGroup = "apix-consumers"
	// DefaultQueueBackoffDelay is the base retry backoff delay.
	DefaultQueueBackoffDelay = time.Second

	// DefaultHealthInterval is the Health Monitor sampling cadence.
	DefaultHealthInterval = 30 * time.Second
	// DefaultHistoryRetention bounds how long health samples are kept.
	DefaultHistoryRetention = time.Hour

	// DefaultLogLevel controls verbosity for fabric logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "fabric.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the realtime fabric.
type Config struct {
	Address        string
	WSPath         string
	AllowedOrigins []string
	MaxPayloadBytes int64
	IdleTimeout     time.Duration
	MaxConnections  int
	TLSCertPath     string
	TLSKeyPath      string

	Heartbeat HeartbeatConfig
	RateLimit RateLimitConfig
	Channels  ChannelsConfig
	Retry     RetryConfig
	Queue     QueueConfig
	Health    HealthConfig
	Tenant    TenantConfig
	GRPC      GRPCConfig
	Logging   LoggingConfig

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	UseRedis      bool

	MetaStorePath string

	WSHMACSecret string
	WSHMACLeeway time.Duration
}

// HeartbeatConfig controls connmgr's adaptive heartbeat loop.
type HeartbeatConfig struct {
	Interval  time.Duration
	Timeout   time.Duration
	MaxMissed int
}

// RateLimitConfig bounds inbound frames accepted per session per window.
type RateLimitConfig struct {
	Window time.Duration
	Max    int
}

// ChannelsConfig bounds subscription fan-out per session/channel lifetime.
type ChannelsConfig struct {
	MaxSubscriptions int
	DefaultTTL       time.Duration
}

// RetryConfig governs both WS-level retry semantics and connmgr reconnection backoff.
type RetryConfig struct {
	MaxAttemptsWS      int
	MaxAttemptsConnect int
	BackoffMultiplier  float64
	InitialDelay       time.Duration
	MaxDelay           time.Duration
	Jitter             bool
	ResetAfter         time.Duration
}

// QueueConfig governs the Message Queue's consumer wiring.
type QueueConfig struct {
	ConsumerGroup string
	ConsumerName  string
	BackoffDelay  time.Duration
}

// HealthConfig governs the Health Monitor's thresholds and cadence.
type HealthConfig struct {
	Interval            time.Duration
	HistoryRetention    time.Duration
	MaxAverageLatencyMs float64
	MaxErrorRate        float64
	MinHealthyRatio     float64
	MaxSystemLoad       float64
	MaxReconnectionRate float64
}

// TenantConfig governs tenant isolation defaults applied absent an explicit Organization row.
type TenantConfig struct {
	StrictIsolation bool
	ResourceLimits  bool
	AuditLogging    bool
	MaxUsers        int
	MaxConnections  int
	MaxEvents       int
	MaxChannels     int
	MaxStorage      int64
	MaxAPICalls     int
}

// GRPCConfig governs the internal-service publish ingress.
type GRPCConfig struct {
	Address          string
	AuthMode         string
	SharedSecret     string
	ServerCertPath   string
	ServerKeyPath    string
	ClientCAPath     string
}

const (
	GRPCAuthModeMTLS         = "mtls"
	GRPCAuthModeSharedSecret = "shared-secret"
)

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the fabric configuration from environment variables, applying
// sane defaults and returning a descriptive aggregate error for invalid
// overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:         getString("FABRIC_ADDR", DefaultAddr),
		WSPath:          getString("FABRIC_WS_PATH", DefaultWSPath),
		AllowedOrigins:  parseList(os.Getenv("FABRIC_ALLOWED_ORIGINS")),
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		IdleTimeout:     DefaultIdleTimeout,
		MaxConnections:  DefaultMaxConnections,
		TLSCertPath:     strings.TrimSpace(os.Getenv("FABRIC_TLS_CERT")),
		TLSKeyPath:      strings.TrimSpace(os.Getenv("FABRIC_TLS_KEY")),
		Heartbeat: HeartbeatConfig{
			Interval:  DefaultHeartbeatInterval,
			Timeout:   DefaultHeartbeatTimeout,
			MaxMissed: DefaultHeartbeatMaxMissed,
		},
		RateLimit: RateLimitConfig{
			Window: DefaultRateLimitWindow,
			Max:    DefaultRateLimitMax,
		},
		Channels: ChannelsConfig{
			MaxSubscriptions: DefaultMaxSubscriptions,
			DefaultTTL:       DefaultChannelTTL,
		},
		Retry: RetryConfig{
			MaxAttemptsWS:      3,
			MaxAttemptsConnect: DefaultReconnectMaxAttempts,
			BackoffMultiplier:  DefaultBackoffMultiplier,
			InitialDelay:       DefaultInitialDelay,
			MaxDelay:           DefaultMaxDelay,
			Jitter:             DefaultJitter,
			ResetAfter:         DefaultResetAfter,
		},
		Queue: QueueConfig{
			ConsumerGroup: getString("FABRIC_QUEUE_CONSUMER_GROUP", DefaultConsumerGroup),
			ConsumerName:  getString("FABRIC_QUEUE_CONSUMER_NAME", defaultConsumerName()),
			BackoffDelay:  DefaultQueueBackoffDelay,
		},
		Health: HealthConfig{
			Interval:            DefaultHealthInterval,
			HistoryRetention:    DefaultHistoryRetention,
			MaxAverageLatencyMs: 1000,
			MaxErrorRate:        0.1,
			MinHealthyRatio:     0.8,
			MaxSystemLoad:       0.8,
			MaxReconnectionRate: 0.2,
		},
		Tenant: TenantConfig{
			StrictIsolation: true,
			ResourceLimits:  true,
			AuditLogging:    true,
			MaxUsers:        1000,
			MaxConnections:  DefaultMaxConnections,
			MaxEvents:       1_000_000,
			MaxChannels:     1000,
			MaxStorage:      1 << 30,
			MaxAPICalls:     1_000_000,
		},
		GRPC: GRPCConfig{
			Address:      getString("FABRIC_GRPC_ADDR", ":43128"),
			AuthMode:     getString("FABRIC_GRPC_AUTH_MODE", GRPCAuthModeSharedSecret),
			SharedSecret: strings.TrimSpace(os.Getenv("FABRIC_GRPC_SHARED_SECRET")),
		},
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("FABRIC_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("FABRIC_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
		RedisAddr:     getString("FABRIC_REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("FABRIC_REDIS_PASSWORD"),
		UseRedis:      strings.TrimSpace(os.Getenv("FABRIC_USE_REDIS")) == "true",
		MetaStorePath: getString("FABRIC_METASTORE_PATH", "fabric-metastore.json"),
		WSHMACSecret:  os.Getenv("FABRIC_WS_HMAC_SECRET"),
		WSHMACLeeway:  5 * time.Second,
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("FABRIC_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("FABRIC_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_IDLE_TIMEOUT")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("FABRIC_IDLE_TIMEOUT must be a positive duration, got %q", raw))
		} else {
			cfg.IdleTimeout = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_MAX_CONNECTIONS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("FABRIC_MAX_CONNECTIONS must be a non-negative integer, got %q", raw))
		} else {
			cfg.MaxConnections = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_HEARTBEAT_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("FABRIC_HEARTBEAT_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.Heartbeat.Interval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_HEARTBEAT_MAX_MISSED")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("FABRIC_HEARTBEAT_MAX_MISSED must be a positive integer, got %q", raw))
		} else {
			cfg.Heartbeat.MaxMissed = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_RATE_LIMIT_MAX")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("FABRIC_RATE_LIMIT_MAX must be a positive integer, got %q", raw))
		} else {
			cfg.RateLimit.Max = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_MAX_SUBSCRIPTIONS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("FABRIC_MAX_SUBSCRIPTIONS must be a positive integer, got %q", raw))
		} else {
			cfg.Channels.MaxSubscriptions = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_RECONNECT_MAX_ATTEMPTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("FABRIC_RECONNECT_MAX_ATTEMPTS must be a positive integer, got %q", raw))
		} else {
			cfg.Retry.MaxAttemptsConnect = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("FABRIC_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("FABRIC_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("FABRIC_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FABRIC_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("FABRIC_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "FABRIC_TLS_CERT and FABRIC_TLS_KEY must be provided together")
	}

	if cfg.GRPC.AuthMode != GRPCAuthModeMTLS && cfg.GRPC.AuthMode != GRPCAuthModeSharedSecret {
		problems = append(problems, fmt.Sprintf("FABRIC_GRPC_AUTH_MODE must be %q or %q, got %q", GRPCAuthModeMTLS, GRPCAuthModeSharedSecret, cfg.GRPC.AuthMode))
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return fmt.Sprintf("consumer-%d", os.Getpid())
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
