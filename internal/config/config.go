// Package config provides environment configuration for the chat client and
// the sandbox backend.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the chat client configuration.
type Config struct {
	// Backend
	APIBaseURL  string
	HTTPTimeout time.Duration

	// Channel
	Transports        []string
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	PollWait          time.Duration
	TypingDebounce    time.Duration
	RemoteTypingLimit time.Duration

	// Identity
	Token     string
	UserID    string
	Name      string
	Email     string
	Phone     string
	Subject   string
	Anonymous bool

	// Logging
	LogLevel string

	// Metrics
	MetricsAddr string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool

	// NATS relay
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string
}

// Load reads the chat client configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		APIBaseURL:  getEnv("CHAT_API_URL", "http://localhost:8080/api"),
		HTTPTimeout: getDurationEnv("CHAT_HTTP_TIMEOUT", 15*time.Second),

		Transports:        splitList(getEnv("CHAT_TRANSPORTS", "websocket,polling")),
		ReconnectMin:      getDurationEnv("CHAT_RECONNECT_MIN", 500*time.Millisecond),
		ReconnectMax:      getDurationEnv("CHAT_RECONNECT_MAX", 10*time.Second),
		PollWait:          getDurationEnv("CHAT_POLL_WAIT", 25*time.Second),
		TypingDebounce:    getDurationEnv("CHAT_TYPING_DEBOUNCE", 2*time.Second),
		RemoteTypingLimit: getDurationEnv("CHAT_REMOTE_TYPING_TIMEOUT", 5*time.Second),

		Token:     getEnv("CHAT_TOKEN", ""),
		UserID:    getEnv("CHAT_USER_ID", ""),
		Name:      getEnv("CHAT_NAME", ""),
		Email:     getEnv("CHAT_EMAIL", ""),
		Phone:     getEnv("CHAT_PHONE", ""),
		Subject:   getEnv("CHAT_SUBJECT", ""),
		Anonymous: getBoolEnv("CHAT_ANONYMOUS", false),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		MetricsAddr: getEnv("METRICS_ADDR", ""),

		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),

		NATSURL:      getEnv("NATS_URL", ""),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the client configuration.
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("CHAT_API_URL must be an absolute URL")
	}
	if len(c.Transports) == 0 {
		return fmt.Errorf("CHAT_TRANSPORTS cannot be empty")
	}
	for _, t := range c.Transports {
		if t != "websocket" && t != "polling" {
			return fmt.Errorf("unknown transport %q", t)
		}
	}
	if c.TypingDebounce <= 0 {
		return fmt.Errorf("CHAT_TYPING_DEBOUNCE must be > 0")
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("CHAT_RECONNECT_MIN must be > 0 and <= CHAT_RECONNECT_MAX")
	}
	return nil
}

// ChannelBaseURL derives the channel host from the REST API base URL by
// stripping the API path suffix.
func ChannelBaseURL(apiBase string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(apiBase))
	if err != nil {
		return "", fmt.Errorf("failed to parse API base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("API base URL %q is not absolute", apiBase)
	}
	path := strings.TrimRight(u.Path, "/")
	if i := strings.LastIndex(path, "/api"); i >= 0 && (i+4 == len(path) || path[i+4] == '/') {
		path = path[:i]
	}
	u.Path = path
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimRight(u.String(), "/"), nil
}

// SandboxConfig holds configuration for the sandbox backend.
type SandboxConfig struct {
	// Server settings
	ServerPort        string
	ServerReadTimeout time.Duration

	// JWT settings
	JWTSecret     string
	JWTExpiration time.Duration

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Long-polling
	PollWait time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// LoadSandbox reads sandbox configuration from environment variables.
func LoadSandbox() *SandboxConfig {
	return &SandboxConfig{
		ServerPort:        getEnv("PORT", "8080"),
		ServerReadTimeout: getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),

		JWTSecret:     getEnv("JWT_SECRET", "development-secret-change-in-production"),
		JWTExpiration: getDurationEnv("JWT_EXPIRATION", 24*time.Hour),

		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 300),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		PollWait: getDurationEnv("POLL_WAIT", 25*time.Second),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
