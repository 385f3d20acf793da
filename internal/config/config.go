// Package config handles relay configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level relay configuration.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Auth         AuthConfig         `json:"auth"`
	Storage      StorageConfig      `json:"storage"`
	WhatsApp     WhatsAppConfig     `json:"whatsapp"`
	Intent       IntentConfig       `json:"intent"`
	Pairing      PairingConfig      `json:"pairing,omitempty"`
	Conversation ConversationConfig `json:"conversation,omitempty"`
	Command      CommandConfig      `json:"command,omitempty"`
	Logging      LoggingConfig      `json:"logging"`
	RateLimit    RateLimitConfig    `json:"rate_limit,omitempty"`
}

// ServerConfig defines the relay's listener settings.
type ServerConfig struct {
	Addr            string   `json:"addr"` // e.g. ":8080"
	TLSCert         string   `json:"tls_cert,omitempty"`
	TLSKey          string   `json:"tls_key,omitempty"`
	UIStaticDir     string   `json:"ui_static_dir,omitempty"`   // path to built dashboard files
	AllowedOrigins  []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes    int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty"` // max WebSocket message; default 256KB
}

// AuthConfig defines dashboard authentication settings.
type AuthConfig struct {
	Provider     string        `json:"provider,omitempty"` // "builtin" (default) or "jwks"
	JWKSIssuer   string        `json:"jwks_issuer,omitempty"`
	JWTSecret    string        `json:"jwt_secret"`
	JWTExpiry    Duration      `json:"jwt_expiry,omitempty"`
	InitialAdmin *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings for user accounts and audit events.
type StorageConfig struct {
	Driver         string   `json:"driver"`                    // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn"`                       // e.g. "nexus.db" or ":memory:"
	AuditRetention Duration `json:"audit_retention,omitempty"` // audit event retention; default 30 days
}

// WhatsAppConfig defines WhatsApp Cloud API settings.
type WhatsAppConfig struct {
	AccessToken   string `json:"access_token"`
	PhoneNumberID string `json:"phone_number_id"`
	VerifyToken   string `json:"verify_token"`
	APIBaseURL    string `json:"api_base_url,omitempty"` // default https://graph.facebook.com/v17.0
	TriggerPhrase string `json:"trigger_phrase,omitempty"` // default "connect"
}

// IntentConfig defines the intent classifier settings.
type IntentConfig struct {
	APIKey     string `json:"api_key"`
	Model      string `json:"model,omitempty"`        // chat/intent model
	AudioModel string `json:"audio_model,omitempty"`  // transcription model
	APIBaseURL string `json:"api_base_url,omitempty"` // default https://api.groq.com/openai/v1
}

// PairingConfig defines pairing code behavior.
type PairingConfig struct {
	CodeTTL       Duration `json:"code_ttl,omitempty"`       // default 5m
	SweepInterval Duration `json:"sweep_interval,omitempty"` // default 1m
}

// ConversationConfig defines conversation window behavior.
type ConversationConfig struct {
	MaxTurns      int      `json:"max_turns,omitempty"`      // default 10
	ContextTurns  int      `json:"context_turns,omitempty"`  // turns fed to the classifier; default 5
	IdleTimeout   Duration `json:"idle_timeout,omitempty"`   // evict idle conversations without a session; default 24h
	SweepInterval Duration `json:"sweep_interval,omitempty"` // default 10m
}

// CommandConfig defines in-flight command behavior.
type CommandConfig struct {
	Timeout Duration `json:"timeout,omitempty"` // per-command result deadline; default 60s
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// JWTSecret is only required for the builtin auth provider.
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	if c.Auth.Provider == "jwks" && c.Auth.JWKSIssuer == "" {
		return fmt.Errorf("auth.jwks_issuer is required when provider is jwks")
	}
	if c.WhatsApp.VerifyToken == "" {
		return fmt.Errorf("whatsapp.verify_token is required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "nexus.db"
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = 30 * 24 * time.Hour // 30 days
	}
	if c.WhatsApp.APIBaseURL == "" {
		c.WhatsApp.APIBaseURL = "https://graph.facebook.com/v17.0"
	}
	if c.WhatsApp.TriggerPhrase == "" {
		c.WhatsApp.TriggerPhrase = "connect"
	}
	if c.Intent.Model == "" {
		c.Intent.Model = "llama-3.3-70b-versatile"
	}
	if c.Intent.AudioModel == "" {
		c.Intent.AudioModel = "whisper-large-v3"
	}
	if c.Intent.APIBaseURL == "" {
		c.Intent.APIBaseURL = "https://api.groq.com/openai/v1"
	}
	if c.Pairing.CodeTTL.Duration == 0 {
		c.Pairing.CodeTTL.Duration = 5 * time.Minute
	}
	if c.Pairing.SweepInterval.Duration == 0 {
		c.Pairing.SweepInterval.Duration = time.Minute
	}
	if c.Conversation.MaxTurns == 0 {
		c.Conversation.MaxTurns = 10
	}
	if c.Conversation.ContextTurns == 0 {
		c.Conversation.ContextTurns = 5
	}
	if c.Conversation.IdleTimeout.Duration == 0 {
		c.Conversation.IdleTimeout.Duration = 24 * time.Hour
	}
	if c.Conversation.SweepInterval.Duration == 0 {
		c.Conversation.SweepInterval.Duration = 10 * time.Minute
	}
	if c.Command.Timeout.Duration == 0 {
		c.Command.Timeout.Duration = 60 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Server.MaxMessageBytes == 0 {
		c.Server.MaxMessageBytes = 256 * 1024 // 256KB
	}
}
