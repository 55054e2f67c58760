// Package config provides configuration loading using koanf.
// Precedence: environment (after an optional .env file) over compiled defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/aelexs/identity-service/internal/domain"
)

// Environment variables use a double underscore for nesting:
// OTP__RESEND_WAIT -> otp.resend_wait, RATE__LOGIN_LINK__LIMIT -> rate.login_link.limit.
const envDelimiter = "__"

// Config holds all service configuration.
type Config struct {
	// Environment identifier: "local", "dev", "prod"
	Environment string `koanf:"environment"`

	// Logging configuration
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	HTTP      HTTPConfig      `koanf:"http"`
	OTP       OTPConfig       `koanf:"otp"`
	LoginLink LoginLinkConfig `koanf:"login_link"`
	Notify    NotifyConfig    `koanf:"notify"`
	Rate      RateConfig      `koanf:"rate"`
	Secrets   SecretsConfig   `koanf:"secrets"`
	Session   SessionConfig   `koanf:"session"`

	// Adapter selection
	Store  StoreConfig  `koanf:"store"`
	SMS    SMSConfig    `koanf:"sms"`
	Email  EmailConfig  `koanf:"email"`
	Events EventsConfig `koanf:"events"`

	// Infrastructure configurations
	DynamoDB DynamoDBConfig `koanf:"dynamodb"`
	Kafka    KafkaConfig    `koanf:"kafka"`
	Redis    RedisConfig    `koanf:"redis"`
	SMTP     SMTPConfig     `koanf:"smtp"`
	AWS      AWSConfig      `koanf:"aws"`

	// OpenTelemetry configuration
	OTEL OTELConfig `koanf:"otel"`
}

// HTTPConfig holds the HTTP listener and edge policy.
type HTTPConfig struct {
	Port           int      `koanf:"port"`
	AllowedOrigins []string `koanf:"allowed_origins"`
	IPRate         float64  `koanf:"ip_rate"` // requests/second per IP; 0 disables
	IPBurst        int      `koanf:"ip_burst"`

	// TrustedProxies lists the CIDRs (or bare addresses) of the load
	// balancers whose forwarding headers name the client. Empty means the
	// TCP peer is always the client.
	TrustedProxies []string `koanf:"trusted_proxies"`
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is a
// single-host prefix.
func (c HTTPConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if prefix, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: http.trusted_proxies entry %q is not a CIDR or address", domain.ErrInvalidInput, raw)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// OTPConfig holds the OTP lifecycle policy.
type OTPConfig struct {
	Length          int           `koanf:"length"`
	Window          time.Duration `koanf:"window"`
	Expiry          time.Duration `koanf:"expiry"`
	ResendWait      time.Duration `koanf:"resend_wait"`
	SignupTicketTTL time.Duration `koanf:"signup_ticket_ttl"`
	ExposeCode      bool          `koanf:"expose_code"` // local only
}

// LoginLinkConfig holds the login-link lifecycle policy.
type LoginLinkConfig struct {
	Expiry  time.Duration `koanf:"expiry"`
	BaseURL string        `koanf:"base_url"`
}

// NotifyConfig bounds every SMS and email dispatch.
type NotifyConfig struct {
	Timeout time.Duration `koanf:"timeout"`
}

// RateRuleConfig is one RateGate class.
type RateRuleConfig struct {
	Limit  int64         `koanf:"limit"`
	Window time.Duration `koanf:"window"`
}

// RateConfig holds one rule per operation class.
type RateConfig struct {
	Send      RateRuleConfig `koanf:"send"`
	Verify    RateRuleConfig `koanf:"verify"`
	Resend    RateRuleConfig `koanf:"resend"`
	Signup    RateRuleConfig `koanf:"signup"`
	LoginLink RateRuleConfig `koanf:"login_link"`
	API       RateRuleConfig `koanf:"api"`
}

// Rules returns the configured rules keyed by operation class.
func (r RateConfig) Rules() map[domain.OperationClass]RateRuleConfig {
	return map[domain.OperationClass]RateRuleConfig{
		domain.OpSend:      r.Send,
		domain.OpVerify:    r.Verify,
		domain.OpResend:    r.Resend,
		domain.OpSignup:    r.Signup,
		domain.OpLoginLink: r.LoginLink,
		domain.OpAPI:       r.API,
	}
}

// SecretsConfig holds the HMAC master secrets and the session signing key,
// or where to load them from.
type SecretsConfig struct {
	Source        string              `koanf:"source"` // "env" | "aws"
	OTP           domain.SecretString `koanf:"otp"`
	Link          domain.SecretString `koanf:"link"`
	SigningKeyPEM domain.SecretString `koanf:"signing_key_pem"`
	SigningKeyID  string              `koanf:"signing_key_id"`
	SSMParameter  string              `koanf:"ssm_parameter"` // names the Secrets Manager secret id
}

// SessionConfig holds session credential claims.
type SessionConfig struct {
	Issuer   string        `koanf:"issuer"`
	Audience string        `koanf:"audience"`
	TTL      time.Duration `koanf:"ttl"`
}

// StoreConfig selects the TokenStore backend.
type StoreConfig struct {
	Backend string `koanf:"backend"` // "redis" | "dynamodb"
}

// SMSConfig selects the SMS notifier.
type SMSConfig struct {
	Provider string `koanf:"provider"` // "log" | "sns"
	SenderID string `koanf:"sender_id"`
}

// EmailConfig selects the email notifier.
type EmailConfig struct {
	Provider string `koanf:"provider"` // "log" | "smtp"
}

// EventsConfig selects the security event sink.
type EventsConfig struct {
	Sink string `koanf:"sink"` // "log" | "kafka"
}

// DynamoDBConfig holds DynamoDB configuration.
type DynamoDBConfig struct {
	Endpoint       string        `koanf:"endpoint"` // Empty for production (uses default AWS endpoint)
	Timeout        time.Duration `koanf:"timeout"`
	TokensTable    string        `koanf:"tokens_table"`
	CustomersTable string        `koanf:"customers_table"`
}

// KafkaConfig holds Kafka configuration.
type KafkaConfig struct {
	Brokers      []string      `koanf:"brokers"`
	Topic        string        `koanf:"topic"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Addr         string              `koanf:"addr"`
	Password     domain.SecretString `koanf:"password"`
	DB           int                 `koanf:"db"`
	Timeout      time.Duration       `koanf:"timeout"`
	ReadyTimeout time.Duration       `koanf:"ready_timeout"`
}

// SMTPConfig holds SMTP relay configuration.
type SMTPConfig struct {
	Host     string              `koanf:"host"`
	Port     int                 `koanf:"port"`
	Username string              `koanf:"username"`
	Password domain.SecretString `koanf:"password"`
	From     string              `koanf:"from"`
	StartTLS bool                `koanf:"starttls"`
}

// AWSConfig holds AWS SDK configuration.
type AWSConfig struct {
	Region   string `koanf:"region"`
	Endpoint string `koanf:"endpoint"` // LocalStack endpoint for development
}

// OTELConfig holds OpenTelemetry configuration.
type OTELConfig struct {
	Endpoint    string `koanf:"endpoint"` // Empty disables OTLP export
	Insecure    bool   `koanf:"insecure"` // plaintext gRPC to a local collector
	ServiceName string `koanf:"service_name"`
}

// defaults returns a Config with compiled default values.
func defaults() *Config {
	return &Config{
		Environment: "local",
		LogLevel:    "info",
		LogFormat:   "json",

		HTTP: HTTPConfig{
			Port:    8080,
			IPRate:  5,
			IPBurst: 10,
		},
		OTP: OTPConfig{
			Length:          domain.DefaultOTPLength,
			Window:          domain.DefaultOTPWindow,
			Expiry:          domain.DefaultOTPExpiry,
			ResendWait:      domain.DefaultOTPResendWait,
			SignupTicketTTL: domain.DefaultSignupTicketTTL,
		},
		LoginLink: LoginLinkConfig{
			Expiry:  domain.DefaultLoginLinkExpiry,
			BaseURL: "http://localhost:3000/auth/login",
		},
		Notify: NotifyConfig{
			Timeout: domain.DefaultNotifyTimeout,
		},
		Rate: RateConfig{
			Send:      RateRuleConfig{Limit: 5, Window: time.Hour},
			Verify:    RateRuleConfig{Limit: 10, Window: 15 * time.Minute},
			Resend:    RateRuleConfig{Limit: 3, Window: time.Hour},
			Signup:    RateRuleConfig{Limit: 10, Window: time.Hour},
			LoginLink: RateRuleConfig{Limit: 5, Window: time.Hour},
			API:       RateRuleConfig{Limit: 300, Window: time.Minute},
		},
		Secrets: SecretsConfig{
			Source:       "env",
			SigningKeyID: "primary",
		},
		Session: SessionConfig{
			Issuer:   "identity-service",
			Audience: "storefront",
			TTL:      domain.AccessTokenLifetime,
		},

		Store:  StoreConfig{Backend: "redis"},
		SMS:    SMSConfig{Provider: "log"},
		Email:  EmailConfig{Provider: "log"},
		Events: EventsConfig{Sink: "log"},

		DynamoDB: DynamoDBConfig{
			Timeout:        domain.DynamoDBTimeout,
			TokensTable:    "identity-tokens",
			CustomersTable: "customers",
		},
		Kafka: KafkaConfig{
			Topic:        "identity.security-events",
			WriteTimeout: 5 * time.Second,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			Timeout:      domain.RedisTimeout,
			ReadyTimeout: 30 * time.Second,
		},
		SMTP: SMTPConfig{
			Port:     587,
			StartTLS: true,
		},
		AWS: AWSConfig{
			Region: "ap-south-1",
		},
		OTEL: OTELConfig{
			ServiceName: "identity",
		},
	}
}

// Load loads configuration following the precedence:
// 1. Environment variables (highest), including those from an optional .env
// 2. Compiled defaults (lowest)
//
// Secrets held in AWS are fetched later by the composition root when
// secrets.source=aws; Load only validates that the pointer to them is set.
func Load(ctx context.Context) (*Config, error) {
	// Existing variables win over .env entries.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	k := koanf.New(".")
	cfg := defaults()

	err := k.Load(env.Provider("", ".", envKey), nil)
	if err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// envKey maps LOGIN_LINK__BASE_URL to login_link.base_url.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), envDelimiter, ".")
}

// validate checks enums and ranges everywhere and required keys outside local.
func validate(cfg *Config) error {
	if err := validateShape(cfg); err != nil {
		return err
	}
	if cfg.IsLocal() {
		return nil
	}
	return validateRequired(cfg)
}

func validateShape(cfg *Config) error {
	switch cfg.Environment {
	case "local", "dev", "prod":
	default:
		return fmt.Errorf("%w: environment %q", domain.ErrInvalidInput, cfg.Environment)
	}

	enums := []struct {
		key, value string
		allowed    []string
	}{
		{"store.backend", cfg.Store.Backend, []string{"redis", "dynamodb"}},
		{"sms.provider", cfg.SMS.Provider, []string{"log", "sns"}},
		{"email.provider", cfg.Email.Provider, []string{"log", "smtp"}},
		{"events.sink", cfg.Events.Sink, []string{"log", "kafka"}},
		{"secrets.source", cfg.Secrets.Source, []string{"env", "aws"}},
	}
	for _, e := range enums {
		if !contains(e.allowed, e.value) {
			return fmt.Errorf("%w: %s=%q (want one of %s)", domain.ErrInvalidInput, e.key, e.value, strings.Join(e.allowed, ", "))
		}
	}

	if cfg.OTP.Length < domain.MinOTPLength || cfg.OTP.Length > domain.MaxOTPLength {
		return fmt.Errorf("%w: otp.length must be %d-%d", domain.ErrInvalidInput, domain.MinOTPLength, domain.MaxOTPLength)
	}
	for name, d := range map[string]time.Duration{
		"otp.window":        cfg.OTP.Window,
		"otp.expiry":        cfg.OTP.Expiry,
		"otp.resend_wait":   cfg.OTP.ResendWait,
		"login_link.expiry": cfg.LoginLink.Expiry,
		"notify.timeout":    cfg.Notify.Timeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", domain.ErrInvalidInput, name)
		}
	}
	for class, rule := range cfg.Rate.Rules() {
		if rule.Limit <= 0 || rule.Window <= 0 {
			return fmt.Errorf("%w: rate.%s needs positive limit and window", domain.ErrInvalidInput, class)
		}
	}

	if _, err := cfg.HTTP.TrustedProxyPrefixes(); err != nil {
		return err
	}

	if cfg.OTP.ExposeCode && cfg.IsProd() {
		return fmt.Errorf("%w: otp.expose_code is not allowed in prod", domain.ErrInvalidInput)
	}
	return nil
}

// validateRequired checks that required configuration is present.
// A missing required key fails startup.
func validateRequired(cfg *Config) error {
	if cfg.Secrets.Source == "aws" {
		if cfg.Secrets.SSMParameter == "" {
			return fmt.Errorf("%w: secrets.ssm_parameter", domain.ErrConfigRequired)
		}
	} else {
		if cfg.Secrets.OTP.IsEmpty() {
			return fmt.Errorf("%w: secrets.otp", domain.ErrConfigRequired)
		}
		if cfg.Secrets.Link.IsEmpty() {
			return fmt.Errorf("%w: secrets.link", domain.ErrConfigRequired)
		}
	}
	if cfg.LoginLink.BaseURL == "" {
		return fmt.Errorf("%w: login_link.base_url", domain.ErrConfigRequired)
	}

	switch cfg.Store.Backend {
	case "redis":
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("%w: redis.addr", domain.ErrConfigRequired)
		}
	case "dynamodb":
		if cfg.DynamoDB.TokensTable == "" {
			return fmt.Errorf("%w: dynamodb.tokens_table", domain.ErrConfigRequired)
		}
	}
	// RateGate counters always live in Redis.
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("%w: redis.addr", domain.ErrConfigRequired)
	}
	if cfg.Events.Sink == "kafka" && len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("%w: kafka.brokers", domain.ErrConfigRequired)
	}
	if cfg.Email.Provider == "smtp" {
		if cfg.SMTP.Host == "" {
			return fmt.Errorf("%w: smtp.host", domain.ErrConfigRequired)
		}
		if cfg.SMTP.From == "" {
			return fmt.Errorf("%w: smtp.from", domain.ErrConfigRequired)
		}
	}

	// Log notifiers write codes and links to the log.
	if cfg.IsProd() {
		if cfg.SMS.Provider == "log" {
			return fmt.Errorf("%w: sms.provider=log is not allowed in prod", domain.ErrInvalidInput)
		}
		if cfg.Email.Provider == "log" {
			return fmt.Errorf("%w: email.provider=log is not allowed in prod", domain.ErrInvalidInput)
		}
	}
	return nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// IsLocal returns true if running in local development environment.
func (c *Config) IsLocal() bool {
	return c.Environment == "local"
}

// IsProd returns true if running in production environment.
func (c *Config) IsProd() bool {
	return c.Environment == "prod"
}

// ExposeCodes reports whether dev codes and login URLs may be returned to
// callers. Only the local environment honours otp.expose_code.
func (c *Config) ExposeCodes() bool {
	return c.OTP.ExposeCode && c.IsLocal()
}
