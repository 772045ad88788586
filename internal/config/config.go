// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

// Package config loads ChoreQuest configuration.
//
// Sources are layered, later ones winning: built-in defaults, the YAML
// config file, CHOREQUEST_* environment variables, then command-line flags.
// Nested keys use "__" in environment names, so CHOREQUEST_HTTP__ADDR sets
// http.addr.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/chorequest/chorequest/internal/auth"
	"github.com/chorequest/chorequest/internal/kv"
	"github.com/chorequest/chorequest/internal/logging"
	"github.com/chorequest/chorequest/internal/sms"
	"github.com/chorequest/chorequest/internal/xdg"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "CHOREQUEST_"

// Deployment environments.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// KV drivers.
const (
	KVMemory   = "memory"
	KVPostgres = "postgres"
)

// Config is the full service configuration.
type Config struct {
	Env       string          `koanf:"env"`
	Log       LogConfig       `koanf:"log"`
	HTTP      HTTPConfig      `koanf:"http"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Database  DatabaseConfig  `koanf:"database"`
	KV        KVConfig        `koanf:"kv"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	OTP       OTPConfig       `koanf:"otp"`
	SMS       SMSConfig       `koanf:"sms"`
	Session   SessionConfig   `koanf:"session"`
	Audit     AuditConfig     `koanf:"audit"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr string `koanf:"addr"`
	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy   bool          `koanf:"trust_proxy"`
	CookieSecure bool          `koanf:"cookie_secure"`
	ShutdownWait time.Duration `koanf:"shutdown_wait"`
}

// MetricsConfig configures the observability listener. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// DatabaseConfig configures PostgreSQL.
type DatabaseConfig struct {
	URL      string `koanf:"url"`
	MaxConns int32  `koanf:"max_conns"`
}

// KVConfig selects where rate-limit counters and one-time codes live.
type KVConfig struct {
	Driver        string        `koanf:"driver"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// RateLimitConfig mirrors auth.RateLimitConfig.
type RateLimitConfig struct {
	Enabled   bool          `koanf:"enabled"`
	Threshold int           `koanf:"threshold"`
	Lockout   time.Duration `koanf:"lockout"`
}

// OTPConfig mirrors auth.OTPConfig.
type OTPConfig struct {
	Length          int           `koanf:"length"`
	TTL             time.Duration `koanf:"ttl"`
	FixedCode       string        `koanf:"fixed_code"`
	DeliveryTimeout time.Duration `koanf:"delivery_timeout"`
}

// SMSConfig mirrors sms.Config.
type SMSConfig struct {
	Provider        string        `koanf:"provider"`
	MessageTemplate string        `koanf:"message_template"`
	MaxRetries      int           `koanf:"max_retries"`
	RetryBase       time.Duration `koanf:"retry_base"`
	RatePerSecond   float64       `koanf:"rate_per_second"`
	Burst           int           `koanf:"burst"`
	Twilio          TwilioConfig  `koanf:"twilio"`
	Webhook         WebhookConfig `koanf:"webhook"`
}

// TwilioConfig holds Twilio credentials.
type TwilioConfig struct {
	AccountSID string `koanf:"account_sid"`
	AuthToken  string `koanf:"auth_token"`
	From       string `koanf:"from"`
	BaseURL    string `koanf:"base_url"`
}

// WebhookConfig configures the JSON webhook backend.
type WebhookConfig struct {
	URL    string `koanf:"url"`
	Secret string `koanf:"secret"`
}

// SessionConfig mirrors auth.SessionConfig.
type SessionConfig struct {
	ParentLifetime  time.Duration `koanf:"parent_lifetime"`
	ChildLifetime   time.Duration `koanf:"child_lifetime"`
	SlidingWindow   time.Duration `koanf:"sliding_window"`
	RefreshInterval time.Duration `koanf:"refresh_interval"`
	IdleLock        time.Duration `koanf:"idle_lock"`
	SweepInterval   time.Duration `koanf:"sweep_interval"`
}

// AuditConfig configures the audit sink. An empty WALPath uses the XDG
// state directory.
type AuditConfig struct {
	Enabled bool   `koanf:"enabled"`
	WALPath string `koanf:"wal_path"`
	Buffer  int    `koanf:"buffer"`
}

func defaults() map[string]any {
	return map[string]any{
		"env":                      EnvDevelopment,
		"log.format":               "json",
		"log.level":                "info",
		"http.addr":                "127.0.0.1:8080",
		"http.trust_proxy":         false,
		"http.cookie_secure":       false,
		"http.shutdown_wait":       10 * time.Second,
		"metrics.addr":             "127.0.0.1:9100",
		"database.url":             "",
		"database.max_conns":       10,
		"kv.driver":                KVMemory,
		"kv.sweep_interval":        kv.DefaultSweepInterval,
		"ratelimit.enabled":        true,
		"ratelimit.threshold":      auth.DefaultLockoutThreshold,
		"ratelimit.lockout":        auth.DefaultLockoutDuration,
		"otp.length":               auth.DefaultOTPLength,
		"otp.ttl":                  auth.DefaultOTPTTL,
		"otp.fixed_code":           "",
		"otp.delivery_timeout":     auth.DefaultOTPDeliveryTimeout,
		"sms.provider":             string(sms.ProviderConsole),
		"sms.message_template":     sms.DefaultMessageTemplate,
		"sms.max_retries":          sms.DefaultMaxRetries,
		"sms.retry_base":           sms.DefaultRetryBase,
		"sms.rate_per_second":      sms.DefaultRatePerSecond,
		"sms.burst":                sms.DefaultBurst,
		"sms.twilio.base_url":      sms.DefaultTwilioBaseURL,
		"session.parent_lifetime":  auth.DefaultParentLifetime,
		"session.child_lifetime":   auth.DefaultChildLifetime,
		"session.sliding_window":   time.Duration(0),
		"session.refresh_interval": auth.DefaultRefreshInterval,
		"session.idle_lock":        auth.DefaultIdleLock,
		"session.sweep_interval":   10 * time.Minute,
		"audit.enabled":            true,
		"audit.wal_path":           "",
		"audit.buffer":             1024,
	}
}

// flagKeys maps command-line flag names onto config keys.
var flagKeys = map[string]string{
	"env":          "env",
	"log-format":   "log.format",
	"log-level":    "log.level",
	"addr":         "http.addr",
	"metrics-addr": "metrics.addr",
	"database-url": "database.url",
	"kv-driver":    "kv.driver",
}

// RegisterFlags adds the flags Load understands to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := defaults()
	fs.String("env", d["env"].(string), "deployment environment (development|production)")
	fs.String("log-format", d["log.format"].(string), "log format (json|text)")
	fs.String("log-level", d["log.level"].(string), "log level (debug|info|warn|error)")
	fs.String("addr", d["http.addr"].(string), "API listen address")
	fs.String("metrics-addr", d["metrics.addr"].(string), "metrics and health listen address, empty to disable")
	fs.String("database-url", "", "PostgreSQL connection URL")
	fs.String("kv-driver", d["kv.driver"].(string), "rate-limit and code store (memory|postgres)")
}

// Load reads configuration. path may be empty, in which case the XDG config
// file is used when it exists. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	for key, value := range defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("key", key).Wrap(err)
		}
	}

	explicit := path != ""
	if !explicit {
		if p, err := xdg.ConfigFile(); err == nil {
			path = p
		}
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
			}
		} else if explicit {
			return nil, oops.Code("CONFIG_NOT_FOUND").With("path", path).Wrap(err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "env").Wrap(err)
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("operation", "decode").Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey turns CHOREQUEST_SESSION__IDLE_LOCK into session.idle_lock.
func envKey(name string) string {
	name = strings.TrimPrefix(name, EnvPrefix)
	return strings.ToLower(strings.ReplaceAll(name, "__", "."))
}

// Production reports whether this is a production deployment.
func (c *Config) Production() bool {
	return c.Env == EnvProduction
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var problems []error
	bad := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	switch c.Env {
	case EnvDevelopment, EnvProduction:
	default:
		bad("env must be %q or %q, got %q", EnvDevelopment, EnvProduction, c.Env)
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		bad("log.format must be json or text, got %q", c.Log.Format)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		bad("log.level: unknown level %q", c.Log.Level)
	}

	if c.HTTP.Addr == "" {
		bad("http.addr is required")
	}

	switch c.KV.Driver {
	case KVMemory:
	case KVPostgres:
		if c.Database.URL == "" {
			bad("kv.driver postgres requires database.url")
		}
	default:
		bad("kv.driver must be %q or %q, got %q", KVMemory, KVPostgres, c.KV.Driver)
	}
	if c.KV.SweepInterval <= 0 {
		bad("kv.sweep_interval must be positive")
	}

	if c.RateLimit.Threshold <= 0 {
		bad("ratelimit.threshold must be positive")
	}
	if c.RateLimit.Lockout <= 0 {
		bad("ratelimit.lockout must be positive")
	}

	if c.OTP.Length < 4 || c.OTP.Length > 9 {
		bad("otp.length must be between 4 and 9, got %d", c.OTP.Length)
	}
	if c.OTP.TTL <= 0 {
		bad("otp.ttl must be positive")
	}
	if c.OTP.DeliveryTimeout <= 0 {
		bad("otp.delivery_timeout must be positive")
	}
	if c.OTP.FixedCode != "" {
		if c.Production() {
			bad("otp.fixed_code must not be set in production")
		} else if auth.ValidateCode(c.OTP.FixedCode, c.OTP.Length) != nil {
			bad("otp.fixed_code must be %d digits", c.OTP.Length)
		}
	}

	switch sms.Provider(c.SMS.Provider) {
	case sms.ProviderConsole:
		if c.Production() {
			bad("sms.provider console is for development only")
		}
	case sms.ProviderTwilio:
		if c.SMS.Twilio.AccountSID == "" || c.SMS.Twilio.AuthToken == "" || c.SMS.Twilio.From == "" {
			bad("sms.twilio requires account_sid, auth_token and from")
		}
	case sms.ProviderWebhook:
		if c.SMS.Webhook.URL == "" {
			bad("sms.webhook.url is required")
		}
	default:
		bad("sms.provider must be console, twilio or webhook, got %q", c.SMS.Provider)
	}

	if c.Session.ParentLifetime <= 0 || c.Session.ChildLifetime <= 0 {
		bad("session lifetimes must be positive")
	}
	if c.Session.SlidingWindow < 0 {
		bad("session.sliding_window must not be negative")
	}
	if c.Session.IdleLock <= 0 {
		bad("session.idle_lock must be positive")
	}
	if c.Session.RefreshInterval <= 0 {
		bad("session.refresh_interval must be positive")
	}

	if c.Audit.Buffer < 0 {
		bad("audit.buffer must not be negative")
	}

	if len(problems) == 0 {
		return nil
	}
	return oops.Code("CONFIG_INVALID").
		With("problems", len(problems)).
		Wrapf(errors.Join(problems...), "invalid configuration")
}

// RateLimiter returns the limiter policy.
func (c *Config) RateLimiter() auth.RateLimitConfig {
	return auth.RateLimitConfig{
		Enabled:   c.RateLimit.Enabled,
		Threshold: c.RateLimit.Threshold,
		Lockout:   c.RateLimit.Lockout,
	}
}

// OTPIssuer returns the one-time code policy.
func (c *Config) OTPIssuer() auth.OTPConfig {
	return auth.OTPConfig{
		Length:          c.OTP.Length,
		TTL:             c.OTP.TTL,
		DeliveryTimeout: c.OTP.DeliveryTimeout,
		FixedCode:       c.OTP.FixedCode,
		Production:      c.Production(),
	}
}

// Sessions returns the session lifetime policy.
func (c *Config) Sessions() auth.SessionConfig {
	return auth.SessionConfig{
		ParentLifetime:  c.Session.ParentLifetime,
		ChildLifetime:   c.Session.ChildLifetime,
		SlidingWindow:   c.Session.SlidingWindow,
		RefreshInterval: c.Session.RefreshInterval,
		IdleLock:        c.Session.IdleLock,
	}
}

// SMSSender returns the delivery backend configuration. Logger, HTTP client
// and registerer are left for the caller.
func (c *Config) SMSSender() sms.Config {
	return sms.Config{
		Provider:        sms.Provider(c.SMS.Provider),
		MessageTemplate: c.SMS.MessageTemplate,
		Twilio: sms.TwilioConfig{
			AccountSID: c.SMS.Twilio.AccountSID,
			AuthToken:  c.SMS.Twilio.AuthToken,
			From:       c.SMS.Twilio.From,
			BaseURL:    c.SMS.Twilio.BaseURL,
		},
		Webhook: sms.WebhookConfig{
			URL:    c.SMS.Webhook.URL,
			Secret: c.SMS.Webhook.Secret,
		},
		MaxRetries:    c.SMS.MaxRetries,
		RetryBase:     c.SMS.RetryBase,
		RatePerSecond: c.SMS.RatePerSecond,
		Burst:         c.SMS.Burst,
	}
}
