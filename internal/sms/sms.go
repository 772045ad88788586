// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

// Package sms delivers one-time codes. The backend is chosen once at
// startup by New; callers only see the Sender interface.
package sms

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
)

// Provider names a delivery backend.
type Provider string

// Delivery backends.
const (
	ProviderConsole Provider = "console"
	ProviderTwilio  Provider = "twilio"
	ProviderWebhook Provider = "webhook"
)

// Defaults for HTTP backends.
const (
	DefaultMaxRetries      = 2
	DefaultRetryBase       = 200 * time.Millisecond
	DefaultRatePerSecond   = 5.0
	DefaultBurst           = 10
	DefaultMessageTemplate = "Your ChoreQuest code is %s"
	DefaultTwilioBaseURL   = "https://api.twilio.com"
)

// DeliveryResult describes what the backend did with a message.
type DeliveryResult struct {
	Success    bool
	Message    string
	ProviderID string // provider's message id, when it returns one
}

// Sender delivers a code to a phone number.
type Sender interface {
	SendSMS(ctx context.Context, destination, code string) (DeliveryResult, error)
}

// TwilioConfig holds Twilio credentials.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string
	BaseURL    string // defaults to DefaultTwilioBaseURL
}

// WebhookConfig configures the generic JSON webhook backend.
type WebhookConfig struct {
	URL    string
	Secret string // sent as a bearer token when set
}

// Config selects and configures a backend.
type Config struct {
	Provider Provider

	// MessageTemplate is formatted with the code. Must contain one %s.
	MessageTemplate string

	Twilio  TwilioConfig
	Webhook WebhookConfig

	// MaxRetries bounds retries of transient HTTP failures.
	// Negative disables retries; zero means DefaultMaxRetries.
	MaxRetries int
	RetryBase  time.Duration

	// RatePerSecond and Burst throttle outbound HTTP deliveries process-wide.
	RatePerSecond float64
	Burst         int

	HTTPClient *http.Client
	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

// New builds the Sender selected by cfg.Provider.
func New(cfg Config) (Sender, error) {
	if cfg.MessageTemplate == "" {
		cfg.MessageTemplate = DefaultMessageTemplate
	}
	if strings.Count(cfg.MessageTemplate, "%s") != 1 {
		return nil, oops.Code("SMS_INVALID_CONFIG").
			With("template", cfg.MessageTemplate).
			Errorf("message template must contain exactly one %%s")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	switch cfg.Provider {
	case "", ProviderConsole:
		return NewConsoleSender(cfg.Logger, cfg.MessageTemplate), nil
	case ProviderTwilio:
		return newTwilioSender(cfg)
	case ProviderWebhook:
		return newWebhookSender(cfg)
	default:
		return nil, oops.Code("SMS_INVALID_CONFIG").
			With("provider", string(cfg.Provider)).
			Errorf("unknown sms provider %q", cfg.Provider)
	}
}

func render(template, code string) string {
	return fmt.Sprintf(template, code)
}

// MaskPhone hides all but the last four digits of a phone number for logs.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return strings.Repeat("*", len(phone))
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
