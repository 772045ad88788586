// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package sms

import (
	"context"
	"log/slog"
)

// ConsoleSender logs codes instead of sending them. Development only.
type ConsoleSender struct {
	logger   *slog.Logger
	template string
}

// NewConsoleSender creates a ConsoleSender.
func NewConsoleSender(logger *slog.Logger, template string) *ConsoleSender {
	if logger == nil {
		logger = slog.Default()
	}
	if template == "" {
		template = DefaultMessageTemplate
	}
	return &ConsoleSender{logger: logger, template: template}
}

// SendSMS logs the message.
func (s *ConsoleSender) SendSMS(ctx context.Context, destination, code string) (DeliveryResult, error) {
	s.logger.InfoContext(ctx, "sms delivery (console)",
		"to", destination,
		"message", render(s.template, code))
	return DeliveryResult{Success: true, Message: "logged to console"}, nil
}
