// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/samber/oops"
)

// WebhookSender posts codes as JSON to an operator-provided endpoint, e.g.
// a self-hosted SMS gateway.
type WebhookSender struct {
	cfg      WebhookConfig
	template string
	http     *httpDelivery
}

func newWebhookSender(cfg Config) (*WebhookSender, error) {
	u, err := url.Parse(cfg.Webhook.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, oops.Code("SMS_INVALID_CONFIG").
			With("provider", string(ProviderWebhook)).
			Errorf("webhook url must be an absolute http(s) url")
	}
	return &WebhookSender{
		cfg:      cfg.Webhook,
		template: cfg.MessageTemplate,
		http:     newHTTPDelivery(ProviderWebhook, cfg),
	}, nil
}

type webhookPayload struct {
	To      string `json:"to"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type webhookReply struct {
	ID string `json:"id"`
}

// SendSMS posts {to, code, message} to the webhook.
func (s *WebhookSender) SendSMS(ctx context.Context, destination, code string) (DeliveryResult, error) {
	body, err := json.Marshal(webhookPayload{
		To:      destination,
		Code:    code,
		Message: render(s.template, code),
	})
	if err != nil {
		return DeliveryResult{}, oops.Code("SMS_REQUEST_FAILED").Wrap(err)
	}

	resp, err := s.http.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if s.cfg.Secret != "" {
			req.Header.Set("Authorization", "Bearer "+s.cfg.Secret)
		}
		return req, nil
	})
	if err != nil {
		return DeliveryResult{Success: false, Message: "webhook delivery failed"}, err
	}

	var reply webhookReply
	_ = json.Unmarshal(resp.body, &reply) //nolint:errcheck // reply body is optional
	return DeliveryResult{Success: true, Message: "delivered", ProviderID: reply.ID}, nil
}
