// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package sms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/samber/oops"
)

// TwilioSender sends codes through the Twilio Messages API.
type TwilioSender struct {
	cfg      TwilioConfig
	template string
	http     *httpDelivery
}

func newTwilioSender(cfg Config) (*TwilioSender, error) {
	tc := cfg.Twilio
	if tc.AccountSID == "" || tc.AuthToken == "" || tc.From == "" {
		return nil, oops.Code("SMS_INVALID_CONFIG").
			With("provider", string(ProviderTwilio)).
			Errorf("twilio requires account_sid, auth_token and from")
	}
	if tc.BaseURL == "" {
		tc.BaseURL = DefaultTwilioBaseURL
	}
	tc.BaseURL = strings.TrimRight(tc.BaseURL, "/")
	return &TwilioSender{
		cfg:      tc,
		template: cfg.MessageTemplate,
		http:     newHTTPDelivery(ProviderTwilio, cfg),
	}, nil
}

type twilioMessage struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// SendSMS posts the message to Twilio.
func (s *TwilioSender) SendSMS(ctx context.Context, destination, code string) (DeliveryResult, error) {
	endpoint := s.cfg.BaseURL + "/2010-04-01/Accounts/" + url.PathEscape(s.cfg.AccountSID) + "/Messages.json"
	form := url.Values{
		"To":   {destination},
		"From": {s.cfg.From},
		"Body": {render(s.template, code)},
	}

	resp, err := s.http.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return DeliveryResult{Success: false, Message: "twilio delivery failed"}, err
	}

	var msg twilioMessage
	if err := json.Unmarshal(resp.body, &msg); err != nil {
		return DeliveryResult{Success: true, Message: "accepted"}, nil
	}
	status := msg.Status
	if status == "" {
		status = "accepted"
	}
	return DeliveryResult{Success: true, Message: status, ProviderID: msg.SID}, nil
}
