// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package sms

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
)

// maxResponseBody caps how much of a provider response is read.
const maxResponseBody = 64 << 10

// httpDelivery is the transport shared by the HTTP backends: bounded
// retries with exponential backoff and a process-wide token bucket.
type httpDelivery struct {
	provider   Provider
	client     *http.Client
	limiter    *rate.Limiter
	maxRetries uint64
	retryBase  time.Duration
	logger     *slog.Logger
	deliveries *prometheus.CounterVec
}

func newHTTPDelivery(provider Provider, cfg Config) *httpDelivery {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = DefaultRatePerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = DefaultBurst
	}
	var retries uint64
	switch {
	case cfg.MaxRetries > 0:
		retries = uint64(cfg.MaxRetries)
	case cfg.MaxRetries == 0:
		retries = DefaultMaxRetries
	}
	base := cfg.RetryBase
	if base <= 0 {
		base = DefaultRetryBase
	}

	d := &httpDelivery{
		provider:   provider,
		client:     client,
		limiter:    rate.NewLimiter(rate.Limit(perSecond), burst),
		maxRetries: retries,
		retryBase:  base,
		logger:     cfg.Logger,
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chorequest_sms_deliveries_total",
			Help: "SMS delivery attempts by provider and outcome",
		}, []string{"provider", "outcome"}),
	}
	if cfg.Registerer != nil {
		if err := cfg.Registerer.Register(d.deliveries); err != nil {
			d.logger.Warn("sms metrics not registered", "error", err)
		}
	}
	return d
}

// response is a provider reply read into memory.
type response struct {
	status int
	body   []byte
}

// do sends the request built by newRequest, retrying network errors, 429
// and 5xx. Any other non-2xx status fails without retrying.
func (d *httpDelivery) do(ctx context.Context, newRequest func(ctx context.Context) (*http.Request, error)) (*response, error) {
	backoff := retry.WithMaxRetries(d.maxRetries, retry.NewExponential(d.retryBase))

	var result *response
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := d.limiter.Wait(ctx); err != nil {
			return oops.Code("SMS_THROTTLED").With("provider", string(d.provider)).Wrap(err)
		}

		req, err := newRequest(ctx)
		if err != nil {
			return oops.Code("SMS_REQUEST_FAILED").With("provider", string(d.provider)).Wrap(err)
		}
		resp, err := d.client.Do(req)
		if err != nil {
			d.logger.WarnContext(ctx, "sms delivery attempt failed",
				"provider", d.provider, "attempt", attempt, "error", err)
			return retry.RetryableError(oops.Code("SMS_TRANSPORT_FAILED").
				With("provider", string(d.provider)).
				With("attempt", attempt).
				Wrap(err))
		}
		defer resp.Body.Close() //nolint:errcheck // read-only body

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return retry.RetryableError(oops.Code("SMS_TRANSPORT_FAILED").
				With("provider", string(d.provider)).
				Wrap(err))
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			result = &response{status: resp.StatusCode, body: body}
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			d.logger.WarnContext(ctx, "sms provider unavailable",
				"provider", d.provider, "attempt", attempt, "status", resp.StatusCode)
			return retry.RetryableError(oops.Code("SMS_PROVIDER_UNAVAILABLE").
				With("provider", string(d.provider)).
				With("status", resp.StatusCode).
				Errorf("provider returned %d", resp.StatusCode))
		default:
			return oops.Code("SMS_REJECTED").
				With("provider", string(d.provider)).
				With("status", resp.StatusCode).
				With("body", string(body)).
				Errorf("provider rejected message with %d", resp.StatusCode)
		}
	})
	if err != nil {
		d.deliveries.WithLabelValues(string(d.provider), "failed").Inc()
		return nil, err
	}
	d.deliveries.WithLabelValues(string(d.provider), "sent").Inc()
	return result, nil
}
