// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/samber/oops"

	"github.com/chorequest/chorequest/internal/kv"
	"github.com/chorequest/chorequest/internal/sms"
	"github.com/chorequest/chorequest/pkg/errutil"
)

// One-time code defaults.
const (
	DefaultOTPLength          = 6
	DefaultOTPTTL             = 5 * time.Minute
	DefaultOTPDeliveryTimeout = 10 * time.Second

	minOTPLength = 4
	maxOTPLength = 9
)

// OTPConfig configures an OTPIssuer.
type OTPConfig struct {
	// Length is the number of digits. Defaults to DefaultOTPLength.
	Length int

	// TTL is how long a code stays valid. Defaults to DefaultOTPTTL.
	TTL time.Duration

	// DeliveryTimeout bounds one delivery, retries included.
	// Defaults to DefaultOTPDeliveryTimeout.
	DeliveryTimeout time.Duration

	// FixedCode replaces random codes with a well-known value so automated
	// tests can log in. Rejected when Production is set.
	FixedCode string

	// Production marks a production deployment.
	Production bool
}

// IssuedCode describes a code that was stored and handed to the sender.
// The code itself is not included.
type IssuedCode struct {
	Recipient string
	ExpiresAt time.Time
	Delivery  sms.DeliveryResult
}

// otpRecord is the stored form of a live code.
type otpRecord struct {
	CodeHash  string    `json:"code_hash"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// OTPIssuer issues single-use numeric codes and checks them.
//
// At most one code is live per recipient: issuing replaces the previous
// code, and a successful Verify consumes it.
type OTPIssuer struct {
	store  kv.Store
	sender sms.Sender
	cfg    OTPConfig
	opts   options
}

// NewOTPIssuer creates an OTPIssuer.
func NewOTPIssuer(store kv.Store, sender sms.Sender, cfg OTPConfig, opts ...Option) (*OTPIssuer, error) {
	if store == nil {
		return nil, oops.Code("OTP_INVALID_CONFIG").Errorf("code store is required")
	}
	if sender == nil {
		return nil, oops.Code("OTP_INVALID_CONFIG").Errorf("sms sender is required")
	}
	if cfg.Length == 0 {
		cfg.Length = DefaultOTPLength
	}
	if cfg.Length < minOTPLength || cfg.Length > maxOTPLength {
		return nil, oops.Code("OTP_INVALID_CONFIG").
			With("length", cfg.Length).
			Errorf("code length must be between %d and %d", minOTPLength, maxOTPLength)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultOTPTTL
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultOTPDeliveryTimeout
	}
	if cfg.FixedCode != "" {
		if cfg.Production {
			return nil, oops.Code("OTP_INVALID_CONFIG").Errorf("fixed code is not allowed in production")
		}
		if ValidateCode(cfg.FixedCode, cfg.Length) != nil {
			return nil, oops.Code("OTP_INVALID_CONFIG").Errorf("fixed code must be %d digits", cfg.Length)
		}
	}
	return &OTPIssuer{store: store, sender: sender, cfg: cfg, opts: buildOptions(opts)}, nil
}

// Length returns the number of digits in issued codes.
func (o *OTPIssuer) Length() int {
	return o.cfg.Length
}

func otpKey(recipient string) string {
	return "otp:" + recipient
}

func hashCode(recipient, code string) string {
	sum := sha256.Sum256([]byte(recipient + ":" + code))
	return hex.EncodeToString(sum[:])
}

// Issue generates a code for recipient, replacing any live one, and sends
// it. When delivery fails the new code is discarded and OTP_DELIVERY_FAILED
// is returned.
func (o *OTPIssuer) Issue(ctx context.Context, recipient string) (*IssuedCode, error) {
	code, err := o.generate()
	if err != nil {
		return nil, err
	}

	now := o.opts.now()
	rec := otpRecord{
		CodeHash:  hashCode(recipient, code),
		IssuedAt:  now,
		ExpiresAt: now.Add(o.cfg.TTL),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, oops.Code("OTP_STORE_FAILED").Wrap(err)
	}
	// Written through Update so it is ordered with a concurrent Verify of
	// the previous code.
	err = o.store.Update(ctx, otpKey(recipient), func([]byte, bool) (kv.Mutation, error) {
		return kv.Put(data, o.cfg.TTL), nil
	})
	if err != nil {
		return nil, oops.Code("OTP_STORE_FAILED").
			With("recipient", sms.MaskPhone(recipient)).
			Wrap(err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, o.cfg.DeliveryTimeout)
	defer cancel()
	result, sendErr := o.sender.SendSMS(sendCtx, recipient, code)
	if sendErr == nil && !result.Success {
		sendErr = errors.New(result.Message)
	}
	if sendErr != nil {
		o.discard(ctx, recipient, rec.CodeHash)
		o.opts.metrics.otpIssued("failed")
		// The cause is flattened into the message so the delivery code is
		// the one callers see, not the transport's.
		return nil, oops.Code("OTP_DELIVERY_FAILED").
			With("recipient", sms.MaskPhone(recipient)).
			With("cause_code", errutil.Code(sendErr)).
			Errorf("code delivery failed: %v", sendErr)
	}

	o.opts.metrics.otpIssued("sent")
	return &IssuedCode{Recipient: recipient, ExpiresAt: rec.ExpiresAt, Delivery: result}, nil
}

// discard removes the code with codeHash if it is still the live one.
func (o *OTPIssuer) discard(ctx context.Context, recipient, codeHash string) {
	err := o.store.Update(ctx, otpKey(recipient), func(current []byte, found bool) (kv.Mutation, error) {
		var rec otpRecord
		if !found || json.Unmarshal(current, &rec) != nil || rec.CodeHash != codeHash {
			return kv.Keep(), nil
		}
		return kv.Remove(), nil
	})
	if err != nil {
		o.opts.logger.WarnContext(ctx, "failed to discard undelivered code",
			"recipient", sms.MaskPhone(recipient), "error", err)
	}
}

// Verify reports whether code is the live code for recipient. A match
// consumes the code. Absent, expired and mismatched codes return false.
func (o *OTPIssuer) Verify(ctx context.Context, recipient, code string) (bool, error) {
	want := hashCode(recipient, code)
	now := o.opts.now()

	matched := false
	err := o.store.Update(ctx, otpKey(recipient), func(current []byte, found bool) (kv.Mutation, error) {
		if !found {
			return kv.Keep(), nil
		}
		var rec otpRecord
		if err := json.Unmarshal(current, &rec); err != nil {
			return kv.Remove(), nil
		}
		if !now.Before(rec.ExpiresAt) {
			return kv.Remove(), nil
		}
		if subtle.ConstantTimeCompare([]byte(rec.CodeHash), []byte(want)) != 1 {
			return kv.Keep(), nil
		}
		matched = true
		return kv.Remove(), nil
	})
	if err != nil {
		return false, oops.Code("OTP_VERIFY_FAILED").
			With("recipient", sms.MaskPhone(recipient)).
			Wrap(err)
	}
	return matched, nil
}

func (o *OTPIssuer) generate() (string, error) {
	if o.cfg.FixedCode != "" {
		return o.cfg.FixedCode, nil
	}
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(o.cfg.Length)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", oops.Code("OTP_GENERATE_FAILED").Wrap(err)
	}
	return fmt.Sprintf("%0*d", o.cfg.Length, n.Int64()), nil
}
