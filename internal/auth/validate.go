// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package auth

import (
	"strings"
	"unicode/utf8"
)

// Input constraints.
const (
	MinPINLength         = 4
	MaxPINLength         = 6
	MinPhoneDigits       = 7
	MaxPhoneDigits       = 15
	MinPasswordLength    = 8
	MaxPasswordLength    = 128
	MaxDisplayNameLength = 64
)

// NormalizePhone strips formatting from a phone number and validates it.
// Spaces, dashes, dots and parentheses are removed; a single leading "+" is
// kept. The result has 7 to 15 digits.
func NormalizePhone(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", invalidInput("phone", "phone number is required")
	}
	var b strings.Builder
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", invalidInput("phone", "phone number may contain only digits, spaces, dashes and a leading +")
		}
	}
	normalized := b.String()
	digits := len(strings.TrimPrefix(normalized, "+"))
	if digits < MinPhoneDigits || digits > MaxPhoneDigits {
		return "", invalidInput("phone", "phone number must have %d to %d digits", MinPhoneDigits, MaxPhoneDigits)
	}
	return normalized, nil
}

// ValidatePIN checks that pin is 4 to 6 ASCII digits.
func ValidatePIN(pin string) error {
	if len(pin) < MinPINLength || len(pin) > MaxPINLength || !allDigits(pin) {
		return invalidInput("pin", "PIN must be %d to %d digits", MinPINLength, MaxPINLength)
	}
	return nil
}

// ValidateCode checks that code is exactly length ASCII digits.
func ValidateCode(code string, length int) error {
	if len(code) != length || !allDigits(code) {
		return invalidInput("code", "code must be %d digits", length)
	}
	return nil
}

// ValidatePassword checks only presence and bounds on login; strength rules
// apply when a password is set.
func ValidatePassword(password string) error {
	if password == "" {
		return invalidInput("password", "password is required")
	}
	if len(password) > MaxPasswordLength {
		return invalidInput("password", "password must be at most %d characters", MaxPasswordLength)
	}
	return nil
}

// ValidateNewPassword applies the rules for setting a password.
func ValidateNewPassword(password string) error {
	if err := ValidatePassword(password); err != nil {
		return err
	}
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return invalidInput("password", "password must be at least %d characters", MinPasswordLength)
	}
	return nil
}

// ValidateDisplayName checks a family or actor display name.
func ValidateDisplayName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return invalidInput("name", "name cannot be empty")
	}
	if utf8.RuneCountInString(trimmed) > MaxDisplayNameLength {
		return invalidInput("name", "name must be at most %d characters", MaxDisplayNameLength)
	}
	return nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
