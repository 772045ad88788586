// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

// Package streak computes the points a completed task is worth given its
// consecutive-completion streak and the task's combo strategy.
//
// Everything here is pure: no I/O, no clocks, no shared state.
package streak

import (
	"encoding/json"
	"math"
	"slices"

	"github.com/samber/oops"
)

// Kind names a combo strategy.
type Kind string

// Combo strategy kinds.
const (
	KindNone   Kind = "none"
	KindLinear Kind = "linear"
	KindStair  Kind = "stair"
)

// Strategy converts a streak length into a bonus.
//
// Build values with None, NewLinear or NewStair. The zero value is None.
type Strategy struct {
	kind       Kind
	multiplier float64
	steps      []float64
}

// None awards the base points regardless of the streak.
func None() Strategy {
	return Strategy{kind: KindNone}
}

// NewLinear returns a strategy awarding base + base*m*streak.
func NewLinear(m float64) (Strategy, error) {
	if err := checkFactor("multiplier", m); err != nil {
		return Strategy{}, err
	}
	return Strategy{kind: KindLinear, multiplier: m}, nil
}

// NewStair returns a strategy awarding base * (1 + steps[0] + ... + steps[min(streak,len)-1]).
// An empty step list behaves like None.
func NewStair(steps []float64) (Strategy, error) {
	for i, m := range steps {
		if err := checkFactor("step", m); err != nil {
			return Strategy{}, oops.With("index", i).Wrap(err)
		}
	}
	return Strategy{kind: KindStair, steps: slices.Clone(steps)}, nil
}

// Kind returns the strategy kind.
func (s Strategy) Kind() Kind {
	if s.kind == "" {
		return KindNone
	}
	return s.kind
}

// Multiplier returns the linear multiplier (0 for other kinds).
func (s Strategy) Multiplier() float64 { return s.multiplier }

// Steps returns a copy of the stair steps (nil for other kinds).
func (s Strategy) Steps() []float64 { return slices.Clone(s.steps) }

// Validate reports whether s could have been built by a constructor.
func (s Strategy) Validate() error {
	switch s.Kind() {
	case KindNone:
		return nil
	case KindLinear:
		return checkFactor("multiplier", s.multiplier)
	case KindStair:
		for i, m := range s.steps {
			if err := checkFactor("step", m); err != nil {
				return oops.With("index", i).Wrap(err)
			}
		}
		return nil
	default:
		return oops.Code("STREAK_INVALID_CONFIG").
			With("kind", string(s.kind)).
			Errorf("unknown combo kind %q", s.kind)
	}
}

// strategyJSON is the stored form of a Strategy, e.g.
// {"kind":"stair","steps":[0.2,0.5,1]}.
type strategyJSON struct {
	Kind       Kind      `json:"kind"`
	Multiplier *float64  `json:"multiplier,omitempty"`
	Steps      []float64 `json:"steps,omitempty"`
}

// MarshalJSON encodes the strategy in its stored form.
func (s Strategy) MarshalJSON() ([]byte, error) {
	out := strategyJSON{Kind: s.Kind()}
	switch out.Kind {
	case KindLinear:
		m := s.multiplier
		out.Multiplier = &m
	case KindStair:
		out.Steps = s.steps
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes and validates a stored strategy. Malformed values
// are rejected here rather than clamped when points are awarded.
func (s *Strategy) UnmarshalJSON(data []byte) error {
	var in strategyJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return oops.Code("STREAK_INVALID_CONFIG").Wrap(err)
	}
	parsed, err := FromParts(in.Kind, in.Multiplier, in.Steps)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// FromParts builds a strategy from loosely typed configuration, such as a
// task template row or a config file section.
func FromParts(kind Kind, multiplier *float64, steps []float64) (Strategy, error) {
	switch kind {
	case "", KindNone:
		return None(), nil
	case KindLinear:
		if multiplier == nil {
			return Strategy{}, oops.Code("STREAK_INVALID_CONFIG").Errorf("linear combo requires a multiplier")
		}
		return NewLinear(*multiplier)
	case KindStair:
		return NewStair(steps)
	default:
		return Strategy{}, oops.Code("STREAK_INVALID_CONFIG").
			With("kind", string(kind)).
			Errorf("unknown combo kind %q", kind)
	}
}

func checkFactor(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return oops.Code("STREAK_INVALID_CONFIG").
			With(name, v).
			Errorf("%s must be a finite number", name)
	}
	if v < 0 {
		return oops.Code("STREAK_INVALID_CONFIG").
			With(name, v).
			Errorf("%s must not be negative, got %v", name, v)
	}
	return nil
}
