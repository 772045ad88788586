// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package streak_test

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorequest/chorequest/internal/streak"
	"github.com/chorequest/chorequest/pkg/errutil"
)

func TestNewLinear_RejectsMalformedMultiplier(t *testing.T) {
	for _, m := range []float64{-0.1, math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := streak.NewLinear(m)
		errutil.AssertErrorCode(t, err, "STREAK_INVALID_CONFIG")
	}
}

func TestNewStair_RejectsMalformedSteps(t *testing.T) {
	_, err := streak.NewStair([]float64{0.2, -0.5})
	errutil.AssertErrorCode(t, err, "STREAK_INVALID_CONFIG")
	errutil.AssertErrorContext(t, err, "index", 1)

	_, err = streak.NewStair([]float64{math.NaN()})
	errutil.AssertErrorCode(t, err, "STREAK_INVALID_CONFIG")
}

func TestNewStair_CopiesSteps(t *testing.T) {
	steps := []float64{0.2, 0.5}
	s, err := streak.NewStair(steps)
	require.NoError(t, err)

	steps[0] = 100
	assert.Equal(t, []float64{0.2, 0.5}, s.Steps())

	out := s.Steps()
	out[1] = 100
	assert.Equal(t, []float64{0.2, 0.5}, s.Steps())
}

func TestStrategy_JSON(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		kind     streak.Kind
		wantErr  bool
		expected float64 // award for base 10, streak 2
	}{
		{name: "none", input: `{"kind":"none"}`, kind: streak.KindNone, expected: 10},
		{name: "empty kind is none", input: `{}`, kind: streak.KindNone, expected: 10},
		{name: "linear", input: `{"kind":"linear","multiplier":0.5}`, kind: streak.KindLinear, expected: 20},
		{name: "stair", input: `{"kind":"stair","steps":[0.2,0.5,1]}`, kind: streak.KindStair, expected: 17},
		{name: "linear without multiplier", input: `{"kind":"linear"}`, wantErr: true},
		{name: "negative multiplier", input: `{"kind":"linear","multiplier":-1}`, wantErr: true},
		{name: "negative step", input: `{"kind":"stair","steps":[0.1,-0.1]}`, wantErr: true},
		{name: "unknown kind", input: `{"kind":"exponential"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s streak.Strategy
			err := json.Unmarshal([]byte(tt.input), &s)
			if tt.wantErr {
				require.Error(t, err)
				errutil.AssertErrorCode(t, err, "STREAK_INVALID_CONFIG")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, s.Kind())

			got, err := streak.Award(streak.Context{Base: 10, Streak: 2, Strategy: s})
			require.NoError(t, err)
			assert.InDelta(t, tt.expected, got, 1e-9)
		})
	}
}

func TestStrategy_MarshalJSON(t *testing.T) {
	linear, err := streak.NewLinear(0.5)
	require.NoError(t, err)
	data, err := json.Marshal(linear)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"linear","multiplier":0.5}`, string(data))

	data, err = json.Marshal(streak.Strategy{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"none"}`, string(data))

	zero, err := streak.NewLinear(0)
	require.NoError(t, err)
	data, err = json.Marshal(zero)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"linear","multiplier":0}`, string(data))
}

func TestStrategy_UnmarshalRejectsMalformedJSON(t *testing.T) {
	var s streak.Strategy
	require.Error(t, json.Unmarshal([]byte(`{"kind":"linear","multiplier":"x"}`), &s))
	assert.Equal(t, streak.KindNone, s.Kind())
}
