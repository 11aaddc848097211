package resend

import (
	"testing"
	"time"

	"github.com/kiranshivaraju/deadletter/internal/config"
	"github.com/kiranshivaraju/deadletter/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newStrategy(t *testing.T, cfg config.ResendConfig) *DefaultStrategy {
	t.Helper()
	s, err := NewDefaultStrategyWithClock(cfg, func() time.Time { return fixedNow })
	require.NoError(t, err)
	return s
}

func determine(s Strategy, count int) (time.Time, bool) {
	return s.DetermineResend(count, models.EventMetadata{}, models.EventMetadata{},
		models.ErrorEventData{}, models.EventMessage{})
}

func TestDefaultStrategy_ExponentialSaturates(t *testing.T) {
	s := newStrategy(t, config.ResendConfig{
		Delay:                      5 * time.Second,
		MaxRetries:                 10,
		ExponentialBackoffEnabled:  true,
		ExponentialBackoffFactor:   3,
		ExponentialBackoffMaxDelay: 100 * time.Second,
	})

	tests := []struct {
		count int
		want  time.Duration
	}{
		{0, 5 * time.Second},
		{1, 15 * time.Second},
		{2, 45 * time.Second},
		{3, 100 * time.Second},
		{9, 100 * time.Second},
	}
	for _, tt := range tests {
		at, ok := determine(s, tt.count)
		require.True(t, ok, "count %d", tt.count)
		assert.Equal(t, fixedNow.Add(tt.want), at, "count %d", tt.count)
	}
}

func TestDefaultStrategy_BackoffDisabledIsConstant(t *testing.T) {
	s := newStrategy(t, config.ResendConfig{
		Delay:                    5 * time.Second,
		MaxRetries:               4,
		ExponentialBackoffFactor: 3,
	})

	for count := 0; count < 4; count++ {
		at, ok := determine(s, count)
		require.True(t, ok)
		assert.Equal(t, fixedNow.Add(5*time.Second), at)
	}
}

func TestDefaultStrategy_GivesUpAtMaxRetries(t *testing.T) {
	s := newStrategy(t, config.ResendConfig{
		Delay:                      time.Second,
		MaxRetries:                 3,
		ExponentialBackoffEnabled:  true,
		ExponentialBackoffFactor:   2,
		ExponentialBackoffMaxDelay: time.Minute,
	})

	for _, count := range []int{3, 4, 100} {
		_, ok := determine(s, count)
		assert.False(t, ok, "count %d", count)
	}
	_, ok := determine(s, 2)
	assert.True(t, ok)
}

func TestDefaultStrategy_ZeroMaxRetriesNeverResends(t *testing.T) {
	s := newStrategy(t, config.ResendConfig{Delay: time.Second, MaxRetries: 0})

	_, ok := determine(s, 0)
	assert.False(t, ok)
}

func TestDefaultStrategy_DelayMonotoneAndCapped(t *testing.T) {
	maxDelay := 10 * time.Minute
	s := newStrategy(t, config.ResendConfig{
		Delay:                      700 * time.Millisecond,
		MaxRetries:                 5000,
		ExponentialBackoffEnabled:  true,
		ExponentialBackoffFactor:   1.7,
		ExponentialBackoffMaxDelay: maxDelay,
	})

	prev := time.Duration(0)
	for count := 0; count < 5000; count++ {
		d := s.Delay(count)
		assert.GreaterOrEqual(t, d, prev, "count %d", count)
		assert.LessOrEqual(t, d, maxDelay, "count %d", count)
		prev = d
	}
	assert.Equal(t, maxDelay, s.Delay(4999), "huge exponents saturate instead of overflowing")
}

func TestNewDefaultStrategy_RejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.ResendConfig
	}{
		{"missing delay", config.ResendConfig{MaxRetries: 1}},
		{"negative retries", config.ResendConfig{Delay: time.Second, MaxRetries: -1}},
		{"factor below one", config.ResendConfig{Delay: time.Second, ExponentialBackoffEnabled: true, ExponentialBackoffFactor: 0.5, ExponentialBackoffMaxDelay: time.Minute}},
		{"missing max delay", config.ResendConfig{Delay: time.Second, ExponentialBackoffEnabled: true, ExponentialBackoffFactor: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDefaultStrategy(tt.cfg)
			assert.Error(t, err)
		})
	}
}

// fixedDelayStrategy stands in for a custom strategy plugged in by callers.
type fixedDelayStrategy struct{ at time.Time }

func (f fixedDelayStrategy) DetermineResend(int, models.EventMetadata, models.EventMetadata,
	models.ErrorEventData, models.EventMessage) (time.Time, bool) {
	return f.at, true
}

func TestStrategy_IsPluggable(t *testing.T) {
	var s Strategy = fixedDelayStrategy{at: fixedNow}
	at, ok := determine(s, 99)
	assert.True(t, ok)
	assert.Equal(t, fixedNow, at)
}
