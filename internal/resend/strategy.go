// Package resend decides when failed events are sent again and fires the
// resends that are due.
package resend

import (
	"fmt"
	"math"
	"time"

	"github.com/kiranshivaraju/deadletter/internal/config"
	"github.com/kiranshivaraju/deadletter/pkg/models"
)

// Strategy decides whether and when the causing event of an error is resent.
// Implementations must be stateless and safe for concurrent use.
type Strategy interface {
	// DetermineResend returns the resend time, or ok=false to stop retrying.
	// errorCountForEvent is the number of errors recorded for the causing event.
	DetermineResend(errorCountForEvent int, causingEvent models.EventMetadata, errorEvent models.EventMetadata,
		data models.ErrorEventData, message models.EventMessage) (at time.Time, ok bool)
}

// DefaultStrategy retries up to MaxRetries times with a constant or
// exponentially growing delay capped at ExponentialBackoffMaxDelay.
type DefaultStrategy struct {
	cfg config.ResendConfig
	now func() time.Time
}

var _ Strategy = (*DefaultStrategy)(nil)

// NewDefaultStrategy validates cfg and returns a DefaultStrategy.
func NewDefaultStrategy(cfg config.ResendConfig) (*DefaultStrategy, error) {
	return NewDefaultStrategyWithClock(cfg, time.Now)
}

// NewDefaultStrategyWithClock is NewDefaultStrategy with an injectable clock.
func NewDefaultStrategyWithClock(cfg config.ResendConfig, now func() time.Time) (*DefaultStrategy, error) {
	if cfg.Delay <= 0 {
		return nil, fmt.Errorf("resend strategy: delay must be positive")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("resend strategy: max retries must not be negative")
	}
	if cfg.ExponentialBackoffEnabled {
		if cfg.ExponentialBackoffFactor < 1 {
			return nil, fmt.Errorf("resend strategy: backoff factor must be >= 1")
		}
		if cfg.ExponentialBackoffMaxDelay <= 0 {
			return nil, fmt.Errorf("resend strategy: backoff max delay must be positive")
		}
	}
	return &DefaultStrategy{cfg: cfg, now: now}, nil
}

func (s *DefaultStrategy) DetermineResend(errorCountForEvent int, _ models.EventMetadata, _ models.EventMetadata,
	_ models.ErrorEventData, _ models.EventMessage) (time.Time, bool) {
	if errorCountForEvent >= s.cfg.MaxRetries {
		return time.Time{}, false
	}
	return s.now().Add(s.Delay(errorCountForEvent)), true
}

// Delay returns the wait before the resend following errorCountForEvent errors.
func (s *DefaultStrategy) Delay(errorCountForEvent int) time.Duration {
	if !s.cfg.ExponentialBackoffEnabled || errorCountForEvent <= 0 {
		return s.cfg.Delay
	}
	maxDelay := s.cfg.ExponentialBackoffMaxDelay
	d := float64(s.cfg.Delay) * math.Pow(s.cfg.ExponentialBackoffFactor, float64(errorCountForEvent))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}
