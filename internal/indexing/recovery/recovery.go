// Package recovery retries entities whose incremental reduce failed by
// running a full reduce with exponential backoff.
package recovery

import (
	"errors"
	"math"
	"time"

	"github.com/vietddude/reducer/internal/core/domain"
)

// FailureCategory tells whether another attempt can succeed.
type FailureCategory int

const (
	CategoryTransient FailureCategory = iota
	CategoryPermanent
)

// Classifier maps a retry error to its category.
type Classifier func(err error) FailureCategory

// ClassifyReduceError treats malformed input and oversized documents as
// permanent: a full reduce of the same history fails the same way.
func ClassifyReduceError(err error) FailureCategory {
	switch {
	case errors.Is(err, domain.ErrInvalidEvent),
		errors.Is(err, domain.ErrInvalidEventOrdering),
		errors.Is(err, domain.ErrStorageSizeExceeded):
		return CategoryPermanent
	}
	return CategoryTransient
}

// RetryStrategy defines how retries should be handled.
type RetryStrategy interface {
	// GetDelay returns the delay before the given attempt (0-indexed).
	GetDelay(attempt int) time.Duration

	// ShouldRetry checks if we should retry based on the error and attempt count.
	ShouldRetry(err error, attempt int) bool
}

// ExponentialBackoff doubles the delay on every attempt up to MaxDelay.
type ExponentialBackoff struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts"`
	Classifier   Classifier    `yaml:"-"`
}

// DefaultBackoff returns 2s, 4s, 8s, 16s, 32s (max 60s). A nil classifier
// means ClassifyReduceError.
func DefaultBackoff(classifier Classifier) *ExponentialBackoff {
	if classifier == nil {
		classifier = ClassifyReduceError
	}
	return &ExponentialBackoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		MaxAttempts:  5,
		Classifier:   classifier,
	}
}

// GetDelay calculates InitialDelay * 2^attempt.
func (s *ExponentialBackoff) GetDelay(attempt int) time.Duration {
	delay := float64(s.InitialDelay) * math.Pow(2, float64(attempt))
	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry checks that the error is transient and attempts remain.
func (s *ExponentialBackoff) ShouldRetry(err error, attempt int) bool {
	if attempt >= s.MaxAttempts {
		return false
	}
	classify := s.Classifier
	if classify == nil {
		classify = ClassifyReduceError
	}
	return classify(err) == CategoryTransient
}
