// Package filter drops events of tokens that must not be reduced.
package filter

import (
	"context"

	"github.com/vietddude/reducer/internal/core/domain"
	"github.com/vietddude/reducer/internal/indexing/metrics"
)

// Filter defines the interface for skip-token filtering
type Filter interface {
	// Contains checks if a token is skipped
	Contains(token string) bool

	// Add adds a token to the filter
	Add(token string) error

	// AddBatch adds multiple tokens
	AddBatch(tokens []string) error

	// Remove removes a token from the filter
	Remove(token string) error

	// Size returns the number of skipped tokens
	Size() int

	// Rebuild reloads the filter from its source
	Rebuild(ctx context.Context) error
}

// Drop returns the events whose token is not skipped. The input slice is
// not modified.
func Drop(f Filter, events []domain.ChainEvent) []domain.ChainEvent {
	if f == nil || f.Size() == 0 {
		return events
	}
	kept := make([]domain.ChainEvent, 0, len(events))
	for _, ev := range events {
		if f.Contains(ev.Token) {
			metrics.EntitiesSkipped.WithLabelValues(string(ev.Family), "skip_token").Inc()
			continue
		}
		kept = append(kept, ev)
	}
	return kept
}
