package filter

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Loader returns the current skip list from an external source.
type Loader func(ctx context.Context) ([]string, error)

// MemoryFilter implements Filter using an in-memory set of lower-cased
// token addresses.
type MemoryFilter struct {
	static []string
	loader Loader
	tokens map[string]struct{}
	mu     sync.RWMutex
}

// NewMemoryFilter creates a filter seeded with static tokens. loader may be
// nil; when set, Rebuild merges its tokens with the static ones.
func NewMemoryFilter(static []string, loader Loader) *MemoryFilter {
	f := &MemoryFilter{
		static: static,
		loader: loader,
		tokens: make(map[string]struct{}),
	}
	_ = f.AddBatch(static)
	return f
}

// Contains checks if a token is skipped.
func (f *MemoryFilter) Contains(token string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, exists := f.tokens[strings.ToLower(token)]
	return exists
}

// Add adds a token to the filter.
func (f *MemoryFilter) Add(token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[strings.ToLower(token)] = struct{}{}
	return nil
}

// AddBatch adds multiple tokens.
func (f *MemoryFilter) AddBatch(tokens []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range tokens {
		f.tokens[strings.ToLower(t)] = struct{}{}
	}
	return nil
}

// Remove removes a token from the filter.
func (f *MemoryFilter) Remove(token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tokens, strings.ToLower(token))
	return nil
}

// Size returns the number of skipped tokens.
func (f *MemoryFilter) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.tokens)
}

// Rebuild replaces the set with the static tokens plus the loader's.
func (f *MemoryFilter) Rebuild(ctx context.Context) error {
	if f.loader == nil {
		return nil
	}
	loaded, err := f.loader(ctx)
	if err != nil {
		return fmt.Errorf("failed to load skip tokens: %w", err)
	}
	next := make(map[string]struct{}, len(f.static)+len(loaded))
	for _, t := range append(append([]string(nil), f.static...), loaded...) {
		next[strings.ToLower(t)] = struct{}{}
	}
	f.mu.Lock()
	f.tokens = next
	f.mu.Unlock()
	return nil
}

// Tokens returns the list of all skipped tokens.
func (f *MemoryFilter) Tokens() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	result := make([]string, 0, len(f.tokens))
	for t := range f.tokens {
		result = append(result, t)
	}
	return result
}
