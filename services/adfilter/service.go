package adfilter

import (
	"context"
	"log"
	"sync"
	"time"
)

// Service applies manifest ad filtering with an optional remote override
// rule set. An override fault of any kind falls back to the default filter;
// playback is never interrupted by filtering.
type Service struct {
	mu    sync.RWMutex
	rules *RuleDoc
	store *OverrideStore
}

func NewService(store *OverrideStore) *Service {
	return &Service{store: store}
}

// Refresh fetches the override rule document. Failures keep whatever rules
// are currently loaded.
func (s *Service) Refresh(ctx context.Context) {
	if s.store == nil {
		return
	}
	doc, err := s.store.Fetch(ctx)
	if err != nil {
		log.Printf("[adfilter] override refresh failed, keeping current rules: %v", err)
		return
	}
	if doc == nil {
		return
	}

	s.mu.Lock()
	prev := s.rules
	s.rules = doc
	s.mu.Unlock()

	if prev == nil || prev.Version != doc.Version {
		log.Printf("[adfilter] override rules loaded version=%s providers=%d", doc.Version, len(doc.Providers))
	}
}

// RefreshEvery refreshes the override rules on a fixed interval until the
// context is cancelled.
func (s *Service) RefreshEvery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	s.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Version returns the loaded override rule version, or "" when only the
// default filter is active.
func (s *Service) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rules == nil {
		return ""
	}
	return s.rules.Version
}

// Apply rewrites the manifest for the given provider. The override rule is
// tried first when one exists for the provider; any fault inside it falls
// back to the default rule.
func (s *Service) Apply(provider, manifest string) (out string) {
	defer func() {
		// An override rule must never take playback down with it.
		if r := recover(); r != nil {
			log.Printf("[adfilter] override rule panicked for provider %q: %v", provider, r)
			out = DefaultFilter(provider, manifest)
		}
	}()

	s.mu.RLock()
	rules := s.rules
	s.mu.RUnlock()

	if rules != nil {
		if rule, ok := rules.Providers[provider]; ok {
			filtered, err := rule.apply(manifest)
			if err == nil {
				return filtered
			}
			log.Printf("[adfilter] override rule malformed for provider %q: %v", provider, err)
		}
	}
	return DefaultFilter(provider, manifest)
}
