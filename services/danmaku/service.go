package danmaku

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"moonstream/models"
)

// ErrNoMatch is returned when the provider has no comment stream for the
// requested episode.
var ErrNoMatch = errors.New("no danmaku match for episode")

type cacheEntry struct {
	comments  []models.Comment
	expiresAt time.Time
}

// Service fetches timeline comment streams from the configured danmaku
// provider and caches them per episode.
type Service struct {
	baseURL    string
	httpClient *http.Client
	ttl        time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewService builds a danmaku client. A zero ttl disables caching.
func NewService(baseURL string, ttl time.Duration) *Service {
	return &Service{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		ttl:   ttl,
		cache: make(map[string]cacheEntry),
	}
}

type commentPayload struct {
	Time  float64 `json:"time"`
	Mode  int     `json:"mode"`
	Color string  `json:"color"`
	Text  string  `json:"text"`
}

type episodeResponse struct {
	Count    int              `json:"count"`
	Comments []commentPayload `json:"comments"`
}

// Resolve returns the comment stream for one episode, sorted by the
// provider. Results are cached for the configured TTL so episode hopping
// does not hammer the provider.
func (s *Service) Resolve(ctx context.Context, ref models.EpisodeRef) ([]models.Comment, error) {
	if s.baseURL == "" {
		return nil, ErrNoMatch
	}
	key := s.cacheKey(ref)

	s.mu.Lock()
	if entry, ok := s.cache[key]; ok && time.Now().Before(entry.expiresAt) {
		comments := entry.comments
		s.mu.Unlock()
		return comments, nil
	}
	s.mu.Unlock()

	comments, err := s.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}

	if s.ttl > 0 {
		s.mu.Lock()
		s.cache[key] = cacheEntry{comments: comments, expiresAt: time.Now().Add(s.ttl)}
		s.mu.Unlock()
	}
	return comments, nil
}

func (s *Service) fetch(ctx context.Context, ref models.EpisodeRef) ([]models.Comment, error) {
	endpoint, err := s.episodeURL(ref)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building danmaku request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching danmaku: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNoMatch
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("danmaku provider returned status %d", resp.StatusCode)
	}

	var payload episodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding danmaku response: %w", err)
	}

	comments := make([]models.Comment, 0, len(payload.Comments))
	for _, c := range payload.Comments {
		comments = append(comments, models.Comment{
			TimeSeconds: c.Time,
			Mode:        c.Mode,
			Color:       c.Color,
			Text:        c.Text,
		})
	}
	return comments, nil
}

func (s *Service) episodeURL(ref models.EpisodeRef) (string, error) {
	base, err := url.Parse(s.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid danmaku base URL: %w", err)
	}
	if ref.ProviderEpisodeID != "" {
		return base.JoinPath("comment", ref.ProviderEpisodeID).String(), nil
	}
	if ref.Title == "" {
		return "", ErrNoMatch
	}
	search := base.JoinPath("search")
	q := search.Query()
	q.Set("title", ref.Title)
	q.Set("episode", fmt.Sprintf("%d", ref.EpisodeIndex))
	search.RawQuery = q.Encode()
	return search.String(), nil
}

// ClearCache drops every cached episode.
func (s *Service) ClearCache() {
	s.mu.Lock()
	s.cache = make(map[string]cacheEntry)
	s.mu.Unlock()
}

func (s *Service) cacheKey(ref models.EpisodeRef) string {
	return fmt.Sprintf("%s|%s|%d", ref.ProviderEpisodeID, ref.Title, ref.EpisodeIndex)
}
