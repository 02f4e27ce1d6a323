package adfilter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/spf13/afero"
)

// RuleDoc is a versioned override rule set fetched from a remote
// collaborator. It replaces the default filter for the providers it names;
// unlisted providers keep the default behavior.
type RuleDoc struct {
	Version   string                  `json:"version"`
	Providers map[string]ProviderRule `json:"providers"`
}

// ProviderRule describes the line-level rewrites for one provider.
type ProviderRule struct {
	// DropLineContains drops any manifest line containing one of these
	// substrings.
	DropLineContains []string `json:"dropLineContains,omitempty"`
	// DropPairDurations drops an #EXTINF line with one of these exact
	// duration tokens plus the line that follows it.
	DropPairDurations []string `json:"dropPairDurations,omitempty"`
}

// apply rewrites the manifest per the provider's rule. Returns an error
// when the rule is malformed so the caller can fall back to the default.
func (r ProviderRule) apply(manifest string) (string, error) {
	if len(r.DropLineContains) == 0 && len(r.DropPairDurations) == 0 {
		return "", fmt.Errorf("rule has no operations")
	}

	durations := make(map[string]struct{}, len(r.DropPairDurations))
	for _, d := range r.DropPairDurations {
		d = strings.TrimSpace(d)
		if d == "" {
			return "", fmt.Errorf("rule has empty duration token")
		}
		durations[d] = struct{}{}
	}

	lines := strings.Split(manifest, "\n")
	out := make([]string, 0, len(lines))

	skipNext := false
lineLoop:
	for _, line := range lines {
		if skipNext {
			skipNext = false
			continue
		}
		trimmed := strings.TrimSpace(line)

		for _, needle := range r.DropLineContains {
			if needle != "" && strings.Contains(trimmed, needle) {
				continue lineLoop
			}
		}
		if strings.HasPrefix(trimmed, "#EXTINF:") {
			token := strings.TrimPrefix(trimmed, "#EXTINF:")
			if idx := strings.IndexByte(token, ','); idx >= 0 {
				token = token[:idx]
			}
			if _, ok := durations[strings.TrimSpace(token)]; ok {
				skipNext = true
				continue
			}
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n"), nil
}

// OverrideStore fetches, caches and serves the override rule document.
// Fetch failures silently retain the last good cached version.
type OverrideStore struct {
	ruleURL    string
	fs         afero.Fs
	cacheDir   string
	httpClient *http.Client
}

func NewOverrideStore(ruleURL, cacheDir string, fs afero.Fs, client *http.Client) *OverrideStore {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &OverrideStore{
		ruleURL:    ruleURL,
		fs:         fs,
		cacheDir:   cacheDir,
		httpClient: client,
	}
}

func (s *OverrideStore) cachePath(version string) string {
	return filepath.Join(s.cacheDir, fmt.Sprintf("rules-%s.json", version))
}

// Fetch retrieves the current rule document from the remote collaborator,
// caching each version on disk. On any failure it falls back to the newest
// cached version, and returns nil when nothing is available at all.
func (s *OverrideStore) Fetch(ctx context.Context) (*RuleDoc, error) {
	if strings.TrimSpace(s.ruleURL) == "" {
		return s.loadCached()
	}

	var body []byte
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.ruleURL, nil)
			if err != nil {
				return err
			}
			resp, err := s.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 400 {
				return fmt.Errorf("unexpected status %s", resp.Status)
			}
			body, err = io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
			return err
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		cached, cacheErr := s.loadCached()
		if cacheErr == nil && cached != nil {
			return cached, nil
		}
		return nil, fmt.Errorf("fetch override rules: %w", err)
	}

	var doc RuleDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		cached, cacheErr := s.loadCached()
		if cacheErr == nil && cached != nil {
			return cached, nil
		}
		return nil, fmt.Errorf("parse override rules: %w", err)
	}
	if strings.TrimSpace(doc.Version) == "" {
		doc.Version = "0"
	}

	if s.cacheDir != "" {
		if err := s.fs.MkdirAll(s.cacheDir, 0o755); err == nil {
			_ = afero.WriteFile(s.fs, s.cachePath(doc.Version), body, 0o644)
		}
	}
	return &doc, nil
}

// loadCached returns the most recently written cached rule document, or
// nil when the cache is empty.
func (s *OverrideStore) loadCached() (*RuleDoc, error) {
	if s.cacheDir == "" {
		return nil, nil
	}
	entries, err := afero.ReadDir(s.fs, s.cacheDir)
	if err != nil {
		return nil, nil
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ModTime().After(entries[j].ModTime())
	})
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "rules-") {
			continue
		}
		data, err := afero.ReadFile(s.fs, filepath.Join(s.cacheDir, e.Name()))
		if err != nil {
			continue
		}
		var doc RuleDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			continue
		}
		return &doc, nil
	}
	return nil, nil
}
