package adfilter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/spf13/afero"
)

func TestProviderRuleApply(t *testing.T) {
	rule := ProviderRule{
		DropLineContains:  []string{"tracking-pixel"},
		DropPairDurations: []string{"3.000000"},
	}

	manifest := strings.Join([]string{
		"#EXTM3U",
		"#EXT-X-TRACKING:tracking-pixel.example",
		"#EXTINF:3.000000,",
		"ad-segment.ts",
		"#EXTINF:6.000000,",
		"content.ts",
	}, "\n")

	out, err := rule.apply(manifest)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	for _, gone := range []string{"tracking-pixel", "ad-segment.ts"} {
		if strings.Contains(out, gone) {
			t.Errorf("%q survived override rule:\n%s", gone, out)
		}
	}
	if !strings.Contains(out, "content.ts") {
		t.Fatalf("content dropped:\n%s", out)
	}
}

func TestProviderRuleRejectsMalformed(t *testing.T) {
	if _, err := (ProviderRule{}).apply("#EXTM3U"); err == nil {
		t.Fatalf("empty rule accepted")
	}
	bad := ProviderRule{DropPairDurations: []string{"  "}}
	if _, err := bad.apply("#EXTM3U"); err == nil {
		t.Fatalf("empty duration token accepted")
	}
}

func TestOverrideStoreFetchAndCache(t *testing.T) {
	doc := `{"version":"7","providers":{"ruyi":{"dropPairDurations":["9.000000"]}}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(doc))
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	store := NewOverrideStore(srv.URL, "/cache", fs, srv.Client())

	got, err := store.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got.Version != "7" {
		t.Fatalf("version = %q, want 7", got.Version)
	}

	if ok, _ := afero.Exists(fs, "/cache/rules-7.json"); !ok {
		t.Fatalf("fetched version not cached")
	}
}

func TestOverrideStoreFallsBackToCache(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"version":"3","providers":{}}`))
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	store := NewOverrideStore(srv.URL, "/cache", fs, srv.Client())

	if _, err := store.Fetch(context.Background()); err != nil {
		t.Fatalf("initial fetch: %v", err)
	}

	healthy.Store(false)
	got, err := store.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fallback fetch: %v", err)
	}
	if got == nil || got.Version != "3" {
		t.Fatalf("cached fallback = %+v, want version 3", got)
	}
}

func TestOverrideStoreEmptyURLUsesCacheOnly(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewOverrideStore("", "/cache", fs, nil)

	got, err := store.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil document from empty cache, got %+v", got)
	}
}
