package mediaprobe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grafov/m3u8"

	"moonstream/models"
	"moonstream/services/selector"
)

// Sample size for the throughput measurement. Large enough to get past TCP
// slow start, small enough to keep a probe round cheap.
const sampleBytes = 512 * 1024

// Transport measures a candidate source over HTTP: it fetches the HLS
// manifest, reads the advertised resolution, and times a partial segment
// download to estimate throughput.
type Transport struct {
	httpClient *http.Client
}

// NewTransport returns a transport with a default HTTP client when one is
// not provided.
func NewTransport(client *http.Client) *Transport {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &Transport{httpClient: client}
}

var _ selector.Transport = (*Transport)(nil)

// Measure fetches the manifest at mediaURL and derives quality, throughput
// and round-trip latency for it.
func (t *Transport) Measure(ctx context.Context, mediaURL string) (selector.Measurement, error) {
	var m selector.Measurement

	start := time.Now()
	body, err := t.fetch(ctx, mediaURL, "")
	if err != nil {
		return m, fmt.Errorf("fetch manifest: %w", err)
	}
	m.ElapsedMs = time.Since(start).Milliseconds()
	if m.ElapsedMs < 1 {
		m.ElapsedMs = 1
	}

	playlist, listType, err := m3u8.DecodeFrom(strings.NewReader(string(body)), true)
	if err != nil {
		return m, fmt.Errorf("decode manifest: %w", err)
	}

	var media *m3u8.MediaPlaylist
	switch listType {
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		if len(master.Variants) == 0 {
			return m, fmt.Errorf("master playlist has no variants")
		}
		sort.SliceStable(master.Variants, func(i, j int) bool {
			return master.Variants[i].Bandwidth > master.Variants[j].Bandwidth
		})
		best := master.Variants[0]
		m.Quality = qualityFromVariant(best)

		variantURL := resolveURL(mediaURL, best.URI)
		variantBody, err := t.fetch(ctx, variantURL, "")
		if err != nil {
			// Resolution is already known; report it with the manifest
			// round trip and no speed rather than failing the probe.
			return m, nil
		}
		vp, vt, err := m3u8.DecodeFrom(strings.NewReader(string(variantBody)), true)
		if err != nil || vt != m3u8.MEDIA {
			return m, nil
		}
		media = vp.(*m3u8.MediaPlaylist)
		mediaURL = variantURL
	case m3u8.MEDIA:
		media = playlist.(*m3u8.MediaPlaylist)
	default:
		return m, fmt.Errorf("unsupported playlist type")
	}

	segURL, ok := firstSegmentURL(mediaURL, media)
	if !ok {
		return m, nil
	}

	dlStart := time.Now()
	n, err := t.sample(ctx, segURL)
	if err != nil || n == 0 {
		return m, nil
	}
	elapsed := time.Since(dlStart).Seconds()
	if elapsed > 0 {
		m.BitrateKbps = float64(n) / 1024 / elapsed
	}
	return m, nil
}

func (t *Transport) fetch(ctx context.Context, rawURL, rangeHeader string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
}

// sample downloads up to sampleBytes of the segment and reports how many
// bytes actually arrived.
func (t *Transport) sample(ctx context.Context, segURL string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, segURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", sampleBytes-1))

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.Copy(io.Discard, io.LimitReader(resp.Body, sampleBytes))
}

func qualityFromVariant(v *m3u8.Variant) models.Quality {
	if v == nil {
		return models.QualityUnknown
	}
	if res := strings.TrimSpace(v.Resolution); res != "" {
		parts := strings.SplitN(strings.ToLower(res), "x", 2)
		if len(parts) == 2 {
			if h, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil {
				return models.QualityFromHeight(h)
			}
		}
	}
	// No RESOLUTION attribute; approximate from bandwidth.
	switch {
	case v.Bandwidth >= 12_000_000:
		return models.Quality4K
	case v.Bandwidth >= 6_000_000:
		return models.Quality2K
	case v.Bandwidth >= 3_000_000:
		return models.Quality1080p
	case v.Bandwidth >= 1_500_000:
		return models.Quality720p
	case v.Bandwidth > 0:
		return models.Quality480p
	default:
		return models.QualityUnknown
	}
}

func firstSegmentURL(playlistURL string, media *m3u8.MediaPlaylist) (string, bool) {
	if media == nil {
		return "", false
	}
	for _, seg := range media.Segments {
		if seg != nil && strings.TrimSpace(seg.URI) != "" {
			return resolveURL(playlistURL, seg.URI), true
		}
	}
	return "", false
}

func resolveURL(base, ref string) string {
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if refURL.IsAbs() {
		return ref
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}
