package adfilter

import "strings"

// Providers whose streams interleave fixed-length filler segments between
// real content. The durations are exact #EXTINF tokens observed in the
// wild; anything else passes through untouched.
const providerRuyi = "ruyi"

var ruyiFillerDurations = map[string]struct{}{
	"2.800000": {},
	"3.000000": {},
	"4.880000": {},
	"5.640000": {},
}

// DefaultFilter rewrites an HLS manifest to strip advertising artifacts.
// Discontinuity markers are dropped everywhere; for the ruyi provider,
// known filler #EXTINF lines are dropped together with the segment URI
// line that follows them. Every other line passes through in its original
// order. The function is pure.
func DefaultFilter(provider, manifest string) string {
	lines := strings.Split(manifest, "\n")
	out := make([]string, 0, len(lines))

	skipNext := false
	for _, line := range lines {
		if skipNext {
			skipNext = false
			continue
		}
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "#EXT-X-DISCONTINUITY") {
			continue
		}
		if provider == providerRuyi && isFillerExtInf(trimmed) {
			skipNext = true
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// isFillerExtInf reports whether the line is an #EXTINF marker whose exact
// duration token is on the filler allow-list.
func isFillerExtInf(line string) bool {
	const prefix = "#EXTINF:"
	if !strings.HasPrefix(line, prefix) {
		return false
	}
	duration := strings.TrimPrefix(line, prefix)
	if idx := strings.IndexByte(duration, ','); idx >= 0 {
		duration = duration[:idx]
	}
	_, ok := ruyiFillerDurations[strings.TrimSpace(duration)]
	return ok
}
