package models

import "fmt"

// Quality is the display resolution tier reported by a source probe.
type Quality string

const (
	Quality4K      Quality = "4K"
	Quality2K      Quality = "2K"
	Quality1080p   Quality = "1080p"
	Quality720p    Quality = "720p"
	Quality480p    Quality = "480p"
	QualitySD      Quality = "SD"
	QualityUnknown Quality = ""
)

// QualityFromHeight maps a video height in pixels to a quality tier.
func QualityFromHeight(height int) Quality {
	switch {
	case height >= 2160:
		return Quality4K
	case height >= 1440:
		return Quality2K
	case height >= 1080:
		return Quality1080p
	case height >= 720:
		return Quality720p
	case height >= 480:
		return Quality480p
	case height > 0:
		return QualitySD
	default:
		return QualityUnknown
	}
}

// CandidateSource is one provider's offering of a title, with its own
// ordered episode URL list. It is never mutated after discovery.
type CandidateSource struct {
	ID           string   `json:"id"`
	ProviderID   string   `json:"providerId"`
	ProviderName string   `json:"providerName"`
	Title        string   `json:"title"`
	Year         string   `json:"year,omitempty"`
	EpisodeURLs  []string `json:"episodeUrls"`
}

// Key returns the candidate's identity: the (provider, source) pair.
func (c CandidateSource) Key() string {
	return fmt.Sprintf("%s_%s", c.ProviderID, c.ID)
}

// ProbeResult is an immutable measurement of one candidate source.
// SpeedKbps <= 0 means the download speed could not be measured.
// PingMs <= 0 means the round trip latency is invalid.
type ProbeResult struct {
	SourceKey string  `json:"sourceKey"`
	Quality   Quality `json:"quality"`
	SpeedKbps float64 `json:"speedKbps"`
	PingMs    int64   `json:"pingMs"`
	Error     string  `json:"error,omitempty"`
}

// Failed reports whether the probe did not produce a usable measurement.
func (r ProbeResult) Failed() bool {
	return r.Error != ""
}
