package models

// Comment is one timestamped overlay comment synchronized to the video
// timeline. Mode follows the usual danmaku convention: 0 scrolls, 1 is
// pinned top, 2 is pinned bottom.
type Comment struct {
	TimeSeconds float64 `json:"time"`
	Mode        int     `json:"mode"`
	Color       string  `json:"color,omitempty"`
	Text        string  `json:"text"`
}

// EpisodeRef identifies one episode inside the comment provider's catalog.
type EpisodeRef struct {
	ProviderEpisodeID string `json:"providerEpisodeId"`
	Title             string `json:"title,omitempty"`
	EpisodeIndex      int    `json:"episodeIndex,omitempty"`
}
