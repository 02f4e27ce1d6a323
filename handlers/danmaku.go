package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"moonstream/models"
	"moonstream/services/danmaku"
)

type DanmakuHandler struct {
	Service *danmaku.Service
}

func NewDanmakuHandler(service *danmaku.Service) *DanmakuHandler {
	return &DanmakuHandler{Service: service}
}

// Comments resolves the overlay comment stream for an episode, identified
// either by the provider's episode ID or by title plus episode number.
func (h *DanmakuHandler) Comments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ref := models.EpisodeRef{
		ProviderEpisodeID: q.Get("episodeId"),
		Title:             q.Get("title"),
	}
	if raw := q.Get("episode"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "episode must be an integer", http.StatusBadRequest)
			return
		}
		ref.EpisodeIndex = n
	}
	if ref.ProviderEpisodeID == "" && ref.Title == "" {
		http.Error(w, "episodeId or title is required", http.StatusBadRequest)
		return
	}

	comments, err := h.Service.Resolve(r.Context(), ref)
	if err != nil {
		if errors.Is(err, danmaku.ErrNoMatch) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if comments == nil {
		comments = []models.Comment{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"count":    len(comments),
		"comments": comments,
	})
}
