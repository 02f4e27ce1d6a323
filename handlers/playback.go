package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"moonstream/services/playback"
	"moonstream/services/player"
	"moonstream/services/selector"
)

type PlaybackHandler struct {
	Service *playback.Service
}

func NewPlaybackHandler(service *playback.Service) *PlaybackHandler {
	return &PlaybackHandler{Service: service}
}

// Start creates a playback session: probes the candidates, selects a
// source, and attaches the decoder bridge.
func (h *PlaybackHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req playback.StartRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.Service.Start(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, selector.ErrNoCandidates):
			status = http.StatusBadRequest
		case errors.Is(err, playback.ErrNoEpisodeURL):
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(result)
}

// List returns a snapshot of every live session.
func (h *PlaybackHandler) List(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Service.List())
}

// Get returns the state of one session.
func (h *PlaybackHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["sessionID"]
	info, err := h.Service.Info(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

// Stop tears the session down.
func (h *PlaybackHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["sessionID"]
	if err := h.Service.Stop(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PushEvents ingests a batch of decoder events from the remote player.
func (h *PlaybackHandler) PushEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["sessionID"]

	var events []player.Event
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	for _, ev := range events {
		if err := h.Service.PushEvent(id, ev); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

// Commands drains the pending command queue for the remote player to
// execute. An empty array means nothing is pending.
func (h *PlaybackHandler) Commands(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["sessionID"]
	cmds, err := h.Service.Commands(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if cmds == nil {
		cmds = []player.Command{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cmds)
}

// ChangeEpisode switches the session to another episode of its source.
func (h *PlaybackHandler) ChangeEpisode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["sessionID"]

	var body struct {
		EpisodeIndex int `json:"episodeIndex"`
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.Service.ChangeEpisode(r.Context(), id, body.EpisodeIndex); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, playback.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// NextEpisode advances the session one episode.
func (h *PlaybackHandler) NextEpisode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["sessionID"]

	advanced, err := h.Service.NextEpisode(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, playback.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"advanced": advanced})
}

// Manifest proxies a playlist fetch through the session's manifest
// interceptor so the remote player receives the filtered text.
func (h *PlaybackHandler) Manifest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["sessionID"]

	manifestURL := r.URL.Query().Get("url")
	if manifestURL == "" {
		http.Error(w, "url query parameter is required", http.StatusBadRequest)
		return
	}
	if !strings.HasPrefix(manifestURL, "http://") && !strings.HasPrefix(manifestURL, "https://") {
		http.Error(w, "url must be absolute", http.StatusBadRequest)
		return
	}

	kind := player.ManifestLevel
	if r.URL.Query().Get("kind") == string(player.ManifestMaster) {
		kind = player.ManifestMaster
	}

	text, err := h.Service.FetchManifest(r.Context(), id, kind, manifestURL)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, playback.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Write([]byte(text))
}
