package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"moonstream/models"
	"moonstream/services/progress"
)

type ProgressHandler struct {
	Service *progress.Service
}

func NewProgressHandler(service *progress.Service) *ProgressHandler {
	return &ProgressHandler{Service: service}
}

func progressStatus(err error) int {
	switch {
	case errors.Is(err, progress.ErrContentIDRequired), errors.Is(err, progress.ErrSourceIDRequired):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Get returns the saved position for one (source, content) pair, or 404
// when nothing has been saved yet.
func (h *ProgressHandler) Get(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rec, err := h.Service.GetProgress(r.Context(), vars["sourceID"], vars["contentID"])
	if err != nil {
		http.Error(w, err.Error(), progressStatus(err))
		return
	}
	if rec == nil {
		http.Error(w, "no saved progress", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

// Save upserts a progress record.
func (h *ProgressHandler) Save(w http.ResponseWriter, r *http.Request) {
	var rec models.ProgressRecord
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rec); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.Service.SaveProgress(r.Context(), rec); err != nil {
		http.Error(w, err.Error(), progressStatus(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete removes the saved position.
func (h *ProgressHandler) Delete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.Service.DeleteProgress(r.Context(), vars["sourceID"], vars["contentID"]); err != nil {
		http.Error(w, err.Error(), progressStatus(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetSkipConfig returns the intro/outro boundaries for one title.
func (h *ProgressHandler) GetSkipConfig(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	cfg, err := h.Service.GetSkipConfig(r.Context(), vars["sourceID"], vars["contentID"])
	if err != nil {
		http.Error(w, err.Error(), progressStatus(err))
		return
	}
	if cfg == nil {
		cfg = &models.SkipConfig{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cfg)
}

// SaveSkipConfig stores the intro/outro boundaries. A zeroed config
// deletes the row instead.
func (h *ProgressHandler) SaveSkipConfig(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var cfg models.SkipConfig
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.Service.SaveSkipConfig(r.Context(), vars["sourceID"], vars["contentID"], cfg); err != nil {
		http.Error(w, err.Error(), progressStatus(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteSkipConfig removes the boundaries for one title.
func (h *ProgressHandler) DeleteSkipConfig(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.Service.DeleteSkipConfig(r.Context(), vars["sourceID"], vars["contentID"]); err != nil {
		http.Error(w, err.Error(), progressStatus(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
