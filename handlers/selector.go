package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"moonstream/models"
	"moonstream/services/selector"
)

type SelectorHandler struct {
	Service *selector.Service
}

func NewSelectorHandler(service *selector.Service) *SelectorHandler {
	return &SelectorHandler{Service: service}
}

// Select probes the posted candidates and returns the winner with the
// full ranking.
func (h *SelectorHandler) Select(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Candidates []models.CandidateSource `json:"candidates"`
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	selection, err := h.Service.Select(r.Context(), body.Candidates)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, selector.ErrNoCandidates) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(selection)
}

// ProbeResults returns every cached probe measurement.
func (h *SelectorHandler) ProbeResults(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Service.ProbeResults())
}

// ProbeResult returns the cached measurement for one source.
func (h *SelectorHandler) ProbeResult(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["sourceKey"]
	result, ok := h.Service.ProbeResult(key)
	if !ok {
		http.Error(w, "no probe result for source", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
