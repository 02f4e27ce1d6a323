package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"moonstream/services/adfilter"
)

type AdFilterHandler struct {
	Service *adfilter.Service
}

func NewAdFilterHandler(service *adfilter.Service) *AdFilterHandler {
	return &AdFilterHandler{Service: service}
}

// Status reports the active override rule version, if any.
func (h *AdFilterHandler) Status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"overrideVersion": h.Service.Version(),
	})
}

// Refresh re-fetches the override rule document immediately.
func (h *AdFilterHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	h.Service.Refresh(r.Context())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"overrideVersion": h.Service.Version(),
	})
}

// Preview runs the filter over a posted manifest and returns the filtered
// text, for inspecting what a provider's streams will look like.
func (h *AdFilterHandler) Preview(w http.ResponseWriter, r *http.Request) {
	provider := r.URL.Query().Get("provider")
	if provider == "" {
		http.Error(w, "provider query parameter is required", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Write([]byte(h.Service.Apply(provider, string(body))))
}
