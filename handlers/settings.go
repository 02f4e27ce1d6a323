package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"moonstream/config"
	"moonstream/services/adfilter"
	"moonstream/services/danmaku"
)

type SettingsHandler struct {
	Manager        *config.Manager
	FilterService  *adfilter.Service
	DanmakuService *danmaku.Service
}

func NewSettingsHandler(m *config.Manager) *SettingsHandler {
	return &SettingsHandler{Manager: m}
}

// SetFilterService sets the ad filter service for hot reloading override rules
func (h *SettingsHandler) SetFilterService(fs *adfilter.Service) {
	h.FilterService = fs
}

// SetDanmakuService sets the danmaku service for cache invalidation on reconfigure
func (h *SettingsHandler) SetDanmakuService(ds *danmaku.Service) {
	h.DanmakuService = ds
}

func (h *SettingsHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.Manager.Load()
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}

func (h *SettingsHandler) PutSettings(w http.ResponseWriter, r *http.Request) {
	var s config.Settings
	dec := json.NewDecoder(r.Body)
	// Allow unknown fields for backward compatibility with old configs
	if err := dec.Decode(&s); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	if err := h.Manager.Save(s); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	// Hot reload services that cache configuration at startup
	h.reloadServices(s)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(s)
}

// reloadServices reloads services that cache configuration at startup
func (h *SettingsHandler) reloadServices(s config.Settings) {
	if h.FilterService != nil && s.AdFilter.Enabled && s.AdFilter.RuleURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		h.FilterService.Refresh(ctx)
		log.Printf("[settings] reloaded ad filter override rules (version=%s)", h.FilterService.Version())
	}

	if h.DanmakuService != nil {
		h.DanmakuService.ClearCache()
		log.Printf("[settings] cleared danmaku cache")
	}
}
