package api

import (
	"encoding/json"
	"net/http"

	"moonstream/handlers"

	"github.com/gorilla/mux"
)

// corsMiddleware handles CORS for API routes
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Set CORS headers
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		// Handle preflight requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Register mounts API endpoints onto the provided router.
func Register(
	r *mux.Router,
	settingsHandler *handlers.SettingsHandler,
	selectorHandler *handlers.SelectorHandler,
	playbackHandler *handlers.PlaybackHandler,
	progressHandler *handlers.ProgressHandler,
	danmakuHandler *handlers.DanmakuHandler,
	adFilterHandler *handlers.AdFilterHandler,
) {
	api := r.PathPrefix("/api").Subrouter()
	api.Use(corsMiddleware)

	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	// Settings
	api.HandleFunc("/settings", settingsHandler.GetSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings", settingsHandler.PutSettings).Methods(http.MethodPut)

	// Source selection
	api.HandleFunc("/select", selectorHandler.Select).Methods(http.MethodPost)
	api.HandleFunc("/probes", selectorHandler.ProbeResults).Methods(http.MethodGet)
	api.HandleFunc("/probes/{sourceKey}", selectorHandler.ProbeResult).Methods(http.MethodGet)

	// Playback sessions
	sessions := api.PathPrefix("/sessions").Subrouter()
	sessions.HandleFunc("", playbackHandler.Start).Methods(http.MethodPost)
	sessions.HandleFunc("", playbackHandler.List).Methods(http.MethodGet)
	sessions.HandleFunc("/{sessionID}", playbackHandler.Get).Methods(http.MethodGet)
	sessions.HandleFunc("/{sessionID}", playbackHandler.Stop).Methods(http.MethodDelete)
	sessions.HandleFunc("/{sessionID}/events", playbackHandler.PushEvents).Methods(http.MethodPost)
	sessions.HandleFunc("/{sessionID}/commands", playbackHandler.Commands).Methods(http.MethodGet)
	sessions.HandleFunc("/{sessionID}/episode", playbackHandler.ChangeEpisode).Methods(http.MethodPut)
	sessions.HandleFunc("/{sessionID}/next", playbackHandler.NextEpisode).Methods(http.MethodPost)
	sessions.HandleFunc("/{sessionID}/manifest", playbackHandler.Manifest).Methods(http.MethodGet)

	// Progress and skip configuration
	api.HandleFunc("/progress/{sourceID}/{contentID}", progressHandler.Get).Methods(http.MethodGet)
	api.HandleFunc("/progress", progressHandler.Save).Methods(http.MethodPut)
	api.HandleFunc("/progress/{sourceID}/{contentID}", progressHandler.Delete).Methods(http.MethodDelete)
	api.HandleFunc("/skip/{sourceID}/{contentID}", progressHandler.GetSkipConfig).Methods(http.MethodGet)
	api.HandleFunc("/skip/{sourceID}/{contentID}", progressHandler.SaveSkipConfig).Methods(http.MethodPut)
	api.HandleFunc("/skip/{sourceID}/{contentID}", progressHandler.DeleteSkipConfig).Methods(http.MethodDelete)

	// Danmaku
	api.HandleFunc("/danmaku/comments", danmakuHandler.Comments).Methods(http.MethodGet)

	// Ad filter
	api.HandleFunc("/adfilter", adFilterHandler.Status).Methods(http.MethodGet)
	api.HandleFunc("/adfilter/refresh", adFilterHandler.Refresh).Methods(http.MethodPost)
	api.HandleFunc("/adfilter/preview", adFilterHandler.Preview).Methods(http.MethodPost)
}
