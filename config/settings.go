package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Settings represents the application configuration persisted to disk.
type Settings struct {
	Server   ServerSettings   `json:"server"`
	Database DatabaseSettings `json:"database"`
	Cache    CacheSettings    `json:"cache"`
	Probe    ProbeSettings    `json:"probe"`
	Playback PlaybackSettings `json:"playback"`
	AdFilter AdFilterSettings `json:"adFilter"`
	Danmaku  DanmakuSettings  `json:"danmaku"`
	Log      LogConfig        `json:"log"`
}

type ServerSettings struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// DatabaseSettings defines the SQLite database used for playback progress
// and skip configuration.
type DatabaseSettings struct {
	Path string `json:"path"`
}

type CacheSettings struct {
	Directory string `json:"directory"`
}

// ProbeSettings controls the candidate source measurement pass.
type ProbeSettings struct {
	TimeoutMs int `json:"timeoutMs"` // per-candidate client-side timeout
	// FallbackSpeedKbps keeps the speed sub-score well-defined when no
	// candidate produced a measurable speed.
	FallbackSpeedKbps float64 `json:"fallbackSpeedKbps"`
}

// PlaybackSettings controls the playback session controller.
type PlaybackSettings struct {
	ProgressIntervalSec  int     `json:"progressIntervalSec"`  // seconds between progress flushes
	SkipCheckIntervalMs  int     `json:"skipCheckIntervalMs"`  // rate limit for intro/outro checks
	ResumeLoadTimeoutSec int     `json:"resumeLoadTimeoutSec"` // max wait for the initial progress load
	DefaultVolume        float64 `json:"defaultVolume"`
	DefaultRate          float64 `json:"defaultRate"`
}

// AdFilterSettings controls manifest ad filtering and the remote override
// rule document.
type AdFilterSettings struct {
	Enabled        bool   `json:"enabled"`
	RuleURL        string `json:"ruleUrl"`        // remote override rule document (optional)
	CacheDirectory string `json:"cacheDirectory"` // local cache for fetched rule versions
}

// DanmakuSettings configures the external comment collaborator.
type DanmakuSettings struct {
	BaseURL         string `json:"baseUrl"`
	CacheTTLMinutes int    `json:"cacheTtlMinutes"`
}

// LogConfig represents logging configuration.
type LogConfig struct {
	File       string `json:"file"`
	MaxSize    int    `json:"maxSize"`
	MaxAge     int    `json:"maxAge"`
	MaxBackups int    `json:"maxBackups"`
	Compress   bool   `json:"compress"`
}

// DefaultSettings returns the settings written on first run.
func DefaultSettings() Settings {
	return Settings{
		Server: ServerSettings{
			Host: "0.0.0.0",
			Port: 8765,
		},
		Database: DatabaseSettings{
			Path: filepath.Join("cache", "moonstream.db"),
		},
		Cache: CacheSettings{
			Directory: "cache",
		},
		Probe: ProbeSettings{
			TimeoutMs:         8000,
			FallbackSpeedKbps: 1024,
		},
		Playback: PlaybackSettings{
			ProgressIntervalSec:  10,
			SkipCheckIntervalMs:  1500,
			ResumeLoadTimeoutSec: 3,
			DefaultVolume:        1.0,
			DefaultRate:          1.0,
		},
		AdFilter: AdFilterSettings{
			Enabled:        true,
			CacheDirectory: filepath.Join("cache", "adfilter"),
		},
		Danmaku: DanmakuSettings{
			CacheTTLMinutes: 30,
		},
		Log: LogConfig{
			File:       filepath.Join("cache", "logs", "moonstream.log"),
			MaxSize:    50, // 50 MB per file
			MaxBackups: 3,
			MaxAge:     7, // days
			Compress:   true,
		},
	}
}

// Manager loads and persists settings to a JSON file.
type Manager struct {
	path string
}

func NewManager(configPath string) *Manager {
	return &Manager{path: configPath}
}

// EnsureDir ensures parent directory exists.
func (m *Manager) EnsureDir() error {
	dir := filepath.Dir(m.path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Load reads settings from disk or creates defaults if missing.
func (m *Manager) Load() (Settings, error) {
	if m.path == "" {
		return Settings{}, errors.New("config path not set")
	}
	if _, err := os.Stat(m.path); errors.Is(err, fs.ErrNotExist) {
		defaults := DefaultSettings()
		if err := m.Save(defaults); err != nil {
			return Settings{}, err
		}
		return defaults, nil
	}
	f, err := os.Open(m.path)
	if err != nil {
		return Settings{}, err
	}
	defer f.Close()

	var s Settings
	if err := json.NewDecoder(f).Decode(&s); err != nil {
		return Settings{}, err
	}

	// Backfill defaults for settings introduced after the config was written
	if s.Probe.TimeoutMs <= 0 {
		s.Probe.TimeoutMs = 8000
	}
	if s.Probe.FallbackSpeedKbps <= 0 {
		s.Probe.FallbackSpeedKbps = 1024
	}
	if s.Playback.ProgressIntervalSec <= 0 {
		s.Playback.ProgressIntervalSec = 10
	}
	if s.Playback.SkipCheckIntervalMs <= 0 {
		s.Playback.SkipCheckIntervalMs = 1500
	}
	if s.Playback.ResumeLoadTimeoutSec <= 0 {
		s.Playback.ResumeLoadTimeoutSec = 3
	}
	if s.Playback.DefaultVolume <= 0 {
		s.Playback.DefaultVolume = 1.0
	}
	if s.Playback.DefaultRate <= 0 {
		s.Playback.DefaultRate = 1.0
	}
	if strings.TrimSpace(s.Cache.Directory) == "" {
		s.Cache.Directory = "cache"
	}
	if strings.TrimSpace(s.Database.Path) == "" {
		s.Database.Path = filepath.Join(s.Cache.Directory, "moonstream.db")
	}
	if strings.TrimSpace(s.AdFilter.CacheDirectory) == "" {
		s.AdFilter.CacheDirectory = filepath.Join(s.Cache.Directory, "adfilter")
	}
	if s.Danmaku.CacheTTLMinutes <= 0 {
		s.Danmaku.CacheTTLMinutes = 30
	}

	return s, nil
}

// Save writes the provided settings to disk atomically.
func (m *Manager) Save(s Settings) error {
	if m.path == "" {
		return errors.New("config path not set")
	}
	if err := m.EnsureDir(); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, m.path)
}
