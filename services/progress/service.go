package progress

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"moonstream/models"
)

var (
	ErrContentIDRequired = errors.New("content id is required")
	ErrSourceIDRequired  = errors.New("source id is required")
)

// Service persists playback progress and skip configuration. All writes are
// best-effort from the controller's point of view: a failed save is logged
// by the caller and playback continues.
type Service struct {
	db *sql.DB
}

// NewService wraps the given database. The schema is managed by
// internal/database.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

func validateKey(contentID, sourceID string) error {
	if strings.TrimSpace(contentID) == "" {
		return ErrContentIDRequired
	}
	if strings.TrimSpace(sourceID) == "" {
		return ErrSourceIDRequired
	}
	return nil
}

// GetProgress returns the saved progress for (source, content), or nil when
// none has been recorded.
func (s *Service) GetProgress(ctx context.Context, sourceID, contentID string) (*models.ProgressRecord, error) {
	if err := validateKey(contentID, sourceID); err != nil {
		return nil, err
	}

	var rec models.ProgressRecord
	err := s.db.QueryRowContext(ctx, `
SELECT content_id, source_id, episode_index, play_seconds, total_seconds, saved_at
FROM play_progress
WHERE content_id = ? AND source_id = ?`,
		contentID, sourceID,
	).Scan(&rec.ContentID, &rec.SourceID, &rec.EpisodeIndex, &rec.PlaySeconds, &rec.TotalSeconds, &rec.SavedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get progress: %w", err)
	}
	return &rec, nil
}

// SaveProgress upserts the progress record for (source, content).
func (s *Service) SaveProgress(ctx context.Context, rec models.ProgressRecord) error {
	if err := validateKey(rec.ContentID, rec.SourceID); err != nil {
		return err
	}
	if rec.EpisodeIndex < 1 {
		rec.EpisodeIndex = 1
	}
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO play_progress (content_id, source_id, episode_index, play_seconds, total_seconds, saved_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (content_id, source_id) DO UPDATE
SET episode_index = excluded.episode_index,
    play_seconds  = excluded.play_seconds,
    total_seconds = excluded.total_seconds,
    saved_at      = excluded.saved_at`,
		rec.ContentID, rec.SourceID, rec.EpisodeIndex, rec.PlaySeconds, rec.TotalSeconds, rec.SavedAt)
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

// DeleteProgress removes the progress record for (source, content).
func (s *Service) DeleteProgress(ctx context.Context, sourceID, contentID string) error {
	if err := validateKey(contentID, sourceID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM play_progress WHERE content_id = ? AND source_id = ?`,
		contentID, sourceID); err != nil {
		return fmt.Errorf("delete progress: %w", err)
	}
	return nil
}

// GetSkipConfig returns the skip configuration for (source, content), or nil
// when the user has never marked boundaries for this title.
func (s *Service) GetSkipConfig(ctx context.Context, sourceID, contentID string) (*models.SkipConfig, error) {
	if err := validateKey(contentID, sourceID); err != nil {
		return nil, err
	}

	var cfg models.SkipConfig
	err := s.db.QueryRowContext(ctx, `
SELECT enabled, intro_seconds, outro_offset_seconds
FROM skip_config
WHERE content_id = ? AND source_id = ?`,
		contentID, sourceID,
	).Scan(&cfg.Enabled, &cfg.IntroSeconds, &cfg.OutroOffsetSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get skip config: %w", err)
	}
	return &cfg, nil
}

// SaveSkipConfig upserts the skip configuration. A config with every field
// zeroed is treated as a clear and deletes the row instead.
func (s *Service) SaveSkipConfig(ctx context.Context, sourceID, contentID string, cfg models.SkipConfig) error {
	if err := validateKey(contentID, sourceID); err != nil {
		return err
	}
	if cfg.IsZero() {
		return s.DeleteSkipConfig(ctx, sourceID, contentID)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO skip_config (content_id, source_id, enabled, intro_seconds, outro_offset_seconds, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (content_id, source_id) DO UPDATE
SET enabled              = excluded.enabled,
    intro_seconds        = excluded.intro_seconds,
    outro_offset_seconds = excluded.outro_offset_seconds,
    updated_at           = excluded.updated_at`,
		contentID, sourceID, cfg.Enabled, cfg.IntroSeconds, cfg.OutroOffsetSeconds, time.Now())
	if err != nil {
		return fmt.Errorf("save skip config: %w", err)
	}
	return nil
}

// DeleteSkipConfig removes the skip configuration for (source, content).
func (s *Service) DeleteSkipConfig(ctx context.Context, sourceID, contentID string) error {
	if err := validateKey(contentID, sourceID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM skip_config WHERE content_id = ? AND source_id = ?`,
		contentID, sourceID); err != nil {
		return fmt.Errorf("delete skip config: %w", err)
	}
	return nil
}
