package service

import (
	"log/slog"

	"github.com/mmcdole/kinotv/internal/domain"
)

// launcher abstracts media player launching (consumer-defined interface)
type launcher interface {
	Launch(source domain.PlaybackSource) error
}

// sourceResolver picks a local file or remote URL for an item.
type sourceResolver interface {
	ResolvePlaybackSource(item domain.PlayableItem) (domain.PlaybackSource, error)
}

// playRecorder remembers launched items.
type playRecorder interface {
	RecordPlay(item domain.PlayableItem) error
}

// PlaybackService orchestrates playback operations
type PlaybackService struct {
	launcher launcher
	resolver sourceResolver
	history  playRecorder
	logger   *slog.Logger
}

// PlaybackOption configures a PlaybackService.
type PlaybackOption func(*PlaybackService)

// WithPlayHistory records every successful launch in h.
func WithPlayHistory(h playRecorder) PlaybackOption {
	return func(s *PlaybackService) { s.history = h }
}

// NewPlaybackService creates a new playback service
func NewPlaybackService(launcher launcher, resolver sourceResolver, logger *slog.Logger, opts ...PlaybackOption) *PlaybackService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PlaybackService{
		launcher: launcher,
		resolver: resolver,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Play resolves item, preferring a completed download, and hands the result
// to the player.
func (s *PlaybackService) Play(item domain.PlayableItem) (domain.PlaybackSource, error) {
	src, err := s.resolver.ResolvePlaybackSource(item)
	if err != nil {
		s.logger.Error("failed to resolve playback source", "error", err, "item", item.Key())
		return domain.PlaybackSource{}, err
	}

	s.logger.Info("launching playback", "title", item.Name, "item", item.Key(), "local", src.Kind == domain.SourceLocal)
	if err := s.launcher.Launch(src); err != nil {
		s.logger.Error("player launch failed", "error", err, "item", item.Key())
		return src, err
	}
	if s.history != nil {
		if err := s.history.RecordPlay(item); err != nil {
			s.logger.Warn("failed to record recently played", "item", item.Key(), "error", err)
		}
	}
	return src, nil
}
