// Package watcher invalidates cached pipeline definitions when their files
// change on disk, so edits take effect without restarting the engine.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/conveyor-ci/conveyor/service/dao/pipeline"
)

const debounceDuration = 500 * time.Millisecond

// Service watches pipeline directories and refreshes the pipeline store.
type Service struct {
	pipelines *pipeline.Service
	watcher   *fsnotify.Watcher
	logger    zerolog.Logger
}

// New creates a watcher over the supplied pipeline store.
func New(pipelines *pipeline.Service, logger zerolog.Logger) *Service {
	return &Service{
		pipelines: pipelines,
		logger:    logger.With().Str("component", "watcher").Logger(),
	}
}

// Start begins watching the given directories; with none it is a no-op. The
// watch loop runs on its own goroutine until the context is cancelled.
func (s *Service) Start(ctx context.Context, dirs ...string) error {
	if len(dirs) == 0 {
		s.logger.Info().Msg("pipeline watcher disabled")
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	s.watcher = watcher
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	s.logger.Info().Strs("dirs", dirs).Msg("watching pipeline definitions")
	go s.watchLoop(ctx)
	return nil
}

func (s *Service) watchLoop(ctx context.Context) {
	// debounce per path so editors writing in multiple ops refresh once
	timers := map[string]*time.Timer{}
	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !isPipelineFile(event.Name) {
				continue
			}
			location := event.Name
			if timer, ok := timers[location]; ok {
				timer.Stop()
			}
			timers[location] = time.AfterFunc(debounceDuration, func() {
				s.logger.Debug().Str("location", location).Msg("pipeline definition changed")
				s.pipelines.Refresh(location)
			})
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn().Err(err).Msg("pipeline watcher error")
		}
	}
}

// Stop closes the underlying watcher.
func (s *Service) Stop() {
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
}

func isPipelineFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
