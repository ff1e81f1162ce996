package patterns

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Source hands out the library snapshot in effect right now
type Source interface {
	Current() *Library
}

// StaticSource always returns the same library
type StaticSource struct {
	lib *Library
}

// NewStaticSource wraps a fixed library
func NewStaticSource(lib *Library) *StaticSource {
	return &StaticSource{lib: lib}
}

// Current returns the wrapped library
func (s *StaticSource) Current() *Library {
	return s.lib
}

// FileSource extends a base library with detectors from a YAML file and
// swaps in a new snapshot whenever the file changes.
type FileSource struct {
	base     *Library
	path     string
	logger   *zap.Logger
	debounce time.Duration
	current  atomic.Pointer[Library]

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewFileSource loads path once; a broken initial file is an error
func NewFileSource(base *Library, path string, logger *zap.Logger) (*FileSource, error) {
	s := &FileSource{
		base:     base,
		path:     path,
		logger:   logger,
		debounce: 100 * time.Millisecond,
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns the latest valid snapshot
func (s *FileSource) Current() *Library {
	return s.current.Load()
}

// Reload re-reads the file. On failure the previous snapshot stays in effect.
func (s *FileSource) Reload() error {
	extra, err := LoadFile(s.path)
	if err != nil {
		return err
	}
	lib := s.base.With(extra...)
	s.current.Store(lib)
	s.logger.Info("pattern library loaded",
		zap.String("path", s.path),
		zap.Int("extra_detectors", len(extra)),
		zap.Int("total_detectors", lib.Len()))
	return nil
}

// Start watches the file's directory so atomic renames by editors are seen
func (s *FileSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watcher != nil {
		return fmt.Errorf("pattern watcher already started")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch pattern file: %w", err)
	}

	s.watcher = watcher
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop(ctx, watcher, s.stopCh, s.doneCh)

	s.logger.Info("watching pattern library", zap.String("path", s.path))
	return nil
}

func (s *FileSource) loop(ctx context.Context, watcher *fsnotify.Watcher, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			s.scheduleReload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("pattern watcher error", zap.Error(err))
		}
	}
}

func (s *FileSource) scheduleReload() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		if err := s.Reload(); err != nil {
			s.logger.Error("pattern library reload failed, keeping previous version",
				zap.String("path", s.path),
				zap.Error(err))
		}
	})
}

// Stop ends the watch loop
func (s *FileSource) Stop() error {
	s.mu.Lock()
	watcher := s.watcher
	if watcher == nil {
		s.mu.Unlock()
		return nil
	}
	s.watcher = nil
	if s.timer != nil {
		s.timer.Stop()
	}
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
	return watcher.Close()
}
