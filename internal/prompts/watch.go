package prompts

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Source hands out the current prompt set. It is safe for concurrent use;
// a reload swaps the whole set so a caller never sees a mix of versions.
type Source struct {
	current atomic.Pointer[Set]
	path    string
	version string
	logger  *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSource loads path, or the embedded set when path is empty. A non-empty
// version overrides the label in the file.
func NewSource(path, version string, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Source{path: path, version: version, logger: logger.With("component", "prompts")}
	set := Default()
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		set = loaded
	}
	s.current.Store(set.WithVersion(version))
	return s, nil
}

// Static wraps a fixed set.
func Static(set *Set) *Source {
	s := &Source{logger: slog.Default()}
	s.current.Store(set)
	return s
}

// Current returns the active set.
func (s *Source) Current() *Set {
	return s.current.Load()
}

// Reload re-reads the file. A set that fails to parse is logged and the
// previous one stays active.
func (s *Source) Reload() error {
	if s.path == "" {
		return nil
	}
	set, err := Load(s.path)
	if err != nil {
		s.logger.Warn("prompt reload failed, keeping previous set", "path", s.path, "error", err)
		return err
	}
	set = set.WithVersion(s.version)
	prev := s.current.Swap(set)
	s.logger.Info("prompts reloaded", "from", prev.Stamp(), "to", set.Stamp())
	return nil
}

// Watch reloads the set when the file changes. Events are debounced since
// editors often write a file in several steps.
func (s *Source) Watch(ctx context.Context, debounce time.Duration) error {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("prompts watcher: %w", err)
	}
	// Watch the directory so atomic renames over the file are seen.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", s.path, err)
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	watchCtx, cancel := context.WithCancel(ctx)
	s.watcher = watcher
	s.cancel = cancel
	s.wg.Add(1)
	go s.watchLoop(watchCtx, watcher, debounce)
	return nil
}

// Close stops the watcher.
func (s *Source) Close() error {
	s.mu.Lock()
	cancel, watcher := s.cancel, s.watcher
	s.cancel, s.watcher = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Source) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, debounce time.Duration) {
	defer s.wg.Done()

	target := filepath.Clean(s.path)
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() { _ = s.Reload() })
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("prompt watch error", "error", err)
		}
	}
}
