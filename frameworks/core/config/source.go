package config

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"
)

// Source provides the current effective settings loaded from files and notifies
// subscribers when they change.
type Source struct {
	paths    []string
	defaults *Settings
	debounce time.Duration
	logger   *slog.Logger

	current atomic.Pointer[Settings]
	reloads singleflight.Group

	mu          sync.Mutex
	nextID      int
	subscribers []subscriber
}

type subscriber struct {
	id int
	fn func(*Settings)
}

type SourceOption func(*Source)

// WithDefaults sets settings the files are merged onto.
func WithDefaults(defaults *Settings) SourceOption {
	return func(s *Source) { s.defaults = defaults }
}

func WithDebounce(d time.Duration) SourceOption {
	return func(s *Source) { s.debounce = d }
}

func WithLogger(logger *slog.Logger) SourceOption {
	return func(s *Source) { s.logger = logger }
}

// NewSource loads paths once; a failing initial load is returned as error.
func NewSource(paths []string, opts ...SourceOption) (*Source, error) {
	s := &Source{
		paths:    paths,
		debounce: 200 * time.Millisecond,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	settings, err := s.load()
	if err != nil {
		return nil, err
	}
	s.current.Store(settings)
	return s, nil
}

func (s *Source) load() (*Settings, error) {
	loaded, err := Load(s.paths...)
	if err != nil {
		return nil, err
	}
	return Merge(s.defaults, loaded), nil
}

func (s *Source) Current() *Settings {
	return s.current.Load()
}

// Subscribe registers fn for changes and returns a function removing it.
func (s *Source) Subscribe(fn func(*Settings)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.subscribers = append(s.subscribers, subscriber{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subscribers {
			if sub.id == id {
				s.subscribers = append(s.subscribers[:i:i], s.subscribers[i+1:]...)
				return
			}
		}
	}
}

// Reload re-reads the files. Concurrent calls share one load. Subscribers are only
// notified when the effective settings changed.
func (s *Source) Reload() (changed bool, err error) {
	v, err, _ := s.reloads.Do("reload", func() (any, error) {
		next, err := s.load()
		if err != nil {
			return false, err
		}
		if Equal(s.current.Load(), next) {
			return false, nil
		}
		s.current.Store(next)
		s.notify(next)
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s *Source) notify(settings *Settings) {
	s.mu.Lock()
	subs := append([]subscriber(nil), s.subscribers...)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.fn(settings)
	}
}

// Watch reloads on file system changes until ctx is done. Bursts of events are
// debounced; a failing reload keeps the previous settings.
func (s *Source) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	var roots []string
	for _, p := range s.paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		roots = append(roots, abs)
		if err := watchPath(watcher, abs); err != nil {
			return err
		}
	}

	fire := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(roots, ev) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = watchPath(watcher, ev.Name)
				}
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(s.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("configuration watcher error", "error", err)
		case <-fire:
			changed, err := s.Reload()
			if err != nil {
				s.logger.Error("configuration reload failed, keeping previous settings", "error", err)
				continue
			}
			if changed {
				s.logger.Info("configuration reloaded", "paths", s.paths)
			}
		}
	}
}

// watchPath watches directories recursively and files through their directory, so
// editors replacing files on save keep being observed.
func watchPath(w *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.Add(filepath.Dir(path))
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(p)
		}
		return nil
	})
}

func relevant(roots []string, ev fsnotify.Event) bool {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
		return false
	}
	for _, root := range roots {
		if ev.Name == root {
			return true
		}
		if strings.HasPrefix(ev.Name, root+string(filepath.Separator)) {
			if _, err := FormatOf(ev.Name); err == nil {
				return true
			}
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				return true
			}
		}
	}
	return false
}
