package modi

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch associates paths with the module loaded under name. While hot
// reload is enabled, changes below any of the paths reload the module after
// the debounce period. Paths may be files or directories; directories are
// not watched recursively.
func (l *Loader) Watch(name string, paths ...string) error {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("failed to resolve watch path %q: %w", p, err)
		}

		if l.watcher != nil {
			if err := l.addWatchLocked(abs); err != nil {
				return err
			}
		}
		l.paths[name] = append(l.paths[name], abs)
	}

	return nil
}

// Unwatch removes every path associated with name.
func (l *Loader) Unwatch(name string) {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()

	delete(l.paths, name)
	if t, ok := l.timers[name]; ok {
		t.Stop()
		delete(l.timers, name)
	}
}

// EnableHotReload starts watching the registered paths. Calling it while
// hot reload is enabled is a no-op.
func (l *Loader) EnableHotReload() error {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()

	if l.watcher != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	l.watcher = w

	for _, paths := range l.paths {
		for _, p := range paths {
			if err := l.addWatchLocked(p); err != nil {
				l.watcher = nil
				w.Close()
				return err
			}
		}
	}

	l.stop = make(chan struct{})
	l.wg.Add(1)
	go l.watchLoop(w, l.stop)

	l.logger.Info("hot reload enabled", zap.Duration("debounce", l.debounce))
	return nil
}

// DisableHotReload stops watching. Pending reloads are cancelled. Calling it
// while hot reload is disabled is a no-op.
func (l *Loader) DisableHotReload() error {
	l.watchMu.Lock()
	if l.watcher == nil {
		l.watchMu.Unlock()
		return nil
	}

	close(l.stop)
	err := l.watcher.Close()
	l.watcher = nil

	for name, t := range l.timers {
		t.Stop()
		delete(l.timers, name)
	}
	l.watchMu.Unlock()

	l.wg.Wait()
	l.logger.Info("hot reload disabled")
	return err
}

// HotReloadEnabled reports whether the loader is watching files.
func (l *Loader) HotReloadEnabled() bool {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()

	return l.watcher != nil
}

// addWatchLocked watches p. Files are watched through their directory so
// that editors replacing the file keep being observed.
func (l *Loader) addWatchLocked(p string) error {
	target := p
	if info, err := os.Stat(p); err == nil && !info.IsDir() {
		target = filepath.Dir(p)
	}

	if err := l.watcher.Add(target); err != nil {
		return fmt.Errorf("failed to watch %q: %w", p, err)
	}
	return nil
}

func (l *Loader) watchLoop(w *fsnotify.Watcher, stop <-chan struct{}) {
	defer l.wg.Done()

	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}

			for _, name := range l.modulesFor(event.Name) {
				l.logger.Debug("watched file changed",
					zap.String("module", name),
					zap.String("file", event.Name),
					zap.Stringer("op", event.Op),
				)
				l.schedule(name)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Warn("file watcher error", zap.Error(err))

		case <-stop:
			return
		}
	}
}

func (l *Loader) modulesFor(file string) []string {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()

	file = filepath.Clean(file)

	var names []string
	for name, paths := range l.paths {
		for _, p := range paths {
			if file == p || strings.HasPrefix(file, p+string(filepath.Separator)) {
				names = append(names, name)
				break
			}
		}
	}
	return names
}

// schedule reloads name once no further events arrive within the debounce
// period.
func (l *Loader) schedule(name string) {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()

	if l.watcher == nil {
		return
	}

	if t, ok := l.timers[name]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(l.debounce, func() {
		l.watchMu.Lock()
		current := l.timers[name] == t
		if current {
			delete(l.timers, name)
		}
		enabled := l.watcher != nil
		l.watchMu.Unlock()

		if current && enabled {
			l.hotReload(name)
		}
	})
	l.timers[name] = t
}

func (l *Loader) hotReload(name string) {
	start := time.Now()

	if _, err := l.ReloadModule(context.Background(), name); err != nil {
		l.logger.Error("hot reload failed", zap.String("module", name), zap.Error(err))
		return
	}

	l.logger.Info("module hot reloaded",
		zap.String("module", name),
		zap.Duration("duration", time.Since(start)),
	)
}
