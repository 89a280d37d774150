package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 25 * time.Millisecond

const relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// RoutesWatcher monitors the configured routes source (file or folder) and
// invokes the supplied callback whenever definitions change. Stop must be
// called to release filesystem resources.
type RoutesWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *RoutesWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchRoutes rebuilds the route bundle whenever the configured routes file
// or folder changes. cfg should come from Loader.Load so InlineRoutes is
// populated. onChange receives the initial bundle before WatchRoutes returns.
func (l *Loader) WatchRoutes(ctx context.Context, cfg Config, onChange func(RouteBundle), onError func(error)) (*RoutesWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config: watch routes requires a change callback")
	}
	source := cfg.Server.Routes
	if source.RoutesFile == "" && source.RoutesFolder == "" {
		return nil, fmt.Errorf("config: no routes source configured for watching")
	}
	report := func(err error) {
		if onError != nil && err != nil {
			onError(err)
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch routes: %w", err)
	}

	inline := cloneRouteMap(cfg.InlineRoutes)
	bundle, err := buildRouteBundle(watchCtx, inline, source)
	if err != nil {
		if closeErr := watcher.Close(); closeErr != nil {
			report(fmt.Errorf("config: watch routes close: %w", closeErr))
		}
		cancel()
		return nil, err
	}
	onChange(bundle)

	targetFile, err := registerWatchDirs(watcher, source, report)
	if err != nil {
		_ = watcher.Close()
		cancel()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil {
				report(fmt.Errorf("config: watch routes close: %w", err))
			}
		}()

		reload := func() {
			bundle, err := buildRouteBundle(watchCtx, inline, source)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					report(err)
				}
				return
			}
			onChange(bundle)
		}

		timer := time.NewTimer(reloadDebounce)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()
		pending := false
		schedule := func() {
			if pending && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(reloadDebounce)
			pending = true
		}

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-timer.C:
				pending = false
				reload()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				name := filepath.Clean(event.Name)
				if targetFile != "" {
					if name != targetFile {
						continue
					}
					if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
						report(fmt.Errorf("config: routes file %s removed", targetFile))
					}
					if event.Op&relevantOps != 0 {
						schedule()
					}
					continue
				}
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(name); err == nil && info.IsDir() {
						if err := watcher.Add(name); err != nil {
							report(fmt.Errorf("config: watch add %s: %w", name, err))
						}
						continue
					}
				}
				if !isSupportedRoutesFile(name) || event.Op&relevantOps == 0 {
					continue
				}
				schedule()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				report(fmt.Errorf("config: watch error: %w", err))
			}
		}
	}()

	return &RoutesWatcher{cancel: cancel, done: done}, nil
}

// registerWatchDirs adds the directories fsnotify must observe. For a single
// routes file it returns the cleaned absolute path of that file.
func registerWatchDirs(watcher *fsnotify.Watcher, source RoutesSourceConfig, report func(error)) (string, error) {
	if source.RoutesFile != "" {
		resolved, err := filepath.Abs(source.RoutesFile)
		if err != nil {
			return "", fmt.Errorf("config: resolve routes file: %w", err)
		}
		target := filepath.Clean(resolved)
		if err := watcher.Add(filepath.Dir(target)); err != nil {
			return "", fmt.Errorf("config: watch add %s: %w", filepath.Dir(target), err)
		}
		return target, nil
	}

	root, err := filepath.Abs(source.RoutesFolder)
	if err != nil {
		return "", fmt.Errorf("config: resolve routes folder: %w", err)
	}
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			report(fmt.Errorf("config: walk watcher %s: %w", path, walkErr))
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := watcher.Add(filepath.Clean(path)); err != nil {
			report(fmt.Errorf("config: watch add %s: %w", path, err))
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("config: traverse watcher %s: %w", root, err)
	}
	return "", nil
}
