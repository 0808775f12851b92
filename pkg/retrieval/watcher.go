package retrieval

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codeforge-ai/worker/pkg/source"
)

// defaultDebounce coalesces bursts of filesystem events into one rebuild.
const defaultDebounce = 2 * time.Second

// Rebuilder rebuilds a project's index. Satisfied by *Indexer.
type Rebuilder interface {
	Build(ctx context.Context, projectID, workspacePath string) (*BuildResult, error)
}

// Watcher watches project workspaces and schedules debounced incremental
// rebuilds when source files change.
type Watcher struct {
	rebuilder Rebuilder
	logger    *slog.Logger
	debounce  time.Duration

	mu       sync.Mutex
	watched  map[string]*watchedWorkspace
	stopOnce sync.Once
}

type watchedWorkspace struct {
	projectID string
	path      string
	notify    *fsnotify.Watcher
	cancel    context.CancelFunc
}

// NewWatcher creates a Watcher.
func NewWatcher(rebuilder Rebuilder, logger *slog.Logger) *Watcher {
	return &Watcher{
		rebuilder: rebuilder,
		logger:    logger,
		debounce:  defaultDebounce,
		watched:   make(map[string]*watchedWorkspace),
	}
}

// Watch begins watching a project workspace. Watching the same project
// again is a no-op.
func (w *Watcher) Watch(ctx context.Context, projectID, workspacePath string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.watched[projectID]; ok {
		return nil
	}

	notify, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := addDirs(notify, workspacePath); err != nil {
		notify.Close()
		return err
	}

	wctx, cancel := context.WithCancel(ctx)
	ws := &watchedWorkspace{
		projectID: projectID,
		path:      workspacePath,
		notify:    notify,
		cancel:    cancel,
	}
	w.watched[projectID] = ws

	go w.run(wctx, ws)

	w.logger.Info("watching workspace", "project_id", projectID, "path", workspacePath)
	return nil
}

// Unwatch stops watching a project workspace.
func (w *Watcher) Unwatch(projectID string) {
	w.mu.Lock()
	ws := w.watched[projectID]
	delete(w.watched, projectID)
	w.mu.Unlock()

	if ws != nil {
		ws.cancel()
		ws.notify.Close()
	}
}

// Stop stops all watches.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		all := make([]*watchedWorkspace, 0, len(w.watched))
		for _, ws := range w.watched {
			all = append(all, ws)
		}
		w.watched = make(map[string]*watchedWorkspace)
		w.mu.Unlock()

		for _, ws := range all {
			ws.cancel()
			ws.notify.Close()
		}
	})
}

// addDirs registers the workspace root and every non-skipped subdirectory.
func addDirs(notify *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != root && (source.SkipDir(name) || strings.HasPrefix(name, ".")) {
			return filepath.SkipDir
		}
		return notify.Add(path)
	})
}

// run pumps events for one workspace, debouncing into rebuilds.
func (w *Watcher) run(ctx context.Context, ws *watchedWorkspace) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	rebuild := func() {
		res, err := w.rebuilder.Build(ctx, ws.projectID, ws.path)
		if err != nil {
			w.logger.Error("watch rebuild failed", "project_id", ws.projectID, "error", err)
			return
		}
		w.logger.Info("watch rebuild finished",
			"project_id", ws.projectID,
			"chunks", res.ChunkCount,
			"changed", res.FilesChanged,
		)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-ws.notify.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			// New directories need their own watch.
			if event.Op&fsnotify.Create == fsnotify.Create {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addDirs(ws.notify, event.Name); err != nil {
						w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
					}
				}
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, rebuild)

		case err, ok := <-ws.notify.Errors:
			if !ok {
				return
			}
			w.logger.Error("workspace watch error", "project_id", ws.projectID, "error", err)
		}
	}
}
