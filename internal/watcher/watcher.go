// Package watcher wraps fsnotify into the watch primitive used by devloop:
// recursive directory watching, a dynamic append-only watch set, intake
// pause/resume, and classification of raw operations into ChangeEvents.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/conneroisu/devloop/internal/errors"
	"github.com/conneroisu/devloop/internal/logging"
	"github.com/conneroisu/devloop/internal/match"
	"github.com/conneroisu/devloop/internal/metrics"
)

// EventHandler receives classified watch events.
type EventHandler func(ctx context.Context, ev ChangeEvent)

// Options configures a FileWatcher.
type Options struct {
	// Root is the project root; event paths under it are reported relative to it.
	Root string
	// Prune rejects directories that are never descended into.
	Prune       *match.Matcher
	StartPaused bool
	Logger      logging.Logger
	Metrics     *metrics.Metrics
}

// FileWatcher is the fsnotify-backed watch primitive.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	root    string
	prune   *match.Matcher
	logger  logging.Logger
	metrics *metrics.Metrics

	mutex sync.RWMutex
	// watched is the append-only set reported by WatchedPaths. armed holds
	// the paths with a live fsnotify watch; removal disarms them so a
	// recreated path is watched again.
	watched map[string]struct{}
	armed   map[string]struct{}
	dirs    map[string]struct{}
	// files were added one by one, outside any watched directory.
	files         map[string]struct{}
	handlers      []EventHandler
	readyHandlers []func()
	errorHandlers []func(error)

	paused    atomic.Bool
	dropped   atomic.Uint64
	started   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// New creates a new file watcher
func New(opts Options) (*FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.NewWatchError("creating fsnotify watcher", err)
	}

	root := opts.Root
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		_ = w.Close()
		return nil, errors.NewWatchError("resolving root", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	fw := &FileWatcher{
		watcher: w,
		root:    absRoot,
		prune:   opts.Prune,
		logger:  logger.WithComponent("watcher"),
		metrics: opts.Metrics,
		watched: make(map[string]struct{}),
		armed:   make(map[string]struct{}),
		dirs:    make(map[string]struct{}),
		files:   make(map[string]struct{}),
		done:    make(chan struct{}),
	}
	fw.paused.Store(opts.StartPaused)

	return fw, nil
}

// Root returns the absolute project root.
func (fw *FileWatcher) Root() string {
	return fw.root
}

// OnEvent adds a change handler. Handlers run sequentially on the watch loop.
func (fw *FileWatcher) OnEvent(handler EventHandler) {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	fw.handlers = append(fw.handlers, handler)
}

// OnReady adds a handler fired once when the watch loop is running.
func (fw *FileWatcher) OnReady(handler func()) {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	fw.readyHandlers = append(fw.readyHandlers, handler)
}

// OnError adds a handler for watcher errors. Errors are never fatal.
func (fw *FileWatcher) OnError(handler func(error)) {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	fw.errorHandlers = append(fw.errorHandlers, handler)
}

// Add adds a single file or directory to the live watch set. The set is
// append-only: WatchedPaths never shrinks while the watcher runs.
func (fw *FileWatcher) Add(path string) error {
	abs, err := fw.abs(path)
	if err != nil {
		return err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return errors.NewWatchError("adding path", err).WithFile(abs)
	}
	if info.IsDir() {
		return fw.AddRecursive(abs)
	}

	// A file inside an armed directory is already covered by it.
	fw.mutex.RLock()
	_, seen := fw.armed[abs]
	_, coveredByDir := fw.armed[filepath.Dir(abs)]
	fw.mutex.RUnlock()
	if seen || coveredByDir {
		return nil
	}

	if err := fw.addOne(abs, false); err != nil {
		return err
	}
	fw.mutex.Lock()
	fw.files[abs] = struct{}{}
	fw.mutex.Unlock()
	return nil
}

// AddRecursive adds a directory and all subdirectories to watch
func (fw *FileWatcher) AddRecursive(root string) error {
	absRoot, err := fw.abs(root)
	if err != nil {
		return err
	}

	return filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == absRoot {
				return errors.NewWatchError("walking root", err).WithFile(path)
			}
			fw.logger.Debug(context.Background(), "Skipping unreadable path", "path", path, "error", err.Error())
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != absRoot && fw.pruned(path) {
			return filepath.SkipDir
		}
		return fw.addOne(path, true)
	})
}

// WatchedPaths returns a snapshot of every path ever watched. The set only
// grows; removed paths stay listed.
func (fw *FileWatcher) WatchedPaths() []string {
	fw.mutex.RLock()
	defer fw.mutex.RUnlock()

	paths := make([]string, 0, len(fw.watched))
	for p := range fw.watched {
		paths = append(paths, p)
	}
	return paths
}

// Pause stops event delivery. Events seen while paused are dropped.
func (fw *FileWatcher) Pause() {
	if !fw.paused.Swap(true) {
		fw.logger.Debug(context.Background(), "Watch intake paused")
	}
}

// Resume restarts event delivery.
func (fw *FileWatcher) Resume() {
	if fw.paused.Swap(false) {
		fw.logger.Debug(context.Background(), "Watch intake resumed")
	}
}

// Paused reports whether intake is paused.
func (fw *FileWatcher) Paused() bool {
	return fw.paused.Load()
}

// Dropped returns the number of events dropped while paused.
func (fw *FileWatcher) Dropped() uint64 {
	return fw.dropped.Load()
}

// Start starts the watch loop. Ready handlers fire once the loop is running.
func (fw *FileWatcher) Start(ctx context.Context) error {
	if !fw.started.CompareAndSwap(false, true) {
		return fmt.Errorf("watcher already started")
	}

	go fw.watchLoop(ctx)

	return nil
}

// Stop stops the file watcher and cleans up resources
func (fw *FileWatcher) Stop() error {
	var err error
	fw.closeOnce.Do(func() {
		err = fw.watcher.Close()
	})
	return err
}

// Done is closed when the watch loop exits.
func (fw *FileWatcher) Done() <-chan struct{} {
	return fw.done
}

func (fw *FileWatcher) watchLoop(ctx context.Context) {
	defer close(fw.done)

	fw.mutex.RLock()
	ready := append([]func(){}, fw.readyHandlers...)
	fw.mutex.RUnlock()
	for _, fn := range ready {
		fn()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleFsnotifyEvent(ctx, event)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.handleError(err)
		}
	}
}

func (fw *FileWatcher) handleError(err error) {
	werr := errors.NewWatchError("file watcher error", err)
	fw.logger.Warn(context.Background(), werr, "File watcher error")

	fw.mutex.RLock()
	handlers := fw.errorHandlers
	fw.mutex.RUnlock()

	for _, handler := range handlers {
		handler(werr)
	}
}

func (fw *FileWatcher) handleFsnotifyEvent(ctx context.Context, event fsnotify.Event) {
	info, statErr := os.Stat(event.Name)
	if statErr != nil {
		info = nil
	}

	fw.mutex.RLock()
	_, wasDir := fw.dirs[event.Name]
	fw.mutex.RUnlock()

	ev, ok := Classify(event.Op, fw.rel(event.Name), info, wasDir)
	if !ok {
		return
	}

	// Directory bookkeeping runs even while paused so new trees stay watched.
	switch ev.Kind {
	case KindAddDir:
		if !fw.pruned(event.Name) {
			if err := fw.AddRecursive(event.Name); err != nil {
				fw.logger.Warn(ctx, err, "Failed to watch new directory", "path", event.Name)
			}
		}
	case KindUnlinkDir:
		fw.disarm(event.Name)
	case KindUnlink:
		fw.disarm(event.Name)
		if rearmed, info := fw.rearmFile(ctx, event.Name); rearmed {
			// Replaced by rename, as editors save atomically.
			ev.Kind = KindChange
			ev.Stat = info
		}
	}

	if fw.paused.Load() {
		fw.dropped.Add(1)
		fw.metrics.WatchEvent("intake", metrics.DecisionPaused)
		fw.logger.Debug(ctx, "Dropped event while paused", "event", ev.Kind.String(), "file", ev.File)
		return
	}

	fw.mutex.RLock()
	handlers := fw.handlers
	fw.mutex.RUnlock()

	for _, handler := range handlers {
		handler(ctx, ev)
	}
}

func (fw *FileWatcher) addOne(abs string, isDir bool) error {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()

	if _, ok := fw.armed[abs]; ok {
		return nil
	}
	if err := fw.watcher.Add(abs); err != nil {
		return errors.NewWatchError("adding watch", err).WithFile(abs)
	}
	fw.watched[abs] = struct{}{}
	fw.armed[abs] = struct{}{}
	if isDir {
		fw.dirs[abs] = struct{}{}
	}
	return nil
}

// disarm forgets the watches on abs and everything beneath it. The kernel
// drops them on removal, so a recreated path must be added again.
func (fw *FileWatcher) disarm(abs string) {
	prefix := abs + string(filepath.Separator)

	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	for p := range fw.armed {
		if p == abs || strings.HasPrefix(p, prefix) {
			delete(fw.armed, p)
		}
	}
	for p := range fw.dirs {
		if p == abs || strings.HasPrefix(p, prefix) {
			delete(fw.dirs, p)
		}
	}
}

// rearmFile watches an individually added file again when it still exists
// after an unlink.
func (fw *FileWatcher) rearmFile(ctx context.Context, abs string) (bool, os.FileInfo) {
	fw.mutex.RLock()
	_, single := fw.files[abs]
	fw.mutex.RUnlock()
	if !single {
		return false, nil
	}

	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return false, nil
	}
	if err := fw.addOne(abs, false); err != nil {
		fw.logger.Warn(ctx, err, "Failed to rewatch replaced file", "path", abs)
		return false, nil
	}
	return true, info
}

func (fw *FileWatcher) pruned(abs string) bool {
	if fw.prune == nil {
		return false
	}
	rel := fw.rel(abs)
	if filepath.IsAbs(rel) {
		return false
	}
	return fw.prune.Denied(rel)
}

func (fw *FileWatcher) abs(path string) (string, error) {
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	abs, err := filepath.Abs(filepath.Join(fw.root, path))
	if err != nil {
		return "", errors.ErrInvalidPath(path)
	}
	return abs, nil
}

// rel reports path relative to the root using forward slashes, or the
// cleaned absolute path when it lies outside the root.
func (fw *FileWatcher) rel(path string) string {
	rel, err := filepath.Rel(fw.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.ToSlash(filepath.Clean(path))
	}
	return filepath.ToSlash(rel)
}
