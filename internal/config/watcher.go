package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/statengine/statmcp/internal/logging"
	"github.com/statengine/statmcp/pkg/types"
)

// Watcher watches the project config file and reloads it on change. Only the
// pool and dispatch sections are safe to change at runtime; everything else
// requires a restart and is ignored by subscribers.
type Watcher struct {
	watcher   *fsnotify.Watcher
	directory string
	onReload  func(*types.Config)
	stopCh    chan struct{}
	doneCh    chan struct{}
	started   bool
	mu        sync.Mutex
}

// NewWatcher creates a watcher over the config files in directory.
// Returns nil if there is no config file to watch.
func NewWatcher(directory string, onReload func(*types.Config)) (*Watcher, error) {
	if !hasConfigFile(directory) {
		logging.Debug().Str("directory", directory).Msg("no project config, watcher disabled")
		return nil, nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory, not the file: editors replace files on save and
	// a watch on the old inode would go stale.
	if err := w.Add(directory); err != nil {
		w.Close()
		return nil, err
	}

	return &Watcher{
		watcher:   w,
		directory: directory,
		onReload:  onReload,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start begins watching for config changes.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run()
}

// Stop stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	w.mu.Unlock()

	close(w.stopCh)
	w.watcher.Close()
	<-w.doneCh
}

// debounceDelay collapses an editor's save burst (write, rename, chmod in
// quick succession) into a single reload.
const debounceDelay = 200 * time.Millisecond

func (w *Watcher) run() {
	defer close(w.doneCh)

	timer := time.NewTimer(debounceDelay)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	var pendingFile string

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !isConfigFile(ev.Name) {
				continue
			}
			pendingFile = ev.Name
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(debounceDelay)
		case <-timer.C:
			w.reload(pendingFile)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) reload(file string) {
	cfg, err := Load(w.directory)
	if err != nil {
		logging.Error().Err(err).Str("file", file).Msg("config reload failed")
		return
	}
	logging.Info().Str("file", file).Msg("config reloaded")
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

func hasConfigFile(directory string) bool {
	for _, name := range []string{"statmcp.json", "statmcp.jsonc"} {
		if _, err := os.Stat(filepath.Join(directory, name)); err == nil {
			return true
		}
	}
	return false
}

func isConfigFile(path string) bool {
	base := filepath.Base(path)
	return base == "statmcp.json" || base == "statmcp.jsonc" ||
		strings.HasSuffix(base, ".statmcp.json")
}
