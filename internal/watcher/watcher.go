// Package watcher monitors the configuration file and the auth directory
// for changes. Config edits are re-parsed and handed to the reload
// callback; JSON account files dropped into the auth directory (by hand or
// through the management upload endpoint) are parsed into account records
// and forwarded so the service can register them without a restart.
package watcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentgate-dev/agentgate/internal/config"
	coreauth "github.com/agentgate-dev/agentgate/sdk/agentgate/auth"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// debounceWindow coalesces the event bursts editors and atomic-save tools
// emit for a single logical write.
const debounceWindow = 300 * time.Millisecond

// Callbacks receives change notifications. Both functions may be nil.
type Callbacks struct {
	// OnConfigChange is invoked with the freshly parsed configuration after
	// the config file changes.
	OnConfigChange func(cfg *config.Config)

	// OnAuthFile is invoked when a JSON account file appears, changes or
	// disappears in the auth directory. auth is nil when removed is true.
	OnAuthFile func(id string, auth *coreauth.Auth, removed bool)
}

// Watcher monitors the config file and auth directory via fsnotify.
type Watcher struct {
	configPath string
	authDir    string
	callbacks  Callbacks

	fsWatcher *fsnotify.Watcher

	mu      sync.Mutex
	cfg     *config.Config
	fileIDs map[string]string // auth file path -> account id
	timers  map[string]*time.Timer
}

// NewWatcher creates a watcher for the given config file and auth directory.
func NewWatcher(configPath, authDir string, callbacks Callbacks) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		configPath: configPath,
		authDir:    authDir,
		callbacks:  callbacks,
		fsWatcher:  fsWatcher,
		fileIDs:    make(map[string]string),
		timers:     make(map[string]*time.Timer),
	}, nil
}

// SetConfig updates the cached configuration used as the fallback when a
// reload fails to parse.
func (w *Watcher) SetConfig(cfg *config.Config) {
	w.mu.Lock()
	w.cfg = cfg
	w.mu.Unlock()
}

// Start begins watching. The config file's parent directory is watched
// rather than the file itself so atomic renames keep working.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.fsWatcher.Add(filepath.Dir(w.configPath)); err != nil {
		return err
	}
	if w.authDir != "" {
		if err := w.fsWatcher.Add(w.authDir); err != nil {
			log.Warnf("watcher: cannot watch auth dir %s: %v", w.authDir, err)
		} else {
			w.scanAuthDir()
		}
	}
	go w.processEvents(ctx)
	return nil
}

// Stop terminates the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	return w.fsWatcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Errorf("watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	switch {
	case path == filepath.Clean(w.configPath):
		if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
			w.debounce(path, w.reloadConfig)
		}
	case w.isAuthFile(path):
		if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			w.notifyAuthRemoved(path)
			return
		}
		if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
			w.debounce(path, func() { w.reloadAuthFile(path) })
		}
	}
}

func (w *Watcher) isAuthFile(path string) bool {
	if w.authDir == "" {
		return false
	}
	if filepath.Dir(path) != filepath.Clean(w.authDir) {
		return false
	}
	return strings.HasSuffix(strings.ToLower(path), ".json")
}

// debounce schedules fn once per path per debounce window.
func (w *Watcher) debounce(path string, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[path]; ok {
		timer.Stop()
	}
	w.timers[path] = time.AfterFunc(debounceWindow, fn)
}

func (w *Watcher) reloadConfig() {
	cfg, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("watcher: failed to reload config, keeping previous: %v", err)
		return
	}
	w.mu.Lock()
	w.cfg = cfg
	w.mu.Unlock()
	log.Info("configuration reloaded")
	if w.callbacks.OnConfigChange != nil {
		w.callbacks.OnConfigChange(cfg)
	}
}

// scanAuthDir imports account files that already exist when the watcher
// starts, so pre-seeded directories behave the same as live drops.
func (w *Watcher) scanAuthDir() {
	entries, err := os.ReadDir(w.authDir)
	if err != nil {
		log.Warnf("watcher: cannot scan auth dir: %v", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".json") {
			continue
		}
		w.reloadAuthFile(filepath.Join(w.authDir, entry.Name()))
	}
}

func (w *Watcher) reloadAuthFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("watcher: failed to read auth file %s: %v", path, err)
		}
		return
	}
	var auth coreauth.Auth
	if err = json.Unmarshal(data, &auth); err != nil {
		log.Warnf("watcher: skipping malformed auth file %s: %v", path, err)
		return
	}
	if auth.ID == "" {
		auth.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if auth.Provider == "" {
		log.Warnf("watcher: auth file %s carries no provider, skipping", path)
		return
	}

	w.mu.Lock()
	w.fileIDs[path] = auth.ID
	w.mu.Unlock()

	log.Debugf("watcher: auth file %s -> account %s (%s)", filepath.Base(path), auth.ID, auth.Provider)
	if w.callbacks.OnAuthFile != nil {
		w.callbacks.OnAuthFile(auth.ID, &auth, false)
	}
}

func (w *Watcher) notifyAuthRemoved(path string) {
	w.mu.Lock()
	id, ok := w.fileIDs[path]
	delete(w.fileIDs, path)
	if timer, hasTimer := w.timers[path]; hasTimer {
		timer.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	log.Debugf("watcher: auth file %s removed, account %s", filepath.Base(path), id)
	if w.callbacks.OnAuthFile != nil {
		w.callbacks.OnAuthFile(id, nil, true)
	}
}
