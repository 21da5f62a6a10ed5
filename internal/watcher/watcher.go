// Package watcher provides file system monitoring for the settings override
// snapshot. When an operator edits config.json by hand the running server
// picks the change up without a restart. Events are deduplicated by content
// hash so editors that write twice do not trigger two reloads.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/clove-proxy/clove/internal/config"
)

// Watcher monitors the data folder for override snapshot changes.
type Watcher struct {
	store          *config.Store
	reloadCallback func(*config.Config)
	watcher        *fsnotify.Watcher
	lastHash       string
}

const debounceDelay = 100 * time.Millisecond

// NewWatcher creates a watcher bound to a config store. reloadCallback runs
// after every successful reload with the new snapshot.
func NewWatcher(store *config.Store, reloadCallback func(*config.Config)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		store:          store,
		reloadCallback: reloadCallback,
		watcher:        fsWatcher,
	}, nil
}

// Start begins watching the data folder until ctx is cancelled.
// The folder itself is watched rather than the file, so the watch survives
// atomic rename-into-place writes.
func (w *Watcher) Start(ctx context.Context) error {
	cfg := w.store.Get()
	if err := os.MkdirAll(cfg.DataFolder, 0o755); err != nil {
		return err
	}
	if err := w.watcher.Add(cfg.DataFolder); err != nil {
		log.Errorf("failed to watch data folder %s: %v", cfg.DataFolder, err)
		return err
	}
	w.lastHash = fileHash(config.OverridePath(cfg.DataFolder))
	log.Debugf("watching data folder: %s", cfg.DataFolder)

	go w.loop(ctx)
	return nil
}

// Stop closes the underlying fsnotify watcher.
func (w *Watcher) Stop() {
	_ = w.watcher.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != "config.json" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Editors often emit several events for one save.
			time.Sleep(debounceDelay)
			w.handleChange(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleChange(path string) {
	hash := fileHash(path)
	if hash == w.lastHash {
		return
	}
	w.lastHash = hash

	cfg, err := w.store.Reload()
	if err != nil {
		log.Errorf("failed to reload settings after change: %v", err)
		return
	}
	log.Infof("settings reloaded from %s", path)
	if w.reloadCallback != nil {
		w.reloadCallback(cfg)
	}
}

func fileHash(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
