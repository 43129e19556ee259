package config

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// debounceDelay lets editors finish multi-event saves before reloading.
const debounceDelay = 250 * time.Millisecond

// Watch reloads the config file whenever it changes on disk and hands each
// valid new config to onReload. Invalid files are logged and skipped; the
// running config stays in effect. Blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, onReload func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors that write via rename
	// replace the inode and a file watch would go dead.
	dir := filepath.Dir(path)
	file := filepath.Base(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	log.Info().Str("path", path).Msg("Watching config file for changes")

	var timerMu sync.Mutex
	var timer *time.Timer
	reload := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounceDelay, func() {
			cfg, err := LoadFile(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("Config reload rejected, keeping running config")
				return
			}
			log.Info().Str("path", path).Msg("Config reloaded")
			onReload(cfg)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				reload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("dir", dir).Msg("Config watch error")
		}
	}
}
