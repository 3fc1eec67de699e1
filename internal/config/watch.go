package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"time"

	"notifyd/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

const (
	watchDebounce   = 250 * time.Millisecond
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

const watchOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove

// WatchFile calls onChange once a burst of writes to path settles. The
// parent directory is watched so replace-by-rename is seen. A watcher that
// fails or closes is recreated with backoff. onChange runs on the calling
// goroutine. It returns nil when ctx is done.
func WatchFile(ctx context.Context, path string, log logx.Logger, onChange func()) error {
	dir, file := filepath.Dir(path), filepath.Base(path)
	log = log.With(logx.String("path", path))
	backoff := watchBackoffMin

	for ctx.Err() == nil {
		w, err := newDirWatcher(dir)
		if err != nil {
			log.Warn("file watch init failed", logx.Err(err))
		} else {
			backoff = watchBackoffMin
			log.Debug("file watcher started")
			watchLoop(ctx, w, file, log, onChange)
			_ = w.Close()
		}
		if ctx.Err() != nil {
			break
		}
		wait := backoff + rand.N(backoff/2+1)
		backoff = min(backoff*2, watchBackoffMax)
		log.Warn("file watcher restarting", logx.Duration("backoff", wait))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
	return nil
}

func newDirWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// watchLoop returns when ctx is done or the watcher breaks.
func watchLoop(ctx context.Context, w *fsnotify.Watcher, file string, log logx.Logger, onChange func()) {
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()
	arm := func() { debounce.Reset(watchDebounce) }

	for {
		select {
		case <-ctx.Done():
			return
		case <-debounce.C:
			onChange()
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == file && ev.Op&watchOps != 0 {
				log.Debug("file change detected", logx.String("op", ev.Op.String()))
				arm()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost; reload once to catch up.
				log.Warn("file watch overflow", logx.Err(err))
				arm()
				continue
			}
			if err != nil {
				log.Warn("file watch error", logx.Err(err))
			}
		}
	}
}
