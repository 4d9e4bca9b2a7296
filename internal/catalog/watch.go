package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "nudgebot/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

const (
	watchDebounce   = 250 * time.Millisecond
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

// Watch calls onChange (debounced) whenever the catalog file is written,
// replaced or removed, until ctx is done. The caller decides what a change
// means; the scheduler rescans, which syncs.
func (im *Importer) Watch(ctx context.Context, onChange func()) error {
	dir := filepath.Dir(im.path)
	file := filepath.Base(im.path)
	backoff := watchBackoffMin

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, onChange)
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for ctx.Err() == nil {
		err := im.watchOnce(ctx, dir, file, debounce)
		if ctx.Err() != nil {
			return nil
		}
		im.log.Warn("catalog watcher stopped; restarting", logx.Duration("backoff", backoff), logx.Err(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, watchBackoffMax)
	}
	return nil
}

func (im *Importer) watchOnce(ctx context.Context, dir, file string, debounce func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	im.log.Debug("catalog watcher started", logx.String("dir", dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("events channel closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) &&
				ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("errors channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				debounce()
				continue
			}
			im.log.Warn("catalog watch error", logx.Err(err))
		}
	}
}
