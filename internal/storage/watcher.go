package storage

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher turns filesystem notifications on a FileStorage directory into
// Change events. It is the single cross-process channel through which a
// token written or cleared elsewhere reaches this process.
type Watcher struct {
	store   *FileStorage
	watcher *fsnotify.Watcher
	changes chan Change
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	logger  *zap.Logger
}

func (s *FileStorage) Watch() (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(s.dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}

	w := &Watcher{
		store:   s,
		watcher: fw,
		changes: make(chan Change, 16),
		done:    make(chan struct{}),
		logger:  s.logger,
	}
	w.wg.Add(1)
	go w.processEvents()
	return w, nil
}

// Changes is closed once the watcher stops.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	defer close(w.changes)

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			key, ok := keyFromPath(event.Name)
			if !ok {
				continue
			}

			var change Change
			switch {
			case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
				change = Change{Key: key}
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				// A rename away from the record name leaves nothing behind.
				if _, err := os.Stat(event.Name); err == nil {
					change = Change{Key: key}
				} else {
					change = Change{Key: key, Removed: true}
				}
			default:
				continue
			}

			select {
			case w.changes <- change:
			case <-w.done:
				return
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Storage watcher error", zap.Error(err))
		}
	}
}
