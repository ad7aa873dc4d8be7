package instructions

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher calls onChange after *.txt files in the directory are created,
// written, removed or renamed outside the HTTP API. Bursts of events within
// the debounce window produce one call.
type Watcher struct {
	dir      string
	debounce time.Duration
	onChange func()
	log      zerolog.Logger
	watcher  *fsnotify.Watcher
}

func NewWatcher(dir string, debounce time.Duration, onChange func(), log zerolog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{dir: dir, debounce: debounce, onChange: onChange, log: log, watcher: w}, nil
}

// Run blocks until ctx ends or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	w.log.Debug().Str("dir", w.dir).Msg("watching instructions")

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			w.log.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("instructions changed")
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("instructions watcher error")

		case <-fire:
			fire = nil
			w.onChange()

		case <-ctx.Done():
			return nil
		}
	}
}

func relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	return strings.EqualFold(filepath.Ext(ev.Name), ".txt")
}
