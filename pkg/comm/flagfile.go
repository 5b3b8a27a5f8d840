package comm

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// StopFlag is a filesystem-based run signal retained as a degraded
// coordination mode: a marker file in the run directory tells every
// process sharing that directory to stop after the current epoch. It is
// best-effort and carries no payload; in-process runs use the
// Collective broadcast instead.
type StopFlag struct {
	path    string
	log     *zap.Logger
	noticed atomic.Bool
}

// NewStopFlag names the marker file inside dir.
func NewStopFlag(dir, name string, log *zap.Logger) *StopFlag {
	return &StopFlag{path: filepath.Join(dir, name), log: log}
}

// Raise creates the marker file. Failure is logged, not fatal.
func (s *StopFlag) Raise() {
	f, err := os.Create(s.path)
	if err != nil {
		s.log.Warn("stop flag not raised", zap.String("path", s.path), zap.Error(err))
		return
	}
	f.Close()
}

// Raised reports whether the marker file exists, or whether a running
// watcher already saw it created.
func (s *StopFlag) Raised() bool {
	if s.noticed.Load() {
		return true
	}
	_, err := os.Stat(s.path)
	return err == nil
}

// Watch reports flag creation on the returned channel until ctx ends,
// and latches the sighting so later Raised calls return true without a
// Stat. If the directory cannot be watched the channel closes
// immediately after a warning; callers fall back to polling Raised
// between epochs.
func (s *StopFlag) Watch(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn("stop flag watcher unavailable", zap.Error(err))
		close(ch)
		return ch
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		s.log.Warn("stop flag watcher unavailable", zap.String("dir", filepath.Dir(s.path)), zap.Error(err))
		w.Close()
		close(ch)
		return ch
	}
	go func() {
		defer w.Close()
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name == s.path && ev.Op.Has(fsnotify.Create) {
					s.noticed.Store(true)
					select {
					case ch <- struct{}{}:
					default:
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn("stop flag watch error", zap.Error(err))
			}
		}
	}()
	return ch
}
