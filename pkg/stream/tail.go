package stream

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bft-labs/rttbridge/pkg/log"
)

const (
	tailChunk       = 32 << 10
	defaultTailPoll = time.Second
)

// TailOption configures Tail.
type TailOption func(*tailer)

// WithTailLogger sets the logger used by Tail.
func WithTailLogger(l log.Logger) TailOption {
	return func(t *tailer) { t.logger = l }
}

// WithTailPoll sets the fallback poll period for filesystems that do not
// deliver events.
func WithTailPoll(d time.Duration) TailOption {
	return func(t *tailer) { t.poll = d }
}

type tailer struct {
	path   string
	fn     func([]byte) error
	logger log.Logger
	poll   time.Duration

	f      *os.File
	offset int64
	buf    []byte
}

// Tail hands every byte of path to fn, from the start of the file, and
// keeps following it until ctx is done. A file that shrinks is treated as
// truncated and re-read from offset 0; a file that is replaced is
// reopened.
func Tail(ctx context.Context, path string, fn func([]byte) error, opts ...TailOption) error {
	t := &tailer{
		path:   path,
		fn:     fn,
		logger: log.NewNoopLogger(),
		poll:   defaultTailPoll,
		buf:    make([]byte, tailChunk),
	}
	for _, o := range opts {
		o(t)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	// Watch the directory so rotations and re-creations are seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	defer t.closeFile()

	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	if err := t.drain(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) || t.replaced() {
				if err := t.rotate(); err != nil {
					return err
				}
				continue
			}
			if err := t.drain(); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			t.logger.Warn("file watcher error", log.Err(err))
		case <-ticker.C:
			if t.replaced() {
				if err := t.rotate(); err != nil {
					return err
				}
				continue
			}
			if err := t.drain(); err != nil {
				return err
			}
		}
	}
}

// drain reads everything currently past the offset.
func (t *tailer) drain() error {
	if t.f == nil {
		f, err := os.Open(t.path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		t.f, t.offset = f, 0
	}

	fi, err := t.f.Stat()
	if err != nil {
		return err
	}
	if fi.Size() < t.offset {
		t.logger.Info("tailed file truncated, restarting from the beginning",
			log.String("path", t.path),
			log.Int64("offset", t.offset),
			log.Int64("size", fi.Size()),
		)
		t.offset = 0
	}

	for {
		n, err := t.f.ReadAt(t.buf, t.offset)
		if n > 0 {
			t.offset += int64(n)
			if ferr := t.fn(t.buf[:n]); ferr != nil {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// rotate finishes the file that was moved away, then follows whatever now
// sits at the path. Writers holding the old file may still append to it
// until it is drained.
func (t *tailer) rotate() error {
	t.logger.Debug("tailed file replaced", log.String("path", t.path))
	if t.f != nil {
		if err := t.drain(); err != nil {
			return err
		}
		t.closeFile()
	}
	return t.drain()
}

// replaced reports whether the path no longer names the open file.
func (t *tailer) replaced() bool {
	if t.f == nil {
		return false
	}
	cur, err := os.Stat(t.path)
	if err != nil {
		return errors.Is(err, os.ErrNotExist)
	}
	open, err := t.f.Stat()
	if err != nil {
		return false
	}
	return !os.SameFile(cur, open)
}

func (t *tailer) closeFile() {
	if t.f != nil {
		t.f.Close()
		t.f = nil
	}
}
