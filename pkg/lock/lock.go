// Package lock gives a daemon exclusive ownership of a device.
//
// The lock is an flock(2) on a per-device file that records the holder's
// pid. The kernel drops the lock when the holder exits, however it exits,
// so a leftover file is never evidence that a daemon is alive.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrHeld is matched by errors.Is on a *HeldError.
var ErrHeld = errors.New("lock: held by another process")

// HeldError reports who holds a lock.
type HeldError struct {
	Path  string
	PID   int
	Alive bool
}

func (e *HeldError) Error() string {
	if e.PID == 0 {
		return fmt.Sprintf("lock %s: held by another process", e.Path)
	}
	return fmt.Sprintf("lock %s: held by pid %d", e.Path, e.PID)
}

func (e *HeldError) Is(target error) bool { return target == ErrHeld }

// Lock is an acquired device lock.
type Lock struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// Path returns the lock file location for a device under runDir.
func Path(runDir, deviceID string) string {
	return filepath.Join(runDir, "locks", Sanitize(deviceID)+".lock")
}

// Sanitize maps a device id to a safe file name.
func Sanitize(id string) string {
	var sb strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	s := strings.Trim(sb.String(), ".")
	if s == "" {
		return "_"
	}
	return s
}

// Acquire takes the lock at path without blocking. When another process
// holds it, the returned error is a *HeldError.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			pid, alive, _ := Holder(path)
			return nil, &HeldError{Path: path, PID: pid, Alive: alive}
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	if err := writePID(f, os.Getpid()); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, err
	}
	return &Lock{path: path, f: f}, nil
}

func writePID(f *os.File, pid int) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(pid)+"\n"), 0); err != nil {
		return err
	}
	return f.Sync()
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release empties the file and drops the lock. The file itself stays: an
// unlink would let a second daemon lock a fresh inode while a third still
// holds the old one open. Release is idempotent.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Truncate(0)
	if uerr := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err == nil {
		err = uerr
	}
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// Holder reads the pid recorded at path and checks whether that process
// exists. A missing or empty file yields pid 0. EPERM from kill(pid, 0)
// means the process exists under another user.
func Holder(path string) (pid int, alive bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, false, nil
	}
	pid, err = strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, false, fmt.Errorf("lock %s: bad pid %q", path, s)
	}
	return pid, Alive(pid), nil
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Held reports whether some process currently holds the lock at path. It
// probes with a non-blocking shared lock and never modifies the file.
func Held(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return true, nil
		}
		return false, err
	}
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return false, nil
}
