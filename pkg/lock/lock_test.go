package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := map[string]string{
		"nrf5340":           "nrf5340",
		"usb:1366/1051 #2":  "usb_1366_1051__2",
		"../../etc/passwd":  "_.._etc_passwd",
		"":                  "_",
		"...":               "_",
		"ESP32-C6_dev.kit1": "ESP32-C6_dev.kit1",
	}
	for in, want := range tests {
		if got := Sanitize(in); got != want {
			t.Errorf("Sanitize(%q) = %q, want %q", in, got, want)
		}
	}
	if p := Path("/run/rtt", "a/b"); p != filepath.Join("/run/rtt", "locks", "a_b.lock") {
		t.Errorf("Path = %s", p)
	}
}

func TestAcquireExclusive(t *testing.T) {
	path := Path(t.TempDir(), "board-1")

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	b, _ := os.ReadFile(path)
	if strings.TrimSpace(string(b)) != strconv.Itoa(os.Getpid()) {
		t.Errorf("lock file = %q, want our pid", b)
	}

	// flock locks belong to the open file description, so a second open in
	// the same process competes like another daemon would.
	_, err = Acquire(path)
	if !errors.Is(err, ErrHeld) {
		t.Fatalf("second Acquire: err = %v, want ErrHeld", err)
	}
	var held *HeldError
	if !errors.As(err, &held) || held.PID != os.Getpid() || !held.Alive {
		t.Errorf("held error = %+v", held)
	}
	if ok, err := Held(path); err != nil || !ok {
		t.Errorf("Held = %v, %v", ok, err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("lock file removed on release: %v", err)
	}
	if pid, _, err := Holder(path); err != nil || pid != 0 {
		t.Errorf("Holder after release = %d, %v", pid, err)
	}
	if ok, _ := Held(path); ok {
		t.Error("Held after release")
	}

	l2, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	l2.Release()
}

func TestStaleFileIsNotHeld(t *testing.T) {
	path := Path(t.TempDir(), "dev")
	os.MkdirAll(filepath.Dir(path), 0o755)
	// A crashed daemon leaves its pid behind without a lock.
	if err := os.WriteFile(path, []byte("999999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if ok, _ := Held(path); ok {
		t.Error("stale file reported held")
	}
	pid, alive, err := Holder(path)
	if err != nil || pid != 999999999 || alive {
		t.Errorf("Holder = %d, %v, %v", pid, alive, err)
	}

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire over stale file: %v", err)
	}
	defer l.Release()
}

func TestHolderBadContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")
	os.WriteFile(path, []byte("not a pid"), 0o644)
	if _, _, err := Holder(path); err == nil {
		t.Error("expected an error for a garbage pid")
	}
	if pid, alive, err := Holder(filepath.Join(t.TempDir(), "missing")); pid != 0 || alive || err != nil {
		t.Errorf("Holder(missing) = %d, %v, %v", pid, alive, err)
	}
	if !Alive(os.Getpid()) || Alive(0) {
		t.Error("Alive is wrong about our own pid or pid 0")
	}
}
