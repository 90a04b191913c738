package status

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func sampleDocument() Document {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	return Document{
		Connection:  Connection{Status: ConnConnected},
		Health:      Health{Status: HealthHealthy},
		Daemon:      Daemon{PID: 4242, StartedAt: now.Add(-time.Minute)},
		Session:     Session{ID: "4f1c", Device: "nrf5340", Backend: "sim", State: "streaming"},
		Counters:    Counters{Bytes: 1024, Lines: 12},
		Capture:     &Capture{Status: "ok", Path: "/tmp/x.rttb", Frames: 3},
		LastUpdated: now,
	}
}

func TestFileRepositoryRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nrf5340")
	repo := NewFileRepository(dir)
	ctx := context.Background()

	if _, err := repo.Load(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load before save: err = %v, want ErrNotFound", err)
	}

	doc := sampleDocument()
	if err := repo.Save(ctx, doc); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Daemon.PID != 4242 || got.Session.Device != "nrf5340" || got.Capture == nil || got.Capture.Frames != 3 {
		t.Errorf("loaded = %+v", got)
	}
	if !got.LastUpdated.Equal(doc.LastUpdated) {
		t.Errorf("last_updated = %v", got.LastUpdated)
	}

	doc.Health.Status = HealthIdle
	if err := repo.Save(ctx, doc); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != FileName {
		t.Errorf("directory holds %v, want only %s", entries, FileName)
	}
}

func TestFileRepositoryRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	repo := NewFileRepository(dir)
	ctx := context.Background()

	doc := sampleDocument()
	doc.Health.Status = "great"
	if err := repo.Save(ctx, doc); !errors.Is(err, ErrMalformed) {
		t.Errorf("Save invalid enum: err = %v", err)
	}

	tests := map[string]string{
		"truncated json": `{"connection": {"status": "conn`,
		"unknown enum":   `{"connection":{"status":"connected"},"health":{"status":"fine"}}`,
		"empty":          ``,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if err := os.WriteFile(repo.Path(), []byte(body), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := repo.Load(ctx)
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
			if code := ExitCode(Document{}, err); code != ExitNoStatus {
				t.Errorf("exit code = %d", code)
			}
		})
	}
}

func TestHealthPredicate(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Document)
		want bool
	}{
		{"healthy", func(d *Document) {}, true},
		{"idle", func(d *Document) { d.Health.Status = HealthIdle }, true},
		{"starting", func(d *Document) { d.Health.Status = HealthStarting }, false},
		{"stuck", func(d *Document) { d.Health.Status = HealthStuck }, false},
		{"degraded", func(d *Document) { d.Health.Status = HealthDegraded }, false},
		{"connecting", func(d *Document) { d.Connection.Status = ConnConnecting }, false},
		{"starting", func(d *Document) { d.Connection.Status = ConnStarting }, false},
		{"error marker", func(d *Document) { d.Error = &ErrorInfo{Message: "probe lost"} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := sampleDocument()
			tt.edit(&doc)
			if got := Healthy(doc, nil); got != tt.want {
				t.Errorf("Healthy = %v, want %v (%v)", got, tt.want, Check(doc, nil))
			}
		})
	}
}

// Every combination of status values, error marker and load outcome maps
// to exactly one exit code, and only the healthy combinations to 0.
func TestExitCodeTotality(t *testing.T) {
	loadErrs := []error{nil, ErrNotFound, ErrMalformed, errors.New("permission denied")}
	conns := append([]ConnectionStatus{"bogus", ""}, ConnectionStatuses...)
	healths := append([]HealthStatus{"bogus", ""}, HealthStatuses...)
	markers := []*ErrorInfo{nil, {Message: "x"}}

	seen := map[int]int{}
	for _, lerr := range loadErrs {
		for _, c := range conns {
			for _, h := range healths {
				for _, m := range markers {
					doc := Document{Connection: Connection{Status: c}, Health: Health{Status: h}, Error: m}
					code := ExitCode(doc, lerr)
					seen[code]++

					wantHealthy := lerr == nil && m == nil && c == ConnConnected && (h == HealthHealthy || h == HealthIdle)
					switch {
					case wantHealthy && code != ExitHealthy:
						t.Errorf("%v/%q/%q/%v: code %d, want 0", lerr, c, h, m, code)
					case !wantHealthy && code == ExitHealthy:
						t.Errorf("%v/%q/%q/%v: unhealthy document exits 0", lerr, c, h, m)
					}
					if code != ExitHealthy && code != ExitUnhealthy && code != ExitNoStatus {
						t.Errorf("code %d outside the defined set", code)
					}
					if errors.Is(lerr, ErrNotFound) && code != ExitNoStatus {
						t.Errorf("missing document: code %d", code)
					}
				}
			}
		}
	}
	if seen[ExitHealthy] != 2 {
		t.Errorf("healthy combinations = %d, want 2", seen[ExitHealthy])
	}
}

func TestStale(t *testing.T) {
	doc := sampleDocument()
	now := doc.LastUpdated.Add(10 * time.Second)
	if Stale(doc, now, 0) {
		t.Error("maxAge 0 must disable staleness")
	}
	if !Stale(doc, now, 5*time.Second) {
		t.Error("10s old document not stale at 5s")
	}
	if Stale(doc, now, 30*time.Second) {
		t.Error("fresh document reported stale")
	}
	doc.Health.Status = HealthStopped
	if Stale(doc, now, time.Second) {
		t.Error("stopped document reported stale")
	}
}

// A placeholder document written before the daemon picks a connection
// state is unhealthy, not malformed.
func TestExitCode_StartingPlaceholder(t *testing.T) {
	dir := t.TempDir()
	raw := `{"connection":{"status":"starting"},"health":{"status":"starting"},` +
		`"daemon":{"pid":1,"started_at":"2026-01-01T00:00:00Z"},"session":{"id":"","device":"d","state":"starting"},` +
		`"counters":{"bytes":0,"frames":0,"lines":0,"read_errors":0,"write_errors":0,"consecutive_failures":0,"resets":0},` +
		`"last_updated":"2026-01-01T00:00:00Z"}`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	doc, err := NewFileRepository(dir).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Connection.Status != ConnStarting {
		t.Errorf("connection = %q, want starting", doc.Connection.Status)
	}
	if code := ExitCode(doc, err); code != ExitUnhealthy {
		t.Errorf("exit code = %d, want %d", code, ExitUnhealthy)
	}
}
