package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bft-labs/rttbridge/pkg/status"
)

func TestDaemonArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "drops command and wait",
			args: []string{"start", "--backend", "sim", "--wait", "5s"},
			want: []string{"--backend", "sim"},
		},
		{
			name: "wait with equals",
			args: []string{"start", "--wait=5s", "--chip", "nRF52840"},
			want: []string{"--chip", "nRF52840"},
		},
		{
			name: "persistent flag first",
			args: []string{"--log-level", "debug", "start", "--poll", "5ms"},
			want: []string{"--log-level", "debug", "--poll", "5ms"},
		},
		{
			name: "only the first start is the command",
			args: []string{"start", "--device", "start"},
			want: []string{"--device", "start"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := daemonArgs(tt.args)
			if strings.Join(got, " ") != strings.Join(tt.want, " ") {
				t.Errorf("daemonArgs(%v) = %v, want %v", tt.args, got, tt.want)
			}
		})
	}
}

func TestWriteDocument(t *testing.T) {
	doc := status.Document{
		Connection: status.Connection{Status: status.ConnConnected},
		Health:     status.Health{Status: status.HealthIdle, Reason: "no data for 12s"},
		Session:    status.Session{ID: "s1", Device: "nrf52", State: "Streaming"},
	}

	var js bytes.Buffer
	if err := writeDocument(&js, doc, "json"); err != nil {
		t.Fatalf("json: %v", err)
	}
	if !strings.Contains(js.String(), `"status": "connected"`) {
		t.Errorf("json output missing connection status:\n%s", js.String())
	}

	var y bytes.Buffer
	if err := writeDocument(&y, doc, "yaml"); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	for _, want := range []string{"connection:\n  status: connected", "reason: no data for 12s", "device: nrf52"} {
		if !strings.Contains(y.String(), want) {
			t.Errorf("yaml output missing %q:\n%s", want, y.String())
		}
	}
}

// scriptedRepo returns a fixed sequence of documents, repeating the last.
type scriptedRepo struct {
	mu    sync.Mutex
	docs  []status.Document
	errs  []error
	loads int
}

func (r *scriptedRepo) Load(ctx context.Context) (status.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.loads
	if i >= len(r.docs) {
		i = len(r.docs) - 1
	}
	r.loads++
	return r.docs[i], r.errs[i]
}

func (r *scriptedRepo) Save(ctx context.Context, doc status.Document) error { return nil }

func liveDoc(pid int, conn status.ConnectionStatus, health status.HealthStatus) status.Document {
	return status.Document{
		Connection: status.Connection{Status: conn},
		Health:     status.Health{Status: health},
		Daemon:     status.Daemon{PID: pid},
	}
}

func TestWaitHealthy(t *testing.T) {
	t.Run("healthy after connecting", func(t *testing.T) {
		repo := &scriptedRepo{
			docs: []status.Document{{}, liveDoc(7, status.ConnConnecting, status.HealthStarting), liveDoc(7, status.ConnConnected, status.HealthHealthy)},
			errs: []error{status.ErrNotFound, nil, nil},
		}
		doc, err := waitHealthy(context.Background(), repo, 7, 5*time.Second, nil)
		if code := status.ExitCode(doc, err); code != status.ExitHealthy {
			t.Errorf("exit code = %d, want %d (err %v)", code, status.ExitHealthy, err)
		}
	})

	t.Run("ignores earlier daemon", func(t *testing.T) {
		repo := &scriptedRepo{
			docs: []status.Document{liveDoc(3, status.ConnConnected, status.HealthHealthy)},
			errs: []error{nil},
		}
		doc, err := waitHealthy(context.Background(), repo, 7, 300*time.Millisecond, nil)
		if code := status.ExitCode(doc, err); code != status.ExitNoStatus {
			t.Errorf("exit code = %d, want %d", code, status.ExitNoStatus)
		}
	})

	t.Run("error marker ends the wait", func(t *testing.T) {
		failed := liveDoc(7, status.ConnError, status.HealthError)
		failed.Error = &status.ErrorInfo{Message: "no probe found"}
		repo := &scriptedRepo{docs: []status.Document{failed}, errs: []error{nil}}

		start := time.Now()
		doc, err := waitHealthy(context.Background(), repo, 7, 5*time.Second, nil)
		if time.Since(start) > 2*time.Second {
			t.Error("waited for the deadline despite an error marker")
		}
		if code := status.ExitCode(doc, err); code != status.ExitUnhealthy {
			t.Errorf("exit code = %d, want %d", code, status.ExitUnhealthy)
		}
	})

	t.Run("daemon exit without document", func(t *testing.T) {
		repo := &scriptedRepo{docs: []status.Document{{}}, errs: []error{status.ErrNotFound}}
		exited := make(chan error, 1)
		exited <- errors.New("exit status 1")

		doc, err := waitHealthy(context.Background(), repo, 7, 5*time.Second, exited)
		if !errors.Is(err, status.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
		if code := status.ExitCode(doc, err); code != status.ExitNoStatus {
			t.Errorf("exit code = %d, want %d", code, status.ExitNoStatus)
		}
	})
}
