package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bft-labs/rttbridge/pkg/log"
)

// mockEmitter tracks state change events for testing.
type mockEmitter struct {
	mu     sync.Mutex
	events []stateChangeEvent
}

type stateChangeEvent struct {
	previous State
	current  State
	reason   string
}

func (m *mockEmitter) OnStateChange(previous, current State, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, stateChangeEvent{previous, current, reason})
}

func (m *mockEmitter) Events() []stateChangeEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]stateChangeEvent{}, m.events...)
}

var allStates = []State{
	StateStopped, StateStarting, StateConnecting, StateConnected,
	StateStreaming, StateDegraded, StateStopping, StateError,
}

func TestNewManager(t *testing.T) {
	l := NewManager(log.NewNoopLogger(), nil)
	if l.State() != StateStopped {
		t.Errorf("initial state = %v, want StateStopped", l.State())
	}
	if !l.CanStart() || l.CanStop() {
		t.Error("a new manager can start and cannot stop")
	}
}

func TestState_String(t *testing.T) {
	want := []string{"Stopped", "Starting", "Connecting", "Connected", "Streaming", "Degraded", "Stopping", "Error"}
	for i, s := range allStates {
		if s.String() != want[i] {
			t.Errorf("State(%d).String() = %s, want %s", s, s.String(), want[i])
		}
	}
	if State(99).String() != "Unknown" {
		t.Error("unknown state string")
	}
}

func TestManager_TransitionTo_ValidTransitions(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
	}{
		{"stopped to starting", StateStopped, StateStarting},
		{"starting to connecting", StateStarting, StateConnecting},
		{"connecting to connected", StateConnecting, StateConnected},
		{"connected to streaming", StateConnected, StateStreaming},
		{"streaming to degraded", StateStreaming, StateDegraded},
		{"degraded to streaming", StateDegraded, StateStreaming},
		{"connecting to error", StateConnecting, StateError},
		{"degraded to error", StateDegraded, StateError},
		{"error to stopped", StateError, StateStopped},
		{"starting to stopping", StateStarting, StateStopping},
		{"degraded to stopping", StateDegraded, StateStopping},
		{"stopping to stopped", StateStopping, StateStopped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewManager(log.NewNoopLogger(), nil)
			l.state = tt.from

			if err := l.TransitionTo(tt.to, "test"); err != nil {
				t.Fatalf("TransitionTo() error = %v", err)
			}
			if l.State() != tt.to {
				t.Errorf("state = %v after transition, want %v", l.State(), tt.to)
			}
		})
	}
}

func TestManager_TransitionTo_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
	}{
		{"stopped to streaming", StateStopped, StateStreaming},
		{"stopped to error", StateStopped, StateError},
		{"starting to connected", StateStarting, StateConnected},
		{"connecting to streaming", StateConnecting, StateStreaming},
		{"streaming to stopped", StateStreaming, StateStopped},
		{"error to starting", StateError, StateStarting},
		{"error to stopping", StateError, StateStopping},
		{"stopping to streaming", StateStopping, StateStreaming},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewManager(log.NewNoopLogger(), nil)
			l.state = tt.from

			err := l.TransitionTo(tt.to, "test")
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("TransitionTo() error = %v, want ErrInvalidTransition", err)
			}
			// State should not change on invalid transition
			if l.State() != tt.from {
				t.Errorf("state changed to %v on invalid transition, want %v", l.State(), tt.from)
			}
		})
	}
}

// Every state other than Stopped can reach Stopped, so no run can wedge.
func TestManager_StoppedReachable(t *testing.T) {
	for _, s := range allStates {
		seen := map[State]bool{s: true}
		queue := []State{s}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, next := range transitions[cur] {
				if !seen[next] {
					seen[next] = true
					queue = append(queue, next)
				}
			}
		}
		if !seen[StateStopped] {
			t.Errorf("%v cannot reach Stopped", s)
		}
	}
}

func TestManager_TransitionTo_EmitsEvents(t *testing.T) {
	emitter := &mockEmitter{}
	l := NewManager(log.NewNoopLogger(), emitter)

	_ = l.TransitionTo(StateStarting, "run")
	_ = l.TransitionTo(StateConnecting, "connect")
	_ = l.TransitionTo(StateStreaming, "skips connected") // rejected

	events := emitter.Events()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].previous != StateStopped || events[0].current != StateStarting {
		t.Errorf("event 0: got %v->%v, want Stopped->Starting", events[0].previous, events[0].current)
	}
	if events[1].current != StateConnecting || events[1].reason != "connect" {
		t.Errorf("event 1: %+v", events[1])
	}
}

func TestManager_CanStop(t *testing.T) {
	want := map[State]bool{
		StateStopped:    false,
		StateStarting:   true,
		StateConnecting: true,
		StateConnected:  true,
		StateStreaming:  true,
		StateDegraded:   true,
		StateStopping:   false,
		StateError:      false,
	}
	for s, w := range want {
		l := NewManager(nil, nil)
		l.state = s
		if got := l.CanStop(); got != w {
			t.Errorf("CanStop() in %v = %v, want %v", s, got, w)
		}
	}
}

func TestManager_SetCancel_And_Cancel(t *testing.T) {
	l := NewManager(nil, nil)
	l.Cancel() // nil-safe

	ctx, cancel := context.WithCancel(context.Background())
	l.SetCancel(cancel)
	l.Cancel()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Error("context was not cancelled")
	}
}

func TestManager_WaitWithTimeout(t *testing.T) {
	l := NewManager(nil, nil)
	l.AddWorker()
	go func() {
		time.Sleep(10 * time.Millisecond)
		l.WorkerDone()
	}()
	if err := l.WaitWithTimeout(time.Second); err != nil {
		t.Errorf("WaitWithTimeout() = %v, want nil", err)
	}

	l.AddWorker()
	if err := l.WaitWithTimeout(10 * time.Millisecond); !errors.Is(err, ErrShutdownTimeout) {
		t.Errorf("WaitWithTimeout() = %v, want ErrShutdownTimeout", err)
	}
	l.WorkerDone()
}

func TestManager_Concurrency(t *testing.T) {
	l := NewManager(nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = l.State()
				_ = l.CanStart()
				_ = l.CanStop()
			}
		}()
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.TransitionTo(StateStarting, "test")
			_ = l.TransitionTo(StateConnecting, "test")
		}()
	}
	wg.Wait()

	if l.State() != StateConnecting {
		t.Errorf("state = %v, want Connecting", l.State())
	}
}
