package session

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bft-labs/rttbridge/pkg/capture"
	"github.com/bft-labs/rttbridge/pkg/lifecycle"
	"github.com/bft-labs/rttbridge/pkg/log"
	"github.com/bft-labs/rttbridge/pkg/status"
)

// publisher writes the status document on every transition, then hands
// the event to the configured emitter.
type publisher struct{ s *Session }

func (p publisher) OnStateChange(previous, current lifecycle.State, reason string) {
	p.s.publish(current)
	if p.s.emitter != nil {
		p.s.emitter.OnStateChange(previous, current, reason)
	}
}

// Status returns the document the session would publish now.
func (s *Session) Status() status.Document {
	return s.snapshot(s.lifecycle.State())
}

func (s *Session) publish(state lifecycle.State) {
	doc := s.snapshot(state)
	if err := s.repo.Save(context.Background(), doc); err != nil {
		s.logger.Warn("status write failed", log.Err(err))
	}
	s.mu.Lock()
	s.lastStatus = doc.LastUpdated
	s.mu.Unlock()
}

func (s *Session) snapshot(state lifecycle.State) status.Document {
	now := s.now()

	s.mu.Lock()
	doc := status.Document{
		Daemon: status.Daemon{PID: os.Getpid(), StartedAt: s.startedAt},
		Session: status.Session{
			ID:      s.id,
			Device:  s.cfg.Device.ID,
			Backend: s.cfg.Device.Backend,
			State:   strings.ToLower(state.String()),
		},
		Counters:    s.counters,
		LastUpdated: now,
	}
	if !s.lastData.IsZero() {
		t := s.lastData
		doc.LastActivity = &t
	}
	conn, health, reason := s.evaluate(state, now)
	if s.failure != nil {
		f := *s.failure
		doc.Error = &f
		conn, health = status.ConnError, status.HealthError
	}
	engine, proc, captureErr, streamFail := s.capture, s.proc, s.captureErr, s.streamFail
	s.mu.Unlock()

	doc.Connection.Status = conn
	doc.Health = status.Health{Status: health, Reason: reason}

	switch {
	case engine != nil:
		st := engine.Stats()
		doc.Capture = &status.Capture{
			Status: st.Status, Path: st.Path, Frames: st.Frames,
			Bytes: st.Bytes, Digest: st.Digest, Error: st.Error,
		}
		doc.Counters.Frames = st.Frames
	case captureErr != nil:
		doc.Capture = &status.Capture{
			Status: capture.StatusDegraded,
			Path:   s.cfg.CapturePath,
			Error:  captureErr.Error(),
		}
	}
	if proc != nil || streamFail != nil {
		doc.Stream = &status.Stream{Status: capture.StatusOK}
		if proc != nil {
			st := proc.Stats()
			doc.Stream.Format, doc.Stream.Lines, doc.Stream.Data = st.Format, st.Lines, st.Data
			doc.Stream.States, doc.Stream.Rows, doc.Stream.LateKeys = st.States, st.Rows, st.LateKeys
			doc.Counters.Lines = st.Lines
			doc.Counters.Resets = st.Resets
		}
		if streamFail != nil {
			doc.Stream.Status = capture.StatusDegraded
			doc.Stream.Error = streamFail.Error()
		}
	}
	return doc
}

// evaluate maps a state to the document enums. Caller holds s.mu.
func (s *Session) evaluate(state lifecycle.State, now time.Time) (status.ConnectionStatus, status.HealthStatus, string) {
	switch state {
	case lifecycle.StateStarting:
		return status.ConnStarting, status.HealthStarting, ""
	case lifecycle.StateConnecting:
		return status.ConnConnecting, status.HealthStarting, ""
	case lifecycle.StateConnected:
		return status.ConnConnected, status.HealthStarting, "searching for the RTT control block"
	case lifecycle.StateStreaming:
		h, reason := s.activity(now)
		return status.ConnConnected, h, reason
	case lifecycle.StateDegraded:
		return status.ConnConnected, status.HealthDegraded,
			fmt.Sprintf("%d consecutive failures", s.counters.ConsecutiveFailures)
	case lifecycle.StateStopping:
		return status.ConnConnected, status.HealthStopped, "stopping"
	case lifecycle.StateError:
		return status.ConnError, status.HealthError, ""
	default:
		return status.ConnDisconnected, status.HealthStopped, ""
	}
}

// activity grades a streaming session by how long it has been quiet.
// Caller holds s.mu.
func (s *Session) activity(now time.Time) (status.HealthStatus, string) {
	ref := s.lastData
	if ref.IsZero() {
		ref = s.streamSince
	}
	quiet := now.Sub(ref)
	switch {
	case quiet >= s.cfg.StuckAfter:
		return status.HealthStuck, fmt.Sprintf("no data for %s", quiet.Truncate(time.Second))
	case quiet >= s.cfg.IdleAfter:
		return status.HealthIdle, fmt.Sprintf("no data for %s", quiet.Truncate(time.Second))
	default:
		return status.HealthHealthy, ""
	}
}
