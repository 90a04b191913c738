package status

import (
	"fmt"
	"time"
)

// ConnectionStatus is the transport side of the document.
type ConnectionStatus string

const (
	ConnDisconnected ConnectionStatus = "disconnected"
	ConnStarting     ConnectionStatus = "starting"
	ConnConnecting   ConnectionStatus = "connecting"
	ConnConnected    ConnectionStatus = "connected"
	ConnError        ConnectionStatus = "error"
)

// HealthStatus is the data side of the document.
type HealthStatus string

const (
	HealthStarting HealthStatus = "starting"
	HealthHealthy  HealthStatus = "healthy"
	HealthIdle     HealthStatus = "idle"
	HealthStuck    HealthStatus = "stuck"
	HealthDegraded HealthStatus = "degraded"
	HealthStopped  HealthStatus = "stopped"
	HealthError    HealthStatus = "error"
)

// ConnectionStatuses lists every valid connection status.
var ConnectionStatuses = []ConnectionStatus{ConnDisconnected, ConnStarting, ConnConnecting, ConnConnected, ConnError}

// HealthStatuses lists every valid health status.
var HealthStatuses = []HealthStatus{HealthStarting, HealthHealthy, HealthIdle, HealthStuck, HealthDegraded, HealthStopped, HealthError}

// Valid reports whether s is one of ConnectionStatuses.
func (s ConnectionStatus) Valid() bool {
	for _, v := range ConnectionStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Valid reports whether s is one of HealthStatuses.
func (s HealthStatus) Valid() bool {
	for _, v := range HealthStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Document is the status file written by the daemon.
type Document struct {
	Connection Connection `json:"connection" yaml:"connection"`
	Health     Health     `json:"health" yaml:"health"`
	Daemon     Daemon     `json:"daemon" yaml:"daemon"`
	Error      *ErrorInfo `json:"error,omitempty" yaml:"error,omitempty"`

	Session  Session  `json:"session" yaml:"session"`
	Counters Counters `json:"counters" yaml:"counters"`
	Capture  *Capture `json:"capture,omitempty" yaml:"capture,omitempty"`
	Stream   *Stream  `json:"stream,omitempty" yaml:"stream,omitempty"`

	LastActivity *time.Time `json:"last_activity,omitempty" yaml:"last_activity,omitempty"`
	LastUpdated  time.Time  `json:"last_updated" yaml:"last_updated"`
}

type Connection struct {
	Status ConnectionStatus `json:"status" yaml:"status"`
}

type Health struct {
	Status HealthStatus `json:"status" yaml:"status"`
	Reason string       `json:"reason,omitempty" yaml:"reason,omitempty"`
}

type Daemon struct {
	PID       int       `json:"pid" yaml:"pid"`
	StartedAt time.Time `json:"started_at" yaml:"started_at"`
}

// ErrorInfo is the error marker. Message is one line; Detail carries the
// raw probe or debugger text.
type ErrorInfo struct {
	Message string `json:"message" yaml:"message"`
	Detail  string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

type Session struct {
	ID      string `json:"id" yaml:"id"`
	Device  string `json:"device" yaml:"device"`
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty"`
	State   string `json:"state" yaml:"state"`
}

type Counters struct {
	Bytes               uint64 `json:"bytes" yaml:"bytes"`
	Frames              uint64 `json:"frames" yaml:"frames"`
	Lines               uint64 `json:"lines" yaml:"lines"`
	ReadErrors          uint64 `json:"read_errors" yaml:"read_errors"`
	WriteErrors         uint64 `json:"write_errors" yaml:"write_errors"`
	ConsecutiveFailures int    `json:"consecutive_failures" yaml:"consecutive_failures"`
	Resets              uint64 `json:"resets" yaml:"resets"`
}

type Capture struct {
	Status string `json:"status" yaml:"status"`
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
	Frames uint64 `json:"frames" yaml:"frames"`
	Bytes  uint64 `json:"bytes" yaml:"bytes"`
	Digest string `json:"digest,omitempty" yaml:"digest,omitempty"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

type Stream struct {
	Status   string `json:"status" yaml:"status"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
	Format   string `json:"format" yaml:"format"`
	Lines    uint64 `json:"lines" yaml:"lines"`
	Data     uint64 `json:"data" yaml:"data"`
	States   uint64 `json:"states" yaml:"states"`
	Rows     uint64 `json:"csv_rows" yaml:"csv_rows"`
	LateKeys uint64 `json:"late_keys" yaml:"late_keys"`
}

// Validate checks the closed enumerations.
func (d Document) Validate() error {
	if !d.Connection.Status.Valid() {
		return fmt.Errorf("%w: connection status %q", ErrMalformed, d.Connection.Status)
	}
	if !d.Health.Status.Valid() {
		return fmt.Errorf("%w: health status %q", ErrMalformed, d.Health.Status)
	}
	return nil
}
