package bridge

import (
	"time"

	"github.com/bft-labs/rttbridge/pkg/lifecycle"
)

// StateChangeEvent describes one session state transition.
type StateChangeEvent struct {
	Previous lifecycle.State
	Current  lifecycle.State
	Reason   string
	Time     time.Time
}

// EventHandler receives bridge events.
type EventHandler interface {
	OnStateChange(event StateChangeEvent)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(StateChangeEvent)

func (f EventHandlerFunc) OnStateChange(event StateChangeEvent) { f(event) }

// eventEmitterWrapper adapts EventHandler to lifecycle.EventEmitter.
type eventEmitterWrapper struct {
	handler EventHandler
	now     func() time.Time
}

func (e eventEmitterWrapper) OnStateChange(previous, current lifecycle.State, reason string) {
	if e.handler == nil {
		return
	}
	e.handler.OnStateChange(StateChangeEvent{
		Previous: previous,
		Current:  current,
		Reason:   reason,
		Time:     e.now(),
	})
}
