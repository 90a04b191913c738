package bridge

import (
	"time"

	"github.com/bft-labs/rttbridge/pkg/log"
	"github.com/bft-labs/rttbridge/pkg/status"
	"github.com/bft-labs/rttbridge/pkg/transport"
	"github.com/bft-labs/rttbridge/pkg/transport/sim"
)

// DefaultDemoInterval paces the demo firmware of the sim backend.
const DefaultDemoInterval = 100 * time.Millisecond

// Option configures optional behavior of a Bridge.
type Option func(*options)

// options holds the optional configuration for a Bridge instance.
type options struct {
	logger          log.Logger
	eventHandler    EventHandler
	plugins         []Plugin
	registry        *transport.Registry
	board           *sim.Board
	demoInterval    time.Duration
	retentionConfig *RetentionConfig
	repo            status.Repository
	configPath      string
	now             func() time.Time
}

func defaultOptions() options {
	return options{
		logger:       log.NewNoopLogger(),
		demoInterval: DefaultDemoInterval,
		now:          time.Now,
	}
}

// WithLogger sets a custom logger for structured logging.
// If not provided, a no-op logger is used (no output).
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithEventHandler sets a handler for state transitions.
func WithEventHandler(handler EventHandler) Option {
	return func(o *options) {
		o.eventHandler = handler
	}
}

// WithPlugin registers a plugin to be initialized when the Bridge starts.
// Plugins are initialized in registration order and shut down in reverse
// order.
func WithPlugin(plugin Plugin) Option {
	return func(o *options) {
		o.plugins = append(o.plugins, plugin)
	}
}

// WithRegistry replaces DefaultRegistry.
func WithRegistry(r *transport.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithSimBoard attaches the sim backend to board instead of a demo board.
// No demo firmware is run on a supplied board.
func WithSimBoard(board *sim.Board) Option {
	return func(o *options) {
		o.board = board
	}
}

// WithDemoInterval paces the demo firmware. Zero disables it.
func WithDemoInterval(d time.Duration) Option {
	return func(o *options) {
		o.demoInterval = d
	}
}

// WithStatusRepository replaces the status file in the device directory.
func WithStatusRepository(r status.Repository) Option {
	return func(o *options) {
		o.repo = r
	}
}

// WithConfigPath tells plugins which configuration file the run came from.
func WithConfigPath(path string) Option {
	return func(o *options) {
		o.configPath = path
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}
