package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/bft-labs/rttbridge/pkg/lifecycle"
	"github.com/bft-labs/rttbridge/pkg/log"
	"github.com/bft-labs/rttbridge/pkg/session"
	"github.com/bft-labs/rttbridge/pkg/status"
	"github.com/bft-labs/rttbridge/pkg/transport/sim"
)

// ErrNotRunning is returned by Stop when Start has not succeeded.
var ErrNotRunning = errors.New("bridge: not running")

// Bridge is an RTT bridge for one device that can be embedded in other
// applications. Use New() to create an instance, then Start() to connect.
type Bridge struct {
	config  session.Config
	opts    options
	session *session.Session
	logger  log.Logger
	board   *sim.Board
	demo    bool

	// Retention runner (config-based, not a plugin)
	retention *retentionRunner

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// New creates a Bridge for cfg. The transport is resolved here, once; an
// unknown backend fails New.
func New(cfg session.Config, opts ...Option) (*Bridge, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger

	board, demo := o.board, false
	if board == nil && cfg.Device.Backend == sim.Name {
		board, demo = sim.NewDemoBoard(), o.demoInterval > 0
	}
	registry := o.registry
	if registry == nil {
		registry = DefaultRegistry(logger, board)
	}

	sopts := []session.Option{
		session.WithLogger(logger),
		session.WithClock(o.now),
		session.WithEventEmitter(eventEmitterWrapper{handler: o.eventHandler, now: o.now}),
	}
	if o.repo != nil {
		sopts = append(sopts, session.WithStatusRepository(o.repo))
	}
	s, err := session.New(cfg, registry.New, sopts...)
	if err != nil {
		return nil, err
	}
	cfg = s.Config()

	var retention *retentionRunner
	if o.retentionConfig != nil && o.retentionConfig.Enabled {
		retention = newRetentionRunner(*o.retentionConfig, cfg, logger)
	}

	return &Bridge{
		config:    cfg,
		opts:      o,
		session:   s,
		logger:    logger,
		board:     board,
		demo:      demo,
		retention: retention,
	}, nil
}

// Start takes the device lock and starts the session in the background.
// A device owned by another daemon returns a *lock.HeldError; nothing is
// started and no plugin is initialized in that case.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return lifecycle.ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	pluginCfg := PluginConfig{
		DeviceID:   b.config.Device.ID,
		Backend:    b.config.Device.Backend,
		RunDir:     b.config.RunDir,
		DeviceDir:  session.DeviceDir(b.config.RunDir, b.config.Device.ID),
		ConfigPath: b.opts.configPath,
		Logger:     b.logger,
	}

	var started []Plugin
	for _, p := range b.opts.plugins {
		if err := p.Initialize(runCtx, pluginCfg); err != nil {
			b.logger.Error("plugin initialization failed",
				log.String("plugin", p.Name()),
				log.Err(err))
			cancel()
			shutdownPlugins(b.logger, started)
			return err
		}
		started = append(started, p)
		b.logger.Info("plugin initialized", log.String("plugin", p.Name()))
	}

	if err := b.session.Start(runCtx); err != nil {
		cancel()
		shutdownPlugins(b.logger, started)
		return err
	}

	if b.retention != nil {
		b.retention.start(runCtx)
	}
	if b.demo {
		b.workers.Add(1)
		go func() {
			defer b.workers.Done()
			sim.Demo(runCtx, b.board, b.opts.demoInterval)
		}()
	}

	b.running = true
	b.cancel = cancel
	return nil
}

// Stop stops the session, then the extras. It returns the session result:
// nil after a requested stop, the failure cause after an error.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return ErrNotRunning
	}
	b.running = false

	err := b.session.Stop()
	b.cancel()
	b.workers.Wait()

	if b.retention != nil {
		b.retention.stop()
	}
	shutdownPlugins(b.logger, b.opts.plugins)
	return err
}

// Done is closed when the session has finished, on its own or after Stop.
func (b *Bridge) Done() <-chan struct{} {
	return b.session.Done()
}

// Err is the session result once Done is closed.
func (b *Bridge) Err() error {
	return b.session.Err()
}

// State returns the session state.
// Safe to call concurrently from any goroutine.
func (b *Bridge) State() lifecycle.State {
	return b.session.State()
}

// Status returns the status document as the session would publish it now.
func (b *Bridge) Status() status.Document {
	return b.session.Status()
}

// Send writes data to a down channel of the target.
func (b *Bridge) Send(ctx context.Context, channel int, data []byte) (int, error) {
	return b.session.Send(ctx, channel, data)
}

// Config returns the effective session configuration.
func (b *Bridge) Config() session.Config {
	return b.config
}

// Board is the simulated board behind the sim backend, or nil.
func (b *Bridge) Board() *sim.Board {
	return b.board
}

// shutdownPlugins shuts plugins down in reverse order.
func shutdownPlugins(logger log.Logger, plugins []Plugin) {
	ctx := context.Background()
	for i := len(plugins) - 1; i >= 0; i-- {
		p := plugins[i]
		if err := p.Shutdown(ctx); err != nil {
			logger.Error("plugin shutdown failed",
				log.String("plugin", p.Name()),
				log.Err(err))
		} else {
			logger.Info("plugin shutdown complete", log.String("plugin", p.Name()))
		}
	}
}
