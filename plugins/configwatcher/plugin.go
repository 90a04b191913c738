// Package configwatcher provides config file monitoring for rttbridge.
// When enabled, it watches the TOML file a run was configured from and
// calls back when its content changes, so the caller can restart the
// session with the new settings.
package configwatcher

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bft-labs/rttbridge/pkg/bridge"
	"github.com/bft-labs/rttbridge/pkg/log"
)

// Plugin implements config watching functionality.
type Plugin struct {
	mu sync.Mutex

	// Configuration
	debounceDelay time.Duration
	onChange      func(path string)

	// Runtime state
	path     string
	content  []byte
	logger   log.Logger
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	debounce *time.Timer
}

// Config holds configuration options for the config watcher plugin.
type Config struct {
	// DebounceDelay is the delay to wait after a file change before
	// calling OnChange. Default: 100 milliseconds
	DebounceDelay time.Duration

	// OnChange is called with the config path after its content changed.
	// It runs on a timer goroutine and may stop the bridge.
	OnChange func(path string)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DebounceDelay: 100 * time.Millisecond,
	}
}

// New creates a new config watcher plugin with the given configuration.
func New(cfg Config) *Plugin {
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = 100 * time.Millisecond
	}
	return &Plugin{
		debounceDelay: cfg.DebounceDelay,
		onChange:      cfg.OnChange,
		logger:        log.NewNoopLogger(),
	}
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string {
	return "configwatcher"
}

// Initialize records the current config content and starts the watcher.
func (p *Plugin) Initialize(ctx context.Context, cfg bridge.PluginConfig) error {
	p.mu.Lock()
	p.path = cfg.ConfigPath
	if cfg.Logger != nil {
		p.logger = cfg.Logger.With(log.String("plugin", p.Name()))
	}
	p.mu.Unlock()

	if p.path == "" || p.onChange == nil {
		p.logger.Warn("config watcher disabled: no config file or callback")
		return nil
	}

	content, err := os.ReadFile(p.path)
	if err != nil {
		return err
	}
	p.content = content

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Editors replace files by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.watchLoop(watchCtx, watcher)

	p.logger.Info("watching config file", log.String("path", p.path))
	return nil
}

// Shutdown stops the config watcher.
func (p *Plugin) Shutdown(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.debounce != nil {
		p.debounce.Stop()
	}
	return nil
}

// watchLoop watches for config file changes.
func (p *Plugin) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer p.wg.Done()
	defer watcher.Close()

	name := filepath.Base(p.path)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			p.debounceCheck(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("config watcher error", log.Err(err))
		}
	}
}

func (p *Plugin) debounceCheck(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.debounce != nil {
		p.debounce.Stop()
	}
	p.debounce = time.AfterFunc(p.debounceDelay, func() {
		if ctx.Err() == nil {
			p.check()
		}
	})
}

// check calls onChange when the file content differs from the last seen
// content. A missing file (mid-rename) is ignored.
func (p *Plugin) check() {
	content, err := os.ReadFile(p.path)
	if err != nil {
		return
	}

	p.mu.Lock()
	changed := !bytes.Equal(content, p.content)
	if changed {
		p.content = content
	}
	p.mu.Unlock()

	if changed {
		p.logger.Info("config file changed", log.String("path", p.path))
		p.onChange(p.path)
	}
}

// Ensure Plugin implements bridge.Plugin.
var _ bridge.Plugin = (*Plugin)(nil)
