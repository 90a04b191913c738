package bridge

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bft-labs/rttbridge/pkg/capture"
	"github.com/bft-labs/rttbridge/pkg/log"
	"github.com/bft-labs/rttbridge/pkg/session"
)

// RetentionConfig holds configuration options for pruning the device
// directory. When enabled, the bridge periodically checks the directory
// size and removes archived captures and rotated logs, oldest first, when
// it exceeds the high watermark. Live files are never touched.
type RetentionConfig struct {
	// Enabled controls whether retention is active. Default: false
	Enabled bool

	// CheckInterval is how often to check the directory size.
	// Default: 1 hour
	CheckInterval time.Duration

	// HighWatermark is the size in bytes above which pruning begins.
	// Default: 1 GiB
	HighWatermark int64

	// LowWatermark is the target size in bytes after pruning.
	// Default: 768 MiB
	LowWatermark int64
}

// DefaultRetentionConfig returns a RetentionConfig with sensible defaults.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		Enabled:       true,
		CheckInterval: time.Hour,
		HighWatermark: 1 << 30,
		LowWatermark:  3 << 28,
	}
}

// WithRetentionConfig enables pruning with the specified configuration.
func WithRetentionConfig(cfg RetentionConfig) Option {
	if !cfg.Enabled {
		return func(o *options) {} // No-op if not enabled
	}

	// Apply defaults for zero values
	def := DefaultRetentionConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.HighWatermark <= 0 {
		cfg.HighWatermark = def.HighWatermark
	}
	if cfg.LowWatermark <= 0 || cfg.LowWatermark > cfg.HighWatermark {
		cfg.LowWatermark = cfg.HighWatermark / 4 * 3
	}

	return func(o *options) {
		o.retentionConfig = &cfg
	}
}

// retentionRunner manages the pruning goroutine.
type retentionRunner struct {
	checkInterval time.Duration
	highWatermark int64
	lowWatermark  int64

	dir         string
	capturePath string
	logPath     string
	logger      log.Logger
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func newRetentionRunner(cfg RetentionConfig, sc session.Config, logger log.Logger) *retentionRunner {
	r := &retentionRunner{
		checkInterval: cfg.CheckInterval,
		highWatermark: cfg.HighWatermark,
		lowWatermark:  cfg.LowWatermark,
		dir:           session.DeviceDir(sc.RunDir, sc.Device.ID),
		logger:        logger.With(log.String("component", "retention")),
	}
	if len(sc.CaptureChannels) > 0 {
		r.capturePath = sc.CapturePath
	}
	if sc.Stream {
		r.logPath = sc.StreamConfig.LogPath
	}
	return r
}

func (r *retentionRunner) start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go r.loop(runCtx)
}

func (r *retentionRunner) stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *retentionRunner) loop(ctx context.Context) {
	defer r.wg.Done()

	// Run immediately on startup
	r.pruneOnce(ctx)

	ticker := time.NewTicker(r.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pruneOnce(ctx)
		}
	}
}

// pruneOnce returns the bytes freed.
func (r *retentionRunner) pruneOnce(ctx context.Context) int64 {
	curSize, err := dirSize(r.dir)
	if err != nil {
		r.logger.Error("retention: size check failed", log.Err(err))
		return 0
	}
	if curSize <= r.highWatermark {
		return 0
	}

	victims, err := r.candidates()
	if err != nil {
		r.logger.Error("retention: list candidates failed", log.Err(err))
		return 0
	}

	var removed int64
	for _, v := range victims {
		if ctx.Err() != nil || curSize <= r.lowWatermark {
			break
		}
		if err := os.Remove(v.path); err != nil {
			r.logger.Error("retention: remove failed", log.String("path", v.path), log.Err(err))
			continue
		}
		curSize -= v.size
		removed += v.size
	}

	if removed > 0 {
		r.logger.Info("retention completed",
			log.Int64("bytes_freed", removed),
			log.Int64("dir_bytes", curSize),
		)
	}
	return removed
}

type prunable struct {
	path string
	size int64
	mod  time.Time
}

// candidates lists archived captures and rotated logs, oldest first.
func (r *retentionRunner) candidates() ([]prunable, error) {
	var paths []string
	if r.capturePath != "" {
		archives, err := capture.Archives(r.capturePath)
		if err != nil {
			return nil, err
		}
		paths = append(paths, archives...)
	}
	if r.logPath != "" {
		rotated, err := filepath.Glob(r.logPath + ".[0-9]*")
		if err != nil {
			return nil, err
		}
		paths = append(paths, rotated...)
	}

	out := make([]prunable, 0, len(paths))
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			continue
		}
		out = append(out, prunable{path: p, size: fi.Size(), mod: fi.ModTime()})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].mod.Before(out[j].mod) })
	return out, nil
}

func dirSize(dir string) (int64, error) {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
