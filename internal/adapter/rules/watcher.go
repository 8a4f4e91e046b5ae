package rules

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"arbiter-ai/internal/domain"
	"arbiter-ai/internal/usecase/fallback"
)

// DefaultDebounce coalesces the burst of events editors emit on save.
const DefaultDebounce = 100 * time.Millisecond

// Sink receives reloaded tables. *fallback.Orchestrator satisfies it.
type Sink interface {
	SetRules(rs *fallback.RuleSet) error
}

// Watcher reloads a rule file into a Sink whenever it changes on disk.
// Invalid files are logged and the active table is kept.
type Watcher struct {
	path     string
	sink     Sink
	bus      domain.EventBus
	logger   *slog.Logger
	debounce time.Duration

	fsw      *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithEventBus publishes EventRulesReloaded after each successful reload.
func WithEventBus(bus domain.EventBus) WatcherOption {
	return func(w *Watcher) { w.bus = bus }
}

// NewWatcher watches the directory holding path, so atomic
// rename-on-save is observed as well as in-place writes.
func NewWatcher(path string, sink Sink, logger *slog.Logger, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve rules path: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	w := &Watcher{
		path:     abs,
		sink:     sink,
		logger:   logger,
		debounce: DefaultDebounce,
		fsw:      fsw,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// Start runs the event loop until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.loop(ctx)
}

// Stop ends the loop and releases the OS watch.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.fsw.Close()
	})
	w.wg.Wait()
}

// Reload reads the file once and hands it to the sink.
func (w *Watcher) Reload(ctx context.Context) error {
	rs, err := LoadFile(w.path)
	if err != nil {
		return err
	}
	if err := w.sink.SetRules(rs); err != nil {
		return err
	}
	w.logger.Info("heuristic rules reloaded", "path", w.path, "rules", len(rs.Rules))
	if w.bus != nil {
		w.bus.Publish(ctx, domain.NewEvent(domain.EventRulesReloaded, "", map[string]any{
			"path":  w.path,
			"rules": len(rs.Rules),
		}))
	}
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("rules watcher error", "error", err)
		case <-fire:
			fire = nil
			if err := w.Reload(ctx); err != nil {
				w.logger.Warn("rules reload rejected, keeping active table", "path", w.path, "error", err)
			}
		}
	}
}
