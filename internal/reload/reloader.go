// Package reload owns the active rule configuration: it serves a
// consistent snapshot to evaluation cycles, watches the backing file, and
// swaps in replacements only after both validation stages pass.
package reload

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/quantlab/regimeflow/internal/config"
	"github.com/quantlab/regimeflow/internal/expr"
)

// DefaultDebounce is the minimum interval between file-event driven
// reloads. Editors and atomic-save tooling produce bursts of events per
// logical write; anything inside the window rides on the reload that opened
// it.
const DefaultDebounce = time.Second

// Event is the reload-result notification sent to subscribers, successful
// or not.
type Event struct {
	Success       bool          `json:"success"`
	OldCounts     config.Counts `json:"old_counts"`
	NewCounts     config.Counts `json:"new_counts"`
	SchemaVersion string        `json:"schema_version"`
	Error         string        `json:"error,omitempty"`
	At            time.Time     `json:"at"`
}

// Subscriber receives reload events. A subscriber that panics is logged
// and skipped; it can never abort a reload or starve other subscribers.
type Subscriber func(Event)

// Options tunes the reloader. Zero values select the defaults.
type Options struct {
	Debounce time.Duration
}

// Reloader implements the Loaded -> Validating -> Loaded state machine
// with copy-on-success semantics: the previous configuration stays in force
// until a candidate fully validates, and readers never observe a partial
// swap. Validation runs outside any lock; the write lock covers only the
// pointer swap.
type Reloader struct {
	path     string
	engine   *expr.Engine
	debounce time.Duration
	log      zerolog.Logger

	mu         sync.RWMutex
	current    *config.Configuration
	lastReload time.Time

	subMu sync.Mutex
	subs  []Subscriber

	// fileEvents is the bounded hand-off between the OS watcher thread
	// and the single reload-processing goroutine. Capacity 1: a pending
	// event already covers every newer write, so extras are dropped and
	// an in-flight validation is effectively superseded by whichever
	// event lands after it.
	fileEvents chan struct{}
}

func New(path string, engine *expr.Engine, opts Options, log zerolog.Logger) (*Reloader, error) {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	r := &Reloader{
		path:       path,
		engine:     engine,
		debounce:   debounce,
		log:        log.With().Str("component", "reload").Logger(),
		fileEvents: make(chan struct{}, 1),
	}

	cfg, err := config.Load(path, engine)
	if err != nil {
		return nil, fmt.Errorf("initial configuration load: %w", err)
	}
	r.current = cfg
	r.lastReload = time.Now()
	r.log.Info().Str("path", path).Str("schema_version", cfg.SchemaVersion).
		Int("regimes", cfg.Counts().Regimes).Int("strategies", cfg.Counts().Strategies).
		Msg("configuration loaded")
	return r, nil
}

// Current returns the active configuration. The returned value is
// immutable-after-construction and safe to use for a whole evaluation
// cycle; callers take it once per cycle so regime detection, routing and
// resolution never straddle a swap.
func (r *Reloader) Current() *config.Configuration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Subscribe registers a reload-event listener. Events are delivered
// synchronously from the reloading goroutine, in registration order.
func (r *Reloader) Subscribe(fn Subscriber) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subs = append(r.subs, fn)
}

// Reload re-reads the backing file and swaps the configuration if both
// validation stages pass. Manual calls bypass the debounce. A failure
// leaves the previous configuration fully intact and is reported both in
// the returned error and on the notification channel.
func (r *Reloader) Reload() error {
	old := r.Current()

	// Validation happens outside any lock so readers are never blocked
	// behind a slow parse.
	candidate, err := config.Load(r.path, r.engine)

	// lastReload is stamped only on success: the debounce window is
	// measured from the last successful reload, so a corrected file
	// written right after a failed attempt reloads immediately.
	now := time.Now()
	r.mu.Lock()
	if err == nil {
		r.current = candidate
		r.lastReload = now
	}
	r.mu.Unlock()

	if err != nil {
		r.log.Error().Err(err).Str("path", r.path).Msg("reload failed, keeping previous configuration")
		r.notify(Event{
			Success:       false,
			OldCounts:     old.Counts(),
			NewCounts:     old.Counts(),
			SchemaVersion: old.SchemaVersion,
			Error:         err.Error(),
			At:            now,
		})
		return err
	}

	r.log.Info().Str("schema_version", candidate.SchemaVersion).
		Int("regimes", candidate.Counts().Regimes).
		Int("strategies", candidate.Counts().Strategies).
		Msg("configuration reloaded")
	r.notify(Event{
		Success:       true,
		OldCounts:     old.Counts(),
		NewCounts:     candidate.Counts(),
		SchemaVersion: candidate.SchemaVersion,
		At:            now,
	})
	return nil
}

// notify delivers an event to every subscriber, isolating panics.
func (r *Reloader) notify(ev Event) {
	r.subMu.Lock()
	subs := make([]Subscriber, len(r.subs))
	copy(subs, r.subs)
	r.subMu.Unlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.log.Error().Interface("panic", p).Msg("reload subscriber panicked, continuing")
				}
			}()
			fn(ev)
		}()
	}
}

// handleFileEvent is the debounced consumer-side entry point: skip if the
// last reload is closer than the window, otherwise reload. The
// timestamp-of-last-reload check (rather than a resettable timer) keeps
// behavior deterministic under rapid writes.
func (r *Reloader) handleFileEvent() {
	r.mu.RLock()
	since := time.Since(r.lastReload)
	r.mu.RUnlock()
	if since < r.debounce {
		r.log.Debug().Dur("since_last", since).Msg("file event inside debounce window, skipped")
		return
	}
	// Errors are already logged and published; the watch loop keeps going.
	_ = r.Reload()
}

// enqueueFileEvent forwards a watcher event to the processing goroutine
// without ever blocking the OS event thread.
func (r *Reloader) enqueueFileEvent() {
	select {
	case r.fileEvents <- struct{}{}:
	default:
		// An event is already pending; it covers this write too.
	}
}

// Watch runs the file watcher until ctx is canceled. The watch is placed
// on the parent directory because editors replace files via rename, which
// drops a watch registered on the file itself.
func (r *Reloader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	r.log.Info().Str("dir", dir).Str("file", r.path).Msg("watching configuration file")

	target := filepath.Clean(r.path)
	go r.processLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			r.enqueueFileEvent()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn().Err(err).Msg("file watcher error")
		}
	}
}

func (r *Reloader) processLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.fileEvents:
			r.handleFileEvent()
		}
	}
}
