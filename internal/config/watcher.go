package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const defaultWatchInterval = 5 * time.Second

// Change is delivered to the [Watcher] callback when the file on disk parses
// to a config that differs from the one currently applied.
type Change struct {
	Old, New *Config
	Diff     ConfigDiff
}

// fileState identifies one revision of the config file.
type fileState struct {
	modTime time.Time
	size    int64
	sum     [sha256.Size]byte
}

// Watcher keeps the running config in step with a YAML file. It polls the
// file and also re-reads it on demand via [Watcher.Reload]. Edits that fail
// to parse or validate are logged and skipped, leaving the last good config
// in place. Edits that parse but change no setting (comments, reordering,
// a bare touch) are adopted without calling back.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(Change)

	// reloadMu serialises reloads from the poll loop and from Reload.
	reloadMu sync.Mutex

	mu      sync.Mutex
	current *Config
	state   fileState

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values keep the
// default of five seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it. onChange may be nil, in which
// case the watcher only tracks [Watcher.Current].
func NewWatcher(path string, onChange func(Change), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultWatchInterval,
		onChange: onChange,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := readRevision(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.state = cfg, st

	go w.loop()
	return w, nil
}

// Current returns the config most recently accepted from the file.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload re-reads the file immediately, regardless of its modification
// time. It returns the parse or validation error of a rejected edit.
func (w *Watcher) Reload() error {
	return w.refresh(true)
}

// Stop ends polling and waits for an in-progress reload to finish. It is
// safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	<-w.stopped
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if err := w.refresh(false); err != nil {
				slog.Warn("config: edit rejected, keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// refresh loads a new revision of the file if there is one. Unless forced,
// a file whose modification time and size are unchanged is not read.
func (w *Watcher) refresh(force bool) error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	w.mu.Lock()
	prev, prevState := w.current, w.state
	w.mu.Unlock()

	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			return err
		}
		if info.ModTime().Equal(prevState.modTime) && info.Size() == prevState.size {
			return nil
		}
	}

	next, st, err := readRevision(w.path)
	if err != nil {
		if info, serr := os.Stat(w.path); serr == nil {
			// Remember the rejected revision so polling waits for the next edit.
			w.mu.Lock()
			w.state.modTime, w.state.size = info.ModTime(), info.Size()
			w.mu.Unlock()
		}
		return err
	}
	if st.sum == prevState.sum {
		w.mu.Lock()
		w.state = st
		w.mu.Unlock()
		return nil
	}

	d := Diff(prev, next)
	w.mu.Lock()
	w.current, w.state = next, st
	w.mu.Unlock()

	if !d.Changed() {
		slog.Debug("config: file rewritten without setting changes", "path", w.path)
		return nil
	}
	slog.Info("config: reloaded",
		"path", w.path,
		"log_level", next.Server.LogLevel,
		"restart_required", len(d.RestartRequired),
	)
	if w.onChange != nil {
		w.onChange(Change{Old: prev, New: next, Diff: d})
	}
	return nil
}

// readRevision parses and validates the file at path and fingerprints the
// bytes it read.
func readRevision(path string) (*Config, fileState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fileState{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{
		modTime: info.ModTime(),
		size:    int64(len(data)),
		sum:     sha256.Sum256(data),
	}, nil
}
