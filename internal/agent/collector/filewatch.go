package collector

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/endpointmon/backend/internal/wire"
)

// FilewatchCollector diffs the watched trees against a persisted
// per-path last-modified snapshot and emits filewatch_new_path /
// filewatch_modified_path for additions and touches. It is the only
// stateful collector: the snapshot lives in its state file between
// cycles. When an Observer is attached its buffered live events are
// drained into the same cycle.
type FilewatchCollector struct {
	platform   wire.Platform
	watchPaths []string
	statePath  string
	maxEvents  int
	observer   *Observer
}

func NewFilewatchCollector(platform wire.Platform, watchPaths []string, statePath string, maxEvents int, observer *Observer) *FilewatchCollector {
	return &FilewatchCollector{
		platform:   platform,
		watchPaths: watchPaths,
		statePath:  statePath,
		maxEvents:  maxEvents,
		observer:   observer,
	}
}

func (c *FilewatchCollector) Name() string { return "filewatch" }

func (c *FilewatchCollector) Collect() ([]wire.Event, error) {
	previous := c.loadState()
	current := c.scan()

	var events []wire.Event
	for _, path := range sortedKeys(current) {
		if len(events) >= c.maxEvents {
			break
		}
		mtime := current[path]
		prev, seen := previous[path]
		switch {
		case !seen:
			events = append(events, c.event("filewatch_new_path", path, mtime))
		case mtime > prev:
			events = append(events, c.event("filewatch_modified_path", path, mtime))
		}
	}

	if c.observer != nil {
		for _, event := range c.observer.Drain() {
			if len(events) >= c.maxEvents {
				break
			}
			events = append(events, event)
		}
	}

	if err := c.saveState(current); err != nil {
		return events, err
	}
	return events, nil
}

func (c *FilewatchCollector) event(title, path string, mtime float64) wire.Event {
	return wire.NewEvent(time.Now(), wire.SourceFilewatch, wire.SeverityInfo, c.platform,
		title, map[string]any{"path": path, "mtime": mtime})
}

func (c *FilewatchCollector) loadState() map[string]float64 {
	payload, err := os.ReadFile(c.statePath)
	if err != nil {
		return map[string]float64{}
	}
	state := map[string]float64{}
	if err := json.Unmarshal(payload, &state); err != nil {
		return map[string]float64{}
	}
	return state
}

func (c *FilewatchCollector) saveState(state map[string]float64) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.statePath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(c.statePath, payload, 0o600)
}

// scan walks the watch roots, capped at 5x the event budget so a huge
// tree cannot stall the cycle.
func (c *FilewatchCollector) scan() map[string]float64 {
	limit := c.maxEvents * 5
	current := map[string]float64{}
	for _, root := range c.watchPaths {
		_ = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if len(current) >= limit {
				return fs.SkipAll
			}
			if entry.IsDir() {
				return nil
			}
			info, err := entry.Info()
			if err != nil {
				return nil
			}
			current[path] = float64(info.ModTime().UnixMilli()) / 1000.0
			return nil
		})
	}
	return current
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	// deterministic emission order keeps batches stable across runs
	sortStrings(keys)
	return keys
}

func sortStrings(keys []string) {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
}

// Observer is the optional fsnotify-backed background watcher. Its only
// communication with the cycle is a bounded in-memory buffer; overflow
// drops the oldest entries.
type Observer struct {
	platform wire.Platform
	watcher  *fsnotify.Watcher
	done     chan struct{}

	mu     sync.Mutex
	buffer []wire.Event
	cap    int
}

// NewObserver starts watching the given roots. bufferCap bounds the
// number of pending events held between cycle drains.
func NewObserver(platform wire.Platform, roots []string, bufferCap int) (*Observer, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, root := range roots {
		// missing roots are fine; the snapshot scan covers them later
		_ = watcher.Add(root)
	}
	o := &Observer{
		platform: platform,
		watcher:  watcher,
		done:     make(chan struct{}),
		cap:      bufferCap,
	}
	go o.loop()
	return o, nil
}

func (o *Observer) loop() {
	for {
		select {
		case <-o.done:
			return
		case event, ok := <-o.watcher.Events:
			if !ok {
				return
			}
			var title string
			switch {
			case event.Has(fsnotify.Create):
				title = "filewatch_new_path"
			case event.Has(fsnotify.Write):
				title = "filewatch_modified_path"
			default:
				continue
			}
			o.push(wire.NewEvent(time.Now(), wire.SourceFilewatch, wire.SeverityInfo, o.platform,
				title, map[string]any{
					"path": event.Name,
					"live": true,
				}))
		case _, ok := <-o.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (o *Observer) push(event wire.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.buffer) >= o.cap {
		o.buffer = o.buffer[1:]
	}
	o.buffer = append(o.buffer, event)
}

// Drain returns and clears the buffered events.
func (o *Observer) Drain() []wire.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.buffer
	o.buffer = nil
	return out
}

// Close stops the background watcher.
func (o *Observer) Close() error {
	close(o.done)
	return o.watcher.Close()
}
