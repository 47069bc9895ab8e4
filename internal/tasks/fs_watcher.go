package tasks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"flipbooks/internal/fsutil"
)

// FITSEvent reports one conversion attempt by the watcher.
type FITSEvent struct {
	Input  string            `json:"input"`
	Result FITSConvertResult `json:"result"`
	Err    error             `json:"-"`
	Time   time.Time         `json:"time"`
}

// FITSWatcherOptions configures a FITSWatcher.
type FITSWatcherOptions struct {
	Extension   int
	DeleteInput bool
	// Settle is how long a file must stay quiet before it is converted.
	Settle time.Duration
}

// FITSWatcher converts FITS files dropped into a directory to PNG.
type FITSWatcher struct {
	watcher *fsnotify.Watcher
	dirs    []string
	opts    FITSWatcherOptions
	log     *slog.Logger
	Events  chan FITSEvent

	mu      sync.Mutex
	pending map[string]pendingConversion
	gen     uint64
	wg      sync.WaitGroup
	done    chan struct{}
	stop    sync.Once
}

// pendingConversion is a settle timer; gen tells a superseded timer apart
// from the one that replaced it.
type pendingConversion struct {
	timer *time.Timer
	gen   uint64
}

// NewFITSWatcher creates a watcher over dirs.
func NewFITSWatcher(dirs []string, opts FITSWatcherOptions, logger *slog.Logger) (*FITSWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if opts.Settle <= 0 {
		opts.Settle = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FITSWatcher{
		watcher: w,
		dirs:    dirs,
		opts:    opts,
		log:     logger,
		Events:  make(chan FITSEvent, 100),
		pending: make(map[string]pendingConversion),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching. Events stop when ctx ends or Stop is called.
func (fw *FITSWatcher) Start(ctx context.Context) error {
	for _, dir := range fw.dirs {
		if err := fw.watcher.Add(dir); err != nil {
			return err
		}
		fw.log.Info("watching directory", "dir", dir)
	}
	fw.wg.Add(1)
	go fw.processEvents(ctx)
	return nil
}

// Stop ends watching and closes Events once in-flight conversions finish.
func (fw *FITSWatcher) Stop() error {
	var err error
	fw.stop.Do(func() {
		close(fw.done)
		err = fw.watcher.Close()
		fw.mu.Lock()
		for path, p := range fw.pending {
			if p.timer.Stop() {
				fw.wg.Done()
			}
			delete(fw.pending, path)
		}
		fw.mu.Unlock()
		fw.wg.Wait()
		close(fw.Events)
	})
	return err
}

func (fw *FITSWatcher) processEvents(ctx context.Context) {
	defer fw.wg.Done()
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !fsutil.IsFITSFile(event.Name) {
				continue
			}
			fw.schedule(ctx, event.Name)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.log.Warn("filesystem watcher error", "error", err)

		case <-ctx.Done():
			return
		case <-fw.done:
			return
		}
	}
}

// schedule (re)starts the settle timer for path so a file still being
// written is converted once.
func (fw *FITSWatcher) schedule(ctx context.Context, path string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	select {
	case <-fw.done:
		return
	default:
	}
	if p, ok := fw.pending[path]; ok {
		if p.timer.Stop() {
			fw.wg.Done()
		}
	}
	fw.gen++
	gen := fw.gen
	fw.wg.Add(1)
	fw.pending[path] = pendingConversion{
		timer: time.AfterFunc(fw.opts.Settle, func() { fw.fire(ctx, path, gen) }),
		gen:   gen,
	}
}

// fire runs when a settle timer expires. A timer that was replaced while it
// waited for the lock leaves the newer entry to do the conversion.
func (fw *FITSWatcher) fire(ctx context.Context, path string, gen uint64) {
	defer fw.wg.Done()
	fw.mu.Lock()
	p, ok := fw.pending[path]
	current := ok && p.gen == gen
	if current {
		delete(fw.pending, path)
	}
	fw.mu.Unlock()
	if current {
		fw.convert(ctx, path)
	}
}

func (fw *FITSWatcher) convert(ctx context.Context, path string) {
	res, err := ConvertFITS(ctx, FITSConvertRequest{Input: path, Extension: fw.opts.Extension, DeleteInput: fw.opts.DeleteInput})
	if err != nil {
		fw.log.Warn("FITS conversion failed", "file", path, "error", err)
	} else {
		fw.log.Info("converted FITS file", "file", path, "output", res.OutputFile)
	}
	select {
	case fw.Events <- FITSEvent{Input: path, Result: res, Err: err, Time: time.Now()}:
	case <-fw.done:
	default:
		fw.log.Warn("event buffer full, dropping event", "file", path)
	}
}
