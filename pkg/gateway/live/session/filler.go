package session

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/vai-phone/pkg/assets"
	"github.com/vango-go/vai-phone/pkg/audio"
	"github.com/vango-go/vai-phone/pkg/gateway/metrics"
)

// ClipSource resolves a named filler clip.
type ClipSource interface {
	Load(ctx context.Context, name string) ([]byte, error)
}

// fillerSend enqueues one filler chunk for the caller without blocking. It
// reports false when the chunk was dropped.
type fillerSend func(streamSID string, chunk []byte, taskID uint64) bool

type fillerConfig struct {
	Clips      []string
	ChunkBytes int
	Interval   time.Duration
	Loop       bool
	Grace      time.Duration
}

// FillerController plays at most one filler clip at a time for a session.
type FillerController struct {
	cfg     fillerConfig
	source  ClipSource
	turn    *Turn
	send    fillerSend
	logger  *slog.Logger
	metrics *metrics.Relay

	mu      sync.Mutex
	clips   [][]byte
	next    int
	seq     uint64
	active  *fillerTask
	grace   *time.Timer
	closed  bool
	started int

	// canceledThrough is the highest task id whose queued chunks must be dropped.
	canceledThrough atomic.Uint64
	wg              sync.WaitGroup
}

type fillerTask struct {
	id     uint64
	cancel context.CancelFunc
	done   chan struct{}

	// mu is held while a chunk is enqueued so stop can wait out an in-flight send.
	mu      sync.Mutex
	stopped bool
}

func newFillerController(cfg fillerConfig, source ClipSource, turn *Turn, send fillerSend, logger *slog.Logger, m *metrics.Relay) *FillerController {
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = 160
	}
	if cfg.Interval <= 0 {
		cfg.Interval = audio.Duration(cfg.ChunkBytes, audio.TelephonySampleRate)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FillerController{
		cfg:     cfg,
		source:  source,
		turn:    turn,
		send:    send,
		logger:  logger,
		metrics: m,
	}
}

// Preload resolves every configured clip. Missing clips are logged once and
// skipped; with no clips left Start becomes a no-op.
func (c *FillerController) Preload(ctx context.Context) {
	if c.source == nil {
		return
	}
	var loaded [][]byte
	for _, name := range c.cfg.Clips {
		data, err := c.source.Load(ctx, name)
		if err != nil {
			if errors.Is(err, assets.ErrNotFound) {
				c.logger.Warn("filler clip missing", "clip", name)
			} else {
				c.logger.Warn("filler clip load failed", "clip", name, "error", err)
			}
			continue
		}
		loaded = append(loaded, padClip(data, c.cfg.ChunkBytes))
	}
	c.mu.Lock()
	c.clips = loaded
	c.mu.Unlock()
}

// padClip extends clip with silence to a whole number of chunks.
func padClip(clip []byte, chunk int) []byte {
	rem := len(clip) % chunk
	if rem == 0 {
		return clip
	}
	out := make([]byte, len(clip), len(clip)+chunk-rem)
	copy(out, clip)
	return append(out, audio.SilenceFrame(chunk-rem)...)
}

// clipChunks yields clip in fixed-size chunks, restarting from the beginning
// when loop is set.
func clipChunks(clip []byte, size int, loop bool) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		if len(clip) == 0 || size <= 0 {
			return
		}
		for {
			for off := 0; off < len(clip); off += size {
				if !yield(clip[off:min(off+size, len(clip))]) {
					return
				}
			}
			if !loop {
				return
			}
		}
	}
}

// Start begins streaming the next clip to streamSID. It is a no-op while a
// task is active, when no clip is available, or after Close. It reports
// whether a task was started.
func (c *FillerController) Start(ctx context.Context, streamSID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.active != nil || len(c.clips) == 0 {
		return false
	}
	c.stopGraceLocked()

	clip := c.clips[c.next%len(c.clips)]
	c.next++
	c.seq++
	taskCtx, cancel := context.WithCancel(ctx)
	task := &fillerTask{id: c.seq, cancel: cancel, done: make(chan struct{})}
	c.active = task
	c.started++
	c.turn.fillerActive.Store(true)
	c.metrics.FillerStarted()

	c.wg.Add(1)
	go c.run(taskCtx, task, clip, streamSID)
	return true
}

func (c *FillerController) run(ctx context.Context, task *fillerTask, clip []byte, streamSID string) {
	defer c.wg.Done()
	defer close(task.done)
	defer c.finish(task)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for chunk := range clipChunks(clip, c.cfg.ChunkBytes, c.cfg.Loop) {
		if !task.emit(func() { c.send(streamSID, chunk, task.id) }) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *fillerTask) emit(send func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	send()
	return true
}

func (t *fillerTask) stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.cancel()
}

func (c *FillerController) finish(task *fillerTask) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == task {
		c.active = nil
		c.turn.fillerActive.Store(false)
	}
}

// Cancel stops the active task. Once it returns no further chunk of that task
// is enqueued, and chunks already queued are dropped at write time. It does not
// wait for the task goroutine to exit.
func (c *FillerController) Cancel() {
	c.mu.Lock()
	c.stopGraceLocked()
	task := c.active
	c.mu.Unlock()
	c.cancelTask(task)
}

func (c *FillerController) cancelTask(task *fillerTask) {
	if task == nil {
		return
	}
	task.stop()
	for {
		cur := c.canceledThrough.Load()
		if task.id <= cur || c.canceledThrough.CompareAndSwap(cur, task.id) {
			break
		}
	}
	c.mu.Lock()
	if c.active == task {
		c.active = nil
		c.turn.fillerActive.Store(false)
		c.metrics.FillerCanceled()
	}
	c.mu.Unlock()
}

// CancelAfter cancels the task active now once the grace delay elapses.
func (c *FillerController) CancelAfter(grace time.Duration) {
	if grace <= 0 {
		c.Cancel()
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	task := c.active
	if task == nil || c.closed {
		return
	}
	c.stopGraceLocked()
	c.grace = time.AfterFunc(grace, func() { c.cancelTask(task) })
}

func (c *FillerController) stopGraceLocked() {
	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
	}
}

// IsCanceled reports whether queued chunks of taskID must be dropped.
func (c *FillerController) IsCanceled(taskID uint64) bool {
	return taskID != 0 && taskID <= c.canceledThrough.Load()
}

// Started returns the number of tasks started so far.
func (c *FillerController) Started() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Close cancels any task, stops the grace timer and waits for task goroutines.
func (c *FillerController) Close() {
	c.mu.Lock()
	c.closed = true
	c.stopGraceLocked()
	task := c.active
	c.mu.Unlock()
	c.cancelTask(task)
	c.wg.Wait()
}
