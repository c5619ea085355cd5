package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub. Zero values select the
// defaults noted on each field.
type Config struct {
	// BufferSize is the event queue length (4096).
	BufferSize int
	// MaxBatchEvents flushes once this many events are pending (100).
	MaxBatchEvents int
	// MaxBatchWait flushes a partial batch this long after its first event (500ms).
	MaxBatchWait time.Duration
	// SinkTimeout bounds each sink call (10s).
	SinkTimeout time.Duration
	// BaseContext parents every sink call (context.Background()).
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 100
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub batches events and fans them out to sinks on one goroutine. Emit never
// blocks, so a slow sink cannot hold the execution slot.
//
// When the queue is full, action events are dropped and counted. Status
// changes are not: the newest one per node is parked and delivered after
// everything queued before it. A parked status change is discarded once a
// later one for the same node makes it into the queue, so sinks always
// converge on the current status.
type Hub struct {
	cfg    Config
	sinks  []Sink
	queue  chan Event
	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	mu           sync.Mutex
	seq          uint64
	parked       map[string]parkedEvent
	queuedStatus map[string]uint64
	closed       bool

	dropped     atomic.Int64
	lastDropLog atomic.Int64

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts a Hub delivering to sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		queue:  make(chan Event, cfg.BufferSize),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: cfg.Logger,
		parked:       make(map[string]parkedEvent),
		queuedStatus: make(map[string]uint64),
	}
	go h.loop()
	return h
}

// Emit queues evt for delivery. Invalid events and events emitted after Close
// are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event",
			zap.String("stage", string(evt.Stage)), zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.seq++
	select {
	case h.queue <- evt:
		if evt.Stage == StageStatusChange {
			h.queuedStatus[evt.Node] = h.seq
		}
		return
	default:
	}
	if evt.Stage == StageStatusChange {
		h.parked[evt.Node] = parkedEvent{evt: evt, seq: h.seq}
		select {
		case h.wake <- struct{}{}:
		default:
		}
		return
	}
	h.noteDrop()
}

func (h *Hub) noteDrop() {
	total := h.dropped.Add(1)
	now := time.Now().UnixNano()
	last := h.lastDropLog.Load()
	if now-last >= dropLogInterval.Nanoseconds() && h.lastDropLog.CompareAndSwap(last, now) {
		h.logger.Warn("progress events dropped, queue full", zap.Int64("dropped_total", total))
	}
}

// Dropped reports how many action events were discarded because the queue
// was full.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// Close stops intake, delivers everything still queued, closes the sinks and
// waits for the delivery goroutine, or for ctx.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.closeCtx = ctx
		h.mu.Unlock()
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)

	var (
		batch   = make([]Event, 0, h.cfg.MaxBatchEvents)
		timer   *time.Timer
		timeout <-chan time.Time
	)
	disarm := func() {
		if timer != nil {
			timer.Stop()
		}
		timeout = nil
	}
	deliver := func() {
		disarm()
		batch = h.withParked(batch)
		h.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case evt := <-h.queue:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				deliver()
			} else if timeout == nil {
				if timer == nil {
					timer = time.NewTimer(h.cfg.MaxBatchWait)
				} else {
					timer.Reset(h.cfg.MaxBatchWait)
				}
				timeout = timer.C
			}
		case <-h.wake:
			deliver()
		case <-timeout:
			timeout = nil
			deliver()
		case <-h.stop:
			batch = h.drain(batch)
			deliver()
			h.closeSinks()
			return
		}
	}
}

type parkedEvent struct {
	evt Event
	seq uint64
}

// drain moves everything currently queued into batch.
func (h *Hub) drain(batch []Event) []Event {
	for {
		select {
		case evt := <-h.queue:
			batch = append(batch, evt)
		default:
			return batch
		}
	}
}

// withParked appends parked status changes after every event queued before
// them, skipping any superseded by a later queued status change for the same
// node. Holding mu keeps Emit from queueing while the queue is drained.
func (h *Hub) withParked(batch []Event) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.parked) == 0 {
		return batch
	}
	batch = h.drain(batch)
	for key, p := range h.parked {
		delete(h.parked, key)
		if h.queuedStatus[key] > p.seq {
			continue
		}
		batch = append(batch, p.evt)
	}
	return batch
}

func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	snapshot := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		err := sink.Consume(ctx, snapshot)
		cancel()
		if err != nil {
			h.logger.Warn("progress sink consume failed",
				zap.String("sink", fmt.Sprintf("%T", sink)),
				zap.Int("batch", len(snapshot)),
				zap.Error(err))
		}
	}
}

func (h *Hub) closeSinks() {
	h.mu.Lock()
	ctx := h.closeCtx
	h.mu.Unlock()
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
