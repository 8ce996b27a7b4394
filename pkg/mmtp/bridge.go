package mmtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"m7s.live/atsc3/pkg"
	"m7s.live/atsc3/pkg/task"
)

// Signal is a counting semaphore that a single consumer drains in one step.
type Signal struct {
	mu     sync.Mutex
	count  int
	closed bool
	notify chan struct{}
}

func NewSignal() *Signal {
	return &Signal{notify: make(chan struct{}, 1)}
}

// Post increments the count. It reports false once the signal is closed.
func (s *Signal) Post() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.count++
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// Wait blocks until at least one post is pending and returns how many were.
func (s *Signal) Wait(ctx context.Context) (int, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, pkg.ErrClosed
		}
		if n := s.count; n > 0 {
			s.count = 0
			s.mu.Unlock()
			return n, nil
		}
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return 0, context.Cause(ctx)
		case <-s.notify:
		}
	}
}

func (s *Signal) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Bridge is the FIFO between the reassembler and the container consumer.
// Only complete MPUs enter the queue, so a drain never sees a partial one.
type Bridge struct {
	Limit int
	*Signal
	mu      sync.Mutex
	queue   net.Buffers
	size    int
	init    bool
	closed  bool
	written atomic.Uint64
	dropped atomic.Uint64
}

func NewBridge(limit int) *Bridge {
	return &Bridge{Limit: limit, Signal: NewSignal()}
}

func (b *Bridge) WriteMPU(m *MPU) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return pkg.ErrClosed
	}
	if m.Init {
		b.init = true
	}
	if b.Limit > 0 && b.size+len(m.Data) > b.Limit {
		b.mu.Unlock()
		b.dropped.Add(1)
		return fmt.Errorf("mpu %d (%d bytes, %d queued): %w", m.Sequence, len(m.Data), b.size, pkg.ErrQueueFull)
	}
	b.queue = append(b.queue, m.Data)
	b.size += len(m.Data)
	b.mu.Unlock()
	b.written.Add(1)
	b.Post()
	return nil
}

// Drain takes everything queued so far. init reports a pending first flush.
func (b *Bridge) Drain() (bufs net.Buffers, init bool) {
	b.mu.Lock()
	bufs, init = b.queue, b.init
	b.queue, b.size, b.init = nil, 0, false
	b.mu.Unlock()
	return
}

func (b *Bridge) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Written counts the MPUs accepted into the queue.
func (b *Bridge) Written() uint64 {
	return b.written.Load()
}

func (b *Bridge) Dropped() uint64 {
	return b.dropped.Load()
}

// Close discards queued bytes and rejects later writes and posts.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	b.queue, b.size = nil, 0
	b.mu.Unlock()
	b.Signal.Close()
}

// Container is the engine fed by the consumer.
type Container interface {
	Append([]byte) error
	// Init parses the initialization segment. It may be retried.
	Init() error
	// Demux emits one batch; pkg.ErrNeedData means the window is exhausted.
	Demux() error
}

// Consumer is the single reader of a Bridge.
type Consumer struct {
	task.Task
	Bridge    *Bridge
	Container Container
	ready     atomic.Bool
	initWant  bool
	wakeups   atomic.Uint64
	handled   atomic.Uint64
}

func (c *Consumer) Ready() bool {
	return c.ready.Load()
}

func (c *Consumer) Wakeups() uint64 {
	return c.wakeups.Load()
}

// Handled counts the MPUs that went through the container. Once it reaches
// Bridge.Written every accepted MPU has been demuxed.
func (c *Consumer) Handled() uint64 {
	return c.handled.Load()
}

func (c *Consumer) Run() error {
	for {
		n, err := c.Bridge.Wait(c.Context)
		if err != nil {
			return err
		}
		c.wakeups.Add(1)
		bufs, init := c.Bridge.Drain()
		c.Trace("consumer wake", "posts", n, "buffers", len(bufs))
		for _, buf := range bufs {
			if err = c.Container.Append(buf); err != nil {
				return err
			}
		}
		if init {
			c.initWant = true
		}
		err = c.step()
		c.handled.Add(uint64(len(bufs)))
		if err != nil {
			return err
		}
	}
}

func (c *Consumer) step() error {
	if !c.ready.Load() {
		if !c.initWant {
			return nil
		}
		if err := c.Container.Init(); err != nil {
			c.Warn("container init", "error", err)
			return nil
		}
		c.Info("container ready")
		c.ready.Store(true)
	}
	for {
		err := c.Container.Demux()
		switch {
		case err == nil:
		case errors.Is(err, pkg.ErrNeedData):
			return nil
		default:
			return err
		}
	}
}

func (c *Consumer) Dispose() {
	c.Bridge.Close()
}
