package mmtp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"m7s.live/atsc3/pkg"
	"m7s.live/atsc3/pkg/task"
)

func TestSignal(t *testing.T) {
	s := NewSignal()
	s.Post()
	s.Post()
	n, err := s.Wait(context.Background())
	if err != nil || n != 2 {
		t.Errorf("n %d err %v", n, err)
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	cause := errors.New("stop")
	cancel(cause)
	if _, err = s.Wait(ctx); !errors.Is(err, cause) {
		t.Errorf("cancelled wait: %v", err)
	}
	s.Close()
	if s.Post() {
		t.Error("post after close accepted")
	}
	if _, err = s.Wait(context.Background()); !errors.Is(err, pkg.ErrClosed) {
		t.Errorf("closed wait: %v", err)
	}
}

func TestBridgeLimit(t *testing.T) {
	b := NewBridge(10)
	if err := b.WriteMPU(&MPU{Init: true, Data: make([]byte, 6)}); err != nil {
		t.Fatal(err)
	}
	if err := b.WriteMPU(&MPU{Data: make([]byte, 6)}); !errors.Is(err, pkg.ErrQueueFull) {
		t.Errorf("over limit: %v", err)
	}
	if b.Dropped() != 1 || b.Size() != 6 {
		t.Errorf("dropped %d size %d", b.Dropped(), b.Size())
	}
	bufs, init := b.Drain()
	if len(bufs) != 1 || !init {
		t.Errorf("drain %d buffers init %v", len(bufs), init)
	}
	if _, init = b.Drain(); init {
		t.Error("init reported twice")
	}
	b.Close()
	if err := b.WriteMPU(&MPU{Data: []byte{1}}); !errors.Is(err, pkg.ErrClosed) {
		t.Errorf("after close: %v", err)
	}
}

type fakeContainer struct {
	mu       sync.Mutex
	data     []byte
	inits    int
	failInit int
	demuxed  chan int
}

func (f *fakeContainer) Append(b []byte) error {
	f.mu.Lock()
	f.data = append(f.data, b...)
	f.mu.Unlock()
	return nil
}

func (f *fakeContainer) Init() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	if f.inits <= f.failInit {
		return errors.New("no moov yet")
	}
	return nil
}

func (f *fakeContainer) Inits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inits
}

func (f *fakeContainer) Demux() error {
	f.mu.Lock()
	n := len(f.data)
	f.mu.Unlock()
	f.demuxed <- n
	return pkg.ErrNeedData
}

func TestConsumer(t *testing.T) {
	var root task.Job
	root.Init(context.Background(), nopLogger())
	defer root.Stop(task.ErrExit)

	bridge := NewBridge(0)
	box := &fakeContainer{failInit: 1, demuxed: make(chan int, 4)}
	consumer := &Consumer{Bridge: bridge, Container: box}
	root.AddTask(consumer)
	if err := consumer.WaitStarted(); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(time.Second)
	bridge.WriteMPU(&MPU{Init: true, Data: []byte("ftyp")})
	for box.Inits() == 0 {
		select {
		case <-deadline:
			t.Fatal("consumer never tried init")
		case <-time.After(time.Millisecond):
		}
	}
	if consumer.Ready() {
		t.Fatal("ready after failed init")
	}
	bridge.WriteMPU(&MPU{Data: []byte("moov")})
	select {
	case n := <-box.demuxed:
		if n != 8 {
			t.Errorf("demux saw %d bytes, want 8", n)
		}
	case <-deadline:
		t.Fatal("no demux after init retry")
	}
	bridge.WriteMPU(&MPU{Data: []byte("moof")})
	select {
	case n := <-box.demuxed:
		if n != 12 {
			t.Errorf("demux saw %d bytes, want 12", n)
		}
	case <-deadline:
		t.Fatal("no demux for second flush")
	}
	if !consumer.Ready() || box.Inits() != 2 || consumer.Wakeups() != 3 {
		t.Errorf("ready %v inits %d wakeups %d", consumer.Ready(), box.Inits(), consumer.Wakeups())
	}

	consumer.Stop(task.ErrExit)
	if err := consumer.WaitStopped(); !errors.Is(err, task.ErrExit) {
		t.Errorf("stop reason %v", err)
	}
	if bridge.Post() {
		t.Error("signal open after consumer disposed")
	}
}
