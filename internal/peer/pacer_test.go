package peer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPacerIdleFastPathSendsImmediately(t *testing.T) {
	var sent int32
	p := NewPacer(PacerConfig{}, func(opus []byte, isEnd bool) error {
		atomic.AddInt32(&sent, 1)
		return nil
	}, func() bool { return false })

	p.EnqueueOpus([]byte{1, 2, 3})

	if atomic.LoadInt32(&sent) != 1 {
		t.Fatalf("sent = %d, want 1 (idle fast path)", sent)
	}
}

func TestPacerDropsUnderCongestionKeepingOnlyLatest(t *testing.T) {
	var mu sync.Mutex
	var got [][]byte

	congested := true
	p := NewPacer(PacerConfig{IntervalMs: 5}, func(opus []byte, isEnd bool) error {
		mu.Lock()
		got = append(got, opus)
		mu.Unlock()
		return nil
	}, func() bool { return congested })

	for i := 0; i < 30; i++ {
		p.EnqueueOpus([]byte{byte(i)})
	}

	congested = false
	time.Sleep(50 * time.Millisecond)
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("delivered %d frames, want 1 (only most recent survives congestion)", len(got))
	}
	if got[0][0] != 29 {
		t.Fatalf("delivered frame %v, want the most recent (29)", got[0])
	}
	if p.DroppedFrames() < 28 {
		t.Fatalf("DroppedFrames = %d, want >= 28", p.DroppedFrames())
	}
}

func TestPacerHardCapDropsOldestFirst(t *testing.T) {
	p := NewPacer(PacerConfig{IntervalMs: 5, MaxQueueFrames: 3}, func(opus []byte, isEnd bool) error {
		return nil
	}, func() bool { return false })

	// Block the run goroutine from draining anything so the queue state
	// is deterministic: mark the pacer as already running without
	// actually starting a ticker.
	p.mu.Lock()
	p.running = true
	for i := byte(0); i < 6; i++ {
		p.queue = append(p.queue, pacerFrame{opus: []byte{i}})
		p.enforceHardCapLocked()
	}
	queue := append([]pacerFrame(nil), p.queue...)
	p.mu.Unlock()

	if len(queue) != 3 {
		t.Fatalf("queue length = %d, want 3 (hard cap)", len(queue))
	}
	for i, f := range queue {
		want := byte(3 + i)
		if f.opus[0] != want {
			t.Fatalf("queue[%d] = %d, want %d (oldest dropped first)", i, f.opus[0], want)
		}
	}
}

func TestPacerSinglePendingEnd(t *testing.T) {
	var mu sync.Mutex
	ends := 0

	p := NewPacer(PacerConfig{IntervalMs: 5}, func(opus []byte, isEnd bool) error {
		if isEnd {
			mu.Lock()
			ends++
			mu.Unlock()
		}
		return nil
	}, func() bool { return true })

	p.EnqueueOpus([]byte{1})
	p.EnqueueEnd()
	p.EnqueueOpus([]byte{2})
	p.EnqueueEnd()

	time.Sleep(80 * time.Millisecond)
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	if ends != 1 {
		t.Fatalf("ends = %d, want 1 (only one end marker pending at a time)", ends)
	}
}

func TestPacerIdleTimeoutStopsRunning(t *testing.T) {
	p := NewPacer(PacerConfig{IntervalMs: 5, IdleTimeoutMs: 50}, func(opus []byte, isEnd bool) error {
		return nil
	}, func() bool { return true })

	p.EnqueueOpus([]byte{1})
	time.Sleep(150 * time.Millisecond)

	p.mu.Lock()
	running := p.running
	p.mu.Unlock()

	if running {
		t.Fatalf("pacer still running after idle timeout")
	}
}
