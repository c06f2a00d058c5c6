package peer

import (
	"sync"
	"time"
)

const (
	// DefaultPacingIntervalMs is the default uplink pacer tick.
	DefaultPacingIntervalMs = 20
	// DefaultMaxQueueFrames is the default queue hard cap.
	DefaultMaxQueueFrames = 200
	// MinMaxQueueFrames / MaxMaxQueueFrames clamp VOICE_UPLINK_PACING_MAX_QUEUE_FRAMES.
	MinMaxQueueFrames = 1
	MaxMaxQueueFrames = 2000
	// DefaultIdleTimeoutMs is the default pacer idle-stop timeout.
	DefaultIdleTimeoutMs = 250
	// MinIdleTimeoutMs / MaxIdleTimeoutMs clamp VOICE_UPLINK_PACING_IDLE_TIMEOUT_MS.
	MinIdleTimeoutMs = 50
	MaxIdleTimeoutMs = 5000
)

// pacerFrame is one queued uplink item: either an Opus payload or the
// end-of-talk marker (Opus == nil, isEnd == true).
type pacerFrame struct {
	opus  []byte
	isEnd bool
}

// SendFunc is how the pacer actually transmits a frame to the Mumble
// session; Pacer itself knows nothing about transports.
type SendFunc func(opus []byte, isEnd bool) error

// PacerConfig holds the three tunables from the uplink pacing env vars.
type PacerConfig struct {
	IntervalMs     int
	MaxQueueFrames int
	IdleTimeoutMs  int
}

// Clamp applies the documented defaults and bounds.
func (c PacerConfig) Clamp() PacerConfig {
	if c.IntervalMs <= 0 {
		c.IntervalMs = DefaultPacingIntervalMs
	}
	if c.MaxQueueFrames <= 0 {
		c.MaxQueueFrames = DefaultMaxQueueFrames
	}
	if c.MaxQueueFrames < MinMaxQueueFrames {
		c.MaxQueueFrames = MinMaxQueueFrames
	}
	if c.MaxQueueFrames > MaxMaxQueueFrames {
		c.MaxQueueFrames = MaxMaxQueueFrames
	}
	if c.IdleTimeoutMs <= 0 {
		c.IdleTimeoutMs = DefaultIdleTimeoutMs
	}
	if c.IdleTimeoutMs < MinIdleTimeoutMs {
		c.IdleTimeoutMs = MinIdleTimeoutMs
	}
	if c.IdleTimeoutMs > MaxIdleTimeoutMs {
		c.IdleTimeoutMs = MaxIdleTimeoutMs
	}
	return c
}

// CongestedFunc reports whether the underlying transport is currently
// backpressured; when true, the pacer keeps only the most recent frame.
type CongestedFunc func() bool

// Pacer implements the uplink pacer state machine: one Opus frame per
// tick, idle fast path when the queue is empty and the transport isn't
// congested, single-most-recent-frame retention under congestion, a
// hard queue cap with oldest-first drop, single-pending-end semantics,
// and an idle timeout that stops the ticking goroutine.
type Pacer struct {
	cfg       PacerConfig
	send      SendFunc
	congested CongestedFunc

	mu          sync.Mutex
	queue       []pacerFrame
	pendingEnd  bool
	running     bool
	lastEnqueue time.Time
	dropped     uint64

	stop chan struct{}
}

// NewPacer constructs a pacer. send is called from the pacer's own
// goroutine while it is running, and directly from the EnqueueOpus or
// EnqueueEnd caller's goroutine on the idle fast paths.
func NewPacer(cfg PacerConfig, send SendFunc, congested CongestedFunc) *Pacer {
	return &Pacer{
		cfg:       cfg.Clamp(),
		send:      send,
		congested: congested,
	}
}

// DroppedFrames returns the cumulative count of frames dropped by the
// congestion and hard-cap policies, for the metrics aggregator.
func (p *Pacer) DroppedFrames() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// EnqueueOpus submits one Opus frame for pacing.
func (p *Pacer) EnqueueOpus(opus []byte) {
	p.mu.Lock()
	p.lastEnqueue = time.Now()

	if len(p.queue) == 0 && !p.running && !p.congested() {
		// Idle fast path: send directly, never touching the queue or
		// starting the ticker.
		p.mu.Unlock()
		_ = p.send(opus, false)
		return
	}

	if p.congested() {
		// Keep only the single most recent frame.
		p.dropped += uint64(len(p.queue))
		p.queue = p.queue[:0]
	}

	p.queue = append(p.queue, pacerFrame{opus: opus})
	p.enforceHardCapLocked()
	p.startLocked()
	p.mu.Unlock()
}

// EnqueueEnd submits an end-of-talk marker. If the queue is empty and
// the pacer is not running it is sent immediately (tail-latency
// critical). Otherwise, including while the pacer is still running with
// an empty queue before its idle timeout, it is enqueued at the tail
// after removing any earlier pending end, so only one end marker is ever
// outstanding, and it goes out on a later tick.
func (p *Pacer) EnqueueEnd() {
	p.mu.Lock()
	p.lastEnqueue = time.Now()

	if len(p.queue) == 0 && !p.running {
		p.mu.Unlock()
		_ = p.send(nil, true)
		return
	}

	if p.pendingEnd {
		// Drop the earlier end; a newer one supersedes it.
		filtered := p.queue[:0]
		for _, f := range p.queue {
			if !f.isEnd {
				filtered = append(filtered, f)
			}
		}
		p.queue = filtered
	}
	p.pendingEnd = true
	p.queue = append(p.queue, pacerFrame{isEnd: true})
	p.startLocked()
	p.mu.Unlock()
}

func (p *Pacer) enforceHardCapLocked() {
	if len(p.queue) <= p.cfg.MaxQueueFrames {
		return
	}
	overflow := len(p.queue) - p.cfg.MaxQueueFrames
	p.dropped += uint64(overflow)
	p.queue = p.queue[overflow:]
}

func (p *Pacer) startLocked() {
	if p.running {
		return
	}
	p.running = true
	p.stop = make(chan struct{})
	go p.run(p.stop)
}

// Stop halts the pacer's ticking goroutine, if running.
func (p *Pacer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		close(p.stop)
		p.running = false
	}
}

func (p *Pacer) run(stop chan struct{}) {
	ticker := time.NewTicker(time.Duration(p.cfg.IntervalMs) * time.Millisecond)
	defer ticker.Stop()

	idleTimeout := time.Duration(p.cfg.IdleTimeoutMs) * time.Millisecond

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			if len(p.queue) == 0 {
				if time.Since(p.lastEnqueue) >= idleTimeout {
					p.running = false
					p.mu.Unlock()
					return
				}
				p.mu.Unlock()
				continue
			}

			frame := p.queue[0]
			p.queue = p.queue[1:]
			if frame.isEnd {
				p.pendingEnd = false
			}
			p.mu.Unlock()

			_ = p.send(frame.opus, frame.isEnd)
		}
	}
}
