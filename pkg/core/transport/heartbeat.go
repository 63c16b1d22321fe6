package transport

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Heartbeat probes the channel on a fixed interval while it is open and
// forces a close when no liveness reply arrives in time. This is what catches
// half-open TCP connections that never fire a close event on their own.
type Heartbeat struct {
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger

	// sendPing transmits one probe; a false return means the channel could
	// not even hand the probe to the socket.
	sendPing func() bool
	// onStale fires when a probe goes unanswered past the timeout.
	onStale func()

	mu           sync.Mutex
	running      bool
	lastReply    time.Time
	probeTicker  *time.Ticker
	timeoutTimer *time.Timer
	stop         chan struct{}
}

// NewHeartbeat creates a monitor. Callbacks are fixed at construction so the
// channel cannot race a re-wire against a firing timer.
func NewHeartbeat(interval, timeout time.Duration, sendPing func() bool, onStale func(), log *zap.Logger) *Heartbeat {
	if log == nil {
		log = zap.NewNop()
	}
	return &Heartbeat{
		interval: interval,
		timeout:  timeout,
		sendPing: sendPing,
		onStale:  onStale,
		log:      log,
	}
}

// Start begins probing. Calling Start while running is a no-op.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.lastReply = time.Now()
	h.stop = make(chan struct{})
	h.probeTicker = time.NewTicker(h.interval)
	stop := h.stop
	ticker := h.probeTicker
	h.mu.Unlock()

	go h.run(ticker, stop)
}

func (h *Heartbeat) run(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.probe(stop)
		}
	}
}

func (h *Heartbeat) probe(stop chan struct{}) {
	probeAt := time.Now()
	if !h.sendPing() {
		h.log.Debug("heartbeat probe could not be sent")
		h.fireStale(stop)
		return
	}

	h.mu.Lock()
	if h.timeoutTimer != nil {
		h.timeoutTimer.Stop()
	}
	h.timeoutTimer = time.AfterFunc(h.timeout, func() {
		h.mu.Lock()
		answered := h.lastReply.After(probeAt) || h.lastReply.Equal(probeAt)
		h.mu.Unlock()
		if !answered {
			h.log.Warn("heartbeat reply missed",
				zap.Duration("timeout", h.timeout))
			h.fireStale(stop)
		}
	})
	h.mu.Unlock()
}

func (h *Heartbeat) fireStale(stop chan struct{}) {
	select {
	case <-stop:
		// Stopped between probe and stale detection; the channel is already
		// handling a close.
		return
	default:
	}
	if h.onStale != nil {
		h.onStale()
	}
}

// NoteReply records a liveness reply.
func (h *Heartbeat) NoteReply() {
	h.mu.Lock()
	h.lastReply = time.Now()
	h.mu.Unlock()
}

// Stop cancels probing and any armed timeout. Safe to call repeatedly.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	h.running = false
	close(h.stop)
	h.probeTicker.Stop()
	if h.timeoutTimer != nil {
		h.timeoutTimer.Stop()
		h.timeoutTimer = nil
	}
}

// Running reports whether the monitor is active.
func (h *Heartbeat) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}
