// Package transport owns the duplex connection to the dialogue service: one
// websocket channel with reconnect/backoff, an application-level heartbeat,
// and a bounded outbound queue that absorbs sends while disconnected.
package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vango-go/voicechat/pkg/core/protocol"
)

// State is the connection lifecycle state, owned exclusively by the Channel.
type State int

const (
	// StateClosed means no connection exists and none is being established.
	StateClosed State = iota
	// StateConnecting means a dial or reconnect is in flight.
	StateConnecting
	// StateOpen means the connection is live.
	StateOpen
	// StateClosing means an intentional close is in progress.
	StateClosing
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// CloseReasonHeartbeat distinguishes heartbeat-forced closes from socket
// errors in OnClose callbacks and logs.
const CloseReasonHeartbeat = "heartbeat timeout"

// Callbacks are the channel's lifecycle notifications. All callbacks are
// invoked from channel-owned goroutines; consumers must not block in them.
type Callbacks struct {
	// OnOpen fires on every successful connect, including reconnects.
	OnOpen func()
	// OnMessage delivers each decoded inbound frame exactly once.
	OnMessage func(protocol.ServerMessage)
	// OnError reports non-fatal problems (malformed frames, failed dials).
	OnError func(error)
	// OnClose fires when the connection drops. Intentional closes never
	// trigger auto-reconnect.
	OnClose func(reason string, intentional bool)
	// OnReconnectFailed is terminal: the backoff schedule is exhausted and
	// the channel will not retry on its own.
	OnReconnectFailed func(attempts int)
}

// Channel owns one physical duplex connection. Connect is idempotent, Send
// queues while disconnected, Disconnect is an intentional close that never
// auto-reconnects, and Destroy is terminal.
type Channel struct {
	cfg       Config
	log       *zap.Logger
	callbacks Callbacks
	dialer    *websocket.Dialer

	queue     *SendQueue
	heartbeat *Heartbeat

	writeMu sync.Mutex

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	gen         int // connection generation; stale read loops are inert
	attempts    int // reconnect attempts since the last successful open
	reconnect   *time.Timer
	intentional bool
	destroyed   bool
	flushing    bool
	lastSend    time.Time
}

// NewChannel creates a channel. The channel does not connect until Connect
// is called.
func NewChannel(cfg Config, callbacks Callbacks, log *zap.Logger) *Channel {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	c := &Channel{
		cfg:       cfg,
		log:       log,
		callbacks: callbacks,
		dialer:    &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		queue:     NewSendQueue(cfg.QueueCapacity),
	}
	c.heartbeat = NewHeartbeat(
		cfg.HeartbeatInterval,
		cfg.HeartbeatTimeout,
		c.sendHeartbeatProbe,
		func() { c.forceClose(CloseReasonHeartbeat) },
		log,
	)
	return c
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the reconnect attempt counter. It resets to zero on every
// successful open.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// QueueLen returns the number of messages waiting for the channel to open.
func (c *Channel) QueueLen() int {
	return c.queue.Len()
}

// Connect opens the connection if one is not already open or in flight.
// Calling Connect while Open or Connecting is a no-op.
func (c *Channel) Connect() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return fmt.Errorf("channel destroyed")
	}
	if c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.intentional = false
	url := c.cfg.URL
	c.mu.Unlock()

	go c.dial(url)
	return nil
}

func (c *Channel) dial(url string) {
	conn, _, err := c.dialer.Dial(url, nil)

	c.mu.Lock()
	if c.destroyed || c.state != StateConnecting {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.state = StateClosed
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		c.emitError(fmt.Errorf("dial %s: %w", url, err))
		return
	}

	c.conn = conn
	c.state = StateOpen
	c.attempts = 0
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.log.Info("channel open", zap.String("url", url))
	if c.callbacks.OnOpen != nil {
		c.callbacks.OnOpen()
	}
	c.heartbeat.Start()
	go c.readLoop(conn, gen)
	c.kickFlusher()
}

// Send transmits msg immediately when the channel is open and unthrottled,
// returning true. Otherwise the message is queued (bounded, drop-oldest) and
// Send returns false.
func (c *Channel) Send(msg protocol.ClientMessage) bool {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return false
	}
	if c.state != StateOpen {
		c.mu.Unlock()
		c.queue.Push(msg)
		return false
	}
	// Queued messages must drain first or utterance ordering breaks.
	if c.queue.Len() > 0 || (!c.lastSend.IsZero() && time.Since(c.lastSend) < c.cfg.SendSpacing) {
		c.mu.Unlock()
		c.queue.Push(msg)
		c.kickFlusher()
		return false
	}
	c.lastSend = time.Now()
	conn := c.conn
	c.mu.Unlock()

	if err := c.writeJSON(conn, msg); err != nil {
		c.queue.PushFront(msg)
		c.forceClose(fmt.Sprintf("write failed: %v", err))
		return false
	}
	return true
}

// Disconnect performs an intentional close. It cancels all timers and never
// triggers auto-reconnect.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.destroyed || c.state == StateClosed {
		c.cancelReconnectLocked()
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	c.intentional = true
	c.cancelReconnectLocked()
	conn := c.conn
	c.conn = nil
	c.gen++
	c.state = StateClosed
	c.mu.Unlock()

	c.heartbeat.Stop()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.log.Info("channel disconnected")
	if c.callbacks.OnClose != nil {
		c.callbacks.OnClose("client disconnect", true)
	}
}

// Destroy is terminal: it disconnects, drops the queue, and turns every
// subsequent call into a no-op.
func (c *Channel) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.Disconnect()

	c.mu.Lock()
	c.destroyed = true
	c.cancelReconnectLocked()
	c.mu.Unlock()
	c.queue.Clear()
}

func (c *Channel) readLoop(conn *websocket.Conn, gen int) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(gen, fmt.Sprintf("read failed: %v", err))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		msg, decodeErr := protocol.DecodeServerMessage(data)
		if decodeErr != nil {
			// A malformed frame is not worth the connection; drop it.
			c.log.Warn("dropping malformed frame", zap.Error(decodeErr))
			c.emitError(decodeErr)
			continue
		}
		if _, ok := msg.(protocol.ServerPong); ok {
			c.heartbeat.NoteReply()
			continue
		}
		if c.callbacks.OnMessage != nil {
			c.callbacks.OnMessage(msg)
		}
	}
}

// connectionLost handles an unintentional drop observed by the read loop.
func (c *Channel) connectionLost(gen int, reason string) {
	c.mu.Lock()
	if c.destroyed || gen != c.gen || c.state != StateOpen {
		// A newer connection exists or the close was intentional.
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.state = StateClosed
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	c.heartbeat.Stop()
	if conn != nil {
		_ = conn.Close()
	}
	c.log.Warn("channel lost", zap.String("reason", reason))
	if c.callbacks.OnClose != nil {
		c.callbacks.OnClose(reason, false)
	}
}

// forceClose tears down the current connection with a distinguishing reason
// so the reconnect logic engages. Used by the heartbeat monitor and by
// failed writes.
func (c *Channel) forceClose(reason string) {
	c.mu.Lock()
	if c.destroyed || c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.gen++
	c.state = StateClosed
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	c.heartbeat.Stop()
	if conn != nil {
		_ = conn.Close()
	}
	c.log.Warn("channel force-closed", zap.String("reason", reason))
	if c.callbacks.OnClose != nil {
		c.callbacks.OnClose(reason, false)
	}
}

// scheduleReconnectLocked arms the backoff timer. Caller holds c.mu.
func (c *Channel) scheduleReconnectLocked() {
	if c.intentional || c.destroyed {
		return
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		attempts := c.attempts
		c.log.Error("reconnect attempts exhausted", zap.Int("attempts", attempts))
		if cb := c.callbacks.OnReconnectFailed; cb != nil {
			go cb(attempts)
		}
		return
	}
	delay := c.cfg.ReconnectBase << c.attempts
	if delay > c.cfg.ReconnectCeiling {
		delay = c.cfg.ReconnectCeiling
	}
	c.attempts++
	c.log.Info("reconnect scheduled",
		zap.Duration("delay", delay),
		zap.Int("attempt", c.attempts))
	c.cancelReconnectLocked()
	c.reconnect = time.AfterFunc(delay, func() {
		_ = c.Connect()
	})
}

// cancelReconnectLocked stops a pending reconnect timer. Caller holds c.mu.
func (c *Channel) cancelReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

// kickFlusher starts the queue drain goroutine if one is not running.
func (c *Channel) kickFlusher() {
	c.mu.Lock()
	if c.flushing || c.state != StateOpen || c.destroyed {
		c.mu.Unlock()
		return
	}
	c.flushing = true
	gen := c.gen
	c.mu.Unlock()

	go c.flush(gen)
}

// flush drains the queue oldest-first in small spaced batches so a long
// backlog never blocks fresh sends for more than one batch.
func (c *Channel) flush(gen int) {
	defer func() {
		c.mu.Lock()
		c.flushing = false
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		if c.destroyed || c.state != StateOpen || gen != c.gen {
			c.mu.Unlock()
			return
		}
		conn := c.conn
		c.mu.Unlock()

		batch := c.queue.PopBatch(c.cfg.FlushBatch)
		if len(batch) == 0 {
			return
		}
		for i, msg := range batch {
			if err := c.writeJSON(conn, msg); err != nil {
				c.queue.PushFront(batch[i:]...)
				c.forceClose(fmt.Sprintf("flush write failed: %v", err))
				return
			}
			c.mu.Lock()
			c.lastSend = time.Now()
			c.mu.Unlock()
			time.Sleep(c.cfg.SendSpacing)
		}
	}
}

func (c *Channel) writeJSON(conn *websocket.Conn, msg protocol.ClientMessage) error {
	if conn == nil {
		return fmt.Errorf("no connection")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

// sendHeartbeatProbe writes the ping directly, bypassing the throttle: a
// delayed probe would show up as a false liveness failure.
func (c *Channel) sendHeartbeatProbe() bool {
	c.mu.Lock()
	if c.destroyed || c.state != StateOpen {
		c.mu.Unlock()
		return false
	}
	conn := c.conn
	c.mu.Unlock()
	return c.writeJSON(conn, protocol.NewPing()) == nil
}

func (c *Channel) emitError(err error) {
	if err == nil {
		return
	}
	if c.callbacks.OnError != nil {
		c.callbacks.OnError(err)
	}
}
