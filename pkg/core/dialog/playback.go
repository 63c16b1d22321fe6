package dialog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Player is the audio output device. Write may block while the device
// drains; Reset stops output immediately and discards anything buffered.
type Player interface {
	Start() error
	Write(pcm []byte) error
	Reset() error
	Close() error
}

// PlaybackSession describes one reply being played.
type PlaybackSession struct {
	SourceURL string
	StartedAt time.Time
}

// CoordinatorCallbacks receive playback lifecycle notifications. For a
// session that runs to termination exactly one of OnEnded or OnFailed fires;
// a cancelled session fires neither. OnStarted fires once the device has
// accepted the first audio bytes.
type CoordinatorCallbacks struct {
	OnStarted func(url string)
	OnEnded   func()
	OnFailed  func(err error)
}

// Coordinator streams reply audio from a URL into the Player. At most one
// playback session is live; starting a new one tears down the old one first.
type Coordinator struct {
	player      Player
	client      *http.Client
	log         *zap.Logger
	cb          CoordinatorCallbacks
	loadTimeout time.Duration
	maxDuration time.Duration
	chunkSize   int

	mu      sync.Mutex
	session *PlaybackSession
	cancel  context.CancelFunc
	gen     int
}

// NewCoordinator returns a coordinator writing to player. A nil client uses
// a default with no overall timeout; the per-session ceiling bounds streams.
func NewCoordinator(player Player, client *http.Client, loadTimeout, maxDuration time.Duration, cb CoordinatorCallbacks, log *zap.Logger) *Coordinator {
	if client == nil {
		client = &http.Client{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		player:      player,
		client:      client,
		log:         log,
		cb:          cb,
		loadTimeout: loadTimeout,
		maxDuration: maxDuration,
		chunkSize:   4096,
	}
}

// Start begins playing the audio at url, cancelling any live session first.
func (c *Coordinator) Start(url string) {
	c.mu.Lock()
	c.cancelLocked()
	ctx, cancel := context.WithTimeout(context.Background(), c.maxDuration)
	c.cancel = cancel
	c.gen++
	gen := c.gen
	c.session = &PlaybackSession{SourceURL: url, StartedAt: time.Now()}
	c.mu.Unlock()

	go c.run(ctx, gen, url)
}

// Cancel tears down the live session, if any, and resets the device. The
// cancelled session emits no terminal callback.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	c.cancelLocked()
	c.mu.Unlock()
	if err := c.player.Reset(); err != nil {
		c.log.Warn("player reset failed", zap.Error(err))
	}
}

// Active returns the live playback session, or nil.
func (c *Coordinator) Active() *PlaybackSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Coordinator) cancelLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.session = nil
	c.gen++
}

func (c *Coordinator) run(ctx context.Context, gen int, url string) {
	err := c.stream(ctx, gen, url)
	c.finish(gen, err)
}

func (c *Coordinator) stream(ctx context.Context, gen int, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building audio request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching reply audio: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reply audio fetch returned %d", resp.StatusCode)
	}

	// A slow source is logged but still attempted; only the session ceiling
	// gives up on it.
	slow := time.AfterFunc(c.loadTimeout, func() {
		c.log.Warn("reply audio slow to load, attempting playback anyway",
			zap.String("url", url),
			zap.Duration("load_timeout", c.loadTimeout))
	})
	defer slow.Stop()

	if err := c.player.Start(); err != nil {
		return fmt.Errorf("starting player: %w", err)
	}

	started := false
	buf := make([]byte, c.chunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if err := c.player.Write(buf[:n]); err != nil {
				return fmt.Errorf("writing to player: %w", err)
			}
			if !started {
				started = true
				slow.Stop()
				c.started(gen, url)
			}
		}
		if readErr == io.EOF {
			if !started {
				return fmt.Errorf("reply audio stream was empty")
			}
			return nil
		}
		if readErr != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("playback exceeded %s ceiling", c.maxDuration)
			}
			return fmt.Errorf("reading reply audio: %w", readErr)
		}
	}
}

func (c *Coordinator) started(gen int, url string) {
	c.mu.Lock()
	stale := gen != c.gen
	c.mu.Unlock()
	if stale {
		return
	}
	if c.cb.OnStarted != nil {
		c.cb.OnStarted(url)
	}
}

func (c *Coordinator) finish(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen {
		// Cancelled or superseded; the terminal callback was forfeited.
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.session = nil
	c.gen++
	c.mu.Unlock()

	if err != nil {
		if rerr := c.player.Reset(); rerr != nil {
			c.log.Warn("player reset failed", zap.Error(rerr))
		}
		if c.cb.OnFailed != nil {
			c.cb.OnFailed(err)
		}
		return
	}
	if c.cb.OnEnded != nil {
		c.cb.OnEnded()
	}
}
