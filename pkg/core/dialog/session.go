package dialog

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vango-go/voicechat/pkg/core"
	"github.com/vango-go/voicechat/pkg/core/protocol"
	"github.com/vango-go/voicechat/pkg/core/transport"
)

// Transport is the streaming side the session talks through. A false Send
// means the message was queued for delivery after reconnect.
type Transport interface {
	Connect() error
	Send(msg protocol.ClientMessage) bool
	Disconnect()
	Destroy()
}

// Exchanger is the request/response fallback used when no streaming channel
// is available.
type Exchanger interface {
	Exchange(ctx context.Context, pcm []byte, language string) (protocol.ExchangeResponse, error)
}

type sessionOp int

const (
	opPhase sessionOp = iota
	opStart
	opStop
	opChannelOpen
	opChannelClosed
	opReconnectFailed
	opServerMessage
	opEndTurn
	opBargeIn
	opMisfire
	opPlaybackStarted
	opPlaybackEnded
	opPlaybackFailed
	opTimeout
	opExchangeResult
)

// sessionEvent is one entry in the session's serialized event queue. Every
// external callback becomes one of these; only the run loop touches phase.
type sessionEvent struct {
	op          sessionOp
	kind        EventKind
	audio       []byte
	msg         protocol.ServerMessage
	reason      string
	intentional bool
	attempts    int
	url         string
	err         error
	gen         int
	resp        protocol.ExchangeResponse
	respErr     error
	language    string
}

// Session drives one spoken conversation. All phase mutation happens on a
// single loop goroutine fed by an internal queue, so callbacks arriving from
// the transport, the player, and the microphone never race.
type Session struct {
	cfg SessionConfig
	log *zap.Logger
	id  string

	channel  Transport
	exchange Exchanger
	coord    *Coordinator
	pending  *PendingTracker

	queue     chan sessionEvent
	followups []sessionEvent
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	current Phase
	lastErr *core.Error

	// Loop-local state below; only the run goroutine reads or writes it.
	watchGen    int
	watchdog    *time.Timer
	failures    int
	opened      bool
	exchangeGen int
}

// NewSession returns a running session streaming over a websocket channel.
func NewSession(cfg SessionConfig, tcfg transport.Config, player Player, log *zap.Logger) *Session {
	s := newSession(cfg, player, nil, log)
	s.channel = transport.NewChannel(tcfg, transport.Callbacks{
		OnOpen: func() {
			s.post(sessionEvent{op: opChannelOpen})
		},
		OnMessage: func(msg protocol.ServerMessage) {
			s.post(sessionEvent{op: opServerMessage, msg: msg})
		},
		OnError: func(err error) {
			s.log.Debug("channel error", zap.Error(err))
		},
		OnClose: func(reason string, intentional bool) {
			s.post(sessionEvent{op: opChannelClosed, reason: reason, intentional: intentional})
		},
		OnReconnectFailed: func(attempts int) {
			s.post(sessionEvent{op: opReconnectFailed, attempts: attempts})
		},
	}, log)
	go s.run()
	return s
}

// NewFallbackSession returns a running session using the HTTP exchange
// endpoint instead of a streaming channel. Phase behavior is identical; only
// delivery differs.
func NewFallbackSession(cfg SessionConfig, endpoint string, client *http.Client, player Player, log *zap.Logger) *Session {
	s := newSession(cfg, player, client, log)
	s.exchange = transport.NewFallback(endpoint, client, log)
	go s.run()
	return s
}

func newSession(cfg SessionConfig, player Player, client *http.Client, log *zap.Logger) *Session {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{
		cfg:     cfg,
		id:      uuid.NewString(),
		queue:   make(chan sessionEvent, 64),
		events:  make(chan Event, cfg.EventBuffer),
		done:    make(chan struct{}),
		current: PhaseIdle,
		pending: NewPendingTracker(cfg.PendingMaxAge, log),
	}
	s.log = log.With(zap.String("session_id", s.id))
	s.coord = NewCoordinator(player, client, cfg.PlaybackLoadTimeout, cfg.PlaybackMaxDuration, CoordinatorCallbacks{
		OnStarted: func(url string) {
			s.post(sessionEvent{op: opPlaybackStarted, url: url})
		},
		OnEnded: func() {
			s.post(sessionEvent{op: opPlaybackEnded})
		},
		OnFailed: func(err error) {
			s.post(sessionEvent{op: opPlaybackFailed, err: err})
		},
	}, s.log)
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Events returns the notification channel. It is closed by Close. Slow
// consumers lose events rather than stalling the session.
func (s *Session) Events() <-chan Event { return s.events }

// Phase returns the current conversation phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// LastError returns the error that put the session in the error phase, or
// nil.
func (s *Session) LastError() *core.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Start begins the conversation from idle.
func (s *Session) Start() {
	s.post(sessionEvent{op: opStart})
}

// Stop ends the conversation, stopping playback and the channel, and returns
// the session to idle. The session can be started again.
func (s *Session) Stop() {
	s.post(sessionEvent{op: opStop})
}

// Retry leaves the error phase and resumes listening, reconnecting the
// channel if it is down.
func (s *Session) Retry() {
	s.post(sessionEvent{op: opPhase, kind: EventRetry})
}

// Cancel abandons the interrupted or error phase back to idle.
func (s *Session) Cancel() {
	s.post(sessionEvent{op: opPhase, kind: EventCancel})
}

// Close permanently shuts the session down and closes the event channel.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.coord.Cancel()
		if s.channel != nil {
			s.channel.Destroy()
		}
	})
}

// BeginTurn starts a user turn on a speech onset.
func (s *Session) BeginTurn() {
	s.post(sessionEvent{op: opPhase, kind: EventSpeechStart})
}

// BargeIn interrupts assistant speech: playback is cancelled, the service is
// told to stop, and listening resumes.
func (s *Session) BargeIn() {
	s.post(sessionEvent{op: opBargeIn})
}

// EndTurn completes a user turn and submits the utterance.
func (s *Session) EndTurn(pcm []byte) {
	s.post(sessionEvent{op: opEndTurn, audio: pcm})
}

// AbortTurn ends a turn that produced no usable audio. Nothing is sent.
func (s *Session) AbortTurn() {
	s.post(sessionEvent{op: opPhase, kind: EventSpeechEmpty})
}

// Misfire discards a too-short speech burst without contacting the service.
func (s *Session) Misfire() {
	s.post(sessionEvent{op: opMisfire})
}

func (s *Session) post(ev sessionEvent) {
	select {
	case s.queue <- ev:
	case <-s.done:
	}
}

func (s *Session) run() {
	defer close(s.events)
	for {
		if len(s.followups) > 0 {
			ev := s.followups[0]
			s.followups = s.followups[1:]
			s.apply(ev)
			continue
		}
		select {
		case ev := <-s.queue:
			s.apply(ev)
		case <-s.done:
			return
		}
	}
}

// followup enqueues an event ahead of the external queue. Only the run loop
// calls it.
func (s *Session) followup(ev sessionEvent) {
	s.followups = append(s.followups, ev)
}

func (s *Session) apply(ev sessionEvent) {
	switch ev.op {
	case opPhase:
		s.applyPhase(ev.kind)
	case opStart:
		s.applyStart()
	case opStop:
		s.applyStop()
	case opChannelOpen:
		s.applyChannelOpen()
	case opChannelClosed:
		if !ev.intentional {
			s.emit(ChannelLostEvent{Reason: ev.reason})
		}
	case opReconnectFailed:
		s.log.Error("reconnect attempts exhausted", zap.Int("attempts", ev.attempts))
		s.fail(core.NewTerminalError("connection lost and could not be reestablished", "reconnect_exhausted"))
	case opServerMessage:
		s.applyServerMessage(ev.msg)
	case opEndTurn:
		s.applyEndTurn(ev.audio)
	case opBargeIn:
		s.applyBargeIn()
	case opMisfire:
		if s.transition(EventInterrupt) {
			s.followup(sessionEvent{op: opPhase, kind: EventResume})
		}
	case opPlaybackStarted:
		if s.transition(EventReplyReady) {
			s.emit(PlaybackStartedEvent{URL: ev.url})
		}
	case opPlaybackEnded:
		s.failures = 0
		if s.transition(EventPlaybackEnded) {
			s.emit(PlaybackEndedEvent{})
			s.followup(sessionEvent{op: opPhase, kind: EventAutoListen})
		}
	case opPlaybackFailed:
		s.applyPlaybackFailed(ev.err)
	case opTimeout:
		s.applyTimeout(ev.gen)
	case opExchangeResult:
		s.applyExchangeResult(ev)
	}
}

func (s *Session) applyPhase(kind EventKind) {
	switch kind {
	case EventRetry:
		if s.transition(EventRetry) && s.channel != nil {
			_ = s.channel.Connect()
		}
	case EventCancel:
		if s.transition(EventCancel) {
			s.teardownTurn()
			if s.channel != nil {
				s.channel.Disconnect()
			}
		}
	default:
		s.transition(kind)
	}
}

func (s *Session) applyStart() {
	if !s.transition(EventStart) {
		return
	}
	s.failures = 0
	s.opened = false
	if s.channel != nil {
		s.armWatchdog(s.cfg.StartTimeout)
		if err := s.channel.Connect(); err != nil {
			s.log.Warn("connect failed, reconnect scheduled", zap.Error(err))
		}
		return
	}
	// The exchange transport has no handshake.
	s.followup(sessionEvent{op: opPhase, kind: EventChannelReady})
}

func (s *Session) applyStop() {
	s.teardownTurn()
	if s.channel != nil {
		s.channel.Disconnect()
	}
	s.setPhase(PhaseIdle)
	s.opened = false
	s.emit(StoppedEvent{})
}

func (s *Session) applyChannelOpen() {
	reconnect := s.opened
	s.opened = true
	s.emit(ChannelOpenedEvent{Reconnect: reconnect})
	s.channel.Send(protocol.NewInit(s.cfg.Language, s.cfg.AgentLabel))
	if s.Phase() == PhaseStarting {
		s.cancelWatchdog()
		s.transition(EventChannelReady)
	}
	if !reconnect {
		return
	}
	if req := s.pending.TakeForResend(); req != nil {
		s.log.Info("resending pending utterance after reconnect",
			zap.Int("bytes", len(req.Audio)))
		s.deliver(req.Audio, req.Language)
		s.armWatchdog(s.cfg.ProcessingTimeout)
		s.emit(UtteranceSentEvent{Bytes: len(req.Audio), Language: req.Language, Retried: true})
	}
}

func (s *Session) applyEndTurn(audio []byte) {
	if !s.transition(EventSpeechEnd) {
		return
	}
	s.pending.Set(audio, s.cfg.Language)
	s.deliver(audio, s.cfg.Language)
	s.armWatchdog(s.cfg.ProcessingTimeout)
	s.emit(UtteranceSentEvent{Bytes: len(audio), Language: s.cfg.Language})
}

// deliver hands a complete utterance to whichever transport the session has.
func (s *Session) deliver(audio []byte, language string) {
	if s.channel != nil {
		s.channel.Send(protocol.NewAudioChunk(audio, language))
		s.channel.Send(protocol.NewEndAudio(language))
		return
	}
	s.exchangeGen++
	gen := s.exchangeGen
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ProcessingTimeout)
		defer cancel()
		resp, err := s.exchange.Exchange(ctx, audio, language)
		s.post(sessionEvent{op: opExchangeResult, gen: gen, resp: resp, respErr: err, language: language})
	}()
}

func (s *Session) applyExchangeResult(ev sessionEvent) {
	if ev.gen != s.exchangeGen {
		return
	}
	if ev.respErr != nil {
		s.finishTurn(core.HardErrorResult(core.NewTransientError("voice exchange failed", ev.respErr)))
		return
	}
	if !ev.resp.Success {
		s.finishTurn(s.classifyServiceError(ev.resp.Error))
		return
	}
	s.finishTurn(core.OKResult(core.Reply{AudioURL: ev.resp.AudioURL, Text: ev.resp.Text, Language: ev.language}))
}

func (s *Session) applyServerMessage(msg protocol.ServerMessage) {
	switch m := msg.(type) {
	case protocol.ServerTTSStreamURL:
		s.finishTurn(core.OKResult(core.Reply{AudioURL: m.URL, Text: m.Text, Language: m.Language}))
	case protocol.ServerError:
		s.finishTurn(s.classifyServiceError(m.Message))
	case protocol.ServerInterruptionCue:
		s.applyInterruptionCue()
	case protocol.ServerUnknown:
		s.log.Debug("ignoring unknown server message", zap.String("type", m.Type))
	}
}

// classifyServiceError maps a service error message onto a turn outcome.
// Declined content is a soft outcome, not a failure.
func (s *Session) classifyServiceError(message string) core.TurnResult {
	if s.cfg.SoftDecline(message) {
		return core.SoftDeclineResult(message)
	}
	return core.HardErrorResult(core.NewTransientError("service error: "+message, nil))
}

// finishTurn settles the pending turn with its outcome. Outcomes arriving when
// no turn is pending, or after the phase moved on, are dropped.
func (s *Session) finishTurn(res core.TurnResult) {
	if !s.pending.Live() {
		s.log.Info("dropping turn outcome with no pending turn",
			zap.Stringer("kind", res.Kind))
		return
	}
	s.pending.Clear()
	s.cancelWatchdog()
	switch res.Kind {
	case core.TurnOK:
		if s.Phase() != PhaseProcessing {
			s.log.Info("dropping reply outside an active turn",
				zap.Stringer("phase", s.Phase()))
			return
		}
		s.emit(ReplyReceivedEvent{Reply: *res.Reply})
		s.coord.Start(res.Reply.AudioURL)
	case core.TurnSoftDecline:
		s.log.Info("service declined the turn", zap.String("message", res.Advisory))
		if s.transition(EventSoftDecline) {
			s.emit(AdvisoryEvent{Message: res.Advisory})
		}
	case core.TurnHardError:
		s.fail(res.Err)
	}
}

func (s *Session) applyBargeIn() {
	if s.Phase() != PhaseResponding {
		return
	}
	s.coord.Cancel()
	if s.channel != nil {
		s.channel.Send(protocol.NewInterrupt())
	}
	s.transition(EventSpeechStart)
	s.emit(BargeInEvent{})
	s.followup(sessionEvent{op: opPhase, kind: EventResume})
}

func (s *Session) applyInterruptionCue() {
	if s.Phase() != PhaseResponding {
		return
	}
	s.coord.Cancel()
	s.transition(EventInterrupt)
	s.emit(BargeInEvent{})
	s.followup(sessionEvent{op: opPhase, kind: EventResume})
}

func (s *Session) applyPlaybackFailed(err error) {
	s.failures++
	s.log.Warn("playback failed",
		zap.Int("consecutive", s.failures),
		zap.Error(err))
	s.emit(PlaybackFailedEvent{Err: err})
	if s.failures >= s.cfg.MaxPlaybackFailures {
		s.fail(core.NewPlaybackError("playback failing repeatedly", err))
		return
	}
	s.transition(EventPlaybackFailed)
}

func (s *Session) applyTimeout(gen int) {
	if gen != s.watchGen {
		return
	}
	switch s.Phase() {
	case PhaseStarting:
		s.fail(core.NewTransientError("channel not ready before deadline", nil))
	case PhaseProcessing:
		if req := s.pending.Clear(); req != nil {
			s.log.Warn("abandoning turn, no reply before deadline",
				zap.Duration("deadline", s.cfg.ProcessingTimeout))
		}
		s.fail(core.NewProcessingTimeoutError("no reply before deadline"))
	}
}

// fail records err and forces the error phase from wherever the session is.
func (s *Session) fail(err *core.Error) {
	s.cancelWatchdog()
	s.coord.Cancel()
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.setPhase(PhaseError)
	s.emit(ErrorEvent{Err: err})
}

func (s *Session) teardownTurn() {
	s.cancelWatchdog()
	s.coord.Cancel()
	s.pending.Clear()
	s.exchangeGen++
}

// transition applies one table event, emitting a phase change when legal.
func (s *Session) transition(kind EventKind) bool {
	from := s.Phase()
	next, ok := Transition(from, kind)
	if !ok {
		s.log.Debug("ignoring event in current phase",
			zap.Stringer("event", kind),
			zap.Stringer("phase", from))
		return false
	}
	s.setPhase(next)
	return true
}

func (s *Session) setPhase(next Phase) {
	s.mu.Lock()
	from := s.current
	if from == next {
		s.mu.Unlock()
		return
	}
	s.current = next
	if next != PhaseError {
		s.lastErr = nil
	}
	s.mu.Unlock()
	s.log.Debug("phase changed",
		zap.Stringer("from", from),
		zap.Stringer("to", next))
	s.emit(PhaseChangedEvent{From: from, To: next})
}

func (s *Session) armWatchdog(d time.Duration) {
	s.watchGen++
	gen := s.watchGen
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	s.watchdog = time.AfterFunc(d, func() {
		s.post(sessionEvent{op: opTimeout, gen: gen})
	})
}

func (s *Session) cancelWatchdog() {
	s.watchGen++
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("event dropped, subscriber too slow",
			zap.String("event", ev.EventType()))
	}
}
