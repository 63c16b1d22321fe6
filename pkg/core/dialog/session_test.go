package dialog

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/voicechat/pkg/core"
	"github.com/vango-go/voicechat/pkg/core/protocol"
)

type fakeChannel struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	destroys    int
	sent        []protocol.ClientMessage
}

func (f *fakeChannel) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeChannel) Send(msg protocol.ClientMessage) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return true
}

func (f *fakeChannel) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeChannel) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroys++
}

func (f *fakeChannel) sentTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, len(f.sent))
	for i, msg := range f.sent {
		types[i] = msg.MessageType()
	}
	return types
}

func (f *fakeChannel) countType(typ string) int {
	n := 0
	for _, t := range f.sentTypes() {
		if t == typ {
			n++
		}
	}
	return n
}

func (f *fakeChannel) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeChannel) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func collectEvents(s *Session) *eventLog {
	el := &eventLog{}
	go func() {
		for ev := range s.Events() {
			el.mu.Lock()
			el.events = append(el.events, ev)
			el.mu.Unlock()
		}
	}()
	return el
}

func (el *eventLog) count(typ string) int {
	el.mu.Lock()
	defer el.mu.Unlock()
	n := 0
	for _, ev := range el.events {
		if ev.EventType() == typ {
			n++
		}
	}
	return n
}

func (el *eventLog) sawPhase(p Phase) bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	for _, ev := range el.events {
		if pc, ok := ev.(PhaseChangedEvent); ok && pc.To == p {
			return true
		}
	}
	return false
}

func waitUntil(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func waitPhase(t *testing.T, s *Session, want Phase) {
	t.Helper()
	waitUntil(t, 2*time.Second, func() bool { return s.Phase() == want },
		"never reached phase "+want.String()+", at "+s.Phase().String())
}

func newChannelSession(t *testing.T, cfg SessionConfig, client *http.Client) (*Session, *fakeChannel, *fakePlayer) {
	t.Helper()
	player := &fakePlayer{}
	s := newSession(cfg, player, client, nil)
	ch := &fakeChannel{}
	s.channel = ch
	go s.run()
	t.Cleanup(s.Close)
	return s, ch, player
}

func openChannel(s *Session) {
	s.post(sessionEvent{op: opChannelOpen})
}

func serverSays(s *Session, msg protocol.ServerMessage) {
	s.post(sessionEvent{op: opServerMessage, msg: msg})
}

func TestSessionFullTurn(t *testing.T) {
	audio := audioServer(t, make([]byte, 8000), http.StatusOK)
	s, ch, player := newChannelSession(t, DefaultSessionConfig(), audio.Client())
	events := collectEvents(s)

	s.Start()
	waitPhase(t, s, PhaseStarting)
	waitUntil(t, time.Second, func() bool { return ch.connectCount() == 1 }, "Connect never called")

	openChannel(s)
	waitPhase(t, s, PhaseReady)
	if ch.countType(protocol.TypeInit) != 1 {
		t.Errorf("init frames = %d, want 1", ch.countType(protocol.TypeInit))
	}

	s.BeginTurn()
	waitPhase(t, s, PhaseListening)

	s.EndTurn([]byte{1, 2, 3, 4})
	waitPhase(t, s, PhaseProcessing)
	waitUntil(t, time.Second, func() bool {
		return ch.countType(protocol.TypeAudioChunk) == 1 && ch.countType(protocol.TypeEndAudio) == 1
	}, "utterance frames never sent")
	if !s.pending.Live() {
		t.Error("no pending request while processing")
	}

	serverSays(s, protocol.ServerTTSStreamURL{URL: audio.URL, Text: "hi"})
	// RESPONDING can be over before a Phase() poll sees it: the fake player
	// never blocks, so watch the event stream instead.
	waitUntil(t, 2*time.Second, func() bool { return events.sawPhase(PhaseResponding) },
		"never reached phase RESPONDING")

	// Playback runs to completion, then listening resumes automatically.
	waitPhase(t, s, PhaseListening)
	if s.pending.Live() {
		t.Error("pending request survived the reply")
	}
	if player.bytesWritten() != 8000 {
		t.Errorf("player got %d bytes, want 8000", player.bytesWritten())
	}

	waitUntil(t, time.Second, func() bool { return events.count("playback_ended") == 1 }, "playback_ended never emitted")
	if !events.sawPhase(PhaseReady) {
		t.Error("READY never observed between responding and listening")
	}
	if events.count("reply_received") != 1 {
		t.Errorf("reply_received = %d", events.count("reply_received"))
	}
}

func TestSessionStartTimeout(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.StartTimeout = 30 * time.Millisecond
	s, ch, _ := newChannelSession(t, cfg, nil)

	s.Start()
	waitPhase(t, s, PhaseError)

	err := s.LastError()
	if err == nil || err.Kind != core.ErrTransientConnection {
		t.Fatalf("LastError = %v", err)
	}

	// Retry resumes the conversation and redials.
	s.Retry()
	waitPhase(t, s, PhaseListening)
	waitUntil(t, time.Second, func() bool { return ch.connectCount() == 2 }, "Retry never reconnected")
	if s.LastError() != nil {
		t.Error("LastError not cleared on leaving the error phase")
	}
}

func TestSessionProcessingTimeoutAndLateReply(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.ProcessingTimeout = 40 * time.Millisecond
	s, _, player := newChannelSession(t, cfg, nil)

	s.Start()
	openChannel(s)
	waitPhase(t, s, PhaseReady)
	s.BeginTurn()
	s.EndTurn([]byte{1})
	waitPhase(t, s, PhaseProcessing)

	waitPhase(t, s, PhaseError)
	if err := s.LastError(); err == nil || err.Kind != core.ErrProcessingTimeout {
		t.Fatalf("LastError = %v", err)
	}
	if s.pending.Live() {
		t.Error("abandoned turn still pending")
	}

	// A reply for the abandoned turn must not start playback.
	serverSays(s, protocol.ServerTTSStreamURL{URL: "https://cdn.example.com/late.mp3"})
	time.Sleep(50 * time.Millisecond)
	if player.bytesWritten() != 0 {
		t.Error("late reply started playback")
	}
	if s.Phase() != PhaseError {
		t.Errorf("late reply moved phase to %s", s.Phase())
	}
}

func TestSessionSoftDecline(t *testing.T) {
	s, _, _ := newChannelSession(t, DefaultSessionConfig(), nil)
	events := collectEvents(s)

	s.Start()
	openChannel(s)
	waitPhase(t, s, PhaseReady)
	s.BeginTurn()
	s.EndTurn([]byte{1})
	waitPhase(t, s, PhaseProcessing)

	serverSays(s, protocol.ServerError{Message: "I cannot answer that topic"})
	waitPhase(t, s, PhaseListening)

	if s.LastError() != nil {
		t.Error("soft decline set an error")
	}
	waitUntil(t, time.Second, func() bool { return events.count("advisory") == 1 }, "advisory never emitted")
	if events.count("error") != 0 {
		t.Error("soft decline emitted an error event")
	}
}

func TestSessionHardServiceError(t *testing.T) {
	s, _, _ := newChannelSession(t, DefaultSessionConfig(), nil)

	s.Start()
	openChannel(s)
	waitPhase(t, s, PhaseReady)
	s.BeginTurn()
	s.EndTurn([]byte{1})
	waitPhase(t, s, PhaseProcessing)

	serverSays(s, protocol.ServerError{Message: "model backend exploded"})
	waitPhase(t, s, PhaseError)
	if err := s.LastError(); err == nil || err.Kind != core.ErrTransientConnection {
		t.Fatalf("LastError = %v", err)
	}
}

func TestSessionBargeIn(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 4096))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer slow.Close()
	defer close(release)

	s, ch, player := newChannelSession(t, DefaultSessionConfig(), slow.Client())
	events := collectEvents(s)

	s.Start()
	openChannel(s)
	waitPhase(t, s, PhaseReady)
	s.BeginTurn()
	s.EndTurn([]byte{1})
	waitPhase(t, s, PhaseProcessing)
	serverSays(s, protocol.ServerTTSStreamURL{URL: slow.URL})
	waitPhase(t, s, PhaseResponding)

	s.BargeIn()
	waitPhase(t, s, PhaseListening)

	if player.resetCount() == 0 {
		t.Error("barge-in did not stop the player")
	}
	if ch.countType(protocol.TypeInterrupt) != 1 {
		t.Errorf("interrupt frames = %d, want 1", ch.countType(protocol.TypeInterrupt))
	}
	waitUntil(t, time.Second, func() bool { return events.count("barge_in") == 1 }, "barge_in never emitted")
	if !events.sawPhase(PhaseInterrupted) {
		t.Error("INTERRUPTED never observed")
	}
	// No terminal playback notification for the cancelled reply.
	if events.count("playback_ended") != 0 || events.count("playback_failed") != 0 {
		t.Error("cancelled playback emitted a terminal notification")
	}
}

func TestSessionServerInterruptionCue(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 4096))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer slow.Close()
	defer close(release)

	s, ch, _ := newChannelSession(t, DefaultSessionConfig(), slow.Client())

	s.Start()
	openChannel(s)
	waitPhase(t, s, PhaseReady)
	s.BeginTurn()
	s.EndTurn([]byte{1})
	waitPhase(t, s, PhaseProcessing)
	serverSays(s, protocol.ServerTTSStreamURL{URL: slow.URL})
	waitPhase(t, s, PhaseResponding)

	serverSays(s, protocol.ServerInterruptionCue{})
	waitPhase(t, s, PhaseListening)

	// Server-initiated cue needs no interrupt frame back.
	if ch.countType(protocol.TypeInterrupt) != 0 {
		t.Errorf("interrupt frames = %d, want 0", ch.countType(protocol.TypeInterrupt))
	}
}

func TestSessionResendsPendingOncePerRequest(t *testing.T) {
	s, ch, _ := newChannelSession(t, DefaultSessionConfig(), nil)
	events := collectEvents(s)

	s.Start()
	openChannel(s)
	waitPhase(t, s, PhaseReady)
	s.BeginTurn()
	s.EndTurn([]byte{1, 2})
	waitPhase(t, s, PhaseProcessing)
	if ch.countType(protocol.TypeAudioChunk) != 1 {
		t.Fatalf("audio_chunk = %d", ch.countType(protocol.TypeAudioChunk))
	}

	// Reconnect: the unanswered utterance goes out again.
	openChannel(s)
	waitUntil(t, time.Second, func() bool { return ch.countType(protocol.TypeAudioChunk) == 2 },
		"pending utterance never resent")

	// Another reconnect must not resend it a second time.
	openChannel(s)
	time.Sleep(30 * time.Millisecond)
	if got := ch.countType(protocol.TypeAudioChunk); got != 2 {
		t.Errorf("audio_chunk after second reconnect = %d, want 2", got)
	}

	waitUntil(t, time.Second, func() bool { return events.count("utterance_sent") >= 2 }, "resend event missing")
}

func TestSessionPlaybackFailureEscalation(t *testing.T) {
	bad := audioServer(t, nil, http.StatusNotFound)
	cfg := DefaultSessionConfig()
	cfg.MaxPlaybackFailures = 2
	s, _, _ := newChannelSession(t, cfg, bad.Client())
	events := collectEvents(s)

	s.Start()
	openChannel(s)
	waitPhase(t, s, PhaseReady)

	// First failure: logged, back to listening.
	s.BeginTurn()
	s.EndTurn([]byte{1})
	waitPhase(t, s, PhaseProcessing)
	serverSays(s, protocol.ServerTTSStreamURL{URL: bad.URL})
	waitPhase(t, s, PhaseListening)
	if s.Phase() == PhaseError {
		t.Fatal("single playback failure escalated")
	}

	// Second consecutive failure crosses the limit.
	s.EndTurn([]byte{2})
	waitPhase(t, s, PhaseProcessing)
	serverSays(s, protocol.ServerTTSStreamURL{URL: bad.URL})
	waitPhase(t, s, PhaseError)
	if err := s.LastError(); err == nil || err.Kind != core.ErrPlaybackFailure {
		t.Fatalf("LastError = %v", err)
	}
	if events.count("playback_failed") != 2 {
		t.Errorf("playback_failed events = %d, want 2", events.count("playback_failed"))
	}
}

func TestSessionMisfireAndEmptyTurn(t *testing.T) {
	s, ch, _ := newChannelSession(t, DefaultSessionConfig(), nil)
	events := collectEvents(s)

	s.Start()
	openChannel(s)
	waitPhase(t, s, PhaseReady)
	s.BeginTurn()
	waitPhase(t, s, PhaseListening)

	// A misfire dips through INTERRUPTED and resumes without server contact.
	s.Misfire()
	waitUntil(t, time.Second, func() bool { return events.sawPhase(PhaseInterrupted) }, "misfire never interrupted")
	waitPhase(t, s, PhaseListening)
	if ch.countType(protocol.TypeAudioChunk) != 0 {
		t.Error("misfire contacted the service")
	}

	// An empty utterance ends the turn as a no-op.
	s.AbortTurn()
	waitPhase(t, s, PhaseReady)
	if ch.countType(protocol.TypeAudioChunk) != 0 || ch.countType(protocol.TypeEndAudio) != 0 {
		t.Error("empty turn contacted the service")
	}
}

func TestSessionStopReturnsToIdle(t *testing.T) {
	s, ch, _ := newChannelSession(t, DefaultSessionConfig(), nil)
	events := collectEvents(s)

	s.Start()
	openChannel(s)
	waitPhase(t, s, PhaseReady)
	s.BeginTurn()
	s.EndTurn([]byte{1})
	waitPhase(t, s, PhaseProcessing)

	s.Stop()
	waitPhase(t, s, PhaseIdle)
	waitUntil(t, time.Second, func() bool { return ch.disconnectCount() == 1 }, "Disconnect never called")
	if s.pending.Live() {
		t.Error("pending request survived Stop")
	}
	waitUntil(t, time.Second, func() bool { return events.count("stopped") == 1 }, "stopped never emitted")

	// The session can start again.
	s.Start()
	waitPhase(t, s, PhaseStarting)
}

func TestSessionReconnectExhaustionIsTerminal(t *testing.T) {
	s, _, _ := newChannelSession(t, DefaultSessionConfig(), nil)

	s.Start()
	openChannel(s)
	waitPhase(t, s, PhaseReady)

	s.post(sessionEvent{op: opReconnectFailed, attempts: 5})
	waitPhase(t, s, PhaseError)
	err := s.LastError()
	if err == nil || err.Kind != core.ErrTerminal {
		t.Fatalf("LastError = %v", err)
	}
	if err.IsRecoverable() {
		t.Error("reconnect exhaustion reported as recoverable")
	}
}

func TestFallbackSessionFullTurn(t *testing.T) {
	audio := audioServer(t, make([]byte, 2048), http.StatusOK)
	exchange := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(protocol.ExchangeResponse{
			Success:  true,
			AudioURL: audio.URL,
			Text:     "hello",
		})
	}))
	defer exchange.Close()

	player := &fakePlayer{}
	s := NewFallbackSession(DefaultSessionConfig(), exchange.URL, nil, player, nil)
	t.Cleanup(s.Close)
	events := collectEvents(s)

	s.Start()
	waitPhase(t, s, PhaseReady)

	s.BeginTurn()
	s.EndTurn([]byte{1, 2, 3})
	// RESPONDING can be over before a Phase() poll sees it: the fake player
	// never blocks, so watch the event stream instead.
	waitUntil(t, 2*time.Second, func() bool { return events.sawPhase(PhaseResponding) },
		"never reached phase RESPONDING")
	waitPhase(t, s, PhaseListening)

	if player.bytesWritten() != 2048 {
		t.Errorf("player got %d bytes", player.bytesWritten())
	}
}

func TestFallbackSessionDecline(t *testing.T) {
	exchange := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(protocol.ExchangeResponse{
			Success: false,
			Error:   "that topic is flagged",
		})
	}))
	defer exchange.Close()

	s := NewFallbackSession(DefaultSessionConfig(), exchange.URL, nil, &fakePlayer{}, nil)
	t.Cleanup(s.Close)

	s.Start()
	waitPhase(t, s, PhaseReady)
	s.BeginTurn()
	s.EndTurn([]byte{1})
	waitPhase(t, s, PhaseListening)
	if s.LastError() != nil {
		t.Errorf("decline set error %v", s.LastError())
	}
}
