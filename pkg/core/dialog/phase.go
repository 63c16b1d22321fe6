package dialog

// Phase is the conversation phase. Exactly one instance exists per session
// and only the session's event loop mutates it.
type Phase int

const (
	// PhaseIdle is the resting state before Start and after Stop.
	PhaseIdle Phase = iota
	// PhaseStarting covers channel establishment.
	PhaseStarting
	// PhaseReady means the session is connected and waiting for speech.
	PhaseReady
	// PhaseListening means the user is speaking.
	PhaseListening
	// PhaseProcessing means an utterance is with the service.
	PhaseProcessing
	// PhaseResponding means the assistant reply is playing.
	PhaseResponding
	// PhaseInterrupted is the transient barge-in/misfire state.
	PhaseInterrupted
	// PhaseError requires an explicit retry or cancel.
	PhaseError
)

// String returns a human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseStarting:
		return "STARTING"
	case PhaseReady:
		return "READY"
	case PhaseListening:
		return "LISTENING"
	case PhaseProcessing:
		return "PROCESSING"
	case PhaseResponding:
		return "RESPONDING"
	case PhaseInterrupted:
		return "INTERRUPTED"
	case PhaseError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// EventKind discriminates the events the phase machine understands.
type EventKind int

const (
	// EventStart begins a session from idle.
	EventStart EventKind = iota
	// EventChannelReady means the channel opened and init was sent.
	EventChannelReady
	// EventTimeout is a watchdog expiry for the current phase.
	EventTimeout
	// EventSpeechStart is a new-turn speech onset (or a barge-in while
	// responding).
	EventSpeechStart
	// EventSpeechEnd completes an utterance with usable audio.
	EventSpeechEnd
	// EventSpeechEmpty completes an utterance with no usable audio; the turn
	// is a no-op rather than a failure.
	EventSpeechEmpty
	// EventInterrupt covers misfires and server interruption cues.
	EventInterrupt
	// EventReplyReady means the reply's audio device began emitting.
	EventReplyReady
	// EventSoftDecline means the service declined this turn; the conversation
	// continues.
	EventSoftDecline
	// EventError is a hard failure.
	EventError
	// EventPlaybackEnded means playback completed normally.
	EventPlaybackEnded
	// EventPlaybackFailed means playback failed below the escalation limit.
	EventPlaybackFailed
	// EventAutoListen is the internal second step of playbackEnded: resources
	// released, resume listening.
	EventAutoListen
	// EventResume leaves the interrupted state.
	EventResume
	// EventRetry leaves the error state back into the conversation.
	EventRetry
	// EventCancel abandons the interrupted or error state back to idle.
	EventCancel
)

// String returns a human-readable event name.
func (e EventKind) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventChannelReady:
		return "ready"
	case EventTimeout:
		return "timeout"
	case EventSpeechStart:
		return "speechStart"
	case EventSpeechEnd:
		return "speechEnd"
	case EventSpeechEmpty:
		return "speechEmpty"
	case EventInterrupt:
		return "interrupt"
	case EventReplyReady:
		return "replyReady"
	case EventSoftDecline:
		return "softDecline"
	case EventError:
		return "error"
	case EventPlaybackEnded:
		return "playbackEnded"
	case EventPlaybackFailed:
		return "playbackFailed"
	case EventAutoListen:
		return "autoListen"
	case EventResume:
		return "resume"
	case EventRetry:
		return "retry"
	case EventCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Transition is the authoritative phase table as a pure function. It returns
// the next phase and whether the event is legal in the given phase. Side
// effects (timers, device teardown, sends) live in the session's apply step,
// never here.
func Transition(p Phase, e EventKind) (Phase, bool) {
	switch p {
	case PhaseIdle:
		if e == EventStart {
			return PhaseStarting, true
		}
	case PhaseStarting:
		switch e {
		case EventChannelReady:
			return PhaseReady, true
		case EventTimeout, EventError:
			return PhaseError, true
		}
	case PhaseReady:
		switch e {
		case EventSpeechStart:
			return PhaseListening, true
		case EventAutoListen:
			return PhaseListening, true
		case EventError:
			return PhaseError, true
		}
	case PhaseListening:
		switch e {
		case EventSpeechEnd:
			return PhaseProcessing, true
		case EventSpeechEmpty:
			return PhaseReady, true
		case EventInterrupt:
			return PhaseInterrupted, true
		case EventError:
			return PhaseError, true
		}
	case PhaseProcessing:
		switch e {
		case EventReplyReady:
			return PhaseResponding, true
		case EventSoftDecline:
			return PhaseListening, true
		case EventPlaybackFailed:
			return PhaseListening, true
		case EventTimeout, EventError:
			return PhaseError, true
		}
	case PhaseResponding:
		switch e {
		case EventPlaybackEnded:
			return PhaseReady, true
		case EventSpeechStart, EventInterrupt:
			return PhaseInterrupted, true
		case EventPlaybackFailed:
			return PhaseListening, true
		case EventError:
			return PhaseError, true
		}
	case PhaseInterrupted:
		switch e {
		case EventResume:
			return PhaseListening, true
		case EventCancel:
			return PhaseIdle, true
		case EventError:
			return PhaseError, true
		}
	case PhaseError:
		switch e {
		case EventRetry:
			return PhaseListening, true
		case EventCancel:
			return PhaseIdle, true
		}
	}
	return p, false
}
