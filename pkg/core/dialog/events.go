package dialog

import "github.com/vango-go/voicechat/pkg/core"

// Event is a session notification delivered on the Events channel.
type Event interface {
	EventType() string
}

// PhaseChangedEvent reports a phase transition.
type PhaseChangedEvent struct {
	From Phase
	To   Phase
}

func (e PhaseChangedEvent) EventType() string { return "phase_changed" }

// ChannelOpenedEvent reports the transport opening, including after a
// reconnect.
type ChannelOpenedEvent struct {
	Reconnect bool
}

func (e ChannelOpenedEvent) EventType() string { return "channel_opened" }

// ChannelLostEvent reports an unintentional transport loss.
type ChannelLostEvent struct {
	Reason string
}

func (e ChannelLostEvent) EventType() string { return "channel_lost" }

// UtteranceSentEvent reports that a complete utterance was handed to the
// transport.
type UtteranceSentEvent struct {
	Bytes    int
	Language string
	Retried  bool
}

func (e UtteranceSentEvent) EventType() string { return "utterance_sent" }

// ReplyReceivedEvent reports the service's reply for the current turn.
type ReplyReceivedEvent struct {
	Reply core.Reply
}

func (e ReplyReceivedEvent) EventType() string { return "reply_received" }

// PlaybackStartedEvent reports the audio device emitting the first sample of
// a reply.
type PlaybackStartedEvent struct {
	URL string
}

func (e PlaybackStartedEvent) EventType() string { return "playback_started" }

// PlaybackEndedEvent reports a reply finishing playback normally.
type PlaybackEndedEvent struct{}

func (e PlaybackEndedEvent) EventType() string { return "playback_ended" }

// PlaybackFailedEvent reports a single playback failure below the escalation
// limit.
type PlaybackFailedEvent struct {
	Err error
}

func (e PlaybackFailedEvent) EventType() string { return "playback_failed" }

// BargeInEvent reports the user interrupting assistant speech.
type BargeInEvent struct{}

func (e BargeInEvent) EventType() string { return "barge_in" }

// AdvisoryEvent carries a user-facing notice that is not an error, such as a
// declined turn.
type AdvisoryEvent struct {
	Message string
}

func (e AdvisoryEvent) EventType() string { return "advisory" }

// ErrorEvent reports entry into the error phase.
type ErrorEvent struct {
	Err *core.Error
}

func (e ErrorEvent) EventType() string { return "error" }

// StoppedEvent reports an explicit session stop.
type StoppedEvent struct{}

func (e StoppedEvent) EventType() string { return "stopped" }
